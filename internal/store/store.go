package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"entitlement-engine/internal/models"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// Store is the durable Postgres-backed persistence layer. It is the
// authoritative source of truth; the degraded fallback store only stands in
// for it while it is unreachable.
type Store struct {
	db *sqlx.DB
}

// NewStore connects to the database and verifies it with a ping.
func NewStore(databaseURL string) (*Store, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// GetDB returns the underlying database handle.
func (s *Store) GetDB() *sqlx.DB {
	return s.db
}

// Ping reports whether durable storage is currently reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", models.ErrStorageUnavailable, err)
	}
	return nil
}

// storageErr classifies a driver error. sql.ErrNoRows is a domain condition;
// anything else means the backend could not serve the request and the caller
// may switch to the fallback store.
func storageErr(err error) error {
	if err == nil || errors.Is(err, sql.ErrNoRows) {
		return err
	}
	return fmt.Errorf("%w: %v", models.ErrStorageUnavailable, err)
}

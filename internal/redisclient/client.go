// Package redisclient caches catalog reads. Services are read-mostly on the
// marketplace surface; entries are invalidated by bus events and every
// cache miss falls through to storage, so the cache is never authoritative.
package redisclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"entitlement-engine/internal/models"

	"github.com/go-redis/redis/v8"
)

const serviceTTL = 10 * time.Minute

type Client struct {
	rdb *redis.Client
}

// NewClient creates a new Redis client and verifies connectivity.
func NewClient(addr, password string, db int) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &Client{rdb: rdb}, nil
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}

func serviceKey(id string) string {
	return fmt.Sprintf("service:%s", id)
}

// GetService returns a cached service, or (nil, nil) on a miss.
func (c *Client) GetService(ctx context.Context, id string) (*models.Service, error) {
	raw, err := c.rdb.Get(ctx, serviceKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var svc models.Service
	if err := json.Unmarshal(raw, &svc); err != nil {
		// Corrupt entry; drop it and report a miss.
		_ = c.rdb.Del(ctx, serviceKey(id)).Err()
		return nil, nil
	}
	return &svc, nil
}

// SetService caches a service with a TTL.
func (c *Client) SetService(ctx context.Context, svc *models.Service) error {
	raw, err := json.Marshal(svc)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, serviceKey(svc.ID), raw, serviceTTL).Err()
}

// InvalidateService drops a cached service after a mutation.
func (c *Client) InvalidateService(ctx context.Context, id string) error {
	return c.rdb.Del(ctx, serviceKey(id)).Err()
}

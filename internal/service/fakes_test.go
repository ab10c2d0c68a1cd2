package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"entitlement-engine/internal/models"
	"entitlement-engine/internal/wallet"
)

// memStore is an in-memory implementation of the storage contracts. Failure
// injection per method name simulates an unreachable backend.
type memStore struct {
	mu       sync.Mutex
	services map[string]*models.Service
	attempts map[string]*models.PaymentAttempt
	ents     map[string]*models.Entitlement
	failing  map[string]error
}

func newMemStore() *memStore {
	return &memStore{
		services: make(map[string]*models.Service),
		attempts: make(map[string]*models.PaymentAttempt),
		ents:     make(map[string]*models.Entitlement),
		failing:  make(map[string]error),
	}
}

func (m *memStore) fail(op string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failing[op] = fmt.Errorf("%w: injected", models.ErrStorageUnavailable)
}

func (m *memStore) recover(op string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.failing, op)
}

func (m *memStore) failure(op string) error {
	return m.failing[op]
}

func (m *memStore) CreateService(_ context.Context, svc *models.Service) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure("CreateService"); err != nil {
		return err
	}
	if _, exists := m.services[svc.ID]; exists {
		return nil
	}
	now := time.Now()
	svc.CreatedAt, svc.UpdatedAt = now, now
	cp := *svc
	m.services[svc.ID] = &cp
	return nil
}

func (m *memStore) UpsertService(_ context.Context, svc *models.Service) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure("UpsertService"); err != nil {
		return err
	}
	now := time.Now()
	if existing, ok := m.services[svc.ID]; ok {
		svc.CreatedAt = existing.CreatedAt
	} else {
		svc.CreatedAt = now
	}
	svc.UpdatedAt = now
	cp := *svc
	m.services[svc.ID] = &cp
	return nil
}

func (m *memStore) GetService(_ context.Context, id string) (*models.Service, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure("GetService"); err != nil {
		return nil, err
	}
	svc, ok := m.services[id]
	if !ok {
		return nil, fmt.Errorf("%w: service %s", models.ErrNotFound, id)
	}
	cp := *svc
	return &cp, nil
}

func (m *memStore) ListServices(_ context.Context, owner string) ([]models.Service, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure("ListServices"); err != nil {
		return nil, err
	}
	var out []models.Service
	for _, svc := range m.services {
		if svc.Tombstoned {
			continue
		}
		if owner != "" && svc.OwnerPersonaID != owner {
			continue
		}
		out = append(out, *svc)
	}
	return out, nil
}

func (m *memStore) UpdateService(_ context.Context, svc *models.Service) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure("UpdateService"); err != nil {
		return err
	}
	if _, ok := m.services[svc.ID]; !ok {
		return fmt.Errorf("%w: service %s", models.ErrNotFound, svc.ID)
	}
	svc.UpdatedAt = time.Now()
	cp := *svc
	m.services[svc.ID] = &cp
	return nil
}

func (m *memStore) DeleteService(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure("DeleteService"); err != nil {
		return err
	}
	if _, ok := m.services[id]; !ok {
		return fmt.Errorf("%w: service %s", models.ErrNotFound, id)
	}
	delete(m.services, id)
	return nil
}

func (m *memStore) CreateAttempt(_ context.Context, a *models.PaymentAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure("CreateAttempt"); err != nil {
		return err
	}
	if _, exists := m.attempts[a.ID]; exists {
		return nil
	}
	now := time.Now()
	a.CreatedAt, a.UpdatedAt = now, now
	cp := *a
	m.attempts[a.ID] = &cp
	return nil
}

func (m *memStore) GetAttempt(_ context.Context, id string) (*models.PaymentAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.attempts[id]
	if !ok {
		return nil, fmt.Errorf("%w: attempt %s", models.ErrNotFound, id)
	}
	cp := *a
	return &cp, nil
}

func (m *memStore) SetAttemptSubmitted(_ context.Context, id, ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure("SetAttemptSubmitted"); err != nil {
		return err
	}
	if a, ok := m.attempts[id]; ok {
		a.ExternalRef = ref
		a.UpdatedAt = time.Now()
	}
	return nil
}

func (m *memStore) ResolveAttempt(_ context.Context, id, status string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure("ResolveAttempt"); err != nil {
		return false, err
	}
	a, ok := m.attempts[id]
	if !ok || a.Status != models.AttemptStatusPending {
		return false, nil
	}
	a.Status = status
	a.UpdatedAt = time.Now()
	return true, nil
}

func (m *memStore) GetUnresolvedAttempt(_ context.Context, serviceID, buyerWallet string) (*models.PaymentAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure("GetUnresolvedAttempt"); err != nil {
		return nil, err
	}
	for _, a := range m.attempts {
		if a.ServiceID == serviceID && a.BuyerWallet == buyerWallet && a.Unresolved() {
			cp := *a
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memStore) ListUnresolvedAttempts(_ context.Context) ([]models.PaymentAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.PaymentAttempt
	for _, a := range m.attempts {
		if a.Unresolved() {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (m *memStore) CreateEntitlement(_ context.Context, e *models.Entitlement) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure("CreateEntitlement"); err != nil {
		return err
	}
	now := time.Now()
	e.CreatedAt, e.UpdatedAt = now, now
	// Pair-keyed upsert, same as the durable unique constraint.
	for id, cur := range m.ents {
		if cur.ServiceID == e.ServiceID && cur.BuyerWallet == e.BuyerWallet {
			delete(m.ents, id)
		}
	}
	cp := *e
	m.ents[e.ID] = &cp
	return nil
}

func (m *memStore) GetEntitlement(_ context.Context, serviceID, buyerWallet string) (*models.Entitlement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure("GetEntitlement"); err != nil {
		return nil, err
	}
	for _, e := range m.ents {
		if e.ServiceID == serviceID && e.BuyerWallet == buyerWallet {
			cp := *e
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("%w: entitlement for service %s", models.ErrNotFound, serviceID)
}

func (m *memStore) GetEntitlementByID(_ context.Context, id string) (*models.Entitlement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.ents[id]
	if !ok {
		return nil, fmt.Errorf("%w: entitlement %s", models.ErrNotFound, id)
	}
	cp := *e
	return &cp, nil
}

func (m *memStore) GetEntitlementByAttempt(_ context.Context, attemptID string) (*models.Entitlement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.ents {
		if e.FromAttemptID == attemptID {
			cp := *e
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memStore) ListEntitlementsByBuyer(_ context.Context, buyerWallet string) ([]models.Entitlement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure("ListEntitlementsByBuyer"); err != nil {
		return nil, err
	}
	var out []models.Entitlement
	for _, e := range m.ents {
		if e.BuyerWallet == buyerWallet {
			out = append(out, *e)
		}
	}
	return out, nil
}

func (m *memStore) CountEntitlementsForService(_ context.Context, serviceID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure("CountEntitlementsForService"); err != nil {
		return 0, err
	}
	n := 0
	for _, e := range m.ents {
		if e.ServiceID == serviceID {
			n++
		}
	}
	return n, nil
}

func (m *memStore) RecordUse(_ context.Context, id string) (*models.Entitlement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure("RecordUse"); err != nil {
		return nil, err
	}
	e, ok := m.ents[id]
	if !ok {
		return nil, fmt.Errorf("%w: entitlement %s", models.ErrNotFound, id)
	}
	if e.MaxUsage != nil && e.UsageCount >= *e.MaxUsage {
		return nil, fmt.Errorf("%w: entitlement %s", models.ErrExhausted, id)
	}
	if e.ExpiresAt != nil && !time.Now().Before(*e.ExpiresAt) {
		return nil, fmt.Errorf("%w: entitlement %s", models.ErrExpired, id)
	}
	e.UsageCount++
	e.UpdatedAt = time.Now()
	cp := *e
	return &cp, nil
}

// fakeLedger is a scriptable wallet network. Outcomes are set per submission
// and can be flipped later to model late confirmations.
type fakeLedger struct {
	mu       sync.Mutex
	balances map[string]int64
	outcomes map[string]wallet.Confirmation
	next     wallet.Confirmation
	submits  int
	lastRef  string

	submitErr error
	awaitGate chan struct{} // if set, AwaitConfirmation blocks until closed
	submitted chan string   // if set, receives the ref on submission
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		balances: make(map[string]int64),
		outcomes: make(map[string]wallet.Confirmation),
		next:     wallet.ConfirmationConfirmed,
	}
}

func (f *fakeLedger) GetBalance(_ context.Context, walletAddr string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balances[walletAddr], nil
}

func (f *fakeLedger) SubmitPayment(_ context.Context, from, to string, amount int64) (string, error) {
	f.mu.Lock()
	if f.submitErr != nil {
		err := f.submitErr
		f.mu.Unlock()
		return "", err
	}
	f.submits++
	ref := fmt.Sprintf("ref-%d", f.submits)
	f.lastRef = ref
	f.outcomes[ref] = f.next
	submitted := f.submitted
	f.mu.Unlock()

	if submitted != nil {
		submitted <- ref
	}
	return ref, nil
}

func (f *fakeLedger) AwaitConfirmation(ctx context.Context, ref string, _ time.Duration) (wallet.Confirmation, error) {
	f.mu.Lock()
	gate := f.awaitGate
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return wallet.ConfirmationTimedOut, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	return f.outcomes[ref], nil
}

func (f *fakeLedger) setOutcome(ref string, outcome wallet.Confirmation) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outcomes[ref] = outcome
}

package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"entitlement-engine/internal/bus"
	"entitlement-engine/internal/models"
	"entitlement-engine/internal/wallet"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEngine struct {
	store      *memStore
	ledgerNet  *fakeLedger
	bus        *bus.Bus
	catalog    *CatalogService
	settlement *SettlementOrchestrator
	ents       *EntitlementLedger
	gate       *DeliveryGate
}

func newTestEngine() *testEngine {
	store := newMemStore()
	net := newFakeLedger()
	b := bus.New()
	catalog := NewCatalogService(store, store, nil, nil, b)
	ents := NewEntitlementLedger(store, nil, b)
	settlement := NewSettlementOrchestrator(catalog, store, store, nil, net, b, 100*time.Millisecond)
	gate := NewDeliveryGate(catalog, ents)
	return &testEngine{
		store:      store,
		ledgerNet:  net,
		bus:        b,
		catalog:    catalog,
		settlement: settlement,
		ents:       ents,
		gate:       gate,
	}
}

func (te *testEngine) createService(t *testing.T, class models.CapabilityClass, price int64) *models.Service {
	t.Helper()
	req := &CreateServiceRequest{
		OwnerPersonaID: "persona-1",
		OwnerWallet:    "owner-wallet",
		Title:          "test service",
		PriceMinorUnit: price,
		Class:          class,
	}
	if class.DeliveryBearing() {
		req.PayloadKind = models.PayloadText
		req.PayloadValue = "the goods"
	}
	svc, err := te.catalog.CreateService(context.Background(), req)
	require.NoError(t, err)
	return svc
}

func TestPurchaseGrantsConsultation(t *testing.T) {
	te := newTestEngine()
	svc := te.createService(t, models.ClassConsultation, 2)
	te.ledgerNet.balances["buyer"] = 5

	ent, err := te.settlement.Purchase(context.Background(), svc.ID, "buyer")
	require.NoError(t, err)

	require.NotNil(t, ent.MaxUsage)
	assert.Equal(t, 1, *ent.MaxUsage)
	assert.Nil(t, ent.ExpiresAt)
	assert.Equal(t, 0, ent.UsageCount)
	assert.Equal(t, svc.ID, ent.ServiceID)
	assert.Equal(t, "persona-1", ent.PersonaID)

	attempt, err := te.store.GetAttempt(context.Background(), ent.FromAttemptID)
	require.NoError(t, err)
	assert.Equal(t, models.AttemptStatusConfirmed, attempt.Status)
	assert.Equal(t, int64(2), attempt.Amount)
}

func TestPurchaseVideoCallExpiryTerm(t *testing.T) {
	te := newTestEngine()
	svc := te.createService(t, models.ClassVideoCall, 10)
	te.ledgerNet.balances["buyer"] = 10

	before := time.Now()
	ent, err := te.settlement.Purchase(context.Background(), svc.ID, "buyer")
	require.NoError(t, err)

	assert.Nil(t, ent.MaxUsage)
	require.NotNil(t, ent.ExpiresAt)
	assert.WithinDuration(t, before.Add(30*24*time.Hour), *ent.ExpiresAt, time.Minute)
}

func TestPurchaseInsufficientBalance(t *testing.T) {
	te := newTestEngine()
	svc := te.createService(t, models.ClassContentDelivery, 2)
	te.ledgerNet.balances["buyer"] = 1

	_, err := te.settlement.Purchase(context.Background(), svc.ID, "buyer")
	assert.ErrorIs(t, err, models.ErrInsufficientBalance)

	// Nothing submitted, nothing persisted.
	assert.Equal(t, 0, te.ledgerNet.submits)
	assert.Empty(t, te.store.attempts)
	assert.Empty(t, te.store.ents)
}

func TestPurchaseInactiveService(t *testing.T) {
	te := newTestEngine()
	svc := te.createService(t, models.ClassConsultation, 2)
	te.ledgerNet.balances["buyer"] = 5

	_, err := te.catalog.SetActive(context.Background(), svc.ID, false)
	require.NoError(t, err)

	_, err = te.settlement.Purchase(context.Background(), svc.ID, "buyer")
	assert.ErrorIs(t, err, models.ErrServiceInactive)
}

func TestPurchaseAlreadyOwned(t *testing.T) {
	te := newTestEngine()
	svc := te.createService(t, models.ClassContentDelivery, 2)
	te.ledgerNet.balances["buyer"] = 10

	_, err := te.settlement.Purchase(context.Background(), svc.ID, "buyer")
	require.NoError(t, err)

	_, err = te.settlement.Purchase(context.Background(), svc.ID, "buyer")
	assert.ErrorIs(t, err, models.ErrAlreadyOwned)
	assert.Equal(t, 1, te.ledgerNet.submits)
}

func TestPurchasePaymentFailedLeavesAudit(t *testing.T) {
	te := newTestEngine()
	svc := te.createService(t, models.ClassConsultation, 2)
	te.ledgerNet.balances["buyer"] = 5
	te.ledgerNet.next = wallet.ConfirmationFailed

	_, err := te.settlement.Purchase(context.Background(), svc.ID, "buyer")
	assert.ErrorIs(t, err, models.ErrPaymentFailed)

	// No entitlement without a confirmed attempt, but the failed attempt
	// row survives for audit.
	assert.Empty(t, te.store.ents)
	require.Len(t, te.store.attempts, 1)
	for _, a := range te.store.attempts {
		assert.Equal(t, models.AttemptStatusFailed, a.Status)
	}
}

func TestConcurrentPurchaseSamePair(t *testing.T) {
	te := newTestEngine()
	svc := te.createService(t, models.ClassConsultation, 2)
	te.ledgerNet.balances["buyer"] = 5

	gate := make(chan struct{})
	submitted := make(chan string, 1)
	te.ledgerNet.awaitGate = gate
	te.ledgerNet.submitted = submitted

	var wg sync.WaitGroup
	var firstErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, firstErr = te.settlement.Purchase(context.Background(), svc.ID, "buyer")
	}()

	// Wait until the first call holds the lock deep in the confirmation
	// wait, then race a second call against it.
	<-submitted
	_, err := te.settlement.Purchase(context.Background(), svc.ID, "buyer")
	assert.ErrorIs(t, err, models.ErrAlreadyInProgress)

	close(gate)
	wg.Wait()
	require.NoError(t, firstErr)

	assert.Len(t, te.store.ents, 1)
	assert.Equal(t, 1, te.ledgerNet.submits)
}

func TestTimeoutThenReconcile(t *testing.T) {
	te := newTestEngine()
	svc := te.createService(t, models.ClassConsultation, 2)
	te.ledgerNet.balances["buyer"] = 5
	te.ledgerNet.next = wallet.ConfirmationTimedOut

	_, err := te.settlement.Purchase(context.Background(), svc.ID, "buyer")
	assert.ErrorIs(t, err, models.ErrPaymentPendingReconciliation)
	assert.Empty(t, te.store.ents)

	// The pair is durably blocked until reconciliation.
	_, err = te.settlement.Purchase(context.Background(), svc.ID, "buyer")
	assert.ErrorIs(t, err, models.ErrUnresolvedPriorAttempt)

	// The network finally reports the payment as landed.
	te.ledgerNet.setOutcome(te.ledgerNet.lastRef, wallet.ConfirmationConfirmed)

	require.NoError(t, te.settlement.ReconcilePending(context.Background()))

	assert.Len(t, te.store.ents, 1)
	// No second charge: reconciliation re-queries, it never resubmits.
	assert.Equal(t, 1, te.ledgerNet.submits)

	// Reconciling again is a no-op.
	require.NoError(t, te.settlement.ReconcilePending(context.Background()))
	assert.Len(t, te.store.ents, 1)
}

func TestReconcileFailedPayment(t *testing.T) {
	te := newTestEngine()
	svc := te.createService(t, models.ClassConsultation, 2)
	te.ledgerNet.balances["buyer"] = 5
	te.ledgerNet.next = wallet.ConfirmationTimedOut

	_, err := te.settlement.Purchase(context.Background(), svc.ID, "buyer")
	assert.ErrorIs(t, err, models.ErrPaymentPendingReconciliation)

	te.ledgerNet.setOutcome(te.ledgerNet.lastRef, wallet.ConfirmationFailed)
	require.NoError(t, te.settlement.ReconcilePending(context.Background()))

	assert.Empty(t, te.store.ents)
	for _, a := range te.store.attempts {
		assert.Equal(t, models.AttemptStatusFailed, a.Status)
	}

	// The pair is clear again for a fresh attempt.
	te.ledgerNet.next = wallet.ConfirmationConfirmed
	_, err = te.settlement.Purchase(context.Background(), svc.ID, "buyer")
	require.NoError(t, err)
}

func TestPriceChangeDoesNotTouchGrant(t *testing.T) {
	te := newTestEngine()
	svc := te.createService(t, models.ClassConsultation, 2)
	te.ledgerNet.balances["buyer"] = 5

	ent, err := te.settlement.Purchase(context.Background(), svc.ID, "buyer")
	require.NoError(t, err)

	newPrice := int64(50)
	_, err = te.catalog.UpdateService(context.Background(), svc.ID, &UpdatePatch{PriceMinorUnit: &newPrice})
	require.NoError(t, err)

	after, err := te.store.GetEntitlementByID(context.Background(), ent.ID)
	require.NoError(t, err)
	assert.Equal(t, ent.Class, after.Class)
	assert.Equal(t, ent.MaxUsage, after.MaxUsage)
	assert.Equal(t, ent.UsageCount, after.UsageCount)

	attempt, err := te.store.GetAttempt(context.Background(), ent.FromAttemptID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), attempt.Amount)
}

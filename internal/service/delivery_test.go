package service

import (
	"context"
	"testing"
	"time"

	"entitlement-engine/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFetchWithoutEntitlementDenied(t *testing.T) {
	te := newTestEngine()
	svc := te.createService(t, models.ClassContentDelivery, 3)

	_, err := te.gate.Fetch(context.Background(), svc.ID, "stranger")
	assert.ErrorIs(t, err, models.ErrAccessDenied)
}

func TestFetchCappedServiceConsumesUse(t *testing.T) {
	te := newTestEngine()
	svc := te.createService(t, models.ClassVoiceMessage, 3)
	te.ledgerNet.balances["buyer"] = 10

	_, err := te.settlement.Purchase(context.Background(), svc.ID, "buyer")
	require.NoError(t, err)

	// Cap the grant at a single use.
	one := 1
	ent, err := te.ents.Get(context.Background(), svc.ID, "buyer")
	require.NoError(t, err)
	ent.MaxUsage = &one
	te.store.mu.Lock()
	te.store.ents[ent.ID] = ent
	te.store.mu.Unlock()

	payload, err := te.gate.Fetch(context.Background(), svc.ID, "buyer")
	require.NoError(t, err)
	assert.Equal(t, models.PayloadText, payload.Kind)
	assert.Equal(t, "the goods", payload.Value)

	after, err := te.ents.Get(context.Background(), svc.ID, "buyer")
	require.NoError(t, err)
	assert.Equal(t, 1, after.UsageCount)

	_, err = te.gate.Fetch(context.Background(), svc.ID, "buyer")
	assert.ErrorIs(t, err, models.ErrExhausted)

	// The failed fetch must not have bumped the counter.
	after, err = te.ents.Get(context.Background(), svc.ID, "buyer")
	require.NoError(t, err)
	assert.Equal(t, 1, after.UsageCount)
}

func TestFetchUnlimitedServiceNeverConsumes(t *testing.T) {
	te := newTestEngine()
	svc := te.createService(t, models.ClassContentDelivery, 3)
	te.ledgerNet.balances["buyer"] = 10

	_, err := te.settlement.Purchase(context.Background(), svc.ID, "buyer")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		payload, err := te.gate.Fetch(context.Background(), svc.ID, "buyer")
		require.NoError(t, err)
		assert.Equal(t, "the goods", payload.Value)
	}

	ent, err := te.ents.Get(context.Background(), svc.ID, "buyer")
	require.NoError(t, err)
	assert.Equal(t, 0, ent.UsageCount)
}

func TestFetchExpiredEntitlement(t *testing.T) {
	te := newTestEngine()
	svc := te.createService(t, models.ClassContentDelivery, 3)
	te.ledgerNet.balances["buyer"] = 10

	ent, err := te.settlement.Purchase(context.Background(), svc.ID, "buyer")
	require.NoError(t, err)

	past := time.Now().Add(-time.Hour)
	ent.ExpiresAt = &past
	te.store.mu.Lock()
	te.store.ents[ent.ID] = ent
	te.store.mu.Unlock()

	_, err = te.gate.Fetch(context.Background(), svc.ID, "buyer")
	assert.ErrorIs(t, err, models.ErrExpired)
}

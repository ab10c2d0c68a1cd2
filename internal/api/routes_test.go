package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"entitlement-engine/internal/bus"
	"entitlement-engine/internal/models"
	"entitlement-engine/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubStore backs the catalog and entitlement ledger for handler tests.
type stubStore struct {
	services map[string]*models.Service
	ents     map[string]*models.Entitlement
}

func newStubStore() *stubStore {
	return &stubStore{
		services: make(map[string]*models.Service),
		ents:     make(map[string]*models.Entitlement),
	}
}

func (s *stubStore) CreateService(_ context.Context, svc *models.Service) error {
	now := time.Now()
	svc.CreatedAt, svc.UpdatedAt = now, now
	cp := *svc
	s.services[svc.ID] = &cp
	return nil
}

func (s *stubStore) UpsertService(_ context.Context, svc *models.Service) error {
	svc.UpdatedAt = time.Now()
	cp := *svc
	s.services[svc.ID] = &cp
	return nil
}

func (s *stubStore) GetService(_ context.Context, id string) (*models.Service, error) {
	svc, ok := s.services[id]
	if !ok {
		return nil, fmt.Errorf("%w: service %s", models.ErrNotFound, id)
	}
	cp := *svc
	return &cp, nil
}

func (s *stubStore) ListServices(_ context.Context, owner string) ([]models.Service, error) {
	var out []models.Service
	for _, svc := range s.services {
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

func (s *stubStore) UpdateService(_ context.Context, svc *models.Service) error {
	if _, ok := s.services[svc.ID]; !ok {
		return fmt.Errorf("%w: service %s", models.ErrNotFound, svc.ID)
	}
	svc.UpdatedAt = time.Now()
	cp := *svc
	s.services[svc.ID] = &cp
	return nil
}

func (s *stubStore) DeleteService(_ context.Context, id string) error {
	if _, ok := s.services[id]; !ok {
		return fmt.Errorf("%w: service %s", models.ErrNotFound, id)
	}
	delete(s.services, id)
	return nil
}

func (s *stubStore) CreateEntitlement(_ context.Context, e *models.Entitlement) error {
	cp := *e
	s.ents[e.ID] = &cp
	return nil
}

func (s *stubStore) GetEntitlement(_ context.Context, serviceID, buyerWallet string) (*models.Entitlement, error) {
	for _, e := range s.ents {
		if e.ServiceID == serviceID && e.BuyerWallet == buyerWallet {
			cp := *e
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("%w: entitlement for service %s", models.ErrNotFound, serviceID)
}

func (s *stubStore) GetEntitlementByID(_ context.Context, id string) (*models.Entitlement, error) {
	e, ok := s.ents[id]
	if !ok {
		return nil, fmt.Errorf("%w: entitlement %s", models.ErrNotFound, id)
	}
	cp := *e
	return &cp, nil
}

func (s *stubStore) GetEntitlementByAttempt(_ context.Context, attemptID string) (*models.Entitlement, error) {
	for _, e := range s.ents {
		if e.FromAttemptID == attemptID {
			cp := *e
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("%w: entitlement for attempt %s", models.ErrNotFound, attemptID)
}

func (s *stubStore) ListEntitlementsByBuyer(_ context.Context, buyerWallet string) ([]models.Entitlement, error) {
	var out []models.Entitlement
	for _, e := range s.ents {
		if e.BuyerWallet == buyerWallet {
			out = append(out, *e)
		}
	}
	return out, nil
}

func (s *stubStore) CountEntitlementsForService(_ context.Context, serviceID string) (int, error) {
	n := 0
	for _, e := range s.ents {
		if e.ServiceID == serviceID {
			n++
		}
	}
	return n, nil
}

func (s *stubStore) RecordUse(_ context.Context, id string) (*models.Entitlement, error) {
	e, ok := s.ents[id]
	if !ok {
		return nil, fmt.Errorf("%w: entitlement %s", models.ErrNotFound, id)
	}
	e.UsageCount++
	cp := *e
	return &cp, nil
}

func newTestRouter(t *testing.T) (*gin.Engine, *stubStore, *bus.Bus) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := newStubStore()
	b := bus.New()
	catalog := service.NewCatalogService(store, store, nil, nil, b)
	ledger := service.NewEntitlementLedger(store, nil, b)
	gate := service.NewDeliveryGate(catalog, ledger)
	handler := NewHandler(catalog, nil, ledger, gate, b, 100)

	router := gin.New()
	handler.SetupRoutes(router)
	return router, store, b
}

func doJSON(t *testing.T, router *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestCreateServiceEndpointHidesPayload(t *testing.T) {
	router, _, _ := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/api/v1/services", `{
		"owner_persona_id": "persona-1",
		"owner_wallet": "owner-wallet",
		"title": "private essay",
		"price_minor_unit": 250,
		"capability_class": "CONTENT_DELIVERY",
		"payload_kind": "TEXT",
		"payload_value": "the secret text"
	}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	var view map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.NotContains(t, view, "payload_kind")
	assert.NotContains(t, view, "payload_value")
	assert.NotContains(t, rec.Body.String(), "the secret text")
	assert.Equal(t, float64(250), view["price_minor_unit"])
	assert.Equal(t, 2.5, view["price_fiat_estimate"])

	// The read endpoint hides it too.
	rec = doJSON(t, router, http.MethodGet, "/api/v1/services/"+view["id"].(string), "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "the secret text")
}

func TestCreateServiceMalformedBody(t *testing.T) {
	router, store, _ := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/api/v1/services", `{"title": `)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "validation_error")

	// Required fields enforced by binding tags.
	rec = doJSON(t, router, http.MethodPost, "/api/v1/services", `{"title": "no owner"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, store.services)
}

func TestGetServiceNotFound(t *testing.T) {
	router, _, _ := newTestRouter(t)

	rec := doJSON(t, router, http.MethodGet, "/api/v1/services/no-such-id", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "not_found")
}

func TestListServicesEnvelope(t *testing.T) {
	router, _, _ := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/api/v1/services", `{
		"owner_persona_id": "persona-1",
		"owner_wallet": "owner-wallet",
		"title": "listed",
		"price_minor_unit": 5,
		"capability_class": "CUSTOM"
	}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/api/v1/services", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Services []map[string]any `json:"services"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Services, 1)
	assert.Equal(t, "listed", body.Services[0]["title"])
}

func TestFetchPayloadRequiresBuyerWallet(t *testing.T) {
	router, _, _ := newTestRouter(t)

	rec := doJSON(t, router, http.MethodGet, "/api/v1/delivery/svc-1", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "validation_error")
}

func TestStreamEventsDeliversChange(t *testing.T) {
	router, _, b := newTestRouter(t)

	srv := httptest.NewServer(router)
	defer srv.Close()

	published := make(chan models.ChangeEvent, 1)
	go func() {
		for b.SubscriberCount() == 0 {
			time.Sleep(5 * time.Millisecond)
		}
		published <- b.Publish(models.EntityService, models.MutationCreated, "svc-1")
	}()

	resp, err := http.Get(srv.URL + "/api/v1/events?entity_kind=SERVICE")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	event := <-published
	scanner := bufio.NewScanner(resp.Body)
	var sawEvent, sawPayload bool
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "event:") && strings.Contains(line, "change") {
			sawEvent = true
		}
		if strings.HasPrefix(line, "data:") && strings.Contains(line, event.EventID) {
			sawPayload = true
			break
		}
	}
	assert.True(t, sawEvent)
	assert.True(t, sawPayload)
}

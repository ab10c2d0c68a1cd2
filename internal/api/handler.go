package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"entitlement-engine/internal/bus"
	"entitlement-engine/internal/models"
	"entitlement-engine/internal/service"
	"entitlement-engine/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handler exposes the engine's only entry points: catalog mutations,
// purchase, delivery fetch, and the change-event stream.
type Handler struct {
	catalog    *service.CatalogService
	settlement *service.SettlementOrchestrator
	ledger     *service.EntitlementLedger
	gate       *service.DeliveryGate
	bus        *bus.Bus
	fiatRate   int64
}

// NewHandler creates the HTTP handler.
func NewHandler(
	catalog *service.CatalogService,
	settlement *service.SettlementOrchestrator,
	ledger *service.EntitlementLedger,
	gate *service.DeliveryGate,
	b *bus.Bus,
	fiatRate int64,
) *Handler {
	return &Handler{
		catalog:    catalog,
		settlement: settlement,
		ledger:     ledger,
		gate:       gate,
		bus:        b,
		fiatRate:   fiatRate,
	}
}

// SetupRoutes sets up HTTP routes.
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.POST("/services", h.createService)
		v1.GET("/services", h.listServices)
		v1.GET("/services/:id", h.getService)
		v1.PATCH("/services/:id", h.updateService)
		v1.POST("/services/:id/active", h.setActive)
		v1.DELETE("/services/:id", h.deleteService)

		v1.POST("/purchases", h.purchase)
		v1.GET("/delivery/:service_id", h.fetchPayload)
		v1.GET("/entitlements", h.listEntitlements)
		v1.GET("/events", h.streamEvents)
	}
}

// errorKind maps an engine error to its taxonomy name and HTTP status.
func errorKind(err error) (string, int) {
	switch {
	case errors.Is(err, models.ErrValidation):
		return "validation_error", http.StatusBadRequest
	case errors.Is(err, models.ErrNotFound):
		return "not_found", http.StatusNotFound
	case errors.Is(err, models.ErrConflict):
		return "conflict_error", http.StatusConflict
	case errors.Is(err, models.ErrAlreadyInProgress):
		return "already_in_progress", http.StatusConflict
	case errors.Is(err, models.ErrUnresolvedPriorAttempt):
		return "unresolved_prior_attempt", http.StatusConflict
	case errors.Is(err, models.ErrServiceInactive):
		return "service_inactive", http.StatusConflict
	case errors.Is(err, models.ErrAlreadyOwned):
		return "already_owned", http.StatusConflict
	case errors.Is(err, models.ErrInsufficientBalance):
		return "insufficient_balance", http.StatusPaymentRequired
	case errors.Is(err, models.ErrPaymentFailed):
		return "payment_failed", http.StatusPaymentRequired
	case errors.Is(err, models.ErrPaymentPendingReconciliation):
		return "payment_pending_reconciliation", http.StatusAccepted
	case errors.Is(err, models.ErrAccessDenied):
		return "access_denied", http.StatusForbidden
	case errors.Is(err, models.ErrExhausted):
		return "exhausted_error", http.StatusForbidden
	case errors.Is(err, models.ErrExpired):
		return "expired_error", http.StatusForbidden
	case errors.Is(err, models.ErrStorageUnavailable):
		return "storage_unavailable", http.StatusServiceUnavailable
	}
	return "internal_error", http.StatusInternalServerError
}

func respondError(c *gin.Context, err error) {
	kind, status := errorKind(err)
	c.JSON(status, gin.H{
		"error":   kind,
		"details": err.Error(),
	})
}

func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

func (h *Handler) readinessCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

func (h *Handler) createService(c *gin.Context) {
	var req service.CreateServiceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"details": err.Error(),
		})
		return
	}

	svc, err := h.catalog.CreateService(c.Request.Context(), &req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, h.serviceView(svc))
}

func (h *Handler) listServices(c *gin.Context) {
	services, err := h.catalog.ListServices(c.Request.Context(), c.Query("owner_persona_id"))
	if err != nil {
		respondError(c, err)
		return
	}
	views := make([]gin.H, 0, len(services))
	for i := range services {
		views = append(views, h.serviceView(&services[i]))
	}
	c.JSON(http.StatusOK, gin.H{"services": views})
}

func (h *Handler) getService(c *gin.Context) {
	svc, err := h.catalog.GetService(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.serviceView(svc))
}

// serviceView hides the payload from public reads and attaches the derived
// fiat estimate. The stored minor-unit price stays the source of truth.
func (h *Handler) serviceView(svc *models.Service) gin.H {
	return gin.H{
		"id":                  svc.ID,
		"owner_persona_id":    svc.OwnerPersonaID,
		"owner_wallet":        svc.OwnerWallet,
		"title":               svc.Title,
		"description":         svc.Description,
		"price_minor_unit":    svc.PriceMinorUnit,
		"price_fiat_estimate": svc.FiatEstimate(h.fiatRate),
		"capability_class":    svc.Class,
		"auto_deliver":        svc.AutoDeliver,
		"is_active":           svc.IsActive,
		"degraded":            svc.Degraded,
		"created_at":          svc.CreatedAt,
		"updated_at":          svc.UpdatedAt,
	}
}

func (h *Handler) updateService(c *gin.Context) {
	var patch service.UpdatePatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"details": err.Error(),
		})
		return
	}

	svc, err := h.catalog.UpdateService(c.Request.Context(), c.Param("id"), &patch)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.serviceView(svc))
}

func (h *Handler) setActive(c *gin.Context) {
	var req struct {
		Active *bool `json:"active" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"details": err.Error(),
		})
		return
	}

	svc, err := h.catalog.SetActive(c.Request.Context(), c.Param("id"), *req.Active)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.serviceView(svc))
}

func (h *Handler) deleteService(c *gin.Context) {
	if err := h.catalog.DeleteService(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) purchase(c *gin.Context) {
	var req struct {
		ServiceID   string `json:"service_id" binding:"required"`
		BuyerWallet string `json:"buyer_wallet" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"details": err.Error(),
		})
		return
	}

	ent, err := h.settlement.Purchase(c.Request.Context(), req.ServiceID, req.BuyerWallet)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"entitlement": ent})
}

func (h *Handler) fetchPayload(c *gin.Context) {
	buyerWallet := c.Query("buyer_wallet")
	if buyerWallet == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"details": "buyer_wallet is required",
		})
		return
	}

	payload, err := h.gate.Fetch(c.Request.Context(), c.Param("service_id"), buyerWallet)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, payload)
}

func (h *Handler) listEntitlements(c *gin.Context) {
	buyerWallet := c.Query("buyer_wallet")
	if buyerWallet == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"details": "buyer_wallet is required",
		})
		return
	}

	ents, err := h.ledger.ListByBuyer(c.Request.Context(), buyerWallet)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entitlements": ents})
}

// streamEvents pushes change events to the client as server-sent events.
// Consumers refetch the entity on each event; the stream never replays.
func (h *Handler) streamEvents(c *gin.Context) {
	var pred bus.Predicate
	if kind := c.Query("entity_kind"); kind != "" {
		pred = func(e models.ChangeEvent) bool { return e.EntityKind == kind }
	}

	events, cancel := h.bus.Subscribe(pred)
	defer cancel()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")

	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case event, ok := <-events:
			if !ok {
				return false
			}
			c.SSEvent("change", event)
			return true
		}
	})
}

// prometheusMiddleware collects HTTP metrics.
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}

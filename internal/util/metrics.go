package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PurchasesInitiatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "purchases_initiated_total",
		Help: "Total number of purchase attempts started",
	})

	PurchasesGrantedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "purchases_granted_total",
		Help: "Total number of purchases that produced an entitlement",
	})

	PurchasesRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "purchases_rejected_total",
		Help: "Total number of purchases rejected before payment submission",
	}, []string{"reason"})

	PaymentsSubmittedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "payments_submitted_total",
		Help: "Total number of payments fired at the ledger network",
	})

	PaymentsFailedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "payments_failed_total",
		Help: "Total number of payments that failed after submission",
	})

	PaymentsUnresolvedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "payments_unresolved_total",
		Help: "Total number of payments left awaiting reconciliation",
	})

	SettlementLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "settlement_latency_seconds",
		Help:    "Latency from purchase initiation to a terminal outcome",
		Buckets: prometheus.DefBuckets,
	})

	EntitlementUsesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "entitlement_uses_total",
		Help: "Total number of consuming uses recorded",
	})

	DeliveryDeniedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "delivery_denied_total",
		Help: "Total number of refused payload fetches",
	}, []string{"reason"})

	ReconciliationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reconciliations_total",
		Help: "Total number of payment attempts resolved by reconciliation",
	}, []string{"outcome"})

	DegradedWritesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "degraded_writes_total",
		Help: "Total number of writes diverted to the fallback store",
	}, []string{"entity"})

	DegradedMergesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "degraded_merges_total",
		Help: "Total number of fallback rows merged back into durable storage",
	}, []string{"entity"})

	ChangeEventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "change_events_published_total",
		Help: "Total number of change events published on the bus",
	}, []string{"entity", "mutation"})

	ChangeEventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "change_events_dropped_total",
		Help: "Total number of change events dropped by full subscriber buffers",
	})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)

package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ServiceMetrics exposes Prometheus collectors for API and workflow activity.
type ServiceMetrics struct {
	requests    *prometheus.CounterVec
	latency     *prometheus.HistogramVec
	transitions *prometheus.CounterVec
	deliveries  *prometheus.CounterVec
	ingests     *prometheus.CounterVec
}

var (
	serviceMetricsOnce sync.Once
	serviceRegistry    *ServiceMetrics
)

// Service returns the lazily-initialised metrics registry.
func Service() *ServiceMetrics {
	serviceMetricsOnce.Do(func() {
		serviceRegistry = &ServiceMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "tessera",
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total HTTP requests segmented by route, method, and status code.",
			}, []string{"route", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "tessera",
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for API handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route", "method"}),
			transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "tessera",
				Subsystem: "proposals",
				Name:      "transitions_total",
				Help:      "Proposal state transitions segmented by resulting status.",
			}, []string{"status"}),
			deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "tessera",
				Subsystem: "webhooks",
				Name:      "deliveries_total",
				Help:      "Webhook delivery outcomes segmented by event type and result.",
			}, []string{"event", "outcome"}),
			ingests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "tessera",
				Subsystem: "sync",
				Name:      "ingest_entities_total",
				Help:      "Entities written by manifest ingest segmented by entity and action.",
			}, []string{"entity", "action"}),
		}
		prometheus.MustRegister(
			serviceRegistry.requests,
			serviceRegistry.latency,
			serviceRegistry.transitions,
			serviceRegistry.deliveries,
			serviceRegistry.ingests,
		)
	})
	return serviceRegistry
}

// ObserveRequest records one completed HTTP request.
func (m *ServiceMetrics) ObserveRequest(route, method string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	m.latency.WithLabelValues(route, method).Observe(elapsed.Seconds())
}

// RecordTransition counts a proposal reaching a new status.
func (m *ServiceMetrics) RecordTransition(status string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(status).Inc()
}

// RecordDelivery counts a webhook delivery outcome.
func (m *ServiceMetrics) RecordDelivery(event, outcome string) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(event, outcome).Inc()
}

// RecordIngest counts an entity action performed by the ingest pipeline.
func (m *ServiceMetrics) RecordIngest(entity, action string) {
	if m == nil {
		return
	}
	m.ingests.WithLabelValues(entity, action).Inc()
}

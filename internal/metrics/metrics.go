// Package metrics provides Prometheus metrics for the storyline API.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Workflow transitions counted by TransitionsTotal.
const (
	TransitionStoryCreated     = "story_created"
	TransitionRevisionAdded    = "revision_added"
	TransitionRevisionPromoted = "revision_promoted"
	TransitionRequestOpened    = "request_opened"
	TransitionRequestAccepted  = "request_accepted"
	TransitionRequestDenied    = "request_denied"
	TransitionStoryDeleted     = "story_deleted"
	TransitionPrincipalCreated = "principal_created"
)

// Metrics owns its registry so tests and multiple servers never collide on
// the global default registerer.
type Metrics struct {
	registry *prometheus.Registry

	TransitionsTotal    *prometheus.CounterVec
	ErrorsTotal         *prometheus.CounterVec
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	CacheLookupsTotal   *prometheus.CounterVec
}

func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		TransitionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "storyline_workflow_transitions_total",
				Help: "Workflow state transitions applied by the service",
			},
			[]string{"transition"},
		),
		ErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "storyline_errors_total",
				Help: "Errors returned by the service, by kind",
			},
			[]string{"kind"},
		),
		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "storyline_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "status"},
		),
		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "storyline_http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		CacheLookupsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "storyline_revision_cache_lookups_total",
				Help: "Revision cache lookups, by result",
			},
			[]string{"result"},
		),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// The Record helpers are no-ops on a nil receiver so callers can run without
// metrics wired.

func (m *Metrics) RecordTransition(transition string) {
	if m == nil {
		return
	}
	m.TransitionsTotal.WithLabelValues(transition).Inc()
}

func (m *Metrics) RecordError(kind string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordHTTPRequest(method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method).Observe(duration.Seconds())
}

func (m *Metrics) RecordCacheLookup(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheLookupsTotal.WithLabelValues(result).Inc()
}

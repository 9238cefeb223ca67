package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the service's prometheus instruments on a private registry.
type Metrics struct {
	ReconcilesTotal          *prometheus.CounterVec
	ReconcileDurationSeconds prometheus.Histogram
	MembersAddedTotal        prometheus.Counter
	MembersRemovedTotal      prometheus.Counter
	APIRequestsTotal         *prometheus.CounterVec

	registry *prometheus.Registry
}

// New creates the metrics set and registers it on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		ReconcilesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "donorconnect_segment_reconciles_total",
				Help: "Segment reconciliation attempts by result",
			},
			[]string{"result"},
		),
		ReconcileDurationSeconds: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "donorconnect_segment_reconcile_duration_seconds",
				Help:    "Wall time of a single segment reconciliation",
				Buckets: prometheus.DefBuckets,
			},
		),
		MembersAddedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "donorconnect_segment_members_added_total",
				Help: "Membership rows inserted by reconciliation or manual add",
			},
		),
		MembersRemovedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "donorconnect_segment_members_removed_total",
				Help: "Membership rows deleted by reconciliation or manual remove",
			},
		),
		APIRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "donorconnect_api_requests_total",
				Help: "API requests by route and status code",
			},
			[]string{"route", "status"},
		),
		registry: reg,
	}

	reg.MustRegister(
		m.ReconcilesTotal,
		m.ReconcileDurationSeconds,
		m.MembersAddedTotal,
		m.MembersRemovedTotal,
		m.APIRequestsTotal,
		collectors.NewGoCollector(),
	)

	return m
}

// Handler exposes the registry in prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

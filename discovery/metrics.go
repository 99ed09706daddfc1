package discovery

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	reasonRead   = "read"
	reasonDecode = "decode"
)

type metrics struct {
	// events counts RouteEvents handed to the queue, by type.
	events *prometheus.CounterVec
	drains prometheus.Counter
	// changes counts net table changes applied by drains.
	changes prometheus.Counter
	// discarded counts drain schedules dropped by a saturated executor.
	// A non-zero rate means updates are waiting for the next accepted drain.
	discarded     prometheus.Counter
	fetchFailures *prometheus.CounterVec
	hosts         prometheus.Gauge
}

// newMetrics registers the synchronizer's metrics on reg. A nil reg leaves
// them unregistered, which keeps several synchronizers in one test binary
// from colliding.
func newMetrics(reg prometheus.Registerer) *metrics {
	factory := promauto.With(reg)
	return &metrics{
		events: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "route_events_total",
				Help: "Number of route events queued, by event type",
			},
			[]string{"type"},
		),
		drains: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "route_drains_total",
				Help: "Number of drain passes that found queued events",
			},
		),
		changes: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "route_drain_changes_total",
				Help: "Number of net routing table changes applied by drains",
			},
		),
		discarded: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "route_schedule_discarded_total",
				Help: "Number of drain schedules discarded because the backlog was full",
			},
		),
		fetchFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "route_fetch_failures_total",
				Help: "Number of node payloads that could not be read or decoded",
			},
			[]string{"reason"},
		),
		hosts: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "route_table_hosts",
				Help: "Number of hosts in the latest published routing table",
			},
		),
	}
}

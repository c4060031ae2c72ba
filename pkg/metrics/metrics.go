// Package metrics exposes Prometheus counters for the tracking pipeline
// and a small HTTP server publishing /metrics and /health.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Pipeline counters. Registered once at package init; both binaries share
// the same names so dashboards work against either.
var (
	SamplesAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "geopulse_samples_accepted_total",
		Help: "Total location samples accepted by the tracking session",
	})

	SamplesDiscarded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "geopulse_samples_discarded_total",
		Help: "Total location samples discarded by the displacement filter",
	})

	StateTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "geopulse_session_state_transitions_total",
		Help: "Total session state transitions by target state",
	}, []string{"to"})

	GeofenceTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "geopulse_geofence_transitions_total",
		Help: "Total geofence transitions by kind",
	}, []string{"kind"})

	PublishSupersedes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "geopulse_publish_supersedes_total",
		Help: "Total pending location publishes replaced by a newer sample",
	})

	PublishErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "geopulse_publish_errors_total",
		Help: "Total failed location publishes",
	})

	ProximityScans = promauto.NewCounter(prometheus.CounterOpts{
		Name: "geopulse_proximity_scans_total",
		Help: "Total proximity scans triggered by location writes",
	})

	ProximityDispatches = promauto.NewCounter(prometheus.CounterOpts{
		Name: "geopulse_proximity_dispatches_total",
		Help: "Total proximity notifications dispatched",
	})

	CooldownSuppressions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "geopulse_cooldown_suppressions_total",
		Help: "Total notifications suppressed by the pair cooldown",
	})

	CooldownEntries = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "geopulse_cooldown_entries",
		Help: "Current number of live cooldown entries",
	})
)

package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects the gateway's Prometheus metrics.
//
// Tracked:
//   - Active connection count and connection lifecycle totals
//   - Inbound actions and outbound events by type
//   - Broadcast delivery counts and skipped recipients
//   - Errors by kind (protocol, validation, auth, persistence, transport)
//   - Sweeper runs and evictions by reason
type Metrics struct {
	// ActiveConnections is a gauge of currently open connections.
	ActiveConnections prometheus.Gauge

	// ConnectionsTotal counts connection lifecycle transitions.
	// Labels: event (opened|authenticated|closed)
	ConnectionsTotal *prometheus.CounterVec

	// ActionsTotal counts inbound actions.
	// Labels: type (authenticate|ping|join_help_request|...)
	ActionsTotal *prometheus.CounterVec

	// EventsTotal counts outbound events.
	// Labels: type (authenticated|pong|new_message|...)
	EventsTotal *prometheus.CounterVec

	// BroadcastDeliveries counts per-recipient broadcast deliveries.
	// Labels: status (delivered|skipped|failed)
	BroadcastDeliveries *prometheus.CounterVec

	// ErrorsTotal counts errors by kind.
	// Labels: kind (protocol|validation|auth|not_authenticated|persistence|retry_exhausted|transport)
	ErrorsTotal *prometheus.CounterVec

	// SweepsTotal counts reconciliation sweeper runs.
	SweepsTotal prometheus.Counter

	// SweepEvictions counts entities evicted by the sweeper.
	// Labels: kind (connection|retry_state|presence)
	SweepEvictions *prometheus.CounterVec
}

// NewMetrics creates and registers all gateway metrics with the default
// Prometheus registry. Call once at startup.
func NewMetrics() *Metrics {
	return NewMetricsWithRegisterer(nil)
}

// NewMetricsWithRegisterer registers metrics with the given registerer.
// A nil registerer uses the Prometheus default; tests pass their own to
// avoid duplicate-registration panics.
func NewMetricsWithRegisterer(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	if reg == nil {
		factory = promauto.With(prometheus.DefaultRegisterer)
	}

	return &Metrics{
		ActiveConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "realtime_active_connections",
			Help: "Number of currently open websocket connections",
		}),

		ConnectionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "realtime_connections_total",
			Help: "Connection lifecycle transitions by event",
		}, []string{"event"}),

		ActionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "realtime_actions_total",
			Help: "Inbound client actions by type",
		}, []string{"type"}),

		EventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "realtime_events_total",
			Help: "Outbound server events by type",
		}, []string{"type"}),

		BroadcastDeliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "realtime_broadcast_deliveries_total",
			Help: "Per-recipient broadcast delivery outcomes",
		}, []string{"status"}),

		ErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "realtime_errors_total",
			Help: "Errors surfaced to clients by kind",
		}, []string{"kind"}),

		SweepsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "realtime_sweeps_total",
			Help: "Reconciliation sweeper runs",
		}),

		SweepEvictions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "realtime_sweep_evictions_total",
			Help: "Entities evicted by the reconciliation sweeper",
		}, []string{"kind"}),
	}
}

// Package metrics provides prometheus collectors for the synchronization client.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the client's collectors. A nil *Metrics is valid and records
// nothing, so components can be constructed without instrumentation.
type Metrics struct {
	Registry *prometheus.Registry

	EventsTotal          *prometheus.CounterVec
	EventsMalformed      prometheus.Counter
	DuplicatesSuppressed prometheus.Counter
	CommandsSent         *prometheus.CounterVec
	CacheEvictions       prometheus.Counter
	CacheDegraded        prometheus.Gauge
	ConnectionsOpen      prometheus.Gauge
}

// New creates collectors registered on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		EventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "runsync_events_total",
			Help: "Inbound events applied to runs, by event type.",
		}, []string{"type"}),
		EventsMalformed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "runsync_events_malformed_total",
			Help: "Inbound events dropped because they failed to parse.",
		}),
		DuplicatesSuppressed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "runsync_duplicates_suppressed_total",
			Help: "Message events treated as redeliveries of streamed messages.",
		}),
		CommandsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "runsync_commands_sent_total",
			Help: "Outbound commands written to a transport, by command type.",
		}, []string{"type"}),
		CacheEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "runsync_cache_evictions_total",
			Help: "Sessions evicted from the session cache.",
		}),
		CacheDegraded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "runsync_cache_degraded",
			Help: "1 when the session cache fell back to memory-only operation.",
		}),
		ConnectionsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "runsync_connections_open",
			Help: "Transports currently held by the connection registry.",
		}),
	}
	m.Registry.MustRegister(
		m.EventsTotal,
		m.EventsMalformed,
		m.DuplicatesSuppressed,
		m.CommandsSent,
		m.CacheEvictions,
		m.CacheDegraded,
		m.ConnectionsOpen,
	)
	return m
}

func (m *Metrics) Event(eventType string) {
	if m != nil {
		m.EventsTotal.WithLabelValues(eventType).Inc()
	}
}

func (m *Metrics) Malformed() {
	if m != nil {
		m.EventsMalformed.Inc()
	}
}

func (m *Metrics) Duplicate() {
	if m != nil {
		m.DuplicatesSuppressed.Inc()
	}
}

func (m *Metrics) Command(commandType string) {
	if m != nil {
		m.CommandsSent.WithLabelValues(commandType).Inc()
	}
}

func (m *Metrics) Eviction() {
	if m != nil {
		m.CacheEvictions.Inc()
	}
}

func (m *Metrics) SetDegraded(degraded bool) {
	if m == nil {
		return
	}
	if degraded {
		m.CacheDegraded.Set(1)
	} else {
		m.CacheDegraded.Set(0)
	}
}

func (m *Metrics) SetConnections(n int) {
	if m != nil {
		m.ConnectionsOpen.Set(float64(n))
	}
}

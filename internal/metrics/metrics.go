// Package metrics exposes the hub's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the hub's collectors. A single instance is shared by the
// registry, actors, and sessions.
type Metrics struct {
	ActiveRooms    prometheus.Gauge
	ActiveSessions prometheus.Gauge
	Saves          *prometheus.CounterVec
	SaveFailures   prometheus.Counter
	DroppedFrames  prometheus.Counter
	Backpressure   prometheus.Counter
	UpdatesMerged  prometheus.Counter

	registry *prometheus.Registry
}

// New creates the hub collectors on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		ActiveRooms: factory.NewGauge(prometheus.GaugeOpts{
			Name: "hub_active_rooms",
			Help: "Number of live room actors.",
		}),
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "hub_active_sessions",
			Help: "Number of attached client sessions.",
		}),
		Saves: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "hub_saves_total",
			Help: "Completed snapshot saves by reason.",
		}, []string{"reason"}),
		SaveFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "hub_save_failures_total",
			Help: "Snapshot saves that returned an error.",
		}),
		DroppedFrames: factory.NewCounter(prometheus.CounterOpts{
			Name: "hub_dropped_frames_total",
			Help: "Transient frames evicted from full outboxes.",
		}),
		Backpressure: factory.NewCounter(prometheus.CounterOpts{
			Name: "hub_backpressure_closes_total",
			Help: "Sessions closed because a non-evictable frame could not be queued.",
		}),
		UpdatesMerged: factory.NewCounter(prometheus.CounterOpts{
			Name: "hub_crdt_updates_total",
			Help: "CRDT updates merged into room documents.",
		}),
		registry: reg,
	}
}

// Handler serves the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

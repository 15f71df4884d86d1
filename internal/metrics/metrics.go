// Package metrics exposes the frame loop and dispatcher counters to
// Prometheus. Hot paths bump plain atomics; the registry reads them on
// scrape.
package metrics

import (
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics.
type Metrics struct {
	// Frame loop
	FramesProcessed atomic.Uint64
	FrameErrors     atomic.Uint64
	AccidentOn      atomic.Uint64 // 0 = off, 1 = on
	Occupancy       atomic.Int64
	Crossings       atomic.Uint64

	// Telemetry
	TelemetryParsed  atomic.Uint64
	TelemetryDropped atomic.Uint64
	RelayReceived    atomic.Uint64

	// Dispatcher
	PrimaryDelivered  atomic.Uint64
	PrimaryFailures   atomic.Uint64
	EventsBuffered    atomic.Uint64
	EventsFlushed     atomic.Uint64
	EventsRejected    atomic.Uint64
	SecondaryFailures atomic.Uint64
	StateUpdates      atomic.Uint64
	QueueLength       atomic.Int64
	Online            atomic.Uint64 // 0 = offline, 1 = online

	// Local alert channel
	AlertClients atomic.Int64

	registry  *prometheus.Registry
	triggered *prometheus.CounterVec
}

// New creates a Metrics instance with its own registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		triggered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "roadwatch_events_triggered_total",
			Help: "Events handed to the dispatcher, by kind",
		}, []string{"kind"}),
	}
	m.Online.Store(1)
	m.register()
	return m
}

// EventTriggered counts one dispatched event of the given kind.
func (m *Metrics) EventTriggered(kind string) {
	m.triggered.WithLabelValues(kind).Inc()
}

// BoolToUint maps true to 1 for the 0/1 gauges.
func BoolToUint(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

func (m *Metrics) counter(name, help string, v *atomic.Uint64) {
	m.registry.MustRegister(prometheus.NewCounterFunc(
		prometheus.CounterOpts{Name: name, Help: help},
		func() float64 { return float64(v.Load()) },
	))
}

func (m *Metrics) gauge(name, help string, f func() float64) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{Name: name, Help: help},
		f,
	))
}

func (m *Metrics) register() {
	m.registry.MustRegister(m.triggered)

	m.counter("roadwatch_frames_processed_total", "Detector frames processed by the loop", &m.FramesProcessed)
	m.counter("roadwatch_frame_errors_total", "Detector frames that could not be read", &m.FrameErrors)
	m.counter("roadwatch_crossings_total", "Vehicles counted crossing the count line", &m.Crossings)
	m.gauge("roadwatch_accident_on", "Debounced accident state (0=off, 1=on)",
		func() float64 { return float64(m.AccidentOn.Load()) })
	m.gauge("roadwatch_roi_occupancy", "Vehicles currently inside the region of interest",
		func() float64 { return float64(m.Occupancy.Load()) })

	m.counter("roadwatch_telemetry_parsed_total", "Device-link lines parsed", &m.TelemetryParsed)
	m.counter("roadwatch_telemetry_dropped_total", "Device-link lines dropped as malformed", &m.TelemetryDropped)
	m.counter("roadwatch_relay_received_total", "Peer relay messages received", &m.RelayReceived)

	m.counter("roadwatch_primary_delivered_total", "Events delivered to the primary store", &m.PrimaryDelivered)
	m.counter("roadwatch_primary_failures_total", "Failed primary store calls", &m.PrimaryFailures)
	m.counter("roadwatch_events_buffered_total", "Events queued while offline", &m.EventsBuffered)
	m.counter("roadwatch_events_flushed_total", "Queued events delivered after reconnect", &m.EventsFlushed)
	m.counter("roadwatch_events_rejected_total", "Events dropped because the store can never accept them", &m.EventsRejected)
	m.counter("roadwatch_secondary_failures_total", "Failed peer relay or local alert sends", &m.SecondaryFailures)
	m.counter("roadwatch_state_updates_total", "Vehicle state overwrites sent to the primary store", &m.StateUpdates)
	m.gauge("roadwatch_queue_length", "Events waiting for the primary store",
		func() float64 { return float64(m.QueueLength.Load()) })
	m.gauge("roadwatch_online", "Primary store reachability (0=offline, 1=online)",
		func() float64 { return float64(m.Online.Load()) })

	m.gauge("roadwatch_alert_clients", "Connected local alert websocket clients",
		func() float64 { return float64(m.AlertClients.Load()) })
}

// Registry returns the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler returns the Prometheus HTTP handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

package metrics

import (
	"net/http"

	"sitewatch/internal/models"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var linkStates = []models.ConnectionState{
	models.StateConnecting,
	models.StateUp,
	models.StateDown,
	models.StateUnreachable,
}

// Metrics service counters. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	linkState           *prometheus.GaugeVec
	linkTransitions     *prometheus.CounterVec
	snapshotsReconciled prometheus.Counter
	reconcileRetries    prometheus.Counter
	snapshotsDropped    prometheus.Counter
	queueFull           prometheus.Counter
	eventsDropped       prometheus.Counter
	deliveryFailures    *prometheus.CounterVec
}

// New creates the collectors on a private registry
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		linkState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sitewatch_iobox_link_state",
			Help: "1 for the current connection state of each device link.",
		}, []string{"site_id", "device_id", "state"}),
		linkTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sitewatch_iobox_link_transitions_total",
			Help: "Device link state changes by target state.",
		}, []string{"state"}),
		snapshotsReconciled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sitewatch_iobox_snapshots_reconciled_total",
			Help: "Pin snapshots reconciled successfully.",
		}),
		reconcileRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sitewatch_iobox_reconcile_retries_total",
			Help: "Reconcile attempts that failed and were retried.",
		}),
		snapshotsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sitewatch_iobox_snapshots_dropped_total",
			Help: "Pin snapshots given up after retries or on device stop.",
		}),
		queueFull: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sitewatch_iobox_dispatch_queue_full_total",
			Help: "Snapshots that found their device dispatch queue full.",
		}),
		eventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sitewatch_events_dropped_total",
			Help: "Events discarded because the notifier queue was full.",
		}),
		deliveryFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sitewatch_events_delivery_failures_total",
			Help: "Events a sink could not take after all attempts.",
		}, []string{"sink"}),
	}

	m.registry.MustRegister(
		m.linkState,
		m.linkTransitions,
		m.snapshotsReconciled,
		m.reconcileRetries,
		m.snapshotsDropped,
		m.queueFull,
		m.eventsDropped,
		m.deliveryFailures,
	)
	return m
}

// Registry exposes the registry, mainly for tests
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the prometheus text format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// LinkState marks state as the current one for the device
func (m *Metrics) LinkState(key models.DeviceKey, state models.ConnectionState) {
	if m == nil {
		return
	}
	for _, s := range linkStates {
		v := 0.0
		if s == state {
			v = 1
		}
		m.linkState.WithLabelValues(key.SiteID, key.DeviceID, string(s)).Set(v)
	}
	m.linkTransitions.WithLabelValues(string(state)).Inc()
}

// ForgetDevice drops the gauges of a removed device
func (m *Metrics) ForgetDevice(key models.DeviceKey) {
	if m == nil {
		return
	}
	for _, s := range linkStates {
		m.linkState.DeleteLabelValues(key.SiteID, key.DeviceID, string(s))
	}
}

func (m *Metrics) SnapshotReconciled() {
	if m == nil {
		return
	}
	m.snapshotsReconciled.Inc()
}

func (m *Metrics) ReconcileRetry() {
	if m == nil {
		return
	}
	m.reconcileRetries.Inc()
}

func (m *Metrics) SnapshotDropped() {
	if m == nil {
		return
	}
	m.snapshotsDropped.Inc()
}

func (m *Metrics) DispatchQueueFull() {
	if m == nil {
		return
	}
	m.queueFull.Inc()
}

func (m *Metrics) EventDropped() {
	if m == nil {
		return
	}
	m.eventsDropped.Inc()
}

func (m *Metrics) DeliveryFailed(sink string) {
	if m == nil {
		return
	}
	m.deliveryFailures.WithLabelValues(sink).Inc()
}

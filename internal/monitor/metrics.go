package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "ups_monitor"

// Metrics holds the engine's prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	streamState      *prometheus.GaugeVec
	connectsTotal    prometheus.Counter
	disconnectsTotal *prometheus.CounterVec
	messagesReceived prometheus.Counter
	messagesDropped  *prometheus.CounterVec
	snapshotsApplied prometheus.Counter
	devicesKnown     prometheus.Gauge
	seedAttempts     prometheus.Histogram
	facetsDiscovered *prometheus.CounterVec
	commandsTotal    *prometheus.CounterVec
	reloadsTotal     prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg.
// Returns nil when reg is nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		streamState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "stream",
			Name:      "state",
			Help:      "Current stream client state (1 for the active state)",
		}, []string{"state"}),

		connectsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "stream",
			Name:      "connects_total",
			Help:      "Total successful stream connections",
		}),

		disconnectsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "stream",
			Name:      "disconnects_total",
			Help:      "Total stream disconnects by cause",
		}, []string{"cause"}),

		messagesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "stream",
			Name:      "messages_received_total",
			Help:      "Total stream messages received",
		}),

		messagesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "stream",
			Name:      "messages_dropped_total",
			Help:      "Total stream messages or entries dropped",
		}, []string{"reason"}),

		snapshotsApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "store",
			Name:      "snapshots_applied_total",
			Help:      "Total snapshot messages applied to the store",
		}),

		devicesKnown: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "store",
			Name:      "devices",
			Help:      "Number of devices in the snapshot store",
		}),

		seedAttempts: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "seed",
			Name:      "attempts",
			Help:      "Fetch attempts used by each seed",
			Buckets:   []float64{1, 2, 3, 5, 10},
		}),

		facetsDiscovered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "discovery",
			Name:      "facets_total",
			Help:      "Total facets discovered by kind",
		}, []string{"kind"}),

		commandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "command",
			Name:      "requests_total",
			Help:      "Total device commands by result",
		}, []string{"result"}),

		reloadsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "reloads_total",
			Help:      "Total connection reloads",
		}),
	}

	reg.MustRegister(
		m.streamState,
		m.connectsTotal,
		m.disconnectsTotal,
		m.messagesReceived,
		m.messagesDropped,
		m.snapshotsApplied,
		m.devicesKnown,
		m.seedAttempts,
		m.facetsDiscovered,
		m.commandsTotal,
		m.reloadsTotal,
	)
	return m
}

func (m *Metrics) setStreamState(state StreamState) {
	if m == nil {
		return
	}
	for _, s := range []StreamState{StateDisconnected, StateConnecting, StateConnected, StateStopped} {
		v := 0.0
		if s == state {
			v = 1
		}
		m.streamState.WithLabelValues(s.String()).Set(v)
	}
}

func (m *Metrics) connected() {
	if m == nil {
		return
	}
	m.connectsTotal.Inc()
}

func (m *Metrics) disconnected(cause string) {
	if m == nil {
		return
	}
	m.disconnectsTotal.WithLabelValues(cause).Inc()
}

func (m *Metrics) messageReceived() {
	if m == nil {
		return
	}
	m.messagesReceived.Inc()
}

func (m *Metrics) dropped(reason string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.messagesDropped.WithLabelValues(reason).Add(float64(n))
}

func (m *Metrics) applied(devices int) {
	if m == nil {
		return
	}
	m.snapshotsApplied.Inc()
	m.devicesKnown.Set(float64(devices))
}

func (m *Metrics) seeded(attempts int) {
	if m == nil {
		return
	}
	m.seedAttempts.Observe(float64(attempts))
}

func (m *Metrics) discovered(kind string) {
	if m == nil {
		return
	}
	m.facetsDiscovered.WithLabelValues(kind).Inc()
}

func (m *Metrics) command(success bool) {
	if m == nil {
		return
	}
	result := "success"
	if !success {
		result = "failure"
	}
	m.commandsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) reloaded() {
	if m == nil {
		return
	}
	m.reloadsTotal.Inc()
}

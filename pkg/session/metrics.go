package session

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics collects Prometheus instrumentation for the package. Grounded on
// the teacher's MetricsCollector (pkg/dialog/metrics.go), narrowed to the
// counters this core's lifecycle actually produces and wired unconditionally
// rather than behind the teacher's `+build prometheus` tag, so a consumer of
// this package always gets observability without an opt-in build flag.
type metrics struct {
	sessionsTotal        *prometheus.CounterVec
	sessionsActive       prometheus.Gauge
	sessionDuration      prometheus.Histogram
	terminationsTotal    *prometheus.CounterVec
	stateTransitionsTotal *prometheus.CounterVec
	dtmfTonesTotal        prometheus.Counter
}

func newMetrics(namespace, subsystem string) *metrics {
	return &metrics{
		sessionsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "sessions_total",
			Help:      "Total number of sessions created, by direction.",
		}, []string{"direction"}),
		sessionsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "sessions_active",
			Help:      "Number of sessions that have not yet reached TERMINATED.",
		}),
		sessionDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "session_duration_seconds",
			Help:      "Time from session establishment to TERMINATED (0 for sessions never established).",
			Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300, 1800, 3600},
		}),
		terminationsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "terminations_total",
			Help:      "Total number of sessions reaching TERMINATED, by cause.",
		}, []string{"cause"}),
		stateTransitionsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "state_transitions_total",
			Help:      "Total number of transitions into TERMINATED, by from/to state. Other status transitions are not counted.",
		}, []string{"from", "to"}),
		dtmfTonesTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "dtmf_tones_total",
			Help:      "Total number of DTMF tones transmitted by the scheduler.",
		}),
	}
}

// defaultMetrics is the package-wide collector registered against the
// default Prometheus registry, matching the teacher's DefaultMetricsConfig
// namespace/subsystem convention ("sip"/"dialog" there; "rtc"/"session" here).
var defaultMetrics = newMetrics("rtc", "session")

func (m *metrics) created(dir Direction) {
	if m == nil {
		return
	}
	m.sessionsTotal.WithLabelValues(dir.String()).Inc()
	m.sessionsActive.Inc()
}

func (m *metrics) transition(from, to Status) {
	if m == nil {
		return
	}
	m.stateTransitionsTotal.WithLabelValues(from.String(), to.String()).Inc()
}

func (m *metrics) terminated(cause Cause, durationSeconds float64) {
	if m == nil {
		return
	}
	m.sessionsActive.Dec()
	m.terminationsTotal.WithLabelValues(string(cause)).Inc()
	m.sessionDuration.Observe(durationSeconds)
}

func (m *metrics) dtmfSent() {
	if m == nil {
		return
	}
	m.dtmfTonesTotal.Inc()
}

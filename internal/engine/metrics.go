package engine

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors reporting engine activity.
type Metrics struct {
	executions     *prometheus.CounterVec
	duration       prometheus.Histogram
	activeJobs     prometheus.Gauge
	queueDepth     prometheus.Gauge
	retries        prometheus.Counter
	breakpointHits prometheus.Counter
}

// durationBuckets follow the default latency buckets of the text exposition
// contract used by the monitor.
var durationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

var (
	defaultMetricsOnce sync.Once
	sharedMetrics      *Metrics
)

// defaultMetrics returns the package-level metrics instance registered with
// the global Prometheus registry. Collectors are created once to avoid
// duplicate registration panics when several runtimes exist (unit tests,
// embedded runners).
func defaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		sharedMetrics = MustNewMetrics(prometheus.DefaultRegisterer)
	})
	return sharedMetrics
}

// MustNewMetrics constructs a Metrics instance using the provided registerer.
// Callers needing unique metric names (tests) supply a fresh registry. A
// registration error panics, mirroring promauto semantics.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	executions := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "weave",
			Name:      "routine_executions_total",
			Help:      "Total routine activations by outcome.",
		},
		[]string{"status"},
	)
	duration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "weave",
			Name:      "routine_duration_seconds",
			Help:      "Duration of routine logic executions.",
			Buckets:   durationBuckets,
		},
	)
	activeJobs := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "weave",
			Name:      "active_jobs",
			Help:      "Number of jobs currently in the running state.",
		},
	)
	queueDepth := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "weave",
			Name:      "event_queue_depth",
			Help:      "Tasks waiting in the event queue.",
		},
	)
	retries := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "weave",
			Name:      "retries_total",
			Help:      "Activation retries scheduled by error policies.",
		},
	)
	breakpointHits := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "weave",
			Name:      "breakpoint_hits_total",
			Help:      "Captures performed by armed breakpoints.",
		},
	)

	executions = mustRegister(reg, executions)
	duration = mustRegister(reg, duration)
	activeJobs = mustRegister(reg, activeJobs)
	queueDepth = mustRegister(reg, queueDepth)
	retries = mustRegister(reg, retries)
	breakpointHits = mustRegister(reg, breakpointHits)

	return &Metrics{
		executions:     executions,
		duration:       duration,
		activeJobs:     activeJobs,
		queueDepth:     queueDepth,
		retries:        retries,
		breakpointHits: breakpointHits,
	}
}

// mustRegister registers a collector, reusing the existing one when a
// matching collector was registered earlier. Other errors panic, mirroring
// promauto and surfacing configuration bugs early.
func mustRegister[C prometheus.Collector](reg prometheus.Registerer, collector C) C {
	if err := reg.Register(collector); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return already.ExistingCollector.(C)
		}
		panic(err)
	}
	return collector
}

// ObserveExecution records one routine activation with its outcome.
func (m *Metrics) ObserveExecution(status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.executions.WithLabelValues(status).Inc()
	m.duration.Observe(elapsed.Seconds())
}

// SetActiveJobs reports the number of running jobs.
func (m *Metrics) SetActiveJobs(n int) {
	if m == nil {
		return
	}
	m.activeJobs.Set(float64(n))
}

// SetQueueDepth reports the current event queue depth.
func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

// IncRetry counts a scheduled activation retry.
func (m *Metrics) IncRetry() {
	if m == nil {
		return
	}
	m.retries.Inc()
}

// IncBreakpointHit counts a breakpoint capture.
func (m *Metrics) IncBreakpointHit() {
	if m == nil {
		return
	}
	m.breakpointHits.Inc()
}

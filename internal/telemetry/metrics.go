package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the collectors of segmentation runs on a private registry.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	Registry *prometheus.Registry

	runs          *prometheus.CounterVec
	windows       prometheus.Counter
	windowSeconds prometheus.Histogram
	stageSeconds  *prometheus.HistogramVec
	fallbacks     prometheus.Counter
}

// NewMetrics creates and registers every collector.
func NewMetrics() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "footseg_runs_total",
			Help: "Segmentation runs by outcome",
		}, []string{"outcome"}),
		windows: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "footseg_windows_total",
			Help: "Windows passed through the model",
		}),
		windowSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "footseg_window_inference_seconds",
			Help:    "Model latency per window",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}),
		stageSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "footseg_stage_seconds",
			Help:    "Duration of each run stage",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
		}, []string{"stage"}),
		fallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "footseg_accelerator_fallbacks_total",
			Help: "Runs that requested an accelerator and ran on the CPU",
		}),
	}
	m.Registry.MustRegister(m.runs, m.windows, m.windowSeconds, m.stageSeconds, m.fallbacks)
	return m
}

// ObserveRun counts a finished run; outcome is "done" or "failed".
func (m *Metrics) ObserveRun(outcome string) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(outcome).Inc()
}

// ObserveWindow records the model latency of one window.
func (m *Metrics) ObserveWindow(d time.Duration) {
	if m == nil {
		return
	}
	m.windows.Inc()
	m.windowSeconds.Observe(d.Seconds())
}

// ObserveStage records how long a run stage took.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.stageSeconds.WithLabelValues(stage).Observe(d.Seconds())
}

// ObserveFallback counts an accelerator fallback.
func (m *Metrics) ObserveFallback() {
	if m == nil {
		return
	}
	m.fallbacks.Inc()
}

// WriteToTextfile writes the registry in the text exposition format, for
// the node_exporter textfile collector.
func (m *Metrics) WriteToTextfile(path string) error {
	if m == nil {
		return nil
	}
	return prometheus.WriteToTextfile(path, m.Registry)
}

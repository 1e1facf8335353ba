// Package metrics holds the Prometheus instruments for acquisition runs.
//
// Each Recorder owns a private registry so that runs and tests never share
// state through the global default registerer. Batch tools have no scrape
// endpoint; WriteTextfile exports the registry for the node exporter's
// textfile collector.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "cdm_versions"

// Recorder collects fetch and outcome metrics for one scope.
type Recorder struct {
	registry *prometheus.Registry

	attempts        *prometheus.CounterVec
	attemptDuration *prometheus.HistogramVec
	bytesFetched    prometheus.Counter
	outcomes        *prometheus.CounterVec
	runDuration     prometheus.Gauge
	lastRun         prometheus.Gauge
}

// New creates a Recorder whose series all carry a constant scope label.
func New(scope string) *Recorder {
	reg := prometheus.NewRegistry()
	factory := promauto.With(prometheus.WrapRegistererWith(prometheus.Labels{"scope": scope}, reg))

	return &Recorder{
		registry: reg,
		attempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_attempts_total",
			Help:      "Fetch attempts by result class",
		}, []string{"class"}),
		attemptDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fetch_attempt_duration_seconds",
			Help:      "Duration of single fetch attempts",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 300},
		}, []string{"class"}),
		bytesFetched: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_bytes_total",
			Help:      "Bytes written to staging files by successful attempts",
		}),
		outcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "item_outcomes_total",
			Help:      "Per-item batch outcomes",
		}, []string{"outcome"}),
		runDuration: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time of the last batch run",
		}),
		lastRun: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_timestamp_seconds",
			Help:      "Unix time the last batch run finished",
		}),
	}
}

// ObserveAttempt implements fetch.Observer.
func (r *Recorder) ObserveAttempt(class string, d time.Duration, bytes int64) {
	r.attempts.WithLabelValues(class).Inc()
	r.attemptDuration.WithLabelValues(class).Observe(d.Seconds())
	if class == "ok" && bytes > 0 {
		r.bytesFetched.Add(float64(bytes))
	}
}

// ObserveOutcome counts one item result.
func (r *Recorder) ObserveOutcome(outcome string) {
	r.outcomes.WithLabelValues(outcome).Inc()
}

// ObserveRun records the duration and completion time of a batch.
func (r *Recorder) ObserveRun(d time.Duration, finished time.Time) {
	r.runDuration.Set(d.Seconds())
	r.lastRun.Set(float64(finished.Unix()))
}

// Gatherer exposes the underlying registry.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	return r.registry
}

// WriteTextfile writes all metrics in the text exposition format. The file
// is replaced atomically.
func (r *Recorder) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, r.registry); err != nil {
		return fmt.Errorf("write metrics %s: %w", path, err)
	}
	return nil
}

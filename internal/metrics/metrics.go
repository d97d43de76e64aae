// Package metrics holds the Prometheus collectors for the collection loop.
//
// Collectors are registered against an explicit prometheus.Registerer so tests can
// use a private registry. A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Attempt results.
const (
	AttemptOK        = "ok"
	AttemptTransport = "transport"
	AttemptRemote    = "remote"
	AttemptParse     = "parse"
)

// Cycle outcomes.
const (
	CycleSuccess = "success"
	CycleFailure = "failure"
)

// Metrics groups the collectors updated by the provider and the collection loop.
type Metrics struct {
	FetchAttempts       *prometheus.CounterVec
	FetchBackoffSeconds prometheus.Counter
	Cycles              *prometheus.CounterVec
	ConsecutiveFailures prometheus.Gauge
	SeriesSamples       prometheus.Gauge
	PersistDuration     prometheus.Histogram
}

// New creates and registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		FetchAttempts: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "carbon_fetch_attempts_total",
				Help: "HTTP attempts against the intensity API by result",
			},
			[]string{"result"}, // ok, transport, remote, parse
		),
		FetchBackoffSeconds: f.NewCounter(prometheus.CounterOpts{
			Name: "carbon_fetch_backoff_seconds_total",
			Help: "Total time spent waiting between fetch attempts",
		}),
		Cycles: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "carbon_cycles_total",
				Help: "Completed collection cycles by outcome",
			},
			[]string{"outcome"},
		),
		ConsecutiveFailures: f.NewGauge(prometheus.GaugeOpts{
			Name: "carbon_consecutive_failures",
			Help: "Current number of consecutive failed cycles",
		}),
		SeriesSamples: f.NewGauge(prometheus.GaugeOpts{
			Name: "carbon_series_samples",
			Help: "Number of samples in the persisted series",
		}),
		PersistDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "carbon_persist_duration_seconds",
			Help:    "Time taken to durably write the series",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
	}
}

// ObserveAttempt counts one HTTP attempt under result.
func (m *Metrics) ObserveAttempt(result string) {
	if m == nil {
		return
	}
	m.FetchAttempts.WithLabelValues(result).Inc()
}

// AddBackoff accumulates time spent sleeping between attempts.
func (m *Metrics) AddBackoff(d time.Duration) {
	if m == nil {
		return
	}
	m.FetchBackoffSeconds.Add(d.Seconds())
}

// ObserveCycle counts a finished cycle and publishes the current failure streak.
func (m *Metrics) ObserveCycle(outcome string, consecutiveFailures int) {
	if m == nil {
		return
	}
	m.Cycles.WithLabelValues(outcome).Inc()
	m.ConsecutiveFailures.Set(float64(consecutiveFailures))
}

// ObservePersist records a successful write of a series holding samples rows.
func (m *Metrics) ObservePersist(samples int, took time.Duration) {
	if m == nil {
		return
	}
	m.SeriesSamples.Set(float64(samples))
	m.PersistDuration.Observe(took.Seconds())
}

// SetSeriesSamples publishes the series length without a write, e.g. after loading from disk.
func (m *Metrics) SetSeriesSamples(samples int) {
	if m == nil {
		return
	}
	m.SeriesSamples.Set(float64(samples))
}

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks scheduled job outcomes and how precisely jobs fire.
type Metrics struct {
	Outcomes    *prometheus.CounterVec
	TriggerLag  prometheus.Histogram
	RunDuration prometheus.Histogram
	Retries     prometheus.Counter
	Armed       prometheus.Gauge
}

func New() *Metrics {
	return &Metrics{
		Outcomes: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "enrollo_jobs_finished_total",
			Help: "Scheduled jobs reaching a terminal state, by status and error kind",
		}, []string{"status", "kind"}),
		TriggerLag: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "enrollo_job_trigger_lag_seconds",
			Help:    "Delay between a job's trigger time and the start of its run",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2, 5, 10, 30, 60},
		}),
		RunDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "enrollo_job_run_duration_seconds",
			Help:    "Wall time of a scheduled run, retries included",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
		}),
		Retries: promauto.NewCounter(prometheus.CounterOpts{
			Name: "enrollo_job_retries_total",
			Help: "Workflow attempts repeated after a transient failure",
		}),
		Armed: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "enrollo_job_timers_armed",
			Help: "Jobs with an in-process trigger timer",
		}),
	}
}

func (m *Metrics) IncOutcome(status, kind string) {
	if m != nil {
		m.Outcomes.WithLabelValues(status, kind).Inc()
	}
}

func (m *Metrics) ObserveTriggerLag(d time.Duration) {
	if m != nil {
		m.TriggerLag.Observe(max(d, 0).Seconds())
	}
}

func (m *Metrics) ObserveRun(d time.Duration) {
	if m != nil {
		m.RunDuration.Observe(d.Seconds())
	}
}

func (m *Metrics) IncRetry() {
	if m != nil {
		m.Retries.Inc()
	}
}

func (m *Metrics) SetArmed(n int) {
	if m != nil {
		m.Armed.Set(float64(n))
	}
}

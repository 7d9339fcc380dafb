package jobmetrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors for background jobs and payroll runs.
type Metrics struct {
	runs           *prometheus.CounterVec
	failures       *prometheus.CounterVec
	duration       *prometheus.HistogramVec
	slips          *prometheus.CounterVec
	slipErrors     *prometheus.CounterVec
	periodDuration prometheus.Histogram
	archiveCorrupt prometheus.Counter
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// NewMetrics registers the job metrics against the provided registerer. When the
// registerer is nil the default Prometheus registerer is used.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		defaultOnce.Do(func() {
			defaultMetrics = buildMetrics(prometheus.DefaultRegisterer)
		})
		return defaultMetrics
	}
	return buildMetrics(registerer)
}

// Tracker provides lifecycle instrumentation helpers for a single job run.
type Tracker struct {
	metrics *Metrics
	job     string
	start   time.Time
}

// Track spawns a tracker for the given job name.
func (m *Metrics) Track(job string) *Tracker {
	if m == nil {
		return &Tracker{job: job, start: time.Now()}
	}
	return &Tracker{metrics: m, job: job, start: time.Now()}
}

// End finalises the tracker, recording duration, success/failure counts and
// returning the provided error untouched.
func (t *Tracker) End(err error) error {
	if t == nil || t.metrics == nil || t.job == "" {
		return err
	}
	status := "success"
	if err != nil {
		status = "failure"
		t.metrics.failures.WithLabelValues(t.job).Inc()
	}
	t.metrics.runs.WithLabelValues(t.job, status).Inc()
	t.metrics.duration.WithLabelValues(t.job).Observe(time.Since(t.start).Seconds())
	return err
}

// ObservePeriod records the outcome of one period computation.
func (m *Metrics) ObservePeriod(employerID int64, created, failed int, elapsed time.Duration) {
	if m == nil {
		return
	}
	employer := formatInt(employerID)
	if created > 0 {
		m.slips.WithLabelValues(employer).Add(float64(created))
	}
	if failed > 0 {
		m.slipErrors.WithLabelValues(employer).Add(float64(failed))
	}
	m.periodDuration.Observe(elapsed.Seconds())
}

// AddCorrupt counts archive entries whose content no longer matches their hash.
func (m *Metrics) AddCorrupt(count int) {
	if m == nil || count <= 0 {
		return
	}
	m.archiveCorrupt.Add(float64(count))
}

func formatInt(v int64) string {
	if v <= 0 {
		return "0"
	}
	return strconv.FormatInt(v, 10)
}

func buildMetrics(registerer prometheus.Registerer) *Metrics {
	runs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "paie_jobs_total",
		Help: "Total job executions partitioned by job name and status.",
	}, []string{"job", "status"})
	failures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "paie_jobs_failures_total",
		Help: "Total failures observed for background jobs.",
	}, []string{"job"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "paie_job_duration_seconds",
		Help:    "Duration in seconds of background job executions.",
		Buckets: prometheus.DefBuckets,
	}, []string{"job"})
	slips := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "paie_slips_computed_total",
		Help: "Slips persisted by period computations, per employer.",
	}, []string{"employer"})
	slipErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "paie_slip_errors_total",
		Help: "Employees skipped by period computations because their slip failed.",
	}, []string{"employer"})
	periodDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "paie_period_compute_seconds",
		Help:    "Duration in seconds of full period computations.",
		Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
	})
	archiveCorrupt := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "paie_archive_corrupt_total",
		Help: "Archived slips found corrupt by verification.",
	})
	registerer.MustRegister(runs, failures, duration, slips, slipErrors, periodDuration, archiveCorrupt)
	return &Metrics{
		runs:           runs,
		failures:       failures,
		duration:       duration,
		slips:          slips,
		slipErrors:     slipErrors,
		periodDuration: periodDuration,
		archiveCorrupt: archiveCorrupt,
	}
}

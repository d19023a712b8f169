// Package telemetry records process-local job metrics. Nothing here is
// persisted; counters reset when the process restarts.
package telemetry

import (
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// JobMetricsSnapshot aggregates run durations for one job type.
type JobMetricsSnapshot struct {
	Count  int64   `json:"count"`
	OK     int64   `json:"ok"`
	Failed int64   `json:"failed"`
	AvgMS  float64 `json:"avg_ms"`
	MaxMS  float64 `json:"max_ms"`
	MinMS  float64 `json:"min_ms"`
}

type jobStats struct {
	count, ok, failed int64
	total, max, min   time.Duration
}

// Recorder holds the per-job-type aggregates and the prometheus collectors
// exposed on /metrics. Each Recorder owns its registry.
type Recorder struct {
	mu   sync.Mutex
	jobs map[string]*jobStats

	registry         *prometheus.Registry
	runs             *prometheus.CounterVec
	duration         *prometheus.HistogramVec
	active           prometheus.Gauge
	ticks            *prometheus.CounterVec
	reaped           prometheus.Counter
	cascades         prometheus.Counter
	connectorSyncs   *prometheus.CounterVec
	rateLimitRejects prometheus.Counter
}

func NewRecorder() *Recorder {
	r := &Recorder{
		jobs:     make(map[string]*jobStats),
		registry: prometheus.NewRegistry(),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scheduler_job_runs_total", Help: "Job runs by type and result",
		}, []string{"job_type", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "scheduler_job_duration_seconds",
			Help:    "Handler execution time",
			Buckets: []float64{0.05, 0.25, 1, 5, 15, 60, 300, 900, 1800},
		}, []string{"job_type"}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "scheduler_active_jobs", Help: "Jobs currently holding a concurrency slot",
		}),
		ticks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scheduler_ticks_total", Help: "Claim cycles by outcome",
		}, []string{"outcome"}),
		reaped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scheduler_dead_jobs_reaped_total", Help: "Jobs reset by the dead job reaper",
		}),
		cascades: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scheduler_cascade_fast_tracks_total", Help: "Downstream jobs advanced by a cascade",
		}),
		connectorSyncs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "connector_syncs_total", Help: "Connector syncs by connector and result",
		}, []string{"connector", "status"}),
		rateLimitRejects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scheduler_rate_limit_rejects_total", Help: "Manual requests rejected by the rate limiter",
		}),
	}
	r.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.runs, r.duration, r.active, r.ticks, r.reaped, r.cascades, r.connectorSyncs, r.rateLimitRejects,
	)
	return r
}

// ObserveJob records one run duration, tagged ok or failed.
func (r *Recorder) ObserveJob(jobType string, ok bool, d time.Duration) {
	status := "ok"
	if !ok {
		status = "failed"
	}
	r.runs.WithLabelValues(jobType, status).Inc()
	r.duration.WithLabelValues(jobType).Observe(d.Seconds())

	r.mu.Lock()
	defer r.mu.Unlock()
	s, found := r.jobs[jobType]
	if !found {
		s = &jobStats{min: d}
		r.jobs[jobType] = s
	}
	s.count++
	if ok {
		s.ok++
	} else {
		s.failed++
	}
	s.total += d
	if d > s.max {
		s.max = d
	}
	if d < s.min {
		s.min = d
	}
}

func (r *Recorder) SetActiveJobs(n int) { r.active.Set(float64(n)) }

func (r *Recorder) ObserveTick(outcome string, reaped int) {
	r.ticks.WithLabelValues(outcome).Inc()
	if reaped > 0 {
		r.reaped.Add(float64(reaped))
	}
}

func (r *Recorder) ObserveCascade(advanced int) {
	if advanced > 0 {
		r.cascades.Add(float64(advanced))
	}
}

func (r *Recorder) ObserveConnectorSync(connector, status string) {
	r.connectorSyncs.WithLabelValues(connector, status).Inc()
}

func (r *Recorder) RateLimitRejected() { r.rateLimitRejects.Inc() }

// Snapshot copies the per-job-type aggregates.
func (r *Recorder) Snapshot() map[string]JobMetricsSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]JobMetricsSnapshot, len(r.jobs))
	for jt, s := range r.jobs {
		snap := JobMetricsSnapshot{
			Count:  s.count,
			OK:     s.ok,
			Failed: s.failed,
			MaxMS:  millis(s.max),
			MinMS:  millis(s.min),
		}
		if s.count > 0 {
			snap.AvgMS = millis(s.total) / float64(s.count)
		}
		out[jt] = snap
	}
	return out
}

// JobTypes lists the job types observed so far, sorted.
func (r *Recorder) JobTypes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.jobs))
	for jt := range r.jobs {
		out = append(out, jt)
	}
	sort.Strings(out)
	return out
}

// Reset clears the per-job-type aggregates. Prometheus counters keep counting.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs = make(map[string]*jobStats)
}

func (r *Recorder) Registry() *prometheus.Registry { return r.registry }

// Handler exposes the recorder's registry in the prometheus text format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// Package scheduler claims due jobs, runs them under a timeout and records
// outcomes with retry backoff.
//
// One Tick is: reap dead jobs, reserve concurrency slots, claim up to that
// many due jobs (skip-locked in the store), execute them with bounded
// parallelism, then record each outcome, fast-track cascade dependents and
// publish a notification. Slots are released on every exit path.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"distributed-job-scheduler/internal/backoff"
	"distributed-job-scheduler/internal/config"
	"distributed-job-scheduler/internal/models"
	"distributed-job-scheduler/internal/notify"
)

// Tick outcomes.
const (
	OutcomeOK               = "ok"
	OutcomeConcurrencyLimit = "concurrency_limit"
	OutcomeError            = "error"
)

// Health status values.
const (
	HealthHealthy    = "healthy"
	HealthDegraded   = "degraded"
	HealthNotStarted = "not_started"
)

// Metrics receives scheduler measurements. telemetry.Recorder implements it.
type Metrics interface {
	ObserveJob(jobType string, ok bool, d time.Duration)
	SetActiveJobs(n int)
	ObserveTick(outcome string, reaped int)
	ObserveCascade(advanced int)
}

// JobDetail reports one executed job in a TickResult.
type JobDetail struct {
	JobType    string       `json:"job_type"`
	Scope      models.Scope `json:"scope"`
	RunID      string       `json:"run_id"`
	Status     string       `json:"status"`
	DurationMS int64        `json:"duration_ms"`
	Error      string       `json:"error,omitempty"`
	NextRunAt  time.Time    `json:"next_run_at"`
	Suspended  bool         `json:"suspended"`
	Cascaded   []string     `json:"cascaded,omitempty"`

	claimLost bool
}

// TickResult summarises one claim cycle.
type TickResult struct {
	Outcome      string            `json:"outcome"`
	Processed    int               `json:"processed"`
	OK           int               `json:"ok"`
	Failed       int               `json:"failed"`
	Claimed      int               `json:"claimed"`
	RemainingDue int               `json:"remaining_due"`
	Reaped       models.ReapResult `json:"reaped"`
	Details      []JobDetail       `json:"details"`
	Error        string            `json:"error,omitempty"`
}

// Health is the scheduler liveness report.
type Health struct {
	Status      string     `json:"status"`
	LastTickAt  *time.Time `json:"last_tick_at"`
	ActiveJobs  int        `json:"active_jobs"`
	TotalErrors int64      `json:"total_errors"`
	Ticks       int64      `json:"ticks"`
}

// Option customises a Scheduler.
type Option func(*Scheduler)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.clock = now }
}

// WithJitter replaces the random backoff jitter factor.
func WithJitter(j func() float64) Option {
	return func(s *Scheduler) { s.backoff.Jitter = j }
}

func WithCascade(c *CascadeChain) Option {
	return func(s *Scheduler) { s.cascade = c }
}

func WithPublisher(p notify.Publisher) Option {
	return func(s *Scheduler) { s.publisher = p }
}

func WithMetrics(m Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// WithSlots shares a concurrency ceiling between schedulers in one process.
func WithSlots(sl *Slots) Option {
	return func(s *Scheduler) { s.slots = sl }
}

// Scheduler drives the claim/execute/record loop for one process.
type Scheduler struct {
	cfg       config.Config
	store     Store
	registry  *Registry
	cascade   *CascadeChain
	publisher notify.Publisher
	metrics   Metrics
	slots     *Slots
	backoff   backoff.Exponential
	clock     func() time.Time
	log       *zap.SugaredLogger

	mu          sync.Mutex
	lastTickAt  time.Time
	lastTickErr bool
	ticks       int64
	totalErrors int64
}

func New(cfg config.Config, st Store, reg *Registry, log *zap.SugaredLogger, opts ...Option) *Scheduler {
	if reg == nil {
		reg = NewRegistry()
	}
	s := &Scheduler{
		cfg:       cfg,
		store:     st,
		registry:  reg,
		publisher: notify.Nop{},
		metrics:   nopMetrics{},
		backoff:   backoff.New(cfg.BackoffBase, cfg.BackoffCap),
		clock:     time.Now,
		log:       log.Named("scheduler"),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.slots == nil {
		s.slots = NewSlots(cfg.MaxConcurrentJobs)
	}
	return s
}

func (s *Scheduler) now() time.Time { return s.clock().UTC() }

// Tick runs one claim cycle for up to limit jobs. A non-positive limit uses
// the configured tick limit. When every slot is taken the claim is skipped
// and the result's outcome is OutcomeConcurrencyLimit.
func (s *Scheduler) Tick(ctx context.Context, limit int) (TickResult, error) {
	if limit <= 0 {
		limit = s.cfg.TickLimit
	}
	res := TickResult{Outcome: OutcomeOK, Details: []JobDetail{}}

	reaped, err := s.Reap(ctx)
	if err != nil {
		return s.finishTick(res, err), err
	}
	res.Reaped = reaped

	granted := s.acquire(limit)
	if granted == 0 {
		res.Outcome = OutcomeConcurrencyLimit
		res.RemainingDue = s.countDue(ctx)
		s.log.Infow("concurrency ceiling reached, claim skipped",
			"active", s.slots.Active(), "ceiling", s.slots.Ceiling(), "remaining_due", res.RemainingDue)
		return s.finishTick(res, nil), nil
	}

	now := s.now()
	jobs, err := s.store.ClaimDueJobs(ctx, now, granted)
	if err != nil {
		s.release(granted)
		return s.finishTick(res, errors.Wrap(err, "claim due jobs")), err
	}
	s.release(granted - len(jobs))
	res.Claimed = len(jobs)
	res.RemainingDue = s.countDue(ctx)

	details := make([]JobDetail, len(jobs))
	g := new(errgroup.Group)
	g.SetLimit(max(1, s.cfg.TickParallelism))
	for i, job := range jobs {
		g.Go(func() error {
			defer s.release(1)
			details[i] = s.runJob(ctx, job)
			return nil
		})
	}
	_ = g.Wait()

	for _, d := range details {
		res.Processed++
		if d.Status == models.RunOK {
			res.OK++
		} else {
			res.Failed++
		}
	}
	res.Details = details
	if res.Claimed > 0 || res.Reaped.Jobs > 0 {
		s.log.Infow("tick complete", "claimed", res.Claimed, "ok", res.OK, "failed", res.Failed,
			"remaining_due", res.RemainingDue, "reaped", res.Reaped.Jobs)
	}
	return s.finishTick(res, nil), nil
}

// runJob executes one claimed job. Bookkeeping writes use a context that
// outlives tick cancellation so every claim is finalized exactly once.
func (s *Scheduler) runJob(ctx context.Context, job models.ScheduledJob) JobDetail {
	bookCtx := context.WithoutCancel(ctx)
	runID := uuid.New().String()
	log := s.log.With("job_type", job.JobType, "scope", job.Scope.String(), "run_id", runID)
	detail := JobDetail{JobType: job.JobType, Scope: job.Scope, RunID: runID}

	startedAt := s.now()
	if job.StartedAt != nil {
		startedAt = *job.StartedAt
	}
	runCreated := true
	err := s.store.CreateRun(bookCtx, models.WorkerRun{
		ID:             runID,
		ScheduledJobID: job.ID,
		Scope:          job.Scope,
		JobType:        job.JobType,
		Status:         models.RunRunning,
		StartedAt:      startedAt,
	})

	var res execResult
	start := time.Now()
	switch {
	case ctx.Err() != nil:
		if err != nil {
			runCreated = false
		}
		res = execResult{err: errors.Wrap(ctx.Err(), "tick cancelled before start"), interrupted: true}
	case err != nil:
		runCreated = false
		res = execResult{err: errors.Wrap(err, "create worker run")}
	default:
		res = s.execute(ctx, job, runID, log)
		if res.noop {
			log.Debugw("no handler registered, recorded as success")
		}
	}
	elapsed := time.Since(start)
	detail.DurationMS = elapsed.Milliseconds()
	s.metrics.ObserveJob(job.JobType, res.err == nil, elapsed)

	s.record(bookCtx, job, runID, runCreated, res, &detail, log)
	if res.err != nil && !res.interrupted {
		s.mu.Lock()
		s.totalErrors++
		s.mu.Unlock()
	}

	if res.err == nil && !detail.claimLost {
		detail.Cascaded = s.fastTrack(bookCtx, job, log)
	}

	s.publisher.Publish(notify.Event{
		JobType: job.JobType,
		Scope:   job.Scope,
		Status:  detail.Status,
		At:      s.now(),
		RunID:   runID,
	})
	return detail
}

func (s *Scheduler) fastTrack(ctx context.Context, job models.ScheduledJob, log *zap.SugaredLogger) []string {
	downstream := s.cascade.Downstream(job.JobType)
	if len(downstream) == 0 {
		return nil
	}
	advanced, err := s.store.FastTrack(ctx, job.Scope, downstream, models.Provenance{
		TriggeredBy: job.JobType,
		TriggeredAt: s.now(),
	})
	if err != nil {
		log.Warnw("cascade fast-track failed", "downstream", downstream, "error", err)
		return nil
	}
	if len(advanced) > 0 {
		log.Infow("cascade fast-tracked dependents", "advanced", advanced)
	}
	s.metrics.ObserveCascade(len(advanced))
	return advanced
}

func (s *Scheduler) countDue(ctx context.Context) int {
	n, err := s.store.CountDueJobs(ctx, s.now())
	if err != nil {
		s.log.Warnw("count due jobs", "error", err)
		return 0
	}
	return n
}

func (s *Scheduler) acquire(n int) int {
	granted := s.slots.Acquire(n)
	s.metrics.SetActiveJobs(s.slots.Active())
	return granted
}

func (s *Scheduler) release(n int) {
	s.slots.Release(n)
	s.metrics.SetActiveJobs(s.slots.Active())
}

func (s *Scheduler) finishTick(res TickResult, err error) TickResult {
	if err != nil {
		res.Outcome = OutcomeError
		res.Error = err.Error()
		s.log.Errorw("tick failed", "error", err)
	}
	s.mu.Lock()
	s.lastTickAt = s.now()
	s.lastTickErr = err != nil
	s.ticks++
	if err != nil {
		s.totalErrors++
	}
	s.mu.Unlock()
	s.metrics.ObserveTick(res.Outcome, res.Reaped.Jobs)
	return res
}

// Run ticks immediately and then every WorkerPollInterval until ctx is
// cancelled. Tick errors are logged and never stop the loop.
func (s *Scheduler) Run(ctx context.Context) error {
	interval := s.cfg.WorkerPollInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	s.log.Infow("scheduler loop started", "interval", interval, "ceiling", s.slots.Ceiling())
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		_, _ = s.Tick(ctx, 0)
		select {
		case <-ctx.Done():
			s.log.Infow("scheduler loop stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Health reports healthy when the last tick succeeded within
// HealthStaleAfter, degraded otherwise, and not_started before the first tick.
func (s *Scheduler) Health() Health {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := Health{
		Status:      HealthNotStarted,
		ActiveJobs:  s.slots.Active(),
		TotalErrors: s.totalErrors,
		Ticks:       s.ticks,
	}
	if s.ticks == 0 {
		return h
	}
	last := s.lastTickAt
	h.LastTickAt = &last
	stale := s.cfg.HealthStaleAfter
	if stale <= 0 {
		stale = 5 * time.Minute
	}
	if s.lastTickErr || s.now().Sub(last) > stale {
		h.Status = HealthDegraded
	} else {
		h.Status = HealthHealthy
	}
	return h
}

// Seed creates the given job definitions in scope if they do not exist yet.
func (s *Scheduler) Seed(ctx context.Context, scope models.Scope, defs []models.JobDefinition) (int, error) {
	n, err := s.store.SeedJobs(ctx, scope, defs, s.now())
	if err != nil {
		return 0, errors.Wrapf(err, "seed jobs for %s", scope)
	}
	if n > 0 {
		s.log.Infow("seeded scheduled jobs", "scope", scope.String(), "created", n)
	}
	return n, nil
}

// Resume moves a suspended job back to active and due now.
func (s *Scheduler) Resume(ctx context.Context, scope models.Scope, jobType string) (bool, error) {
	ok, err := s.store.ResumeJob(ctx, scope, jobType, s.now())
	if err != nil {
		return false, err
	}
	if ok {
		s.log.Infow("resumed suspended job", "scope", scope.String(), "job_type", jobType)
	}
	return ok, nil
}

func (s *Scheduler) Jobs(ctx context.Context, scope models.Scope) ([]models.ScheduledJob, error) {
	return s.store.ListJobs(ctx, scope)
}

func (s *Scheduler) Runs(ctx context.Context, scope models.Scope, jobType string, limit int) ([]models.WorkerRun, error) {
	return s.store.ListRuns(ctx, scope, jobType, limit)
}

// Slots exposes the concurrency ceiling shared by this scheduler.
func (s *Scheduler) Slots() *Slots { return s.slots }

func (s *Scheduler) Registry() *Registry { return s.registry }

type nopMetrics struct{}

func (nopMetrics) ObserveJob(string, bool, time.Duration) {}
func (nopMetrics) SetActiveJobs(int)                      {}
func (nopMetrics) ObserveTick(string, int)                {}
func (nopMetrics) ObserveCascade(int)                     {}

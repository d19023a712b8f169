package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"distributed-job-scheduler/internal/backoff"
	"distributed-job-scheduler/internal/config"
	"distributed-job-scheduler/internal/models"
	"distributed-job-scheduler/internal/notify"
	"distributed-job-scheduler/internal/store/memory"
)

var (
	t0        = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	testScope = models.Scope{OrgID: "acme", ProjectID: "core"}
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock { return &testClock{now: t0} }

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testConfig() config.Config {
	return config.Config{
		MaxConcurrentJobs:  10,
		MaxRetries:         10,
		BackoffBase:        30 * time.Second,
		BackoffCap:         time.Hour,
		DeadJobThreshold:   30 * time.Minute,
		TickLimit:          10,
		TickParallelism:    4,
		HealthStaleAfter:   5 * time.Minute,
		WorkerPollInterval: 10 * time.Millisecond,
	}
}

type fixture struct {
	store *memory.Store
	reg   *Registry
	clock *testClock
	sched *Scheduler
}

func newFixture(t *testing.T, cfg config.Config, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{store: memory.New(), reg: NewRegistry(), clock: newTestClock()}
	base := []Option{WithClock(f.clock.Now), WithJitter(backoff.NoJitter)}
	f.sched = New(cfg, f.store, f.reg, zap.NewNop().Sugar(), append(base, opts...)...)
	return f
}

func (f *fixture) putDue(jobType string, cadence int, dueAgo time.Duration) models.ScheduledJob {
	return f.store.Put(models.ScheduledJob{
		Scope:          testScope,
		JobType:        jobType,
		Status:         models.StatusActive,
		CadenceSeconds: cadence,
		NextRunAt:      f.clock.Now().Add(-dueAgo),
	})
}

func (f *fixture) job(t *testing.T, jobType string) models.ScheduledJob {
	t.Helper()
	j, err := f.store.GetJob(context.Background(), testScope, jobType)
	if err != nil {
		t.Fatalf("get job %s: %v", jobType, err)
	}
	return j
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []notify.Event
}

func (p *recordingPublisher) Publish(ev notify.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func (p *recordingPublisher) all() []notify.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]notify.Event(nil), p.events...)
}

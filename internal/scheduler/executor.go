package scheduler

import (
	"context"
	"runtime/debug"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"distributed-job-scheduler/internal/models"
)

// ErrJobTimeout marks a run whose handler did not return before its deadline.
var ErrJobTimeout = errors.New("job timed out")

type execResult struct {
	details map[string]any
	err     error
	noop    bool
	// interrupted is set when the tick context ended before the handler
	// finished, as on worker shutdown.
	interrupted bool
}

// execute runs the handler for job under its per-type deadline. On expiry
// the result is abandoned and ErrJobTimeout is returned; the handler
// goroutine is left to finish on its own. Panics become errors.
func (s *Scheduler) execute(ctx context.Context, job models.ScheduledJob, runID string, log *zap.SugaredLogger) execResult {
	h, ok := s.registry.Lookup(job.JobType)
	if !ok {
		return execResult{details: map[string]any{"noop": true, "reason": "no handler registered"}, noop: true}
	}

	timeout := s.cfg.JobTimeout(job.JobType)
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req := Request{
		Store:   s.store,
		Job:     job,
		Scope:   job.Scope,
		RunID:   runID,
		Payload: job.Payload,
		Logger:  log,
	}

	done := make(chan execResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Errorw("handler panic", "panic", r, "stack", string(debug.Stack()))
				done <- execResult{err: errors.Newf("handler panic: %v", r)}
			}
		}()
		details, err := h.Handle(runCtx, req)
		done <- execResult{details: details, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil && ctx.Err() != nil {
			res.err = errors.Wrap(res.err, "tick cancelled")
			res.interrupted = true
		}
		return res
	case <-runCtx.Done():
		if ctx.Err() != nil {
			return execResult{err: errors.Wrap(ctx.Err(), "tick cancelled"), interrupted: true}
		}
		return execResult{err: errors.Wrapf(ErrJobTimeout, "%s exceeded %s", job.JobType, timeout.Round(time.Millisecond))}
	}
}

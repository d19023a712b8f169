package scheduler

import (
	"context"
	"unicode/utf8"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"distributed-job-scheduler/internal/models"
	"distributed-job-scheduler/internal/store"
)

// MaxErrorLen bounds error text persisted on runs and jobs.
const MaxErrorLen = 2000

// TruncateError cuts msg to MaxErrorLen bytes without splitting a rune.
func TruncateError(msg string) string {
	if len(msg) <= MaxErrorLen {
		return msg
	}
	msg = msg[:MaxErrorLen]
	for len(msg) > 0 && !utf8.ValidString(msg) {
		msg = msg[:len(msg)-1]
	}
	return msg
}

// record writes the worker run and the schedule update for a finished job
// and fills in the schedule fields of detail.
func (s *Scheduler) record(ctx context.Context, job models.ScheduledJob, runID string, runCreated bool, res execResult, detail *JobDetail, log *zap.SugaredLogger) {
	finished := s.now()
	outcome := models.JobOutcome{
		FinishedAt: finished,
		Status:     models.StatusActive,
	}
	if job.StartedAt != nil {
		outcome.ClaimedAt = *job.StartedAt
	}
	run := models.RunOutcome{FinishedAt: finished, Details: res.details}

	switch {
	case res.interrupted:
		// Shutdown is not a handler failure: keep the failure count and
		// retry after the dead job grace.
		msg := TruncateError(res.err.Error())
		outcome.LastStatus = models.RunFailed
		outcome.LastError = &msg
		outcome.ConsecutiveFailures = job.ConsecutiveFailures
		outcome.NextRunAt = finished.Add(DeadJobGrace)
		run.Status = models.RunFailed
		run.Error = &msg
		detail.Status = models.RunFailed
		detail.Error = msg
		log.Warnw("job interrupted by shutdown", "next_run_at", outcome.NextRunAt, "error", msg)
	case res.err == nil:
		outcome.LastStatus = models.RunOK
		outcome.ConsecutiveFailures = 0
		outcome.NextRunAt = finished.Add(job.Cadence())
		run.Status = models.RunOK
		detail.Status = models.RunOK
	default:
		msg := TruncateError(res.err.Error())
		failures := job.ConsecutiveFailures + 1
		outcome.LastStatus = models.RunFailed
		outcome.LastError = &msg
		outcome.ConsecutiveFailures = failures
		outcome.NextRunAt = finished.Add(s.backoff.DelayFor(failures, res.err))
		if failures >= s.cfg.MaxRetries {
			outcome.Status = models.StatusSuspended
			detail.Suspended = true
			log.Errorw("job suspended after consecutive failures", "failures", failures, "error", msg)
		} else {
			log.Warnw("job failed", "failures", failures, "next_run_at", outcome.NextRunAt, "error", msg)
		}
		run.Status = models.RunFailed
		run.Error = &msg
		detail.Status = models.RunFailed
		detail.Error = msg
	}
	detail.NextRunAt = outcome.NextRunAt

	if runCreated {
		if err := s.store.FinishRun(ctx, runID, run); err != nil {
			log.Warnw("finish worker run", "error", err)
		}
	}
	if err := s.store.CompleteJob(ctx, job.ID, outcome); err != nil {
		if errors.Is(err, store.ErrClaimLost) {
			log.Warnw("claim lost before outcome was recorded", "error", err)
		} else {
			log.Errorw("complete job", "error", err)
		}
		detail.claimLost = true
	}
}

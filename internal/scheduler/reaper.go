package scheduler

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"

	"distributed-job-scheduler/internal/models"
)

// ErrDeadJob is the synthetic failure recorded on jobs orphaned by a crashed worker.
var ErrDeadJob = errors.New("dead_job_auto_cleanup")

// DeadJobGrace is the delay before a reaped job becomes due again.
const DeadJobGrace = 30 * time.Second

// Reap resets jobs stuck in running longer than the dead job threshold.
// The consecutive failure count is left alone; a reaped job is rescheduled
// after DeadJobGrace rather than a backoff delay.
func (s *Scheduler) Reap(ctx context.Context) (models.ReapResult, error) {
	res, err := s.store.ReapDeadJobs(ctx, s.now(), s.cfg.DeadJobThreshold, DeadJobGrace, ErrDeadJob.Error())
	if err != nil {
		return res, errors.Wrap(err, "reap dead jobs")
	}
	if res.Jobs > 0 || res.Runs > 0 {
		s.log.Warnw("reaped dead jobs", "jobs", res.Jobs, "runs", res.Runs, "threshold", s.cfg.DeadJobThreshold)
	}
	return res, nil
}

package scheduler

import (
	"context"
	"time"

	"distributed-job-scheduler/internal/models"
)

// Store is the job persistence the scheduler drives. ClaimDueJobs must
// hand each due row to at most one caller even across processes.
type Store interface {
	SeedJobs(ctx context.Context, scope models.Scope, defs []models.JobDefinition, now time.Time) (int, error)
	ClaimDueJobs(ctx context.Context, now time.Time, limit int) ([]models.ScheduledJob, error)
	CountDueJobs(ctx context.Context, now time.Time) (int, error)
	CompleteJob(ctx context.Context, jobID string, o models.JobOutcome) error
	ReapDeadJobs(ctx context.Context, now time.Time, threshold, grace time.Duration, reason string) (models.ReapResult, error)
	FastTrack(ctx context.Context, scope models.Scope, jobTypes []string, prov models.Provenance) ([]string, error)
	ListJobs(ctx context.Context, scope models.Scope) ([]models.ScheduledJob, error)
	GetJob(ctx context.Context, scope models.Scope, jobType string) (models.ScheduledJob, error)
	ResumeJob(ctx context.Context, scope models.Scope, jobType string, now time.Time) (bool, error)

	CreateRun(ctx context.Context, run models.WorkerRun) error
	FinishRun(ctx context.Context, runID string, o models.RunOutcome) error
	ListRuns(ctx context.Context, scope models.Scope, jobType string, limit int) ([]models.WorkerRun, error)
}

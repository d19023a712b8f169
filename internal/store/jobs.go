package store

import (
	"context"
	"sort"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"distributed-job-scheduler/internal/models"
)

const jobColumns = `id, org_id, project_id, job_type, status, cadence_seconds, next_run_at, started_at,
	last_run_at, last_status, last_error, consecutive_failures, cascade_triggered_by, cascade_triggered_at,
	payload, created_at, updated_at`

// SeedJobs inserts job definitions for a scope. Existing (scope, job_type)
// rows are left untouched; the count of newly created rows is returned.
func (s *Store) SeedJobs(ctx context.Context, scope models.Scope, defs []models.JobDefinition, now time.Time) (int, error) {
	created := 0
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		for _, d := range defs {
			payload, err := marshalBag(d.Payload)
			if err != nil {
				return err
			}
			tag, err := tx.Exec(ctx, `
				INSERT INTO scheduled_jobs (id, org_id, project_id, job_type, status, cadence_seconds, next_run_at, payload, created_at, updated_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $7, $7)
				ON CONFLICT (org_id, project_id, job_type) DO NOTHING
			`, uuid.New().String(), scope.OrgID, scope.ProjectID, d.JobType, models.StatusActive, d.CadenceSeconds, now, payload)
			if err != nil {
				return errors.Wrapf(err, "seed job %s", d.JobType)
			}
			created += int(tag.RowsAffected())
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return created, nil
}

// ClaimDueJobs atomically moves up to limit due active jobs to running.
// FOR UPDATE SKIP LOCKED lets concurrent workers claim disjoint rows.
func (s *Store) ClaimDueJobs(ctx context.Context, now time.Time, limit int) ([]models.ScheduledJob, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `
		UPDATE scheduled_jobs
		SET status = $1, started_at = $3, updated_at = $3
		WHERE id IN (
			SELECT id FROM scheduled_jobs
			WHERE status = $2 AND next_run_at <= $3
			ORDER BY next_run_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT $4
		)
		RETURNING `+jobColumns,
		models.StatusRunning, models.StatusActive, now, limit,
	)
	if err != nil {
		return nil, errors.Wrap(err, "claim due jobs")
	}
	defer rows.Close()

	jobs, err := collectJobs(rows)
	if err != nil {
		return nil, err
	}
	// RETURNING carries no ordering guarantee.
	sort.SliceStable(jobs, func(i, j int) bool { return jobs[i].NextRunAt.Before(jobs[j].NextRunAt) })
	return jobs, nil
}

// CountDueJobs returns the number of active jobs whose next_run_at has passed.
func (s *Store) CountDueJobs(ctx context.Context, now time.Time) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM scheduled_jobs WHERE status = $1 AND next_run_at <= $2
	`, models.StatusActive, now).Scan(&n); err != nil {
		return 0, errors.Wrap(err, "count due jobs")
	}
	return n, nil
}

// CompleteJob writes the schedule update for a claimed job. The update only
// applies while the row is still running under the same claim.
func (s *Store) CompleteJob(ctx context.Context, jobID string, o models.JobOutcome) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE scheduled_jobs
		SET status = $3, next_run_at = $4, last_run_at = $5, last_status = $6, last_error = $7,
			consecutive_failures = $8, started_at = NULL, updated_at = $5
		WHERE id = $1 AND status = 'running' AND started_at = $2
	`, jobID, o.ClaimedAt, o.Status, o.NextRunAt, o.FinishedAt, o.LastStatus, o.LastError, o.ConsecutiveFailures)
	if err != nil {
		return errors.Wrap(err, "complete job")
	}
	if tag.RowsAffected() == 0 {
		return ErrClaimLost
	}
	return nil
}

// ReapDeadJobs forces jobs stuck in running for longer than threshold back
// to active with next_run_at = now+grace, and fails their open worker runs.
func (s *Store) ReapDeadJobs(ctx context.Context, now time.Time, threshold, grace time.Duration, reason string) (models.ReapResult, error) {
	var res models.ReapResult
	cutoff := now.Add(-threshold)
	retryAt := now.Add(grace)
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			UPDATE scheduled_jobs
			SET status = $1, last_status = $2, last_error = $3, next_run_at = $4, started_at = NULL, updated_at = $6
			WHERE status = $5 AND started_at < $7
			RETURNING id
		`, models.StatusActive, models.RunFailed, reason, retryAt, models.StatusRunning, now, cutoff)
		if err != nil {
			return errors.Wrap(err, "reap dead jobs")
		}
		ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
		if err != nil {
			return errors.Wrap(err, "collect reaped ids")
		}
		res.Jobs = len(ids)

		tag, err := tx.Exec(ctx, `
			UPDATE worker_runs
			SET status = $1, finished_at = $2, error = $3
			WHERE status = $4 AND (scheduled_job_id = ANY($5) OR started_at < $6)
		`, models.RunFailed, now, reason, models.RunRunning, ids, cutoff)
		if err != nil {
			return errors.Wrap(err, "fail dead runs")
		}
		res.Runs = int(tag.RowsAffected())
		return nil
	})
	return res, err
}

// FastTrack pulls next_run_at forward to now for active jobs of the given
// types in scope whose next run is still in the future. It returns the job
// types that were advanced.
func (s *Store) FastTrack(ctx context.Context, scope models.Scope, jobTypes []string, prov models.Provenance) ([]string, error) {
	if len(jobTypes) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `
		UPDATE scheduled_jobs
		SET next_run_at = $4, cascade_triggered_by = $5, cascade_triggered_at = $4, updated_at = $4
		WHERE org_id = $1 AND project_id = $2 AND job_type = ANY($3)
			AND status = $6 AND next_run_at > $4
		RETURNING job_type
	`, scope.OrgID, scope.ProjectID, jobTypes, prov.TriggeredAt, prov.TriggeredBy, models.StatusActive)
	if err != nil {
		return nil, errors.Wrap(err, "fast-track jobs")
	}
	advanced, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, errors.Wrap(err, "collect fast-tracked jobs")
	}
	sort.Strings(advanced)
	return advanced, nil
}

// ListJobs returns every scheduled job in scope ordered by next_run_at.
func (s *Store) ListJobs(ctx context.Context, scope models.Scope) ([]models.ScheduledJob, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM scheduled_jobs
		WHERE org_id = $1 AND project_id = $2
		ORDER BY next_run_at ASC, job_type ASC
	`, scope.OrgID, scope.ProjectID)
	if err != nil {
		return nil, errors.Wrap(err, "list jobs")
	}
	defer rows.Close()
	return collectJobs(rows)
}

// GetJob fetches one scheduled job by scope and type.
func (s *Store) GetJob(ctx context.Context, scope models.Scope, jobType string) (models.ScheduledJob, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM scheduled_jobs
		WHERE org_id = $1 AND project_id = $2 AND job_type = $3
	`, scope.OrgID, scope.ProjectID, jobType)
	if err != nil {
		return models.ScheduledJob{}, errors.Wrap(err, "get job")
	}
	defer rows.Close()
	jobs, err := collectJobs(rows)
	if err != nil {
		return models.ScheduledJob{}, err
	}
	if len(jobs) == 0 {
		return models.ScheduledJob{}, errors.Wrapf(ErrNotFound, "job %s in %s", jobType, scope)
	}
	return jobs[0], nil
}

// ResumeJob is the operator reset for a suspended job. It reports whether
// the row was suspended.
func (s *Store) ResumeJob(ctx context.Context, scope models.Scope, jobType string, now time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE scheduled_jobs
		SET status = $4, consecutive_failures = 0, next_run_at = $5, updated_at = $5
		WHERE org_id = $1 AND project_id = $2 AND job_type = $3 AND status = $6
	`, scope.OrgID, scope.ProjectID, jobType, models.StatusActive, now, models.StatusSuspended)
	if err != nil {
		return false, errors.Wrap(err, "resume job")
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}
	if _, err := s.GetJob(ctx, scope, jobType); err != nil {
		return false, err
	}
	return false, nil
}

func collectJobs(rows pgx.Rows) ([]models.ScheduledJob, error) {
	var out []models.ScheduledJob
	for rows.Next() {
		var (
			job                        models.ScheduledJob
			payload                    []byte
			startedAt, lastRun, cascAt pgtype.Timestamptz
			lastStatus, lastErr, casc  pgtype.Text
		)
		if err := rows.Scan(&job.ID, &job.Scope.OrgID, &job.Scope.ProjectID, &job.JobType, &job.Status,
			&job.CadenceSeconds, &job.NextRunAt, &startedAt, &lastRun, &lastStatus, &lastErr,
			&job.ConsecutiveFailures, &casc, &cascAt, &payload, &job.CreatedAt, &job.UpdatedAt); err != nil {
			return nil, errors.Wrap(err, "scan job")
		}
		bag, err := unmarshalBag(payload)
		if err != nil {
			return nil, err
		}
		job.Payload = bag
		job.StartedAt = timePtr(startedAt)
		job.LastRunAt = timePtr(lastRun)
		job.LastStatus = textPtr(lastStatus)
		job.LastError = textPtr(lastErr)
		if casc.Valid && cascAt.Valid {
			job.Cascade = &models.Provenance{TriggeredBy: casc.String, TriggeredAt: cascAt.Time.UTC()}
		}
		job.NextRunAt = job.NextRunAt.UTC()
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate jobs")
	}
	return out, nil
}

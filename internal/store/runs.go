package store

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5/pgtype"

	"distributed-job-scheduler/internal/models"
)

// CreateRun inserts a WorkerRun in running state.
func (s *Store) CreateRun(ctx context.Context, run models.WorkerRun) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO worker_runs (id, scheduled_job_id, org_id, project_id, job_type, status, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, run.ID, run.ScheduledJobID, run.Scope.OrgID, run.Scope.ProjectID, run.JobType, models.RunRunning, run.StartedAt)
	if err != nil {
		return errors.Wrap(err, "insert worker run")
	}
	return nil
}

// FinishRun finalizes a running WorkerRun. A run already failed by the
// reaper is left as is.
func (s *Store) FinishRun(ctx context.Context, runID string, o models.RunOutcome) error {
	var details []byte
	if o.Details != nil {
		b, err := marshalBag(o.Details)
		if err != nil {
			return err
		}
		details = b
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE worker_runs SET status = $2, finished_at = $3, details = $4, error = $5
		WHERE id = $1 AND status = $6
	`, runID, o.Status, o.FinishedAt, details, o.Error, models.RunRunning)
	if err != nil {
		return errors.Wrap(err, "finish worker run")
	}
	if tag.RowsAffected() == 0 {
		return ErrClaimLost
	}
	return nil
}

// ListRuns returns the most recent runs of a job type in scope.
func (s *Store) ListRuns(ctx context.Context, scope models.Scope, jobType string, limit int) ([]models.WorkerRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, scheduled_job_id, org_id, project_id, job_type, status, started_at, finished_at, details, error
		FROM worker_runs
		WHERE org_id = $1 AND project_id = $2 AND job_type = $3
		ORDER BY started_at DESC
		LIMIT $4
	`, scope.OrgID, scope.ProjectID, jobType, limit)
	if err != nil {
		return nil, errors.Wrap(err, "list worker runs")
	}
	defer rows.Close()

	var out []models.WorkerRun
	for rows.Next() {
		var (
			run      models.WorkerRun
			finished pgtype.Timestamptz
			details  []byte
			errText  pgtype.Text
		)
		if err := rows.Scan(&run.ID, &run.ScheduledJobID, &run.Scope.OrgID, &run.Scope.ProjectID, &run.JobType,
			&run.Status, &run.StartedAt, &finished, &details, &errText); err != nil {
			return nil, errors.Wrap(err, "scan worker run")
		}
		if len(details) > 0 {
			bag, err := unmarshalBag(details)
			if err != nil {
				return nil, err
			}
			run.Details = bag
		}
		run.FinishedAt = timePtr(finished)
		run.Error = textPtr(errText)
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate worker runs")
	}
	return out, nil
}

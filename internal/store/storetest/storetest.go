// Package storetest holds behaviour tests shared by every store implementation.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"distributed-job-scheduler/internal/connector"
	"distributed-job-scheduler/internal/models"
	"distributed-job-scheduler/internal/scheduler"
	"distributed-job-scheduler/internal/store"
)

// Store is the combined surface under test.
type Store interface {
	scheduler.Store
	connector.Store
}

var t0 = time.Date(2026, 4, 2, 9, 0, 0, 0, time.UTC)

// Run exercises st. newScope must return a scope no other test has used, so
// a shared database needs no cleanup between cases.
func Run(t *testing.T, st Store, newScope func() models.Scope) {
	ctx := context.Background()
	defs := []models.JobDefinition{
		{JobType: "connector_sync.zendesk", CadenceSeconds: 900},
		{JobType: "signal_extraction", CadenceSeconds: 3600},
	}

	t.Run("SeedIsIdempotent", func(t *testing.T) {
		sc := newScope()
		n, err := st.SeedJobs(ctx, sc, defs, t0)
		require.NoError(t, err)
		assert.Equal(t, 2, n)
		n, err = st.SeedJobs(ctx, sc, defs, t0.Add(time.Hour))
		require.NoError(t, err)
		assert.Zero(t, n)

		jobs, err := st.ListJobs(ctx, sc)
		require.NoError(t, err)
		require.Len(t, jobs, 2)
		assert.Equal(t, "connector_sync.zendesk", jobs[0].JobType)
		assert.True(t, jobs[0].NextRunAt.Equal(t0))
		assert.Equal(t, models.StatusActive, jobs[0].Status)

		_, err = st.GetJob(ctx, sc, "missing")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("ClaimAndComplete", func(t *testing.T) {
		sc := newScope()
		_, err := st.SeedJobs(ctx, sc, defs[:1], t0)
		require.NoError(t, err)

		claimed := claimScope(t, st, sc, t0.Add(time.Second))
		require.Len(t, claimed, 1)
		job := claimed[0]
		assert.Equal(t, models.StatusRunning, job.Status)
		require.NotNil(t, job.StartedAt)
		assert.Empty(t, claimScope(t, st, sc, t0.Add(2*time.Second)), "running rows are not reclaimed")

		outcome := models.JobOutcome{
			ClaimedAt:  job.StartedAt.Add(time.Millisecond),
			FinishedAt: t0.Add(time.Minute),
			NextRunAt:  t0.Add(16 * time.Minute),
			Status:     models.StatusActive,
			LastStatus: models.RunOK,
		}
		assert.ErrorIs(t, st.CompleteJob(ctx, job.ID, outcome), store.ErrClaimLost)

		outcome.ClaimedAt = *job.StartedAt
		require.NoError(t, st.CompleteJob(ctx, job.ID, outcome))
		assert.ErrorIs(t, st.CompleteJob(ctx, job.ID, outcome), store.ErrClaimLost)

		got, err := st.GetJob(ctx, sc, job.JobType)
		require.NoError(t, err)
		assert.Equal(t, models.StatusActive, got.Status)
		assert.Nil(t, got.StartedAt)
		assert.True(t, got.NextRunAt.Equal(t0.Add(16*time.Minute)))
		require.NotNil(t, got.LastStatus)
		assert.Equal(t, models.RunOK, *got.LastStatus)
	})

	t.Run("ReapDeadJobs", func(t *testing.T) {
		sc := newScope()
		_, err := st.SeedJobs(ctx, sc, defs[:1], t0)
		require.NoError(t, err)
		claimed := claimScope(t, st, sc, t0)
		require.Len(t, claimed, 1)
		runID := uuid.New().String()
		require.NoError(t, st.CreateRun(ctx, models.WorkerRun{
			ID: runID, ScheduledJobID: claimed[0].ID, Scope: sc, JobType: claimed[0].JobType, StartedAt: t0,
		}))

		now := t0.Add(31 * time.Minute)
		res, err := st.ReapDeadJobs(ctx, now, 30*time.Minute, 30*time.Second, "dead_job_auto_cleanup")
		require.NoError(t, err)
		assert.GreaterOrEqual(t, res.Jobs, 1)
		assert.GreaterOrEqual(t, res.Runs, 1)

		got, err := st.GetJob(ctx, sc, claimed[0].JobType)
		require.NoError(t, err)
		assert.Equal(t, models.StatusActive, got.Status)
		assert.True(t, got.NextRunAt.Equal(now.Add(30*time.Second)))
		assert.Zero(t, got.ConsecutiveFailures)
		require.NotNil(t, got.LastError)
		assert.Equal(t, "dead_job_auto_cleanup", *got.LastError)

		runs, err := st.ListRuns(ctx, sc, claimed[0].JobType, 10)
		require.NoError(t, err)
		require.Len(t, runs, 1)
		assert.Equal(t, models.RunFailed, runs[0].Status)
		assert.ErrorIs(t, st.FinishRun(ctx, runID, models.RunOutcome{Status: models.RunOK, FinishedAt: now}), store.ErrClaimLost)
	})

	t.Run("FastTrackOnlyFutureActiveRowsInScope", func(t *testing.T) {
		sc, other := newScope(), newScope()
		for _, s := range []models.Scope{sc, other} {
			_, err := st.SeedJobs(ctx, s, defs, t0)
			require.NoError(t, err)
		}
		// Push signal_extraction into the future in both scopes.
		for _, s := range []models.Scope{sc, other} {
			for _, j := range claimScope(t, st, s, t0) {
				if j.JobType != "signal_extraction" {
					continue
				}
				require.NoError(t, st.CompleteJob(ctx, j.ID, models.JobOutcome{
					ClaimedAt: *j.StartedAt, FinishedAt: t0, NextRunAt: t0.Add(time.Hour),
					Status: models.StatusActive, LastStatus: models.RunOK,
				}))
			}
		}

		prov := models.Provenance{TriggeredBy: "connector_sync.zendesk", TriggeredAt: t0.Add(time.Minute)}
		advanced, err := st.FastTrack(ctx, sc, []string{"signal_extraction", "connector_sync.zendesk", "missing"}, prov)
		require.NoError(t, err)
		assert.Equal(t, []string{"signal_extraction"}, advanced)

		got, err := st.GetJob(ctx, sc, "signal_extraction")
		require.NoError(t, err)
		assert.True(t, got.NextRunAt.Equal(prov.TriggeredAt))
		require.NotNil(t, got.Cascade)
		assert.Equal(t, "connector_sync.zendesk", got.Cascade.TriggeredBy)

		untouched, err := st.GetJob(ctx, other, "signal_extraction")
		require.NoError(t, err)
		assert.True(t, untouched.NextRunAt.Equal(t0.Add(time.Hour)))
	})

	t.Run("ResumeSuspended", func(t *testing.T) {
		sc := newScope()
		_, err := st.SeedJobs(ctx, sc, defs[:1], t0)
		require.NoError(t, err)

		resumed, err := st.ResumeJob(ctx, sc, defs[0].JobType, t0)
		require.NoError(t, err)
		assert.False(t, resumed, "active rows are left alone")

		j := claimScope(t, st, sc, t0)[0]
		msg := "boom"
		require.NoError(t, st.CompleteJob(ctx, j.ID, models.JobOutcome{
			ClaimedAt: *j.StartedAt, FinishedAt: t0, NextRunAt: t0.Add(time.Hour),
			Status: models.StatusSuspended, LastStatus: models.RunFailed, LastError: &msg, ConsecutiveFailures: 10,
		}))
		assert.Empty(t, claimScope(t, st, sc, t0.Add(2*time.Hour)))

		later := t0.Add(3 * time.Hour)
		resumed, err = st.ResumeJob(ctx, sc, defs[0].JobType, later)
		require.NoError(t, err)
		assert.True(t, resumed)
		got, err := st.GetJob(ctx, sc, defs[0].JobType)
		require.NoError(t, err)
		assert.Equal(t, models.StatusActive, got.Status)
		assert.Zero(t, got.ConsecutiveFailures)
		assert.True(t, got.NextRunAt.Equal(later))

		_, err = st.ResumeJob(ctx, sc, "missing", later)
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("RunsNewestFirst", func(t *testing.T) {
		sc := newScope()
		_, err := st.SeedJobs(ctx, sc, defs[:1], t0)
		require.NoError(t, err)
		job, err := st.GetJob(ctx, sc, defs[0].JobType)
		require.NoError(t, err)

		var ids []string
		for i := 0; i < 3; i++ {
			id := uuid.New().String()
			ids = append(ids, id)
			require.NoError(t, st.CreateRun(ctx, models.WorkerRun{
				ID: id, ScheduledJobID: job.ID, Scope: sc, JobType: job.JobType, StartedAt: t0.Add(time.Duration(i) * time.Minute),
			}))
		}
		require.NoError(t, st.FinishRun(ctx, ids[2], models.RunOutcome{
			Status: models.RunOK, FinishedAt: t0.Add(3 * time.Minute), Details: map[string]any{"records": 4},
		}))

		runs, err := st.ListRuns(ctx, sc, job.JobType, 2)
		require.NoError(t, err)
		require.Len(t, runs, 2)
		assert.Equal(t, ids[2], runs[0].ID)
		assert.Equal(t, models.RunOK, runs[0].Status)
		assert.EqualValues(t, 4, runs[0].Details["records"])
		assert.Equal(t, ids[1], runs[1].ID)
	})

	t.Run("SyncState", func(t *testing.T) {
		sc := newScope()
		_, found, err := st.GetSyncState(ctx, sc, "zendesk")
		require.NoError(t, err)
		assert.False(t, found)

		ts := t0.Add(-time.Hour)
		id := "ticket-42"
		require.NoError(t, st.SaveSyncState(ctx, models.ConnectorSyncState{
			Scope: sc, Connector: "zendesk", Mode: models.ModeHTTP, Status: models.SyncSuccess,
			Cursor: models.Cursor{TS: &ts, ID: &id}, LastSuccessAt: &t0, UpdatedAt: t0,
		}))
		got, found, err := st.GetSyncState(ctx, sc, "zendesk")
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, models.SyncSuccess, got.Status)
		require.NotNil(t, got.Cursor.TS)
		assert.True(t, got.Cursor.TS.Equal(ts))
		assert.Equal(t, "ticket-42", *got.Cursor.ID)
	})

	t.Run("ConnectorErrorLifecycle", func(t *testing.T) {
		sc, other := newScope(), newScope()
		mk := func(s models.Scope, connector string, next time.Time) models.ConnectorError {
			ce := models.ConnectorError{
				ID: uuid.New().String(), Scope: s, Connector: connector, Mode: models.ModeHTTP,
				Operation: "sync", ErrorKind: models.ErrorKindSyncFailed, ErrorMessage: "503",
				Attempts: 1, NextRetryAt: next, Status: models.ErrorOpen, CreatedAt: t0,
			}
			require.NoError(t, st.CreateConnectorError(ctx, ce))
			return ce
		}
		due := mk(sc, "zendesk", t0)
		later := mk(sc, "hubspot", t0.Add(time.Hour))
		mk(other, "zendesk", t0)

		list, err := st.ListDueConnectorErrors(ctx, t0.Add(time.Minute), &sc, 10)
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, due.ID, list[0].ID)

		all, err := st.ListDueConnectorErrors(ctx, t0.Add(time.Minute), nil, 1000)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, len(all), 2)

		require.NoError(t, st.RescheduleConnectorError(ctx, due.ID, 2, "still 503", t0.Add(2*time.Minute)))
		list, err = st.ListDueConnectorErrors(ctx, t0.Add(time.Minute), &sc, 10)
		require.NoError(t, err)
		assert.Empty(t, list)

		require.NoError(t, st.ResolveConnectorError(ctx, later.ID, t0))
		n, err := st.ResolveConnectorErrors(ctx, sc, "zendesk", t0)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		open, err := st.ListConnectorErrors(ctx, sc, models.ErrorOpen, 10)
		require.NoError(t, err)
		assert.Empty(t, open)
		resolved, err := st.ListConnectorErrors(ctx, sc, models.ErrorResolved, 10)
		require.NoError(t, err)
		assert.Len(t, resolved, 2)
		for _, ce := range resolved {
			assert.NotNil(t, ce.ResolvedAt)
		}
		stillOpen, err := st.ListConnectorErrors(ctx, other, models.ErrorOpen, 10)
		require.NoError(t, err)
		assert.Len(t, stillOpen, 1)
	})
}

// claimScope claims every due row and returns those belonging to sc. Rows
// from other scopes are released back to active so later cases still see them.
func claimScope(t *testing.T, st Store, sc models.Scope, now time.Time) []models.ScheduledJob {
	t.Helper()
	ctx := context.Background()
	claimed, err := st.ClaimDueJobs(ctx, now, 1000)
	require.NoError(t, err)
	var out []models.ScheduledJob
	for _, j := range claimed {
		if j.Scope == sc {
			out = append(out, j)
			continue
		}
		require.NoError(t, st.CompleteJob(ctx, j.ID, models.JobOutcome{
			ClaimedAt: *j.StartedAt, FinishedAt: now, NextRunAt: j.NextRunAt,
			Status: models.StatusActive, LastStatus: models.RunOK,
		}))
	}
	return out
}

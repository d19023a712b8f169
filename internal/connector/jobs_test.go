package connector

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"distributed-job-scheduler/internal/backoff"
	"distributed-job-scheduler/internal/config"
	"distributed-job-scheduler/internal/models"
	"distributed-job-scheduler/internal/scheduler"
	"distributed-job-scheduler/internal/store/memory"
)

func schedulerConfig() config.Config {
	cfg := testConfig()
	cfg.MaxConcurrentJobs = 10
	cfg.MaxRetries = 10
	cfg.BackoffBase = 30 * time.Second
	cfg.BackoffCap = time.Hour
	cfg.DeadJobThreshold = 30 * time.Minute
	cfg.TickLimit = 10
	cfg.TickParallelism = 1
	cfg.ConnectorRetryLimit = 25
	return cfg
}

func TestSyncJobsRunThroughScheduler(t *testing.T) {
	st := memory.New()
	cfg := schedulerConfig()
	orch := newTestOrchestrator(t, cfg, st,
		WithRunner("zendesk", okRunner(PullResult{Records: 8})),
		WithRunner("hubspot", failRunner(errors.New("hubspot 500"))),
	)
	reg := scheduler.NewRegistry()
	Register(reg, orch, NewErrorRegistry(orch, 0), cfg.ConnectorRetryLimit)
	assert.Equal(t, []string{"connector_error_retry", "connector_sync.hubspot", "connector_sync.zendesk"}, reg.Types())

	chain := scheduler.MustCascadeChain(scheduler.ExpandCascade(scheduler.DefaultCascade, orch.Connectors()))
	sched := scheduler.New(cfg, st, reg, zap.NewNop().Sugar(),
		scheduler.WithClock(func() time.Time { return t0 }),
		scheduler.WithJitter(backoff.NoJitter),
		scheduler.WithCascade(chain),
	)

	defs := JobDefinitions(orch.Connectors(), cfg.JobCadence)
	defs = append(defs, models.JobDefinition{JobType: "signal_extraction", CadenceSeconds: 3600})
	_, err := sched.Seed(context.Background(), testScope, defs)
	require.NoError(t, err)
	// Only the two syncs are due; signal_extraction waits for the cascade.
	for _, jt := range []string{"signal_extraction", RetryJobType} {
		j, err := st.GetJob(context.Background(), testScope, jt)
		require.NoError(t, err)
		j.NextRunAt = t0.Add(time.Hour)
		st.Put(j)
	}

	res, err := sched.Tick(context.Background(), 2)
	require.NoError(t, err)
	require.Equal(t, 2, res.Claimed)

	byType := map[string]scheduler.JobDetail{}
	for _, d := range res.Details {
		byType[d.JobType] = d
	}
	zd, hs := byType["connector_sync.zendesk"], byType["connector_sync.hubspot"]
	assert.Equal(t, models.RunOK, zd.Status)
	assert.Equal(t, []string{"signal_extraction"}, zd.Cascaded)
	assert.Equal(t, models.RunFailed, hs.Status)
	assert.Contains(t, hs.Error, "hubspot 500")

	run, ok := st.Run(zd.RunID)
	require.True(t, ok)
	assert.Equal(t, 8, run.Details["records"])

	assert.Len(t, openErrors(t, st, testScope, "hubspot"), 1)
	job, err := st.GetJob(context.Background(), testScope, "connector_sync.hubspot")
	require.NoError(t, err)
	assert.Equal(t, 1, job.ConsecutiveFailures)
}

func TestConnectorOf(t *testing.T) {
	name, ok := ConnectorOf("connector_sync.zendesk")
	assert.True(t, ok)
	assert.Equal(t, "zendesk", name)

	_, ok = ConnectorOf("digest_refresh")
	assert.False(t, ok)
	_, ok = ConnectorOf("connector_sync.")
	assert.False(t, ok)
}

func TestJobDefinitionsUseCadenceOverrides(t *testing.T) {
	defs := JobDefinitions([]string{"zendesk"}, func(jobType string, def int) int {
		if jobType == "connector_sync.zendesk" {
			return 120
		}
		return def
	})
	require.Len(t, defs, 2)
	assert.Equal(t, 120, defs[0].CadenceSeconds)
	assert.Equal(t, RetryJobType, defs[1].JobType)
	assert.Equal(t, 300, defs[1].CadenceSeconds)
}

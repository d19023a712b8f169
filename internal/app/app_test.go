package app

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"distributed-job-scheduler/internal/config"
	"distributed-job-scheduler/internal/connector"
	"distributed-job-scheduler/internal/models"
	"distributed-job-scheduler/internal/scheduler"
	"distributed-job-scheduler/internal/store/memory"
)

func testConfig() config.Config {
	return config.Config{
		StoreDriver:          "memory",
		NotifyTransport:      "none",
		NotifyChannel:        "scheduler.events",
		NotifyBuffer:         16,
		TickLimit:            10,
		TickParallelism:      2,
		HealthStaleAfter:     5 * time.Minute,
		MaxConcurrentJobs:    10,
		JobTimeoutDefault:    time.Second,
		BackoffBase:          30 * time.Second,
		BackoffCap:           time.Hour,
		MaxRetries:           10,
		DeadJobThreshold:     30 * time.Minute,
		Scopes:               []string{"acme:support", "acme:sales"},
		Connectors:           []string{"zendesk"},
		ConnectorModeDefault: "http",
		MinCompletenessPct:   90,
		ConnectorRetryBase:   time.Minute,
		ConnectorRetryCap:    6 * time.Hour,
		ConnectorRetryLimit:  25,
		RateLimitCapacity:    2,
		RateLimitRefill:      0,
	}
}

func okSync() connector.Option {
	return connector.WithRunner("zendesk", connector.RunnerFunc(func(context.Context, connector.PullRequest) (connector.PullResult, error) {
		return connector.PullResult{Records: 3}, nil
	}))
}

func TestNewWiresMemoryStack(t *testing.T) {
	ctx := context.Background()
	a, err := New(ctx, testConfig(), zap.NewNop().Sugar(), WithConnectorOptions(okSync()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	assert.Nil(t, a.Limiter)
	assert.Equal(t, []string{"connector_error_retry", "connector_sync.zendesk"}, a.Scheduler.Registry().Types())

	created, err := a.SeedScopes(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2*5, created)
	again, err := a.SeedScopes(ctx)
	require.NoError(t, err)
	assert.Zero(t, again)

	res, err := a.Scheduler.Tick(ctx, 20)
	require.NoError(t, err)
	assert.Equal(t, scheduler.OutcomeOK, res.Outcome)
	assert.Equal(t, 10, res.OK)
	assert.Zero(t, res.Failed)
	assert.Contains(t, a.Metrics.JobTypes(), "connector_sync.zendesk")
}

func TestNewWithRedisEnablesLimiterAndNotifications(t *testing.T) {
	mr := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rc.Close() })

	cfg := testConfig()
	cfg.NotifyTransport = "redis"
	a, err := New(context.Background(), cfg, zap.NewNop().Sugar(), WithRedis(rc), WithStore(memory.New()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	require.NotNil(t, a.Limiter)
	scope := models.Scope{OrgID: "acme", ProjectID: "support"}
	for i, want := range []bool{true, true, false} {
		ok, _, err := a.Limiter.Allow(context.Background(), "tick", scope)
		require.NoError(t, err)
		assert.Equal(t, want, ok, "call %d", i)
	}
}

func TestNewRejectsBadConfig(t *testing.T) {
	for name, mutate := range map[string]func(*config.Config){
		"driver":       func(c *config.Config) { c.StoreDriver = "sqlite" },
		"notify":       func(c *config.Config) { c.NotifyTransport = "carrier-pigeon" },
		"cascade":      func(c *config.Config) { c.CascadeChains = map[string][]string{"a": {"b"}, "b": {"a"}} },
		"mode":         func(c *config.Config) { *c = c.WithConnectorMode("zendesk", "grpc") },
		"default mode": func(c *config.Config) { c.ConnectorModeDefault = "webhook" },
	} {
		t.Run(name, func(t *testing.T) {
			cfg := testConfig()
			mutate(&cfg)
			_, err := New(context.Background(), cfg, zap.NewNop().Sugar())
			assert.Error(t, err)
		})
	}
}

func TestCascadeExpandsDefaultChain(t *testing.T) {
	chain, err := Cascade(testConfig(), []string{"zendesk", "hubspot"})
	require.NoError(t, err)
	assert.Equal(t, []string{SignalExtraction}, chain.Downstream("connector_sync.hubspot"))
	assert.ElementsMatch(t, []string{CommitmentExtraction, DigestRefresh}, chain.Downstream(SignalExtraction))
}

func TestScopesRejectsMalformedEntry(t *testing.T) {
	cfg := testConfig()
	cfg.Scopes = []string{"acme"}
	a, err := New(context.Background(), cfg, zap.NewNop().Sugar())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	_, err = a.SeedScopes(context.Background())
	assert.ErrorContains(t, err, "SCHEDULER_SCOPES")
}

func TestJobDefinitionsHonourCadenceOverride(t *testing.T) {
	cfg := testConfig().WithJobCadence(DigestRefresh, 600)
	var got int
	for _, d := range JobDefinitions(cfg, nil) {
		if d.JobType == DigestRefresh {
			got = d.CadenceSeconds
		}
	}
	assert.Equal(t, 600, got)
}

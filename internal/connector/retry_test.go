package connector

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"distributed-job-scheduler/internal/models"
	"distributed-job-scheduler/internal/store/memory"
)

func TestRetryDueIsolatesItems(t *testing.T) {
	st := memory.New()
	seedError(t, st, "z1", "zendesk", t0.Add(-10*time.Minute))
	seedError(t, st, "z2", "zendesk", t0.Add(-5*time.Minute))
	seedError(t, st, "h1", "hubspot", t0.Add(-7*time.Minute))
	seedError(t, st, "later", "hubspot", t0.Add(time.Hour))

	var zendeskPulls atomic.Int32
	orch := newTestOrchestrator(t, testConfig(), st,
		WithRunner("zendesk", RunnerFunc(func(ctx context.Context, req PullRequest) (PullResult, error) {
			zendeskPulls.Add(1)
			return PullResult{Records: 1}, nil
		})),
		WithRunner("hubspot", failRunner(errors.New("hubspot still down"))),
	)
	reg := NewErrorRegistry(orch, 0)

	summary, err := reg.RetryDue(context.Background(), nil, 10)
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Due)
	assert.Equal(t, 2, summary.Succeeded)
	assert.Equal(t, 1, summary.Failed)
	require.Len(t, summary.Items, 3)
	assert.Equal(t, int32(1), zendeskPulls.Load(), "second zendesk error resolved by the first sync")

	assert.Empty(t, openErrors(t, st, testScope, "zendesk"))

	hubspot := openErrors(t, st, testScope, "hubspot")
	require.Len(t, hubspot, 2, "failed retry reschedules instead of adding a row")
	for _, ce := range hubspot {
		if ce.ID != "h1" {
			continue
		}
		assert.Equal(t, 2, ce.Attempts)
		assert.Equal(t, "hubspot still down", ce.ErrorMessage)
		assert.Equal(t, t0.Add(2*time.Minute), ce.NextRetryAt)
	}
}

func TestRetryDueRespectsScopeAndLimit(t *testing.T) {
	st := memory.New()
	seedError(t, st, "z1", "zendesk", t0.Add(-time.Minute))
	other := models.Scope{OrgID: "globex", ProjectID: "crm"}
	require.NoError(t, st.CreateConnectorError(context.Background(), models.ConnectorError{
		ID: "o1", Scope: other, Connector: "zendesk", Status: models.ErrorOpen, Attempts: 1,
		NextRetryAt: t0.Add(-time.Minute), ErrorKind: models.ErrorKindSyncFailed,
	}))
	orch := newTestOrchestrator(t, testConfig(), st, WithRunner("zendesk", okRunner(PullResult{})))
	reg := NewErrorRegistry(orch, 0)

	summary, err := reg.RetryDue(context.Background(), &testScope, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Due)
	assert.Equal(t, "z1", summary.Items[0].ErrorID)

	still, err := reg.List(context.Background(), other, models.ErrorOpen, 10)
	require.NoError(t, err)
	assert.Len(t, still, 1)
}

func TestRetryDueReschedulesUnknownConnector(t *testing.T) {
	st := memory.New()
	seedError(t, st, "s1", "salesforce", t0.Add(-time.Minute))
	orch := newTestOrchestrator(t, testConfig(), st)
	reg := NewErrorRegistry(orch, 0)

	summary, err := reg.RetryDue(context.Background(), nil, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Failed)

	open := openErrors(t, st, testScope, "salesforce")
	require.Len(t, open, 1)
	assert.Equal(t, 2, open[0].Attempts)
	assert.True(t, open[0].NextRetryAt.After(t0))
}

func TestRetryDueStopsWhenContextCancelled(t *testing.T) {
	st := memory.New()
	seedError(t, st, "z1", "zendesk", t0.Add(-time.Minute))
	orch := newTestOrchestrator(t, testConfig(), st, WithRunner("zendesk", okRunner(PullResult{})))
	reg := NewErrorRegistry(orch, 0.001)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := reg.RetryDue(ctx, nil, 10)
	assert.Error(t, err)
	assert.Len(t, openErrors(t, st, testScope, "zendesk"), 1)
}

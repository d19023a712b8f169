package connector

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"distributed-job-scheduler/internal/backoff"
	"distributed-job-scheduler/internal/config"
	"distributed-job-scheduler/internal/models"
	"distributed-job-scheduler/internal/store/memory"
	"distributed-job-scheduler/internal/telemetry"
)

var (
	t0        = time.Date(2026, 4, 2, 9, 0, 0, 0, time.UTC)
	testScope = models.Scope{OrgID: "acme", ProjectID: "support"}
)

func testConfig() config.Config {
	return config.Config{
		Connectors:           []string{"zendesk", "hubspot"},
		ConnectorModeDefault: models.ModeHTTP,
		ConnectorRetryBase:   time.Minute,
		ConnectorRetryCap:    6 * time.Hour,
		MinCompletenessPct:   90,
	}
}

func newTestOrchestrator(t *testing.T, cfg config.Config, st *memory.Store, opts ...Option) *Orchestrator {
	t.Helper()
	base := []Option{WithClock(func() time.Time { return t0 }), WithJitter(backoff.NoJitter)}
	return New(cfg, st, zap.NewNop().Sugar(), append(base, opts...)...)
}

func okRunner(res PullResult) Runner {
	return RunnerFunc(func(ctx context.Context, req PullRequest) (PullResult, error) { return res, nil })
}

func failRunner(err error) Runner {
	return RunnerFunc(func(ctx context.Context, req PullRequest) (PullResult, error) { return PullResult{}, err })
}

func openErrors(t *testing.T, st *memory.Store, scope models.Scope, connector string) []models.ConnectorError {
	t.Helper()
	all, err := st.ListConnectorErrors(context.Background(), scope, models.ErrorOpen, 100)
	if err != nil {
		t.Fatalf("list errors: %v", err)
	}
	var out []models.ConnectorError
	for _, ce := range all {
		if ce.Connector == connector {
			out = append(out, ce)
		}
	}
	return out
}

func seedError(t *testing.T, st *memory.Store, id, connector string, nextRetry time.Time) {
	t.Helper()
	err := st.CreateConnectorError(context.Background(), models.ConnectorError{
		ID: id, Scope: testScope, Connector: connector, Mode: models.ModeHTTP, Operation: "sync",
		ErrorKind: models.ErrorKindSyncFailed, ErrorMessage: "earlier failure", Attempts: 1,
		NextRetryAt: nextRetry, Status: models.ErrorOpen, CreatedAt: t0.Add(-time.Hour),
	})
	if err != nil {
		t.Fatalf("seed error: %v", err)
	}
}

type fakeInvoker struct {
	mu    sync.Mutex
	calls []string
	args  []map[string]any
	raw   string
	err   error
}

func (f *fakeInvoker) CallTool(_ context.Context, name string, args map[string]any) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
	f.args = append(f.args, args)
	if f.err != nil {
		return nil, f.err
	}
	return json.RawMessage(f.raw), nil
}

func ptr[T any](v T) *T { return &v }

func scrape(t *testing.T, rec *telemetry.Recorder) string {
	t.Helper()
	w := httptest.NewRecorder()
	rec.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	return w.Body.String()
}

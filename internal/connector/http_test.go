package connector

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"distributed-job-scheduler/internal/backoff"
	"distributed-job-scheduler/internal/models"
	"distributed-job-scheduler/internal/store/memory"
)

func TestHTTPRunnerSendsCursorAndDecodesResult(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = map[string]string{}
		for k := range r.URL.Query() {
			got[k] = r.URL.Query().Get(k)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"cursor_ts": "2026-04-02T08:30:00Z",
			"cursor_id": "ticket-7",
			"records":   7,
			"coverage":  map[string]any{"completeness_pct": 99.0},
		})
	}))
	defer srv.Close()

	ts := t0.Add(-time.Hour)
	runner := NewHTTPRunner(srv.Client(), func(string) string { return srv.URL + "/pull?source=api" })
	res, err := runner.Pull(context.Background(), PullRequest{
		Connector: "zendesk",
		Scope:     testScope,
		Cursor:    models.Cursor{TS: &ts, ID: ptr("ticket-1"), PageCursor: ptr("p2")},
	})
	require.NoError(t, err)

	assert.Equal(t, "acme", got["org_id"])
	assert.Equal(t, "support", got["project_id"])
	assert.Equal(t, "2026-04-02T08:00:00Z", got["cursor_ts"])
	assert.Equal(t, "ticket-1", got["cursor_id"])
	assert.Equal(t, "p2", got["page_cursor"])
	assert.Equal(t, "api", got["source"])

	assert.Equal(t, models.ModeHTTP, res.Mode)
	assert.Equal(t, 7, res.Records)
	assert.Equal(t, "ticket-7", *res.CursorID)
	assert.Equal(t, time.Date(2026, 4, 2, 8, 30, 0, 0, time.UTC), res.CursorTS.UTC())
}

func TestHTTPRunnerRateLimitCarriesRetryAfter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "120")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	runner := NewHTTPRunner(srv.Client(), func(string) string { return srv.URL })
	_, err := runner.Pull(context.Background(), PullRequest{Connector: "hubspot", Scope: testScope})
	require.Error(t, err)

	hint, ok := backoff.RetryAfterHint(err)
	require.True(t, ok)
	assert.Equal(t, 2*time.Minute, hint)
}

func TestHTTPRunnerRejectsNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream exploded", http.StatusBadGateway)
	}))
	defer srv.Close()

	runner := NewHTTPRunner(srv.Client(), func(string) string { return srv.URL })
	_, err := runner.Pull(context.Background(), PullRequest{Connector: "hubspot", Scope: testScope})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
	assert.Contains(t, err.Error(), "upstream exploded")
}

func TestHTTPRunnerWithoutEndpoint(t *testing.T) {
	runner := NewHTTPRunner(nil, func(string) string { return "" })
	_, err := runner.Pull(context.Background(), PullRequest{Connector: "zendesk"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CONNECTOR_ZENDESK_URL")
}

func TestRateLimitedSyncSchedulesErrorAtHint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "900")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	st := memory.New()
	cfg := testConfig().WithConnectorURL("zendesk", srv.URL)
	orch := newTestOrchestrator(t, cfg, st, WithHTTPRunner(NewHTTPRunner(srv.Client(), cfg.ConnectorURL)))

	_, err := orch.Sync(context.Background(), testScope, "zendesk")
	require.Error(t, err)

	open := openErrors(t, st, testScope, "zendesk")
	require.Len(t, open, 1)
	assert.Equal(t, t0.Add(15*time.Minute), open[0].NextRetryAt)
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2026, 4, 2, 9, 0, 0, 0, time.UTC)
	assert.Equal(t, 30*time.Second, parseRetryAfter("30", now))
	assert.Equal(t, time.Minute, parseRetryAfter("", now))
	assert.Equal(t, time.Minute, parseRetryAfter("soon", now))
	assert.Equal(t, 90*time.Second, parseRetryAfter(now.Add(90*time.Second).Format(http.TimeFormat), now))
	assert.Equal(t, time.Duration(0), parseRetryAfter(now.Add(-time.Hour).Format(http.TimeFormat), now))
}

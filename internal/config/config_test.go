package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg := load(nil)

	assert.Equal(t, 10, cfg.MaxConcurrentJobs)
	assert.Equal(t, 10, cfg.MaxRetries)
	assert.Equal(t, 30*time.Second, cfg.BackoffBase)
	assert.Equal(t, time.Hour, cfg.BackoffCap)
	assert.Equal(t, 30*time.Minute, cfg.DeadJobThreshold)
	assert.Equal(t, DefaultJobTimeout, cfg.JobTimeout("anything"))
	assert.Equal(t, "http", cfg.ConnectorMode("zendesk"))
	assert.Nil(t, cfg.CascadeChains)
	assert.Equal(t, []string{"default:default"}, cfg.Scopes)
}

func TestLoadOverridesAndBounds(t *testing.T) {
	t.Setenv("SCHEDULER_MAX_CONCURRENT_JOBS", "4")
	t.Setenv("JOB_MAX_RETRIES", "3")
	t.Setenv("JOB_RETRY_BACKOFF_BASE_SECONDS", "0")
	t.Setenv("JOB_RETRY_BACKOFF_CAP_SECONDS", "999999")
	t.Setenv("DEAD_JOB_THRESHOLD_MINUTES", "1")
	t.Setenv("CONNECTOR_MODE", "mcp")
	t.Setenv("JOB_CASCADE_CHAINS", "a=b|c; b = d")

	cfg := load([]string{
		"JOB_TIMEOUT_CONNECTOR_SYNC_ZENDESK_MS=120000",
		"JOB_TIMEOUT_DIGEST_REFRESH_MS=7200000",
		"JOB_CADENCE_SIGNAL_EXTRACTION_SECONDS=600",
		"CONNECTOR_HUBSPOT_MODE=HTTP",
		"CONNECTOR_HUBSPOT_URL=http://hubspot.internal/pull",
		"CONNECTOR_MODE=mcp",
	})

	assert.Equal(t, 4, cfg.MaxConcurrentJobs)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, time.Second, cfg.BackoffBase, "base clamps to 1s")
	assert.Equal(t, 24*time.Hour, cfg.BackoffCap, "cap clamps to a day")
	assert.Equal(t, 5*time.Minute, cfg.DeadJobThreshold, "threshold clamps to 5 minutes")

	assert.Equal(t, 2*time.Minute, cfg.JobTimeout("connector_sync.zendesk"))
	assert.Equal(t, MaxJobTimeout, cfg.JobTimeout("digest_refresh"), "timeouts are hard-capped")
	assert.Equal(t, 600, cfg.JobCadence("signal_extraction", 3600))
	assert.Equal(t, 3600, cfg.JobCadence("digest_refresh", 3600))

	assert.Equal(t, "http", cfg.ConnectorMode("hubspot"))
	assert.Equal(t, "mcp", cfg.ConnectorMode("zendesk"))
	assert.Equal(t, "http://hubspot.internal/pull", cfg.ConnectorURL("hubspot"))

	assert.Equal(t, map[string][]string{"a": {"b", "c"}, "b": {"d"}}, cfg.CascadeChains)
}

func TestEnvKey(t *testing.T) {
	assert.Equal(t, "CONNECTOR_SYNC_ZENDESK", EnvKey("connector_sync.zendesk"))
	assert.Equal(t, "SIGNAL_EXTRACTION", EnvKey("signal-extraction"))
}

func TestWithJobTimeout(t *testing.T) {
	base := load(nil)
	cfg := base.WithJobTimeout("slow", time.Hour)

	assert.Equal(t, MaxJobTimeout, cfg.JobTimeout("slow"))
	assert.Equal(t, DefaultJobTimeout, base.JobTimeout("slow"), "original is not mutated")
}

func TestWithConnectorOverrides(t *testing.T) {
	base := load(nil)
	cfg := base.WithConnectorMode("zendesk", "MCP").WithConnectorURL("zendesk", "http://pull.local/zendesk")

	assert.Equal(t, "mcp", cfg.ConnectorMode("zendesk"))
	assert.Equal(t, "http", cfg.ConnectorMode("hubspot"))
	assert.Equal(t, "http://pull.local/zendesk", cfg.ConnectorURL("zendesk"))
	assert.Empty(t, base.ConnectorURL("zendesk"))
}

func TestCheckConnectorModes(t *testing.T) {
	cfg := load([]string{"CONNECTOR_HUBSPOT_MODE=MCP", "CONNECTOR_ZENDESK_MODE=http"})
	require.NoError(t, cfg.CheckConnectorModes())

	cfg = load([]string{"CONNECTOR_ZENDESK_MODE=grpc"})
	assert.ErrorContains(t, cfg.CheckConnectorModes(), `unknown CONNECTOR_ZENDESK_MODE "grpc"`)

	t.Setenv("CONNECTOR_MODE", "Webhook")
	assert.ErrorContains(t, load(nil).CheckConnectorModes(), `unknown CONNECTOR_MODE "webhook"`)

	assert.Error(t, load(nil).WithConnectorMode("hubspot", "ftp").CheckConnectorModes())
}

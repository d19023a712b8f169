package main

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, args ...string) string {
	t.Helper()
	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("NOTIFY_TRANSPORT", "none")
	t.Setenv("CONNECTORS", "zendesk")
	t.Setenv("SCHEDULER_SCOPES", "acme:support,acme:sales")
	t.Setenv("LOG_LEVEL", "warn")
	scopeFlag = "default:default"

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() { rootCmd.SetArgs(nil) })
	require.NoError(t, rootCmd.ExecuteContext(context.Background()))
	return out.String()
}

func TestSeedCreatesBuiltinJobsPerScope(t *testing.T) {
	assert.Contains(t, run(t, "jobs", "seed"), "created 10 jobs")
}

func TestReapOnEmptyStore(t *testing.T) {
	assert.Contains(t, run(t, "reap"), "reaped 0 jobs, 0 runs")
}

func TestJobsListPrintsHeader(t *testing.T) {
	assert.Contains(t, run(t, "jobs", "list", "--scope", "acme:support"), "JOB TYPE")
}

func TestBadScopeFails(t *testing.T) {
	t.Setenv("STORE_DRIVER", "memory")
	rootCmd.SetArgs([]string{"jobs", "list", "--scope", "nope"})
	t.Cleanup(func() {
		rootCmd.SetArgs(nil)
		scopeFlag = "default:default"
	})
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	assert.Error(t, rootCmd.ExecuteContext(context.Background()))
}

package connector

import (
	"context"
	"strings"

	"distributed-job-scheduler/internal/models"
	"distributed-job-scheduler/internal/scheduler"
)

// Built-in job types.
const (
	SyncJobPrefix = "connector_sync."
	RetryJobType  = "connector_error_retry"
)

// SyncJobType is the scheduled job type that syncs connector.
func SyncJobType(connector string) string { return SyncJobPrefix + connector }

// ConnectorOf returns the connector behind a sync job type.
func ConnectorOf(jobType string) (string, bool) {
	name, ok := strings.CutPrefix(jobType, SyncJobPrefix)
	return name, ok && name != ""
}

// Register binds a sync handler for every configured connector and the
// error retry handler to reg.
func Register(reg *scheduler.Registry, orch *Orchestrator, errs *ErrorRegistry, retryLimit int) {
	for _, name := range orch.Connectors() {
		reg.Register(SyncJobType(name), syncHandler{orch: orch, connector: name})
	}
	reg.Register(RetryJobType, retryHandler{errs: errs, limit: retryLimit})
}

// JobDefinitions lists the built-in jobs to seed, with their cadences.
func JobDefinitions(connectors []string, cadence func(jobType string, def int) int) []models.JobDefinition {
	defs := make([]models.JobDefinition, 0, len(connectors)+1)
	for _, name := range connectors {
		jt := SyncJobType(name)
		defs = append(defs, models.JobDefinition{JobType: jt, CadenceSeconds: cadence(jt, 900)})
	}
	defs = append(defs, models.JobDefinition{JobType: RetryJobType, CadenceSeconds: cadence(RetryJobType, 300)})
	return defs
}

type syncHandler struct {
	orch      *Orchestrator
	connector string
}

func (h syncHandler) Handle(ctx context.Context, req scheduler.Request) (map[string]any, error) {
	res, err := h.orch.Sync(ctx, req.Scope, h.connector)
	if err != nil {
		return nil, err
	}
	return res.Details(), nil
}

type retryHandler struct {
	errs  *ErrorRegistry
	limit int
}

func (h retryHandler) Handle(ctx context.Context, req scheduler.Request) (map[string]any, error) {
	scope := req.Scope
	summary, err := h.errs.RetryDue(ctx, &scope, h.limit)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"due":       summary.Due,
		"succeeded": summary.Succeeded,
		"failed":    summary.Failed,
	}, nil
}

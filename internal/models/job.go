package models

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// ScheduledJob status values persisted in Postgres.
const (
	StatusActive    = "active"
	StatusRunning   = "running"
	StatusSuspended = "suspended"
)

// WorkerRun status values.
const (
	RunRunning = "running"
	RunOK      = "ok"
	RunFailed  = "failed"
)

// Scope is the tenant key every row is partitioned by.
type Scope struct {
	OrgID     string `json:"org_id"`
	ProjectID string `json:"project_id"`
}

func (s Scope) String() string {
	return s.OrgID + ":" + s.ProjectID
}

// ParseScope reads the "org:project" form produced by String.
func ParseScope(v string) (Scope, error) {
	org, project, ok := strings.Cut(strings.TrimSpace(v), ":")
	if !ok || org == "" || project == "" {
		return Scope{}, errors.Newf("invalid scope %q, want org:project", v)
	}
	return Scope{OrgID: org, ProjectID: project}, nil
}

// Provenance records which trigger fast-tracked a job through a cascade.
type Provenance struct {
	TriggeredBy string    `json:"triggered_by"`
	TriggeredAt time.Time `json:"triggered_at"`
}

// ScheduledJob is one schedulable job definition, unique per (scope, job type).
type ScheduledJob struct {
	ID                  string         `json:"id"`
	Scope               Scope          `json:"scope"`
	JobType             string         `json:"job_type"`
	Status              string         `json:"status"`
	CadenceSeconds      int            `json:"cadence_seconds"`
	NextRunAt           time.Time      `json:"next_run_at"`
	StartedAt           *time.Time     `json:"started_at,omitempty"`
	LastRunAt           *time.Time     `json:"last_run_at,omitempty"`
	LastStatus          *string        `json:"last_status,omitempty"`
	LastError           *string        `json:"last_error,omitempty"`
	ConsecutiveFailures int            `json:"consecutive_failures"`
	Cascade             *Provenance    `json:"cascade,omitempty"`
	Payload             map[string]any `json:"payload"`
	CreatedAt           time.Time      `json:"created_at"`
	UpdatedAt           time.Time      `json:"updated_at"`
}

// Cadence returns the fixed interval between successive runs.
func (j ScheduledJob) Cadence() time.Duration {
	return time.Duration(j.CadenceSeconds) * time.Second
}

// JobDefinition seeds a ScheduledJob on first run.
type JobDefinition struct {
	JobType        string         `json:"job_type"`
	CadenceSeconds int            `json:"cadence_seconds"`
	Payload        map[string]any `json:"payload,omitempty"`
}

// WorkerRun is one row per claim attempt.
type WorkerRun struct {
	ID             string         `json:"id"`
	ScheduledJobID string         `json:"scheduled_job_id"`
	Scope          Scope          `json:"scope"`
	JobType        string         `json:"job_type"`
	Status         string         `json:"status"`
	StartedAt      time.Time      `json:"started_at"`
	FinishedAt     *time.Time     `json:"finished_at,omitempty"`
	Details        map[string]any `json:"details,omitempty"`
	Error          *string        `json:"error,omitempty"`
}

// JobOutcome is the schedule update written when a claimed job finishes.
type JobOutcome struct {
	ClaimedAt           time.Time
	FinishedAt          time.Time
	NextRunAt           time.Time
	Status              string
	LastStatus          string
	LastError           *string
	ConsecutiveFailures int
}

// RunOutcome finalizes a WorkerRun.
type RunOutcome struct {
	Status     string
	FinishedAt time.Time
	Details    map[string]any
	Error      *string
}

// ReapResult counts rows forced out of the running state by a reaper pass.
type ReapResult struct {
	Jobs int `json:"jobs"`
	Runs int `json:"runs"`
}

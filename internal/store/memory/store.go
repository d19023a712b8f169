// Package memory is an in-memory implementation of the scheduler and
// connector stores. Safe for concurrent access. Intended for unit testing and
// local development.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"distributed-job-scheduler/internal/models"
	"distributed-job-scheduler/internal/store"
)

// Store keeps every table in maps guarded by a single mutex. Holding the
// mutex across a claim stands in for row-level locking.
type Store struct {
	mu sync.Mutex

	jobs      map[string]*models.ScheduledJob
	runs      map[string]*models.WorkerRun
	states    map[stateKey]*models.ConnectorSyncState
	errs      map[string]*models.ConnectorError
	refreshed []string
}

type stateKey struct {
	scope     models.Scope
	connector string
}

// New returns a new empty Store.
func New() *Store {
	return &Store{
		jobs:   make(map[string]*models.ScheduledJob),
		runs:   make(map[string]*models.WorkerRun),
		states: make(map[stateKey]*models.ConnectorSyncState),
		errs:   make(map[string]*models.ConnectorError),
	}
}

func (m *Store) SeedJobs(_ context.Context, scope models.Scope, defs []models.JobDefinition, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	created := 0
	for _, d := range defs {
		if m.findLocked(scope, d.JobType) != nil {
			continue
		}
		payload := copyBag(d.Payload)
		if payload == nil {
			payload = map[string]any{}
		}
		j := &models.ScheduledJob{
			ID:             uuid.New().String(),
			Scope:          scope,
			JobType:        d.JobType,
			Status:         models.StatusActive,
			CadenceSeconds: d.CadenceSeconds,
			NextRunAt:      now,
			Payload:        payload,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		m.jobs[j.ID] = j
		created++
	}
	return created, nil
}

// Put stores a job row as given, replacing any row with the same ID. Tests
// use it to arrange arbitrary states.
func (m *Store) Put(j models.ScheduledJob) models.ScheduledJob {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j.ID == "" {
		j.ID = uuid.New().String()
	}
	if j.Payload == nil {
		j.Payload = map[string]any{}
	}
	cp := copyJob(&j)
	m.jobs[j.ID] = &cp
	return copyJob(&j)
}

func (m *Store) ClaimDueJobs(_ context.Context, now time.Time, limit int) ([]models.ScheduledJob, error) {
	if limit <= 0 {
		return nil, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	due := m.dueLocked(now)
	if len(due) > limit {
		due = due[:limit]
	}
	out := make([]models.ScheduledJob, 0, len(due))
	for _, j := range due {
		started := now
		j.Status = models.StatusRunning
		j.StartedAt = &started
		j.UpdatedAt = now
		out = append(out, copyJob(j))
	}
	return out, nil
}

func (m *Store) CountDueJobs(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.dueLocked(now)), nil
}

func (m *Store) CompleteJob(_ context.Context, jobID string, o models.JobOutcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID]
	if !ok || j.Status != models.StatusRunning || j.StartedAt == nil || !j.StartedAt.Equal(o.ClaimedAt) {
		return store.ErrClaimLost
	}
	finished := o.FinishedAt
	lastStatus := o.LastStatus
	j.Status = o.Status
	j.NextRunAt = o.NextRunAt
	j.LastRunAt = &finished
	j.LastStatus = &lastStatus
	j.LastError = copyStr(o.LastError)
	j.ConsecutiveFailures = o.ConsecutiveFailures
	j.StartedAt = nil
	j.UpdatedAt = finished
	return nil
}

func (m *Store) ReapDeadJobs(_ context.Context, now time.Time, threshold, grace time.Duration, reason string) (models.ReapResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := now.Add(-threshold)
	var res models.ReapResult
	reaped := map[string]bool{}
	for _, j := range m.jobs {
		if j.Status != models.StatusRunning || j.StartedAt == nil || !j.StartedAt.Before(cutoff) {
			continue
		}
		failed := models.RunFailed
		msg := reason
		j.Status = models.StatusActive
		j.LastStatus = &failed
		j.LastError = &msg
		j.NextRunAt = now.Add(grace)
		j.StartedAt = nil
		j.UpdatedAt = now
		reaped[j.ID] = true
		res.Jobs++
	}
	for _, r := range m.runs {
		if r.Status != models.RunRunning {
			continue
		}
		if !reaped[r.ScheduledJobID] && !r.StartedAt.Before(cutoff) {
			continue
		}
		finished := now
		msg := reason
		r.Status = models.RunFailed
		r.FinishedAt = &finished
		r.Error = &msg
		res.Runs++
	}
	return res, nil
}

func (m *Store) FastTrack(_ context.Context, scope models.Scope, jobTypes []string, prov models.Provenance) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var advanced []string
	for _, jt := range jobTypes {
		j := m.findLocked(scope, jt)
		if j == nil || j.Status != models.StatusActive || !j.NextRunAt.After(prov.TriggeredAt) {
			continue
		}
		p := prov
		j.NextRunAt = prov.TriggeredAt
		j.Cascade = &p
		j.UpdatedAt = prov.TriggeredAt
		advanced = append(advanced, jt)
	}
	sort.Strings(advanced)
	return advanced, nil
}

func (m *Store) ListJobs(_ context.Context, scope models.Scope) ([]models.ScheduledJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []models.ScheduledJob
	for _, j := range m.jobs {
		if j.Scope == scope {
			out = append(out, copyJob(j))
		}
	}
	sort.Slice(out, func(i, k int) bool {
		if !out[i].NextRunAt.Equal(out[k].NextRunAt) {
			return out[i].NextRunAt.Before(out[k].NextRunAt)
		}
		return out[i].JobType < out[k].JobType
	})
	return out, nil
}

func (m *Store) GetJob(_ context.Context, scope models.Scope, jobType string) (models.ScheduledJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j := m.findLocked(scope, jobType)
	if j == nil {
		return models.ScheduledJob{}, errors.Wrapf(store.ErrNotFound, "job %s in %s", jobType, scope)
	}
	return copyJob(j), nil
}

func (m *Store) ResumeJob(_ context.Context, scope models.Scope, jobType string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j := m.findLocked(scope, jobType)
	if j == nil {
		return false, errors.Wrapf(store.ErrNotFound, "job %s in %s", jobType, scope)
	}
	if j.Status != models.StatusSuspended {
		return false, nil
	}
	j.Status = models.StatusActive
	j.ConsecutiveFailures = 0
	j.NextRunAt = now
	j.UpdatedAt = now
	return true, nil
}

func (m *Store) CreateRun(_ context.Context, run models.WorkerRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[run.ScheduledJobID]; !ok {
		return errors.Wrapf(store.ErrNotFound, "scheduled job %s", run.ScheduledJobID)
	}
	run.Status = models.RunRunning
	m.runs[run.ID] = &run
	return nil
}

func (m *Store) FinishRun(_ context.Context, runID string, o models.RunOutcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[runID]
	if !ok || r.Status != models.RunRunning {
		return store.ErrClaimLost
	}
	finished := o.FinishedAt
	r.Status = o.Status
	r.FinishedAt = &finished
	r.Details = copyBag(o.Details)
	r.Error = copyStr(o.Error)
	return nil
}

func (m *Store) ListRuns(_ context.Context, scope models.Scope, jobType string, limit int) ([]models.WorkerRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 {
		limit = 50
	}
	var out []models.WorkerRun
	for _, r := range m.runs {
		if r.Scope == scope && r.JobType == jobType {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].StartedAt.After(out[k].StartedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Run returns a copy of a worker run by ID.
func (m *Store) Run(id string) (models.WorkerRun, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return models.WorkerRun{}, false
	}
	return *r, true
}

func (m *Store) GetSyncState(_ context.Context, scope models.Scope, connector string) (models.ConnectorSyncState, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[stateKey{scope, connector}]
	if !ok {
		return models.ConnectorSyncState{}, false, nil
	}
	cp := *st
	cp.Meta = copyBag(st.Meta)
	return cp, true, nil
}

func (m *Store) SaveSyncState(_ context.Context, st models.ConnectorSyncState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st.Meta = copyBag(st.Meta)
	m.states[stateKey{st.Scope, st.Connector}] = &st
	return nil
}

func (m *Store) CreateConnectorError(_ context.Context, ce models.ConnectorError) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.errs[ce.ID]; exists {
		return errors.Newf("connector error %s already exists", ce.ID)
	}
	ce.Payload = copyBag(ce.Payload)
	m.errs[ce.ID] = &ce
	return nil
}

func (m *Store) ResolveConnectorErrors(_ context.Context, scope models.Scope, connector string, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, ce := range m.errs {
		if ce.Scope == scope && ce.Connector == connector && ce.Status == models.ErrorOpen {
			resolved := now
			ce.Status = models.ErrorResolved
			ce.ResolvedAt = &resolved
			n++
		}
	}
	return n, nil
}

func (m *Store) ResolveConnectorError(_ context.Context, id string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ce, ok := m.errs[id]; ok && ce.Status == models.ErrorOpen {
		resolved := now
		ce.Status = models.ErrorResolved
		ce.ResolvedAt = &resolved
	}
	return nil
}

func (m *Store) RescheduleConnectorError(_ context.Context, id string, attempts int, message string, nextRetryAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ce, ok := m.errs[id]
	if !ok {
		return errors.Wrapf(store.ErrNotFound, "connector error %s", id)
	}
	ce.Attempts = attempts
	ce.ErrorMessage = message
	ce.NextRetryAt = nextRetryAt
	return nil
}

func (m *Store) ListDueConnectorErrors(_ context.Context, now time.Time, scope *models.Scope, limit int) ([]models.ConnectorError, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.ConnectorError
	for _, ce := range m.errs {
		if scope != nil && ce.Scope != *scope {
			continue
		}
		if ce.Status == models.ErrorOpen && !ce.NextRetryAt.After(now) {
			out = append(out, *ce)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].NextRetryAt.Before(out[k].NextRetryAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Store) ListConnectorErrors(_ context.Context, scope models.Scope, status string, limit int) ([]models.ConnectorError, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 {
		limit = 100
	}
	var out []models.ConnectorError
	for _, ce := range m.errs {
		if ce.Scope == scope && (status == "" || ce.Status == status) {
			out = append(out, *ce)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.After(out[k].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// RefreshMaterializedView records the refresh request.
func (m *Store) RefreshMaterializedView(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refreshed = append(m.refreshed, name)
	return nil
}

// Refreshed lists the views refreshed so far, in call order.
func (m *Store) Refreshed() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.refreshed...)
}

func (m *Store) findLocked(scope models.Scope, jobType string) *models.ScheduledJob {
	for _, j := range m.jobs {
		if j.Scope == scope && j.JobType == jobType {
			return j
		}
	}
	return nil
}

func (m *Store) dueLocked(now time.Time) []*models.ScheduledJob {
	var due []*models.ScheduledJob
	for _, j := range m.jobs {
		if j.Status == models.StatusActive && !j.NextRunAt.After(now) {
			due = append(due, j)
		}
	}
	sort.Slice(due, func(i, k int) bool { return due[i].NextRunAt.Before(due[k].NextRunAt) })
	return due
}

func copyJob(j *models.ScheduledJob) models.ScheduledJob {
	cp := *j
	cp.Payload = copyBag(j.Payload)
	if j.Cascade != nil {
		p := *j.Cascade
		cp.Cascade = &p
	}
	cp.StartedAt = copyTime(j.StartedAt)
	cp.LastRunAt = copyTime(j.LastRunAt)
	cp.LastStatus = copyStr(j.LastStatus)
	cp.LastError = copyStr(j.LastError)
	return cp
}

func copyBag(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func copyStr(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

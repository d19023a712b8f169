// Package connector wraps pulls from external systems with a per-connector
// state machine (idle -> running -> success|failure), a structured error
// registry and an independent retry path for registered errors.
package connector

import (
	"context"
	"slices"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"distributed-job-scheduler/internal/backoff"
	"distributed-job-scheduler/internal/config"
	"distributed-job-scheduler/internal/models"
	"distributed-job-scheduler/internal/scheduler"
)

var (
	// ErrMCPNotConfigured is returned for a connector in mcp mode when no tool invoker is wired.
	ErrMCPNotConfigured = errors.New("mcp invoker not configured")
	// ErrUnknownConnector is returned for a connector name that is not configured.
	ErrUnknownConnector = errors.New("unknown connector")
)

// Store persists connector sync state and the error registry.
type Store interface {
	GetSyncState(ctx context.Context, scope models.Scope, connector string) (models.ConnectorSyncState, bool, error)
	SaveSyncState(ctx context.Context, st models.ConnectorSyncState) error
	CreateConnectorError(ctx context.Context, ce models.ConnectorError) error
	ResolveConnectorErrors(ctx context.Context, scope models.Scope, connector string, now time.Time) (int, error)
	ResolveConnectorError(ctx context.Context, id string, now time.Time) error
	RescheduleConnectorError(ctx context.Context, id string, attempts int, message string, nextRetryAt time.Time) error
	ListDueConnectorErrors(ctx context.Context, now time.Time, scope *models.Scope, limit int) ([]models.ConnectorError, error)
	ListConnectorErrors(ctx context.Context, scope models.Scope, status string, limit int) ([]models.ConnectorError, error)
}

// PullRequest is handed to a Runner for one sync.
type PullRequest struct {
	Store     Store
	Connector string
	Scope     models.Scope
	Cursor    models.Cursor
	Logger    *zap.SugaredLogger
}

// PullResult is what a connector pull reports back.
type PullResult struct {
	// CursorTS advances the stored timestamp. An older value is ignored
	// together with its CursorID.
	CursorTS *time.Time `json:"cursor_ts,omitempty"`
	// CursorID is opaque. It replaces the stored id as is, without any
	// ordering check, unless CursorTS is older than the stored timestamp.
	CursorID   *string        `json:"cursor_id,omitempty"`
	PageCursor *string        `json:"page_cursor,omitempty"`
	Coverage   map[string]any `json:"coverage,omitempty"`
	Records    int            `json:"records"`
	Linkable   []string       `json:"linkable,omitempty"`
	Mode       string         `json:"mode,omitempty"`
}

// Runner performs the connector-specific pull.
type Runner interface {
	Pull(ctx context.Context, req PullRequest) (PullResult, error)
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, req PullRequest) (PullResult, error)

func (f RunnerFunc) Pull(ctx context.Context, req PullRequest) (PullResult, error) { return f(ctx, req) }

// SyncResult summarises a successful sync.
type SyncResult struct {
	Connector      string        `json:"connector"`
	Scope          models.Scope  `json:"scope"`
	Mode           string        `json:"mode"`
	Cursor         models.Cursor `json:"cursor"`
	Records        int           `json:"records"`
	ResolvedErrors int           `json:"resolved_errors"`
	Warnings       []string      `json:"warnings,omitempty"`
}

// Details flattens the result for a worker run record.
func (r SyncResult) Details() map[string]any {
	d := map[string]any{
		"connector":       r.Connector,
		"mode":            r.Mode,
		"records":         r.Records,
		"resolved_errors": r.ResolvedErrors,
	}
	if r.Cursor.TS != nil {
		d["cursor_ts"] = r.Cursor.TS.Format(time.RFC3339Nano)
	}
	if r.Cursor.ID != nil {
		d["cursor_id"] = *r.Cursor.ID
	}
	if len(r.Warnings) > 0 {
		d["warnings"] = r.Warnings
	}
	return d
}

// SyncMetrics receives one sample per finished sync.
type SyncMetrics interface {
	ObserveConnectorSync(connector, status string)
}

type Option func(*Orchestrator)

// WithHTTPRunner replaces the runner for connectors in http mode.
func WithHTTPRunner(r Runner) Option { return func(o *Orchestrator) { o.httpRunner = r } }

// WithMCPRunner enables mcp mode.
func WithMCPRunner(r Runner) Option { return func(o *Orchestrator) { o.mcpRunner = r } }

// WithRunner overrides dispatch for one connector regardless of mode.
func WithRunner(connector string, r Runner) Option {
	return func(o *Orchestrator) { o.overrides[connector] = r }
}

func WithSideEffects(effects ...SideEffect) Option {
	return func(o *Orchestrator) { o.effects = append(o.effects, effects...) }
}

func WithClock(now func() time.Time) Option { return func(o *Orchestrator) { o.clock = now } }

func WithJitter(j func() float64) Option { return func(o *Orchestrator) { o.backoff.Jitter = j } }

func WithMetrics(m SyncMetrics) Option { return func(o *Orchestrator) { o.metrics = m } }

// Orchestrator runs connector syncs. State and error rows are written
// last-writer-wins; two workers syncing the same scope and connector at
// once may overwrite each other's cursor.
type Orchestrator struct {
	cfg        config.Config
	store      Store
	connectors []string
	httpRunner Runner
	mcpRunner  Runner
	overrides  map[string]Runner
	effects    []SideEffect
	backoff    backoff.Exponential
	clock      func() time.Time
	metrics    SyncMetrics
	log        *zap.SugaredLogger
}

func New(cfg config.Config, st Store, log *zap.SugaredLogger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		cfg:        cfg,
		store:      st,
		connectors: append([]string(nil), cfg.Connectors...),
		overrides:  make(map[string]Runner),
		backoff:    backoff.New(cfg.ConnectorRetryBase, cfg.ConnectorRetryCap),
		clock:      time.Now,
		log:        log.Named("connector"),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.httpRunner == nil {
		o.httpRunner = NewHTTPRunner(nil, cfg.ConnectorURL)
	}
	return o
}

func (o *Orchestrator) now() time.Time { return o.clock().UTC() }

// Connectors lists the configured connector names.
func (o *Orchestrator) Connectors() []string { return append([]string(nil), o.connectors...) }

// Sync runs one pull for connector in scope. A failure is registered as a
// new open ConnectorError and returned to the caller.
func (o *Orchestrator) Sync(ctx context.Context, scope models.Scope, connector string) (SyncResult, error) {
	return o.run(ctx, scope, connector, nil)
}

// run executes a sync. When retrying is set the failure path reschedules that
// error row instead of registering a new one.
func (o *Orchestrator) run(ctx context.Context, scope models.Scope, connector string, retrying *models.ConnectorError) (SyncResult, error) {
	if !slices.Contains(o.connectors, connector) {
		return SyncResult{}, errors.Wrapf(ErrUnknownConnector, "%q", connector)
	}
	log := o.log.With("connector", connector, "scope", scope.String())

	state, found, err := o.store.GetSyncState(ctx, scope, connector)
	if err != nil {
		return SyncResult{}, errors.Wrap(err, "load sync state")
	}
	if !found {
		state = models.ConnectorSyncState{Scope: scope, Connector: connector, Status: models.SyncIdle}
	}
	mode := o.cfg.ConnectorMode(connector)
	started := o.now()
	state.Mode = mode
	state.Status = models.SyncRunning
	state.LastAttemptAt = &started
	state.UpdatedAt = started
	if err := o.store.SaveSyncState(ctx, state); err != nil {
		return SyncResult{}, errors.Wrap(err, "mark sync running")
	}

	res, pullErr := o.pull(ctx, PullRequest{
		Store:     o.store,
		Connector: connector,
		Scope:     scope,
		Cursor:    state.Cursor,
		Logger:    log,
	}, mode)
	if pullErr != nil {
		o.fail(ctx, state, pullErr, retrying, log)
		o.observe(connector, models.SyncFailure)
		return SyncResult{}, pullErr
	}
	out, err := o.succeed(ctx, state, res, log)
	o.observe(connector, models.SyncSuccess)
	return out, err
}

func (o *Orchestrator) pull(ctx context.Context, req PullRequest, mode string) (res PullResult, err error) {
	runner, ok := o.overrides[req.Connector]
	if !ok {
		switch mode {
		case models.ModeMCP:
			if o.mcpRunner == nil {
				return PullResult{}, errors.Wrapf(ErrMCPNotConfigured, "connector %s is in mcp mode", req.Connector)
			}
			runner = o.mcpRunner
		case models.ModeHTTP, "":
			runner = o.httpRunner
		default:
			return PullResult{}, errors.Newf("connector %s has unknown mode %q", req.Connector, mode)
		}
	}
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf("connector %s runner panic: %v", req.Connector, r)
		}
	}()
	return runner.Pull(ctx, req)
}

func (o *Orchestrator) succeed(ctx context.Context, state models.ConnectorSyncState, res PullResult, log *zap.SugaredLogger) (SyncResult, error) {
	now := o.now()
	state.Cursor = mergeCursor(state.Cursor, res)
	state.Status = models.SyncSuccess
	state.LastSuccessAt = &now
	state.RetryCount = 0
	state.LastError = nil
	state.UpdatedAt = now
	if state.Meta == nil {
		state.Meta = map[string]any{}
	}
	state.Meta["records"] = res.Records
	if res.Coverage != nil {
		state.Meta["coverage"] = res.Coverage
	}
	if err := o.store.SaveSyncState(ctx, state); err != nil {
		return SyncResult{}, errors.Wrap(err, "save sync state")
	}

	resolved, err := o.store.ResolveConnectorErrors(ctx, state.Scope, state.Connector, now)
	if err != nil {
		log.Warnw("resolve connector errors", "error", err)
	}

	out := SyncResult{
		Connector:      state.Connector,
		Scope:          state.Scope,
		Mode:           state.Mode,
		Cursor:         state.Cursor,
		Records:        res.Records,
		ResolvedErrors: resolved,
	}
	res.Mode = state.Mode
	ev := SyncEvent{Scope: state.Scope, Connector: state.Connector, Result: res, Logger: log}
	for _, fx := range o.effects {
		if err := fx.Apply(ctx, ev); err != nil {
			log.Warnw("post-sync side effect failed", "effect", fx.Name(), "error", err)
			out.Warnings = append(out.Warnings, fx.Name()+": "+err.Error())
		}
	}
	log.Infow("connector sync succeeded", "records", res.Records, "resolved_errors", resolved, "mode", state.Mode)
	return out, nil
}

func (o *Orchestrator) fail(ctx context.Context, state models.ConnectorSyncState, cause error, retrying *models.ConnectorError, log *zap.SugaredLogger) {
	now := o.now()
	msg := scheduler.TruncateError(cause.Error())
	state.Status = models.SyncFailure
	state.RetryCount++
	state.LastError = &msg
	state.UpdatedAt = now
	if err := o.store.SaveSyncState(ctx, state); err != nil {
		log.Errorw("save failed sync state", "error", err)
	}

	if retrying != nil {
		o.reschedule(ctx, *retrying, cause, log)
		return
	}

	ce := models.ConnectorError{
		ID:           uuid.New().String(),
		Scope:        state.Scope,
		Connector:    state.Connector,
		Mode:         state.Mode,
		Operation:    "sync",
		SourceRef:    SourceRefOf(cause),
		ErrorKind:    models.ErrorKindSyncFailed,
		ErrorMessage: msg,
		Attempts:     1,
		NextRetryAt:  now.Add(o.backoff.DelayFor(1, cause)),
		Status:       models.ErrorOpen,
		Payload:      cursorPayload(state.Cursor),
		CreatedAt:    now,
	}
	if err := o.store.CreateConnectorError(ctx, ce); err != nil {
		log.Errorw("register connector error", "error", err)
	}
	log.Warnw("connector sync failed", "error_id", ce.ID, "next_retry_at", ce.NextRetryAt, "error", msg)
}

// reschedule bumps the attempt count of a retried error and pushes its
// retry time out by the connector backoff. The row stays open.
func (o *Orchestrator) reschedule(ctx context.Context, ce models.ConnectorError, cause error, log *zap.SugaredLogger) {
	attempts := ce.Attempts + 1
	msg := scheduler.TruncateError(cause.Error())
	next := o.now().Add(o.backoff.DelayFor(attempts, cause))
	if err := o.store.RescheduleConnectorError(ctx, ce.ID, attempts, msg, next); err != nil {
		log.Errorw("reschedule connector error", "error_id", ce.ID, "error", err)
		return
	}
	log.Warnw("connector retry failed", "error_id", ce.ID, "attempts", attempts, "next_retry_at", next, "error", msg)
}

func (o *Orchestrator) observe(connector, status string) {
	if o.metrics != nil {
		o.metrics.ObserveConnectorSync(connector, status)
	}
}

// State returns the stored sync state for connector in scope.
func (o *Orchestrator) State(ctx context.Context, scope models.Scope, connector string) (models.ConnectorSyncState, bool, error) {
	return o.store.GetSyncState(ctx, scope, connector)
}

type sourceRefError struct {
	err error
	ref string
}

func (e *sourceRefError) Error() string { return e.err.Error() }
func (e *sourceRefError) Unwrap() error { return e.err }

// WithSourceRef tags err with the external record that caused it. The
// reference is stored on the registered ConnectorError.
func WithSourceRef(err error, ref string) error {
	if err == nil {
		return nil
	}
	return &sourceRefError{err: err, ref: ref}
}

// SourceRefOf returns the reference attached by WithSourceRef, if any.
func SourceRefOf(err error) *string {
	var se *sourceRefError
	if errors.As(err, &se) {
		ref := se.ref
		return &ref
	}
	return nil
}

func cursorPayload(c models.Cursor) map[string]any {
	p := map[string]any{}
	if c.TS != nil {
		p["cursor_ts"] = c.TS.Format(time.RFC3339Nano)
	}
	if c.ID != nil {
		p["cursor_id"] = *c.ID
	}
	if c.PageCursor != nil {
		p["page_cursor"] = *c.PageCursor
	}
	return p
}

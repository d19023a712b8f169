package connector

import (
	"context"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"distributed-job-scheduler/internal/models"
)

// SyncEvent describes a successful sync to post-success side effects.
type SyncEvent struct {
	Scope     models.Scope
	Connector string
	Result    PullResult
	Logger    *zap.SugaredLogger
}

// SideEffect runs after a successful sync. A returned error is logged as a
// warning and never fails the sync.
type SideEffect interface {
	Name() string
	Apply(ctx context.Context, ev SyncEvent) error
}

// ViewRefresher refreshes a materialized view by name.
type ViewRefresher interface {
	RefreshMaterializedView(ctx context.Context, name string) error
}

// MaterializedViewRefresh refreshes reporting views after each sync.
type MaterializedViewRefresh struct {
	Refresher ViewRefresher
	Views     []string
}

func (MaterializedViewRefresh) Name() string { return "materialized_view_refresh" }

func (m MaterializedViewRefresh) Apply(ctx context.Context, ev SyncEvent) error {
	var errs error
	for _, v := range m.Views {
		if err := m.Refresher.RefreshMaterializedView(ctx, v); err != nil {
			errs = errors.CombineErrors(errs, err)
		}
	}
	return errs
}

// CompletenessCheck reconciles reported coverage against a minimum
// completeness percentage.
type CompletenessCheck struct {
	MinPct float64
}

func (CompletenessCheck) Name() string { return "completeness_check" }

func (c CompletenessCheck) Apply(_ context.Context, ev SyncEvent) error {
	raw, ok := ev.Result.Coverage["completeness_pct"]
	if !ok {
		return nil
	}
	pct, ok := toFloat(raw)
	if !ok {
		return errors.Newf("coverage.completeness_pct is %T, want a number", raw)
	}
	if pct < c.MinPct {
		return errors.Newf("completeness %.1f%% below minimum %.1f%%", pct, c.MinPct)
	}
	return nil
}

// LinkablePreview reports records that became linkable to other entities.
type LinkablePreview struct {
	// Hook receives the linkable record ids. Nil only logs the count.
	Hook func(ctx context.Context, scope models.Scope, connector string, ids []string) error
}

func (LinkablePreview) Name() string { return "linkable_preview" }

func (l LinkablePreview) Apply(ctx context.Context, ev SyncEvent) error {
	if len(ev.Result.Linkable) == 0 {
		return nil
	}
	if ev.Logger != nil {
		ev.Logger.Infow("newly linkable records", "count", len(ev.Result.Linkable))
	}
	if l.Hook == nil {
		return nil
	}
	return l.Hook(ctx, ev.Scope, ev.Connector, ev.Result.Linkable)
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	default:
		return 0, false
	}
}

package connector

import (
	"context"

	"github.com/cockroachdb/errors"
	"golang.org/x/time/rate"

	"distributed-job-scheduler/internal/models"
)

// RetryItem reports one retried ConnectorError.
type RetryItem struct {
	ErrorID   string       `json:"error_id"`
	Scope     models.Scope `json:"scope"`
	Connector string       `json:"connector"`
	Status    string       `json:"status"`
	Attempts  int          `json:"attempts"`
	Error     string       `json:"error,omitempty"`
}

// RetrySummary is the result of one RetryDue batch.
type RetrySummary struct {
	Due       int         `json:"due"`
	Succeeded int         `json:"succeeded"`
	Failed    int         `json:"failed"`
	Items     []RetryItem `json:"items"`
}

// ErrorRegistry retries open connector errors whose retry time has passed.
type ErrorRegistry struct {
	orch    *Orchestrator
	limiter *rate.Limiter
}

// NewErrorRegistry paces retries at perSecond syncs per second. A
// non-positive rate disables pacing.
func NewErrorRegistry(orch *Orchestrator, perSecond float64) *ErrorRegistry {
	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}
	return &ErrorRegistry{orch: orch, limiter: rate.NewLimiter(limit, 1)}
}

// List returns connector errors in scope, newest first. An empty status
// matches every status.
func (r *ErrorRegistry) List(ctx context.Context, scope models.Scope, status string, limit int) ([]models.ConnectorError, error) {
	return r.orch.store.ListConnectorErrors(ctx, scope, status, limit)
}

// RetryDue re-runs the sync behind up to limit due errors, restricted to
// scope when it is non-nil. Items are
// isolated: a failed retry is rescheduled and the batch continues. Once a
// (scope, connector) pair succeeds, later due items for the same pair are
// already resolved by that sync and are not retried again.
func (r *ErrorRegistry) RetryDue(ctx context.Context, scope *models.Scope, limit int) (RetrySummary, error) {
	o := r.orch
	due, err := o.store.ListDueConnectorErrors(ctx, o.now(), scope, limit)
	if err != nil {
		return RetrySummary{}, errors.Wrap(err, "list due connector errors")
	}
	summary := RetrySummary{Due: len(due), Items: make([]RetryItem, 0, len(due))}

	type pair struct {
		scope     models.Scope
		connector string
	}
	synced := make(map[pair]bool)

	for _, ce := range due {
		item := RetryItem{ErrorID: ce.ID, Scope: ce.Scope, Connector: ce.Connector, Attempts: ce.Attempts}
		key := pair{ce.Scope, ce.Connector}
		if synced[key] {
			item.Status = models.ErrorResolved
			summary.Succeeded++
			summary.Items = append(summary.Items, item)
			continue
		}
		if err := r.limiter.Wait(ctx); err != nil {
			return summary, errors.Wrap(err, "wait for retry slot")
		}

		if _, err := o.run(ctx, ce.Scope, ce.Connector, &ce); err != nil {
			item.Status = models.ErrorOpen
			item.Attempts = ce.Attempts + 1
			item.Error = err.Error()
			summary.Failed++
			if errors.Is(err, ErrUnknownConnector) {
				// run returns before the failure path for unknown connectors.
				o.reschedule(ctx, ce, err, o.log.With("connector", ce.Connector))
			}
		} else {
			if err := o.store.ResolveConnectorError(ctx, ce.ID, o.now()); err != nil {
				o.log.Warnw("resolve retried connector error", "error_id", ce.ID, "error", err)
			}
			item.Status = models.ErrorResolved
			summary.Succeeded++
			synced[key] = true
		}
		summary.Items = append(summary.Items, item)
	}
	if summary.Due > 0 {
		o.log.Infow("connector error retry batch", "due", summary.Due, "succeeded", summary.Succeeded, "failed", summary.Failed)
	}
	return summary, nil
}

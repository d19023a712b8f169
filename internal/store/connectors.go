package store

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"distributed-job-scheduler/internal/models"
)

// GetSyncState returns the sync state of a connector in scope. The boolean
// is false when the connector has never run.
func (s *Store) GetSyncState(ctx context.Context, scope models.Scope, connector string) (models.ConnectorSyncState, bool, error) {
	var (
		st                                 models.ConnectorSyncState
		cursorTS, lastSuccess, lastAttempt pgtype.Timestamptz
		cursorID, pageCursor, lastErr      pgtype.Text
		meta                               []byte
	)
	err := s.pool.QueryRow(ctx, `
		SELECT org_id, project_id, connector, mode, status, cursor_ts, cursor_id, page_cursor,
			last_success_at, last_attempt_at, retry_count, last_error, meta, updated_at
		FROM connector_sync_state
		WHERE org_id = $1 AND project_id = $2 AND connector = $3
	`, scope.OrgID, scope.ProjectID, connector).Scan(&st.Scope.OrgID, &st.Scope.ProjectID, &st.Connector, &st.Mode,
		&st.Status, &cursorTS, &cursorID, &pageCursor, &lastSuccess, &lastAttempt, &st.RetryCount, &lastErr, &meta, &st.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ConnectorSyncState{}, false, nil
	}
	if err != nil {
		return models.ConnectorSyncState{}, false, errors.Wrap(err, "query sync state")
	}
	bag, err := unmarshalBag(meta)
	if err != nil {
		return models.ConnectorSyncState{}, false, err
	}
	st.Meta = bag
	st.Cursor = models.Cursor{TS: timePtr(cursorTS), ID: textPtr(cursorID), PageCursor: textPtr(pageCursor)}
	st.LastSuccessAt = timePtr(lastSuccess)
	st.LastAttemptAt = timePtr(lastAttempt)
	st.LastError = textPtr(lastErr)
	return st, true, nil
}

// SaveSyncState upserts the sync state row. Concurrent writers on the same
// (scope, connector) race with last-writer-wins semantics.
func (s *Store) SaveSyncState(ctx context.Context, st models.ConnectorSyncState) error {
	meta, err := marshalBag(st.Meta)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO connector_sync_state (org_id, project_id, connector, mode, status, cursor_ts, cursor_id, page_cursor,
			last_success_at, last_attempt_at, retry_count, last_error, meta, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (org_id, project_id, connector) DO UPDATE SET
			mode = EXCLUDED.mode, status = EXCLUDED.status, cursor_ts = EXCLUDED.cursor_ts,
			cursor_id = EXCLUDED.cursor_id, page_cursor = EXCLUDED.page_cursor,
			last_success_at = EXCLUDED.last_success_at, last_attempt_at = EXCLUDED.last_attempt_at,
			retry_count = EXCLUDED.retry_count, last_error = EXCLUDED.last_error, meta = EXCLUDED.meta,
			updated_at = EXCLUDED.updated_at
	`, st.Scope.OrgID, st.Scope.ProjectID, st.Connector, st.Mode, st.Status, st.Cursor.TS, st.Cursor.ID,
		st.Cursor.PageCursor, st.LastSuccessAt, st.LastAttemptAt, st.RetryCount, st.LastError, meta, st.UpdatedAt)
	if err != nil {
		return errors.Wrap(err, "upsert sync state")
	}
	return nil
}

// CreateConnectorError registers a new open sync failure.
func (s *Store) CreateConnectorError(ctx context.Context, ce models.ConnectorError) error {
	payload, err := marshalBag(ce.Payload)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO connector_errors (id, org_id, project_id, connector, mode, operation, source_ref, error_kind,
			error_message, attempts, next_retry_at, status, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, ce.ID, ce.Scope.OrgID, ce.Scope.ProjectID, ce.Connector, ce.Mode, ce.Operation, ce.SourceRef, ce.ErrorKind,
		ce.ErrorMessage, ce.Attempts, ce.NextRetryAt, ce.Status, payload, ce.CreatedAt)
	if err != nil {
		return errors.Wrap(err, "insert connector error")
	}
	return nil
}

// ResolveConnectorErrors resolves every open error of a connector in scope.
func (s *Store) ResolveConnectorErrors(ctx context.Context, scope models.Scope, connector string, now time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE connector_errors SET status = $4, resolved_at = $5
		WHERE org_id = $1 AND project_id = $2 AND connector = $3 AND status = $6
	`, scope.OrgID, scope.ProjectID, connector, models.ErrorResolved, now, models.ErrorOpen)
	if err != nil {
		return 0, errors.Wrap(err, "resolve connector errors")
	}
	return int(tag.RowsAffected()), nil
}

// ResolveConnectorError resolves a single error row.
func (s *Store) ResolveConnectorError(ctx context.Context, id string, now time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE connector_errors SET status = $2, resolved_at = $3 WHERE id = $1 AND status = $4
	`, id, models.ErrorResolved, now, models.ErrorOpen)
	if err != nil {
		return errors.Wrap(err, "resolve connector error")
	}
	return nil
}

// RescheduleConnectorError records a failed retry and keeps the row open.
func (s *Store) RescheduleConnectorError(ctx context.Context, id string, attempts int, message string, nextRetryAt time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE connector_errors SET attempts = $2, error_message = $3, next_retry_at = $4
		WHERE id = $1
	`, id, attempts, message, nextRetryAt)
	if err != nil {
		return errors.Wrap(err, "reschedule connector error")
	}
	if tag.RowsAffected() == 0 {
		return errors.Wrapf(ErrNotFound, "connector error %s", id)
	}
	return nil
}

// ListDueConnectorErrors returns open errors whose retry time has passed,
// oldest first. A nil scope matches every scope.
func (s *Store) ListDueConnectorErrors(ctx context.Context, now time.Time, scope *models.Scope, limit int) ([]models.ConnectorError, error) {
	if limit <= 0 {
		limit = 100
	}
	var org, project string
	if scope != nil {
		org, project = scope.OrgID, scope.ProjectID
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+connectorErrorColumns+` FROM connector_errors
		WHERE status = $1 AND next_retry_at <= $2
			AND ($3 = '' OR (org_id = $3 AND project_id = $4))
		ORDER BY next_retry_at ASC
		LIMIT $5
	`, models.ErrorOpen, now, org, project, limit)
	if err != nil {
		return nil, errors.Wrap(err, "list due connector errors")
	}
	defer rows.Close()
	return collectConnectorErrors(rows)
}

// ListConnectorErrors returns errors in scope, optionally filtered by status.
func (s *Store) ListConnectorErrors(ctx context.Context, scope models.Scope, status string, limit int) ([]models.ConnectorError, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+connectorErrorColumns+` FROM connector_errors
		WHERE org_id = $1 AND project_id = $2 AND ($3 = '' OR status = $3)
		ORDER BY created_at DESC
		LIMIT $4
	`, scope.OrgID, scope.ProjectID, status, limit)
	if err != nil {
		return nil, errors.Wrap(err, "list connector errors")
	}
	defer rows.Close()
	return collectConnectorErrors(rows)
}

const connectorErrorColumns = `id, org_id, project_id, connector, mode, operation, source_ref, error_kind,
	error_message, attempts, next_retry_at, status, payload, created_at, resolved_at`

func collectConnectorErrors(rows pgx.Rows) ([]models.ConnectorError, error) {
	var out []models.ConnectorError
	for rows.Next() {
		var (
			ce        models.ConnectorError
			sourceRef pgtype.Text
			payload   []byte
			resolved  pgtype.Timestamptz
		)
		if err := rows.Scan(&ce.ID, &ce.Scope.OrgID, &ce.Scope.ProjectID, &ce.Connector, &ce.Mode, &ce.Operation,
			&sourceRef, &ce.ErrorKind, &ce.ErrorMessage, &ce.Attempts, &ce.NextRetryAt, &ce.Status, &payload,
			&ce.CreatedAt, &resolved); err != nil {
			return nil, errors.Wrap(err, "scan connector error")
		}
		bag, err := unmarshalBag(payload)
		if err != nil {
			return nil, err
		}
		ce.Payload = bag
		ce.SourceRef = textPtr(sourceRef)
		ce.ResolvedAt = timePtr(resolved)
		out = append(out, ce)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate connector errors")
	}
	return out, nil
}

package connector

import "distributed-job-scheduler/internal/models"

// mergeCursor folds a pull result into the stored cursor. The timestamp is
// the only ordered field and never moves backwards. The id is opaque and is
// never compared: a reported id replaces the stored one unless it came with
// a timestamp older than the stored timestamp. The page cursor is replaced
// whenever the pull reports one.
func mergeCursor(prev models.Cursor, res PullResult) models.Cursor {
	next := prev
	if res.CursorTS != nil && prev.TS != nil && res.CursorTS.Before(*prev.TS) {
		return withPage(next, res)
	}
	if res.CursorTS != nil {
		ts := res.CursorTS.UTC()
		next.TS = &ts
	}
	if res.CursorID != nil {
		next.ID = copyString(res.CursorID)
	} else if res.CursorTS != nil && (prev.TS == nil || res.CursorTS.After(*prev.TS)) {
		// An id belongs to the timestamp it was reported against.
		next.ID = nil
	}
	return withPage(next, res)
}

func withPage(c models.Cursor, res PullResult) models.Cursor {
	if res.PageCursor != nil {
		c.PageCursor = copyString(res.PageCursor)
	}
	return c
}

func copyString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

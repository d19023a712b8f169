package connector

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"

	"distributed-job-scheduler/internal/backoff"
	"distributed-job-scheduler/internal/config"
	"distributed-job-scheduler/internal/models"
)

const defaultRetryAfter = time.Minute

// HTTPRunner pulls directly from a connector endpoint with a GET carrying
// the cursor and scope as query parameters. The response body is a JSON
// PullResult.
type HTTPRunner struct {
	client *http.Client
	urlFor func(connector string) string
}

// NewHTTPRunner uses client (or a 30s-timeout default) and resolves the
// endpoint per connector with urlFor.
func NewHTTPRunner(client *http.Client, urlFor func(connector string) string) *HTTPRunner {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPRunner{client: client, urlFor: urlFor}
}

func (h *HTTPRunner) Pull(ctx context.Context, req PullRequest) (PullResult, error) {
	endpoint := ""
	if h.urlFor != nil {
		endpoint = h.urlFor(req.Connector)
	}
	if endpoint == "" {
		return PullResult{}, errors.Newf("no endpoint for connector %s (set CONNECTOR_%s_URL)", req.Connector, config.EnvKey(req.Connector))
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return PullResult{}, errors.Wrapf(err, "parse endpoint for connector %s", req.Connector)
	}
	u.RawQuery = pullQuery(u.Query(), req.Scope, req.Cursor).Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return PullResult{}, errors.Wrap(err, "build pull request")
	}
	httpReq.Header.Set("Accept", "application/json")
	resp, err := h.client.Do(httpReq)
	if err != nil {
		return PullResult{}, errors.Wrapf(err, "pull %s", req.Connector)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		wait := parseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
		return PullResult{}, backoff.RetryAfter(errors.Newf("connector %s rate limited (retry after %s)", req.Connector, wait), wait)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return PullResult{}, errors.Newf("connector %s returned %d: %s", req.Connector, resp.StatusCode, string(body))
	}

	var res PullResult
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return PullResult{}, errors.Wrapf(err, "decode %s pull result", req.Connector)
	}
	res.Mode = models.ModeHTTP
	return res, nil
}

func pullQuery(q url.Values, scope models.Scope, c models.Cursor) url.Values {
	q.Set("org_id", scope.OrgID)
	q.Set("project_id", scope.ProjectID)
	if c.TS != nil {
		q.Set("cursor_ts", c.TS.UTC().Format(time.RFC3339Nano))
	}
	if c.ID != nil {
		q.Set("cursor_id", *c.ID)
	}
	if c.PageCursor != nil {
		q.Set("page_cursor", *c.PageCursor)
	}
	return q
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	if v == "" {
		return defaultRetryAfter
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
		return 0
	}
	return defaultRetryAfter
}

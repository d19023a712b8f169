package connector

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"distributed-job-scheduler/internal/models"
)

// ToolInvoker calls a named tool and returns its JSON result.
type ToolInvoker interface {
	CallTool(ctx context.Context, name string, args map[string]any) (json.RawMessage, error)
}

// MCPRunner pulls indirectly by calling the "<connector>_sync" tool.
type MCPRunner struct {
	invoker ToolInvoker
}

func NewMCPRunner(invoker ToolInvoker) *MCPRunner {
	return &MCPRunner{invoker: invoker}
}

// ToolName is the tool invoked for a connector.
func ToolName(connector string) string {
	return strings.ToLower(connector) + "_sync"
}

func (m *MCPRunner) Pull(ctx context.Context, req PullRequest) (PullResult, error) {
	if m.invoker == nil {
		return PullResult{}, ErrMCPNotConfigured
	}
	args := map[string]any{
		"org_id":     req.Scope.OrgID,
		"project_id": req.Scope.ProjectID,
	}
	if req.Cursor.TS != nil {
		args["cursor_ts"] = req.Cursor.TS.UTC().Format(time.RFC3339Nano)
	}
	if req.Cursor.ID != nil {
		args["cursor_id"] = *req.Cursor.ID
	}
	if req.Cursor.PageCursor != nil {
		args["page_cursor"] = *req.Cursor.PageCursor
	}

	raw, err := m.invoker.CallTool(ctx, ToolName(req.Connector), args)
	if err != nil {
		return PullResult{}, errors.Wrapf(err, "call %s", ToolName(req.Connector))
	}
	var res PullResult
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &res); err != nil {
			return PullResult{}, errors.Wrapf(err, "decode %s result", ToolName(req.Connector))
		}
	}
	res.Mode = models.ModeMCP
	return res, nil
}

// MCPInvoker is a ToolInvoker over an MCP server reached with the
// streamable HTTP transport. The session is started and initialised on the
// first call.
type MCPInvoker struct {
	serverURL string

	mu     sync.Mutex
	client *client.Client
}

func NewMCPInvoker(serverURL string) *MCPInvoker {
	return &MCPInvoker{serverURL: serverURL}
}

func (m *MCPInvoker) CallTool(ctx context.Context, name string, args map[string]any) (json.RawMessage, error) {
	c, err := m.session(ctx)
	if err != nil {
		return nil, err
	}
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	res, err := c.CallTool(ctx, req)
	if err != nil {
		m.reset()
		return nil, errors.Wrapf(err, "mcp call %s", name)
	}

	text := firstText(res.Content)
	if res.IsError {
		if text == "" {
			text = "tool reported an error"
		}
		return nil, errors.Newf("mcp tool %s: %s", name, text)
	}
	if text == "" {
		return nil, nil
	}
	return json.RawMessage(text), nil
}

// Close ends the MCP session, if one was opened.
func (m *MCPInvoker) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.client == nil {
		return nil
	}
	err := m.client.Close()
	m.client = nil
	return err
}

func (m *MCPInvoker) session(ctx context.Context) (*client.Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.client != nil {
		return m.client, nil
	}
	c, err := client.NewStreamableHttpClient(m.serverURL)
	if err != nil {
		return nil, errors.Wrap(err, "create mcp client")
	}
	if err := c.Start(ctx); err != nil {
		_ = c.Close()
		return nil, errors.Wrap(err, "start mcp client")
	}
	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{Name: "job-scheduler", Version: "1.0.0"}
	if _, err := c.Initialize(ctx, initReq); err != nil {
		_ = c.Close()
		return nil, errors.Wrap(err, "initialize mcp session")
	}
	m.client = c
	return c, nil
}

func (m *MCPInvoker) reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.client != nil {
		_ = m.client.Close()
		m.client = nil
	}
}

func firstText(content []mcp.Content) string {
	for _, c := range content {
		if tc, ok := mcp.AsTextContent(c); ok {
			return tc.Text
		}
	}
	return ""
}

package connector

import (
	"context"
	"fmt"
	"net/http/httptest"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"distributed-job-scheduler/internal/models"
)

func newToolServer(t *testing.T) *httptest.Server {
	t.Helper()
	s := server.NewMCPServer("connectors", "1.0.0", server.WithToolCapabilities(true))
	s.AddTool(mcp.NewTool("zendesk_sync",
		mcp.WithDescription("Pull zendesk tickets"),
		mcp.WithString("org_id", mcp.Required()),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		org, _ := req.GetArguments()["org_id"].(string)
		return mcp.NewToolResultText(fmt.Sprintf(`{"records": 5, "cursor_id": "%s-5"}`, org)), nil
	})
	s.AddTool(mcp.NewTool("hubspot_sync"), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return mcp.NewToolResultError("hubspot token expired"), nil
	})
	srv := httptest.NewServer(server.NewStreamableHTTPServer(s))
	t.Cleanup(srv.Close)
	return srv
}

func TestMCPInvokerCallsStreamableHTTPServer(t *testing.T) {
	srv := newToolServer(t)
	inv := NewMCPInvoker(srv.URL + "/mcp")
	defer inv.Close()

	res, err := NewMCPRunner(inv).Pull(context.Background(), PullRequest{Connector: "zendesk", Scope: testScope})
	require.NoError(t, err)
	assert.Equal(t, 5, res.Records)
	assert.Equal(t, "acme-5", *res.CursorID)
	assert.Equal(t, models.ModeMCP, res.Mode)
}

func TestMCPInvokerSurfacesToolErrors(t *testing.T) {
	srv := newToolServer(t)
	inv := NewMCPInvoker(srv.URL + "/mcp")
	defer inv.Close()

	_, err := inv.CallTool(context.Background(), "hubspot_sync", map[string]any{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "hubspot token expired")
}

func TestMCPRunnerWithoutInvoker(t *testing.T) {
	_, err := NewMCPRunner(nil).Pull(context.Background(), PullRequest{Connector: "zendesk"})
	assert.ErrorIs(t, err, ErrMCPNotConfigured)
}

func TestToolName(t *testing.T) {
	assert.Equal(t, "zendesk_sync", ToolName("Zendesk"))
}

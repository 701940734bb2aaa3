package httpapi

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/QwavePune/aws-infra-agent-bot/internal/agent"
	"github.com/QwavePune/aws-infra-agent-bot/internal/core"
)

// ListTools returns the tool definitions offered to the model.
// GET /api/mcp/tools
func (h *Handler) ListTools(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"tools": h.eng.Registry.Definitions()})
}

type executeToolRequest struct {
	ToolName   string         `json:"tool_name"`
	Parameters map[string]any `json:"parameters"`
	Arguments  map[string]any `json:"arguments"`
	MCPServer  core.Backend   `json:"mcp_server"`
	ThreadID   string         `json:"thread_id"`
}

// ExecuteTool runs one tool call outside a conversation. The call passes
// the same gate as model-requested calls, so mutating tools may be queued.
// POST /api/mcp/execute
func (h *Handler) ExecuteTool(c echo.Context) error {
	var req executeToolRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if strings.TrimSpace(req.ToolName) == "" {
		return badRequest(c, "tool_name is required")
	}
	args := req.Arguments
	if args == nil {
		args = req.Parameters
	}
	out := h.eng.Agent.Execute(c.Request().Context(), agent.DirectCall{
		Name:      req.ToolName,
		Arguments: args,
		Backend:   req.MCPServer,
		ThreadID:  req.ThreadID,
		ClientKey: clientKey(c),
	})
	return c.JSON(http.StatusOK, out)
}

// BackendStatus reports whether the tool backend can resolve an identity
// for the caller's profile.
// GET /api/mcp/status
func (h *Handler) BackendStatus(c echo.Context) error {
	key := clientKey(c)
	cred := h.eng.Profiles.Credential(key)
	body := map[string]any{
		"available":   true,
		"backend":     core.BackendAWSTerraform,
		"profile":     cred.Profile,
		"tools_count": len(h.eng.Registry.Names()),
	}
	id, err := h.eng.Cloud.Identity(c.Request().Context(), cred)
	if err != nil {
		body["initialized"] = false
		body["error"] = err.Error()
		return c.JSON(http.StatusOK, body)
	}
	body["initialized"] = true
	body["user_info"] = map[string]string{
		"account_id": id.Account,
		"user_arn":   id.ARN,
		"user_id":    id.UserID,
	}
	body["message"] = "Authenticated as " + id.ARN
	return c.JSON(http.StatusOK, body)
}

package httpapi

import (
	"net/http"
	"os"
	"sort"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/QwavePune/aws-infra-agent-bot/internal/approval"
	"github.com/QwavePune/aws-infra-agent-bot/internal/core"
	"github.com/QwavePune/aws-infra-agent-bot/internal/engine"
	"github.com/QwavePune/aws-infra-agent-bot/internal/llm"
	"github.com/QwavePune/aws-infra-agent-bot/internal/logging"
	"github.com/QwavePune/aws-infra-agent-bot/internal/profile"
)

// HeaderClientID carries an explicit client identifier used for per-client
// profile selection.
const HeaderClientID = "X-Client-Id"

// Handler handles HTTP requests against one engine.
type Handler struct {
	eng    *engine.Engine
	logger zerolog.Logger
}

// NewHandler creates a handler.
func NewHandler(eng *engine.Engine, logger zerolog.Logger) *Handler {
	return &Handler{eng: eng, logger: logger}
}

// RegisterRoutes registers every route with the echo server.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	api := e.Group("/api")

	// Runs
	api.POST("/run", h.Run)
	api.GET("/ws", h.RunSocket)
	api.GET("/models", h.ListModels)

	// Tool backend
	api.GET("/mcp/tools", h.ListTools)
	api.POST("/mcp/execute", h.ExecuteTool)
	api.GET("/mcp/status", h.BackendStatus)

	// Maker-checker
	api.GET("/approvals", h.ListApprovals)
	api.GET("/approvals/:id", h.GetApproval)
	api.POST("/approvals/:id/approve", h.ApproveRequest)
	api.POST("/approvals/:id/reject", h.RejectRequest)
	api.POST("/approvals/:id/execute", h.ExecuteRequest)
	api.POST("/approvals/:id/comments", h.CommentRequest)
	api.GET("/roles", h.GetRoles)
	api.PUT("/roles", h.UpdateRoles)

	// Credentials
	api.GET("/aws/profile", h.GetProfile)
	api.POST("/aws/profile", h.SetProfile)
	api.GET("/aws/identity", h.GetIdentity)
	api.POST("/aws/login", h.StartLogin)
	api.GET("/aws/login/:id", h.GetLogin)

	// Audit
	api.GET("/audit", h.GetAudit)
	api.GET("/audit/export", h.ExportAudit)
	api.GET("/audit/verify", h.VerifyAudit)
	api.GET("/env", h.GetEnv)

	e.GET("/health", h.Health)
}

// Health returns health status.
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "healthy"})
}

// clientKey derives the caller's profile affinity key.
func clientKey(c echo.Context) string {
	req := c.Request()
	return profile.ClientKey(req.Header.Get(HeaderClientID), req.UserAgent(), req.RemoteAddr)
}

// statusOf maps an error onto an HTTP status by its classification.
func statusOf(err error) int {
	if approval.IsNotFound(err) {
		return http.StatusNotFound
	}
	kind, ok := core.KindOf(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch kind {
	case core.KindAuthorization:
		return http.StatusForbidden
	case core.KindStateConflict:
		return http.StatusConflict
	case core.KindValidation:
		return http.StatusBadRequest
	case core.KindAuthentication:
		return http.StatusUnauthorized
	case core.KindTimeout:
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

// fail writes err as a JSON error body with its mapped status.
func (h *Handler) fail(c echo.Context, err error) error {
	code := statusOf(err)
	body := map[string]any{"success": false, "error": err.Error()}
	if kind, ok := core.KindOf(err); ok {
		body["error_kind"] = kind
	}
	if code >= http.StatusInternalServerError {
		h.logger.Error().Err(err).Str("path", c.Path()).Msg("request failed")
	}
	return c.JSON(code, body)
}

func badRequest(c echo.Context, msg string) error {
	return c.JSON(http.StatusBadRequest, map[string]any{"success": false, "error": msg})
}

type providerInfo struct {
	Key          string `json:"key"`
	DefaultModel string `json:"default_model"`
	LimitedTools bool   `json:"limited_tools,omitempty"`
}

// ListModels lists the chat providers the agent can reach.
// GET /api/models
func (h *Handler) ListModels(c echo.Context) error {
	out := make([]providerInfo, 0, len(llm.Providers))
	for key, p := range llm.Providers {
		out = append(out, providerInfo{Key: key, DefaultModel: p.DefaultModel, LimitedTools: p.LimitedTools})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return c.JSON(http.StatusOK, map[string]any{
		"providers": out,
		"default":   h.eng.Config.LLM.Provider,
	})
}

// GetEnv returns the process environment with secret-looking values masked.
// GET /api/env
func (h *Handler) GetEnv(c echo.Context) error {
	env := make(map[string]string)
	for _, kv := range os.Environ() {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		if maskedEnv(k) {
			v = "********"
		}
		env[k] = v
	}
	return c.JSON(http.StatusOK, env)
}

func maskedEnv(name string) bool {
	upper := strings.ToUpper(name)
	for _, s := range []string{"KEY", "SECRET", "TOKEN", "PASSWORD"} {
		if strings.Contains(upper, s) {
			return true
		}
	}
	return logging.IsSecretField(name)
}

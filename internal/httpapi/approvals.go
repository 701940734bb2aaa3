package httpapi

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/QwavePune/aws-infra-agent-bot/internal/approval"
	"github.com/QwavePune/aws-infra-agent-bot/internal/core"
)

// ListApprovals lists maker-checker requests, newest first.
// GET /api/approvals
func (h *Handler) ListApprovals(c echo.Context) error {
	f := approval.Filter{
		Status:    core.ApprovalStatus(c.QueryParam("status")),
		Requester: c.QueryParam("requester"),
		Checker:   c.QueryParam("checker"),
		ThreadID:  c.QueryParam("thread_id"),
	}
	if l := c.QueryParam("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil {
			f.Limit = n
		}
	}
	reqs := h.eng.Approvals.List(f)
	return c.JSON(http.StatusOK, map[string]any{
		"requests":       reqs,
		"count":          len(reqs),
		"active_profile": h.eng.Profiles.Current(clientKey(c)),
	})
}

// GetApproval returns one request.
// GET /api/approvals/:id
func (h *Handler) GetApproval(c echo.Context) error {
	req, err := h.eng.Approvals.Get(c.Param("id"))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, req)
}

type reviewRequest struct {
	Notes string `json:"notes"`
}

// ApproveRequest approves a pending request as the caller's current profile.
// POST /api/approvals/:id/approve
func (h *Handler) ApproveRequest(c echo.Context) error {
	return h.review(c, h.eng.Approvals.Approve)
}

// RejectRequest rejects a pending request as the caller's current profile.
// POST /api/approvals/:id/reject
func (h *Handler) RejectRequest(c echo.Context) error {
	return h.review(c, h.eng.Approvals.Reject)
}

func (h *Handler) review(c echo.Context, fn func(id, notes, acting string) (*core.ApprovalRequest, error)) error {
	var body reviewRequest
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&body); err != nil {
			return badRequest(c, "invalid request body")
		}
	}
	req, err := fn(c.Param("id"), body.Notes, h.eng.Profiles.Current(clientKey(c)))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"success": true, "request": req})
}

// ExecuteRequest runs an approved request. It runs under the caller's
// current profile when that profile is one of the request's checkers, else
// under the first checker recorded on the request.
// POST /api/approvals/:id/execute
func (h *Handler) ExecuteRequest(c echo.Context) error {
	req, err := h.eng.Approvals.Execute(c.Request().Context(), c.Param("id"), h.eng.Profiles.Current(clientKey(c)))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"success": req.Status == core.StatusExecuted,
		"request": req,
	})
}

type commentRequest struct {
	Message string `json:"message"`
}

// CommentRequest appends a comment to a request's thread.
// POST /api/approvals/:id/comments
func (h *Handler) CommentRequest(c echo.Context) error {
	var body commentRequest
	if err := c.Bind(&body); err != nil {
		return badRequest(c, "invalid request body")
	}
	if strings.TrimSpace(body.Message) == "" {
		return badRequest(c, "message is required")
	}
	req, err := h.eng.Approvals.AddComment(c.Param("id"), h.eng.Profiles.Current(clientKey(c)), body.Message)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"success": true, "request": req})
}

// GetRoles returns the checker and maker profile lists.
// GET /api/roles
func (h *Handler) GetRoles(c echo.Context) error {
	return c.JSON(http.StatusOK, h.eng.Roles.Get())
}

type rolesRequest struct {
	CheckerProfiles []string `json:"checker_profiles"`
	MakerProfiles   []string `json:"maker_profiles"`
}

// UpdateRoles replaces the role configuration.
// PUT /api/roles
func (h *Handler) UpdateRoles(c echo.Context) error {
	var body rolesRequest
	if err := c.Bind(&body); err != nil {
		return badRequest(c, "invalid request body")
	}
	cfg, err := h.eng.Roles.Update(body.CheckerProfiles, body.MakerProfiles)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, cfg)
}

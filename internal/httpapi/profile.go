package httpapi

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// GetProfile returns the caller's current profile and the process default.
// GET /api/aws/profile
func (h *Handler) GetProfile(c echo.Context) error {
	key := clientKey(c)
	return c.JSON(http.StatusOK, map[string]any{
		"profile":        h.eng.Profiles.Current(key),
		"active_profile": h.eng.Profiles.Active(),
		"client_key":     key,
	})
}

type profileRequest struct {
	Profile string `json:"profile"`
	// ClientOnly limits the change to the calling client instead of the
	// process-wide active profile.
	ClientOnly bool `json:"client_only"`
}

// SetProfile selects a profile for the caller and, unless client_only is
// set, for the whole process. Switching the process profile is visible to
// every in-flight request.
// POST /api/aws/profile
func (h *Handler) SetProfile(c echo.Context) error {
	var body profileRequest
	if err := c.Bind(&body); err != nil {
		return badRequest(c, "invalid request body")
	}
	p := strings.TrimSpace(body.Profile)
	if p == "" {
		p = "default"
	}
	key := clientKey(c)
	if !body.ClientOnly {
		h.eng.Profiles.Activate(p)
	}
	h.eng.Profiles.SetClientProfile(key, p)
	return c.JSON(http.StatusOK, map[string]any{
		"success":        true,
		"profile":        p,
		"active_profile": h.eng.Profiles.Active(),
	})
}

// GetIdentity resolves the caller identity under the caller's profile.
// GET /api/aws/identity
func (h *Handler) GetIdentity(c echo.Context) error {
	cred := h.eng.Profiles.Credential(clientKey(c))
	ctx := c.Request().Context()
	id, err := h.eng.Cloud.Identity(ctx, cred)
	if err != nil {
		return c.JSON(http.StatusOK, map[string]any{
			"active":  false,
			"error":   err.Error(),
			"profile": cred.Profile,
		})
	}
	return c.JSON(http.StatusOK, map[string]any{
		"active":  true,
		"account": id.Account,
		"arn":     id.ARN,
		"regions": h.eng.Cloud.Regions(ctx, cred),
		"profile": cred.Profile,
	})
}

// StartLogin starts `aws sso login` in the background and returns the job.
// POST /api/aws/login
func (h *Handler) StartLogin(c echo.Context) error {
	var body profileRequest
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&body); err != nil {
			return badRequest(c, "invalid request body")
		}
	}
	p := strings.TrimSpace(body.Profile)
	if p == "" {
		p = h.eng.Profiles.Current(clientKey(c))
	}
	job := h.eng.Logins.Start(p)
	return c.JSON(http.StatusAccepted, map[string]any{
		"success": true,
		"message": "AWS CLI Login triggered.",
		"job":     job,
	})
}

// GetLogin returns the state of a login job.
// GET /api/aws/login/:id
func (h *Handler) GetLogin(c echo.Context) error {
	job, ok := h.eng.Logins.Status(c.Param("id"))
	if !ok {
		return c.JSON(http.StatusNotFound, map[string]any{"success": false, "error": "login job not found"})
	}
	return c.JSON(http.StatusOK, job)
}

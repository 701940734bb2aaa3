package httpapi

import (
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/QwavePune/aws-infra-agent-bot/internal/audit"
)

// GetAudit returns the reconstructed audit trail.
// GET /api/audit?cloud=&status=&action=&user=&limit=
func (h *Handler) GetAudit(c echo.Context) error {
	var q audit.Query
	if err := (&echo.DefaultBinder{}).BindQueryParams(c, &q); err != nil {
		return badRequest(c, "invalid query")
	}
	report, err := h.eng.AuditReport(q)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, report)
}

// ExportAudit downloads the filtered audit trail.
// GET /api/audit/export?format=json|csv
func (h *Handler) ExportAudit(c echo.Context) error {
	var q audit.Query
	if err := (&echo.DefaultBinder{}).BindQueryParams(c, &q); err != nil {
		return badRequest(c, "invalid query")
	}
	format := audit.Format(c.QueryParam("format"))
	if format == "" {
		format = audit.FormatJSON
	}
	report, err := h.eng.AuditReport(q)
	if err != nil {
		return h.fail(c, err)
	}
	data, contentType, err := audit.Export(report, format)
	if err != nil {
		return h.fail(c, err)
	}
	name := fmt.Sprintf("audit-%s.%s", time.Now().UTC().Format("20060102-150405"), format)
	c.Response().Header().Set(echo.HeaderContentDisposition, fmt.Sprintf("attachment; filename=%q", name))
	return c.Blob(http.StatusOK, contentType, data)
}

// VerifyAudit checks the event log hash chain.
// GET /api/audit/verify
func (h *Handler) VerifyAudit(c echo.Context) error {
	res, err := h.eng.VerifyEvents()
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, res)
}

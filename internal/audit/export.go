package audit

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"time"

	"github.com/QwavePune/aws-infra-agent-bot/internal/core"
)

// Format is an export encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatCSV  Format = "csv"
)

var csvHeader = []string{
	"timestamp", "user", "cloud", "action", "resource", "status", "details", "run_id", "request_id",
}

// Export renders the report's entries. It returns the encoded body and its
// content type.
func Export(report Report, format Format) ([]byte, string, error) {
	switch format {
	case FormatJSON, "":
		data, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			return nil, "", core.Wrap(core.KindExecution, "audit.Export", err)
		}
		return data, "application/json", nil
	case FormatCSV:
		var buf bytes.Buffer
		w := csv.NewWriter(&buf)
		if err := w.Write(csvHeader); err != nil {
			return nil, "", core.Wrap(core.KindExecution, "audit.Export", err)
		}
		for _, e := range report.Entries {
			row := []string{
				e.Timestamp.UTC().Format(time.RFC3339),
				e.User, e.Cloud, e.Action, e.Resource, string(e.Status), e.Details, e.RunID, e.RequestID,
			}
			if err := w.Write(row); err != nil {
				return nil, "", core.Wrap(core.KindExecution, "audit.Export", err)
			}
		}
		w.Flush()
		if err := w.Error(); err != nil {
			return nil, "", core.Wrap(core.KindExecution, "audit.Export", err)
		}
		return buf.Bytes(), "text/csv", nil
	default:
		return nil, "", core.Errorf(core.KindValidation, "audit.Export", "unsupported format %q", format)
	}
}

package audit

import (
	"encoding/csv"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/QwavePune/aws-infra-agent-bot/internal/core"
	"github.com/QwavePune/aws-infra-agent-bot/internal/eventlog"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func ev(offset int, typ string, fields map[string]any) eventlog.Record {
	r := eventlog.Record{
		eventlog.KeyTimestamp: base.Add(time.Duration(offset) * time.Second).Format(time.RFC3339Nano),
		eventlog.KeyEventType: typ,
	}
	for k, v := range fields {
		r[k] = v
	}
	return r
}

func sampleEvents() []eventlog.Record {
	return []eventlog.Record{
		ev(0, eventlog.EventPermissionCheck, map[string]any{
			"run_id": "r1", "profile": "dev", "user_arn": "arn:aws:iam::111122223333:user/alice",
		}),
		ev(1, eventlog.EventToolStarted, map[string]any{
			"run_id": "r1", "tool_call_id": "c1", "tool_name": "create_s3_bucket",
			"tool_args": map[string]any{"bucket_name": "demo-bucket", "region": "us-east-1"},
		}),
		ev(2, eventlog.EventToolCompleted, map[string]any{
			"run_id": "r1", "tool_call_id": "c1", "tool_name": "create_s3_bucket",
			"success": true, "mcp_server": "aws_terraform",
		}),
		ev(3, eventlog.EventToolStarted, map[string]any{
			"run_id": "r1", "tool_call_id": "c2", "tool_name": "list_aws_resources",
			"tool_args": map[string]any{"resource_type": "s3"},
		}),
		ev(4, eventlog.EventToolCompleted, map[string]any{
			"run_id": "r1", "tool_call_id": "c2", "tool_name": "list_aws_resources", "success": true,
		}),
		// r2 has no permission check; the profile on the event is used.
		ev(5, eventlog.EventToolBlocked, map[string]any{
			"run_id": "r2", "tool_call_id": "c1", "tool_name": "terraform_destroy", "profile": "ops",
			"tool_args": map[string]any{"project_name": "vpc-main"},
			"reason":    "Blocked mutating tool 'terraform_destroy' because user intent is read-only.",
		}),
		ev(6, eventlog.EventToolStarted, map[string]any{
			"run_id": "r3", "tool_call_id": "c1", "tool_name": "terraform_apply",
			"tool_args": map[string]any{"project_name": "lambda-api"},
		}),
		ev(7, eventlog.EventToolCompleted, map[string]any{
			"run_id": "r3", "tool_call_id": "c1", "tool_name": "terraform_apply",
			"success": false, "tool_result": map[string]any{"success": false, "error": "apply failed"},
		}),
	}
}

func approvalFixture() *core.ApprovalRequest {
	return &core.ApprovalRequest{
		RequestID:        "req-1",
		CreatedAt:        base.Add(8 * time.Second),
		UpdatedAt:        base.Add(10 * time.Second),
		RunID:            "r4",
		RequesterProfile: "dev",
		CheckerProfiles:  []string{"audit"},
		ToolName:         "terraform_apply",
		ToolArguments:    map[string]any{"project_name": "s3-demo"},
		TargetExecutor:   core.BackendAWSTerraform,
		Status:           core.StatusExecuted,
		Comments: []core.Comment{
			{AuthorProfile: "dev", AuthorRole: core.RoleMaker, Message: "first"},
			{AuthorProfile: "audit", AuthorRole: core.RoleChecker, Message: "second"},
			{AuthorProfile: "dev", AuthorRole: core.RoleMaker, Message: "third"},
			{AuthorProfile: "audit", AuthorRole: core.RoleChecker, Message: "fourth"},
		},
	}
}

func TestReconstructPairsReusedCallIDsInOrder(t *testing.T) {
	var events []eventlog.Record
	for i, bucket := range []string{"alpha", "beta"} {
		events = append(events,
			ev(4*i, eventlog.EventToolStarted, map[string]any{
				"run_id": "r1", "tool_call_id": "call_0", "tool_name": "list_aws_resources",
				"tool_args": map[string]any{"resource_type": "s3"},
			}),
			ev(4*i+1, eventlog.EventToolCompleted, map[string]any{
				"run_id": "r1", "tool_call_id": "call_0", "tool_name": "list_aws_resources", "success": true,
			}),
			ev(4*i+2, eventlog.EventToolStarted, map[string]any{
				"run_id": "r1", "tool_call_id": "call_1", "tool_name": "create_s3_bucket",
				"tool_args": map[string]any{"bucket_name": bucket},
			}),
			ev(4*i+3, eventlog.EventToolCompleted, map[string]any{
				"run_id": "r1", "tool_call_id": "call_1", "tool_name": "create_s3_bucket", "success": true,
			}),
		)
	}

	rep := NewReconstructor(nil).Reconstruct(events, nil, Query{})
	if len(rep.Entries) != 2 {
		t.Fatalf("entries = %+v", rep.Entries)
	}
	if rep.Entries[0].Resource != "beta" || rep.Entries[1].Resource != "alpha" {
		t.Errorf("resources = %s, %s", rep.Entries[0].Resource, rep.Entries[1].Resource)
	}
}

func TestReconstructJoinsAndAttributes(t *testing.T) {
	r := NewReconstructor(nil)
	rep := r.Reconstruct(sampleEvents(), nil, Query{})

	if len(rep.Entries) != 3 {
		t.Fatalf("entries = %+v", rep.Entries)
	}
	// newest first
	apply, blocked, bucket := rep.Entries[0], rep.Entries[1], rep.Entries[2]

	if bucket.Action != "create_s3_bucket" || bucket.Resource != "demo-bucket" {
		t.Errorf("bucket row = %+v", bucket)
	}
	if bucket.User != "arn:aws:iam::111122223333:user/alice" || bucket.Status != core.AuditSuccess || bucket.Cloud != "aws" {
		t.Errorf("bucket row = %+v", bucket)
	}
	if blocked.Status != core.AuditBlocked || blocked.User != "ops" || blocked.Resource != "vpc-main" {
		t.Errorf("blocked row = %+v", blocked)
	}
	if !strings.Contains(blocked.Details, "read-only") {
		t.Errorf("blocked details = %q", blocked.Details)
	}
	if apply.Status != core.AuditFailed || apply.Details != "apply failed" || apply.User != UnknownUser {
		t.Errorf("apply row = %+v", apply)
	}
}

func TestReadOnlyToolsExcluded(t *testing.T) {
	rep := NewReconstructor(nil).Reconstruct(sampleEvents(), nil, Query{})
	for _, e := range rep.Entries {
		if e.Action == "list_aws_resources" {
			t.Fatalf("read-only tool in audit trail: %+v", e)
		}
	}
	for _, a := range rep.Filters.Actions {
		if a == "list_aws_resources" {
			t.Fatal("read-only tool offered as a filter value")
		}
	}
}

func TestActorFromPermissionTool(t *testing.T) {
	events := []eventlog.Record{
		ev(0, eventlog.EventToolCompleted, map[string]any{
			"run_id": "r9", "tool_call_id": "c0", "tool_name": "get_user_permissions", "success": true,
			"tool_result": map[string]any{"user_info": map[string]any{"user_arn": "arn:aws:iam::1:user/bob"}},
		}),
		ev(1, eventlog.EventToolCompleted, map[string]any{
			"run_id": "r9", "tool_call_id": "c1", "tool_name": "create_vpc", "success": true,
			"tool_args": map[string]any{"cidr_block": "10.0.0.0/16"},
		}),
	}
	rep := NewReconstructor(nil).Reconstruct(events, nil, Query{})
	if len(rep.Entries) != 1 {
		t.Fatalf("entries = %+v", rep.Entries)
	}
	if got := rep.Entries[0]; got.User != "arn:aws:iam::1:user/bob" || got.Resource != "10.0.0.0/16" {
		t.Errorf("row = %+v", got)
	}
}

func TestApprovalRows(t *testing.T) {
	rep := NewReconstructor(nil).Reconstruct(sampleEvents(), []*core.ApprovalRequest{approvalFixture()}, Query{})
	if len(rep.Entries) != 4 {
		t.Fatalf("entries = %d", len(rep.Entries))
	}
	row := rep.Entries[0]
	if row.RequestID != "req-1" || row.Status != core.AuditExecuted || row.User != "dev" {
		t.Fatalf("approval row = %+v", row)
	}
	if !row.Timestamp.Equal(base.Add(10 * time.Second)) {
		t.Errorf("timestamp = %v", row.Timestamp)
	}
	if !strings.HasPrefix(row.Details, "Approval request req-1") {
		t.Errorf("details = %q", row.Details)
	}
	if strings.Contains(row.Details, "first") || !strings.Contains(row.Details, "second") || !strings.Contains(row.Details, "fourth") {
		t.Errorf("comment excerpt = %q", row.Details)
	}
	if rep.Summary.Successful != 2 {
		t.Errorf("summary = %+v", rep.Summary)
	}
}

func TestFiltersAndLimit(t *testing.T) {
	r := NewReconstructor(nil)
	reqs := []*core.ApprovalRequest{approvalFixture()}

	tests := []struct {
		name    string
		q       Query
		entries int
		total   int
	}{
		{"all", Query{}, 4, 4},
		{"status", Query{Status: "FAILED"}, 1, 1},
		{"action", Query{Action: "terraform_apply"}, 2, 2},
		{"user", Query{User: "ops"}, 1, 1},
		{"cloud miss", Query{Cloud: "azure"}, 0, 0},
		{"limit", Query{Limit: 2}, 2, 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rep := r.Reconstruct(sampleEvents(), reqs, tt.q)
			if len(rep.Entries) != tt.entries || rep.Summary.Total != tt.total {
				t.Errorf("entries=%d total=%d, want %d/%d", len(rep.Entries), rep.Summary.Total, tt.entries, tt.total)
			}
			if len(rep.Filters.Actions) != 3 {
				t.Errorf("filter values must span all rows: %v", rep.Filters.Actions)
			}
		})
	}
}

func TestExport(t *testing.T) {
	rep := NewReconstructor(nil).Reconstruct(sampleEvents(), nil, Query{})

	data, ctype, err := Export(rep, FormatCSV)
	if err != nil {
		t.Fatal(err)
	}
	if ctype != "text/csv" {
		t.Errorf("content type = %q", ctype)
	}
	rows, err := csv.NewReader(strings.NewReader(string(data))).ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 4 || rows[0][0] != "timestamp" || rows[3][3] != "create_s3_bucket" {
		t.Errorf("csv = %v", rows)
	}

	data, _, err = Export(rep, FormatJSON)
	if err != nil {
		t.Fatal(err)
	}
	var decoded Report
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded.Summary.Total != 3 {
		t.Errorf("summary = %+v", decoded.Summary)
	}

	if _, _, err := Export(rep, "xml"); !core.IsKind(err, core.KindValidation) {
		t.Errorf("err = %v", err)
	}
}

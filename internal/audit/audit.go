// Package audit derives the audit trail shown to operators. Rows are never
// stored; they are rebuilt on demand from the workflow event log joined with
// the approval store.
package audit

import (
	"fmt"
	"sort"
	"strings"

	"github.com/QwavePune/aws-infra-agent-bot/internal/core"
	"github.com/QwavePune/aws-infra-agent-bot/internal/eventlog"
	"github.com/QwavePune/aws-infra-agent-bot/internal/intent"
)

// Query narrows a report. Empty fields match everything; Limit <= 0 means
// no limit.
type Query struct {
	Cloud  string `json:"cloud,omitempty" query:"cloud"`
	Status string `json:"status,omitempty" query:"status"`
	Action string `json:"action,omitempty" query:"action"`
	User   string `json:"user,omitempty" query:"user"`
	Limit  int    `json:"limit,omitempty" query:"limit"`
}

// Summary tallies the filtered rows before the limit is applied.
type Summary struct {
	Total      int `json:"total"`
	Successful int `json:"successful"`
	Failed     int `json:"failed"`
	Blocked    int `json:"blocked"`
}

// FilterValues lists the distinct values present across all rows.
type FilterValues struct {
	Clouds   []string `json:"clouds"`
	Statuses []string `json:"statuses"`
	Actions  []string `json:"actions"`
	Users    []string `json:"users"`
}

// Report is a reconstructed, filtered audit trail.
type Report struct {
	Entries []core.AuditEntry `json:"entries"`
	Summary Summary           `json:"summary"`
	Filters FilterValues      `json:"filters"`
}

// UnknownUser attributes rows from runs without a permission check.
const UnknownUser = "unknown"

// CommentExcerptSize is the number of trailing comments condensed into an
// approval row.
const CommentExcerptSize = 3

// Reconstructor joins events and approval requests into audit rows.
type Reconstructor struct {
	policy *intent.Policy
}

// NewReconstructor uses policy to decide which tools are auditable.
func NewReconstructor(policy *intent.Policy) *Reconstructor {
	if policy == nil {
		policy = intent.Default()
	}
	return &Reconstructor{policy: policy}
}

type callKey struct{ run, call string }

// Reconstruct builds the report. events must be in log order.
func (r *Reconstructor) Reconstruct(events []eventlog.Record, requests []*core.ApprovalRequest, q Query) Report {
	// First pass: arguments of started calls, queued per (run, call) in log
	// order. Providers may reuse call ids across turns, so each terminal
	// event takes the oldest unclaimed start for its key.
	started := make(map[callKey][]map[string]any)
	for _, ev := range events {
		if ev.EventType() != eventlog.EventToolStarted {
			continue
		}
		k := callKey{ev.RunID(), ev.ToolCallID()}
		args := ev.Map("tool_args")
		if args == nil {
			args = map[string]any{}
		}
		started[k] = append(started[k], args)
	}

	// Second pass: actor attribution and terminal tool events.
	actors := make(map[string]string)
	var rows []core.AuditEntry
	for _, ev := range events {
		run := ev.RunID()
		switch ev.EventType() {
		case eventlog.EventPermissionCheck:
			if actor := actorOf(ev); actor != "" {
				actors[run] = actor
			}
			continue
		case eventlog.EventToolCompleted, eventlog.EventToolFailed, eventlog.EventToolBlocked:
		default:
			continue
		}

		tool := ev.ToolName()
		if ev.EventType() == eventlog.EventToolCompleted && tool == "get_user_permissions" {
			if info, _ := ev.Map("tool_result")["user_info"].(map[string]any); info != nil {
				if arn, _ := info["user_arn"].(string); arn != "" {
					actors[run] = arn
				}
			}
		}
		// Claim the start before filtering so read-only calls sharing a
		// reused id do not shift later pairings.
		var args map[string]any
		if ev.EventType() != eventlog.EventToolBlocked {
			k := callKey{run, ev.ToolCallID()}
			if q := started[k]; len(q) > 0 {
				args, started[k] = q[0], q[1:]
			}
		}
		if args == nil {
			args = ev.Map("tool_args")
		}
		if !r.policy.IsAuditableTool(tool) {
			continue
		}

		user := actors[run]
		if user == "" {
			user = ev.String("profile")
		}
		if user == "" {
			user = UnknownUser
		}
		rows = append(rows, core.AuditEntry{
			Timestamp: ev.Time(),
			RunID:     run,
			ThreadID:  ev.String("thread_id"),
			User:      user,
			Cloud:     cloudOf(ev.String("mcp_server")),
			Action:    tool,
			Resource:  resourceOf(args),
			Status:    statusOf(ev),
			Details:   detailsOf(ev),
			ToolArgs:  args,
		})
	}

	for _, req := range requests {
		if req == nil {
			continue
		}
		rows = append(rows, approvalRow(req))
	}

	sort.SliceStable(rows, func(i, j int) bool {
		return rows[i].Timestamp.After(rows[j].Timestamp)
	})

	report := Report{Filters: filterValues(rows), Entries: []core.AuditEntry{}}
	for _, row := range rows {
		if !matches(row, q) {
			continue
		}
		report.Summary.Total++
		switch row.Status {
		case core.AuditSuccess, core.AuditExecuted:
			report.Summary.Successful++
		case core.AuditFailed:
			report.Summary.Failed++
		case core.AuditBlocked:
			report.Summary.Blocked++
		}
		if q.Limit <= 0 || len(report.Entries) < q.Limit {
			report.Entries = append(report.Entries, row)
		}
	}
	return report
}

func actorOf(ev eventlog.Record) string {
	for _, k := range []string{"user_arn", "actor"} {
		if v := ev.String(k); v != "" {
			return v
		}
	}
	if ok, present := ev.Bool("success"); present && !ok {
		return ""
	}
	return ev.String("profile")
}

func cloudOf(backend string) string {
	switch core.Backend(backend) {
	case core.BackendAzureTerraform:
		return "azure"
	default:
		return "aws"
	}
}

func statusOf(ev eventlog.Record) core.AuditStatus {
	switch ev.EventType() {
	case eventlog.EventToolBlocked:
		return core.AuditBlocked
	case eventlog.EventToolFailed:
		return core.AuditFailed
	}
	if ok, _ := ev.Bool("success"); ok {
		return core.AuditSuccess
	}
	return core.AuditFailed
}

func detailsOf(ev eventlog.Record) string {
	if reason := ev.String("reason"); reason != "" {
		return reason
	}
	if e := ev.String("error"); e != "" {
		return e
	}
	res := ev.Map("tool_result")
	for _, k := range []string{"error", "message"} {
		if s, _ := res[k].(string); s != "" {
			return s
		}
	}
	return ""
}

var resourceKeys = []string{
	"project_name", "bucket_name", "function_name", "db_name", "service_name",
	"cluster_name", "workflow_id", "resource_id", "cidr_block", "instance_type",
}

func resourceOf(args map[string]any) string {
	for _, k := range resourceKeys {
		if v, ok := args[k].(string); ok && strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func approvalRow(req *core.ApprovalRequest) core.AuditEntry {
	details := fmt.Sprintf("Approval request %s", req.RequestID)
	switch {
	case req.Status == core.StatusFailed && req.ExecutionError != "":
		details += ": " + req.ExecutionError
	case req.ApprovedBy != "" && req.Status == core.StatusApproved:
		details += " approved by " + req.ApprovedBy
	case req.RejectedBy != "":
		details += " rejected by " + req.RejectedBy
	}
	if excerpt := commentExcerpt(req.Comments); excerpt != "" {
		details += " | " + excerpt
	}
	ts := req.UpdatedAt
	if ts.IsZero() {
		ts = req.CreatedAt
	}
	return core.AuditEntry{
		Timestamp: ts,
		RunID:     req.RunID,
		ThreadID:  req.ThreadID,
		User:      req.RequesterProfile,
		Cloud:     cloudOf(string(req.TargetExecutor)),
		Action:    req.ToolName,
		Resource:  resourceOf(req.ToolArguments),
		Status:    approvalStatus(req.Status),
		Details:   details,
		ToolArgs:  req.ToolArguments,
		RequestID: req.RequestID,
	}
}

func approvalStatus(s core.ApprovalStatus) core.AuditStatus {
	switch s {
	case core.StatusApproved:
		return core.AuditApproved
	case core.StatusRejected:
		return core.AuditRejected
	case core.StatusExecuting:
		return core.AuditExecuting
	case core.StatusExecuted:
		return core.AuditExecuted
	case core.StatusFailed:
		return core.AuditFailed
	default:
		return core.AuditPending
	}
}

func commentExcerpt(comments []core.Comment) string {
	if len(comments) > CommentExcerptSize {
		comments = comments[len(comments)-CommentExcerptSize:]
	}
	parts := make([]string, 0, len(comments))
	for _, c := range comments {
		parts = append(parts, fmt.Sprintf("%s (%s): %s", c.AuthorProfile, c.AuthorRole, c.Message))
	}
	return strings.Join(parts, " | ")
}

func matches(row core.AuditEntry, q Query) bool {
	if q.Cloud != "" && !strings.EqualFold(row.Cloud, q.Cloud) {
		return false
	}
	if q.Status != "" && !strings.EqualFold(string(row.Status), q.Status) {
		return false
	}
	if q.Action != "" && row.Action != q.Action {
		return false
	}
	if q.User != "" && row.User != q.User {
		return false
	}
	return true
}

func filterValues(rows []core.AuditEntry) FilterValues {
	clouds, statuses, actions, users := set{}, set{}, set{}, set{}
	for _, r := range rows {
		clouds.add(r.Cloud)
		statuses.add(string(r.Status))
		actions.add(r.Action)
		users.add(r.User)
	}
	return FilterValues{
		Clouds:   clouds.sorted(),
		Statuses: statuses.sorted(),
		Actions:  actions.sorted(),
		Users:    users.sorted(),
	}
}

type set map[string]struct{}

func (s set) add(v string) {
	if v != "" {
		s[v] = struct{}{}
	}
}

func (s set) sorted() []string {
	out := make([]string, 0, len(s))
	for v := range s {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

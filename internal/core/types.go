// Package core defines the domain types shared by the agent: tool calls, run
// contexts, maker-checker approval requests, role configuration and audit
// entries, plus the error taxonomy surfaced to callers.
package core

import (
	"encoding/json"
	"time"
)

// Backend identifies which tool backend a run is wired to.
type Backend string

const (
	BackendAWSTerraform   Backend = "aws_terraform"
	BackendAzureTerraform Backend = "azure_terraform"
	BackendNone           Backend = "none"
)

// Valid reports whether b names a known backend.
func (b Backend) Valid() bool {
	switch b {
	case BackendAWSTerraform, BackendAzureTerraform, BackendNone:
		return true
	}
	return false
}

// ServesAWSTools reports whether the AWS tool registry is dispatched for b.
// Other backends live in separate servers this process does not host.
func (b Backend) ServesAWSTools() bool { return b == BackendAWSTerraform }

// ToolCall is a single tool invocation requested by the LLM.
type ToolCall struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
	CallID    string         `json:"call_id"`
}

// Signature identifies a call by name and canonical argument JSON.
// encoding/json sorts map keys, so equal argument maps always render equally.
func (tc ToolCall) Signature() string {
	args := tc.Arguments
	if args == nil {
		args = map[string]any{}
	}
	data, err := json.Marshal(args)
	if err != nil {
		return tc.Name + "|<unserializable>"
	}
	return tc.Name + "|" + string(data)
}

// RunContext carries the per-request identifiers for one orchestration run.
type RunContext struct {
	RunID          string  `json:"run_id"`
	ThreadID       string  `json:"thread_id"`
	MessageID      string  `json:"message_id"`
	Provider       string  `json:"provider"`
	Model          string  `json:"model"`
	MCPServer      Backend `json:"mcp_server"`
	ActiveProfile  string  `json:"active_profile"`
	ClientKey      string  `json:"client_key,omitempty"`
	ReadOnlyIntent bool    `json:"read_only_intent"`
}

// ApprovalStatus is the maker-checker state of an approval request.
type ApprovalStatus string

const (
	StatusPending   ApprovalStatus = "pending"
	StatusApproved  ApprovalStatus = "approved"
	StatusRejected  ApprovalStatus = "rejected"
	StatusExecuting ApprovalStatus = "executing"
	StatusExecuted  ApprovalStatus = "executed"
	StatusFailed    ApprovalStatus = "failed"
)

// Terminal reports whether no further state transition is possible.
func (s ApprovalStatus) Terminal() bool {
	return s == StatusRejected || s == StatusExecuted || s == StatusFailed
}

// CommentRole is the role of a comment author relative to a request.
type CommentRole string

const (
	RoleMaker   CommentRole = "maker"
	RoleChecker CommentRole = "checker"
)

// Comment is one entry in an approval request's discussion thread.
type Comment struct {
	Timestamp     time.Time   `json:"timestamp"`
	AuthorProfile string      `json:"author_profile"`
	AuthorRole    CommentRole `json:"author_role"`
	Message       string      `json:"message"`
}

// ApprovalRequest is a gated mutating tool call awaiting (or past) review.
type ApprovalRequest struct {
	RequestID        string         `json:"request_id"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
	RunID            string         `json:"run_id"`
	ThreadID         string         `json:"thread_id"`
	RequesterProfile string         `json:"requester_profile"`
	CheckerProfiles  []string       `json:"checker_profiles"`
	ToolName         string         `json:"tool_name"`
	ToolArguments    map[string]any `json:"tool_arguments"`
	TargetExecutor   Backend        `json:"target_executor"`
	Status           ApprovalStatus `json:"status"`
	PlanPreview      string         `json:"plan_preview"`
	ExecutionResult  map[string]any `json:"execution_result,omitempty"`
	ExecutionError   string         `json:"execution_error,omitempty"`
	Comments         []Comment      `json:"comments"`

	ApprovedAt *time.Time `json:"approved_at,omitempty"`
	ApprovedBy string     `json:"approved_by,omitempty"`
	RejectedAt *time.Time `json:"rejected_at,omitempty"`
	RejectedBy string     `json:"rejected_by,omitempty"`
	ExecutedAt *time.Time `json:"executed_at,omitempty"`
	ExecutedBy string     `json:"executed_by,omitempty"`
}

// IsChecker reports whether profile is in the request's snapshotted checker set.
func (r *ApprovalRequest) IsChecker(profile string) bool {
	for _, p := range r.CheckerProfiles {
		if p == profile {
			return true
		}
	}
	return false
}

// Clone returns a deep copy safe to hand out of a locked store.
func (r *ApprovalRequest) Clone() *ApprovalRequest {
	if r == nil {
		return nil
	}
	cp := *r
	cp.CheckerProfiles = append([]string(nil), r.CheckerProfiles...)
	cp.Comments = append([]Comment(nil), r.Comments...)
	cp.ToolArguments = cloneMap(r.ToolArguments)
	cp.ExecutionResult = cloneMap(r.ExecutionResult)
	cp.ApprovedAt = cloneTime(r.ApprovedAt)
	cp.RejectedAt = cloneTime(r.RejectedAt)
	cp.ExecutedAt = cloneTime(r.ExecutedAt)
	return &cp
}

// RoleConfiguration defines which profiles may approve and which may only request.
type RoleConfiguration struct {
	CheckerProfiles []string  `json:"checker_profiles"`
	MakerProfiles   []string  `json:"maker_profiles"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// AuditStatus is the status column of a reconstructed audit row.
type AuditStatus string

const (
	AuditSuccess   AuditStatus = "success"
	AuditFailed    AuditStatus = "failed"
	AuditBlocked   AuditStatus = "blocked"
	AuditPending   AuditStatus = "pending"
	AuditApproved  AuditStatus = "approved"
	AuditRejected  AuditStatus = "rejected"
	AuditExecuting AuditStatus = "executing"
	AuditExecuted  AuditStatus = "executed"
)

// AuditEntry is one derived row of the audit trail. It is never persisted.
type AuditEntry struct {
	Timestamp time.Time      `json:"timestamp"`
	RunID     string         `json:"run_id"`
	ThreadID  string         `json:"thread_id"`
	User      string         `json:"user"`
	Cloud     string         `json:"cloud"`
	Action    string         `json:"action"`
	Resource  string         `json:"resource"`
	Status    AuditStatus    `json:"status"`
	Details   string         `json:"details"`
	ToolArgs  map[string]any `json:"tool_args,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		cp := make(map[string]any, len(m))
		for k, v := range m {
			cp[k] = v
		}
		return cp
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return m
	}
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

package approval

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/QwavePune/aws-infra-agent-bot/internal/core"
)

// Repository persists approval requests across processes.
type Repository interface {
	Save(r *core.ApprovalRequest) error
	LoadAll() ([]*core.ApprovalRequest, error)
}

// SQLRepository stores requests in the approval_requests table created by
// db.Open.
type SQLRepository struct {
	db *sql.DB
}

// NewSQLRepository wraps an open agent database.
func NewSQLRepository(db *sql.DB) *SQLRepository {
	return &SQLRepository{db: db}
}

const upsertRequest = `
INSERT INTO approval_requests (
    request_id, created_at, updated_at, run_id, thread_id, requester_profile,
    checker_profiles, tool_name, tool_arguments, target_executor, status,
    plan_preview, execution_result, execution_error, comments,
    approved_at, approved_by, rejected_at, rejected_by, executed_at, executed_by
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(request_id) DO UPDATE SET
    updated_at = excluded.updated_at,
    status = excluded.status,
    execution_result = excluded.execution_result,
    execution_error = excluded.execution_error,
    comments = excluded.comments,
    approved_at = excluded.approved_at,
    approved_by = excluded.approved_by,
    rejected_at = excluded.rejected_at,
    rejected_by = excluded.rejected_by,
    executed_at = excluded.executed_at,
    executed_by = excluded.executed_by`

// Save inserts or updates a request. Identity fields are written once.
func (r *SQLRepository) Save(req *core.ApprovalRequest) error {
	checkers, err := json.Marshal(req.CheckerProfiles)
	if err != nil {
		return fmt.Errorf("encoding checker profiles: %w", err)
	}
	args, err := json.Marshal(req.ToolArguments)
	if err != nil {
		return fmt.Errorf("encoding tool arguments: %w", err)
	}
	comments, err := json.Marshal(req.Comments)
	if err != nil {
		return fmt.Errorf("encoding comments: %w", err)
	}
	var result sql.NullString
	if req.ExecutionResult != nil {
		data, err := json.Marshal(req.ExecutionResult)
		if err != nil {
			return fmt.Errorf("encoding execution result: %w", err)
		}
		result = sql.NullString{String: string(data), Valid: true}
	}

	_, err = r.db.Exec(upsertRequest,
		req.RequestID,
		formatTime(req.CreatedAt),
		formatTime(req.UpdatedAt),
		req.RunID,
		req.ThreadID,
		req.RequesterProfile,
		string(checkers),
		req.ToolName,
		string(args),
		string(req.TargetExecutor),
		string(req.Status),
		req.PlanPreview,
		result,
		req.ExecutionError,
		string(comments),
		nullTime(req.ApprovedAt),
		req.ApprovedBy,
		nullTime(req.RejectedAt),
		req.RejectedBy,
		nullTime(req.ExecutedAt),
		req.ExecutedBy,
	)
	if err != nil {
		return fmt.Errorf("saving approval request: %w", err)
	}
	return nil
}

// LoadAll reads every request, oldest first.
func (r *SQLRepository) LoadAll() ([]*core.ApprovalRequest, error) {
	rows, err := r.db.Query(`
		SELECT request_id, created_at, updated_at, run_id, thread_id, requester_profile,
		       checker_profiles, tool_name, tool_arguments, target_executor, status,
		       plan_preview, execution_result, execution_error, comments,
		       approved_at, approved_by, rejected_at, rejected_by, executed_at, executed_by
		FROM approval_requests ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("querying approval requests: %w", err)
	}
	defer rows.Close()

	var out []*core.ApprovalRequest
	for rows.Next() {
		var (
			req                                core.ApprovalRequest
			created, updated                   string
			checkers, args, comments           string
			target, status                     string
			result                             sql.NullString
			approvedAt, rejectedAt, executedAt sql.NullString
		)
		if err := rows.Scan(
			&req.RequestID, &created, &updated, &req.RunID, &req.ThreadID, &req.RequesterProfile,
			&checkers, &req.ToolName, &args, &target, &status,
			&req.PlanPreview, &result, &req.ExecutionError, &comments,
			&approvedAt, &req.ApprovedBy, &rejectedAt, &req.RejectedBy, &executedAt, &req.ExecutedBy,
		); err != nil {
			return nil, fmt.Errorf("scanning approval request: %w", err)
		}
		req.CreatedAt = parseTime(created)
		req.UpdatedAt = parseTime(updated)
		req.TargetExecutor = core.Backend(target)
		req.Status = core.ApprovalStatus(status)
		req.ApprovedAt = parseNullTime(approvedAt)
		req.RejectedAt = parseNullTime(rejectedAt)
		req.ExecutedAt = parseNullTime(executedAt)

		if err := json.Unmarshal([]byte(checkers), &req.CheckerProfiles); err != nil {
			return nil, fmt.Errorf("decoding checker profiles of %s: %w", req.RequestID, err)
		}
		if err := json.Unmarshal([]byte(args), &req.ToolArguments); err != nil {
			return nil, fmt.Errorf("decoding tool arguments of %s: %w", req.RequestID, err)
		}
		if err := json.Unmarshal([]byte(comments), &req.Comments); err != nil {
			return nil, fmt.Errorf("decoding comments of %s: %w", req.RequestID, err)
		}
		if result.Valid && result.String != "" {
			if err := json.Unmarshal([]byte(result.String), &req.ExecutionResult); err != nil {
				return nil, fmt.Errorf("decoding execution result of %s: %w", req.RequestID, err)
			}
		}
		if req.Comments == nil {
			req.Comments = []core.Comment{}
		}
		out = append(out, &req)
	}
	return out, rows.Err()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

// Package approval implements the maker-checker queue for mutating tool
// calls. A request is created when a gated call is intercepted, reviewed by
// a profile from the checker set captured at creation, and executed under a
// checker's credentials once approved.
package approval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/QwavePune/aws-infra-agent-bot/internal/core"
	"github.com/QwavePune/aws-infra-agent-bot/internal/intent"
	"github.com/QwavePune/aws-infra-agent-bot/internal/profile"
	"github.com/QwavePune/aws-infra-agent-bot/internal/tools"
)

// ErrNotFound is returned for unknown request ids.
var ErrNotFound = errors.New("approval request not found")

// IsNotFound reports whether err is ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// Executor runs an approved tool call.
type Executor interface {
	Execute(ctx context.Context, cred profile.Credential, name string, args map[string]any) tools.Result
}

// Previewer renders saved Terraform plans for plan previews.
type Previewer interface {
	ResolveProject(ref string) string
	ShowPlan(ctx context.Context, cred profile.Credential, project string) (string, error)
}

// EventSink receives one record per state transition.
type EventSink interface {
	Record(eventType string, fields map[string]any) error
}

// Options configures a Store. Roles, Profiles and Executor are required.
type Options struct {
	Roles         *RoleStore
	Profiles      *profile.Context
	Executor      Executor
	Policy        *intent.Policy
	Previewer     Previewer
	Repository    Repository
	Events        EventSink
	GatedBackends []core.Backend
	Logger        zerolog.Logger
}

// Store holds approval requests keyed by id behind a single mutex.
type Store struct {
	mu       sync.Mutex
	requests map[string]*core.ApprovalRequest

	roles     *RoleStore
	profiles  *profile.Context
	executor  Executor
	policy    *intent.Policy
	previewer Previewer
	repo      Repository
	events    EventSink
	gated     map[core.Backend]bool
	logger    zerolog.Logger
	now       func() time.Time
}

// NewStore builds a store and loads persisted requests when a repository is
// configured.
func NewStore(opts Options) (*Store, error) {
	if opts.Roles == nil || opts.Profiles == nil || opts.Executor == nil {
		return nil, fmt.Errorf("approval store requires roles, profiles and an executor")
	}
	if opts.Policy == nil {
		opts.Policy = intent.Default()
	}
	if len(opts.GatedBackends) == 0 {
		opts.GatedBackends = []core.Backend{core.BackendAWSTerraform}
	}
	s := &Store{
		requests:  make(map[string]*core.ApprovalRequest),
		roles:     opts.Roles,
		profiles:  opts.Profiles,
		executor:  opts.Executor,
		policy:    opts.Policy,
		previewer: opts.Previewer,
		repo:      opts.Repository,
		events:    opts.Events,
		gated:     make(map[core.Backend]bool, len(opts.GatedBackends)),
		logger:    opts.Logger,
		now:       time.Now,
	}
	for _, b := range opts.GatedBackends {
		s.gated[b] = true
	}
	if s.repo != nil {
		loaded, err := s.repo.LoadAll()
		if err != nil {
			return nil, fmt.Errorf("loading approval requests: %w", err)
		}
		for _, r := range loaded {
			s.requests[r.RequestID] = r
		}
		s.logger.Debug().Int("count", len(loaded)).Msg("approval requests loaded")
	}
	return s, nil
}

// Roles returns the role configuration backing the store.
func (s *Store) Roles() *RoleStore { return s.roles }

// ShouldGate reports whether a call must be queued for approval instead of
// executing immediately.
func (s *Store) ShouldGate(tool string, backend core.Backend, activeProfile string) bool {
	if !s.gated[backend] || !s.policy.IsMutatingTool(tool) {
		return false
	}
	if len(s.roles.Checkers()) == 0 {
		return false
	}
	return !s.roles.IsChecker(activeProfile)
}

// GatesBackend reports whether mutating calls on backend are subject to
// approval.
func (s *Store) GatesBackend(backend core.Backend) bool { return s.gated[backend] }

// CreateParams describes a gated call.
type CreateParams struct {
	RunID      string
	ThreadID   string
	Requester  profile.Credential
	ToolName   string
	Arguments  map[string]any
	Backend    core.Backend
	Annotation string
}

// Create queues a pending request with a snapshot of the current checkers.
func (s *Store) Create(ctx context.Context, p CreateParams) (*core.ApprovalRequest, error) {
	if strings.TrimSpace(p.ToolName) == "" {
		return nil, core.Errorf(core.KindValidation, "approval.create", "tool name is required")
	}
	args := p.Arguments
	if args == nil {
		args = map[string]any{}
	}
	now := s.now().UTC()
	req := &core.ApprovalRequest{
		RequestID:        uuid.NewString(),
		CreatedAt:        now,
		UpdatedAt:        now,
		RunID:            p.RunID,
		ThreadID:         p.ThreadID,
		RequesterProfile: p.Requester.Profile,
		CheckerProfiles:  s.roles.Checkers(),
		ToolName:         p.ToolName,
		ToolArguments:    args,
		TargetExecutor:   p.Backend,
		Status:           core.StatusPending,
		PlanPreview:      s.preview(ctx, p.Requester, p.ToolName, args),
		Comments:         []core.Comment{},
	}
	if note := strings.TrimSpace(p.Annotation); note != "" {
		req.Comments = append(req.Comments, core.Comment{
			Timestamp:     now,
			AuthorProfile: req.RequesterProfile,
			AuthorRole:    core.RoleMaker,
			Message:       note,
		})
	}
	req = req.Clone()

	s.mu.Lock()
	if err := s.persist(req); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.requests[req.RequestID] = req
	out := req.Clone()
	s.mu.Unlock()

	s.logger.Info().
		Str("request_id", out.RequestID).
		Str("tool", out.ToolName).
		Str("requester", out.RequesterProfile).
		Strs("checkers", out.CheckerProfiles).
		Msg("approval request created")
	s.record("approval_request_created", out, nil)
	return out, nil
}

// preview renders the saved plan of the referenced project, falling back
// to a JSON echo of the call.
func (s *Store) preview(ctx context.Context, cred profile.Credential, tool string, args map[string]any) string {
	if s.previewer != nil {
		if ref, _ := args["project_name"].(string); strings.TrimSpace(ref) != "" {
			project := s.previewer.ResolveProject(strings.TrimSpace(ref))
			text, err := s.previewer.ShowPlan(ctx, cred, project)
			if err == nil && strings.TrimSpace(text) != "" {
				return text
			}
			if err != nil {
				s.logger.Debug().Err(err).Str("project", project).Msg("plan preview unavailable")
			}
		}
	}
	data, err := json.MarshalIndent(map[string]any{
		"tool_name":      tool,
		"tool_arguments": args,
	}, "", "  ")
	if err != nil {
		return tool
	}
	return string(data)
}

// Approve moves a pending request to approved.
func (s *Store) Approve(id, notes, actingProfile string) (*core.ApprovalRequest, error) {
	return s.review(id, notes, actingProfile, core.StatusApproved)
}

// Reject moves a pending request to rejected.
func (s *Store) Reject(id, notes, actingProfile string) (*core.ApprovalRequest, error) {
	return s.review(id, notes, actingProfile, core.StatusRejected)
}

func (s *Store) review(id, notes, actor string, to core.ApprovalStatus) (*core.ApprovalRequest, error) {
	op := "approval.approve"
	if to == core.StatusRejected {
		op = "approval.reject"
	}

	s.mu.Lock()
	cur, ok := s.requests[id]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%s %s: %w", op, id, ErrNotFound)
	}
	if !cur.IsChecker(actor) {
		s.mu.Unlock()
		return nil, core.Errorf(core.KindAuthorization, op,
			"profile '%s' is not an authorized checker for request %s", actor, id)
	}
	if cur.Status != core.StatusPending {
		s.mu.Unlock()
		return nil, core.Errorf(core.KindStateConflict, op,
			"request %s is %s, expected %s", id, cur.Status, core.StatusPending)
	}

	next := cur.Clone()
	now := s.now().UTC()
	next.Status = to
	next.UpdatedAt = now
	if to == core.StatusApproved {
		next.ApprovedAt = &now
		next.ApprovedBy = actor
	} else {
		next.RejectedAt = &now
		next.RejectedBy = actor
	}
	if msg := strings.TrimSpace(notes); msg != "" {
		next.Comments = append(next.Comments, core.Comment{
			Timestamp:     now,
			AuthorProfile: actor,
			AuthorRole:    core.RoleChecker,
			Message:       msg,
		})
	}
	if err := s.persist(next); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.requests[id] = next
	out := next.Clone()
	s.mu.Unlock()

	s.logger.Info().Str("request_id", id).Str("status", string(to)).Str("actor", actor).Msg("approval request reviewed")
	s.record("approval_request_"+string(to), out, map[string]any{"actor": actor})
	return out, nil
}

// Execute runs an approved request under a checker's credentials. The
// request ends executed or failed; it is never retried automatically.
func (s *Store) Execute(ctx context.Context, id, actingProfile string) (*core.ApprovalRequest, error) {
	const op = "approval.execute"

	s.mu.Lock()
	cur, ok := s.requests[id]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%s %s: %w", op, id, ErrNotFound)
	}
	if cur.Status != core.StatusApproved {
		s.mu.Unlock()
		return nil, core.Errorf(core.KindStateConflict, op,
			"request %s is %s, expected %s", id, cur.Status, core.StatusApproved)
	}
	running := cur.Clone()
	running.Status = core.StatusExecuting
	running.UpdatedAt = s.now().UTC()
	if err := s.persist(running); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.requests[id] = running
	call := running.Clone()
	s.mu.Unlock()

	runAs := executionProfile(call, actingProfile)
	s.logger.Info().Str("request_id", id).Str("tool", call.ToolName).Str("profile", runAs).Msg("executing approved request")
	s.record("approval_request_executing", call, map[string]any{"actor": actingProfile, "execution_profile": runAs})

	res := s.run(ctx, runAs, call)

	s.mu.Lock()
	done := s.requests[id].Clone()
	now := s.now().UTC()
	done.UpdatedAt = now
	done.ExecutedAt = &now
	done.ExecutedBy = actingProfile
	done.ExecutionResult = map[string]any(res)
	if res.Success() {
		done.Status = core.StatusExecuted
		done.ExecutionError = ""
	} else {
		done.Status = core.StatusFailed
		done.ExecutionError = res.ErrorMessage()
		if done.ExecutionError == "" {
			done.ExecutionError = "execution failed"
		}
	}
	err := s.persist(done)
	s.requests[id] = done
	out := done.Clone()
	s.mu.Unlock()

	if err != nil {
		s.logger.Error().Err(err).Str("request_id", id).Msg("persisting execution outcome")
	}
	s.logger.Info().Str("request_id", id).Str("status", string(out.Status)).Msg("approved request finished")
	s.record("approval_request_"+string(out.Status), out, map[string]any{
		"actor":     actingProfile,
		"success":   res.Success(),
		"error":     out.ExecutionError,
		"tool_args": out.ToolArguments,
	})
	return out, nil
}

// run executes the stored call under runAs and converts a panic into a
// failed result so the request never stays executing.
func (s *Store) run(ctx context.Context, runAs string, req *core.ApprovalRequest) (res tools.Result) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Interface("panic", r).Str("request_id", req.RequestID).Msg("approved execution panicked")
			res = tools.Failf(core.KindExecution, "Execution panicked: %v", r)
		}
	}()
	_ = s.profiles.WithProfile(runAs, func(cred profile.Credential) error {
		res = s.executor.Execute(ctx, cred, req.ToolName, req.ToolArguments)
		return nil
	})
	if res == nil {
		res = tools.Fail(core.KindExecution, "Execution returned no result")
	}
	return res
}

// executionProfile picks the acting profile when it is a checker for the
// request, else the first snapshotted checker.
func executionProfile(req *core.ApprovalRequest, acting string) string {
	if req.IsChecker(acting) || len(req.CheckerProfiles) == 0 {
		return acting
	}
	return req.CheckerProfiles[0]
}

// AddComment appends to the discussion thread in any state.
func (s *Store) AddComment(id, author, message string) (*core.ApprovalRequest, error) {
	const op = "approval.comment"
	msg := strings.TrimSpace(message)
	if msg == "" {
		return nil, core.Errorf(core.KindValidation, op, "comment message is required")
	}

	s.mu.Lock()
	cur, ok := s.requests[id]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%s %s: %w", op, id, ErrNotFound)
	}
	role := core.RoleMaker
	if cur.IsChecker(author) {
		role = core.RoleChecker
	}
	next := cur.Clone()
	now := s.now().UTC()
	next.UpdatedAt = now
	next.Comments = append(next.Comments, core.Comment{
		Timestamp:     now,
		AuthorProfile: author,
		AuthorRole:    role,
		Message:       msg,
	})
	if err := s.persist(next); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.requests[id] = next
	out := next.Clone()
	s.mu.Unlock()

	s.record("approval_comment_added", out, map[string]any{"author": author, "author_role": string(role)})
	return out, nil
}

// Get returns a copy of one request.
func (s *Store) Get(id string) (*core.ApprovalRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[id]
	if !ok {
		return nil, fmt.Errorf("approval.get %s: %w", id, ErrNotFound)
	}
	return r.Clone(), nil
}

// Filter narrows List. Zero values match everything.
type Filter struct {
	Status    core.ApprovalStatus
	Requester string
	Checker   string
	ThreadID  string
	Limit     int
}

// List returns matching requests, newest first.
func (s *Store) List(f Filter) []*core.ApprovalRequest {
	s.mu.Lock()
	out := make([]*core.ApprovalRequest, 0, len(s.requests))
	for _, r := range s.requests {
		if f.Status != "" && r.Status != f.Status {
			continue
		}
		if f.Requester != "" && r.RequesterProfile != f.Requester {
			continue
		}
		if f.Checker != "" && !r.IsChecker(f.Checker) {
			continue
		}
		if f.ThreadID != "" && r.ThreadID != f.ThreadID {
			continue
		}
		out = append(out, r.Clone())
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].RequestID > out[j].RequestID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

// persist writes through to the repository; callers hold the lock.
func (s *Store) persist(r *core.ApprovalRequest) error {
	if s.repo == nil {
		return nil
	}
	if err := s.repo.Save(r); err != nil {
		return fmt.Errorf("persisting approval request %s: %w", r.RequestID, err)
	}
	return nil
}

func (s *Store) record(eventType string, r *core.ApprovalRequest, extra map[string]any) {
	if s.events == nil {
		return
	}
	fields := map[string]any{
		"request_id":        r.RequestID,
		"run_id":            r.RunID,
		"thread_id":         r.ThreadID,
		"tool_name":         r.ToolName,
		"status":            string(r.Status),
		"requester_profile": r.RequesterProfile,
	}
	for k, v := range extra {
		fields[k] = v
	}
	if err := s.events.Record(eventType, fields); err != nil {
		s.logger.Warn().Err(err).Str("event_type", eventType).Msg("recording approval event")
	}
}

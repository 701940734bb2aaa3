// Package agent runs the tool-calling conversation loop: it invokes the
// model, guards and gates the tool calls it requests, executes the rest and
// streams the outcome to the caller.
package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/QwavePune/aws-infra-agent-bot/internal/approval"
	awsops "github.com/QwavePune/aws-infra-agent-bot/internal/aws"
	"github.com/QwavePune/aws-infra-agent-bot/internal/core"
	"github.com/QwavePune/aws-infra-agent-bot/internal/eventlog"
	"github.com/QwavePune/aws-infra-agent-bot/internal/history"
	"github.com/QwavePune/aws-infra-agent-bot/internal/intent"
	"github.com/QwavePune/aws-infra-agent-bot/internal/llm"
	"github.com/QwavePune/aws-infra-agent-bot/internal/policy"
	"github.com/QwavePune/aws-infra-agent-bot/internal/profile"
	"github.com/QwavePune/aws-infra-agent-bot/internal/tools"
)

const (
	DefaultMaxIterations = 5
	ChunkSize            = 60

	FallbackToolsText = "I have initiated the infrastructure changes as requested."
	FallbackEmptyText = "No response generated."
)

// ToolExecutor runs one tool call. *tools.Executor implements it.
type ToolExecutor interface {
	Execute(ctx context.Context, cred profile.Credential, name string, args map[string]any) tools.Result
}

// PlanIndex answers which Terraform projects hold a saved plan.
// *terraform.Manager implements it.
type PlanIndex interface {
	ResolveProject(ref string) string
	HasPlan(project string) bool
}

// IdentityResolver resolves the caller behind a credential.
type IdentityResolver interface {
	Identity(ctx context.Context, cred profile.Credential) (awsops.CallerIdentity, error)
}

// EventSink receives workflow events. *eventlog.Log implements it.
type EventSink interface {
	Record(eventType string, fields map[string]any) error
}

// ClientFactory returns the model client for a provider and model.
type ClientFactory func(provider, model string) (llm.Client, error)

// Options wires an Orchestrator. LLM, Executor, Registry, Profiles and
// History are required.
type Options struct {
	LLM           ClientFactory
	Executor      ToolExecutor
	Registry      *tools.Registry
	Profiles      *profile.Context
	History       *history.Store
	Approvals     *approval.Store
	Intent        *intent.Policy
	Rules         *policy.Engine
	Plans         PlanIndex
	Identity      IdentityResolver
	Events        EventSink
	MaxIterations int
	Logger        zerolog.Logger
}

// Orchestrator runs conversations. It is safe for concurrent use; runs on
// the same thread are expected to be serialized by the caller.
type Orchestrator struct {
	llm       ClientFactory
	executor  ToolExecutor
	registry  *tools.Registry
	profiles  *profile.Context
	history   *history.Store
	approvals *approval.Store
	intent    *intent.Policy
	rules     *policy.Engine
	plans     PlanIndex
	identity  IdentityResolver
	events    EventSink
	maxIter   int
	logger    zerolog.Logger
	now       func() time.Time
}

// New validates opts and builds an Orchestrator.
func New(opts Options) (*Orchestrator, error) {
	if opts.LLM == nil || opts.Executor == nil || opts.Registry == nil || opts.Profiles == nil || opts.History == nil {
		return nil, fmt.Errorf("orchestrator requires an LLM factory, executor, registry, profiles and history")
	}
	if opts.Intent == nil {
		opts.Intent = opts.Registry.Policy()
	}
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = DefaultMaxIterations
	}
	return &Orchestrator{
		llm:       opts.LLM,
		executor:  opts.Executor,
		registry:  opts.Registry,
		profiles:  opts.Profiles,
		history:   opts.History,
		approvals: opts.Approvals,
		intent:    opts.Intent,
		rules:     opts.Rules,
		plans:     opts.Plans,
		identity:  opts.Identity,
		events:    opts.Events,
		maxIter:   opts.MaxIterations,
		logger:    opts.Logger,
		now:       time.Now,
	}, nil
}

// RunRequest is one user message.
type RunRequest struct {
	Message   string       `json:"message"`
	ThreadID  string       `json:"threadId,omitempty"`
	Provider  string       `json:"provider,omitempty"`
	Model     string       `json:"model,omitempty"`
	Backend   core.Backend `json:"mcpServer,omitempty"`
	ClientKey string       `json:"-"`
	// Profile overrides the client's current profile for this run.
	Profile string `json:"profile,omitempty"`
}

// CallStatus is how a requested tool call was handled.
type CallStatus string

const (
	CallExecuted  CallStatus = "executed"
	CallBlocked   CallStatus = "blocked"
	CallQueued    CallStatus = "queued"
	CallDuplicate CallStatus = "duplicate"
)

// CallOutcome records one requested tool call.
type CallOutcome struct {
	Call      core.ToolCall `json:"call"`
	Status    CallStatus    `json:"status"`
	Result    tools.Result  `json:"result"`
	RequestID string        `json:"request_id,omitempty"`
}

// RunOutcome summarizes a finished run.
type RunOutcome struct {
	Context    core.RunContext `json:"context"`
	Text       string          `json:"text"`
	Iterations int             `json:"iterations"`
	Calls      []CallOutcome   `json:"calls"`
}

// Outcomes returns the calls with the given status.
func (o *RunOutcome) Outcomes(status CallStatus) []CallOutcome {
	var out []CallOutcome
	for _, c := range o.Calls {
		if c.Status == status {
			out = append(out, c)
		}
	}
	return out
}

// run holds the mutable state of one Run.
type run struct {
	rc          core.RunContext
	cred        profile.Credential
	emit        Emitter
	outcome     *RunOutcome
	lastPlanned string
	followUp    string
}

// Run processes req and streams events to emit. Errors from the model are
// returned after RUN_ERROR has been emitted; tool failures never are.
func (o *Orchestrator) Run(ctx context.Context, req RunRequest, emit Emitter) (*RunOutcome, error) {
	if emit == nil {
		emit = Discard
	}
	if strings.TrimSpace(req.Message) == "" {
		return nil, core.Errorf(core.KindValidation, "agent.run", "message is required")
	}
	if req.ThreadID == "" {
		req.ThreadID = uuid.NewString()
	}
	if req.Backend == "" {
		req.Backend = core.BackendAWSTerraform
	}
	if !req.Backend.Valid() {
		return nil, core.Errorf(core.KindValidation, "agent.run", "unknown mcpServer %q", req.Backend)
	}
	cred := o.profiles.Credential(req.ClientKey)
	if req.Profile != "" {
		cred.Profile = req.Profile
	}

	r := &run{
		rc: core.RunContext{
			RunID:          uuid.NewString(),
			ThreadID:       req.ThreadID,
			MessageID:      uuid.NewString(),
			Provider:       req.Provider,
			Model:          req.Model,
			MCPServer:      req.Backend,
			ActiveProfile:  cred.Profile,
			ClientKey:      req.ClientKey,
			ReadOnlyIntent: o.intent.DetectReadOnlyIntent(req.Message),
		},
		cred: cred,
		emit: emit,
	}
	r.outcome = &RunOutcome{Context: r.rc, Calls: []CallOutcome{}}
	logger := o.logger.With().Str("run_id", r.rc.RunID).Str("thread_id", r.rc.ThreadID).Logger()

	o.record(r, eventlog.EventQueryReceived, map[string]any{
		"message":          req.Message,
		"provider":         req.Provider,
		"model":            req.Model,
		"read_only_intent": r.rc.ReadOnlyIntent,
	})
	logger.Info().Str("profile", cred.Profile).Bool("read_only", r.rc.ReadOnlyIntent).Msg("run started")

	o.send(r, Event{Type: RunStarted, RunID: r.rc.RunID, ThreadID: r.rc.ThreadID})
	o.send(r, Event{Type: TextMessageStart, MessageID: r.rc.MessageID, Role: string(llm.RoleAssistant)})

	hist := o.history.BeginTurn(r.rc.ThreadID, req.Message)
	backendActive := req.Backend.ServesAWSTools()

	var text string
	if isCapabilitiesQuestion(req.Message) {
		text = capabilitiesText(o.registry, backendActive)
		o.history.Append(r.rc.ThreadID, llm.Assistant(text))
		o.record(r, eventlog.EventCapabilitiesAnswered, map[string]any{"tools": len(o.registry.Names())})
	} else {
		var err error
		text, err = o.loop(ctx, r, hist, backendActive, logger)
		if err != nil {
			logger.Error().Err(err).Msg("run failed")
			o.record(r, eventlog.EventRunFailed, map[string]any{"error": err.Error()})
			o.send(r, Event{Type: RunError, RunID: r.rc.RunID, ThreadID: r.rc.ThreadID, Message: err.Error()})
			return r.outcome, err
		}
	}

	r.outcome.Text = text
	for _, c := range chunks(text, ChunkSize) {
		o.send(r, Event{Type: TextMessageContent, MessageID: r.rc.MessageID, Delta: c})
	}
	o.send(r, Event{Type: TextMessageEnd, MessageID: r.rc.MessageID})
	o.record(r, eventlog.EventRunFinished, map[string]any{
		"iterations":    r.outcome.Iterations,
		"response_size": len(text),
	})
	o.send(r, Event{Type: RunFinished, RunID: r.rc.RunID, ThreadID: r.rc.ThreadID})
	logger.Info().Int("iterations", r.outcome.Iterations).Int("calls", len(r.outcome.Calls)).Msg("run finished")
	return r.outcome, nil
}

func (o *Orchestrator) loop(ctx context.Context, r *run, hist []llm.Message, backendActive bool, logger zerolog.Logger) (string, error) {
	client, err := o.llm(r.rc.Provider, r.rc.Model)
	if err != nil {
		return "", fmt.Errorf("creating %s client: %w", r.rc.Provider, err)
	}

	var defs []llm.ToolDefinition
	if backendActive {
		for _, d := range o.registry.Definitions() {
			defs = append(defs, llm.ToolDefinition{Name: d.Name, Description: d.Description, Parameters: d.Parameters})
		}
		o.permissionCheck(ctx, r, logger)
	}
	if note := llm.ProviderNotice(r.rc.Provider, backendActive); note != "" {
		o.send(r, Event{Type: TextMessageContent, MessageID: r.rc.MessageID, Delta: note})
	}

	var last llm.Message
	for r.outcome.Iterations < o.maxIter {
		o.record(r, eventlog.EventLLMInvocation, map[string]any{
			"iteration":     r.outcome.Iterations + 1,
			"history_size":  len(hist),
			"tools_offered": len(defs),
		})
		resp, err := client.Invoke(ctx, hist, defs)
		if err != nil {
			if errors.Is(err, llm.ErrToolsUnsupported) {
				logger.Warn().Err(err).Msg("provider rejected tool calling")
				o.history.Append(r.rc.ThreadID, llm.Assistant(llm.ToolsUnsupportedMessage))
				return llm.ToolsUnsupportedMessage, nil
			}
			return "", fmt.Errorf("invoking model: %w", err)
		}
		if resp.Role == "" {
			resp.Role = llm.RoleAssistant
		}
		last = resp
		hist = append(hist, resp)
		o.history.Append(r.rc.ThreadID, resp)

		calls := llm.ExtractToolCalls(resp, o.now(), r.outcome.Iterations)
		if len(calls) == 0 {
			break
		}
		names := make([]string, len(calls))
		for i, c := range calls {
			names[i] = c.Name
		}
		o.record(r, eventlog.EventToolCallsRequested, map[string]any{"tool_names": names})
		logger.Info().Strs("tools", names).Msg("model requested tools")

		msgs := o.handleCalls(ctx, r, calls, backendActive)
		hist = append(hist, msgs...)
		o.history.Append(r.rc.ThreadID, msgs...)
		r.outcome.Iterations++

		if r.followUp != "" {
			o.history.Append(r.rc.ThreadID, llm.Assistant(r.followUp))
			return r.followUp, nil
		}
	}

	text := strings.TrimSpace(last.Content)
	if text == "" {
		if last.HasToolCalls() {
			return FallbackToolsText, nil
		}
		logger.Warn().Msg("model returned an empty response")
		return FallbackEmptyText, nil
	}
	return last.Content, nil
}

// permissionCheck records who the run acts as. An unresolvable identity is
// recorded but does not stop the run; the executor refuses calls itself.
func (o *Orchestrator) permissionCheck(ctx context.Context, r *run, logger zerolog.Logger) {
	if o.identity == nil {
		return
	}
	id, err := o.identity.Identity(ctx, r.cred)
	if err != nil {
		logger.Warn().Err(err).Str("profile", r.cred.Profile).Msg("identity unresolved")
		o.record(r, eventlog.EventPermissionCheck, map[string]any{"success": false, "error": err.Error()})
		return
	}
	o.record(r, eventlog.EventPermissionCheck, map[string]any{
		"success":  true,
		"user_arn": id.ARN,
		"account":  id.Account,
	})
}

// handleCalls applies dedupe, guard, repair, gate and execution to one
// turn's calls and returns the tool messages answering them.
func (o *Orchestrator) handleCalls(ctx context.Context, r *run, calls []core.ToolCall, backendActive bool) []llm.Message {
	seen := make(map[string]tools.Result, len(calls))
	msgs := make([]llm.Message, 0, len(calls))
	for _, call := range calls {
		sig := call.Signature()
		if prev, ok := seen[sig]; ok {
			o.logger.Debug().Str("tool", call.Name).Str("call_id", call.CallID).Msg("duplicate tool call skipped")
			r.outcome.Calls = append(r.outcome.Calls, CallOutcome{Call: call, Status: CallDuplicate, Result: prev})
			msgs = append(msgs, llm.ToolResult(call.CallID, call.Name, prev))
			continue
		}
		res := o.handleCall(ctx, r, call, backendActive)
		seen[sig] = res
		msgs = append(msgs, llm.ToolResult(call.CallID, call.Name, res))
	}
	return msgs
}

func (o *Orchestrator) handleCall(ctx context.Context, r *run, call core.ToolCall, backendActive bool) tools.Result {
	base := map[string]any{
		"tool_call_id": call.CallID,
		"tool_name":    call.Name,
		"tool_args":    call.Arguments,
	}

	if !backendActive {
		res := tools.Failf(core.KindValidation, "MCP server %s not found", r.rc.MCPServer)
		r.outcome.Calls = append(r.outcome.Calls, CallOutcome{Call: call, Status: CallExecuted, Result: res})
		return res
	}

	decision, reason := o.decide(ctx, r, call)
	if decision == policy.Block {
		if reason == "" || r.rc.ReadOnlyIntent {
			reason = blockMessage(call.Name)
		}
		res := tools.Fail(core.KindAuthorization, reason)
		res["blocked"] = true
		o.logger.Warn().Str("run_id", r.rc.RunID).Str("tool", call.Name).Msg("blocked mutating tool")
		o.record(r, eventlog.EventToolBlocked, with(base, map[string]any{"reason": reason, "success": false}))
		o.send(r, Event{Type: ToolBlocked, ToolName: call.Name, ToolCallID: call.CallID, Result: res, Message: reason})
		r.outcome.Calls = append(r.outcome.Calls, CallOutcome{Call: call, Status: CallBlocked, Result: res})
		return res
	}

	if call.Name == tools.ToolTerraformApply {
		call = o.repairApply(r, call)
		base["tool_args"] = call.Arguments
	}

	if decision == policy.RequireApproval && o.approvals != nil {
		return o.queue(ctx, r, call, base, reason)
	}

	o.record(r, eventlog.EventToolStarted, base)
	res := o.executor.Execute(ctx, r.cred, call.Name, call.Arguments)
	// Terminal records join back to the started record for their arguments.
	terminal := map[string]any{
		"tool_call_id": call.CallID,
		"tool_name":    call.Name,
		"tool_result":  condensed(res),
	}
	if res.Success() {
		o.record(r, eventlog.EventToolCompleted, with(terminal, map[string]any{"success": true}))
	} else {
		o.record(r, eventlog.EventToolFailed, with(terminal, map[string]any{
			"success":    false,
			"error":      res.ErrorMessage(),
			"error_kind": string(res.ErrorKind()),
		}))
	}
	o.send(r, Event{Type: ToolResult, ToolName: call.Name, ToolCallID: call.CallID, Result: res})
	r.outcome.Calls = append(r.outcome.Calls, CallOutcome{Call: call, Status: CallExecuted, Result: res})

	if call.Name == tools.ToolTerraformPlan && res.Success() {
		if p, _ := res["project_name"].(string); p != "" {
			r.lastPlanned = p
		}
	}
	if r.followUp == "" {
		r.followUp = followUpText(res)
	}
	return res
}

// decide combines the built-in guard and gate with the rego policy; the
// stricter outcome wins.
func (o *Orchestrator) decide(ctx context.Context, r *run, call core.ToolCall) (policy.Decision, string) {
	mutating := o.intent.IsMutatingTool(call.Name)
	decision := policy.Allow
	switch {
	case r.rc.ReadOnlyIntent && mutating:
		decision = policy.Block
	case o.approvals != nil && o.approvals.ShouldGate(call.Name, r.rc.MCPServer, r.cred.Profile):
		decision = policy.RequireApproval
	}
	if o.rules == nil {
		return decision, ""
	}

	in := policy.Input{
		ToolName:       call.Name,
		Args:           call.Arguments,
		Mutating:       mutating,
		ReadOnlyIntent: r.rc.ReadOnlyIntent,
		Backend:        string(r.rc.MCPServer),
		ActiveProfile:  r.cred.Profile,
	}
	if o.approvals != nil {
		roles := o.approvals.Roles()
		in.GatedBackend = o.approvals.GatesBackend(r.rc.MCPServer)
		in.IsChecker = roles.IsChecker(r.cred.Profile)
		in.IsMaker = roles.IsMaker(r.cred.Profile)
		in.CheckersConfigured = len(roles.Checkers()) > 0
	}
	ruled, reason, err := o.rules.Evaluate(ctx, in)
	if err != nil {
		o.logger.Warn().Err(err).Str("tool", call.Name).Msg("policy evaluation failed, using built-in decision")
		return decision, ""
	}
	return policy.Stricter(decision, ruled), reason
}

// repairApply substitutes the project planned earlier in this run when
// the model names a project without a saved plan.
func (o *Orchestrator) repairApply(r *run, call core.ToolCall) core.ToolCall {
	if o.plans == nil || r.lastPlanned == "" {
		return call
	}
	ref, _ := call.Arguments["project_name"].(string)
	resolved := o.plans.ResolveProject(strings.TrimSpace(ref))
	if resolved == r.lastPlanned || (resolved != "" && o.plans.HasPlan(resolved)) {
		return call
	}
	if !o.plans.HasPlan(r.lastPlanned) {
		return call
	}
	args := make(map[string]any, len(call.Arguments)+1)
	for k, v := range call.Arguments {
		args[k] = v
	}
	args["project_name"] = r.lastPlanned
	o.logger.Info().Str("from", ref).Str("to", r.lastPlanned).Msg("repaired apply project")
	o.record(r, eventlog.EventApplyRepaired, map[string]any{
		"tool_call_id":     call.CallID,
		"tool_name":        call.Name,
		"original_project": ref,
		"project_name":     r.lastPlanned,
	})
	return core.ToolCall{Name: call.Name, Arguments: args, CallID: call.CallID}
}

func (o *Orchestrator) queue(ctx context.Context, r *run, call core.ToolCall, base map[string]any, reason string) tools.Result {
	req, err := o.approvals.Create(ctx, approval.CreateParams{
		RunID:      r.rc.RunID,
		ThreadID:   r.rc.ThreadID,
		Requester:  r.cred,
		ToolName:   call.Name,
		Arguments:  call.Arguments,
		Backend:    r.rc.MCPServer,
		Annotation: reason,
	})
	if err != nil {
		res := tools.FromError(err)
		r.outcome.Calls = append(r.outcome.Calls, CallOutcome{Call: call, Status: CallQueued, Result: res})
		return res
	}
	msg := queuedMessage(req.RequestID, req.CheckerProfiles)
	res := tools.Result{
		"success":             false,
		"pending_approval":    true,
		"approval_request_id": req.RequestID,
		"status":              string(req.Status),
		"checker_profiles":    req.CheckerProfiles,
		"message":             msg,
	}
	o.record(r, eventlog.EventToolQueued, with(base, map[string]any{
		"request_id": req.RequestID,
		"reason":     msg,
	}))
	o.send(r, Event{Type: ApprovalQueued, ToolName: call.Name, ToolCallID: call.CallID, RequestID: req.RequestID, Result: res, Message: msg})
	r.outcome.Calls = append(r.outcome.Calls, CallOutcome{Call: call, Status: CallQueued, Result: res, RequestID: req.RequestID})
	return res
}

// bulkyResultKeys are left out of recorded results; the error text and the
// tool message keep what operators need.
var bulkyResultKeys = map[string]bool{"stdout": true, "stderr": true, "state": true}

func condensed(res tools.Result) map[string]any {
	out := make(map[string]any, len(res))
	for k, v := range res {
		if !bulkyResultKeys[k] {
			out[k] = v
		}
	}
	return out
}

func (o *Orchestrator) send(r *run, e Event) {
	e.Timestamp = nowMillis(o.now())
	r.emit.Emit(e)
}

func (o *Orchestrator) record(r *run, eventType string, fields map[string]any) {
	if o.events == nil {
		return
	}
	rec := with(map[string]any{
		"run_id":     r.rc.RunID,
		"thread_id":  r.rc.ThreadID,
		"profile":    r.cred.Profile,
		"mcp_server": string(r.rc.MCPServer),
	}, fields)
	if err := o.events.Record(eventType, rec); err != nil {
		o.logger.Warn().Err(err).Str("event_type", eventType).Msg("event log write failed")
	}
}

func with(base, extra map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

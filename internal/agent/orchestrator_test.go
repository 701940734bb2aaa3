package agent_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/QwavePune/aws-infra-agent-bot/internal/agent"
	"github.com/QwavePune/aws-infra-agent-bot/internal/approval"
	"github.com/QwavePune/aws-infra-agent-bot/internal/audit"
	"github.com/QwavePune/aws-infra-agent-bot/internal/core"
	"github.com/QwavePune/aws-infra-agent-bot/internal/eventlog"
	"github.com/QwavePune/aws-infra-agent-bot/internal/history"
	"github.com/QwavePune/aws-infra-agent-bot/internal/llm"
	"github.com/QwavePune/aws-infra-agent-bot/internal/policy"
	"github.com/QwavePune/aws-infra-agent-bot/internal/profile"
	"github.com/QwavePune/aws-infra-agent-bot/internal/tools"
	"github.com/QwavePune/aws-infra-agent-bot/internal/tools/toolstest"
)

type harness struct {
	env       *toolstest.Env
	model     *llm.Scripted
	profiles  *profile.Context
	roles     *approval.RoleStore
	approvals *approval.Store
	history   *history.Store
	log       *eventlog.Log
	orch      *agent.Orchestrator
}

type harnessOption func(*agent.Options)

func newHarness(t *testing.T, checkers []string, opts ...harnessOption) *harness {
	t.Helper()
	env := toolstest.New(t)
	roles, err := approval.NewRoleStore(filepath.Join(t.TempDir(), approval.RolesFile))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := roles.Update(checkers, nil); err != nil {
		t.Fatal(err)
	}
	profiles := profile.NewContext("dev-profile", "us-east-1", zerolog.Nop())
	log, err := eventlog.Open(t.TempDir(), eventlog.DefaultChannel, 0, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { log.Close() })

	store, err := approval.NewStore(approval.Options{
		Roles:     roles,
		Profiles:  profiles,
		Executor:  env.Executor,
		Policy:    env.Policy,
		Previewer: env.Manager,
		Events:    log,
		Logger:    zerolog.Nop(),
	})
	if err != nil {
		t.Fatal(err)
	}

	model := llm.NewScripted()
	hist := history.NewStore(agent.SystemPrompt)
	o := agent.Options{
		LLM:       func(string, string) (llm.Client, error) { return model, nil },
		Executor:  env.Executor,
		Registry:  env.Registry,
		Profiles:  profiles,
		History:   hist,
		Approvals: store,
		Intent:    env.Policy,
		Plans:     env.Manager,
		Identity:  env.Cloud,
		Events:    log,
		Logger:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	orch, err := agent.New(o)
	if err != nil {
		t.Fatal(err)
	}
	return &harness{
		env: env, model: model, profiles: profiles, roles: roles,
		approvals: store, history: hist, log: log, orch: orch,
	}
}

func (h *harness) run(t *testing.T, message string) (*agent.RunOutcome, *agent.Collector) {
	t.Helper()
	c := &agent.Collector{}
	out, err := h.orch.Run(context.Background(), agent.RunRequest{
		Message:  message,
		ThreadID: "thread-1",
		Provider: "mock",
		Backend:  core.BackendAWSTerraform,
	}, c)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	return out, c
}

func (h *harness) eventTypes(t *testing.T) []string {
	t.Helper()
	recs, err := h.log.ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.EventType()
	}
	return out
}

var bucketArgs = map[string]any{"bucket_name": "demo-bucket", "region": "us-east-1"}

func TestScenarioDirectExecutionWithoutCheckers(t *testing.T) {
	h := newHarness(t, nil)
	h.model.CallTools(llm.Call("call_1", tools.ToolCreateS3Bucket, bucketArgs)).Reply("Bucket project created.")

	out, events := h.run(t, "create an S3 bucket named demo-bucket in us-east-1")

	if out.Context.ReadOnlyIntent {
		t.Fatal("create request classified read-only")
	}
	executed := out.Outcomes(agent.CallExecuted)
	if len(executed) != 1 {
		t.Fatalf("calls = %+v", out.Calls)
	}
	res := executed[0].Result
	if !res.Success() || res["project_name"] != "s3_demo-bucket" {
		t.Fatalf("result = %v", res)
	}
	if got := h.approvals.List(approval.Filter{}); len(got) != 0 {
		t.Errorf("approval requests = %d", len(got))
	}
	if out.Text != "Bucket project created." || events.Text() != out.Text {
		t.Errorf("text = %q, streamed = %q", out.Text, events.Text())
	}

	want := []agent.EventType{
		agent.RunStarted, agent.TextMessageStart, agent.ToolResult,
		agent.TextMessageContent, agent.TextMessageEnd, agent.RunFinished,
	}
	if got := events.Types(); fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("events = %v", got)
	}
}

func TestScenarioGatedRequestApprovedByChecker(t *testing.T) {
	h := newHarness(t, []string{"audit-profile"})
	h.model.CallTools(llm.Call("call_1", tools.ToolCreateS3Bucket, bucketArgs)).Reply("Queued for approval.")

	out, events := h.run(t, "create an S3 bucket named demo-bucket in us-east-1")

	queued := out.Outcomes(agent.CallQueued)
	if len(queued) != 1 || queued[0].RequestID == "" {
		t.Fatalf("calls = %+v", out.Calls)
	}
	if len(h.env.Runner.Calls) != 0 {
		t.Fatalf("terraform ran before approval: %v", h.env.Runner.Subcommands())
	}
	id := queued[0].RequestID
	if queued[0].Result["approval_request_id"] != id {
		t.Errorf("queued result = %v", queued[0].Result)
	}

	var sawQueued bool
	for _, e := range events.Events() {
		if e.Type == agent.ApprovalQueued && e.RequestID == id {
			sawQueued = true
		}
	}
	if !sawQueued {
		t.Errorf("no APPROVAL_QUEUED event: %v", events.Types())
	}

	req, err := h.approvals.Get(id)
	if err != nil {
		t.Fatal(err)
	}
	if req.Status != core.StatusPending || req.RequesterProfile != "dev-profile" {
		t.Fatalf("request = %+v", req)
	}

	if _, err := h.approvals.Execute(context.Background(), id, "audit-profile"); !core.IsStateConflict(err) {
		t.Fatalf("execute before approval: %v", err)
	}
	if _, err := h.approvals.Approve(id, "looks fine", "audit-profile"); err != nil {
		t.Fatal(err)
	}
	done, err := h.approvals.Execute(context.Background(), id, "audit-profile")
	if err != nil {
		t.Fatal(err)
	}
	if done.Status != core.StatusExecuted || done.ExecutedBy != "audit-profile" {
		t.Errorf("request after execute = %+v", done)
	}
	if h.profiles.Active() != "dev-profile" {
		t.Errorf("active profile = %s after execution", h.profiles.Active())
	}
}

func TestCheckerProfileIsNotGated(t *testing.T) {
	h := newHarness(t, []string{"audit-profile"})
	h.profiles.Activate("audit-profile")
	h.model.CallTools(llm.Call("call_1", tools.ToolCreateS3Bucket, bucketArgs))

	out, _ := h.run(t, "create an S3 bucket named demo-bucket in us-east-1")
	if len(out.Outcomes(agent.CallExecuted)) != 1 || len(out.Outcomes(agent.CallQueued)) != 0 {
		t.Fatalf("calls = %+v", out.Calls)
	}
}

func TestScenarioReadOnlyIntentBlocksMutation(t *testing.T) {
	h := newHarness(t, []string{"audit-profile"})
	h.model.CallTools(llm.Call("call_1", tools.ToolCreateVPC, map[string]any{"cidr_block": "10.0.0.0/16", "region": "ap-south-1"})).
		Reply("Here are your instances.")

	out, events := h.run(t, "list my EC2 instances in ap-south-1")

	if !out.Context.ReadOnlyIntent {
		t.Fatal("list request not classified read-only")
	}
	blocked := out.Outcomes(agent.CallBlocked)
	if len(blocked) != 1 {
		t.Fatalf("calls = %+v", out.Calls)
	}
	if msg := blocked[0].Result.ErrorMessage(); !strings.Contains(msg, "Blocked mutating tool 'create_vpc'") {
		t.Errorf("block reason = %q", msg)
	}
	if got := h.approvals.List(approval.Filter{}); len(got) != 0 {
		t.Errorf("approval requests = %d", len(got))
	}
	if len(h.env.Runner.Calls) != 0 {
		t.Errorf("terraform ran: %v", h.env.Runner.Subcommands())
	}

	// The block reason is fed back to the model as the tool result.
	calls := h.model.Calls()
	last := calls[len(calls)-1]
	tail := last[len(last)-1]
	if tail.Role != llm.RoleTool || tail.ToolCallID != "call_1" || !strings.Contains(tail.Content, "read-only") {
		t.Errorf("tool message = %+v", tail)
	}

	var sawBlocked bool
	for _, typ := range events.Types() {
		if typ == agent.ToolBlocked {
			sawBlocked = true
		}
	}
	if !sawBlocked {
		t.Errorf("events = %v", events.Types())
	}
}

func TestDuplicateCallsExecuteOnce(t *testing.T) {
	h := newHarness(t, nil)
	h.model.CallTools(
		llm.Call("call_1", tools.ToolCreateS3Bucket, bucketArgs),
		llm.Call("call_2", tools.ToolCreateS3Bucket, map[string]any{"region": "us-east-1", "bucket_name": "demo-bucket"}),
	)

	out, _ := h.run(t, "create an S3 bucket named demo-bucket in us-east-1")
	if len(out.Outcomes(agent.CallExecuted)) != 1 || len(out.Outcomes(agent.CallDuplicate)) != 1 {
		t.Fatalf("calls = %+v", out.Calls)
	}
	inits := 0
	for _, sub := range h.env.Runner.Subcommands() {
		if sub == "init" {
			inits++
		}
	}
	if inits != 1 {
		t.Errorf("terraform init ran %d times", inits)
	}

	// Every call id still gets an answer.
	calls := h.model.Calls()
	hist := calls[len(calls)-1]
	answered := map[string]bool{}
	for _, m := range hist {
		if m.Role == llm.RoleTool {
			answered[m.ToolCallID] = true
		}
	}
	if !answered["call_1"] || !answered["call_2"] {
		t.Errorf("answered = %v", answered)
	}
}

func TestMissingFieldsProduceFollowUp(t *testing.T) {
	h := newHarness(t, nil)
	h.model.CallTools(llm.Call("call_1", tools.ToolCreateS3Bucket, map[string]any{"region": "us-east-1"})).
		Reply("this answer is superseded")

	out, _ := h.run(t, "create an S3 bucket please")
	if !strings.HasPrefix(out.Text, "I need a few details to continue:") {
		t.Fatalf("text = %q", out.Text)
	}
	if !strings.Contains(out.Text, "1. ") || !strings.HasSuffix(out.Text, "Reply with the values, and I will continue.") {
		t.Errorf("text = %q", out.Text)
	}
	if len(h.model.Calls()) != 1 {
		t.Errorf("model invoked %d times", len(h.model.Calls()))
	}
	hist := h.history.Get("thread-1")
	if tail := hist[len(hist)-1]; tail.Role != llm.RoleAssistant || tail.Content != out.Text {
		t.Errorf("history tail = %+v", tail)
	}
}

func TestApplyProjectRepair(t *testing.T) {
	h := newHarness(t, nil)
	h.model.
		CallTools(llm.Call("call_1", tools.ToolCreateS3Bucket, bucketArgs)).
		CallTools(llm.Call("call_2", tools.ToolTerraformPlan, map[string]any{"project_name": "s3_demo-bucket"})).
		CallTools(llm.Call("call_3", tools.ToolTerraformApply, map[string]any{"project_name": "made-up-project"})).
		Reply("Applied.")

	out, _ := h.run(t, "create an S3 bucket named demo-bucket in us-east-1 and apply it")

	var apply *agent.CallOutcome
	for i := range out.Calls {
		if out.Calls[i].Call.Name == tools.ToolTerraformApply {
			apply = &out.Calls[i]
		}
	}
	if apply == nil {
		t.Fatalf("calls = %+v", out.Calls)
	}
	if apply.Call.Arguments["project_name"] != "s3_demo-bucket" {
		t.Errorf("apply args = %v", apply.Call.Arguments)
	}
	if !apply.Result.Success() {
		t.Errorf("apply result = %v", apply.Result)
	}
	var repaired bool
	for _, typ := range h.eventTypes(t) {
		if typ == eventlog.EventApplyRepaired {
			repaired = true
		}
	}
	if !repaired {
		t.Error("repair not recorded")
	}
}

func TestIterationCapFallsBack(t *testing.T) {
	h := newHarness(t, nil, func(o *agent.Options) { o.MaxIterations = 2 })
	for i := 0; i < 3; i++ {
		h.model.CallTools(llm.Call(fmt.Sprintf("call_%d", i), tools.ToolListResources, map[string]any{"resource_type": "s3", "region": "us-east-1"}))
	}

	out, _ := h.run(t, "show my buckets")
	if out.Iterations != 2 || out.Text != agent.FallbackToolsText {
		t.Errorf("iterations = %d, text = %q", out.Iterations, out.Text)
	}
	if len(h.model.Calls()) != 2 {
		t.Errorf("model invoked %d times", len(h.model.Calls()))
	}
}

func TestEmptyAnswerFallback(t *testing.T) {
	h := newHarness(t, nil)
	h.model.Reply("   ")
	out, _ := h.run(t, "hello")
	if out.Text != agent.FallbackEmptyText {
		t.Errorf("text = %q", out.Text)
	}
}

func TestToolsUnsupportedFinishesGracefully(t *testing.T) {
	h := newHarness(t, nil)
	h.model.Fail(fmt.Errorf("provider said no: %w", llm.ErrToolsUnsupported))
	out, events := h.run(t, "create a vpc")
	if out.Text != llm.ToolsUnsupportedMessage {
		t.Errorf("text = %q", out.Text)
	}
	types := events.Types()
	if types[len(types)-1] != agent.RunFinished {
		t.Errorf("events = %v", types)
	}
}

func TestModelErrorEmitsRunError(t *testing.T) {
	h := newHarness(t, nil)
	h.model.Fail(errors.New("connection reset"))
	c := &agent.Collector{}
	_, err := h.orch.Run(context.Background(), agent.RunRequest{Message: "create a vpc", ThreadID: "t"}, c)
	if err == nil {
		t.Fatal("expected error")
	}
	types := c.Types()
	if types[len(types)-1] != agent.RunError {
		t.Errorf("events = %v", types)
	}
	recorded := h.eventTypes(t)
	if recorded[len(recorded)-1] != eventlog.EventRunFailed {
		t.Errorf("event log = %v", recorded)
	}
}

func TestCapabilitiesAnsweredLocally(t *testing.T) {
	h := newHarness(t, nil)
	out, _ := h.run(t, "What can you do?")
	if len(h.model.Calls()) != 0 {
		t.Fatal("model invoked for capabilities question")
	}
	for _, name := range []string{tools.ToolListResources, tools.ToolCreateS3Bucket, tools.ToolTerraformApply} {
		if !strings.Contains(out.Text, name) {
			t.Errorf("capabilities text missing %s", name)
		}
	}
}

func TestProviderNoticeStreamedFirst(t *testing.T) {
	h := newHarness(t, nil)
	h.model.Reply("ok")
	c := &agent.Collector{}
	if _, err := h.orch.Run(context.Background(), agent.RunRequest{Message: "hi", Provider: "perplexity"}, c); err != nil {
		t.Fatal(err)
	}
	events := c.Events()
	if events[2].Type != agent.TextMessageContent || !strings.Contains(events[2].Delta, "Perplexity") {
		t.Errorf("third event = %+v", events[2])
	}
}

func TestLongAnswerChunked(t *testing.T) {
	h := newHarness(t, nil)
	answer := strings.Repeat("abcdefghij", 13)
	h.model.Reply(answer)
	_, c := h.run(t, "tell me something")
	var n int
	for _, e := range c.Events() {
		if e.Type == agent.TextMessageContent {
			n++
			if len(e.Delta) > agent.ChunkSize {
				t.Errorf("chunk of %d bytes", len(e.Delta))
			}
		}
	}
	if n != 3 || c.Text() != answer {
		t.Errorf("chunks = %d", n)
	}
}

func TestRegoPolicyCanBlock(t *testing.T) {
	rules, err := policy.NewEngine(context.Background(), `
package tool_policy

import future.keywords.if

default decision := "allow"

decision := "block" if {
	input.tool_name == "terraform_destroy"
}

reason := "destroy is disabled in this environment" if {
	decision == "block"
}
`)
	if err != nil {
		t.Fatal(err)
	}
	h := newHarness(t, nil, func(o *agent.Options) { o.Rules = rules })
	h.model.CallTools(llm.Call("call_1", tools.ToolTerraformDestroy, map[string]any{"project_name": "s3_demo-bucket"}))

	out, _ := h.run(t, "destroy the demo bucket")
	blocked := out.Outcomes(agent.CallBlocked)
	if len(blocked) != 1 || blocked[0].Result.ErrorMessage() != "destroy is disabled in this environment" {
		t.Fatalf("calls = %+v", out.Calls)
	}
}

func TestAuditTrailFromRun(t *testing.T) {
	h := newHarness(t, []string{"audit-profile"})
	h.model.CallTools(
		llm.Call("call_1", tools.ToolListResources, map[string]any{"resource_type": "s3"}),
		llm.Call("call_2", tools.ToolCreateS3Bucket, bucketArgs),
	)
	h.run(t, "create an S3 bucket named demo-bucket in us-east-1")

	recs, err := h.log.ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if res := eventlog.VerifyRecords(recs); !res.Valid {
		t.Fatalf("chain = %+v", res)
	}
	report := audit.NewReconstructor(h.env.Policy).Reconstruct(recs, h.approvals.List(approval.Filter{}), audit.Query{})
	if len(report.Entries) != 1 {
		t.Fatalf("entries = %+v", report.Entries)
	}
	row := report.Entries[0]
	if row.Action != tools.ToolCreateS3Bucket || row.Status != core.AuditPending || row.User != "dev-profile" || row.Resource != "demo-bucket" {
		t.Errorf("row = %+v", row)
	}
}

func TestDirectExecutionIsGated(t *testing.T) {
	h := newHarness(t, []string{"audit-profile"})

	out := h.orch.Execute(context.Background(), agent.DirectCall{Name: tools.ToolCreateS3Bucket, Arguments: bucketArgs})
	if out.Status != agent.CallQueued || out.RequestID == "" {
		t.Fatalf("outcome = %+v", out)
	}

	out = h.orch.Execute(context.Background(), agent.DirectCall{
		Name:      tools.ToolListResources,
		Arguments: map[string]any{"resource_type": "s3"},
	})
	if out.Status != agent.CallExecuted || !out.Result.Success() {
		t.Fatalf("outcome = %+v", out)
	}

	out = h.orch.Execute(context.Background(), agent.DirectCall{Name: "drop_database"})
	if out.Result.Success() || out.Result.ErrorKind() != core.KindValidation {
		t.Errorf("unknown tool = %v", out.Result)
	}
}

func legacyBucketCall(name string) llm.Message {
	return llm.Message{
		Role:         llm.RoleAssistant,
		FunctionCall: &llm.FunctionCall{Name: tools.ToolCreateS3Bucket, Arguments: `{"bucket_name":"` + name + `","region":"us-east-1"}`},
	}
}

func TestLegacyFunctionCallsAcrossTurnsAuditSeparately(t *testing.T) {
	h := newHarness(t, nil)
	h.model.Respond(legacyBucketCall("alpha")).Respond(legacyBucketCall("beta")).Reply("Both buckets created.")

	out, _ := h.run(t, "create S3 buckets named alpha and beta in us-east-1")
	executed := out.Outcomes(agent.CallExecuted)
	if len(executed) != 2 {
		t.Fatalf("calls = %+v", out.Calls)
	}
	if executed[0].Call.CallID == executed[1].Call.CallID {
		t.Errorf("both turns used call id %s", executed[0].Call.CallID)
	}

	recs, err := h.log.ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	for _, rec := range recs {
		if rec.EventType() == eventlog.EventToolCompleted {
			if _, ok := rec["tool_args"]; ok {
				t.Errorf("completed record repeats tool_args: %v", rec)
			}
		}
	}
	report := audit.NewReconstructor(h.env.Policy).Reconstruct(recs, nil, audit.Query{})
	got := map[string]int{}
	for _, row := range report.Entries {
		got[row.Resource]++
	}
	if got["alpha"] != 1 || got["beta"] != 1 {
		t.Errorf("audit resources = %v", got)
	}
}

func TestUnknownBackendRejected(t *testing.T) {
	h := newHarness(t, []string{"audit-profile"})
	_, err := h.orch.Run(context.Background(), agent.RunRequest{
		Message: "create an S3 bucket named demo-bucket in us-east-1",
		Backend: core.Backend("bogus"),
	}, nil)
	if !core.IsKind(err, core.KindValidation) {
		t.Fatalf("err = %v", err)
	}
	if len(h.model.Calls()) != 0 {
		t.Error("model invoked for an unknown backend")
	}

	out := h.orch.Execute(context.Background(), agent.DirectCall{Name: tools.ToolCreateS3Bucket, Arguments: bucketArgs, Backend: "bogus"})
	if out.Result.Success() || out.Result.ErrorKind() != core.KindValidation {
		t.Errorf("direct call = %+v", out)
	}
	if len(h.env.Runner.Calls) != 0 {
		t.Errorf("terraform ran: %v", h.env.Runner.Subcommands())
	}
}

func TestAzureBackendDoesNotReachAWSTools(t *testing.T) {
	h := newHarness(t, []string{"audit-profile"})
	h.model.CallTools(llm.Call("call_1", tools.ToolCreateS3Bucket, bucketArgs)).Reply("done")

	out, err := h.orch.Run(context.Background(), agent.RunRequest{
		Message:  "create an S3 bucket named demo-bucket in us-east-1",
		Provider: "mock",
		Backend:  core.BackendAzureTerraform,
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(out.Calls) != 1 || out.Calls[0].Result.Success() {
		t.Fatalf("calls = %+v", out.Calls)
	}
	if msg := out.Calls[0].Result.ErrorMessage(); !strings.Contains(msg, "not found") {
		t.Errorf("result = %q", msg)
	}
	if offered := h.model.ToolsOffered(0); len(offered) != 0 {
		t.Errorf("AWS tools offered to azure run: %d", len(offered))
	}
	if len(h.env.Runner.Calls) != 0 || len(h.approvals.List(approval.Filter{})) != 0 {
		t.Errorf("terraform calls = %d", len(h.env.Runner.Calls))
	}

	direct := h.orch.Execute(context.Background(), agent.DirectCall{Name: tools.ToolCreateS3Bucket, Arguments: bucketArgs, Backend: core.BackendAzureTerraform})
	if direct.Result.Success() || len(h.env.Runner.Calls) != 0 {
		t.Errorf("direct azure call = %+v", direct)
	}
}

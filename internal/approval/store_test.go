package approval_test

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/QwavePune/aws-infra-agent-bot/internal/approval"
	"github.com/QwavePune/aws-infra-agent-bot/internal/core"
	"github.com/QwavePune/aws-infra-agent-bot/internal/db"
	"github.com/QwavePune/aws-infra-agent-bot/internal/profile"
	"github.com/QwavePune/aws-infra-agent-bot/internal/terraform"
	"github.com/QwavePune/aws-infra-agent-bot/internal/tools"
	"github.com/QwavePune/aws-infra-agent-bot/internal/tools/toolstest"
)

var devCred = profile.Credential{Profile: "dev-profile", Region: "us-east-1"}

type recordedEvent struct {
	Type   string
	Fields map[string]any
}

type memorySink struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (m *memorySink) Record(eventType string, fields map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, recordedEvent{eventType, fields})
	return nil
}

func (m *memorySink) types() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.events))
	for _, e := range m.events {
		out = append(out, e.Type)
	}
	return out
}

func terraformFailure(stderr string) terraform.Output {
	return terraform.Output{Stderr: stderr, ReturnCode: 1}
}

type fixture struct {
	env      *toolstest.Env
	roles    *approval.RoleStore
	profiles *profile.Context
	store    *approval.Store
	events   *memorySink
}

func newFixture(t *testing.T, checkers ...string) *fixture {
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
	sink := &memorySink{}
	store, err := approval.NewStore(approval.Options{
		Roles:     roles,
		Profiles:  profiles,
		Executor:  env.Executor,
		Policy:    env.Policy,
		Previewer: env.Manager,
		Events:    sink,
		Logger:    zerolog.Nop(),
	})
	if err != nil {
		t.Fatal(err)
	}
	return &fixture{env: env, roles: roles, profiles: profiles, store: store, events: sink}
}

func (f *fixture) createS3(t *testing.T) *core.ApprovalRequest {
	t.Helper()
	req, err := f.store.Create(context.Background(), approval.CreateParams{
		RunID:     "run-1",
		ThreadID:  "thread-1",
		Requester: devCred,
		ToolName:  tools.ToolCreateS3Bucket,
		Arguments: map[string]any{"bucket_name": "demo-bucket", "region": "us-east-1"},
		Backend:   core.BackendAWSTerraform,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return req
}

func TestShouldGate(t *testing.T) {
	tests := []struct {
		name     string
		checkers []string
		tool     string
		backend  core.Backend
		profile  string
		want     bool
	}{
		{"non-checker mutating", []string{"audit-profile"}, "create_s3_bucket", core.BackendAWSTerraform, "dev-profile", true},
		{"checker passes", []string{"audit-profile"}, "create_s3_bucket", core.BackendAWSTerraform, "audit-profile", false},
		{"read-only tool", []string{"audit-profile"}, "list_aws_resources", core.BackendAWSTerraform, "dev-profile", false},
		{"no checkers", nil, "terraform_apply", core.BackendAWSTerraform, "dev-profile", false},
		{"ungated backend", []string{"audit-profile"}, "create_s3_bucket", core.BackendNone, "dev-profile", false},
		{"lifecycle tool", []string{"audit-profile"}, "terraform_destroy", core.BackendAWSTerraform, "dev-profile", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.checkers...)
			if got := f.store.ShouldGate(tt.tool, tt.backend, tt.profile); got != tt.want {
				t.Errorf("ShouldGate(%s, %s, %s) = %v, want %v", tt.tool, tt.backend, tt.profile, got, tt.want)
			}
		})
	}
}

func TestApprovalLifecycle(t *testing.T) {
	f := newFixture(t, "audit-profile")
	req := f.createS3(t)

	if req.Status != core.StatusPending || req.RequesterProfile != "dev-profile" {
		t.Fatalf("created = %+v", req)
	}
	if len(req.CheckerProfiles) != 1 || req.CheckerProfiles[0] != "audit-profile" {
		t.Errorf("checker snapshot = %v", req.CheckerProfiles)
	}
	if !strings.Contains(req.PlanPreview, `"tool_name": "create_s3_bucket"`) {
		t.Errorf("plan preview should echo the call, got %q", req.PlanPreview)
	}

	_, err := f.store.Execute(context.Background(), req.RequestID, "audit-profile")
	if !core.IsStateConflict(err) {
		t.Fatalf("execute before approval: err = %v", err)
	}
	if got, _ := f.store.Get(req.RequestID); got.Status != core.StatusPending {
		t.Fatalf("status changed to %s", got.Status)
	}

	approved, err := f.store.Approve(req.RequestID, "looks fine", "audit-profile")
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if approved.Status != core.StatusApproved || approved.ApprovedAt == nil || approved.ApprovedBy != "audit-profile" {
		t.Fatalf("approved = %+v", approved)
	}
	if n := len(approved.Comments); n != 1 || approved.Comments[0].AuthorRole != core.RoleChecker {
		t.Errorf("comments = %+v", approved.Comments)
	}

	done, err := f.store.Execute(context.Background(), req.RequestID, "audit-profile")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if done.Status != core.StatusExecuted {
		t.Fatalf("status = %s, error = %s", done.Status, done.ExecutionError)
	}
	if done.ExecutionResult["project_name"] != "s3_demo-bucket" {
		t.Errorf("result = %v", done.ExecutionResult)
	}
	if done.ExecutedAt == nil || done.ExecutedBy != "audit-profile" {
		t.Errorf("execution fields = %+v", done)
	}

	if f.profiles.Active() != "dev-profile" {
		t.Errorf("active profile not restored: %s", f.profiles.Active())
	}
	if got := f.env.Cloud.Profiles[len(f.env.Cloud.Profiles)-1]; got != "audit-profile" {
		t.Errorf("executed as %s, want audit-profile", got)
	}

	want := "approval_request_created,approval_request_approved,approval_request_executing,approval_request_executed"
	if got := strings.Join(f.events.types(), ","); got != want {
		t.Errorf("events = %s", got)
	}
}

func TestApproveTwice(t *testing.T) {
	f := newFixture(t, "audit-profile")
	req := f.createS3(t)

	first, err := f.store.Approve(req.RequestID, "", "audit-profile")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.store.Approve(req.RequestID, "", "audit-profile"); !core.IsStateConflict(err) {
		t.Fatalf("second approve: err = %v", err)
	}
	if _, err := f.store.Reject(req.RequestID, "", "audit-profile"); !core.IsStateConflict(err) {
		t.Fatalf("reject after approve: err = %v", err)
	}
	got, _ := f.store.Get(req.RequestID)
	if !got.ApprovedAt.Equal(*first.ApprovedAt) || got.RejectedAt != nil {
		t.Errorf("timestamps changed: %+v", got)
	}
}

func TestRejectBlocksExecution(t *testing.T) {
	f := newFixture(t, "audit-profile")
	req := f.createS3(t)

	if _, err := f.store.Reject(req.RequestID, "wrong bucket", "audit-profile"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.store.Execute(context.Background(), req.RequestID, "audit-profile"); !core.IsStateConflict(err) {
		t.Fatalf("execute rejected: err = %v", err)
	}
	got, _ := f.store.Get(req.RequestID)
	if got.Status != core.StatusRejected || got.RejectedBy != "audit-profile" {
		t.Errorf("got %+v", got)
	}
	if len(f.env.Runner.Calls) != 0 {
		t.Error("terraform ran for a rejected request")
	}
}

func TestApproveRequiresSnapshotChecker(t *testing.T) {
	f := newFixture(t, "audit-profile")
	req := f.createS3(t)

	if _, err := f.store.Approve(req.RequestID, "", "dev-profile"); !core.IsNotAuthorized(err) {
		t.Fatalf("maker approve: err = %v", err)
	}

	// Checkers added after creation are not part of the snapshot.
	if _, err := f.roles.Update([]string{"audit-profile", "late-checker"}, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := f.store.Approve(req.RequestID, "", "late-checker"); !core.IsNotAuthorized(err) {
		t.Fatalf("late checker approve: err = %v", err)
	}
}

func TestExecuteRunsAsFirstCheckerWhenActorIsNot(t *testing.T) {
	f := newFixture(t, "audit-profile", "ops-profile")
	req := f.createS3(t)
	if _, err := f.store.Approve(req.RequestID, "", "ops-profile"); err != nil {
		t.Fatal(err)
	}
	done, err := f.store.Execute(context.Background(), req.RequestID, "dev-profile")
	if err != nil {
		t.Fatal(err)
	}
	if done.Status != core.StatusExecuted {
		t.Fatalf("status = %s", done.Status)
	}
	if got := f.env.Cloud.Profiles[len(f.env.Cloud.Profiles)-1]; got != "audit-profile" {
		t.Errorf("executed as %s", got)
	}
}

func TestExecuteFailureRecordsError(t *testing.T) {
	f := newFixture(t, "audit-profile")
	f.env.Runner.Fail["init"] = terraformFailure("Error: provider registry unreachable")
	req := f.createS3(t)
	if _, err := f.store.Approve(req.RequestID, "", "audit-profile"); err != nil {
		t.Fatal(err)
	}
	done, err := f.store.Execute(context.Background(), req.RequestID, "audit-profile")
	if err != nil {
		t.Fatal(err)
	}
	if done.Status != core.StatusFailed || done.ExecutionError == "" {
		t.Fatalf("got %+v", done)
	}
	if _, err := f.store.Execute(context.Background(), req.RequestID, "audit-profile"); !core.IsStateConflict(err) {
		t.Errorf("failed requests must not be retried: err = %v", err)
	}
}

func TestCommentRoles(t *testing.T) {
	f := newFixture(t, "audit-profile")
	req := f.createS3(t)

	if _, err := f.store.AddComment(req.RequestID, "dev-profile", "please review"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.store.Reject(req.RequestID, "", "audit-profile"); err != nil {
		t.Fatal(err)
	}
	got, err := f.store.AddComment(req.RequestID, "audit-profile", "use a different name")
	if err != nil {
		t.Fatalf("comments must be accepted after resolution: %v", err)
	}
	if got.Status != core.StatusRejected {
		t.Errorf("comment changed status to %s", got.Status)
	}
	if len(got.Comments) != 2 {
		t.Fatalf("comments = %+v", got.Comments)
	}
	if got.Comments[0].AuthorRole != core.RoleMaker || got.Comments[1].AuthorRole != core.RoleChecker {
		t.Errorf("roles = %s, %s", got.Comments[0].AuthorRole, got.Comments[1].AuthorRole)
	}
	if _, err := f.store.AddComment(req.RequestID, "dev-profile", "  "); !core.IsKind(err, core.KindValidation) {
		t.Errorf("blank comment: err = %v", err)
	}
}

func TestNotFound(t *testing.T) {
	f := newFixture(t, "audit-profile")
	if _, err := f.store.Get("missing"); !approval.IsNotFound(err) {
		t.Errorf("Get: %v", err)
	}
	if _, err := f.store.Approve("missing", "", "audit-profile"); !approval.IsNotFound(err) {
		t.Errorf("Approve: %v", err)
	}
	if _, err := f.store.Execute(context.Background(), "missing", "audit-profile"); !approval.IsNotFound(err) {
		t.Errorf("Execute: %v", err)
	}
}

func TestPlanPreviewFromSavedPlan(t *testing.T) {
	f := newFixture(t, "audit-profile")
	ctx := context.Background()
	if res := f.env.Executor.Execute(ctx, devCred, tools.ToolCreateS3Bucket, map[string]any{"bucket_name": "demo-bucket", "region": "us-east-1"}); !res.Success() {
		t.Fatalf("create: %v", res)
	}
	if res := f.env.Executor.Execute(ctx, devCred, tools.ToolTerraformPlan, map[string]any{"project_name": "demo-bucket"}); !res.Success() {
		t.Fatalf("plan: %v", res)
	}

	req, err := f.store.Create(ctx, approval.CreateParams{
		Requester: devCred,
		ToolName:  tools.ToolTerraformApply,
		Arguments: map[string]any{"project_name": "demo-bucket"},
		Backend:   core.BackendAWSTerraform,
	})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(req.PlanPreview, "aws_s3_bucket.main will be created") {
		t.Errorf("preview = %q", req.PlanPreview)
	}
}

func TestListFilters(t *testing.T) {
	f := newFixture(t, "audit-profile")
	a := f.createS3(t)
	b := f.createS3(t)
	if _, err := f.store.Approve(b.RequestID, "", "audit-profile"); err != nil {
		t.Fatal(err)
	}

	if got := f.store.List(approval.Filter{}); len(got) != 2 {
		t.Fatalf("all = %d", len(got))
	}
	pending := f.store.List(approval.Filter{Status: core.StatusPending})
	if len(pending) != 1 || pending[0].RequestID != a.RequestID {
		t.Errorf("pending = %v", pending)
	}
	if got := f.store.List(approval.Filter{Checker: "someone-else"}); len(got) != 0 {
		t.Errorf("checker filter = %v", got)
	}
	if got := f.store.List(approval.Filter{Limit: 1}); len(got) != 1 {
		t.Errorf("limit = %d", len(got))
	}
}

func TestSQLRepositoryReload(t *testing.T) {
	dir := t.TempDir()
	conn, err := db.Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	env := toolstest.New(t)
	roles, _ := approval.NewRoleStore("")
	if _, err := roles.Update([]string{"audit-profile"}, nil); err != nil {
		t.Fatal(err)
	}
	opts := approval.Options{
		Roles:      roles,
		Profiles:   profile.NewContext("dev-profile", "us-east-1", zerolog.Nop()),
		Executor:   env.Executor,
		Repository: approval.NewSQLRepository(conn),
		Logger:     zerolog.Nop(),
	}
	first, err := approval.NewStore(opts)
	if err != nil {
		t.Fatal(err)
	}
	req, err := first.Create(context.Background(), approval.CreateParams{
		RunID:     "run-9",
		Requester: devCred,
		ToolName:  tools.ToolCreateVPC,
		Arguments: map[string]any{"cidr_block": "10.0.0.0/16"},
		Backend:   core.BackendAWSTerraform,
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := first.Approve(req.RequestID, "ok", "audit-profile"); err != nil {
		t.Fatal(err)
	}

	second, err := approval.NewStore(opts)
	if err != nil {
		t.Fatal(err)
	}
	got, err := second.Get(req.RequestID)
	if err != nil {
		t.Fatalf("reloaded store: %v", err)
	}
	if got.Status != core.StatusApproved || got.ApprovedBy != "audit-profile" || got.ApprovedAt == nil {
		t.Errorf("reloaded = %+v", got)
	}
	if got.RunID != "run-9" || got.ToolArguments["cidr_block"] != "10.0.0.0/16" {
		t.Errorf("identity fields = %+v", got)
	}
	if len(got.Comments) != 1 || got.Comments[0].Message != "ok" {
		t.Errorf("comments = %+v", got.Comments)
	}
}

func TestConcurrentReviewAndExecuteApplyOnce(t *testing.T) {
	f := newFixture(t, "audit-profile", "ops-profile")
	req := f.createS3(t)
	checkers := []string{"audit-profile", "ops-profile"}

	const n = 20
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		ok        int
		conflicts int
	)
	tally := func(err error) {
		mu.Lock()
		defer mu.Unlock()
		switch {
		case err == nil:
			ok++
		case core.IsStateConflict(err):
			conflicts++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(actor string) {
			defer wg.Done()
			_, err := f.store.Approve(req.RequestID, "", actor)
			tally(err)
		}(checkers[i%len(checkers)])
	}
	wg.Wait()
	if ok != 1 || conflicts != n-1 {
		t.Fatalf("approvals = %d, conflicts = %d", ok, conflicts)
	}

	ok, conflicts = 0, 0
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(actor string) {
			defer wg.Done()
			_, err := f.store.Execute(context.Background(), req.RequestID, actor)
			tally(err)
		}(checkers[i%len(checkers)])
	}
	wg.Wait()
	if ok != 1 || conflicts != n-1 {
		t.Fatalf("executes = %d, conflicts = %d", ok, conflicts)
	}

	got, err := f.store.Get(req.RequestID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != core.StatusExecuted {
		t.Errorf("status = %s", got.Status)
	}
	if f.profiles.Active() != "dev-profile" {
		t.Errorf("active profile = %s after concurrent executions", f.profiles.Active())
	}
	inits := 0
	for _, sub := range f.env.Runner.Subcommands() {
		if sub == "init" {
			inits++
		}
	}
	if inits != 1 {
		t.Errorf("terraform init ran %d times", inits)
	}
}

package engine

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/QwavePune/aws-infra-agent-bot/internal/agent"
	"github.com/QwavePune/aws-infra-agent-bot/internal/audit"
	"github.com/QwavePune/aws-infra-agent-bot/internal/config"
	"github.com/QwavePune/aws-infra-agent-bot/internal/core"
	"github.com/QwavePune/aws-infra-agent-bot/internal/llm"
	"github.com/QwavePune/aws-infra-agent-bot/internal/terraform"
	"github.com/QwavePune/aws-infra-agent-bot/internal/tools"
	"github.com/QwavePune/aws-infra-agent-bot/internal/tools/toolstest"
)

func testConfig(t *testing.T, dir string) config.GlobalConfig {
	t.Helper()
	cfg := config.DefaultGlobalConfig()
	cfg.DataDir = filepath.Join(dir, "data")
	cfg.TerraformWorkspace = filepath.Join(dir, "tf")
	cfg.VaultPath = filepath.Join(dir, "profiles.vault")
	cfg.DefaultProfile = "dev-profile"
	return cfg
}

func openTestEngine(t *testing.T, cfg config.GlobalConfig, model *llm.Scripted) *Engine {
	t.Helper()
	e, err := Open(context.Background(), Options{
		Config: cfg,
		Logger: zerolog.Nop(),
		Cloud:  toolstest.NewCloud(),
		Runner: &toolstest.Runner{Fail: map[string]terraform.Output{}},
		LLM:    func(string, string) (llm.Client, error) { return model, nil },
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return e
}

func TestOpenWiresEverything(t *testing.T) {
	e := openTestEngine(t, testConfig(t, t.TempDir()), llm.NewScripted())
	defer e.Close()

	if e.DB == nil {
		t.Fatal("sqlite approval store not opened")
	}
	if e.Vault != nil {
		t.Fatal("vault opened without a passphrase")
	}
	if e.AWS != nil {
		t.Fatal("client factory built despite a cloud override")
	}
	if _, ok := e.Registry.Get(tools.ToolCreateS3Bucket); !ok {
		t.Fatal("default tools not registered")
	}
	if !e.Approvals.GatesBackend(core.BackendAWSTerraform) {
		t.Fatal("aws_terraform should be gated by default")
	}
	if got := e.Profiles.Active(); got != "dev-profile" {
		t.Fatalf("active profile = %q", got)
	}
}

func TestApprovalsSurviveReopen(t *testing.T) {
	cfg := testConfig(t, t.TempDir())
	model := llm.NewScripted()
	model.CallTools(llm.Call("call_1", tools.ToolCreateS3Bucket, map[string]any{
		"bucket_name": "demo-bucket", "region": "us-east-1",
	})).Reply("Queued.")

	e := openTestEngine(t, cfg, model)
	if _, err := e.Roles.Update([]string{"audit-profile"}, nil); err != nil {
		t.Fatal(err)
	}
	out, err := e.Agent.Run(context.Background(), agent.RunRequest{
		Message:  "create an S3 bucket named demo-bucket in us-east-1",
		Provider: "mock",
	}, agent.Discard)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	queued := out.Outcomes(agent.CallQueued)
	if len(queued) != 1 {
		t.Fatalf("calls = %+v", out.Calls)
	}
	id := queued[0].RequestID
	if err := e.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	e = openTestEngine(t, cfg, llm.NewScripted())
	defer e.Close()
	req, err := e.Approvals.Get(id)
	if err != nil {
		t.Fatalf("Get after reopen: %v", err)
	}
	if req.Status != core.StatusPending || req.RequesterProfile != "dev-profile" {
		t.Fatalf("request = %+v", req)
	}
	if got := e.Roles.Checkers(); len(got) != 1 || got[0] != "audit-profile" {
		t.Fatalf("checkers after reopen = %v", got)
	}
}

func TestAuditReportAndVerify(t *testing.T) {
	model := llm.NewScripted()
	model.CallTools(llm.Call("call_1", tools.ToolCreateVPC, map[string]any{
		"cidr_block": "10.0.0.0/16", "region": "us-east-1",
	})).Reply("Done.")

	e := openTestEngine(t, testConfig(t, t.TempDir()), model)
	defer e.Close()

	if _, err := e.Agent.Run(context.Background(), agent.RunRequest{
		Message:  "create a vpc with cidr 10.0.0.0/16",
		Provider: "mock",
	}, agent.Discard); err != nil {
		t.Fatalf("Run: %v", err)
	}

	report, err := e.AuditReport(audit.Query{})
	if err != nil {
		t.Fatal(err)
	}
	if report.Summary.Total != 1 || report.Summary.Successful != 1 {
		t.Fatalf("summary = %+v entries = %+v", report.Summary, report.Entries)
	}
	row := report.Entries[0]
	if row.Action != tools.ToolCreateVPC || row.Resource != "10.0.0.0/16" || row.Cloud != "aws" {
		t.Fatalf("row = %+v", row)
	}

	res, err := e.VerifyEvents()
	if err != nil {
		t.Fatal(err)
	}
	if !res.Valid {
		t.Fatalf("chain invalid: %+v", res)
	}
}

func TestMemoryApprovalStoreSkipsDatabase(t *testing.T) {
	cfg := testConfig(t, t.TempDir())
	cfg.ApprovalStore = "memory"
	e := openTestEngine(t, cfg, llm.NewScripted())
	defer e.Close()
	if e.DB != nil {
		t.Fatal("database opened for the memory approval store")
	}
}

func TestVaultOpenedWithPassphrase(t *testing.T) {
	cfg := testConfig(t, t.TempDir())
	e, err := Open(context.Background(), Options{
		Config:     cfg,
		Passphrase: "correct horse",
		Logger:     zerolog.Nop(),
		Runner:     &toolstest.Runner{Fail: map[string]terraform.Output{}},
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer e.Close()
	if e.Vault == nil || e.AWS == nil || e.APICalls == nil {
		t.Fatalf("vault=%v aws=%v apicalls=%v", e.Vault != nil, e.AWS != nil, e.APICalls != nil)
	}
}

func TestOpenFailsOnBadPolicyFile(t *testing.T) {
	cfg := testConfig(t, t.TempDir())
	cfg.PolicyFile = filepath.Join(t.TempDir(), "missing.rego")
	_, err := Open(context.Background(), Options{
		Config: cfg,
		Logger: zerolog.Nop(),
		Cloud:  toolstest.NewCloud(),
		Runner: &toolstest.Runner{Fail: map[string]terraform.Output{}},
	})
	if err == nil {
		t.Fatal("expected an error for a missing policy file")
	}
}

// Package integration_test drives a full maker-checker round trip across
// both transports: a maker chats over HTTP, a checker reviews over gRPC,
// and the audit trail and approval store survive a restart.
//
// These tests use real SQLite databases and event logs in temp directories.
// No AWS API calls are made.
package integration_test

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/QwavePune/aws-infra-agent-bot/internal/agent"
	"github.com/QwavePune/aws-infra-agent-bot/internal/audit"
	"github.com/QwavePune/aws-infra-agent-bot/internal/config"
	"github.com/QwavePune/aws-infra-agent-bot/internal/core"
	"github.com/QwavePune/aws-infra-agent-bot/internal/engine"
	"github.com/QwavePune/aws-infra-agent-bot/internal/eventlog"
	"github.com/QwavePune/aws-infra-agent-bot/internal/grpcapi"
	"github.com/QwavePune/aws-infra-agent-bot/internal/httpapi"
	"github.com/QwavePune/aws-infra-agent-bot/internal/llm"
	"github.com/QwavePune/aws-infra-agent-bot/internal/terraform"
	"github.com/QwavePune/aws-infra-agent-bot/internal/tools"
	"github.com/QwavePune/aws-infra-agent-bot/internal/tools/toolstest"
)

func testConfig(dir string) config.GlobalConfig {
	cfg := config.DefaultGlobalConfig()
	cfg.DataDir = filepath.Join(dir, "data")
	cfg.TerraformWorkspace = filepath.Join(dir, "tf")
	cfg.VaultPath = filepath.Join(dir, "profiles.vault")
	cfg.DefaultProfile = "dev-profile"
	cfg.ApprovalStore = "sqlite"
	cfg.LLM.Provider = "mock"
	return cfg
}

func openEngine(t *testing.T, cfg config.GlobalConfig, model *llm.Scripted) *engine.Engine {
	t.Helper()
	eng, err := engine.Open(context.Background(), engine.Options{
		Config: cfg,
		Logger: zerolog.Nop(),
		Cloud:  toolstest.NewCloud(),
		Runner: &toolstest.Runner{Fail: map[string]terraform.Output{}},
		LLM:    func(string, string) (llm.Client, error) { return model, nil },
	})
	if err != nil {
		t.Fatalf("engine.Open: %v", err)
	}
	return eng
}

func TestMakerCheckerAcrossTransports(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)

	model := llm.NewScripted()
	model.CallTools(llm.Call("call_1", tools.ToolCreateS3Bucket, map[string]any{
		"bucket_name": "demo-bucket", "region": "us-east-1",
	})).Reply("The bucket is waiting for approval.")

	eng := openEngine(t, cfg, model)

	web := httptest.NewServer(httpapi.NewServer(eng, zerolog.Nop()))
	defer web.Close()

	sock := filepath.Join(dir, "agent.sock")
	rpc, err := grpcapi.Listen("unix://"+sock, eng, "")
	if err != nil {
		t.Fatalf("grpcapi.Listen: %v", err)
	}
	go rpc.Serve()
	defer rpc.Stop()

	client, err := grpcapi.Dial("unix://"+sock, grpcapi.ClientOptions{})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Step 1: configure checkers over gRPC
	if err := client.Call(ctx, "roles.update", map[string]any{"checker_profiles": []string{"audit-profile"}}, nil); err != nil {
		t.Fatalf("roles.update: %v", err)
	}

	// Step 2: the maker asks for a bucket over HTTP
	body := strings.NewReader(`{"message":"create an S3 bucket named demo-bucket in us-east-1","provider":"mock","threadId":"thread-int"}`)
	req, _ := http.NewRequest(http.MethodPost, web.URL+"/api/run", body)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(httpapi.HeaderClientID, "maker-ui")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST /api/run: %v", err)
	}
	var requestID string
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		line, ok := strings.CutPrefix(sc.Text(), "data: ")
		if !ok {
			continue
		}
		var ev agent.Event
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			t.Fatalf("bad frame %q: %v", line, err)
		}
		if ev.Type == agent.ApprovalQueued {
			requestID = ev.RequestID
		}
	}
	resp.Body.Close()
	if requestID == "" {
		t.Fatal("no APPROVAL_QUEUED event streamed")
	}

	// Step 3: the maker cannot approve their own request
	err = client.Call(ctx, "approvals.approve", map[string]any{"id": requestID, "profile": "dev-profile"}, nil)
	var remote *grpcapi.RemoteError
	if !errors.As(err, &remote) || remote.Kind != string(core.KindAuthorization) {
		t.Fatalf("self-approval err = %v", err)
	}

	// Step 4: the checker approves and executes
	var approved core.ApprovalRequest
	if err := client.Call(ctx, "approvals.approve", map[string]any{"id": requestID, "profile": "audit-profile", "notes": "ok"}, &approved); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if approved.Status != core.StatusApproved {
		t.Fatalf("status after approve = %s", approved.Status)
	}
	var executed core.ApprovalRequest
	if err := client.Call(ctx, "approvals.execute", map[string]any{"id": requestID, "profile": "audit-profile"}, &executed); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if executed.Status != core.StatusExecuted || executed.ExecutedBy != "audit-profile" {
		t.Fatalf("executed = %+v", executed)
	}

	// Step 5: the audit trail carries the request and the chain verifies
	var report audit.Report
	if err := client.Call(ctx, "audit.query", audit.Query{}, &report); err != nil {
		t.Fatalf("audit.query: %v", err)
	}
	found := false
	for _, e := range report.Entries {
		if e.RequestID == requestID {
			found = true
		}
	}
	if !found {
		t.Fatalf("request %s missing from audit rows %+v", requestID, report.Entries)
	}
	var verify eventlog.VerifyResult
	if err := client.Call(ctx, "audit.verify", nil, &verify); err != nil || !verify.Valid {
		t.Fatalf("audit.verify = %+v (%v)", verify, err)
	}

	rpc.Stop()
	if err := eng.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Step 6: the request survives a restart
	eng = openEngine(t, cfg, llm.NewScripted())
	defer eng.Close()
	got, err := eng.Approvals.Get(requestID)
	if err != nil {
		t.Fatalf("Get after reopen: %v", err)
	}
	if got.Status != core.StatusExecuted || len(got.Comments) == 0 {
		t.Fatalf("after reopen = %+v", got)
	}
	if res, err := eng.VerifyEvents(); err != nil || !res.Valid {
		t.Fatalf("verify after reopen = %+v (%v)", res, err)
	}
}

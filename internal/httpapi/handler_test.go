package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/QwavePune/aws-infra-agent-bot/internal/agent"
	"github.com/QwavePune/aws-infra-agent-bot/internal/approval"
	"github.com/QwavePune/aws-infra-agent-bot/internal/config"
	"github.com/QwavePune/aws-infra-agent-bot/internal/core"
	"github.com/QwavePune/aws-infra-agent-bot/internal/engine"
	"github.com/QwavePune/aws-infra-agent-bot/internal/llm"
	"github.com/QwavePune/aws-infra-agent-bot/internal/profile"
	"github.com/QwavePune/aws-infra-agent-bot/internal/terraform"
	"github.com/QwavePune/aws-infra-agent-bot/internal/tools"
	"github.com/QwavePune/aws-infra-agent-bot/internal/tools/toolstest"
)

type testServer struct {
	eng   *engine.Engine
	echo  *echo.Echo
	model *llm.Scripted
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	dir := t.TempDir()
	cfg := config.DefaultGlobalConfig()
	cfg.DataDir = filepath.Join(dir, "data")
	cfg.TerraformWorkspace = filepath.Join(dir, "tf")
	cfg.DefaultProfile = "dev-profile"
	cfg.ApprovalStore = "memory"
	cfg.LLM.Provider = "mock"

	model := llm.NewScripted()
	eng, err := engine.Open(context.Background(), engine.Options{
		Config: cfg,
		Logger: zerolog.Nop(),
		Cloud:  toolstest.NewCloud(),
		Runner: &toolstest.Runner{Fail: map[string]terraform.Output{}},
		LLM:    func(string, string) (llm.Client, error) { return model, nil },
		LoginCommand: func(_ context.Context, _ string, args ...string) ([]byte, error) {
			return []byte("Successfully logged into Start URL"), nil
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() { eng.Close() })
	return &testServer{eng: eng, echo: NewServer(eng, zerolog.Nop()), model: model}
}

func (s *testServer) do(t *testing.T, method, path, client string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	} else {
		r = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, r)
	if body != nil {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	if client != "" {
		req.Header.Set(HeaderClientID, client)
	}
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func sseEvents(t *testing.T, body string) []agent.Event {
	t.Helper()
	var out []agent.Event
	sc := bufio.NewScanner(strings.NewReader(body))
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev agent.Event
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev))
		out = append(out, ev)
	}
	return out
}

func TestRunStreamsServerSentEvents(t *testing.T) {
	s := newTestServer(t)
	s.model.Reply("You have no buckets yet.")

	rec := s.do(t, http.MethodPost, "/api/run", "ui-1", map[string]any{
		"message":   "list my s3 buckets",
		"threadId":  "thread-1",
		"provider":  "mock",
		"mcpServer": "aws_terraform",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get(echo.HeaderContentType))

	events := sseEvents(t, rec.Body.String())
	require.NotEmpty(t, events)
	assert.Equal(t, agent.RunStarted, events[0].Type)
	assert.Equal(t, agent.RunFinished, events[len(events)-1].Type)

	var text strings.Builder
	for _, ev := range events {
		if ev.Type == agent.TextMessageContent {
			text.WriteString(ev.Delta)
		}
	}
	assert.Equal(t, "You have no buckets yet.", text.String())
}

func TestRunRejectsBadRequests(t *testing.T) {
	s := newTestServer(t)
	tests := []struct {
		name string
		body map[string]any
	}{
		{"empty message", map[string]any{"message": "  ", "provider": "mock"}},
		{"unknown provider", map[string]any{"message": "hi", "provider": "nope"}},
		{"unknown backend", map[string]any{"message": "create a vpc", "provider": "mock", "mcpServer": "bogus"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, http.MethodPost, "/api/run", "", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestApprovalLifecycle(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPut, "/api/roles", "", map[string]any{"checker_profiles": []string{"audit-profile"}})
	require.Equal(t, http.StatusOK, rec.Code)
	roles := decode[core.RoleConfiguration](t, rec)
	assert.Equal(t, []string{"audit-profile"}, roles.CheckerProfiles)

	rec = s.do(t, http.MethodPost, "/api/mcp/execute", "maker", map[string]any{
		"tool_name":  tools.ToolCreateS3Bucket,
		"parameters": map[string]any{"bucket_name": "demo-bucket", "region": "us-east-1"},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	out := decode[agent.CallOutcome](t, rec)
	require.Equal(t, agent.CallQueued, out.Status)
	require.NotEmpty(t, out.RequestID)
	assert.Equal(t, true, out.Result["pending_approval"])
	id := out.RequestID

	// The maker's profile is not a checker.
	rec = s.do(t, http.MethodPost, "/api/approvals/"+id+"/approve", "maker", map[string]any{"notes": "self"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/aws/profile", "checker", map[string]any{"profile": "audit-profile", "client_only": true})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "dev-profile", s.eng.Profiles.Active())

	// Executing before approval is a state conflict.
	rec = s.do(t, http.MethodPost, "/api/approvals/"+id+"/execute", "checker", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/approvals/"+id+"/approve", "checker", map[string]any{"notes": "looks good"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/approvals/"+id+"/execute", "checker", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	executed := decode[struct {
		Success bool                 `json:"success"`
		Request core.ApprovalRequest `json:"request"`
	}](t, rec)
	assert.True(t, executed.Success)
	assert.Equal(t, core.StatusExecuted, executed.Request.Status)
	assert.Equal(t, "audit-profile", executed.Request.ExecutedBy)

	rec = s.do(t, http.MethodPost, "/api/approvals/"+id+"/execute", "checker", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/approvals?status=executed", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[struct {
		Count int `json:"count"`
	}](t, rec)
	assert.Equal(t, 1, list.Count)
}

func TestCommentsAndNotFound(t *testing.T) {
	s := newTestServer(t)
	_, err := s.eng.Roles.Update([]string{"audit-profile"}, nil)
	require.NoError(t, err)
	req, err := s.eng.Approvals.Create(context.Background(), approval.CreateParams{
		RunID:     "r1",
		ThreadID:  "t1",
		Requester: profile.Credential{Profile: "dev-profile", Region: "us-east-1"},
		ToolName:  tools.ToolCreateVPC,
		Arguments: map[string]any{"region": "us-east-1"},
		Backend:   core.BackendAWSTerraform,
	})
	require.NoError(t, err)

	rec := s.do(t, http.MethodPost, "/api/approvals/"+req.RequestID+"/comments", "", map[string]any{"message": "please review"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/approvals/"+req.RequestID, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[core.ApprovalRequest](t, rec)
	require.Len(t, got.Comments, 1)
	assert.Equal(t, "please review", got.Comments[0].Message)
	assert.Equal(t, core.RoleMaker, got.Comments[0].AuthorRole)

	rec = s.do(t, http.MethodPost, "/api/approvals/"+req.RequestID+"/comments", "", map[string]any{"message": ""})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/approvals/missing", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAuditEndpoints(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodPost, "/api/mcp/execute", "", map[string]any{
		"tool_name": tools.ToolCreateVPC,
		"arguments": map[string]any{"region": "us-east-1", "cidr_block": "10.1.0.0/16"},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/audit?status=success", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	report := decode[struct {
		Entries []core.AuditEntry `json:"entries"`
		Summary struct {
			Total int `json:"total"`
		} `json:"summary"`
	}](t, rec)
	require.Equal(t, 1, report.Summary.Total)
	assert.Equal(t, "10.1.0.0/16", report.Entries[0].Resource)

	rec = s.do(t, http.MethodGet, "/api/audit/export?format=csv", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get(echo.HeaderContentType), "text/csv")
	assert.True(t, strings.HasPrefix(rec.Body.String(), "timestamp,user,cloud,action"))

	rec = s.do(t, http.MethodGet, "/api/audit/export?format=xml", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/audit/verify", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decode[map[string]any](t, rec)["valid"])
}

func TestProfileIdentityAndLogin(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/aws/profile", "ui-1", map[string]any{"profile": "prod"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "prod", s.eng.Profiles.Active())

	rec = s.do(t, http.MethodGet, "/api/aws/profile", "ui-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "prod", decode[map[string]any](t, rec)["profile"])

	rec = s.do(t, http.MethodGet, "/api/aws/identity", "ui-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	ident := decode[map[string]any](t, rec)
	assert.Equal(t, true, ident["active"])
	assert.Equal(t, "123456789012", ident["account"])
	assert.Equal(t, "arn:aws:iam::123456789012:user/prod", ident["arn"])

	rec = s.do(t, http.MethodPost, "/api/aws/login", "ui-1", map[string]any{"profile": "sso-dev"})
	require.Equal(t, http.StatusAccepted, rec.Code)
	started := decode[struct {
		Job profile.LoginJob `json:"job"`
	}](t, rec)
	require.NotEmpty(t, started.Job.ID)
	_, err := s.eng.Logins.Wait(context.Background(), started.Job.ID)
	require.NoError(t, err)

	rec = s.do(t, http.MethodGet, "/api/aws/login/"+started.Job.ID, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	job := decode[profile.LoginJob](t, rec)
	assert.Equal(t, profile.LoginSucceeded, job.Status)
	assert.Equal(t, "sso-dev", job.Profile)

	rec = s.do(t, http.MethodGet, "/api/aws/login/unknown", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestToolsAndStatus(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/api/mcp/tools", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	listed := decode[struct {
		Tools []tools.Definition `json:"tools"`
	}](t, rec)
	assert.Len(t, listed.Tools, len(s.eng.Registry.Names()))

	rec = s.do(t, http.MethodGet, "/api/mcp/status", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	status := decode[map[string]any](t, rec)
	assert.Equal(t, true, status["initialized"])

	rec = s.do(t, http.MethodPost, "/api/mcp/execute", "", map[string]any{"tool_name": ""})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEnvMasksSecrets(t *testing.T) {
	t.Setenv("INFRA_TEST_API_KEY", "sk-live")
	t.Setenv("INFRA_TEST_PLAIN", "visible")
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/api/env", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	env := decode[map[string]string](t, rec)
	assert.Equal(t, "********", env["INFRA_TEST_API_KEY"])
	assert.Equal(t, "visible", env["INFRA_TEST_PLAIN"])
}

func TestWebsocketRuns(t *testing.T) {
	s := newTestServer(t)
	s.model.Reply("first answer").Reply("second answer")

	srv := httptest.NewServer(s.echo)
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, http.Header{HeaderClientID: []string{"ws-client"}})
	require.NoError(t, err)
	defer conn.Close()

	readRun := func() string {
		var text strings.Builder
		for {
			var ev agent.Event
			require.NoError(t, conn.ReadJSON(&ev))
			switch ev.Type {
			case agent.TextMessageContent:
				text.WriteString(ev.Delta)
			case agent.RunFinished:
				return text.String()
			case agent.RunError:
				t.Fatalf("run error: %s", ev.Message)
			}
		}
	}

	for i, want := range []string{"first answer", "second answer"} {
		msg := map[string]any{"message": fmt.Sprintf("hello %d", i), "threadId": "ws-thread", "provider": "mock"}
		require.NoError(t, conn.WriteJSON(msg))
		assert.Equal(t, want, readRun())
	}

	require.NoError(t, conn.WriteJSON(map[string]any{"message": ""}))
	var ev agent.Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, agent.RunError, ev.Type)
}

func TestStatusOf(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{core.Errorf(core.KindAuthorization, "op", "no"), http.StatusForbidden},
		{core.Errorf(core.KindStateConflict, "op", "no"), http.StatusConflict},
		{core.Errorf(core.KindValidation, "op", "no"), http.StatusBadRequest},
		{core.Errorf(core.KindAuthentication, "op", "no"), http.StatusUnauthorized},
		{core.Errorf(core.KindTimeout, "op", "no"), http.StatusGatewayTimeout},
		{core.Errorf(core.KindExecution, "op", "no"), http.StatusInternalServerError},
		{fmt.Errorf("get x: %w", approval.ErrNotFound), http.StatusNotFound},
		{errors.New("plain"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusOf(tt.err), tt.err.Error())
	}
}

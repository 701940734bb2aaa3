package agent

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"github.com/QwavePune/aws-infra-agent-bot/internal/core"
	"github.com/QwavePune/aws-infra-agent-bot/internal/eventlog"
	"github.com/QwavePune/aws-infra-agent-bot/internal/tools"
)

// DirectCall is a tool call issued by an operator rather than the model.
type DirectCall struct {
	Name      string         `json:"tool_name"`
	Arguments map[string]any `json:"arguments"`
	Backend   core.Backend   `json:"mcp_server,omitempty"`
	ThreadID  string         `json:"thread_id,omitempty"`
	ClientKey string         `json:"-"`
	Profile   string         `json:"profile,omitempty"`
}

// Execute runs one call through the same gate, event recording and
// repair rules as a conversation turn. There is no message, so the
// read-only guard never fires; the rego policy still applies.
func (o *Orchestrator) Execute(ctx context.Context, call DirectCall) CallOutcome {
	if strings.TrimSpace(call.Name) == "" {
		return CallOutcome{Status: CallExecuted, Result: tools.Fail(core.KindValidation, "tool_name is required")}
	}
	if call.Arguments == nil {
		call.Arguments = map[string]any{}
	}
	if call.Backend == "" {
		call.Backend = core.BackendAWSTerraform
	}
	if !call.Backend.Valid() {
		return CallOutcome{Status: CallExecuted, Result: tools.Failf(core.KindValidation, "unknown mcp_server %q", call.Backend)}
	}
	if call.ThreadID == "" {
		call.ThreadID = "direct"
	}
	cred := o.profiles.Credential(call.ClientKey)
	if call.Profile != "" {
		cred.Profile = call.Profile
	}
	r := &run{
		rc: core.RunContext{
			RunID:         uuid.NewString(),
			ThreadID:      call.ThreadID,
			Provider:      "direct",
			MCPServer:     call.Backend,
			ActiveProfile: cred.Profile,
			ClientKey:     call.ClientKey,
		},
		cred: cred,
		emit: Discard,
	}
	r.outcome = &RunOutcome{Context: r.rc}
	logger := o.logger.With().Str("run_id", r.rc.RunID).Logger()

	backendActive := call.Backend.ServesAWSTools()
	if backendActive {
		o.permissionCheck(ctx, r, logger)
	}
	tc := core.ToolCall{Name: call.Name, Arguments: call.Arguments, CallID: "direct_" + r.rc.RunID[:8]}
	o.handleCall(ctx, r, tc, backendActive)
	o.record(r, eventlog.EventRunFinished, map[string]any{"iterations": 0})
	return r.outcome.Calls[len(r.outcome.Calls)-1]
}

package tools

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/QwavePune/aws-infra-agent-bot/internal/core"
	"github.com/QwavePune/aws-infra-agent-bot/internal/intent"
	"github.com/QwavePune/aws-infra-agent-bot/internal/profile"
	"github.com/QwavePune/aws-infra-agent-bot/internal/terraform"
)

// Handlers implements every built-in tool over a Cloud and a Terraform
// workspace.
type Handlers struct {
	cloud     Cloud
	tf        *terraform.Manager
	workflows *WorkflowStore
	logger    zerolog.Logger
	now       func() time.Time
}

// NewHandlers creates the built-in handlers.
func NewHandlers(cloud Cloud, tf *terraform.Manager, logger zerolog.Logger) *Handlers {
	return &Handlers{
		cloud:     cloud,
		tf:        tf,
		workflows: NewWorkflowStore(),
		logger:    logger,
		now:       time.Now,
	}
}

// Workflows returns the ECS workflow store.
func (h *Handlers) Workflows() *WorkflowStore { return h.workflows }

// Register adds every built-in tool to r.
func (h *Handlers) Register(r *Registry) error {
	for _, t := range h.tools() {
		if err := r.Register(t); err != nil {
			return err
		}
	}
	return nil
}

// NewDefaultRegistry builds and validates the registry of built-in tools.
func NewDefaultRegistry(h *Handlers, policy *intent.Policy) (*Registry, error) {
	r := NewRegistry(policy)
	if err := h.Register(r); err != nil {
		return nil, fmt.Errorf("registering tools: %w", err)
	}
	if err := r.Validate(); err != nil {
		return nil, fmt.Errorf("validating tools: %w", err)
	}
	return r, nil
}

// requirePermissions checks each action in order and fails on the first
// one the caller lacks. The checks themselves fail open.
func (h *Handlers) requirePermissions(ctx context.Context, cred profile.Credential, actions ...string) Result {
	for _, a := range actions {
		if !h.cloud.CheckPermission(ctx, cred, a) {
			return Failf(core.KindAuthorization, "User lacks %s permission", a)
		}
	}
	return nil
}

// rejectNonTerraformMode refuses the decommissioned direct-CLI mode.
func rejectNonTerraformMode(args map[string]any) Result {
	mode := argStringDefault(args, "mode", "terraform")
	if mode != "terraform" {
		return Fail(core.KindValidation,
			"CLI mode is decommissioned for safety and auditability. "+
				"Use mode='terraform' and continue with terraform_plan/terraform_apply.")
	}
	return nil
}

// tfResult converts a terraform.Result, classifying failures.
func tfResult(res terraform.Result) Result {
	r := Result(res.Map())
	if !res.Success {
		kind := core.KindExecution
		if res.TimedOut {
			kind = core.KindTimeout
		}
		r["error_kind"] = string(kind)
	}
	return r
}

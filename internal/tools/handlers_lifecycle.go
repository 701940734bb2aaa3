package tools

import (
	"context"

	"github.com/QwavePune/aws-infra-agent-bot/internal/core"
	"github.com/QwavePune/aws-infra-agent-bot/internal/profile"
)

// project resolves the project_name argument. ok is false when it is absent.
func (h *Handlers) project(args map[string]any) (string, bool) {
	ref := argString(args, "project_name")
	if ref == "" {
		return "", false
	}
	return h.tf.ResolveProject(ref), true
}

func (h *Handlers) terraformPlan(ctx context.Context, cred profile.Credential, args map[string]any) Result {
	project, ok := h.project(args)
	if !ok {
		return NeedInput(ToolTerraformPlan, []string{"project_name"})
	}
	res := tfResult(h.tf.Plan(ctx, cred, project))
	res["project_name"] = project
	return res
}

func (h *Handlers) terraformApply(ctx context.Context, cred profile.Credential, args map[string]any) Result {
	project, ok := h.project(args)
	if !ok {
		return NeedInput(ToolTerraformApply, []string{"project_name"})
	}
	res := h.tf.Apply(ctx, cred, project, argBool(args, "auto_approve", false))
	out := tfResult(res)
	if res.PlanMissing {
		out["error_kind"] = string(core.KindValidation)
	}
	out["project_name"] = project
	return out
}

func (h *Handlers) terraformDestroy(ctx context.Context, cred profile.Credential, args map[string]any) Result {
	project, ok := h.project(args)
	if !ok {
		return NeedInput(ToolTerraformDestroy, []string{"project_name"})
	}
	if !argBool(args, "auto_approve", true) {
		return Fail(core.KindValidation,
			"terraform_destroy runs non-interactively. Review the project state with get_infrastructure_state, then call terraform_destroy with auto_approve=true.")
	}
	res := tfResult(h.tf.Destroy(ctx, cred, project))
	res["project_name"] = project
	return res
}

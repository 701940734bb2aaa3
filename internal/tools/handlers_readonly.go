package tools

import (
	"context"
	"encoding/json"

	awsops "github.com/QwavePune/aws-infra-agent-bot/internal/aws"
	"github.com/QwavePune/aws-infra-agent-bot/internal/core"
	"github.com/QwavePune/aws-infra-agent-bot/internal/profile"
)

func (h *Handlers) listResources(ctx context.Context, cred profile.Credential, args map[string]any) Result {
	rt := argString(args, "resource_type")
	if rt == "" {
		return NeedInput(ToolListResources, []string{"resource_type"})
	}
	list, err := h.cloud.ListResources(ctx, cred, rt, argString(args, "region"))
	if err != nil {
		return FromError(err)
	}
	return OK(toFields(list))
}

func (h *Handlers) describeResource(ctx context.Context, cred profile.Credential, args map[string]any) Result {
	var missing []string
	rt := argString(args, "resource_type")
	id := argString(args, "resource_id")
	if rt == "" {
		missing = append(missing, "resource_type")
	}
	if id == "" {
		missing = append(missing, "resource_id")
	}
	if len(missing) > 0 {
		return NeedInput(ToolDescribeResource, missing)
	}
	region := h.cloud.Region(cred, argString(args, "region"))
	details, err := h.cloud.DescribeResource(ctx, cred, rt, id, region)
	if err != nil {
		return FromError(err)
	}
	return OK(map[string]any{
		"resource_type": rt,
		"resource_id":   id,
		"region":        region,
		"details":       details,
	})
}

func (h *Handlers) accountInventory(ctx context.Context, cred profile.Credential, args map[string]any) Result {
	inv := h.cloud.AccountInventory(ctx, cred, argStrings(args, "regions"))
	return OK(toFields(inv))
}

func (h *Handlers) costSummary(ctx context.Context, cred profile.Credential, args map[string]any) Result {
	q, err := awsops.CostQuery{
		StartDate:      argString(args, "start_date"),
		EndDate:        argString(args, "end_date"),
		Granularity:    argString(args, "granularity"),
		Metric:         argString(args, "metric"),
		GroupByService: argBoolPtr(args, "group_by_service"),
	}.Normalize(h.now())
	if err != nil {
		return FromError(err)
	}
	summary, err := h.cloud.CostSummary(ctx, cred, q)
	if err != nil {
		return FromError(core.WrapMsg(core.KindExecution, ToolCostSummary, "Unexpected error querying Cost Explorer", err))
	}
	return OK(toFields(summary))
}

func (h *Handlers) userPermissions(ctx context.Context, cred profile.Credential, _ map[string]any) Result {
	id, err := h.cloud.Identity(ctx, cred)
	if err != nil {
		return FromError(core.WrapMsg(core.KindAuthentication, ToolUserPermissions, "Unable to resolve AWS identity", err))
	}
	return OK(map[string]any{
		"user_info": map[string]any{
			"user_arn":   id.ARN,
			"account_id": id.Account,
			"user_id":    id.UserID,
			"profile":    cred.Profile,
		},
		"allowed_regions": h.cloud.Regions(ctx, cred),
	})
}

func (h *Handlers) infrastructureState(ctx context.Context, cred profile.Credential, args map[string]any) Result {
	project := h.tf.ResolveProject(argString(args, "project_name"))
	if project == "" {
		return Fail(core.KindValidation, "project_name is required")
	}
	res := tfResult(h.tf.ShowState(ctx, cred, project))
	res["project_name"] = project
	return res
}

// toFields flattens a typed result into tool result fields through its JSON
// tags.
func toFields(v any) map[string]any {
	data, err := json.Marshal(v)
	if err != nil {
		return map[string]any{"data": v}
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return map[string]any{"data": v}
	}
	return out
}

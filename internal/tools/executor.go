package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	awsops "github.com/QwavePune/aws-infra-agent-bot/internal/aws"
	"github.com/QwavePune/aws-infra-agent-bot/internal/core"
	"github.com/QwavePune/aws-infra-agent-bot/internal/logging"
	"github.com/QwavePune/aws-infra-agent-bot/internal/profile"
	"github.com/QwavePune/aws-infra-agent-bot/internal/scope"
)

// Cloud is the AWS surface the handlers use. *awsops.ClientFactory
// implements it.
type Cloud interface {
	Identity(ctx context.Context, cred profile.Credential) (awsops.CallerIdentity, error)
	CheckPermission(ctx context.Context, cred profile.Credential, action string) bool
	Regions(ctx context.Context, cred profile.Credential) []string
	Region(cred profile.Credential, region string) string
	ListResources(ctx context.Context, cred profile.Credential, resourceType, region string) (*awsops.ResourceList, error)
	DescribeResource(ctx context.Context, cred profile.Credential, resourceType, resourceID, region string) (any, error)
	AccountInventory(ctx context.Context, cred profile.Credential, regions []string) *awsops.Inventory
	CostSummary(ctx context.Context, cred profile.Credential, q awsops.CostQuery) (*awsops.CostSummary, error)
	ValidateECSPrereqs(ctx context.Context, cred profile.Credential, n awsops.ECSNetwork) *awsops.Preflight
	ExistingSecurityGroup(ctx context.Context, cred profile.Credential, name, region string) string
}

var _ Cloud = (*awsops.ClientFactory)(nil)

// Executor dispatches tool calls: unknown names and ill-typed arguments are
// refused, the caller identity must resolve and fall inside the scope, and
// then the handler runs. Every outcome is a Result.
type Executor struct {
	registry *Registry
	cloud    Cloud
	scope    *scope.Checker
	logger   zerolog.Logger
}

// NewExecutor creates an executor. checker may be nil for no scope limits.
func NewExecutor(registry *Registry, cloud Cloud, checker *scope.Checker, logger zerolog.Logger) *Executor {
	return &Executor{registry: registry, cloud: cloud, scope: checker, logger: logger}
}

// Registry returns the tool registry.
func (e *Executor) Registry() *Registry { return e.registry }

// Execute runs tool name with args under cred.
func (e *Executor) Execute(ctx context.Context, cred profile.Credential, name string, args map[string]any) (res Result) {
	if args == nil {
		args = map[string]any{}
	}
	tool, ok := e.registry.Get(name)
	if !ok {
		return Failf(core.KindValidation, "Unknown tool: %s", name)
	}

	doc, err := roundTrip(args)
	if err != nil {
		return Failf(core.KindValidation, "Invalid arguments for %s: %v", name, err)
	}
	if err := tool.schema.Validate(doc); err != nil {
		return Failf(core.KindValidation, "Invalid arguments for %s: %s", name, flattenSchemaError(err))
	}
	normalized, _ := doc.(map[string]any)
	if normalized == nil {
		normalized = map[string]any{}
	}

	id, err := e.cloud.Identity(ctx, cred)
	if err != nil {
		e.logger.Warn().Err(err).Str("tool", name).Str("profile", cred.Profile).Msg("identity unresolved")
		return Failf(core.KindAuthentication,
			"Unable to resolve AWS identity for profile '%s'. Log in again (aws sso login --profile %s) or select another profile.",
			cred.Profile, cred.Profile)
	}
	if err := e.scope.CheckAccount(id.Account); err != nil {
		return Fail(core.KindAuthorization, err.Error())
	}
	if err := e.scope.CheckArgs(normalized); err != nil {
		return Fail(core.KindAuthorization, err.Error())
	}
	if name == ToolAccountInventory && len(argStrings(normalized, "regions")) == 0 && !e.scope.Unrestricted() {
		var regions []any
		for _, r := range e.scope.FilterRegions(e.cloud.Regions(ctx, cred)) {
			regions = append(regions, r)
		}
		if len(regions) == 0 {
			return Fail(core.KindAuthorization, "no enabled region is inside the configured scope")
		}
		normalized["regions"] = regions
	}

	e.logger.Debug().Str("tool", name).Str("profile", cred.Profile).
		Interface("args", logging.RedactMap(normalized)).Msg("executing tool")

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error().Interface("panic", r).Str("tool", name).Msg("tool handler panicked")
			res = Failf(core.KindExecution, "Tool %s failed unexpectedly: %v", name, r)
		}
	}()
	res = tool.Handler(ctx, cred, normalized)
	if res == nil {
		return Failf(core.KindExecution, "Tool %s returned no result", name)
	}
	if _, ok := res["success"]; !ok {
		res["success"] = false
	}
	return res
}

// flattenSchemaError keeps validation messages on one line.
func flattenSchemaError(err error) string {
	msg := strings.Join(strings.Fields(err.Error()), " ")
	if msg == "" {
		return fmt.Sprint(err)
	}
	return msg
}

// Package tools is the closed set of tools the agent may call: the registry
// validated at startup, the executor facade and the handlers behind it.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/QwavePune/aws-infra-agent-bot/internal/intent"
	"github.com/QwavePune/aws-infra-agent-bot/internal/profile"
)

// Tool names.
const (
	ToolListResources     = "list_aws_resources"
	ToolDescribeResource  = "describe_resource"
	ToolAccountInventory  = "list_account_inventory"
	ToolCostSummary       = "get_cost_explorer_summary"
	ToolUserPermissions   = "get_user_permissions"
	ToolInfraState        = "get_infrastructure_state"
	ToolCreateS3Bucket    = "create_s3_bucket"
	ToolCreateEC2Instance = "create_ec2_instance"
	ToolCreateVPC         = "create_vpc"
	ToolCreateRDSInstance = "create_rds_instance"
	ToolCreateLambda      = "create_lambda_function"
	ToolCreateECSService  = "create_ecs_service"
	ToolStartECSWorkflow  = "start_ecs_deployment_workflow"
	ToolUpdateECSWorkflow = "update_ecs_deployment_workflow"
	ToolReviewECSWorkflow = "review_ecs_deployment_workflow"
	ToolTerraformPlan     = "terraform_plan"
	ToolTerraformApply    = "terraform_apply"
	ToolTerraformDestroy  = "terraform_destroy"
)

// Kind groups tools by what they do to infrastructure.
type Kind string

const (
	KindReadOnly     Kind = "read_only"
	KindProvisioning Kind = "provisioning"
	KindLifecycle    Kind = "lifecycle"
	KindWorkflow     Kind = "workflow"
)

// Handler runs one tool call under an explicit credential. Handlers report
// failures in the Result, never as Go errors.
type Handler func(ctx context.Context, cred profile.Credential, args map[string]any) Result

// Tool is one registered tool.
type Tool struct {
	Name        string
	Description string
	Kind        Kind
	Parameters  map[string]any
	Handler     Handler

	schema *jsonschema.Schema
}

// Definition is the tool description handed to the LLM.
type Definition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Registry holds the tools in registration order.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]*Tool
	order  []string
	policy *intent.Policy
}

// NewRegistry creates an empty registry classifying tools with policy.
func NewRegistry(policy *intent.Policy) *Registry {
	if policy == nil {
		policy = intent.Default()
	}
	return &Registry{tools: make(map[string]*Tool), policy: policy}
}

// Policy returns the intent policy the registry validates against.
func (r *Registry) Policy() *intent.Policy { return r.policy }

// Register adds a tool. Names must be unique and the parameter schema must
// compile.
func (r *Registry) Register(t Tool) error {
	if t.Name == "" {
		return fmt.Errorf("tool name is required")
	}
	if t.Handler == nil {
		return fmt.Errorf("tool %s: handler is required", t.Name)
	}
	if t.Parameters == nil {
		t.Parameters = map[string]any{"type": "object", "properties": map[string]any{}}
	}
	sch, err := compileArgumentSchema(t.Name, t.Parameters)
	if err != nil {
		return err
	}
	t.schema = sch

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name]; exists {
		return fmt.Errorf("tool %s already registered", t.Name)
	}
	r.tools[t.Name] = &t
	r.order = append(r.order, t.Name)
	return nil
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (*Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// List returns the tools in registration order.
func (r *Registry) List() []*Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Tool, 0, len(r.order))
	for _, n := range r.order {
		out = append(out, r.tools[n])
	}
	return out
}

// Names returns the tool names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Definitions returns the LLM-facing tool descriptions.
func (r *Registry) Definitions() []Definition {
	tools := r.List()
	out := make([]Definition, 0, len(tools))
	for _, t := range tools {
		out = append(out, Definition{Name: t.Name, Description: t.Description, Parameters: t.Parameters})
	}
	return out
}

// Validate checks the registry against the intent policy: read-only tools
// must not classify as mutating, provisioning and lifecycle tools must, and
// every explicitly registered mutating tool must exist.
func (r *Registry) Validate() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.tools) == 0 {
		return fmt.Errorf("no tools registered")
	}
	for _, name := range r.order {
		t := r.tools[name]
		if t.schema == nil {
			return fmt.Errorf("tool %s: schema not compiled", name)
		}
		mutating := r.policy.IsMutatingTool(name)
		switch t.Kind {
		case KindReadOnly:
			if mutating {
				return fmt.Errorf("tool %s is read-only but classified as mutating", name)
			}
		case KindProvisioning, KindLifecycle:
			if !mutating {
				return fmt.Errorf("tool %s is %s but not classified as mutating", name, t.Kind)
			}
		case KindWorkflow:
		default:
			return fmt.Errorf("tool %s: unknown kind %q", name, t.Kind)
		}
	}
	for _, name := range r.policy.MutatingTools() {
		if _, ok := r.tools[name]; !ok {
			return fmt.Errorf("mutating tool %s is not registered", name)
		}
	}
	return nil
}

// compileArgumentSchema compiles the parameter schema for type checking.
// The top-level "required" list is dropped so absent fields reach the
// handler, which answers with missing_fields and questions instead.
func compileArgumentSchema(name string, params map[string]any) (*jsonschema.Schema, error) {
	relaxed := make(map[string]any, len(params))
	for k, v := range params {
		if k != "required" {
			relaxed[k] = v
		}
	}
	doc, err := roundTrip(relaxed)
	if err != nil {
		return nil, fmt.Errorf("tool %s: encoding schema: %w", name, err)
	}
	url := "tool://" + name + ".json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("tool %s: schema compile error: %w", name, err)
	}
	sch, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("tool %s: schema compile error: %w", name, err)
	}
	return sch, nil
}

// roundTrip normalizes v into plain JSON values ([]any, map[string]any,
// float64).
func roundTrip(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

package tools

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	awsops "github.com/QwavePune/aws-infra-agent-bot/internal/aws"
	"github.com/QwavePune/aws-infra-agent-bot/internal/core"
	"github.com/QwavePune/aws-infra-agent-bot/internal/profile"
	"github.com/QwavePune/aws-infra-agent-bot/internal/terraform"
)

// ECSConfig is the accumulated input of an ECS Fargate deployment.
type ECSConfig struct {
	Region           string   `json:"region"`
	ClusterName      string   `json:"cluster_name"`
	ServiceName      string   `json:"service_name"`
	ContainerImage   string   `json:"container_image"`
	ExecutionRoleARN string   `json:"execution_role_arn"`
	TaskRoleARN      string   `json:"task_role_arn"`
	SubnetIDs        []string `json:"subnet_ids"`
	SecurityGroupIDs []string `json:"security_group_ids"`
	DesiredCount     int      `json:"desired_count"`
	ContainerPort    int      `json:"container_port"`
	CPU              int      `json:"cpu"`
	Memory           int      `json:"memory"`
	AssignPublicIP   bool     `json:"assign_public_ip"`
}

// NewECSConfig builds a config from tool arguments with the usual defaults.
func NewECSConfig(args map[string]any) ECSConfig {
	c := ECSConfig{
		SubnetIDs:        []string{},
		SecurityGroupIDs: []string{},
		DesiredCount:     1,
		ContainerPort:    8080,
		CPU:              256,
		Memory:           512,
		AssignPublicIP:   true,
	}
	c.Merge(args)
	return c
}

// Merge overwrites the fields present and non-null in args.
func (c *ECSConfig) Merge(args map[string]any) {
	setStr := func(key string, dst *string) {
		if has(args, key) {
			*dst = argString(args, key)
		}
	}
	setStr("region", &c.Region)
	setStr("cluster_name", &c.ClusterName)
	setStr("service_name", &c.ServiceName)
	setStr("container_image", &c.ContainerImage)
	setStr("execution_role_arn", &c.ExecutionRoleARN)
	setStr("task_role_arn", &c.TaskRoleARN)
	if has(args, "subnet_ids") {
		c.SubnetIDs = append([]string{}, argStrings(args, "subnet_ids")...)
	}
	if has(args, "security_group_ids") {
		c.SecurityGroupIDs = append([]string{}, argStrings(args, "security_group_ids")...)
	}
	c.DesiredCount = argInt(args, "desired_count", c.DesiredCount)
	c.ContainerPort = argInt(args, "container_port", c.ContainerPort)
	c.CPU = argInt(args, "cpu", c.CPU)
	c.Memory = argInt(args, "memory", c.Memory)
	c.AssignPublicIP = argBool(args, "assign_public_ip", c.AssignPublicIP)
}

// MissingFields lists the required fields that are still blank, in a fixed
// order.
func (c ECSConfig) MissingFields() []string {
	missing := []string{}
	for _, f := range []struct {
		name  string
		blank bool
	}{
		{"region", c.Region == ""},
		{"cluster_name", c.ClusterName == ""},
		{"service_name", c.ServiceName == ""},
		{"container_image", c.ContainerImage == ""},
		{"execution_role_arn", c.ExecutionRoleARN == ""},
		{"task_role_arn", c.TaskRoleARN == ""},
		{"subnet_ids", len(c.SubnetIDs) == 0},
		{"security_group_ids", len(c.SecurityGroupIDs) == 0},
	} {
		if f.blank {
			missing = append(missing, f.name)
		}
	}
	return missing
}

// ProjectName is the Terraform project an ECS config materializes into.
func (c ECSConfig) ProjectName() string {
	svc := c.ServiceName
	if svc == "" {
		svc = "service"
	}
	return fmt.Sprintf("ecs_%s_%s", svc, c.Region)
}

func (c ECSConfig) network() awsops.ECSNetwork {
	return awsops.ECSNetwork{
		Region:           c.Region,
		SubnetIDs:        c.SubnetIDs,
		SecurityGroupIDs: c.SecurityGroupIDs,
		ExecutionRoleARN: c.ExecutionRoleARN,
		TaskRoleARN:      c.TaskRoleARN,
	}
}

// WorkflowStore keeps in-progress ECS workflows for the process lifetime.
type WorkflowStore struct {
	mu        sync.Mutex
	workflows map[string]ECSConfig
}

// NewWorkflowStore creates an empty store.
func NewWorkflowStore() *WorkflowStore {
	return &WorkflowStore{workflows: make(map[string]ECSConfig)}
}

// Start stores cfg under a new workflow id.
func (s *WorkflowStore) Start(cfg ECSConfig) string {
	id := "ecs-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workflows[id] = cfg
	return id
}

// Get returns a copy of the workflow config.
func (s *WorkflowStore) Get(id string) (ECSConfig, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, ok := s.workflows[id]
	return cfg, ok
}

// Update merges args into the workflow and returns the new config.
func (s *WorkflowStore) Update(id string, args map[string]any) (ECSConfig, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, ok := s.workflows[id]
	if !ok {
		return ECSConfig{}, false
	}
	cfg.Merge(args)
	s.workflows[id] = cfg
	return cfg, true
}

// preflight validates prerequisites once nothing is missing.
func (h *Handlers) preflight(ctx context.Context, cred profile.Credential, cfg ECSConfig, missing []string) *awsops.Preflight {
	if len(missing) > 0 {
		return nil
	}
	return h.cloud.ValidateECSPrereqs(ctx, cred, cfg.network())
}

func readyToCreate(missing []string, p *awsops.Preflight) bool {
	return len(missing) == 0 && p != nil && p.Valid
}

func workflowNotFound(id string) Result {
	return Failf(core.KindValidation, "ECS workflow '%s' not found", id)
}

func (h *Handlers) startECSWorkflow(ctx context.Context, cred profile.Credential, args map[string]any) Result {
	cfg := NewECSConfig(args)
	missing := cfg.MissingFields()
	pre := h.preflight(ctx, cred, cfg, missing)
	id := h.workflows.Start(cfg)

	next := "call update_ecs_deployment_workflow with missing fields"
	if len(missing) == 0 {
		next = "call create_ecs_service when ready"
	}
	return OK(map[string]any{
		"workflow_id":     id,
		"workflow_type":   "ecs_fargate",
		"config":          toFields(cfg),
		"missing_fields":  missing,
		"questions":       QuestionsFor(ToolStartECSWorkflow, missing),
		"preflight":       pre,
		"ready_to_create": readyToCreate(missing, pre),
		"next_action":     next,
	})
}

func (h *Handlers) updateECSWorkflow(ctx context.Context, cred profile.Credential, args map[string]any) Result {
	id := argString(args, "workflow_id")
	if id == "" {
		return NeedInput(ToolUpdateECSWorkflow, []string{"workflow_id"})
	}
	cfg, ok := h.workflows.Update(id, args)
	if !ok {
		return workflowNotFound(id)
	}
	missing := cfg.MissingFields()
	pre := h.preflight(ctx, cred, cfg, missing)

	next := "call update_ecs_deployment_workflow with remaining fields"
	if len(missing) == 0 {
		next = "call create_ecs_service"
	}
	return OK(map[string]any{
		"workflow_id":     id,
		"config":          toFields(cfg),
		"missing_fields":  missing,
		"questions":       QuestionsFor(ToolUpdateECSWorkflow, missing),
		"preflight":       pre,
		"ready_to_create": readyToCreate(missing, pre),
		"next_action":     next,
	})
}

func (h *Handlers) reviewECSWorkflow(ctx context.Context, cred profile.Credential, args map[string]any) Result {
	id := argString(args, "workflow_id")
	if id == "" {
		return NeedInput(ToolReviewECSWorkflow, []string{"workflow_id"})
	}
	cfg, ok := h.workflows.Get(id)
	if !ok {
		return workflowNotFound(id)
	}
	missing := cfg.MissingFields()
	pre := h.preflight(ctx, cred, cfg, missing)

	next := "fill missing_fields using update_ecs_deployment_workflow"
	if len(missing) == 0 {
		next = "call create_ecs_service and then terraform_plan/terraform_apply"
	}
	return OK(map[string]any{
		"workflow_id":     id,
		"ready_to_create": readyToCreate(missing, pre),
		"missing_fields":  missing,
		"questions":       QuestionsFor(ToolReviewECSWorkflow, missing),
		"preflight":       pre,
		"project_name":    cfg.ProjectName(),
		"plan": map[string]any{
			"region":             cfg.Region,
			"cluster_name":       cfg.ClusterName,
			"service_name":       cfg.ServiceName,
			"container_image":    cfg.ContainerImage,
			"desired_count":      cfg.DesiredCount,
			"cpu":                cfg.CPU,
			"memory":             cfg.Memory,
			"container_port":     cfg.ContainerPort,
			"subnet_ids":         cfg.SubnetIDs,
			"security_group_ids": cfg.SecurityGroupIDs,
		},
		"next_action": next,
		"safety_notes": []string{
			"This flow assumes existing VPC subnets and security groups.",
			"Review IAM role ARNs before apply.",
			"Fargate costs scale with desired_count, CPU, and memory.",
		},
	})
}

func (h *Handlers) createECSService(ctx context.Context, cred profile.Credential, args map[string]any) Result {
	if r := h.requirePermissions(ctx, cred, "ecs:CreateCluster", "ecs:RegisterTaskDefinition", "ecs:CreateService"); r != nil {
		return r
	}

	workflowID := argString(args, "workflow_id")
	var cfg ECSConfig
	if workflowID != "" {
		var ok bool
		if cfg, ok = h.workflows.Get(workflowID); !ok {
			return workflowNotFound(workflowID)
		}
	} else {
		cfg = NewECSConfig(args)
	}

	if missing := cfg.MissingFields(); len(missing) > 0 {
		r := NeedInput(ToolCreateECSService, missing)
		r["error"] = "Missing required ECS configuration fields"
		return r
	}

	pre := h.cloud.ValidateECSPrereqs(ctx, cred, cfg.network())
	if !pre.Valid {
		r := Fail(core.KindValidation, "ECS preflight validation failed. Fix invalid IDs/roles and retry create_ecs_service.")
		r["preflight"] = pre
		return r
	}

	mainTF, err := terraform.RenderECS(terraform.ECSParams{
		Region:           cfg.Region,
		ClusterName:      cfg.ClusterName,
		ServiceName:      cfg.ServiceName,
		ContainerImage:   cfg.ContainerImage,
		ExecutionRoleARN: cfg.ExecutionRoleARN,
		TaskRoleARN:      cfg.TaskRoleARN,
		SubnetIDs:        cfg.SubnetIDs,
		SecurityGroupIDs: cfg.SecurityGroupIDs,
		ContainerPort:    cfg.ContainerPort,
		DesiredCount:     cfg.DesiredCount,
		CPU:              cfg.CPU,
		Memory:           cfg.Memory,
		AssignPublicIP:   cfg.AssignPublicIP,
	})
	if err != nil {
		return FromError(err)
	}
	project := cfg.ProjectName()
	review, fail := h.materialize(ctx, cred, project, mainTF, nil)
	if fail != nil {
		return fail
	}

	return OK(map[string]any{
		"project_name":      project,
		"workflow_id":       workflowID,
		"deployment_status": "initialized_not_applied",
		"preflight":         pre,
		"next_required_tools": []map[string]any{
			{"tool": ToolTerraformPlan, "parameters": map[string]any{"project_name": project}},
			{"tool": ToolTerraformApply, "parameters": map[string]any{"project_name": project}},
		},
		"message":       fmt.Sprintf("ECS service project created. Run terraform_plan with project_name='%s', then terraform_apply to deploy.", project),
		"config_review": review.Map(),
	})
}

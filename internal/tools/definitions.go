package tools

import (
	awsops "github.com/QwavePune/aws-infra-agent-bot/internal/aws"
)

func object(props map[string]any, required ...string) map[string]any {
	s := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

func str(desc string) map[string]any {
	s := map[string]any{"type": "string"}
	if desc != "" {
		s["description"] = desc
	}
	return s
}

func enum(desc string, values ...string) map[string]any {
	s := str(desc)
	s["enum"] = values
	return s
}

func boolean(desc string) map[string]any {
	s := map[string]any{"type": "boolean"}
	if desc != "" {
		s["description"] = desc
	}
	return s
}

func integer(desc string) map[string]any {
	s := map[string]any{"type": "integer"}
	if desc != "" {
		s["description"] = desc
	}
	return s
}

func strArray(desc string) map[string]any {
	s := map[string]any{"type": "array", "items": map[string]any{"type": "string"}}
	if desc != "" {
		s["description"] = desc
	}
	return s
}

var modeParam = enum("Provisioning method (terraform only; default: terraform)", "terraform")

const regionRequired = "AWS region (required, for example ap-south-1)"

func ecsProps(withDocs bool) map[string]any {
	d := func(s string) string {
		if withDocs {
			return s
		}
		return ""
	}
	return map[string]any{
		"region":             str(d("AWS region (for example ap-south-1).")),
		"cluster_name":       str(d("ECS cluster name.")),
		"service_name":       str(d("ECS service name / task family name.")),
		"container_image":    str(d("Container image URI (ECR or public).")),
		"execution_role_arn": str(d("ECS task execution role ARN.")),
		"task_role_arn":      str(d("ECS task role ARN.")),
		"subnet_ids":         strArray(d("Subnets for awsvpc network mode.")),
		"security_group_ids": strArray(d("Security groups for the service ENIs.")),
		"desired_count":      integer(d("Desired task count (default 1).")),
		"container_port":     integer(d("Container port (default 8080).")),
		"cpu":                integer(d("Task CPU units (default 256).")),
		"memory":             integer(d("Task memory MB (default 512).")),
		"assign_public_ip":   boolean(d("Assign public IP in awsvpc mode (default true).")),
	}
}

func (h *Handlers) tools() []Tool {
	listTypes := append([]string(nil), awsops.ResourceTypes...)
	describeTypes := append([]string(nil), awsops.DescribableTypes...)

	updateProps := ecsProps(false)
	updateProps["workflow_id"] = str("Workflow identifier returned by start_ecs_deployment_workflow.")
	createECSProps := ecsProps(false)
	createECSProps["workflow_id"] = str("Optional workflow identifier to source config from.")

	return []Tool{
		{
			Name:        ToolAccountInventory,
			Description: "Read-only. Summarize AWS resources in the account across regions.",
			Kind:        KindReadOnly,
			Parameters: object(map[string]any{
				"regions": strArray("Optional list of AWS regions. If omitted, uses allowed regions."),
			}),
			Handler: h.accountInventory,
		},
		{
			Name:        ToolCostSummary,
			Description: "Read-only. Get AWS Cost Explorer totals for a date range, optionally grouped by service.",
			Kind:        KindReadOnly,
			Parameters: object(map[string]any{
				"start_date":       str("Inclusive start date in YYYY-MM-DD. Defaults to first day of current month."),
				"end_date":         str("Exclusive end date in YYYY-MM-DD. Defaults to tomorrow (UTC)."),
				"granularity":      enum("Granularity for Cost Explorer results. Defaults to MONTHLY.", "DAILY", "MONTHLY"),
				"group_by_service": boolean("Whether to include service-level cost breakdown. Defaults to true."),
				"metric": enum("Cost metric to query. Defaults to UnblendedCost.",
					"UnblendedCost", "BlendedCost", "AmortizedCost", "NetUnblendedCost", "NetAmortizedCost"),
			}),
			Handler: h.costSummary,
		},
		{
			Name:        ToolListResources,
			Description: "Read-only. List resources by type in a specific region.",
			Kind:        KindReadOnly,
			Parameters: object(map[string]any{
				"resource_type": enum("Resource type to list (required).", listTypes...),
				"region":        str("AWS region for regional services. Ignored for S3."),
			}, "resource_type"),
			Handler: h.listResources,
		},
		{
			Name:        ToolDescribeResource,
			Description: "Read-only. Return details for a specific resource.",
			Kind:        KindReadOnly,
			Parameters: object(map[string]any{
				"resource_type": enum("Resource type (required).", describeTypes...),
				"resource_id":   str("Resource identifier (instance id, vpc id, DB identifier, function name, bucket name, cluster or cluster/service)."),
				"region":        str("AWS region for regional services. Ignored for S3."),
			}, "resource_type", "resource_id"),
			Handler: h.describeResource,
		},
		{
			Name:        ToolStartECSWorkflow,
			Description: "Start a guided ECS Fargate deployment workflow and return missing inputs.",
			Kind:        KindWorkflow,
			Parameters:  object(ecsProps(true)),
			Handler:     h.startECSWorkflow,
		},
		{
			Name:        ToolUpdateECSWorkflow,
			Description: "Update an in-progress ECS deployment workflow with new inputs.",
			Kind:        KindWorkflow,
			Parameters:  object(updateProps, "workflow_id"),
			Handler:     h.updateECSWorkflow,
		},
		{
			Name:        ToolReviewECSWorkflow,
			Description: "Review the ECS workflow config, show readiness/missing fields, and next action.",
			Kind:        KindWorkflow,
			Parameters: object(map[string]any{
				"workflow_id": str("Workflow identifier."),
			}, "workflow_id"),
			Handler: h.reviewECSWorkflow,
		},
		{
			Name:        ToolCreateECSService,
			Description: "Create ECS Fargate Terraform project from workflow_id or direct parameters.",
			Kind:        KindProvisioning,
			Parameters:  object(createECSProps),
			Handler:     h.createECSService,
		},
		{
			Name:        ToolCreateEC2Instance,
			Description: "Create an EC2 instance using Terraform",
			Kind:        KindProvisioning,
			Parameters: object(map[string]any{
				"instance_type": str("EC2 instance type (default: t2.micro)"),
				"region":        str(regionRequired),
				"ami_id":        str("AMI ID (optional)"),
				"mode":          modeParam,
			}, "region"),
			Handler: h.createEC2Instance,
		},
		{
			Name:        ToolCreateS3Bucket,
			Description: "Create an S3 bucket using Terraform.",
			Kind:        KindProvisioning,
			Parameters: object(map[string]any{
				"bucket_name": str("S3 bucket name (required)"),
				"region":      str(regionRequired),
				"versioning":  boolean("Enable versioning (default: true)"),
				"mode":        modeParam,
			}, "bucket_name", "region"),
			Handler: h.createS3Bucket,
		},
		{
			Name:        ToolCreateVPC,
			Description: "Create a VPC with subnets using Terraform",
			Kind:        KindProvisioning,
			Parameters: object(map[string]any{
				"cidr_block": str("VPC CIDR block (default: 10.0.0.0/16)"),
				"region":     str(regionRequired),
				"mode":       modeParam,
			}, "region"),
			Handler: h.createVPC,
		},
		{
			Name:        ToolCreateRDSInstance,
			Description: "Create an RDS PostgreSQL instance using Terraform",
			Kind:        KindProvisioning,
			Parameters: object(map[string]any{
				"db_name":        str("Database name (required)"),
				"instance_class": str("RDS instance class (default: db.t3.micro)"),
				"region":         str(regionRequired),
				"mode":           modeParam,
			}, "db_name", "region"),
			Handler: h.createRDSInstance,
		},
		{
			Name:        ToolCreateLambda,
			Description: "Create a Lambda function using Terraform",
			Kind:        KindProvisioning,
			Parameters: object(map[string]any{
				"function_name": str("Lambda function name (required)"),
				"region":        str(regionRequired),
				"mode":          modeParam,
			}, "function_name", "region"),
			Handler: h.createLambdaFunction,
		},
		{
			Name:        ToolTerraformPlan,
			Description: "Run terraform plan for a project",
			Kind:        KindLifecycle,
			Parameters: object(map[string]any{
				"project_name": str("Project directory name (required)"),
			}, "project_name"),
			Handler: h.terraformPlan,
		},
		{
			Name:        ToolTerraformApply,
			Description: "Apply Terraform changes (applies the saved plan when one exists)",
			Kind:        KindLifecycle,
			Parameters: object(map[string]any{
				"project_name": str("Project directory name (required)"),
				"auto_approve": boolean("Apply without a saved plan (default: false)"),
			}, "project_name"),
			Handler: h.terraformApply,
		},
		{
			Name:        ToolTerraformDestroy,
			Description: "Destroy Terraform-managed infrastructure",
			Kind:        KindLifecycle,
			Parameters: object(map[string]any{
				"project_name": str("Project directory name (required)"),
				"auto_approve": boolean("Auto-approve destruction (default: true)"),
			}, "project_name"),
			Handler: h.terraformDestroy,
		},
		{
			Name:        ToolInfraState,
			Description: "Get current infrastructure state",
			Kind:        KindReadOnly,
			Parameters: object(map[string]any{
				"project_name": str("Project directory name (required)"),
			}, "project_name"),
			Handler: h.infrastructureState,
		},
		{
			Name:        ToolUserPermissions,
			Description: "Get current AWS user permissions and info",
			Kind:        KindReadOnly,
			Parameters:  object(map[string]any{}),
			Handler:     h.userPermissions,
		},
	}
}

package tools

var commonQuestions = map[string]string{
	"region": "Which AWS region should be used (for example: ap-south-1)?",
}

var ecsQuestions = map[string]string{
	"cluster_name":       "What is the ECS cluster name?",
	"service_name":       "What service name should we use?",
	"container_image":    "What container image URI should be deployed (ECR/public image)?",
	"execution_role_arn": "What is the ECS task execution role ARN?",
	"task_role_arn":      "What is the ECS task role ARN?",
	"subnet_ids":         "Which subnet IDs should ECS tasks use? Provide at least one (same VPC).",
	"security_group_ids": "Which security group IDs should be attached to the service ENIs?",
}

var toolQuestions = map[string]map[string]string{
	ToolCreateS3Bucket:    {"bucket_name": "What globally unique S3 bucket name should be created?"},
	ToolCreateEC2Instance: {"instance_type": "Which EC2 instance type should be used (for example: t3.micro)?"},
	ToolCreateVPC:         {"cidr_block": "What VPC CIDR block should be used (for example: 10.0.0.0/16)?"},
	ToolCreateRDSInstance: {"db_name": "What database identifier/name should be used for the RDS instance?"},
	ToolCreateLambda:      {"function_name": "What Lambda function name should be created?"},
	ToolStartECSWorkflow:  ecsQuestions,
	ToolUpdateECSWorkflow: ecsQuestions,
	ToolReviewECSWorkflow: ecsQuestions,
	ToolCreateECSService:  ecsQuestions,
}

// QuestionsFor returns one prompt per missing field that has a known
// question, in field order.
func QuestionsFor(tool string, missing []string) []string {
	out := make([]string, 0, len(missing))
	perTool := toolQuestions[tool]
	for _, field := range missing {
		if q, ok := perTool[field]; ok {
			out = append(out, q)
		} else if q, ok := commonQuestions[field]; ok {
			out = append(out, q)
		}
	}
	return out
}

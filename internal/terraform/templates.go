package terraform

import (
	"archive/zip"
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"text/template"
)

// ManagedByTag marks resources created through the agent.
const ManagedByTag = "AWS-Infra-Agent-MCP"

// LambdaPackageFile is the deployment archive referenced by the Lambda template.
const LambdaPackageFile = "lambda_function_payload.zip"

// hclString quotes s as an HCL string literal, escaping template sequences.
func hclString(s string) string {
	q := strconv.Quote(s)
	q = strings.ReplaceAll(q, "${", "$${")
	return strings.ReplaceAll(q, "%{", "%%{")
}

func hclList(items []string) string {
	quoted := make([]string, len(items))
	for i, s := range items {
		quoted[i] = hclString(s)
	}
	return "[" + strings.Join(quoted, ", ") + "]"
}

var funcs = template.FuncMap{"hcl": hclString, "hcllist": hclList}

const providerBlock = `terraform {
  required_providers {
    aws = {
      source  = "hashicorp/aws"
      version = "~> 5.0"
    }
  }
}

provider "aws" {
  region = {{hcl .Region}}
}
`

var (
	ec2Tmpl = template.Must(template.New("ec2").Funcs(funcs).Parse(providerBlock + `
{{if not .AMI}}
data "aws_ami" "amazon_linux_2023" {
  most_recent = true
  owners      = ["amazon"]

  filter {
    name   = "name"
    values = ["al2023-ami-2023*-x86_64"]
  }
}
{{end}}
data "aws_subnets" "available" {}

data "aws_subnet" "selected" {
  id = tolist(data.aws_subnets.available.ids)[0]
}
{{if .SecurityGroupID}}
# Using existing security group {{.SecurityGroupID}}
{{else}}
resource "aws_security_group" "instance_sg" {
  name        = "allow_ssh_http"
  description = "Allow SSH and HTTP traffic"
  vpc_id      = data.aws_subnet.selected.vpc_id

  ingress {
    from_port   = 22
    to_port     = 22
    protocol    = "tcp"
    cidr_blocks = ["0.0.0.0/0"]
  }

  ingress {
    from_port   = 80
    to_port     = 80
    protocol    = "tcp"
    cidr_blocks = ["0.0.0.0/0"]
  }

  egress {
    from_port   = 0
    to_port     = 0
    protocol    = "-1"
    cidr_blocks = ["0.0.0.0/0"]
  }
}
{{end}}
resource "aws_instance" "main" {
  ami                    = {{if .AMI}}{{hcl .AMI}}{{else}}data.aws_ami.amazon_linux_2023.id{{end}}
  instance_type          = {{hcl .InstanceType}}
  subnet_id              = data.aws_subnet.selected.id
  vpc_security_group_ids = [{{if .SecurityGroupID}}{{hcl .SecurityGroupID}}{{else}}aws_security_group.instance_sg.id{{end}}]

  tags = {
    Name      = "Production-Instance"
    ManagedBy = "` + ManagedByTag + `"
  }
}

output "instance_id" {
  value = aws_instance.main.id
}

output "public_ip" {
  value = aws_instance.main.public_ip
}
`))

	s3Tmpl = template.Must(template.New("s3").Funcs(funcs).Parse(providerBlock + `
resource "aws_s3_bucket" "main" {
  bucket = {{hcl .BucketName}}

  tags = {
    Name      = "MCP-Provisioned-Bucket"
    ManagedBy = "` + ManagedByTag + `"
  }
}
{{if .Versioning}}
resource "aws_s3_bucket_versioning" "main" {
  bucket = aws_s3_bucket.main.id
  versioning_configuration {
    status = "Enabled"
  }
}
{{end}}
output "bucket_name" {
  value = aws_s3_bucket.main.id
}

output "bucket_arn" {
  value = aws_s3_bucket.main.arn
}
`))

	vpcTmpl = template.Must(template.New("vpc").Funcs(funcs).Parse(providerBlock + `
data "aws_availability_zones" "available" {
  state = "available"
}

resource "aws_vpc" "main" {
  cidr_block           = {{hcl .CIDRBlock}}
  enable_dns_hostnames = true
  enable_dns_support   = true

  tags = {
    Name      = "Production-VPC"
    ManagedBy = "` + ManagedByTag + `"
  }
}

resource "aws_subnet" "public" {
  count                   = 2
  vpc_id                  = aws_vpc.main.id
  cidr_block              = cidrsubnet(aws_vpc.main.cidr_block, 8, count.index)
  availability_zone       = data.aws_availability_zones.available.names[count.index]
  map_public_ip_on_launch = true

  tags = {
    Name = "Public-Subnet-${count.index + 1}"
  }
}

resource "aws_subnet" "private" {
  count             = 2
  vpc_id            = aws_vpc.main.id
  cidr_block        = cidrsubnet(aws_vpc.main.cidr_block, 8, count.index + 2)
  availability_zone = data.aws_availability_zones.available.names[count.index]

  tags = {
    Name = "Private-Subnet-${count.index + 1}"
  }
}

resource "aws_internet_gateway" "main" {
  vpc_id = aws_vpc.main.id

  tags = {
    Name = "Production-IGW"
  }
}

resource "aws_route_table" "public" {
  vpc_id = aws_vpc.main.id

  route {
    cidr_block = "0.0.0.0/0"
    gateway_id = aws_internet_gateway.main.id
  }
}

resource "aws_route_table_association" "public" {
  count          = 2
  subnet_id      = aws_subnet.public[count.index].id
  route_table_id = aws_route_table.public.id
}

output "vpc_id" {
  value = aws_vpc.main.id
}

output "public_subnet_ids" {
  value = aws_subnet.public[*].id
}

output "private_subnet_ids" {
  value = aws_subnet.private[*].id
}
`))

	rdsTmpl = template.Must(template.New("rds").Funcs(funcs).Parse(providerBlock + `
resource "aws_db_instance" "default" {
  allocated_storage    = 20
  db_name              = {{hcl .DBName}}
  engine               = "postgres"
  engine_version       = "15"
  instance_class       = {{hcl .InstanceClass}}
  username             = "adminuser"
  password             = "REPLACE_WITH_SECURE_PASSWORD"
  parameter_group_name = "default.postgres15"
  skip_final_snapshot  = true

  tags = {
    Name      = "Production-DB"
    ManagedBy = "` + ManagedByTag + `"
  }
}
`))

	lambdaTmpl = template.Must(template.New("lambda").Funcs(funcs).Parse(providerBlock + `
resource "aws_iam_role" "iam_for_lambda" {
  name = {{hcl (printf "iam_for_lambda_%s" .FunctionName)}}

  assume_role_policy = jsonencode({
    Version = "2012-10-17"
    Statement = [
      {
        Action = "sts:AssumeRole"
        Effect = "Allow"
        Sid    = ""
        Principal = {
          Service = "lambda.amazonaws.com"
        }
      },
    ]
  })
}

resource "aws_lambda_function" "main" {
  filename      = "` + LambdaPackageFile + `"
  function_name = {{hcl .FunctionName}}
  role          = aws_iam_role.iam_for_lambda.arn
  handler       = "index.handler"
  runtime       = "python3.9"

  tags = {
    ManagedBy = "` + ManagedByTag + `"
  }
}
`))

	ecsTmpl = template.Must(template.New("ecs").Funcs(funcs).Parse(providerBlock + `
resource "aws_cloudwatch_log_group" "ecs_logs" {
  name              = {{hcl (printf "/ecs/%s" .ServiceName)}}
  retention_in_days = 14

  tags = {
    ManagedBy = "` + ManagedByTag + `"
  }
}

resource "aws_ecs_cluster" "main" {
  name = {{hcl .ClusterName}}

  setting {
    name  = "containerInsights"
    value = "enabled"
  }

  tags = {
    Name      = {{hcl .ClusterName}}
    ManagedBy = "` + ManagedByTag + `"
  }
}

resource "aws_ecs_task_definition" "app" {
  family                   = {{hcl .ServiceName}}
  requires_compatibilities = ["FARGATE"]
  network_mode             = "awsvpc"
  cpu                      = "{{.CPU}}"
  memory                   = "{{.Memory}}"
  execution_role_arn       = {{hcl .ExecutionRoleARN}}
  task_role_arn            = {{hcl .TaskRoleARN}}

  container_definitions = jsonencode([
    {
      name      = {{hcl .ServiceName}}
      image     = {{hcl .ContainerImage}}
      essential = true
      portMappings = [
        {
          containerPort = {{.ContainerPort}}
          protocol      = "tcp"
        }
      ]
      logConfiguration = {
        logDriver = "awslogs"
        options = {
          awslogs-group         = aws_cloudwatch_log_group.ecs_logs.name
          awslogs-region        = {{hcl .Region}}
          awslogs-stream-prefix = "ecs"
        }
      }
    }
  ])
}

resource "aws_ecs_service" "app" {
  name            = {{hcl .ServiceName}}
  cluster         = aws_ecs_cluster.main.id
  task_definition = aws_ecs_task_definition.app.arn
  desired_count   = {{.DesiredCount}}
  launch_type     = "FARGATE"

  network_configuration {
    subnets          = {{hcllist .SubnetIDs}}
    security_groups  = {{hcllist .SecurityGroupIDs}}
    assign_public_ip = {{.AssignPublicIP}}
  }

  deployment_minimum_healthy_percent = 50
  deployment_maximum_percent         = 200

  tags = {
    Name      = {{hcl .ServiceName}}
    ManagedBy = "` + ManagedByTag + `"
  }
}

output "ecs_cluster_name" {
  value = aws_ecs_cluster.main.name
}

output "ecs_service_name" {
  value = aws_ecs_service.app.name
}
`))
)

type EC2Params struct {
	Region          string
	InstanceType    string
	AMI             string
	SecurityGroupID string // reuse instead of creating allow_ssh_http
}

type S3Params struct {
	Region     string
	BucketName string
	Versioning bool
}

type VPCParams struct {
	Region    string
	CIDRBlock string
}

type RDSParams struct {
	Region        string
	DBName        string
	InstanceClass string
}

type LambdaParams struct {
	Region       string
	FunctionName string
}

type ECSParams struct {
	Region           string
	ClusterName      string
	ServiceName      string
	ContainerImage   string
	ExecutionRoleARN string
	TaskRoleARN      string
	SubnetIDs        []string
	SecurityGroupIDs []string
	ContainerPort    int
	DesiredCount     int
	CPU              int
	Memory           int
	AssignPublicIP   bool
}

func render(t *template.Template, data any) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("rendering %s template: %w", t.Name(), err)
	}
	return buf.String(), nil
}

func RenderEC2(p EC2Params) (string, error)       { return render(ec2Tmpl, p) }
func RenderS3(p S3Params) (string, error)         { return render(s3Tmpl, p) }
func RenderVPC(p VPCParams) (string, error)       { return render(vpcTmpl, p) }
func RenderRDS(p RDSParams) (string, error)       { return render(rdsTmpl, p) }
func RenderLambda(p LambdaParams) (string, error) { return render(lambdaTmpl, p) }
func RenderECS(p ECSParams) (string, error)       { return render(ecsTmpl, p) }

const lambdaHandler = `import json


def handler(event, context):
    return {
        "statusCode": 200,
        "body": json.dumps({"message": "Hello from Lambda"}),
    }
`

// LambdaPackage builds the placeholder deployment archive holding index.py.
func LambdaPackage() ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("index.py")
	if err != nil {
		return nil, fmt.Errorf("creating index.py entry: %w", err)
	}
	if _, err := w.Write([]byte(lambdaHandler)); err != nil {
		return nil, fmt.Errorf("writing index.py: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("closing lambda package: %w", err)
	}
	return buf.Bytes(), nil
}

// ConfigReview summarizes a written main.tf for the caller.
type ConfigReview struct {
	MainTFPath       string `json:"main_tf_path"`
	LineCount        int    `json:"line_count"`
	CharCount        int    `json:"char_count"`
	PreviewHead      string `json:"preview_head"`
	PreviewTruncated bool   `json:"preview_truncated"`
}

// ReviewLines is the number of lines shown in a config preview.
const ReviewLines = 10

// Review builds the ConfigReview for content written at path.
func Review(path, content string) ConfigReview {
	lines := strings.Split(strings.TrimRight(content, "\n"), "\n")
	head := lines
	if len(head) > ReviewLines {
		head = head[:ReviewLines]
	}
	return ConfigReview{
		MainTFPath:       path,
		LineCount:        len(lines),
		CharCount:        len(content),
		PreviewHead:      strings.Join(head, "\n"),
		PreviewTruncated: len(lines) > ReviewLines,
	}
}

// Map renders the review as a tool result field.
func (r ConfigReview) Map() map[string]any {
	return map[string]any{
		"main_tf_path":      r.MainTFPath,
		"line_count":        r.LineCount,
		"char_count":        r.CharCount,
		"preview_head":      r.PreviewHead,
		"preview_truncated": r.PreviewTruncated,
	}
}

package terraform

import (
	"archive/zip"
	"bytes"
	"strings"
	"testing"
)

func TestRenderEC2(t *testing.T) {
	out, err := RenderEC2(EC2Params{Region: "ap-south-1", InstanceType: "t3.micro"})
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{
		`region = "ap-south-1"`,
		`data "aws_ami" "amazon_linux_2023"`,
		`resource "aws_security_group" "instance_sg"`,
		`name        = "allow_ssh_http"`,
		`ManagedBy = "AWS-Infra-Agent-MCP"`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q", want)
		}
	}

	out, err = RenderEC2(EC2Params{Region: "ap-south-1", InstanceType: "t3.micro", AMI: "ami-123", SecurityGroupID: "sg-9"})
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(out, "aws_security_group\" \"instance_sg") || strings.Contains(out, "amazon_linux_2023") {
		t.Error("existing SG and AMI should suppress generated blocks")
	}
	if !strings.Contains(out, `vpc_security_group_ids = ["sg-9"]`) || !strings.Contains(out, `"ami-123"`) {
		t.Errorf("unexpected output:\n%s", out)
	}
}

func TestRenderS3Versioning(t *testing.T) {
	on, _ := RenderS3(S3Params{Region: "us-east-1", BucketName: "b", Versioning: true})
	off, _ := RenderS3(S3Params{Region: "us-east-1", BucketName: "b"})
	if !strings.Contains(on, "aws_s3_bucket_versioning") || strings.Contains(off, "aws_s3_bucket_versioning") {
		t.Error("versioning block not toggled")
	}
}

func TestRenderECS(t *testing.T) {
	out, err := RenderECS(ECSParams{
		Region: "us-east-1", ClusterName: "c", ServiceName: "api", ContainerImage: "nginx:latest",
		ExecutionRoleARN: "arn:aws:iam::1:role/exec", TaskRoleARN: "arn:aws:iam::1:role/task",
		SubnetIDs: []string{"subnet-a", "subnet-b"}, SecurityGroupIDs: []string{"sg-1"},
		ContainerPort: 8080, DesiredCount: 1, CPU: 256, Memory: 512, AssignPublicIP: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{
		`subnets          = ["subnet-a", "subnet-b"]`,
		`assign_public_ip = true`,
		`name              = "/ecs/api"`,
		`containerPort = 8080`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q", want)
		}
	}
}

func TestHCLStringEscapesInterpolation(t *testing.T) {
	if got := hclString(`a"${b}`); got != `"a\"$${b}"` {
		t.Errorf("hclString = %s", got)
	}
}

func TestLambdaPackage(t *testing.T) {
	data, err := LambdaPackage()
	if err != nil {
		t.Fatal(err)
	}
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatal(err)
	}
	if len(zr.File) != 1 || zr.File[0].Name != "index.py" {
		t.Fatalf("archive entries = %v", zr.File)
	}
}

func TestReview(t *testing.T) {
	content := strings.Repeat("line\n", 12)
	r := Review("/ws/p/main.tf", content)
	if r.LineCount != 12 || r.CharCount != len(content) || !r.PreviewTruncated {
		t.Errorf("review = %+v", r)
	}
	if strings.Count(r.PreviewHead, "\n") != ReviewLines-1 {
		t.Errorf("preview head has wrong line count: %q", r.PreviewHead)
	}

	short := Review("x", "a\nb\n")
	if short.LineCount != 2 || short.PreviewTruncated {
		t.Errorf("short review = %+v", short)
	}
}

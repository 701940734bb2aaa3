package tools

import (
	"context"
	"fmt"

	"github.com/QwavePune/aws-infra-agent-bot/internal/core"
	"github.com/QwavePune/aws-infra-agent-bot/internal/profile"
	"github.com/QwavePune/aws-infra-agent-bot/internal/terraform"
)

// ReusableSecurityGroup is the security group name EC2 projects reuse when
// it already exists in the region.
const ReusableSecurityGroup = "allow_ssh_http"

// materialize writes the project files and runs terraform init. A non-nil
// Result is a failure.
func (h *Handlers) materialize(ctx context.Context, cred profile.Credential, project, mainTF string, extra map[string][]byte) (terraform.ConfigReview, Result) {
	path, err := h.tf.WriteConfig(project, mainTF, extra)
	if err != nil {
		return terraform.ConfigReview{}, Failf(core.KindValidation, "Failed to write Terraform project %s: %v", project, err)
	}
	if init := h.tf.Init(ctx, cred, project); !init.Success {
		return terraform.ConfigReview{}, tfResult(init)
	}
	h.logger.Info().Str("project", project).Str("profile", cred.Profile).Msg("terraform project initialized")
	return terraform.Review(path, mainTF), nil
}

func created(project, what, note string, review terraform.ConfigReview) Result {
	return OK(map[string]any{
		"project_name": project,
		"message": fmt.Sprintf("%s project created%s. Run terraform_plan with project_name='%s' to continue.",
			what, note, project),
		"config_review": review.Map(),
	})
}

func missingOf(args map[string]any, fields ...string) []string {
	var missing []string
	for _, f := range fields {
		if argString(args, f) == "" {
			missing = append(missing, f)
		}
	}
	return missing
}

func (h *Handlers) createS3Bucket(ctx context.Context, cred profile.Credential, args map[string]any) Result {
	if missing := missingOf(args, "bucket_name", "region"); len(missing) > 0 {
		return NeedInput(ToolCreateS3Bucket, missing)
	}
	if r := h.requirePermissions(ctx, cred, "s3:CreateBucket"); r != nil {
		return r
	}
	if r := rejectNonTerraformMode(args); r != nil {
		return r
	}

	bucket := argString(args, "bucket_name")
	mainTF, err := terraform.RenderS3(terraform.S3Params{
		Region:     argString(args, "region"),
		BucketName: bucket,
		Versioning: argBool(args, "versioning", true),
	})
	if err != nil {
		return FromError(err)
	}
	project := "s3_" + bucket
	review, fail := h.materialize(ctx, cred, project, mainTF, nil)
	if fail != nil {
		return fail
	}
	return created(project, "S3 bucket", "", review)
}

func (h *Handlers) createEC2Instance(ctx context.Context, cred profile.Credential, args map[string]any) Result {
	if missing := missingOf(args, "region"); len(missing) > 0 {
		return NeedInput(ToolCreateEC2Instance, missing)
	}
	if r := h.requirePermissions(ctx, cred, "ec2:RunInstances"); r != nil {
		return r
	}
	if r := rejectNonTerraformMode(args); r != nil {
		return r
	}

	region := argString(args, "region")
	instanceType := argStringDefault(args, "instance_type", "t2.micro")
	sg := h.cloud.ExistingSecurityGroup(ctx, cred, ReusableSecurityGroup, region)
	note := ""
	if sg != "" {
		note = fmt.Sprintf(" (reusing existing security group %s)", sg)
	}

	mainTF, err := terraform.RenderEC2(terraform.EC2Params{
		Region:          region,
		InstanceType:    instanceType,
		AMI:             argString(args, "ami_id"),
		SecurityGroupID: sg,
	})
	if err != nil {
		return FromError(err)
	}
	project := fmt.Sprintf("ec2_%s_%s", instanceType, region)
	review, fail := h.materialize(ctx, cred, project, mainTF, nil)
	if fail != nil {
		return fail
	}
	return created(project, "EC2 instance", note, review)
}

func (h *Handlers) createVPC(ctx context.Context, cred profile.Credential, args map[string]any) Result {
	if missing := missingOf(args, "region"); len(missing) > 0 {
		return NeedInput(ToolCreateVPC, missing)
	}
	if r := h.requirePermissions(ctx, cred, "ec2:CreateVpc"); r != nil {
		return r
	}
	if r := rejectNonTerraformMode(args); r != nil {
		return r
	}

	region := argString(args, "region")
	mainTF, err := terraform.RenderVPC(terraform.VPCParams{
		Region:    region,
		CIDRBlock: argStringDefault(args, "cidr_block", "10.0.0.0/16"),
	})
	if err != nil {
		return FromError(err)
	}
	project := "vpc_" + region
	review, fail := h.materialize(ctx, cred, project, mainTF, nil)
	if fail != nil {
		return fail
	}
	return created(project, "VPC", "", review)
}

func (h *Handlers) createRDSInstance(ctx context.Context, cred profile.Credential, args map[string]any) Result {
	if missing := missingOf(args, "db_name", "region"); len(missing) > 0 {
		return NeedInput(ToolCreateRDSInstance, missing)
	}
	if r := h.requirePermissions(ctx, cred, "rds:CreateDBInstance"); r != nil {
		return r
	}
	if r := rejectNonTerraformMode(args); r != nil {
		return r
	}

	dbName := argString(args, "db_name")
	mainTF, err := terraform.RenderRDS(terraform.RDSParams{
		Region:        argString(args, "region"),
		DBName:        dbName,
		InstanceClass: argStringDefault(args, "instance_class", "db.t3.micro"),
	})
	if err != nil {
		return FromError(err)
	}
	project := "rds_" + dbName
	review, fail := h.materialize(ctx, cred, project, mainTF, nil)
	if fail != nil {
		return fail
	}
	return created(project, "RDS instance", "", review)
}

func (h *Handlers) createLambdaFunction(ctx context.Context, cred profile.Credential, args map[string]any) Result {
	if missing := missingOf(args, "function_name", "region"); len(missing) > 0 {
		return NeedInput(ToolCreateLambda, missing)
	}
	if r := h.requirePermissions(ctx, cred, "lambda:CreateFunction"); r != nil {
		return r
	}
	if r := rejectNonTerraformMode(args); r != nil {
		return r
	}

	fn := argString(args, "function_name")
	mainTF, err := terraform.RenderLambda(terraform.LambdaParams{
		Region:       argString(args, "region"),
		FunctionName: fn,
	})
	if err != nil {
		return FromError(err)
	}
	pkg, err := terraform.LambdaPackage()
	if err != nil {
		return FromError(err)
	}
	project := "lambda_" + fn
	review, fail := h.materialize(ctx, cred, project, mainTF, map[string][]byte{terraform.LambdaPackageFile: pkg})
	if fail != nil {
		return fail
	}
	return created(project, "Lambda function", "", review)
}

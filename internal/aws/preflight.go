package aws

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/smithy-go"

	"github.com/QwavePune/aws-infra-agent-bot/internal/profile"
)

// ECSNetwork is the networking and IAM input of an ECS service deployment.
type ECSNetwork struct {
	Region           string
	SubnetIDs        []string
	SecurityGroupIDs []string
	ExecutionRoleARN string
	TaskRoleARN      string
}

// Preflight is the outcome of validating ECS prerequisites. Errors block
// creation; warnings do not.
type Preflight struct {
	Valid       bool           `json:"valid"`
	Errors      []string       `json:"errors"`
	Warnings    []string       `json:"warnings"`
	Details     map[string]any `json:"details"`
	Remediation []string       `json:"remediation,omitempty"`
}

// ValidateECSPrereqs checks that the subnets and security groups exist and
// share one VPC, and that both role ARNs resolve in IAM.
func (f *ClientFactory) ValidateECSPrereqs(ctx context.Context, cred profile.Credential, n ECSNetwork) *Preflight {
	region := f.Region(cred, n.Region)
	subnetVPC, subnetErr := f.subnetVPCs(ctx, cred, region, n.SubnetIDs)
	sgVPC, sgErr := f.securityGroupVPCs(ctx, cred, region, n.SecurityGroupIDs)

	p := evaluateNetwork(n, subnetVPC, sgVPC)
	if subnetErr != nil {
		p.Errors = append(p.Errors, fmt.Sprintf("Unable to describe subnets: %v", subnetErr))
	}
	if sgErr != nil {
		p.Errors = append(p.Errors, fmt.Sprintf("Unable to describe security groups: %v", sgErr))
	}

	for _, r := range []struct{ label, arn string }{
		{"Execution role", n.ExecutionRoleARN},
		{"Task role", n.TaskRoleARN},
	} {
		if r.arn == "" {
			continue
		}
		code, err := f.roleLookup(ctx, cred, RoleNameFromARN(r.arn))
		switch {
		case err == nil:
		case code == "NoSuchEntity":
			p.Errors = append(p.Errors, fmt.Sprintf("%s does not exist: %s", r.label, r.arn))
		case code == "AccessDenied" || code == "AccessDeniedException":
			p.Warnings = append(p.Warnings, fmt.Sprintf("Could not verify %s (access denied): %s", strings.ToLower(r.label), r.arn))
		default:
			p.Warnings = append(p.Warnings, fmt.Sprintf("Could not verify %s %s: %v", strings.ToLower(r.label), r.arn, err))
		}
	}

	p.Valid = len(p.Errors) == 0
	if !p.Valid {
		p.Remediation = remediation(region, n.SubnetIDs, n.SecurityGroupIDs)
	}
	return p
}

// evaluateNetwork checks the id lists against what the lookups returned.
// subnetVPC and sgVPC map each found id to its VPC id.
func evaluateNetwork(n ECSNetwork, subnetVPC, sgVPC map[string]string) *Preflight {
	p := &Preflight{Errors: []string{}, Warnings: []string{}, Details: map[string]any{}}

	subnetVPCs := checkMembers(p, "subnet", n.SubnetIDs, subnetVPC)
	sgVPCs := checkMembers(p, "security group", n.SecurityGroupIDs, sgVPC)

	if len(subnetVPCs) > 1 {
		p.Errors = append(p.Errors, "Subnets belong to multiple VPCs: "+strings.Join(subnetVPCs, ", "))
	}
	if len(sgVPCs) > 1 {
		p.Errors = append(p.Errors, "Security groups belong to multiple VPCs: "+strings.Join(sgVPCs, ", "))
	}
	if len(subnetVPCs) == 1 && len(sgVPCs) == 1 && subnetVPCs[0] != sgVPCs[0] {
		p.Errors = append(p.Errors, fmt.Sprintf("VPC mismatch: subnets are in %s but security groups are in %s", subnetVPCs[0], sgVPCs[0]))
	}
	if len(subnetVPCs) == 1 {
		p.Details["vpc_id"] = subnetVPCs[0]
	}
	p.Details["subnet_vpcs"] = subnetVPC
	p.Details["security_group_vpcs"] = sgVPC
	p.Valid = len(p.Errors) == 0
	return p
}

// checkMembers records missing ids and returns the sorted distinct VPCs of
// the found ones.
func checkMembers(p *Preflight, label string, ids []string, found map[string]string) []string {
	var missing []string
	vpcs := map[string]bool{}
	for _, id := range ids {
		vpc, ok := found[id]
		if !ok {
			missing = append(missing, id)
			continue
		}
		vpcs[vpc] = true
	}
	if len(missing) > 0 {
		p.Errors = append(p.Errors, fmt.Sprintf("Invalid or missing %s IDs: %s", label, strings.Join(missing, ", ")))
	}
	out := make([]string, 0, len(vpcs))
	for v := range vpcs {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

func remediation(region string, subnets, sgs []string) []string {
	return []string{
		fmt.Sprintf("aws ec2 describe-subnets --region %s --subnet-ids %s", region, strings.Join(subnets, " ")),
		fmt.Sprintf("aws ec2 describe-security-groups --region %s --group-ids %s", region, strings.Join(sgs, " ")),
		"Use subnets and security groups from the same VPC.",
		"Make sure the execution and task roles exist and trust ecs-tasks.amazonaws.com.",
	}
}

func (f *ClientFactory) subnetVPCs(ctx context.Context, cred profile.Credential, region string, ids []string) (map[string]string, error) {
	found := map[string]string{}
	if len(ids) == 0 {
		return found, nil
	}
	client, err := f.EC2(ctx, cred, region)
	if err != nil {
		return found, err
	}
	var out *ec2.DescribeSubnetsOutput
	err = f.call(cred, "ec2", "DescribeSubnets", region, func() (cerr error) {
		out, cerr = client.DescribeSubnets(ctx, &ec2.DescribeSubnetsInput{
			Filters: []ec2types.Filter{{Name: aws.String("subnet-id"), Values: ids}},
		})
		return cerr
	})
	if err != nil {
		return found, err
	}
	for _, s := range out.Subnets {
		found[aws.ToString(s.SubnetId)] = aws.ToString(s.VpcId)
	}
	return found, nil
}

func (f *ClientFactory) securityGroupVPCs(ctx context.Context, cred profile.Credential, region string, ids []string) (map[string]string, error) {
	found := map[string]string{}
	if len(ids) == 0 {
		return found, nil
	}
	client, err := f.EC2(ctx, cred, region)
	if err != nil {
		return found, err
	}
	var out *ec2.DescribeSecurityGroupsOutput
	err = f.call(cred, "ec2", "DescribeSecurityGroups", region, func() (cerr error) {
		out, cerr = client.DescribeSecurityGroups(ctx, &ec2.DescribeSecurityGroupsInput{
			Filters: []ec2types.Filter{{Name: aws.String("group-id"), Values: ids}},
		})
		return cerr
	})
	if err != nil {
		return found, err
	}
	for _, sg := range out.SecurityGroups {
		found[aws.ToString(sg.GroupId)] = aws.ToString(sg.VpcId)
	}
	return found, nil
}

// roleLookup calls iam:GetRole and returns the API error code on failure.
func (f *ClientFactory) roleLookup(ctx context.Context, cred profile.Credential, name string) (string, error) {
	client, err := f.IAM(ctx, cred)
	if err != nil {
		return "", err
	}
	err = f.call(cred, "iam", "GetRole", "", func() error {
		_, cerr := client.GetRole(ctx, &iam.GetRoleInput{RoleName: aws.String(name)})
		return cerr
	})
	return APIErrorCode(err), err
}

// APIErrorCode extracts the service error code from an SDK error, or "".
func APIErrorCode(err error) string {
	var ae smithy.APIError
	if errors.As(err, &ae) {
		return ae.ErrorCode()
	}
	return ""
}

// RoleNameFromARN returns the last path segment of an IAM role ARN. A bare
// name is returned unchanged.
func RoleNameFromARN(arn string) string {
	if i := strings.LastIndex(arn, "/"); i >= 0 {
		return arn[i+1:]
	}
	return arn
}

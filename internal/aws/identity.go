package aws

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	iamtypes "github.com/aws/aws-sdk-go-v2/service/iam/types"
	"github.com/aws/aws-sdk-go-v2/service/sts"

	"github.com/QwavePune/aws-infra-agent-bot/internal/profile"
)

// IdentityTimeout bounds a single caller-identity lookup.
const IdentityTimeout = 30 * time.Second

// CallerIdentity is the STS view of the acting principal.
type CallerIdentity struct {
	Account string `json:"account_id"`
	ARN     string `json:"user_arn"`
	UserID  string `json:"user_id"`
}

// IsRoot reports whether the identity is an account root user.
func (c CallerIdentity) IsRoot() bool { return isRootARN(c.ARN) }

func isRootARN(arn string) bool {
	return strings.HasSuffix(arn, ":root")
}

// Identity resolves the caller identity for cred, cached until the profile
// is invalidated.
func (f *ClientFactory) Identity(ctx context.Context, cred profile.Credential) (CallerIdentity, error) {
	return cached(f.cache, cacheKey(cred, "sts", "identity"), func() (CallerIdentity, error) {
		client, err := f.STS(ctx, cred)
		if err != nil {
			return CallerIdentity{}, err
		}
		ctx, cancel := context.WithTimeout(ctx, IdentityTimeout)
		defer cancel()

		var out *sts.GetCallerIdentityOutput
		err = f.call(cred, "sts", "GetCallerIdentity", "", func() error {
			var cerr error
			out, cerr = client.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
			return cerr
		})
		if err != nil {
			return CallerIdentity{}, fmt.Errorf("GetCallerIdentity: %w", err)
		}
		return CallerIdentity{
			Account: aws.ToString(out.Account),
			ARN:     aws.ToString(out.Arn),
			UserID:  aws.ToString(out.UserId),
		}, nil
	})
}

// CheckPermission simulates action for the caller. Any failure to perform
// the check itself (no identity, simulator denied, throttling) allows the
// action; root principals are always allowed because the simulator does not
// accept root ARNs.
func (f *ClientFactory) CheckPermission(ctx context.Context, cred profile.Credential, action string) bool {
	id, err := f.Identity(ctx, cred)
	if err != nil {
		f.logger.Warn().Err(err).Str("action", action).Msg("permission check skipped: identity unavailable")
		return true
	}
	if id.IsRoot() {
		return true
	}

	client, err := f.IAM(ctx, cred)
	if err != nil {
		f.logger.Warn().Err(err).Str("action", action).Msg("permission check skipped")
		return true
	}

	var out *iam.SimulatePrincipalPolicyOutput
	err = f.call(cred, "iam", "SimulatePrincipalPolicy", "", func() error {
		var cerr error
		out, cerr = client.SimulatePrincipalPolicy(ctx, &iam.SimulatePrincipalPolicyInput{
			PolicySourceArn: aws.String(id.ARN),
			ActionNames:     []string{action},
			ResourceArns:    []string{"*"},
		})
		return cerr
	})
	if err != nil {
		f.logger.Warn().Err(err).Str("action", action).Msg("permission check failed, allowing")
		return true
	}
	return simulationAllows(out.EvaluationResults)
}

func simulationAllows(results []iamtypes.EvaluationResult) bool {
	for _, r := range results {
		if r.EvalDecision == iamtypes.PolicyEvaluationDecisionTypeAllowed {
			return true
		}
	}
	return false
}

// Regions lists enabled regions, falling back to FallbackRegion when the
// lookup fails.
func (f *ClientFactory) Regions(ctx context.Context, cred profile.Credential) []string {
	regions, err := cached(f.cache, cacheKey(cred, "ec2", "regions"), func() ([]string, error) {
		client, err := f.EC2(ctx, cred, "")
		if err != nil {
			return nil, err
		}
		var out *ec2.DescribeRegionsOutput
		err = f.call(cred, "ec2", "DescribeRegions", "", func() error {
			var cerr error
			out, cerr = client.DescribeRegions(ctx, &ec2.DescribeRegionsInput{
				Filters: []ec2types.Filter{
					{Name: aws.String("opt-in-status"), Values: []string{"opt-in-not-required", "opted-in"}},
				},
			})
			return cerr
		})
		if err != nil {
			return nil, fmt.Errorf("DescribeRegions: %w", err)
		}
		names := make([]string, 0, len(out.Regions))
		for _, r := range out.Regions {
			names = append(names, aws.ToString(r.RegionName))
		}
		return names, nil
	})
	if err != nil || len(regions) == 0 {
		if err != nil {
			f.logger.Warn().Err(err).Msg("listing regions failed, using fallback")
		}
		return []string{FallbackRegion}
	}
	return regions
}

// CredentialEnv returns the environment a Terraform subprocess needs to act
// as cred: resolved keys and region, never AWS_PROFILE.
func (f *ClientFactory) CredentialEnv(ctx context.Context, cred profile.Credential) ([]string, error) {
	cfg, err := f.Config(ctx, cred, "")
	if err != nil {
		return nil, err
	}
	if cfg.Credentials == nil {
		return nil, fmt.Errorf("no credentials for profile %s", cred.Profile)
	}
	creds, err := cfg.Credentials.Retrieve(ctx)
	if err != nil {
		return nil, fmt.Errorf("retrieving credentials for profile %s: %w", cred.Profile, err)
	}

	env := []string{
		"AWS_ACCESS_KEY_ID=" + creds.AccessKeyID,
		"AWS_SECRET_ACCESS_KEY=" + creds.SecretAccessKey,
	}
	if creds.SessionToken != "" {
		env = append(env, "AWS_SESSION_TOKEN="+creds.SessionToken)
	}
	if cfg.Region != "" {
		env = append(env, "AWS_REGION="+cfg.Region, "AWS_DEFAULT_REGION="+cfg.Region)
	}
	return env, nil
}

// ExistingSecurityGroup returns the id of the first security group named
// name in region, or "" when none exists or the lookup fails.
func (f *ClientFactory) ExistingSecurityGroup(ctx context.Context, cred profile.Credential, name, region string) string {
	client, err := f.EC2(ctx, cred, region)
	if err != nil {
		return ""
	}
	var out *ec2.DescribeSecurityGroupsOutput
	err = f.call(cred, "ec2", "DescribeSecurityGroups", region, func() error {
		var cerr error
		out, cerr = client.DescribeSecurityGroups(ctx, &ec2.DescribeSecurityGroupsInput{
			Filters: []ec2types.Filter{{Name: aws.String("group-name"), Values: []string{name}}},
		})
		return cerr
	})
	if err != nil || len(out.SecurityGroups) == 0 {
		return ""
	}
	return aws.ToString(out.SecurityGroups[0].GroupId)
}

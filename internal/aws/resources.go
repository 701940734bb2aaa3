package aws

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudtrail"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/aws/aws-sdk-go-v2/service/rds"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/QwavePune/aws-infra-agent-bot/internal/core"
	"github.com/QwavePune/aws-infra-agent-bot/internal/profile"
)

// ResourceTypes lists the types ListResources accepts. The first six are the
// inventory types; the rest are extra read-only views.
var ResourceTypes = []string{
	"ec2", "vpc", "rds", "lambda", "s3", "ecs",
	"subnets", "security_groups", "kms", "secrets", "ssm", "logs", "cloudtrail",
}

// DescribableTypes lists the types DescribeResource accepts.
var DescribableTypes = []string{"ec2", "vpc", "rds", "lambda", "s3", "ecs"}

// ResourceList is the result of a list query.
type ResourceList struct {
	ResourceType string `json:"resource_type"`
	Region       string `json:"region,omitempty"`
	Count        int    `json:"count"`
	Items        any    `json:"items"`
}

type EC2InstanceSummary struct {
	InstanceID   string `json:"instance_id"`
	State        string `json:"state"`
	InstanceType string `json:"instance_type"`
	PrivateIP    string `json:"private_ip"`
	PublicIP     string `json:"public_ip"`
	Name         string `json:"name,omitempty"`
}

type VPCSummary struct {
	VpcID     string `json:"vpc_id"`
	CidrBlock string `json:"cidr"`
	State     string `json:"state"`
	IsDefault bool   `json:"is_default"`
}

type SubnetSummary struct {
	SubnetID         string `json:"subnet_id"`
	VpcID            string `json:"vpc_id"`
	AvailabilityZone string `json:"availability_zone"`
	CidrBlock        string `json:"cidr"`
}

type SecurityGroupSummary struct {
	GroupID   string `json:"group_id"`
	GroupName string `json:"group_name"`
	VpcID     string `json:"vpc_id"`
}

type RDSInstanceSummary struct {
	DBIdentifier  string `json:"db_identifier"`
	Engine        string `json:"engine"`
	Status        string `json:"status"`
	InstanceClass string `json:"class"`
}

type LambdaSummary struct {
	FunctionName string `json:"function_name"`
	Runtime      string `json:"runtime"`
	LastModified string `json:"last_modified"`
}

type S3BucketSummary struct {
	Name    string `json:"name"`
	Created string `json:"created"`
}

type ECSClusterSummary struct {
	ClusterName         string `json:"cluster_name"`
	ClusterARN          string `json:"cluster_arn"`
	Status              string `json:"status"`
	RunningTasksCount   int32  `json:"running_tasks_count"`
	ActiveServicesCount int32  `json:"active_services_count"`
}

type KMSKeySummary struct {
	KeyID  string `json:"key_id"`
	KeyARN string `json:"key_arn"`
}

type SecretSummary struct {
	Name        string `json:"name"`
	ARN         string `json:"arn"`
	LastChanged string `json:"last_changed,omitempty"`
}

type SSMParameterSummary struct {
	Name         string `json:"name"`
	Type         string `json:"type"`
	LastModified string `json:"last_modified,omitempty"`
}

type LogGroupSummary struct {
	Name          string `json:"name"`
	RetentionDays int32  `json:"retention_days"`
	StoredBytes   int64  `json:"stored_bytes"`
}

type TrailSummary struct {
	Name         string `json:"name"`
	HomeRegion   string `json:"home_region"`
	MultiRegion  bool   `json:"multi_region"`
	S3BucketName string `json:"s3_bucket"`
}

// ListResources lists resources of one type. S3 ignores region.
func (f *ClientFactory) ListResources(ctx context.Context, cred profile.Credential, resourceType, region string) (*ResourceList, error) {
	resourceType = strings.ToLower(strings.TrimSpace(resourceType))
	region = f.Region(cred, region)

	var (
		items any
		count int
		err   error
	)
	switch resourceType {
	case "s3":
		var v []S3BucketSummary
		v, err = f.listBuckets(ctx, cred)
		items, count, region = v, len(v), ""
	case "ec2":
		var v []EC2InstanceSummary
		v, err = f.listInstances(ctx, cred, region)
		items, count = v, len(v)
	case "vpc":
		var v []VPCSummary
		v, err = f.listVPCs(ctx, cred, region)
		items, count = v, len(v)
	case "subnets":
		var v []SubnetSummary
		v, err = f.listSubnets(ctx, cred, region)
		items, count = v, len(v)
	case "security_groups":
		var v []SecurityGroupSummary
		v, err = f.listSecurityGroups(ctx, cred, region)
		items, count = v, len(v)
	case "rds":
		var v []RDSInstanceSummary
		v, err = f.listDBInstances(ctx, cred, region)
		items, count = v, len(v)
	case "lambda":
		var v []LambdaSummary
		v, err = f.listFunctions(ctx, cred, region)
		items, count = v, len(v)
	case "ecs":
		var v []ECSClusterSummary
		v, err = f.listClusters(ctx, cred, region)
		items, count = v, len(v)
	case "kms":
		var v []KMSKeySummary
		v, err = f.listKeys(ctx, cred, region)
		items, count = v, len(v)
	case "secrets":
		var v []SecretSummary
		v, err = f.listSecrets(ctx, cred, region)
		items, count = v, len(v)
	case "ssm":
		var v []SSMParameterSummary
		v, err = f.listParameters(ctx, cred, region)
		items, count = v, len(v)
	case "logs":
		var v []LogGroupSummary
		v, err = f.listLogGroups(ctx, cred, region)
		items, count = v, len(v)
	case "cloudtrail":
		var v []TrailSummary
		v, err = f.listTrails(ctx, cred, region)
		items, count = v, len(v)
	default:
		return nil, core.Errorf(core.KindValidation, "list_aws_resources", "Unsupported resource_type '%s'", resourceType)
	}
	if err != nil {
		return nil, core.WrapMsg(core.KindExecution, "list_aws_resources", fmt.Sprintf("Failed to list %s resources", resourceType), err)
	}
	return &ResourceList{ResourceType: resourceType, Region: region, Count: count, Items: items}, nil
}

func (f *ClientFactory) listBuckets(ctx context.Context, cred profile.Credential) ([]S3BucketSummary, error) {
	return cached(f.cache, cacheKey(cred, "s3", "buckets"), func() ([]S3BucketSummary, error) {
		client, err := f.S3(ctx, cred)
		if err != nil {
			return nil, err
		}
		var out *s3.ListBucketsOutput
		if err := f.call(cred, "s3", "ListBuckets", "", func() (cerr error) {
			out, cerr = client.ListBuckets(ctx, &s3.ListBucketsInput{})
			return cerr
		}); err != nil {
			return nil, fmt.Errorf("ListBuckets: %w", err)
		}
		buckets := make([]S3BucketSummary, 0, len(out.Buckets))
		for _, b := range out.Buckets {
			buckets = append(buckets, S3BucketSummary{Name: aws.ToString(b.Name), Created: formatTime(b.CreationDate)})
		}
		return buckets, nil
	})
}

func (f *ClientFactory) listInstances(ctx context.Context, cred profile.Credential, region string) ([]EC2InstanceSummary, error) {
	return cached(f.cache, cacheKey(cred, "ec2", "instances", region), func() ([]EC2InstanceSummary, error) {
		client, err := f.EC2(ctx, cred, region)
		if err != nil {
			return nil, err
		}
		instances := []EC2InstanceSummary{}
		p := ec2.NewDescribeInstancesPaginator(client, &ec2.DescribeInstancesInput{})
		for p.HasMorePages() {
			var page *ec2.DescribeInstancesOutput
			if err := f.call(cred, "ec2", "DescribeInstances", region, func() (cerr error) {
				page, cerr = p.NextPage(ctx)
				return cerr
			}); err != nil {
				return nil, fmt.Errorf("DescribeInstances: %w", err)
			}
			for _, r := range page.Reservations {
				for _, i := range r.Instances {
					s := EC2InstanceSummary{
						InstanceID:   aws.ToString(i.InstanceId),
						InstanceType: string(i.InstanceType),
						PrivateIP:    aws.ToString(i.PrivateIpAddress),
						PublicIP:     aws.ToString(i.PublicIpAddress),
					}
					if i.State != nil {
						s.State = string(i.State.Name)
					}
					for _, t := range i.Tags {
						if aws.ToString(t.Key) == "Name" {
							s.Name = aws.ToString(t.Value)
						}
					}
					instances = append(instances, s)
				}
			}
		}
		return instances, nil
	})
}

func (f *ClientFactory) listVPCs(ctx context.Context, cred profile.Credential, region string) ([]VPCSummary, error) {
	return cached(f.cache, cacheKey(cred, "ec2", "vpcs", region), func() ([]VPCSummary, error) {
		client, err := f.EC2(ctx, cred, region)
		if err != nil {
			return nil, err
		}
		var out *ec2.DescribeVpcsOutput
		if err := f.call(cred, "ec2", "DescribeVpcs", region, func() (cerr error) {
			out, cerr = client.DescribeVpcs(ctx, &ec2.DescribeVpcsInput{})
			return cerr
		}); err != nil {
			return nil, fmt.Errorf("DescribeVpcs: %w", err)
		}
		vpcs := make([]VPCSummary, 0, len(out.Vpcs))
		for _, v := range out.Vpcs {
			vpcs = append(vpcs, VPCSummary{
				VpcID:     aws.ToString(v.VpcId),
				CidrBlock: aws.ToString(v.CidrBlock),
				State:     string(v.State),
				IsDefault: aws.ToBool(v.IsDefault),
			})
		}
		return vpcs, nil
	})
}

func (f *ClientFactory) listSubnets(ctx context.Context, cred profile.Credential, region string) ([]SubnetSummary, error) {
	return cached(f.cache, cacheKey(cred, "ec2", "subnets", region), func() ([]SubnetSummary, error) {
		client, err := f.EC2(ctx, cred, region)
		if err != nil {
			return nil, err
		}
		subnets := []SubnetSummary{}
		p := ec2.NewDescribeSubnetsPaginator(client, &ec2.DescribeSubnetsInput{})
		for p.HasMorePages() {
			var page *ec2.DescribeSubnetsOutput
			if err := f.call(cred, "ec2", "DescribeSubnets", region, func() (cerr error) {
				page, cerr = p.NextPage(ctx)
				return cerr
			}); err != nil {
				return nil, fmt.Errorf("DescribeSubnets: %w", err)
			}
			for _, s := range page.Subnets {
				subnets = append(subnets, SubnetSummary{
					SubnetID:         aws.ToString(s.SubnetId),
					VpcID:            aws.ToString(s.VpcId),
					AvailabilityZone: aws.ToString(s.AvailabilityZone),
					CidrBlock:        aws.ToString(s.CidrBlock),
				})
			}
		}
		return subnets, nil
	})
}

func (f *ClientFactory) listSecurityGroups(ctx context.Context, cred profile.Credential, region string) ([]SecurityGroupSummary, error) {
	return cached(f.cache, cacheKey(cred, "ec2", "sgs", region), func() ([]SecurityGroupSummary, error) {
		client, err := f.EC2(ctx, cred, region)
		if err != nil {
			return nil, err
		}
		groups := []SecurityGroupSummary{}
		p := ec2.NewDescribeSecurityGroupsPaginator(client, &ec2.DescribeSecurityGroupsInput{})
		for p.HasMorePages() {
			var page *ec2.DescribeSecurityGroupsOutput
			if err := f.call(cred, "ec2", "DescribeSecurityGroups", region, func() (cerr error) {
				page, cerr = p.NextPage(ctx)
				return cerr
			}); err != nil {
				return nil, fmt.Errorf("DescribeSecurityGroups: %w", err)
			}
			for _, sg := range page.SecurityGroups {
				groups = append(groups, SecurityGroupSummary{
					GroupID:   aws.ToString(sg.GroupId),
					GroupName: aws.ToString(sg.GroupName),
					VpcID:     aws.ToString(sg.VpcId),
				})
			}
		}
		return groups, nil
	})
}

func (f *ClientFactory) listDBInstances(ctx context.Context, cred profile.Credential, region string) ([]RDSInstanceSummary, error) {
	return cached(f.cache, cacheKey(cred, "rds", "instances", region), func() ([]RDSInstanceSummary, error) {
		client, err := f.RDS(ctx, cred, region)
		if err != nil {
			return nil, err
		}
		dbs := []RDSInstanceSummary{}
		p := rds.NewDescribeDBInstancesPaginator(client, &rds.DescribeDBInstancesInput{})
		for p.HasMorePages() {
			var page *rds.DescribeDBInstancesOutput
			if err := f.call(cred, "rds", "DescribeDBInstances", region, func() (cerr error) {
				page, cerr = p.NextPage(ctx)
				return cerr
			}); err != nil {
				return nil, fmt.Errorf("DescribeDBInstances: %w", err)
			}
			for _, d := range page.DBInstances {
				dbs = append(dbs, RDSInstanceSummary{
					DBIdentifier:  aws.ToString(d.DBInstanceIdentifier),
					Engine:        aws.ToString(d.Engine),
					Status:        aws.ToString(d.DBInstanceStatus),
					InstanceClass: aws.ToString(d.DBInstanceClass),
				})
			}
		}
		return dbs, nil
	})
}

func (f *ClientFactory) listFunctions(ctx context.Context, cred profile.Credential, region string) ([]LambdaSummary, error) {
	return cached(f.cache, cacheKey(cred, "lambda", "functions", region), func() ([]LambdaSummary, error) {
		client, err := f.Lambda(ctx, cred, region)
		if err != nil {
			return nil, err
		}
		fns := []LambdaSummary{}
		p := lambda.NewListFunctionsPaginator(client, &lambda.ListFunctionsInput{})
		for p.HasMorePages() {
			var page *lambda.ListFunctionsOutput
			if err := f.call(cred, "lambda", "ListFunctions", region, func() (cerr error) {
				page, cerr = p.NextPage(ctx)
				return cerr
			}); err != nil {
				return nil, fmt.Errorf("ListFunctions: %w", err)
			}
			for _, fn := range page.Functions {
				fns = append(fns, LambdaSummary{
					FunctionName: aws.ToString(fn.FunctionName),
					Runtime:      string(fn.Runtime),
					LastModified: aws.ToString(fn.LastModified),
				})
			}
		}
		return fns, nil
	})
}

func (f *ClientFactory) listClusters(ctx context.Context, cred profile.Credential, region string) ([]ECSClusterSummary, error) {
	return cached(f.cache, cacheKey(cred, "ecs", "clusters", region), func() ([]ECSClusterSummary, error) {
		client, err := f.ECS(ctx, cred, region)
		if err != nil {
			return nil, err
		}
		var arns []string
		p := ecs.NewListClustersPaginator(client, &ecs.ListClustersInput{})
		for p.HasMorePages() {
			var page *ecs.ListClustersOutput
			if err := f.call(cred, "ecs", "ListClusters", region, func() (cerr error) {
				page, cerr = p.NextPage(ctx)
				return cerr
			}); err != nil {
				return nil, fmt.Errorf("ListClusters: %w", err)
			}
			arns = append(arns, page.ClusterArns...)
		}

		clusters := []ECSClusterSummary{}
		if len(arns) == 0 {
			return clusters, nil
		}
		var desc *ecs.DescribeClustersOutput
		if err := f.call(cred, "ecs", "DescribeClusters", region, func() (cerr error) {
			desc, cerr = client.DescribeClusters(ctx, &ecs.DescribeClustersInput{Clusters: arns})
			return cerr
		}); err != nil {
			return nil, fmt.Errorf("DescribeClusters: %w", err)
		}
		for _, c := range desc.Clusters {
			clusters = append(clusters, ECSClusterSummary{
				ClusterName:         aws.ToString(c.ClusterName),
				ClusterARN:          aws.ToString(c.ClusterArn),
				Status:              aws.ToString(c.Status),
				RunningTasksCount:   c.RunningTasksCount,
				ActiveServicesCount: c.ActiveServicesCount,
			})
		}
		return clusters, nil
	})
}

func (f *ClientFactory) listKeys(ctx context.Context, cred profile.Credential, region string) ([]KMSKeySummary, error) {
	return cached(f.cache, cacheKey(cred, "kms", "keys", region), func() ([]KMSKeySummary, error) {
		client, err := f.KMS(ctx, cred, region)
		if err != nil {
			return nil, err
		}
		keys := []KMSKeySummary{}
		p := kms.NewListKeysPaginator(client, &kms.ListKeysInput{})
		for p.HasMorePages() {
			var page *kms.ListKeysOutput
			if err := f.call(cred, "kms", "ListKeys", region, func() (cerr error) {
				page, cerr = p.NextPage(ctx)
				return cerr
			}); err != nil {
				return nil, fmt.Errorf("ListKeys: %w", err)
			}
			for _, k := range page.Keys {
				keys = append(keys, KMSKeySummary{KeyID: aws.ToString(k.KeyId), KeyARN: aws.ToString(k.KeyArn)})
			}
		}
		return keys, nil
	})
}

func (f *ClientFactory) listSecrets(ctx context.Context, cred profile.Credential, region string) ([]SecretSummary, error) {
	return cached(f.cache, cacheKey(cred, "secretsmanager", "secrets", region), func() ([]SecretSummary, error) {
		client, err := f.SecretsManager(ctx, cred, region)
		if err != nil {
			return nil, err
		}
		secrets := []SecretSummary{}
		p := secretsmanager.NewListSecretsPaginator(client, &secretsmanager.ListSecretsInput{})
		for p.HasMorePages() {
			var page *secretsmanager.ListSecretsOutput
			if err := f.call(cred, "secretsmanager", "ListSecrets", region, func() (cerr error) {
				page, cerr = p.NextPage(ctx)
				return cerr
			}); err != nil {
				return nil, fmt.Errorf("ListSecrets: %w", err)
			}
			for _, s := range page.SecretList {
				secrets = append(secrets, SecretSummary{
					Name:        aws.ToString(s.Name),
					ARN:         aws.ToString(s.ARN),
					LastChanged: formatTime(s.LastChangedDate),
				})
			}
		}
		return secrets, nil
	})
}

func (f *ClientFactory) listParameters(ctx context.Context, cred profile.Credential, region string) ([]SSMParameterSummary, error) {
	return cached(f.cache, cacheKey(cred, "ssm", "parameters", region), func() ([]SSMParameterSummary, error) {
		client, err := f.SSM(ctx, cred, region)
		if err != nil {
			return nil, err
		}
		params := []SSMParameterSummary{}
		p := ssm.NewDescribeParametersPaginator(client, &ssm.DescribeParametersInput{})
		for p.HasMorePages() {
			var page *ssm.DescribeParametersOutput
			if err := f.call(cred, "ssm", "DescribeParameters", region, func() (cerr error) {
				page, cerr = p.NextPage(ctx)
				return cerr
			}); err != nil {
				return nil, fmt.Errorf("DescribeParameters: %w", err)
			}
			for _, pm := range page.Parameters {
				params = append(params, SSMParameterSummary{
					Name:         aws.ToString(pm.Name),
					Type:         string(pm.Type),
					LastModified: formatTime(pm.LastModifiedDate),
				})
			}
		}
		return params, nil
	})
}

func (f *ClientFactory) listLogGroups(ctx context.Context, cred profile.Credential, region string) ([]LogGroupSummary, error) {
	return cached(f.cache, cacheKey(cred, "logs", "groups", region), func() ([]LogGroupSummary, error) {
		client, err := f.CloudWatchLogs(ctx, cred, region)
		if err != nil {
			return nil, err
		}
		groups := []LogGroupSummary{}
		p := cloudwatchlogs.NewDescribeLogGroupsPaginator(client, &cloudwatchlogs.DescribeLogGroupsInput{})
		for p.HasMorePages() {
			var page *cloudwatchlogs.DescribeLogGroupsOutput
			if err := f.call(cred, "logs", "DescribeLogGroups", region, func() (cerr error) {
				page, cerr = p.NextPage(ctx)
				return cerr
			}); err != nil {
				return nil, fmt.Errorf("DescribeLogGroups: %w", err)
			}
			for _, g := range page.LogGroups {
				groups = append(groups, LogGroupSummary{
					Name:          aws.ToString(g.LogGroupName),
					RetentionDays: aws.ToInt32(g.RetentionInDays),
					StoredBytes:   aws.ToInt64(g.StoredBytes),
				})
			}
		}
		return groups, nil
	})
}

func (f *ClientFactory) listTrails(ctx context.Context, cred profile.Credential, region string) ([]TrailSummary, error) {
	return cached(f.cache, cacheKey(cred, "cloudtrail", "trails", region), func() ([]TrailSummary, error) {
		client, err := f.CloudTrail(ctx, cred, region)
		if err != nil {
			return nil, err
		}
		var out *cloudtrail.DescribeTrailsOutput
		if err := f.call(cred, "cloudtrail", "DescribeTrails", region, func() (cerr error) {
			out, cerr = client.DescribeTrails(ctx, &cloudtrail.DescribeTrailsInput{})
			return cerr
		}); err != nil {
			return nil, fmt.Errorf("DescribeTrails: %w", err)
		}
		trails := make([]TrailSummary, 0, len(out.TrailList))
		for _, t := range out.TrailList {
			trails = append(trails, TrailSummary{
				Name:         aws.ToString(t.Name),
				HomeRegion:   aws.ToString(t.HomeRegion),
				MultiRegion:  aws.ToBool(t.IsMultiRegionTrail),
				S3BucketName: aws.ToString(t.S3BucketName),
			})
		}
		return trails, nil
	})
}

// DescribeResource returns the SDK's detail record for one resource. For
// ecs, resourceID is a cluster name/ARN or "cluster/service".
func (f *ClientFactory) DescribeResource(ctx context.Context, cred profile.Credential, resourceType, resourceID, region string) (any, error) {
	const op = "describe_resource"
	resourceType = strings.ToLower(strings.TrimSpace(resourceType))
	if resourceID == "" {
		return nil, core.Errorf(core.KindValidation, op, "resource_id is required")
	}
	region = f.Region(cred, region)
	fail := func(err error) error {
		return core.WrapMsg(core.KindExecution, op, fmt.Sprintf("Failed to describe %s resource '%s'", resourceType, resourceID), err)
	}
	notFound := func(what string) error {
		return core.Errorf(core.KindValidation, op, "%s '%s' not found in %s", what, resourceID, region)
	}

	switch resourceType {
	case "s3":
		client, err := f.S3(ctx, cred)
		if err != nil {
			return nil, fail(err)
		}
		var out *s3.GetBucketLocationOutput
		if err := f.call(cred, "s3", "GetBucketLocation", "", func() (cerr error) {
			out, cerr = client.GetBucketLocation(ctx, &s3.GetBucketLocationInput{Bucket: aws.String(resourceID)})
			return cerr
		}); err != nil {
			return nil, fail(err)
		}
		location := string(out.LocationConstraint)
		if location == "" {
			location = FallbackRegion
		}
		return map[string]any{"bucket_name": resourceID, "region": location}, nil

	case "ec2":
		client, err := f.EC2(ctx, cred, region)
		if err != nil {
			return nil, fail(err)
		}
		var out *ec2.DescribeInstancesOutput
		if err := f.call(cred, "ec2", "DescribeInstances", region, func() (cerr error) {
			out, cerr = client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{InstanceIds: []string{resourceID}})
			return cerr
		}); err != nil {
			return nil, fail(err)
		}
		if len(out.Reservations) == 0 || len(out.Reservations[0].Instances) == 0 {
			return nil, notFound("EC2 instance")
		}
		return out.Reservations[0].Instances[0], nil

	case "vpc":
		client, err := f.EC2(ctx, cred, region)
		if err != nil {
			return nil, fail(err)
		}
		var out *ec2.DescribeVpcsOutput
		if err := f.call(cred, "ec2", "DescribeVpcs", region, func() (cerr error) {
			out, cerr = client.DescribeVpcs(ctx, &ec2.DescribeVpcsInput{VpcIds: []string{resourceID}})
			return cerr
		}); err != nil {
			return nil, fail(err)
		}
		if len(out.Vpcs) == 0 {
			return nil, notFound("VPC")
		}
		return out.Vpcs[0], nil

	case "rds":
		client, err := f.RDS(ctx, cred, region)
		if err != nil {
			return nil, fail(err)
		}
		var out *rds.DescribeDBInstancesOutput
		if err := f.call(cred, "rds", "DescribeDBInstances", region, func() (cerr error) {
			out, cerr = client.DescribeDBInstances(ctx, &rds.DescribeDBInstancesInput{DBInstanceIdentifier: aws.String(resourceID)})
			return cerr
		}); err != nil {
			return nil, fail(err)
		}
		if len(out.DBInstances) == 0 {
			return nil, notFound("RDS instance")
		}
		return out.DBInstances[0], nil

	case "lambda":
		client, err := f.Lambda(ctx, cred, region)
		if err != nil {
			return nil, fail(err)
		}
		var out *lambda.GetFunctionOutput
		if err := f.call(cred, "lambda", "GetFunction", region, func() (cerr error) {
			out, cerr = client.GetFunction(ctx, &lambda.GetFunctionInput{FunctionName: aws.String(resourceID)})
			return cerr
		}); err != nil {
			return nil, fail(err)
		}
		return out.Configuration, nil

	case "ecs":
		client, err := f.ECS(ctx, cred, region)
		if err != nil {
			return nil, fail(err)
		}
		if cluster, service, ok := strings.Cut(resourceID, "/"); ok && !strings.HasPrefix(resourceID, "arn:") {
			var out *ecs.DescribeServicesOutput
			if err := f.call(cred, "ecs", "DescribeServices", region, func() (cerr error) {
				out, cerr = client.DescribeServices(ctx, &ecs.DescribeServicesInput{Cluster: aws.String(cluster), Services: []string{service}})
				return cerr
			}); err != nil {
				return nil, fail(err)
			}
			if len(out.Services) == 0 {
				return nil, notFound("ECS service")
			}
			return out.Services[0], nil
		}
		var out *ecs.DescribeClustersOutput
		if err := f.call(cred, "ecs", "DescribeClusters", region, func() (cerr error) {
			out, cerr = client.DescribeClusters(ctx, &ecs.DescribeClustersInput{Clusters: []string{resourceID}})
			return cerr
		}); err != nil {
			return nil, fail(err)
		}
		if len(out.Clusters) == 0 {
			return nil, notFound("ECS cluster")
		}
		return out.Clusters[0], nil
	}
	return nil, core.Errorf(core.KindValidation, op, "Unsupported resource_type '%s'", resourceType)
}

// Inventory is the per-region resource count summary.
type Inventory struct {
	Summary           map[string]int   `json:"summary"`
	RegionsScanned    []string         `json:"regions_scanned"`
	RegionalBreakdown []map[string]any `json:"regional_breakdown"`
	Errors            []string         `json:"errors,omitempty"`
}

// MaxInventoryRegions bounds an inventory scan.
const MaxInventoryRegions = 20

var inventoryTypes = []string{"ec2", "vpc", "rds", "lambda", "ecs"}

// AccountInventory counts resources across regions. Regions default to the
// enabled regions; at most MaxInventoryRegions are scanned. Per-type
// failures are recorded and counted as zero.
func (f *ClientFactory) AccountInventory(ctx context.Context, cred profile.Credential, regions []string) *Inventory {
	if len(regions) == 0 {
		regions = f.Regions(ctx, cred)
	}
	if len(regions) > MaxInventoryRegions {
		regions = regions[:MaxInventoryRegions]
	}

	inv := &Inventory{
		Summary:        map[string]int{"ec2": 0, "vpc": 0, "rds": 0, "lambda": 0, "ecs": 0, "s3": 0},
		RegionsScanned: regions,
	}
	if list, err := f.ListResources(ctx, cred, "s3", ""); err == nil {
		inv.Summary["s3"] = list.Count
	} else {
		inv.Errors = append(inv.Errors, err.Error())
	}

	for _, region := range regions {
		row := map[string]any{"region": region}
		for _, t := range inventoryTypes {
			row[t] = 0
			list, err := f.ListResources(ctx, cred, t, region)
			if err != nil {
				inv.Errors = append(inv.Errors, fmt.Sprintf("%s/%s: %v", region, t, err))
				continue
			}
			row[t] = list.Count
			inv.Summary[t] += list.Count
		}
		inv.RegionalBreakdown = append(inv.RegionalBreakdown, row)
	}
	sort.Strings(inv.Errors)
	return inv
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

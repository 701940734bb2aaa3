// Package toolstest provides in-memory stand-ins for the AWS and Terraform
// boundaries so packages above internal/tools can be tested without
// credentials or processes.
package toolstest

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	awsops "github.com/QwavePune/aws-infra-agent-bot/internal/aws"
	"github.com/QwavePune/aws-infra-agent-bot/internal/intent"
	"github.com/QwavePune/aws-infra-agent-bot/internal/profile"
	"github.com/QwavePune/aws-infra-agent-bot/internal/scope"
	"github.com/QwavePune/aws-infra-agent-bot/internal/terraform"
	"github.com/QwavePune/aws-infra-agent-bot/internal/tools"
)

// Cloud is a scripted tools.Cloud.
type Cloud struct {
	mu sync.Mutex

	Account    string
	IdentityFn func(cred profile.Credential) (awsops.CallerIdentity, error)
	Denied     map[string]bool
	Lists      map[string]*awsops.ResourceList
	Preflight  *awsops.Preflight
	SecGroup   string
	Cost       *awsops.CostSummary

	PermissionChecks []string
	Profiles         []string
}

var _ tools.Cloud = (*Cloud)(nil)

// NewCloud returns a cloud where every identity resolves and every
// permission is granted.
func NewCloud() *Cloud {
	return &Cloud{Account: "123456789012", Denied: map[string]bool{}, Lists: map[string]*awsops.ResourceList{}}
}

func (c *Cloud) Identity(_ context.Context, cred profile.Credential) (awsops.CallerIdentity, error) {
	c.mu.Lock()
	c.Profiles = append(c.Profiles, cred.Profile)
	fn := c.IdentityFn
	c.mu.Unlock()
	if fn != nil {
		return fn(cred)
	}
	return awsops.CallerIdentity{
		Account: c.Account,
		ARN:     "arn:aws:iam::" + c.Account + ":user/" + cred.Profile,
		UserID:  "AIDA" + cred.Profile,
	}, nil
}

func (c *Cloud) CheckPermission(_ context.Context, _ profile.Credential, action string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.PermissionChecks = append(c.PermissionChecks, action)
	return !c.Denied[action]
}

func (c *Cloud) Regions(context.Context, profile.Credential) []string {
	return []string{"us-east-1", "ap-south-1"}
}

func (c *Cloud) Region(cred profile.Credential, region string) string {
	switch {
	case region != "":
		return region
	case cred.Region != "":
		return cred.Region
	}
	return "us-east-1"
}

func (c *Cloud) ListResources(_ context.Context, cred profile.Credential, resourceType, region string) (*awsops.ResourceList, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if l, ok := c.Lists[resourceType]; ok {
		return l, nil
	}
	return &awsops.ResourceList{ResourceType: resourceType, Region: c.Region(cred, region), Items: []any{}}, nil
}

func (c *Cloud) DescribeResource(_ context.Context, _ profile.Credential, resourceType, resourceID, region string) (any, error) {
	return map[string]any{"type": resourceType, "id": resourceID, "region": region}, nil
}

func (c *Cloud) AccountInventory(_ context.Context, _ profile.Credential, regions []string) *awsops.Inventory {
	return &awsops.Inventory{Summary: map[string]int{"ec2": 0}, RegionsScanned: regions}
}

func (c *Cloud) CostSummary(_ context.Context, _ profile.Credential, q awsops.CostQuery) (*awsops.CostSummary, error) {
	if c.Cost == nil {
		return nil, errors.New("cost explorer unavailable")
	}
	s := *c.Cost
	s.StartDate, s.EndDateExclusive = q.StartDate, q.EndDate
	return &s, nil
}

func (c *Cloud) ValidateECSPrereqs(context.Context, profile.Credential, awsops.ECSNetwork) *awsops.Preflight {
	if c.Preflight != nil {
		return c.Preflight
	}
	return &awsops.Preflight{Valid: true, Errors: []string{}, Warnings: []string{}, Details: map[string]any{}}
}

func (c *Cloud) ExistingSecurityGroup(context.Context, profile.Credential, string, string) string {
	return c.SecGroup
}

// Runner is a terraform.Runner that succeeds by default and mimics the
// files terraform leaves behind: plan writes tfplan, apply writes a state.
type Runner struct {
	mu    sync.Mutex
	Calls []terraform.Command
	// Fail maps a subcommand (init, plan, apply, ...) to a scripted output.
	Fail map[string]terraform.Output
}

func (r *Runner) Run(_ context.Context, cmd terraform.Command) terraform.Output {
	r.mu.Lock()
	r.Calls = append(r.Calls, cmd)
	out, failed := r.Fail[cmd.Args[0]]
	r.mu.Unlock()
	if failed {
		return out
	}
	switch cmd.Args[0] {
	case "plan":
		_ = os.WriteFile(filepath.Join(cmd.Dir, terraform.PlanFile), []byte("plan"), 0644)
		return terraform.Output{Stdout: "Plan: 1 to add, 0 to change, 0 to destroy."}
	case "apply":
		_ = os.WriteFile(filepath.Join(cmd.Dir, terraform.StateFile), []byte(`{"resources":[]}`), 0644)
		return terraform.Output{Stdout: "Apply complete! Resources: 1 added, 0 changed, 0 destroyed."}
	case "show":
		if len(cmd.Args) > 1 && cmd.Args[1] == "-json" {
			return terraform.Output{Stdout: `{"format_version":"1.0","values":{}}`}
		}
		return terraform.Output{Stdout: "  # aws_s3_bucket.main will be created"}
	}
	return terraform.Output{Stdout: cmd.Args[0] + " ok"}
}

// Subcommands returns the first argument of every recorded call.
func (r *Runner) Subcommands() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.Calls))
	for _, c := range r.Calls {
		out = append(out, c.Args[0])
	}
	return out
}

// Env bundles a working executor over the fakes.
type Env struct {
	Cloud    *Cloud
	Runner   *Runner
	Manager  *terraform.Manager
	Handlers *tools.Handlers
	Registry *tools.Registry
	Executor *tools.Executor
	Policy   *intent.Policy
}

// New builds an Env rooted in a temporary workspace.
func New(t testing.TB) *Env {
	t.Helper()
	cloud := NewCloud()
	runner := &Runner{Fail: map[string]terraform.Output{}}
	mgr, err := terraform.NewManager(t.TempDir(), runner, nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("terraform.NewManager: %v", err)
	}
	policy := intent.Default()
	h := tools.NewHandlers(cloud, mgr, zerolog.Nop())
	reg, err := tools.NewDefaultRegistry(h, policy)
	if err != nil {
		t.Fatalf("NewDefaultRegistry: %v", err)
	}
	return &Env{
		Cloud:    cloud,
		Runner:   runner,
		Manager:  mgr,
		Handlers: h,
		Registry: reg,
		Executor: tools.NewExecutor(reg, cloud, scope.NewChecker(scope.Scope{}), zerolog.Nop()),
		Policy:   policy,
	}
}

package terraform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/QwavePune/aws-infra-agent-bot/internal/profile"
)

const (
	MainFile  = "main.tf"
	PlanFile  = "tfplan"
	StateFile = "terraform.tfstate"
)

// VPCHint is attached to apply failures caused by a missing default VPC.
const VPCHint = "No default VPC exists in this account/region. " +
	"Create a VPC first (for example with create_vpc + terraform_apply) " +
	"or update the EC2 Terraform to use an explicit VPC/subnet/security group."

// EnvFunc returns the credential environment for cred.
type EnvFunc func(ctx context.Context, cred profile.Credential) ([]string, error)

// Result is the outcome of a terraform operation.
type Result struct {
	Success    bool
	Stdout     string
	Stderr     string
	Error      string
	Hint       string
	ReturnCode int
	State      map[string]any
	// TimedOut is set when the process was killed at its deadline.
	TimedOut bool

	// PlanMissing is set when apply was refused for lack of a saved plan;
	// PlannedProjects then lists the projects that do have one.
	PlanMissing     bool
	PlannedProjects []string
}

// Map renders the result as a tool result.
func (r Result) Map() map[string]any {
	m := map[string]any{"success": r.Success}
	if r.Stdout != "" {
		m["stdout"] = r.Stdout
	}
	if r.Stderr != "" {
		m["stderr"] = r.Stderr
	}
	if r.Error != "" {
		m["error"] = r.Error
	}
	if r.Hint != "" {
		m["hint"] = r.Hint
	}
	if r.State != nil {
		m["state"] = r.State
	}
	if len(r.PlannedProjects) > 0 {
		m["projects_with_plan"] = r.PlannedProjects
	}
	if r.Stdout != "" || r.Stderr != "" || r.ReturnCode != 0 {
		m["returncode"] = r.ReturnCode
	}
	return m
}

// Manager owns the Terraform workspace: one directory per project.
type Manager struct {
	workspace string
	runner    Runner
	env       EnvFunc
	logger    zerolog.Logger
}

// NewManager creates the workspace directory if needed. env may be nil, in
// which case only the process environment (minus AWS_PROFILE) is passed.
func NewManager(workspace string, runner Runner, env EnvFunc, logger zerolog.Logger) (*Manager, error) {
	if err := os.MkdirAll(workspace, 0755); err != nil {
		return nil, fmt.Errorf("creating terraform workspace: %w", err)
	}
	return &Manager{workspace: workspace, runner: runner, env: env, logger: logger}, nil
}

// Workspace returns the workspace root.
func (m *Manager) Workspace() string { return m.workspace }

// ValidateProjectName rejects names that would escape the workspace.
func ValidateProjectName(name string) error {
	if name == "" {
		return errors.New("project name is required")
	}
	if name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("invalid project name %q", name)
	}
	return nil
}

// ProjectDir returns the directory of a project.
func (m *Manager) ProjectDir(project string) string {
	return filepath.Join(m.workspace, project)
}

// ProjectExists reports whether the project directory exists.
func (m *Manager) ProjectExists(project string) bool {
	if ValidateProjectName(project) != nil {
		return false
	}
	info, err := os.Stat(m.ProjectDir(project))
	return err == nil && info.IsDir()
}

// HasPlan reports whether the project has a saved plan.
func (m *Manager) HasPlan(project string) bool {
	if ValidateProjectName(project) != nil {
		return false
	}
	_, err := os.Stat(filepath.Join(m.ProjectDir(project), PlanFile))
	return err == nil
}

// Projects lists project directories, sorted.
func (m *Manager) Projects() []string {
	entries, err := os.ReadDir(m.workspace)
	if err != nil {
		return nil
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out
}

// ProjectsWithPlan lists projects that have a saved plan, sorted.
func (m *Manager) ProjectsWithPlan() []string {
	var out []string
	for _, p := range m.Projects() {
		if m.HasPlan(p) {
			out = append(out, p)
		}
	}
	return out
}

// WriteConfig writes main.tf plus any extra files into the project
// directory and returns the main.tf path.
func (m *Manager) WriteConfig(project, mainTF string, extra map[string][]byte) (string, error) {
	if err := ValidateProjectName(project); err != nil {
		return "", err
	}
	dir := m.ProjectDir(project)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("creating project directory: %w", err)
	}
	path := filepath.Join(dir, MainFile)
	if err := os.WriteFile(path, []byte(mainTF), 0644); err != nil {
		return "", fmt.Errorf("writing %s: %w", MainFile, err)
	}
	for name, data := range extra {
		if err := os.WriteFile(filepath.Join(dir, filepath.Base(name)), data, 0644); err != nil {
			return "", fmt.Errorf("writing %s: %w", name, err)
		}
	}
	return path, nil
}

// Init runs `terraform init` in the project.
func (m *Manager) Init(ctx context.Context, cred profile.Credential, project string) Result {
	if err := ValidateProjectName(project); err != nil {
		return Result{Error: err.Error()}
	}
	if err := os.MkdirAll(m.ProjectDir(project), 0755); err != nil {
		return Result{Error: err.Error()}
	}
	return m.run(ctx, cred, project, DefaultTimeout, "init", "-input=false")
}

// Plan runs `terraform plan` and saves the plan as tfplan.
func (m *Manager) Plan(ctx context.Context, cred profile.Credential, project string) Result {
	if !m.ProjectExists(project) {
		return Result{Error: fmt.Sprintf("Project directory '%s' not found. Create it with one of the create_* tools first.", project)}
	}
	return m.run(ctx, cred, project, DefaultTimeout, "plan", "-out="+PlanFile, "-input=false")
}

// Apply applies the saved plan. Without a plan it applies directly only when
// autoApprove is set.
func (m *Manager) Apply(ctx context.Context, cred profile.Credential, project string, autoApprove bool) Result {
	var args []string
	switch {
	case m.HasPlan(project):
		args = []string{"apply", "-input=false", PlanFile}
	case autoApprove && m.ProjectExists(project):
		args = []string{"apply", "-auto-approve", "-input=false"}
	default:
		if available := m.ProjectsWithPlan(); len(available) > 0 {
			return Result{
				Error: fmt.Sprintf(
					"No tfplan file found for project '%s'. Run terraform_plan first. Projects with an existing tfplan: %s.",
					project, strings.Join(available, ", ")),
				PlanMissing:     true,
				PlannedProjects: available,
			}
		}
		return Result{Error: "No tfplan file found. Please run terraform_plan first.", PlanMissing: true}
	}

	res := m.run(ctx, cred, project, DefaultTimeout, args...)
	return withVPCHint(res)
}

func withVPCHint(res Result) Result {
	if res.Success || !strings.Contains(res.Stderr, "VPCIdNotSpecified") {
		return res
	}
	res.Hint = VPCHint
	if res.Error != "" {
		res.Error = res.Error + "\n\nHint: " + VPCHint
	} else {
		res.Error = VPCHint
	}
	return res
}

// Destroy removes any saved plan and destroys the project's resources.
func (m *Manager) Destroy(ctx context.Context, cred profile.Credential, project string) Result {
	if !m.ProjectExists(project) {
		return Result{Error: fmt.Sprintf("Project directory '%s' not found. Use terraform_plan first to create the project.", project)}
	}
	planPath := filepath.Join(m.ProjectDir(project), PlanFile)
	if err := os.Remove(planPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		m.logger.Warn().Err(err).Str("project", project).Msg("could not remove tfplan before destroy")
	}
	return m.run(ctx, cred, project, DefaultTimeout, "destroy", "-input=false", "-auto-approve")
}

// ShowState returns the project's state as parsed JSON.
func (m *Manager) ShowState(ctx context.Context, cred profile.Credential, project string) Result {
	if !m.ProjectExists(project) {
		return Result{Error: fmt.Sprintf("Project directory '%s' not found.", project)}
	}
	res := m.run(ctx, cred, project, ShowTimeout, "show", "-json")
	if !res.Success {
		return res
	}
	var state map[string]any
	if err := json.Unmarshal([]byte(res.Stdout), &state); err != nil {
		return Result{Error: "Failed to parse state JSON"}
	}
	return Result{Success: true, State: state}
}

// ShowPlan renders the saved plan as text.
func (m *Manager) ShowPlan(ctx context.Context, cred profile.Credential, project string) (string, error) {
	if !m.HasPlan(project) {
		return "", fmt.Errorf("no saved plan for project %s", project)
	}
	res := m.run(ctx, cred, project, ShowTimeout, "show", "-no-color", PlanFile)
	if !res.Success {
		return "", fmt.Errorf("terraform show: %s", res.Error)
	}
	return res.Stdout, nil
}

func (m *Manager) run(ctx context.Context, cred profile.Credential, project string, timeout time.Duration, args ...string) Result {
	env, err := m.environ(ctx, cred)
	if err != nil {
		return Result{Error: fmt.Sprintf("Failed to resolve AWS credentials for profile '%s': %v", cred.Profile, err)}
	}

	m.logger.Info().Str("project", project).Str("profile", cred.Profile).Strs("args", args).Msg("running terraform")
	out := m.runner.Run(ctx, Command{Dir: m.ProjectDir(project), Args: args, Env: env, Timeout: timeout})

	sub := args[0]
	if out.TimedOut {
		m.logger.Error().Str("project", project).Str("command", sub).Msg("terraform timed out")
		if sub == "destroy" {
			return Result{Error: "Terraform destroy timed out (exceeded 30 minutes)", TimedOut: true}
		}
		return Result{Error: fmt.Sprintf("Terraform %s timed out", sub), TimedOut: true}
	}
	if out.Err != nil {
		return Result{Error: out.Err.Error(), ReturnCode: out.ReturnCode}
	}

	res := Result{
		Success:    out.ReturnCode == 0,
		Stdout:     out.Stdout,
		Stderr:     out.Stderr,
		ReturnCode: out.ReturnCode,
	}
	if !res.Success {
		res.Error = out.Stderr
		if res.Error == "" {
			res.Error = fmt.Sprintf("terraform %s exited with code %d", sub, out.ReturnCode)
		}
		m.logger.Error().Str("project", project).Str("command", sub).Int("returncode", out.ReturnCode).Msg("terraform command failed")
	}
	return res
}

// credentialVars are replaced, never merged, when credentials are injected.
var credentialVars = []string{
	"AWS_PROFILE", "AWS_ACCESS_KEY_ID", "AWS_SECRET_ACCESS_KEY", "AWS_SESSION_TOKEN",
	"AWS_REGION", "AWS_DEFAULT_REGION",
}

func (m *Manager) environ(ctx context.Context, cred profile.Credential) ([]string, error) {
	var injected []string
	if m.env != nil {
		var err error
		if injected, err = m.env(ctx, cred); err != nil {
			return nil, err
		}
	}
	drop := map[string]bool{"AWS_PROFILE": true}
	if len(injected) > 0 {
		for _, k := range credentialVars {
			drop[k] = true
		}
	}

	var env []string
	for _, kv := range os.Environ() {
		k, _, _ := strings.Cut(kv, "=")
		if !drop[k] {
			env = append(env, kv)
		}
	}
	env = append(env, injected...)
	return append(env, "TF_IN_AUTOMATION=1"), nil
}

// Package engine wires every store, boundary and service of the agent into
// one value shared by the CLI, the HTTP server and the gRPC server.
package engine

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"

	"github.com/QwavePune/aws-infra-agent-bot/internal/agent"
	"github.com/QwavePune/aws-infra-agent-bot/internal/approval"
	"github.com/QwavePune/aws-infra-agent-bot/internal/audit"
	awsops "github.com/QwavePune/aws-infra-agent-bot/internal/aws"
	"github.com/QwavePune/aws-infra-agent-bot/internal/config"
	"github.com/QwavePune/aws-infra-agent-bot/internal/core"
	"github.com/QwavePune/aws-infra-agent-bot/internal/db"
	"github.com/QwavePune/aws-infra-agent-bot/internal/eventlog"
	"github.com/QwavePune/aws-infra-agent-bot/internal/history"
	"github.com/QwavePune/aws-infra-agent-bot/internal/intent"
	"github.com/QwavePune/aws-infra-agent-bot/internal/llm"
	"github.com/QwavePune/aws-infra-agent-bot/internal/policy"
	"github.com/QwavePune/aws-infra-agent-bot/internal/profile"
	"github.com/QwavePune/aws-infra-agent-bot/internal/scope"
	"github.com/QwavePune/aws-infra-agent-bot/internal/terraform"
	"github.com/QwavePune/aws-infra-agent-bot/internal/tools"
	"github.com/QwavePune/aws-infra-agent-bot/internal/vault"
)

// AWSChannel is the event log channel for per-call AWS API records.
const AWSChannel = "aws"

// Options configures Open. The zero value of every override selects the
// production implementation.
type Options struct {
	Config config.GlobalConfig
	// Passphrase unlocks the static-key vault. Empty disables the vault.
	Passphrase string
	Logger     zerolog.Logger

	Cloud        tools.Cloud
	Runner       terraform.Runner
	LLM          agent.ClientFactory
	LoginCommand profile.CommandFunc
}

// Engine holds the wired services. Fields are read-only after Open.
type Engine struct {
	Config config.GlobalConfig
	Logger zerolog.Logger

	Vault     *vault.Vault
	AWS       *awsops.ClientFactory
	Cloud     tools.Cloud
	Profiles  *profile.Context
	Logins    *profile.LoginJobs
	Terraform *terraform.Manager
	Intent    *intent.Policy
	Rules     *policy.Engine
	Handlers  *tools.Handlers
	Registry  *tools.Registry
	Executor  *tools.Executor
	Roles     *approval.RoleStore
	Approvals *approval.Store
	History   *history.Store
	Events    *eventlog.Log
	APICalls  *eventlog.Log
	Agent     *agent.Orchestrator
	Auditor   *audit.Reconstructor
	DB        *sql.DB

	closers []func() error
}

// Open builds an Engine from opts. On failure everything opened so far is
// closed again.
func Open(ctx context.Context, opts Options) (_ *Engine, err error) {
	cfg := opts.Config
	logger := opts.Logger
	e := &Engine{Config: cfg, Logger: logger}
	defer func() {
		if err != nil {
			e.Close()
		}
	}()

	if err := db.EnsureDataDir(cfg.DataDir); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}
	logDir := filepath.Join(cfg.DataDir, "logs")

	e.Events, err = eventlog.Open(logDir, eventlog.DefaultChannel, cfg.EventLogRetentionDays, logger)
	if err != nil {
		return nil, fmt.Errorf("opening event log: %w", err)
	}
	e.closers = append(e.closers, e.Events.Close)

	if opts.Passphrase != "" {
		e.Vault, err = vault.OpenOrCreate(cfg.VaultPath, opts.Passphrase)
		if err != nil {
			return nil, fmt.Errorf("opening vault: %w", err)
		}
		e.closers = append(e.closers, e.Vault.Close)
	}

	e.Profiles = profile.NewContext(cfg.DefaultProfile, cfg.DefaultRegion, logger)

	var env terraform.EnvFunc
	e.Cloud = opts.Cloud
	if e.Cloud == nil {
		var keys awsops.KeySource
		if e.Vault != nil {
			keys = e.Vault
		}
		e.AWS = awsops.NewClientFactory(keys, cfg.DefaultRegion, logger)
		e.APICalls, err = eventlog.Open(logDir, AWSChannel, cfg.EventLogRetentionDays, logger)
		if err != nil {
			return nil, fmt.Errorf("opening aws call log: %w", err)
		}
		e.closers = append(e.closers, e.APICalls.Close)
		e.AWS.SetRecorder(e.APICalls)
		e.Profiles.AddInvalidator(e.AWS)
		e.Cloud = e.AWS
		env = e.AWS.CredentialEnv
	}

	loginCmd := opts.LoginCommand
	if loginCmd == nil {
		loginCmd = profile.ExecCommand
	}
	e.Logins = profile.NewLoginJobs(cfg.AWSBinary, loginCmd, e.Profiles, logger)

	runner := opts.Runner
	if runner == nil {
		runner = terraform.ExecRunner{Binary: cfg.TerraformBinary}
	}
	e.Terraform, err = terraform.NewManager(cfg.TerraformWorkspace, runner, env, logger)
	if err != nil {
		return nil, fmt.Errorf("opening terraform workspace: %w", err)
	}

	e.Intent = intent.NewPolicy(cfg.ReadOnlyKeywords, cfg.MutatingKeywords)
	e.Intent.RegisterMutatingTool(cfg.ExtraMutatingTools...)

	e.Rules, err = policy.LoadEngine(ctx, cfg.PolicyFile)
	if err != nil {
		return nil, err
	}

	e.Handlers = tools.NewHandlers(e.Cloud, e.Terraform, logger)
	e.Registry, err = tools.NewDefaultRegistry(e.Handlers, e.Intent)
	if err != nil {
		return nil, err
	}
	checker := scope.NewChecker(scope.Scope{Regions: cfg.AllowedRegions, Accounts: cfg.AllowedAccounts})
	e.Executor = tools.NewExecutor(e.Registry, e.Cloud, checker, logger)

	e.Roles, err = approval.NewRoleStore(filepath.Join(cfg.DataDir, approval.RolesFile))
	if err != nil {
		return nil, err
	}

	var repo approval.Repository
	if cfg.ApprovalStore == "sqlite" {
		e.DB, err = db.Open(cfg.DataDir)
		if err != nil {
			return nil, err
		}
		e.closers = append(e.closers, e.DB.Close)
		repo = approval.NewSQLRepository(e.DB)
	}
	gated := make([]core.Backend, 0, len(cfg.GatedBackends))
	for _, b := range cfg.GatedBackends {
		gated = append(gated, core.Backend(b))
	}
	e.Approvals, err = approval.NewStore(approval.Options{
		Roles:         e.Roles,
		Profiles:      e.Profiles,
		Executor:      e.Executor,
		Policy:        e.Intent,
		Previewer:     e.Terraform,
		Repository:    repo,
		Events:        e.Events,
		GatedBackends: gated,
		Logger:        logger,
	})
	if err != nil {
		return nil, err
	}

	e.History = history.NewStore(agent.SystemPrompt)
	factory := opts.LLM
	if factory == nil {
		factory = cachedClients(cfg.LLM, logger)
	}
	e.Agent, err = agent.New(agent.Options{
		LLM:           factory,
		Executor:      e.Executor,
		Registry:      e.Registry,
		Profiles:      e.Profiles,
		History:       e.History,
		Approvals:     e.Approvals,
		Intent:        e.Intent,
		Rules:         e.Rules,
		Plans:         e.Terraform,
		Identity:      e.Cloud,
		Events:        e.Events,
		MaxIterations: cfg.MaxIterations,
		Logger:        logger,
	})
	if err != nil {
		return nil, err
	}
	e.Auditor = audit.NewReconstructor(e.Intent)

	logger.Debug().
		Str("data_dir", cfg.DataDir).
		Str("approval_store", cfg.ApprovalStore).
		Int("tools", len(e.Registry.Names())).
		Msg("engine ready")
	return e, nil
}

// cachedClients builds one client per provider and model and reuses it.
func cachedClients(cfg config.LLMConfig, logger zerolog.Logger) agent.ClientFactory {
	var mu sync.Mutex
	clients := make(map[string]llm.Client)
	return func(provider, model string) (llm.Client, error) {
		key := provider + "|" + model
		mu.Lock()
		defer mu.Unlock()
		if c, ok := clients[key]; ok {
			return c, nil
		}
		c, err := llm.FromConfig(cfg, provider, model, logger)
		if err != nil {
			return nil, err
		}
		clients[key] = c
		return c, nil
	}
}

// AuditReport reconstructs the audit trail from the event log and the
// approval store.
func (e *Engine) AuditReport(q audit.Query) (audit.Report, error) {
	events, err := e.Events.ReadAll()
	if err != nil {
		return audit.Report{}, fmt.Errorf("reading event log: %w", err)
	}
	return e.Auditor.Reconstruct(events, e.Approvals.List(approval.Filter{}), q), nil
}

// VerifyEvents checks the hash chain of the workflow event log.
func (e *Engine) VerifyEvents() (eventlog.VerifyResult, error) {
	return e.Events.Verify()
}

// Close releases everything Open acquired, in reverse order.
func (e *Engine) Close() error {
	var firstErr error
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	e.closers = nil
	return firstErr
}

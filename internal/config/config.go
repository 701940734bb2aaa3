// Package config manages the agent's global configuration file.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
)

const (
	ConfigDirName   = ".infra-agent"
	ConfigFileName  = "config.json"
	DefaultLogLevel = "info"

	// HomeEnv overrides the config directory (used by tests and containers).
	HomeEnv = "INFRA_AGENT_HOME"
)

// LLMConfig selects the chat-completion provider used by the orchestration loop.
type LLMConfig struct {
	Provider       string `json:"provider"` // openai | bedrock-gateway | perplexity | mock
	Model          string `json:"model"`
	BaseURL        string `json:"base_url"`
	APIKeyEnv      string `json:"api_key_env"` // name of the env var holding the key
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// GlobalConfig holds user-level configuration for the CLI and server.
type GlobalConfig struct {
	DefaultProfile        string    `json:"default_profile"`
	DefaultRegion         string    `json:"default_region"`
	LogLevel              string    `json:"log_level"`
	DataDir               string    `json:"data_dir"`            // approvals db, roles file, event logs
	TerraformWorkspace    string    `json:"terraform_workspace"` // one sub-directory per project
	TerraformBinary       string    `json:"terraform_binary"`
	AWSBinary             string    `json:"aws_binary"`
	MaxIterations         int       `json:"max_iterations"`
	HTTPAddr              string    `json:"http_addr"`
	GRPCAddr              string    `json:"grpc_addr"`              // unix:///path or host:port
	GRPCTLSDir            string    `json:"grpc_tls_dir,omitempty"` // mTLS material for TCP listeners
	GatedBackends         []string  `json:"gated_backends"`
	ReadOnlyKeywords      []string  `json:"readonly_keywords,omitempty"`
	MutatingKeywords      []string  `json:"mutating_keywords,omitempty"`
	ExtraMutatingTools    []string  `json:"extra_mutating_tools,omitempty"`
	EventLogRetentionDays int       `json:"event_log_retention_days"`
	PolicyFile            string    `json:"policy_file,omitempty"` // optional rego override
	ApprovalStore         string    `json:"approval_store"`        // memory | sqlite
	VaultPath             string    `json:"vault_path"`
	AllowedRegions        []string  `json:"allowed_regions,omitempty"`  // empty = any region
	AllowedAccounts       []string  `json:"allowed_accounts,omitempty"` // empty = any account
	LLM                   LLMConfig `json:"llm"`
}

// DefaultGlobalConfig returns sensible defaults.
func DefaultGlobalConfig() GlobalConfig {
	dir := ConfigDir()
	return GlobalConfig{
		DefaultProfile:        "default",
		DefaultRegion:         "us-east-1",
		LogLevel:              DefaultLogLevel,
		DataDir:               filepath.Join(dir, "data"),
		TerraformWorkspace:    filepath.Join(dir, "terraform_workspace"),
		TerraformBinary:       "terraform",
		AWSBinary:             "aws",
		MaxIterations:         5,
		HTTPAddr:              "127.0.0.1:8000",
		GRPCAddr:              "unix://" + filepath.Join(dir, "agent.sock"),
		GatedBackends:         []string{"aws_terraform"},
		EventLogRetentionDays: 30,
		ApprovalStore:         "sqlite",
		VaultPath:             filepath.Join(dir, "profiles.vault"),
		LLM: LLMConfig{
			Provider:       "openai",
			Model:          "gpt-4o",
			BaseURL:        "https://api.openai.com",
			APIKeyEnv:      "OPENAI_API_KEY",
			TimeoutSeconds: 120,
		},
	}
}

// ConfigDir returns the global config directory path.
func ConfigDir() string {
	if dir := os.Getenv(HomeEnv); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ConfigDirName)
}

// LoadGlobalConfig loads the global config from <ConfigDir>/config.json.
// A missing file yields the defaults.
func LoadGlobalConfig() (GlobalConfig, error) {
	return LoadFile(filepath.Join(ConfigDir(), ConfigFileName))
}

// LoadFile loads a config from an explicit path, layering it over the defaults.
func LoadFile(path string) (GlobalConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultGlobalConfig(), nil
		}
		return GlobalConfig{}, err
	}

	cfg := DefaultGlobalConfig()
	if err := json.Unmarshal(data, &cfg); err != nil {
		return GlobalConfig{}, err
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 5
	}
	return cfg, nil
}

// SaveGlobalConfig persists the global config to <ConfigDir>/config.json.
func SaveGlobalConfig(cfg GlobalConfig) error {
	dir := ConfigDir()
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(filepath.Join(dir, ConfigFileName), data, 0600)
}

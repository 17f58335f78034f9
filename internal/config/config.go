// Package config loads the workspace configuration file. Decoding is
// strict: unknown keys are an error, so a typo cannot silently disable a
// timeout or a signature list.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Stage roles recognized in the agents section, in pipeline order.
var StageRoles = []string{"draft", "plan", "implement", "review", "publish"}

// AgentConfig binds one stage role to the external command that performs it.
// The command runs via the process sandbox; {{ref}}, {{title}}, {{repo}},
// {{base_branch}} and {{branch}} placeholders are expanded per item.
type AgentConfig struct {
	Command string            `json:"command" yaml:"command"`
	Env     map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
}

type Config struct {
	Version int `json:"version" yaml:"version"`

	Workspace struct {
		StateDir string `json:"state_dir" yaml:"state_dir"`
		RepoRoot string `json:"repo_root" yaml:"repo_root"`
	} `json:"workspace" yaml:"workspace"`

	Pipeline struct {
		StageTimeoutMS       int `json:"stage_timeout_ms" yaml:"stage_timeout_ms"`
		HangTimeoutMS        int `json:"hang_timeout_ms" yaml:"hang_timeout_ms"`
		HeartbeatIntervalMS  int `json:"heartbeat_interval_ms" yaml:"heartbeat_interval_ms"`
		PauseCheckIntervalMS int `json:"pause_check_interval_ms" yaml:"pause_check_interval_ms"`
	} `json:"pipeline" yaml:"pipeline"`

	Retry struct {
		Retries      int `json:"retries" yaml:"retries"`
		BackoffMS    int `json:"backoff_ms" yaml:"backoff_ms"`
		MaxBackoffMS int `json:"max_backoff_ms" yaml:"max_backoff_ms"`
		// RateLimitSignatures replaces the built-in throttling signature
		// list when set.
		RateLimitSignatures []string `json:"rate_limit_signatures,omitempty" yaml:"rate_limit_signatures,omitempty"`
	} `json:"retry" yaml:"retry"`

	Auth struct {
		FailureSignatures []string `json:"failure_signatures,omitempty" yaml:"failure_signatures,omitempty"`
	} `json:"auth" yaml:"auth"`

	Agents map[string]AgentConfig `json:"agents,omitempty" yaml:"agents,omitempty"`

	Git struct {
		PushRemote   string `json:"push_remote,omitempty" yaml:"push_remote,omitempty"`
		BranchPrefix string `json:"branch_prefix" yaml:"branch_prefix"`
		// AutoCommit lets the publish gate sweep leftover changes into a
		// commit instead of failing the item.
		AutoCommit bool `json:"auto_commit,omitempty" yaml:"auto_commit,omitempty"`
	} `json:"git" yaml:"git"`

	Events struct {
		PageSize int `json:"page_size" yaml:"page_size"`
	} `json:"events" yaml:"events"`

	Filters struct {
		RepoGlobs []string `json:"repo_globs,omitempty" yaml:"repo_globs,omitempty"`
	} `json:"filters" yaml:"filters"`
}

func (c *Config) StageTimeout() time.Duration {
	return time.Duration(c.Pipeline.StageTimeoutMS) * time.Millisecond
}

func (c *Config) HangTimeout() time.Duration {
	return time.Duration(c.Pipeline.HangTimeoutMS) * time.Millisecond
}

func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.Pipeline.HeartbeatIntervalMS) * time.Millisecond
}

func (c *Config) PauseCheckInterval() time.Duration {
	return time.Duration(c.Pipeline.PauseCheckIntervalMS) * time.Millisecond
}

func (c *Config) Backoff() time.Duration {
	return time.Duration(c.Retry.BackoffMS) * time.Millisecond
}

func (c *Config) MaxBackoff() time.Duration {
	return time.Duration(c.Retry.MaxBackoffMS) * time.Millisecond
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Load reads and validates a config file; YAML unless the extension says
// JSON.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := decodeJSONStrict(b, &cfg); err != nil {
			return nil, fmt.Errorf("config %s: %w", path, err)
		}
	default:
		if err := decodeYAMLStrict(b, &cfg); err != nil {
			return nil, fmt.Errorf("config %s: %w", path, err)
		}
	}
	applyDefaults(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return &cfg, nil
}

func decodeJSONStrict(b []byte, cfg *Config) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return fmt.Errorf("json: multiple top-level values are not allowed")
		}
		return err
	}
	return nil
}

func decodeYAMLStrict(b []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return fmt.Errorf("yaml: multiple documents are not allowed")
		}
		return err
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.Version == 0 {
		cfg.Version = 1
	}
	if strings.TrimSpace(cfg.Workspace.StateDir) == "" {
		cfg.Workspace.StateDir = ".foreman"
	}
	if strings.TrimSpace(cfg.Workspace.RepoRoot) == "" {
		cfg.Workspace.RepoRoot = "."
	}
	if cfg.Pipeline.StageTimeoutMS == 0 {
		cfg.Pipeline.StageTimeoutMS = 1_800_000 // 30 minutes per command
	}
	if cfg.Pipeline.HangTimeoutMS == 0 {
		cfg.Pipeline.HangTimeoutMS = 600_000 // 10 minutes of silence
	}
	if cfg.Pipeline.HeartbeatIntervalMS == 0 {
		cfg.Pipeline.HeartbeatIntervalMS = 10_000
	}
	if cfg.Pipeline.PauseCheckIntervalMS == 0 {
		cfg.Pipeline.PauseCheckIntervalMS = 5_000
	}
	if cfg.Retry.Retries == 0 {
		cfg.Retry.Retries = 3
	}
	if cfg.Retry.BackoffMS == 0 {
		cfg.Retry.BackoffMS = 2_000
	}
	if cfg.Retry.MaxBackoffMS == 0 {
		cfg.Retry.MaxBackoffMS = 60_000
	}
	if len(cfg.Auth.FailureSignatures) == 0 {
		cfg.Auth.FailureSignatures = []string{
			"invalid api key",
			"authentication failed",
			"401 unauthorized",
			"credentials have expired",
		}
	}
	cfg.Auth.FailureSignatures = trimNonEmpty(cfg.Auth.FailureSignatures)
	cfg.Retry.RateLimitSignatures = trimNonEmpty(cfg.Retry.RateLimitSignatures)
	if cfg.Git.BranchPrefix == "" {
		cfg.Git.BranchPrefix = "foreman"
	}
	if cfg.Events.PageSize == 0 {
		cfg.Events.PageSize = 200
	}
	cfg.Filters.RepoGlobs = trimNonEmpty(cfg.Filters.RepoGlobs)
	if cfg.Agents == nil {
		cfg.Agents = map[string]AgentConfig{}
	}
}

func validate(cfg *Config) error {
	if cfg.Version != 1 {
		return fmt.Errorf("unsupported config version: %d", cfg.Version)
	}
	if cfg.Pipeline.StageTimeoutMS < 0 {
		return fmt.Errorf("pipeline.stage_timeout_ms must be >= 0")
	}
	if cfg.Pipeline.HangTimeoutMS < 0 {
		return fmt.Errorf("pipeline.hang_timeout_ms must be >= 0")
	}
	if cfg.Pipeline.HeartbeatIntervalMS <= 0 {
		return fmt.Errorf("pipeline.heartbeat_interval_ms must be > 0")
	}
	if cfg.Pipeline.PauseCheckIntervalMS <= 0 {
		return fmt.Errorf("pipeline.pause_check_interval_ms must be > 0")
	}
	if cfg.Retry.Retries < 1 {
		return fmt.Errorf("retry.retries must be >= 1")
	}
	if cfg.Retry.BackoffMS < 0 || cfg.Retry.MaxBackoffMS < 0 {
		return fmt.Errorf("retry backoff values must be >= 0")
	}
	if cfg.Retry.MaxBackoffMS > 0 && cfg.Retry.MaxBackoffMS < cfg.Retry.BackoffMS {
		return fmt.Errorf("retry.max_backoff_ms must be >= retry.backoff_ms")
	}
	if cfg.Events.PageSize < 1 {
		return fmt.Errorf("events.page_size must be >= 1")
	}
	known := map[string]bool{}
	for _, role := range StageRoles {
		known[role] = true
	}
	for role, ac := range cfg.Agents {
		if !known[role] {
			return fmt.Errorf("agents.%s: unknown stage role (want one of %s)",
				role, strings.Join(StageRoles, "|"))
		}
		if strings.TrimSpace(ac.Command) == "" {
			return fmt.Errorf("agents.%s.command is required", role)
		}
	}
	return nil
}

func trimNonEmpty(parts []string) []string {
	if len(parts) == 0 {
		return nil
	}
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

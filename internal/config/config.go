// Package config holds the kernel's YAML-driven configuration: the
// workspace root layout, Docker sandbox defaults, scheduler tick interval,
// HMAC secret sourcing, and admin HTTP bind address.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"rumikernel/internal/logging"
)

// Config is the top-level kernel configuration.
type Config struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	Paths     PathsConfig     `yaml:"paths"`
	Sandbox   SandboxConfig   `yaml:"sandbox"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Admin     AdminConfig     `yaml:"admin"`
	Signing   SigningConfig   `yaml:"signing"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// PathsConfig locates the packs directory, official/ecosystem flow
// directories, and the user_data root under which grants, usage records,
// and audit logs are persisted.
type PathsConfig struct {
	WorkspaceRoot     string `yaml:"workspace_root"`
	PacksDir          string `yaml:"packs_dir"`
	OfficialFlowsDir  string `yaml:"official_flows_dir"`
	EcosystemFlowsDir string `yaml:"ecosystem_flows_dir"`
	UserDataDir       string `yaml:"user_data_dir"`
}

// SandboxConfig mirrors the Docker security baseline defaults.
type SandboxConfig struct {
	Memory     string `yaml:"memory"`
	MemorySwap string `yaml:"memory_swap"`
	CPUs       string `yaml:"cpus"`
	PidsLimit  int    `yaml:"pids_limit"`
	User       string `yaml:"user"`
	Network    string `yaml:"network"`
	Tmpfs      string `yaml:"tmpfs"`
	Timeout    string `yaml:"timeout"`
}

// SchedulerConfig controls the cron/interval tick loop.
type SchedulerConfig struct {
	TickInterval string `yaml:"tick_interval"`
	MinInterval  string `yaml:"min_interval"`
	MaxWorkers   int    `yaml:"max_workers"`
}

// AdminConfig configures the thin bearer-auth HTTP admin surface.
type AdminConfig struct {
	Addr      string `yaml:"addr"`
	TokenEnv  string `yaml:"token_env"`
}

// SigningConfig controls where the HMAC secret comes from.
type SigningConfig struct {
	SecretEnv  string `yaml:"secret_env"`
	SecretFile string `yaml:"secret_file"`
}

// LoggingConfig toggles verbose diagnostics.
type LoggingConfig struct {
	Verbose bool `yaml:"verbose"`
}

// DefaultConfig returns the kernel's built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Name:    "rumikernel",
		Version: "1.0.0",

		Paths: PathsConfig{
			WorkspaceRoot:     ".",
			PacksDir:          "packs",
			OfficialFlowsDir:  "flows",
			EcosystemFlowsDir: "ecosystem/flows",
			UserDataDir:       "user_data",
		},

		Sandbox: SandboxConfig{
			Memory:     "256m",
			MemorySwap: "256m",
			CPUs:       "0.5",
			PidsLimit:  50,
			User:       "65534:65534",
			Network:    "none",
			Tmpfs:      "/tmp:size=64m,noexec,nosuid",
			Timeout:    "60s",
		},

		Scheduler: SchedulerConfig{
			TickInterval: "10s",
			MinInterval:  "10s",
			MaxWorkers:   2,
		},

		Admin: AdminConfig{
			Addr:     ":7787",
			TokenEnv: "RUMI_ADMIN_TOKEN",
		},

		Signing: SigningConfig{
			SecretEnv:  "RUMI_HMAC_SECRET",
			SecretFile: ".secret_key",
		},
	}
}

// Load reads path as YAML over DefaultConfig(), falling back to pure
// defaults when the file does not exist.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			logging.For("config").Sugar().Infof("config file not found, using defaults: %s", path)
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save writes c to path as YAML, creating parent directories as needed.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

func (c *Config) applyEnvOverrides() {
	if root := os.Getenv("RUMI_WORKSPACE_ROOT"); root != "" {
		c.Paths.WorkspaceRoot = root
	}
	if addr := os.Getenv("RUMI_ADMIN_ADDR"); addr != "" {
		c.Admin.Addr = addr
	}
	if os.Getenv("RUMI_DIAGNOSTICS_VERBOSE") != "" {
		c.Logging.Verbose = true
	}
}

// SandboxTimeout parses Sandbox.Timeout, defaulting to 60s on error.
func (c *Config) SandboxTimeout() time.Duration {
	d, err := time.ParseDuration(c.Sandbox.Timeout)
	if err != nil {
		return 60 * time.Second
	}
	return d
}

// TickInterval parses Scheduler.TickInterval, defaulting to 10s on error.
func (c *Config) TickInterval() time.Duration {
	d, err := time.ParseDuration(c.Scheduler.TickInterval)
	if err != nil {
		return 10 * time.Second
	}
	return d
}

// MinInterval parses Scheduler.MinInterval, defaulting to 10s on error.
func (c *Config) MinInterval() time.Duration {
	d, err := time.ParseDuration(c.Scheduler.MinInterval)
	if err != nil {
		return 10 * time.Second
	}
	return d
}

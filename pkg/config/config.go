// Package config provides configuration loading and validation for the
// build orchestrator.
//
// KEY PRINCIPLES:
//
//  1. SEPARATION OF CONCERNS: configuration holds operator-tunable
//     settings only. Build state (feature statuses, attempts, session
//     history) belongs in the DATABASE, never in config.
//
//  2. VALIDATION FIRST: configs are validated on load; invalid configs
//     are rejected before any component starts.
//
//  3. VALUE-BASED ACCESS: Load returns the config by value. There is no
//     package-level singleton; the owner passes it down explicitly.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults for operator-tunable settings.
const (
	DefaultConcurrency      = 2
	DefaultTestingRatio     = 1.0
	DefaultMaxAttempts      = 3
	DefaultHeartbeatTimeout = 2 * time.Minute
	DefaultStopGracePeriod  = 30 * time.Second
	DefaultProgressInterval = 30 * time.Second
	DefaultWebhookRetries   = 3
	DefaultWebhookBackoff   = 1 * time.Second
	DefaultGuardThreshold   = 3
	DefaultSessionHistory   = 200
	DefaultDatabasePath     = "autobuild.db"
	DefaultStateDir         = ".autobuild/state"
	DefaultEventLogDir      = ".autobuild/events"
	DefaultListenAddr       = ":8344"
)

// Config holds all operator-tunable settings for one orchestrator process.
type Config struct {
	// Scheduling.
	Concurrency  int     `yaml:"concurrency"`   // Max concurrent coding sessions
	TestingRatio float64 `yaml:"testing_ratio"` // Testing sessions per coding session
	Mode         string  `yaml:"mode"`          // "standard" or "fast"
	MaxAttempts  int     `yaml:"max_attempts"`  // Retry limit per feature

	// Session supervision.
	AgentCommand     []string      `yaml:"agent_command"`     // External agent argv template
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout"` // Crash detection window
	StopGracePeriod  time.Duration `yaml:"stop_grace_period"` // Graceful stop window
	SessionHistory   int           `yaml:"session_history"`   // Terminal sessions retained per project

	// Progress reporting.
	ProgressInterval time.Duration `yaml:"progress_interval"` // Liveness snapshot period
	WebhookURL       string        `yaml:"webhook_url"`       // Optional external sink
	WebhookRetries   int           `yaml:"webhook_retries"`
	WebhookBackoff   time.Duration `yaml:"webhook_backoff"`
	PrometheusURL    string        `yaml:"prometheus_url"` // Optional, for historical queries

	// Spec guard.
	GuardThreshold int `yaml:"guard_threshold"` // Warnings allowed before seed refusal

	// Storage and surfaces.
	DatabasePath string `yaml:"database_path"`
	StateDir     string `yaml:"state_dir"`
	EventLogDir  string `yaml:"event_log_dir"`
	ListenAddr   string `yaml:"listen_addr"`

	// StrictInvariants panics on invariant breaches (claim conflicts)
	// instead of logging and recovering. Intended for development.
	StrictInvariants bool `yaml:"strict_invariants"`
}

// Default returns a Config populated with defaults.
func Default() Config {
	return Config{
		Concurrency:      DefaultConcurrency,
		TestingRatio:     DefaultTestingRatio,
		Mode:             "standard",
		MaxAttempts:      DefaultMaxAttempts,
		HeartbeatTimeout: DefaultHeartbeatTimeout,
		StopGracePeriod:  DefaultStopGracePeriod,
		SessionHistory:   DefaultSessionHistory,
		ProgressInterval: DefaultProgressInterval,
		WebhookRetries:   DefaultWebhookRetries,
		WebhookBackoff:   DefaultWebhookBackoff,
		GuardThreshold:   DefaultGuardThreshold,
		DatabasePath:     DefaultDatabasePath,
		StateDir:         DefaultStateDir,
		EventLogDir:      DefaultEventLogDir,
		ListenAddr:       DefaultListenAddr,
	}
}

// Load reads the YAML config at path, applies environment overrides, and
// validates the result. A missing file yields defaults plus overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		// Defaults plus env overrides only.
	case err != nil:
		return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// applyEnvOverrides applies AUTOBUILD_* environment variables on top of
// file values. Only settings an operator plausibly flips per-run are
// exposed this way.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("AUTOBUILD_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Concurrency = n
		}
	}
	if v := os.Getenv("AUTOBUILD_TESTING_RATIO"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.TestingRatio = f
		}
	}
	if v := os.Getenv("AUTOBUILD_MODE"); v != "" {
		cfg.Mode = v
	}
	if v := os.Getenv("AUTOBUILD_WEBHOOK_URL"); v != "" {
		cfg.WebhookURL = v
	}
	if v := os.Getenv("AUTOBUILD_DB"); v != "" {
		cfg.DatabasePath = v
	}
	if v := os.Getenv("AUTOBUILD_LISTEN"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("AUTOBUILD_STRICT"); v == "1" || v == "true" {
		cfg.StrictInvariants = true
	}
}

// Validate rejects configs that no component could run with.
func (c *Config) Validate() error {
	if c.Concurrency < 1 {
		return fmt.Errorf("concurrency must be >= 1, got %d", c.Concurrency)
	}
	if c.TestingRatio < 0 {
		return fmt.Errorf("testing_ratio must be >= 0, got %g", c.TestingRatio)
	}
	if c.Mode != "standard" && c.Mode != "fast" {
		return fmt.Errorf("mode must be \"standard\" or \"fast\", got %q", c.Mode)
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be >= 1, got %d", c.MaxAttempts)
	}
	if c.HeartbeatTimeout <= 0 {
		return fmt.Errorf("heartbeat_timeout must be positive, got %v", c.HeartbeatTimeout)
	}
	if c.StopGracePeriod <= 0 {
		return fmt.Errorf("stop_grace_period must be positive, got %v", c.StopGracePeriod)
	}
	if c.ProgressInterval <= 0 {
		return fmt.Errorf("progress_interval must be positive, got %v", c.ProgressInterval)
	}
	if c.WebhookRetries < 0 {
		return fmt.Errorf("webhook_retries must be >= 0, got %d", c.WebhookRetries)
	}
	if c.GuardThreshold < 0 {
		return fmt.Errorf("guard_threshold must be >= 0, got %d", c.GuardThreshold)
	}
	if c.SessionHistory < 1 {
		return fmt.Errorf("session_history must be >= 1, got %d", c.SessionHistory)
	}
	if c.DatabasePath == "" {
		return fmt.Errorf("database_path must not be empty")
	}
	return nil
}

// Save writes the config as YAML to path. Used by setup tooling; the
// orchestrator itself never mutates config at runtime.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config %s: %w", path, err)
	}
	return nil
}

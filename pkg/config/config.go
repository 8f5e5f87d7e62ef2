// Package config provides configuration loading, validation, and management
// for the turn orchestrator. It handles JSON config files with defaults for
// anything a deployment leaves unset.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// ConfigFilename is the config file looked up inside the workspace directory.
const ConfigFilename = "conductor.json"

// Default tuning values.
const (
	DefaultAutoCompactThresholdPct = 80
	DefaultMaxConsecutiveHandoffs  = 5
	DefaultMaxRetryAttempts        = 4
	DefaultRetryInitialDelayMs     = 500
	DefaultRetryMaxDelayMs         = 30_000
	DefaultRetryBackoffFactor      = 2.0
	DefaultModel                   = "anthropic:claude-3-5-sonnet-latest"
)

// RetryTuning overrides the per-error-type retry defaults where set.
type RetryTuning struct {
	MaxAttempts    int     `json:"max_attempts"`
	InitialDelayMs int     `json:"initial_delay_ms"`
	MaxDelayMs     int     `json:"max_delay_ms"`
	BackoffFactor  float64 `json:"backoff_factor"`
}

// Experiments gates behavior that is still being evaluated.
type Experiments struct {
	HardRestart bool `json:"hard_restart"` // escalation ladder step 3
}

// Config is the root configuration for the orchestrator.
type Config struct {
	SessionDir              string      `json:"session_dir"`                // per-session state root
	PersonaFile             string      `json:"persona_file"`               // YAML persona registry path
	DefaultModel            string      `json:"default_model"`              // workspace default model
	DefaultAgent            string      `json:"default_agent"`              // workspace default persona
	AutoCompactThresholdPct int         `json:"auto_compact_threshold_pct"` // context usage percent triggering compaction
	MaxConsecutiveHandoffs  int         `json:"max_consecutive_handoffs"`
	Retry                   RetryTuning `json:"retry"`
	Experiments             Experiments `json:"experiments"`
	MetricsAddr             string      `json:"metrics_addr,omitempty"` // optional Prometheus listen address
}

//nolint:gochecknoglobals // Intentional singleton pattern matching deployment lifecycle
var (
	globalConfig *Config
	configMu     sync.RWMutex
)

// defaultConfig returns a config with all defaults applied, rooted at dir.
func defaultConfig(dir string) *Config {
	return &Config{
		SessionDir:              filepath.Join(dir, "sessions"),
		PersonaFile:             filepath.Join(dir, "personas.yaml"),
		DefaultModel:            DefaultModel,
		AutoCompactThresholdPct: DefaultAutoCompactThresholdPct,
		MaxConsecutiveHandoffs:  DefaultMaxConsecutiveHandoffs,
		Retry: RetryTuning{
			MaxAttempts:    DefaultMaxRetryAttempts,
			InitialDelayMs: DefaultRetryInitialDelayMs,
			MaxDelayMs:     DefaultRetryMaxDelayMs,
			BackoffFactor:  DefaultRetryBackoffFactor,
		},
	}
}

// LoadConfig reads dir/conductor.json if present, otherwise applies defaults.
// The result becomes the process-wide config returned by GetConfig.
func LoadConfig(dir string) error {
	cfg := defaultConfig(dir)

	path := filepath.Join(dir, ConfigFilename)
	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		// No file means all defaults.
	case err != nil:
		return fmt.Errorf("failed to read config %s: %w", path, err)
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("failed to parse config %s: %w", path, err)
		}
		applyDefaults(cfg, dir)
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	configMu.Lock()
	defer configMu.Unlock()
	globalConfig = cfg
	return nil
}

// applyDefaults fills zero values left by a partial config file.
func applyDefaults(cfg *Config, dir string) {
	if cfg.SessionDir == "" {
		cfg.SessionDir = filepath.Join(dir, "sessions")
	}
	if cfg.PersonaFile == "" {
		cfg.PersonaFile = filepath.Join(dir, "personas.yaml")
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = DefaultModel
	}
	if cfg.AutoCompactThresholdPct == 0 {
		cfg.AutoCompactThresholdPct = DefaultAutoCompactThresholdPct
	}
	if cfg.MaxConsecutiveHandoffs == 0 {
		cfg.MaxConsecutiveHandoffs = DefaultMaxConsecutiveHandoffs
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry.MaxAttempts = DefaultMaxRetryAttempts
	}
	if cfg.Retry.InitialDelayMs == 0 {
		cfg.Retry.InitialDelayMs = DefaultRetryInitialDelayMs
	}
	if cfg.Retry.MaxDelayMs == 0 {
		cfg.Retry.MaxDelayMs = DefaultRetryMaxDelayMs
	}
	if cfg.Retry.BackoffFactor == 0 {
		cfg.Retry.BackoffFactor = DefaultRetryBackoffFactor
	}
}

// Validate checks configured values for internal consistency.
func (c *Config) Validate() error {
	if c.AutoCompactThresholdPct < 1 || c.AutoCompactThresholdPct > 100 {
		return fmt.Errorf("auto_compact_threshold_pct must be in [1,100], got %d", c.AutoCompactThresholdPct)
	}
	if c.MaxConsecutiveHandoffs < 1 {
		return fmt.Errorf("max_consecutive_handoffs must be positive, got %d", c.MaxConsecutiveHandoffs)
	}
	if c.Retry.MaxAttempts < 0 {
		return fmt.Errorf("retry.max_attempts cannot be negative")
	}
	if c.Retry.BackoffFactor < 1.0 {
		return fmt.Errorf("retry.backoff_factor must be >= 1.0, got %v", c.Retry.BackoffFactor)
	}
	return nil
}

// GetConfig returns a copy of the loaded configuration.
func GetConfig() (Config, error) {
	configMu.RLock()
	defer configMu.RUnlock()

	if globalConfig == nil {
		return Config{}, fmt.Errorf("config not loaded: call LoadConfig first")
	}
	return *globalConfig, nil
}

// Reset clears the loaded config. Tests only.
func Reset() {
	configMu.Lock()
	defer configMu.Unlock()
	globalConfig = nil
}

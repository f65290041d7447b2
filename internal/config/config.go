// Package config loads and validates project configuration: execution
// budgets, quality-gate policies, worker commands, and storage locations.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/harrison/arbor/internal/gate"
)

// WorkerConfig describes one external worker command.
type WorkerConfig struct {
	// Command is the executable invoked for each leaf delegation
	Command string `yaml:"command"`

	// Args are fixed arguments prepended to every invocation
	Args []string `yaml:"args,omitempty"`
}

// Config represents arbor configuration options
type Config struct {
	// RetryBudget is the per-node retry budget (retries after the first attempt)
	RetryBudget int `yaml:"retry_budget"`

	// RunRetryCeiling is the run-wide cap on retries plus substitutions
	RunRetryCeiling int `yaml:"run_retry_ceiling"`

	// QualityGates toggles result validation against gate policies
	QualityGates bool `yaml:"quality_gates"`

	// ParallelExecution toggles concurrent execution of parallel groups
	ParallelExecution bool `yaml:"parallel_execution"`

	// MaxConcurrency is the maximum number of concurrent leaves in a
	// parallel group (0 = unlimited)
	MaxConcurrency int `yaml:"max_concurrency"`

	// LeafTimeout is the default per-invocation deadline for workers
	LeafTimeout time.Duration `yaml:"leaf_timeout"`

	// LogLevel sets the logging verbosity (trace, debug, info, warn, error)
	LogLevel string `yaml:"log_level"`

	// MemoryDir is the directory holding the append-only memory logs
	MemoryDir string `yaml:"memory_dir"`

	// IndexPath is the SQLite episode index location
	IndexPath string `yaml:"index_path"`

	// Gates holds the named quality-gate policies available to leaves
	Gates map[string]gate.Policy `yaml:"gates,omitempty"`

	// Workers maps worker names to external commands
	Workers map[string]WorkerConfig `yaml:"workers,omitempty"`
}

// DefaultConfig returns a Config with sensible default values
func DefaultConfig() *Config {
	return &Config{
		RetryBudget:       2,
		RunRetryCeiling:   10,
		QualityGates:      true,
		ParallelExecution: true,
		MaxConcurrency:    0, // Unlimited
		LeafTimeout:       10 * time.Minute,
		LogLevel:          "info",
		MemoryDir:         ".arbor/memory",
		IndexPath:         ".arbor/episodes.db",
	}
}

// LoadConfig loads configuration from the specified file path
// If the file doesn't exist, returns default configuration without error
// If the file exists but is malformed, returns an error
func LoadConfig(path string) (*Config, error) {
	// Start with defaults
	cfg := DefaultConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		// File doesn't exist, return defaults (not an error)
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Use a temporary struct to handle duration parsing
	type yamlConfig struct {
		RetryBudget       *int                    `yaml:"retry_budget"`
		RunRetryCeiling   *int                    `yaml:"run_retry_ceiling"`
		QualityGates      *bool                   `yaml:"quality_gates"`
		ParallelExecution *bool                   `yaml:"parallel_execution"`
		MaxConcurrency    *int                    `yaml:"max_concurrency"`
		LeafTimeout       string                  `yaml:"leaf_timeout"`
		LogLevel          string                  `yaml:"log_level"`
		MemoryDir         string                  `yaml:"memory_dir"`
		IndexPath         string                  `yaml:"index_path"`
		Gates             map[string]gate.Policy  `yaml:"gates"`
		Workers           map[string]WorkerConfig `yaml:"workers"`
	}

	var yamlCfg yamlConfig
	if err := yaml.Unmarshal(data, &yamlCfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Apply values present in the file over the defaults. Pointer fields
	// distinguish "absent" from an explicit zero or false.
	if yamlCfg.RetryBudget != nil {
		cfg.RetryBudget = *yamlCfg.RetryBudget
	}
	if yamlCfg.RunRetryCeiling != nil {
		cfg.RunRetryCeiling = *yamlCfg.RunRetryCeiling
	}
	if yamlCfg.QualityGates != nil {
		cfg.QualityGates = *yamlCfg.QualityGates
	}
	if yamlCfg.ParallelExecution != nil {
		cfg.ParallelExecution = *yamlCfg.ParallelExecution
	}
	if yamlCfg.MaxConcurrency != nil {
		cfg.MaxConcurrency = *yamlCfg.MaxConcurrency
	}
	if yamlCfg.LeafTimeout != "" {
		timeout, err := time.ParseDuration(yamlCfg.LeafTimeout)
		if err != nil {
			return nil, fmt.Errorf("invalid leaf_timeout format %q: %w", yamlCfg.LeafTimeout, err)
		}
		cfg.LeafTimeout = timeout
	}
	if yamlCfg.LogLevel != "" {
		cfg.LogLevel = yamlCfg.LogLevel
	}
	if yamlCfg.MemoryDir != "" {
		cfg.MemoryDir = yamlCfg.MemoryDir
	}
	if yamlCfg.IndexPath != "" {
		cfg.IndexPath = yamlCfg.IndexPath
	}
	if yamlCfg.Gates != nil {
		cfg.Gates = yamlCfg.Gates
	}
	if yamlCfg.Workers != nil {
		cfg.Workers = yamlCfg.Workers
	}

	return cfg, nil
}

// LoadConfigFromDir loads configuration from .arbor/config.yaml in the
// specified directory. If the directory or file doesn't exist, returns
// default configuration without error
func LoadConfigFromDir(dir string) (*Config, error) {
	configPath := filepath.Join(dir, ".arbor", "config.yaml")
	return LoadConfig(configPath)
}

// MergeWithFlags merges CLI flags into the configuration
// Non-nil flag values override configuration values
// This allows CLI flags to take precedence over config file settings
func (c *Config) MergeWithFlags(retryBudget, ceiling, maxConcurrency *int, leafTimeout *time.Duration, parallel, gates *bool, memoryDir *string) {
	if retryBudget != nil {
		c.RetryBudget = *retryBudget
	}
	if ceiling != nil {
		c.RunRetryCeiling = *ceiling
	}
	if maxConcurrency != nil {
		c.MaxConcurrency = *maxConcurrency
	}
	if leafTimeout != nil {
		c.LeafTimeout = *leafTimeout
	}
	if parallel != nil {
		c.ParallelExecution = *parallel
	}
	if gates != nil {
		c.QualityGates = *gates
	}
	if memoryDir != nil {
		c.MemoryDir = *memoryDir
	}
}

// Validate validates the configuration values
// Returns an error if any values are invalid
func (c *Config) Validate() error {
	if c.RetryBudget < 0 {
		return fmt.Errorf("retry_budget must be >= 0, got %d", c.RetryBudget)
	}
	if c.RunRetryCeiling < 0 {
		return fmt.Errorf("run_retry_ceiling must be >= 0, got %d", c.RunRetryCeiling)
	}
	if c.MaxConcurrency < 0 {
		return fmt.Errorf("max_concurrency must be >= 0, got %d", c.MaxConcurrency)
	}

	// LeafTimeout can be 0 (engine default) or positive, negative is invalid
	if c.LeafTimeout < 0 {
		return fmt.Errorf("leaf_timeout must be >= 0, got %v", c.LeafTimeout)
	}

	validLevels := map[string]bool{
		"trace": true,
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLevels[c.LogLevel] {
		return fmt.Errorf("invalid log_level %q, must be one of: trace, debug, info, warn, error", c.LogLevel)
	}

	if c.MemoryDir == "" {
		return fmt.Errorf("memory_dir cannot be empty")
	}

	for name, policy := range c.Gates {
		if err := policy.Validate(); err != nil {
			return fmt.Errorf("gate %q: %w", name, err)
		}
	}

	for name, wc := range c.Workers {
		if wc.Command == "" {
			return fmt.Errorf("worker %q: command cannot be empty", name)
		}
	}

	return nil
}

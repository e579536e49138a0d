// Package config handles configuration loading and management for Nexus.
// It supports XDG config paths, project-level overrides, and environment
// variables. Every knob the engine honors is enumerated here; unknown keys
// in a config file are rejected at load time.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/spf13/viper"

	"github.com/nexusdev/nexus/pkg/models"
)

// Config holds all configuration for Nexus.
type Config struct {
	// Anthropic holds model provider settings.
	Anthropic AnthropicConfig `mapstructure:"anthropic"`

	// MaxConcurrentWorkers bounds how many agents run at once.
	// Zero selects the CPU count.
	MaxConcurrentWorkers int `mapstructure:"max_concurrent_workers"`

	// QAMaxIterations caps repair cycles per task.
	QAMaxIterations int `mapstructure:"qa_max_iterations"`

	// TaskMaxMinutes is the decomposer's per-task effort budget.
	TaskMaxMinutes int `mapstructure:"task_max_minutes"`

	// ProcessDefaultTimeoutMS bounds external commands that set no
	// timeout of their own.
	ProcessDefaultTimeoutMS int `mapstructure:"process_default_timeout_ms"`

	// ReplannerThresholds tunes the replan triggers.
	ReplannerThresholds ReplannerThresholds `mapstructure:"replanner_thresholds"`

	// CleanupOnRelease removes a task's worktree directory when the task
	// finishes. When false the worktree is detached and left on disk for
	// inspection.
	CleanupOnRelease bool `mapstructure:"cleanup_on_release"`

	// WorkerRoleCaps optionally bounds concurrency per agent role, keyed
	// by role name. Roles without an entry share the global worker count.
	WorkerRoleCaps map[string]int `mapstructure:"worker_role_caps"`

	// LLMRetryPolicy tunes retry behavior on transient provider failures.
	LLMRetryPolicy LLMRetryPolicy `mapstructure:"llm_retry_policy"`

	// BaseBranch is the integration branch task branches fork from and
	// merge back to. Empty means the repository's current branch.
	BaseBranch string `mapstructure:"base_branch"`

	// WorktreeDir is where task worktrees are created. Empty selects
	// ~/.cache/nexus/worktrees.
	WorktreeDir string `mapstructure:"worktree_dir"`

	// Stages overrides the auto-detected QA stage commands.
	Stages StagesConfig `mapstructure:"stages"`
}

// AnthropicConfig holds model provider settings.
type AnthropicConfig struct {
	// APIKey is the Anthropic API key. ${VAR} references are expanded.
	APIKey string `mapstructure:"api_key"`
	// Model overrides the default model for every agent.
	Model string `mapstructure:"model"`
	// UseBedrock routes calls through AWS Bedrock instead of the
	// direct API.
	UseBedrock bool `mapstructure:"use_bedrock"`
	// AWSRegion is the Bedrock region, e.g. "us-west-2".
	AWSRegion string `mapstructure:"aws_region"`
	// AWSProfile is the optional AWS shared-config profile.
	AWSProfile string `mapstructure:"aws_profile"`
}

// ReplannerThresholds tunes when each replan trigger fires.
type ReplannerThresholds struct {
	// TimeRatio fires time_exceeded when elapsed/estimated exceeds it.
	TimeRatio float64 `mapstructure:"time_ratio"`
	// IterationRatio fires iterations_high when iteration/max exceeds it.
	IterationRatio float64 `mapstructure:"iteration_ratio"`
	// ScopeCreepFiles fires scope_creep when more than this many modified
	// files fall outside the task's declared set.
	ScopeCreepFiles int `mapstructure:"scope_creep_files"`
	// ConsecutiveFailures fires after more than this many back-to-back
	// failing iterations.
	ConsecutiveFailures int `mapstructure:"consecutive_failures"`
	// ComplexityKeywords are matched against recent errors and agent
	// feedback. Empty keeps the built-in list.
	ComplexityKeywords []string `mapstructure:"complexity_keywords"`
}

// LLMRetryPolicy tunes retry behavior for model calls.
type LLMRetryPolicy struct {
	// MaxAttempts is the total attempts per call, including the first.
	MaxAttempts int `mapstructure:"max_attempts"`
	// InitialBackoffMS is the wait after the first failure.
	InitialBackoffMS int `mapstructure:"initial_backoff_ms"`
	// MaxBackoffMS caps the wait between attempts.
	MaxBackoffMS int `mapstructure:"max_backoff_ms"`
}

// StagesConfig overrides QA stage command lines. Empty fields keep the
// commands detected from the project type.
type StagesConfig struct {
	// Build is the compile/type-check command.
	Build string `mapstructure:"build"`
	// Lint is the lint check command.
	Lint string `mapstructure:"lint"`
	// LintFix is an optional best-effort auto-fix run before the check.
	LintFix string `mapstructure:"lint_fix"`
	// Test runs the whole suite.
	Test string `mapstructure:"test"`
	// TestSelective runs a narrowed suite; "{selector}" is substituted
	// with the task's test selector.
	TestSelective string `mapstructure:"test_selective"`
	// TimeoutMS bounds each stage command. Zero uses the process default.
	TimeoutMS int `mapstructure:"timeout_ms"`
}

// ProcessTimeout returns the default command timeout as a duration.
func (c *Config) ProcessTimeout() time.Duration {
	return time.Duration(c.ProcessDefaultTimeoutMS) * time.Millisecond
}

// StageTimeout returns the per-stage command timeout as a duration.
func (c *Config) StageTimeout() time.Duration {
	return time.Duration(c.Stages.TimeoutMS) * time.Millisecond
}

// Workers returns the effective worker count: the configured value, or
// the CPU count when unset, never less than one.
func (c *Config) Workers() int {
	n := c.MaxConcurrentWorkers
	if n <= 0 {
		n = runtime.NumCPU()
	}
	if n < 1 {
		n = 1
	}
	return n
}

// RoleCaps returns the per-role concurrency caps keyed by agent role.
// Unknown role names were already rejected by Validate.
func (c *Config) RoleCaps() map[models.AgentRole]int {
	if len(c.WorkerRoleCaps) == 0 {
		return nil
	}
	caps := make(map[models.AgentRole]int, len(c.WorkerRoleCaps))
	for name, n := range c.WorkerRoleCaps {
		caps[models.AgentRole(name)] = n
	}
	return caps
}

// Validate checks ranges and enumerated values. It is called by Load;
// call it directly on hand-built configs.
func (c *Config) Validate() error {
	if c.QAMaxIterations < 1 {
		return fmt.Errorf("qa_max_iterations must be at least 1, got %d", c.QAMaxIterations)
	}
	if c.TaskMaxMinutes < 1 {
		return fmt.Errorf("task_max_minutes must be at least 1, got %d", c.TaskMaxMinutes)
	}
	if c.ProcessDefaultTimeoutMS < 1 {
		return fmt.Errorf("process_default_timeout_ms must be positive, got %d", c.ProcessDefaultTimeoutMS)
	}
	if c.MaxConcurrentWorkers < 0 {
		return fmt.Errorf("max_concurrent_workers cannot be negative, got %d", c.MaxConcurrentWorkers)
	}
	for name, cap := range c.WorkerRoleCaps {
		if !models.AgentRole(name).Valid() {
			return fmt.Errorf("worker_role_caps: unknown role %q", name)
		}
		if cap < 1 {
			return fmt.Errorf("worker_role_caps: cap for %s must be at least 1, got %d", name, cap)
		}
	}
	th := c.ReplannerThresholds
	if th.TimeRatio <= 0 {
		return fmt.Errorf("replanner_thresholds.time_ratio must be positive, got %v", th.TimeRatio)
	}
	if th.IterationRatio <= 0 || th.IterationRatio > 1 {
		return fmt.Errorf("replanner_thresholds.iteration_ratio must be in (0, 1], got %v", th.IterationRatio)
	}
	if th.ScopeCreepFiles < 0 {
		return fmt.Errorf("replanner_thresholds.scope_creep_files cannot be negative, got %d", th.ScopeCreepFiles)
	}
	if th.ConsecutiveFailures < 1 {
		return fmt.Errorf("replanner_thresholds.consecutive_failures must be at least 1, got %d", th.ConsecutiveFailures)
	}
	if c.LLMRetryPolicy.MaxAttempts < 1 {
		return fmt.Errorf("llm_retry_policy.max_attempts must be at least 1, got %d", c.LLMRetryPolicy.MaxAttempts)
	}
	return nil
}

// Load loads configuration from XDG paths, project overrides, and
// environment variables.
// Precedence (highest to lowest):
//  1. Environment variables (ANTHROPIC_API_KEY, NEXUS_*)
//  2. Project config (.nexus.yaml in current directory or a parent)
//  3. User config (~/.config/nexus/config.yaml)
//  4. Built-in defaults
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	// User config from the XDG path.
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(getUserConfigDir())

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	// Project config overrides the user config.
	if projectConfig := findProjectConfig(); projectConfig != "" {
		projectViper := viper.New()
		projectViper.SetConfigFile(projectConfig)
		if err := projectViper.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading project config %s: %w", projectConfig, err)
		}
		if err := v.MergeConfigMap(projectViper.AllSettings()); err != nil {
			return nil, fmt.Errorf("merging project config: %w", err)
		}
	}

	// Environment overrides.
	v.SetEnvPrefix("NEXUS")
	v.AutomaticEnv()
	v.BindEnv("anthropic.api_key", "ANTHROPIC_API_KEY")

	return unmarshal(v)
}

// LoadFromPath loads configuration from a specific file, bypassing the
// search paths. Used by tests and the --config flag.
func LoadFromPath(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}

	return unmarshal(v)
}

// unmarshal decodes and validates the merged settings. Unknown keys are
// an error: a typo in a config file should fail loudly, not silently
// fall back to a default.
func unmarshal(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.UnmarshalExact(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.Anthropic.APIKey = os.ExpandEnv(cfg.Anthropic.APIKey)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setDefaults configures the documented default for every knob.
func setDefaults(v *viper.Viper) {
	v.SetDefault("anthropic.api_key", "")
	v.SetDefault("anthropic.model", "")
	v.SetDefault("anthropic.use_bedrock", false)
	v.SetDefault("anthropic.aws_region", "")
	v.SetDefault("anthropic.aws_profile", "")

	v.SetDefault("max_concurrent_workers", 0) // 0 = CPU count
	v.SetDefault("qa_max_iterations", 50)
	v.SetDefault("task_max_minutes", 30)
	v.SetDefault("process_default_timeout_ms", 30_000)
	v.SetDefault("cleanup_on_release", false)

	v.SetDefault("replanner_thresholds.time_ratio", 1.5)
	v.SetDefault("replanner_thresholds.iteration_ratio", 0.4)
	v.SetDefault("replanner_thresholds.scope_creep_files", 3)
	v.SetDefault("replanner_thresholds.consecutive_failures", 5)
	v.SetDefault("replanner_thresholds.complexity_keywords", []string{})

	v.SetDefault("llm_retry_policy.max_attempts", 4)
	v.SetDefault("llm_retry_policy.initial_backoff_ms", 500)
	v.SetDefault("llm_retry_policy.max_backoff_ms", 30_000)

	v.SetDefault("base_branch", "")
	v.SetDefault("worktree_dir", "")

	v.SetDefault("stages.build", "")
	v.SetDefault("stages.lint", "")
	v.SetDefault("stages.lint_fix", "")
	v.SetDefault("stages.test", "")
	v.SetDefault("stages.test_selective", "")
	v.SetDefault("stages.timeout_ms", 0)
}

// Default returns a Config with default values, without touching the
// filesystem or environment.
func Default() *Config {
	return &Config{
		QAMaxIterations:         50,
		TaskMaxMinutes:          30,
		ProcessDefaultTimeoutMS: 30_000,
		ReplannerThresholds: ReplannerThresholds{
			TimeRatio:           1.5,
			IterationRatio:      0.4,
			ScopeCreepFiles:     3,
			ConsecutiveFailures: 5,
		},
		LLMRetryPolicy: LLMRetryPolicy{
			MaxAttempts:      4,
			InitialBackoffMS: 500,
			MaxBackoffMS:     30_000,
		},
	}
}

// GetUserConfigPath returns the path to the user config file.
func GetUserConfigPath() string {
	return filepath.Join(getUserConfigDir(), "config.yaml")
}

// GetProjectConfigPath returns the path to the project config file if it
// exists.
func GetProjectConfigPath() string {
	return findProjectConfig()
}

// getUserConfigDir returns the XDG config directory for Nexus.
func getUserConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "nexus")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "nexus")
	}
	return filepath.Join(home, ".config", "nexus")
}

// findProjectConfig searches for .nexus.yaml in the current directory and
// its parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		configPath := filepath.Join(cwd, ".nexus.yaml")
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(cwd)
		if parent == cwd {
			break
		}
		cwd = parent
	}

	return ""
}

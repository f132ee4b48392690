// Package config handles configuration loading and management for autopilot.
// It supports XDG config paths, project-level overrides, and environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.yaml.in/yaml/v3"

	"github.com/ShayCichocki/autopilot/internal/critics"
	"github.com/ShayCichocki/autopilot/internal/decompose"
	"github.com/ShayCichocki/autopilot/internal/orchestrator/policy"
	"github.com/ShayCichocki/autopilot/internal/router"
	"github.com/ShayCichocki/autopilot/internal/scheduler"
	"github.com/ShayCichocki/autopilot/internal/state"
	"github.com/ShayCichocki/autopilot/internal/telemetry"
)

// ProjectConfigName is the project override file searched for upward from
// the working directory.
const ProjectConfigName = ".autopilot.yaml"

// Config holds all configuration for autopilot.
type Config struct {
	Anthropic  AnthropicConfig  `mapstructure:"anthropic" yaml:"anthropic"`
	Store      StoreConfig      `mapstructure:"store" yaml:"store"`
	Agents     AgentsConfig     `mapstructure:"agents" yaml:"agents"`
	Decomposer DecomposerConfig `mapstructure:"decomposer" yaml:"decomposer"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler" yaml:"scheduler"`
	Router     RouterConfig     `mapstructure:"router" yaml:"router"`
	Critics    CriticsConfig    `mapstructure:"critics" yaml:"critics"`
	Loop       LoopConfig       `mapstructure:"loop" yaml:"loop"`
	Telemetry  telemetry.Config `mapstructure:"telemetry" yaml:"telemetry"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	APIKey     string `mapstructure:"api_key" yaml:"api_key"`
	Model      string `mapstructure:"model" yaml:"model"`
	UseBedrock bool   `mapstructure:"use_bedrock" yaml:"use_bedrock"`
	AWSRegion  string `mapstructure:"aws_region" yaml:"aws_region"`
	AWSProfile string `mapstructure:"aws_profile" yaml:"aws_profile"`
	BaseURL    string `mapstructure:"base_url" yaml:"base_url,omitempty"`
}

// StoreConfig holds task store settings.
type StoreConfig struct {
	// Path is the database file. Empty means .autopilot/state.db in the
	// project root.
	Path string `mapstructure:"path" yaml:"path"`
	// Driver is "sqlite" (pure Go) or "sqlite3" (cgo).
	Driver string `mapstructure:"driver" yaml:"driver"`
}

// AgentsConfig sizes the worker pool.
type AgentsConfig struct {
	Count int `mapstructure:"count" yaml:"count"`
	// Provider pins every agent to one provider. Empty serves any.
	Provider string `mapstructure:"provider" yaml:"provider,omitempty"`
}

// DecomposerConfig holds decomposition limits.
type DecomposerConfig struct {
	MaxDepth      int `mapstructure:"max_depth" yaml:"max_depth"`
	SessionBudget int `mapstructure:"session_budget" yaml:"session_budget"`
	MaxSubtasks   int `mapstructure:"max_subtasks" yaml:"max_subtasks"`
	SubtaskBudget int `mapstructure:"subtask_budget" yaml:"subtask_budget"`
	// Strategy is "llm" (with heuristic fallback) or "heuristic".
	Strategy string `mapstructure:"strategy" yaml:"strategy"`
}

// SchedulerConfig holds admission and signal settings.
type SchedulerConfig struct {
	HeavyTaskLimit      int           `mapstructure:"heavy_task_limit" yaml:"heavy_task_limit"`
	HeavyComplexity     int           `mapstructure:"heavy_complexity" yaml:"heavy_complexity"`
	StuckAfter          time.Duration `mapstructure:"stuck_after" yaml:"stuck_after"`
	ResearchSensitivity float64       `mapstructure:"research_sensitivity" yaml:"research_sensitivity"`
	ResearchKeywords    []string      `mapstructure:"research_keywords" yaml:"research_keywords,omitempty"`
}

// RouterConfig holds provider, account and selection settings. With no
// providers the router uses a single "anthropic" provider whose account
// reads ANTHROPIC_API_KEY.
type RouterConfig struct {
	DefaultBackoff       time.Duration           `mapstructure:"default_backoff" yaml:"default_backoff"`
	MaxCooldownWait      time.Duration           `mapstructure:"max_cooldown_wait" yaml:"max_cooldown_wait"`
	MaxUsageLimitRetries int                     `mapstructure:"max_usage_limit_retries" yaml:"max_usage_limit_retries"`
	UsageWindow          time.Duration           `mapstructure:"usage_window" yaml:"usage_window"`
	MediumPressure       float64                 `mapstructure:"medium_pressure" yaml:"medium_pressure"`
	CriticalPressure     float64                 `mapstructure:"critical_pressure" yaml:"critical_pressure"`
	TokensPerComplexity  int64                   `mapstructure:"tokens_per_complexity" yaml:"tokens_per_complexity"`
	Providers            []router.ProviderConfig `mapstructure:"providers" yaml:"providers,omitempty"`
	Preferences          []router.Preference     `mapstructure:"preferences" yaml:"preferences,omitempty"`
}

// CriticsConfig holds the critic rules, first match wins.
type CriticsConfig struct {
	Rules []critics.Rule `mapstructure:"rules" yaml:"rules,omitempty"`
}

// LoopConfig holds orchestration loop settings.
type LoopConfig struct {
	PollInterval      time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval" yaml:"heartbeat_interval"`
	StuckSweep        string        `mapstructure:"stuck_sweep" yaml:"stuck_sweep"`
	ExitWhenIdle      bool          `mapstructure:"exit_when_idle" yaml:"exit_when_idle"`
	MaxFailures       int           `mapstructure:"max_failures" yaml:"max_failures"`
	ExecutionTimeout  time.Duration `mapstructure:"execution_timeout" yaml:"execution_timeout"`
	StaleAfter        time.Duration `mapstructure:"stale_after" yaml:"stale_after"`
	EventBuffer       int           `mapstructure:"event_buffer" yaml:"event_buffer"`
}

// Load loads configuration from XDG paths, project overrides, and environment variables.
// Precedence (highest to lowest):
// 1. Environment variables (ANTHROPIC_API_KEY, AUTOPILOT_<SECTION>_<KEY>)
// 2. Project config (.autopilot.yaml in current directory or parent)
// 3. User config (~/.config/autopilot/config.yaml)
// 4. Built-in defaults
func Load() (*Config, error) {
	v := newViper()

	// Load user config from XDG path
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(getUserConfigDir())

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	// Load project config if present
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

	return unmarshal(v)
}

// LoadFromPath loads configuration from a specific path (for testing).
// Environment overrides still apply.
func LoadFromPath(path string) (*Config, error) {
	v := newViper()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return unmarshal(v)
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("AUTOPILOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("anthropic.api_key", "AUTOPILOT_ANTHROPIC_API_KEY", "ANTHROPIC_API_KEY")
	return v
}

func unmarshal(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	// Expand ${VAR} references
	cfg.Anthropic.APIKey = expandEnv(cfg.Anthropic.APIKey)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that cannot be clamped to a default.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "", state.DriverModernc, state.DriverCGO:
	default:
		return fmt.Errorf("store.driver %q: want %q or %q", c.Store.Driver, state.DriverModernc, state.DriverCGO)
	}
	switch c.Decomposer.Strategy {
	case "", "llm", "heuristic":
	default:
		return fmt.Errorf("decomposer.strategy %q: want llm or heuristic", c.Decomposer.Strategy)
	}
	if _, err := critics.CompileRules(c.Critics.Rules); err != nil {
		return fmt.Errorf("critics.rules: %w", err)
	}
	if _, err := c.Policy(); err != nil {
		return err
	}
	return nil
}

// SaveTo writes cfg as YAML to path.
func SaveTo(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	return os.WriteFile(path, data, 0600)
}

// Save writes the configuration to the user config file.
func Save(cfg *Config) error {
	return SaveTo(cfg, GetUserConfigPath())
}

// YAML renders the configuration with secrets masked.
func (c *Config) YAML() ([]byte, error) {
	masked := *c
	masked.Anthropic.APIKey = MaskAPIKey(c.Anthropic.APIKey)
	return yaml.Marshal(&masked)
}

// GetUserConfigPath returns the path to the user config file.
func GetUserConfigPath() string {
	return filepath.Join(getUserConfigDir(), "config.yaml")
}

// GetProjectConfigPath returns the path to the project config file if it exists.
func GetProjectConfigPath() string {
	return findProjectConfig()
}

// StorePath resolves the database path for a project root.
func (c *Config) StorePath(projectRoot string) string {
	if c.Store.Path == "" {
		return state.ProjectDBPath(projectRoot)
	}
	if filepath.IsAbs(c.Store.Path) {
		return c.Store.Path
	}
	return filepath.Join(projectRoot, c.Store.Path)
}

// DecomposeConfig returns the decomposer limits.
func (c *Config) DecomposeConfig() decompose.Config {
	return decompose.Config{
		MaxDepth:      c.Decomposer.MaxDepth,
		SessionBudget: c.Decomposer.SessionBudget,
		MaxSubtasks:   c.Decomposer.MaxSubtasks,
		SubtaskBudget: c.Decomposer.SubtaskBudget,
	}
}

// SchedulerConfig returns the scheduler settings.
func (c *Config) SchedulerConfig() scheduler.Config {
	return scheduler.Config{
		HeavyTaskLimit:      c.Scheduler.HeavyTaskLimit,
		HeavyComplexity:     c.Scheduler.HeavyComplexity,
		StuckAfter:          c.Scheduler.StuckAfter,
		ResearchSensitivity: c.Scheduler.ResearchSensitivity,
		ResearchKeywords:    c.Scheduler.ResearchKeywords,
	}
}

// RouterConfig returns the router settings. The heavy threshold is shared
// with the scheduler.
func (c *Config) RouterConfig() router.Config {
	return router.Config{
		Providers:            c.Router.Providers,
		Preferences:          c.Router.Preferences,
		DefaultBackoff:       c.Router.DefaultBackoff,
		MaxCooldownWait:      c.Router.MaxCooldownWait,
		MaxUsageLimitRetries: c.Router.MaxUsageLimitRetries,
		UsageWindow:          c.Router.UsageWindow,
		MediumPressure:       c.Router.MediumPressure,
		CriticalPressure:     c.Router.CriticalPressure,
		HeavyComplexity:      c.Scheduler.HeavyComplexity,
		TokensPerComplexity:  c.Router.TokensPerComplexity,
	}
}

// Policy returns the validated loop policy.
func (c *Config) Policy() (*policy.Config, error) {
	p := &policy.Config{
		Loop: policy.LoopPolicy{
			PollInterval:      c.Loop.PollInterval,
			HeartbeatInterval: c.Loop.HeartbeatInterval,
			StuckSweep:        c.Loop.StuckSweep,
			ExitWhenIdle:      c.Loop.ExitWhenIdle,
		},
		Dispatch: policy.DispatchPolicy{
			MaxFailures:      c.Loop.MaxFailures,
			ExecutionTimeout: c.Loop.ExecutionTimeout,
		},
		Recovery: policy.RecoveryPolicy{StaleAfter: c.Loop.StaleAfter},
		Events:   policy.EventPolicy{BufferSize: c.Loop.EventBuffer},
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// setDefaults configures default values.
func setDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("anthropic.api_key", "")
	v.SetDefault("anthropic.model", d.Anthropic.Model)
	v.SetDefault("anthropic.use_bedrock", false)
	v.SetDefault("anthropic.aws_region", d.Anthropic.AWSRegion)
	v.SetDefault("anthropic.aws_profile", "")
	v.SetDefault("anthropic.base_url", "")

	v.SetDefault("store.path", "")
	v.SetDefault("store.driver", d.Store.Driver)

	v.SetDefault("agents.count", d.Agents.Count)
	v.SetDefault("agents.provider", "")

	v.SetDefault("decomposer.max_depth", d.Decomposer.MaxDepth)
	v.SetDefault("decomposer.session_budget", d.Decomposer.SessionBudget)
	v.SetDefault("decomposer.max_subtasks", d.Decomposer.MaxSubtasks)
	v.SetDefault("decomposer.subtask_budget", d.Decomposer.SubtaskBudget)
	v.SetDefault("decomposer.strategy", d.Decomposer.Strategy)

	v.SetDefault("scheduler.heavy_task_limit", d.Scheduler.HeavyTaskLimit)
	v.SetDefault("scheduler.heavy_complexity", d.Scheduler.HeavyComplexity)
	v.SetDefault("scheduler.stuck_after", d.Scheduler.StuckAfter.String())
	v.SetDefault("scheduler.research_sensitivity", d.Scheduler.ResearchSensitivity)
	v.SetDefault("scheduler.research_keywords", []string{})

	v.SetDefault("router.default_backoff", d.Router.DefaultBackoff.String())
	v.SetDefault("router.max_cooldown_wait", d.Router.MaxCooldownWait.String())
	v.SetDefault("router.max_usage_limit_retries", d.Router.MaxUsageLimitRetries)
	v.SetDefault("router.usage_window", d.Router.UsageWindow.String())
	v.SetDefault("router.medium_pressure", d.Router.MediumPressure)
	v.SetDefault("router.critical_pressure", d.Router.CriticalPressure)
	v.SetDefault("router.tokens_per_complexity", d.Router.TokensPerComplexity)
	v.SetDefault("router.providers", []any{})
	v.SetDefault("router.preferences", []any{})

	v.SetDefault("critics.rules", []any{})

	v.SetDefault("loop.poll_interval", d.Loop.PollInterval.String())
	v.SetDefault("loop.heartbeat_interval", d.Loop.HeartbeatInterval.String())
	v.SetDefault("loop.stuck_sweep", d.Loop.StuckSweep)
	v.SetDefault("loop.exit_when_idle", d.Loop.ExitWhenIdle)
	v.SetDefault("loop.max_failures", d.Loop.MaxFailures)
	v.SetDefault("loop.execution_timeout", d.Loop.ExecutionTimeout.String())
	v.SetDefault("loop.stale_after", d.Loop.StaleAfter.String())
	v.SetDefault("loop.event_buffer", d.Loop.EventBuffer)

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.exporter", d.Telemetry.Exporter)
	v.SetDefault("telemetry.endpoint", "")
	v.SetDefault("telemetry.service_name", d.Telemetry.ServiceName)
	v.SetDefault("telemetry.sample_rate", d.Telemetry.SampleRate)
}

// getUserConfigDir returns the XDG config directory for autopilot.
func getUserConfigDir() string {
	// Check XDG_CONFIG_HOME first
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "autopilot")
	}

	// Fall back to ~/.config/autopilot
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "autopilot")
	}
	return filepath.Join(home, ".config", "autopilot")
}

// findProjectConfig searches for .autopilot.yaml in the current directory and parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		configPath := filepath.Join(cwd, ProjectConfigName)
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

// expandEnv expands ${VAR} references in a string.
func expandEnv(s string) string {
	return os.ExpandEnv(s)
}

// Default returns a Config with default values.
func Default() *Config {
	dec := decompose.DefaultConfig()
	sched := scheduler.DefaultConfig()
	rt := router.DefaultConfig()
	pol := policy.Default()
	return &Config{
		Anthropic: AnthropicConfig{
			Model:     router.ModelSonnet,
			AWSRegion: "us-west-2",
		},
		Store: StoreConfig{
			Driver: state.DriverModernc,
		},
		Agents: AgentsConfig{
			Count: 2,
		},
		Decomposer: DecomposerConfig{
			MaxDepth:      dec.MaxDepth,
			SessionBudget: dec.SessionBudget,
			MaxSubtasks:   dec.MaxSubtasks,
			SubtaskBudget: dec.SubtaskBudget,
			Strategy:      "llm",
		},
		Scheduler: SchedulerConfig{
			HeavyTaskLimit:      sched.HeavyTaskLimit,
			HeavyComplexity:     sched.HeavyComplexity,
			StuckAfter:          sched.StuckAfter,
			ResearchSensitivity: sched.ResearchSensitivity,
		},
		Router: RouterConfig{
			DefaultBackoff:       rt.DefaultBackoff,
			MaxCooldownWait:      rt.MaxCooldownWait,
			MaxUsageLimitRetries: rt.MaxUsageLimitRetries,
			UsageWindow:          rt.UsageWindow,
			MediumPressure:       rt.MediumPressure,
			CriticalPressure:     rt.CriticalPressure,
			TokensPerComplexity:  rt.TokensPerComplexity,
		},
		Loop: LoopConfig{
			PollInterval:      pol.Loop.PollInterval,
			HeartbeatInterval: pol.Loop.HeartbeatInterval,
			StuckSweep:        pol.Loop.StuckSweep,
			ExitWhenIdle:      pol.Loop.ExitWhenIdle,
			MaxFailures:       pol.Dispatch.MaxFailures,
			ExecutionTimeout:  pol.Dispatch.ExecutionTimeout,
			StaleAfter:        pol.Recovery.StaleAfter,
			EventBuffer:       pol.Events.BufferSize,
		},
		Telemetry: telemetry.Config{
			Exporter:    "stdout",
			ServiceName: "autopilot",
			SampleRate:  1.0,
		},
	}
}

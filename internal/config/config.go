// Package config handles configuration loading and management for the agent.
// It supports XDG config paths, project-level overrides, and environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	appName           = "ralph-agent"
	projectConfigName = ".ralph-agent.yaml"
	envPrefix         = "RALPH"
)

// Config holds all configuration for the agent.
type Config struct {
	Coordinator CoordinatorConfig `mapstructure:"coordinator"`
	Polling     PollingConfig     `mapstructure:"polling"`
	Breaker     BreakerConfig     `mapstructure:"breaker"`
	Heartbeat   HeartbeatConfig   `mapstructure:"heartbeat"`
	Workspace   WorkspaceConfig   `mapstructure:"workspace"`
	Executor    ExecutorConfig    `mapstructure:"executor"`
	Shutdown    ShutdownConfig    `mapstructure:"shutdown"`
	State       StateConfig       `mapstructure:"state"`
	Log         LogConfig         `mapstructure:"log"`

	v *viper.Viper
}

// CoordinatorConfig holds coordinator connection settings.
type CoordinatorConfig struct {
	URL               string        `mapstructure:"url"`
	Token             string        `mapstructure:"token"`
	RoutePrefix       string        `mapstructure:"route_prefix"`
	LegacyRoutePrefix string        `mapstructure:"legacy_route_prefix"`
	ClaimWait         time.Duration `mapstructure:"claim_wait"`
	ClaimBuffer       time.Duration `mapstructure:"claim_buffer"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
}

// PollingConfig holds poll loop pacing.
type PollingConfig struct {
	MinRequestInterval   time.Duration `mapstructure:"min_request_interval"`
	NoJobDelay           time.Duration `mapstructure:"no_job_delay"`
	BackoffBase          time.Duration `mapstructure:"backoff_base"`
	BackoffMax           time.Duration `mapstructure:"backoff_max"`
	MaxConsecutiveErrors int           `mapstructure:"max_consecutive_errors"`
}

// BreakerConfig holds failure window settings.
type BreakerConfig struct {
	Window                 time.Duration `mapstructure:"window"`
	AssumedRequestInterval time.Duration `mapstructure:"assumed_request_interval"`
	Threshold              float64       `mapstructure:"threshold"`
}

// HeartbeatConfig holds lease renewal settings.
type HeartbeatConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

// WorkspaceConfig holds worktree isolation settings.
type WorkspaceConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Dir            string        `mapstructure:"dir"`
	BranchPrefix   string        `mapstructure:"branch_prefix"`
	CreateTimeout  time.Duration `mapstructure:"create_timeout"`
	VersionTimeout time.Duration `mapstructure:"version_timeout"`
}

// ExecutorConfig holds job executor settings.
type ExecutorConfig struct {
	Command         string        `mapstructure:"command"`
	Model           string        `mapstructure:"model"`
	AllowedTools    []string      `mapstructure:"allowed_tools"`
	Timeout         time.Duration `mapstructure:"timeout"`
	PlanViaAPI      bool          `mapstructure:"plan_via_api"`
	UseBedrock      bool          `mapstructure:"use_bedrock"`
	AWSRegion       string        `mapstructure:"aws_region"`
	AWSProfile      string        `mapstructure:"aws_profile"`
	AnthropicAPIKey string        `mapstructure:"anthropic_api_key"`
}

// ShutdownConfig holds shutdown settings.
type ShutdownConfig struct {
	Grace time.Duration `mapstructure:"grace"`
}

// StateConfig holds the local state directory.
type StateConfig struct {
	Dir string `mapstructure:"dir"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"`
}

// LoadOptions overrides where configuration is looked up. Zero values use
// the XDG user config dir and the current working directory.
type LoadOptions struct {
	UserConfigDir string
	WorkDir       string
}

// Load loads configuration from XDG paths, project overrides, and environment variables.
// Precedence (highest to lowest):
// 1. Environment variables (RALPH_COORDINATOR_TOKEN, ANTHROPIC_API_KEY, ...)
// 2. Project config (.ralph-agent.yaml in current directory or parent)
// 3. User config (~/.config/ralph-agent/config.yaml)
// 4. Built-in defaults
func Load() (*Config, error) {
	return LoadWith(LoadOptions{})
}

// LoadWith loads configuration using explicit lookup locations.
func LoadWith(opts LoadOptions) (*Config, error) {
	userDir := opts.UserConfigDir
	if userDir == "" {
		userDir = getUserConfigDir()
	}

	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(userDir)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	if projectConfig := findProjectConfig(opts.WorkDir); projectConfig != "" {
		projectViper := viper.New()
		projectViper.SetConfigFile(projectConfig)
		if err := projectViper.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading project config %s: %w", projectConfig, err)
		}
		if err := v.MergeConfigMap(projectViper.AllSettings()); err != nil {
			return nil, fmt.Errorf("merging project config: %w", err)
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("executor.anthropic_api_key", "RALPH_EXECUTOR_ANTHROPIC_API_KEY", "ANTHROPIC_API_KEY")
	_ = v.BindEnv("executor.aws_region", "RALPH_EXECUTOR_AWS_REGION", "AWS_REGION")

	return unmarshal(v)
}

// LoadFromPath loads configuration from a specific file (for testing).
func LoadFromPath(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return unmarshal(v)
}

func unmarshal(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	cfg.v = v

	// Expand ${VAR} references in secrets
	cfg.Coordinator.Token = os.ExpandEnv(cfg.Coordinator.Token)
	cfg.Executor.AnthropicAPIKey = os.ExpandEnv(cfg.Executor.AnthropicAPIKey)

	if cfg.State.Dir == "" {
		cfg.State.Dir = defaultStateDir()
	}
	return cfg, nil
}

// Value returns the effective value of a dotted key, or nil if unknown.
func (c *Config) Value(key string) interface{} {
	if c.v == nil || !isKnownKey(key) {
		return nil
	}
	return c.v.Get(key)
}

// Keys returns every known key, sorted.
func (c *Config) Keys() []string {
	if c.v == nil {
		return nil
	}
	keys := c.v.AllKeys()
	sort.Strings(keys)
	return keys
}

// GetUserConfigPath returns the path to the user config file.
func GetUserConfigPath() string {
	return filepath.Join(getUserConfigDir(), "config.yaml")
}

// GetProjectConfigPath returns the path to the project config file if it exists.
func GetProjectConfigPath() string {
	return findProjectConfig("")
}

// SetUserValue writes one key to the user config file at path, keeping
// the other keys already stored there.
func SetUserValue(path, key string, value interface{}) error {
	if !isKnownKey(key) {
		return fmt.Errorf("unknown config key %q", key)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if _, err := os.Stat(path); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("reading %s: %w", path, err)
		}
	}
	v.Set(key, value)

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	// The user file may hold the coordinator token
	return os.Chmod(path, 0600)
}

// defaults are the built-in values for every key.
var defaults = map[string]interface{}{
	"coordinator.url":                  "",
	"coordinator.token":                "",
	"coordinator.route_prefix":         "/api/v1/agent",
	"coordinator.legacy_route_prefix":  "/api/agent",
	"coordinator.claim_wait":           "30s",
	"coordinator.claim_buffer":         "10s",
	"coordinator.request_timeout":      "15s",
	"polling.min_request_interval":     "1s",
	"polling.no_job_delay":             "1s",
	"polling.backoff_base":             "5s",
	"polling.backoff_max":              "60s",
	"polling.max_consecutive_errors":   10,
	"breaker.window":                   "60s",
	"breaker.assumed_request_interval": "5s",
	"breaker.threshold":                0.5,
	"heartbeat.interval":               "60s",
	"workspace.enabled":                true,
	"workspace.dir":                    ".ralph-worktrees",
	"workspace.branch_prefix":          "ralph",
	"workspace.create_timeout":         "30s",
	"workspace.version_timeout":        "5s",
	"executor.command":                 "claude",
	"executor.model":                   "",
	"executor.allowed_tools":           []string{},
	"executor.timeout":                 "30m",
	"executor.plan_via_api":            false,
	"executor.use_bedrock":             false,
	"executor.aws_region":              "",
	"executor.aws_profile":             "",
	"executor.anthropic_api_key":       "",
	"shutdown.grace":                   "2s",
	"state.dir":                        "",
	"log.level":                        "info",
	"log.file":                         "",
}

// setDefaults configures default values.
func setDefaults(v *viper.Viper) {
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
}

func isKnownKey(key string) bool {
	_, ok := defaults[key]
	return ok
}

// getUserConfigDir returns the XDG config directory for the agent.
func getUserConfigDir() string {
	// Check XDG_CONFIG_HOME first
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, appName)
	}

	// Fall back to ~/.config/ralph-agent
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", appName)
	}
	return filepath.Join(home, ".config", appName)
}

// defaultStateDir returns the XDG data directory for the agent.
func defaultStateDir() string {
	if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
		return filepath.Join(xdgData, appName)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".local", "share", appName)
	}
	return filepath.Join(home, ".local", "share", appName)
}

// findProjectConfig searches for .ralph-agent.yaml in dir and its parents.
// An empty dir starts from the current directory.
func findProjectConfig(dir string) string {
	if dir == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return ""
		}
		dir = cwd
	}

	for {
		configPath := filepath.Join(dir, projectConfigName)
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return ""
}

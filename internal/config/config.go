// Package config handles configuration loading for hive. It supports
// XDG config paths, project-level overrides, and environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for hive.
type Config struct {
	Store    StoreConfig    `mapstructure:"store"`
	Timeouts TimeoutsConfig `mapstructure:"timeouts"`
	Retries  RetriesConfig  `mapstructure:"retries"`
	Agents   AgentsConfig   `mapstructure:"agents"`
	Sandbox  SandboxConfig  `mapstructure:"sandbox"`
	Tasks    TasksConfig    `mapstructure:"tasks"`
}

// StoreConfig holds state store settings.
type StoreConfig struct {
	// Path is the SQLite database location. Empty means the XDG default.
	Path string `mapstructure:"path"`
}

// TimeoutsConfig holds the operation deadlines.
type TimeoutsConfig struct {
	// Function bounds a registry execution with no timeout of its own.
	Function time.Duration `mapstructure:"function"`
	// Request bounds a request/response exchange over the bus.
	Request time.Duration `mapstructure:"request"`
	// SandboxGrace is how long a draining sandbox may keep running.
	SandboxGrace time.Duration `mapstructure:"sandbox_grace"`
	// Heartbeat is the agent status publishing interval.
	Heartbeat time.Duration `mapstructure:"heartbeat"`
}

// RetriesConfig holds the retry and backoff policy.
type RetriesConfig struct {
	// BackoffBase is the first retry delay.
	BackoffBase time.Duration `mapstructure:"backoff_base"`
	// BackoffFactor multiplies the delay each attempt.
	BackoffFactor float64 `mapstructure:"backoff_factor"`
	// BackoffCap bounds the delay growth.
	BackoffCap time.Duration `mapstructure:"backoff_cap"`
	// MaxPublish caps bus publish attempts.
	MaxPublish int `mapstructure:"max_publish"`
	// MaxResource caps re-queues after resource exhaustion.
	MaxResource int `mapstructure:"max_resource"`
	// MaxComm caps re-queues after communication failures.
	MaxComm int `mapstructure:"max_comm"`
}

// AgentsConfig holds agent pool settings.
type AgentsConfig struct {
	// Max is the number of agents the serve command runs.
	Max int `mapstructure:"max"`
	// Kinds lists the executor variants to start, one agent per entry.
	Kinds []string `mapstructure:"kinds"`
}

// SandboxConfig holds sandbox manager settings.
type SandboxConfig struct {
	// Max is the concurrent sandbox ceiling.
	Max int `mapstructure:"max"`
}

// TasksConfig holds task manager settings.
type TasksConfig struct {
	// ComplexityThreshold is the effort estimate above which a task is
	// decomposed into subtasks.
	ComplexityThreshold int `mapstructure:"complexity_threshold"`
	// SpoolDir, when set, is watched for task YAML files to submit.
	SpoolDir string `mapstructure:"spool_dir"`
}

// Load loads configuration with the usual precedence, highest first:
// environment variables (HIVE_ prefix), project config (.hive.yaml in
// the current directory or a parent), user config
// (~/.config/hive/config.yaml), built-in defaults.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(userConfigDir())
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	if projectConfig := findProjectConfig(); projectConfig != "" {
		projectViper := viper.New()
		projectViper.SetConfigFile(projectConfig)
		if err := projectViper.ReadInConfig(); err == nil {
			if err := v.MergeConfigMap(projectViper.AllSettings()); err != nil {
				return nil, fmt.Errorf("merging project config: %w", err)
			}
		}
	}

	v.SetEnvPrefix("HIVE")
	v.AutomaticEnv()
	v.BindEnv("store.path", "HIVE_STORE_PATH")
	v.BindEnv("tasks.spool_dir", "HIVE_SPOOL_DIR")

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	return cfg, nil
}

// LoadFromPath loads configuration from a specific file (for testing).
func LoadFromPath(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	return cfg, nil
}

// UserConfigPath returns the path to the user config file.
func UserConfigPath() string {
	return filepath.Join(userConfigDir(), "config.yaml")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("store.path", "")

	v.SetDefault("timeouts.function", "30s")
	v.SetDefault("timeouts.request", "10s")
	v.SetDefault("timeouts.sandbox_grace", "10s")
	v.SetDefault("timeouts.heartbeat", "30s")

	v.SetDefault("retries.backoff_base", "500ms")
	v.SetDefault("retries.backoff_factor", 2.0)
	v.SetDefault("retries.backoff_cap", "30s")
	v.SetDefault("retries.max_publish", 5)
	v.SetDefault("retries.max_resource", 3)
	v.SetDefault("retries.max_comm", 5)

	v.SetDefault("agents.max", 4)
	v.SetDefault("agents.kinds", []string{"execution", "research", "planning", "analysis"})

	v.SetDefault("sandbox.max", 8)

	v.SetDefault("tasks.complexity_threshold", 5)
	v.SetDefault("tasks.spool_dir", "")
}

// userConfigDir returns the XDG config directory for hive.
func userConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "hive")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "hive")
	}
	return filepath.Join(home, ".config", "hive")
}

// findProjectConfig searches for .hive.yaml in the current directory
// and parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}
	for dir := cwd; ; dir = filepath.Dir(dir) {
		candidate := filepath.Join(dir, ".hive.yaml")
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
		if dir == filepath.Dir(dir) {
			return ""
		}
	}
}

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Config represents the complete Maestro configuration
type Config struct {
	Approval ApprovalConfig `mapstructure:"approval"`
	Recovery RecoveryConfig `mapstructure:"recovery"`
	Agents   AgentConfig    `mapstructure:"agents"`
	Workers  WorkerConfig   `mapstructure:"workers"`
	Merge    MergeConfig    `mapstructure:"merge"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Paths    PathsConfig    `mapstructure:"paths"`
}

// ApprovalConfig controls the advisory approval timeout
type ApprovalConfig struct {
	// SoftTimeoutMinutes marks a pending approval as timed out after
	// this many minutes. The timeout is advisory; it never decides.
	// 0 disables the timer.
	SoftTimeoutMinutes int `mapstructure:"soft_timeout_minutes"`
}

// RecoveryConfig controls restart recovery
type RecoveryConfig struct {
	// AutoRecover runs the one-shot recovery pass on startup (default: true)
	AutoRecover bool `mapstructure:"auto_recover"`
	// AttachTimeoutSeconds bounds each re-attach probe (default: 30)
	AttachTimeoutSeconds int `mapstructure:"attach_timeout_seconds"`
}

// AgentConfig controls agent execution
type AgentConfig struct {
	// MaxConcurrent caps how many agents run at once (default: 8)
	MaxConcurrent int `mapstructure:"max_concurrent"`
}

// WorkerConfig controls the task-graph worker pool
type WorkerConfig struct {
	// Count is the number of worker slots (default: 4)
	Count int `mapstructure:"count"`
	// PollIntervalMs is how often an idle dispatcher re-checks the graph
	PollIntervalMs int `mapstructure:"poll_interval_ms"`
}

// MergeConfig controls git integration of task branches
type MergeConfig struct {
	// RepoDir is the repository the merger operates in (default: ".")
	RepoDir string `mapstructure:"repo_dir"`
	// TargetBranch receives task merges (default: "main")
	TargetBranch string `mapstructure:"target_branch"`
}

// LoggingConfig controls the structured logger
type LoggingConfig struct {
	// Enabled turns file logging on (default: true)
	Enabled bool `mapstructure:"enabled"`
	// Level is the minimum level: debug, info, warn, error (default: "info")
	Level string `mapstructure:"level"`
	// MaxSizeMB rotates the log file past this size (default: 10)
	MaxSizeMB int `mapstructure:"max_size_mb"`
	// MaxBackups is how many rotated files to keep (default: 3)
	MaxBackups int `mapstructure:"max_backups"`
}

// PathsConfig controls where Maestro keeps its state
type PathsConfig struct {
	// StateDir holds snapshots, task-graph state, and logs.
	// Empty means <config dir>/state.
	StateDir string `mapstructure:"state_dir"`
}

// SoftTimeout returns the approval timeout as a duration.
func (c *ApprovalConfig) SoftTimeout() time.Duration {
	return time.Duration(c.SoftTimeoutMinutes) * time.Minute
}

// AttachTimeout returns the re-attach probe timeout as a duration.
func (c *RecoveryConfig) AttachTimeout() time.Duration {
	return time.Duration(c.AttachTimeoutSeconds) * time.Second
}

// PollInterval returns the worker poll interval as a duration.
func (c *WorkerConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

// ResolveStateDir returns the configured state dir, or the default under
// the config dir.
func (p *PathsConfig) ResolveStateDir() string {
	if p.StateDir != "" {
		return p.StateDir
	}
	return filepath.Join(ConfigDir(), "state")
}

// Default returns the default configuration
func Default() *Config {
	return &Config{
		Approval: ApprovalConfig{
			SoftTimeoutMinutes: 30,
		},
		Recovery: RecoveryConfig{
			AutoRecover:          true,
			AttachTimeoutSeconds: 30,
		},
		Agents: AgentConfig{
			MaxConcurrent: 8,
		},
		Workers: WorkerConfig{
			Count:          4,
			PollIntervalMs: 500,
		},
		Merge: MergeConfig{
			RepoDir:      ".",
			TargetBranch: "main",
		},
		Logging: LoggingConfig{
			Enabled:    true,
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
		Paths: PathsConfig{},
	}
}

// SetDefaults registers all defaults with viper
func SetDefaults() {
	defaults := Default()

	viper.SetDefault("approval.soft_timeout_minutes", defaults.Approval.SoftTimeoutMinutes)

	viper.SetDefault("recovery.auto_recover", defaults.Recovery.AutoRecover)
	viper.SetDefault("recovery.attach_timeout_seconds", defaults.Recovery.AttachTimeoutSeconds)

	viper.SetDefault("agents.max_concurrent", defaults.Agents.MaxConcurrent)

	viper.SetDefault("workers.count", defaults.Workers.Count)
	viper.SetDefault("workers.poll_interval_ms", defaults.Workers.PollIntervalMs)

	viper.SetDefault("merge.repo_dir", defaults.Merge.RepoDir)
	viper.SetDefault("merge.target_branch", defaults.Merge.TargetBranch)

	viper.SetDefault("logging.enabled", defaults.Logging.Enabled)
	viper.SetDefault("logging.level", defaults.Logging.Level)
	viper.SetDefault("logging.max_size_mb", defaults.Logging.MaxSizeMB)
	viper.SetDefault("logging.max_backups", defaults.Logging.MaxBackups)

	viper.SetDefault("paths.state_dir", defaults.Paths.StateDir)
}

// Load reads the configuration from viper into a Config struct and
// validates it
func Load() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}

	return &cfg, nil
}

// Get returns the current configuration (convenience function)
func Get() *Config {
	cfg, err := Load()
	if err != nil {
		// Fall back to defaults if unmarshaling fails
		return Default()
	}
	return cfg
}

// Watch re-reads the config file when it changes on disk and hands the
// result to fn. Invalid edits are reported through errFn and otherwise
// ignored; the previous configuration stays in effect.
func Watch(fn func(*Config), errFn func(error)) {
	viper.OnConfigChange(func(fsnotify.Event) {
		cfg, err := Load()
		if err != nil {
			if errFn != nil {
				errFn(err)
			}
			return
		}
		fn(cfg)
	})
	viper.WatchConfig()
}

// ConfigDir returns the path to the user's config directory
func ConfigDir() string {
	// Check XDG_CONFIG_HOME first
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "maestro")
	}
	// Fall back to ~/.config/maestro
	home, err := os.UserHomeDir()
	if err != nil {
		return ".maestro"
	}
	return filepath.Join(home, ".config", "maestro")
}

// ConfigFile returns the path to the config file
func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}

// ValidLogLevels returns the accepted logging.level values
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// IsValidLogLevel checks if the given level is valid
func IsValidLogLevel(level string) bool {
	for _, l := range ValidLogLevels() {
		if strings.EqualFold(level, l) {
			return true
		}
	}
	return false
}

// ValidationErrors aggregates config validation failures
type ValidationErrors []string

func (e ValidationErrors) Error() string {
	return fmt.Sprintf("invalid configuration: %s", strings.Join(e, "; "))
}

// Validate returns a list of problems with the configuration, empty if
// it is usable
func (c *Config) Validate() []string {
	var errs []string

	if c.Approval.SoftTimeoutMinutes < 0 {
		errs = append(errs, "approval.soft_timeout_minutes must not be negative")
	}
	if c.Recovery.AttachTimeoutSeconds <= 0 {
		errs = append(errs, "recovery.attach_timeout_seconds must be positive")
	}
	if c.Agents.MaxConcurrent < 1 {
		errs = append(errs, "agents.max_concurrent must be at least 1")
	}
	if c.Workers.Count < 1 {
		errs = append(errs, "workers.count must be at least 1")
	}
	if c.Workers.PollIntervalMs < 1 {
		errs = append(errs, "workers.poll_interval_ms must be at least 1")
	}
	if c.Merge.TargetBranch == "" {
		errs = append(errs, "merge.target_branch must not be empty")
	}
	if !IsValidLogLevel(c.Logging.Level) {
		errs = append(errs, fmt.Sprintf("logging.level must be one of %s",
			strings.Join(ValidLogLevels(), ", ")))
	}
	if c.Logging.MaxSizeMB < 1 {
		errs = append(errs, "logging.max_size_mb must be at least 1")
	}
	if c.Logging.MaxBackups < 0 {
		errs = append(errs, "logging.max_backups must not be negative")
	}

	return errs
}

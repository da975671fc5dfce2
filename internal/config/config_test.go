package config

import (
	"strings"
	"testing"

	"github.com/spf13/viper"
)

func resetViper(t *testing.T) {
	t.Helper()
	viper.Reset()
	t.Cleanup(viper.Reset)
	SetDefaults()
}

func TestDefaultsAreValid(t *testing.T) {
	if errs := Default().Validate(); len(errs) != 0 {
		t.Errorf("default config invalid: %v", errs)
	}
}

func TestLoadUsesDefaults(t *testing.T) {
	resetViper(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Agents.MaxConcurrent != 8 {
		t.Errorf("agents.max_concurrent = %d, want 8", cfg.Agents.MaxConcurrent)
	}
	if cfg.Approval.SoftTimeoutMinutes != 30 {
		t.Errorf("approval.soft_timeout_minutes = %d, want 30", cfg.Approval.SoftTimeoutMinutes)
	}
	if !cfg.Recovery.AutoRecover {
		t.Error("recovery.auto_recover should default to true")
	}
	if cfg.Merge.TargetBranch != "main" {
		t.Errorf("merge.target_branch = %q, want main", cfg.Merge.TargetBranch)
	}
}

func TestLoadOverrides(t *testing.T) {
	resetViper(t)
	viper.Set("workers.count", 12)
	viper.Set("logging.level", "debug")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Workers.Count != 12 {
		t.Errorf("workers.count = %d, want 12", cfg.Workers.Count)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("logging.level = %q, want debug", cfg.Logging.Level)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	resetViper(t)
	viper.Set("workers.count", 0)
	viper.Set("logging.level", "loud")

	_, err := Load()
	if err == nil {
		t.Fatal("expected validation error")
	}
	msg := err.Error()
	if !strings.Contains(msg, "workers.count") || !strings.Contains(msg, "logging.level") {
		t.Errorf("validation message missing fields: %s", msg)
	}
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Approval.SoftTimeoutMinutes = -1
	cfg.Agents.MaxConcurrent = 0
	cfg.Merge.TargetBranch = ""

	errs := cfg.Validate()
	if len(errs) != 3 {
		t.Errorf("got %d validation errors, want 3: %v", len(errs), errs)
	}
}

func TestDurationHelpers(t *testing.T) {
	cfg := Default()
	if got := cfg.Approval.SoftTimeout().Minutes(); got != 30 {
		t.Errorf("soft timeout = %v minutes, want 30", got)
	}
	if got := cfg.Recovery.AttachTimeout().Seconds(); got != 30 {
		t.Errorf("attach timeout = %v seconds, want 30", got)
	}
}

func TestIsValidLogLevel(t *testing.T) {
	for _, level := range ValidLogLevels() {
		if !IsValidLogLevel(level) {
			t.Errorf("%q should be valid", level)
		}
	}
	if IsValidLogLevel("verbose") {
		t.Error("verbose should not be valid")
	}
}

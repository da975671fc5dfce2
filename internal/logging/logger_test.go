package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// decodeLines parses each JSON log line from the buffer.
func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var entries []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]any
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Fatalf("invalid JSON log line %q: %v", line, err)
		}
		entries = append(entries, entry)
	}
	return entries
}

func TestLoggerAttributePropagation(t *testing.T) {
	var buf bytes.Buffer
	logger := NewTestLogger(&buf)

	child := logger.WithWorkflow("wf-1").WithPhase("implement").WithAgent("a1")
	child.Info("agent started", "attempt", 1)

	entries := decodeLines(t, &buf)
	if len(entries) != 1 {
		t.Fatalf("expected 1 log entry, got %d", len(entries))
	}

	entry := entries[0]
	if entry["workflow_id"] != "wf-1" {
		t.Errorf("workflow_id = %v, want wf-1", entry["workflow_id"])
	}
	if entry["phase_id"] != "implement" {
		t.Errorf("phase_id = %v, want implement", entry["phase_id"])
	}
	if entry["agent_id"] != "a1" {
		t.Errorf("agent_id = %v, want a1", entry["agent_id"])
	}
	if entry["attempt"] != float64(1) {
		t.Errorf("attempt = %v, want 1", entry["attempt"])
	}
	if entry["msg"] != "agent started" {
		t.Errorf("msg = %v, want 'agent started'", entry["msg"])
	}
}

func TestChildLoggerDoesNotMutateParent(t *testing.T) {
	var buf bytes.Buffer
	logger := NewTestLogger(&buf)

	_ = logger.WithComponent("scheduler")
	logger.Info("plain entry")

	entries := decodeLines(t, &buf)
	if len(entries) != 1 {
		t.Fatalf("expected 1 log entry, got %d", len(entries))
	}
	if _, ok := entries[0]["component"]; ok {
		t.Error("parent logger should not carry the child's component attribute")
	}
}

func TestWithOddArguments(t *testing.T) {
	var buf bytes.Buffer
	logger := NewTestLogger(&buf)

	// Non-string key is skipped rather than panicking.
	child := logger.With(42, "value", "worker", "w1")
	child.Info("entry")

	entries := decodeLines(t, &buf)
	if entries[0]["worker"] != "w1" {
		t.Errorf("worker = %v, want w1", entries[0]["worker"])
	}
}

func TestNewLoggerWritesToFile(t *testing.T) {
	dir := t.TempDir()
	logger, err := NewLogger(dir, LevelDebug)
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}

	logger.Info("hello from test")
	if err := logger.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "orchestrator.log"))
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), "hello from test") {
		t.Errorf("log file missing message, got %q", string(data))
	}
}

func TestLevelFiltering(t *testing.T) {
	dir := t.TempDir()
	logger, err := NewLogger(dir, LevelError)
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}

	logger.Debug("debug suppressed")
	logger.Info("info suppressed")
	logger.Error("error kept")
	if err := logger.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, _ := os.ReadFile(filepath.Join(dir, "orchestrator.log"))
	if strings.Contains(string(data), "suppressed") {
		t.Error("messages below ERROR should be filtered")
	}
	if !strings.Contains(string(data), "error kept") {
		t.Error("ERROR message should be present")
	}
}

func TestSetLevelAppliesAtRuntime(t *testing.T) {
	dir := t.TempDir()
	logger, err := NewLogger(dir, LevelError)
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}

	// Children created before the change pick it up too.
	child := logger.WithComponent("registry")
	child.Info("info before change")

	logger.SetLevel(LevelInfo)
	child.Info("info after change")
	if err := logger.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, _ := os.ReadFile(filepath.Join(dir, "orchestrator.log"))
	if strings.Contains(string(data), "info before change") {
		t.Error("INFO message should be filtered before the level change")
	}
	if !strings.Contains(string(data), "info after change") {
		t.Error("INFO message should pass after the level change")
	}
}

func TestNopLogger(t *testing.T) {
	logger := NopLogger()
	// Must not panic and must tolerate Close.
	logger.Info("discarded")
	if err := logger.Close(); err != nil {
		t.Errorf("Close on NopLogger: %v", err)
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"debug", LevelDebug},
		{"INFO", LevelInfo},
		{"Warn", LevelWarn},
		{"ERROR", LevelError},
		{"bogus", LevelInfo},
		{"", LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

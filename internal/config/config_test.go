package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/basket/sandcastle/internal/config"
	"github.com/basket/sandcastle/internal/workspace"
)

func writeConfig(t *testing.T, home, body string) {
	t.Helper()
	if err := os.MkdirAll(home, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(config.ConfigPath(home), []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func TestLoad_FromSandcastleHome(t *testing.T) {
	home := filepath.Join(t.TempDir(), "sc")
	writeConfig(t, home, "max_concurrent_agents: 3\nsandbox:\n  timeout_seconds: 5\n")
	t.Setenv("SANDCASTLE_HOME", home)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.HomeDir != home {
		t.Fatalf("expected home %q got %q", home, cfg.HomeDir)
	}
	if cfg.MaxConcurrentAgents != 3 {
		t.Fatalf("expected max_concurrent_agents=3 got %d", cfg.MaxConcurrentAgents)
	}
	if cfg.SandboxTimeout() != 5*time.Second {
		t.Fatalf("expected 5s sandbox timeout, got %s", cfg.SandboxTimeout())
	}
}

func TestLoad_DefaultsWhenNoConfig(t *testing.T) {
	home := filepath.Join(t.TempDir(), "empty")

	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.MaxConcurrentAgents != 2 {
		t.Fatalf("expected default of 2 slots, got %d", cfg.MaxConcurrentAgents)
	}
	if cfg.WorkspaceRoot != filepath.Join(home, "workspaces") {
		t.Fatalf("unexpected workspace root %q", cfg.WorkspaceRoot)
	}
	if cfg.RunRoot != filepath.Join(home, "runs") {
		t.Fatalf("unexpected run root %q", cfg.RunRoot)
	}
	if cfg.SignalDir != filepath.Join(home, "signals") {
		t.Fatalf("unexpected signal dir %q", cfg.SignalDir)
	}
	if cfg.Retention.SweepSchedule != "@every 1h" {
		t.Fatalf("unexpected sweep schedule %q", cfg.Retention.SweepSchedule)
	}
	if cfg.TrashAfter() != 7*24*time.Hour {
		t.Fatalf("unexpected retention %s", cfg.TrashAfter())
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	home := filepath.Join(t.TempDir(), "env")
	writeConfig(t, home, "max_concurrent_agents: 1\nlog_level: info\n")
	t.Setenv("SANDCASTLE_MAX_CONCURRENT_AGENTS", "6")
	t.Setenv("SANDCASTLE_LOG_LEVEL", "debug")
	t.Setenv("SANDCASTLE_CODE_ROOT", "/srv/tasks")

	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.MaxConcurrentAgents != 6 {
		t.Fatalf("expected env override to 6, got %d", cfg.MaxConcurrentAgents)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("expected debug log level, got %q", cfg.LogLevel)
	}
	if cfg.CodeRoot != "/srv/tasks" {
		t.Fatalf("expected code root override, got %q", cfg.CodeRoot)
	}
}

func TestLoad_NormalizesInvalidValues(t *testing.T) {
	home := filepath.Join(t.TempDir(), "norm")
	writeConfig(t, home, "max_concurrent_agents: -4\nsandbox:\n  timeout_seconds: 0\nretention:\n  trash_after_hours: -1\n")

	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.MaxConcurrentAgents != 2 {
		t.Fatalf("expected fallback to 2 slots, got %d", cfg.MaxConcurrentAgents)
	}
	if cfg.Sandbox.TimeoutSeconds != 60 {
		t.Fatalf("expected default timeout, got %d", cfg.Sandbox.TimeoutSeconds)
	}
	if cfg.Retention.TrashAfterHours != 0 {
		t.Fatalf("expected negative retention clamped to 0, got %d", cfg.Retention.TrashAfterHours)
	}
}

func TestLoad_RejectsOversizedPool(t *testing.T) {
	home := filepath.Join(t.TempDir(), "big")
	writeConfig(t, home, "max_concurrent_agents: 1000\n")

	_, err := config.LoadFrom(home)
	if err == nil || !strings.Contains(err.Error(), "max_concurrent_agents") {
		t.Fatalf("expected max_concurrent_agents validation error, got %v", err)
	}
}

func TestLoad_MergeStrategy(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		want    workspace.Strategy
		wantErr bool
	}{
		{name: "default", body: "log_level: info\n", want: workspace.StrategyOverlayWins},
		{name: "base wins", body: "merge_strategy: Base-Wins\n", want: workspace.StrategyBaseWins},
		{name: "error", body: "merge_strategy: error\n", want: workspace.StrategyError},
		{name: "callback refused", body: "merge_strategy: callback\n", wantErr: true},
		{name: "unknown", body: "merge_strategy: newest\n", wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			home := filepath.Join(t.TempDir(), "merge")
			writeConfig(t, home, tc.body)
			cfg, err := config.LoadFrom(home)
			if tc.wantErr {
				if err == nil || !strings.Contains(err.Error(), "merge_strategy") {
					t.Fatalf("expected merge_strategy error, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("load config: %v", err)
			}
			got, err := cfg.AcceptStrategy()
			if err != nil || got != tc.want {
				t.Fatalf("AcceptStrategy = %q, %v; want %q", got, err, tc.want)
			}
		})
	}
}

func TestLoad_RejectsMalformedYAML(t *testing.T) {
	home := filepath.Join(t.TempDir(), "bad")
	writeConfig(t, home, "max_concurrent_agents: [oops\n")

	if _, err := config.LoadFrom(home); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestFingerprint_ChangesWithSlots(t *testing.T) {
	home := filepath.Join(t.TempDir(), "fp")
	a, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	b := a
	b.MaxConcurrentAgents++
	if a.Fingerprint() == b.Fingerprint() {
		t.Fatalf("expected fingerprint to change with slot count")
	}
	if a.Fingerprint() != a.Fingerprint() {
		t.Fatalf("fingerprint must be stable")
	}
}

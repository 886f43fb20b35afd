package config

import (
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/basket/sandcastle/internal/otel"
	"github.com/basket/sandcastle/internal/workspace"
)

// SandboxConfig bounds a single sandbox run.
type SandboxConfig struct {
	TimeoutSeconds     int    `yaml:"timeout_seconds"`
	MemoryLimitPages   uint32 `yaml:"memory_limit_pages"`
	MaxCapabilityCalls int    `yaml:"max_capability_calls"`
	MaxFileBytes       int    `yaml:"max_file_bytes"`
}

// RetentionConfig controls the sweep that trashes terminal agents.
type RetentionConfig struct {
	// TrashAfterHours is the minimum age (since the terminal transition) before
	// the sweep removes an agent. 0 disables the sweep.
	TrashAfterHours int `yaml:"trash_after_hours"`
	// SweepSchedule is a robfig/cron spec, e.g. "@every 1h" or "0 * * * *".
	SweepSchedule string `yaml:"sweep_schedule"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	MaxConcurrentAgents int    `yaml:"max_concurrent_agents"`
	LogLevel            string `yaml:"log_level"`

	WorkspaceRoot string `yaml:"workspace_root"`
	RunRoot       string `yaml:"run_root"`
	StateRoot     string `yaml:"state_root"`
	SignalDir     string `yaml:"signal_dir"`
	CodeRoot      string `yaml:"code_root"`

	Sandbox   SandboxConfig   `yaml:"sandbox"`
	Retention RetentionConfig `yaml:"retention"`

	// MergeStrategy is how accept resolves paths changed in both the overlay
	// and stable: overlay-wins, base-wins or error.
	MergeStrategy string `yaml:"merge_strategy"`

	// StatsSchedule is the cron spec for the queue stats snapshot.
	StatsSchedule string `yaml:"stats_schedule"`

	// DrainTimeoutSeconds bounds how long serve waits for in-flight agents on shutdown.
	DrainTimeoutSeconds int `yaml:"drain_timeout_seconds"`

	OTel otel.Config `yaml:"otel"`
}

// SandboxTimeout returns the per-run wall clock limit.
func (c Config) SandboxTimeout() time.Duration {
	return time.Duration(c.Sandbox.TimeoutSeconds) * time.Second
}

// TrashAfter returns the retention window for terminal agents.
func (c Config) TrashAfter() time.Duration {
	return time.Duration(c.Retention.TrashAfterHours) * time.Hour
}

// AcceptStrategy parses MergeStrategy. Accept has no interactive resolver,
// so the callback strategy is refused.
func (c Config) AcceptStrategy() (workspace.Strategy, error) {
	st, err := workspace.ParseStrategy(c.MergeStrategy)
	if err != nil {
		return "", fmt.Errorf("merge_strategy: %w", err)
	}
	if st == workspace.StrategyCallback {
		return "", fmt.Errorf("merge_strategy: %q needs a resolver and cannot be used for accept", st)
	}
	return st, nil
}

// DrainTimeout returns the shutdown drain bound.
func (c Config) DrainTimeout() time.Duration {
	return time.Duration(c.DrainTimeoutSeconds) * time.Second
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Fingerprint returns a stable hash of the settings that change scheduling
// behaviour, logged at startup so operators can correlate runs with config.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "slots=%d|timeout=%d|mem=%d|calls=%d|ws=%s|code=%s|trash=%d|merge=%s",
		c.MaxConcurrentAgents, c.Sandbox.TimeoutSeconds, c.Sandbox.MemoryLimitPages,
		c.Sandbox.MaxCapabilityCalls, c.WorkspaceRoot, c.CodeRoot, c.Retention.TrashAfterHours, c.MergeStrategy)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		MaxConcurrentAgents: 2,
		LogLevel:            "info",
		Sandbox: SandboxConfig{
			TimeoutSeconds:     60,
			MemoryLimitPages:   160,
			MaxCapabilityCalls: 10000,
			MaxFileBytes:       1 << 20,
		},
		Retention: RetentionConfig{
			TrashAfterHours: 7 * 24,
			SweepSchedule:   "@every 1h",
		},
		MergeStrategy:       string(workspace.StrategyOverlayWins),
		StatsSchedule:       "@every 30s",
		DrainTimeoutSeconds: 10,
	}
}

// HomeDir resolves the data directory: $SANDCASTLE_HOME or ~/.sandcastle.
func HomeDir() string {
	if override := os.Getenv("SANDCASTLE_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".sandcastle")
}

// Load reads config.yaml from HomeDir, applies env overrides and fills defaults.
// A missing config.yaml is not an error.
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom is Load with an explicit home directory.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create sandcastle home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	def := defaultConfig()
	if cfg.MaxConcurrentAgents <= 0 {
		cfg.MaxConcurrentAgents = def.MaxConcurrentAgents
	}
	if strings.TrimSpace(cfg.LogLevel) == "" {
		cfg.LogLevel = def.LogLevel
	}
	if cfg.WorkspaceRoot == "" {
		cfg.WorkspaceRoot = filepath.Join(cfg.HomeDir, "workspaces")
	}
	if cfg.RunRoot == "" {
		cfg.RunRoot = filepath.Join(cfg.HomeDir, "runs")
	}
	if cfg.StateRoot == "" {
		cfg.StateRoot = cfg.HomeDir
	}
	if cfg.SignalDir == "" {
		cfg.SignalDir = filepath.Join(cfg.HomeDir, "signals")
	}
	if cfg.CodeRoot == "" {
		cfg.CodeRoot = filepath.Join(cfg.HomeDir, "tasks")
	}
	if cfg.Sandbox.TimeoutSeconds <= 0 {
		cfg.Sandbox.TimeoutSeconds = def.Sandbox.TimeoutSeconds
	}
	if cfg.Sandbox.MemoryLimitPages == 0 {
		cfg.Sandbox.MemoryLimitPages = def.Sandbox.MemoryLimitPages
	}
	if cfg.Sandbox.MaxCapabilityCalls <= 0 {
		cfg.Sandbox.MaxCapabilityCalls = def.Sandbox.MaxCapabilityCalls
	}
	if cfg.Sandbox.MaxFileBytes <= 0 {
		cfg.Sandbox.MaxFileBytes = def.Sandbox.MaxFileBytes
	}
	if cfg.Retention.TrashAfterHours < 0 {
		cfg.Retention.TrashAfterHours = 0
	}
	if strings.TrimSpace(cfg.Retention.SweepSchedule) == "" {
		cfg.Retention.SweepSchedule = def.Retention.SweepSchedule
	}
	if strings.TrimSpace(cfg.MergeStrategy) == "" {
		cfg.MergeStrategy = def.MergeStrategy
	}
	if strings.TrimSpace(cfg.StatsSchedule) == "" {
		cfg.StatsSchedule = def.StatsSchedule
	}
	if cfg.DrainTimeoutSeconds <= 0 {
		cfg.DrainTimeoutSeconds = def.DrainTimeoutSeconds
	}
}

// validate rejects settings that would make the orchestrator unsafe to start.
func validate(cfg Config) error {
	if cfg.MaxConcurrentAgents > 256 {
		return fmt.Errorf("max_concurrent_agents (%d) must be <= 256", cfg.MaxConcurrentAgents)
	}
	// wazero pages are 64KiB; 65536 pages is the 4GiB wasm32 ceiling.
	if cfg.Sandbox.MemoryLimitPages > 65536 {
		return fmt.Errorf("sandbox.memory_limit_pages (%d) exceeds the wasm32 limit of 65536", cfg.Sandbox.MemoryLimitPages)
	}
	if _, err := cfg.AcceptStrategy(); err != nil {
		return err
	}
	if filepath.Clean(cfg.WorkspaceRoot) == filepath.Clean(cfg.RunRoot) {
		return fmt.Errorf("workspace_root and run_root must differ (both %q)", cfg.WorkspaceRoot)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("SANDCASTLE_MAX_CONCURRENT_AGENTS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.MaxConcurrentAgents = v
		}
	}
	if raw := os.Getenv("SANDCASTLE_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("SANDCASTLE_CODE_ROOT"); raw != "" {
		cfg.CodeRoot = raw
	}
	if raw := os.Getenv("SANDCASTLE_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Sandbox.TimeoutSeconds = v
		}
	}
	if raw := os.Getenv("SANDCASTLE_OTEL_EXPORTER"); raw != "" {
		cfg.OTel.Enabled = raw != "none"
		cfg.OTel.Exporter = raw
	}
}

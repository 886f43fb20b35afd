// Package doctor runs the checks behind `sandcastle doctor`.
package doctor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/basket/sandcastle/internal/codesource"
	"github.com/basket/sandcastle/internal/config"
	"github.com/basket/sandcastle/internal/sandbox/script"
	"github.com/basket/sandcastle/internal/sandbox/wasm"
	"github.com/basket/sandcastle/internal/signal"
	"github.com/basket/sandcastle/internal/workspace"
)

const (
	StatusPass = "PASS"
	StatusFail = "FAIL"
	StatusWarn = "WARN"
	StatusSkip = "SKIP"
)

// StaleSignalAge is how old an unanswered command file may get before the
// daemon is reported as not consuming signals.
const StaleSignalAge = 30 * time.Second

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Failed reports whether any check failed.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == StatusFail {
			return true
		}
	}
	return false
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkDirectories,
		checkDatabase,
		checkCodeRoot,
		checkRuntimes,
		checkSignals,
	}
	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}
	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: StatusFail, Message: "Configuration not loaded"}
	}
	return CheckResult{
		Name:    "Config",
		Status:  StatusPass,
		Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir),
		Detail:  fmt.Sprintf("fingerprint=%s slots=%d timeout=%s", cfg.Fingerprint(), cfg.MaxConcurrentAgents, cfg.SandboxTimeout()),
	}
}

func checkDirectories(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Directories", Status: StatusSkip, Message: "Config missing"}
	}
	dirs := map[string]string{
		"workspace_root": cfg.WorkspaceRoot,
		"run_root":       cfg.RunRoot,
		"state_root":     cfg.StateRoot,
		"signal_dir":     cfg.SignalDir,
	}
	var problems []string
	for _, name := range []string{"workspace_root", "run_root", "state_root", "signal_dir"} {
		if err := probeWritable(dirs[name]); err != nil {
			problems = append(problems, fmt.Sprintf("%s (%s): %v", name, dirs[name], err))
		}
	}
	if len(problems) > 0 {
		return CheckResult{Name: "Directories", Status: StatusFail, Message: "Unwritable directories", Detail: strings.Join(problems, "; ")}
	}
	return CheckResult{Name: "Directories", Status: StatusPass, Message: "All data directories writable"}
}

func probeWritable(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	testFile := filepath.Join(dir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return err
	}
	return os.Remove(testFile)
}

// checkDatabase opens a scratch workspace next to the real ones so the
// sqlite driver and schema are exercised without touching stable.db.
func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: StatusSkip, Message: "Config missing"}
	}
	path := filepath.Join(cfg.WorkspaceRoot, fmt.Sprintf(".doctor-%d.db", os.Getpid()))
	defer func() { _ = workspace.RemoveDatabase(path) }()

	ws, err := workspace.Open(path, workspace.KindBin)
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Open failed: %v", err)}
	}
	defer ws.Close()
	if err := ws.KVSet(ctx, "doctor", "ok"); err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Write failed: %v", err)}
	}
	if v, err := ws.KVGet(ctx, "doctor"); err != nil || v != "ok" {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Read back failed: %q, %v", v, err)}
	}

	detail := "stable.db not created yet"
	if _, err := os.Stat(workspace.Layout{Root: cfg.WorkspaceRoot}.StablePath()); err == nil {
		detail = "stable.db present"
	}
	return CheckResult{Name: "Database", Status: StatusPass, Message: "sqlite workspace schema valid", Detail: detail}
}

func checkCodeRoot(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Code Root", Status: StatusSkip, Message: "Config missing"}
	}
	info, err := os.Stat(cfg.CodeRoot)
	if err != nil {
		return CheckResult{Name: "Code Root", Status: StatusWarn, Message: fmt.Sprintf("%s is missing", cfg.CodeRoot),
			Detail: "queue references resolve relative to code_root"}
	}
	if !info.IsDir() {
		return CheckResult{Name: "Code Root", Status: StatusFail, Message: fmt.Sprintf("%s is not a directory", cfg.CodeRoot)}
	}
	counts := map[string]int{}
	_ = filepath.WalkDir(cfg.CodeRoot, func(p string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if lang, err := codesource.LanguageFor(p); err == nil {
			counts[lang]++
		}
		return nil
	})
	return CheckResult{
		Name:    "Code Root",
		Status:  StatusPass,
		Message: fmt.Sprintf("%d go and %d wasm programs", counts[codesource.LanguageGo], counts[codesource.LanguageWasm]),
		Detail:  cfg.CodeRoot,
	}
}

// probeWasm is a module exporting an empty run().
var probeWasm = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,
	0x01, 0x04, 0x01, 0x60, 0x00, 0x00,
	0x03, 0x02, 0x01, 0x00,
	0x07, 0x07, 0x01, 0x03, 'r', 'u', 'n', 0x00, 0x00,
	0x0a, 0x04, 0x01, 0x02, 0x00, 0x0b,
}

const probeScript = `package main

import "sandcastle/host"

func Run() error { return host.SubmitResult("probe", nil) }
`

func checkRuntimes(ctx context.Context, _ *config.Config) CheckResult {
	var problems []string
	probes := []struct {
		rt interface {
			Validate(context.Context, codesource.Code) ([]codesource.Diagnostic, error)
		}
		code codesource.Code
	}{
		{script.New(script.Config{}), codesource.Code{Reference: "probe.go", Language: codesource.LanguageGo, Source: []byte(probeScript)}},
		{wasm.New(wasm.Config{}), codesource.Code{Reference: "probe.wasm", Language: codesource.LanguageWasm, Source: probeWasm}},
	}
	for _, p := range probes {
		diags, err := p.rt.Validate(ctx, p.code)
		if err != nil {
			problems = append(problems, fmt.Sprintf("%s: %v", p.code.Language, err))
			continue
		}
		if codesource.HasErrors(diags) {
			problems = append(problems, fmt.Sprintf("%s: %s", p.code.Language, diags[0].Message))
		}
	}
	if len(problems) > 0 {
		return CheckResult{Name: "Runtimes", Status: StatusFail, Message: "Sandbox runtime probe failed", Detail: strings.Join(problems, "; ")}
	}
	return CheckResult{Name: "Runtimes", Status: StatusPass, Message: "go (yaegi) and wasm (wazero) runtimes ready",
		Detail: "script imports: " + strings.Join(script.AllowedImports(), ", ")}
}

func checkSignals(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Signals", Status: StatusSkip, Message: "Config missing"}
	}
	entries, err := os.ReadDir(cfg.SignalDir)
	if err != nil {
		return CheckResult{Name: "Signals", Status: StatusSkip, Message: "Signal directory not created yet"}
	}
	var stale []string
	for _, e := range entries {
		if !strings.HasSuffix(e.Name(), signal.CommandSuffix) {
			continue
		}
		info, err := e.Info()
		if err == nil && time.Since(info.ModTime()) > StaleSignalAge {
			stale = append(stale, e.Name())
		}
	}
	if len(stale) > 0 {
		return CheckResult{Name: "Signals", Status: StatusWarn,
			Message: fmt.Sprintf("%d unanswered command file(s); is `sandcastle serve` running?", len(stale)),
			Detail:  strings.Join(stale, ", ")}
	}
	return CheckResult{Name: "Signals", Status: StatusPass, Message: "No unanswered command files"}
}

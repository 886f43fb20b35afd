// Package wasm runs WebAssembly modules on wazero. A module exports "run"
// (no params, no results) and may import capabilities from the "host"
// module; strings cross the boundary as (ptr, len) pairs in guest memory.
// Host functions that return data call the guest's "alloc" export and hand
// back ptr<<32|len, or 0 when there is nothing to return.
package wasm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/sys"

	"github.com/basket/sandcastle/internal/codesource"
	"github.com/basket/sandcastle/internal/sandbox"
)

// HostModule is the import module name for capabilities.
const HostModule = "host"

// EntryPoint is the export every module must provide.
const EntryPoint = "run"

type Config struct {
	Logger *slog.Logger
}

// Runtime compiles and runs each module in its own wazero runtime so the
// memory limit of the request applies per run.
type Runtime struct {
	logger *slog.Logger
}

func New(cfg Config) *Runtime {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Runtime{logger: cfg.Logger}
}

type runKey struct{}

// run is the per-call state host functions fetch from the context.
type run struct {
	caps   sandbox.Capabilities
	inputs map[string]string
	logger *slog.Logger
}

func runFrom(ctx context.Context) *run {
	r, _ := ctx.Value(runKey{}).(*run)
	return r
}

// hostFunctions is the import surface; Validate rejects anything else.
var hostFunctions = map[string]any{
	"log":            hostLog,
	"input":          hostInput,
	"read_file":      hostReadFile,
	"write_file":     hostWriteFile,
	"list_dir":       hostListDir,
	"file_exists":    hostFileExists,
	"search_files":   hostSearchFiles,
	"search_content": hostSearchContent,
	"submit_result":  hostSubmitResult,
}

func newWazero(ctx context.Context, memPages uint32) (wazero.Runtime, error) {
	cfg := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(memPages).
		WithCloseOnContextDone(true)
	rt := wazero.NewRuntimeWithConfig(ctx, cfg)

	builder := rt.NewHostModuleBuilder(HostModule)
	names := make([]string, 0, len(hostFunctions))
	for name := range hostFunctions {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		builder.NewFunctionBuilder().WithFunc(hostFunctions[name]).Export(name)
	}
	if _, err := builder.Instantiate(ctx); err != nil {
		_ = rt.Close(ctx)
		return nil, fmt.Errorf("instantiate host module: %w", err)
	}
	return rt, nil
}

// Validate compiles the module and checks its imports and entry point.
func (r *Runtime) Validate(ctx context.Context, code codesource.Code) ([]codesource.Diagnostic, error) {
	rt := wazero.NewRuntime(ctx)
	defer rt.Close(ctx)
	compiled, err := rt.CompileModule(ctx, code.Source)
	if err != nil {
		return []codesource.Diagnostic{{Severity: "error", Message: fmt.Sprintf("compile: %v", err)}}, nil
	}
	defer compiled.Close(ctx)
	return inspect(compiled), nil
}

func inspect(compiled wazero.CompiledModule) []codesource.Diagnostic {
	var diags []codesource.Diagnostic
	for _, def := range compiled.ImportedFunctions() {
		mod, name, _ := def.Import()
		if mod != HostModule {
			diags = append(diags, codesource.Diagnostic{Severity: "error", Message: fmt.Sprintf("import from module %q is not allowed", mod)})
			continue
		}
		if _, ok := hostFunctions[name]; !ok {
			diags = append(diags, codesource.Diagnostic{Severity: "error", Message: fmt.Sprintf("unknown host function %q", name)})
		}
	}
	fn, ok := compiled.ExportedFunctions()[EntryPoint]
	switch {
	case !ok:
		diags = append(diags, codesource.Diagnostic{Severity: "error", Message: fmt.Sprintf("missing %q export", EntryPoint)})
	case len(fn.ParamTypes()) != 0:
		diags = append(diags, codesource.Diagnostic{Severity: "error", Message: fmt.Sprintf("%q must take no parameters", EntryPoint)})
	}
	if _, ok := compiled.ExportedFunctions()["alloc"]; !ok {
		diags = append(diags, codesource.Diagnostic{Severity: "warning", Message: "no alloc export: host functions cannot return data"})
	}
	return diags
}

// Run instantiates the module under the request's limits and calls run.
func (r *Runtime) Run(ctx context.Context, code codesource.Code, req sandbox.RunRequest) (sandbox.Result, error) {
	limits := req.Limits.WithDefaults()
	guard := sandbox.NewGuard(req.Capabilities, limits)
	defer guard.Close()

	runCtx, cancel := context.WithTimeout(ctx, limits.WallClock)
	defer cancel()

	rt, err := newWazero(runCtx, limits.MemoryLimitPages)
	if err != nil {
		return sandbox.Result{}, err
	}
	defer rt.Close(context.Background())

	compiled, err := rt.CompileModule(runCtx, code.Source)
	if err != nil {
		// A declared memory above the limit is rejected at compile time.
		if strings.Contains(err.Error(), "memory") {
			return sandbox.Result{}, &sandbox.Fault{Reason: sandbox.ReasonLimitExceeded, Limit: sandbox.LimitMemory, Detail: err.Error()}
		}
		return sandbox.Result{}, &sandbox.Fault{Reason: sandbox.ReasonValidation, Detail: fmt.Sprintf("compile: %v", err)}
	}
	if diags := inspect(compiled); codesource.HasErrors(diags) {
		return sandbox.Result{}, &sandbox.Fault{Reason: sandbox.ReasonValidation, Detail: diags[0].Message}
	}

	out := req.TranscriptOrDiscard()
	start := time.Now()
	mod, err := rt.InstantiateModule(runCtx, compiled, wazero.NewModuleConfig().
		WithName(moduleName(code.Reference)).
		WithStdout(out).
		WithStderr(out).
		WithStartFunctions())
	if err != nil {
		return sandbox.Result{Duration: time.Since(start)}, classifyFault(ctx, runCtx, limits, err)
	}
	defer mod.Close(context.Background())

	callCtx := context.WithValue(runCtx, runKey{}, &run{caps: guard, inputs: req.Inputs, logger: r.logger})
	results, err := mod.ExportedFunction(EntryPoint).Call(callCtx)
	guard.Close()
	res := sandbox.Result{Duration: time.Since(start), CapabilityCalls: guard.Calls()}
	if f := guard.Fault(); f != nil {
		return res, f
	}
	if err != nil {
		return res, classifyFault(ctx, runCtx, limits, err)
	}
	if len(results) > 0 {
		res.Value = fmt.Sprint(int32(results[0]))
	}
	r.logger.Debug("wasm run finished", "reference", code.Reference, "duration", res.Duration, "calls", res.CapabilityCalls)
	return res, nil
}

// classifyFault maps a wazero error onto a sandbox fault. parent is the
// caller's context; runCtx carries the wall clock deadline.
func classifyFault(parent, runCtx context.Context, limits sandbox.Limits, err error) *sandbox.Fault {
	if parent.Err() != nil {
		return &sandbox.Fault{Reason: sandbox.ReasonExecution, Detail: "run canceled"}
	}
	wallClock := &sandbox.Fault{Reason: sandbox.ReasonLimitExceeded, Limit: sandbox.LimitWallClock,
		Detail: fmt.Sprintf("exceeded %s", limits.WallClock)}
	if errors.Is(err, context.DeadlineExceeded) {
		return wallClock
	}
	// wazero raises sys.ExitError on context-driven termination.
	var exitErr *sys.ExitError
	if errors.As(err, &exitErr) {
		switch exitErr.ExitCode() {
		case sys.ExitCodeDeadlineExceeded:
			return wallClock
		case sys.ExitCodeContextCanceled:
			if runCtx.Err() != nil {
				return wallClock
			}
			return &sandbox.Fault{Reason: sandbox.ReasonExecution, Detail: "run canceled"}
		}
		return &sandbox.Fault{Reason: sandbox.ReasonExecution, Detail: fmt.Sprintf("module exited with code %d", exitErr.ExitCode())}
	}
	msg := err.Error()
	if strings.Contains(msg, "memory") {
		return &sandbox.Fault{Reason: sandbox.ReasonLimitExceeded, Limit: sandbox.LimitMemory, Detail: msg}
	}
	return &sandbox.Fault{Reason: sandbox.ReasonExecution, Detail: msg}
}

func moduleName(ref string) string {
	base := ref
	if idx := strings.LastIndexAny(base, "/\\"); idx >= 0 {
		base = base[idx+1:]
	}
	base = strings.TrimSuffix(base, ".wasm")
	if base == "" {
		return "task"
	}
	return base
}

// readString reads a string from guest linear memory.
func readString(m api.Module, ptr, length uint32) (string, bool) {
	if length == 0 {
		return "", true
	}
	mem := m.Memory()
	if mem == nil {
		return "", false
	}
	data, ok := mem.Read(ptr, length)
	if !ok {
		return "", false
	}
	return string(data), true
}

// writeBytes copies data into guest memory through the alloc export.
func writeBytes(ctx context.Context, m api.Module, data []byte) uint64 {
	if len(data) == 0 {
		return 0
	}
	alloc := m.ExportedFunction("alloc")
	if alloc == nil || m.Memory() == nil {
		return 0
	}
	results, err := alloc.Call(ctx, uint64(len(data)))
	if err != nil || len(results) == 0 {
		return 0
	}
	ptr := uint32(results[0])
	if !m.Memory().Write(ptr, data) {
		return 0
	}
	return uint64(ptr)<<32 | uint64(len(data))
}

func hostLog(ctx context.Context, m api.Module, ptr, length uint32) {
	r := runFrom(ctx)
	if r == nil {
		return
	}
	msg, ok := readString(m, ptr, length)
	if !ok {
		r.logger.Warn("host.log: failed to read message from wasm memory")
		return
	}
	r.caps.Log(ctx, msg)
}

func hostInput(ctx context.Context, m api.Module, ptr, length uint32) uint64 {
	r := runFrom(ctx)
	name, ok := readString(m, ptr, length)
	if r == nil || !ok {
		return 0
	}
	return writeBytes(ctx, m, []byte(r.inputs[name]))
}

func hostReadFile(ctx context.Context, m api.Module, ptr, length uint32) uint64 {
	r := runFrom(ctx)
	p, ok := readString(m, ptr, length)
	if r == nil || !ok {
		return 0
	}
	data, err := r.caps.ReadFile(ctx, p)
	if err != nil {
		r.logger.Debug("host.read_file failed", "path", p, "error", err)
		return 0
	}
	return writeBytes(ctx, m, data)
}

func hostWriteFile(ctx context.Context, m api.Module, pathPtr, pathLen, dataPtr, dataLen uint32) uint32 {
	r := runFrom(ctx)
	p, ok := readString(m, pathPtr, pathLen)
	if r == nil || !ok {
		return 0
	}
	data, ok := readString(m, dataPtr, dataLen)
	if !ok {
		return 0
	}
	if err := r.caps.WriteFile(ctx, p, []byte(data)); err != nil {
		r.logger.Debug("host.write_file failed", "path", p, "error", err)
		return 0
	}
	return 1
}

func hostListDir(ctx context.Context, m api.Module, ptr, length uint32) uint64 {
	r := runFrom(ctx)
	dir, ok := readString(m, ptr, length)
	if r == nil || !ok {
		return 0
	}
	names, err := r.caps.ListDir(ctx, dir)
	if err != nil {
		return 0
	}
	return writeBytes(ctx, m, []byte(strings.Join(names, "\n")))
}

func hostFileExists(ctx context.Context, m api.Module, ptr, length uint32) uint32 {
	r := runFrom(ctx)
	p, ok := readString(m, ptr, length)
	if r == nil || !ok {
		return 0
	}
	exists, err := r.caps.FileExists(ctx, p)
	if err != nil || !exists {
		return 0
	}
	return 1
}

func hostSearchFiles(ctx context.Context, m api.Module, ptr, length uint32) uint64 {
	r := runFrom(ctx)
	pattern, ok := readString(m, ptr, length)
	if r == nil || !ok {
		return 0
	}
	paths, err := r.caps.SearchFiles(ctx, pattern)
	if err != nil {
		return 0
	}
	return writeBytes(ctx, m, []byte(strings.Join(paths, "\n")))
}

func hostSearchContent(ctx context.Context, m api.Module, ptr, length uint32) uint64 {
	r := runFrom(ctx)
	query, ok := readString(m, ptr, length)
	if r == nil || !ok {
		return 0
	}
	matches, err := r.caps.SearchContent(ctx, query)
	if err != nil {
		return 0
	}
	raw, err := json.Marshal(matches)
	if err != nil {
		return 0
	}
	return writeBytes(ctx, m, raw)
}

// hostSubmitResult takes the summary and a newline-separated file list.
func hostSubmitResult(ctx context.Context, m api.Module, sumPtr, sumLen, filesPtr, filesLen uint32) uint32 {
	r := runFrom(ctx)
	summary, ok := readString(m, sumPtr, sumLen)
	if r == nil || !ok {
		return 0
	}
	files, ok := readString(m, filesPtr, filesLen)
	if !ok {
		return 0
	}
	var changed []string
	for _, f := range strings.Split(files, "\n") {
		if f = strings.TrimSpace(f); f != "" {
			changed = append(changed, f)
		}
	}
	if err := r.caps.SubmitResult(ctx, summary, changed); err != nil {
		r.logger.Warn("host.submit_result failed", "error", err)
		return 0
	}
	return 1
}

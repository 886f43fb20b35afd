// Package script runs Go source through the yaegi interpreter. Programs are
// package main, import only an allowlisted slice of the standard library plus
// "sandcastle/host", and define:
//
//	func Run() error
package script

import (
	"context"
	"errors"
	"fmt"
	"go/ast"
	"go/parser"
	"go/scanner"
	"go/token"
	"log/slog"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"

	"github.com/basket/sandcastle/internal/codesource"
	"github.com/basket/sandcastle/internal/sandbox"
)

// HostImport is the import path guest programs use for capabilities.
const HostImport = "sandcastle/host"

// allowedPackages excludes everything that reaches the filesystem, network,
// processes or unsafe memory.
var allowedPackages = map[string]bool{
	"bytes":           true,
	"encoding/base64": true,
	"encoding/json":   true,
	"errors":          true,
	"fmt":             true,
	"math":            true,
	"path":            true,
	"regexp":          true,
	"sort":            true,
	"strconv":         true,
	"strings":         true,
	"time":            true,
	"unicode":         true,
	"unicode/utf8":    true,
}

// withheldSymbols start guest code on goroutines the interpreter cannot
// recover, so a guest panic there would take down the host.
var withheldSymbols = map[string][]string{
	"time": {"AfterFunc"},
}

type Config struct {
	Logger *slog.Logger
}

// Runtime is the Go-script sandbox. It holds no per-run state; every Run
// gets a fresh interpreter.
type Runtime struct {
	logger  *slog.Logger
	symbols interp.Exports
}

func New(cfg Config) *Runtime {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Runtime{logger: cfg.Logger, symbols: allowedSymbols()}
}

func allowedSymbols() interp.Exports {
	out := interp.Exports{}
	for key, syms := range stdlib.Symbols {
		// Keys are "importpath/pkgname".
		idx := strings.LastIndex(key, "/")
		if idx < 0 {
			continue
		}
		pkg := key[:idx]
		if !allowedPackages[pkg] {
			continue
		}
		if withheld := withheldSymbols[pkg]; len(withheld) > 0 {
			kept := make(map[string]reflect.Value, len(syms))
			for name, v := range syms {
				kept[name] = v
			}
			for _, name := range withheld {
				delete(kept, name)
			}
			syms = kept
		}
		out[key] = syms
	}
	return out
}

// AllowedImports lists importable packages, sorted.
func AllowedImports() []string {
	out := []string{HostImport}
	for pkg := range allowedPackages {
		out = append(out, pkg)
	}
	sort.Strings(out)
	return out
}

// Validate parses the program and checks its package, imports and entry point.
func (r *Runtime) Validate(_ context.Context, code codesource.Code) ([]codesource.Diagnostic, error) {
	return check(code.Source), nil
}

func check(src []byte) []codesource.Diagnostic {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, "task.go", src, parser.AllErrors)
	if err != nil {
		return parseDiagnostics(err)
	}
	var diags []codesource.Diagnostic
	if file.Name.Name != "main" {
		diags = append(diags, codesource.Diagnostic{Severity: "error", Message: fmt.Sprintf("package must be main, got %s", file.Name.Name), Line: fset.Position(file.Name.Pos()).Line})
	}
	for _, imp := range file.Imports {
		p, _ := strconv.Unquote(imp.Path.Value)
		if p != HostImport && !allowedPackages[p] {
			diags = append(diags, codesource.Diagnostic{Severity: "error", Message: fmt.Sprintf("import %q is not allowed", p), Line: fset.Position(imp.Pos()).Line})
		}
	}
	ast.Inspect(file, func(n ast.Node) bool {
		if g, ok := n.(*ast.GoStmt); ok {
			diags = append(diags, codesource.Diagnostic{Severity: "error", Message: "go statements are not allowed", Line: fset.Position(g.Pos()).Line})
		}
		return true
	})
	if !hasRun(file) {
		diags = append(diags, codesource.Diagnostic{Severity: "error", Message: "missing func Run() error"})
	}
	return diags
}

func parseDiagnostics(err error) []codesource.Diagnostic {
	var list scanner.ErrorList
	if errors.As(err, &list) && len(list) > 0 {
		diags := make([]codesource.Diagnostic, 0, len(list))
		for _, e := range list {
			diags = append(diags, codesource.Diagnostic{Severity: "error", Message: e.Msg, Line: e.Pos.Line})
		}
		return diags
	}
	return []codesource.Diagnostic{{Severity: "error", Message: err.Error()}}
}

// Run interprets the program under the request's limits.
func (r *Runtime) Run(ctx context.Context, code codesource.Code, req sandbox.RunRequest) (sandbox.Result, error) {
	if diags := check(code.Source); codesource.HasErrors(diags) {
		return sandbox.Result{}, &sandbox.Fault{Reason: sandbox.ReasonValidation, Detail: diags[0].Message}
	}
	limits := req.Limits.WithDefaults()
	guard := sandbox.NewGuard(req.Capabilities, limits)
	defer guard.Close()

	runCtx, cancel := context.WithTimeout(ctx, limits.WallClock)
	defer cancel()

	out := req.TranscriptOrDiscard()
	i := interp.New(interp.Options{Stdout: out, Stderr: out})
	if err := i.Use(r.symbols); err != nil {
		return sandbox.Result{}, fmt.Errorf("load stdlib symbols: %w", err)
	}
	if err := i.Use(hostExports(runCtx, guard, req.Inputs)); err != nil {
		return sandbox.Result{}, fmt.Errorf("load host symbols: %w", err)
	}

	start := time.Now()
	done := make(chan error, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- &sandbox.Fault{Reason: sandbox.ReasonExecution, Detail: fmt.Sprintf("panic: %v", p)}
			}
		}()
		done <- evalRun(runCtx, i, string(code.Source))
	}()

	var runErr error
	select {
	case runErr = <-done:
	case <-runCtx.Done():
		runErr = runCtx.Err()
	}
	// Close before classifying so a still-running guest cannot reach the overlay.
	guard.Close()
	res := sandbox.Result{Duration: time.Since(start), CapabilityCalls: guard.Calls()}

	if f := guard.Fault(); f != nil {
		return res, f
	}
	if runCtx.Err() != nil {
		if ctx.Err() != nil {
			return res, &sandbox.Fault{Reason: sandbox.ReasonExecution, Detail: "run canceled"}
		}
		return res, &sandbox.Fault{Reason: sandbox.ReasonLimitExceeded, Limit: sandbox.LimitWallClock,
			Detail: fmt.Sprintf("exceeded %s", limits.WallClock)}
	}
	if runErr != nil {
		if f, ok := sandbox.AsFault(runErr); ok {
			return res, f
		}
		return res, &sandbox.Fault{Reason: sandbox.ReasonExecution, Detail: runErr.Error()}
	}
	r.logger.Debug("script run finished", "reference", code.Reference, "duration", res.Duration, "calls", res.CapabilityCalls)
	return res, nil
}

func evalRun(ctx context.Context, i *interp.Interpreter, src string) error {
	if _, err := i.EvalWithContext(ctx, src); err != nil {
		return fmt.Errorf("evaluate program: %w", err)
	}
	v, err := i.EvalWithContext(ctx, "main.Run()")
	if err != nil {
		return err
	}
	if v.IsValid() && v.CanInterface() {
		if e, ok := v.Interface().(error); ok && e != nil {
			return e
		}
	}
	return nil
}

// hostExports binds the capability surface for one run.
func hostExports(ctx context.Context, caps sandbox.Capabilities, inputs map[string]string) interp.Exports {
	in := make(map[string]string, len(inputs))
	for k, v := range inputs {
		in[k] = v
	}
	return interp.Exports{
		HostImport + "/host": {
			"Match": reflect.ValueOf((*sandbox.Match)(nil)),
			"Input": reflect.ValueOf(func(name string) string { return in[name] }),
			"ReadFile": reflect.ValueOf(func(p string) (string, error) {
				data, err := caps.ReadFile(ctx, p)
				return string(data), err
			}),
			"WriteFile": reflect.ValueOf(func(p, content string) error {
				return caps.WriteFile(ctx, p, []byte(content))
			}),
			"ListDir": reflect.ValueOf(func(dir string) ([]string, error) {
				return caps.ListDir(ctx, dir)
			}),
			"FileExists": reflect.ValueOf(func(p string) (bool, error) {
				return caps.FileExists(ctx, p)
			}),
			"SearchFiles": reflect.ValueOf(func(pattern string) ([]string, error) {
				return caps.SearchFiles(ctx, pattern)
			}),
			"SearchContent": reflect.ValueOf(func(query string) ([]sandbox.Match, error) {
				return caps.SearchContent(ctx, query)
			}),
			"SubmitResult": reflect.ValueOf(func(summary string, changed []string) error {
				return caps.SubmitResult(ctx, summary, changed)
			}),
			"Log": reflect.ValueOf(func(msg string) { caps.Log(ctx, msg) }),
		},
	}
}

func hasRun(file *ast.File) bool {
	for _, decl := range file.Decls {
		fn, ok := decl.(*ast.FuncDecl)
		if !ok || fn.Recv != nil || fn.Name.Name != "Run" {
			continue
		}
		if fn.Type.Params.NumFields() != 0 || fn.Type.Results.NumFields() != 1 {
			return false
		}
		id, ok := fn.Type.Results.List[0].Type.(*ast.Ident)
		return ok && id.Name == "error"
	}
	return false
}

// Package codesource resolves opaque references into runnable code.
package codesource

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// Languages understood by the sandbox router.
const (
	LanguageGo   = "go"
	LanguageWasm = "wasm"
)

var (
	// ErrNotFound is returned when a reference names nothing.
	ErrNotFound = errors.New("codesource: reference not found")
	// ErrUnsupported is returned for references whose language is unknown.
	ErrUnsupported = errors.New("codesource: unsupported language")
)

// Code is a resolved program.
type Code struct {
	Reference string
	Language  string
	Source    []byte
	// Origin describes where the code came from, for logs.
	Origin string
}

// Ext is the file extension task files are written with.
func (c Code) Ext() string {
	if c.Language == LanguageGo {
		return "go"
	}
	return c.Language
}

// FetchContext carries what a source may want to know about the run.
type FetchContext struct {
	AgentID  string
	Priority string
}

// Diagnostic is a single pre-flight finding.
type Diagnostic struct {
	Severity string `json:"severity"` // error or warning
	Message  string `json:"message"`
	Line     int    `json:"line,omitempty"`
}

// HasErrors reports whether any diagnostic is an error.
func HasErrors(diags []Diagnostic) bool {
	for _, d := range diags {
		if d.Severity == "error" {
			return true
		}
	}
	return false
}

// Source is the only sourcing surface the orchestrator depends on.
type Source interface {
	Fetch(ctx context.Context, ref string, fc FetchContext) (Code, error)
	Validate(ctx context.Context, code Code) ([]Diagnostic, error)
}

// LanguageFor maps a reference's extension to a language.
func LanguageFor(ref string) (string, error) {
	switch strings.ToLower(filepath.Ext(ref)) {
	case ".go":
		return LanguageGo, nil
	case ".wasm":
		return LanguageWasm, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupported, ref)
}

// basicDiagnostics are the checks every source applies.
func basicDiagnostics(code Code) []Diagnostic {
	var diags []Diagnostic
	if len(code.Source) == 0 {
		diags = append(diags, Diagnostic{Severity: "error", Message: "code is empty"})
	}
	if code.Language != LanguageGo && code.Language != LanguageWasm {
		diags = append(diags, Diagnostic{Severity: "error", Message: fmt.Sprintf("unsupported language %q", code.Language)})
	}
	return diags
}

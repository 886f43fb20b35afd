package sandbox

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/basket/sandcastle/internal/codesource"
)

// Router dispatches to a Runtime by code language.
type Router struct {
	mu       sync.RWMutex
	runtimes map[string]Runtime
}

func NewRouter() *Router {
	return &Router{runtimes: make(map[string]Runtime)}
}

// Register binds lang to rt, replacing any previous binding.
func (r *Router) Register(lang string, rt Runtime) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runtimes[lang] = rt
}

// Languages lists registered languages, sorted.
func (r *Router) Languages() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.runtimes))
	for lang := range r.runtimes {
		out = append(out, lang)
	}
	sort.Strings(out)
	return out
}

func (r *Router) lookup(lang string) (Runtime, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rt, ok := r.runtimes[lang]
	return rt, ok
}

func (r *Router) Validate(ctx context.Context, code codesource.Code) ([]codesource.Diagnostic, error) {
	rt, ok := r.lookup(code.Language)
	if !ok {
		return []codesource.Diagnostic{{Severity: "error", Message: fmt.Sprintf("no runtime for language %q", code.Language)}}, nil
	}
	return rt.Validate(ctx, code)
}

func (r *Router) Run(ctx context.Context, code codesource.Code, req RunRequest) (Result, error) {
	rt, ok := r.lookup(code.Language)
	if !ok {
		return Result{}, &Fault{Reason: ReasonValidation, Detail: fmt.Sprintf("no runtime for language %q", code.Language)}
	}
	return rt.Run(ctx, code, req)
}

package sandbox

import (
	"context"
	"fmt"
	"sync"
)

// Guard meters a Capabilities value for one run: it enforces the call budget
// and file size limit, and refuses every call once the run is closed.
type Guard struct {
	inner  Capabilities
	limits Limits

	mu     sync.Mutex
	calls  int
	closed bool
	fault  *Fault
}

// NewGuard wraps caps with limits (defaults applied).
func NewGuard(caps Capabilities, limits Limits) *Guard {
	return &Guard{inner: caps, limits: limits.WithDefaults()}
}

// Close ends the run. Later calls fail without reaching the inner value.
func (g *Guard) Close() {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()
}

// Calls returns how many calls were admitted.
func (g *Guard) Calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

// Fault returns the first limit the guest tripped, even if the guest
// ignored the error it was handed.
func (g *Guard) Fault() *Fault {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.fault
}

func (g *Guard) admit(op string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return &Fault{Reason: ReasonExecution, Detail: fmt.Sprintf("%s called after the run completed", op)}
	}
	if g.inner == nil {
		return &Fault{Reason: ReasonMissingCapability, Detail: fmt.Sprintf("%s is not bound for this run", op)}
	}
	if g.calls >= g.limits.MaxCapabilityCalls {
		f := &Fault{Reason: ReasonLimitExceeded, Limit: LimitCapabilityCalls,
			Detail: fmt.Sprintf("more than %d capability calls", g.limits.MaxCapabilityCalls)}
		if g.fault == nil {
			g.fault = f
		}
		return f
	}
	g.calls++
	return nil
}

func (g *Guard) trip(f *Fault) error {
	g.mu.Lock()
	if g.fault == nil {
		g.fault = f
	}
	g.mu.Unlock()
	return f
}

func (g *Guard) ReadFile(ctx context.Context, path string) ([]byte, error) {
	if err := g.admit("read_file"); err != nil {
		return nil, err
	}
	return g.inner.ReadFile(ctx, path)
}

func (g *Guard) WriteFile(ctx context.Context, path string, data []byte) error {
	if err := g.admit("write_file"); err != nil {
		return err
	}
	if int64(len(data)) > g.limits.MaxFileBytes {
		return g.trip(&Fault{Reason: ReasonLimitExceeded, Limit: LimitFileSize,
			Detail: fmt.Sprintf("write_file %s: %d bytes exceeds %d", path, len(data), g.limits.MaxFileBytes)})
	}
	return g.inner.WriteFile(ctx, path, data)
}

func (g *Guard) ListDir(ctx context.Context, dir string) ([]string, error) {
	if err := g.admit("list_dir"); err != nil {
		return nil, err
	}
	return g.inner.ListDir(ctx, dir)
}

func (g *Guard) FileExists(ctx context.Context, path string) (bool, error) {
	if err := g.admit("file_exists"); err != nil {
		return false, err
	}
	return g.inner.FileExists(ctx, path)
}

func (g *Guard) SearchFiles(ctx context.Context, pattern string) ([]string, error) {
	if err := g.admit("search_files"); err != nil {
		return nil, err
	}
	return g.inner.SearchFiles(ctx, pattern)
}

func (g *Guard) SearchContent(ctx context.Context, query string) ([]Match, error) {
	if err := g.admit("search_content"); err != nil {
		return nil, err
	}
	return g.inner.SearchContent(ctx, query)
}

func (g *Guard) SubmitResult(ctx context.Context, summary string, changedFiles []string) error {
	if err := g.admit("submit_result"); err != nil {
		return err
	}
	return g.inner.SubmitResult(ctx, summary, changedFiles)
}

// Log is not metered against the call budget but still refused after Close.
func (g *Guard) Log(ctx context.Context, msg string) {
	g.mu.Lock()
	closed := g.closed
	g.mu.Unlock()
	if closed || g.inner == nil {
		return
	}
	g.inner.Log(ctx, msg)
}

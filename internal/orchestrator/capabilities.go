package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/basket/sandcastle/internal/lifecycle"
	"github.com/basket/sandcastle/internal/sandbox"
	"github.com/basket/sandcastle/internal/workspace"
)

const searchContentLimit = 200

var errAlreadySubmitted = errors.New("submit_result already called")

// overlayCaps binds the sandbox capability surface to one agent overlay.
type overlayCaps struct {
	overlay    *workspace.Workspace
	transcript io.Writer
	logger     *slog.Logger
	now        func() time.Time

	mu         sync.Mutex
	submission *lifecycle.Submission
}

func newOverlayCaps(ov *workspace.Workspace, transcript io.Writer, logger *slog.Logger, now func() time.Time) *overlayCaps {
	return &overlayCaps{overlay: ov, transcript: transcript, logger: logger, now: now}
}

func (c *overlayCaps) ReadFile(ctx context.Context, p string) ([]byte, error) {
	return c.overlay.ReadFile(ctx, p)
}

func (c *overlayCaps) WriteFile(ctx context.Context, p string, data []byte) error {
	return c.overlay.WriteFile(ctx, p, data)
}

// ListDir returns child names; directories carry a trailing slash.
func (c *overlayCaps) ListDir(ctx context.Context, dir string) ([]string, error) {
	entries, err := c.overlay.ListDir(ctx, dir)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Path[strings.LastIndex(e.Path, "/")+1:]
		if e.IsDir {
			name += "/"
		}
		out = append(out, name)
	}
	return out, nil
}

func (c *overlayCaps) FileExists(ctx context.Context, p string) (bool, error) {
	return c.overlay.Exists(ctx, p)
}

func (c *overlayCaps) SearchFiles(ctx context.Context, pattern string) ([]string, error) {
	return c.overlay.Glob(ctx, pattern)
}

func (c *overlayCaps) SearchContent(ctx context.Context, query string) ([]sandbox.Match, error) {
	hits, err := c.overlay.Grep(ctx, query, searchContentLimit)
	if err != nil {
		return nil, err
	}
	out := make([]sandbox.Match, len(hits))
	for i, h := range hits {
		out[i] = sandbox.Match{Path: h.Path, Line: h.Line, Text: h.Text}
	}
	return out, nil
}

// SubmitResult records the run's completion. Only the first call counts.
func (c *overlayCaps) SubmitResult(_ context.Context, summary string, changed []string) error {
	files := make([]string, 0, len(changed))
	for _, p := range changed {
		cleaned, err := workspace.CleanPath(p)
		if err != nil {
			return fmt.Errorf("submit_result: %w", err)
		}
		files = append(files, cleaned)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.submission != nil {
		return errAlreadySubmitted
	}
	c.submission = &lifecycle.Submission{
		Summary:      strings.TrimSpace(summary),
		ChangedFiles: files,
		SubmittedAt:  c.now().UTC(),
	}
	return nil
}

func (c *overlayCaps) Log(_ context.Context, msg string) {
	c.logger.Debug("guest log", "msg", msg)
	if c.transcript != nil {
		fmt.Fprintf(c.transcript, "[log] %s\n", msg)
	}
}

func (c *overlayCaps) submitted() (*lifecycle.Submission, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.submission, c.submission != nil
}

// syncWriter serializes transcript writes from guest output and host logs.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

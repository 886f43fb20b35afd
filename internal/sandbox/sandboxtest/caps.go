// Package sandboxtest provides an in-memory Capabilities for runtime tests.
package sandboxtest

import (
	"context"
	"errors"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/basket/sandcastle/internal/sandbox"
)

var ErrNotFound = errors.New("sandboxtest: file not found")

// Caps is a map-backed Capabilities that records submissions and logs.
type Caps struct {
	mu        sync.Mutex
	Files     map[string]string
	Logs      []string
	Submitted bool
	Summary   string
	Changed   []string
	Calls     int
}

func New(files map[string]string) *Caps {
	if files == nil {
		files = map[string]string{}
	}
	return &Caps{Files: files}
}

func (c *Caps) tick() {
	c.mu.Lock()
	c.Calls++
	c.mu.Unlock()
}

func (c *Caps) ReadFile(_ context.Context, p string) ([]byte, error) {
	c.tick()
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.Files[p]
	if !ok {
		return nil, ErrNotFound
	}
	return []byte(v), nil
}

func (c *Caps) WriteFile(_ context.Context, p string, data []byte) error {
	c.tick()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Files[p] = string(data)
	return nil
}

func (c *Caps) ListDir(_ context.Context, dir string) ([]string, error) {
	c.tick()
	c.mu.Lock()
	defer c.mu.Unlock()
	prefix := strings.Trim(dir, "/")
	if prefix != "" {
		prefix += "/"
	}
	seen := map[string]bool{}
	for p := range c.Files {
		if !strings.HasPrefix(p, prefix) {
			continue
		}
		name, _, _ := strings.Cut(strings.TrimPrefix(p, prefix), "/")
		seen[name] = true
	}
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

func (c *Caps) FileExists(_ context.Context, p string) (bool, error) {
	c.tick()
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.Files[p]
	return ok, nil
}

func (c *Caps) SearchFiles(_ context.Context, pattern string) ([]string, error) {
	c.tick()
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for p := range c.Files {
		if ok, _ := path.Match(pattern, path.Base(p)); ok {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (c *Caps) SearchContent(_ context.Context, query string) ([]sandbox.Match, error) {
	c.tick()
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []sandbox.Match
	for p, content := range c.Files {
		for i, line := range strings.Split(content, "\n") {
			if strings.Contains(line, query) {
				out = append(out, sandbox.Match{Path: p, Line: i + 1, Text: line})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Path != out[j].Path {
			return out[i].Path < out[j].Path
		}
		return out[i].Line < out[j].Line
	})
	return out, nil
}

func (c *Caps) SubmitResult(_ context.Context, summary string, changed []string) error {
	c.tick()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Submitted = true
	c.Summary = summary
	c.Changed = append([]string(nil), changed...)
	return nil
}

func (c *Caps) Log(_ context.Context, msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Logs = append(c.Logs, msg)
}

// Snapshot returns the submission state under the lock.
func (c *Caps) Snapshot() (submitted bool, summary string, changed []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Submitted, c.Summary, append([]string(nil), c.Changed...)
}

// Package signal is the file-drop transport. A client writes
// <name>.cmd.json into the signal directory; the watcher validates it,
// submits it with origin "signal" and answers with <name>.result.json.
package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/basket/sandcastle/internal/command"
	"github.com/basket/sandcastle/internal/fsutil"
)

const (
	CommandSuffix = ".cmd.json"
	ResultSuffix  = ".result.json"
)

// Submitter executes a normalized command.
type Submitter interface {
	SubmitCommand(ctx context.Context, c command.Command) command.Outcome
}

type Config struct {
	Dir       string
	Submitter Submitter
	Logger    *slog.Logger
}

type Watcher struct {
	dir    string
	submit Submitter
	logger *slog.Logger

	mu       sync.Mutex
	inflight map[string]struct{}
	wg       sync.WaitGroup
}

func NewWatcher(cfg Config) (*Watcher, error) {
	if cfg.Dir == "" || cfg.Submitter == nil {
		return nil, errors.New("signal: dir and submitter are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Watcher{
		dir:      cfg.Dir,
		submit:   cfg.Submitter,
		logger:   cfg.Logger.With("component", "signal"),
		inflight: make(map[string]struct{}),
	}, nil
}

// Start processes command files already present, then watches for new
// ones until ctx is done. Wait blocks until the loop has exited.
func (w *Watcher) Start(ctx context.Context) error {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return fmt.Errorf("create signal dir: %w", err)
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(w.dir); err != nil {
		_ = fsw.Close()
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}
	// Scan after Add so nothing written in between is missed.
	pending, err := w.scan()
	if err != nil {
		_ = fsw.Close()
		return err
	}
	for _, p := range pending {
		w.Process(ctx, p)
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer fsw.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if !strings.HasSuffix(ev.Name, CommandSuffix) || ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
					continue
				}
				w.Process(ctx, ev.Name)
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				w.logger.Error("signal watcher error", "error", err)
			}
		}
	}()
	w.logger.Info("signal watcher started", "dir", w.dir, "pending", len(pending))
	return nil
}

// Wait blocks until the watch loop has exited.
func (w *Watcher) Wait() { w.wg.Wait() }

func (w *Watcher) scan() ([]string, error) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return nil, fmt.Errorf("scan signal dir: %w", err)
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), CommandSuffix) {
			out = append(out, filepath.Join(w.dir, e.Name()))
		}
	}
	sort.Strings(out)
	return out, nil
}

// Process handles one command file: the result is written before the
// command file is removed, so a crash in between replays the command.
// It reports whether a result was written.
func (w *Watcher) Process(ctx context.Context, path string) bool {
	if !w.claim(path) {
		return false
	}
	defer w.release(path)

	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		// Already handled by an earlier event.
		return false
	}
	name := strings.TrimSuffix(filepath.Base(path), CommandSuffix)
	logger := w.logger.With("signal", name)
	if err != nil {
		logger.Error("read command file", "error", err)
		return false
	}

	c, err := decode(raw)
	var out command.Outcome
	if err != nil {
		out = command.Failed(c, fmt.Errorf("%w: %v", command.ErrInvalid, err))
	} else {
		if c.RequestID == "" {
			c.RequestID = name
		}
		c.Origin = command.OriginSignal
		out = w.submit.SubmitCommand(ctx, c)
	}
	if out.RequestID == "" {
		out.RequestID = name
	}

	result := filepath.Join(w.dir, name+ResultSuffix)
	if err := fsutil.WriteJSON(result, out); err != nil {
		logger.Error("write result file", "error", err)
		return false
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		logger.Warn("remove command file", "error", err)
	}
	logger.Info("signal command handled", "command", out.Command, "ok", out.OK)
	return true
}

func decode(raw []byte) (command.Command, error) {
	if err := validateDocument(raw); err != nil {
		return command.Command{}, err
	}
	var c command.Command
	if err := json.Unmarshal(raw, &c); err != nil {
		return command.Command{}, err
	}
	return c, nil
}

func (w *Watcher) claim(path string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, busy := w.inflight[path]; busy {
		return false
	}
	w.inflight[path] = struct{}{}
	return true
}

func (w *Watcher) release(path string) {
	w.mu.Lock()
	delete(w.inflight, path)
	w.mu.Unlock()
}

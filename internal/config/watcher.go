package config

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// ChangeEvent reports that config.yaml changed on disk. Running processes
// do not apply it; Fingerprint lets serve tell operators whether a restart
// would change scheduling behaviour.
type ChangeEvent struct {
	Path        string
	Op          fsnotify.Op
	Fingerprint string
	Err         error
}

type Watcher struct {
	homeDir string
	logger  *slog.Logger
	events  chan ChangeEvent
}

func NewWatcher(homeDir string, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		homeDir: homeDir,
		logger:  logger,
		events:  make(chan ChangeEvent, 16),
	}
}

func (w *Watcher) Events() <-chan ChangeEvent {
	return w.events
}

// Start watches the home directory rather than the file so editors that
// replace config.yaml by rename are still seen.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(w.homeDir); err != nil {
		_ = fsw.Close()
		return err
	}
	target := filepath.Clean(ConfigPath(w.homeDir))

	go func() {
		defer fsw.Close()
		defer close(w.events)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target || ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				change := ChangeEvent{Path: ev.Name, Op: ev.Op}
				if cfg, err := LoadFrom(w.homeDir); err != nil {
					change.Err = err
				} else {
					change.Fingerprint = cfg.Fingerprint()
				}
				select {
				case w.events <- change:
				default:
				}
				w.logger.Info("config file changed", "path", ev.Name, "op", ev.Op.String(), "fingerprint", change.Fingerprint)
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				w.logger.Error("config watcher error", "error", err)
			}
		}
	}()
	return nil
}

// Package workspace implements the virtual filesystem + KV namespaces agents
// run against. Every workspace is one sqlite database. A stable workspace
// holds the authoritative project files, a bin workspace holds bookkeeping
// KV, and an overlay is a copy-on-write layer whose reads fall through to its
// base (stable) on a miss while its writes and deletes (whiteouts) stay local.
package workspace

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	schemaVersionV1  = 1
	schemaChecksumV1 = "sc-v1-2026-10-01-files-kv-whiteout"

	schemaVersionLatest  = schemaVersionV1
	schemaChecksumLatest = schemaChecksumV1
)

// Kind tells which role a workspace database plays.
type Kind string

const (
	KindStable  Kind = "stable"
	KindBin     Kind = "bin"
	KindOverlay Kind = "overlay"
)

var (
	// ErrNotFound is returned for paths or keys absent from the logical view.
	ErrNotFound = errors.New("workspace: not found")
	// ErrInvalidPath is returned for empty, rooted-at-nothing or escaping paths.
	ErrInvalidPath = errors.New("workspace: invalid path")
	// ErrKindMismatch is returned when a database is reopened under another role.
	ErrKindMismatch = errors.New("workspace: kind mismatch")
	// ErrNotOverlay is returned by overlay-only operations on a base workspace.
	ErrNotOverlay = errors.New("workspace: not an overlay")
)

// Workspace is a handle on one workspace database. It is safe for concurrent use.
type Workspace struct {
	path string
	kind Kind
	db   *sql.DB
	base *Workspace

	// mergeMu is held for the whole of a merge that targets this workspace.
	mergeMu sync.Mutex
}

// Open opens (creating if needed) a stable or bin workspace at path.
func Open(path string, kind Kind) (*Workspace, error) {
	if kind == KindOverlay {
		return nil, fmt.Errorf("open %s: use OpenOverlay for overlays", path)
	}
	return open(path, kind, nil)
}

// OpenOverlay opens (creating if needed) an overlay at path layered on base.
func OpenOverlay(path string, base *Workspace) (*Workspace, error) {
	if base == nil {
		return nil, fmt.Errorf("open overlay %s: base workspace is required", path)
	}
	if base.base != nil {
		return nil, fmt.Errorf("open overlay %s: base must not itself be an overlay", path)
	}
	return open(path, KindOverlay, base)
}

func open(path string, kind Kind, base *Workspace) (*Workspace, error) {
	if path == "" {
		return nil, fmt.Errorf("open workspace: empty path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create workspace directory: %w", err)
	}

	// _txlock=immediate makes every write transaction take the sqlite write
	// lock up front, so a merge excludes writers in other processes too.
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_txlock=immediate", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	w := &Workspace{path: path, kind: kind, db: db, base: base}
	ctx := context.Background()
	if err := w.configurePragmas(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := w.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return w, nil
}

// Path returns the database file backing this workspace.
func (w *Workspace) Path() string { return w.path }

// Kind returns the workspace role.
func (w *Workspace) Kind() Kind { return w.kind }

// Base returns the workspace an overlay falls through to, nil otherwise.
func (w *Workspace) Base() *Workspace { return w.base }

// IsOverlay reports whether reads fall through to a base.
func (w *Workspace) IsOverlay() bool { return w.base != nil }

// Close closes the database. It never closes the base.
func (w *Workspace) Close() error {
	return w.db.Close()
}

func (w *Workspace) configurePragmas(ctx context.Context) error {
	for _, q := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	} {
		if _, err := w.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (w *Workspace) initSchema(ctx context.Context) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := w.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			CREATE TABLE IF NOT EXISTS schema_migrations (
				version INTEGER PRIMARY KEY,
				checksum TEXT NOT NULL,
				applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
			);
		`); err != nil {
			return fmt.Errorf("create schema_migrations: %w", err)
		}

		var maxVersion int
		if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
			return fmt.Errorf("read migration max version: %w", err)
		}
		if maxVersion > schemaVersionLatest {
			return fmt.Errorf("workspace schema version %d is newer than supported %d", maxVersion, schemaVersionLatest)
		}
		if maxVersion == schemaVersionLatest {
			var existing string
			if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersionLatest).Scan(&existing); err != nil {
				return fmt.Errorf("read schema migration checksum: %w", err)
			}
			if existing != schemaChecksumLatest {
				return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", schemaVersionLatest, existing, schemaChecksumLatest)
			}
		} else {
			for _, stmt := range []string{
				`CREATE TABLE IF NOT EXISTS meta (
					key TEXT PRIMARY KEY,
					value TEXT NOT NULL
				);`,
				`CREATE TABLE IF NOT EXISTS files (
					path TEXT PRIMARY KEY,
					content BLOB NOT NULL DEFAULT x'',
					size INTEGER NOT NULL DEFAULT 0,
					mode INTEGER NOT NULL DEFAULT 420,
					digest TEXT NOT NULL DEFAULT '',
					whiteout INTEGER NOT NULL DEFAULT 0,
					updated_at INTEGER NOT NULL
				);`,
				`CREATE TABLE IF NOT EXISTS kv (
					key TEXT PRIMARY KEY,
					value TEXT NOT NULL DEFAULT '',
					whiteout INTEGER NOT NULL DEFAULT 0,
					updated_at INTEGER NOT NULL
				);`,
			} {
				if _, err := tx.ExecContext(ctx, stmt); err != nil {
					return fmt.Errorf("apply schema v%d: %w", schemaVersionV1, err)
				}
			}
			if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, checksum) VALUES (?, ?);`,
				schemaVersionV1, schemaChecksumV1); err != nil {
				return fmt.Errorf("record schema migration: %w", err)
			}
		}

		var stored string
		err = tx.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = 'kind';`).Scan(&stored)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			if _, err := tx.ExecContext(ctx, `INSERT INTO meta (key, value) VALUES ('kind', ?);`, string(w.kind)); err != nil {
				return fmt.Errorf("record workspace kind: %w", err)
			}
		case err != nil:
			return fmt.Errorf("read workspace kind: %w", err)
		case Kind(stored) != w.kind:
			return fmt.Errorf("%w: %s is a %s workspace, opened as %s", ErrKindMismatch, w.path, stored, w.kind)
		}
		return tx.Commit()
	})
}

// retryOnBusy retries f when sqlite reports BUSY or LOCKED, using exponential
// backoff with bounded jitter on top of the driver's busy_timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil || !isSQLiteBusy(err) || attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "SQLITE_BUSY")
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

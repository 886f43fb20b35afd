package workspace

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// KVGet returns the value for key, falling through to the base on an overlay.
func (w *Workspace) KVGet(ctx context.Context, key string) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", fmt.Errorf("kv get: empty key")
	}
	var (
		value    string
		whiteout int
	)
	err := w.db.QueryRowContext(ctx, `SELECT value, whiteout FROM kv WHERE key = ?;`, key).Scan(&value, &whiteout)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if w.base != nil {
			return w.base.KVGet(ctx, key)
		}
		return "", fmt.Errorf("kv get %s: %w", key, ErrNotFound)
	case err != nil:
		return "", fmt.Errorf("kv get %s: %w", key, err)
	case whiteout == 1:
		return "", fmt.Errorf("kv get %s: %w", key, ErrNotFound)
	}
	return value, nil
}

// KVSet stores value under key in this workspace only.
func (w *Workspace) KVSet(ctx context.Context, key, value string) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("kv set: empty key")
	}
	return retryOnBusy(ctx, 3, func() error {
		_, err := w.db.ExecContext(ctx, `
			INSERT INTO kv (key, value, whiteout, updated_at) VALUES (?, ?, 0, ?)
			ON CONFLICT(key) DO UPDATE SET
				value = excluded.value,
				whiteout = 0,
				updated_at = excluded.updated_at;
		`, key, value, time.Now().UnixNano())
		if err != nil {
			return fmt.Errorf("kv set %s: %w", key, err)
		}
		return nil
	})
}

// KVDelete removes key. Deleting an absent key is not an error.
func (w *Workspace) KVDelete(ctx context.Context, key string) error {
	shadow := false
	if w.base != nil {
		if _, err := w.base.KVGet(ctx, key); err == nil {
			shadow = true
		} else if !errors.Is(err, ErrNotFound) {
			return err
		}
	}
	return retryOnBusy(ctx, 3, func() error {
		var err error
		if shadow {
			_, err = w.db.ExecContext(ctx, `
				INSERT INTO kv (key, value, whiteout, updated_at) VALUES (?, '', 1, ?)
				ON CONFLICT(key) DO UPDATE SET value = '', whiteout = 1, updated_at = excluded.updated_at;
			`, key, time.Now().UnixNano())
		} else {
			_, err = w.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?;`, key)
		}
		if err != nil {
			return fmt.Errorf("kv delete %s: %w", key, err)
		}
		return nil
	})
}

// KVPair is one key/value entry.
type KVPair struct {
	Key   string
	Value string
}

// KVList returns every live pair whose key starts with prefix, sorted by key.
func (w *Workspace) KVList(ctx context.Context, prefix string) ([]KVPair, error) {
	view := make(map[string]string)
	if w.base != nil {
		basePairs, err := w.base.KVList(ctx, prefix)
		if err != nil {
			return nil, err
		}
		for _, p := range basePairs {
			view[p.Key] = p.Value
		}
	}

	rows, err := w.db.QueryContext(ctx, `
		SELECT key, value, whiteout FROM kv
		WHERE ? = '' OR substr(key, 1, length(?)) = ?;
	`, prefix, prefix, prefix)
	if err != nil {
		return nil, fmt.Errorf("kv list: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			key, value string
			whiteout   int
		)
		if err := rows.Scan(&key, &value, &whiteout); err != nil {
			return nil, fmt.Errorf("scan kv row: %w", err)
		}
		if whiteout == 1 {
			delete(view, key)
			continue
		}
		view[key] = value
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]KVPair, 0, len(view))
	for k, v := range view {
		out = append(out, KVPair{Key: k, Value: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// KVIncrement atomically adds one to the integer stored at key (absent
// counts as zero) and returns the new value. Overlays are not supported.
func (w *Workspace) KVIncrement(ctx context.Context, key string) (int64, error) {
	if w.base != nil {
		return 0, fmt.Errorf("kv increment %s: counters live in base workspaces", key)
	}
	var next int64
	err := retryOnBusy(ctx, 3, func() error {
		return w.db.QueryRowContext(ctx, `
			INSERT INTO kv (key, value, whiteout, updated_at) VALUES (?, '1', 0, ?)
			ON CONFLICT(key) DO UPDATE SET
				value = CAST(CAST(kv.value AS INTEGER) + 1 AS TEXT),
				updated_at = excluded.updated_at
			RETURNING CAST(value AS INTEGER);
		`, key, time.Now().UnixNano()).Scan(&next)
	})
	if err != nil {
		return 0, fmt.Errorf("kv increment %s: %w", key, err)
	}
	return next, nil
}

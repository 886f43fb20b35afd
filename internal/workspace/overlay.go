package workspace

import (
	"context"
	"fmt"
)

// ChangeKind classifies an overlay entry against its base.
type ChangeKind string

const (
	ChangeAdded    ChangeKind = "added"
	ChangeModified ChangeKind = "modified"
	ChangeDeleted  ChangeKind = "deleted"
)

// Change is one path an overlay differs from its base on.
type Change struct {
	Path string     `json:"path"`
	Kind ChangeKind `json:"kind"`
}

// ListChanges returns every path the overlay holds a local entry for,
// whiteouts included, sorted.
func (w *Workspace) ListChanges(ctx context.Context) ([]string, error) {
	if w.base == nil {
		return nil, ErrNotOverlay
	}
	local, err := localEntries(ctx, w.db, "", false)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(local))
	for _, e := range local {
		out = append(out, e.path)
	}
	return out, nil
}

// Diff classifies local entries against the current base. Entries whose
// content equals the base, and whiteouts of paths the base no longer has,
// are omitted.
func (w *Workspace) Diff(ctx context.Context) ([]Change, error) {
	if w.base == nil {
		return nil, ErrNotOverlay
	}
	local, err := localEntries(ctx, w.db, "", false)
	if err != nil {
		return nil, err
	}
	var out []Change
	for _, e := range local {
		b, inBase, err := w.base.resolve(ctx, e.path)
		if err != nil {
			return nil, err
		}
		switch {
		case e.whiteout && inBase:
			out = append(out, Change{Path: e.path, Kind: ChangeDeleted})
		case e.whiteout:
		case !inBase:
			out = append(out, Change{Path: e.path, Kind: ChangeAdded})
		case b.digest != e.digest:
			out = append(out, Change{Path: e.path, Kind: ChangeModified})
		}
	}
	return out, nil
}

// Reset drops local entries so the named paths (or, with none given, every
// path) read through to the base again. It returns how many entries it dropped.
func (w *Workspace) Reset(ctx context.Context, paths ...string) (int, error) {
	if w.base == nil {
		return 0, ErrNotOverlay
	}
	var removed int
	err := retryOnBusy(ctx, 3, func() error {
		tx, err := w.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin reset tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		removed = 0
		if len(paths) == 0 {
			res, err := tx.ExecContext(ctx, `DELETE FROM files;`)
			if err != nil {
				return fmt.Errorf("reset overlay: %w", err)
			}
			n, _ := res.RowsAffected()
			removed = int(n)
		} else {
			for _, p := range paths {
				cleaned, err := CleanPath(p)
				if err != nil {
					return err
				}
				prefix := cleaned + "/"
				res, err := tx.ExecContext(ctx, `
					DELETE FROM files WHERE path = ? OR substr(path, 1, length(?)) = ?;
				`, cleaned, prefix, prefix)
				if err != nil {
					return fmt.Errorf("reset %s: %w", cleaned, err)
				}
				n, _ := res.RowsAffected()
				removed += int(n)
			}
		}
		return tx.Commit()
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

// Summary renders changes as "+added ~modified -deleted" counts.
func Summary(changes []Change) string {
	var added, modified, deleted int
	for _, c := range changes {
		switch c.Kind {
		case ChangeAdded:
			added++
		case ChangeModified:
			modified++
		case ChangeDeleted:
			deleted++
		}
	}
	return fmt.Sprintf("+%d ~%d -%d", added, modified, deleted)
}

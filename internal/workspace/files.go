package workspace

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"
)

const defaultFileMode fs.FileMode = 0o644

// FileInfo describes one entry of the logical view.
type FileInfo struct {
	Path    string      `json:"path"`
	Size    int64       `json:"size"`
	Mode    fs.FileMode `json:"mode"`
	Digest  string      `json:"digest,omitempty"`
	ModTime time.Time   `json:"mod_time"`
	IsDir   bool        `json:"is_dir,omitempty"`
}

type entry struct {
	path     string
	content  []byte
	size     int64
	mode     fs.FileMode
	digest   string
	whiteout bool
	modTime  time.Time
}

func (e entry) info() FileInfo {
	return FileInfo{Path: e.path, Size: e.size, Mode: e.mode, Digest: e.digest, ModTime: e.modTime}
}

// CleanPath normalizes a workspace path to slash-separated, relative form.
// It rejects empty paths and any ".." segment.
func CleanPath(p string) (string, error) {
	p = strings.ReplaceAll(strings.TrimSpace(p), "\\", "/")
	if p == "" {
		return "", ErrInvalidPath
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return "", fmt.Errorf("%w: %q escapes the workspace", ErrInvalidPath, p)
		}
	}
	cleaned := strings.TrimPrefix(path.Clean("/"+p), "/")
	if cleaned == "" {
		return "", fmt.Errorf("%w: %q names the root", ErrInvalidPath, p)
	}
	return cleaned, nil
}

// cleanDir returns the prefix under which a directory's entries live:
// "" for the root, "dir/" otherwise.
func cleanDir(dir string) (string, error) {
	d := strings.TrimSpace(dir)
	if d == "" || d == "." || d == "/" {
		return "", nil
	}
	cleaned, err := CleanPath(d)
	if err != nil {
		return "", err
	}
	return cleaned + "/", nil
}

func digestOf(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func lookupLocal(ctx context.Context, q querier, p string) (entry, bool, error) {
	var (
		e        entry
		mode     int64
		whiteout int
		updated  int64
	)
	err := q.QueryRowContext(ctx, `
		SELECT path, content, size, mode, digest, whiteout, updated_at
		FROM files WHERE path = ?;
	`, p).Scan(&e.path, &e.content, &e.size, &mode, &e.digest, &whiteout, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return entry{}, false, nil
	}
	if err != nil {
		return entry{}, false, fmt.Errorf("lookup %s: %w", p, err)
	}
	e.mode = fs.FileMode(mode)
	e.whiteout = whiteout == 1
	e.modTime = time.Unix(0, updated).UTC()
	return e, true, nil
}

// localEntries returns every local row under prefix, whiteouts included.
func localEntries(ctx context.Context, q querier, prefix string, withContent bool) ([]entry, error) {
	cols := "path, size, mode, digest, whiteout, updated_at"
	if withContent {
		cols += ", content"
	}
	rows, err := q.QueryContext(ctx, `
		SELECT `+cols+` FROM files
		WHERE ? = '' OR substr(path, 1, length(?)) = ?
		ORDER BY path ASC;
	`, prefix, prefix, prefix)
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}
	defer rows.Close()

	var out []entry
	for rows.Next() {
		var (
			e        entry
			mode     int64
			whiteout int
			updated  int64
		)
		dest := []any{&e.path, &e.size, &mode, &e.digest, &whiteout, &updated}
		if withContent {
			dest = append(dest, &e.content)
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scan file row: %w", err)
		}
		e.mode = fs.FileMode(mode)
		e.whiteout = whiteout == 1
		e.modTime = time.Unix(0, updated).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

func upsertFile(ctx context.Context, q querier, p string, data []byte, mode fs.FileMode, now time.Time) error {
	if data == nil {
		data = []byte{}
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO files (path, content, size, mode, digest, whiteout, updated_at)
		VALUES (?, ?, ?, ?, ?, 0, ?)
		ON CONFLICT(path) DO UPDATE SET
			content = excluded.content,
			size = excluded.size,
			mode = excluded.mode,
			digest = excluded.digest,
			whiteout = 0,
			updated_at = excluded.updated_at;
	`, p, data, len(data), int64(mode), digestOf(data), now.UnixNano())
	if err != nil {
		return fmt.Errorf("write %s: %w", p, err)
	}
	return nil
}

func upsertWhiteout(ctx context.Context, q querier, p string, now time.Time) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO files (path, content, size, mode, digest, whiteout, updated_at)
		VALUES (?, x'', 0, ?, '', 1, ?)
		ON CONFLICT(path) DO UPDATE SET
			content = x'',
			size = 0,
			digest = '',
			whiteout = 1,
			updated_at = excluded.updated_at;
	`, p, int64(defaultFileMode), now.UnixNano())
	if err != nil {
		return fmt.Errorf("whiteout %s: %w", p, err)
	}
	return nil
}

// ReadFile returns the content of p in the logical view.
func (w *Workspace) ReadFile(ctx context.Context, p string) ([]byte, error) {
	cleaned, err := CleanPath(p)
	if err != nil {
		return nil, err
	}
	e, ok, err := w.resolve(ctx, cleaned)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("read %s: %w", cleaned, ErrNotFound)
	}
	return e.content, nil
}

// resolve finds p locally, then in the base unless shadowed by a whiteout.
func (w *Workspace) resolve(ctx context.Context, p string) (entry, bool, error) {
	e, ok, err := lookupLocal(ctx, w.db, p)
	if err != nil {
		return entry{}, false, err
	}
	if ok {
		if e.whiteout {
			return entry{}, false, nil
		}
		return e, true, nil
	}
	if w.base == nil {
		return entry{}, false, nil
	}
	return w.base.resolve(ctx, p)
}

// WriteFile creates or replaces p in this workspace only.
func (w *Workspace) WriteFile(ctx context.Context, p string, data []byte) error {
	cleaned, err := CleanPath(p)
	if err != nil {
		return err
	}
	if err := w.checkShape(ctx, cleaned); err != nil {
		return err
	}
	return retryOnBusy(ctx, 3, func() error {
		return upsertFile(ctx, w.db, cleaned, data, defaultFileMode, time.Now())
	})
}

// checkShape refuses a write that would make p both a file and a directory
// in the logical view, which no filesystem can materialize.
func (w *Workspace) checkShape(ctx context.Context, p string) error {
	for i := strings.Index(p, "/"); i >= 0; {
		parent := p[:i]
		if _, ok, err := w.resolve(ctx, parent); err != nil {
			return err
		} else if ok {
			return fmt.Errorf("%w: write %s: %s is a file", ErrInvalidPath, p, parent)
		}
		next := strings.Index(p[i+1:], "/")
		if next < 0 {
			break
		}
		i += next + 1
	}
	under, err := w.Files(ctx, p)
	if err != nil {
		return err
	}
	if len(under) > 0 {
		return fmt.Errorf("%w: write %s: it is a directory holding %s", ErrInvalidPath, p, under[0].Path)
	}
	return nil
}

// Remove deletes p from the logical view. On an overlay a path still present
// in the base is shadowed with a whiteout; the base is never touched.
func (w *Workspace) Remove(ctx context.Context, p string) error {
	cleaned, err := CleanPath(p)
	if err != nil {
		return err
	}
	if _, ok, err := w.resolve(ctx, cleaned); err != nil {
		return err
	} else if !ok {
		return fmt.Errorf("remove %s: %w", cleaned, ErrNotFound)
	}

	if w.base != nil {
		_, inBase, err := w.base.resolve(ctx, cleaned)
		if err != nil {
			return err
		}
		if inBase {
			return retryOnBusy(ctx, 3, func() error {
				return upsertWhiteout(ctx, w.db, cleaned, time.Now())
			})
		}
	}
	return retryOnBusy(ctx, 3, func() error {
		if _, err := w.db.ExecContext(ctx, `DELETE FROM files WHERE path = ?;`, cleaned); err != nil {
			return fmt.Errorf("remove %s: %w", cleaned, err)
		}
		return nil
	})
}

// Exists reports whether p names a file or a non-empty directory.
func (w *Workspace) Exists(ctx context.Context, p string) (bool, error) {
	_, err := w.Stat(ctx, p)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Stat describes p. Directories exist implicitly while any file lives under them.
func (w *Workspace) Stat(ctx context.Context, p string) (FileInfo, error) {
	cleaned, err := CleanPath(p)
	if err != nil {
		return FileInfo{}, err
	}
	e, ok, err := w.resolve(ctx, cleaned)
	if err != nil {
		return FileInfo{}, err
	}
	if ok {
		return e.info(), nil
	}
	under, err := w.Files(ctx, cleaned)
	if err != nil {
		return FileInfo{}, err
	}
	if len(under) == 0 {
		return FileInfo{}, fmt.Errorf("stat %s: %w", cleaned, ErrNotFound)
	}
	return FileInfo{Path: cleaned, IsDir: true, Mode: fs.ModeDir | 0o755}, nil
}

// Files returns every file at or below dir in the logical view, sorted by path.
func (w *Workspace) Files(ctx context.Context, dir string) ([]FileInfo, error) {
	prefix, err := cleanDir(dir)
	if err != nil {
		return nil, err
	}
	local, err := localEntries(ctx, w.db, prefix, false)
	if err != nil {
		return nil, err
	}
	if w.base == nil {
		out := make([]FileInfo, 0, len(local))
		for _, e := range local {
			if !e.whiteout {
				out = append(out, e.info())
			}
		}
		return out, nil
	}

	baseFiles, err := w.base.Files(ctx, dir)
	if err != nil {
		return nil, err
	}
	view := make(map[string]FileInfo, len(baseFiles)+len(local))
	for _, fi := range baseFiles {
		view[fi.Path] = fi
	}
	for _, e := range local {
		if e.whiteout {
			delete(view, e.path)
			continue
		}
		view[e.path] = e.info()
	}
	out := make([]FileInfo, 0, len(view))
	for _, fi := range view {
		out = append(out, fi)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// ListDir returns the immediate children of dir, sorted by name.
func (w *Workspace) ListDir(ctx context.Context, dir string) ([]FileInfo, error) {
	prefix, err := cleanDir(dir)
	if err != nil {
		return nil, err
	}
	all, err := w.Files(ctx, dir)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var out []FileInfo
	for _, fi := range all {
		rest := strings.TrimPrefix(fi.Path, prefix)
		if name, _, nested := strings.Cut(rest, "/"); nested {
			child := prefix + name
			if !seen[child] {
				seen[child] = true
				out = append(out, FileInfo{Path: child, IsDir: true, Mode: fs.ModeDir | 0o755})
			}
			continue
		}
		out = append(out, fi)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

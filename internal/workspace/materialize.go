package workspace

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"syscall"
)

// renameFunc and writeFileFunc are swapped in tests to simulate
// cross-device promotion and failed writes.
var (
	renameFunc    = os.Rename
	writeFileFunc = os.WriteFile
)

// MaterializeOptions controls Materialize.
type MaterializeOptions struct {
	// IncludeBase exports the full logical view of an overlay rather than
	// only its local entries.
	IncludeBase bool
	// Clean replaces target wholesale: files are staged in a sibling
	// directory and promoted only after every write succeeded.
	Clean bool
}

// MaterializeResult reports a materialization. Errors holds non-fatal
// problems such as failed staging or backup cleanup.
type MaterializeResult struct {
	Target       string   `json:"target"`
	FilesWritten int      `json:"files_written"`
	BytesWritten int64    `json:"bytes_written"`
	Errors       []string `json:"errors,omitempty"`
	Promoted     bool     `json:"promoted"`
	CrossDevice  bool     `json:"cross_device"`
}

// Materialize exports ws to the directory target.
func Materialize(ctx context.Context, ws *Workspace, target string, opts MaterializeOptions) (MaterializeResult, error) {
	res := MaterializeResult{Target: target}
	if target == "" {
		return res, fmt.Errorf("materialize: empty target")
	}

	files, whiteouts, err := exportSet(ctx, ws, opts.IncludeBase)
	if err != nil {
		return res, err
	}

	if !opts.Clean {
		if err := os.MkdirAll(target, 0o755); err != nil {
			return res, fmt.Errorf("create target: %w", err)
		}
		var firstErr error
		for _, fi := range files {
			n, err := writeOne(ctx, ws, target, fi)
			if err != nil {
				res.Errors = append(res.Errors, err.Error())
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			res.FilesWritten++
			res.BytesWritten += n
		}
		for _, p := range whiteouts {
			err := os.Remove(filepath.Join(target, filepath.FromSlash(p)))
			if err != nil && !errors.Is(err, fs.ErrNotExist) {
				res.Errors = append(res.Errors, fmt.Sprintf("remove %s: %v", p, err))
			}
		}
		return res, firstErr
	}

	parent := filepath.Dir(filepath.Clean(target))
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return res, fmt.Errorf("create target parent: %w", err)
	}
	staging, err := os.MkdirTemp(parent, "."+filepath.Base(target)+".staging-")
	if err != nil {
		return res, fmt.Errorf("create staging dir: %w", err)
	}

	for _, fi := range files {
		n, err := writeOne(ctx, ws, staging, fi)
		if err != nil {
			if rmErr := os.RemoveAll(staging); rmErr != nil {
				res.Errors = append(res.Errors, fmt.Sprintf("cleanup staging: %v", rmErr))
			}
			res.FilesWritten, res.BytesWritten = 0, 0
			return res, fmt.Errorf("materialize %s: %w", fi.Path, err)
		}
		res.FilesWritten++
		res.BytesWritten += n
	}

	crossDevice, cleanupErrs, err := promote(staging, target)
	res.Errors = append(res.Errors, cleanupErrs...)
	if err != nil {
		if rmErr := os.RemoveAll(staging); rmErr != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("cleanup staging: %v", rmErr))
		}
		return res, fmt.Errorf("promote %s: %w", target, err)
	}
	res.Promoted = true
	res.CrossDevice = crossDevice
	return res, nil
}

func exportSet(ctx context.Context, ws *Workspace, includeBase bool) ([]FileInfo, []string, error) {
	if includeBase || ws.base == nil {
		files, err := ws.Files(ctx, "")
		return files, nil, err
	}
	local, err := localEntries(ctx, ws.db, "", false)
	if err != nil {
		return nil, nil, err
	}
	var (
		files     []FileInfo
		whiteouts []string
	)
	for _, e := range local {
		if e.whiteout {
			whiteouts = append(whiteouts, e.path)
			continue
		}
		files = append(files, e.info())
	}
	return files, whiteouts, nil
}

func writeOne(ctx context.Context, ws *Workspace, root string, fi FileInfo) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	data, err := ws.ReadFile(ctx, fi.Path)
	if err != nil {
		return 0, err
	}
	dest := filepath.Join(root, filepath.FromSlash(fi.Path))
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return 0, fmt.Errorf("create parent of %s: %w", fi.Path, err)
	}
	mode := fi.Mode.Perm()
	if mode == 0 {
		mode = defaultFileMode
	}
	if err := writeFileFunc(dest, data, mode); err != nil {
		return 0, fmt.Errorf("write %s: %w", fi.Path, err)
	}
	return int64(len(data)), nil
}

// promote moves staging into place at target. An existing target is first
// renamed aside so it can be restored if the second rename fails. When the
// filesystem refuses the rename across devices it falls back to copying.
func promote(staging, target string) (crossDevice bool, cleanupErrs []string, err error) {
	backup := ""
	if _, statErr := os.Lstat(target); statErr == nil {
		backup = staging + ".previous"
		if err := renameFunc(target, backup); err != nil {
			if isCrossDevice(err) {
				return copyPromote(staging, target)
			}
			return false, nil, fmt.Errorf("move previous target aside: %w", err)
		}
	} else if !errors.Is(statErr, fs.ErrNotExist) {
		return false, nil, statErr
	}

	if err := renameFunc(staging, target); err != nil {
		if backup != "" {
			if restoreErr := renameFunc(backup, target); restoreErr != nil {
				cleanupErrs = append(cleanupErrs, fmt.Sprintf("restore previous target: %v", restoreErr))
			}
		}
		if isCrossDevice(err) {
			cd, errs, cpErr := copyPromote(staging, target)
			return cd, append(cleanupErrs, errs...), cpErr
		}
		return false, cleanupErrs, err
	}

	if backup != "" {
		if err := os.RemoveAll(backup); err != nil {
			cleanupErrs = append(cleanupErrs, fmt.Sprintf("remove previous target: %v", err))
		}
	}
	return false, cleanupErrs, nil
}

// copyPromote is the non-atomic path: target is emptied, staging copied in,
// then staging deleted.
func copyPromote(staging, target string) (bool, []string, error) {
	if err := os.RemoveAll(target); err != nil {
		return true, nil, fmt.Errorf("clear target for copy: %w", err)
	}
	if err := copyTree(staging, target); err != nil {
		return true, nil, fmt.Errorf("copy staging into target: %w", err)
	}
	var cleanupErrs []string
	if err := os.RemoveAll(staging); err != nil {
		cleanupErrs = append(cleanupErrs, fmt.Sprintf("cleanup staging: %v", err))
	}
	return true, cleanupErrs, nil
}

func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		out := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(out, 0o755)
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		return copyFile(p, out, info.Mode().Perm())
	})
}

func copyFile(src, dst string, mode fs.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

func isCrossDevice(err error) bool {
	return errors.Is(err, syscall.EXDEV)
}

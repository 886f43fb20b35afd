package workspace

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// Layout locates the workspace databases under one root directory.
type Layout struct {
	Root string
}

func (l Layout) StablePath() string { return filepath.Join(l.Root, "stable.db") }

func (l Layout) BinPath() string { return filepath.Join(l.Root, "bin.db") }

func (l Layout) OverlayPath(agentID string) string {
	return filepath.Join(l.Root, "agent-"+agentID+".db")
}

// RemoveDatabase deletes a workspace database and its WAL sidecars.
// Missing files are not an error.
func RemoveDatabase(path string) error {
	var errs []error
	for _, p := range []string{path, path + "-wal", path + "-shm"} {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, fmt.Errorf("remove %s: %w", p, err))
		}
	}
	return errors.Join(errs...)
}

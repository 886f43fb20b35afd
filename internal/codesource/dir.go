package codesource

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// DefaultMaxSourceBytes caps what Dir will read for one reference.
const DefaultMaxSourceBytes = 4 << 20

// Dir resolves references as paths relative to Root.
type Dir struct {
	Root     string
	MaxBytes int64
}

func NewDir(root string) *Dir {
	return &Dir{Root: root, MaxBytes: DefaultMaxSourceBytes}
}

func (d *Dir) Fetch(ctx context.Context, ref string, _ FetchContext) (Code, error) {
	if err := ctx.Err(); err != nil {
		return Code{}, err
	}
	p, err := d.resolve(ref)
	if err != nil {
		return Code{}, err
	}
	lang, err := LanguageFor(p)
	if err != nil {
		return Code{}, err
	}
	info, err := os.Stat(p)
	if errors.Is(err, fs.ErrNotExist) {
		return Code{}, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	if err != nil {
		return Code{}, fmt.Errorf("stat %s: %w", ref, err)
	}
	if info.IsDir() {
		return Code{}, fmt.Errorf("%w: %s is a directory", ErrNotFound, ref)
	}
	if max := d.MaxBytes; max > 0 && info.Size() > max {
		return Code{}, fmt.Errorf("reference %s is %d bytes, limit %d", ref, info.Size(), max)
	}
	src, err := os.ReadFile(p)
	if err != nil {
		return Code{}, fmt.Errorf("read %s: %w", ref, err)
	}
	return Code{Reference: ref, Language: lang, Source: src, Origin: p}, nil
}

func (d *Dir) Validate(_ context.Context, code Code) ([]Diagnostic, error) {
	return basicDiagnostics(code), nil
}

// resolve accepts relative references under Root, and absolute paths that
// are already inside it.
func (d *Dir) resolve(ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", fmt.Errorf("%w: empty reference", ErrNotFound)
	}
	root, err := filepath.Abs(d.Root)
	if err != nil {
		return "", fmt.Errorf("resolve code root: %w", err)
	}
	p := ref
	if !filepath.IsAbs(p) {
		p = filepath.Join(root, filepath.FromSlash(ref))
	}
	p = filepath.Clean(p)
	rel, err := filepath.Rel(root, p)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("reference %q escapes code root %s", ref, root)
	}
	return p, nil
}

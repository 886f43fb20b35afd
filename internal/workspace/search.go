package workspace

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"
)

// Match is one line of a content search hit.
type Match struct {
	Path string `json:"path"`
	Line int    `json:"line"`
	Text string `json:"text"`
}

// Glob returns logical paths matching pattern. A pattern without a slash is
// matched against the base name, one with a slash against the full path.
func (w *Workspace) Glob(ctx context.Context, pattern string) ([]string, error) {
	pattern = strings.TrimPrefix(strings.TrimSpace(pattern), "/")
	if pattern == "" {
		return nil, fmt.Errorf("glob: empty pattern")
	}
	if _, err := path.Match(pattern, ""); err != nil {
		return nil, fmt.Errorf("glob %q: %w", pattern, err)
	}
	files, err := w.Files(ctx, "")
	if err != nil {
		return nil, err
	}
	byName := !strings.Contains(pattern, "/")
	var out []string
	for _, fi := range files {
		subject := fi.Path
		if byName {
			subject = path.Base(fi.Path)
		}
		if ok, _ := path.Match(pattern, subject); ok {
			out = append(out, fi.Path)
		}
	}
	return out, nil
}

// Grep returns lines containing query, in path then line order, capped at limit
// when limit > 0.
func (w *Workspace) Grep(ctx context.Context, query string, limit int) ([]Match, error) {
	if query == "" {
		return nil, fmt.Errorf("grep: empty query")
	}
	files, err := w.Files(ctx, "")
	if err != nil {
		return nil, err
	}
	needle := []byte(query)
	var out []Match
	for _, fi := range files {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		data, err := w.ReadFile(ctx, fi.Path)
		if err != nil {
			return out, err
		}
		if !bytes.Contains(data, needle) {
			continue
		}
		sc := bufio.NewScanner(bytes.NewReader(data))
		sc.Buffer(make([]byte, 0, 64*1024), len(data)+1)
		line := 0
		for sc.Scan() {
			line++
			if bytes.Contains(sc.Bytes(), needle) {
				out = append(out, Match{Path: fi.Path, Line: line, Text: sc.Text()})
				if limit > 0 && len(out) >= limit {
					return out, nil
				}
			}
		}
	}
	return out, nil
}

package workspace_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/basket/sandcastle/internal/workspace"
)

func openStable(t *testing.T) (*workspace.Workspace, workspace.Layout) {
	t.Helper()
	layout := workspace.Layout{Root: t.TempDir()}
	ws, err := workspace.Open(layout.StablePath(), workspace.KindStable)
	if err != nil {
		t.Fatalf("open stable: %v", err)
	}
	t.Cleanup(func() { _ = ws.Close() })
	return ws, layout
}

func openOverlay(t *testing.T, layout workspace.Layout, base *workspace.Workspace, id string) *workspace.Workspace {
	t.Helper()
	ov, err := workspace.OpenOverlay(layout.OverlayPath(id), base)
	if err != nil {
		t.Fatalf("open overlay %s: %v", id, err)
	}
	t.Cleanup(func() { _ = ov.Close() })
	return ov
}

func mustWrite(t *testing.T, ws *workspace.Workspace, p, content string) {
	t.Helper()
	if err := ws.WriteFile(context.Background(), p, []byte(content)); err != nil {
		t.Fatalf("write %s: %v", p, err)
	}
}

func mustRead(t *testing.T, ws *workspace.Workspace, p string) string {
	t.Helper()
	data, err := ws.ReadFile(context.Background(), p)
	if err != nil {
		t.Fatalf("read %s: %v", p, err)
	}
	return string(data)
}

func TestOpen_ReopenUnderOtherKindFails(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bin.db")
	ws, err := workspace.Open(path, workspace.KindBin)
	if err != nil {
		t.Fatalf("open bin: %v", err)
	}
	_ = ws.Close()

	again, err := workspace.Open(path, workspace.KindBin)
	if err != nil {
		t.Fatalf("reopen bin: %v", err)
	}
	_ = again.Close()

	if _, err := workspace.Open(path, workspace.KindStable); !errors.Is(err, workspace.ErrKindMismatch) {
		t.Fatalf("expected ErrKindMismatch, got %v", err)
	}
	if _, err := workspace.Open(path, workspace.KindOverlay); err == nil {
		t.Fatal("expected Open to refuse the overlay kind")
	}
}

func TestCleanPath(t *testing.T) {
	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "src/main.go", want: "src/main.go"},
		{in: "/src//main.go", want: "src/main.go"},
		{in: "./a/./b", want: "a/b"},
		{in: `dir\file.txt`, want: "dir/file.txt"},
		{in: "", wantErr: true},
		{in: "/", wantErr: true},
		{in: "../etc/passwd", wantErr: true},
		{in: "a/../../b", wantErr: true},
	}
	for _, tc := range cases {
		got, err := workspace.CleanPath(tc.in)
		if tc.wantErr {
			if !errors.Is(err, workspace.ErrInvalidPath) {
				t.Errorf("CleanPath(%q): expected ErrInvalidPath, got %q, %v", tc.in, got, err)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Errorf("CleanPath(%q) = %q, %v; want %q", tc.in, got, err, tc.want)
		}
	}
}

func TestOverlay_FallthroughThenLocalWrite(t *testing.T) {
	stable, layout := openStable(t)
	mustWrite(t, stable, "README.md", "stable")
	ov := openOverlay(t, layout, stable, "a1")

	if got := mustRead(t, ov, "README.md"); got != "stable" {
		t.Fatalf("fallthrough read = %q, want stable", got)
	}

	mustWrite(t, ov, "README.md", "overlay")
	if got := mustRead(t, ov, "README.md"); got != "overlay" {
		t.Fatalf("overlay read = %q, want overlay", got)
	}
	if got := mustRead(t, stable, "README.md"); got != "stable" {
		t.Fatalf("stable read after overlay write = %q, want stable", got)
	}
}

func TestOverlay_IsolationBetweenAgents(t *testing.T) {
	stable, layout := openStable(t)
	a := openOverlay(t, layout, stable, "a")
	b := openOverlay(t, layout, stable, "b")
	ctx := context.Background()

	mustWrite(t, a, "notes/p.txt", "from a")

	for name, ws := range map[string]*workspace.Workspace{"overlay b": b, "stable": stable} {
		if _, err := ws.ReadFile(ctx, "notes/p.txt"); !errors.Is(err, workspace.ErrNotFound) {
			t.Fatalf("%s saw overlay a's write: err=%v", name, err)
		}
		ok, err := ws.Exists(ctx, "notes")
		if err != nil {
			t.Fatalf("%s exists: %v", name, err)
		}
		if ok {
			t.Fatalf("%s sees directory created by overlay a", name)
		}
	}
}

func TestOverlay_RemoveShadowsBaseWithWhiteout(t *testing.T) {
	stable, layout := openStable(t)
	mustWrite(t, stable, "keep.txt", "k")
	mustWrite(t, stable, "gone.txt", "g")
	ov := openOverlay(t, layout, stable, "w")
	ctx := context.Background()

	if err := ov.Remove(ctx, "gone.txt"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := ov.ReadFile(ctx, "gone.txt"); !errors.Is(err, workspace.ErrNotFound) {
		t.Fatalf("expected whiteout to hide gone.txt, got %v", err)
	}
	if got := mustRead(t, stable, "gone.txt"); got != "g" {
		t.Fatalf("stable gone.txt = %q", got)
	}
	if err := ov.Remove(ctx, "gone.txt"); !errors.Is(err, workspace.ErrNotFound) {
		t.Fatalf("second remove: expected ErrNotFound, got %v", err)
	}

	files, err := ov.Files(ctx, "")
	if err != nil {
		t.Fatalf("files: %v", err)
	}
	var paths []string
	for _, fi := range files {
		paths = append(paths, fi.Path)
	}
	if diff := cmp.Diff([]string{"keep.txt"}, paths); diff != "" {
		t.Fatalf("logical view mismatch (-want +got):\n%s", diff)
	}

	mustWrite(t, ov, "gone.txt", "back")
	if got := mustRead(t, ov, "gone.txt"); got != "back" {
		t.Fatalf("rewrite after whiteout = %q", got)
	}
}

func TestWriteFile_RefusesFileDirectoryCollisions(t *testing.T) {
	stable, layout := openStable(t)
	mustWrite(t, stable, "src", "file")
	mustWrite(t, stable, "docs/notes.md", "n")
	ov := openOverlay(t, layout, stable, "shape")
	ctx := context.Background()

	tests := []struct {
		name string
		ws   *workspace.Workspace
		path string
	}{
		{name: "under a stable file", ws: ov, path: "src/main.go"},
		{name: "deep under a stable file", ws: ov, path: "src/pkg/a/b.go"},
		{name: "over a stable directory", ws: ov, path: "docs"},
		{name: "stable itself", ws: stable, path: "src/main.go"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.ws.WriteFile(ctx, tc.path, []byte("x"))
			if !errors.Is(err, workspace.ErrInvalidPath) {
				t.Fatalf("write %s: expected ErrInvalidPath, got %v", tc.path, err)
			}
		})
	}

	mustWrite(t, ov, "src", "replaced")
	if err := ov.Remove(ctx, "src"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	mustWrite(t, ov, "src/main.go", "package main\n")
	if got := mustRead(t, ov, "src/main.go"); got != "package main\n" {
		t.Fatalf("src/main.go = %q", got)
	}
}

func TestListDir_ImpliedDirectories(t *testing.T) {
	stable, layout := openStable(t)
	mustWrite(t, stable, "src/a.go", "a")
	mustWrite(t, stable, "src/pkg/b.go", "b")
	mustWrite(t, stable, "top.txt", "t")
	ov := openOverlay(t, layout, stable, "l")
	mustWrite(t, ov, "src/c.go", "c")
	ctx := context.Background()

	root, err := ov.ListDir(ctx, "")
	if err != nil {
		t.Fatalf("list root: %v", err)
	}
	got := map[string]bool{}
	for _, fi := range root {
		got[fi.Path] = fi.IsDir
	}
	if diff := cmp.Diff(map[string]bool{"src": true, "top.txt": false}, got); diff != "" {
		t.Fatalf("root listing mismatch (-want +got):\n%s", diff)
	}

	src, err := ov.ListDir(ctx, "src")
	if err != nil {
		t.Fatalf("list src: %v", err)
	}
	var names []string
	for _, fi := range src {
		names = append(names, fi.Path)
	}
	if diff := cmp.Diff([]string{"src/a.go", "src/c.go", "src/pkg"}, names); diff != "" {
		t.Fatalf("src listing mismatch (-want +got):\n%s", diff)
	}

	st, err := ov.Stat(ctx, "src/pkg")
	if err != nil || !st.IsDir {
		t.Fatalf("stat src/pkg = %+v, %v; want directory", st, err)
	}
}

func TestKV_FallthroughAndDelete(t *testing.T) {
	stable, layout := openStable(t)
	ctx := context.Background()
	if err := stable.KVSet(ctx, "project:name", "castle"); err != nil {
		t.Fatalf("kv set: %v", err)
	}
	ov := openOverlay(t, layout, stable, "kv")

	v, err := ov.KVGet(ctx, "project:name")
	if err != nil || v != "castle" {
		t.Fatalf("fallthrough kv = %q, %v", v, err)
	}
	if err := ov.KVSet(ctx, "project:owner", "ops"); err != nil {
		t.Fatalf("kv set overlay: %v", err)
	}
	if err := ov.KVDelete(ctx, "project:name"); err != nil {
		t.Fatalf("kv delete: %v", err)
	}
	if err := ov.KVDelete(ctx, "project:missing"); err != nil {
		t.Fatalf("kv delete missing: %v", err)
	}
	if _, err := ov.KVGet(ctx, "project:name"); !errors.Is(err, workspace.ErrNotFound) {
		t.Fatalf("expected deleted key hidden, got %v", err)
	}
	if v, _ := stable.KVGet(ctx, "project:name"); v != "castle" {
		t.Fatalf("stable kv changed to %q", v)
	}

	pairs, err := ov.KVList(ctx, "project:")
	if err != nil {
		t.Fatalf("kv list: %v", err)
	}
	want := []workspace.KVPair{{Key: "project:owner", Value: "ops"}}
	if diff := cmp.Diff(want, pairs); diff != "" {
		t.Fatalf("kv list mismatch (-want +got):\n%s", diff)
	}
}

func TestSearch_GlobAndGrep(t *testing.T) {
	stable, layout := openStable(t)
	mustWrite(t, stable, "cmd/main.go", "package main\n// TODO wire flags\n")
	mustWrite(t, stable, "lib/util.go", "package lib\n")
	mustWrite(t, stable, "docs/notes.md", "nothing here\n")
	ov := openOverlay(t, layout, stable, "s")
	mustWrite(t, ov, "lib/extra.go", "package lib\n// TODO tests\n")
	ctx := context.Background()

	goFiles, err := ov.Glob(ctx, "*.go")
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	if diff := cmp.Diff([]string{"cmd/main.go", "lib/extra.go", "lib/util.go"}, goFiles); diff != "" {
		t.Fatalf("glob mismatch (-want +got):\n%s", diff)
	}

	libOnly, err := ov.Glob(ctx, "lib/*.go")
	if err != nil {
		t.Fatalf("glob with dir: %v", err)
	}
	if len(libOnly) != 2 {
		t.Fatalf("expected 2 lib files, got %v", libOnly)
	}

	matches, err := ov.Grep(ctx, "TODO", 0)
	if err != nil {
		t.Fatalf("grep: %v", err)
	}
	want := []workspace.Match{
		{Path: "cmd/main.go", Line: 2, Text: "// TODO wire flags"},
		{Path: "lib/extra.go", Line: 2, Text: "// TODO tests"},
	}
	if diff := cmp.Diff(want, matches); diff != "" {
		t.Fatalf("grep mismatch (-want +got):\n%s", diff)
	}

	capped, err := ov.Grep(ctx, "package", 1)
	if err != nil || len(capped) != 1 {
		t.Fatalf("capped grep = %v, %v", capped, err)
	}
}

func TestRemoveDatabase_Idempotent(t *testing.T) {
	stable, layout := openStable(t)
	ov := openOverlay(t, layout, stable, "rm")
	mustWrite(t, ov, "x", "y")
	_ = ov.Close()

	path := layout.OverlayPath("rm")
	if err := workspace.RemoveDatabase(path); err != nil {
		t.Fatalf("remove database: %v", err)
	}
	if err := workspace.RemoveDatabase(path); err != nil {
		t.Fatalf("second remove database: %v", err)
	}
}

func TestKVIncrement_Sequential(t *testing.T) {
	stable, layout := openStable(t)
	ctx := context.Background()
	for want := int64(1); want <= 3; want++ {
		got, err := stable.KVIncrement(ctx, "seq:agents")
		if err != nil {
			t.Fatalf("increment: %v", err)
		}
		if got != want {
			t.Fatalf("increment = %d, want %d", got, want)
		}
	}
	ov := openOverlay(t, layout, stable, "inc")
	if _, err := ov.KVIncrement(ctx, "seq:agents"); err == nil {
		t.Fatal("expected overlay increment to fail")
	}
}

package workspace

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestWorkspace(t *testing.T) *Workspace {
	t.Helper()
	ws, err := New(filepath.Join(t.TempDir(), "sandbox"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return ws
}

func TestNew(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "a", "b")
	ws, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	info, err := os.Stat(ws.Root)
	if err != nil {
		t.Fatalf("root not created: %v", err)
	}
	if !info.IsDir() {
		t.Error("root should be a directory")
	}
	if !filepath.IsAbs(ws.Root) {
		t.Errorf("root should be absolute, got %s", ws.Root)
	}
}

func TestNew_RootIsFile(t *testing.T) {
	f := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(f, []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := New(f); err == nil {
		t.Error("expected error when root is a regular file")
	}
}

func TestResolve(t *testing.T) {
	ws := newTestWorkspace(t)
	if err := os.MkdirAll(filepath.Join(ws.Root, "sub"), 0o750); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		in   string
		want string // relative to root; "" means the root itself
	}{
		{"empty", "", ""},
		{"slash", "/", ""},
		{"plain", "a.txt", "a.txt"},
		{"nested missing", "x/y/z.txt", "x/y/z.txt"},
		{"leading slash", "/etc/passwd", "etc/passwd"},
		{"dot segments inside", "sub/../a.txt", "a.txt"},
		{"encoded literal", "%2e%2e/x", "%2e%2e/x"},
		{"existing dir", "sub", "sub"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ws.Resolve(tc.in)
			if err != nil {
				t.Fatalf("Resolve(%q): %v", tc.in, err)
			}
			want := filepath.Join(ws.Root, filepath.FromSlash(tc.want))
			if got != want {
				t.Errorf("Resolve(%q) = %s, want %s", tc.in, got, want)
			}
		})
	}
}

func TestResolve_Escapes(t *testing.T) {
	ws := newTestWorkspace(t)
	outside := t.TempDir()

	if err := os.Symlink(outside, filepath.Join(ws.Root, "out")); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(filepath.Join(outside, "not-yet"), filepath.Join(ws.Root, "dangling")); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink("loop", filepath.Join(ws.Root, "loop")); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		in   string
	}{
		{"parent", "../evil"},
		{"deep parent", "a/../../evil"},
		{"many parents", "../../../../../../etc/passwd"},
		{"symlink dir", "out/secret"},
		{"symlink itself", "out"},
		{"dangling symlink", "dangling"},
		{"below dangling symlink", "dangling/child.txt"},
		{"symlink loop", "loop/x"},
		{"nul byte", "a\x00b"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ws.Resolve(tc.in)
			if !errors.Is(err, ErrPathEscape) {
				t.Errorf("Resolve(%q) = %q, %v; want ErrPathEscape", tc.in, got, err)
			}
		})
	}
}

func TestResolve_InternalSymlink(t *testing.T) {
	ws := newTestWorkspace(t)
	if err := os.MkdirAll(filepath.Join(ws.Root, "real"), 0o750); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink("real", filepath.Join(ws.Root, "alias")); err != nil {
		t.Fatal(err)
	}
	got, err := ws.Resolve("alias/f.txt")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if want := filepath.Join(ws.Root, "real", "f.txt"); got != want {
		t.Errorf("got %s, want %s", got, want)
	}
}

func TestResolveLink(t *testing.T) {
	ws := newTestWorkspace(t)
	outside := t.TempDir()
	if err := os.MkdirAll(filepath.Join(ws.Root, "real"), 0o750); err != nil {
		t.Fatal(err)
	}
	for name, target := range map[string]string{
		"out":   outside,
		"alias": "real",
	} {
		if err := os.Symlink(target, filepath.Join(ws.Root, name)); err != nil {
			t.Fatal(err)
		}
	}

	tests := []struct {
		name string
		in   string
		want string // relative to the root; empty = ErrPathEscape
	}{
		{"plain file", "real/f.txt", "real/f.txt"},
		{"link outside is the link", "out", "out"},
		{"internal link is the link", "alias", "alias"},
		{"parent followed", "alias/f.txt", "real/f.txt"},
		{"root", "/", "."},
		{"below outside link", "out/secret", ""},
		{"parent escape", "../evil", ""},
		{"nul byte", "a\x00b", ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ws.ResolveLink(tc.in)
			if tc.want == "" {
				if !errors.Is(err, ErrPathEscape) {
					t.Errorf("ResolveLink(%q) = %q, %v; want ErrPathEscape", tc.in, got, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ResolveLink(%q): %v", tc.in, err)
			}
			if want := filepath.Join(ws.Root, tc.want); got != want {
				t.Errorf("ResolveLink(%q) = %s, want %s", tc.in, got, want)
			}
		})
	}
}

func TestContainsAndRelative(t *testing.T) {
	ws := newTestWorkspace(t)
	tests := []struct {
		abs  string
		in   bool
		name string
	}{
		{ws.Root, true, "."},
		{filepath.Join(ws.Root, "a", "b"), true, "a/b"},
		{filepath.Dir(ws.Root), false, ""},
		{ws.Root + "-sibling", false, ""},
	}
	for _, tc := range tests {
		if got := ws.Contains(tc.abs); got != tc.in {
			t.Errorf("Contains(%s) = %v, want %v", tc.abs, got, tc.in)
		}
		if tc.in {
			if got := ws.Relative(tc.abs); got != tc.name {
				t.Errorf("Relative(%s) = %q, want %q", tc.abs, got, tc.name)
			}
		}
	}
}

func TestEnsureParent(t *testing.T) {
	ws := newTestWorkspace(t)
	p, err := ws.Resolve("deep/er/file.txt")
	if err != nil {
		t.Fatal(err)
	}
	if err := ws.EnsureParent(p); err != nil {
		t.Fatalf("EnsureParent: %v", err)
	}
	if info, err := os.Stat(filepath.Dir(p)); err != nil || !info.IsDir() {
		t.Fatalf("parent not created: %v", err)
	}
	// Idempotent.
	if err := ws.EnsureParent(p); err != nil {
		t.Errorf("second EnsureParent: %v", err)
	}
	if err := ws.EnsureParent(filepath.Join(filepath.Dir(ws.Root), "x", "y")); !errors.Is(err, ErrPathEscape) {
		t.Errorf("EnsureParent outside root = %v, want ErrPathEscape", err)
	}
}

func TestUsage(t *testing.T) {
	ws := newTestWorkspace(t)
	files := map[string]string{
		"a.txt":     "hello",
		"d/b.txt":   "world!",
		"d/e/c.bin": strings.Repeat("x", 100),
	}
	for name, body := range files {
		p := filepath.Join(ws.Root, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(p), 0o750); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
			t.Fatal(err)
		}
	}
	u, err := ws.Usage()
	if err != nil {
		t.Fatalf("Usage: %v", err)
	}
	if u.Files != 3 {
		t.Errorf("Files = %d, want 3", u.Files)
	}
	if u.Bytes != 111 {
		t.Errorf("Bytes = %d, want 111", u.Bytes)
	}
}

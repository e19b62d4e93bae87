package file

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/jkaninda/nox/internal/workspace"
)

func newTestService(t *testing.T, maxItems int) (*Service, *workspace.Workspace) {
	t.Helper()
	ws, err := workspace.New(filepath.Join(t.TempDir(), "sandbox"))
	if err != nil {
		t.Fatalf("workspace.New: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewService(ws, Config{MaxListItems: maxItems}, logger), ws
}

func writeFiles(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for name, body := range files {
		p := filepath.Join(root, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(p), 0o750); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
			t.Fatal(err)
		}
	}
}

func TestUpload(t *testing.T) {
	svc, ws := newTestService(t, 0)
	ctx := context.Background()

	res, err := svc.Upload(ctx, "dir/sub/hello.txt", strings.NewReader("hello"), 0)
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	want := filepath.Join(ws.Root, "dir", "sub", "hello.txt")
	if res.Saved != want || res.Bytes != 5 {
		t.Errorf("Upload = %+v, want saved=%s bytes=5", res, want)
	}
	data, err := os.ReadFile(want)
	if err != nil || string(data) != "hello" {
		t.Errorf("file content = %q, %v", data, err)
	}

	// Overwrite replaces the whole file.
	if _, err := svc.Upload(ctx, "dir/sub/hello.txt", strings.NewReader("hi"), 0); err != nil {
		t.Fatal(err)
	}
	if data, _ := os.ReadFile(want); string(data) != "hi" {
		t.Errorf("after overwrite = %q", data)
	}
}

func TestUpload_Errors(t *testing.T) {
	svc, ws := newTestService(t, 0)
	ctx := context.Background()
	if err := os.Mkdir(filepath.Join(ws.Root, "adir"), 0o750); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		path    string
		body    string
		max     int64
		wantErr error
	}{
		{"escape", "../evil.txt", "x", 0, workspace.ErrPathEscape},
		{"root", "", "x", 0, ErrIsDirectory},
		{"directory", "adir", "x", 0, ErrIsDirectory},
		{"too large", "big.bin", strings.Repeat("x", 11), 10, ErrTooLarge},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Upload(ctx, tc.path, strings.NewReader(tc.body), tc.max)
			if !errors.Is(err, tc.wantErr) {
				t.Errorf("Upload(%q) = %v, want %v", tc.path, err, tc.wantErr)
			}
		})
	}

	// Nothing escaped, and no temporary or oversized file was left behind.
	if _, err := os.Stat(filepath.Join(filepath.Dir(ws.Root), "evil.txt")); !os.IsNotExist(err) {
		t.Error("escaping upload wrote outside the sandbox")
	}
	entries, _ := os.ReadDir(ws.Root)
	for _, e := range entries {
		if e.Name() != "adir" {
			t.Errorf("unexpected leftover %s", e.Name())
		}
	}
}

func TestUpload_ExactLimit(t *testing.T) {
	svc, _ := newTestService(t, 0)
	res, err := svc.Upload(context.Background(), "ok.bin", bytes.NewReader(make([]byte, 10)), 10)
	if err != nil {
		t.Fatalf("Upload at limit: %v", err)
	}
	if res.Bytes != 10 {
		t.Errorf("Bytes = %d", res.Bytes)
	}
}

func TestUpload_ConcurrentReadersSeeWholeFiles(t *testing.T) {
	svc, _ := newTestService(t, 0)
	ctx := context.Background()
	a := strings.Repeat("a", 64<<10)
	b := strings.Repeat("b", 64<<10)
	if _, err := svc.Upload(ctx, "f.txt", strings.NewReader(a), 0); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := range 20 {
			body := a
			if i%2 == 0 {
				body = b
			}
			if _, err := svc.Upload(ctx, "f.txt", strings.NewReader(body), 0); err != nil {
				t.Errorf("Upload: %v", err)
				return
			}
		}
	}()
	go func() {
		defer wg.Done()
		for range 50 {
			c, err := svc.Read(ctx, "f.txt", "")
			if err != nil {
				t.Errorf("Read: %v", err)
				return
			}
			if c.Content != a && c.Content != b {
				t.Errorf("partial read of %d bytes", len(c.Content))
				return
			}
		}
	}()
	wg.Wait()
}

func TestList(t *testing.T) {
	svc, ws := newTestService(t, 0)
	writeFiles(t, ws.Root, map[string]string{
		"b.txt":     "bb",
		"a.txt":     "a",
		"d/c.txt":   "ccc",
		"d/e/f.txt": "ffff",
	})
	ctx := context.Background()

	flat, err := svc.List(ctx, "", false)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if flat.Type != KindDirectory {
		t.Errorf("Type = %q", flat.Type)
	}
	names := entryNames(flat.Files)
	if want := "a.txt,b.txt,d"; names != want {
		t.Errorf("flat names = %s, want %s", names, want)
	}
	if flat.Files[2].Kind != KindDirectory || flat.Files[0].Size != 1 {
		t.Errorf("unexpected entries %+v", flat.Files)
	}

	tree, err := svc.List(ctx, "/", true)
	if err != nil {
		t.Fatal(err)
	}
	if want := "a.txt,b.txt,d,d/c.txt,d/e,d/e/f.txt"; entryNames(tree.Files) != want {
		t.Errorf("tree names = %s, want %s", entryNames(tree.Files), want)
	}

	single, err := svc.List(ctx, "d/c.txt", false)
	if err != nil {
		t.Fatal(err)
	}
	if single.Type != KindFile || len(single.Files) != 1 || single.Files[0].Size != 3 {
		t.Errorf("file listing = %+v", single)
	}

	if _, err := svc.List(ctx, "missing", false); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing = %v, want ErrNotFound", err)
	}
	if _, err := svc.List(ctx, "../..", false); !errors.Is(err, workspace.ErrPathEscape) {
		t.Errorf("escape = %v, want ErrPathEscape", err)
	}
}

func TestList_Truncated(t *testing.T) {
	svc, ws := newTestService(t, 3)
	writeFiles(t, ws.Root, map[string]string{
		"1": "", "2": "", "3": "", "x/4": "", "x/5": "",
	})
	for _, recursive := range []bool{false, true} {
		l, err := svc.List(context.Background(), "", recursive)
		if err != nil {
			t.Fatal(err)
		}
		if len(l.Files) != 3 || !l.Truncated {
			t.Errorf("recursive=%v: %d entries, truncated=%v", recursive, len(l.Files), l.Truncated)
		}
	}
}

func TestRead(t *testing.T) {
	svc, ws := newTestService(t, 0)
	writeFiles(t, ws.Root, map[string]string{
		"text.txt": "héllo",
		"bin.dat":  "\xff\xfe\x00",
		"d/x":      "",
	})
	ctx := context.Background()

	c, err := svc.Read(ctx, "text.txt", "")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if c.Content != "héllo" || c.Bytes != 6 || c.Encoding != EncodingUTF8 {
		t.Errorf("Read = %+v", c)
	}

	if _, err := svc.Read(ctx, "bin.dat", ""); !errors.Is(err, ErrDecode) {
		t.Errorf("binary as text = %v, want ErrDecode", err)
	}
	b, err := svc.Read(ctx, "bin.dat", EncodingBase64)
	if err != nil {
		t.Fatal(err)
	}
	if b.Content != base64.StdEncoding.EncodeToString([]byte("\xff\xfe\x00")) || b.Bytes != 3 {
		t.Errorf("base64 = %+v", b)
	}

	tests := []struct {
		name    string
		path    string
		enc     string
		wantErr error
	}{
		{"directory", "d", "", ErrIsDirectory},
		{"missing", "nope", "", ErrNotFound},
		{"escape", "../x", "", workspace.ErrPathEscape},
		{"bad encoding", "text.txt", "rot13", ErrDecode},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := svc.Read(ctx, tc.path, tc.enc); !errors.Is(err, tc.wantErr) {
				t.Errorf("Read(%q) = %v, want %v", tc.path, err, tc.wantErr)
			}
		})
	}
}

func TestDelete(t *testing.T) {
	svc, ws := newTestService(t, 0)
	writeFiles(t, ws.Root, map[string]string{
		"f.txt":   "x",
		"d/a":     "",
		"d/sub/b": "",
	})
	ctx := context.Background()

	res, err := svc.Delete(ctx, "f.txt", false)
	if err != nil {
		t.Fatalf("Delete file: %v", err)
	}
	if res.Removed != 1 || res.Deleted != filepath.Join(ws.Root, "f.txt") {
		t.Errorf("Delete = %+v", res)
	}

	if _, err := svc.Delete(ctx, "d", false); !errors.Is(err, ErrNotDirectoryRequest) {
		t.Errorf("dir without recursive = %v", err)
	}
	res, err = svc.Delete(ctx, "d", true)
	if err != nil {
		t.Fatalf("Delete dir: %v", err)
	}
	// d, d/a, d/sub, d/sub/b
	if res.Removed != 4 {
		t.Errorf("Removed = %d, want 4", res.Removed)
	}
	if _, err := os.Stat(filepath.Join(ws.Root, "d")); !os.IsNotExist(err) {
		t.Error("directory still present")
	}

	if _, err := svc.Delete(ctx, "gone", false); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing = %v", err)
	}
	for _, root := range []string{"", "/", "."} {
		if _, err := svc.Delete(ctx, root, true); !errors.Is(err, ErrRootRemoval) {
			t.Errorf("Delete(%q) = %v, want ErrRootRemoval", root, err)
		}
	}
	if _, err := os.Stat(ws.Root); err != nil {
		t.Error("root removed")
	}
}

func TestDelete_Symlinks(t *testing.T) {
	svc, ws := newTestService(t, 0)
	outside := t.TempDir()
	writeFiles(t, ws.Root, map[string]string{"real/keep.txt": "inside"})
	secret := filepath.Join(outside, "secret.txt")
	if err := os.WriteFile(secret, []byte("outside"), 0o600); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name      string
		link      string
		target    string
		recursive bool
		keep      string // must survive the delete
	}{
		{"to file outside", "leak", secret, false, secret},
		{"to dir outside", "out", outside, true, secret},
		{"to file inside", "alias.txt", "real/keep.txt", false, filepath.Join(ws.Root, "real", "keep.txt")},
		{"to dir inside", "alias", "real", true, filepath.Join(ws.Root, "real", "keep.txt")},
		{"dangling", "dangling", filepath.Join(outside, "not-yet"), false, secret},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			link := filepath.Join(ws.Root, tc.link)
			if err := os.Symlink(tc.target, link); err != nil {
				t.Fatal(err)
			}
			res, err := svc.Delete(context.Background(), tc.link, tc.recursive)
			if err != nil {
				t.Fatalf("Delete(%q): %v", tc.link, err)
			}
			if res.Removed != 1 || res.Deleted != link {
				t.Errorf("Delete = %+v", res)
			}
			if _, err := os.Lstat(link); !os.IsNotExist(err) {
				t.Error("link still present")
			}
			if _, err := os.Stat(tc.keep); err != nil {
				t.Errorf("target gone: %v", err)
			}
		})
	}

	if _, err := svc.Delete(context.Background(), "out/secret.txt", false); err == nil {
		t.Error("delete through a link leaving the root succeeded")
	}
	if _, err := os.Stat(secret); err != nil {
		t.Errorf("outside file gone: %v", err)
	}
}

func entryNames(entries []Entry) string {
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name
	}
	return strings.Join(names, ",")
}

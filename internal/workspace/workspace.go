// Package workspace owns the sandbox root directory and resolves
// client-supplied relative paths into absolute paths that are proven to lie
// inside it.
//
// Containment is checked after every symlink along the path has been
// followed, including dangling links whose targets do not exist yet, so a
// link planted inside the root cannot redirect a later write outside of it.
package workspace

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"syscall"
)

// Sentinel errors for path resolution.
var (
	ErrPathEscape = errors.New("path escapes sandbox")
	ErrPermission = errors.New("sandbox permission denied")
)

// maxSymlinkHops matches the usual kernel ELOOP limit.
const maxSymlinkHops = 40

// Workspace is the sandbox root shared by every request.
type Workspace struct {
	Root string // Absolute, symlink-free.
}

// Usage is a point-in-time size summary of the sandbox tree.
type Usage struct {
	Files int64
	Bytes int64
}

// New creates the root directory if needed and resolves it to its
// absolute, symlink-free form.
func New(root string) (*Workspace, error) {
	resolved, err := resolvePath(root)
	if err != nil {
		return nil, fmt.Errorf("resolving sandbox root %q: %w", root, err)
	}
	if err := os.MkdirAll(resolved, 0750); err != nil {
		return nil, fmt.Errorf("creating sandbox root: %w", classify(err))
	}
	real, err := filepath.EvalSymlinks(resolved)
	if err != nil {
		return nil, fmt.Errorf("resolving sandbox root symlinks: %w", err)
	}
	info, err := os.Stat(real)
	if err != nil {
		return nil, fmt.Errorf("stat sandbox root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("sandbox root %s is not a directory", real)
	}
	return &Workspace{Root: real}, nil
}

// Resolve maps a client-relative path to an absolute path equal to the root
// or below it. Leading separators are stripped, so "/etc" means "<root>/etc".
// Empty input and "/" resolve to the root. A path naming a file that does
// not exist is returned as-is.
func (w *Workspace) Resolve(rel string) (string, error) {
	if strings.ContainsRune(rel, 0) {
		return "", fmt.Errorf("%w: invalid path", ErrPathEscape)
	}
	cleaned := strings.TrimLeft(rel, `/\`)
	joined := filepath.Join(w.Root, cleaned)

	resolved, err := realpath(joined)
	if err != nil {
		return "", err
	}
	if !w.Contains(resolved) {
		return "", fmt.Errorf("%w: %q", ErrPathEscape, rel)
	}
	return resolved, nil
}

// ResolveLink is Resolve for operations on the entry itself: the parent
// directory is resolved and checked, the final component is not followed.
// A symlink named by rel maps to the link, wherever it points.
func (w *Workspace) ResolveLink(rel string) (string, error) {
	if strings.ContainsRune(rel, 0) {
		return "", fmt.Errorf("%w: invalid path", ErrPathEscape)
	}
	joined := filepath.Join(w.Root, strings.TrimLeft(rel, `/\`))
	if joined == w.Root {
		return w.Root, nil
	}
	parent, err := realpath(filepath.Dir(joined))
	if err != nil {
		return "", err
	}
	if !w.Contains(parent) {
		return "", fmt.Errorf("%w: %q", ErrPathEscape, rel)
	}
	return filepath.Join(parent, filepath.Base(joined)), nil
}

// Contains reports whether abs is the root or a descendant of it.
// abs must already be symlink-free.
func (w *Workspace) Contains(abs string) bool {
	rel, err := filepath.Rel(w.Root, abs)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}

// Relative returns the client-facing name of an absolute path under the root.
func (w *Workspace) Relative(abs string) string {
	rel, err := filepath.Rel(w.Root, abs)
	if err != nil {
		return abs
	}
	return filepath.ToSlash(rel)
}

// EnsureParent creates the directories leading up to path.
func (w *Workspace) EnsureParent(path string) error {
	dir := filepath.Dir(path)
	if !w.Contains(dir) {
		return fmt.Errorf("%w: %s", ErrPathEscape, dir)
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("creating directory %s: %w", dir, classify(err))
	}
	return nil
}

// Usage walks the tree and counts regular files and their total size.
// Entries that vanish or cannot be read during the walk are skipped.
func (w *Workspace) Usage() (Usage, error) {
	var u Usage
	err := filepath.WalkDir(w.Root, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		u.Files++
		u.Bytes += info.Size()
		return nil
	})
	return u, err
}

// realpath follows every symlink in p, allowing a tail of components that do
// not exist. The returned path is absolute and clean.
func realpath(p string) (string, error) {
	var tail []string
	cur := p
	hops := 0
	for {
		resolved, err := filepath.EvalSymlinks(cur)
		if err == nil {
			return filepath.Join(append([]string{resolved}, tail...)...), nil
		}
		if !notExist(err) {
			if errors.Is(err, fs.ErrPermission) {
				return "", fmt.Errorf("resolving %s: %w", cur, ErrPermission)
			}
			return "", fmt.Errorf("%w: %v", ErrPathEscape, err)
		}

		// cur does not resolve. If it is itself a dangling link, follow it by
		// hand so that the eventual target is what gets checked.
		if info, lerr := os.Lstat(cur); lerr == nil && info.Mode()&fs.ModeSymlink != 0 {
			hops++
			if hops > maxSymlinkHops {
				return "", fmt.Errorf("%w: too many levels of symbolic links", ErrPathEscape)
			}
			target, err := os.Readlink(cur)
			if err != nil {
				return "", fmt.Errorf("reading link %s: %w", cur, err)
			}
			if !filepath.IsAbs(target) {
				target = filepath.Join(filepath.Dir(cur), target)
			}
			cur = filepath.Clean(target)
			continue
		}

		parent := filepath.Dir(cur)
		if parent == cur {
			return filepath.Join(append([]string{cur}, tail...)...), nil
		}
		tail = append([]string{filepath.Base(cur)}, tail...)
		cur = parent
	}
}

func notExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist) || errors.Is(err, syscall.ENOTDIR)
}

func classify(err error) error {
	if errors.Is(err, fs.ErrPermission) {
		return fmt.Errorf("%w: %v", ErrPermission, err)
	}
	return err
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

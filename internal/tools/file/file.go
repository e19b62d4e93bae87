// Package file implements the sandbox file operations: upload, list, read
// and delete. Every path goes through the workspace resolver before any I/O.
package file

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"
	"unicode/utf8"

	"github.com/jkaninda/nox/internal/workspace"
)

var (
	ErrNotFound            = errors.New("path not found")
	ErrIsDirectory         = errors.New("path is not a file")
	ErrNotDirectoryRequest = errors.New("directory removal requires recursive=true")
	ErrRootRemoval         = errors.New("refusing to delete the sandbox root")
	ErrDecode              = errors.New("file is not valid UTF-8 text")
	ErrTooLarge            = errors.New("upload exceeds size limit")
)

// Entry kinds.
const (
	KindFile      = "file"
	KindDirectory = "directory"
)

// Encodings accepted by Read.
const (
	EncodingUTF8   = "utf-8"
	EncodingBase64 = "base64"
)

const defaultMaxListItems = 10000

// Config configures the file service.
type Config struct {
	MaxListItems int // Cap on recursive listings. Default 10000.
}

// Entry describes one file or directory.
type Entry struct {
	Name     string `json:"name"`
	Kind     string `json:"kind"`
	Size     int64  `json:"size"`
	Modified string `json:"modified"`
}

// Listing is the result of List.
type Listing struct {
	Type      string  `json:"type"` // kind of the target itself
	Path      string  `json:"path"`
	Files     []Entry `json:"files"`
	Truncated bool    `json:"truncated"`
}

// UploadResult is the result of Upload.
type UploadResult struct {
	Saved string `json:"saved"`
	Bytes int64  `json:"bytes"`
}

// Content is the result of Read.
type Content struct {
	Content  string `json:"content"`
	Bytes    int64  `json:"bytes"`
	Encoding string `json:"encoding"`
}

// DeleteResult is the result of Delete.
type DeleteResult struct {
	Deleted string `json:"deleted"`
	Removed int    `json:"removed"`
}

// Service performs file operations inside one workspace.
type Service struct {
	ws       *workspace.Workspace
	maxItems int
	logger   *slog.Logger
}

// NewService creates a file service rooted at ws.
func NewService(ws *workspace.Workspace, cfg Config, logger *slog.Logger) *Service {
	maxItems := cfg.MaxListItems
	if maxItems <= 0 {
		maxItems = defaultMaxListItems
	}
	return &Service{ws: ws, maxItems: maxItems, logger: logger}
}

// Upload streams r into rel. The data lands in a sibling temporary file
// that is renamed over the target, so readers see the old or the new file
// and never a partial one. maxBytes <= 0 means unlimited.
func (s *Service) Upload(ctx context.Context, rel string, r io.Reader, maxBytes int64) (UploadResult, error) {
	path, err := s.ws.Resolve(rel)
	if err != nil {
		return UploadResult{}, err
	}
	if path == s.ws.Root {
		return UploadResult{}, fmt.Errorf("%w: upload target is the sandbox root", ErrIsDirectory)
	}
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		return UploadResult{}, fmt.Errorf("%w: %s", ErrIsDirectory, rel)
	}
	if err := s.ws.EnsureParent(path); err != nil {
		return UploadResult{}, err
	}

	n, err := writeAtomic(path, r, maxBytes, 0o640)
	if err != nil {
		return UploadResult{}, err
	}
	s.logger.InfoContext(ctx, "file uploaded",
		slog.String("path", s.ws.Relative(path)),
		slog.Int64("bytes", n),
	)
	return UploadResult{Saved: path, Bytes: n}, nil
}

// WriteFile replaces rel with data atomically, creating parents.
func (s *Service) WriteFile(ctx context.Context, rel string, data []byte) (string, error) {
	res, err := s.Upload(ctx, rel, bytesReader(data), 0)
	if err != nil {
		return "", err
	}
	return res.Saved, nil
}

// List describes rel. Directories list their children, or the whole tree
// when recursive is set, sorted by name and capped at the configured limit.
func (s *Service) List(_ context.Context, rel string, recursive bool) (Listing, error) {
	path, err := s.ws.Resolve(rel)
	if err != nil {
		return Listing{}, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return Listing{}, statError(err, rel)
	}
	if !info.IsDir() {
		return Listing{
			Type:  KindFile,
			Path:  rel,
			Files: []Entry{toEntry(info.Name(), info)},
		}, nil
	}

	listing := Listing{Type: KindDirectory, Path: rel, Files: []Entry{}}
	if !recursive {
		dirEntries, err := os.ReadDir(path)
		if err != nil {
			return Listing{}, fmt.Errorf("listing %s: %w", rel, err)
		}
		for _, d := range dirEntries {
			if len(listing.Files) >= s.maxItems {
				listing.Truncated = true
				break
			}
			fi, err := d.Info()
			if err != nil {
				continue
			}
			listing.Files = append(listing.Files, toEntry(d.Name(), fi))
		}
		return listing, nil
	}

	// WalkDir visits entries in lexical order, so the tree comes out sorted.
	err = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == path {
				return err
			}
			return nil
		}
		if p == path {
			return nil
		}
		if len(listing.Files) >= s.maxItems {
			listing.Truncated = true
			return fs.SkipAll
		}
		fi, err := d.Info()
		if err != nil {
			return nil
		}
		name, err := filepath.Rel(path, p)
		if err != nil {
			return nil
		}
		listing.Files = append(listing.Files, toEntry(filepath.ToSlash(name), fi))
		return nil
	})
	if err != nil {
		return Listing{}, fmt.Errorf("walking %s: %w", rel, err)
	}
	sort.SliceStable(listing.Files, func(i, j int) bool { return listing.Files[i].Name < listing.Files[j].Name })
	return listing, nil
}

// Read returns the contents of rel as strict UTF-8 text, or base64 when
// encoding is "base64".
func (s *Service) Read(_ context.Context, rel, encoding string) (Content, error) {
	path, err := s.ws.Resolve(rel)
	if err != nil {
		return Content{}, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return Content{}, statError(err, rel)
	}
	if info.IsDir() {
		return Content{}, fmt.Errorf("%w: %s", ErrIsDirectory, rel)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Content{}, statError(err, rel)
	}

	switch encoding {
	case EncodingBase64:
		return Content{
			Content:  base64.StdEncoding.EncodeToString(data),
			Bytes:    int64(len(data)),
			Encoding: EncodingBase64,
		}, nil
	case "", EncodingUTF8, "utf8", "text":
		if !utf8.Valid(data) {
			return Content{}, fmt.Errorf("%w: %s (retry with encoding=base64)", ErrDecode, rel)
		}
		return Content{Content: string(data), Bytes: int64(len(data)), Encoding: EncodingUTF8}, nil
	default:
		return Content{}, fmt.Errorf("%w: unsupported encoding %q", ErrDecode, encoding)
	}
}

// Delete removes rel. Directories need recursive; the root itself is never
// removed.
func (s *Service) Delete(ctx context.Context, rel string, recursive bool) (DeleteResult, error) {
	// A symlink is removed itself, never its target.
	path, err := s.ws.ResolveLink(rel)
	if err != nil {
		return DeleteResult{}, err
	}
	if path == s.ws.Root {
		return DeleteResult{}, ErrRootRemoval
	}
	info, err := os.Lstat(path)
	if err != nil {
		return DeleteResult{}, statError(err, rel)
	}

	removed := 1
	if info.IsDir() {
		if !recursive {
			return DeleteResult{}, fmt.Errorf("%w: %s", ErrNotDirectoryRequest, rel)
		}
		removed = countEntries(path)
		err = os.RemoveAll(path)
	} else {
		err = os.Remove(path)
	}
	if err != nil {
		return DeleteResult{}, fmt.Errorf("deleting %s: %w", rel, err)
	}

	s.logger.InfoContext(ctx, "path deleted",
		slog.String("path", s.ws.Relative(path)),
		slog.Int("removed", removed),
	)
	return DeleteResult{Deleted: path, Removed: removed}, nil
}

// countEntries counts dir and everything below it.
func countEntries(dir string) int {
	n := 0
	_ = filepath.WalkDir(dir, func(_ string, _ fs.DirEntry, err error) error {
		if err == nil {
			n++
		}
		return nil
	})
	return n
}

func toEntry(name string, info fs.FileInfo) Entry {
	e := Entry{
		Name:     name,
		Kind:     KindFile,
		Modified: info.ModTime().UTC().Format(time.RFC3339),
	}
	if info.IsDir() {
		e.Kind = KindDirectory
	} else {
		e.Size = info.Size()
	}
	return e
}

func statError(err error, rel string) error {
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrNotFound, rel)
	}
	if errors.Is(err, fs.ErrPermission) {
		return fmt.Errorf("%w: %s", workspace.ErrPermission, rel)
	}
	return err
}

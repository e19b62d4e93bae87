package file

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// writeAtomic copies r into a temporary file next to path and renames it
// into place. The temporary is removed on every failure path.
func writeAtomic(path string, r io.Reader, maxBytes int64, perm os.FileMode) (int64, error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return 0, fmt.Errorf("creating temporary file: %w", err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	src := r
	if maxBytes > 0 {
		src = io.LimitReader(r, maxBytes+1)
	}
	n, err := io.Copy(tmp, src)
	if err != nil {
		return 0, fmt.Errorf("writing %s: %w", path, err)
	}
	if maxBytes > 0 && n > maxBytes {
		return 0, fmt.Errorf("%w: more than %d bytes", ErrTooLarge, maxBytes)
	}
	if err := tmp.Chmod(perm); err != nil {
		return 0, fmt.Errorf("setting permissions: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return 0, fmt.Errorf("syncing %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return 0, fmt.Errorf("closing %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return 0, fmt.Errorf("renaming into place: %w", err)
	}
	committed = true
	return n, nil
}

func bytesReader(b []byte) io.Reader { return bytes.NewReader(b) }

package security

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
)

// tailPoll re-reads the file periodically in case a notification is missed.
const tailPoll = time.Second

// TailFile follows path from its current end and sends every line appended
// afterwards to lines. A truncated file is re-read from the start. It blocks
// until ctx is done.
func TailFile(ctx context.Context, path string, lines chan<- string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		return fmt.Errorf("seeking %s: %w", path, err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating tail watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(path); err != nil {
		return fmt.Errorf("watching %s: %w", path, err)
	}

	t := &tailer{f: f, buf: make([]byte, 32*1024)}
	ticker := time.NewTicker(tailPoll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-watcher.Events:
			if !ok {
				return nil
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return fmt.Errorf("tail watcher: %w", err)
		case <-ticker.C:
		}
		if err := t.drain(ctx, lines); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		}
	}
}

type tailer struct {
	f       *os.File
	buf     []byte
	pending []byte
}

// drain reads everything currently available and emits complete lines.
func (t *tailer) drain(ctx context.Context, lines chan<- string) error {
	info, err := t.f.Stat()
	if err != nil {
		return err
	}
	pos, err := t.f.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}
	if info.Size() < pos {
		if _, err := t.f.Seek(0, io.SeekStart); err != nil {
			return err
		}
		t.pending = t.pending[:0]
	}

	for {
		n, err := t.f.Read(t.buf)
		if n > 0 {
			t.pending = append(t.pending, t.buf[:n]...)
			for {
				i := bytes.IndexByte(t.pending, '\n')
				if i < 0 {
					break
				}
				line := string(bytes.TrimRight(t.pending[:i], "\r"))
				t.pending = t.pending[i+1:]
				select {
				case lines <- line:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

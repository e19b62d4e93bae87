package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDebounce coalesces the burst of events editors emit on save.
const reloadDebounce = 200 * time.Millisecond

// PolicyHolder publishes the current policy generation to concurrent readers.
type PolicyHolder struct {
	current    atomic.Pointer[Policy]
	generation atomic.Uint64
}

// NewPolicyHolder creates a holder with p as generation 1.
func NewPolicyHolder(p *Policy) *PolicyHolder {
	h := &PolicyHolder{}
	h.Store(p)
	return h
}

// Current returns the active policy. Callers must not modify it.
func (h *PolicyHolder) Current() *Policy {
	return h.current.Load()
}

// Store swaps in a new generation and returns its number.
func (h *PolicyHolder) Store(p *Policy) uint64 {
	h.current.Store(p)
	return h.generation.Add(1)
}

// Generation returns the number of the active generation.
func (h *PolicyHolder) Generation() uint64 {
	return h.generation.Load()
}

// WatchPolicy reloads the policy file into h whenever it changes on disk and
// blocks until ctx is canceled. The parent directory is watched so that
// atomic replace-by-rename saves are seen. A document that fails to parse is
// logged and the previous generation stays active.
func WatchPolicy(ctx context.Context, path string, h *PolicyHolder, logger *slog.Logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating policy watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watching %s: %w", dir, err)
	}
	base := filepath.Base(path)

	logger.Info("policy watcher started", slog.String("path", path))

	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			logger.Info("policy watcher stopped")
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			pending = time.After(reloadDebounce)

		case <-pending:
			pending = nil
			p, err := LoadPolicy(path)
			if err != nil {
				logger.Warn("policy reload failed, keeping previous generation",
					slog.String("path", path),
					slog.String("error", err.Error()),
				)
				continue
			}
			gen := h.Store(p)
			logger.Info("policy reloaded",
				slog.String("path", path),
				slog.Uint64("generation", gen),
				slog.String("shell_mode", p.ShellPolicy.Mode),
			)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("policy watcher error", slog.String("error", err.Error()))
		}
	}
}

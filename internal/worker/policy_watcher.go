package worker

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// PolicyWatcher calls reload when the config file changes. Events are
// debounced so an editor's burst of writes yields one reload.
type PolicyWatcher struct {
	path     string
	reload   func(ctx context.Context) error
	debounce time.Duration
	logger   *slog.Logger
}

// NewPolicyWatcher creates a PolicyWatcher for path.
func NewPolicyWatcher(path string, debounce time.Duration, reload func(ctx context.Context) error) *PolicyWatcher {
	if debounce <= 0 {
		debounce = 100 * time.Millisecond
	}
	return &PolicyWatcher{
		path:     path,
		reload:   reload,
		debounce: debounce,
		logger:   slog.Default().With("component", "worker.policy_watcher"),
	}
}

// Run watches until ctx is cancelled. The parent directory is watched
// rather than the file so atomic rename-into-place saves are seen.
func (w *PolicyWatcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer fw.Close()

	abs, err := filepath.Abs(w.path)
	if err != nil {
		return fmt.Errorf("resolve config path: %w", err)
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}
	w.logger.Info("policy watcher started", "path", abs)

	var (
		mu    sync.Mutex
		timer *time.Timer
	)
	defer func() {
		mu.Lock()
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-fw.Events:
			if !ok {
				return fmt.Errorf("watcher events channel closed")
			}
			if filepath.Clean(ev.Name) != abs || !(ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create)) {
				continue
			}
			mu.Lock()
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, func() {
				if ctx.Err() != nil {
					return
				}
				if err := w.reload(ctx); err != nil {
					w.logger.Error("policy reload failed, keeping current policy", "error", err)
					return
				}
				w.logger.Info("policy reloaded", "path", abs)
			})
			mu.Unlock()

		case err, ok := <-fw.Errors:
			if !ok {
				return fmt.Errorf("watcher errors channel closed")
			}
			w.logger.Error("policy watcher error", "error", err)
		}
	}
}

package brokerd

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounceDefault is the default debounce interval for prompt file events.
const debounceDefault = 100 * time.Millisecond

// PromptWatcher reports prompt files written by other processes, such as
// "sideload broker grant".
type PromptWatcher struct {
	dir      string
	handler  func(key string)
	debounce time.Duration
	log      *slog.Logger
}

// NewPromptWatcher creates a watcher for dir. handler receives prompt keys.
func NewPromptWatcher(dir string, handler func(key string), log *slog.Logger) *PromptWatcher {
	if log == nil {
		log = slog.Default()
	}
	return &PromptWatcher{
		dir:      dir,
		handler:  handler,
		debounce: debounceDefault,
		log:      log.With("component", "prompt-watcher"),
	}
}

// Run watches until ctx is cancelled. Prompts already on disk are reported
// once at startup.
func (w *PromptWatcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = watcher.Close() }()

	if err := watcher.Add(w.dir); err != nil {
		return err
	}
	if err := w.scanExisting(); err != nil {
		return err
	}

	// Atomic writes surface as a Create (rename) event, often in bursts;
	// one timer coalesces them.
	ready := make(map[string]bool)
	timer := time.NewTimer(w.debounce)
	timer.Stop()
	defer timer.Stop()

	flush := func() {
		for key := range ready {
			w.handler(key)
		}
		ready = make(map[string]bool)
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-timer.C:
			flush()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			key, ok := promptKey(event.Name)
			if !ok {
				continue
			}
			ready[key] = true
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(w.debounce)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("watch error", "error", err)
		}
	}
}

func (w *PromptWatcher) scanExisting() error {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if key, ok := promptKey(e.Name()); ok {
			w.handler(key)
		}
	}
	return nil
}

// promptKey returns the key of a prompt file, skipping partial writes.
func promptKey(path string) (string, bool) {
	name := filepath.Base(path)
	if !strings.HasSuffix(name, ".json") {
		return "", false
	}
	return strings.TrimSuffix(name, ".json"), true
}

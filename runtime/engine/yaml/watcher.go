package yaml

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultDebounce = 250 * time.Millisecond

// Watcher reports changes to the loader's flow path. A single file is
// watched through its directory so editors that replace the file on save are
// still seen.
type Watcher struct {
	l        *slog.Logger
	loader   *FlowLoader
	debounce time.Duration
}

func NewWatcher(l *slog.Logger, loader *FlowLoader, debounce time.Duration) *Watcher {
	if l == nil {
		l = slog.Default()
	}
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	return &Watcher{l: l, loader: loader, debounce: debounce}
}

// Watch calls onChange once per burst of relevant file events until ctx is
// done. Calls are sequential.
func (w *Watcher) Watch(ctx context.Context, onChange func(context.Context)) error {
	dir, match, err := w.target()
	if err != nil {
		return err
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create file watcher: %w", err)
	}
	defer fw.Close()

	if err := fw.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	w.l.Info("Watching flow documents", "path", w.loader.path)

	timer := time.NewTimer(w.debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if event.Op == fsnotify.Chmod || !match(event.Name) {
				continue
			}
			w.l.Debug("Flow document event", "file", event.Name, "op", event.Op.String())
			timer.Reset(w.debounce)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.l.Warn("File watcher error", "error", err)
		case <-timer.C:
			onChange(ctx)
		}
	}
}

// target returns the directory to watch and a filter for event paths.
func (w *Watcher) target() (string, func(string) bool, error) {
	info, err := os.Stat(w.loader.path)
	if err != nil {
		return "", nil, fmt.Errorf("error reading flow path: %w", err)
	}

	if !info.IsDir() {
		file := filepath.Clean(w.loader.path)
		return filepath.Dir(file), func(name string) bool {
			return filepath.Clean(name) == file
		}, nil
	}

	return w.loader.path, func(name string) bool {
		for _, pattern := range w.loader.Extensions() {
			if ok, _ := filepath.Match(pattern, filepath.Base(name)); ok {
				return true
			}
		}
		return false
	}, nil
}

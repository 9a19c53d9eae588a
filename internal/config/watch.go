package config

import (
	"context"
	"errors"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"
	"github.com/fsnotify/fsnotify"
)

const defaultDebounce = 200 * time.Millisecond

// WatchOptions configures a config file watcher.
type WatchOptions struct {
	// Paths are the config files to watch. Defaults to Paths().
	Paths []string
	// Debounce is how long to wait after the last change before reloading.
	Debounce time.Duration
	// OnChange receives each successfully reloaded config.
	OnChange func(*Config)
	// Logger receives reload failures. Defaults to log.Default().
	Logger *log.Logger
}

// Watcher reloads config when any of the watched files change and hands the
// result to OnChange. Edits that fail to parse are logged and skipped, so a
// half-saved file never replaces a good config.
type Watcher struct {
	fs       *fsnotify.Watcher
	paths    []string
	debounce time.Duration
	onChange func(*Config)
	logger   *log.Logger
	cancel   context.CancelFunc
	done     chan struct{}
}

// Watch starts watching the config files named in opts. Editors replace
// files rather than writing in place, so the parent directories are watched
// and events are filtered by name.
func Watch(ctx context.Context, opts WatchOptions) (*Watcher, error) {
	if opts.OnChange == nil {
		return nil, errors.New("config watch requires an OnChange callback")
	}
	paths := opts.Paths
	if len(paths) == 0 {
		resolved, err := Paths()
		if err != nil {
			return nil, err
		}
		paths = resolved
	}
	debounce := opts.Debounce
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}

	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	for _, path := range paths {
		dir := filepath.Dir(path)
		if seen[dir] {
			continue
		}
		seen[dir] = true
		if err := fs.Add(dir); err != nil {
			// The directory may not exist yet. The config is optional, so
			// a missing directory just means nothing to watch there.
			logger.Debug("config watch skipped directory", "dir", dir, "error", err)
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		fs:       fs,
		paths:    append([]string(nil), paths...),
		debounce: debounce,
		onChange: opts.OnChange,
		logger:   logger,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go w.run(ctx)
	return w, nil
}

// Close stops the watcher and waits for its goroutine to exit.
func (w *Watcher) Close() error {
	if w == nil {
		return nil
	}
	w.cancel()
	err := w.fs.Close()
	<-w.done
	return err
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	var pending *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if !w.matches(event) {
				continue
			}
			if pending == nil {
				pending = time.NewTimer(w.debounce)
				fire = pending.C
			} else {
				if !pending.Stop() {
					<-fire
				}
				pending.Reset(w.debounce)
			}

		case <-fire:
			pending = nil
			fire = nil
			w.reload(ctx)

		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watch error", "error", err)
		}
	}
}

func (w *Watcher) matches(event fsnotify.Event) bool {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
		return false
	}
	for _, path := range w.paths {
		if filepath.Clean(event.Name) == filepath.Clean(path) {
			return true
		}
	}
	return false
}

func (w *Watcher) reload(ctx context.Context) {
	cfg, err := LoadPaths(ctx, w.paths...)
	if err != nil {
		w.logger.Warn("config reload failed, keeping previous settings", "error", err)
		return
	}
	w.logger.Info("config reloaded")
	w.onChange(cfg)
}

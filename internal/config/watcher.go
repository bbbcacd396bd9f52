package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/robbyt/go-supervisor/supervisor"
)

// DefaultDebounce is how long the watcher waits for writes to settle.
const DefaultDebounce = time.Second

// ReloadCallback receives the result of Load for the watched file: a nil cfg
// when parsing failed, otherwise the parsed file plus its warnings.
type ReloadCallback func(cfg *Config, errs []error)

var (
	_ supervisor.Runnable   = (*Watcher)(nil)
	_ supervisor.Reloadable = (*Watcher)(nil)
)

// Watcher reloads the origin's config file when it changes on disk or when
// Reload is called. It runs as a supervisor runnable, so SIGHUP maps to
// Reload. Writes that leave the content unchanged are ignored.
type Watcher struct {
	path     string
	onReload ReloadCallback
	logger   *slog.Logger
	debounce time.Duration

	pending  chan struct{}
	requests chan chan error
	stopCh   chan struct{}
	stopOnce sync.Once

	// sum is the fingerprint of the content last handed to onReload.
	sum []byte
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithDebounce sets how long to wait after the last event before reloading.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// NewWatcher creates a watcher for path. A nil logger discards output.
func NewWatcher(path string, onReload ReloadCallback, logger *slog.Logger, opts ...WatcherOption) *Watcher {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	w := &Watcher{
		path:     path,
		onReload: onReload,
		logger:   logger.With("component", "config", "path", path),
		debounce: DefaultDebounce,
		pending:  make(chan struct{}, 1),
		requests: make(chan chan error),
		stopCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *Watcher) String() string {
	return "config.Watcher"
}

// Run watches the file's directory, so editors that save by renaming a temp
// file over the original are seen too. It returns nil once ctx is done or
// Stop is called.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsw.Close()

	if err := fsw.Add(filepath.Dir(w.path)); err != nil {
		return err
	}
	w.sum, _ = fingerprint(w.path)

	name := filepath.Base(w.path)
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-w.stopCh:
			return nil

		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != name {
				continue
			}
			if ev.Has(fsnotify.Remove) {
				w.logger.Warn("Config file removed, keeping current routes")
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, w.signal)

		case <-w.pending:
			w.reload(false)

		case done := <-w.requests:
			done <- w.reload(true)

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("File watch error", "error", err)
		}
	}
}

// Reload re-reads the file even if its content did not change and blocks
// until the callback has run. It fails when the file could not be read or
// parsed, and returns ctx's error if Run does not pick the request up in time.
func (w *Watcher) Reload(ctx context.Context) error {
	done := make(chan error, 1)
	select {
	case w.requests <- done:
	case <-w.stopCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop ends Run. It is safe to call more than once, and before Run.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
}

func (w *Watcher) signal() {
	select {
	case w.pending <- struct{}{}:
	default:
	}
}

func (w *Watcher) reload(force bool) error {
	sum, err := fingerprint(w.path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		w.logger.Debug("Config file missing, skipping reload")
		return nil
	case err != nil:
		w.logger.Warn("Config file unreadable, skipping reload", "error", err)
		return err
	case !force && bytes.Equal(sum, w.sum):
		w.logger.Debug("Config file unchanged")
		return nil
	}
	w.sum = sum

	cfg, errs := Load(w.path)
	w.onReload(cfg, errs)
	if cfg == nil {
		return errors.Join(errs...)
	}
	return nil
}

func fingerprint(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(data)
	return sum[:], nil
}

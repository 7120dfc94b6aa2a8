package config

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ChangeEvent carries a reloaded configuration whose file content differs
// from the last accepted version.
type ChangeEvent struct {
	Path    string
	OldHash string
	NewHash string
	Config  *Config
	Time    time.Time
}

type WatcherOption func(*Watcher)

// WithWatchDebounce sets how long the file must stay quiet before a reload.
func WithWatchDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) { w.quiet = d }
}

func WithWatchLogger(l *slog.Logger) WatcherOption {
	return func(w *Watcher) { w.logger = l }
}

// Watcher reloads a billsync config file when it changes. The parent
// directory is watched so editors that save by rename and Kubernetes
// ConfigMap symlink swaps are both noticed.
type Watcher struct {
	source   *FileSource
	quiet    time.Duration
	logger   *slog.Logger
	onChange func(ChangeEvent)

	fsw     *fsnotify.Watcher
	stop    chan struct{}
	stopped sync.Once
	exited  chan struct{}

	// accepted is only touched by the run goroutine after Start.
	accepted string
}

func NewWatcher(source *FileSource, onChange func(ChangeEvent), opts ...WatcherOption) *Watcher {
	w := &Watcher{
		source:   source,
		quiet:    500 * time.Millisecond,
		logger:   slog.Default(),
		onChange: onChange,
		stop:     make(chan struct{}),
		exited:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start records the current file hash and begins watching. The file must
// exist.
func (w *Watcher) Start() error {
	h, err := w.source.Hash()
	if err != nil {
		return fmt.Errorf("config: watch: %w", err)
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: watch: %w", err)
	}
	dir := filepath.Dir(w.source.Path())
	if err := fsw.Add(dir); err != nil {
		_ = fsw.Close()
		return fmt.Errorf("config: watch %s: %w", dir, err)
	}
	w.accepted = h
	w.fsw = fsw
	go w.run()
	return nil
}

// Stop ends the watch and waits for the run goroutine. Repeated calls are
// no-ops.
func (w *Watcher) Stop() error {
	var err error
	w.stopped.Do(func() {
		close(w.stop)
		if w.fsw == nil {
			return
		}
		<-w.exited
		err = w.fsw.Close()
	})
	return err
}

func (w *Watcher) run() {
	defer close(w.exited)
	name := filepath.Base(w.source.Path())

	settle := time.NewTimer(time.Hour)
	settle.Stop()
	defer settle.Stop()

	for {
		select {
		case <-w.stop:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			// ConfigMap updates touch ..data rather than the file itself.
			base := filepath.Base(ev.Name)
			if base != name && base != "..data" {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				settle.Reset(w.quiet)
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watch error", "error", err)
		case <-settle.C:
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	path := w.source.Path()
	h, err := w.source.Hash()
	if err != nil {
		w.logger.Warn("config reload skipped", "path", path, "error", err)
		return
	}
	if h == w.accepted {
		return
	}
	cfg, err := w.source.Load()
	if err != nil {
		w.logger.Error("config reload rejected", "path", path, "error", err)
		return
	}
	prev := w.accepted
	w.accepted = h
	w.logger.Info("config reloaded", "path", path, "hash", h[:12])
	w.onChange(ChangeEvent{Path: path, OldHash: prev, NewHash: h, Config: cfg, Time: time.Now()})
}

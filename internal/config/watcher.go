package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ReloadEvent reports a config file change after debouncing.
type ReloadEvent struct {
	Path string
	Op   fsnotify.Op
}

// Watcher watches the broker config file and emits debounced reload events.
// Editors replace files by rename/create, so the watch is on the parent
// directory filtered to the config path.
type Watcher struct {
	path     string
	debounce time.Duration
	logger   *slog.Logger
	events   chan ReloadEvent
}

// NewWatcher creates a Watcher for the given config file path.
func NewWatcher(path string, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		path:     path,
		debounce: 500 * time.Millisecond,
		logger:   logger.With("component", "config-watcher"),
		events:   make(chan ReloadEvent, 4),
	}
}

// Events returns the reload event channel. It is closed when the watcher stops.
func (w *Watcher) Events() <-chan ReloadEvent {
	return w.events
}

// Start begins watching until ctx is cancelled.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(filepath.Dir(w.path)); err != nil {
		fsw.Close()
		return err
	}

	go func() {
		defer fsw.Close()
		defer close(w.events)

		var (
			timer   *time.Timer
			pending ReloadEvent
		)
		fire := make(chan struct{}, 1)

		for {
			var fireCh <-chan struct{}
			if timer != nil {
				fireCh = fire
			}
			select {
			case <-ctx.Done():
				if timer != nil {
					timer.Stop()
				}
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				pending = ReloadEvent{Path: ev.Name, Op: ev.Op}
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(w.debounce, func() {
					select {
					case fire <- struct{}{}:
					default:
					}
				})
			case <-fireCh:
				timer = nil
				select {
				case w.events <- pending:
				default:
				}
				w.logger.Info("config file changed", "path", pending.Path, "op", pending.Op.String())
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				w.logger.Error("config watcher error", "error", err)
			}
		}
	}()
	return nil
}

package config

import (
	"context"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/loomctl/loom/pkg/telemetry"
)

// debounceWindow coalesces the write bursts editors produce when saving.
const debounceWindow = 250 * time.Millisecond

// Watcher reloads the configuration file on change and hands the new
// configuration to a callback. Files that fail to parse or validate are
// ignored; the previous configuration stays in effect.
type Watcher struct {
	path     string
	logger   *telemetry.Logger
	onReload func(*Config)
	watcher  *fsnotify.Watcher
}

// NewWatcher creates a watcher for the given configuration file.
func NewWatcher(path string, logger *telemetry.Logger, onReload func(*Config)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(path); err != nil {
		fsw.Close()
		return nil, err
	}
	if logger == nil {
		logger = telemetry.NopLogger()
	}
	return &Watcher{
		path:     path,
		logger:   logger.NewComponentLogger("config-watcher"),
		onReload: onReload,
		watcher:  fsw,
	}, nil
}

// Run watches for changes until the context is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	defer w.watcher.Close()

	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounceWindow)
				timerC = timer.C
			} else {
				timer.Reset(debounceWindow)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.WithError(err).Warn("config watch error")
		case <-timerC:
			timer = nil
			timerC = nil
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.WithError(err).Warn("ignoring invalid config change")
		return
	}
	w.logger.Info("configuration reloaded")
	w.onReload(cfg)
}

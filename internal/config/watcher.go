package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// DefaultWatchInterval is how often a [Watcher] polls its file.
const DefaultWatchInterval = 5 * time.Second

// ChangeFunc receives a newly loaded config and how it differs from the
// previous one. It is not called for edits that change nothing.
type ChangeFunc func(next *Config, diff ConfigDiff)

// Watcher reloads a config file when its content changes. Invalid edits are
// logged and the previous config stays current.
type Watcher struct {
	path     string
	interval time.Duration
	onChange ChangeFunc

	mu      sync.Mutex
	current *Config
	mtime   time.Time
	sum     [sha256.Size]byte
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// NewWatcher loads path once and returns a watcher for it. Polling starts
// with [Watcher.Run].
func NewWatcher(path string, onChange ChangeFunc, opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{path: path, interval: DefaultWatchInterval, onChange: onChange}
	for _, o := range opts {
		o(w)
	}
	cfg, sum, mtime, err := w.load()
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	w.current, w.sum, w.mtime = cfg, sum, mtime
	return w, nil
}

// Current returns the most recently loaded valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Run polls the file until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if info, err := os.Stat(w.path); err != nil {
				slog.Warn("config watcher: cannot stat file", "path", w.path, "err", err)
				continue
			} else if w.unchangedSince(info.ModTime()) {
				continue
			}
			if err := w.Reload(); err != nil {
				slog.Warn("config watcher: reload rejected", "path", w.path, "err", err)
			}
		}
	}
}

func (w *Watcher) unchangedSince(mtime time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return mtime.Equal(w.mtime)
}

// Reload reads the file now, bypassing the modification-time check. An
// invalid file returns an error and leaves the current config in place.
func (w *Watcher) Reload() error {
	cfg, sum, mtime, err := w.load()
	if err != nil {
		return err
	}

	w.mu.Lock()
	w.mtime = mtime
	if sum == w.sum {
		w.mu.Unlock()
		return nil
	}
	prev := w.current
	w.current, w.sum = cfg, sum
	w.mu.Unlock()

	d := Diff(prev, cfg)
	slog.Info("config watcher: configuration reloaded", "path", w.path,
		"agent_changed", d.AgentChanged, "restart_required", d.RestartRequired)
	if w.onChange != nil && !d.Empty() {
		w.onChange(cfg, d)
	}
	return nil
}

func (w *Watcher) load() (*Config, [sha256.Size]byte, time.Time, error) {
	var zero [sha256.Size]byte
	info, err := os.Stat(w.path)
	if err != nil {
		return nil, zero, time.Time{}, err
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, zero, time.Time{}, err
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, zero, time.Time{}, err
	}
	return cfg, sha256.Sum256(data), info.ModTime(), nil
}

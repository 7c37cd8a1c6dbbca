package config

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"reflect"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Change describes a reloaded config file.
type Change struct {
	Old *Config
	New *Config
}

// FenceChanged reports whether clicker.fence changed.
func (c Change) FenceChanged() bool {
	return c.Old.Clicker.Fence != c.New.Clicker.Fence
}

// DisconnectAlertChanged reports whether clicker.disconnect_alert changed.
func (c Change) DisconnectAlertChanged() bool {
	return c.Old.Clicker.DisconnectAlert != c.New.Clicker.DisconnectAlert
}

// Watcher reloads a config file when it changes on disk. Invalid files are
// logged and ignored; the previous config stays in effect.
type Watcher struct {
	path    string
	fs      *fsnotify.Watcher
	changes chan Change
	done    chan struct{}
	wg      sync.WaitGroup

	mu      sync.Mutex
	current *Config
}

// Watch starts watching path. The parent directory is watched so that
// editors which replace the file on save are handled.
func Watch(path string, current *Config) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: create watcher: %w", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		fsw.Close()
		return nil, fmt.Errorf("config: resolve %s: %w", path, err)
	}
	if err := fsw.Add(filepath.Dir(abs)); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("config: watch %s: %w", filepath.Dir(abs), err)
	}

	w := &Watcher{
		path:    abs,
		fs:      fsw,
		changes: make(chan Change, 4),
		done:    make(chan struct{}),
		current: current,
	}
	w.wg.Add(1)
	go w.loop()
	return w, nil
}

// Changes delivers one value per effective config change.
func (w *Watcher) Changes() <-chan Change {
	return w.changes
}

// Current returns the config in effect.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Close stops watching. Changes is closed once the watcher has exited.
func (w *Watcher) Close() error {
	close(w.done)
	err := w.fs.Close()
	w.wg.Wait()
	return err
}

func (w *Watcher) loop() {
	defer w.wg.Done()
	defer close(w.changes)
	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			w.reload()
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			slog.Warn("[CONFIG] watcher error", "error", err)
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		slog.Debug("[CONFIG] reload skipped", "error", err)
		return
	}
	if err := cfg.Validate(); err != nil {
		slog.Warn("[CONFIG] invalid config ignored", "path", w.path, "error", err)
		return
	}

	w.mu.Lock()
	old := w.current
	if reflect.DeepEqual(old, cfg) {
		w.mu.Unlock()
		return
	}
	w.current = cfg
	w.mu.Unlock()

	slog.Info("[CONFIG] reloaded", "path", w.path)
	select {
	case w.changes <- Change{Old: old, New: cfg}:
	case <-w.done:
	}
}

// Copyright (C) 2026 Perch Labs (oss@perchlabs.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package config

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads the configuration file when it changes on disk.
//
// # Description
//
// Detects external edits to the config file (e.g. hand-editing on the
// host, a config-management agent rewriting it) and applies them through
// Store.Reload. Edits that fail to parse or validate are logged and
// ignored; the in-memory configuration keeps its last good value.
// The Store's own atomic saves also trigger events, but reload to an
// identical value is a no-op, so self-writes are harmless.
//
// # Thread Safety
//
// Safe for concurrent use. Start should only be called once.
type Watcher struct {
	store    *Store
	watcher  *fsnotify.Watcher
	onChange func(Config)
}

// NewWatcher creates a watcher for the store's backing file.
//
// onChange is invoked with the new snapshot after a successful reload;
// it may be nil.
func NewWatcher(store *Store, onChange func(Config)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{store: store, watcher: fw, onChange: onChange}, nil
}

// Start begins watching for config file changes.
//
// Blocks until the context is cancelled; run it in a goroutine. The parent
// directory is watched rather than the file itself so atomic rename
// replacement (the Store's own save pattern) keeps generating events.
func (w *Watcher) Start(ctx context.Context) {
	defer w.watcher.Close()

	dir := filepath.Dir(w.store.Path())
	if err := w.watcher.Add(dir); err != nil {
		slog.Warn("failed to watch config directory",
			"dir", dir,
			"error", err)
		return
	}
	target := filepath.Clean(w.store.Path())

	slog.Debug("watching configuration file", "path", target)

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("config watcher error", "error", err)
		}
	}
}

func (w *Watcher) reload() {
	applied, err := w.store.Reload()
	if err != nil {
		slog.Warn("ignoring config file change", "error", err)
		return
	}
	if !applied {
		return
	}
	cfg := w.store.Get()
	slog.Info("configuration reloaded from disk",
		"scan_duration", cfg.ScanDuration,
		"scan_interval", cfg.ScanInterval,
		"sleep_duration", cfg.SleepDuration)
	if w.onChange != nil {
		w.onChange(cfg)
	}
}

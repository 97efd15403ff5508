// Copyright (C) 2025 OpenWorld Energy (oss@openworld.energy)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ingest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/openworld-energy/methane/pkg/logging"
)

// Watcher ingests sensor files dropped into a directory.
//
// # Description
//
// Watches one drop directory for new .csv and .json files and runs each
// through the orchestrator. Writes are debounced with a settle window so
// a file still being copied in is not read half-written: the file is
// ingested only after its events go quiet for the settle duration.
//
// # Thread Safety
//
// Safe for concurrent use. Ingestion runs on the watcher's own goroutine;
// files are processed one at a time in arrival order.
type Watcher struct {
	dir    string
	orch   *Orchestrator
	settle time.Duration
	log    *logging.Logger

	watcher  *fsnotify.Watcher
	done     chan struct{}
	stopOnce sync.Once

	mu      sync.Mutex
	pending map[string]*time.Timer
}

// WatcherOptions configures a Watcher.
type WatcherOptions struct {
	// SettleWindow is how long a file's events must be quiet before it
	// is ingested. Default: 500ms.
	SettleWindow time.Duration

	Logger *logging.Logger
}

// NewWatcher creates a watcher over dir feeding the orchestrator.
func NewWatcher(dir string, orch *Orchestrator, opts WatcherOptions) (*Watcher, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("watch directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("watch path %s is not a directory", dir)
	}

	if opts.SettleWindow <= 0 {
		opts.SettleWindow = 500 * time.Millisecond
	}
	if opts.Logger == nil {
		opts.Logger = logging.Default()
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	return &Watcher{
		dir:     dir,
		orch:    orch,
		settle:  opts.SettleWindow,
		log:     opts.Logger.With("component", "ingest-watcher", "dir", dir),
		watcher: fw,
		done:    make(chan struct{}),
		pending: make(map[string]*time.Timer),
	}, nil
}

// Start begins watching. Files already present in the directory are
// ingested first, then new drops as they settle. Returns once watching is
// established; processing continues until Stop or context cancellation.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.watcher.Add(w.dir); err != nil {
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}

	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return fmt.Errorf("scan %s: %w", w.dir, err)
	}
	for _, entry := range entries {
		if !entry.IsDir() && ingestable(entry.Name()) {
			w.ingest(ctx, filepath.Join(w.dir, entry.Name()))
		}
	}

	go w.loop(ctx)
	return nil
}

// Stop stops the watcher. Idempotent.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		w.watcher.Close()

		w.mu.Lock()
		for _, timer := range w.pending {
			timer.Stop()
		}
		w.mu.Unlock()
	})
}

func (w *Watcher) loop(ctx context.Context) {
	ingestNow := make(chan string)

	for {
		select {
		case <-ctx.Done():
			w.Stop()
			return
		case <-w.done:
			return
		case path := <-ingestNow:
			w.mu.Lock()
			delete(w.pending, path)
			w.mu.Unlock()
			w.ingest(ctx, path)
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !event.Op.Has(fsnotify.Create) && !event.Op.Has(fsnotify.Write) {
				continue
			}
			if !ingestable(event.Name) {
				continue
			}
			w.arm(event.Name, ingestNow)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Error("watcher error", "error", err)
		}
	}
}

// arm (re)starts the settle timer for path. Each further event pushes the
// deadline out until the file goes quiet.
func (w *Watcher) arm(path string, ingestNow chan<- string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if timer, ok := w.pending[path]; ok {
		timer.Reset(w.settle)
		return
	}
	w.pending[path] = time.AfterFunc(w.settle, func() {
		select {
		case ingestNow <- path:
		case <-w.done:
		}
	})
}

func (w *Watcher) ingest(ctx context.Context, path string) {
	stats, err := w.orch.IngestFile(ctx, path)
	if err != nil {
		w.log.Error("failed to ingest dropped file", "file", path, "error", err)
		return
	}
	w.log.Info("ingested dropped file",
		"file", path, "appended", stats.Appended,
		"skipped", stats.Skipped, "rejected", stats.Rejected)
}

func ingestable(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".csv", ".json":
		return true
	}
	return false
}

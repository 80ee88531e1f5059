// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package collectorsrv

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/AleutianAI/StudyFlow/services/studyflow/graph"
)

// DefaultReloadDebounce batches editor write bursts into one reload.
const DefaultReloadDebounce = 150 * time.Millisecond

// Registry holds the experiment graphs a collector serves, keyed by
// experiment id.
//
// # Description
//
// Descriptors are loaded from *.yaml, *.yml and *.json files. Watch keeps
// the registry in sync with a directory: a changed file is rebuilt and
// swapped in, a removed file drops its experiment. A file that fails to
// parse or build leaves the previous graph in place.
//
// # Thread Safety
//
// Safe for concurrent use.
type Registry struct {
	logger *slog.Logger

	mu     sync.RWMutex
	graphs map[string]*graph.Graph
	files  map[string]string // path -> experiment id
}

// NewRegistry creates an empty Registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger: logger.With(slog.String("component", "registry")),
		graphs: make(map[string]*graph.Graph),
		files:  make(map[string]string),
	}
}

// Add registers g under its experiment id, replacing any earlier graph.
func (r *Registry) Add(g *graph.Graph) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.graphs[g.ExperimentID] = g
}

// Get returns the graph of experimentID.
func (r *Registry) Get(experimentID string) (*graph.Graph, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.graphs[experimentID]
	return g, ok
}

// IDs returns the registered experiment ids, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.graphs))
	for id := range r.graphs {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func isDescriptor(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", ".json":
		return true
	}
	return false
}

// LoadDir loads every descriptor file in dir. Files that fail are logged
// and reported together; the others are still registered.
//
// # Outputs
//
//   - int: Experiments loaded.
//   - error: Joined per-file errors, or the directory read error.
func (r *Registry) LoadDir(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("read experiments dir: %w", err)
	}
	var errs []error
	n := 0
	for _, e := range entries {
		if e.IsDir() || !isDescriptor(e.Name()) {
			continue
		}
		if err := r.LoadFile(filepath.Join(dir, e.Name())); err != nil {
			errs = append(errs, err)
			continue
		}
		n++
	}
	return n, errors.Join(errs...)
}

// LoadFile parses, builds and registers one descriptor file.
func (r *Registry) LoadFile(path string) error {
	d, err := graph.LoadFile(path)
	if err != nil {
		return err
	}
	g, err := graph.Build(d)
	if err != nil {
		return fmt.Errorf("build %s: %w", path, err)
	}

	r.mu.Lock()
	if old, ok := r.files[path]; ok && old != g.ExperimentID {
		delete(r.graphs, old)
	}
	r.files[path] = g.ExperimentID
	r.graphs[g.ExperimentID] = g
	r.mu.Unlock()

	r.logger.Info("experiment loaded",
		slog.String("experiment_id", g.ExperimentID),
		slog.String("path", path),
		slog.Int("nodes", g.Len()))
	return nil
}

func (r *Registry) forget(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.files[path]
	if !ok {
		return
	}
	delete(r.files, path)
	delete(r.graphs, id)
	r.logger.Info("experiment removed", slog.String("experiment_id", id), slog.String("path", path))
}

// Watch reloads descriptors in dir as they change until ctx is done.
// Changes to the same file within debounce are applied once.
func (r *Registry) Watch(ctx context.Context, dir string, debounce time.Duration) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	if debounce <= 0 {
		debounce = DefaultReloadDebounce
	}

	pending := make(map[string]fsnotify.Op)
	timer := time.NewTimer(debounce)
	if !timer.Stop() {
		<-timer.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !isDescriptor(ev.Name) {
				continue
			}
			pending[ev.Name] |= ev.Op
			timer.Reset(debounce)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			r.logger.Warn("watch error", slog.String("error", err.Error()))
		case <-timer.C:
			for path := range pending {
				r.apply(path)
			}
			clear(pending)
		}
	}
}

func (r *Registry) apply(path string) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		r.forget(path)
		return
	}
	if err := r.LoadFile(path); err != nil {
		r.logger.Warn("reload failed, keeping previous version",
			slog.String("path", path),
			slog.String("error", err.Error()))
	}
}

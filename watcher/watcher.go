// Package watcher detects source changes by polling file modification times.
package watcher

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/log"
)

// Event reports a single file whose modification time advanced.
type Event struct {
	Path       string
	ObservedAt time.Time
}

// Watcher polls a fixed set of files and emits an Event per file whose
// mtime moved forward since the last poll. The watch set is computed once;
// files created after startup are not picked up. Deletions produce no
// events since a missing file cannot advance an mtime.
type Watcher struct {
	paths    []string
	interval time.Duration
	logger   log.Logger

	mtimes map[string]time.Time
	events chan Event

	started atomic.Bool
	running atomic.Bool
	done    chan struct{}
	wg      sync.WaitGroup
}

// New creates a Watcher over the given paths. The watch set is fixed for
// the lifetime of the watcher.
func New(paths []string, interval time.Duration, logger log.Logger) *Watcher {
	sorted := make([]string, len(paths))
	copy(sorted, paths)
	sort.Strings(sorted)

	return &Watcher{
		paths:    sorted,
		interval: interval,
		logger:   logger,
		mtimes:   make(map[string]time.Time, len(sorted)),
		events:   make(chan Event, 64),
		done:     make(chan struct{}),
	}
}

// Events returns the channel change events are delivered on.
func (w *Watcher) Events() <-chan Event {
	return w.events
}

// Start snapshots the current modification times and begins polling.
// Files that already exist produce no events until they change again.
// A watcher cannot be restarted once stopped.
func (w *Watcher) Start(ctx context.Context) error {
	if !w.started.CompareAndSwap(false, true) {
		return errors.New("watcher already started")
	}

	// Baseline snapshot before the loop so pre-existing state stays silent.
	for _, path := range w.paths {
		if info, err := os.Stat(path); err == nil {
			w.mtimes[path] = info.ModTime()
		}
	}

	w.running.Store(true)
	w.logger.Info("Starting file watcher", "files", len(w.paths), "interval", w.interval)

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()

		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if !w.running.Load() {
					return
				}
				w.poll()

			case <-w.done:
				w.logger.Debug("Done signal received, stopping watcher")
				return

			case <-ctx.Done():
				w.logger.Debug("Context canceled, stopping watcher")
				w.running.Store(false)
				return
			}
		}
	}()

	return nil
}

// poll scans the watch set once and emits one event per changed file.
func (w *Watcher) poll() {
	now := time.Now()
	for _, path := range w.paths {
		info, err := os.Stat(path)
		if err != nil {
			// Deleted or unreadable; nothing to report.
			continue
		}
		last, seen := w.mtimes[path]
		if seen && !info.ModTime().After(last) {
			continue
		}
		w.mtimes[path] = info.ModTime()
		w.logger.Debug("File changed", "path", path, "mtime", info.ModTime())

		select {
		case w.events <- Event{Path: path, ObservedAt: now}:
		case <-w.done:
			return
		}
	}
}

// Stop stops the poll loop. Safe to call more than once.
func (w *Watcher) Stop() error {
	if !w.running.Load() {
		w.logger.Debug("Watcher already stopped, nothing to do")
		return nil
	}
	w.running.Store(false)
	close(w.done)
	return nil
}

// Stopped returns true if the watcher is stopped.
func (w *Watcher) Stopped() bool {
	return !w.running.Load()
}

// WaitForShutdown blocks until the poll goroutine has terminated.
func (w *Watcher) WaitForShutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		w.logger.Warn("Timed out waiting for watcher to terminate", "error", ctx.Err())
		return ctx.Err()
	}
}

// CollectPaths builds the watch set for a project: every .sol file under
// contractsDir, every .go file under testDir, and the migrations manifest.
// Missing directories are skipped so a project without tests still watches
// its contracts.
func CollectPaths(contractsDir, migrationsPath, testDir string) ([]string, error) {
	var paths []string

	addTree := func(root, ext string) error {
		if _, err := os.Stat(root); err != nil {
			return nil
		}
		return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.IsDir() && strings.HasSuffix(path, ext) {
				paths = append(paths, path)
			}
			return nil
		})
	}

	if err := addTree(contractsDir, ".sol"); err != nil {
		return nil, err
	}
	if err := addTree(testDir, ".go"); err != nil {
		return nil, err
	}
	if migrationsPath != "" {
		if _, err := os.Stat(migrationsPath); err == nil {
			paths = append(paths, migrationsPath)
		}
	}

	sort.Strings(paths)
	return paths, nil
}

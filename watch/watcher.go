// Package watch re-validates needs when their source files change.
package watch

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
	"sync/atomic"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"

	"github.com/c360studio/semneeds/need"
	"github.com/c360studio/semneeds/validator"
)

const (
	// updateChannelBuffer is the size of the update channel.
	updateChannelBuffer = 16

	defaultDebounceDelay = 500 * time.Millisecond
)

// ErrNoEngines is returned when a watcher has nothing to run.
var ErrNoEngines = errors.New("watch: no engines")

// Config configures need source watching.
type Config struct {
	// Patterns are the need source globs, as passed to need.Load.
	Patterns []string

	// Fields declares need fields for parsing.
	Fields *need.Fields

	// DebounceDelay is how long to collect changes before re-validating.
	DebounceDelay time.Duration

	// ExcludeDirs lists directory names to skip.
	ExcludeDirs []string
}

// Update is one validation pass triggered by the watcher.
type Update struct {
	// Initial is set for the full pass run on Start.
	Initial bool

	// Changed lists the need ids that were added, removed or modified.
	Changed []string

	// Files lists the source files whose events triggered the pass.
	Files []string

	// Results merges the results of every engine over the whole store.
	Results *validator.Results

	// Store is the snapshot the pass ran on.
	Store *need.MemoryStore
}

// Watcher reloads need sources on change and validates incrementally.
type Watcher struct {
	config   Config
	engines  []*validator.Engine
	watcher  *fsnotify.Watcher
	logger   *slog.Logger
	excludes map[string]bool

	// Debouncing: collect changed files before reloading
	pendingMu sync.Mutex
	pending   map[string]fsnotify.Op

	// current and reloadFailing are only touched by the event goroutine
	// after Start.
	current       *need.MemoryStore
	reloadFailing bool

	updates chan Update

	droppedUpdates atomic.Int64
}

// New creates a watcher running engines over the needs matched by config.
func New(config Config, engines []*validator.Engine, logger *slog.Logger) (*Watcher, error) {
	if len(engines) == 0 {
		return nil, ErrNoEngines
	}
	if config.DebounceDelay <= 0 {
		config.DebounceDelay = defaultDebounceDelay
	}
	if config.Fields == nil {
		config.Fields = need.DefaultFields()
	}
	if logger == nil {
		logger = slog.Default()
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fs watcher: %w", err)
	}

	excludes := map[string]bool{".git": true, "node_modules": true, "vendor": true}
	if len(config.ExcludeDirs) > 0 {
		excludes = make(map[string]bool)
		for _, dir := range config.ExcludeDirs {
			excludes[dir] = true
		}
	}

	return &Watcher{
		config:   config,
		engines:  engines,
		watcher:  fsw,
		logger:   logger,
		excludes: excludes,
		pending:  make(map[string]fsnotify.Op),
		updates:  make(chan Update, updateChannelBuffer),
	}, nil
}

// Updates returns the channel of validation passes. It is closed when the
// watcher stops.
func (w *Watcher) Updates() <-chan Update {
	return w.updates
}

// Start loads and validates every need, publishes the initial update and
// begins watching the pattern roots.
func (w *Watcher) Start(ctx context.Context) error {
	store, err := need.Load(w.config.Patterns, w.config.Fields)
	if err != nil {
		return fmt.Errorf("load needs: %w", err)
	}
	results, err := validator.RunParallel(ctx, store, w.engines...)
	if err != nil {
		return err
	}
	w.current = store

	for _, root := range Roots(w.config.Patterns) {
		if err := w.addWatchesRecursive(root); err != nil {
			return fmt.Errorf("watch %s: %w", root, err)
		}
	}

	w.publish(Update{
		Initial: true,
		Changed: store.IDs(),
		Results: validator.MergeResults(results...),
		Store:   store,
	})

	go w.processEvents(ctx)

	w.logger.Info("Need watcher started",
		"patterns", w.config.Patterns,
		"needs", store.Len(),
		"debounce", w.config.DebounceDelay)
	return nil
}

// Stop stops the watcher. The updates channel is closed by processEvents
// when it exits.
func (w *Watcher) Stop() error {
	return w.watcher.Close()
}

// DroppedUpdates returns the number of updates dropped because no one was
// reading.
func (w *Watcher) DroppedUpdates() int64 {
	return w.droppedUpdates.Load()
}

// Roots returns the static directory prefix of every pattern, deduplicated.
func Roots(patterns []string) []string {
	var roots []string
	for _, p := range patterns {
		abs := p
		if !filepath.IsAbs(abs) {
			cwd, err := os.Getwd()
			if err != nil {
				continue
			}
			abs = filepath.Join(cwd, p)
		}
		// A plain file path splits at its last separator too.
		base, _ := doublestar.SplitPattern(filepath.ToSlash(abs))
		root := filepath.FromSlash(base)
		if !slices.Contains(roots, root) {
			roots = append(roots, root)
		}
	}
	return roots
}

// addWatchesRecursive adds watches to all directories below root.
func (w *Watcher) addWatchesRecursive(root string) error {
	if _, err := os.Stat(root); errors.Is(err, os.ErrNotExist) {
		w.logger.Warn("Watch root does not exist", "path", root)
		return nil
	}
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}

		// Skip excluded and hidden directories
		base := filepath.Base(path)
		if path != root && (w.excludes[base] || strings.HasPrefix(base, ".")) {
			return filepath.SkipDir
		}

		if err := w.watcher.Add(path); err != nil {
			w.logger.Warn("Failed to watch directory", "path", path, "error", err)
		} else {
			w.logger.Debug("Watching directory", "path", path)
		}
		return nil
	})
}

// processEvents handles fsnotify events with debouncing.
func (w *Watcher) processEvents(ctx context.Context) {
	defer close(w.updates)
	ticker := time.NewTicker(w.config.DebounceDelay)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleFSEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("Watcher error", "error", err)

		case <-ticker.C:
			w.flushPending(ctx)
		}
	}
}

// handleFSEvent records a change to a need source, or watches a new directory.
func (w *Watcher) handleFSEvent(event fsnotify.Event) {
	path := event.Name

	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(path); err == nil && info.IsDir() {
			w.handleNewDirectory(path)
			return
		}
	}
	if !need.MatchAny(w.config.Patterns, path) {
		return
	}

	w.pendingMu.Lock()
	w.pending[path] |= event.Op
	w.pendingMu.Unlock()

	w.logger.Debug("Need source change detected", "path", path, "op", event.Op.String())
}

func (w *Watcher) handleNewDirectory(path string) {
	base := filepath.Base(path)
	if w.excludes[base] || strings.HasPrefix(base, ".") {
		return
	}
	// Files may have been written before the watch was added.
	if err := w.addWatchesRecursive(path); err != nil {
		w.logger.Warn("Failed to watch new directory", "path", path, "error", err)
		return
	}
	w.pendingMu.Lock()
	w.pending[path] |= fsnotify.Create
	w.pendingMu.Unlock()
}

// flushPending reloads the needs and validates what changed.
func (w *Watcher) flushPending(ctx context.Context) {
	w.pendingMu.Lock()
	if len(w.pending) == 0 {
		w.pendingMu.Unlock()
		return
	}
	batch := w.pending
	w.pending = make(map[string]fsnotify.Op)
	w.pendingMu.Unlock()
	files := make([]string, 0, len(batch))
	for path := range batch {
		files = append(files, path)
	}
	slices.Sort(files)

	store, err := need.Load(w.config.Patterns, w.config.Fields)
	if err != nil {
		// Half-written files are common mid-save; keep the last good snapshot
		// and retry the batch on the next tick.
		w.requeue(batch)
		if !w.reloadFailing {
			w.logger.Warn("Failed to reload needs", "files", files, "error", err)
		} else {
			w.logger.Debug("Reload still failing", "files", files, "error", err)
		}
		w.reloadFailing = true
		return
	}
	w.reloadFailing = false

	changed := need.Diff(w.current, store)
	if len(changed) == 0 {
		w.logger.Debug("Need sources changed without need changes", "files", files)
		return
	}

	start := time.Now()
	results, err := validator.RunParallelIncremental(ctx, store, changed, w.engines...)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			w.logger.Error("Incremental validation failed", "error", err)
		}
		return
	}
	w.current = store

	w.logger.Info("Re-validated needs",
		"changed", len(changed),
		"files", len(files),
		"duration", time.Since(start))

	w.publish(Update{
		Changed: changed,
		Files:   files,
		Results: validator.MergeResults(results...),
		Store:   store,
	})
}

// requeue puts a failed batch back, merged with events that arrived since.
func (w *Watcher) requeue(batch map[string]fsnotify.Op) {
	w.pendingMu.Lock()
	defer w.pendingMu.Unlock()
	for path, op := range batch {
		w.pending[path] |= op
	}
}

// publish sends an update without blocking the event loop.
func (w *Watcher) publish(u Update) {
	select {
	case w.updates <- u:
	default:
		dropped := w.droppedUpdates.Add(1)
		w.logger.Warn("Update channel full, dropping update",
			"changed", len(u.Changed),
			"total_dropped", dropped)
	}
}

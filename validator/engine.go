// Package validator evaluates needs against compiled schemas and caches the
// results for incremental re-validation.
package validator

import (
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/c360studio/semneeds/need"
	"github.com/c360studio/semneeds/schema"
)

// DefaultMaxNestLevel bounds network traversal depth.
const DefaultMaxNestLevel = 4

// Stats counts cache activity since the engine was created.
type Stats struct {
	Hits        int `json:"hits"`
	Misses      int `json:"misses"`
	Invalidated int `json:"invalidated"`
	Cached      int `json:"cached"`
}

// Engine validates needs against one compiled schema set and owns the
// result cache for it. An Engine is not safe for concurrent use; run
// independent engines in parallel instead (see RunParallel).
type Engine struct {
	name    string
	set     *schema.Set
	primary []*schema.CompiledEntry
	ids     []string
	maxNest int
	logger  *slog.Logger

	cache *cache
	stats Stats
}

// Option configures an Engine.
type Option func(*Engine)

// WithMaxNestLevel sets the network depth bound. Values below 1 are
// raised to 1.
func WithMaxNestLevel(n int) Option {
	return func(e *Engine) {
		e.maxNest = max(n, 1)
	}
}

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithName labels the engine in logs and metrics.
func WithName(name string) Option {
	return func(e *Engine) {
		e.name = name
	}
}

// New creates an engine with an empty cache.
func New(set *schema.Set, opts ...Option) *Engine {
	e := &Engine{
		name:    "default",
		set:     set,
		primary: set.Primary(),
		maxNest: DefaultMaxNestLevel,
		logger:  slog.Default(),
		cache:   newCache(),
	}
	for _, opt := range opts {
		opt(e)
	}
	for _, p := range e.primary {
		e.ids = append(e.ids, p.ID)
	}
	return e
}

// Name returns the engine label.
func (e *Engine) Name() string {
	return e.name
}

// Schemas returns the compiled schema set.
func (e *Engine) Schemas() *schema.Set {
	return e.set
}

// ValidateAll clears the cache and validates every need of the store.
func (e *Engine) ValidateAll(store need.Store) *Results {
	start := time.Now()
	e.cache.clear()

	res := newResults()
	ids := store.IDs()
	for _, id := range ids {
		n, ok := store.Get(id)
		if !ok {
			continue
		}
		entries := e.evaluate(store, n)
		e.cache.put(id, entries)
		res.add(id, entries)
	}
	e.stats.Misses += len(ids)
	cacheLookupsTotal.WithLabelValues(e.name, "miss").Add(float64(len(ids)))
	validationDuration.WithLabelValues(e.name, "all").Observe(time.Since(start).Seconds())

	e.logger.Debug("Validated all needs",
		"engine", e.name,
		"needs", len(ids),
		"schemas", len(e.primary),
		"duration", time.Since(start))
	return res
}

// ValidateIncremental re-validates the needs affected by changed and serves
// every other need from the cache. Needs gone from the store are evicted and
// needs not yet cached are validated, so the result always equals
// ValidateAll on the same store as long as changed names every need whose
// content changed since the previous call.
func (e *Engine) ValidateIncremental(store need.Store, changed []string) *Results {
	start := time.Now()
	ids := store.IDs()

	seeds := slices.Clone(changed)
	present := make(map[string]bool, len(ids))
	for _, id := range ids {
		present[id] = true
		if !e.cache.has(id) {
			seeds = append(seeds, id)
		}
	}
	for _, id := range e.cache.cachedIDs() {
		if !present[id] {
			seeds = append(seeds, id)
		}
	}
	removed := e.cache.invalidate(seeds)
	e.stats.Invalidated += removed
	cacheInvalidationsTotal.WithLabelValues(e.name).Add(float64(removed))

	res := newResults()
	hits, misses := 0, 0
	for _, id := range ids {
		if entries, ok := e.cache.get(id, e.ids); ok {
			res.add(id, entries)
			hits++
			continue
		}
		n, ok := store.Get(id)
		if !ok {
			continue
		}
		entries := e.evaluate(store, n)
		e.cache.put(id, entries)
		res.add(id, entries)
		misses++
	}
	e.stats.Hits += hits
	e.stats.Misses += misses
	cacheLookupsTotal.WithLabelValues(e.name, "hit").Add(float64(hits))
	cacheLookupsTotal.WithLabelValues(e.name, "miss").Add(float64(misses))
	validationDuration.WithLabelValues(e.name, "incremental").Observe(time.Since(start).Seconds())

	e.logger.Debug("Validated needs incrementally",
		"engine", e.name,
		"changed", len(changed),
		"invalidated", removed,
		"recomputed", misses,
		"cached", hits,
		"duration", time.Since(start))
	return res
}

// ValidateNeed evaluates one need without touching the cache. Skipped
// entries are included.
func (e *Engine) ValidateNeed(store need.Store, id string) ([]EntryResult, error) {
	n, ok := store.Get(id)
	if !ok {
		return nil, fmt.Errorf("validate need %s: %w", id, need.ErrNotFound)
	}
	return e.evaluate(store, n), nil
}

// Dependents returns the cached needs whose results depend on id.
func (e *Engine) Dependents(id string) []string {
	return e.cache.dependents(id)
}

// Stats returns the cache counters.
func (e *Engine) Stats() Stats {
	s := e.stats
	s.Cached = e.cache.len()
	return s
}

func (e *Engine) evaluate(store need.Store, n *need.Need) []EntryResult {
	entries := make([]EntryResult, 0, len(e.primary))
	for _, ce := range e.primary {
		r := newEvaluation(store, e.maxNest, n, ce).evaluate()
		for _, w := range r.Warnings() {
			warningsTotal.WithLabelValues(e.name, string(w.Rule)).Inc()
		}
		entries = append(entries, EntryResult{SchemaID: ce.ID, Result: r})
	}
	return entries
}

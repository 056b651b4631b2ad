package validator

// cache memoizes (need id, schema id) results and indexes which needs
// depend on which ids. It is owned by one Engine and is not safe for
// concurrent use.
type cache struct {
	results map[string]map[string]*NeedResult
	deps    map[string]map[string]struct{}
	rdeps   map[string]map[string]struct{}
}

func newCache() *cache {
	c := &cache{}
	c.clear()
	return c
}

func (c *cache) clear() {
	c.results = make(map[string]map[string]*NeedResult)
	c.deps = make(map[string]map[string]struct{})
	c.rdeps = make(map[string]map[string]struct{})
}

func (c *cache) len() int {
	return len(c.results)
}

func (c *cache) has(needID string) bool {
	_, ok := c.results[needID]
	return ok
}

// get returns the cached results of a need in the order of schemaIDs.
func (c *cache) get(needID string, schemaIDs []string) ([]EntryResult, bool) {
	byID, ok := c.results[needID]
	if !ok {
		return nil, false
	}
	out := make([]EntryResult, 0, len(schemaIDs))
	for _, sid := range schemaIDs {
		r, ok := byID[sid]
		if !ok {
			return nil, false
		}
		out = append(out, EntryResult{SchemaID: sid, Result: r})
	}
	return out, true
}

// put stores every entry of a need and records the union of their
// dependency sets in the reverse index.
func (c *cache) put(needID string, entries []EntryResult) {
	c.evict(needID)
	byID := make(map[string]*NeedResult, len(entries))
	deps := make(map[string]struct{})
	for _, e := range entries {
		byID[e.SchemaID] = e.Result
		for _, d := range e.Result.Network.Dependencies {
			deps[d] = struct{}{}
		}
	}
	c.results[needID] = byID
	c.deps[needID] = deps
	for d := range deps {
		if c.rdeps[d] == nil {
			c.rdeps[d] = make(map[string]struct{})
		}
		c.rdeps[d][needID] = struct{}{}
	}
}

// evict drops a need's results and its reverse index entries.
func (c *cache) evict(needID string) {
	for d := range c.deps[needID] {
		if dependents := c.rdeps[d]; dependents != nil {
			delete(dependents, needID)
			if len(dependents) == 0 {
				delete(c.rdeps, d)
			}
		}
	}
	delete(c.deps, needID)
	delete(c.results, needID)
}

// closure returns every id reachable from changed through the reverse
// index, changed ids first, in breadth-first order.
func (c *cache) closure(changed []string) []string {
	seen := make(map[string]bool, len(changed))
	queue := make([]string, 0, len(changed))
	for _, id := range changed {
		if !seen[id] {
			seen[id] = true
			queue = append(queue, id)
		}
	}
	for i := 0; i < len(queue); i++ {
		for _, dependent := range sortedKeys(c.rdeps[queue[i]]) {
			if !seen[dependent] {
				seen[dependent] = true
				queue = append(queue, dependent)
			}
		}
	}
	return queue
}

// invalidate evicts the closure of changed and returns how many cached
// needs it removed.
func (c *cache) invalidate(changed []string) int {
	removed := 0
	for _, id := range c.closure(changed) {
		if c.has(id) {
			removed++
		}
		c.evict(id)
	}
	return removed
}

// cachedIDs returns the ids of every cached need.
func (c *cache) cachedIDs() []string {
	return sortedKeys(c.results)
}

// dependents returns the needs whose cached results depend on id.
func (c *cache) dependents(id string) []string {
	return sortedKeys(c.rdeps[id])
}

package persona

import (
	"encoding/json"
	"sync"
)

// dedupeCache remembers the results of the most recent corrIds, evicting
// the oldest first.
type dedupeCache struct {
	mu      sync.Mutex
	size    int
	order   []string
	next    int
	results map[string]json.RawMessage
}

func newDedupeCache(size int) *dedupeCache {
	if size <= 0 {
		return nil
	}
	return &dedupeCache{
		size:    size,
		order:   make([]string, 0, size),
		results: make(map[string]json.RawMessage, size),
	}
}

func (d *dedupeCache) get(corrID string) (json.RawMessage, bool) {
	if d == nil || corrID == "" {
		return nil, false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	r, ok := d.results[corrID]
	return r, ok
}

func (d *dedupeCache) put(corrID string, result json.RawMessage) {
	if d == nil || corrID == "" {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.results[corrID]; ok {
		d.results[corrID] = result
		return
	}
	if len(d.order) < d.size {
		d.order = append(d.order, corrID)
	} else {
		delete(d.results, d.order[d.next])
		d.order[d.next] = corrID
		d.next = (d.next + 1) % d.size
	}
	d.results[corrID] = result
}

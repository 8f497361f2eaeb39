package service

import (
	"encoding/json"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/toolwarden/toolwarden/internal/domain/classify"
)

// cachedDecision pairs a layer-1 verdict with the classification output
// in effect when it was made, so a cache hit audits the same verb and
// labels as the original decision.
type cachedDecision struct {
	decision Decision
	class    classify.Result
}

// lruEntry is a doubly-linked list node for the LRU cache.
type lruEntry struct {
	key   uint64
	value cachedDecision
	prev  *lruEntry
	next  *lruEntry
}

// ResultCache provides bounded LRU caching for layer-1 decisions.
// Thread-safe with Mutex (both Get and Put mutate LRU order).
// Only rule-sourced allow/deny results are cached; delegated decisions
// depend on protocol state and never enter the cache.
type ResultCache struct {
	mu      sync.Mutex
	entries map[uint64]*lruEntry
	head    *lruEntry // most recently used
	tail    *lruEntry // least recently used
	maxSize int
}

// NewResultCache creates a new LRU cache with the given max size.
func NewResultCache(maxSize int) *ResultCache {
	return &ResultCache{
		entries: make(map[uint64]*lruEntry, maxSize),
		maxSize: maxSize,
	}
}

// Get retrieves a cached entry. Returns (entry, true) on hit.
// On hit, the entry is promoted to the head (most recently used).
func (c *ResultCache) Get(key uint64) (cachedDecision, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		c.moveToHeadLocked(e)
		return e.value, true
	}
	return cachedDecision{}, false
}

// Put stores a decision with its classification. At capacity, the least
// recently used entry is evicted.
func (c *ResultCache) Put(key uint64, value cachedDecision) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		e.value = value
		c.moveToHeadLocked(e)
		return
	}

	if len(c.entries) >= c.maxSize {
		c.evictTailLocked()
	}

	e := &lruEntry{key: key, value: value}
	c.entries[key] = e
	c.pushHeadLocked(e)
}

// Clear empties the cache. Called on bundle publish.
func (c *ResultCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[uint64]*lruEntry, c.maxSize)
	c.head = nil
	c.tail = nil
}

// Size returns current cache size.
func (c *ResultCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// moveToHeadLocked moves an existing entry to the head. Must be called with lock held.
func (c *ResultCache) moveToHeadLocked(e *lruEntry) {
	if c.head == e {
		return
	}
	c.unlinkLocked(e)
	c.pushHeadLocked(e)
}

// pushHeadLocked inserts an entry at the head. Must be called with lock held.
func (c *ResultCache) pushHeadLocked(e *lruEntry) {
	e.prev = nil
	e.next = c.head
	if c.head != nil {
		c.head.prev = e
	}
	c.head = e
	if c.tail == nil {
		c.tail = e
	}
}

// unlinkLocked removes an entry from the linked list. Must be called with lock held.
func (c *ResultCache) unlinkLocked(e *lruEntry) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		c.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		c.tail = e.prev
	}
	e.prev = nil
	e.next = nil
}

// evictTailLocked removes the least recently used entry. Must be called with lock held.
func (c *ResultCache) evictTailLocked() {
	if c.tail == nil {
		return
	}
	delete(c.entries, c.tail.key)
	c.unlinkLocked(c.tail)
}

// computeCacheKey hashes the decision inputs a layer-1 result depends
// on. Includes the bundle revision so a publish implicitly invalidates
// older entries even before Clear runs.
func computeCacheKey(revision, caller, service, tool string, args map[string]interface{}) uint64 {
	h := xxhash.New()
	_, _ = h.WriteString(revision)
	_, _ = h.Write([]byte{0})
	_, _ = h.WriteString(caller)
	_, _ = h.Write([]byte{0})
	_, _ = h.WriteString(service)
	_, _ = h.Write([]byte{0})
	_, _ = h.WriteString(tool)
	_, _ = h.Write([]byte{0})
	if len(args) > 0 {
		argsJSON, _ := json.Marshal(args)
		_, _ = h.Write(argsJSON)
	}
	return h.Sum64()
}

// Package cache implements the bounded cache from join key to JoinEntry
// (component E): a map fronting the state/degree tables, under either a
// local LRU policy or a policy driven by an external memory manager.
package cache

import (
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"streamjoin/internal/joinentry"
)

// Key is a join key's raw bytes (the memcomparable encoding of the join
// column projection), used as the cache's map key.
type Key string

// slotState tracks the taken-slot state machine from §9: a resident entry
// can be taken out for mutation; while taken, the slot is reserved but
// empty, and any second take is a programmer bug.
type slotState uint8

const (
	slotAbsent slotState = iota
	slotResident
	slotTaken
)

// Policy selects how the cache evicts entries under memory pressure.
type Policy uint8

const (
	// PolicyLocalLRU evicts least-recently-used entries on insert over a
	// fixed entry capacity.
	PolicyLocalLRU Policy = iota
	// PolicyManaged defers eviction entirely to explicit Evict calls
	// driven by an external memory manager.
	PolicyManaged
)

// Cache is a bounded map from Key to *joinentry.Entry.
type Cache struct {
	mu     sync.Mutex
	policy Policy

	// slots tracks state-machine status per key regardless of policy;
	// entries holds the resident (untaken) payload.
	slots   map[Key]slotState
	entries map[Key]*joinentry.Entry

	lru *lru.Cache[Key, *joinentry.Entry] // non-nil only under PolicyLocalLRU
	// order is an insertion/use order list for PolicyManaged's evict(),
	// since that policy has no fixed capacity to evict against.
	order []Key
}

// New constructs a Cache under policy. capacity is the fixed entry bound
// for PolicyLocalLRU and is ignored for PolicyManaged.
func New(policy Policy, capacity int) (*Cache, error) {
	c := &Cache{
		policy:  policy,
		slots:   make(map[Key]slotState),
		entries: make(map[Key]*joinentry.Entry),
	}
	if policy == PolicyLocalLRU {
		if capacity <= 0 {
			return nil, fmt.Errorf("cache: PolicyLocalLRU requires capacity > 0, got %d", capacity)
		}
		l, err := lru.NewWithEvict[Key, *joinentry.Entry](capacity, c.onLRUEvict)
		if err != nil {
			return nil, fmt.Errorf("cache: construct LRU: %w", err)
		}
		c.lru = l
	}
	return c, nil
}

// onLRUEvict is the hashicorp/golang-lru eviction callback; it keeps the
// slot-state bookkeeping consistent when the underlying LRU silently drops
// an entry on insert-over-capacity.
func (c *Cache) onLRUEvict(key Key, _ *joinentry.Entry) {
	delete(c.entries, key)
	delete(c.slots, key)
}

// PeekMut returns the resident entry at k without affecting LRU order, and
// whether it was present. It does not change the slot state.
func (c *Cache) PeekMut(k Key) (*joinentry.Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.slots[k] != slotResident {
		return nil, false
	}
	return c.entries[k], true
}

// GetMut returns the resident entry at k, updating LRU order under
// PolicyLocalLRU.
func (c *Cache) GetMut(k Key) (*joinentry.Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.slots[k] != slotResident {
		return nil, false
	}
	if c.policy == PolicyLocalLRU {
		c.lru.Get(k) // refresh recency; return value unused, entries is canonical
	} else {
		c.touchManaged(k)
	}
	return c.entries[k], true
}

// Put inserts entry at k, transitioning the slot to resident. Under
// PolicyLocalLRU this may evict the least-recently-used entry if the cache
// is at capacity.
func (c *Cache) Put(k Key, entry *joinentry.Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[k] = entry
	c.slots[k] = slotResident
	if c.policy == PolicyLocalLRU {
		c.lru.Add(k, entry)
	} else {
		c.touchManaged(k)
	}
}

func (c *Cache) touchManaged(k Key) {
	for i, existing := range c.order {
		if existing == k {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	c.order = append(c.order, k)
}

// Take removes the resident entry at k and returns it, leaving the slot in
// the "taken" state. Calling Take on an already-taken slot or a missing key
// panics — per §4.E this is a programmer bug, not a runtime condition to
// recover from (storage-layer miss handling lives one level up, in
// hashjoin.JoinHashMap.TakeState).
func (c *Cache) Take(k Key) *joinentry.Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.slots[k] {
	case slotResident:
		entry := c.entries[k]
		delete(c.entries, k)
		if c.policy == PolicyLocalLRU {
			c.lru.Remove(k)
		} else {
			for i, existing := range c.order {
				if existing == k {
					c.order = append(c.order[:i], c.order[i+1:]...)
					break
				}
			}
		}
		c.slots[k] = slotTaken
		return entry
	case slotTaken:
		panic(fmt.Sprintf("cache: Take on already-taken key %q", string(k)))
	default:
		panic(fmt.Sprintf("cache: Take on absent key %q", string(k)))
	}
}

// IsResident reports whether k currently holds a resident (not absent, not
// taken) entry.
func (c *Cache) IsResident(k Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.slots[k] == slotResident
}

// IsTaken reports whether k is currently in the taken state.
func (c *Cache) IsTaken(k Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.slots[k] == slotTaken
}

// UpdateState puts entry back at k, transitioning a taken (or absent) slot
// to resident — it creates the slot if one didn't previously exist.
func (c *Cache) UpdateState(k Key, entry *joinentry.Entry) {
	c.Put(k, entry)
}

// Clear evicts every entry, used when a vnode-bitmap change invalidates the
// whole cache (§9 "cache-may-stale predicate").
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[Key]*joinentry.Entry)
	c.slots = make(map[Key]slotState)
	c.order = nil
	if c.policy == PolicyLocalLRU {
		c.lru.Purge()
	}
}

// Evict drops the least-recently-used resident entry, for PolicyManaged's
// external-memory-pressure callback. It is a no-op if the cache is empty.
// Taken slots are never evicted (they are not in entries/order).
func (c *Cache) Evict() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.policy == PolicyLocalLRU {
		c.lru.RemoveOldest()
		return
	}
	if len(c.order) == 0 {
		return
	}
	oldest := c.order[0]
	c.order = c.order[1:]
	delete(c.entries, oldest)
	delete(c.slots, oldest)
}

// Len returns the number of resident entries (taken slots are not counted;
// they are conceptually checked out, not cached).
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Iter calls fn for every resident (key, entry) pair. Taken slots are
// skipped. Iteration order is unspecified.
func (c *Cache) Iter(fn func(k Key, entry *joinentry.Entry) bool) {
	c.mu.Lock()
	snapshot := make(map[Key]*joinentry.Entry, len(c.entries))
	for k, v := range c.entries {
		snapshot[k] = v
	}
	c.mu.Unlock()
	for k, v := range snapshot {
		if !fn(k, v) {
			return
		}
	}
}

package tupl

import "sync"

// nodeCacheMode selects the eviction policy tryAllocLatched applies to a
// slot.
type nodeCacheMode int

const (
	cacheEvictable nodeCacheMode = iota
	cacheUnevictable
	cacheNoEvict
)

// cacheSlot is one arena entry. prev/next are slot indices (not pointers),
// replacing aergoio/kv_log's pointer-linked WalPageEntry chains with an
// arena of cache slots indexed by u32, eliminating aliasing concerns.
type cacheSlot struct {
	node       *node
	prev, next uint32 // index into cache.slots; noSlot if none
	inUse      bool
	evictable  bool
	pinCount   int32
}

const noSlot = ^uint32(0)

// nodeCache is the bounded LRU pool of decoded B-tree nodes,
// grounded on aergoio/kv_log's page cache (aergoio/kv_log db.go:
// addToCache, getFromCache, checkPageCache, removeOldPagesFromCache),
// generalized from raw page bytes to decoded *node values with
// pin/eviction tracking.
type nodeCache struct {
	mu       sync.Mutex
	latch    Latch
	slots    []cacheSlot
	byPage   map[int64]uint32
	lru, mru uint32 // head = least-recently-used, tail = most-recently-used
	maxSize  int

	flush func(n *node) error // writes a dirty node's page back to storage
}

func newNodeCache(maxSize int, flush func(n *node) error) *nodeCache {
	return &nodeCache{
		byPage:  make(map[int64]uint32, maxSize),
		lru:     noSlot,
		mru:     noSlot,
		maxSize: maxSize,
		flush:   flush,
	}
}

// tryAllocLatched implements a three-step allocation policy: grow the pool
// while under capacity, else evict the LRU entry unless it is
// dirty-and-NO_EVICT (in which case allocation fails so the caller can wait
// for an in-flight flush), else evict and reuse.
func (c *nodeCache) tryAllocLatched(trial *node, mode nodeCacheMode) (*node, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.slots) < c.maxSize {
		idx := uint32(len(c.slots))
		c.slots = append(c.slots, cacheSlot{node: trial, evictable: mode == cacheEvictable})
		c.linkMRULocked(idx)
		c.byPage[trial.pageID] = idx
		return trial, true
	}

	idx := c.lru
	for idx != noSlot {
		slot := &c.slots[idx]
		if slot.pinCount == 0 && slot.evictable {
			if slot.node.dirty {
				if mode == cacheNoEvict && slot.node.dirty {
					return nil, false
				}
				slot.pinCount++
				err := c.flush(slot.node)
				slot.pinCount--
				if err != nil {
					// Eviction faulted; return the slot to the MRU end
					// rather than lose it.
					c.unlinkLocked(idx)
					c.linkMRULocked(idx)
					return nil, false
				}
			}
			delete(c.byPage, slot.node.pageID)
			c.unlinkLocked(idx)
			slot.node = trial
			slot.evictable = mode == cacheEvictable
			c.linkMRULocked(idx)
			c.byPage[trial.pageID] = idx
			return trial, true
		}
		idx = slot.next
	}
	return nil, false
}

// lookup returns the cached node for pageID if present, marking it used.
func (c *nodeCache) lookup(pageID int64) (*node, bool) {
	c.mu.Lock()
	idx, ok := c.byPage[pageID]
	if !ok {
		c.mu.Unlock()
		return nil, false
	}
	n := c.slots[idx].node
	c.mu.Unlock()
	c.used(idx)
	return n, true
}

// used moves a slot to the MRU end. Best effort: if the cache is momentarily
// contended it skips the move rather than block, matching the
// "may race (best effort)" rule.
func (c *nodeCache) used(idx uint32) {
	if !c.mu.TryLock() {
		return
	}
	defer c.mu.Unlock()
	if idx == c.mru {
		return
	}
	c.unlinkLocked(idx)
	c.linkMRULocked(idx)
}

func (c *nodeCache) unused(idx uint32) {
	c.mu.Lock()
	c.slots[idx].pinCount--
	c.mu.Unlock()
}

func (c *nodeCache) makeEvictable(idx uint32) {
	c.mu.Lock()
	c.slots[idx].evictable = true
	c.mu.Unlock()
}

func (c *nodeCache) makeUnevictable(idx uint32) {
	c.mu.Lock()
	c.slots[idx].evictable = false
	c.mu.Unlock()
}

func (c *nodeCache) unlinkLocked(idx uint32) {
	s := &c.slots[idx]
	if s.prev != noSlot {
		c.slots[s.prev].next = s.next
	} else {
		c.lru = s.next
	}
	if s.next != noSlot {
		c.slots[s.next].prev = s.prev
	} else {
		c.mru = s.prev
	}
	s.prev, s.next = noSlot, noSlot
}

func (c *nodeCache) linkMRULocked(idx uint32) {
	s := &c.slots[idx]
	s.prev = c.mru
	s.next = noSlot
	if c.mru != noSlot {
		c.slots[c.mru].next = idx
	} else {
		c.lru = idx
	}
	c.mru = idx
}

// remove drops pageID from the cache without flushing, used when a page is
// freed and its decoded form is no longer meaningful.
func (c *nodeCache) remove(pageID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	idx, ok := c.byPage[pageID]
	if !ok {
		return
	}
	delete(c.byPage, pageID)
	c.unlinkLocked(idx)
	c.slots[idx] = cacheSlot{prev: noSlot, next: noSlot}
}

// len reports the number of live slots, for metrics/inspection.
func (c *nodeCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.byPage)
}

package tupl

import "testing"

func TestNodeCacheGrowsUntilCapacity(t *testing.T) {
	c := newNodeCache(2, func(n *node) error { return nil })

	n1 := &node{pageID: 1}
	got, ok := c.tryAllocLatched(n1, cacheEvictable)
	if !ok || got != n1 {
		t.Fatalf("tryAllocLatched(1) = %v, %v", got, ok)
	}
	n2 := &node{pageID: 2}
	if _, ok := c.tryAllocLatched(n2, cacheEvictable); !ok {
		t.Fatalf("tryAllocLatched(2) failed under capacity")
	}
	if c.len() != 2 {
		t.Fatalf("len() = %d, want 2", c.len())
	}
}

func TestNodeCacheLookupFindsCachedNode(t *testing.T) {
	c := newNodeCache(4, func(n *node) error { return nil })
	n1 := &node{pageID: 10}
	c.tryAllocLatched(n1, cacheEvictable)

	got, ok := c.lookup(10)
	if !ok || got != n1 {
		t.Fatalf("lookup(10) = %v, %v; want %v, true", got, ok, n1)
	}
	if _, ok := c.lookup(999); ok {
		t.Fatalf("lookup(999) found a node that was never cached")
	}
}

func TestNodeCacheEvictsLRUWhenFull(t *testing.T) {
	flushed := make(map[int64]bool)
	c := newNodeCache(2, func(n *node) error {
		flushed[n.pageID] = true
		return nil
	})

	c.tryAllocLatched(&node{pageID: 1}, cacheEvictable)
	c.tryAllocLatched(&node{pageID: 2, dirty: true}, cacheEvictable)
	// pageID 1 is now LRU; allocating a third slot should evict it.
	n3 := &node{pageID: 3}
	if _, ok := c.tryAllocLatched(n3, cacheEvictable); !ok {
		t.Fatalf("tryAllocLatched(3) failed")
	}
	if _, ok := c.lookup(1); ok {
		t.Fatalf("page 1 was not evicted")
	}
	if _, ok := c.lookup(2); !ok {
		t.Fatalf("page 2 (more recently used) was evicted instead of page 1")
	}
	if c.len() != 2 {
		t.Fatalf("len() = %d, want 2", c.len())
	}
}

func TestNodeCacheFlushesDirtyNodeOnEviction(t *testing.T) {
	var flushedID int64 = -1
	c := newNodeCache(1, func(n *node) error {
		flushedID = n.pageID
		n.dirty = false
		return nil
	})

	c.tryAllocLatched(&node{pageID: 1, dirty: true}, cacheEvictable)
	c.tryAllocLatched(&node{pageID: 2}, cacheEvictable)

	if flushedID != 1 {
		t.Fatalf("flush was called with pageID %d, want 1", flushedID)
	}
	if _, ok := c.lookup(1); ok {
		t.Fatalf("evicted page 1 is still present")
	}
}

func TestNodeCacheUnevictableSlotIsNeverReused(t *testing.T) {
	c := newNodeCache(1, func(n *node) error { return nil })
	c.tryAllocLatched(&node{pageID: 1}, cacheUnevictable)

	if _, ok := c.tryAllocLatched(&node{pageID: 2}, cacheEvictable); ok {
		t.Fatalf("tryAllocLatched succeeded despite the only slot being unevictable")
	}
	if c.len() != 1 {
		t.Fatalf("len() = %d, want 1 (unevictable slot must still hold page 1)", c.len())
	}
}

func TestNodeCacheRemoveDropsPageWithoutFlush(t *testing.T) {
	flushCalls := 0
	c := newNodeCache(4, func(n *node) error {
		flushCalls++
		return nil
	})
	c.tryAllocLatched(&node{pageID: 5, dirty: true}, cacheEvictable)
	c.remove(5)

	if _, ok := c.lookup(5); ok {
		t.Fatalf("removed page is still cached")
	}
	if flushCalls != 0 {
		t.Fatalf("remove triggered a flush, want none")
	}
}

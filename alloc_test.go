package tupl

import (
	"path/filepath"
	"testing"
)

func openTestPageArray(t *testing.T) *PageArray {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pages.db")
	pa, err := OpenPageArray(path, 4096, false)
	if err != nil {
		t.Fatalf("OpenPageArray: %v", err)
	}
	t.Cleanup(func() { pa.Close() })
	return pa
}

func TestPageAllocatorAllocExtendsWhenFreeSetEmpty(t *testing.T) {
	pa := openTestPageArray(t)
	a := newPageAllocator(pa)

	id1, err := a.alloc()
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	id2, err := a.alloc()
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	if id1 == id2 {
		t.Fatalf("alloc returned the same id twice: %d", id1)
	}
}

func TestPageAllocatorReusesFreedPageAfterCommit(t *testing.T) {
	pa := openTestPageArray(t)
	a := newPageAllocator(pa)

	id, err := a.alloc()
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	a.pendingFree(id)
	a.commitPending()

	got, err := a.alloc()
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	if got != id {
		t.Fatalf("alloc() = %d, want reused id %d", got, id)
	}
}

func TestPageAllocatorPendingFreeIsNotReusableBeforeCommit(t *testing.T) {
	pa := openTestPageArray(t)
	a := newPageAllocator(pa)

	id, err := a.alloc()
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	a.pendingFree(id)

	got, err := a.alloc()
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	if got == id {
		t.Fatalf("alloc() returned %d before commitPending merged it into the free set", id)
	}
}

func TestPageAllocatorCoalescesAdjacentFreeExtents(t *testing.T) {
	pa := openTestPageArray(t)
	a := newPageAllocator(pa)

	var ids []int64
	for i := 0; i < 3; i++ {
		id, err := a.alloc()
		if err != nil {
			t.Fatalf("alloc: %v", err)
		}
		ids = append(ids, id)
	}
	for _, id := range ids {
		a.pendingFree(id)
	}
	a.commitPending()

	if a.free.Len() != 1 {
		t.Fatalf("free tree holds %d extents after coalescing, want 1", a.free.Len())
	}
	item := a.free.Min().(*freeExtent)
	if item.Len != 3 {
		t.Fatalf("coalesced extent length = %d, want 3", item.Len)
	}
}

func TestPageAllocatorPersistAndLoadFreeListRoundTrip(t *testing.T) {
	pa := openTestPageArray(t)
	a := newPageAllocator(pa)

	var ids []int64
	for i := 0; i < 5; i++ {
		id, err := a.alloc()
		if err != nil {
			t.Fatalf("alloc: %v", err)
		}
		ids = append(ids, id)
	}
	for _, id := range ids {
		a.pendingFree(id)
	}
	a.commitPending()

	head, err := a.persist()
	if err != nil {
		t.Fatalf("persist: %v", err)
	}
	if head < 0 {
		t.Fatalf("persist returned no head for a non-empty free set")
	}

	b := newPageAllocator(pa)
	if err := b.loadFreeList(head); err != nil {
		t.Fatalf("loadFreeList: %v", err)
	}
	if b.free.Len() == 0 {
		t.Fatalf("loadFreeList did not repopulate any free extents")
	}
}

func TestPageAllocatorReserveExtendsBackingArray(t *testing.T) {
	pa := openTestPageArray(t)
	a := newPageAllocator(pa)

	before := pa.PageCount()
	if err := a.reserve(10); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if pa.PageCount() < before+10 {
		t.Fatalf("PageCount() = %d after reserve(10) from %d", pa.PageCount(), before)
	}
}

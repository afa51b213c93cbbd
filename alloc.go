package tupl

import (
	"encoding/binary"
	"sync"

	"github.com/google/btree"
)

// pageAllocator manages the persistent free list: alloc/free/reserve plus
// copy-on-write commit of a (root, freeListHead) pair. Grounded on
// aergoio/kv_log's allocateRadixPage/allocateLeafPage
// (aergoio/kv_log db.go), generalized from "always extend the file" to a
// proper free-list recycler, since aergoio/kv_log never reuses deleted radix
// pages within a run.
//
// The in-memory fast path is a github.com/google/btree ordered map from the
// start of a free extent to its run length, avoiding a linear scan of the
// persisted free-list chain on the common case (see SPEC_FULL.md Domain
// Stack). The persisted free list itself is a simple page chain: each free
// list page stores a header (next page id) and a packed array of free page
// ids, following aergoio/kv_log's own page-chaining convention
// (RadixHeaderSize's NextFreePage field).
type pageAllocator struct {
	mu        sync.Mutex
	pa        *PageArray
	free      *btree.BTree // freeExtent ordered by Start
	nextAlloc int64        // high-water mark when the free tree is empty
	headPage  int64        // persisted free-list head, -1 if none
	pending   []int64      // pages freed by transactions not yet checkpointed
}

type freeExtent struct {
	Start, Len int64
}

func (e *freeExtent) Less(than btree.Item) bool {
	return e.Start < than.(*freeExtent).Start
}

func newPageAllocator(pa *PageArray) *pageAllocator {
	return &pageAllocator{
		pa:        pa,
		free:      btree.New(16),
		nextAlloc: pa.PageCount(),
		headPage:  -1,
	}
}

// alloc returns a free page id, extending the array if the free set is
// empty.
func (a *pageAllocator) alloc() (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.allocLocked()
}

func (a *pageAllocator) allocLocked() (int64, error) {
	if item := a.free.Min(); item != nil {
		e := item.(*freeExtent)
		id := e.Start
		a.free.Delete(e)
		if e.Len > 1 {
			a.free.ReplaceOrInsert(&freeExtent{Start: e.Start + 1, Len: e.Len - 1})
		}
		return id, nil
	}
	id := a.nextAlloc
	a.nextAlloc++
	return id, nil
}

// pendingFree releases a page id back to the allocator. A page
// freed mid-transaction must not be reused until the next successful sync
// of the new root, so callers route through pendingFree during a
// transaction and only merge into the reusable free tree at checkpoint
// time (see checkpoint.go).
func (a *pageAllocator) pendingFree(id int64) {
	a.mu.Lock()
	a.pending = append(a.pending, id)
	a.mu.Unlock()
}

// commitPending merges all pages queued via pendingFree into the reusable
// free extent tree, called only once the new root referencing their
// replacements is durable.
func (a *pageAllocator) commitPending() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, id := range a.pending {
		a.insertFreeLocked(id)
	}
	a.pending = a.pending[:0]
}

func (a *pageAllocator) insertFreeLocked(id int64) {
	// Coalesce with an adjacent extent when present; this is a best-effort
	// merge, not a guarantee of minimal fragmentation.
	var before *freeExtent
	a.free.DescendLessOrEqual(&freeExtent{Start: id}, func(i btree.Item) bool {
		before = i.(*freeExtent)
		return false
	})
	if before != nil && before.Start+before.Len == id {
		a.free.Delete(before)
		before.Len++
		a.mergeWithNextLocked(before)
		return
	}
	next := a.free.Get(&freeExtent{Start: id + 1})
	if next != nil {
		ne := next.(*freeExtent)
		a.free.Delete(ne)
		a.free.ReplaceOrInsert(&freeExtent{Start: id, Len: ne.Len + 1})
		return
	}
	a.free.ReplaceOrInsert(&freeExtent{Start: id, Len: 1})
}

func (a *pageAllocator) mergeWithNextLocked(e *freeExtent) {
	next := a.free.Get(&freeExtent{Start: e.Start + e.Len})
	if next != nil {
		ne := next.(*freeExtent)
		a.free.Delete(ne)
		e.Len += ne.Len
	}
	a.free.ReplaceOrInsert(e)
}

// reserve ensures n additional pages are available without necessarily
// allocating them, by extending the backing file once up front.
func (a *pageAllocator) reserve(n int64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	want := a.nextAlloc + n
	if a.pa.PageCount() < want {
		return a.pa.SetPageCount(want)
	}
	return nil
}

// freeListPageCapacity is the number of int64 page ids a free-list page can
// hold, derived from the page size minus an 8-byte next-pointer header.
func freeListPageCapacity(pageSize int) int {
	return (pageSize - 8) / 8
}

// persist writes the current free extent set out as a chain of free-list
// pages and returns the id of the chain head (or -1 if the free set is
// empty).
func (a *pageAllocator) persist() (int64, error) {
	a.mu.Lock()
	ids := make([]int64, 0, a.free.Len())
	a.free.Ascend(func(i btree.Item) bool {
		e := i.(*freeExtent)
		for p := e.Start; p < e.Start+e.Len; p++ {
			ids = append(ids, p)
		}
		return true
	})
	a.mu.Unlock()

	pageSize := a.pa.PageSize()
	cap := freeListPageCapacity(pageSize)
	if len(ids) == 0 {
		return -1, nil
	}

	// Free-list storage pages are carved out of the snapshot itself rather
	// than drawn from a.alloc(): allocLocked() pops from the very same
	// a.free tree this snapshot was just read from, so it can hand back a
	// page id already baked into an earlier chunk's data, corrupting the
	// chain once that page is reused for something else. Taking the
	// storage page from the tail of the still-unwritten snapshot and
	// excluding it from the data it holds keeps every id in ids accounted
	// for exactly once.
	next := int64(-1)
	for len(ids) > 0 {
		id := ids[len(ids)-1]
		ids = ids[:len(ids)-1]
		chunkLen := cap
		if chunkLen > len(ids) {
			chunkLen = len(ids)
		}
		chunk := ids[len(ids)-chunkLen:]
		ids = ids[:len(ids)-chunkLen]

		buf := make([]byte, pageSize)
		binary.LittleEndian.PutUint64(buf[:8], uint64(next))
		for i, pid := range chunk {
			binary.LittleEndian.PutUint64(buf[8+i*8:], uint64(pid))
		}
		if err := a.pa.WritePage(id, buf); err != nil {
			return -1, err
		}
		next = id
	}
	return next, nil
}

// loadFreeList reads a free-list chain previously written by persist back
// into the in-memory structure, used during recovery.
func (a *pageAllocator) loadFreeList(head int64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	pageSize := a.pa.PageSize()
	buf := make([]byte, pageSize)
	cap := freeListPageCapacity(pageSize)
	for head >= 0 {
		if err := a.pa.ReadPage(head, buf); err != nil {
			return err
		}
		next := int64(binary.LittleEndian.Uint64(buf[:8]))
		for i := 0; i < cap; i++ {
			off := 8 + i*8
			pid := int64(binary.LittleEndian.Uint64(buf[off : off+8]))
			if pid == 0 {
				// Trailing zero padding in the last partially-filled
				// page; page id 0 is reserved for the header so this is
				// unambiguous.
				continue
			}
			a.insertFreeLocked(pid)
		}
		head = next
	}
	return nil
}

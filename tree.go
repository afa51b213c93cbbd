package tupl

import (
	"bytes"
	"sync"
)

// Tree is a named or unnamed B-tree. Index 0 is reserved
// for the registry of indexes; ids are random non-zero 64-bit values minted
// by Database.CreateIndex. Generalizes aergoio/kv_log's single-tree radix
// index (aergoio/kv_log db.go) into one of possibly many COW B-trees
// sharing a page array, allocator and node cache.
type Tree struct {
	db   *Database
	id   uint64
	name []byte

	// structureMu serializes root changes (height changes from split/merge)
	// against concurrent traversals that need a stable root. The new root
	// is completed before the old one is unlinked, so readers always see a
	// consistent height; modelled here as a simple RWMutex rather than full
	// latch-coupling.
	structureMu sync.RWMutex
	rootID      int64

	temporary bool // bypasses redo; never registered or trash-marked
}

const (
	registryIndexID = 0
	lowWaterFrac     = 2 // a node below capacity/lowWaterFrac triggers merge
)

func (db *Database) newTree(id uint64, name []byte, rootID int64, temporary bool) *Tree {
	return &Tree{db: db, id: id, name: name, rootID: rootID, temporary: temporary}
}

// ID returns the tree's random 64-bit identifier.
func (t *Tree) ID() uint64 { return t.id }

// Name returns the tree's name, or nil for an unnamed index.
func (t *Tree) Name() []byte { return t.name }

// NewCursor returns a Cursor over t bound to txn; pass nil for an
// autocommit cursor that is not part of any caller-managed transaction.
func (t *Tree) NewCursor(txn *Transaction) *Cursor {
	return t.newCursor(txn)
}

// Get returns the value stored for key under txn (nil for autocommit), and
// whether an entry was found.
func (t *Tree) Get(txn *Transaction, key []byte) ([]byte, bool, error) {
	c := t.newCursor(txn)
	defer c.Reset()
	if err := c.Find(key); err != nil {
		return nil, false, err
	}
	if !c.Exists() {
		return nil, false, nil
	}
	value, err := c.Load()
	return value, err == nil, err
}

// Put stores value for key under txn, replacing any existing entry.
func (t *Tree) Put(txn *Transaction, key, value []byte) error {
	c := t.newCursor(txn)
	defer c.Reset()
	return c.Store(key, value)
}

// Delete removes key under txn, reporting whether an entry existed.
func (t *Tree) Delete(txn *Transaction, key []byte) (bool, error) {
	c := t.newCursor(txn)
	defer c.Reset()
	if err := c.Find(key); err != nil {
		return false, err
	}
	existed := c.Exists()
	if existed {
		if err := c.Delete(); err != nil {
			return false, err
		}
	}
	return existed, nil
}

func (t *Tree) root() (*node, error) {
	t.structureMu.RLock()
	id := t.rootID
	t.structureMu.RUnlock()
	return t.db.loadNode(id)
}

// descend walks from the root to the leaf that should contain key,
// returning the path of (*node, childIndex) pairs from root to leaf.
type pathStep struct {
	n   *node
	idx int // index of the child followed to get to the next step
}

func (t *Tree) descend(key []byte) ([]pathStep, *node, error) {
	t.structureMu.RLock()
	rootID := t.rootID
	t.structureMu.RUnlock()

	var path []pathStep
	cur, err := t.db.loadNode(rootID)
	if err != nil {
		return nil, nil, err
	}
	for !cur.isLeaf() {
		idx := cur.childForKey(key)
		path = append(path, pathStep{n: cur, idx: idx})
		childID := cur.entries[idx].child
		next, err := t.db.loadNode(childID)
		if err != nil {
			return nil, nil, err
		}
		cur = next
	}
	return path, cur, nil
}

// find locates key and returns its entry index (or insertion point) along
// with the leaf and its ancestor path, for use by both reads and writes.
func (t *Tree) find(key []byte) (path []pathStep, leaf *node, idx int, found bool, err error) {
	path, leaf, err = t.descend(key)
	if err != nil {
		return nil, nil, 0, false, err
	}
	idx, found = leaf.find(key)
	return path, leaf, idx, found, nil
}

// cowReplace allocates a new page id for n, persists it, and returns the new
// id; the old id is queued for reuse once this change is durable. Pages
// are copy-on-write: a node is never mutated in place once written.
func (t *Tree) cowReplace(n *node, oldID int64) (int64, error) {
	newID, err := t.db.alloc.alloc()
	if err != nil {
		return 0, err
	}
	n.pageID = newID
	n.dirty = true
	t.db.cache.remove(oldID)
	t.db.putNode(n)
	if oldID >= 0 {
		t.db.alloc.pendingFree(oldID)
	}
	return newID, nil
}

// propagateChildID rewrites path[i].n's child pointer at path[i].idx to
// newChildID, applying COW up the path to the root and installing the new
// root id when the path is exhausted.
func (t *Tree) propagateChildID(path []pathStep, newChildID int64) error {
	child := newChildID
	for i := len(path) - 1; i >= 0; i-- {
		step := path[i]
		oldID := step.n.pageID
		step.n.entries[step.idx].child = child
		step.n.dirty = true
		nid, err := t.cowReplace(step.n, oldID)
		if err != nil {
			return err
		}
		child = nid
	}
	t.structureMu.Lock()
	t.rootID = child
	t.structureMu.Unlock()
	return nil
}

// maxNodeBytes bounds how full a leaf or internal node may become before
// a split is required; derived from the page size with headroom for the
// encoded overhead.
func (t *Tree) maxNodeBytes() int { return t.db.pageSize - t.db.pageSize/16 }

// insertLeafEntry inserts or replaces e in leaf at idx (already located by
// find) and performs any necessary splits, rewriting ancestors via COW.
func (t *Tree) insertLeafEntry(path []pathStep, leaf *node, idx int, e entry, replace bool) error {
	oldID := leaf.pageID
	if replace {
		leaf.entries[idx] = e
	} else {
		leaf.insertAt(idx, e)
	}

	if leaf.approxByteSize() <= t.maxNodeBytes() {
		newID, err := t.cowReplace(leaf, oldID)
		if err != nil {
			return err
		}
		if len(path) == 0 {
			t.structureMu.Lock()
			t.rootID = newID
			t.structureMu.Unlock()
			return nil
		}
		return t.propagateChildID(path, newID)
	}
	return t.splitAndPropagate(path, leaf)
}

// splitAndPropagate splits full node n (already COW-copied in memory but not
// yet persisted) roughly in half by byte usage, then inserts the new
// separator into the parent, recursing if the parent also overflows and
// creating a new root if n had none.
func (t *Tree) splitAndPropagate(path []pathStep, n *node) error {
	mid := splitPoint(n)
	rightEntries := append([]entry(nil), n.entries[mid:]...)
	leftEntries := append([]entry(nil), n.entries[:mid]...)

	leftID, err := t.db.alloc.alloc()
	if err != nil {
		return err
	}
	rightID, err := t.db.alloc.alloc()
	if err != nil {
		return err
	}

	left := &node{pageID: leftID, typ: n.typ, entries: leftEntries, dirty: true}
	right := &node{pageID: rightID, typ: n.typ, entries: rightEntries, dirty: true}
	t.db.cache.remove(n.pageID)
	t.db.alloc.pendingFree(n.pageID)
	t.db.putNode(left)
	t.db.putNode(right)

	var sepKey []byte
	if n.isLeaf() {
		sepKey = append([]byte(nil), right.entries[0].key...)
	} else {
		// The separator for an internal split is the key that used to sit
		// at the split boundary; it is not duplicated into the right
		// node for internal nodes (only the child pointer moves).
		sepKey = append([]byte(nil), rightEntries[0].key...)
		right.entries = right.entries[:0]
		right.entries = append(right.entries, rightEntries[1:]...)
	}

	if len(path) == 0 {
		// n was the root: create a new root with two children.
		rootID, err := t.db.alloc.alloc()
		if err != nil {
			return err
		}
		newRoot := &node{
			pageID: rootID,
			typ:    typeInternal,
			entries: []entry{
				{key: nil, child: leftID},
				{key: sepKey, child: rightID},
			},
			dirty: true,
		}
		t.db.putNode(newRoot)
		t.structureMu.Lock()
		t.rootID = rootID
		t.structureMu.Unlock()
		return nil
	}

	parentStep := path[len(path)-1]
	parent := parentStep.n
	parent.entries[parentStep.idx].child = leftID
	insertIdx := parentStep.idx + 1
	parent.insertAt(insertIdx, entry{key: sepKey, child: rightID})

	if parent.approxByteSize() <= t.maxNodeBytes() {
		newID, err := t.cowReplace(parent, parent.pageID)
		if err != nil {
			return err
		}
		return t.propagateChildID(path[:len(path)-1], newID)
	}
	return t.splitAndPropagate(path[:len(path)-1], parent)
}

// splitPoint picks a roughly-half-by-bytes split index rather than a
// half-by-count index, to roughly balance byte usage rather than count.
func splitPoint(n *node) int {
	total := 0
	sizes := make([]int, len(n.entries))
	for i, e := range n.entries {
		s := len(e.key) + len(e.value) + 8
		sizes[i] = s
		total += s
	}
	half := total / 2
	running := 0
	for i, s := range sizes {
		running += s
		if running >= half {
			if i == 0 {
				return 1
			}
			return i
		}
	}
	return len(n.entries) / 2
}

// deleteLeafEntry removes the entry at idx from leaf and rebalances if the
// resulting occupancy falls below the low-water mark.
func (t *Tree) deleteLeafEntry(path []pathStep, leaf *node, idx int) error {
	oldID := leaf.pageID
	leaf.removeAt(idx)

	if len(leaf.entries) == 0 && len(path) > 0 {
		return t.collapseEmpty(path, leaf)
	}

	if len(path) > 0 && leaf.approxByteSize() < t.maxNodeBytes()/lowWaterFrac {
		merged, err := t.tryMergeRight(path, leaf)
		if err != nil {
			return err
		}
		if merged {
			return nil
		}
	}

	newID, err := t.cowReplace(leaf, oldID)
	if err != nil {
		return err
	}
	if len(path) == 0 {
		t.structureMu.Lock()
		t.rootID = newID
		t.structureMu.Unlock()
		return nil
	}
	return t.propagateChildID(path, newID)
}

// tryMergeRight folds leaf's right sibling into leaf when the combination
// still fits in one node, reclaiming the sibling's page and its parent
// slot. It reports false (and leaves leaf untouched on disk) when there is
// no right sibling or the merge would not fit, so the caller falls back to
// persisting the under-occupied leaf as-is rather than attempting a
// partial rebalance across neighbours.
func (t *Tree) tryMergeRight(path []pathStep, leaf *node) (bool, error) {
	parentStep := path[len(path)-1]
	parent := parentStep.n
	if parentStep.idx+1 >= len(parent.entries) {
		return false, nil
	}
	siblingID := parent.entries[parentStep.idx+1].child
	sibling, err := t.db.loadNode(siblingID)
	if err != nil {
		return false, err
	}
	combined := append(append([]entry(nil), leaf.entries...), sibling.entries...)
	probe := &node{typ: leaf.typ, entries: combined}
	if probe.approxByteSize() > t.maxNodeBytes() {
		return false, nil
	}

	leaf.entries = combined
	leaf.dirty = true
	newLeafID, err := t.cowReplace(leaf, leaf.pageID)
	if err != nil {
		return false, err
	}

	t.db.cache.remove(sibling.pageID)
	t.db.alloc.pendingFree(sibling.pageID)
	parent.removeAt(parentStep.idx + 1)
	parent.entries[parentStep.idx].child = newLeafID
	parent.dirty = true

	if len(parent.entries) == 1 && len(path) > 1 {
		only := parent.entries[0].child
		t.db.cache.remove(parent.pageID)
		t.db.alloc.pendingFree(parent.pageID)
		return true, t.propagateChildID(path[:len(path)-1], only)
	}
	if len(parent.entries) == 1 && len(path) == 1 {
		only := parent.entries[0].child
		t.db.cache.remove(parent.pageID)
		t.db.alloc.pendingFree(parent.pageID)
		t.structureMu.Lock()
		t.rootID = only
		t.structureMu.Unlock()
		return true, nil
	}

	newParentID, err := t.cowReplace(parent, parent.pageID)
	if err != nil {
		return true, err
	}
	if len(path) == 1 {
		t.structureMu.Lock()
		t.rootID = newParentID
		t.structureMu.Unlock()
		return true, nil
	}
	return true, t.propagateChildID(path[:len(path)-1], newParentID)
}

// collapseEmpty removes a now-empty leaf from its parent, merging/collapsing
// ancestors as needed and shrinking the tree's height if the root becomes a
// single-child internal node.
func (t *Tree) collapseEmpty(path []pathStep, empty *node) error {
	t.db.cache.remove(empty.pageID)
	t.db.alloc.pendingFree(empty.pageID)

	parentStep := path[len(path)-1]
	parent := parentStep.n
	parent.removeAt(parentStep.idx)

	if len(parent.entries) == 1 && len(path) > 1 {
		// Collapse this internal level: its single remaining child
		// becomes what the grandparent points to.
		only := parent.entries[0].child
		t.db.cache.remove(parent.pageID)
		t.db.alloc.pendingFree(parent.pageID)
		return t.propagateChildID(path[:len(path)-1], only)
	}
	if len(parent.entries) == 1 && len(path) == 1 {
		// Root collapse: the tree shrinks by one level.
		only := parent.entries[0].child
		t.db.cache.remove(parent.pageID)
		t.db.alloc.pendingFree(parent.pageID)
		t.structureMu.Lock()
		t.rootID = only
		t.structureMu.Unlock()
		return nil
	}

	newID, err := t.cowReplace(parent, parent.pageID)
	if err != nil {
		return err
	}
	if len(path) == 1 {
		t.structureMu.Lock()
		t.rootID = newID
		t.structureMu.Unlock()
		return nil
	}
	return t.propagateChildID(path[:len(path)-1], newID)
}

// keyCompare is exposed for callers (cursor.go) that need unsigned byte
// order comparisons outside of node.find.
func keyCompare(a, b []byte) int { return bytes.Compare(a, b) }

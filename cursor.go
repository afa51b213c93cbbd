package tupl

import (
	"bytes"
	"sync/atomic"
)

// Cursor is the ordered iterator and positional mutator over a Tree:
// First/Last/Find/FindGe/Gt/Le/Lt/FindNearby, Next/Previous/Move/Skip,
// Exists/Load/Store/Delete/Commit, and positional value access over
// fragmented values (ValueLength/ValueRead/ValueWrite/ValueClear/
// ValueSetLength).
//
// Grounded on aergoio/kv_log's Iterator (aergoio/kv_log iterator.go), which
// walks a single radix trie snapshot; generalized here to walk a COW
// B-tree path while going through the lock manager and undo log for every
// mutation, and to support positional movement instead of pure forward
// iteration.
type Cursor struct {
	t   *Tree
	txn *Transaction

	path []pathStep
	leaf *node
	idx  int // index within leaf.entries; len(leaf.entries) means past-end
	key  []byte
	found bool

	registered bool
	regID      uint64

	closed bool
}

// isGhostEntry reports whether e is a delete tombstone left behind by
// Cursor.Delete, pending resolution by the owning transaction's Commit or
// Reset. Ghosted entries occupy a real slot in the leaf but are invisible
// to Exists/Load and to iteration.
func isGhostEntry(e entry) bool { return e.kind == valueGhost }

// newCursor allocates a cursor bound to txn (BogusTransaction() for
// non-transactional internal use).
func (t *Tree) newCursor(txn *Transaction) *Cursor {
	if txn == nil {
		txn = bogusTxn
	}
	return &Cursor{t: t, txn: txn}
}

// Key returns the key at the cursor's current position, or nil if
// unpositioned.
func (c *Cursor) Key() []byte { return c.key }

// First positions the cursor at the lowest key in the tree.
func (c *Cursor) First() error {
	root, err := c.t.root()
	if err != nil {
		return err
	}
	path, leaf, err := c.descendEdge(root, true)
	if err != nil {
		return err
	}
	c.path, c.leaf, c.idx = path, leaf, 0
	if c.leaf != nil && c.idx < len(c.leaf.entries) && isGhostEntry(c.leaf.entries[c.idx]) {
		return c.Next()
	}
	c.syncKey()
	return nil
}

// Last positions the cursor at the highest key in the tree.
func (c *Cursor) Last() error {
	root, err := c.t.root()
	if err != nil {
		return err
	}
	path, leaf, err := c.descendEdge(root, false)
	if err != nil {
		return err
	}
	c.path, c.leaf = path, leaf
	c.idx = len(leaf.entries) - 1
	if c.idx >= 0 && isGhostEntry(c.leaf.entries[c.idx]) {
		return c.Previous()
	}
	c.syncKey()
	return nil
}

// descendEdge walks to the leftmost (low=true) or rightmost leaf starting
// from root.
func (c *Cursor) descendEdge(root *node, low bool) ([]pathStep, *node, error) {
	var path []pathStep
	cur := root
	for !cur.isLeaf() {
		idx := 0
		if !low {
			idx = len(cur.entries) - 1
		}
		path = append(path, pathStep{n: cur, idx: idx})
		next, err := c.t.db.loadNode(cur.entries[idx].child)
		if err != nil {
			return nil, nil, err
		}
		cur = next
	}
	return path, cur, nil
}

// Find positions the cursor exactly at key, reporting whether it exists.
func (c *Cursor) find(key []byte) error {
	path, leaf, idx, found, err := c.t.find(key)
	if err != nil {
		return err
	}
	c.path, c.leaf, c.idx, c.found = path, leaf, idx, found
	c.key = append([]byte(nil), key...)
	if found && idx < len(leaf.entries) && isGhostEntry(leaf.entries[idx]) {
		// A ghost marks a delete pending commit: logically absent to every
		// reader, including the deleting transaction's own cursor, until
		// the owning transaction resolves it.
		c.found = false
	}
	return nil
}

// Find is the exported exact-match positioning call.
func (c *Cursor) Find(key []byte) error { return c.find(key) }

// FindGe positions at key, or the next key greater than it if key is
// absent.
func (c *Cursor) FindGe(key []byte) error {
	if err := c.find(key); err != nil {
		return err
	}
	if c.leaf != nil && c.idx < len(c.leaf.entries) && isGhostEntry(c.leaf.entries[c.idx]) {
		return c.Next()
	}
	if !c.found && c.idx >= len(c.leaf.entries) {
		return c.Next()
	}
	c.syncKey()
	return nil
}

// FindGt positions at the first key strictly greater than key.
func (c *Cursor) FindGt(key []byte) error {
	if err := c.find(key); err != nil {
		return err
	}
	if !c.found && c.leaf != nil && c.idx < len(c.leaf.entries) && !isGhostEntry(c.leaf.entries[c.idx]) {
		// key is absent: find left the cursor on the first greater key.
		c.syncKey()
		return nil
	}
	return c.Next()
}

// FindLe positions at key, or the previous key less than it if key is
// absent.
func (c *Cursor) FindLe(key []byte) error {
	if err := c.find(key); err != nil {
		return err
	}
	if c.found {
		c.syncKey()
		return nil
	}
	return c.Previous()
}

// FindLt positions at the last key strictly less than key.
func (c *Cursor) FindLt(key []byte) error {
	if err := c.find(key); err != nil {
		return err
	}
	return c.Previous()
}

// FindNearby behaves like Find but reuses the cursor's current leaf as a
// starting hint when key still falls within it, avoiding a full re-descend
// for the common case of sequential or locally-clustered access; it falls
// back to a full Find otherwise.
func (c *Cursor) FindNearby(key []byte) error {
	if c.leaf != nil && len(c.leaf.entries) > 0 {
		lo := c.leaf.entries[0].key
		hi := c.leaf.entries[len(c.leaf.entries)-1].key
		if keyCompare(key, lo) >= 0 && keyCompare(key, hi) <= 0 {
			idx, found := c.leaf.find(key)
			c.idx, c.found = idx, found
			c.key = append([]byte(nil), key...)
			if found && idx < len(c.leaf.entries) && isGhostEntry(c.leaf.entries[idx]) {
				c.found = false
			}
			return nil
		}
	}
	return c.find(key)
}

// Next advances to the next key in order, descending into sibling leaves as
// needed and skipping over any ghost (pending-delete) entries transparently.
func (c *Cursor) Next() error {
	for {
		c.idx++
		for c.leaf != nil && c.idx >= len(c.leaf.entries) {
			if err := c.ascendRight(); err != nil {
				return err
			}
		}
		if c.leaf == nil || c.idx >= len(c.leaf.entries) || !isGhostEntry(c.leaf.entries[c.idx]) {
			break
		}
	}
	c.syncKey()
	return nil
}

// Previous moves to the previous key in order, skipping over any ghost
// entries transparently.
func (c *Cursor) Previous() error {
	for {
		c.idx--
		for c.leaf != nil && c.idx < 0 {
			if err := c.ascendLeft(); err != nil {
				return err
			}
		}
		if c.leaf == nil || c.idx < 0 || !isGhostEntry(c.leaf.entries[c.idx]) {
			break
		}
	}
	c.syncKey()
	return nil
}

// ascendRight moves to the next sibling leaf after the current one by
// walking up until a step has an unvisited right sibling, then descending
// that sibling's leftmost path.
func (c *Cursor) ascendRight() error {
	for i := len(c.path) - 1; i >= 0; i-- {
		step := c.path[i]
		if step.idx+1 < len(step.n.entries) {
			c.path[i].idx++
			child, err := c.t.db.loadNode(step.n.entries[step.idx+1].child)
			if err != nil {
				return err
			}
			path := append([]pathStep(nil), c.path[:i+1]...)
			rest, leaf, err := c.descendEdge(child, true)
			if err != nil {
				return err
			}
			c.path = append(path, rest...)
			c.leaf = leaf
			c.idx = 0
			return nil
		}
	}
	c.leaf = nil
	c.path = nil
	c.key = nil
	return nil
}

func (c *Cursor) ascendLeft() error {
	for i := len(c.path) - 1; i >= 0; i-- {
		step := c.path[i]
		if step.idx-1 >= 0 {
			c.path[i].idx--
			child, err := c.t.db.loadNode(step.n.entries[step.idx-1].child)
			if err != nil {
				return err
			}
			path := append([]pathStep(nil), c.path[:i+1]...)
			rest, leaf, err := c.descendEdge(child, false)
			if err != nil {
				return err
			}
			c.path = append(path, rest...)
			c.leaf = leaf
			c.idx = len(leaf.entries) - 1
			return nil
		}
	}
	c.leaf = nil
	c.path = nil
	c.key = nil
	return nil
}

// Move repositions by calling Next (n>0) or Previous (n<0) n times.
func (c *Cursor) Move(n int) error {
	if n > 0 {
		for ; n > 0 && c.leaf != nil; n-- {
			if err := c.Next(); err != nil {
				return err
			}
		}
	} else {
		for ; n < 0 && c.leaf != nil; n++ {
			if err := c.Previous(); err != nil {
				return err
			}
		}
	}
	return nil
}

// Skip advances n entries forward (n > 0) or backward (n < 0), stopping
// early if the current position reaches or passes limit (inclusive
// controls whether limit itself still counts as a further step), and
// reports how many entries were actually advanced. Pass a nil limit to
// skip unconditionally, matching Move's behavior.
func (c *Cursor) Skip(n int, limit []byte, inclusive bool) (int, error) {
	step := c.Next
	want := n
	if n < 0 {
		step = c.Previous
		want = -n
	}
	moved := 0
	for ; moved < want && c.leaf != nil; moved++ {
		if limit != nil {
			cmp := keyCompare(c.key, limit)
			var stop bool
			if n > 0 {
				stop = cmp > 0 || (cmp == 0 && !inclusive)
			} else {
				stop = cmp < 0 || (cmp == 0 && !inclusive)
			}
			if stop {
				break
			}
		}
		if err := step(); err != nil {
			return moved, err
		}
	}
	return moved, nil
}

func (c *Cursor) syncKey() {
	if c.leaf == nil || c.idx < 0 || c.idx >= len(c.leaf.entries) {
		c.key = nil
		c.found = false
		return
	}
	c.key = c.leaf.entries[c.idx].key
	c.found = true
}

// Exists reports whether the cursor is positioned on an existing entry.
func (c *Cursor) Exists() bool { return c.found }

// Load reads the value at the cursor's current position, assembling
// fragmented values transparently.
func (c *Cursor) Load() ([]byte, error) {
	if !c.found {
		return nil, nil
	}
	e := c.leaf.entries[c.idx]
	return c.t.db.readEntryValue(c.t, e)
}

// Store writes value at key, inserting or replacing as needed, acquiring an
// exclusive lock and logging undo/redo,  Insert/Update.
func (c *Cursor) Store(key, value []byte) error {
	if len(key) > maxKeyLength {
		return &LargeKeyError{Length: len(key)}
	}
	if _, err := c.txn.lockExclusive(c.t, key); err != nil {
		return err
	}
	if err := c.find(key); err != nil {
		return err
	}
	return c.storeAtLocked(key, value)
}

const maxKeyLength = 2048

// storeAt is the non-transactional counterpart of Store, used by internal
// bookkeeping writers (index registry, FragmentedTrash) that bypass locking.
func (c *Cursor) storeAt(key, value []byte) error {
	if err := c.find(key); err != nil {
		return err
	}
	return c.storeAtLocked(key, value)
}

func (c *Cursor) storeAtLocked(key, value []byte) error {
	e, err := c.t.db.buildEntry(c.t, key, value)
	if err != nil {
		return err
	}

	// A blind store landing on a ghost (pending-delete) slot for this same
	// key is a replace, not an insert: the slot is already occupied on the
	// page, just not visible to readers yet. The lock manager, not the leaf
	// entry, is the ghost's authoritative home: the entry's own ghost
	// pointer does not survive a node-cache eviction and reload (see
	// decodeNode's valueGhost case), but the lock entry stays resident for
	// as long as the exclusive lock that created it is held.
	ghostReuse := !c.found && c.leaf != nil && c.idx < len(c.leaf.entries) &&
		isGhostEntry(c.leaf.entries[c.idx]) && keysEqual(c.leaf.entries[c.idx].key, key)
	replace := c.found || ghostReuse

	if !c.txn.bogus {
		c.t.db.commitLock.AcquireShared()
		switch {
		case ghostReuse:
			var prior []byte
			if ghost := c.t.db.locks.takeGhost(lockKeyFor(c.t, key)); ghost != nil {
				prior, _ = c.t.db.readEntryValue(c.t, entry{kind: ghost.priorKind, value: ghost.priorVal, frag: ghost.priorFrag})
			}
			c.txn.undo.pushUnupdate(c.t.id, key, prior)
		case c.found:
			prior, _ := c.t.db.readEntryValue(c.t, c.leaf.entries[c.idx])
			c.txn.undo.pushUnupdate(c.t.id, key, prior)
		default:
			c.txn.undo.pushUnInsert(c.t.id, key)
		}
		if c.t.db.redo != nil && !c.t.temporary {
			c.t.db.redo.logStore(c.txn, c.t.id, key, value)
		}
		c.t.db.commitLock.ReleaseShared()
	} else if ghostReuse {
		// Internal rewrite (undo replay) over a ghosted slot: just drop the
		// stale lock-side ghost pointer, nothing to log for a bogus txn.
		c.t.db.locks.takeGhost(lockKeyFor(c.t, key))
	}

	if err := c.t.insertLeafEntry(c.path, c.leaf, c.idx, e, replace); err != nil {
		return err
	}
	return c.find(key)
}

// Delete removes the entry at the cursor's current position. Under a real
// transaction this leaves a ghost tombstone in the leaf's slot rather than
// physically removing it: the slot stays reserved (invisible to every
// reader, see isGhostEntry) until the owning transaction's Commit finalizes
// the removal or its Reset restores the prior content via undo replay.
// A bogus (non-transactional) cursor always removes immediately, since
// nothing will later resolve a ghost on its behalf.
func (c *Cursor) Delete() error {
	if !c.found {
		return nil
	}
	key := append([]byte(nil), c.key...)
	if !c.txn.bogus {
		if _, err := c.txn.lockExclusive(c.t, key); err != nil {
			return err
		}
	}

	e := c.leaf.entries[c.idx]
	if !c.txn.bogus {
		c.t.db.commitLock.AcquireShared()
		prior, _ := c.t.db.readEntryValue(c.t, e)
		c.txn.undo.pushUnDelete(c.t.id, key, prior)
		if c.t.db.redo != nil && !c.t.temporary {
			c.t.db.redo.logDelete(c.txn, c.t.id, key)
		}
		c.t.db.commitLock.ReleaseShared()
	}

	if e.kind == valueFragmentedDirect || e.kind == valueFragmentedIndirect {
		if err := c.t.db.trash.add(c.txn, c.t.id, key, e); err != nil {
			return err
		}
		if !c.txn.bogus {
			c.txn.flags |= flagHasTrash
		}
	}

	idx := c.idx
	if c.txn.bogus {
		if err := c.t.deleteLeafEntry(c.path, c.leaf, idx); err != nil {
			return err
		}
		return c.find(key)
	}

	ghost := entry{key: e.key, kind: valueGhost, ghost: &ghostFrame{
		txnID:     c.txn.id,
		priorKind: e.kind,
		priorVal:  e.value,
		priorFrag: e.frag,
	}}
	c.leaf.entries[idx] = ghost
	c.leaf.dirty = true
	newID, err := c.t.cowReplace(c.leaf, c.leaf.pageID)
	if err != nil {
		return err
	}
	if len(c.path) == 0 {
		c.t.structureMu.Lock()
		c.t.rootID = newID
		c.t.structureMu.Unlock()
	} else if err := c.t.propagateChildID(c.path, newID); err != nil {
		return err
	}
	c.t.db.locks.setGhost(lockKeyFor(c.t, key), ghost.ghost)
	return c.find(key)
}

// Commit commits the bound transaction, a convenience matching the
// original's Cursor.commit() which both stores and commits in one call
// when a cursor is used standalone rather than as part of a larger
// transaction.
func (c *Cursor) Commit(key, value []byte) error {
	if err := c.Store(key, value); err != nil {
		return err
	}
	return c.txn.Commit()
}

// ValueLength returns the logical length of the value at the cursor's
// current position, without reading fragment pages unnecessarily.
func (c *Cursor) ValueLength() (int64, error) {
	if !c.found {
		return 0, nil
	}
	return c.t.db.entryValueLength(c.leaf.entries[c.idx]), nil
}

// ValueRead reads length bytes starting at pos within the current value,
// without loading the whole value first.
func (c *Cursor) ValueRead(pos int64, length int) ([]byte, error) {
	if !c.found {
		return nil, nil
	}
	return c.t.db.readFragmentRange(c.t, c.leaf.entries[c.idx], pos, length)
}

// Register durably binds this cursor's id, usable by a host program that
// wants to recognize the same cursor position across redo records after a
// crash (positional writes themselves log directly against (indexID, key),
// not through a registered id: see redoValueWrite).
func (c *Cursor) Register() uint64 {
	if c.registered {
		return c.regID
	}
	c.regID = atomic.AddUint64(&c.t.db.nextCursorID, 1)
	c.registered = true
	if c.t.db.redo != nil && !c.txn.bogus && !c.t.temporary {
		c.t.db.redo.logCursorRegister(c.t.id, c.key, c.regID)
	}
	return c.regID
}

// Unregister releases a durable cursor id bound by Register.
func (c *Cursor) Unregister() {
	if !c.registered {
		return
	}
	if c.t.db.redo != nil && !c.txn.bogus && !c.t.temporary {
		c.t.db.redo.logCursorUnregister(c.regID)
	}
	c.registered = false
	c.regID = 0
}

// ValueWrite writes buf at pos within the current value, extending it and
// converting it to a fragmented representation if necessary.
func (c *Cursor) ValueWrite(pos int64, buf []byte) error {
	if !c.found {
		return ErrIllegalArgument
	}
	key := append([]byte(nil), c.key...)
	newEntry, undoRecs, err := c.t.db.writeFragmentRange(c.t, c.leaf.entries[c.idx], key, pos, buf)
	if err != nil {
		return err
	}
	if !c.txn.bogus {
		c.t.db.commitLock.AcquireShared()
		for _, r := range undoRecs {
			c.txn.undo.push(r)
		}
		if c.t.db.redo != nil && !c.t.temporary {
			c.t.db.redo.logValueWrite(c.txn, c.t.id, key, pos, buf)
		}
		c.t.db.commitLock.ReleaseShared()
	}
	c.leaf.entries[c.idx] = newEntry
	c.leaf.dirty = true
	newID, err := c.t.cowReplace(c.leaf, c.leaf.pageID)
	if err != nil {
		return err
	}
	if len(c.path) == 0 {
		c.t.structureMu.Lock()
		c.t.rootID = newID
		c.t.structureMu.Unlock()
	} else if err := c.t.propagateChildID(c.path, newID); err != nil {
		return err
	}
	return c.find(key)
}

// ValueSetLength truncates or zero-extends the value at the cursor's
// current position to length bytes.
func (c *Cursor) ValueSetLength(length int64) error {
	if !c.found {
		return ErrIllegalArgument
	}
	key := append([]byte(nil), c.key...)
	newEntry, undoRecs, err := c.t.db.setFragmentLength(c.t, c.leaf.entries[c.idx], key, length)
	if err != nil {
		return err
	}
	if !c.txn.bogus {
		c.t.db.commitLock.AcquireShared()
		for _, r := range undoRecs {
			c.txn.undo.push(r)
		}
		if c.t.db.redo != nil && !c.t.temporary {
			c.t.db.redo.logValueSetLength(c.txn, c.t.id, key, length)
		}
		c.t.db.commitLock.ReleaseShared()
	}
	c.leaf.entries[c.idx] = newEntry
	c.leaf.dirty = true
	newID, err := c.t.cowReplace(c.leaf, c.leaf.pageID)
	if err != nil {
		return err
	}
	return c.t.propagateChildID(c.path, newID)
}

// ValueClear zeroes length bytes starting at pos, without changing the
// value's overall length.
func (c *Cursor) ValueClear(pos int64, length int64) error {
	zeros := make([]byte, length)
	return c.ValueWrite(pos, zeros)
}

// Copy returns an independent cursor positioned identically to c, sharing
// the same transaction.
func (c *Cursor) Copy() *Cursor {
	cp := &Cursor{
		t:     c.t,
		txn:   c.txn,
		path:  append([]pathStep(nil), c.path...),
		leaf:  c.leaf,
		idx:   c.idx,
		key:   append([]byte(nil), c.key...),
		found: c.found,
	}
	return cp
}

// Reset releases the cursor's position. Cursors bound to BogusTransaction()
// hold no locks to release; ordinary cursors leave lock release to the
// bound transaction's Commit/Reset.
func (c *Cursor) Reset() {
	c.Unregister()
	c.path = nil
	c.leaf = nil
	c.key = nil
	c.found = false
	c.closed = true
}

func keysEqual(a, b []byte) bool { return bytes.Equal(a, b) }

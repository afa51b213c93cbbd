package tupl

import (
	"bytes"
	"sort"

	"github.com/cojen/tupl/internal/varint"
)

// nodeType distinguishes internal (separator+child-id) nodes from leaf
// (key+value) nodes.
type nodeType byte

const (
	typeLeaf nodeType = 0
	typeInternal nodeType = 1
)

// valueKind tags how a leaf entry's value is physically stored, 
// "Data layout". The encoding must be bit-stable across restarts because it
// is persisted.
type valueKind byte

const (
	valueInline valueKind = iota
	valueFragmentedDirect
	valueFragmentedIndirect
	valueGhost
)

// entry is one decoded (key, value) or (separator, child) pair held in a
// node while it is latched in memory. Nodes are copy-on-write: a mutation
// never edits a page shared with a reader, it decodes, copies, and
// allocates a new page id for the result.
type entry struct {
	key []byte

	// Leaf-only:
	kind     valueKind
	value    []byte      // valueInline: the value itself
	frag     *fragHeader // valueFragmentedDirect/Indirect
	ghost    *ghostFrame // valueGhost

	// Internal-only:
	child int64
}

// fragHeader describes a fragmented value's on-page header.
type fragHeader struct {
	totalLen int64
	head     []byte  // inline head bytes, stored alongside the header
	// Direct encoding: flat list of page ids, last may be a partial tail.
	pages []int64
	// Indirect encoding: root of a tree of pointer pages.
	indirectRoot int64
	indirect     bool
}

// ghostFrame is the tombstone left by a delete under any durability mode
// other than UNSAFE. It keeps the lock slot
// alive until a committing (or rolling back) transaction resolves it.
type ghostFrame struct {
	txnID     uint64
	priorKind valueKind
	priorVal  []byte
	priorFrag *fragHeader
}

// node is one decoded page. It is pinned in the node cache while latched;
// unlatching makes it eligible for eviction again.
type node struct {
	latch Latch

	pageID  int64
	typ     nodeType
	entries []entry // sorted ascending by key, unsigned byte order

	dirty    bool
	cacheIdx uint32
}

// keyLess orders byte slices by unsigned byte value.
func keyLess(a, b []byte) bool { return bytes.Compare(a, b) < 0 }

// find returns the index of key within n.entries and true if present,
// else the insertion point and false.
func (n *node) find(key []byte) (int, bool) {
	i := sort.Search(len(n.entries), func(i int) bool {
		return bytes.Compare(n.entries[i].key, key) >= 0
	})
	if i < len(n.entries) && bytes.Equal(n.entries[i].key, key) {
		return i, true
	}
	return i, false
}

// childForKey returns the index of the child entry whose subtree must
// contain key, for an internal node: the last separator <= key, or 0.
func (n *node) childForKey(key []byte) int {
	i := sort.Search(len(n.entries), func(i int) bool {
		return bytes.Compare(n.entries[i].key, key) > 0
	})
	if i == 0 {
		return 0
	}
	return i - 1
}

// approxByteSize estimates the encoded size of the node, used to decide
// whether a leaf has room for another entry and to balance splits by byte
// usage rather than entry count.
func (n *node) approxByteSize() int {
	size := 2 // type + count varint lower bound
	for _, e := range n.entries {
		size += varint.Size(uint64(len(e.key))) + len(e.key)
		if n.typ == typeInternal {
			size += varint.Size(uint64(e.child)) + 1
			continue
		}
		size++ // value kind byte
		switch e.kind {
		case valueInline:
			size += varint.Size(uint64(len(e.value))) + len(e.value)
		case valueFragmentedDirect:
			size += varint.Size(uint64(e.frag.totalLen))
			size += varint.Size(uint64(len(e.frag.head))) + len(e.frag.head)
			size += varint.Size(uint64(len(e.frag.pages)))
			size += len(e.frag.pages) * 9
		case valueFragmentedIndirect:
			size += varint.Size(uint64(e.frag.totalLen))
			size += varint.Size(uint64(len(e.frag.head))) + len(e.frag.head)
			size += 9
		case valueGhost:
			// ghost marker only, prior value kept out-of-page via undo.
		}
	}
	return size
}

// insertAt inserts e at index i, shifting later entries right.
func (n *node) insertAt(i int, e entry) {
	n.entries = append(n.entries, entry{})
	copy(n.entries[i+1:], n.entries[i:])
	n.entries[i] = e
	n.dirty = true
}

// removeAt deletes the entry at index i.
func (n *node) removeAt(i int) entry {
	e := n.entries[i]
	copy(n.entries[i:], n.entries[i+1:])
	n.entries = n.entries[:len(n.entries)-1]
	n.dirty = true
	return e
}

// isLeaf reports whether this node holds (key,value) rather than
// (separator,child) entries.
func (n *node) isLeaf() bool { return n.typ == typeLeaf }

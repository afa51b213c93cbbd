package tupl

import (
	"encoding/binary"
)

// fragmentedTrash defers reclamation of a fragmented value's pages until a
// deleting transaction actually commits, grounded directly on
// org.cojen.tupl._FragmentedTrash (present under _examples/original_source):
// entries are keyed by txnId || reverse sequence number so recovery can scan
// them in commit order and either finish the deletion (if the owning
// transaction committed) or restore the value (if it didn't).
//
// Lives in the registry tree's sibling index (a second reserved index id),
// written and read through BogusTransaction() the same way the registry
// itself is, since trash bookkeeping is not part of any user transaction's
// own undo/redo stream.
type fragmentedTrash struct {
	db *Database
}

const trashIndexID = 1

func newFragmentedTrash(db *Database) *fragmentedTrash {
	return &fragmentedTrash{db: db}
}

func (tr *fragmentedTrash) tree() *Tree {
	return tr.db.treeByID(trashIndexID)
}

// add records e's fragment pages as pending deletion under txn, to be
// swept by recovery or by the transaction's own commit-time cleanup.
// The trash key is txnID (8 bytes) || reversed monotonic sequence (8 bytes) ||
// indexID (8 bytes) || key, mirroring _FragmentedTrash.add's key shape so
// a crash mid-scan still orders entries by commit sequence.
func (tr *fragmentedTrash) add(txn *Transaction, indexID uint64, key []byte, e entry) error {
	t := tr.tree()
	if t == nil {
		return nil
	}
	seq := tr.db.allocTxnID()
	trashKey := make([]byte, 24+len(key))
	binary.BigEndian.PutUint64(trashKey[0:8], txn.id)
	binary.BigEndian.PutUint64(trashKey[8:16], ^seq) // reversed: newest sorts first
	binary.BigEndian.PutUint64(trashKey[16:24], indexID)
	copy(trashKey[24:], key)

	payload := encodeFragEntry(e)
	c := t.newCursor(bogusTxn)
	defer c.Reset()
	return c.storeAt(trashKey, payload)
}

// resolveCommitted permanently frees every fragment page recorded for txn,
// called once its commit is durable.
func (tr *fragmentedTrash) resolveCommitted(txn *Transaction) error {
	return tr.resolveCommittedByID(txn.id)
}

// resolveCommittedByID is the id-only form used by recovery, which only
// knows a transaction's id from the redo log, not a live *Transaction.
func (tr *fragmentedTrash) resolveCommittedByID(txnID uint64) error {
	t := tr.tree()
	if t == nil {
		return nil
	}
	return tr.sweep(txnID, func(c *Cursor, e entry) error {
		if e.frag != nil {
			tr.freeFragmentPages(e)
		}
		return c.Delete()
	})
}

// resolveRolledBack restores every fragment recorded for txn back onto its
// original (indexID, key), undoing the pending delete; called by recovery
// when it finds trash entries whose owning transaction never committed.
func (tr *fragmentedTrash) resolveRolledBack(txnID uint64) error {
	t := tr.tree()
	if t == nil {
		return nil
	}
	return tr.sweep(txnID, func(c *Cursor, e entry) error {
		trashKey := c.Key()
		if len(trashKey) < 24 {
			return c.Delete()
		}
		indexID := binary.BigEndian.Uint64(trashKey[16:24])
		origKey := append([]byte(nil), trashKey[24:]...)
		if target := tr.db.treeByID(indexID); target != nil {
			oc := target.newCursor(bogusTxn)
			defer oc.Reset()
			if err := oc.storeAt(origKey, nil); err != nil {
				return err
			}
			// storeAt always builds an inline/fragmented entry from the
			// byte slice given; since the trash payload already carries
			// the original fragmented encoding, install it directly
			// instead of re-fragmenting from scratch.
			if err := oc.find(origKey); err != nil {
				return err
			}
			oc.leaf.entries[oc.idx] = entry{key: origKey, kind: e.kind, value: e.value, frag: e.frag}
			oc.leaf.dirty = true
			newID, err := target.cowReplace(oc.leaf, oc.leaf.pageID)
			if err != nil {
				return err
			}
			if err := target.propagateChildID(oc.path, newID); err != nil {
				return err
			}
		}
		return c.Delete()
	})
}

func (tr *fragmentedTrash) sweep(txnID uint64, fn func(c *Cursor, e entry) error) error {
	t := tr.tree()
	lo := make([]byte, 8)
	binary.BigEndian.PutUint64(lo, txnID)
	c := t.newCursor(bogusTxn)
	defer c.Reset()
	if err := c.FindGe(lo); err != nil {
		return err
	}
	for c.Exists() {
		key := c.Key()
		if len(key) < 8 || binary.BigEndian.Uint64(key[:8]) != txnID {
			break
		}
		payload, err := c.Load()
		if err != nil {
			return err
		}
		e := decodeFragEntry(payload)
		if err := fn(c, e); err != nil {
			return err
		}
		if err := c.FindGe(lo); err != nil {
			return err
		}
	}
	return nil
}

func (tr *fragmentedTrash) freeFragmentPages(e entry) {
	tr.db.freeFragHeaderPages(e.frag)
}

// encodeFragEntry/decodeFragEntry give the trash tree a stable payload
// shape independent of the live registry's node encoding: reuse
// encodeNode/decodeNode's per-entry format by wrapping the single entry in
// a throwaway one-entry leaf, sized generously enough that no real
// fragmented-value header ever exceeds it.
const trashPayloadCapacity = 1 << 16

func encodeFragEntry(e entry) []byte {
	e.key = nil
	buf, err := encodeNode(&node{typ: typeLeaf, entries: []entry{e}}, trashPayloadCapacity)
	if err != nil {
		return nil
	}
	return buf
}

func decodeFragEntry(payload []byte) entry {
	n, err := decodeNode(0, payload)
	if err != nil || len(n.entries) == 0 {
		return entry{}
	}
	return n.entries[0]
}

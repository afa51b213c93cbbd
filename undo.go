package tupl

import (
	"encoding/binary"

	"github.com/cojen/tupl/internal/varint"
)

// undoOp tags one compensating action in the undo log.
type undoOp byte

const (
	undoUnupdate undoOp = iota
	undoUnDelete
	undoUnInsert
	undoUnDeleteFragmented
	undoUnCreate
	undoUnExtend
	undoUnAlloc
	undoUnWrite
	undoPrepare
	undoCustom
	undoScopeSentinel
	undoCommitMark
)

// undoRecord is one entry of a transaction's undo stack.
type undoRecord struct {
	op      undoOp
	indexID uint64
	key     []byte
	value   []byte // prior value bytes (Unupdate/UnDelete), or payload
	pos     int64  // UnWrite/UnExtend/UnAlloc: affected position or page id
}

// undoLog is the per-transaction stack of compensating records: it lives
// inline until it exceeds undoSpillThreshold entries, at which point it
// spills to a page chain (see spill) so one outsized transaction cannot
// grow its undo stack without bound. Spilling only bounds memory: crash
// recovery never replays or reads a transaction's undo log (see
// replayRedoLog's wholesale discard of uncommitted redo records), so an
// unspilled log lost in a crash is no different from a spilled one that
// is.
type undoLog struct {
	db    *Database
	txnID uint64

	records []undoRecord
	scopes  []int // stack of lengths marking scope boundaries (enter())

	spillHead int64 // head page of the spilled chain, or -1 if none
}

const undoSpillThreshold = 1 << 16

func newUndoLog(db *Database, txnID uint64) *undoLog {
	return &undoLog{db: db, txnID: txnID, spillHead: -1}
}

func (u *undoLog) push(r undoRecord) {
	u.records = append(u.records, r)
	if len(u.scopes) == 0 && len(u.records) >= undoSpillThreshold {
		u.spill()
	}
}

// spill packs every currently resident record, newest first, into a chain
// of pages prepended onto any earlier spillHead, then clears the in-memory
// list. It only ever runs between scopes, since a record inside an open
// scope must stay poppable by exitScope's length-based slicing. It is a
// no-op (records stay resident) if any single record is too large to share
// a page with its own count header, or if a page allocation fails midway.
func (u *undoLog) spill() {
	if u.db == nil || len(u.records) == 0 {
		return
	}
	const headerLen = 8 // next-page pointer
	capPerPage := u.db.pageSize - headerLen - binary.MaxVarintLen64
	for _, r := range u.records {
		if len(encodeUndoRecord(r)) > capPerPage {
			return
		}
	}

	var batches [][][]byte
	var cur [][]byte
	curLen := 0
	for i := len(u.records) - 1; i >= 0; i-- {
		enc := encodeUndoRecord(u.records[i])
		if len(cur) > 0 && curLen+len(enc) > capPerPage {
			batches = append(batches, cur)
			cur = nil
			curLen = 0
		}
		cur = append(cur, enc)
		curLen += len(enc)
	}
	batches = append(batches, cur)

	ids := make([]int64, len(batches))
	for i := range ids {
		id, err := u.db.alloc.alloc()
		if err != nil {
			for _, a := range ids[:i] {
				u.db.alloc.pendingFree(a)
			}
			return
		}
		ids[i] = id
	}

	next := u.spillHead
	for i := len(batches) - 1; i >= 0; i-- {
		buf := make([]byte, u.db.pageSize)
		binary.LittleEndian.PutUint64(buf[:8], uint64(next))
		off := 8
		off += varint.Write(buf[off:], uint64(len(batches[i])))
		for _, enc := range batches[i] {
			off += copy(buf[off:], enc)
		}
		if err := u.db.pages.WritePage(ids[i], buf); err != nil {
			return
		}
		next = ids[i]
	}
	u.spillHead = ids[0]
	u.records = nil
}

// freeSpillChain releases every page of the spilled chain back to the
// allocator, for a transaction whose spilled records no longer matter
// (committed, or already rolled back).
func (u *undoLog) freeSpillChain() {
	if u.db == nil {
		return
	}
	for id := u.spillHead; id != -1; {
		buf := make([]byte, u.db.pageSize)
		if err := u.db.pages.ReadPage(id, buf); err != nil {
			break
		}
		next := int64(binary.LittleEndian.Uint64(buf[:8]))
		u.db.alloc.pendingFree(id)
		id = next
	}
	u.spillHead = -1
}

// pushUnupdate records the prior value of key so a STORE can be reverted.
func (u *undoLog) pushUnupdate(indexID uint64, key, priorValue []byte) {
	u.push(undoRecord{op: undoUnupdate, indexID: indexID, key: key, value: priorValue})
}

// pushUnDelete records a deleted key's prior value so a DELETE can be
// reverted by re-inserting it.
func (u *undoLog) pushUnDelete(indexID uint64, key, priorValue []byte) {
	u.push(undoRecord{op: undoUnDelete, indexID: indexID, key: key, value: priorValue})
}

// pushUnInsert records a freshly inserted key with no prior value, so
// rollback removes it entirely.
func (u *undoLog) pushUnInsert(indexID uint64, key []byte) {
	u.push(undoRecord{op: undoUnInsert, indexID: indexID, key: key})
}

// pushUndeleteFragmented records a fragmented-value delete's trash location
// so rollback can move it back out of FragmentedTrash, grounded on
// _FragmentedTrash.add's payload layout (key || trash-suffix).
func (u *undoLog) pushUndeleteFragmented(indexID uint64, payload []byte) {
	u.push(undoRecord{op: undoUnDeleteFragmented, indexID: indexID, value: payload})
}

// pushUnWrite records the prior bytes at pos within a fragmented value, so a
// positional valueWrite can be undone exactly once per modified region.
func (u *undoLog) pushUnWrite(indexID uint64, key []byte, pos int64, priorBytes []byte) {
	u.push(undoRecord{op: undoUnWrite, indexID: indexID, key: key, pos: pos, value: priorBytes})
}

// pushUnExtend records that a value was extended from its prior length, so
// rollback can truncate it back.
func (u *undoLog) pushUnExtend(indexID uint64, key []byte, priorLength int64) {
	u.push(undoRecord{op: undoUnExtend, indexID: indexID, key: key, pos: priorLength})
}

// pushUnAlloc records a page allocated while writing a fragmented value, so
// rollback frees it.
func (u *undoLog) pushUnAlloc(pageID int64) {
	u.push(undoRecord{op: undoUnAlloc, pos: pageID})
}

// enter pushes a scope boundary sentinel, for Transaction.Enter().
func (u *undoLog) enter() {
	u.scopes = append(u.scopes, len(u.records))
}

// exitScope pops (without applying) the undo records of the current scope only,
// returning them in apply (reverse) order, for Transaction.Exit().
func (u *undoLog) exitScope() []undoRecord {
	if len(u.scopes) == 0 {
		return nil
	}
	mark := u.scopes[len(u.scopes)-1]
	u.scopes = u.scopes[:len(u.scopes)-1]
	popped := reverseCopy(u.records[mark:])
	u.records = u.records[:mark]
	return popped
}

// rollbackAll pops and returns every remaining record, resident and
// spilled, in reverse (apply) order, for a whole-transaction rollback.
func (u *undoLog) rollbackAll() []undoRecord {
	popped := reverseCopy(u.records)
	u.records = nil
	if u.spillHead != -1 && u.db != nil {
		if spilled, err := u.db.readUndoChain(u.spillHead); err == nil {
			popped = append(popped, spilled...)
		}
		u.freeSpillChain()
	}
	u.scopes = nil
	return popped
}

// markCommitted appends a COMMIT marker distinguishing, for a crash between
// redo fsync and undo truncate, "truncate on recovery" from "roll back on
// recovery".
func (u *undoLog) markCommitted() {
	u.push(undoRecord{op: undoCommitMark})
}

func (u *undoLog) committed() bool {
	return len(u.records) > 0 && u.records[len(u.records)-1].op == undoCommitMark
}

func reverseCopy(recs []undoRecord) []undoRecord {
	out := make([]undoRecord, len(recs))
	for i, r := range recs {
		out[len(recs)-1-i] = r
	}
	return out
}

// encodeUndoRecord and decodeUndoRecord serialize one record for the
// page-chain spill path (spill/readUndoChain) in a stable on-disk shape.
func encodeUndoRecord(r undoRecord) []byte {
	buf := make([]byte, 0, 32+len(r.key)+len(r.value))
	buf = append(buf, byte(r.op))
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], r.indexID)
	buf = append(buf, tmp[:]...)
	w := varint.Size(uint64(len(r.key)))
	lenBuf := make([]byte, w)
	varint.Write(lenBuf, uint64(len(r.key)))
	buf = append(buf, lenBuf...)
	buf = append(buf, r.key...)
	w = varint.Size(uint64(len(r.value)))
	lenBuf = make([]byte, w)
	varint.Write(lenBuf, uint64(len(r.value)))
	buf = append(buf, lenBuf...)
	buf = append(buf, r.value...)
	binary.LittleEndian.PutUint64(tmp[:], uint64(r.pos))
	buf = append(buf, tmp[:]...)
	return buf
}

// decodeUndoRecord parses one record from the front of buf, as produced by
// encodeUndoRecord, returning the record, the number of bytes consumed, and
// whether buf held a complete record.
func decodeUndoRecord(buf []byte) (undoRecord, int, bool) {
	if len(buf) < 17 {
		return undoRecord{}, 0, false
	}
	var r undoRecord
	r.op = undoOp(buf[0])
	off := 1
	r.indexID = binary.LittleEndian.Uint64(buf[off : off+8])
	off += 8

	klen, n := varint.Read(buf[off:])
	if n == 0 || off+n+int(klen) > len(buf) {
		return undoRecord{}, 0, false
	}
	off += n
	r.key = append([]byte(nil), buf[off:off+int(klen)]...)
	off += int(klen)

	vlen, n := varint.Read(buf[off:])
	if n == 0 || off+n+int(vlen) > len(buf) {
		return undoRecord{}, 0, false
	}
	off += n
	r.value = append([]byte(nil), buf[off:off+int(vlen)]...)
	off += int(vlen)

	if off+8 > len(buf) {
		return undoRecord{}, 0, false
	}
	r.pos = int64(binary.LittleEndian.Uint64(buf[off : off+8]))
	off += 8
	return r, off, true
}

// readUndoChain reads every record spilled into the page chain rooted at
// head, returning them in the chain's stored order (newest record first),
// matching rollbackAll's expected apply order.
func (db *Database) readUndoChain(head int64) ([]undoRecord, error) {
	var out []undoRecord
	for id := head; id != -1; {
		buf := make([]byte, db.pageSize)
		if err := db.pages.ReadPage(id, buf); err != nil {
			return out, err
		}
		next := int64(binary.LittleEndian.Uint64(buf[:8]))
		off := 8
		count, n := varint.Read(buf[off:])
		if n == 0 {
			return out, ErrCorruptDatabase
		}
		off += n
		for i := uint64(0); i < count; i++ {
			r, consumed, ok := decodeUndoRecord(buf[off:])
			if !ok {
				return out, ErrCorruptDatabase
			}
			out = append(out, r)
			off += consumed
		}
		id = next
	}
	return out, nil
}

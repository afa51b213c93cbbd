package tupl

import (
	"encoding/binary"

	"github.com/cojen/tupl/internal/varint"
)

// redoOp is one entry tag in the append-only redo log. Every record is the
// op byte, the transaction id and index id (8 bytes little-endian each),
// the varint-length-prefixed key and value, then pos and cursorID (8 bytes
// each); see encodeRedoRecord. There is no overall record length prefix.
type redoOp byte

const (
	redoStore redoOp = iota
	redoDelete
	redoTxnCommit
	redoTimestamp
	redoIndexCreate
	redoIndexDelete
	redoCustom
	// redoValueWrite/redoValueSetLength cover Cursor's positional writes
	// over a fragmented value, narrowed to log the (indexID, key) pair
	// directly rather than through a durable cursor id: Register/Unregister
	// exist for API parity with positional access across records, but
	// positional-write redo records do not indirect through them, avoiding
	// a recovery-time id -> (tree, key) resolution table.
	redoValueWrite
	redoValueSetLength
	redoCursorRegister
	redoCursorUnregister
)

// redoRecord is one decoded entry, produced by parsing the log during
// recovery.
type redoRecord struct {
	op      redoOp
	txnID   uint64
	indexID uint64
	key     []byte
	value   []byte

	// pos is the write offset for redoValueWrite, the new length for
	// redoValueSetLength, and unused otherwise.
	pos int64
	// cursorID identifies a durable cursor registration for
	// redoCursorRegister/redoCursorUnregister, unused otherwise.
	cursorID uint64
}

func encodeRedoRecord(r redoRecord) []byte {
	buf := make([]byte, 0, 48+len(r.key)+len(r.value))
	buf = append(buf, byte(r.op))
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], r.txnID)
	buf = append(buf, tmp[:]...)
	binary.LittleEndian.PutUint64(tmp[:], r.indexID)
	buf = append(buf, tmp[:]...)
	buf = appendVarBytes(buf, r.key)
	buf = appendVarBytes(buf, r.value)
	binary.LittleEndian.PutUint64(tmp[:], uint64(r.pos))
	buf = append(buf, tmp[:]...)
	binary.LittleEndian.PutUint64(tmp[:], r.cursorID)
	buf = append(buf, tmp[:]...)
	return buf
}

func appendVarBytes(buf, b []byte) []byte {
	w := varint.Size(uint64(len(b)))
	lenBuf := make([]byte, w)
	varint.Write(lenBuf, uint64(len(b)))
	buf = append(buf, lenBuf...)
	return append(buf, b...)
}

// decodeRedoRecord parses one record starting at buf[0], returning the
// record, the number of bytes consumed, and ok=false if buf does not hold a
// complete record. The caller should stop replaying at the last complete
// record: a torn trailing record is not an error, it marks the live end of
// the log.
func decodeRedoRecord(buf []byte) (redoRecord, int, bool) {
	if len(buf) < 17 {
		return redoRecord{}, 0, false
	}
	var r redoRecord
	r.op = redoOp(buf[0])
	pos := 1
	r.txnID = binary.LittleEndian.Uint64(buf[pos:])
	pos += 8
	r.indexID = binary.LittleEndian.Uint64(buf[pos:])
	pos += 8

	key, n, ok := readVarBytes(buf[pos:])
	if !ok {
		return redoRecord{}, 0, false
	}
	r.key = key
	pos += n

	value, n, ok := readVarBytes(buf[pos:])
	if !ok {
		return redoRecord{}, 0, false
	}
	r.value = value
	pos += n

	if len(buf) < pos+16 {
		return redoRecord{}, 0, false
	}
	r.pos = int64(binary.LittleEndian.Uint64(buf[pos:]))
	pos += 8
	r.cursorID = binary.LittleEndian.Uint64(buf[pos:])
	pos += 8

	return r, pos, true
}

func readVarBytes(buf []byte) ([]byte, int, bool) {
	l, adv := varint.Read(buf)
	if adv == 0 {
		return nil, 0, false
	}
	total := adv + int(l)
	if total > len(buf) {
		return nil, 0, false
	}
	return append([]byte(nil), buf[adv:total]...), total, true
}

package tupl

import (
	"bytes"
	"testing"
)

func TestRedoRecordRoundTrip(t *testing.T) {
	r := redoRecord{op: redoStore, txnID: 7, indexID: 42, key: []byte("k"), value: []byte("v")}
	buf := encodeRedoRecord(r)

	got, n, ok := decodeRedoRecord(buf)
	if !ok {
		t.Fatalf("decodeRedoRecord reported incomplete for a fully encoded record")
	}
	if n != len(buf) {
		t.Fatalf("decodeRedoRecord consumed %d bytes, want %d", n, len(buf))
	}
	if got.op != r.op || got.txnID != r.txnID || got.indexID != r.indexID {
		t.Fatalf("decoded %+v, want %+v", got, r)
	}
	if !bytes.Equal(got.key, r.key) || !bytes.Equal(got.value, r.value) {
		t.Fatalf("decoded key/value %q/%q, want %q/%q", got.key, got.value, r.key, r.value)
	}
}

func TestDecodeRedoRecordRejectsTornTrailingBytes(t *testing.T) {
	r := redoRecord{op: redoDelete, txnID: 1, indexID: 2, key: []byte("longer-key")}
	buf := encodeRedoRecord(r)

	_, _, ok := decodeRedoRecord(buf[:len(buf)-2])
	if ok {
		t.Fatalf("decodeRedoRecord accepted a torn record as complete")
	}
}

func TestRedoWriterGroupCommitIsDurable(t *testing.T) {
	db := openTestDB(t)
	tree, err := db.CreateIndex([]byte("r"))
	if err != nil {
		t.Fatalf("CreateIndex: %v", err)
	}

	for i := 0; i < 20; i++ {
		txn := db.Begin()
		key := []byte{byte(i)}
		if err := tree.Put(txn, key, []byte("v")); err != nil {
			t.Fatalf("Put: %v", err)
		}
		if err := txn.Commit(); err != nil {
			t.Fatalf("Commit: %v", err)
		}
	}

	for i := 0; i < 20; i++ {
		_, ok, err := tree.Get(nil, []byte{byte(i)})
		if err != nil || !ok {
			t.Fatalf("Get(%d) = %v, %v; want true, nil", i, ok, err)
		}
	}
}

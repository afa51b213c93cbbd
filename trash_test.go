package tupl

import (
	"bytes"
	"testing"
)

func TestEncodeDecodeFragEntryRoundTrip(t *testing.T) {
	e := entry{kind: valueInline, value: []byte("payload")}
	buf := encodeFragEntry(e)
	if buf == nil {
		t.Fatalf("encodeFragEntry returned nil")
	}
	got := decodeFragEntry(buf)
	if got.kind != valueInline || !bytes.Equal(got.value, e.value) {
		t.Fatalf("decodeFragEntry = %+v, want kind %v value %q", got, valueInline, e.value)
	}
}

func TestFragmentedTrashResolveCommittedFreesPages(t *testing.T) {
	db := openTestDB(t)
	tree, err := db.CreateIndex([]byte("trashidx"))
	if err != nil {
		t.Fatalf("CreateIndex: %v", err)
	}

	txn := db.Begin()
	e, err := db.buildEntry(tree, []byte("k"), make([]byte, 20000))
	if err != nil {
		t.Fatalf("buildEntry: %v", err)
	}
	if e.frag == nil {
		t.Fatalf("value did not fragment, test setup invalid")
	}
	if err := db.trash.add(txn, tree.id, []byte("k"), e); err != nil {
		t.Fatalf("trash.add: %v", err)
	}

	before := db.alloc.free.Len()
	if err := db.trash.resolveCommittedByID(txn.id); err != nil {
		t.Fatalf("resolveCommittedByID: %v", err)
	}
	db.alloc.commitPending()
	if db.alloc.free.Len() <= before {
		t.Fatalf("resolveCommittedByID did not free any fragment pages")
	}

	c := db.trash.tree().newCursor(bogusTxn)
	defer c.Reset()
	if err := c.FindGe(nil); err != nil {
		t.Fatalf("FindGe: %v", err)
	}
	if c.Exists() {
		t.Fatalf("trash entry still present after resolveCommittedByID")
	}
}

func TestFragmentedTrashResolveRolledBackRestoresValue(t *testing.T) {
	db := openTestDB(t)
	tree, err := db.CreateIndex([]byte("trashidx2"))
	if err != nil {
		t.Fatalf("CreateIndex: %v", err)
	}

	value := make([]byte, 20000)
	for i := range value {
		value[i] = byte(i)
	}
	if err := tree.Put(nil, []byte("k"), value); err != nil {
		t.Fatalf("Put: %v", err)
	}

	txn := db.Begin()
	e, err := db.buildEntry(tree, []byte("k"), value)
	if err != nil {
		t.Fatalf("buildEntry: %v", err)
	}
	if err := db.trash.add(txn, tree.id, []byte("k"), e); err != nil {
		t.Fatalf("trash.add: %v", err)
	}
	if _, err := tree.Delete(nil, []byte("k")); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	if err := db.trash.resolveRolledBack(txn.id); err != nil {
		t.Fatalf("resolveRolledBack: %v", err)
	}

	got, ok, err := tree.Get(nil, []byte("k"))
	if err != nil || !ok {
		t.Fatalf("Get after rollback resolution = %v, %v, %v", got, ok, err)
	}
	if !bytes.Equal(got, value) {
		t.Fatalf("restored value differs, got len %d want len %d", len(got), len(value))
	}
}

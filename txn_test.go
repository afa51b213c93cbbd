package tupl

import (
	"bytes"
	"testing"
)

func TestTransactionCommitPersistsWrites(t *testing.T) {
	db := openTestDB(t)
	tree, err := db.CreateIndex([]byte("txn"))
	if err != nil {
		t.Fatalf("CreateIndex: %v", err)
	}

	txn := db.Begin()
	if err := tree.Put(txn, []byte("k1"), []byte("v1")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := txn.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	v, ok, err := tree.Get(nil, []byte("k1"))
	if err != nil || !ok || !bytes.Equal(v, []byte("v1")) {
		t.Fatalf("Get after commit = %q, %v, %v; want v1, true, nil", v, ok, err)
	}
}

func TestTransactionResetRollsBackWrites(t *testing.T) {
	db := openTestDB(t)
	tree, err := db.CreateIndex([]byte("txn"))
	if err != nil {
		t.Fatalf("CreateIndex: %v", err)
	}
	if err := tree.Put(nil, []byte("k1"), []byte("orig")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	txn := db.Begin()
	if err := tree.Put(txn, []byte("k1"), []byte("changed")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := tree.Put(txn, []byte("k2"), []byte("new")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := txn.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}

	v, ok, err := tree.Get(nil, []byte("k1"))
	if err != nil || !ok || !bytes.Equal(v, []byte("orig")) {
		t.Fatalf("Get(k1) after reset = %q, %v, %v; want orig, true, nil", v, ok, err)
	}
	_, ok, err = tree.Get(nil, []byte("k2"))
	if err != nil {
		t.Fatalf("Get(k2): %v", err)
	}
	if ok {
		t.Fatalf("k2 survived Reset")
	}
}

func TestNestedScopeExitRollsBackOnlyThatScope(t *testing.T) {
	db := openTestDB(t)
	tree, err := db.CreateIndex([]byte("txn"))
	if err != nil {
		t.Fatalf("CreateIndex: %v", err)
	}

	txn := db.Begin()
	if err := tree.Put(txn, []byte("outer"), []byte("1")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	txn.Enter()
	if err := tree.Put(txn, []byte("inner"), []byte("2")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := txn.Exit(); err != nil {
		t.Fatalf("Exit: %v", err)
	}

	if err := txn.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	_, ok, err := tree.Get(nil, []byte("outer"))
	if err != nil || !ok {
		t.Fatalf("Get(outer) = %v, %v; want true, nil", ok, err)
	}
	_, ok, err = tree.Get(nil, []byte("inner"))
	if err != nil {
		t.Fatalf("Get(inner): %v", err)
	}
	if ok {
		t.Fatalf("inner write from exited scope survived commit")
	}
}

func TestBogusTransactionNeverLocksOrLogs(t *testing.T) {
	txn := BogusTransaction()
	if txn.OwnerID() != 0 {
		t.Fatalf("BogusTransaction OwnerID = %d, want 0", txn.OwnerID())
	}
	if err := txn.Commit(); err != nil {
		t.Fatalf("Commit on bogus transaction: %v", err)
	}
	if err := txn.Reset(); err != nil {
		t.Fatalf("Reset on bogus transaction: %v", err)
	}
}

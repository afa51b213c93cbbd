package tupl

import (
	"bytes"
	"path/filepath"
	"testing"
)

func TestCheckpointThenReopenSurvivesRestart(t *testing.T) {
	base := filepath.Join(t.TempDir(), "test")

	db, err := Open(DefaultOptions(base))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	tree, err := db.CreateIndex([]byte("durable"))
	if err != nil {
		t.Fatalf("CreateIndex: %v", err)
	}
	if err := tree.Put(nil, []byte("k"), []byte("before-checkpoint")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := db.Checkpoint(); err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}
	if err := tree.Put(nil, []byte("k2"), []byte("after-checkpoint")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := Open(DefaultOptions(base))
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	reopenedTree := reopened.treeByID(tree.ID())
	if reopenedTree == nil {
		t.Fatalf("index %d missing after reopen", tree.ID())
	}

	v, ok, err := reopenedTree.Get(nil, []byte("k"))
	if err != nil || !ok || !bytes.Equal(v, []byte("before-checkpoint")) {
		t.Fatalf("Get(k) after reopen = %q, %v, %v; want before-checkpoint, true, nil", v, ok, err)
	}
	v, ok, err = reopenedTree.Get(nil, []byte("k2"))
	if err != nil || !ok || !bytes.Equal(v, []byte("after-checkpoint")) {
		t.Fatalf("Get(k2) after reopen = %q, %v, %v; want after-checkpoint, true, nil (redo replay)", v, ok, err)
	}
}

func TestUncommittedTransactionDoesNotSurviveRestart(t *testing.T) {
	base := filepath.Join(t.TempDir(), "test")

	db, err := Open(DefaultOptions(base))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	tree, err := db.CreateIndex([]byte("atomic"))
	if err != nil {
		t.Fatalf("CreateIndex: %v", err)
	}
	if err := db.Checkpoint(); err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}

	txn := db.BeginWith(DurabilitySync, LockModeUpgradableRead, 0)
	if err := tree.Put(txn, []byte("uncommitted"), []byte("x")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	// Close without calling txn.Commit: the redo record for this write
	// reaches the log (Close flushes every buffered byte) but with no
	// following commit marker, matching a process that crashed mid-write.
	if err := db.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := Open(DefaultOptions(base))
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	reopenedTree := reopened.treeByID(tree.ID())
	if reopenedTree == nil {
		t.Fatalf("index %d missing after reopen", tree.ID())
	}
	_, ok, err := reopenedTree.Get(nil, []byte("uncommitted"))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Fatalf("uncommitted write survived recovery")
	}
}

package tupl

import (
	"bytes"
	"path/filepath"
	"testing"
)

func TestSnapshotCapturesPreImageOfOverwrittenPage(t *testing.T) {
	db := openTestDB(t)
	tree, err := db.CreateIndex([]byte("snap"))
	if err != nil {
		t.Fatalf("CreateIndex: %v", err)
	}
	if err := tree.Put(nil, []byte("k"), []byte("before-snapshot")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := db.Checkpoint(); err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}

	snap, err := db.NewSnapshot()
	if err != nil {
		t.Fatalf("NewSnapshot: %v", err)
	}

	// Overwrite after the snapshot started: WriteTo must still reflect the
	// pre-snapshot value via the captured pre-image, not this new write.
	if err := tree.Put(nil, []byte("k"), []byte("after-snapshot")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	for i := 0; i < 50; i++ {
		if err := tree.Put(nil, []byte{byte('a' + i%26), byte(i)}, bytes.Repeat([]byte{byte(i)}, 32)); err != nil {
			t.Fatalf("Put(%d): %v", i, err)
		}
	}

	var out bytes.Buffer
	n, err := snap.WriteTo(&out)
	if err != nil {
		t.Fatalf("WriteTo: %v", err)
	}
	if n != int64(out.Len()) {
		t.Fatalf("WriteTo reported %d bytes, buffer holds %d", n, out.Len())
	}

	restoreBase := filepath.Join(t.TempDir(), "restored")
	if err := RestoreSnapshot(restoreBase, db.pageSize, &out); err != nil {
		t.Fatalf("RestoreSnapshot: %v", err)
	}

	restored, err := Open(DefaultOptions(restoreBase))
	if err != nil {
		t.Fatalf("Open restored: %v", err)
	}
	defer restored.Close()

	restoredTree := restored.treeByID(tree.ID())
	if restoredTree == nil {
		t.Fatalf("index %d missing from restored snapshot", tree.ID())
	}
	v, ok, err := restoredTree.Get(nil, []byte("k"))
	if err != nil || !ok || !bytes.Equal(v, []byte("before-snapshot")) {
		t.Fatalf("Get(k) from restored snapshot = %q, %v, %v; want before-snapshot, true, nil", v, ok, err)
	}
}

func TestSnapshotCloseIsIdempotent(t *testing.T) {
	db := openTestDB(t)
	snap, err := db.NewSnapshot()
	if err != nil {
		t.Fatalf("NewSnapshot: %v", err)
	}
	if err := snap.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := snap.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

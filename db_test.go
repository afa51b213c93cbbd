package tupl

import (
	"bytes"
	"path/filepath"
	"testing"
)

func openTestDB(t *testing.T) *Database {
	t.Helper()
	base := filepath.Join(t.TempDir(), "test")
	db, err := Open(DefaultOptions(base))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestCreateIndexIsIdempotentByName(t *testing.T) {
	db := openTestDB(t)

	a, err := db.CreateIndex([]byte("widgets"))
	if err != nil {
		t.Fatalf("CreateIndex: %v", err)
	}
	b, err := db.CreateIndex([]byte("widgets"))
	if err != nil {
		t.Fatalf("CreateIndex (again): %v", err)
	}
	if a.ID() != b.ID() {
		t.Fatalf("CreateIndex returned different trees for the same name: %d vs %d", a.ID(), b.ID())
	}
}

func TestTreePutGetDelete(t *testing.T) {
	db := openTestDB(t)
	tree, err := db.CreateIndex([]byte("kv"))
	if err != nil {
		t.Fatalf("CreateIndex: %v", err)
	}

	if err := tree.Put(nil, []byte("name"), []byte("tupl")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := tree.Put(nil, []byte("author"), []byte("Brian")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	v, ok, err := tree.Get(nil, []byte("name"))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok || !bytes.Equal(v, []byte("tupl")) {
		t.Fatalf("Get(name) = %q, %v; want %q, true", v, ok, "tupl")
	}

	if err := tree.Put(nil, []byte("name"), []byte("tupl2")); err != nil {
		t.Fatalf("Put (update): %v", err)
	}
	v, ok, err = tree.Get(nil, []byte("name"))
	if err != nil || !ok || !bytes.Equal(v, []byte("tupl2")) {
		t.Fatalf("Get(name) after update = %q, %v, %v; want %q, true, nil", v, ok, err, "tupl2")
	}

	existed, err := tree.Delete(nil, []byte("author"))
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if !existed {
		t.Fatalf("Delete(author) reported no entry existed")
	}

	_, ok, err = tree.Get(nil, []byte("author"))
	if err != nil {
		t.Fatalf("Get after delete: %v", err)
	}
	if ok {
		t.Fatalf("Get(author) found a value after Delete")
	}

	existed, err = tree.Delete(nil, []byte("unknown"))
	if err != nil {
		t.Fatalf("Delete(unknown): %v", err)
	}
	if existed {
		t.Fatalf("Delete(unknown) reported an entry existed")
	}
}

func TestCursorIterationIsOrdered(t *testing.T) {
	db := openTestDB(t)
	tree, err := db.CreateIndex([]byte("ordered"))
	if err != nil {
		t.Fatalf("CreateIndex: %v", err)
	}

	keys := []string{"b", "d", "a", "c", "e"}
	for _, k := range keys {
		if err := tree.Put(nil, []byte(k), []byte("v-"+k)); err != nil {
			t.Fatalf("Put(%s): %v", k, err)
		}
	}

	c := tree.NewCursor(nil)
	defer c.Reset()
	if err := c.First(); err != nil {
		t.Fatalf("First: %v", err)
	}

	var got []string
	for c.Exists() {
		got = append(got, string(c.Key()))
		if err := c.Next(); err != nil {
			t.Fatalf("Next: %v", err)
		}
	}

	want := []string{"a", "b", "c", "d", "e"}
	if len(got) != len(want) {
		t.Fatalf("iterated %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("iterated %v, want %v", got, want)
		}
	}
}

func TestDeleteIndexRemovesItFromRegistry(t *testing.T) {
	db := openTestDB(t)
	tree, err := db.CreateIndex([]byte("temp"))
	if err != nil {
		t.Fatalf("CreateIndex: %v", err)
	}
	if err := db.DeleteIndex(tree); err != nil {
		t.Fatalf("DeleteIndex: %v", err)
	}
	if db.treeByID(tree.ID()) != nil {
		t.Fatalf("tree %d still registered after DeleteIndex", tree.ID())
	}

	again, err := db.CreateIndex([]byte("temp"))
	if err != nil {
		t.Fatalf("CreateIndex (recreate): %v", err)
	}
	if again.ID() == tree.ID() {
		t.Fatalf("recreated index reused the deleted id %d", tree.ID())
	}
}

func TestCloseRejectsFurtherIndexCreation(t *testing.T) {
	base := filepath.Join(t.TempDir(), "test")
	db, err := Open(DefaultOptions(base))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := db.CreateIndex([]byte("late")); err != ErrClosed {
		t.Fatalf("CreateIndex after Close = %v, want ErrClosed", err)
	}
}

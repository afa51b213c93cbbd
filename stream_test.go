package tupl

import (
	"bytes"
	"io"
	"testing"
)

func TestCursorStreamReadsValueInChunks(t *testing.T) {
	db := openTestDB(t)
	tree, err := db.CreateIndex([]byte("stream"))
	if err != nil {
		t.Fatalf("CreateIndex: %v", err)
	}
	value := make([]byte, 10000)
	for i := range value {
		value[i] = byte(i)
	}
	if err := tree.Put(nil, []byte("k"), value); err != nil {
		t.Fatalf("Put: %v", err)
	}

	c := tree.NewCursor(BogusTransaction())
	defer c.Reset()
	if err := c.Find([]byte("k")); err != nil {
		t.Fatalf("Find: %v", err)
	}
	r, _ := c.NewStream()

	var got bytes.Buffer
	buf := make([]byte, 777)
	for {
		n, err := r.Read(buf)
		got.Write(buf[:n])
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
	}
	if !bytes.Equal(got.Bytes(), value) {
		t.Fatalf("streamed value mismatch: got %d bytes, want %d", got.Len(), len(value))
	}
}

func TestCursorStreamWriteExtendsValue(t *testing.T) {
	db := openTestDB(t)
	tree, err := db.CreateIndex([]byte("stream"))
	if err != nil {
		t.Fatalf("CreateIndex: %v", err)
	}
	if err := tree.Put(nil, []byte("k"), []byte("seed")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	c := tree.NewCursor(BogusTransaction())
	defer c.Reset()
	if err := c.Find([]byte("k")); err != nil {
		t.Fatalf("Find: %v", err)
	}
	_, w := c.NewStream()
	chunk := bytes.Repeat([]byte{'z'}, 5000)
	if _, err := w.Write(chunk); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got, ok, err := tree.Get(nil, []byte("k"))
	if err != nil || !ok {
		t.Fatalf("Get = %v, %v, %v", got, ok, err)
	}
	if !bytes.Equal(got, chunk) {
		t.Fatalf("value after stream write = %d bytes, want %d", len(got), len(chunk))
	}
}

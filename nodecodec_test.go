package tupl

import (
	"bytes"
	"testing"
)

func TestEncodeDecodeLeafNodeRoundTrip(t *testing.T) {
	n := &node{
		pageID: 1,
		typ:    typeLeaf,
		entries: []entry{
			{key: []byte("a"), kind: valueInline, value: []byte("apple")},
			{key: []byte("b"), kind: valueInline, value: []byte("banana")},
		},
	}

	buf, err := encodeNode(n, 4096)
	if err != nil {
		t.Fatalf("encodeNode: %v", err)
	}
	got, err := decodeNode(1, buf)
	if err != nil {
		t.Fatalf("decodeNode: %v", err)
	}
	if got.typ != typeLeaf || len(got.entries) != 2 {
		t.Fatalf("decoded node = %+v", got)
	}
	for i, e := range got.entries {
		want := n.entries[i]
		if !bytes.Equal(e.key, want.key) || !bytes.Equal(e.value, want.value) {
			t.Fatalf("entry %d = %+v, want %+v", i, e, want)
		}
	}
}

func TestEncodeDecodeInternalNodeRoundTrip(t *testing.T) {
	n := &node{
		pageID: 2,
		typ:    typeInternal,
		entries: []entry{
			{key: []byte("m"), child: 10},
			{key: []byte("z"), child: 20},
		},
	}

	buf, err := encodeNode(n, 4096)
	if err != nil {
		t.Fatalf("encodeNode: %v", err)
	}
	got, err := decodeNode(2, buf)
	if err != nil {
		t.Fatalf("decodeNode: %v", err)
	}
	if got.typ != typeInternal || len(got.entries) != 2 {
		t.Fatalf("decoded node = %+v", got)
	}
	if got.entries[0].child != 10 || got.entries[1].child != 20 {
		t.Fatalf("decoded children = %v, want [10 20]", got.entries)
	}
}

func TestEncodeNodeRejectsOversizedPage(t *testing.T) {
	n := &node{
		pageID: 3,
		typ:    typeLeaf,
		entries: []entry{
			{key: []byte("k"), kind: valueInline, value: bytes.Repeat([]byte{'x'}, 200)},
		},
	}
	if _, err := encodeNode(n, 64); err == nil {
		t.Fatalf("encodeNode accepted an entry that overflows the page size")
	}
}

func TestDecodeNodeRejectsEmptyBuffer(t *testing.T) {
	if _, err := decodeNode(1, nil); err == nil {
		t.Fatalf("decodeNode accepted an empty buffer")
	}
}

func TestEncodeDecodeFragmentedDirectValueRoundTrip(t *testing.T) {
	n := &node{
		pageID: 4,
		typ:    typeLeaf,
		entries: []entry{
			{
				key:  []byte("big"),
				kind: valueFragmentedDirect,
				frag: &fragHeader{
					totalLen: 9000,
					head:     []byte("head-bytes"),
					pages:    []int64{100, 101, 102},
				},
			},
		},
	}

	buf, err := encodeNode(n, 4096)
	if err != nil {
		t.Fatalf("encodeNode: %v", err)
	}
	got, err := decodeNode(4, buf)
	if err != nil {
		t.Fatalf("decodeNode: %v", err)
	}
	e := got.entries[0]
	if e.kind != valueFragmentedDirect {
		t.Fatalf("decoded kind = %v, want valueFragmentedDirect", e.kind)
	}
	if e.frag.totalLen != 9000 || !bytes.Equal(e.frag.head, []byte("head-bytes")) {
		t.Fatalf("decoded frag header = %+v", e.frag)
	}
	if len(e.frag.pages) != 3 || e.frag.pages[0] != 100 || e.frag.pages[2] != 102 {
		t.Fatalf("decoded frag pages = %v", e.frag.pages)
	}
}

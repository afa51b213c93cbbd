package tupl

import (
	"github.com/cojen/tupl/internal/varint"
)

// encodeNode serializes n into a page-sized buffer. The format is:
//
//	byte 0        node type (0=leaf, 1=internal)
//	varint        entry count
//	per entry:    varint keyLen, key bytes
//	  internal:   varint childID
//	  leaf:       byte valueKind, then kind-specific payload (see below)
//
// This generalizes aergoio/kv_log's length-prefixed key/value framing
// (aergoio/kv_log db.go appendData) from a flat WAL record to a sorted
// node's entry list, and is bit-stable across restarts.
func encodeNode(n *node, pageSize int) ([]byte, error) {
	buf := make([]byte, 1, pageSize)
	buf[0] = byte(n.typ)
	var tmp [10]byte

	w := varint.Size(uint64(len(n.entries)))
	buf = append(buf, make([]byte, w)...)
	varint.Write(buf[len(buf)-w:], uint64(len(n.entries)))

	for _, e := range n.entries {
		w = varint.Size(uint64(len(e.key)))
		buf = append(buf, make([]byte, w)...)
		varint.Write(buf[len(buf)-w:], uint64(len(e.key)))
		buf = append(buf, e.key...)

		if n.typ == typeInternal {
			w = varint.Size(uint64(e.child))
			buf = append(buf, make([]byte, w)...)
			varint.Write(buf[len(buf)-w:], uint64(e.child))
			continue
		}

		buf = append(buf, byte(e.kind))
		switch e.kind {
		case valueInline:
			w = varint.Size(uint64(len(e.value)))
			buf = append(buf, make([]byte, w)...)
			varint.Write(buf[len(buf)-w:], uint64(len(e.value)))
			buf = append(buf, e.value...)
		case valueFragmentedDirect:
			buf = appendFragHeader(buf, e.frag, tmp[:])
			w = varint.Size(uint64(len(e.frag.pages)))
			buf = append(buf, make([]byte, w)...)
			varint.Write(buf[len(buf)-w:], uint64(len(e.frag.pages)))
			for _, p := range e.frag.pages {
				w = varint.Size(uint64(p))
				buf = append(buf, make([]byte, w)...)
				varint.Write(buf[len(buf)-w:], uint64(p))
			}
		case valueFragmentedIndirect:
			buf = appendFragHeader(buf, e.frag, tmp[:])
			w = varint.Size(uint64(e.frag.indirectRoot))
			buf = append(buf, make([]byte, w)...)
			varint.Write(buf[len(buf)-w:], uint64(e.frag.indirectRoot))
		case valueGhost:
			// No payload: the ghost's prior value lives in the undo log,
			// not on the page.
		}
	}

	if len(buf) > pageSize {
		return nil, &LargeValueError{Length: int64(len(buf))}
	}
	out := make([]byte, pageSize)
	copy(out, buf)
	return out, nil
}

func appendFragHeader(buf []byte, f *fragHeader, tmp []byte) []byte {
	w := varint.Size(uint64(f.totalLen))
	buf = append(buf, make([]byte, w)...)
	varint.Write(buf[len(buf)-w:], uint64(f.totalLen))
	w = varint.Size(uint64(len(f.head)))
	buf = append(buf, make([]byte, w)...)
	varint.Write(buf[len(buf)-w:], uint64(len(f.head)))
	return append(buf, f.head...)
}

// decodeNode parses a page previously written by encodeNode.
func decodeNode(pageID int64, buf []byte) (*node, error) {
	if len(buf) == 0 {
		return nil, ErrCorruptDatabase
	}
	n := &node{pageID: pageID, typ: nodeType(buf[0])}
	pos := 1

	count, adv := varint.Read(buf[pos:])
	if adv == 0 {
		return nil, ErrCorruptDatabase
	}
	pos += adv
	n.entries = make([]entry, 0, count)

	for i := uint64(0); i < count; i++ {
		keyLen, adv := varint.Read(buf[pos:])
		if adv == 0 {
			return nil, ErrCorruptDatabase
		}
		pos += adv
		key := append([]byte(nil), buf[pos:pos+int(keyLen)]...)
		pos += int(keyLen)

		e := entry{key: key}
		if n.typ == typeInternal {
			child, adv := varint.Read(buf[pos:])
			if adv == 0 {
				return nil, ErrCorruptDatabase
			}
			pos += adv
			e.child = int64(child)
			n.entries = append(n.entries, e)
			continue
		}

		kind := valueKind(buf[pos])
		pos++
		e.kind = kind
		switch kind {
		case valueInline:
			vlen, adv := varint.Read(buf[pos:])
			if adv == 0 {
				return nil, ErrCorruptDatabase
			}
			pos += adv
			e.value = append([]byte(nil), buf[pos:pos+int(vlen)]...)
			pos += int(vlen)
		case valueFragmentedDirect:
			f, np, err := readFragHeader(buf, pos)
			if err != nil {
				return nil, err
			}
			pos = np
			pcount, adv := varint.Read(buf[pos:])
			if adv == 0 {
				return nil, ErrCorruptDatabase
			}
			pos += adv
			f.pages = make([]int64, pcount)
			for j := range f.pages {
				p, adv := varint.Read(buf[pos:])
				if adv == 0 {
					return nil, ErrCorruptDatabase
				}
				pos += adv
				f.pages[j] = int64(p)
			}
			e.frag = f
		case valueFragmentedIndirect:
			f, np, err := readFragHeader(buf, pos)
			if err != nil {
				return nil, err
			}
			pos = np
			root, adv := varint.Read(buf[pos:])
			if adv == 0 {
				return nil, ErrCorruptDatabase
			}
			pos += adv
			f.indirect = true
			f.indirectRoot = int64(root)
			e.frag = f
		case valueGhost:
			// Nothing to read; prior value lives in the undo log.
		default:
			return nil, ErrCorruptDatabase
		}
		n.entries = append(n.entries, e)
	}
	return n, nil
}

func readFragHeader(buf []byte, pos int) (*fragHeader, int, error) {
	totalLen, adv := varint.Read(buf[pos:])
	if adv == 0 {
		return nil, 0, ErrCorruptDatabase
	}
	pos += adv
	headLen, adv := varint.Read(buf[pos:])
	if adv == 0 {
		return nil, 0, ErrCorruptDatabase
	}
	pos += adv
	head := append([]byte(nil), buf[pos:pos+int(headLen)]...)
	pos += int(headLen)
	return &fragHeader{totalLen: int64(totalLen), head: head}, pos, nil
}

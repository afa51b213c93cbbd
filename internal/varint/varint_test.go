package varint

import "testing"

func TestRoundTrip(t *testing.T) {
	cases := []uint64{0, 1, 127, 128, 300, 1 << 20, 1 << 40, ^uint64(0)}
	buf := make([]byte, 10)
	for _, v := range cases {
		n := Write(buf, v)
		if n != Size(v) {
			t.Fatalf("Size(%d)=%d but Write used %d", v, Size(v), n)
		}
		got, used := Read(buf[:n])
		if used != n || got != v {
			t.Fatalf("round trip of %d failed: got=%d used=%d", v, got, used)
		}
	}
}

func TestReadTruncated(t *testing.T) {
	buf := make([]byte, 10)
	Write(buf, 1<<40)
	if v, n := Read(buf[:1]); n != 0 || v != 0 {
		t.Fatalf("expected incomplete read to fail, got v=%d n=%d", v, n)
	}
}

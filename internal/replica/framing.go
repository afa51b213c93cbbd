// Package replica is a concrete tupl.ReplicationManager: a leader streams
// its redo bytes to connected followers over plain net.Conn, framed with a
// fixed header and a CRC32C trailer, the same hand-rolled binary-framing
// style aergoio/kv_log uses for its own WAL frames (see wal.go's
// writeFrameHeader/scanWAL) rather than a generated gRPC/protobuf service.
package replica

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
)

// Each frame on the wire is:
//
//	opcode   1 byte
//	length   3 bytes, big-endian, payload length only
//	payload  length bytes
//	crc32c   4 bytes, big-endian, over opcode+length+payload
//
// The 3-byte length caps a single frame's payload at 16MiB; a larger redo
// write is rejected with an error, never split across frames.
const (
	frameHeaderSize = 4
	frameTrailerSize = 4
	maxPayload       = 1<<24 - 1
)

type opcode byte

const (
	opHello   opcode = 1 // payload: member-id (16-byte uuid)
	opAppend  opcode = 2 // payload: redo bytes, appended at the sender's position
	opConfirm opcode = 3 // payload: 8-byte big-endian durable position, sent follower->leader
)

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// writeFrame writes one frame to w.
func writeFrame(w io.Writer, op opcode, payload []byte) error {
	if len(payload) > maxPayload {
		return fmt.Errorf("replica: frame payload %d exceeds %d byte limit", len(payload), maxPayload)
	}
	header := make([]byte, frameHeaderSize, frameHeaderSize+len(payload)+frameTrailerSize)
	header[0] = byte(op)
	header[1] = byte(len(payload) >> 16)
	header[2] = byte(len(payload) >> 8)
	header[3] = byte(len(payload))

	buf := append(header, payload...)
	sum := crc32.Checksum(buf, crc32cTable)
	buf = binary.BigEndian.AppendUint32(buf, sum)

	_, err := w.Write(buf)
	return err
}

// readFrame reads and validates one frame from r.
func readFrame(r io.Reader) (opcode, []byte, error) {
	header := make([]byte, frameHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return 0, nil, err
	}
	length := int(header[1])<<16 | int(header[2])<<8 | int(header[3])

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, err
	}

	trailer := make([]byte, frameTrailerSize)
	if _, err := io.ReadFull(r, trailer); err != nil {
		return 0, nil, err
	}

	want := binary.BigEndian.Uint32(trailer)
	got := crc32.Checksum(append(append([]byte{}, header...), payload...), crc32cTable)
	if want != got {
		return 0, nil, fmt.Errorf("replica: frame checksum mismatch: got %x want %x", got, want)
	}
	return opcode(header[0]), payload, nil
}

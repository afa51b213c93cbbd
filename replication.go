package tupl

import "io"

// ReplicationManager is an optional out-of-core collaborator. Database holds
// the configured one only to close it on Close: the redo log is written to
// a local file alone, group commit does not wait on Confirm, and writes are
// not checked against Leader. See
// internal/replica for a concrete implementation of the wire format,
// and SPEC_FULL.md's Domain Stack entry explaining why this is hand-rolled
// binary framing rather than a generated gRPC/protobuf service.
type ReplicationManager interface {
	// Leader reports whether this instance may currently accept writes.
	Leader() bool

	// Writer returns a sink that redo records are appended to; Position
	// reports the logical stream position of the next byte it will accept.
	Writer() (w io.Writer, position int64)

	// Confirm blocks until the replication channel has durably reached at
	// least position (for a leader: majority-replicated), the contract
	// group commit depends on for confirmation.
	Confirm(position int64) error

	// Close releases the replication channel's resources.
	Close() error
}

package tupl

import (
	"fmt"

	"github.com/pkg/errors"
)

// Sentinel errors covering the argument/capacity/corruption kinds of the
// error taxonomy. Lock and transaction failures are reported as
// LockResult values, *InvalidTransactionError and the ErrUnmodifiableReplica
// sentinel, so callers can branch on them without string matching.
var (
	// ErrClosed is returned by CreateIndex and by redo flushes attempted
	// after the database has been closed; other operations do not check.
	ErrClosed = errors.New("tupl: database closed")

	// ErrIllegalArgument covers bad page ids, illegal page sizes and nil
	// keys — argument errors, never recoverable at this layer.
	ErrIllegalArgument = errors.New("tupl: illegal argument")

	// ErrUniqueConstraint reports that a key already exists. No operation
	// in this package returns it; Cursor has no insert-only store.
	ErrUniqueConstraint = errors.New("tupl: unique constraint violation")

	// ErrCorruptDatabase signals unrecoverable on-disk corruption. Detecting
	// it does not close the database.
	ErrCorruptDatabase = errors.New("tupl: corrupt database")

	// ErrReadOnly is returned by mutating operations against a read-only
	// database or PageArray, including RestoreFromSnapshot (which returns
	// ErrIllegalArgument for a non-empty PageArray).
	ErrReadOnly = errors.New("tupl: database is read-only")

	// ErrUnmodifiableReplica is returned when a write is attempted against
	// a replica that has lost (or never held) leadership.
	ErrUnmodifiableReplica = errors.New("tupl: unmodifiable replica")
)

// LargeKeyError reports that a key exceeded the in-memory maximum allowed
// for large (fragmented) keys. Grounded on the original
// LargeKeyException.java, which carries the offending encoded length.
type LargeKeyError struct {
	Length int
}

func (e *LargeKeyError) Error() string {
	return fmt.Sprintf("tupl: key too large: %d bytes", e.Length)
}

// LargeValueError reports that a value exceeded the configured maximum.
type LargeValueError struct {
	Length int64
}

func (e *LargeValueError) Error() string {
	return fmt.Sprintf("tupl: value too large: %d bytes", e.Length)
}

// InvalidTransactionError is returned by any non-idempotent operation on a
// borked (quarantined) transaction. See Transaction.bork.
type InvalidTransactionError struct {
	Cause error
}

func (e *InvalidTransactionError) Error() string {
	if e.Cause == nil {
		return "tupl: invalid transaction"
	}
	return "tupl: invalid transaction: " + e.Cause.Error()
}

func (e *InvalidTransactionError) Unwrap() error { return e.Cause }

// DeadlockError reports a detected lock-wait cycle. Locks and Owners have
// room for the cycle's locks and owner attachments, but the transaction lock
// calls return it with both empty: the members of the cycle are not collected.
type DeadlockError struct {
	Locks  []LockKey
	Owners []interface{}
}

func (e *DeadlockError) Error() string {
	return fmt.Sprintf("tupl: deadlock detected across %d locks", len(e.Locks))
}

// wrapIO wraps a low-level I/O error with operation context, matching the
// pkg/errors style used by the ambient stack (see SPEC_FULL.md).
func wrapIO(op string, err error) error {
	if err == nil {
		return nil
	}
	return errors.Wrapf(err, "tupl: %s", op)
}

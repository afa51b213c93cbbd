package tupl

// LockResult is the sum type returned by every lock acquisition attempt,
// replacing Tupl's checked-exception-per-failure-kind style.
type LockResult int

const (
	// UNOWNED means the requester does not hold any mode on the lock and
	// none was granted (only returned by the non-blocking check).
	ResultUnowned LockResult = iota
	// OWNED_SHARED means the requester already held shared (or better).
	ResultOwnedShared
	// OWNED_UPGRADABLE means the requester already held upgradable (or
	// exclusive).
	ResultOwnedUpgradable
	// OWNED_EXCLUSIVE means the requester already held exclusive.
	ResultOwnedExclusive
	// ResultAcquired means a fresh grant of the requested mode occurred.
	ResultAcquired
	// ResultUpgraded means an in-place SHARED->UPGRADABLE or
	// UPGRADABLE->EXCLUSIVE promotion occurred.
	ResultUpgraded
	// ResultIllegal means the requested transition is never legal, e.g.
	// promoting to upgradable while another upgrader already owns it.
	ResultIllegal
	// ResultTimedOut means the deadline elapsed before the lock could be
	// granted.
	ResultTimedOut
	// ResultInterrupted means the waiter was interrupted (context
	// cancellation) before the lock could be granted.
	ResultInterrupted
	// ResultDeadlock means a deadlock cycle was detected during the wait.
	ResultDeadlock
)

// Owned reports whether the result represents the requester already holding
// at least the mode it asked for (no blocking occurred).
func (r LockResult) Owned() bool {
	switch r {
	case ResultOwnedShared, ResultOwnedUpgradable, ResultOwnedExclusive:
		return true
	default:
		return false
	}
}

// Granted reports whether the requester now holds the requested mode,
// whether because it was already owned, freshly acquired, or upgraded.
func (r LockResult) Granted() bool {
	switch r {
	case ResultOwnedShared, ResultOwnedUpgradable, ResultOwnedExclusive,
		ResultAcquired, ResultUpgraded:
		return true
	default:
		return false
	}
}

func (r LockResult) String() string {
	switch r {
	case ResultUnowned:
		return "UNOWNED"
	case ResultOwnedShared:
		return "OWNED_SHARED"
	case ResultOwnedUpgradable:
		return "OWNED_UPGRADABLE"
	case ResultOwnedExclusive:
		return "OWNED_EXCLUSIVE"
	case ResultAcquired:
		return "ACQUIRED"
	case ResultUpgraded:
		return "UPGRADED"
	case ResultIllegal:
		return "ILLEGAL"
	case ResultTimedOut:
		return "TIMED_OUT_LOCK"
	case ResultInterrupted:
		return "INTERRUPTED"
	case ResultDeadlock:
		return "DEADLOCK"
	default:
		return "UNKNOWN"
	}
}

// LockMode is the mode requested or held on a Lock.
type LockMode int

const (
	ModeShared LockMode = iota
	ModeUpgradable
	ModeExclusive
)

// TxnLockMode selects how a transaction's cursors acquire row locks.
type TxnLockMode int

const (
	LockModeUnsafe TxnLockMode = iota
	LockModeReadUncommitted
	LockModeReadCommitted
	LockModeRepeatableRead
	LockModeUpgradableRead
)

// DurabilityMode selects how a transaction's commit is made durable.
type DurabilityMode int

const (
	DurabilitySync DurabilityMode = iota
	DurabilityNoSync
	DurabilityNoFlush
	DurabilityNoRedo
)

// LockKey identifies a row lock: an index id plus a key within it.
type LockKey struct {
	IndexID uint64
	Key     string // raw key bytes, as a map/comparison key
}

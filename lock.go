package tupl

// Locker identifies a lock requester/owner. *Transaction implements this;
// the lock manager never depends on *Transaction directly so that recovery
// and other bogus, non-transactional work can also acquire and release
// locks through the same interface.
type Locker interface {
	OwnerID() uint64
}

// lockEntry is the sharded lock table's per-(index,key) state machine,
// grounded directly on org.cojen.tupl._Lock (present under
// _examples/original_source): lock count/owner-set representation, ghost
// reuse of the shared-owner slot, and the two condition queues (mQueueU for
// upgradable waiters, mQueueSX for the combined shared/exclusive queue).
//
// Unlike _Lock's single packed mLockCount field (negative-as-exclusive
// trick, reused across shared/upgradable/exclusive), this uses explicit
// fields — Go has no cheap sentinel-bit-pattern idiom that reads better
// than naming the three states directly.
type lockEntry struct {
	key LockKey

	exclusiveHeld bool
	upgradable    Locker // non-nil while UPGRADABLE or EXCLUSIVE
	shared        map[Locker]struct{}

	queueU  LatchCondition // FIFO exclusive waiters for the upgradable slot
	queueSX LatchCondition // shared + exclusive waiters

	// ghost is non-nil when an exclusive lock has tombstoned the entry
	// pending commit-time reclamation (a ghost tombstone),
	// reusing the shared-owner slot the way _Lock.mSharedLockOwnersObj
	// does ("Object is re-used to indicate when an exclusive lock has
	// ghosted an entry").
	ghost *ghostFrame

	// waiters tracks, per waiting Locker, which lockEntry it is blocked
	// on, feeding the deadlock walk. Stored in the lock manager's
	// per-Locker map (see lockManager.waitingFor) rather than here, matching
	// _Lock's javadoc ("the locker's mWaitingFor field is set to this
	// Lock").
}

func (e *lockEntry) state() string {
	switch {
	case e.exclusiveHeld:
		return "EXCLUSIVE"
	case e.upgradable != nil:
		return "UPGRADABLE"
	case len(e.shared) > 0:
		return "SHARED"
	default:
		return "UNOWNED"
	}
}

func (e *lockEntry) isSharedOwner(l Locker) bool {
	_, ok := e.shared[l]
	return ok
}

func (e *lockEntry) addShared(l Locker) {
	if e.shared == nil {
		e.shared = make(map[Locker]struct{}, 1)
	}
	e.shared[l] = struct{}{}
}

func (e *lockEntry) removeShared(l Locker) {
	delete(e.shared, l)
}

func (e *lockEntry) empty() bool {
	return !e.exclusiveHeld && e.upgradable == nil && len(e.shared) == 0 &&
		e.queueU.IsEmpty() && e.queueSX.IsEmpty()
}

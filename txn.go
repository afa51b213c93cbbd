package tupl

import (
	"sync"
	"time"
)

// txnFlag records which deferred commit-time work a transaction has queued,
// avoiding an unconditional scan of empty structures on every commit.
type txnFlag uint8

const (
	flagHasCommitRedo txnFlag = 1 << iota
	flagHasTrash
	flagHasPrepare
)

// Transaction is a unit of atomic work: a lock-mode/durability pair, a
// nested scope stack, and the undo log that makes rollback possible. It
// implements Locker so the lock manager never needs to know about
// transactions directly.
//
// Grounded on aergoio/kv_log's single implicit all-or-nothing write (aergoio/kv_log
// has no Transaction type of its own — every db.Put is its own commit); this
// generalizes that into org.cojen.tupl.Transaction's nested-scope model
// (_examples/original_source), since this requires save-point style
// Enter/Exit/Commit.
type Transaction struct {
	db *Database
	id uint64

	mu sync.Mutex

	durability DurabilityMode
	lockMode   TxnLockMode
	timeout    time.Duration

	undo *undoLog

	// held is the set of keys this transaction currently holds a lock on,
	// so Commit/Reset know what to release. Every recorded lock, in every
	// lock mode, is held until Commit or Reset; scope exit releases none.
	held []heldLock

	scopeDepth int
	flags      txnFlag

	borked error

	bogus bool // true only for BogusTransaction(): never locks, never logs
}

type heldLock struct {
	key  LockKey
	mode LockMode
}

var bogusTxn = &Transaction{bogus: true, id: 0, lockMode: LockModeUnsafe}

// BogusTransaction returns the shared non-transactional handle used for
// internal bookkeeping writes (the index registry, FragmentedTrash) that
// must bypass normal locking and undo/redo: registry maintenance and
// trash bookkeeping are not part of any user transaction.
func BogusTransaction() *Transaction { return bogusTxn }

// newTransaction allocates a fresh transaction id and undo log.
func (db *Database) newTransaction(dur DurabilityMode, lockMode TxnLockMode, timeout time.Duration) *Transaction {
	id := db.allocTxnID()
	return &Transaction{
		db:         db,
		id:         id,
		durability: dur,
		lockMode:   lockMode,
		timeout:    timeout,
		undo:       newUndoLog(db, id),
	}
}

// OwnerID implements Locker.
func (txn *Transaction) OwnerID() uint64 { return txn.id }

// LockMode reports the transaction's default lock acquisition mode.
func (txn *Transaction) LockMode() TxnLockMode { return txn.lockMode }

// Durability reports the transaction's commit durability mode.
func (txn *Transaction) Durability() DurabilityMode { return txn.durability }

// LockTimeout reports how long lock acquisition attempts block before
// giving up.
func (txn *Transaction) LockTimeout() time.Duration { return txn.timeout }

func (txn *Transaction) check() error {
	if txn.borked != nil {
		return &InvalidTransactionError{Cause: txn.borked}
	}
	return nil
}

// bork quarantines the transaction after an unrecoverable failure (an undo
// entry that can't be applied, a redo write that can't be flushed). A
// transaction that cannot be safely rolled back is borked: every subsequent
// operation on it fails until it is discarded.
func (txn *Transaction) bork(cause error) {
	txn.borked = cause
}

// lockKeyFor builds the LockKey a tree operation should acquire.
func lockKeyFor(t *Tree, key []byte) LockKey {
	return LockKey{IndexID: t.id, Key: string(key)}
}

// lockShared acquires (or confirms) a shared lock on key under this
// transaction's lock mode, a no-op for the bogus transaction and for
// LockModeUnsafe.
func (txn *Transaction) lockShared(t *Tree, key []byte) (LockResult, error) {
	if txn.bogus || txn.lockMode == LockModeUnsafe {
		return ResultUnowned, nil
	}
	if err := txn.check(); err != nil {
		return ResultUnowned, err
	}
	lk := lockKeyFor(t, key)
	res := txn.db.locks.TryLockShared(txn, lk, txn.timeout)
	if res == ResultDeadlock {
		return res, &DeadlockError{}
	}
	if res.Owned() {
		txn.record(lk, ModeShared)
	}
	return res, nil
}

// lockExclusive acquires an exclusive lock on key, used by insert/update/
// delete, escalating through upgradable first the way TryLockExclusive
// already does internally.
func (txn *Transaction) lockExclusive(t *Tree, key []byte) (LockResult, error) {
	if txn.bogus {
		return ResultAcquired, nil
	}
	if err := txn.check(); err != nil {
		return ResultUnowned, err
	}
	lk := lockKeyFor(t, key)
	res := txn.db.locks.TryLockExclusive(txn, lk, txn.timeout)
	if res == ResultDeadlock {
		return res, &DeadlockError{}
	}
	if !res.Granted() {
		return res, nil
	}
	txn.record(lk, ModeExclusive)
	return res, nil
}

func (txn *Transaction) record(key LockKey, mode LockMode) {
	txn.mu.Lock()
	txn.held = append(txn.held, heldLock{key: key, mode: mode})
	txn.mu.Unlock()
}

// Enter opens a nested scope: locks and undo records from this point can be
// unwound independently by a later Exit, without discarding the whole
// transaction.
func (txn *Transaction) Enter() {
	if txn.bogus {
		return
	}
	txn.undo.enter()
	txn.scopeDepth++
}

// Exit rolls back everything done since the matching Enter, but leaves the
// transaction itself open.
func (txn *Transaction) Exit() error {
	if txn.bogus || txn.scopeDepth == 0 {
		return nil
	}
	recs := txn.undo.exitScope()
	txn.scopeDepth--
	return txn.applyUndo(recs)
}

// Commit durably commits all work done by the transaction (or, inside a
// nested scope, promotes that scope's work into the enclosing scope) and
// releases locks according to lockMode.
func (txn *Transaction) Commit() error {
	if txn.bogus {
		return nil
	}
	if err := txn.check(); err != nil {
		return err
	}
	if txn.scopeDepth > 0 {
		// Promote: merge this scope's records into the parent instead of
		// applying them, by simply not popping — exitScope without undo.
		txn.undo.scopes = txn.undo.scopes[:len(txn.undo.scopes)-1]
		txn.scopeDepth--
		return nil
	}

	if txn.db.redo != nil && txn.durability != DurabilityNoRedo {
		txn.db.commitLock.AcquireShared()
		err := txn.db.redo.commit(txn)
		txn.db.commitLock.ReleaseShared()
		if err != nil {
			txn.bork(err)
			return err
		}
	}
	txn.undo.markCommitted()
	if txn.flags&flagHasTrash != 0 {
		if err := txn.db.trash.resolveCommitted(txn); err != nil {
			txn.bork(err)
			return err
		}
		txn.flags &^= flagHasTrash
	}
	if err := txn.resolveGhosts(true); err != nil {
		txn.bork(err)
		return err
	}
	txn.releaseAll()
	txn.undo.freeSpillChain()
	txn.undo = newUndoLog(txn.db, txn.id)
	return nil
}

// Reset rolls back the entire transaction (all scopes) and releases every
// lock it holds, returning it to a fresh, reusable state.
func (txn *Transaction) Reset() error {
	if txn.bogus {
		return nil
	}
	recs := txn.undo.rollbackAll()
	err := txn.applyUndo(recs)
	if txn.flags&flagHasTrash != 0 {
		if rerr := txn.db.trash.resolveRolledBack(txn.id); rerr != nil && err == nil {
			err = rerr
		}
		txn.flags &^= flagHasTrash
	}
	if rerr := txn.resolveGhosts(false); rerr != nil && err == nil {
		err = rerr
	}
	txn.releaseAll()
	txn.scopeDepth = 0
	txn.borked = nil
	return err
}

// resolveGhosts settles every ghost tombstone this transaction left behind
// via Cursor.Delete. On commit, it physically removes the still-ghosted
// leaf slot (the delete is now final). On rollback, the slot's original
// content has already been restored by applyUndo's UnDelete replay, so
// there is nothing left to do beyond dropping the lock-side ghost pointer.
func (txn *Transaction) resolveGhosts(committed bool) error {
	txn.mu.Lock()
	held := append([]heldLock(nil), txn.held...)
	txn.mu.Unlock()

	for _, h := range held {
		if h.mode != ModeExclusive {
			continue
		}
		ghost := txn.db.locks.takeGhost(h.key)
		if ghost == nil || !committed {
			continue
		}
		t := txn.db.treeByID(h.key.IndexID)
		if t == nil {
			continue
		}
		path, leaf, idx, found, err := t.find([]byte(h.key.Key))
		if err != nil {
			return err
		}
		if found && idx < len(leaf.entries) && leaf.entries[idx].kind == valueGhost {
			if err := t.deleteLeafEntry(path, leaf, idx); err != nil {
				return err
			}
		}
	}
	return nil
}

func (txn *Transaction) releaseAll() {
	txn.mu.Lock()
	held := txn.held
	txn.held = nil
	txn.mu.Unlock()
	for i := len(held) - 1; i >= 0; i-- {
		txn.db.locks.Unlock(txn, held[i].key)
	}
}

// applyUndo replays compensating records in order (already reversed to
// apply-order by the undoLog), restoring prior tree state without touching
// the redo log.
func (txn *Transaction) applyUndo(recs []undoRecord) error {
	for _, r := range recs {
		if err := txn.applyOne(r); err != nil {
			txn.bork(err)
			return err
		}
	}
	return nil
}

func (txn *Transaction) applyOne(r undoRecord) error {
	switch r.op {
	case undoCommitMark:
		return nil
	case undoUnupdate, undoUnDelete:
		t := txn.db.treeByID(r.indexID)
		if t == nil {
			return nil
		}
		c := t.newCursor(bogusTxn)
		defer c.Reset()
		return c.storeAt(r.key, r.value)
	case undoUnInsert:
		t := txn.db.treeByID(r.indexID)
		if t == nil {
			return nil
		}
		c := t.newCursor(bogusTxn)
		defer c.Reset()
		if err := c.find(r.key); err != nil {
			return err
		}
		return c.Delete()
	case undoUnAlloc:
		txn.db.alloc.pendingFree(r.pos)
		return nil
	default:
		// UnExtend/UnWrite/UnDeleteFragmented apply against fragmented
		// value state; see fragment.go's applyFragmentUndo.
		return txn.db.applyFragmentUndo(r)
	}
}

package tupl

import "sync"

// Latch is a shared/exclusive mutual-exclusion primitive, distinct from a
// Lock (which is a named, transaction-scoped entity over an (index,key), see
// lock.go). Latches guard in-memory structures (node cache slots, lock-table
// shards, the commit lock) for the duration of one operation.
//
// Grounded on org.cojen.tupl.util.Latch/LatchCondition (present under
// _examples/original_source). Java parks threads directly; Go has no public
// thread-parking API, so each waiter blocks on a buffered channel instead,
// modeled as a FIFO of waiter records.
type Latch struct {
	mu       sync.Mutex
	state    latchState
	shared   int // number of shared holders when state == latchShared
	waitCond LatchCondition
}

type latchState int

const (
	latchFree latchState = iota
	latchShared
	latchExclusive
)

// AcquireExclusive blocks until the latch is held exclusively by the caller.
func (l *Latch) AcquireExclusive() {
	l.mu.Lock()
	for l.state != latchFree {
		l.waitCond.await(&l.mu)
	}
	l.state = latchExclusive
	l.mu.Unlock()
}

// TryAcquireExclusive attempts a non-blocking exclusive acquisition.
func (l *Latch) TryAcquireExclusive() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != latchFree {
		return false
	}
	l.state = latchExclusive
	return true
}

// ReleaseExclusive releases an exclusively held latch, running any queued
// continuations before waking thread-backed waiters (uponSignal semantics).
func (l *Latch) ReleaseExclusive() {
	l.mu.Lock()
	l.state = latchFree
	l.runContinuationsAndSignal()
	l.mu.Unlock()
}

// AcquireShared blocks until the latch is held in shared mode by the caller.
func (l *Latch) AcquireShared() {
	l.mu.Lock()
	for l.state == latchExclusive {
		l.waitCond.await(&l.mu)
	}
	l.state = latchShared
	l.shared++
	l.mu.Unlock()
}

// TryAcquireShared attempts a non-blocking shared acquisition.
func (l *Latch) TryAcquireShared() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == latchExclusive {
		return false
	}
	l.state = latchShared
	l.shared++
	return true
}

// ReleaseShared releases one shared hold.
func (l *Latch) ReleaseShared() {
	l.mu.Lock()
	l.shared--
	if l.shared <= 0 {
		l.shared = 0
		l.state = latchFree
		l.runContinuationsAndSignal()
	}
	l.mu.Unlock()
}

// runContinuationsAndSignal drains continuation-tagged waiters (running them
// with the latch conceptually still held by the caller, matching
// uponSignal's ownership-transfer contract) then wakes every remaining
// thread waiter. Waking only the head waiter is not enough here: several
// parked AcquireShared callers can be queued behind one exclusive holder,
// and since shared acquisitions don't conflict with each other all of them
// need a chance to re-check their loop condition once the latch goes free,
// not just the first. Each woken waiter re-evaluates its own for-loop
// condition and re-parks if it lost the race (e.g. a competing
// AcquireExclusive), so broadcasting is safe. Caller holds l.mu.
func (l *Latch) runContinuationsAndSignal() {
	for {
		node := l.waitCond.popContinuation()
		if node == nil {
			break
		}
		l.state = latchExclusive
		node.cont()
		l.state = latchFree
	}
	l.waitCond.signalAll()
}

// Mutex returns the latch's internal mutex, for callers that pair their own
// LatchCondition with it, distinct from the latch's own internal wait queue
// (e.g. Lock's mQueueU/mQueueSX).
func (l *Latch) Mutex() *sync.Mutex { return &l.mu }

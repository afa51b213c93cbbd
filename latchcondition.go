package tupl

import (
	"sync"
	"time"
)

// waitKind distinguishes why a waitNode is queued, mirroring Tupl's
// WaitNode.{COND_WAIT, COND_WAIT_TAGGED} plus a continuation variant: the
// FIFO of waiter records is tagged {Regular, Tagged, Continuation(fn)}.
type waitKind int

const (
	waitRegular waitKind = iota
	waitTagged
	waitContinuation
)

type waitNode struct {
	prev, next *waitNode
	kind       waitKind
	wake       chan struct{} // nil for continuation nodes
	cont       func()
}

// LatchCondition manages a FIFO queue of waiters associated with an external
// *sync.Mutex, exactly as org.cojen.tupl.util.LatchCondition manages a queue
// associated with a Latch. Unlike sync.Cond, spurious wakeup never occurs:
// await only returns because it was signalled or timed out/cancelled by the
// caller discarding its own node (Go has no interrupt primitive, so
// INTERRUPTED is modelled by context cancellation at call sites, not here).
type LatchCondition struct {
	head, tail *waitNode
}

// IsEmpty reports whether no waiters are enqueued. Caller must hold the
// associated mutex.
func (c *LatchCondition) IsEmpty() bool { return c.head == nil }

// await enqueues the calling goroutine at the tail and blocks until
// signalled, releasing mu while waiting and re-acquiring it before
// returning, matching LatchCondition.await's release/reacquire contract.
func (c *LatchCondition) await(mu *sync.Mutex) {
	c.awaitKind(mu, waitRegular)
}

func (c *LatchCondition) awaitKind(mu *sync.Mutex, kind waitKind) {
	node := &waitNode{kind: kind, wake: make(chan struct{}, 1)}
	c.enqueueTail(node)
	mu.Unlock()
	<-node.wake
	mu.Lock()
}

// awaitTimeout behaves like await, but returns false if the timeout elapses
// before a signal arrives, de-queueing the waiter in that case. Models the
// original's await(latch, nanosTimeout, nanosEnd) 0-on-timeout return,
// since Go's select gives a direct way to race a timer against a signal
// instead of the original's deadline-recomputing loop.
func (c *LatchCondition) awaitTimeout(mu *sync.Mutex, timeout time.Duration) bool {
	node := &waitNode{kind: waitRegular, wake: make(chan struct{}, 1)}
	c.enqueueTail(node)
	mu.Unlock()

	var signalled bool
	if timeout < 0 {
		<-node.wake
		signalled = true
	} else {
		select {
		case <-node.wake:
			signalled = true
		case <-time.After(timeout):
			signalled = false
		}
	}

	mu.Lock()
	if !signalled {
		// Might have been signalled in the race between the timer firing
		// and us re-acquiring the mutex; drain a pending signal so it
		// isn't lost, otherwise remove ourselves from the queue.
		select {
		case <-node.wake:
			signalled = true
		default:
			c.removeIfQueued(node)
		}
	}
	return signalled
}

// removeIfQueued unlinks node if it is still present in the queue (it may
// already have been unlinked by a concurrent signal).
func (c *LatchCondition) removeIfQueued(node *waitNode) {
	n := c.head
	for n != nil {
		if n == node {
			c.unlink(n)
			return
		}
		n = n.next
	}
}

// enqueueTail appends node to the queue. Caller holds the mutex.
func (c *LatchCondition) enqueueTail(node *waitNode) {
	if c.tail == nil {
		c.head = node
	} else {
		c.tail.next = node
		node.prev = c.tail
	}
	c.tail = node
}

// enqueueHead inserts node at the head, for priorityAwait.
func (c *LatchCondition) enqueueHead(node *waitNode) {
	if c.head == nil {
		c.tail = node
	} else {
		c.head.prev = node
		node.next = c.head
	}
	c.head = node
}

// priorityAwait behaves like await but jumps the queue, used by waiters that
// must be serviced ahead of others already parked.
func (c *LatchCondition) priorityAwait(mu *sync.Mutex) {
	node := &waitNode{kind: waitRegular, wake: make(chan struct{}, 1)}
	c.enqueueHead(node)
	mu.Unlock()
	<-node.wake
	mu.Lock()
}

// uponSignal enqueues a continuation that runs, with the associated latch
// conceptually still exclusively held, on whichever goroutine performs the
// next signal. Caller must hold the exclusive latch, which it retains.
func (c *LatchCondition) uponSignal(cont func()) {
	c.enqueueTail(&waitNode{kind: waitContinuation, cont: cont})
}

// popContinuation removes and returns the head node if it is a
// continuation, else leaves the queue untouched and returns nil. Used by
// Latch.runContinuationsAndSignal to drain continuations ahead of waking
// thread-backed waiters.
func (c *LatchCondition) popContinuation() *waitNode {
	head := c.head
	if head == nil || head.kind != waitContinuation {
		return nil
	}
	c.unlink(head)
	return head
}

func (c *LatchCondition) unlink(node *waitNode) {
	if node.prev != nil {
		node.prev.next = node.next
	} else {
		c.head = node.next
	}
	if node.next != nil {
		node.next.prev = node.prev
	} else {
		c.tail = node.prev
	}
	node.prev, node.next = nil, nil
}

// signal wakes the first waiter of any type. Caller holds the mutex.
func (c *LatchCondition) signal() {
	head := c.head
	if head == nil {
		return
	}
	c.unlink(head)
	if head.kind == waitContinuation {
		head.cont()
		return
	}
	close(head.wake)
}

// signalAll wakes every waiter. Caller holds the mutex.
func (c *LatchCondition) signalAll() {
	for !c.IsEmpty() {
		c.signal()
	}
}

// signalTagged wakes the head waiter only if it is tagged, giving
// priority-style filtering. Caller holds the mutex.
func (c *LatchCondition) signalTagged() {
	head := c.head
	if head != nil && head.kind == waitTagged {
		c.unlink(head)
		close(head.wake)
	}
}

// awaitTagged is like await, but the waiter can later be woken selectively
// by signalTagged.
func (c *LatchCondition) awaitTagged(mu *sync.Mutex) {
	c.awaitKind(mu, waitTagged)
}

// clear discards all waiters without running continuations, used when a
// database is closing and pending waiters must be abandoned (their callers
// are expected to recheck state and fail with ErrClosed).
func (c *LatchCondition) clear() {
	node := c.head
	for node != nil {
		next := node.next
		node.prev, node.next = nil, nil
		if node.kind != waitContinuation && node.wake != nil {
			select {
			case <-node.wake:
			default:
				close(node.wake)
			}
		}
		node = next
	}
	c.head, c.tail = nil, nil
}

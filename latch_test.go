package tupl

import (
	"sync"
	"testing"
	"time"
)

func TestLatchExclusiveExcludesOthers(t *testing.T) {
	var l Latch
	l.AcquireExclusive()
	if l.TryAcquireExclusive() {
		t.Fatalf("TryAcquireExclusive succeeded while already held exclusively")
	}
	if l.TryAcquireShared() {
		t.Fatalf("TryAcquireShared succeeded while held exclusively")
	}
	l.ReleaseExclusive()
	if !l.TryAcquireExclusive() {
		t.Fatalf("TryAcquireExclusive failed after release")
	}
}

func TestLatchSharedAllowsMultipleHolders(t *testing.T) {
	var l Latch
	l.AcquireShared()
	if !l.TryAcquireShared() {
		t.Fatalf("second shared acquisition failed")
	}
	if l.TryAcquireExclusive() {
		t.Fatalf("TryAcquireExclusive succeeded while shared holders remain")
	}
	l.ReleaseShared()
	if l.TryAcquireExclusive() {
		t.Fatalf("TryAcquireExclusive succeeded with one shared holder remaining")
	}
	l.ReleaseShared()
	if !l.TryAcquireExclusive() {
		t.Fatalf("TryAcquireExclusive failed once all shared holders released")
	}
}

func TestLatchAcquireExclusiveBlocksUntilRelease(t *testing.T) {
	var l Latch
	l.AcquireExclusive()

	acquired := make(chan struct{})
	go func() {
		l.AcquireExclusive()
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatalf("second AcquireExclusive returned before the first was released")
	case <-time.After(20 * time.Millisecond):
	}

	l.ReleaseExclusive()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatalf("waiter was never woken after ReleaseExclusive")
	}
}

func TestLatchConditionSignalWakesOldestWaiterFirst(t *testing.T) {
	var c LatchCondition
	var mu sync.Mutex

	order := make(chan int, 2)
	go func() {
		mu.Lock()
		c.await(&mu)
		order <- 1
		mu.Unlock()
	}()
	// Give the first goroutine time to enqueue and block on its wake
	// channel before starting the second, so enqueue order is deterministic.
	time.Sleep(20 * time.Millisecond)
	go func() {
		mu.Lock()
		c.await(&mu)
		order <- 2
		mu.Unlock()
	}()
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	c.signal()
	mu.Unlock()
	if got := <-order; got != 1 {
		t.Fatalf("first signal woke waiter %d, want 1 (FIFO)", got)
	}

	mu.Lock()
	c.signal()
	mu.Unlock()
	if got := <-order; got != 2 {
		t.Fatalf("second signal woke waiter %d, want 2", got)
	}
}

func TestLatchConditionAwaitTimeoutExpires(t *testing.T) {
	var c LatchCondition
	var mu sync.Mutex
	mu.Lock()
	signalled := c.awaitTimeout(&mu, 10*time.Millisecond)
	mu.Unlock()
	if signalled {
		t.Fatalf("awaitTimeout reported signalled with no signaller present")
	}
	if !c.IsEmpty() {
		t.Fatalf("timed-out waiter was not dequeued")
	}
}

func TestLatchConditionUponSignalRunsContinuationOnNextSignal(t *testing.T) {
	var c LatchCondition
	ran := false
	c.uponSignal(func() { ran = true })
	if ran {
		t.Fatalf("continuation ran before any signal")
	}
	c.signal()
	if !ran {
		t.Fatalf("continuation did not run on signal")
	}
}

func TestLatchConditionClearWakesAllWaitersWithoutContinuations(t *testing.T) {
	var c LatchCondition
	var mu sync.Mutex

	done := make(chan struct{})
	mu.Lock()
	go func() {
		mu.Lock()
		c.await(&mu)
		mu.Unlock()
		close(done)
	}()
	time.Sleep(10 * time.Millisecond)
	mu.Unlock()
	// Let the waiter take mu and park in await before clear runs.
	time.Sleep(10 * time.Millisecond)

	mu.Lock()
	c.clear()
	mu.Unlock()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("waiter was never woken by clear")
	}
}

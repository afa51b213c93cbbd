package tupl

import (
	"testing"
	"time"
)

type fakeLocker uint64

func (f fakeLocker) OwnerID() uint64 { return uint64(f) }

func TestLockManagerSharedLocksAreCompatible(t *testing.T) {
	lm := newLockManager()
	key := LockKey{IndexID: 1, Key: "a"}

	if res := lm.TryLockShared(fakeLocker(1), key, 0); res != ResultAcquired {
		t.Fatalf("first shared lock = %v, want ResultAcquired", res)
	}
	if res := lm.TryLockShared(fakeLocker(2), key, 0); res != ResultAcquired {
		t.Fatalf("second shared lock = %v, want ResultAcquired", res)
	}
}

func TestLockManagerExclusiveExcludesShared(t *testing.T) {
	lm := newLockManager()
	key := LockKey{IndexID: 1, Key: "a"}

	if res := lm.TryLockExclusive(fakeLocker(1), key, 0); res != ResultAcquired {
		t.Fatalf("exclusive lock = %v, want ResultAcquired", res)
	}
	if res := lm.TryLockShared(fakeLocker(2), key, 0); res != ResultTimedOut {
		t.Fatalf("shared lock against held exclusive = %v, want ResultTimedOut", res)
	}
}

func TestLockManagerUpgradeFromSharedToExclusive(t *testing.T) {
	lm := newLockManager()
	key := LockKey{IndexID: 1, Key: "a"}
	owner := fakeLocker(1)

	if res := lm.TryLockShared(owner, key, 0); res != ResultAcquired {
		t.Fatalf("shared lock = %v, want ResultAcquired", res)
	}
	if res := lm.TryLockExclusive(owner, key, 0); res != ResultUpgraded {
		t.Fatalf("upgrade to exclusive = %v, want ResultUpgraded", res)
	}
}

func TestLockManagerUnlockWakesWaiter(t *testing.T) {
	lm := newLockManager()
	key := LockKey{IndexID: 1, Key: "a"}

	if res := lm.TryLockExclusive(fakeLocker(1), key, 0); res != ResultAcquired {
		t.Fatalf("exclusive lock = %v, want ResultAcquired", res)
	}

	done := make(chan LockResult, 1)
	go func() {
		done <- lm.TryLockExclusive(fakeLocker(2), key, time.Second)
	}()

	// Give the second goroutine time to park as a waiter.
	time.Sleep(20 * time.Millisecond)
	lm.Unlock(fakeLocker(1), key)

	select {
	case res := <-done:
		if res != ResultAcquired {
			t.Fatalf("waiter result = %v, want ResultAcquired", res)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter never woke after Unlock")
	}
}

func TestLockManagerDetectsDeadlock(t *testing.T) {
	lm := newLockManager()
	keyA := LockKey{IndexID: 1, Key: "a"}
	keyB := LockKey{IndexID: 1, Key: "b"}

	if res := lm.TryLockExclusive(fakeLocker(1), keyA, 0); res != ResultAcquired {
		t.Fatalf("lock A by 1 = %v", res)
	}
	if res := lm.TryLockExclusive(fakeLocker(2), keyB, 0); res != ResultAcquired {
		t.Fatalf("lock B by 2 = %v", res)
	}

	errs := make(chan LockResult, 2)
	go func() { errs <- lm.TryLockExclusive(fakeLocker(1), keyB, time.Second) }()
	time.Sleep(20 * time.Millisecond)
	go func() { errs <- lm.TryLockExclusive(fakeLocker(2), keyA, time.Second) }()

	var sawDeadlock bool
	for i := 0; i < 2; i++ {
		select {
		case res := <-errs:
			if res == ResultDeadlock {
				sawDeadlock = true
			}
		case <-time.After(2 * time.Second):
			t.Fatal("deadlocked goroutines never returned")
		}
	}
	if !sawDeadlock {
		t.Fatal("cyclic lock wait was not reported as ResultDeadlock")
	}
}

func TestLockManagerCheckReportsOwnership(t *testing.T) {
	lm := newLockManager()
	key := LockKey{IndexID: 1, Key: "a"}
	owner := fakeLocker(1)

	if res := lm.Check(owner, key); res != ResultUnowned {
		t.Fatalf("Check before acquiring = %v, want ResultUnowned", res)
	}
	lm.TryLockShared(owner, key, 0)
	if res := lm.Check(owner, key); res != ResultOwnedShared {
		t.Fatalf("Check after shared acquire = %v, want ResultOwnedShared", res)
	}
}

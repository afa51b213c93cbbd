package tupl

import (
	"hash/maphash"
	"sync"
	"time"
)

const lockShardCount = 64

// lockShard is one independent latch domain of the sharded lock table: the
// table is sharded by hash(indexId, key), each shard with its own latch.
type lockShard struct {
	mu      sync.Mutex
	entries map[LockKey]*lockEntry
}

// lockManager is the fine-grained lock manager: named
// shared/upgradable/exclusive locks over (indexId,key) with deadlock
// detection. Grounded on org.cojen.tupl._Lock's state machine
// (_examples/original_source) for per-entry semantics; the sharded-table
// shape generalizes aergoio/kv_log's single coarse database-level lock
// (aergoio/kv_log db.Lock/Unlock) into per-key granularity.
type lockManager struct {
	seed   maphash.Seed
	shards [lockShardCount]lockShard

	waitingMu sync.Mutex
	waitingFor map[uint64]*lockEntry // ownerID -> lock it is blocked on
}

func newLockManager() *lockManager {
	lm := &lockManager{seed: maphash.MakeSeed(), waitingFor: make(map[uint64]*lockEntry)}
	for i := range lm.shards {
		lm.shards[i].entries = make(map[LockKey]*lockEntry)
	}
	return lm
}

func (lm *lockManager) shardFor(key LockKey) *lockShard {
	var h maphash.Hash
	h.SetSeed(lm.seed)
	var idBuf [8]byte
	putUint64(idBuf[:], key.IndexID)
	h.Write(idBuf[:])
	h.WriteString(key.Key)
	return &lm.shards[h.Sum64()%lockShardCount]
}

func putUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

func (lm *lockManager) entryFor(shard *lockShard, key LockKey) *lockEntry {
	e, ok := shard.entries[key]
	if !ok {
		e = &lockEntry{key: key}
		shard.entries[key] = e
	}
	return e
}

func (lm *lockManager) releaseIfEmpty(shard *lockShard, e *lockEntry) {
	if e.empty() {
		delete(shard.entries, e.key)
	}
}

// census counts every non-empty lock entry across all shards, for
// inspection tooling.
func (lm *lockManager) census() int {
	n := 0
	for i := range lm.shards {
		s := &lm.shards[i]
		s.mu.Lock()
		n += len(s.entries)
		s.mu.Unlock()
	}
	return n
}

// setWaiting/clearWaiting maintain the global waitingFor map the deadlock
// walk traverses, mirroring _Lock's "locker's mWaitingFor field is set to
// this Lock" contract but keyed so the walk can cross shards.
func (lm *lockManager) setWaiting(owner Locker, e *lockEntry) {
	lm.waitingMu.Lock()
	lm.waitingFor[owner.OwnerID()] = e
	lm.waitingMu.Unlock()
}

func (lm *lockManager) clearWaiting(owner Locker) {
	lm.waitingMu.Lock()
	delete(lm.waitingFor, owner.OwnerID())
	lm.waitingMu.Unlock()
}

// TryLockShared implements the Shared acquisition rule.
func (lm *lockManager) TryLockShared(owner Locker, key LockKey, timeout time.Duration) LockResult {
	shard := lm.shardFor(key)
	shard.mu.Lock()
	e := lm.entryFor(shard, key)

	if e.upgradable == owner {
		shard.mu.Unlock()
		if e.exclusiveHeld {
			return ResultOwnedExclusive
		}
		return ResultOwnedUpgradable
	}
	if e.isSharedOwner(owner) {
		shard.mu.Unlock()
		return ResultOwnedShared
	}
	if !e.exclusiveHeld && e.queueSX.IsEmpty() {
		e.addShared(owner)
		shard.mu.Unlock()
		return ResultAcquired
	}
	if timeout == 0 {
		lm.setWaiting(owner, e)
		shard.mu.Unlock()
		return ResultTimedOut
	}

	result := lm.waitOn(shard, e, &e.queueSX, owner, timeout, func() bool {
		return !e.exclusiveHeld && e.queueU.IsEmpty()
	})
	if result == ResultAcquired {
		e.addShared(owner)
	}
	shard.mu.Unlock()
	return result
}

// TryLockUpgradable implements the Upgradable acquisition rule.
func (lm *lockManager) TryLockUpgradable(owner Locker, key LockKey, timeout time.Duration) LockResult {
	shard := lm.shardFor(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	e := lm.entryFor(shard, key)

	if e.upgradable == owner {
		if e.exclusiveHeld {
			return ResultOwnedExclusive
		}
		return ResultOwnedUpgradable
	}
	if e.upgradable == nil {
		e.upgradable = owner
		if e.isSharedOwner(owner) {
			return ResultUpgraded
		}
		return ResultAcquired
	}
	if timeout == 0 {
		lm.setWaiting(owner, e)
		return ResultTimedOut
	}
	result := lm.waitOn(shard, e, &e.queueU, owner, timeout, func() bool {
		return e.upgradable == nil
	})
	if result == ResultAcquired {
		e.upgradable = owner
	}
	return result
}

// TryLockExclusive implements the Exclusive acquisition rule:
// acquire upgradable first, then wait for the shared count to drop to just
// the requester (or zero).
func (lm *lockManager) TryLockExclusive(owner Locker, key LockKey, timeout time.Duration) LockResult {
	up := lm.TryLockUpgradable(owner, key, timeout)
	if !up.Granted() {
		return up
	}

	shard := lm.shardFor(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	e := lm.entryFor(shard, key)

	if e.exclusiveHeld {
		return ResultOwnedExclusive
	}

	onlySelfOrNoneShared := func() bool {
		for l := range e.shared {
			if l != owner {
				return false
			}
		}
		return true
	}
	if onlySelfOrNoneShared() {
		e.exclusiveHeld = true
		delete(e.shared, owner)
		if up == ResultUpgraded {
			return ResultUpgraded
		}
		return ResultAcquired
	}
	if timeout == 0 {
		lm.setWaiting(owner, e)
		return ResultTimedOut
	}

	result := lm.waitOn(shard, e, &e.queueSX, owner, timeout, onlySelfOrNoneShared)
	if result == ResultAcquired {
		e.exclusiveHeld = true
		delete(e.shared, owner)
	}
	return result
}

// waitOn parks owner on cond until ready() holds or timeout elapses,
// detecting deadlock cycles before parking. Caller holds shard.mu, which
// awaitTimeout releases while waiting and re-acquires before returning.
func (lm *lockManager) waitOn(shard *lockShard, e *lockEntry, cond *LatchCondition, owner Locker, timeout time.Duration, ready func() bool) LockResult {
	lm.setWaiting(owner, e)
	defer lm.clearWaiting(owner)

	if path := lm.detectDeadlock(shard, owner, e); path != nil {
		return ResultDeadlock
	}

	if !cond.awaitTimeout(&shard.mu, timeout) {
		return ResultTimedOut
	}
	if ready() {
		return ResultAcquired
	}
	// Woken but the condition we actually need still doesn't hold (e.g. a
	// different shared owner released first); signal the next waiter in
	// turn and report a timeout so the caller retries or gives up.
	cond.signal()
	return ResultTimedOut
}

// detectDeadlock walks from requester through owners' waitingFor chains:
// requester -> lock it wants -> that lock's owners -> their waitingFor ->
// ... If the walk revisits requester, a cycle exists.
//
// ownShard is the shard already locked by the calling goroutine (the one
// holding `want`): entries the walk visits can belong to any shard, and
// reading another shard's owners without that shard's own mutex races with
// Unlock/TryLock mutating the same maps concurrently. waitingMu already
// serializes every concurrent detectDeadlock call against every other, so
// the only lock ordering to avoid is re-locking ownShard (already held by
// this goroutine, which would deadlock on the non-reentrant mutex); every
// other shard's mutex is acquired and released around just the owner
// snapshot, never held across the recursive walk.
func (lm *lockManager) detectDeadlock(ownShard *lockShard, requester Locker, want *lockEntry) []LockKey {
	lm.waitingMu.Lock()
	defer lm.waitingMu.Unlock()

	visited := map[uint64]bool{requester.OwnerID(): true}
	var walk func(e *lockEntry) []LockKey
	walk = func(e *lockEntry) []LockKey {
		shard := lm.shardFor(e.key)
		var owners []Locker
		if shard == ownShard {
			owners = lockEntryOwners(e)
		} else {
			shard.mu.Lock()
			owners = lockEntryOwners(e)
			shard.mu.Unlock()
		}
		for _, o := range owners {
			if o.OwnerID() == requester.OwnerID() {
				return []LockKey{e.key}
			}
			if visited[o.OwnerID()] {
				continue
			}
			visited[o.OwnerID()] = true
			if next, ok := lm.waitingFor[o.OwnerID()]; ok {
				if path := walk(next); path != nil {
					return append(path, e.key)
				}
			}
		}
		return nil
	}
	return walk(want)
}

// lockEntryOwners snapshots e's current shared/upgradable owners. Caller
// must hold e's shard mutex (or be the goroutine that already owns it).
func lockEntryOwners(e *lockEntry) []Locker {
	owners := make([]Locker, 0, len(e.shared)+1)
	if e.upgradable != nil {
		owners = append(owners, e.upgradable)
	}
	for o := range e.shared {
		owners = append(owners, o)
	}
	return owners
}

// Unlock releases whatever mode owner holds on key, following the
// unlock semantics: exclusive unlock may clear a ghost, downgrade signals
// one upgradable waiter then the shared queue.
func (lm *lockManager) Unlock(owner Locker, key LockKey) {
	shard := lm.shardFor(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	e, ok := shard.entries[key]
	if !ok {
		return
	}
	if e.exclusiveHeld && e.upgradable == owner {
		e.exclusiveHeld = false
		e.upgradable = nil
		e.ghost = nil
		e.queueU.signal()
		e.queueSX.signalAll()
	} else if e.upgradable == owner {
		e.upgradable = nil
		e.queueU.signal()
		e.queueSX.signalAll()
	} else {
		e.removeShared(owner)
		e.queueSX.signalAll()
	}
	lm.releaseIfEmpty(shard, e)
}

// UnlockToUpgradable downgrades an exclusive hold back to upgradable,
// preserving any ghost pointer for later commit-time cleanup.
func (lm *lockManager) UnlockToUpgradable(owner Locker, key LockKey) {
	shard := lm.shardFor(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	e, ok := shard.entries[key]
	if !ok || e.upgradable != owner {
		return
	}
	e.exclusiveHeld = false
	e.queueSX.signalAll()
}

// UnlockToShared downgrades an upgradable hold to shared.
func (lm *lockManager) UnlockToShared(owner Locker, key LockKey) {
	shard := lm.shardFor(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	e, ok := shard.entries[key]
	if !ok || e.upgradable != owner {
		return
	}
	e.upgradable = nil
	e.addShared(owner)
	e.queueU.signal()
}

// Check reports the caller's current ownership without blocking.
func (lm *lockManager) Check(owner Locker, key LockKey) LockResult {
	shard := lm.shardFor(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	e, ok := shard.entries[key]
	if !ok {
		return ResultUnowned
	}
	switch {
	case e.exclusiveHeld && e.upgradable == owner:
		return ResultOwnedExclusive
	case e.upgradable == owner:
		return ResultOwnedUpgradable
	case e.isSharedOwner(owner):
		return ResultOwnedShared
	default:
		return ResultUnowned
	}
}

// setGhost marks key as ghosted by a committing delete, so commit-time
// cleanup can find the ghost without a fresh key lookup.
func (lm *lockManager) setGhost(key LockKey, g *ghostFrame) {
	shard := lm.shardFor(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	if e, ok := shard.entries[key]; ok {
		e.ghost = g
	}
}

func (lm *lockManager) takeGhost(key LockKey) *ghostFrame {
	shard := lm.shardFor(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	e, ok := shard.entries[key]
	if !ok {
		return nil
	}
	g := e.ghost
	e.ghost = nil
	return g
}

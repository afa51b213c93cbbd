package tupl

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// checkpointer runs the database's periodic checkpoint: quiesce writers,
// flush redo, flush dirty nodes, persist the free list, write a new
// double-buffered header, reclaim freed pages, and rotate the redo log.
// Grounded on aergoio/kv_log's fsync-on-write
// durability model (aergoio/kv_log db.go, every Put syncs immediately);
// generalized into a background batching checkpoint so individual commits
// need not each pay a full tree flush.
//
// Dirty-node flushing is throttled with golang.org/x/time/rate so a large
// checkpoint does not starve foreground I/O, per SPEC_FULL.md's Domain
// Stack note wiring x/time/rate into the checkpoint path.
type checkpointer struct {
	db      *Database
	limiter *rate.Limiter

	mu         sync.Mutex
	running    bool
	stopped    bool
	headerSlot uint64
}

func newCheckpointer(db *Database) *checkpointer {
	c := &checkpointer{db: db, limiter: rate.NewLimiter(rate.Limit(4<<20), 1<<20)} // 4 MiB/s, 1 MiB burst
	// Continue the header sequence from the newest header on disk so the
	// next header written outranks it.
	if hdr, err := loadNewestHeader(db.pages); err == nil {
		c.headerSlot = hdr.seq
	}
	return c
}

// start schedules periodic checkpoints every rate via the database's
// scheduler; rate<=0 disables automatic checkpointing (a host must call
// Checkpoint explicitly, e.g. before a clean shutdown).
func (c *checkpointer) start(rate time.Duration) {
	if rate <= 0 {
		return
	}
	c.db.sched.every(rate, func() {
		if err := c.run(); err != nil {
			c.db.listener.Checkpoint("error", "checkpoint failed", map[string]interface{}{"error": err.Error()})
		}
	})
}

func (c *checkpointer) stop() {
	c.mu.Lock()
	c.stopped = true
	c.mu.Unlock()
}

// run executes one checkpoint. Concurrent calls collapse: if a checkpoint
// is already running, a second caller (e.g. Database.Checkpoint invoked by
// a host while the timer also fires) returns nil at once without waiting
// for the running one to finish: at most one checkpoint runs at a time.
func (c *checkpointer) run() error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	if c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
	}()

	db := c.db
	db.listener.Checkpoint("begin", "checkpoint started", nil)

	// Steps 1-2: freeze new commits just long enough to capture a stable
	// redo position and flush everything buffered up to it durable. The
	// exclusive hold ends here: dirty-node flushing and everything after
	// proceeds concurrently with foreground writers, which only ever need
	// commitLock shared (see Cursor.storeAtLocked/Delete, Transaction.Commit).
	db.commitLock.AcquireExclusive()
	var flushErr error
	if db.redo != nil {
		flushErr = db.redo.flushAll()
	}
	db.commitLock.ReleaseExclusive()
	if flushErr != nil {
		return flushErr
	}

	// Refresh each named index's registry entry with its current root, since
	// copy-on-write moves a root on every write, so recovery reopens it here.
	db.treesMu.RLock()
	named := make([]*Tree, 0, len(db.trees))
	for _, t := range db.trees {
		if t.name != nil {
			named = append(named, t)
		}
	}
	db.treesMu.RUnlock()
	for _, t := range named {
		if err := db.registerIndex(t); err != nil {
			return err
		}
	}

	// Step 3: flush dirty nodes, throttled.
	if err := c.flushDirtyNodes(); err != nil {
		return err
	}

	// Step 4: persist the free list.
	allocRoot, err := db.alloc.persist()
	if err != nil {
		return err
	}

	// Step 5: write the new header to the alternate slot (double buffering:
	// a crash mid-write leaves the other slot intact).
	db.treesMu.RLock()
	registryRoot := int64(-1)
	trashRoot := int64(-1)
	if t, ok := db.trees[registryIndexID]; ok {
		registryRoot = t.rootID
	}
	if t, ok := db.trees[trashIndexID]; ok {
		trashRoot = t.rootID
	}
	db.treesMu.RUnlock()

	c.headerSlot++
	hdr := header{
		magic:        headerMagic,
		version:      1,
		pageSize:     uint32(db.pageSize),
		registryRoot: registryRoot,
		trashRoot:    trashRoot,
		allocRoot:    allocRoot,
		redoStart:    0,
		maxTxnID:     db.currentTxnID(),
		seq:          c.headerSlot,
	}
	slot := int64(c.headerSlot % 2)
	if err := writeHeader(db.pages, slot, hdr); err != nil {
		return err
	}
	if err := db.pages.Sync(true); err != nil {
		return err
	}

	// Step 6: pages freed by transactions since the last checkpoint are now
	// safe to reuse, since the header durably committed to above no longer
	// references them.
	db.alloc.commitPending()

	// Step 7: rotate the redo log; everything before this point is
	// subsumed by the checkpoint just written.
	if db.redo != nil {
		if err := db.redo.truncate(db.opts.BaseFile + ".redo"); err != nil {
			return err
		}
	}

	db.listener.Checkpoint("complete", "checkpoint finished", nil)
	return nil
}

// flushDirtyNodes writes every dirty cached node back to its page, pacing
// itself through c.limiter so a checkpoint of a large working set doesn't
// saturate disk bandwidth foreground transactions also need.
func (c *checkpointer) flushDirtyNodes() error {
	cache := c.db.cache
	cache.mu.Lock()
	dirty := make([]*node, 0)
	for i := range cache.slots {
		if n := cache.slots[i].node; n != nil && n.dirty {
			dirty = append(dirty, n)
		}
	}
	cache.mu.Unlock()

	for _, n := range dirty {
		_ = c.limiter.WaitN(context.Background(), pageWeight(c.db.pageSize))
		if err := c.db.flushNode(n); err != nil {
			return err
		}
	}
	return nil
}

func pageWeight(pageSize int) int {
	n := pageSize / 4096
	if n < 1 {
		return 1
	}
	return n
}

package tupl

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Database is the embedded storage engine handle: the data-flow hub where
// requests enter through a transaction-bound cursor, which consults the
// lock manager for key locks, mutates B-tree nodes fetched from the node
// cache backed by the page array and allocator, and appends undo records
// and redo records. It owns every other component and is the one value a
// host program interacts with.
//
// Grounded on aergoio/kv_log's *DB (aergoio/kv_log db.go), which plays the same
// role for its simpler radix-trie engine; generalized here into an
// orchestrator over a page array, allocator, node cache, lock manager, redo
// log, checkpointer and recovery procedure instead of one flat file format.
type Database struct {
	opts *Options

	pages    *PageArray
	alloc    *pageAllocator
	cache    *nodeCache
	pageSize int

	// commitLock is the database-wide shared/exclusive latch: held shared
	// while writing redo/undo of a single operation, exclusively during
	// checkpoint.
	commitLock Latch

	locks *lockManager
	redo  *redoWriter
	ckpt  *checkpointer
	sched *scheduler
	trash *fragmentedTrash

	listener EventListener
	repl     ReplicationManager

	treesMu sync.RWMutex
	trees   map[uint64]*Tree

	nextTxnID    uint64 // atomic
	nextCursorID uint64 // atomic

	closed atomic.Bool

	bork struct {
		sync.Mutex
		err error
	}
}

// Open opens (creating if necessary) a database rooted at opts.BaseFile,
// replaying redo and rolling back unfinished transactions if needed.
func Open(opts *Options, options ...Option) (*Database, error) {
	opts.apply(options...)
	if opts.PageSize == 0 {
		opts.PageSize = 4096
	}
	if opts.EventListener == nil {
		opts.EventListener = NoopListener{}
	}

	pages, err := OpenPageArray(opts.BaseFile+".db", opts.PageSize, opts.ReadOnly)
	if err != nil {
		return nil, err
	}

	db := &Database{
		opts:     opts,
		pages:    pages,
		pageSize: opts.PageSize,
		listener: opts.EventListener,
		repl:     opts.ReplicationManager,
		trees:    make(map[uint64]*Tree),
		sched:    newScheduler(),
	}
	db.alloc = newPageAllocator(pages)
	maxCache := opts.MaxCacheSize
	if maxCache == 0 {
		maxCache = 10000
	}
	db.cache = newNodeCache(maxCache, db.flushNode)
	db.locks = newLockManager()
	db.trash = newFragmentedTrash(db)

	fresh := pages.PageCount() == 0
	if fresh {
		if err := db.initializeFresh(); err != nil {
			return nil, err
		}
	} else {
		if err := runRecovery(db); err != nil {
			return nil, err
		}
	}

	redo, err := openRedoWriter(db, opts.BaseFile+".redo")
	if err != nil {
		return nil, err
	}
	db.redo = redo

	db.ckpt = newCheckpointer(db)
	db.ckpt.start(opts.CheckpointRate)

	return db, nil
}

// initializeFresh creates the two header pages, the registry tree (index
// 0) and an empty free list on a brand-new page array (two
// double-buffered headers at pages 0 and 1).
func (db *Database) initializeFresh() error {
	if err := db.pages.SetPageCount(2); err != nil {
		return err
	}
	// Pages 0 and 1 belong to the headers; tree pages are allocated after them.
	db.alloc.nextAlloc = db.pages.PageCount()
	rootID, err := db.alloc.alloc()
	if err != nil {
		return err
	}
	root := &node{pageID: rootID, typ: typeLeaf, dirty: true}
	db.putNode(root)
	db.trees[registryIndexID] = db.newTree(registryIndexID, nil, rootID, false)

	trashRootID, err := db.alloc.alloc()
	if err != nil {
		return err
	}
	trashRoot := &node{pageID: trashRootID, typ: typeLeaf, dirty: true}
	db.putNode(trashRoot)
	db.trees[trashIndexID] = db.newTree(trashIndexID, nil, trashRootID, false)

	hdr := header{
		magic:        headerMagic,
		version:      1,
		pageSize:     uint32(db.pageSize),
		registryRoot: rootID,
		trashRoot:    trashRootID,
		allocRoot:    -1,
		redoStart:    0,
		maxTxnID:     0,
		seq:          1,
	}
	if err := writeHeader(db.pages, 0, hdr); err != nil {
		return err
	}
	if err := writeHeader(db.pages, 1, hdr); err != nil {
		return err
	}
	return db.pages.Sync(true)
}

// loadNode fetches a node from cache, decoding it from the page array on a
// miss and pinning it evictable in the cache.
func (db *Database) loadNode(pageID int64) (*node, error) {
	if n, ok := db.cache.lookup(pageID); ok {
		return n, nil
	}
	buf := make([]byte, db.pageSize)
	if err := db.pages.ReadPage(pageID, buf); err != nil {
		return nil, err
	}
	n, err := decodeNode(pageID, buf)
	if err != nil {
		return nil, err
	}
	db.putNode(n)
	return n, nil
}

// putNode installs a freshly decoded or freshly written node into the
// cache, evicting the least-recently-used entry if the pool is full.
func (db *Database) putNode(n *node) {
	db.cache.tryAllocLatched(n, cacheEvictable)
}

// flushNode encodes a dirty node and writes it to its page, used by the
// node cache as its eviction hook: flush a node's decoded state
// back to its page id before the slot is reused.
func (db *Database) flushNode(n *node) error {
	if !n.dirty {
		return nil
	}
	buf, err := encodeNode(n, db.pageSize)
	if err != nil {
		return err
	}
	if err := db.pages.WritePage(n.pageID, buf); err != nil {
		return err
	}
	n.dirty = false
	return nil
}

// newIndexID mints a random non-zero 64-bit index id.
func newIndexID() (uint64, error) {
	for {
		var b [8]byte
		if _, err := rand.Read(b[:]); err != nil {
			return 0, wrapIO("generate index id", err)
		}
		id := binary.LittleEndian.Uint64(b[:])
		if id != 0 {
			return id, nil
		}
	}
}

// CreateIndex creates (or opens, if it already exists) a named persistent
// index, recording it in the index 0 registry tree.
func (db *Database) CreateIndex(name []byte) (*Tree, error) {
	if db.closed.Load() {
		return nil, ErrClosed
	}
	if t, err := db.findIndexByName(name); err == nil && t != nil {
		return t, nil
	}
	id, err := newIndexID()
	if err != nil {
		return nil, err
	}
	rootID, err := db.alloc.alloc()
	if err != nil {
		return nil, err
	}
	root := &node{pageID: rootID, typ: typeLeaf, dirty: true}
	db.putNode(root)

	t := db.newTree(id, name, rootID, false)
	db.treesMu.Lock()
	db.trees[id] = t
	db.treesMu.Unlock()

	if err := db.registerIndex(t); err != nil {
		return nil, err
	}
	return t, nil
}

// OpenTemporaryIndex opens an unnamed index whose writes bypass redo. It is
// not recorded in the registry, so it is not reopened after a restart. It is
// not recorded in the trash tree either, and nothing frees its pages after
// an unclean shutdown.
func (db *Database) OpenTemporaryIndex() (*Tree, error) {
	id, err := newIndexID()
	if err != nil {
		return nil, err
	}
	rootID, err := db.alloc.alloc()
	if err != nil {
		return nil, err
	}
	root := &node{pageID: rootID, typ: typeLeaf, dirty: true}
	db.putNode(root)
	t := db.newTree(id, nil, rootID, true)
	db.treesMu.Lock()
	db.trees[id] = t
	db.treesMu.Unlock()
	return t, nil
}

// findIndexByName scans in-memory trees for a matching name; the registry
// persists names via registerIndex/loadRegisteredIndexes for recovery across
// restarts.
func (db *Database) findIndexByName(name []byte) (*Tree, error) {
	db.treesMu.RLock()
	defer db.treesMu.RUnlock()
	for _, t := range db.trees {
		if t.name != nil && string(t.name) == string(name) {
			return t, nil
		}
	}
	return nil, nil
}

// registerIndex persists (name -> id, rootID) into the index-0 registry
// tree using a bogus (non-transactional) cursor, mirroring how
// _FragmentedTrash entries are written outside of normal locking.
func (db *Database) registerIndex(t *Tree) error {
	reg := db.trees[registryIndexID]
	c := reg.newCursor(BogusTransaction())
	defer c.Reset()
	val := make([]byte, 16)
	binary.BigEndian.PutUint64(val[0:8], t.id)
	binary.BigEndian.PutUint64(val[8:16], uint64(t.rootID))
	return c.storeAt(t.name, val)
}

// DeleteIndex removes an index from the open set and deletes its registry
// entry, so it is not reopened after a restart. Its pages are not freed:
// neither this call nor a later checkpoint or recovery returns them to the
// allocator.
func (db *Database) DeleteIndex(t *Tree) error {
	db.treesMu.Lock()
	delete(db.trees, t.id)
	db.treesMu.Unlock()
	reg := db.trees[registryIndexID]
	if reg != nil && t.name != nil {
		c := reg.newCursor(BogusTransaction())
		defer c.Reset()
		_ = c.find(t.name)
		_ = c.Delete()
	}
	return nil
}

// treeByID returns the open Tree for id, or nil if it is not currently
// registered (e.g. already deleted).
func (db *Database) treeByID(id uint64) *Tree {
	db.treesMu.RLock()
	defer db.treesMu.RUnlock()
	return db.trees[id]
}

// Indexes returns every currently open named index, for inspection tooling
// (cmd/tuplctl inspect). The registry and trash reserved indexes are
// excluded since they hold no user data.
func (db *Database) Indexes() []*Tree {
	db.treesMu.RLock()
	defer db.treesMu.RUnlock()
	out := make([]*Tree, 0, len(db.trees))
	for id, t := range db.trees {
		if id == registryIndexID || id == trashIndexID || t.name == nil {
			continue
		}
		out = append(out, t)
	}
	return out
}

// CacheOccupancy reports the node cache's current slot count and configured
// upper bound, for inspection tooling.
func (db *Database) CacheOccupancy() (size, max int) {
	return db.cache.len(), db.opts.MaxCacheSize
}

// LockCensus reports how many distinct (index,key) locks are currently
// held across every shard, for inspection tooling.
func (db *Database) LockCensus() int {
	return db.locks.census()
}

// Begin starts a new top-level transaction with the database's default
// durability mode and lock mode.
func (db *Database) Begin() *Transaction {
	return db.newTransaction(db.opts.DurabilityMode, LockModeUpgradableRead, db.opts.LockTimeout)
}

// BeginWith starts a transaction with explicit durability/lock modes and
// lock timeout.
func (db *Database) BeginWith(dur DurabilityMode, lockMode TxnLockMode, timeout time.Duration) *Transaction {
	return db.newTransaction(dur, lockMode, timeout)
}

// Checkpoint forces an immediate checkpoint, for hosts that want a durable
// point before an orderly shutdown rather than waiting on the periodic
// timer.
func (db *Database) Checkpoint() error {
	return db.ckpt.run()
}

func (db *Database) allocTxnID() uint64 {
	return atomic.AddUint64(&db.nextTxnID, 1)
}

// currentTxnID reports the highest transaction id minted so far, persisted
// into the checkpoint header so recovery can resume numbering above it
// without risking reuse.
func (db *Database) currentTxnID() uint64 {
	return atomic.LoadUint64(&db.nextTxnID)
}

// panicked marks the database permanently unusable after a critical write
// (allocator, header, commit record) fails.
func (db *Database) panicked(cause error) {
	db.bork.Lock()
	if db.bork.err == nil {
		db.bork.err = cause
	}
	db.bork.Unlock()
	db.listener.Panic(cause)
}

func (db *Database) isPanicked() error {
	db.bork.Lock()
	defer db.bork.Unlock()
	return db.bork.err
}

// Close stops background workers and closes the underlying files. After it,
// CreateIndex and redo flushes fail with ErrClosed; other operations do not
// check whether the database is closed.
func (db *Database) Close() error {
	if !db.closed.CompareAndSwap(false, true) {
		return nil
	}
	_ = db.ckpt.run()
	db.ckpt.stop()
	db.sched.stop()
	if db.redo != nil {
		_ = db.redo.close()
	}
	if db.repl != nil {
		_ = db.repl.Close()
	}
	return db.pages.Close()
}

// String implements fmt.Stringer for diagnostics (cmd/tuplctl inspect).
func (db *Database) String() string {
	return fmt.Sprintf("tupl.Database{pageSize=%d, trees=%d}", db.pageSize, len(db.trees))
}

const headerMagic = 0x5455504C // "TUPL"

// header is the durable root pointer written to pages 0 and 1.
type header struct {
	magic        uint32
	version      uint32
	pageSize     uint32
	registryRoot int64
	trashRoot    int64
	allocRoot    int64
	redoStart    int64
	maxTxnID     uint64
	seq          uint64 // monotonically increasing; recovery trusts the higher of pages 0/1
	crc          uint32
}

func writeHeader(pages *PageArray, slot int64, h header) error {
	buf := make([]byte, pages.PageSize())
	encodeHeader(buf, h)
	return pages.WritePage(slot, buf)
}

func encodeHeader(buf []byte, h header) {
	binary.LittleEndian.PutUint32(buf[0:4], h.magic)
	binary.LittleEndian.PutUint32(buf[4:8], h.version)
	binary.LittleEndian.PutUint32(buf[8:12], h.pageSize)
	binary.LittleEndian.PutUint64(buf[12:20], uint64(h.registryRoot))
	binary.LittleEndian.PutUint64(buf[20:28], uint64(h.trashRoot))
	binary.LittleEndian.PutUint64(buf[28:36], uint64(h.allocRoot))
	binary.LittleEndian.PutUint64(buf[36:44], uint64(h.redoStart))
	binary.LittleEndian.PutUint64(buf[44:52], h.maxTxnID)
	binary.LittleEndian.PutUint64(buf[52:60], h.seq)
	crc := crc32cHeader(buf[:60])
	binary.LittleEndian.PutUint32(buf[60:64], crc)
}

func decodeHeader(buf []byte) (header, error) {
	var h header
	h.magic = binary.LittleEndian.Uint32(buf[0:4])
	if h.magic != headerMagic {
		return h, ErrCorruptDatabase
	}
	crc := binary.LittleEndian.Uint32(buf[60:64])
	if crc32cHeader(buf[:60]) != crc {
		return h, ErrCorruptDatabase
	}
	h.version = binary.LittleEndian.Uint32(buf[4:8])
	h.pageSize = binary.LittleEndian.Uint32(buf[8:12])
	h.registryRoot = int64(binary.LittleEndian.Uint64(buf[12:20]))
	h.trashRoot = int64(binary.LittleEndian.Uint64(buf[20:28]))
	h.allocRoot = int64(binary.LittleEndian.Uint64(buf[28:36]))
	h.redoStart = int64(binary.LittleEndian.Uint64(buf[36:44]))
	h.maxTxnID = binary.LittleEndian.Uint64(buf[44:52])
	h.seq = binary.LittleEndian.Uint64(buf[52:60])
	return h, nil
}

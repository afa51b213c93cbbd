package tupl

import (
	"os"
	"sync"
)

// redoWriter is the append-only redo log writer, supporting
// group commit: concurrent Commit calls append their records under a short
// critical section, and whichever goroutine happens to observe no flush
// already in flight performs one write+fsync covering everyone's buffered
// bytes at once, then wakes the rest.
//
// Grounded on aergoio/kv_log's WAL writer (aergoio/kv_log wal.go), which
// appends one record per Put/Delete directly to disk with no batching;
// generalized here into buffer-then-batch-fsync so concurrent commits don't
// each pay a full fsync: everyone waiting when the sync
// completes is released together.
type redoWriter struct {
	db *Database

	f *os.File

	mu       sync.Mutex
	cond     *sync.Cond
	pending  []byte // appended, not yet written to the OS
	writtenN int64  // bytes handed to the OS via Write so far
	syncedN  int64  // bytes confirmed durable via Sync so far
	flushing bool
	closed   bool
}

func openRedoWriter(db *Database, path string) (*redoWriter, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, wrapIO("open redo log", err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, wrapIO("stat redo log", err)
	}
	w := &redoWriter{db: db, f: f, writtenN: fi.Size(), syncedN: fi.Size()}
	w.cond = sync.NewCond(&w.mu)
	return w, nil
}

// append buffers a record without making it durable; durability is
// established by a subsequent commit call per the transaction's
// DurabilityMode.
func (w *redoWriter) append(r redoRecord) {
	w.mu.Lock()
	w.pending = append(w.pending, encodeRedoRecord(r)...)
	w.mu.Unlock()
}

func (w *redoWriter) logStore(txn *Transaction, indexID uint64, key, value []byte) {
	w.append(redoRecord{op: redoStore, txnID: txn.id, indexID: indexID, key: key, value: value})
}

func (w *redoWriter) logDelete(txn *Transaction, indexID uint64, key []byte) {
	w.append(redoRecord{op: redoDelete, txnID: txn.id, indexID: indexID, key: key})
}

// logValueWrite records a positional write against a fragmented value so it
// survives a crash between the write and the owning transaction's commit.
func (w *redoWriter) logValueWrite(txn *Transaction, indexID uint64, key []byte, pos int64, buf []byte) {
	w.append(redoRecord{op: redoValueWrite, txnID: txn.id, indexID: indexID, key: key, value: buf, pos: pos})
}

// logValueSetLength records a positional truncate/extend of a fragmented
// value.
func (w *redoWriter) logValueSetLength(txn *Transaction, indexID uint64, key []byte, length int64) {
	w.append(redoRecord{op: redoValueSetLength, txnID: txn.id, indexID: indexID, key: key, pos: length})
}

// logCursorRegister/logCursorUnregister record a durable cursor id binding,
// for hosts that track cursor position across redo records independent of
// any one transaction's positional writes (which log directly against
// (indexID, key) rather than through a cursor id; see redoValueWrite).
func (w *redoWriter) logCursorRegister(indexID uint64, key []byte, cursorID uint64) {
	w.append(redoRecord{op: redoCursorRegister, indexID: indexID, key: key, cursorID: cursorID})
}

func (w *redoWriter) logCursorUnregister(cursorID uint64) {
	w.append(redoRecord{op: redoCursorUnregister, cursorID: cursorID})
}

// commit appends a commit marker for txn and, depending on its durability
// mode, waits for the marker to reach the OS (NoSync), reach stable storage
// (Sync), or does neither (NoFlush — the record becomes durable only at the
// next checkpoint or timer-driven flush).
func (w *redoWriter) commit(txn *Transaction) error {
	w.mu.Lock()
	w.pending = append(w.pending, encodeRedoRecord(redoRecord{op: redoTxnCommit, txnID: txn.id})...)
	target := int64(len(w.pending)) + w.writtenN
	w.mu.Unlock()

	switch txn.durability {
	case DurabilityNoFlush:
		return nil
	case DurabilityNoSync:
		return w.flushTo(target, false)
	default: // DurabilitySync
		return w.flushTo(target, true)
	}
}

// flushTo ensures at least target bytes have been written (and, if sync is
// true, fsynced), performing group commit: a goroutine that finds a flush
// already in progress just waits for it rather than starting a second one.
func (w *redoWriter) flushTo(target int64, wantSync bool) error {
	w.mu.Lock()
	for {
		if w.closed {
			w.mu.Unlock()
			return ErrClosed
		}
		have := w.writtenN
		if wantSync {
			have = w.syncedN
		}
		if have >= target {
			w.mu.Unlock()
			return nil
		}
		if !w.flushing {
			w.flushing = true
			break
		}
		w.cond.Wait()
	}
	batch := w.pending
	w.pending = nil
	w.mu.Unlock()

	var err error
	if len(batch) > 0 {
		_, werr := w.f.Write(batch)
		err = werr
	}
	if err == nil {
		w.mu.Lock()
		w.writtenN += int64(len(batch))
		w.mu.Unlock()
	}
	if err == nil && wantSync {
		if serr := w.f.Sync(); serr != nil {
			err = serr
		} else {
			w.mu.Lock()
			w.syncedN = w.writtenN
			w.mu.Unlock()
		}
	}

	w.mu.Lock()
	w.flushing = false
	if err != nil {
		w.db.panicked(wrapIO("flush redo log", err))
	}
	w.cond.Broadcast()
	w.mu.Unlock()
	return err
}

// flushAll is used by the checkpointer to durably flush every buffered
// record regardless of individual transactions' durability modes, ahead of
// writing a new checkpoint.
func (w *redoWriter) flushAll() error {
	w.mu.Lock()
	target := int64(len(w.pending)) + w.writtenN
	w.mu.Unlock()
	return w.flushTo(target, true)
}

// truncate discards redo records preceding a successful checkpoint; in this
// single-file implementation that means starting a fresh log file once the
// checkpoint that subsumes it is durable, since the portion of the redo log
// preceding the checkpoint is now obsolete.
func (w *redoWriter) truncate(path string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.f.Close(); err != nil {
		return wrapIO("close redo log for truncate", err)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return wrapIO("recreate redo log", err)
	}
	w.f = f
	w.pending = nil
	w.writtenN = 0
	w.syncedN = 0
	return nil
}

func (w *redoWriter) close() error {
	flushErr := w.flushAll()
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	w.cond.Broadcast()
	if err := w.f.Close(); err != nil {
		return wrapIO("close redo log", err)
	}
	return flushErr
}

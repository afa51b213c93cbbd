package tupl

import (
	"io"
	"os"
	"sync"
)

// PageArray is a fixed-size-page random-access block device over a file (or
// memory). Page size is fixed at creation. A write followed by
// Sync(true) is durable; absent a sync, only writes preceding a previously
// successful sync are guaranteed durable.
//
// Grounded on aergoio/kv_log's page read/write plumbing (aergoio/kv_log db.go:
// readPage, writeIndexPage, writeToIndexFile, readFromIndexFile), which
// grows the backing file on write and treats page index 0 as the start of
// the addressable range exactly as this does.
type PageArray struct {
	mu       sync.Mutex
	file     *os.File
	pageSize int
	pages    int64 // pageCount, cached; authoritative once file length is known
	readOnly bool

	hooks []snapshotHook // registered pre-image capture hooks, see snapshot.go
}

// snapshotHook is the pre-image capture callback a Snapshot registers with
// OpenPageArray so that writePage can offer the original bytes of a page
// before overwriting it, for snapshot fan-out.
type snapshotHook interface {
	capture(index int64, original []byte)
	// shouldCapture reports whether this hook still needs a pre-image of
	// the given page index, without performing the capture.
	shouldCapture(index int64) bool
}

// OpenPageArray opens (creating if necessary) a fixed-page file-backed
// array. pageSize must be a power of two >= 512.
func OpenPageArray(path string, pageSize int, readOnly bool) (*PageArray, error) {
	if pageSize < 512 || pageSize&(pageSize-1) != 0 {
		return nil, ErrIllegalArgument
	}
	flags := os.O_RDWR | os.O_CREATE
	if readOnly {
		flags = os.O_RDONLY
	}
	f, err := os.OpenFile(path, flags, 0o600)
	if err != nil {
		return nil, wrapIO("open page file", err)
	}
	pa := &PageArray{file: f, pageSize: pageSize, readOnly: readOnly}
	if err := pa.refreshPageCount(); err != nil {
		f.Close()
		return nil, err
	}
	return pa, nil
}

func (pa *PageArray) refreshPageCount() error {
	info, err := pa.file.Stat()
	if err != nil {
		return wrapIO("stat page file", err)
	}
	pa.pages = info.Size() / int64(pa.pageSize)
	return nil
}

// PageSize returns the fixed page size in bytes.
func (pa *PageArray) PageSize() int { return pa.pageSize }

// PageCount returns the current number of addressable pages.
func (pa *PageArray) PageCount() int64 {
	pa.mu.Lock()
	defer pa.mu.Unlock()
	return pa.pages
}

// SetPageCount grows or truncates the array to exactly n pages.
func (pa *PageArray) SetPageCount(n int64) error {
	pa.mu.Lock()
	defer pa.mu.Unlock()
	if pa.readOnly {
		return ErrReadOnly
	}
	if err := pa.file.Truncate(n * int64(pa.pageSize)); err != nil {
		return wrapIO("truncate page file", err)
	}
	pa.pages = n
	return nil
}

// ReadPage reads one full page into the start of buf (which must be >=
// PageSize); ReadPartial reads at an offset within buf.
func (pa *PageArray) ReadPage(index int64, buf []byte) error {
	return pa.ReadPartial(index, 0, buf, 0, pa.pageSize)
}

// ReadPartial reads length bytes of page index, starting at byte start
// within the page, into buf[off:off+length].
func (pa *PageArray) ReadPartial(index int64, start int, buf []byte, off, length int) error {
	if index < 0 {
		return ErrIllegalArgument
	}
	offset := index*int64(pa.pageSize) + int64(start)
	n, err := pa.file.ReadAt(buf[off:off+length], offset)
	if err != nil {
		if err == io.EOF && n == length {
			return nil
		}
		if n < length {
			// Reading beyond the durable tail of a sparse file is
			// treated as an all-zero page, matching COW allocation of
			// not-yet-written pages.
			for i := n; i < length; i++ {
				buf[off+i] = 0
			}
			return nil
		}
		return wrapIO("read page", err)
	}
	return nil
}

// ReadCluster reads count consecutive pages starting at index into buf.
func (pa *PageArray) ReadCluster(index int64, buf []byte, off, count int) error {
	for i := 0; i < count; i++ {
		if err := pa.ReadPage(index+int64(i), buf[off+i*pa.pageSize:]); err != nil {
			return err
		}
	}
	return nil
}

// WritePage writes one full page from buf, growing the array if index is
// beyond the current page count. Before the write reaches the device, any
// registered snapshot hook is offered the chance to capture the page's
// current contents, for snapshot fan-out.
func (pa *PageArray) WritePage(index int64, buf []byte) error {
	return pa.WritePageOffset(index, buf, 0)
}

// WritePageOffset writes PageSize bytes from buf[off:] to page index.
func (pa *PageArray) WritePageOffset(index int64, buf []byte, off int) error {
	if pa.readOnly {
		return ErrReadOnly
	}
	pa.mu.Lock()
	hooks := pa.hooks
	pa.mu.Unlock()

	if len(hooks) > 0 {
		pa.offerPreImage(index, hooks)
	}

	offset := index * int64(pa.pageSize)
	if _, err := pa.file.WriteAt(buf[off:off+pa.pageSize], offset); err != nil {
		return wrapIO("write page", err)
	}

	pa.mu.Lock()
	if index >= pa.pages {
		pa.pages = index + 1
	}
	pa.mu.Unlock()
	return nil
}

// offerPreImage reads the current on-disk contents of index (if any hook
// still wants it) and hands it to every hook that needs it.
func (pa *PageArray) offerPreImage(index int64, hooks []snapshotHook) {
	var need bool
	for _, h := range hooks {
		if h.shouldCapture(index) {
			need = true
			break
		}
	}
	if !need {
		return
	}
	orig := make([]byte, pa.pageSize)
	_ = pa.ReadPage(index, orig)
	for _, h := range hooks {
		if h.shouldCapture(index) {
			h.capture(index, orig)
		}
	}
}

// registerSnapshotHook adds a hook that is consulted on every WritePage.
func (pa *PageArray) registerSnapshotHook(h snapshotHook) {
	pa.mu.Lock()
	pa.hooks = append(pa.hooks, h)
	pa.mu.Unlock()
}

// unregisterSnapshotHook removes a previously registered hook.
func (pa *PageArray) unregisterSnapshotHook(h snapshotHook) {
	pa.mu.Lock()
	defer pa.mu.Unlock()
	for i, x := range pa.hooks {
		if x == h {
			pa.hooks = append(pa.hooks[:i], pa.hooks[i+1:]...)
			return
		}
	}
}

// Sync flushes writes to stable storage. When metadata is true, file
// metadata (size) is synced too, matching the durability invariant.
func (pa *PageArray) Sync(metadata bool) error {
	if pa.readOnly {
		return nil
	}
	if err := pa.file.Sync(); err != nil {
		return wrapIO("sync page file", err)
	}
	return nil
}

// Close closes the underlying file.
func (pa *PageArray) Close() error {
	return pa.file.Close()
}

// RestoreFromSnapshot writes consecutive pages read from r beginning at
// index 0, refusing to run on a non-empty or read-only array.
func (pa *PageArray) RestoreFromSnapshot(r io.Reader) error {
	if pa.readOnly {
		return ErrReadOnly
	}
	if pa.PageCount() != 0 {
		return ErrIllegalArgument
	}
	buf := make([]byte, pa.pageSize)
	var index int64
	for {
		n, err := io.ReadFull(r, buf)
		if n == pa.pageSize {
			if werr := pa.WritePage(index, buf); werr != nil {
				return werr
			}
			index++
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return wrapIO("restore snapshot", err)
		}
	}
	return pa.Sync(true)
}

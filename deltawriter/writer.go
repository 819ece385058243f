// Package deltawriter captures copy-on-write pre-images of dirty pages
// while a snapshot window is open. One Writer is created per participating
// partition for the lifetime of one SnapshotTask.
//
// The per-page "have we already captured this one" check is the hot path:
// it runs on every dirty-page flush for the life of the checkpoint, so it
// is implemented as an atomic bitset rather than guarded by the same mutex
// that serializes file appends. Each check still takes the shared (read)
// side of the RWMutex that guards bitmap growth, so it is not lock-free:
// it waits while another caller is growing the bitmap.
package deltawriter

import (
	"os"
	"sync"
	"sync/atomic"

	"github.com/mantisdb/snapcluster/pagestore"
	"github.com/mantisdb/snapcluster/snaperr"
)

const wordBits = 64

// Writer appends whole-page pre-images to a delta file, capturing each
// page's PageId exactly once per snapshot window. Ordering within the
// delta file is unspecified: only the set of captured pre-images matters,
// since reconstruction re-writes each page by its embedded PageId.
type Writer struct {
	partitionID int32
	groupID     int32
	pageSize    int
	path        string

	bitmapMu sync.RWMutex // guards growth of bitmap itself, not individual bits
	bitmap   []uint64

	appendMu sync.Mutex // serializes file appends; the bitset CAS is what's hot
	file     *os.File
	captured uint64 // count of pages captured, for stats/testing
}

// Open creates (truncating any prior content) the delta file for a
// partition and returns a Writer ready to capture pre-images.
func Open(groupID, partitionID int32, deltaPath string, pageSize int) (*Writer, error) {
	f, err := os.OpenFile(deltaPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, snaperr.Wrap(snaperr.CodeStorageFailed, "deltawriter.Open", deltaPath, err)
	}
	return &Writer{
		groupID:     groupID,
		partitionID: partitionID,
		pageSize:    pageSize,
		path:        deltaPath,
		bitmap:      make([]uint64, 64),
		file:        f,
	}, nil
}

// Path returns the delta file path.
func (w *Writer) Path() string { return w.path }

// CapturedCount returns the number of distinct pages captured so far.
func (w *Writer) CapturedCount() uint64 {
	return atomic.LoadUint64(&w.captured)
}

func (w *Writer) ensureCapacity(word int) {
	w.bitmapMu.RLock()
	ok := word < len(w.bitmap)
	w.bitmapMu.RUnlock()
	if ok {
		return
	}

	w.bitmapMu.Lock()
	defer w.bitmapMu.Unlock()
	if word < len(w.bitmap) {
		return
	}
	newLen := len(w.bitmap) * 2
	for newLen <= word {
		newLen *= 2
	}
	grown := make([]uint64, newLen)
	copy(grown, w.bitmap)
	w.bitmap = grown
}

// tryCapture sets the bit for idx if unset, returning true iff this call
// was the one that set it (i.e. the first capture of this page).
func (w *Writer) tryCapture(idx uint32) bool {
	word := int(idx / wordBits)
	w.ensureCapacity(word)
	bit := uint64(1) << (idx % wordBits)

	w.bitmapMu.RLock()
	defer w.bitmapMu.RUnlock()
	slot := &w.bitmap[word]
	for {
		old := atomic.LoadUint64(slot)
		if old&bit != 0 {
			return false
		}
		if atomic.CompareAndSwapUint64(slot, old, old|bit) {
			return true
		}
	}
}

// OnPageWrite is invoked by the checkpoint writer under the page's write
// lock, before the dirty page is persisted to the live partition file. If
// pageID has already been captured in this window the call is a no-op;
// otherwise preImage (a full, already-checksummed page) is appended to the
// delta file.
func (w *Writer) OnPageWrite(pageID pagestore.PageID, preImage []byte) error {
	if len(preImage) != w.pageSize {
		return snaperr.New(snaperr.CodeStorageFailed, "deltawriter.OnPageWrite", w.path)
	}

	idx := pagestore.PageIndex(pageID)
	if !w.tryCapture(idx) {
		return nil
	}

	w.appendMu.Lock()
	defer w.appendMu.Unlock()
	if _, err := w.file.Write(preImage); err != nil {
		return snaperr.Wrap(snaperr.CodeStorageFailed, "deltawriter.OnPageWrite", w.path, err)
	}
	atomic.AddUint64(&w.captured, 1)
	return nil
}

// Close flushes and closes the delta file. The resulting file's size is
// always a multiple of page size since only whole pages are ever appended.
func (w *Writer) Close() error {
	w.appendMu.Lock()
	defer w.appendMu.Unlock()
	if err := w.file.Sync(); err != nil {
		w.file.Close()
		return snaperr.Wrap(snaperr.CodeStorageFailed, "deltawriter.Close", w.path, err)
	}
	return w.file.Close()
}

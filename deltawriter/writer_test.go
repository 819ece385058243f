package deltawriter

import (
	"path/filepath"
	"sync"
	"testing"

	"github.com/mantisdb/snapcluster/pagestore"
)

func makePage(id pagestore.PageID, pageSize int) []byte {
	buf := make([]byte, pageSize)
	pagestore.EncodeHeader(buf, id)
	return buf
}

func TestOnPageWriteCapturesOncePerPage(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(1, 0, filepath.Join(dir, "part-0.bin.delta"), 4096)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer w.Close()

	page := makePage(pagestore.PageID(7), 4096)

	if err := w.OnPageWrite(pagestore.PageID(7), page); err != nil {
		t.Fatalf("first OnPageWrite failed: %v", err)
	}
	if err := w.OnPageWrite(pagestore.PageID(7), page); err != nil {
		t.Fatalf("second OnPageWrite (dedup) failed: %v", err)
	}

	if got := w.CapturedCount(); got != 1 {
		t.Errorf("CapturedCount() = %d, want 1 (duplicate capture must be a no-op)", got)
	}
}

func TestOnPageWriteConcurrentDedup(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(1, 0, filepath.Join(dir, "part-0.bin.delta"), 4096)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer w.Close()

	page := makePage(pagestore.PageID(100), 4096)

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := w.OnPageWrite(pagestore.PageID(100), page); err != nil {
				t.Errorf("concurrent OnPageWrite failed: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := w.CapturedCount(); got != 1 {
		t.Errorf("CapturedCount() = %d, want exactly 1 under concurrent writers", got)
	}
}

func TestOnPageWriteCapturesHighPageIndexGrowsBitmap(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(1, 0, filepath.Join(dir, "part-0.bin.delta"), 4096)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer w.Close()

	page := makePage(pagestore.PageID(10000), 4096)
	if err := w.OnPageWrite(pagestore.PageID(10000), page); err != nil {
		t.Fatalf("OnPageWrite beyond initial bitmap capacity failed: %v", err)
	}
	if got := w.CapturedCount(); got != 1 {
		t.Errorf("CapturedCount() = %d, want 1", got)
	}
}

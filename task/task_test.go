package task

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/mantisdb/snapcluster/deltawriter"
	"github.com/mantisdb/snapcluster/logging"
	"github.com/mantisdb/snapcluster/pagestore"
	"github.com/mantisdb/snapcluster/sender"
	"github.com/mantisdb/snapcluster/snaperr"
	"github.com/mantisdb/snapcluster/workerpool"
)

const testPageSize = 4096

func testLogger() *logging.Logger {
	return logging.New(logging.Config{Level: logging.Error})
}

type fakeHost struct {
	mu       sync.Mutex
	dir      string
	cacheDir string
	partSize int64
}

func newFakeHost(t *testing.T) *fakeHost {
	return &fakeHost{dir: t.TempDir(), cacheDir: "cache-a", partSize: int64(testPageSize)}
}

func (h *fakeHost) LocalGroups() ([]int32, error) { return []int32{1}, nil }

func (h *fakeHost) LocalPartitions(groupID int32, requested []int32) ([]int32, error) {
	if len(requested) > 0 {
		return requested, nil
	}
	return []int32{0}, nil
}

func (h *fakeHost) PartitionStorePath(groupID, partitionID int32) (string, int64, error) {
	path := filepath.Join(h.dir, "part.bin")
	page := make([]byte, testPageSize)
	pagestore.EncodeHeader(page, pagestore.PageID(0))
	if err := os.WriteFile(path, page, 0644); err != nil {
		return "", 0, err
	}
	return path, h.partSize, nil
}

func (h *fakeHost) CacheConfigs(groupID int32) (map[string]string, error) {
	cfgPath := filepath.Join(h.dir, "cache.cfg")
	if err := os.WriteFile(cfgPath, []byte("cfg"), 0644); err != nil {
		return nil, err
	}
	return map[string]string{h.cacheDir: cfgPath}, nil
}

func (h *fakeHost) CacheDirFor(groupID, partitionID int32) (string, error) {
	return h.cacheDir, nil
}

func (h *fakeHost) TypeMetadata() ([]byte, error)    { return []byte("types"), nil }
func (h *fakeHost) MappingMetadata() ([]byte, error) { return []byte("mappings"), nil }

func (h *fakeHost) InstallDeltaWriter(groupID, partitionID int32, deltaPath string, pageSize int) (*deltawriter.Writer, error) {
	return deltawriter.Open(groupID, partitionID, deltaPath, pageSize)
}

func (h *fakeHost) RemoveDeltaWriter(groupID, partitionID int32) {}

type fakeScheduler struct {
	fn func()
	// when failRegister is set, RegisterForNextCheckpoint fails instead of
	// capturing fn.
	failRegister bool
}

func (s *fakeScheduler) RegisterForNextCheckpoint(name string, onCheckpoint func()) error {
	if s.failRegister {
		return os.ErrExist
	}
	s.fn = onCheckpoint
	return nil
}

// fakeSender records the call sequence for ordering assertions.
type fakeSender struct {
	mu       sync.Mutex
	calls    []string
	closed   bool
	closeErr error
}

func (f *fakeSender) record(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
}

func (f *fakeSender) Init(totalParts uint32) error { f.record("init"); return nil }
func (f *fakeSender) SendCacheConfig(cfgFile, cacheDir string) error {
	f.record("cache_config")
	return nil
}
func (f *fakeSender) SendTypeMetadata(types []byte) error {
	f.record("type_meta")
	return nil
}
func (f *fakeSender) SendMappingMetadata(mappings []byte) error {
	f.record("mapping_meta")
	return nil
}
func (f *fakeSender) SendPart(file, cacheDir string, part sender.PartitionID, length int64) error {
	f.record("send_part")
	return nil
}
func (f *fakeSender) SendDelta(deltaFile, cacheDir string, part sender.PartitionID) error {
	f.record("send_delta")
	return nil
}
func (f *fakeSender) Close(err error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.closeErr = err
	f.calls = append(f.calls, "close")
	return nil
}

func waitFor(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for task")
	}
}

func TestTaskHappyPathOrdering(t *testing.T) {
	pool := workerpool.New(2)
	defer pool.Close()

	fs := &fakeSender{}
	host := newFakeHost(t)
	sched := &fakeScheduler{}

	tk := New(Config{
		SnapshotName: "snap1",
		Parts:        []GroupParts{{GroupID: 1}},
		Sender:       fs,
		Host:         host,
		Pool:         pool,
		PageSize:     testPageSize,
		Log:          testLogger(),
	})

	if err := tk.Schedule(sched); err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}
	if sched.fn == nil {
		t.Fatal("scheduler did not capture the checkpoint callback")
	}

	done := make(chan struct{})
	go func() {
		sched.fn()
		tk.AwaitStarted()
		close(done)
	}()
	waitFor(t, done)

	if tk.Err() != nil {
		t.Fatalf("unexpected task error after start: %v", tk.Err())
	}

	tk.AwaitDone()

	if tk.State() != Done {
		t.Errorf("State() = %v, want Done", tk.State())
	}

	fs.mu.Lock()
	calls := append([]string(nil), fs.calls...)
	fs.mu.Unlock()

	want := []string{"init", "cache_config", "type_meta", "mapping_meta", "send_part", "send_delta", "close"}
	if len(calls) != len(want) {
		t.Fatalf("calls = %v, want %v", calls, want)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Errorf("calls[%d] = %q, want %q (full: %v)", i, calls[i], want[i], calls)
		}
	}
	if !fs.closed || fs.closeErr != nil {
		t.Errorf("sender should close with nil error, closed=%v err=%v", fs.closed, fs.closeErr)
	}
}

func TestTaskScheduleTwiceFailsAlreadyScheduled(t *testing.T) {
	pool := workerpool.New(1)
	defer pool.Close()

	tk := New(Config{
		SnapshotName: "snap2",
		Sender:       &fakeSender{},
		Host:         newFakeHost(t),
		Pool:         pool,
		PageSize:     testPageSize,
		Log:          testLogger(),
	})

	sched := &fakeScheduler{}
	if err := tk.Schedule(sched); err != nil {
		t.Fatalf("first Schedule failed: %v", err)
	}
	err := tk.Schedule(sched)
	if err == nil {
		t.Fatal("second Schedule should fail")
	}
	if code, ok := snaperr.CodeOf(err); !ok || code != snaperr.CodeAlreadyScheduled {
		t.Errorf("Schedule error code = %v, want CodeAlreadyScheduled", code)
	}
}

func TestTaskCancelBeforeStartPreventsBody(t *testing.T) {
	pool := workerpool.New(1)
	defer pool.Close()

	fs := &fakeSender{}
	tk := New(Config{
		SnapshotName: "snap3",
		Parts:        []GroupParts{{GroupID: 1}},
		Sender:       fs,
		Host:         newFakeHost(t),
		Pool:         pool,
		PageSize:     testPageSize,
		Log:          testLogger(),
	})

	sched := &fakeScheduler{}
	if err := tk.Schedule(sched); err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}

	tk.Cancel()
	sched.fn()
	tk.AwaitStarted()

	if tk.State() != Cancelled {
		t.Errorf("State() = %v, want Cancelled", tk.State())
	}

	fs.mu.Lock()
	calls := len(fs.calls)
	fs.mu.Unlock()
	if calls != 0 {
		t.Errorf("sender should not have been invoked, got %d calls", calls)
	}
}

func TestTaskCancelUnblocksWaitersWithoutCheckpoint(t *testing.T) {
	pool := workerpool.New(1)
	defer pool.Close()

	tk := New(Config{
		SnapshotName: "snap5",
		Parts:        []GroupParts{{GroupID: 1}},
		Sender:       &fakeSender{},
		Host:         newFakeHost(t),
		Pool:         pool,
		PageSize:     testPageSize,
		Log:          testLogger(),
	})

	// The checkpoint never fires: the scheduler captures the callback and
	// drops it. Cancel must still release both waiters.
	if err := tk.Schedule(&fakeScheduler{}); err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}
	tk.Cancel()

	done := make(chan struct{})
	go func() {
		tk.AwaitStarted()
		tk.AwaitDone()
		close(done)
	}()
	waitFor(t, done)

	if tk.State() != Cancelled {
		t.Errorf("State() = %v, want Cancelled", tk.State())
	}
}

func TestTaskScheduleRegistrationFailure(t *testing.T) {
	pool := workerpool.New(1)
	defer pool.Close()

	tk := New(Config{
		SnapshotName: "snap4",
		Sender:       &fakeSender{},
		Host:         newFakeHost(t),
		Pool:         pool,
		PageSize:     testPageSize,
		Log:          testLogger(),
	})

	err := tk.Schedule(&fakeScheduler{failRegister: true})
	if err == nil {
		t.Fatal("Schedule should fail when registration fails")
	}
	if tk.State() != Failed {
		t.Errorf("State() = %v, want Failed", tk.State())
	}
}

package engine

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/mantisdb/snapcluster/config"
	"github.com/mantisdb/snapcluster/deltawriter"
	"github.com/mantisdb/snapcluster/logging"
	"github.com/mantisdb/snapcluster/pagestore"
	"github.com/mantisdb/snapcluster/sender"
	"github.com/mantisdb/snapcluster/snaperr"
	"github.com/mantisdb/snapcluster/task"
)

const testPageSize = 4096

func testLogger() *logging.Logger {
	return logging.New(logging.Config{Level: logging.Error})
}

func testConfig(t *testing.T) *config.EngineConfig {
	cfg := config.Default()
	cfg.Storage.SnapshotRoot = filepath.Join(t.TempDir(), "snapshots")
	cfg.Storage.TempWorkDir = filepath.Join(t.TempDir(), "tmp")
	cfg.Storage.PageSize = testPageSize
	cfg.Worker.PoolSize = 2
	return cfg
}

// fakeHost is a minimal GroupHost: one partition per group, backed by a
// single page store file reused across calls, optionally gated on
// CacheConfigs so tests can observe a snapshot task mid-flight.
type fakeHost struct {
	dir      string
	cacheDir string

	proceed   chan struct{}
	entered   chan struct{}
	enterOnce sync.Once
}

func newFakeHost(t *testing.T) *fakeHost {
	return &fakeHost{dir: t.TempDir(), cacheDir: "cache-a"}
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
	return path, int64(testPageSize), nil
}

func (h *fakeHost) CacheConfigs(groupID int32) (map[string]string, error) {
	if h.entered != nil {
		h.enterOnce.Do(func() { close(h.entered) })
	}
	if h.proceed != nil {
		<-h.proceed
	}
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

func (h *fakeHost) AcquireCheckpointReadLock() (func(), error) {
	return func() {}, nil
}

type fakeConsumer struct {
	mu    sync.Mutex
	ready []sender.PartitionID
}

func (c *fakeConsumer) OnPartitionReady(part sender.PartitionID, localPath string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ready = append(c.ready, part)
	return nil
}

func waitOrTimeout(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting")
	}
}

func TestCreateSnapshotWritesLocalSnapshotTree(t *testing.T) {
	cfg := testConfig(t)
	host := newFakeHost(t)

	eng, err := New(cfg, host, "node1", nil, nil, testLogger())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	future, err := eng.CreateSnapshot("snap1", []int32{1})
	if err != nil {
		t.Fatalf("CreateSnapshot failed: %v", err)
	}
	if err := future.Wait(); err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}

	partPath := filepath.Join(cfg.Storage.SnapshotRoot, "snap1", "db", "node1", host.cacheDir, "part-0.bin")
	if _, err := os.Stat(partPath); err != nil {
		t.Errorf("expected partition file at %s: %v", partPath, err)
	}
	typesPath := filepath.Join(cfg.Storage.SnapshotRoot, "snap1", "binary_meta", "types.bin")
	if _, err := os.Stat(typesPath); err != nil {
		t.Errorf("expected type metadata at %s: %v", typesPath, err)
	}

	names := eng.GetSnapshots()
	if len(names) != 1 || names[0] != "snap1" {
		t.Errorf("GetSnapshots() = %v, want [snap1]", names)
	}
	if eng.IsSnapshotCreating() {
		t.Error("IsSnapshotCreating() should be false once the snapshot future has resolved")
	}
}

func TestCreateSnapshotNameExistsOnRepeat(t *testing.T) {
	cfg := testConfig(t)
	host := newFakeHost(t)
	eng, err := New(cfg, host, "node1", nil, nil, testLogger())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	future, err := eng.CreateSnapshot("snap1", []int32{1})
	if err != nil {
		t.Fatalf("CreateSnapshot failed: %v", err)
	}
	if err := future.Wait(); err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}

	if _, err := eng.CreateSnapshot("snap1", []int32{1}); err == nil {
		t.Fatal("repeat CreateSnapshot should fail")
	} else if code, ok := snaperr.CodeOf(err); !ok || code != snaperr.CodeNameExists {
		t.Errorf("error code = %v, want CodeNameExists", code)
	}
}

func TestCreateSnapshotRejectsConcurrentAdmission(t *testing.T) {
	cfg := testConfig(t)
	host := newFakeHost(t)
	host.proceed = make(chan struct{})
	host.entered = make(chan struct{})

	eng, err := New(cfg, host, "node1", nil, nil, testLogger())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	future1, err := eng.CreateSnapshot("snap1", []int32{1})
	if err != nil {
		t.Fatalf("first CreateSnapshot failed: %v", err)
	}
	waitOrTimeout(t, host.entered)

	if _, err := eng.CreateSnapshot("snap2", []int32{1}); err == nil {
		t.Fatal("concurrent CreateSnapshot should fail while snap1 is in flight")
	} else if code, ok := snaperr.CodeOf(err); !ok || code != snaperr.CodeAlreadyInProgress {
		t.Errorf("error code = %v, want CodeAlreadyInProgress", code)
	}

	close(host.proceed)
	if err := future1.Wait(); err != nil {
		t.Fatalf("snap1 should have succeeded once unblocked: %v", err)
	}
}

func TestOnCacheGroupsStoppedAbortsLiveLocalTask(t *testing.T) {
	cfg := testConfig(t)
	host := newFakeHost(t)
	host.proceed = make(chan struct{})
	host.entered = make(chan struct{})

	eng, err := New(cfg, host, "node1", nil, nil, testLogger())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	future, err := eng.CreateSnapshot("snapX", []int32{1})
	if err != nil {
		t.Fatalf("CreateSnapshot failed: %v", err)
	}
	waitOrTimeout(t, host.entered)

	eng.OnCacheGroupsStopped([]int32{1})
	close(host.proceed)

	if err := future.Wait(); err == nil {
		t.Fatal("expected the snapshot to fail after its cache group was stopped")
	}

	// END phase: the failed snapshot's directory is gone and the
	// in-progress marker is cleared, so nothing lingers for recovery.
	if _, err := os.Stat(filepath.Join(cfg.Storage.SnapshotRoot, "snapX")); !os.IsNotExist(err) {
		t.Errorf("failed snapshot directory should have been deleted, stat err = %v", err)
	}
	if names := eng.GetSnapshots(); len(names) != 0 {
		t.Errorf("GetSnapshots() = %v, want empty after a failed snapshot", names)
	}
}

func TestCreateRemoteSnapshotInvokesConsumerPerPartition(t *testing.T) {
	cfg := testConfig(t)
	host := newFakeHost(t)
	eng, err := New(cfg, host, "node1", nil, nil, testLogger())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	consumer := &fakeConsumer{}
	parts := []task.GroupParts{{GroupID: 1, PartitionIDs: []int32{0, 1}}}

	future, err := eng.CreateRemoteSnapshot("nodeB", parts, consumer)
	if err != nil {
		t.Fatalf("CreateRemoteSnapshot failed: %v", err)
	}
	if err := future.Wait(); err != nil {
		t.Fatalf("remote snapshot failed: %v", err)
	}

	consumer.mu.Lock()
	got := len(consumer.ready)
	consumer.mu.Unlock()
	if got != 2 {
		t.Errorf("consumer invoked %d times, want 2", got)
	}
}

func TestOnSnapshotRequestRefusedDuringShutdown(t *testing.T) {
	cfg := testConfig(t)
	host := newFakeHost(t)
	eng, err := New(cfg, host, "node1", nil, nil, testLogger())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	eng.Shutdown(time.Second)

	resp := eng.OnSnapshotRequest("nodeX", SnapshotRequest{RequestID: "r1", Name: "remote-r1"}, nil)
	if resp.ErrorMessage == "" {
		t.Fatal("OnSnapshotRequest should be refused while shutting down")
	}

	if _, err := eng.CreateRemoteSnapshot("nodeB", nil, &fakeConsumer{}); err == nil {
		t.Fatal("CreateRemoteSnapshot should fail while shutting down")
	} else if code, ok := snaperr.CodeOf(err); !ok || code != snaperr.CodeShuttingDown {
		t.Errorf("error code = %v, want CodeShuttingDown", code)
	}
}

func TestCreateRemoteSnapshotSecondRequestCancelsFirst(t *testing.T) {
	cfg := testConfig(t)
	host := newFakeHost(t)
	host.proceed = make(chan struct{})
	host.entered = make(chan struct{})

	eng, err := New(cfg, host, "node1", nil, nil, testLogger())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	parts := []task.GroupParts{{GroupID: 1, PartitionIDs: []int32{0}}}
	first, err := eng.CreateRemoteSnapshot("nodeB", parts, &fakeConsumer{})
	if err != nil {
		t.Fatalf("first CreateRemoteSnapshot failed: %v", err)
	}
	waitOrTimeout(t, host.entered)

	host2 := newFakeHost(t)
	eng2nd, err := eng.CreateRemoteSnapshot("nodeB", []task.GroupParts{{GroupID: 1, PartitionIDs: []int32{0}}}, &fakeConsumer{})
	_ = host2
	if err != nil {
		t.Fatalf("second CreateRemoteSnapshot failed: %v", err)
	}

	close(host.proceed)

	if err := first.Wait(); err == nil {
		t.Fatal("first remote snapshot should be cancelled by the second request")
	} else if code, ok := snaperr.CodeOf(err); !ok || code != snaperr.CodeTransferCancelled {
		t.Errorf("first error code = %v, want CodeTransferCancelled", code)
	}

	if err := eng2nd.Wait(); err != nil {
		t.Fatalf("second remote snapshot should succeed: %v", err)
	}
}

// Package task implements SnapshotTask, the per-node unit of work that
// registers with the checkpoint subsystem, installs DeltaWriters at the
// checkpoint boundary, and drives a sender.Sender through its fixed
// lifecycle. A task is an asynchronous, cancellable multi-partition job:
// the first failure poisons it, later failures are dropped.
package task

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/mantisdb/snapcluster/deltawriter"
	"github.com/mantisdb/snapcluster/logging"
	"github.com/mantisdb/snapcluster/sender"
	"github.com/mantisdb/snapcluster/snaperr"
	"github.com/mantisdb/snapcluster/workerpool"
)

// State is a SnapshotTask's position in its lifecycle.
type State int

const (
	Init State = iota
	Scheduled
	Started
	Copying
	SendingDelta
	Done
	Failed
	Cancelled
)

func (s State) String() string {
	switch s {
	case Init:
		return "INIT"
	case Scheduled:
		return "SCHEDULED"
	case Started:
		return "STARTED"
	case Copying:
		return "COPYING"
	case SendingDelta:
		return "SENDING_DELTA"
	case Done:
		return "DONE"
	case Failed:
		return "FAILED"
	case Cancelled:
		return "CANCELLED"
	default:
		return "UNKNOWN"
	}
}

func (s State) terminal() bool { return s == Done || s == Failed || s == Cancelled }

// Host is the narrow capability interface task needs from the external
// cache-processor collaborator: enumerate partitions, read cache configs
// and global metadata, and install/remove a DeltaWriter for the snapshot
// window. Concrete implementations live with whatever owns cache-group
// state; task never reaches past this interface.
type Host interface {
	// LocalGroups enumerates every cache group present on this node; used
	// to resolve a snapshot request that names no explicit groups.
	LocalGroups() ([]int32, error)
	// LocalPartitions resolves which partitions of groupID to snapshot.
	// requested == nil means "all local partitions of the group".
	LocalPartitions(groupID int32, requested []int32) ([]int32, error)
	// PartitionStorePath returns the page-store file path and the
	// authoritative size to copy at the checkpoint boundary.
	PartitionStorePath(groupID, partitionID int32) (path string, size int64, err error)
	// CacheConfigs returns cacheDir -> config-file path for every cache in
	// groupID.
	CacheConfigs(groupID int32) (map[string]string, error)
	// CacheDirFor returns the cache directory a partition's files live
	// under.
	CacheDirFor(groupID, partitionID int32) (string, error)
	// TypeMetadata and MappingMetadata return the group-independent
	// binary-type and marshaller-mapping blobs for this snapshot.
	TypeMetadata() ([]byte, error)
	MappingMetadata() ([]byte, error)
	// InstallDeltaWriter opens a DeltaWriter for (groupID, partitionID)
	// rooted at deltaPath and wires it into the live write path for the
	// duration of the snapshot window.
	InstallDeltaWriter(groupID, partitionID int32, deltaPath string, pageSize int) (*deltawriter.Writer, error)
	// RemoveDeltaWriter uninstalls the interceptor once its delta file has
	// been sent.
	RemoveDeltaWriter(groupID, partitionID int32)
}

// CheckpointSubsystem is where task.Schedule registers; it is expected to
// invoke onCheckpoint exactly once, at the next checkpoint boundary, unless
// the task is cancelled first.
type CheckpointSubsystem interface {
	RegisterForNextCheckpoint(snapshotName string, onCheckpoint func()) error
}

// GroupParts is one cache group's requested partition set; nil PartitionIDs
// means "all local partitions of this group".
type GroupParts struct {
	GroupID      int32
	PartitionIDs []int32
}

// Config configures one SnapshotTask.
type Config struct {
	SnapshotName string
	OriginNodeID string
	Parts        []GroupParts
	Sender       sender.Sender
	Host         Host
	Pool         *workerpool.Pool
	PageSize     int
	// WorkDir is the temp work directory deltas are captured under
	// (<workDir>/<snapshotName>/<cacheDir>/part-N.bin.delta). When empty,
	// each delta is placed next to its live partition file.
	WorkDir string
	Log     *logging.Logger
}

type partitionWork struct {
	groupID     int32
	partitionID int32
	cacheDir    string
	storePath   string
	size        int64
	deltaPath   string
	writer      *deltawriter.Writer
}

// Task is one SnapshotTask instance.
type Task struct {
	cfg Config
	log *logging.Logger

	mu    sync.Mutex
	state State
	err   error

	startedCh   chan struct{}
	doneCh      chan struct{}
	startOnce   sync.Once
	startedOnce sync.Once
	doneOnce    sync.Once
	abortOnce   sync.Once

	bodySubmitted bool // guarded by mu

	work []partitionWork
}

// New constructs a Task in the Init state.
func New(cfg Config) *Task {
	return &Task{
		cfg:       cfg,
		log:       cfg.Log.WithComponent("task").WithSnapshot(cfg.SnapshotName),
		state:     Init,
		startedCh: make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// State returns the task's current state.
func (t *Task) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// markStarted and markDone release AwaitStarted/AwaitDone waiters. Both
// the normal start/body paths and the abort paths race to call them, so
// each is guarded by its own once.
func (t *Task) markStarted() { t.startedOnce.Do(func() { close(t.startedCh) }) }
func (t *Task) markDone()    { t.doneOnce.Do(func() { close(t.doneCh) }) }

func (t *Task) transition(from, to State) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != from {
		return false
	}
	t.state = to
	return true
}

// Schedule registers the task with cs. Returns AlreadyScheduled if the task
// is not in Init (including if Schedule was already called once).
func (t *Task) Schedule(cs CheckpointSubsystem) error {
	if !t.transition(Init, Scheduled) {
		return snaperr.New(snaperr.CodeAlreadyScheduled, "Task.Schedule", t.cfg.SnapshotName)
	}
	if err := cs.RegisterForNextCheckpoint(t.cfg.SnapshotName, t.start); err != nil {
		wrapped := snaperr.Wrap(snaperr.CodeAlreadyScheduled, "Task.Schedule", t.cfg.SnapshotName, err)
		t.fail(wrapped, Failed)
		t.markStarted()
		t.markDone()
		return wrapped
	}
	return nil
}

// start is invoked by the checkpoint thread at the checkpoint boundary. It
// installs delta writers, computes total_parts, calls sender.Init, and
// hands the body off to the worker pool. start itself returns as soon as
// this setup completes (or fails); the body runs asynchronously.
func (t *Task) start() {
	t.startOnce.Do(func() {
		defer t.markStarted()

		if !t.transition(Scheduled, Started) {
			t.markDone()
			return
		}

		if err := t.installDeltaWriters(); err != nil {
			t.fail(err, Failed)
			t.markDone()
			return
		}

		if err := t.cfg.Sender.Init(uint32(len(t.work))); err != nil {
			t.fail(snaperr.Wrap(snaperr.CodeTransferFailed, "Task.start", t.cfg.SnapshotName, err), Failed)
			t.markDone()
			return
		}

		t.transition(Started, Copying)

		t.mu.Lock()
		t.bodySubmitted = true
		t.mu.Unlock()
		if err := t.cfg.Pool.Submit(t.body); err != nil {
			t.fail(snaperr.Wrap(snaperr.CodeShuttingDown, "Task.start", t.cfg.SnapshotName, err), Failed)
			t.cleanupWorkDir()
			t.markDone()
		}
	})
}

func (t *Task) installDeltaWriters() error {
	for _, gp := range t.cfg.Parts {
		partIDs, err := t.cfg.Host.LocalPartitions(gp.GroupID, gp.PartitionIDs)
		if err != nil {
			return snaperr.Wrap(snaperr.CodeCacheGroupStopped, "Task.installDeltaWriters", t.cfg.SnapshotName, err)
		}
		for _, pid := range partIDs {
			storePath, size, err := t.cfg.Host.PartitionStorePath(gp.GroupID, pid)
			if err != nil {
				return snaperr.Wrap(snaperr.CodeCacheGroupStopped, "Task.installDeltaWriters", t.cfg.SnapshotName, err)
			}
			cacheDir, err := t.cfg.Host.CacheDirFor(gp.GroupID, pid)
			if err != nil {
				return snaperr.Wrap(snaperr.CodeCacheGroupStopped, "Task.installDeltaWriters", t.cfg.SnapshotName, err)
			}
			deltaPath, err := t.deltaPathFor(cacheDir, storePath, pid)
			if err != nil {
				return snaperr.Wrap(snaperr.CodeStorageFailed, "Task.installDeltaWriters", t.cfg.SnapshotName, err)
			}
			writer, err := t.cfg.Host.InstallDeltaWriter(gp.GroupID, pid, deltaPath, t.cfg.PageSize)
			if err != nil {
				return snaperr.Wrap(snaperr.CodeStorageFailed, "Task.installDeltaWriters", t.cfg.SnapshotName, err)
			}
			t.mu.Lock()
			t.work = append(t.work, partitionWork{
				groupID:     gp.GroupID,
				partitionID: pid,
				cacheDir:    cacheDir,
				storePath:   storePath,
				size:        size,
				deltaPath:   deltaPath,
				writer:      writer,
			})
			t.mu.Unlock()
		}
	}
	return nil
}

// deltaPathFor places a partition's delta file under the snapshot's temp
// work directory, falling back to a sibling of the live store when no
// work directory was configured.
func (t *Task) deltaPathFor(cacheDir, storePath string, pid int32) (string, error) {
	if t.cfg.WorkDir == "" {
		return storePath + ".delta", nil
	}
	dir := filepath.Join(t.cfg.WorkDir, t.cfg.SnapshotName, cacheDir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	name := fmt.Sprintf("part-%d.bin.delta", pid)
	if pid == sender.IndexPartition {
		name = "index.bin.delta"
	}
	return filepath.Join(dir, name), nil
}

// cleanupWorkDir removes the snapshot's temp work directory once every
// delta has been sent (or the task failed and its deltas are moot).
func (t *Task) cleanupWorkDir() {
	if t.cfg.WorkDir == "" {
		return
	}
	if err := os.RemoveAll(filepath.Join(t.cfg.WorkDir, t.cfg.SnapshotName)); err != nil {
		t.log.Warn("temp work directory cleanup failed", map[string]interface{}{"cause": err.Error()})
	}
}

// body sends cache configs, type/mapping metadata, then each partition's
// clean copy followed by its delta. It runs on the task's worker pool.
func (t *Task) body() {
	defer t.markDone()
	defer t.cleanupWorkDir()

	if t.aborted() {
		t.closeSenderAborted()
		return
	}

	if err := t.sendCacheConfigs(); err != nil {
		t.finishWithError(err)
		return
	}

	types, err := t.cfg.Host.TypeMetadata()
	if err != nil {
		t.finishWithError(snaperr.Wrap(snaperr.CodeTransferFailed, "Task.body", t.cfg.SnapshotName, err))
		return
	}
	if err := t.cfg.Sender.SendTypeMetadata(types); err != nil {
		t.finishWithError(err)
		return
	}

	mappings, err := t.cfg.Host.MappingMetadata()
	if err != nil {
		t.finishWithError(snaperr.Wrap(snaperr.CodeTransferFailed, "Task.body", t.cfg.SnapshotName, err))
		return
	}
	if err := t.cfg.Sender.SendMappingMetadata(mappings); err != nil {
		t.finishWithError(err)
		return
	}

	for _, w := range t.work {
		if t.aborted() {
			t.closeSenderAborted()
			return
		}
		part := sender.PartitionID{GroupID: w.groupID, PartitionID: w.partitionID}
		if err := t.cfg.Sender.SendPart(w.storePath, w.cacheDir, part, w.size); err != nil {
			t.finishWithError(err)
			return
		}

		t.transition(Copying, SendingDelta)
		if w.writer != nil {
			if err := w.writer.Close(); err != nil {
				t.finishWithError(snaperr.Wrap(snaperr.CodeStorageFailed, "Task.body", t.cfg.SnapshotName, err))
				return
			}
		}
		if err := t.cfg.Sender.SendDelta(w.deltaPath, w.cacheDir, part); err != nil {
			t.finishWithError(err)
			return
		}
		t.cfg.Host.RemoveDeltaWriter(w.groupID, w.partitionID)
	}

	if t.transition(SendingDelta, Done) || t.transition(Copying, Done) {
		if err := t.cfg.Sender.Close(nil); err != nil {
			t.log.Warn("sender close after successful body failed", map[string]interface{}{"cause": err.Error()})
		}
		return
	}
	// Aborted by a concurrent accept_exception after the last partition was
	// sent; the sender still owes its single Close.
	t.closeSenderAborted()
}

func (t *Task) aborted() bool {
	st := t.State()
	return st == Failed || st == Cancelled
}

func (t *Task) closeSenderAborted() {
	if err := t.cfg.Sender.Close(t.Err()); err != nil {
		t.log.Warn("sender close after abort returned an error", map[string]interface{}{"cause": err.Error()})
	}
}

func (t *Task) sendCacheConfigs() error {
	seen := make(map[int32]bool)
	for _, gp := range t.cfg.Parts {
		if seen[gp.GroupID] {
			continue
		}
		seen[gp.GroupID] = true
		cfgs, err := t.cfg.Host.CacheConfigs(gp.GroupID)
		if err != nil {
			return snaperr.Wrap(snaperr.CodeCacheGroupStopped, "Task.sendCacheConfigs", t.cfg.SnapshotName, err)
		}
		for cacheDir, cfgFile := range cfgs {
			if err := t.cfg.Sender.SendCacheConfig(cfgFile, cacheDir); err != nil {
				return err
			}
		}
	}
	return nil
}

func (t *Task) finishWithError(err error) {
	t.fail(err, Failed)
	if closeErr := t.cfg.Sender.Close(err); closeErr != nil {
		t.log.Warn("sender close after failed body returned an error", map[string]interface{}{"cause": closeErr.Error()})
	}
}

// fail records err as the task's terminal error and moves to want (Failed
// or Cancelled) from any non-terminal state. It is a no-op once the task is
// already terminal, matching accept_exception's idempotence.
func (t *Task) fail(err error, want State) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state.terminal() {
		return
	}
	if t.err == nil {
		t.err = err
	}
	t.state = want
}

// AcceptException asynchronously aborts the task. Idempotent: only the
// first call's error is kept.
func (t *Task) AcceptException(err error) {
	t.abortOnce.Do(func() { t.abort(err, Failed) })
}

// Cancel aborts the task with TransferCancelled.
func (t *Task) Cancel() {
	t.abortOnce.Do(func() { t.abort(snaperr.ErrTransferCancelled, Cancelled) })
}

// abort records the terminal error, closes any installed delta writers,
// and releases waiters. If the body was never handed to the pool there is
// nothing left to run, so AwaitDone is released here too.
func (t *Task) abort(err error, want State) {
	t.fail(err, want)
	t.mu.Lock()
	work := append([]partitionWork(nil), t.work...)
	t.mu.Unlock()
	for _, w := range work {
		if w.writer != nil {
			w.writer.Close()
		}
	}
	t.markStarted()
	t.mu.Lock()
	submitted := t.bodySubmitted
	t.mu.Unlock()
	if !submitted {
		t.cleanupWorkDir()
		t.markDone()
	}
}

// AwaitStarted blocks until start() has returned or the task was aborted
// before its checkpoint fired.
func (t *Task) AwaitStarted() {
	<-t.startedCh
}

// AwaitDone blocks until the task's body has finished running (only
// meaningful once AwaitStarted has returned and the task reached Copying).
func (t *Task) AwaitDone() {
	<-t.doneCh
}

// Err returns the task's terminal error, if any.
func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

package engine

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/mantisdb/snapcluster/coordinator"
	"github.com/mantisdb/snapcluster/logging"
	"github.com/mantisdb/snapcluster/metastore"
	"github.com/mantisdb/snapcluster/sender"
	"github.com/mantisdb/snapcluster/snaperr"
	"github.com/mantisdb/snapcluster/task"
	"github.com/mantisdb/snapcluster/workerpool"
)

// localTransport is the engine's reference coordinator.Transport
// implementation for a single-node deployment: its baseline is just this
// node, and BroadcastStart runs this node's own SnapshotTask to
// completion instead of fanning out over a network. A real cluster
// deployment supplies its own Transport at engine.New time; this one
// exists so the engine works standalone.
type localTransport struct {
	nodeID   coordinator.NodeID
	host     GroupHost
	pool     *workerpool.Pool
	meta     *metastore.MetaStore
	pageSize int
	snapRoot string
	workDir  string
	log      *logging.Logger

	mu         sync.Mutex
	live       *task.Task
	liveGroups map[int32]bool
}

func (t *localTransport) BroadcastStart(req coordinator.StartRequest) (map[coordinator.NodeID]error, error) {
	sink := sender.NewLocalSink(t.snapRoot, req.SnapshotName, string(t.nodeID), t.pageSize, t.meta, t.host, t.log)

	groupIDs := req.GroupIDs
	if len(groupIDs) == 0 {
		all, err := t.host.LocalGroups()
		if err != nil {
			return map[coordinator.NodeID]error{t.nodeID: snaperr.Wrap(snaperr.CodeCacheGroupStopped, "localTransport.BroadcastStart", req.SnapshotName, err)}, nil
		}
		groupIDs = all
	}

	parts := make([]task.GroupParts, len(groupIDs))
	for i, g := range groupIDs {
		parts[i] = task.GroupParts{GroupID: g}
	}

	tk := task.New(task.Config{
		SnapshotName: req.SnapshotName,
		OriginNodeID: string(t.nodeID),
		Parts:        parts,
		Sender:       sink,
		Host:         t.host,
		Pool:         t.pool,
		PageSize:     t.pageSize,
		WorkDir:      t.workDir,
		Log:          t.log,
	})

	t.mu.Lock()
	t.live = tk
	t.liveGroups = make(map[int32]bool, len(groupIDs))
	for _, g := range groupIDs {
		t.liveGroups[g] = true
	}
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		t.live = nil
		t.liveGroups = nil
		t.mu.Unlock()
	}()

	if err := tk.Schedule(immediateCheckpoint{}); err != nil {
		return map[coordinator.NodeID]error{t.nodeID: err}, nil
	}
	tk.AwaitStarted()
	tk.AwaitDone()
	return map[coordinator.NodeID]error{t.nodeID: tk.Err()}, nil
}

// BroadcastEnd runs the END phase on this node: if the cluster run failed
// anywhere, the local share of the snapshot directory is deleted; either
// way the in-progress marker is cleared.
func (t *localTransport) BroadcastEnd(req coordinator.EndRequest) (map[coordinator.NodeID]error, error) {
	if req.HasError {
		if name, ok := t.meta.InProgress(); ok {
			if err := os.RemoveAll(filepath.Join(t.snapRoot, name)); err != nil {
				return map[coordinator.NodeID]error{t.nodeID: snaperr.Wrap(snaperr.CodeStorageFailed, "localTransport.BroadcastEnd", name, err)}, nil
			}
		}
	}
	if err := t.meta.ClearInProgress(); err != nil {
		return map[coordinator.NodeID]error{t.nodeID: err}, nil
	}
	return map[coordinator.NodeID]error{t.nodeID: nil}, nil
}

func (t *localTransport) CurrentBaseline() ([]coordinator.NodeID, error) {
	return []coordinator.NodeID{t.nodeID}, nil
}

// notifyGroupsStopped aborts the live local task if it touches one of
// the stopped groups.
func (t *localTransport) notifyGroupsStopped(groupIDs []int32) {
	t.mu.Lock()
	live := t.live
	hit := false
	for _, g := range groupIDs {
		if t.liveGroups[g] {
			hit = true
			break
		}
	}
	t.mu.Unlock()

	if live != nil && hit {
		live.AcceptException(snaperr.New(snaperr.CodeCacheGroupStopped, "Engine.OnCacheGroupsStopped", ""))
	}
}

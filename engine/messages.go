package engine

import (
	"time"

	"github.com/mantisdb/snapcluster/sender"
	"github.com/mantisdb/snapcluster/snaperr"
	"github.com/mantisdb/snapcluster/task"
)

// SnapshotRequest asks the receiving node to stream its partitions back
// over the reply channel. Parts maps groupId to the wanted partition ids;
// an empty set means every local partition of the group.
type SnapshotRequest struct {
	RequestID string            `json:"request_id"`
	Name      string            `json:"name"`
	Parts     map[int32][]int32 `json:"parts"`
}

// SnapshotResponse answers a SnapshotRequest. A non-empty ErrorMessage
// means the target refused or failed to schedule the streaming task;
// failures after a successful schedule travel through the reply channel
// instead.
type SnapshotResponse struct {
	Name         string `json:"name"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// Messaging delivers a SnapshotRequest to a target node; reply is the
// channel the target streams files back on. The engine's default
// implementation loops the request back into this same process, standing
// in for a real cluster messaging layer the way localTransport stands in
// for discovery.
type Messaging interface {
	RequestSnapshot(targetNodeID string, req SnapshotRequest, reply sender.Channel) (SnapshotResponse, error)
}

type selfMessaging struct{ e *Engine }

func (m selfMessaging) RequestSnapshot(targetNodeID string, req SnapshotRequest, reply sender.Channel) (SnapshotResponse, error) {
	return m.e.OnSnapshotRequest(m.e.nodeID, req, reply), nil
}

// SetMessaging replaces the engine's messaging layer. Call before any
// CreateRemoteSnapshot; a cluster deployment wires its transport here.
func (e *Engine) SetMessaging(m Messaging) { e.msg = m }

// OnSnapshotRequest is the message-listener entry point on the serving
// node: it schedules a SnapshotTask whose RemoteSink streams the requested
// partitions back over reply. A newer request from the same node cancels
// the one still being served. The response reports only scheduling
// failures; everything after a successful schedule travels on the stream.
func (e *Engine) OnSnapshotRequest(fromNodeID string, req SnapshotRequest, reply sender.Channel) SnapshotResponse {
	if !e.enter() {
		return SnapshotResponse{Name: req.Name, ErrorMessage: snaperr.ErrShuttingDown.Error()}
	}

	parts := make([]task.GroupParts, 0, len(req.Parts))
	for g, pids := range req.Parts {
		parts = append(parts, task.GroupParts{GroupID: g, PartitionIDs: pids})
	}

	sink := sender.NewRemoteSink(req.Name, reply, e.codecs, e.log)
	tk := task.New(task.Config{
		SnapshotName: req.Name,
		OriginNodeID: fromNodeID,
		Parts:        parts,
		Sender:       sink,
		Host:         e.host,
		Pool:         e.pool,
		PageSize:     e.cfg.Storage.PageSize,
		WorkDir:      e.cfg.Storage.TempWorkDir,
		Log:          e.log.WithRequest(req.RequestID),
	})

	e.servingMu.Lock()
	if prev, ok := e.serving[fromNodeID]; ok {
		prev.Cancel()
	}
	e.serving[fromNodeID] = tk
	e.servingMu.Unlock()

	if err := tk.Schedule(immediateCheckpoint{}); err != nil {
		e.clearServing(fromNodeID, tk)
		e.busy.Done()
		return SnapshotResponse{Name: req.Name, ErrorMessage: err.Error()}
	}

	// Handshake window: if the checkpoint subsystem never fires the start
	// callback, the request is abandoned rather than pinning the slot.
	started := make(chan struct{})
	go func() {
		tk.AwaitStarted()
		close(started)
	}()
	select {
	case <-started:
	case <-time.After(e.cfg.Remote.RequestTimeout):
		tk.Cancel()
		e.clearServing(fromNodeID, tk)
		e.busy.Done()
		return SnapshotResponse{Name: req.Name, ErrorMessage: snaperr.New(snaperr.CodeTimeout, "Engine.OnSnapshotRequest", req.Name).Error()}
	}

	go func() {
		defer e.busy.Done()
		tk.AwaitDone()
		// If setup failed before the body ran, nothing has closed the reply
		// channel yet; Close is idempotent, so this is a no-op otherwise.
		sink.Close(tk.Err())
		e.clearServing(fromNodeID, tk)
	}()
	return SnapshotResponse{Name: req.Name}
}

func (e *Engine) clearServing(fromNodeID string, tk *task.Task) {
	e.servingMu.Lock()
	defer e.servingMu.Unlock()
	if cur, ok := e.serving[fromNodeID]; ok && cur == tk {
		delete(e.serving, fromNodeID)
	}
}

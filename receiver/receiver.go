// Package receiver implements RemoteSnapshotReceiver, the inbound side of
// the transmission protocol: it reconstructs partition page stores from a
// sequence of FILE/CHUNK chunks a RemoteSink streams in, tracking
// outstanding parts per request, failing the whole request on the first
// error, and tearing down cleanly on cancellation.
package receiver

import (
	"io"
	"os"
	"sync"

	"github.com/mantisdb/snapcluster/logging"
	"github.com/mantisdb/snapcluster/pagestore"
	"github.com/mantisdb/snapcluster/sender"
	"github.com/mantisdb/snapcluster/snaperr"
)

// Consumer is handed each completed partition file path once its delta has
// been applied and finish_recover has returned.
type Consumer interface {
	OnPartitionReady(part sender.PartitionID, localPath string) error
}

// request tracks one in-flight remote-snapshot transfer.
type request struct {
	mu         sync.Mutex
	id         string
	remoteNode string
	snapName   string
	partsLeft  int32
	stores     map[sender.PartitionID]*pagestore.Store
	paths      map[sender.PartitionID]string
	consumer   Consumer
	cancelled  bool
	failed     error
}

func (r *request) active(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.cancelled && r.id == id
}

// Receiver drives the inbound reconstruction of one or more remote-snapshot
// requests. Each requestID has its own request state; the Receiver itself
// only routes by id.
type Receiver struct {
	mu       sync.Mutex
	requests map[string]*request
	pageSize int
	log      *logging.Logger
}

// New constructs a Receiver.
func New(pageSize int, log *logging.Logger) *Receiver {
	return &Receiver{
		requests: make(map[string]*request),
		pageSize: pageSize,
		log:      log.WithComponent("receiver"),
	}
}

// Begin registers a new in-flight request.
func (r *Receiver) Begin(requestID, remoteNode, snapName string, consumer Consumer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests[requestID] = &request{
		id:         requestID,
		remoteNode: remoteNode,
		snapName:   snapName,
		stores:     make(map[sender.PartitionID]*pagestore.Store),
		paths:      make(map[sender.PartitionID]string),
		consumer:   consumer,
	}
}

func (r *Receiver) get(requestID string) (*request, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	req, ok := r.requests[requestID]
	return req, ok
}

// OnFile creates the target PartitionPageStore for a FILE chunk's partition
// at localPath and copies payload into it verbatim (the sender already sent
// the authoritative, checkpoint-boundary-truncated bytes).
func (r *Receiver) OnFile(requestID string, meta sender.ChunkMeta, localPath string, payload io.Reader) error {
	req, ok := r.get(requestID)
	if !ok {
		return snaperr.New(snaperr.CodeTransferCancelled, "Receiver.OnFile", meta.SnapshotName)
	}
	if !req.active(requestID) {
		return snaperr.ErrTransferCancelled
	}

	part := sender.PartitionID{GroupID: meta.GroupID, PartitionID: meta.PartitionID}

	f, err := os.Create(localPath)
	if err != nil {
		return r.abort(req, snaperr.Wrap(snaperr.CodeStorageFailed, "Receiver.OnFile", meta.SnapshotName, err))
	}
	if _, err := io.CopyN(f, payload, meta.Count); err != nil {
		f.Close()
		return r.abort(req, snaperr.Wrap(snaperr.CodeStorageFailed, "Receiver.OnFile", meta.SnapshotName, err))
	}
	if err := f.Close(); err != nil {
		return r.abort(req, snaperr.Wrap(snaperr.CodeStorageFailed, "Receiver.OnFile", meta.SnapshotName, err))
	}

	store, err := pagestore.Open(localPath, meta.GroupID, meta.PartitionID, r.pageSize)
	if err != nil {
		return r.abort(req, err)
	}

	req.mu.Lock()
	req.stores[part] = store
	req.paths[part] = localPath
	req.partsLeft++
	req.mu.Unlock()
	return nil
}

// ChunkWriter is returned by OnChunk: callers feed it whole pages (each
// exactly pageSize bytes, embedded PageId intact) until Count bytes have
// been written, then call Finish.
type ChunkWriter struct {
	store    *pagestore.Store
	pageSize int
	want     int64
	written  int64
}

// Write applies one page to the store. buf must be exactly pageSize bytes.
func (c *ChunkWriter) Write(buf []byte) error {
	if int64(len(buf)) != int64(c.pageSize) {
		return snaperr.New(snaperr.CodeInvalidPage, "ChunkWriter.Write", c.store.Path())
	}
	id, _ := pagestore.VerifyHeader(buf)
	if err := c.store.Write(id, buf); err != nil {
		return err
	}
	c.written += int64(len(buf))
	return nil
}

// Done reports whether Count bytes have been written and Finish may be
// called.
func (c *ChunkWriter) Done() bool { return c.written >= c.want }

// OnChunk resolves the store for meta's partition and begins recovery on
// it. If meta.Count == 0 the chunk is empty: OnChunk calls Finish itself
// and returns a nil ChunkWriter, and the caller must not call Finish
// again; otherwise the returned ChunkWriter accepts pages until Count
// bytes have been transferred.
func (r *Receiver) OnChunk(requestID string, meta sender.ChunkMeta) (*ChunkWriter, error) {
	req, ok := r.get(requestID)
	if !ok {
		return nil, snaperr.ErrTransferCancelled
	}
	if !req.active(requestID) {
		return nil, snaperr.ErrTransferCancelled
	}

	part := sender.PartitionID{GroupID: meta.GroupID, PartitionID: meta.PartitionID}
	req.mu.Lock()
	store, ok := req.stores[part]
	req.mu.Unlock()
	if !ok {
		return nil, r.abort(req, snaperr.New(snaperr.CodeTransferFailed, "Receiver.OnChunk", meta.SnapshotName))
	}

	if err := store.BeginRecover(); err != nil {
		return nil, r.abort(req, err)
	}

	if meta.Count == 0 {
		if err := r.Finish(requestID, part, nil); err != nil {
			return nil, err
		}
		return nil, nil
	}

	return &ChunkWriter{store: store, pageSize: r.pageSize, want: meta.Count}, nil
}

// Finish completes one partition's reconstruction: finish_recover, hand the
// file to the consumer, decrement parts_left. w may be nil for a
// zero-length delta.
func (r *Receiver) Finish(requestID string, part sender.PartitionID, w *ChunkWriter) error {
	req, ok := r.get(requestID)
	if !ok {
		return snaperr.ErrTransferCancelled
	}

	req.mu.Lock()
	store, ok := req.stores[part]
	path := req.paths[part]
	req.mu.Unlock()
	if !ok {
		return r.abort(req, snaperr.New(snaperr.CodeTransferFailed, "Receiver.Finish", req.snapName))
	}
	if w != nil && !w.Done() {
		return r.abort(req, snaperr.New(snaperr.CodeTransferFailed, "Receiver.Finish", req.snapName))
	}

	if err := store.FinishRecover(); err != nil {
		return r.abort(req, err)
	}

	if err := req.consumer.OnPartitionReady(part, path); err != nil {
		return r.abort(req, snaperr.Wrap(snaperr.CodeTransferFailed, "Receiver.Finish", req.snapName, err))
	}

	req.mu.Lock()
	delete(req.stores, part)
	delete(req.paths, part)
	req.partsLeft--
	req.mu.Unlock()
	return nil
}

// OnEnd asserts every partition has been finalized and completes the
// request.
func (r *Receiver) OnEnd(requestID string) error {
	req, ok := r.get(requestID)
	if !ok {
		return snaperr.ErrTransferCancelled
	}

	req.mu.Lock()
	remaining := len(req.stores)
	left := req.partsLeft
	req.mu.Unlock()

	r.mu.Lock()
	delete(r.requests, requestID)
	r.mu.Unlock()

	if remaining != 0 || left != 0 {
		return snaperr.New(snaperr.CodeTransferFailed, "Receiver.OnEnd", req.snapName)
	}
	return nil
}

// OnException propagates a transport failure to the pending request and
// stops any open stores, dropping their partial data.
func (r *Receiver) OnException(requestID string, cause error) {
	req, ok := r.get(requestID)
	if !ok {
		return
	}
	r.abort(req, snaperr.Wrap(snaperr.CodeTransferFailed, "Receiver.OnException", req.snapName, cause))
}

// Cancel marks requestID cancelled; any in-flight chunk handler observing
// this id will raise TransferCancelled on its next call.
func (r *Receiver) Cancel(requestID string) {
	req, ok := r.get(requestID)
	if !ok {
		return
	}
	req.mu.Lock()
	req.cancelled = true
	stores := make([]*pagestore.Store, 0, len(req.stores))
	paths := make([]string, 0, len(req.paths))
	for part, s := range req.stores {
		stores = append(stores, s)
		paths = append(paths, req.paths[part])
	}
	req.mu.Unlock()

	for i, s := range stores {
		s.Close()
		os.Remove(paths[i])
	}

	r.mu.Lock()
	delete(r.requests, requestID)
	r.mu.Unlock()
}

func (r *Receiver) abort(req *request, cause error) error {
	req.mu.Lock()
	if req.failed == nil {
		req.failed = cause
	}
	stores := make([]*pagestore.Store, 0, len(req.stores))
	paths := make([]string, 0, len(req.paths))
	for part, s := range req.stores {
		stores = append(stores, s)
		paths = append(paths, req.paths[part])
	}
	req.mu.Unlock()

	for i, s := range stores {
		s.Close()
		os.Remove(paths[i])
	}

	r.mu.Lock()
	delete(r.requests, req.id)
	r.mu.Unlock()

	r.log.Warn("remote snapshot request aborted", map[string]interface{}{
		"request_id": req.id,
		"cause":      cause.Error(),
	})
	return cause
}

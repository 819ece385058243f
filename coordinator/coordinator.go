// Package coordinator implements the cluster-wide, two-phase (START, END)
// snapshot process. A single mutex enforces the single-in-flight
// invariant, covering admission of a new request and completion of the
// current one; the coordinator has no separate disconnect or shutdown
// reset. Checks made outside the mutex are advisory only.
package coordinator

import (
	"sync"

	"github.com/google/uuid"

	"github.com/mantisdb/snapcluster/logging"
	"github.com/mantisdb/snapcluster/snaperr"
)

// NodeID identifies a cluster node.
type NodeID string

// StartRequest is the phase-START discovery message. Sending it is a
// topology-affecting event: every baseline node is expected to run a
// partition-map exchange before starting its SnapshotTask.
type StartRequest struct {
	RequestID       string
	SnapshotName    string
	GroupIDs        []int32
	BaselineNodeIDs []NodeID
}

// EndRequest is the phase-END discovery message.
type EndRequest struct {
	RequestID string
	HasError  bool
}

// Transport carries the two discovery phases to every baseline node and
// reports the live baseline set, so the coordinator can detect a node
// leaving mid-run.
type Transport interface {
	BroadcastStart(req StartRequest) (map[NodeID]error, error)
	BroadcastEnd(req EndRequest) (map[NodeID]error, error)
	CurrentBaseline() ([]NodeID, error)
}

// AdmissionChecker answers the request-admission pre-checks: cluster
// state, baseline existence, peer feature support, and name collision.
type AdmissionChecker interface {
	ClusterActive() bool
	HasBaseline() bool
	FeatureSupportedByAllLive() bool
	SnapshotExistsOnDisk(name string) (bool, error)
}

// Future is the handle CreateSnapshot returns: Wait blocks until both
// phases have completed.
type Future struct {
	done chan struct{}
	err  error
}

// Wait blocks until the snapshot's two-phase process has completed and
// returns its final error, if any.
func (f *Future) Wait() error {
	<-f.done
	return f.err
}

func newFuture() *Future { return &Future{done: make(chan struct{})} }

func (f *Future) complete(err error) {
	f.err = err
	close(f.done)
}

type inFlight struct {
	requestID       string
	name            string
	baselineAtStart []NodeID
}

// Coordinator runs the two-phase cluster snapshot process and enforces the
// single-in-flight invariant.
type Coordinator struct {
	mu        sync.Mutex
	current   *inFlight
	transport Transport
	checker   AdmissionChecker
	log       *logging.Logger
}

// New constructs a Coordinator.
func New(transport Transport, checker AdmissionChecker, log *logging.Logger) *Coordinator {
	return &Coordinator{
		transport: transport,
		checker:   checker,
		log:       log.WithComponent("coordinator"),
	}
}

// IsSnapshotCreating reports whether a cluster snapshot is currently in
// flight. The check is advisory outside the admission mutex.
func (c *Coordinator) IsSnapshotCreating() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current != nil
}

// CreateSnapshot runs the admission pre-checks synchronously, then launches
// the two-phase process and returns a Future for it. Admission failures are
// returned directly, matching "admission failures are surfaced synchronously
// to the caller".
func (c *Coordinator) CreateSnapshot(name string, groupIDs []int32) (*Future, error) {
	requestID := uuid.New().String()
	log := c.log.WithRequest(requestID).WithSnapshot(name)

	c.mu.Lock()
	if c.current != nil {
		c.mu.Unlock()
		return nil, snaperr.New(snaperr.CodeAlreadyInProgress, "Coordinator.CreateSnapshot", name)
	}
	if !c.checker.ClusterActive() {
		c.mu.Unlock()
		return nil, snaperr.New(snaperr.CodeClusterInactive, "Coordinator.CreateSnapshot", name)
	}
	if !c.checker.HasBaseline() {
		c.mu.Unlock()
		return nil, snaperr.New(snaperr.CodeNoBaseline, "Coordinator.CreateSnapshot", name)
	}
	if !c.checker.FeatureSupportedByAllLive() {
		c.mu.Unlock()
		return nil, snaperr.New(snaperr.CodeUnsupportedByPeer, "Coordinator.CreateSnapshot", name)
	}
	exists, err := c.checker.SnapshotExistsOnDisk(name)
	if err != nil {
		c.mu.Unlock()
		return nil, snaperr.Wrap(snaperr.CodeStorageFailed, "Coordinator.CreateSnapshot", name, err)
	}
	if exists {
		c.mu.Unlock()
		return nil, snaperr.New(snaperr.CodeNameExists, "Coordinator.CreateSnapshot", name)
	}

	baseline, err := c.transport.CurrentBaseline()
	if err != nil {
		c.mu.Unlock()
		return nil, snaperr.Wrap(snaperr.CodeNoBaseline, "Coordinator.CreateSnapshot", name, err)
	}
	baselineIDs := make([]NodeID, len(baseline))
	copy(baselineIDs, baseline)

	c.current = &inFlight{requestID: requestID, name: name, baselineAtStart: baselineIDs}
	c.mu.Unlock()

	future := newFuture()
	go c.run(requestID, name, groupIDs, baselineIDs, future, log)
	return future, nil
}

func (c *Coordinator) run(requestID, name string, groupIDs []int32, baseline []NodeID, future *Future, log *logging.Logger) {
	// The in-flight slot is released before the future resolves, so a
	// caller returning from Wait can admit the next snapshot at once.
	var result error
	defer func() {
		c.mu.Lock()
		c.current = nil
		c.mu.Unlock()
		future.complete(result)
	}()

	log.Info("snapshot START phase beginning", map[string]interface{}{"baseline_nodes": len(baseline)})
	startResults, startErr := c.transport.BroadcastStart(StartRequest{
		RequestID:       requestID,
		SnapshotName:    name,
		GroupIDs:        groupIDs,
		BaselineNodeIDs: baseline,
	})

	firstErr := startErr
	for _, err := range startResults {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	log.Info("snapshot END phase beginning", map[string]interface{}{"has_error": firstErr != nil})
	endResults, endErr := c.transport.BroadcastEnd(EndRequest{RequestID: requestID, HasError: firstErr != nil})
	if endErr != nil && firstErr == nil {
		firstErr = endErr
	}
	for _, err := range endResults {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	// A node leaving mid-run trumps whatever failure its departure caused
	// downstream: the user-visible outcome is TopologyChanged.
	currentBaseline, err := c.transport.CurrentBaseline()
	if err != nil || !sameNodeSet(baseline, currentBaseline) {
		result = snaperr.New(snaperr.CodeTopologyChanged, "Coordinator.run", name)
		return
	}

	if firstErr != nil {
		if _, ok := snaperr.CodeOf(firstErr); !ok {
			firstErr = snaperr.Wrap(snaperr.CodeTransferFailed, "Coordinator.run", name, firstErr)
		}
		result = firstErr
	}
}

func sameNodeSet(a, b []NodeID) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[NodeID]bool, len(a))
	for _, n := range a {
		set[n] = true
	}
	for _, n := range b {
		if !set[n] {
			return false
		}
	}
	return true
}

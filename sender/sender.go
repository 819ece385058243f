// Package sender defines SnapshotSender, the abstract sink a SnapshotTask
// drives through a fixed, strictly-ordered lifecycle, plus its two
// concrete implementations: LocalSink (writes into a snapshot directory on
// the local node) and RemoteSink (streams over a file-transmission channel
// to another node).
package sender

import (
	"fmt"
	"sync"

	"github.com/mantisdb/snapcluster/snaperr"
)

// PartitionID is the (groupId, partitionId) pair that addresses one
// partition's page store, or the group-level index file when PartitionID
// equals IndexPartition.
type PartitionID struct {
	GroupID     int32
	PartitionID int32
}

func (p PartitionID) String() string {
	if p.PartitionID == IndexPartition {
		return fmt.Sprintf("grp=%d/index", p.GroupID)
	}
	return fmt.Sprintf("grp=%d/part=%d", p.GroupID, p.PartitionID)
}

const (
	// IndexPartition denotes the group-level index file rather than a
	// numbered partition.
	IndexPartition = -1
	// MaxPartitionID bounds valid partition numbers.
	MaxPartitionID = 1<<16 - 1
)

// Sender is the abstract sink a SnapshotTask drives. Calls must happen in
// the order documented on each method; a RemoteSink implementation must
// additionally be driven by a strictly sequential caller since it shares
// one underlying transmission channel.
type Sender interface {
	// Init must be the first call. totalParts is the number of send_part
	// calls the task will make for this snapshot.
	Init(totalParts uint32) error

	// SendCacheConfig sends one cache's configuration file. Called once
	// per cache in the group, before any type/mapping metadata or parts.
	SendCacheConfig(cfgFile, cacheDir string) error

	// SendTypeMetadata sends the binary-type metadata blob. Called after
	// all SendCacheConfig calls, before SendMappingMetadata.
	SendTypeMetadata(types []byte) error

	// SendMappingMetadata sends the marshaller-mapping metadata blob.
	// Called after SendTypeMetadata, before any SendPart/SendDelta.
	SendMappingMetadata(mappings []byte) error

	// SendPart sends a clean copy of the on-disk page store, truncated to
	// length bytes (the authoritative partition size at the checkpoint
	// boundary).
	SendPart(file, cacheDir string, part PartitionID, length int64) error

	// SendDelta sends the delta file paired 1-to-1 with the SendPart call
	// for the same partition.
	SendDelta(deltaFile, cacheDir string, part PartitionID) error

	// Close ends the sender. If err is non-nil any partially written
	// output is cleaned up. Close is invoked exactly once per sender,
	// even when an earlier sub-call failed.
	Close(err error) error
}

// stage tracks where in the fixed lifecycle a sender is; calls are allowed
// to repeat within a stage (multiple SendCacheConfig, multiple
// SendPart/SendDelta pairs) but never move backward.
type stage int

const (
	stageNew stage = iota
	stageInit
	stageCacheConfig
	stageTypeMeta
	stageMappingMeta
	stageParts
	stageClosed
)

// base implements the poisoned-sender bookkeeping shared by LocalSink and
// RemoteSink: the first sub-call failure poisons the sender so every
// subsequent sub-call fast-fails without doing work, and Close runs at
// most once.
type base struct {
	mu     sync.Mutex
	st     stage
	poison error
	closed bool
}

// enter advances to want (a no-op if already there) and returns nil if the
// caller should proceed. If the sender is poisoned it returns the poison
// error; if it is past want, or Init has not been entered yet, it returns a
// stage-order error.
func (b *base) enter(want stage) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.poison != nil {
		return b.poison
	}
	if b.st > want || (b.st == stageNew && want != stageInit) {
		return snaperr.New(snaperr.CodeTransferFailed, "sender", "")
	}
	b.st = want
	return nil
}

// poisonOnce records the first failure seen by any sub-call. Later
// failures do not overwrite it, matching "the first such failure poisons
// the sender".
func (b *base) poisonOnce(err error) {
	if err == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.poison == nil {
		b.poison = err
	}
}

// poisoned returns the sender's recorded failure, if any.
func (b *base) poisoned() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.poison
}

// closeOnce runs fn exactly once across repeated Close calls and marks the
// sender closed.
func (b *base) closeOnce(fn func() error) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.st = stageClosed
	b.mu.Unlock()
	return fn()
}

package engine

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/mantisdb/snapcluster/logging"
	"github.com/mantisdb/snapcluster/metrics"
	"github.com/mantisdb/snapcluster/receiver"
	"github.com/mantisdb/snapcluster/sender"
	"github.com/mantisdb/snapcluster/snaperr"
)

const (
	binaryMetaDirName  = "binary_meta"
	mappingMetaDirName = "marshaller_mapping"
)

// loopbackChannel is a sender.Channel that feeds a RemoteSink's chunks
// straight into a receiver.Receiver within the same process, standing in
// for a real network transport in the single-process reference engine.
// Every real cluster deployment supplies its own Channel implementation
// (gRPC stream, raw TCP, whatever the transport layer uses); this one
// only exists so CreateRemoteSnapshot has something to drive end to end.
type loopbackChannel struct {
	recv       *receiver.Receiver
	codecs     *sender.CodecSet
	requestID  string
	nodeFolder string
	destRoot   string
	pageSize   int
	log        *logging.Logger
	stats      *metrics.Metrics

	// onClose is invoked when the serving side closes the channel, carrying
	// its terminal error (nil on a complete stream). The requester finishes
	// its pending request here.
	onClose func(error)
}

func newLoopbackChannel(recv *receiver.Receiver, codecs *sender.CodecSet, requestID, nodeFolder, destRoot string, pageSize int, stats *metrics.Metrics, log *logging.Logger) *loopbackChannel {
	return &loopbackChannel{
		recv:       recv,
		codecs:     codecs,
		requestID:  requestID,
		nodeFolder: nodeFolder,
		destRoot:   destRoot,
		pageSize:   pageSize,
		log:        log.WithComponent("engine.loopback"),
		stats:      stats,
	}
}

func (c *loopbackChannel) nodeDir() string {
	return filepath.Join(c.destRoot, "db", c.nodeFolder)
}

func (c *loopbackChannel) decompress(meta sender.ChunkMeta, payload io.Reader, wireLen int64) ([]byte, error) {
	compressed := make([]byte, wireLen)
	if _, err := io.ReadFull(payload, compressed); err != nil {
		return nil, snaperr.Wrap(snaperr.CodeTransferFailed, "loopbackChannel.Send", meta.SnapshotName, err)
	}
	codec, ok := c.codecs.ByName(meta.Codec)
	if !ok {
		return nil, snaperr.New(snaperr.CodeTransferFailed, "loopbackChannel.Send", meta.SnapshotName)
	}
	raw, err := codec.Decompress(compressed)
	if err != nil {
		return nil, snaperr.Wrap(snaperr.CodeTransferFailed, "loopbackChannel.Send", meta.SnapshotName, err)
	}
	return raw, nil
}

// Send routes one decompressed chunk by its payload kind: cache-config and
// metadata blobs are written directly under the destination tree,
// partition FILE/CHUNK chunks are replayed through the Receiver.
func (c *loopbackChannel) Send(meta sender.ChunkMeta, payload io.Reader, wireLen int64) error {
	raw, err := c.decompress(meta, payload, wireLen)
	if err != nil {
		return err
	}
	c.stats.AddTransferBytes(meta.Codec, wireLen)

	switch meta.Payload {
	case sender.PayloadCacheConfig:
		return c.writeCacheConfig(meta, raw)

	case sender.PayloadTypeMeta:
		return c.writeMetaBlob(filepath.Join(c.destRoot, binaryMetaDirName, "types.bin"), raw)

	case sender.PayloadMappingMeta:
		return c.writeMetaBlob(filepath.Join(c.destRoot, mappingMetaDirName, "mappings.bin"), raw)

	case sender.PayloadPart:
		path, err := c.partitionPath(meta)
		if err != nil {
			return err
		}
		return c.recv.OnFile(c.requestID, meta, path, bytes.NewReader(raw))

	case sender.PayloadDelta:
		part := sender.PartitionID{GroupID: meta.GroupID, PartitionID: meta.PartitionID}
		return c.applyDelta(part, meta, raw)

	default:
		return snaperr.New(snaperr.CodeTransferFailed, "loopbackChannel.Send", meta.SnapshotName)
	}
}

func (c *loopbackChannel) writeCacheConfig(meta sender.ChunkMeta, raw []byte) error {
	dir := filepath.Join(c.nodeDir(), meta.CacheDir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return snaperr.Wrap(snaperr.CodeStorageFailed, "loopbackChannel.writeCacheConfig", meta.SnapshotName, err)
	}
	if err := os.WriteFile(filepath.Join(dir, "cache_config.bin"), raw, 0644); err != nil {
		return snaperr.Wrap(snaperr.CodeStorageFailed, "loopbackChannel.writeCacheConfig", meta.SnapshotName, err)
	}
	return nil
}

func (c *loopbackChannel) writeMetaBlob(path string, raw []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return snaperr.Wrap(snaperr.CodeStorageFailed, "loopbackChannel.writeMetaBlob", path, err)
	}
	if err := os.WriteFile(path, raw, 0644); err != nil {
		return snaperr.Wrap(snaperr.CodeStorageFailed, "loopbackChannel.writeMetaBlob", path, err)
	}
	return nil
}

func (c *loopbackChannel) partitionPath(meta sender.ChunkMeta) (string, error) {
	dir := filepath.Join(c.nodeDir(), meta.CacheDir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", snaperr.Wrap(snaperr.CodeStorageFailed, "loopbackChannel.partitionPath", meta.SnapshotName, err)
	}
	name := fmt.Sprintf("part-%d.bin", meta.PartitionID)
	if meta.PartitionID == sender.IndexPartition {
		name = "index.bin"
	}
	return filepath.Join(dir, name), nil
}

func (c *loopbackChannel) applyDelta(part sender.PartitionID, meta sender.ChunkMeta, raw []byte) error {
	w, err := c.recv.OnChunk(c.requestID, meta)
	if err != nil {
		return err
	}
	if w == nil {
		return nil // zero-length delta: OnChunk already called Finish.
	}
	for off := 0; off < len(raw); off += c.pageSize {
		end := off + c.pageSize
		if end > len(raw) {
			end = len(raw)
		}
		if err := w.Write(raw[off:end]); err != nil {
			return err
		}
	}
	return c.recv.Finish(c.requestID, part, w)
}

// Close ends the stream: the serving task's RemoteSink calls this exactly
// once, with its terminal error if the transfer failed.
func (c *loopbackChannel) Close(err error) error {
	if err != nil {
		c.log.Warn("remote snapshot channel closed with error", map[string]interface{}{
			"request_id": c.requestID,
			"cause":      err.Error(),
		})
	}
	if c.onClose != nil {
		c.onClose(err)
	}
	return nil
}

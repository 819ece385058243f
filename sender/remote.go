package sender

import (
	"bytes"
	"io"
	"os"

	"github.com/mantisdb/snapcluster/logging"
	"github.com/mantisdb/snapcluster/snaperr"
)

// ChunkPolicy distinguishes the two wire-chunk kinds RemoteSink emits.
type ChunkPolicy int

const (
	// PolicyFile is used for clean partition-file copies: the sender
	// transmits (offset=0, len).
	PolicyFile ChunkPolicy = iota
	// PolicyChunk is used for deltas: the sender streams the whole delta.
	PolicyChunk
)

func (p ChunkPolicy) String() string {
	if p == PolicyFile {
		return "FILE"
	}
	return "CHUNK"
}

// PayloadKind names what a chunk carries, so the receiving side can route
// it without replaying the sender's call order.
type PayloadKind int

const (
	PayloadCacheConfig PayloadKind = iota
	PayloadTypeMeta
	PayloadMappingMeta
	PayloadPart
	PayloadDelta
)

func (k PayloadKind) String() string {
	switch k {
	case PayloadCacheConfig:
		return "cache_config"
	case PayloadTypeMeta:
		return "type_metadata"
	case PayloadMappingMeta:
		return "mapping_metadata"
	case PayloadPart:
		return "partition"
	case PayloadDelta:
		return "delta"
	default:
		return "unknown"
	}
}

// ChunkMeta is the per-chunk metadata carried alongside every FILE/CHUNK
// payload on the transmission channel.
type ChunkMeta struct {
	SnapshotName string
	GroupID      int32
	PartitionID  int32
	CacheDir     string
	NodePath     string
	TotalParts   int32
	// Count is the logical (pre-compression) payload length: the
	// delta-pages byte length for CHUNK (0 means no delta follows), or
	// the total bytes for FILE.
	Count  int64
	Policy ChunkPolicy
	// Payload names what this chunk carries.
	Payload PayloadKind
	// Codec names the compression algorithm applied to the wire payload;
	// "none" if compression is disabled.
	Codec string
}

// Channel is the ordered, point-to-point transmission channel a RemoteSink
// drives. A single Channel must be driven by a strictly sequential caller
// since it represents one underlying connection to the target node.
type Channel interface {
	// Send writes one chunk's payload (already compressed per meta.Codec)
	// of wireLen bytes, described by meta.
	Send(meta ChunkMeta, payload io.Reader, wireLen int64) error
	// Close tears down the channel. A non-nil err signals the peer that
	// the transfer failed so it can discard partial state.
	Close(err error) error
}

// RemoteSink streams a snapshot's files to another node over a Channel,
// compressing each payload per the configured CodecSet before it goes on
// the wire.
type RemoteSink struct {
	base

	name       string
	groupID    int32
	channel    Channel
	codecs     *CodecSet
	totalParts uint32
	log        *logging.Logger
}

// NewRemoteSink constructs a RemoteSink for one remote-snapshot request.
func NewRemoteSink(name string, channel Channel, codecs *CodecSet, log *logging.Logger) *RemoteSink {
	return &RemoteSink{
		name:    name,
		channel: channel,
		codecs:  codecs,
		log:     log.WithComponent("sender.remote").WithSnapshot(name),
	}
}

func (s *RemoteSink) Init(totalParts uint32) error {
	if err := s.enter(stageInit); err != nil {
		return err
	}
	s.totalParts = totalParts
	return nil
}

func (s *RemoteSink) sendMetadataBlob(data []byte, cacheDir string, payload PayloadKind) error {
	codec := s.codecs.Select(KindMetadata, int64(len(data)))
	compressed, err := codec.Compress(data)
	if err != nil {
		return snaperr.Wrap(snaperr.CodeTransferFailed, "RemoteSink.send", s.name, err)
	}
	meta := ChunkMeta{
		SnapshotName: s.name,
		CacheDir:     cacheDir,
		TotalParts:   int32(s.totalParts),
		Count:        int64(len(data)),
		Policy:       PolicyFile,
		Payload:      payload,
		Codec:        codec.Name(),
	}
	if err := s.channel.Send(meta, bytes.NewReader(compressed), int64(len(compressed))); err != nil {
		return snaperr.Wrap(snaperr.CodeTransferFailed, "RemoteSink.send", s.name, err)
	}
	return nil
}

func (s *RemoteSink) SendCacheConfig(cfgFile, cacheDir string) error {
	if err := s.enter(stageCacheConfig); err != nil {
		return err
	}
	data, err := os.ReadFile(cfgFile)
	if err != nil {
		wrapped := snaperr.Wrap(snaperr.CodeTransferFailed, "RemoteSink.SendCacheConfig", s.name, err)
		s.poisonOnce(wrapped)
		return wrapped
	}
	if err := s.sendMetadataBlob(data, cacheDir, PayloadCacheConfig); err != nil {
		s.poisonOnce(err)
		return err
	}
	return nil
}

func (s *RemoteSink) SendTypeMetadata(types []byte) error {
	if err := s.enter(stageTypeMeta); err != nil {
		return err
	}
	if err := s.sendMetadataBlob(types, "", PayloadTypeMeta); err != nil {
		s.poisonOnce(err)
		return err
	}
	return nil
}

func (s *RemoteSink) SendMappingMetadata(mappings []byte) error {
	if err := s.enter(stageMappingMeta); err != nil {
		return err
	}
	if err := s.sendMetadataBlob(mappings, "", PayloadMappingMeta); err != nil {
		s.poisonOnce(err)
		return err
	}
	return nil
}

func (s *RemoteSink) SendPart(file, cacheDir string, part PartitionID, length int64) error {
	if err := s.enter(stageParts); err != nil {
		return err
	}

	f, err := os.Open(file)
	if err != nil {
		wrapped := snaperr.Wrap(snaperr.CodeTransferFailed, "RemoteSink.SendPart", s.name, err)
		s.poisonOnce(wrapped)
		return wrapped
	}
	defer f.Close()

	data := make([]byte, length)
	if _, err := io.ReadFull(f, data); err != nil {
		wrapped := snaperr.Wrap(snaperr.CodeTransferFailed, "RemoteSink.SendPart", s.name, err)
		s.poisonOnce(wrapped)
		return wrapped
	}

	codec := s.codecs.Select(KindPageData, length)
	compressed, err := codec.Compress(data)
	if err != nil {
		wrapped := snaperr.Wrap(snaperr.CodeTransferFailed, "RemoteSink.SendPart", s.name, err)
		s.poisonOnce(wrapped)
		return wrapped
	}

	meta := ChunkMeta{
		SnapshotName: s.name,
		GroupID:      part.GroupID,
		PartitionID:  part.PartitionID,
		CacheDir:     cacheDir,
		TotalParts:   int32(s.totalParts),
		Count:        length,
		Policy:       PolicyFile,
		Payload:      PayloadPart,
		Codec:        codec.Name(),
	}
	if err := s.channel.Send(meta, bytes.NewReader(compressed), int64(len(compressed))); err != nil {
		wrapped := snaperr.Wrap(snaperr.CodeTransferFailed, "RemoteSink.SendPart", s.name, err)
		s.poisonOnce(wrapped)
		return wrapped
	}
	return nil
}

func (s *RemoteSink) SendDelta(deltaFile, cacheDir string, part PartitionID) error {
	if err := s.enter(stageParts); err != nil {
		return err
	}

	data, err := os.ReadFile(deltaFile)
	if err != nil && !os.IsNotExist(err) {
		wrapped := snaperr.Wrap(snaperr.CodeTransferFailed, "RemoteSink.SendDelta", s.name, err)
		s.poisonOnce(wrapped)
		return wrapped
	}

	codec := s.codecs.Select(KindPageData, int64(len(data)))
	compressed, err := codec.Compress(data)
	if err != nil {
		wrapped := snaperr.Wrap(snaperr.CodeTransferFailed, "RemoteSink.SendDelta", s.name, err)
		s.poisonOnce(wrapped)
		return wrapped
	}

	meta := ChunkMeta{
		SnapshotName: s.name,
		GroupID:      part.GroupID,
		PartitionID:  part.PartitionID,
		CacheDir:     cacheDir,
		TotalParts:   int32(s.totalParts),
		Count:        int64(len(data)), // 0 means no delta follows
		Policy:       PolicyChunk,
		Payload:      PayloadDelta,
		Codec:        codec.Name(),
	}
	if err := s.channel.Send(meta, bytes.NewReader(compressed), int64(len(compressed))); err != nil {
		wrapped := snaperr.Wrap(snaperr.CodeTransferFailed, "RemoteSink.SendDelta", s.name, err)
		s.poisonOnce(wrapped)
		return wrapped
	}
	return nil
}

func (s *RemoteSink) Close(sendErr error) error {
	return s.closeOnce(func() error {
		s.poisonOnce(sendErr)
		failure := s.poisoned()
		if err := s.channel.Close(failure); err != nil {
			return err
		}
		return failure
	})
}

package sender

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/mantisdb/snapcluster/pagestore"
)

type recordedChunk struct {
	meta    ChunkMeta
	payload []byte
}

type fakeChannel struct {
	chunks    []recordedChunk
	closeErr  error
	sendErr   error
	closeSeen bool
}

func (c *fakeChannel) Send(meta ChunkMeta, payload io.Reader, wireLen int64) error {
	if c.sendErr != nil {
		return c.sendErr
	}
	data, err := io.ReadAll(payload)
	if err != nil {
		return err
	}
	if int64(len(data)) != wireLen {
		return io.ErrShortWrite
	}
	c.chunks = append(c.chunks, recordedChunk{meta: meta, payload: data})
	return nil
}

func (c *fakeChannel) Close(err error) error {
	c.closeSeen = true
	c.closeErr = err
	return nil
}

func TestRemoteSinkSendPartRoundTripsThroughCodec(t *testing.T) {
	work := t.TempDir()
	ch := &fakeChannel{}
	codecs := NewCodecSet(true, 1<<20)
	s := NewRemoteSink("snap1", ch, codecs, testLogger())

	if err := s.Init(1); err != nil {
		t.Fatalf("Init failed: %v", err)
	}

	partPath := filepath.Join(work, "part-0.bin")
	page := make([]byte, 4096)
	pagestore.EncodeHeader(page, pagestore.PageID(3))
	if err := os.WriteFile(partPath, page, 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	part := PartitionID{GroupID: 2, PartitionID: 0}
	if err := s.SendCacheConfig(partPath, "cache-a"); err != nil {
		t.Fatalf("SendCacheConfig failed: %v", err)
	}
	if err := s.SendTypeMetadata([]byte("types")); err != nil {
		t.Fatalf("SendTypeMetadata failed: %v", err)
	}
	if err := s.SendMappingMetadata([]byte("mappings")); err != nil {
		t.Fatalf("SendMappingMetadata failed: %v", err)
	}
	if err := s.SendPart(partPath, "cache-a", part, int64(len(page))); err != nil {
		t.Fatalf("SendPart failed: %v", err)
	}
	if err := s.Close(nil); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if !ch.closeSeen {
		t.Fatal("channel Close was never called")
	}
	if ch.closeErr != nil {
		t.Errorf("channel closed with unexpected error: %v", ch.closeErr)
	}

	var partChunk *recordedChunk
	for i := range ch.chunks {
		if ch.chunks[i].meta.Policy == PolicyFile && ch.chunks[i].meta.PartitionID == 0 && ch.chunks[i].meta.GroupID == 2 {
			partChunk = &ch.chunks[i]
		}
	}
	if partChunk == nil {
		t.Fatal("SendPart chunk not recorded")
	}
	codec, ok := codecs.ByName(partChunk.meta.Codec)
	if !ok {
		t.Fatalf("unknown codec %q", partChunk.meta.Codec)
	}
	decoded, err := codec.Decompress(partChunk.payload)
	if err != nil {
		t.Fatalf("Decompress failed: %v", err)
	}
	if !bytes.Equal(decoded, page) {
		t.Error("decoded SendPart payload does not match source page")
	}
	if partChunk.meta.Count != int64(len(page)) {
		t.Errorf("meta.Count = %d, want %d", partChunk.meta.Count, len(page))
	}
}

func TestRemoteSinkSendDeltaWithMissingFileSendsZeroCount(t *testing.T) {
	work := t.TempDir()
	ch := &fakeChannel{}
	codecs := NewCodecSet(true, 1<<20)
	s := NewRemoteSink("snap2", ch, codecs, testLogger())

	if err := s.Init(1); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	if err := s.SendTypeMetadata([]byte("t")); err != nil {
		t.Fatalf("SendTypeMetadata failed: %v", err)
	}
	if err := s.SendMappingMetadata([]byte("m")); err != nil {
		t.Fatalf("SendMappingMetadata failed: %v", err)
	}

	part := PartitionID{GroupID: 1, PartitionID: IndexPartition}
	missing := filepath.Join(work, "nope.delta")
	if err := s.SendDelta(missing, "cache-a", part); err != nil {
		t.Fatalf("SendDelta with missing file should succeed with count 0, got: %v", err)
	}
	if err := s.Close(nil); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if len(ch.chunks) == 0 {
		t.Fatal("expected at least one chunk")
	}
	last := ch.chunks[len(ch.chunks)-1]
	if last.meta.Policy != PolicyChunk {
		t.Errorf("last chunk policy = %v, want PolicyChunk", last.meta.Policy)
	}
	if last.meta.Count != 0 {
		t.Errorf("meta.Count = %d, want 0 for a missing delta file", last.meta.Count)
	}
}

func TestRemoteSinkPropagatesChannelFailureOnClose(t *testing.T) {
	ch := &fakeChannel{sendErr: io.ErrClosedPipe}
	codecs := NewCodecSet(true, 1<<20)
	s := NewRemoteSink("snap3", ch, codecs, testLogger())

	if err := s.Init(1); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	if err := s.SendTypeMetadata([]byte("t")); err == nil {
		t.Fatal("SendTypeMetadata over a failing channel should fail")
	}

	if err := s.Close(nil); err == nil {
		t.Fatal("Close should surface the poisoned sender's error")
	}
	if !ch.closeSeen {
		t.Error("channel Close should still be invoked on failure")
	}
}

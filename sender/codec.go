// Codec selection for RemoteSink's wire chunks. The algorithm set and the
// size/kind-based selection policy are adapted from the compression
// engine's "pick an algorithm, then apply it" design: register named
// codecs, then ask a policy which one applies to this chunk.
package sender

import (
	"bytes"
	"io"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Codec is one named (de)compression algorithm.
type Codec interface {
	Name() string
	Compress(data []byte) ([]byte, error)
	Decompress(data []byte) ([]byte, error)
}

// ChunkKind distinguishes metadata chunks from bulk page data for codec
// selection purposes.
type ChunkKind int

const (
	KindMetadata ChunkKind = iota
	KindPageData
)

type noneCodec struct{}

func (noneCodec) Name() string                       { return "none" }
func (noneCodec) Compress(d []byte) ([]byte, error)   { return d, nil }
func (noneCodec) Decompress(d []byte) ([]byte, error) { return d, nil }

type snappyCodec struct{}

func (snappyCodec) Name() string { return "snappy" }
func (snappyCodec) Compress(d []byte) ([]byte, error) {
	return snappy.Encode(nil, d), nil
}
func (snappyCodec) Decompress(d []byte) ([]byte, error) {
	return snappy.Decode(nil, d)
}

type lz4Codec struct{}

func (lz4Codec) Name() string { return "lz4" }
func (lz4Codec) Compress(d []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	if _, err := w.Write(d); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
func (lz4Codec) Decompress(d []byte) ([]byte, error) {
	return io.ReadAll(lz4.NewReader(bytes.NewReader(d)))
}

type zstdCodec struct{}

func (zstdCodec) Name() string { return "zstd" }
func (zstdCodec) Compress(d []byte) ([]byte, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, err
	}
	defer enc.Close()
	return enc.EncodeAll(d, nil), nil
}
func (zstdCodec) Decompress(d []byte) ([]byte, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	return dec.DecodeAll(d, nil)
}

// CodecSet registers the codecs a RemoteSink may pick from and applies a
// size/kind policy to choose one per chunk.
type CodecSet struct {
	enabled          bool
	archivalMinBytes int64
	codecs           map[string]Codec
}

// NewCodecSet builds the standard codec set: snappy for metadata, lz4 for
// page data below archivalMinBytes, zstd at or above it. Passing
// enabled=false makes Select always return the "none" codec, used when
// compression is turned off in config.
func NewCodecSet(enabled bool, archivalMinBytes int64) *CodecSet {
	cs := &CodecSet{
		enabled:          enabled,
		archivalMinBytes: archivalMinBytes,
		codecs:           make(map[string]Codec),
	}
	for _, c := range []Codec{noneCodec{}, snappyCodec{}, lz4Codec{}, zstdCodec{}} {
		cs.codecs[c.Name()] = c
	}
	return cs
}

// Select picks the codec to use for a chunk of the given kind and size.
func (cs *CodecSet) Select(kind ChunkKind, size int64) Codec {
	if !cs.enabled {
		return cs.codecs["none"]
	}
	switch kind {
	case KindMetadata:
		return cs.codecs["snappy"]
	default:
		if size >= cs.archivalMinBytes {
			return cs.codecs["zstd"]
		}
		return cs.codecs["lz4"]
	}
}

// ByName looks up a codec by the name recorded in a chunk's metadata, for
// use on the receiving side.
func (cs *CodecSet) ByName(name string) (Codec, bool) {
	c, ok := cs.codecs[name]
	return c, ok
}

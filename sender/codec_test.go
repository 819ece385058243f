package sender

import (
	"bytes"
	"testing"
)

func TestCodecSetSelectsSnappyForMetadata(t *testing.T) {
	cs := NewCodecSet(true, 1024)
	c := cs.Select(KindMetadata, 9999999)
	if c.Name() != "snappy" {
		t.Errorf("Select(KindMetadata) = %q, want snappy", c.Name())
	}
}

func TestCodecSetSelectsLz4BelowThresholdZstdAbove(t *testing.T) {
	cs := NewCodecSet(true, 1024)

	if c := cs.Select(KindPageData, 100); c.Name() != "lz4" {
		t.Errorf("Select(KindPageData, 100) = %q, want lz4", c.Name())
	}
	if c := cs.Select(KindPageData, 1024); c.Name() != "zstd" {
		t.Errorf("Select(KindPageData, 1024) = %q, want zstd", c.Name())
	}
	if c := cs.Select(KindPageData, 5000); c.Name() != "zstd" {
		t.Errorf("Select(KindPageData, 5000) = %q, want zstd", c.Name())
	}
}

func TestCodecSetDisabledAlwaysReturnsNone(t *testing.T) {
	cs := NewCodecSet(false, 1024)
	if c := cs.Select(KindPageData, 999999); c.Name() != "none" {
		t.Errorf("Select() with disabled set = %q, want none", c.Name())
	}
	if c := cs.Select(KindMetadata, 1); c.Name() != "none" {
		t.Errorf("Select(KindMetadata) with disabled set = %q, want none", c.Name())
	}
}

func TestEachCodecRoundTrips(t *testing.T) {
	cs := NewCodecSet(true, 1024)
	data := bytes.Repeat([]byte("the quick brown fox jumps over the lazy dog "), 200)

	for _, name := range []string{"none", "snappy", "lz4", "zstd"} {
		c, ok := cs.ByName(name)
		if !ok {
			t.Fatalf("ByName(%q) not found", name)
		}
		compressed, err := c.Compress(data)
		if err != nil {
			t.Fatalf("%s Compress failed: %v", name, err)
		}
		out, err := c.Decompress(compressed)
		if err != nil {
			t.Fatalf("%s Decompress failed: %v", name, err)
		}
		if !bytes.Equal(out, data) {
			t.Errorf("%s round trip mismatch", name)
		}
	}
}

func TestByNameUnknownCodec(t *testing.T) {
	cs := NewCodecSet(true, 1024)
	if _, ok := cs.ByName("bzip2"); ok {
		t.Error("ByName(\"bzip2\") should not be found")
	}
}

// Package pagestore implements PartitionPageStore: a random-access file of
// fixed-size pages addressed by PageId, with a CRC embedded in each page's
// header and a three-state recovery mode used while a delta is being
// replayed onto a freshly copied partition file.
//
// The header is laid down with its checksum field zeroed, then just that
// field is overwritten once the checksum over the full page is known, so
// a page on disk is always self-verifying.
package pagestore

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"sync"

	"github.com/mantisdb/snapcluster/snaperr"
)

const (
	// HeaderSize is the fixed page-header size: 8 bytes of PageID followed
	// by a 4-byte CRC computed over the rest of the page with the CRC field
	// zeroed, then 4 reserved bytes.
	HeaderSize  = 16
	pageIDOff   = 0
	crcOff      = 8
	reservedOff = 12
)

// Mode is the store's three-state recovery mode.
type Mode int

const (
	Normal Mode = iota
	Recovering
)

// PageID identifies a page within a partition's page store.
type PageID uint64

// PageIndex returns the in-partition page slot a PageID maps to. Real
// page-id encodings pack group/partition bits into the high word; since a
// Store is opened for exactly one partition, only the low 32 bits (the
// page index within that partition) matter here.
func PageIndex(id PageID) uint32 {
	return uint32(id)
}

// EncodeHeader writes pageID and a freshly computed CRC32 into buf's
// header region. buf must be exactly PageSize bytes.
func EncodeHeader(buf []byte, id PageID) {
	binary.LittleEndian.PutUint64(buf[pageIDOff:], uint64(id))
	binary.LittleEndian.PutUint32(buf[crcOff:], 0)
	binary.LittleEndian.PutUint32(buf[reservedOff:], 0)
	sum := checksum(buf)
	binary.LittleEndian.PutUint32(buf[crcOff:], sum)
}

// VerifyHeader reports whether buf's embedded CRC matches its content, and
// returns the PageID the header claims.
func VerifyHeader(buf []byte) (PageID, bool) {
	id := PageID(binary.LittleEndian.Uint64(buf[pageIDOff:]))
	want := binary.LittleEndian.Uint32(buf[crcOff:])
	got := checksum(buf)
	return id, got == want
}

func checksum(buf []byte) uint32 {
	tmp := make([]byte, len(buf))
	copy(tmp, buf)
	binary.LittleEndian.PutUint32(tmp[crcOff:], 0)
	return crc32.ChecksumIEEE(tmp)
}

// Store is a partition's on-disk page file: an ordered sequence of
// PageSize pages, supporting random-access read/write and a bracketed
// recovery mode for delta replay.
type Store struct {
	mu          sync.Mutex
	file        *os.File
	path        string
	groupID     int32
	partitionID int32
	pageSize    int
	pageCount   uint32
	mode        Mode
}

// Open opens (creating if necessary) the page store backing
// (groupID, partitionID) at path.
func Open(path string, groupID, partitionID int32, pageSize int) (*Store, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, snaperr.Wrap(snaperr.CodeStorageFailed, "pagestore.Open", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, snaperr.Wrap(snaperr.CodeStorageFailed, "pagestore.Open", path, err)
	}

	s := &Store{
		file:        f,
		path:        path,
		groupID:     groupID,
		partitionID: partitionID,
		pageSize:    pageSize,
		pageCount:   uint32(info.Size()) / uint32(pageSize),
		mode:        Normal,
	}
	return s, nil
}

// Path returns the backing file path.
func (s *Store) Path() string { return s.path }

// GroupID returns the cache-group id this store was opened for.
func (s *Store) GroupID() int32 { return s.groupID }

// PartitionID returns the partition id this store was opened for.
func (s *Store) PartitionID() int32 { return s.partitionID }

// Size returns the store's current size in bytes; always a multiple of
// page size.
func (s *Store) Size() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return uint64(s.pageCount) * uint64(s.pageSize)
}

// BeginRecover transitions the store into Recovering mode. In Recovering
// mode, Write persists pages without CRC/integrity checks so a delta can be
// replayed page-by-page even out of order.
func (s *Store) BeginRecover() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mode != Normal {
		return snaperr.New(snaperr.CodeStorageFailed, "pagestore.BeginRecover", s.path)
	}
	s.mode = Recovering
	return nil
}

// FinishRecover revalidates every page's CRC and returns to Normal mode.
// It fails with CodeInvalidPage on the first checksum mismatch found.
func (s *Store) FinishRecover() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mode != Recovering {
		return snaperr.New(snaperr.CodeStorageFailed, "pagestore.FinishRecover", s.path)
	}

	buf := make([]byte, s.pageSize)
	for idx := uint32(0); idx < s.pageCount; idx++ {
		if _, err := s.file.ReadAt(buf, int64(idx)*int64(s.pageSize)); err != nil {
			return snaperr.Wrap(snaperr.CodeStorageFailed, "pagestore.FinishRecover", s.path, err)
		}
		if _, ok := VerifyHeader(buf); !ok {
			return snaperr.New(snaperr.CodeInvalidPage, "pagestore.FinishRecover", s.path)
		}
	}

	if err := s.file.Sync(); err != nil {
		return snaperr.Wrap(snaperr.CodeStorageFailed, "pagestore.FinishRecover", s.path, err)
	}
	s.mode = Normal
	return nil
}

// Write persists buf (exactly pageSize bytes) at the slot id maps to. In
// Normal mode the embedded CRC is recomputed before the write so the page
// is always self-verifying on disk; in Recovering mode buf is written
// as-is (FinishRecover revalidates afterward).
//
// Writes always grow the file by whole pages: writing at an index beyond
// the current tail zero-fills the intervening pages, so the file tail is
// never torn.
func (s *Store) Write(id PageID, buf []byte) error {
	if len(buf) != s.pageSize {
		return snaperr.New(snaperr.CodeStorageFailed, "pagestore.Write", s.path)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.mode == Normal {
		EncodeHeader(buf, id)
	}

	idx := PageIndex(id)
	off := int64(idx) * int64(s.pageSize)
	if _, err := s.file.WriteAt(buf, off); err != nil {
		return snaperr.Wrap(snaperr.CodeStorageFailed, "pagestore.Write", s.path, err)
	}
	if idx+1 > s.pageCount {
		s.pageCount = idx + 1
	}
	return nil
}

// Read reads the page at id's slot into buf (which must be pageSize
// bytes). It fails with CodeInvalidPage if the page's embedded CRC does
// not match its content.
func (s *Store) Read(id PageID, buf []byte) error {
	if len(buf) != s.pageSize {
		return snaperr.New(snaperr.CodeStorageFailed, "pagestore.Read", s.path)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	idx := PageIndex(id)
	if idx >= s.pageCount {
		return snaperr.New(snaperr.CodeStorageFailed, "pagestore.Read", s.path)
	}

	off := int64(idx) * int64(s.pageSize)
	if _, err := s.file.ReadAt(buf, off); err != nil {
		return snaperr.Wrap(snaperr.CodeStorageFailed, "pagestore.Read", s.path, err)
	}
	if _, ok := VerifyHeader(buf); !ok {
		return snaperr.New(snaperr.CodeInvalidPage, "pagestore.Read", s.path)
	}
	return nil
}

// Truncate truncates the store to exactly n bytes (must be a multiple of
// page size), the "clean copy" length captured at the checkpoint boundary.
func (s *Store) Truncate(n int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n%int64(s.pageSize) != 0 {
		return fmt.Errorf("pagestore: truncate length %d is not a page multiple", n)
	}
	if err := s.file.Truncate(n); err != nil {
		return snaperr.Wrap(snaperr.CodeStorageFailed, "pagestore.Truncate", s.path, err)
	}
	s.pageCount = uint32(n / int64(s.pageSize))
	return nil
}

// Close flushes and closes the backing file.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.file.Sync(); err != nil {
		s.file.Close()
		return snaperr.Wrap(snaperr.CodeStorageFailed, "pagestore.Close", s.path, err)
	}
	return s.file.Close()
}

package sender

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/mantisdb/snapcluster/logging"
	"github.com/mantisdb/snapcluster/pagestore"
	"github.com/mantisdb/snapcluster/snaperr"
)

const (
	binaryMetaDirName  = "binary_meta"
	mappingMetaDirName = "marshaller_mapping"
)

// Marker is the narrow metastore capability LocalSink needs: recording
// that a named snapshot is in progress, written atomically under the
// checkpoint read lock.
type Marker interface {
	SetInProgress(snapshotName string) error
}

// CheckpointLocker is the narrow checkpoint-subsystem capability LocalSink
// needs to make its first write (the in-progress marker) atomic with
// respect to concurrent cache-group mutation.
type CheckpointLocker interface {
	AcquireCheckpointReadLock() (release func(), err error)
}

// LocalSink writes a snapshot's files into a directory tree on the local
// node: <snapRoot>/<snapName>/db/<nodeFolder>/<cacheDir>/...
type LocalSink struct {
	base

	root       string
	name       string
	nodeFolder string
	pageSize   int
	marker     Marker
	locker     CheckpointLocker
	log        *logging.Logger
}

// NewLocalSink constructs a LocalSink for one node's share of a snapshot.
func NewLocalSink(root, name, nodeFolder string, pageSize int, marker Marker, locker CheckpointLocker, log *logging.Logger) *LocalSink {
	return &LocalSink{
		root:       root,
		name:       name,
		nodeFolder: nodeFolder,
		pageSize:   pageSize,
		marker:     marker,
		locker:     locker,
		log:        log.WithComponent("sender.local").WithSnapshot(name),
	}
}

func (s *LocalSink) snapDir() string {
	return filepath.Join(s.root, s.name)
}

func (s *LocalSink) nodeDir() string {
	return filepath.Join(s.snapDir(), "db", s.nodeFolder)
}

func partFileName(part PartitionID) string {
	if part.PartitionID == IndexPartition {
		return "index.bin"
	}
	return fmt.Sprintf("part-%d.bin", part.PartitionID)
}

// Init writes the "snapshot in progress" marker atomically under the
// checkpoint read lock, then creates the snapshot directory tree.
func (s *LocalSink) Init(totalParts uint32) error {
	if err := s.enter(stageInit); err != nil {
		return err
	}

	release, err := s.locker.AcquireCheckpointReadLock()
	if err != nil {
		wrapped := snaperr.Wrap(snaperr.CodeStorageFailed, "LocalSink.Init", s.name, err)
		s.poisonOnce(wrapped)
		return wrapped
	}
	defer release()

	if err := s.marker.SetInProgress(s.name); err != nil {
		wrapped := snaperr.Wrap(snaperr.CodeStorageFailed, "LocalSink.Init", s.name, err)
		s.poisonOnce(wrapped)
		return wrapped
	}

	if err := os.MkdirAll(s.nodeDir(), 0755); err != nil {
		wrapped := snaperr.Wrap(snaperr.CodeStorageFailed, "LocalSink.Init", s.name, err)
		s.poisonOnce(wrapped)
		return wrapped
	}

	s.log.Info("snapshot directory initialized", map[string]interface{}{"total_parts": totalParts})
	return nil
}

// SendCacheConfig copies cfgFile into the target cache directory.
func (s *LocalSink) SendCacheConfig(cfgFile, cacheDir string) error {
	if err := s.enter(stageCacheConfig); err != nil {
		return err
	}
	dir := filepath.Join(s.nodeDir(), cacheDir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		wrapped := snaperr.Wrap(snaperr.CodeTransferFailed, "LocalSink.SendCacheConfig", s.name, err)
		s.poisonOnce(wrapped)
		return wrapped
	}
	dest := filepath.Join(dir, filepath.Base(cfgFile))
	if err := copyWhole(cfgFile, dest); err != nil {
		wrapped := snaperr.Wrap(snaperr.CodeTransferFailed, "LocalSink.SendCacheConfig", s.name, err)
		s.poisonOnce(wrapped)
		return wrapped
	}
	return nil
}

// SendTypeMetadata writes the binary-type metadata blob under the
// snapshot's top-level binary-metadata directory.
func (s *LocalSink) SendTypeMetadata(types []byte) error {
	if err := s.enter(stageTypeMeta); err != nil {
		return err
	}
	dir := filepath.Join(s.snapDir(), binaryMetaDirName)
	if err := os.MkdirAll(dir, 0755); err != nil {
		wrapped := snaperr.Wrap(snaperr.CodeTransferFailed, "LocalSink.SendTypeMetadata", s.name, err)
		s.poisonOnce(wrapped)
		return wrapped
	}
	if err := os.WriteFile(filepath.Join(dir, "types.bin"), types, 0644); err != nil {
		wrapped := snaperr.Wrap(snaperr.CodeTransferFailed, "LocalSink.SendTypeMetadata", s.name, err)
		s.poisonOnce(wrapped)
		return wrapped
	}
	return nil
}

// SendMappingMetadata writes the marshaller-mapping metadata blob under
// the snapshot's top-level mapping-metadata directory.
func (s *LocalSink) SendMappingMetadata(mappings []byte) error {
	if err := s.enter(stageMappingMeta); err != nil {
		return err
	}
	dir := filepath.Join(s.snapDir(), mappingMetaDirName)
	if err := os.MkdirAll(dir, 0755); err != nil {
		wrapped := snaperr.Wrap(snaperr.CodeTransferFailed, "LocalSink.SendMappingMetadata", s.name, err)
		s.poisonOnce(wrapped)
		return wrapped
	}
	if err := os.WriteFile(filepath.Join(dir, "mappings.bin"), mappings, 0644); err != nil {
		wrapped := snaperr.Wrap(snaperr.CodeTransferFailed, "LocalSink.SendMappingMetadata", s.name, err)
		s.poisonOnce(wrapped)
		return wrapped
	}
	return nil
}

// SendPart copies at most length bytes of file (the clean, checkpoint-
// boundary copy of the partition) into the snapshot directory.
func (s *LocalSink) SendPart(file, cacheDir string, part PartitionID, length int64) error {
	if err := s.enter(stageParts); err != nil {
		return err
	}
	dir := filepath.Join(s.nodeDir(), cacheDir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		wrapped := snaperr.Wrap(snaperr.CodeTransferFailed, "LocalSink.SendPart", s.name, err)
		s.poisonOnce(wrapped)
		return wrapped
	}
	dest := filepath.Join(dir, partFileName(part))
	if err := copyN(file, dest, length); err != nil {
		wrapped := snaperr.Wrap(snaperr.CodeTransferFailed, "LocalSink.SendPart", s.name, err)
		s.poisonOnce(wrapped)
		return wrapped
	}
	return nil
}

// SendDelta applies deltaFile to the partition file just written by
// SendPart, walking it page by page under a begin/finish-recover bracket.
func (s *LocalSink) SendDelta(deltaFile, cacheDir string, part PartitionID) error {
	if err := s.enter(stageParts); err != nil {
		return err
	}

	dest := filepath.Join(s.nodeDir(), cacheDir, partFileName(part))
	store, err := pagestore.Open(dest, part.GroupID, part.PartitionID, s.pageSize)
	if err != nil {
		wrapped := snaperr.Wrap(snaperr.CodeTransferFailed, "LocalSink.SendDelta", s.name, err)
		s.poisonOnce(wrapped)
		return wrapped
	}
	defer store.Close()

	if err := applyDelta(store, deltaFile, s.pageSize); err != nil {
		s.poisonOnce(err)
		return err
	}
	return nil
}

// applyDelta replays every page in deltaFile onto store under a
// begin/finish-recover bracket.
func applyDelta(store *pagestore.Store, deltaFile string, pageSize int) error {
	if err := store.BeginRecover(); err != nil {
		return snaperr.Wrap(snaperr.CodeStorageFailed, "applyDelta", deltaFile, err)
	}

	f, err := os.Open(deltaFile)
	if err != nil {
		if os.IsNotExist(err) {
			// A zero-length delta is valid: nothing to replay.
			return store.FinishRecover()
		}
		return snaperr.Wrap(snaperr.CodeStorageFailed, "applyDelta", deltaFile, err)
	}
	defer f.Close()

	buf := make([]byte, pageSize)
	for {
		if _, err := io.ReadFull(f, buf); err != nil {
			if err == io.EOF {
				break
			}
			return snaperr.Wrap(snaperr.CodeStorageFailed, "applyDelta", deltaFile, err)
		}
		id, _ := pagestore.VerifyHeader(buf)
		if err := store.Write(id, buf); err != nil {
			return err
		}
	}

	return store.FinishRecover()
}

// Close leaves the in-progress marker for the END phase to clear on
// success; on failure it deletes the partial snapshot directory and returns
// the failure.
func (s *LocalSink) Close(sendErr error) error {
	return s.closeOnce(func() error {
		s.poisonOnce(sendErr)
		failure := s.poisoned()
		if failure == nil {
			return nil
		}
		s.log.Warn("cleaning up partial snapshot directory", map[string]interface{}{"cause": failure.Error()})
		if err := os.RemoveAll(s.snapDir()); err != nil {
			return snaperr.Wrap(snaperr.CodeStorageFailed, "LocalSink.Close", s.name, err)
		}
		return failure
	})
}

func copyWhole(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	return copyReaderN(in, dst, -1)
}

func copyN(src, dst string, n int64) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	return copyReaderN(in, dst, n)
}

func copyReaderN(r io.Reader, dst string, n int64) error {
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if n < 0 {
		_, err = io.Copy(out, r)
	} else {
		_, err = io.CopyN(out, r, n)
	}
	if err != nil {
		return err
	}
	return out.Sync()
}

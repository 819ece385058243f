// Package metastore persists the cluster-wide "snapshot in progress"
// marker and runs crash recovery against it: the marker file is loaded on
// open and atomically rewritten on every mutation.
package metastore

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/mantisdb/snapcluster/logging"
	"github.com/mantisdb/snapcluster/snaperr"
)

const inProgressKey = "snapshot_in_progress"

type document struct {
	Entries map[string]string `json:"entries"`
}

// MetaStore persists the in-progress marker to a small JSON file and, on
// node startup, deletes any snapshot directory a crash interrupted.
type MetaStore struct {
	mu          sync.Mutex
	path        string
	doc         document
	snapRoot    string
	tmpWorkDir  string
	interrupted string
	log         *logging.Logger
}

// Open loads (or creates) the metastore file at path.
func Open(path, snapRoot, tmpWorkDir string, log *logging.Logger) (*MetaStore, error) {
	m := &MetaStore{
		path:       path,
		snapRoot:   snapRoot,
		tmpWorkDir: tmpWorkDir,
		log:        log.WithComponent("metastore"),
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			m.doc = document{Entries: make(map[string]string)}
			return m, nil
		}
		return nil, snaperr.Wrap(snaperr.CodeStorageFailed, "metastore.Open", path, err)
	}
	if err := json.Unmarshal(data, &m.doc); err != nil {
		return nil, snaperr.Wrap(snaperr.CodeStorageFailed, "metastore.Open", path, err)
	}
	if m.doc.Entries == nil {
		m.doc.Entries = make(map[string]string)
	}
	return m, nil
}

func (m *MetaStore) save() error {
	data, err := json.MarshalIndent(m.doc, "", "  ")
	if err != nil {
		return snaperr.Wrap(snaperr.CodeStorageFailed, "metastore.save", m.path, err)
	}
	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return snaperr.Wrap(snaperr.CodeStorageFailed, "metastore.save", m.path, err)
	}
	if err := os.Rename(tmp, m.path); err != nil {
		return snaperr.Wrap(snaperr.CodeStorageFailed, "metastore.save", m.path, err)
	}
	return nil
}

// SetInProgress records snapshotName as in-progress. Callers are expected
// to hold the checkpoint read lock when invoking this (LocalSink.Init does),
// so this method does not acquire one itself.
func (m *MetaStore) SetInProgress(snapshotName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.doc.Entries[inProgressKey] = snapshotName
	return m.save()
}

// ClearInProgress removes the in-progress marker unconditionally; the END
// phase calls this whether or not the run failed.
func (m *MetaStore) ClearInProgress() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.doc.Entries, inProgressKey)
	return m.save()
}

// InProgress returns the currently recorded in-progress snapshot name, if
// any.
func (m *MetaStore) InProgress() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	name, ok := m.doc.Entries[inProgressKey]
	return name, ok
}

// OnReadyForRead runs on metastore ready-for-read: if a snapshot was left
// in-progress, a crash interrupted it, so its directory and temp work
// directory are deleted. Idempotent: a repeat call finds the directories
// already gone and is a no-op.
func (m *MetaStore) OnReadyForRead() error {
	name, ok := m.InProgress()
	if !ok {
		return nil
	}

	if err := os.RemoveAll(filepath.Join(m.snapRoot, name)); err != nil {
		return snaperr.Wrap(snaperr.CodeStorageFailed, "metastore.OnReadyForRead", name, err)
	}
	if err := os.RemoveAll(filepath.Join(m.tmpWorkDir, name)); err != nil {
		return snaperr.Wrap(snaperr.CodeStorageFailed, "metastore.OnReadyForRead", name, err)
	}

	m.mu.Lock()
	m.interrupted = name
	m.mu.Unlock()

	m.log.Warn("deleted snapshot directory left behind by a crash", map[string]interface{}{"snapshot_name": name})
	return nil
}

// OnReadyForReadWrite runs on metastore ready-for-read-write: if the
// interrupted marker recorded by OnReadyForRead in this session is still
// set, it is cleared now that recovery has run.
func (m *MetaStore) OnReadyForReadWrite() error {
	m.mu.Lock()
	interrupted := m.interrupted
	m.mu.Unlock()
	if interrupted == "" {
		return nil
	}

	name, ok := m.InProgress()
	if ok && name == interrupted {
		if err := m.ClearInProgress(); err != nil {
			return err
		}
	}

	m.mu.Lock()
	m.interrupted = ""
	m.mu.Unlock()
	return nil
}

// GetSnapshots lists snapshot names present under the snapshot root.
func (m *MetaStore) GetSnapshots() ([]string, error) {
	entries, err := os.ReadDir(m.snapRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, snaperr.Wrap(snaperr.CodeStorageFailed, "metastore.GetSnapshots", m.snapRoot, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		// Dot-directories are never snapshots; the temp work dir may live
		// under the snapshot root as <root>/.tmp.
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

// Command snapcluster-demo is a single-node reference deployment of the
// snapshot engine: it backs a handful of cache-group partitions with real
// page-store files on disk, drives a live write workload against them, and
// exercises the full operational API (create, list, remote request) the
// way a cache-processor host would.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mantisdb/snapcluster/config"
	"github.com/mantisdb/snapcluster/deltawriter"
	"github.com/mantisdb/snapcluster/engine"
	"github.com/mantisdb/snapcluster/logging"
	"github.com/mantisdb/snapcluster/pagestore"
	"github.com/mantisdb/snapcluster/shutdown"
	"github.com/mantisdb/snapcluster/task"
)

func main() {
	cfgPath := flag.String("config", "", "path to engine config YAML (optional)")
	dataDir := flag.String("data-dir", "./snapcluster-data", "directory holding this node's partition files")
	nodeID := flag.String("node-id", "node-1", "this node's cluster id")
	groups := flag.Int("groups", 2, "number of cache groups to simulate")
	partsPerGroup := flag.Int("parts-per-group", 4, "partitions per cache group")
	snapName := flag.String("snapshot", "", "if set, create this snapshot once at startup and exit after it completes")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	cfg.Storage.SnapshotRoot = filepath.Join(*dataDir, "snapshots")
	cfg.Storage.TempWorkDir = filepath.Join(*dataDir, "tmp")

	lg := logging.New(logging.Config{Level: parseLevel(cfg.Logging.Level)})

	host, err := newFileHost(*dataDir, *groups, *partsPerGroup, cfg.Storage.PageSize)
	if err != nil {
		log.Fatalf("init partitions: %v", err)
	}

	eng, err := engine.New(cfg, host, *nodeID, nil, nil, lg)
	if err != nil {
		log.Fatalf("start engine: %v", err)
	}

	sd := shutdown.NewManager(lg, 30*time.Second)
	sd.Register("engine", 0, func(ctx context.Context) error {
		eng.Shutdown(20 * time.Second)
		return nil
	})
	sd.Listen()

	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", eng.MetricsHandler())
		go func() {
			if err := http.ListenAndServe(cfg.Metrics.ListenAddr, mux); err != nil && err != http.ErrServerClosed {
				lg.Warn(fmt.Sprintf("metrics server stopped: %v", err))
			}
		}()
	}

	stop := host.startWriteWorkload()
	defer stop()

	if *snapName != "" {
		runOneSnapshot(eng, *snapName, lg)
		if err := sd.Shutdown(); err != nil {
			lg.Warn(fmt.Sprintf("shutdown finished with error: %v", err))
		}
		return
	}

	lg.Info(fmt.Sprintf("snapcluster-demo node %s ready, %d groups x %d partitions under %s", *nodeID, *groups, *partsPerGroup, *dataDir))
	if err := sd.Wait(); err != nil {
		lg.Warn(fmt.Sprintf("shutdown finished with error: %v", err))
	}
}

func runOneSnapshot(eng *engine.Engine, name string, lg *logging.Logger) {
	future, err := eng.CreateSnapshot(name, nil)
	if err != nil {
		lg.Error(fmt.Sprintf("create snapshot %s: %v", name, err))
		os.Exit(1)
	}
	if err := future.Wait(); err != nil {
		lg.Error(fmt.Sprintf("snapshot %s failed: %v", name, err))
		os.Exit(1)
	}
	lg.Info(fmt.Sprintf("snapshot %s complete", name))
}

func parseLevel(s string) logging.Level {
	switch s {
	case "debug":
		return logging.Debug
	case "warn":
		return logging.Warn
	case "error":
		return logging.Error
	default:
		return logging.Info
	}
}

// fileHost is the reference engine.GroupHost: every partition is a real
// pagestore.Store file under dataDir/groups/group-<g>/part-<p>.bin, and a
// background goroutine writes random pages to simulate live traffic so a
// snapshot taken mid-run has something interesting to capture.
type fileHost struct {
	dataDir   string
	pageSize  int
	groups    []int32
	parts     map[int32][]int32
	storePath map[[2]int32]string

	writersMu sync.RWMutex
	writers   map[[2]int32]*deltawriter.Writer
}

func newFileHost(dataDir string, groups, partsPerGroup, pageSize int) (*fileHost, error) {
	h := &fileHost{
		dataDir:   dataDir,
		pageSize:  pageSize,
		parts:     make(map[int32][]int32),
		storePath: make(map[[2]int32]string),
		writers:   make(map[[2]int32]*deltawriter.Writer),
	}
	for g := 0; g < groups; g++ {
		gid := int32(g)
		h.groups = append(h.groups, gid)
		dir := filepath.Join(dataDir, "groups", fmt.Sprintf("group-%d", gid))
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}
		cfgPath := filepath.Join(dir, "cache.xml")
		if err := os.WriteFile(cfgPath, []byte(fmt.Sprintf("<cache name=\"group-%d\"/>\n", gid)), 0644); err != nil {
			return nil, err
		}
		for p := 0; p < partsPerGroup; p++ {
			pid := int32(p)
			h.parts[gid] = append(h.parts[gid], pid)
			path := filepath.Join(dir, fmt.Sprintf("part-%d.bin", pid))
			store, err := pagestore.Open(path, gid, pid, pageSize)
			if err != nil {
				return nil, err
			}
			// seed one page so the file is non-empty at startup.
			buf := make([]byte, pageSize)
			pagestore.EncodeHeader(buf, pagestore.PageID(0))
			if err := store.Write(pagestore.PageID(0), buf); err != nil {
				return nil, err
			}
			store.Close()
			h.storePath[[2]int32{gid, pid}] = path
		}
	}
	return h, nil
}

// startWriteWorkload simulates the storage engine's checkpoint writer:
// every tick it picks a random partition and overwrites a random page,
// routing the pre-image through any installed DeltaWriter before the
// dirty page is persisted.
func (h *fileHost) startWriteWorkload() (stop func()) {
	ticker := time.NewTicker(20 * time.Millisecond)
	done := make(chan struct{})
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				h.writeRandomPage()
			}
		}
	}()
	return func() { close(done) }
}

func (h *fileHost) writeRandomPage() {
	if len(h.groups) == 0 {
		return
	}
	gid := h.groups[rand.Intn(len(h.groups))]
	pids := h.parts[gid]
	pid := pids[rand.Intn(len(pids))]
	key := [2]int32{gid, pid}

	path := h.storePath[key]
	store, err := pagestore.Open(path, gid, pid, h.pageSize)
	if err != nil {
		return
	}
	defer store.Close()

	pageID := pagestore.PageID(rand.Intn(64))
	preImage := make([]byte, h.pageSize)
	if err := store.Read(pageID, preImage); err == nil {
		h.writersMu.RLock()
		w, ok := h.writers[key]
		h.writersMu.RUnlock()
		if ok {
			w.OnPageWrite(pageID, preImage)
		}
	}

	newPage := make([]byte, h.pageSize)
	pagestore.EncodeHeader(newPage, pageID)
	store.Write(pageID, newPage)
}

func (h *fileHost) LocalGroups() ([]int32, error) {
	return h.groups, nil
}

func (h *fileHost) LocalPartitions(groupID int32, requested []int32) ([]int32, error) {
	if len(requested) > 0 {
		return requested, nil
	}
	return h.parts[groupID], nil
}

func (h *fileHost) PartitionStorePath(groupID, partitionID int32) (string, int64, error) {
	path := h.storePath[[2]int32{groupID, partitionID}]
	info, err := os.Stat(path)
	if err != nil {
		return "", 0, err
	}
	return path, info.Size(), nil
}

func (h *fileHost) CacheConfigs(groupID int32) (map[string]string, error) {
	cacheDir := fmt.Sprintf("group-%d", groupID)
	cfgPath := filepath.Join(h.dataDir, "groups", cacheDir, "cache.xml")
	return map[string]string{cacheDir: cfgPath}, nil
}

func (h *fileHost) CacheDirFor(groupID, partitionID int32) (string, error) {
	return fmt.Sprintf("group-%d", groupID), nil
}

func (h *fileHost) TypeMetadata() ([]byte, error) {
	return []byte("binary-types-v1"), nil
}

func (h *fileHost) MappingMetadata() ([]byte, error) {
	return []byte("marshaller-mappings-v1"), nil
}

func (h *fileHost) InstallDeltaWriter(groupID, partitionID int32, deltaPath string, pageSize int) (*deltawriter.Writer, error) {
	w, err := deltawriter.Open(groupID, partitionID, deltaPath, pageSize)
	if err != nil {
		return nil, err
	}
	h.writersMu.Lock()
	h.writers[[2]int32{groupID, partitionID}] = w
	h.writersMu.Unlock()
	return w, nil
}

func (h *fileHost) RemoveDeltaWriter(groupID, partitionID int32) {
	h.writersMu.Lock()
	delete(h.writers, [2]int32{groupID, partitionID})
	h.writersMu.Unlock()
}

func (h *fileHost) AcquireCheckpointReadLock() (func(), error) {
	return func() {}, nil
}

var _ task.Host = (*fileHost)(nil)

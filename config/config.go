// Package config loads the snapshot engine's static configuration from a
// YAML file, with environment variable overrides, following the same
// load-then-override pattern as the rest of the fleet's config packages.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EngineConfig holds everything the snapshot engine needs to construct
// itself: directory layout, worker pool sizing, page geometry and the
// remote-transfer policy.
type EngineConfig struct {
	Storage     StorageConfig     `yaml:"storage"`
	Worker      WorkerConfig      `yaml:"worker"`
	Remote      RemoteConfig      `yaml:"remote"`
	Compression CompressionConfig `yaml:"compression"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// StorageConfig controls where snapshot artifacts live on disk.
type StorageConfig struct {
	SnapshotRoot string `yaml:"snapshot_root" env:"SNAPCLUSTER_SNAPSHOT_ROOT"`
	TempWorkDir  string `yaml:"temp_work_dir" env:"SNAPCLUSTER_TEMP_DIR"`
	PageSize     int    `yaml:"page_size" env:"SNAPCLUSTER_PAGE_SIZE"`
}

// WorkerConfig controls the bounded pool that copies partitions and emits deltas.
type WorkerConfig struct {
	PoolSize int `yaml:"pool_size" env:"SNAPCLUSTER_POOL_SIZE"`
}

// RemoteConfig controls the remote-snapshot request handshake.
type RemoteConfig struct {
	RequestTimeout time.Duration `yaml:"request_timeout" env:"SNAPCLUSTER_REMOTE_TIMEOUT"`
}

// CompressionConfig controls the codec policy used by sender.RemoteSink.
type CompressionConfig struct {
	Enabled          bool  `yaml:"enabled" env:"SNAPCLUSTER_COMPRESSION_ENABLED"`
	ArchivalMinBytes int64 `yaml:"archival_min_bytes" env:"SNAPCLUSTER_ARCHIVAL_MIN_BYTES"`
}

// MetricsConfig controls the Prometheus exporter.
type MetricsConfig struct {
	Enabled    bool   `yaml:"enabled" env:"SNAPCLUSTER_METRICS_ENABLED"`
	ListenAddr string `yaml:"listen_addr" env:"SNAPCLUSTER_METRICS_ADDR"`
}

// LoggingConfig controls the structured logger.
type LoggingConfig struct {
	Level string `yaml:"level" env:"SNAPCLUSTER_LOG_LEVEL"`
}

// Default returns an EngineConfig with sane defaults for a single-node
// development cluster.
func Default() *EngineConfig {
	return &EngineConfig{
		Storage: StorageConfig{
			SnapshotRoot: "./snapshots",
			TempWorkDir:  "./snapshots/.tmp",
			PageSize:     4096,
		},
		Worker: WorkerConfig{
			PoolSize: 4,
		},
		Remote: RemoteConfig{
			RequestTimeout: 15 * time.Second,
		},
		Compression: CompressionConfig{
			Enabled:          true,
			ArchivalMinBytes: 1 << 20,
		},
		Metrics: MetricsConfig{
			Enabled:    true,
			ListenAddr: ":9480",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads an EngineConfig from a YAML file, falling back to defaults for
// anything the file omits, then applies environment variable overrides.
func Load(path string) (*EngineConfig, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.loadFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

func (c *EngineConfig) loadFromEnv() {
	if v := os.Getenv("SNAPCLUSTER_SNAPSHOT_ROOT"); v != "" {
		c.Storage.SnapshotRoot = v
	}
	if v := os.Getenv("SNAPCLUSTER_TEMP_DIR"); v != "" {
		c.Storage.TempWorkDir = v
	}
	if v := os.Getenv("SNAPCLUSTER_PAGE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Storage.PageSize = n
		}
	}
	if v := os.Getenv("SNAPCLUSTER_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Worker.PoolSize = n
		}
	}
	if v := os.Getenv("SNAPCLUSTER_REMOTE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Remote.RequestTimeout = d
		}
	}
	if v := os.Getenv("SNAPCLUSTER_COMPRESSION_ENABLED"); v != "" {
		c.Compression.Enabled = strings.EqualFold(v, "true")
	}
	if v := os.Getenv("SNAPCLUSTER_ARCHIVAL_MIN_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Compression.ArchivalMinBytes = n
		}
	}
	if v := os.Getenv("SNAPCLUSTER_METRICS_ENABLED"); v != "" {
		c.Metrics.Enabled = strings.EqualFold(v, "true")
	}
	if v := os.Getenv("SNAPCLUSTER_METRICS_ADDR"); v != "" {
		c.Metrics.ListenAddr = v
	}
	if v := os.Getenv("SNAPCLUSTER_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

// Validate checks the page size invariant from the data model: a
// cluster-wide constant, a power of two, 1 KiB-16 KiB.
func (c *EngineConfig) Validate() error {
	ps := c.Storage.PageSize
	if ps < 1024 || ps > 16*1024 {
		return fmt.Errorf("page_size %d out of range [1024, 16384]", ps)
	}
	if ps&(ps-1) != 0 {
		return fmt.Errorf("page_size %d is not a power of two", ps)
	}
	if c.Worker.PoolSize <= 0 {
		return fmt.Errorf("worker.pool_size must be positive, got %d", c.Worker.PoolSize)
	}
	return nil
}

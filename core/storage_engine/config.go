package storageengine

import (
	"errors"
	"fmt"
	"os"
	"time"

	bufferpool "github.com/sushant-115/gojostore/core/write_engine/buffer_pool"
	pagemanager "github.com/sushant-115/gojostore/core/write_engine/page_manager"
	"github.com/sushant-115/gojostore/core/write_engine/wal"
	"github.com/sushant-115/gojostore/pkg/logger"
	"github.com/sushant-115/gojostore/pkg/telemetry"
	"gopkg.in/yaml.v3"
)

// Index delete policies for deletes made outside a transaction.
const (
	DeletePolicyLazy  = "lazy"  // leave a tombstone for vacuum
	DeletePolicyEager = "eager" // remove the entry and rebalance at once
)

var ErrInvalidConfig = errors.New("invalid engine configuration")

// Config is the engine configuration, usually loaded from YAML.
type Config struct {
	DataDir          string  `yaml:"data_dir"`
	PageSize         int     `yaml:"page_size"`
	BufferPoolFrames int     `yaml:"buffer_pool_frames"`
	FillFactor       float64 `yaml:"fill_factor"`
	MergeThreshold   float64 `yaml:"merge_threshold"`

	CheckpointInterval       time.Duration `yaml:"checkpoint_interval"`
	CheckpointPagesPerSecond int           `yaml:"checkpoint_pages_per_second"`
	VacuumInterval           time.Duration `yaml:"vacuum_interval"`
	VacuumPagesPerSecond     int           `yaml:"vacuum_pages_per_second"`

	FsyncMode           string        `yaml:"fsync_mode"`
	GroupCommitInterval time.Duration `yaml:"group_commit_interval"`
	EvictionPolicy      string        `yaml:"eviction_policy"`
	LRUK                int           `yaml:"lru_k"`
	FetchTimeout        time.Duration `yaml:"fetch_timeout"`

	WALSegmentSize           int64         `yaml:"wal_segment_size"`
	WALMaxSize               int64         `yaml:"wal_max_size"`
	WALArchiveDir            string        `yaml:"wal_archive_dir"`
	WALArchiveBytesPerSecond int64         `yaml:"wal_archive_bytes_per_second"`
	LogFullTimeout           time.Duration `yaml:"log_full_timeout"`

	MaxDataPages      uint64 `yaml:"max_data_pages"`
	OptimisticDescent bool   `yaml:"optimistic_descent"`
	IndexDeletePolicy string `yaml:"index_delete_policy"`

	Logger    logger.Config    `yaml:"logger"`
	Telemetry telemetry.Config `yaml:"telemetry"`
}

// DefaultConfig returns the configuration used for every field a file
// leaves out.
func DefaultConfig() Config {
	return Config{
		DataDir:                  "data",
		PageSize:                 8192,
		BufferPoolFrames:         1024,
		FillFactor:               0.9,
		MergeThreshold:           0.5,
		CheckpointInterval:       5 * time.Minute,
		CheckpointPagesPerSecond: 0,
		VacuumInterval:           0,
		VacuumPagesPerSecond:     500,
		FsyncMode:                string(wal.FsyncGroup),
		GroupCommitInterval:      2 * time.Millisecond,
		EvictionPolicy:           bufferpool.PolicyClock,
		LRUK:                     2,
		FetchTimeout:             time.Second,
		WALSegmentSize:           16 << 20,
		WALMaxSize:               0,
		LogFullTimeout:           10 * time.Second,
		IndexDeletePolicy:        DeletePolicyLazy,
		Logger:                   logger.Config{Level: "info", Format: "json", OutputFile: "stderr"},
		Telemetry:                telemetry.Config{ServiceName: "gojostore"},
	}
}

// LoadConfig reads a YAML file over the defaults and validates the result.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return cfg, cfg.Validate()
}

// Validate checks ranges and enumerations.
func (c Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalidConfig}, args...)...))
	}
	if c.DataDir == "" {
		bad("data_dir is required")
	}
	if !pagemanager.ValidPageSize(c.PageSize) {
		bad("page_size %d must be a power of two between %d and %d", c.PageSize, pagemanager.MinPageSize, pagemanager.MaxPageSize)
	}
	if c.BufferPoolFrames < 2 {
		bad("buffer_pool_frames %d must be at least 2", c.BufferPoolFrames)
	}
	if c.FillFactor < 0.5 || c.FillFactor > 1 {
		bad("fill_factor %.2f must be between 0.5 and 1", c.FillFactor)
	}
	if c.MergeThreshold <= 0 || c.MergeThreshold >= 1 {
		bad("merge_threshold %.2f must be between 0 and 1", c.MergeThreshold)
	}
	if c.CheckpointInterval < 0 || c.VacuumInterval < 0 {
		bad("intervals must not be negative")
	}
	if c.CheckpointPagesPerSecond < 0 || c.VacuumPagesPerSecond < 0 {
		bad("page rates must not be negative")
	}
	switch wal.FsyncMode(c.FsyncMode) {
	case wal.FsyncSync, wal.FsyncGroup:
	default:
		bad("fsync_mode %q must be %q or %q", c.FsyncMode, wal.FsyncSync, wal.FsyncGroup)
	}
	switch c.EvictionPolicy {
	case bufferpool.PolicyClock:
	case bufferpool.PolicyLRUK:
		if c.LRUK < 1 {
			bad("lru_k %d must be at least 1", c.LRUK)
		}
	default:
		bad("eviction_policy %q must be %q or %q", c.EvictionPolicy, bufferpool.PolicyClock, bufferpool.PolicyLRUK)
	}
	if c.WALSegmentSize < int64(4*c.PageSize) {
		bad("wal_segment_size %d must hold at least four pages", c.WALSegmentSize)
	}
	if c.WALMaxSize != 0 && c.WALMaxSize < 2*c.WALSegmentSize {
		bad("wal_max_size %d must be zero or at least two segments", c.WALMaxSize)
	}
	switch c.IndexDeletePolicy {
	case DeletePolicyLazy, DeletePolicyEager:
	default:
		bad("index_delete_policy %q must be %q or %q", c.IndexDeletePolicy, DeletePolicyLazy, DeletePolicyEager)
	}
	if err := c.Logger.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("%w: %v", ErrInvalidConfig, err))
	}
	return errors.Join(errs...)
}

package storageengine

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
}

func TestLoadConfigOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
data_dir: /var/lib/gojostore
page_size: 4096
eviction_policy: lru-k
lru_k: 3
checkpoint_interval: 30s
index_delete_policy: eager
logger:
  level: debug
  format: console
telemetry:
  enabled: true
  prometheus_addr: ":9464"
`), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/gojostore", cfg.DataDir)
	assert.Equal(t, 4096, cfg.PageSize)
	assert.Equal(t, "lru-k", cfg.EvictionPolicy)
	assert.Equal(t, 3, cfg.LRUK)
	assert.Equal(t, 30*time.Second, cfg.CheckpointInterval)
	assert.Equal(t, DeletePolicyEager, cfg.IndexDeletePolicy)
	assert.Equal(t, "debug", cfg.Logger.Level)
	assert.True(t, cfg.Telemetry.Enabled)
	assert.Equal(t, ":9464", cfg.Telemetry.PrometheusAddr)
	// Untouched fields keep their defaults.
	assert.Equal(t, DefaultConfig().BufferPoolFrames, cfg.BufferPoolFrames)
	assert.Equal(t, DefaultConfig().FsyncMode, cfg.FsyncMode)
}

func TestLoadConfigRejectsBadFiles(t *testing.T) {
	dir := t.TempDir()
	_, err := LoadConfig(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("page_size: [1, 2]\n"), 0644))
	_, err = LoadConfig(path)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestValidateRejectsOutOfRangeValues(t *testing.T) {
	cases := map[string]func(*Config){
		"page size not a power of two": func(c *Config) { c.PageSize = 3000 },
		"page size too small":          func(c *Config) { c.PageSize = 512 },
		"one frame":                    func(c *Config) { c.BufferPoolFrames = 1 },
		"fill factor":                  func(c *Config) { c.FillFactor = 0.3 },
		"merge threshold":              func(c *Config) { c.MergeThreshold = 1 },
		"fsync mode":                   func(c *Config) { c.FsyncMode = "sometimes" },
		"eviction policy":              func(c *Config) { c.EvictionPolicy = "fifo" },
		"lru k":                        func(c *Config) { c.EvictionPolicy = "lru-k"; c.LRUK = 0 },
		"tiny segment":                 func(c *Config) { c.WALSegmentSize = 1024 },
		"max below two segments":       func(c *Config) { c.WALMaxSize = c.WALSegmentSize },
		"delete policy":                func(c *Config) { c.IndexDeletePolicy = "never" },
		"negative interval":            func(c *Config) { c.VacuumInterval = -time.Second },
		"logger format":                func(c *Config) { c.Logger.Format = "xml" },
		"empty data dir":               func(c *Config) { c.DataDir = "" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultConfig()
			mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}
}

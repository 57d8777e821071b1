package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse([]byte("server:\n  node_id: node-1\n"))
	require.NoError(t, err)

	assert.Equal(t, "node-1", cfg.Server.NodeID)
	assert.Equal(t, 8080, cfg.Server.HTTPPort)
	assert.Equal(t, 9090, cfg.Server.GRPCPort)
	assert.Equal(t, int64(10<<30), cfg.Storage.MaxBytes)
	assert.Equal(t, 100, cfg.Storage.MaxModels)
	assert.Equal(t, 0.9, cfg.Storage.CleanupThreshold)
	require.NotNil(t, cfg.Storage.SyncWrites)
	assert.True(t, *cfg.Storage.SyncWrites)
	assert.Equal(t, 4, cfg.Loader.MaxConcurrentLoads)
	assert.Equal(t, 30*time.Minute, cfg.Loader.HotCacheMaxIdle)
	assert.Equal(t, time.Minute, cfg.Loader.HotCacheSweep)
	assert.Equal(t, 3, cfg.Network.MaxRetries)
	assert.Equal(t, "/metrics", cfg.Metrics.Path)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestParse_Overrides(t *testing.T) {
	yamlDoc := `
server:
  node_id: edge-7
  http_port: 18080
  grpc_port: 19090
storage:
  data_dir: /tmp/models
  max_bytes: 1048576
  max_models: 3
  cleanup_threshold: 0.5
  sync_writes: false
codecs:
  disabled: [s2]
  zstd_level: 3
loader:
  max_concurrent_loads: 2
  verify_checksums: true
  preload:
    - model_id: encoder
      url: https://models.example.com/encoder.zst
      compression_type: zstd
      pin: true
network:
  timeout: 2s
  high_latency: 250ms
logging:
  level: debug
  format: console
`
	cfg, err := Parse([]byte(yamlDoc))
	require.NoError(t, err)

	assert.Equal(t, 18080, cfg.Server.HTTPPort)
	assert.Equal(t, "/tmp/models", cfg.Storage.DataDir)
	assert.Equal(t, int64(1048576), cfg.Storage.MaxBytes)
	assert.Equal(t, 3, cfg.Storage.MaxModels)
	assert.False(t, *cfg.Storage.SyncWrites)
	assert.Equal(t, []string{"s2"}, cfg.Codecs.Disabled)
	assert.True(t, cfg.Loader.VerifyChecksums)
	require.Len(t, cfg.Loader.Preload, 1)
	assert.True(t, cfg.Loader.Preload[0].Pin)
	assert.Equal(t, 2*time.Second, cfg.Network.Timeout)
	assert.Equal(t, 250*time.Millisecond, cfg.Network.HighLatency)
	assert.Equal(t, "console", cfg.Logging.Format)
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"bad port", "server:\n  http_port: 70000\n"},
		{"same ports", "server:\n  http_port: 9000\n  grpc_port: 9000\n"},
		{"threshold above one", "storage:\n  cleanup_threshold: 1.5\n"},
		{"sessions below loads", "loader:\n  max_concurrent_loads: 8\n  max_sessions: 4\n"},
		{"delta without url", "loader:\n  delta_updates_enabled: true\n"},
		{"chunk range", "network:\n  min_chunk_size: 1048576\n  max_chunk_size: 1024\n"},
		{"preload without id", "loader:\n  preload:\n    - url: http://x/y\n"},
		{"log format", "logging:\n  format: xml\n"},
		{"malformed", "server: [\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestLoadConfig_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  node_id: from-file\n"), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "from-file", cfg.Server.NodeID)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestResolvePath(t *testing.T) {
	t.Setenv(ConfigPathEnv, "")
	assert.Equal(t, DefaultConfigPath, ResolvePath(""))

	t.Setenv(ConfigPathEnv, "/etc/modelcache/config.yaml")
	assert.Equal(t, "/etc/modelcache/config.yaml", ResolvePath(""))
	assert.Equal(t, "explicit.yaml", ResolvePath("explicit.yaml"))
}

func TestDefault_IsValid(t *testing.T) {
	assert.NoError(t, Default().Validate())
}

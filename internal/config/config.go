package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigPathEnv names the environment variable consulted when no --config flag is given
const ConfigPathEnv = "CONFIG_PATH"

// DefaultConfigPath is used when neither the flag nor the environment names a file
const DefaultConfigPath = "config.yaml"

// ServerConfig holds server configuration
type ServerConfig struct {
	NodeID          string        `yaml:"node_id"`
	Host            string        `yaml:"host"`
	HTTPPort        int           `yaml:"http_port"`
	GRPCPort        int           `yaml:"grpc_port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// StorageConfig holds durable cache configuration
type StorageConfig struct {
	DataDir             string        `yaml:"data_dir"`
	MaxBytes            int64         `yaml:"max_bytes"`
	MaxModels           int           `yaml:"max_models"`
	CleanupThreshold    float64       `yaml:"cleanup_threshold"`
	CleanupInterval     time.Duration `yaml:"cleanup_interval"`
	ShardPrefixLen      int           `yaml:"shard_prefix_len"`
	SyncWrites          *bool         `yaml:"sync_writes"`
	DiskCheckInterval   time.Duration `yaml:"disk_check_interval"`
	DiskWarningPercent  float64       `yaml:"disk_warning_percent"`
	DiskMaxUsagePercent float64       `yaml:"disk_max_usage_percent"`
	MinFreeDiskBytes    uint64        `yaml:"min_free_disk_bytes"`
}

// CodecsConfig holds compression codec configuration
type CodecsConfig struct {
	Disabled        []string `yaml:"disabled"`
	ZstdLevel       int      `yaml:"zstd_level"`
	GzipLevel       int      `yaml:"gzip_level"`
	MaxDecodedBytes int64    `yaml:"max_decoded_bytes"`
}

// PreloadEntry describes a model warmed at startup
type PreloadEntry struct {
	ModelID         string   `yaml:"model_id"`
	URL             string   `yaml:"url"`
	Version         string   `yaml:"version"`
	CompressionType string   `yaml:"compression_type"`
	Checksum        string   `yaml:"checksum"`
	Priority        string   `yaml:"priority"`
	Pin             bool     `yaml:"pin"`
	Tags            []string `yaml:"tags"`
}

// LoaderConfig holds load pipeline configuration
type LoaderConfig struct {
	MaxConcurrentLoads  int            `yaml:"max_concurrent_loads"`
	HotCacheMaxBytes    int64          `yaml:"hot_cache_max_bytes"`
	VerifyChecksums     bool           `yaml:"verify_checksums"`
	VerifyOnCacheLoad   bool           `yaml:"verify_on_cache_load"`
	DeltaUpdatesEnabled bool           `yaml:"delta_updates_enabled"`
	MaxSessions         int            `yaml:"max_sessions"`
	ErrorLogSize        int            `yaml:"error_log_size"`
	LoadTimeWindow      int            `yaml:"load_time_window"`
	PreloadWorkers      int            `yaml:"preload_workers"`
	HotCacheMaxIdle     time.Duration  `yaml:"hot_cache_max_idle"`
	HotCacheSweep       time.Duration  `yaml:"hot_cache_sweep_interval"`
	Preload             []PreloadEntry `yaml:"preload"`
}

// NetworkConfig holds download and probe configuration
type NetworkConfig struct {
	Timeout       time.Duration `yaml:"timeout"`
	MaxRetries    int           `yaml:"max_retries"`
	RetryInterval time.Duration `yaml:"retry_interval"`
	MinChunkSize  int64         `yaml:"min_chunk_size"`
	MaxChunkSize  int64         `yaml:"max_chunk_size"`
	HighLatency   time.Duration `yaml:"high_latency"`
	ProbeURL      string        `yaml:"probe_url"`
	ProbeInterval time.Duration `yaml:"probe_interval"`
	ProbeTimeout  time.Duration `yaml:"probe_timeout"`
	UserAgent     string        `yaml:"user_agent"`
}

// DeltaConfig holds delta update server configuration
type DeltaConfig struct {
	BaseURL        string        `yaml:"base_url"`
	Timeout        time.Duration `yaml:"timeout"`
	MaxPatchOutput int64         `yaml:"max_patch_output"`
}

// MetricsConfig holds metrics configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config represents the complete configuration for a model cache node
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Storage StorageConfig `yaml:"storage"`
	Codecs  CodecsConfig  `yaml:"codecs"`
	Loader  LoaderConfig  `yaml:"loader"`
	Network NetworkConfig `yaml:"network"`
	Delta   DeltaConfig   `yaml:"delta"`
	Metrics MetricsConfig `yaml:"metrics"`
	Logging LoggingConfig `yaml:"logging"`
}

// ResolvePath picks the config file: the flag value, then CONFIG_PATH, then
// ./config.yaml
func ResolvePath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := os.Getenv(ConfigPathEnv); env != "" {
		return env
	}
	return DefaultConfigPath
}

// LoadConfig loads configuration from a file
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML configuration, applies defaults and validates it
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	setDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Default returns a validated configuration with every default applied
func Default() *Config {
	var cfg Config
	setDefaults(&cfg)
	return &cfg
}

// setDefaults sets default values for unspecified configuration
func setDefaults(cfg *Config) {
	if cfg.Server.NodeID == "" {
		if host, err := os.Hostname(); err == nil && host != "" {
			cfg.Server.NodeID = host
		} else {
			cfg.Server.NodeID = "modelcache"
		}
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.HTTPPort == 0 {
		cfg.Server.HTTPPort = 8080
	}
	if cfg.Server.GRPCPort == 0 {
		cfg.Server.GRPCPort = 9090
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 10 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 5 * time.Minute
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 30 * time.Second
	}

	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = "/var/lib/modelcache"
	}
	if cfg.Storage.MaxBytes == 0 {
		cfg.Storage.MaxBytes = 10 << 30 // 10GB
	}
	if cfg.Storage.MaxModels == 0 {
		cfg.Storage.MaxModels = 100
	}
	if cfg.Storage.CleanupThreshold == 0 {
		cfg.Storage.CleanupThreshold = 0.9
	}
	if cfg.Storage.CleanupInterval == 0 {
		cfg.Storage.CleanupInterval = 5 * time.Minute
	}
	if cfg.Storage.ShardPrefixLen == 0 {
		cfg.Storage.ShardPrefixLen = 2
	}
	if cfg.Storage.SyncWrites == nil {
		syncWrites := true
		cfg.Storage.SyncWrites = &syncWrites
	}
	if cfg.Storage.DiskCheckInterval == 0 {
		cfg.Storage.DiskCheckInterval = 10 * time.Second
	}
	if cfg.Storage.DiskWarningPercent == 0 {
		cfg.Storage.DiskWarningPercent = 85
	}
	if cfg.Storage.DiskMaxUsagePercent == 0 {
		cfg.Storage.DiskMaxUsagePercent = 97
	}
	if cfg.Storage.MinFreeDiskBytes == 0 {
		cfg.Storage.MinFreeDiskBytes = 64 << 20 // 64MB
	}

	if cfg.Loader.MaxConcurrentLoads == 0 {
		cfg.Loader.MaxConcurrentLoads = 4
	}
	if cfg.Loader.HotCacheMaxBytes == 0 {
		cfg.Loader.HotCacheMaxBytes = 1 << 30 // 1GB
	}
	if cfg.Loader.MaxSessions == 0 {
		cfg.Loader.MaxSessions = 256
	}
	if cfg.Loader.ErrorLogSize == 0 {
		cfg.Loader.ErrorLogSize = 100
	}
	if cfg.Loader.LoadTimeWindow == 0 {
		cfg.Loader.LoadTimeWindow = 100
	}
	if cfg.Loader.PreloadWorkers == 0 {
		cfg.Loader.PreloadWorkers = 2
	}
	if cfg.Loader.HotCacheMaxIdle == 0 {
		cfg.Loader.HotCacheMaxIdle = 30 * time.Minute
	}
	if cfg.Loader.HotCacheSweep == 0 {
		cfg.Loader.HotCacheSweep = time.Minute
	}

	if cfg.Network.Timeout == 0 {
		cfg.Network.Timeout = 60 * time.Second
	}
	if cfg.Network.MaxRetries == 0 {
		cfg.Network.MaxRetries = 3
	}
	if cfg.Network.RetryInterval == 0 {
		cfg.Network.RetryInterval = 500 * time.Millisecond
	}
	if cfg.Network.MinChunkSize == 0 {
		cfg.Network.MinChunkSize = 256 << 10 // 256KB
	}
	if cfg.Network.MaxChunkSize == 0 {
		cfg.Network.MaxChunkSize = 8 << 20 // 8MB
	}
	if cfg.Network.HighLatency == 0 {
		cfg.Network.HighLatency = 500 * time.Millisecond
	}
	if cfg.Network.ProbeInterval == 0 {
		cfg.Network.ProbeInterval = 30 * time.Second
	}
	if cfg.Network.ProbeTimeout == 0 {
		cfg.Network.ProbeTimeout = 5 * time.Second
	}
	if cfg.Network.UserAgent == "" {
		cfg.Network.UserAgent = "modelcache/1.0"
	}

	if cfg.Delta.Timeout == 0 {
		cfg.Delta.Timeout = 30 * time.Second
	}

	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.NodeID == "" {
		return fmt.Errorf("server.node_id is required")
	}
	if c.Server.HTTPPort < 1 || c.Server.HTTPPort > 65535 {
		return fmt.Errorf("server.http_port must be between 1 and 65535")
	}
	if c.Server.GRPCPort < 1 || c.Server.GRPCPort > 65535 {
		return fmt.Errorf("server.grpc_port must be between 1 and 65535")
	}
	if c.Server.GRPCPort == c.Server.HTTPPort {
		return fmt.Errorf("server.grpc_port and server.http_port must differ")
	}

	if c.Storage.MaxBytes < 0 {
		return fmt.Errorf("storage.max_bytes must not be negative")
	}
	if c.Storage.MaxModels < 0 {
		return fmt.Errorf("storage.max_models must not be negative")
	}
	if c.Storage.CleanupThreshold <= 0 || c.Storage.CleanupThreshold > 1 {
		return fmt.Errorf("storage.cleanup_threshold must be in (0, 1]")
	}
	if c.Storage.ShardPrefixLen < 0 || c.Storage.ShardPrefixLen > 8 {
		return fmt.Errorf("storage.shard_prefix_len must be between 0 and 8")
	}
	if c.Storage.DiskMaxUsagePercent < c.Storage.DiskWarningPercent || c.Storage.DiskMaxUsagePercent > 100 {
		return fmt.Errorf("storage.disk_max_usage_percent must be between disk_warning_percent and 100")
	}

	if c.Codecs.ZstdLevel < 0 || c.Codecs.ZstdLevel > 4 {
		return fmt.Errorf("codecs.zstd_level must be between 0 and 4")
	}
	if c.Codecs.GzipLevel < -2 || c.Codecs.GzipLevel > 9 {
		return fmt.Errorf("codecs.gzip_level must be between -2 and 9")
	}

	if c.Loader.MaxConcurrentLoads < 1 {
		return fmt.Errorf("loader.max_concurrent_loads must be at least 1")
	}
	if c.Loader.MaxSessions < c.Loader.MaxConcurrentLoads {
		return fmt.Errorf("loader.max_sessions must be at least loader.max_concurrent_loads")
	}
	if c.Loader.HotCacheMaxBytes < 0 {
		return fmt.Errorf("loader.hot_cache_max_bytes must not be negative")
	}
	for i, p := range c.Loader.Preload {
		if p.ModelID == "" {
			return fmt.Errorf("loader.preload[%d].model_id is required", i)
		}
	}

	if c.Network.MinChunkSize <= 0 || c.Network.MaxChunkSize < c.Network.MinChunkSize {
		return fmt.Errorf("network.min_chunk_size must be positive and not exceed network.max_chunk_size")
	}
	if c.Network.MaxRetries < 0 {
		return fmt.Errorf("network.max_retries must not be negative")
	}

	if c.Loader.DeltaUpdatesEnabled && c.Delta.BaseURL == "" {
		return fmt.Errorf("delta.base_url is required when loader.delta_updates_enabled is set")
	}

	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("logging.format must be json or console")
	}
	return nil
}

package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Config carries every tunable of the server. Values come from
// STORMKV_* environment variables, the config file and built-in
// defaults, in that order of precedence.
type Config struct {
	Port        string `mapstructure:"port"`
	Debug       bool   `mapstructure:"debug"`
	MaxConns    int    `mapstructure:"max_conns"`
	MetricsAddr string `mapstructure:"metrics_addr"`

	ShardCount  int   `mapstructure:"shard_count"`
	DbCount     int   `mapstructure:"db_count"`
	BucketCount int   `mapstructure:"bucket_count"`
	MaxMemory   int64 `mapstructure:"max_memory"`

	TieredPrefix          string  `mapstructure:"tiered_prefix"`
	TieredMaxFileSize     uint64  `mapstructure:"tiered_max_file_size"`
	TieredWriteDepth      int     `mapstructure:"tiered_write_depth"`
	TieredMinValueSize    int     `mapstructure:"tiered_min_value_size"`
	TieredMemoryMargin    int64   `mapstructure:"tiered_memory_margin"`
	TieredLowMemoryFactor float64 `mapstructure:"tiered_low_memory_factor"`
	TieredCooling         bool    `mapstructure:"tiered_cooling"`

	JournalBufferSize    int `mapstructure:"journal_buffer_size"`
	ReplicationTimeoutMs int `mapstructure:"replication_timeout_ms"`
	StreamOutputLimit    int `mapstructure:"stream_output_limit"`

	TLSCertFile string `mapstructure:"tls_cert_file"`
	TLSKeyFile  string `mapstructure:"tls_key_file"`
	TLSCAFile   string `mapstructure:"tls_ca_file"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", ":6480")
	v.SetDefault("debug", false)
	v.SetDefault("max_conns", 256)
	v.SetDefault("metrics_addr", "")
	v.SetDefault("shard_count", 4)
	v.SetDefault("db_count", 16)
	v.SetDefault("bucket_count", 1024)
	v.SetDefault("max_memory", int64(1)<<30)
	v.SetDefault("tiered_prefix", "stormkv-tiered-")
	v.SetDefault("tiered_max_file_size", uint64(1)<<30)
	v.SetDefault("tiered_write_depth", 50)
	v.SetDefault("tiered_min_value_size", 64)
	v.SetDefault("tiered_memory_margin", int64(10)<<20)
	v.SetDefault("tiered_low_memory_factor", 0.1)
	v.SetDefault("tiered_cooling", true)
	v.SetDefault("journal_buffer_size", 4096)
	v.SetDefault("replication_timeout_ms", 30000)
	v.SetDefault("stream_output_limit", 64*1024)
}

// Load reads the configuration from path. An empty path uses defaults
// and environment variables only.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("STORMKV")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the engine cannot run with.
func Validate(cfg Config) error {
	if cfg.ShardCount <= 0 {
		return fmt.Errorf("shard_count must be positive, got %d", cfg.ShardCount)
	}
	if cfg.DbCount <= 0 {
		return fmt.Errorf("db_count must be positive, got %d", cfg.DbCount)
	}
	if cfg.TieredMaxFileSize < 4096 {
		return fmt.Errorf("tiered_max_file_size must cover at least one page")
	}
	if cfg.TieredWriteDepth <= 0 {
		return fmt.Errorf("tiered_write_depth must be positive, got %d", cfg.TieredWriteDepth)
	}
	if cfg.TieredLowMemoryFactor < 0 || cfg.TieredLowMemoryFactor > 1 {
		return fmt.Errorf("tiered_low_memory_factor must be in [0, 1], got %g", cfg.TieredLowMemoryFactor)
	}
	return nil
}

// ResolvePath returns path anchored at homeDir unless it is already
// absolute.
func ResolvePath(homeDir, path string) string {
	if path == "" {
		return homeDir
	}
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(homeDir, path)
}

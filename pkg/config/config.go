// imgcache uses flags and a single config file for configuration.
// A config file is stored in YAML format and contains the values that can be set via flags.

package config

import (
	"time"
)

// Config is the layout of the config file. Every leaf field carries the name of the flag it sets; nested
// sections carry none. A nil leaf leaves its flag alone.
type Config struct {
	Logging    LoggingConfig    `yaml:"logging"`
	Storage    StorageConfig    `yaml:"storage"`
	ReadCache  ReadCacheConfig  `yaml:"read_cache"`
	Bloom      BloomConfig      `yaml:"bloom"`
	ImageCache ImageCacheConfig `yaml:"image_cache"`
	Server     ServerConfig     `yaml:"server"`
}

type LoggingConfig struct {
	HandlerType *string `yaml:"handler_type" flag:"log_handler_type"`
	Level       *string `yaml:"level" flag:"log_level"`
}

type StorageConfig struct {
	Backend         *string        `yaml:"backend" flag:"storage_backend"`
	DataDir         *string        `yaml:"data_dir" flag:"data_dir"`
	BoltOpenTimeout *time.Duration `yaml:"bolt_open_timeout" flag:"bolt_open_timeout"`
}

type ReadCacheConfig struct {
	Enabled      *bool          `yaml:"enabled" flag:"enable_read_cache"`
	Capacity     *int           `yaml:"capacity" flag:"read_cache_capacity"`
	ShardCount   *int           `yaml:"shard_count" flag:"read_cache_shard_count"`
	Ttl          *time.Duration `yaml:"ttl" flag:"read_cache_ttl"`
	TickInterval *time.Duration `yaml:"tick_interval" flag:"read_cache_tick_interval"`
}

type BloomConfig struct {
	ExpectedKeys      *uint    `yaml:"expected_keys" flag:"bloom_expected_keys"`
	FalsePositiveRate *float64 `yaml:"false_positive_rate" flag:"bloom_false_positive_rate"`
}

type ImageCacheConfig struct {
	DbName             *string `yaml:"db_name" flag:"image_cache_db_name"`
	MemoryLimitBytes   *int64  `yaml:"memory_limit_bytes" flag:"image_cache_memory_limit_bytes"`
	EvictionChunkBytes *int64  `yaml:"eviction_chunk_bytes" flag:"image_cache_eviction_chunk_bytes"`
}

type ServerConfig struct {
	Address        *string `yaml:"address" flag:"address"`
	MetricsAddress *string `yaml:"metrics_address" flag:"metrics_address"`
}

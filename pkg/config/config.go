// Package config loads HomeStore's engine configuration. It keeps the
// teacher's functional-options shape (pkg/options.go: Option/OptionFunc)
// for in-process overrides, and layers viper underneath it for file/env
// sourced defaults — the same "functional options on top of a config
// loader" shape deploymenttheory-go-apfs's cmd/ package uses with
// cobra+viper (only the viper half is relevant here; the CLI is out of
// scope per spec §1).
package config

import (
	"time"

	"github.com/spf13/viper"
)

// Config holds every tunable named across the spec's components.
type Config struct {
	// Device & chunk layer (§4.B, §6).
	MinChunkSizeData uint64
	MinChunkSizeFast uint64
	DMInfoSize       uint64
	MaxChunks        uint32
	MaxVdevs         uint32

	// Block allocators (§4.C).
	AllocatorPortionBlks uint32

	// Cache (§4.D).
	CachePartitions int
	CacheMaxBytes   uint64

	// Meta-block manager (§4.E).
	MetaPageSize         uint32
	CompressRatioLimit   int
	SkipHeaderSizeCheck  bool

	// B+tree (§4.F).
	BtreeNodeSize    uint32
	BtreeMinFillPct  int
	BtreeIdealFillPct int

	// Block data service / scheduling (§5).
	SchedulerWorkers int

	// Misc.
	BootTimeout time.Duration
}

// Default returns the configuration baseline before any file/env/option
// overlay is applied.
func Default() Config {
	return Config{
		MinChunkSizeData:    16 << 20,
		MinChunkSizeFast:    32 << 20,
		DMInfoSize:          1 << 20,
		MaxChunks:           65536,
		MaxVdevs:            1024,
		AllocatorPortionBlks: 4096,
		CachePartitions:     0, // 0 == number of worker threads rounded up
		CacheMaxBytes:       512 << 20,
		MetaPageSize:        4096,
		CompressRatioLimit:  70,
		SkipHeaderSizeCheck: false,
		BtreeNodeSize:       4096,
		BtreeMinFillPct:     33,
		BtreeIdealFillPct:   66,
		SchedulerWorkers:    8,
		BootTimeout:         30 * time.Second,
	}
}

// Option mutates a Config. This mirrors the teacher's pkg/options.go
// OptionFunc pattern exactly.
type Option func(*Config)

func (o Option) apply(c *Config) { o(c) }

func WithCacheMaxBytes(n uint64) Option {
	return func(c *Config) { c.CacheMaxBytes = n }
}

func WithCachePartitions(n int) Option {
	return func(c *Config) { c.CachePartitions = n }
}

func WithCompressRatioLimit(pct int) Option {
	return func(c *Config) { c.CompressRatioLimit = pct }
}

func WithSkipHeaderSizeCheck(skip bool) Option {
	return func(c *Config) { c.SkipHeaderSizeCheck = skip }
}

func WithSchedulerWorkers(n int) Option {
	return func(c *Config) { c.SchedulerWorkers = n }
}

// Load builds a Config starting from Default, overlaying the values viper
// finds in a config file or environment (prefix HOMESTORE_) for
// cache_max_bytes, cache_partitions, compress_ratio_limit, meta_page_size
// and scheduler_workers, and finally applying explicit in-process Options,
// which always win. Other fields are not read from file or environment.
func Load(configPath string, opts ...Option) (Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetEnvPrefix("HOMESTORE")
	v.AutomaticEnv()
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, err
		}
	}

	if v.IsSet("cache_max_bytes") {
		cfg.CacheMaxBytes = v.GetUint64("cache_max_bytes")
	}
	if v.IsSet("cache_partitions") {
		cfg.CachePartitions = v.GetInt("cache_partitions")
	}
	if v.IsSet("compress_ratio_limit") {
		cfg.CompressRatioLimit = v.GetInt("compress_ratio_limit")
	}
	if v.IsSet("meta_page_size") {
		cfg.MetaPageSize = uint32(v.GetUint32("meta_page_size"))
	}
	if v.IsSet("scheduler_workers") {
		cfg.SchedulerWorkers = v.GetInt("scheduler_workers")
	}

	for _, opt := range opts {
		opt.apply(&cfg)
	}

	return cfg, nil
}

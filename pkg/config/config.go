// Global engine config.
package config

import (
	"fmt"

	"gopkg.in/ini.v1"
)

// Name of the engine.
const DBName = "crio"

// DefaultPoolSize is the number of frames in the buffer pool.
const DefaultPoolSize = 64

// DefaultK is the K used by the LRU-K replacer.
const DefaultK = 2

// DefaultSequentialThreshold is the number of consecutive ascending fetches
// that trigger a prefetch hint.
const DefaultSequentialThreshold = 3

// DefaultPrefetchLookahead is the number of contiguous pages prefetched per hint.
const DefaultPrefetchLookahead = 8

// DefaultBTreeOrder is the maximum number of keys per B+ tree node.
const DefaultBTreeOrder = 128

// DefaultQueueDepth is the capacity of the disk scheduler's request queue.
const DefaultQueueDepth = 64

// Config collects the tunables of the storage engine.
type Config struct {
	PoolSize            int  // Number of frames in the buffer pool.
	K                   int  // K for the LRU-K replacer.
	SequentialThreshold int  // Consecutive ascending fetches before prefetching kicks in.
	PrefetchLookahead   int  // Pages fetched ahead per prefetch hint.
	BTreeOrder          int  // Maximum keys per B+ tree node.
	QueueDepth          int  // Disk scheduler queue capacity.
	EnablePrefetch      bool // Sequential prefetching on/off.
}

// Default returns the configuration used when no config file is given.
func Default() Config {
	return Config{
		PoolSize:            DefaultPoolSize,
		K:                   DefaultK,
		SequentialThreshold: DefaultSequentialThreshold,
		PrefetchLookahead:   DefaultPrefetchLookahead,
		BTreeOrder:          DefaultBTreeOrder,
		QueueDepth:          DefaultQueueDepth,
		EnablePrefetch:      true,
	}
}

// Load reads a config file in INI format, filling unset keys with defaults.
//
// Recognized sections/keys:
//
//	[buffer]
//	pool_size, k, sequential_threshold, prefetch_lookahead, enable_prefetch
//	[disk]
//	queue_depth
//	[index]
//	btree_order
func Load(path string) (Config, error) {
	cfg := Default()
	file, err := ini.Load(path)
	if err != nil {
		return cfg, err
	}
	buf := file.Section("buffer")
	cfg.PoolSize = buf.Key("pool_size").MustInt(cfg.PoolSize)
	cfg.K = buf.Key("k").MustInt(cfg.K)
	cfg.SequentialThreshold = buf.Key("sequential_threshold").MustInt(cfg.SequentialThreshold)
	cfg.PrefetchLookahead = buf.Key("prefetch_lookahead").MustInt(cfg.PrefetchLookahead)
	cfg.EnablePrefetch = buf.Key("enable_prefetch").MustBool(cfg.EnablePrefetch)
	cfg.QueueDepth = file.Section("disk").Key("queue_depth").MustInt(cfg.QueueDepth)
	cfg.BTreeOrder = file.Section("index").Key("btree_order").MustInt(cfg.BTreeOrder)
	return cfg, cfg.Validate()
}

// Validate checks that the configuration is internally consistent.
func (c Config) Validate() error {
	if c.PoolSize < 1 {
		return fmt.Errorf("pool_size must be at least 1, got %d", c.PoolSize)
	}
	if c.K < 1 {
		return fmt.Errorf("k must be at least 1, got %d", c.K)
	}
	if c.SequentialThreshold < 2 {
		return fmt.Errorf("sequential_threshold must be at least 2, got %d", c.SequentialThreshold)
	}
	if c.PrefetchLookahead < 0 {
		return fmt.Errorf("prefetch_lookahead must not be negative, got %d", c.PrefetchLookahead)
	}
	if c.QueueDepth < 1 {
		return fmt.Errorf("queue_depth must be at least 1, got %d", c.QueueDepth)
	}
	return nil
}

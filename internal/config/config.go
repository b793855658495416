package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete archivist configuration.
type Config struct {
	// DataDir is the root directory for all storage files.
	DataDir string `yaml:"data_dir"`

	// Queue configures the persist queue the daemon drains.
	Queue QueueConfig `yaml:"queue"`

	// Poll describes the expected shape of incoming poll results.
	Poll PollConfig `yaml:"poll"`

	// Aggregation configures the rollup engine.
	Aggregation AggregationConfig `yaml:"aggregation"`

	// WAL configures the write-ahead log for raw samples.
	WAL WALConfig `yaml:"wal"`

	// Flush configures cold-segment flushing.
	Flush FlushConfig `yaml:"flush"`

	// Query configures the range query engine.
	Query QueryConfig `yaml:"query"`

	// Logging configures log output.
	Logging LoggingConfig `yaml:"logging"`
}

// QueueConfig configures the persist queue.
type QueueConfig struct {
	// RedisAddr is the Redis server address (host:port).
	RedisAddr string `yaml:"redis_addr"`

	// Name is the Redis list the producer pushes poll results onto.
	Name string `yaml:"name"`

	// PopTimeout is the blocking-pop timeout per attempt. The consumer
	// re-arms on timeout until the context is cancelled or the producer
	// signals completion.
	PopTimeout time.Duration `yaml:"pop_timeout"`
}

// PollConfig describes the expected shape of incoming poll results.
type PollConfig struct {
	// IntervalSec is the nominal polling interval in seconds. It doubles
	// as the base aggregation frequency.
	IntervalSec int `yaml:"interval_sec"`

	// CounterBits is the default counter width for wrap reconciliation:
	// 32 or 64.
	CounterBits int `yaml:"counter_bits"`

	// CounterBitsByMetric overrides the counter width per metric name.
	CounterBitsByMetric map[string]int `yaml:"counter_bits_by_metric"`

	// MaxRate is the sanity bound for wrap-corrected rates, in counter
	// units per second. A wrap-corrected delta implying a higher rate is
	// rejected and the rate record marked invalid.
	MaxRate float64 `yaml:"max_rate"`
}

// AggregationConfig configures the rollup engine.
type AggregationConfig struct {
	// Frequencies lists the rollup frequencies in seconds. The base
	// poll interval is always included implicitly.
	Frequencies []int64 `yaml:"frequencies"`

	// Percentile configures DDSketch percentile calculation per bucket.
	Percentile PercentileConfig `yaml:"percentile"`
}

// PercentileConfig configures DDSketch percentile calculation.
type PercentileConfig struct {
	// Enabled enables percentile calculation.
	Enabled bool `yaml:"enabled"`

	// Accuracy is the relative accuracy (0.01 = 1% error).
	Accuracy float64 `yaml:"accuracy"`
}

// WALConfig configures the write-ahead log.
type WALConfig struct {
	// SyncMode is the sync mode: async, sync, fsync.
	SyncMode string `yaml:"sync_mode"`

	// SyncInterval is the sync interval for async mode.
	SyncInterval time.Duration `yaml:"sync_interval"`

	// MaxSegmentSize is the maximum segment size before rotation.
	MaxSegmentSize int64 `yaml:"max_segment_size"`
}

// FlushConfig configures cold-segment flushing.
type FlushConfig struct {
	// Interval is how often hot data and finalized buckets are written
	// out as Parquet segments.
	Interval time.Duration `yaml:"interval"`

	// Compression selects the segment compression codec: zstd, snappy,
	// lz4, gzip or none.
	Compression string `yaml:"compression"`
}

// QueryConfig configures the range query engine.
type QueryConfig struct {
	// MemoryLimit is the DuckDB memory limit.
	MemoryLimit string `yaml:"memory_limit"`

	// MaxRows is the maximum number of rows returned per query.
	MaxRows int `yaml:"max_rows"`
}

// LoggingConfig configures log output.
type LoggingConfig struct {
	// Level is the log level: debug, info, warn, error.
	Level string `yaml:"level"`

	// JSON selects JSON output instead of text.
	JSON bool `yaml:"json"`
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return config, nil
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DataDir: "/var/lib/archivist",
		Queue: QueueConfig{
			RedisAddr:  "127.0.0.1:6379",
			Name:       "archivist_persist_queue",
			PopTimeout: time.Second,
		},
		Poll: PollConfig{
			IntervalSec: 30,
			CounterBits: 64,
			// Generous default: ~8 Tbit/s in octets per second.
			MaxRate: 1e12,
		},
		Aggregation: AggregationConfig{
			Frequencies: []int64{3600, 86400},
			Percentile: PercentileConfig{
				Enabled:  false,
				Accuracy: 0.01,
			},
		},
		WAL: WALConfig{
			SyncMode:       "async",
			SyncInterval:   time.Second,
			MaxSegmentSize: 100 * 1024 * 1024, // 100MB
		},
		Flush: FlushConfig{
			Interval:    5 * time.Minute,
			Compression: "zstd",
		},
		Query: QueryConfig{
			MemoryLimit: "1GB",
			MaxRows:     1000000,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if c.Poll.IntervalSec <= 0 {
		return fmt.Errorf("poll.interval_sec must be positive, got %d", c.Poll.IntervalSec)
	}
	if c.Poll.CounterBits != 32 && c.Poll.CounterBits != 64 {
		return fmt.Errorf("poll.counter_bits must be 32 or 64, got %d", c.Poll.CounterBits)
	}
	for metric, bits := range c.Poll.CounterBitsByMetric {
		if bits != 32 && bits != 64 {
			return fmt.Errorf("poll.counter_bits_by_metric[%s] must be 32 or 64, got %d", metric, bits)
		}
	}
	if c.Poll.MaxRate <= 0 {
		return fmt.Errorf("poll.max_rate must be positive, got %g", c.Poll.MaxRate)
	}
	for _, f := range c.Aggregation.Frequencies {
		if f <= 0 {
			return fmt.Errorf("aggregation frequency must be positive, got %d", f)
		}
	}
	switch c.WAL.SyncMode {
	case "async", "sync", "fsync":
	default:
		return fmt.Errorf("wal.sync_mode must be async, sync or fsync, got %q", c.WAL.SyncMode)
	}
	if c.Flush.Interval <= 0 {
		return fmt.Errorf("flush.interval must be positive, got %s", c.Flush.Interval)
	}
	return nil
}

// CounterBitsFor returns the counter width for a metric, honoring the
// per-metric override.
func (c *Config) CounterBitsFor(metric string) int {
	if bits, ok := c.Poll.CounterBitsByMetric[metric]; ok {
		return bits
	}
	return c.Poll.CounterBits
}

// BaseFrequency returns the base aggregation frequency in seconds.
func (c *Config) BaseFrequency() int64 {
	return int64(c.Poll.IntervalSec)
}

// AllFrequencies returns the base frequency followed by the configured
// rollup frequencies, deduplicated.
func (c *Config) AllFrequencies() []int64 {
	freqs := []int64{c.BaseFrequency()}
	for _, f := range c.Aggregation.Frequencies {
		if f != c.BaseFrequency() {
			freqs = append(freqs, f)
		}
	}
	return freqs
}

// WALDir returns the WAL directory.
func (c *Config) WALDir() string {
	return filepath.Join(c.DataDir, "wal")
}

// RefDBPath returns the path of the versioned reference database.
func (c *Config) RefDBPath() string {
	return filepath.Join(c.DataDir, "refs.db")
}

// RawDir returns the directory for raw sample segments.
func (c *Config) RawDir() string {
	return filepath.Join(c.DataDir, "ts", "raw")
}

// RateDir returns the directory for base-rate segments.
func (c *Config) RateDir() string {
	return filepath.Join(c.DataDir, "ts", "rate")
}

// AggDir returns the directory for aggregate segments at a frequency.
func (c *Config) AggDir(freq int64) string {
	return filepath.Join(c.DataDir, "ts", fmt.Sprintf("agg_%d", freq))
}

// EnsureDirectories creates all storage directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.DataDir, c.WALDir(), c.RawDir(), c.RateDir()}
	for _, f := range c.AllFrequencies() {
		dirs = append(dirs, c.AggDir(f))
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

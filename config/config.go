package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Cryptomon  CryptomonConfig  `yaml:"cryptomon"`
	Feed       FeedConfig       `yaml:"feed"`
	Source     SourceConfig     `yaml:"source"`
	Dispatcher DispatcherConfig `yaml:"dispatcher"`
	Trades     TradesConfig     `yaml:"trades"`
	Book       BookConfig       `yaml:"book"`
	Batcher    BatcherConfig    `yaml:"batcher"`
	Storage    StorageConfig    `yaml:"storage"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type CryptomonConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type FeedConfig struct {
	URL           string        `yaml:"url"`
	Symbols       []string      `yaml:"symbols"`
	PingInterval  time.Duration `yaml:"ping_interval"`
	ReadTimeout   time.Duration `yaml:"read_timeout"`
	SnapshotDepth int           `yaml:"snapshot_depth"`
	// ResyncPerSecond caps how many depth snapshot requests the manager
	// issues while recovering from sequence gaps.
	ResyncPerSecond float64       `yaml:"resync_per_second"`
	Backoff         BackoffConfig `yaml:"backoff"`
}

type BackoffConfig struct {
	Base   time.Duration `yaml:"base"`
	Max    time.Duration `yaml:"max"`
	Factor float64       `yaml:"factor"`
	// ResetAfter is how long a connection must stay healthy before the
	// backoff interval returns to Base.
	ResetAfter time.Duration `yaml:"reset_after"`
}

type SourceConfig struct {
	Binance BinanceSourceConfig `yaml:"binance"`
}

// BinanceSourceConfig enables the native Binance futures adapter, which feeds
// the same event stream as the canonical websocket feed.
type BinanceSourceConfig struct {
	Enabled    bool          `yaml:"enabled"`
	Symbols    []string      `yaml:"symbols"`
	IntervalMs int           `yaml:"interval_ms"`
	Depth      int           `yaml:"depth"`
	RestURL    string        `yaml:"rest_url"`
	Timeout    time.Duration `yaml:"timeout"`
}

type DispatcherConfig struct {
	Shards      int `yaml:"shards"`
	EventBuffer int `yaml:"event_buffer"`
	ShardBuffer int `yaml:"shard_buffer"`
	// NotifyBuffer sizes each observer's notification channel; slow
	// observers miss notifications rather than blocking ingestion.
	NotifyBuffer int `yaml:"notify_buffer"`
}

type TradesConfig struct {
	Capacity int `yaml:"capacity"`
}

type BookConfig struct {
	// ResyncBuffer bounds how many deltas are retained per symbol while a
	// fresh snapshot is awaited. Overflow forces a second resync.
	ResyncBuffer int `yaml:"resync_buffer"`
}

type BatcherConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	HighWaterMark int           `yaml:"high_water_mark"`
	Retry         RetryConfig   `yaml:"retry"`
}

type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

type StorageConfig struct {
	S3           S3Config    `yaml:"s3"`
	Local        LocalConfig `yaml:"local"`
	FallbackPath string      `yaml:"fallback_path"`
}

type S3Config struct {
	Enabled         bool   `yaml:"enabled"`
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type LocalConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`
}

type MetricsConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Listen     string `yaml:"listen"`
	CloudWatch bool   `yaml:"cloudwatch"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

// LoadConfig reads, defaults and validates a configuration file. The result
// is treated as immutable once handed to component constructors.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Config{
		Feed: FeedConfig{
			PingInterval:    20 * time.Second,
			SnapshotDepth:   100,
			ResyncPerSecond: 5,
			Backoff: BackoffConfig{
				Base:       time.Second,
				Max:        time.Minute,
				Factor:     2,
				ResetAfter: 30 * time.Second,
			},
		},
		Dispatcher: DispatcherConfig{
			Shards:       4,
			EventBuffer:  4096,
			ShardBuffer:  1024,
			NotifyBuffer: 64,
		},
		Trades:  TradesConfig{Capacity: 1000},
		Book:    BookConfig{ResyncBuffer: 512},
		Batcher: BatcherConfig{Retry: RetryConfig{MaxAttempts: 5, BaseDelay: 500 * time.Millisecond, MaxDelay: 10 * time.Second}},
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	for i, s := range config.Feed.Symbols {
		config.Feed.Symbols[i] = strings.ToUpper(strings.TrimSpace(s))
	}

	// Override S3 settings from environment variables if available
	if config.Storage.S3.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			config.Storage.S3.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			config.Storage.S3.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			config.Storage.S3.Region = strings.TrimSpace(v)
		}
		if v := os.Getenv("S3_BUCKET"); v != "" {
			config.Storage.S3.Bucket = strings.TrimSpace(v)
		}
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func validateConfig(cfg *Config) error {
	if cfg.Cryptomon.Name == "" {
		return fmt.Errorf("cryptomon.name is required")
	}
	if cfg.Cryptomon.Version == "" {
		return fmt.Errorf("cryptomon.version is required")
	}

	if cfg.Feed.URL == "" && !cfg.Source.Binance.Enabled {
		return fmt.Errorf("feed.url is required unless source.binance is enabled")
	}
	if cfg.Feed.URL != "" && len(cfg.Feed.Symbols) == 0 {
		return fmt.Errorf("feed.symbols must not be empty")
	}
	if cfg.Feed.Backoff.Base <= 0 || cfg.Feed.Backoff.Max < cfg.Feed.Backoff.Base {
		return fmt.Errorf("feed.backoff base/max are invalid")
	}
	if cfg.Feed.Backoff.Factor < 1 {
		return fmt.Errorf("feed.backoff.factor must be >= 1")
	}

	if cfg.Dispatcher.Shards <= 0 {
		return fmt.Errorf("dispatcher.shards must be greater than 0")
	}
	if cfg.Trades.Capacity <= 0 {
		return fmt.Errorf("trades.capacity must be greater than 0")
	}
	if cfg.Book.ResyncBuffer <= 0 {
		return fmt.Errorf("book.resync_buffer must be greater than 0")
	}

	if cfg.Batcher.BatchSize <= 0 {
		return fmt.Errorf("batcher.batch_size must be greater than 0")
	}
	if cfg.Batcher.FlushInterval <= 0 {
		return fmt.Errorf("batcher.flush_interval must be greater than 0")
	}
	if cfg.Batcher.HighWaterMark < cfg.Batcher.BatchSize {
		return fmt.Errorf("batcher.high_water_mark must be at least batcher.batch_size")
	}
	if cfg.Batcher.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("batcher.retry.max_attempts must be greater than 0")
	}

	if cfg.Storage.S3.Enabled {
		if cfg.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required when S3 is enabled")
		}
		if cfg.Storage.S3.Region == "" {
			return fmt.Errorf("storage.s3.region is required when S3 is enabled")
		}
	}
	if cfg.Storage.Local.Enabled && cfg.Storage.Local.Dir == "" {
		return fmt.Errorf("storage.local.dir is required when local storage is enabled")
	}
	if cfg.Storage.S3.Enabled && cfg.Storage.Local.Enabled {
		return fmt.Errorf("storage.s3 and storage.local are mutually exclusive")
	}
	if cfg.Storage.FallbackPath == "" {
		return fmt.Errorf("storage.fallback_path is required")
	}

	return nil
}

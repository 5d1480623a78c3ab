package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const DefaultPath = "config/config.yml"

type Config struct {
	Quoteflow    QuoteflowConfig    `yaml:"quoteflow"`
	Subscription SubscriptionConfig `yaml:"subscription"`
	Channels     ChannelsConfig     `yaml:"channels"`
	Notifier     NotifierConfig     `yaml:"notifier"`
	Source       SourceConfig       `yaml:"source"`
	Storage      StorageConfig      `yaml:"storage"`
	Metrics      MetricsConfig      `yaml:"metrics"`
	Dashboard    DashboardConfig    `yaml:"dashboard"`
	Logging      LoggingConfig      `yaml:"logging"`
}

type QuoteflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type SubscriptionConfig struct {
	Instruments []string `yaml:"instruments"`
	Fields      []string `yaml:"fields"`
}

type ChannelsConfig struct {
	EventBuffer int `yaml:"event_buffer"`
}

type NotifierConfig struct {
	Workers     int `yaml:"workers"`
	QueueSize   int `yaml:"queue_size"`
	ErrorBuffer int `yaml:"error_buffer"`
}

type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	BurstSize         int     `yaml:"burst_size"`
}

type SourceConfig struct {
	Feed    FeedSourceConfig    `yaml:"feed"`
	Binance BinanceSourceConfig `yaml:"binance"`
	Bybit   BybitSourceConfig   `yaml:"bybit"`
}

type FeedSourceConfig struct {
	Enabled        bool            `yaml:"enabled"`
	URL            string          `yaml:"url"`
	ReconnectDelay time.Duration   `yaml:"reconnect_delay"`
	PingInterval   time.Duration   `yaml:"ping_interval"`
	RateLimit      RateLimitConfig `yaml:"rate_limit"`
}

type BinanceSourceConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Symbols        []string      `yaml:"symbols"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
}

type BybitSourceConfig struct {
	Enabled        bool          `yaml:"enabled"`
	URL            string        `yaml:"url"`
	Symbols        []string      `yaml:"symbols"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
}

type StorageConfig struct {
	S3    S3Config    `yaml:"s3"`
	Kafka KafkaConfig `yaml:"kafka"`
	NATS  NATSConfig  `yaml:"nats"`
	Redis RedisConfig `yaml:"redis"`
}

type S3Config struct {
	Enabled         bool          `yaml:"enabled"`
	Bucket          string        `yaml:"bucket"`
	Region          string        `yaml:"region"`
	Endpoint        string        `yaml:"endpoint"`
	PathStyle       bool          `yaml:"path_style"`
	AccessKeyID     string        `yaml:"access_key_id"`
	SecretAccessKey string        `yaml:"secret_access_key"`
	Prefix          string        `yaml:"prefix"`
	Compression     string        `yaml:"compression"`
	FlushInterval   time.Duration `yaml:"flush_interval"`
}

type KafkaConfig struct {
	Enabled bool     `yaml:"enabled"`
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type NATSConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// RedisConfig configures the live quote mirror. TTL of zero keeps keys
// until the next snapshot overwrites them.
type RedisConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Address   string        `yaml:"address"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	KeyPrefix string        `yaml:"key_prefix"`
	TTL       time.Duration `yaml:"ttl"`
}

type MetricsConfig struct {
	Prometheus  bool             `yaml:"prometheus"`
	ChannelSize bool             `yaml:"channel_size"`
	Interval    time.Duration    `yaml:"interval"`
	CloudWatch  CloudWatchConfig `yaml:"cloudwatch"`
}

type CloudWatchConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Region    string `yaml:"region"`
	Namespace string `yaml:"namespace"`
}

type DashboardConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Address         string        `yaml:"address"`
	LogHistory      int           `yaml:"log_history"`
	MetricsHistory  int           `yaml:"metrics_history"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
}

type LoggingConfig struct {
	Level          string        `yaml:"level"`
	Format         string        `yaml:"format"`
	Output         string        `yaml:"output"`
	MaxAge         int           `yaml:"max_age"`
	ReportInterval time.Duration `yaml:"report_interval"`
}

func defaults() Config {
	return Config{
		Channels: ChannelsConfig{EventBuffer: 4096},
		Notifier: NotifierConfig{Workers: 4, QueueSize: 1024, ErrorBuffer: 64},
		Source: SourceConfig{
			Feed: FeedSourceConfig{
				ReconnectDelay: 5 * time.Second,
				PingInterval:   20 * time.Second,
				RateLimit:      RateLimitConfig{RequestsPerSecond: 1, BurstSize: 1},
			},
			Binance: BinanceSourceConfig{ReconnectDelay: 5 * time.Second},
			Bybit: BybitSourceConfig{
				URL:            "wss://stream.bybit.com/v5/public/linear",
				ReconnectDelay: 5 * time.Second,
			},
		},
		Storage: StorageConfig{
			S3:    S3Config{Prefix: "snapshots", Compression: "snappy"},
			NATS:  NATSConfig{URL: "nats://127.0.0.1:4222", SubjectPrefix: "quoteflow"},
			Redis: RedisConfig{Address: "127.0.0.1:6379", KeyPrefix: "quoteflow"},
		},
		Metrics: MetricsConfig{
			Prometheus:  true,
			ChannelSize: true,
			Interval:    10 * time.Second,
			CloudWatch:  CloudWatchConfig{Namespace: "Quoteflow"},
		},
		Dashboard: DashboardConfig{Address: ":8080", LogHistory: 500, MetricsHistory: 200, RefreshInterval: 5 * time.Second},
		Logging:   LoggingConfig{Level: "info", Format: "json", Output: "stdout", ReportInterval: time.Minute},
	}
}

// LoadConfig reads path (or its APP_ENV specific variant), applies defaults
// and environment overrides, then validates the result.
func LoadConfig(path string) (*Config, error) {
	path = ResolvePath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := defaults()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnvOverrides(&config)

	config.Storage.S3.Bucket = strings.TrimSpace(config.Storage.S3.Bucket)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func applyEnvOverrides(config *Config) {
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
	if config.Metrics.CloudWatch.Enabled && config.Metrics.CloudWatch.Region == "" {
		config.Metrics.CloudWatch.Region = strings.TrimSpace(os.Getenv("AWS_REGION"))
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		var brokers []string
		for _, b := range strings.Split(v, ",") {
			if b = strings.TrimSpace(b); b != "" {
				brokers = append(brokers, b)
			}
		}
		config.Storage.Kafka.Brokers = brokers
	}
	if v := os.Getenv("NATS_URL"); v != "" {
		config.Storage.NATS.URL = strings.TrimSpace(v)
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		config.Storage.Redis.Address = strings.TrimSpace(v)
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		config.Storage.Redis.Password = v
	}
	if v := os.Getenv("DASHBOARD_ADDR"); v != "" {
		config.Dashboard.Address = strings.TrimSpace(v)
	}
}

func validateConfig(cfg *Config) error {
	if cfg.Quoteflow.Name == "" {
		return fmt.Errorf("quoteflow.name is required")
	}
	if cfg.Quoteflow.Version == "" {
		return fmt.Errorf("quoteflow.version is required")
	}

	if len(cfg.Subscription.Instruments) == 0 {
		return fmt.Errorf("subscription.instruments must not be empty")
	}
	if len(cfg.Subscription.Fields) == 0 {
		return fmt.Errorf("subscription.fields must not be empty")
	}

	if cfg.Channels.EventBuffer <= 0 {
		return fmt.Errorf("channels.event_buffer must be greater than 0")
	}
	if cfg.Notifier.Workers <= 0 {
		return fmt.Errorf("notifier.workers must be greater than 0")
	}
	if cfg.Notifier.QueueSize <= 0 {
		return fmt.Errorf("notifier.queue_size must be greater than 0")
	}

	if !cfg.Source.Feed.Enabled && !cfg.Source.Binance.Enabled && !cfg.Source.Bybit.Enabled {
		return fmt.Errorf("at least one source must be enabled")
	}
	if cfg.Source.Feed.Enabled {
		if cfg.Source.Feed.URL == "" {
			return fmt.Errorf("source.feed.url is required when the feed is enabled")
		}
		if cfg.Source.Feed.RateLimit.RequestsPerSecond <= 0 {
			return fmt.Errorf("source.feed.rate_limit.requests_per_second must be greater than 0")
		}
	}
	if cfg.Source.Binance.Enabled && len(cfg.Source.Binance.Symbols) == 0 {
		return fmt.Errorf("source.binance.symbols must not be empty when binance is enabled")
	}
	if cfg.Source.Bybit.Enabled && len(cfg.Source.Bybit.Symbols) == 0 {
		return fmt.Errorf("source.bybit.symbols must not be empty when bybit is enabled")
	}

	if cfg.Storage.S3.Enabled {
		if cfg.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required when S3 is enabled")
		}
		if cfg.Storage.S3.Region == "" {
			return fmt.Errorf("storage.s3.region is required when S3 is enabled")
		}
		if cfg.Storage.S3.AccessKeyID == "" || cfg.Storage.S3.SecretAccessKey == "" {
			return fmt.Errorf("storage.s3.access_key_id and storage.s3.secret_access_key are required when S3 is enabled")
		}
		if !isValidS3Bucket(cfg.Storage.S3.Bucket) {
			return fmt.Errorf("storage.s3.bucket '%s' is invalid", cfg.Storage.S3.Bucket)
		}
		if cfg.Storage.S3.FlushInterval < 0 {
			return fmt.Errorf("storage.s3.flush_interval must not be negative")
		}
	}

	if cfg.Storage.Kafka.Enabled {
		if len(cfg.Storage.Kafka.Brokers) == 0 {
			return fmt.Errorf("storage.kafka.brokers is required when kafka is enabled")
		}
		if cfg.Storage.Kafka.Topic == "" {
			return fmt.Errorf("storage.kafka.topic is required when kafka is enabled")
		}
	}

	if cfg.Storage.NATS.Enabled {
		if cfg.Storage.NATS.URL == "" {
			return fmt.Errorf("storage.nats.url is required when nats is enabled")
		}
		if strings.ContainsAny(cfg.Storage.NATS.SubjectPrefix, " *>") {
			return fmt.Errorf("storage.nats.subject_prefix '%s' contains wildcard or space", cfg.Storage.NATS.SubjectPrefix)
		}
	}

	if cfg.Storage.Redis.Enabled {
		if cfg.Storage.Redis.Address == "" {
			return fmt.Errorf("storage.redis.address is required when redis is enabled")
		}
		if cfg.Storage.Redis.DB < 0 || cfg.Storage.Redis.TTL < 0 {
			return fmt.Errorf("storage.redis.db and storage.redis.ttl must not be negative")
		}
	}

	if cfg.Metrics.CloudWatch.Enabled && cfg.Metrics.CloudWatch.Region == "" {
		return fmt.Errorf("metrics.cloudwatch.region is required when cloudwatch is enabled")
	}

	return nil
}

var s3BucketRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

func isValidS3Bucket(name string) bool {
	if len(name) < 3 || len(name) > 63 {
		return false
	}
	if strings.Contains(name, "..") || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".") {
		return false
	}
	return s3BucketRegexp.MatchString(name)
}

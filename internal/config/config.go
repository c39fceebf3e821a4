// Package config loads and validates pipeline configuration via Viper.
package config

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix namespaces environment overrides, e.g. NEWSPIPE_MODEL_API_KEY.
const EnvPrefix = "NEWSPIPE"

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server  ServerConfig   `mapstructure:"server"`
	Worker  WorkerConfig   `mapstructure:"worker"`
	Queue   QueueConfig    `mapstructure:"queue"`
	Poll    PollConfig     `mapstructure:"poll"`
	Extract ExtractConfig  `mapstructure:"extract"`
	Model   ModelConfig    `mapstructure:"model"`
	DB      DBConfig       `mapstructure:"db"`
	Redis   RedisConfig    `mapstructure:"redis"`
	PubSub  PubSubConfig   `mapstructure:"pubsub"`
	Fanout  FanoutConfig   `mapstructure:"fanout"`
	Archive ArchiveConfig  `mapstructure:"archive"`
	Logging LoggingConfig  `mapstructure:"logging"`
	Tracing TracingConfig  `mapstructure:"tracing"`
	Sources []SourceConfig `mapstructure:"sources"`
}

// ServerConfig controls the operational HTTP server.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	APIKey          string        `mapstructure:"api_key"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// WorkerConfig sizes the orchestrator worker pool.
type WorkerConfig struct {
	Concurrency int           `mapstructure:"concurrency"`
	TaskTimeout time.Duration `mapstructure:"task_timeout"`
}

// QueueConfig selects the task broker.
type QueueConfig struct {
	Backend  string `mapstructure:"backend"`
	Capacity int    `mapstructure:"capacity"`
	Prefix   string `mapstructure:"prefix"`
	// LeaseTTL bounds how long a silent worker process keeps its in-flight redis tasks.
	LeaseTTL time.Duration `mapstructure:"lease_ttl"`
}

// PollConfig controls the scheduler and feed downloads.
type PollConfig struct {
	Interval  time.Duration `mapstructure:"interval"`
	UserAgent string        `mapstructure:"user_agent"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// ExtractConfig governs page fetching and the text quality gate.
type ExtractConfig struct {
	MinLength     int           `mapstructure:"min_length"`
	UserAgent     string        `mapstructure:"user_agent"`
	Timeout       time.Duration `mapstructure:"timeout"`
	RespectRobots bool          `mapstructure:"respect_robots"`
	PerHostRPS    float64       `mapstructure:"per_host_rps"`
	Burst         int           `mapstructure:"burst"`
	MaxBodyBytes  int           `mapstructure:"max_body_bytes"`
}

// ModelConfig configures the enrichment model client.
type ModelConfig struct {
	APIKey          string        `mapstructure:"api_key"`
	BaseURL         string        `mapstructure:"base_url"`
	Model           string        `mapstructure:"model"`
	MaxTokens       int           `mapstructure:"max_tokens"`
	Temperature     float32       `mapstructure:"temperature"`
	Timeout         time.Duration `mapstructure:"timeout"`
	MaxInputChars   int           `mapstructure:"max_input_chars"`
	DefaultIndustry string        `mapstructure:"default_industry"`
}

// DBConfig controls access to the document store.
type DBConfig struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	Migrate         bool          `mapstructure:"migrate"`
}

// RedisConfig locates the Redis server shared by the queue and the fanout sink.
type RedisConfig struct {
	URL string `mapstructure:"url"`
}

// PubSubConfig holds metadata for Pub/Sub notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// FanoutConfig lists the realtime sinks new articles are published to.
type FanoutConfig struct {
	Sinks         []string `mapstructure:"sinks"`
	Topic         string   `mapstructure:"topic"`
	ChannelPrefix string   `mapstructure:"channel_prefix"`
	HistorySize   int      `mapstructure:"history_size"`
}

// ArchiveConfig selects where fetched article HTML is archived.
type ArchiveConfig struct {
	Backend string `mapstructure:"backend"`
	Bucket  string `mapstructure:"bucket"`
	Prefix  string `mapstructure:"prefix"`
	BaseDir string `mapstructure:"base_dir"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// TracingConfig toggles OpenTelemetry tracing.
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	ServiceName string  `mapstructure:"service_name"`
	Exporter    string  `mapstructure:"exporter"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// SourceConfig seeds one feed source at startup.
type SourceConfig struct {
	ID           string        `mapstructure:"id"`
	Name         string        `mapstructure:"name"`
	Industry     string        `mapstructure:"industry"`
	FeedURL      string        `mapstructure:"feed_url"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	Active       *bool         `mapstructure:"active"`
}

// IsActive defaults a missing flag to true.
func (s SourceConfig) IsActive() bool {
	return s.Active == nil || *s.Active
}

// Backends and sinks accepted by Validate.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
	BackendGCS      = "gcs"
	BackendLocal    = "local"
	BackendNone     = "none"
	SinkPubSub      = "pubsub"
)

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.api_key", "")
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("worker.concurrency", 4)
	v.SetDefault("worker.task_timeout", 2*time.Minute)
	v.SetDefault("queue.backend", BackendMemory)
	v.SetDefault("queue.capacity", 1024)
	v.SetDefault("queue.prefix", "newspipe:tasks")
	v.SetDefault("queue.lease_ttl", 30*time.Second)
	v.SetDefault("poll.interval", 5*time.Minute)
	v.SetDefault("poll.user_agent", "newspipe-bot/0.1")
	v.SetDefault("poll.timeout", 30*time.Second)
	v.SetDefault("extract.min_length", 250)
	v.SetDefault("extract.user_agent", "newspipe-bot/0.1")
	v.SetDefault("extract.timeout", 30*time.Second)
	v.SetDefault("extract.respect_robots", true)
	v.SetDefault("extract.per_host_rps", 1.0)
	v.SetDefault("extract.burst", 2)
	v.SetDefault("extract.max_body_bytes", 10<<20)
	v.SetDefault("model.api_key", "")
	v.SetDefault("model.base_url", "")
	v.SetDefault("model.model", "gpt-4o-mini")
	v.SetDefault("model.max_tokens", 1500)
	v.SetDefault("model.temperature", 0.3)
	v.SetDefault("model.timeout", 60*time.Second)
	v.SetDefault("model.max_input_chars", 4000)
	v.SetDefault("model.default_industry", "general")
	v.SetDefault("db.driver", BackendMemory)
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.max_conns", 10)
	v.SetDefault("db.min_conns", 0)
	v.SetDefault("db.max_conn_lifetime", time.Hour)
	v.SetDefault("db.migrate", true)
	v.SetDefault("redis.url", "redis://localhost:6379/0")
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")
	v.SetDefault("fanout.sinks", []string{BackendMemory})
	v.SetDefault("fanout.topic", "news.articles")
	v.SetDefault("fanout.channel_prefix", "newspipe")
	v.SetDefault("fanout.history_size", 100)
	v.SetDefault("archive.backend", BackendNone)
	v.SetDefault("archive.bucket", "")
	v.SetDefault("archive.prefix", "raw-html")
	v.SetDefault("archive.base_dir", "./data/archive")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "newspipe")
	v.SetDefault("tracing.exporter", "none")
	v.SetDefault("tracing.sample_ratio", 1.0)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker.concurrency must be > 0")
	}
	if c.Worker.TaskTimeout <= 0 {
		return fmt.Errorf("worker.task_timeout must be > 0")
	}
	if c.Poll.Interval <= 0 {
		return fmt.Errorf("poll.interval must be > 0")
	}
	if c.Extract.MinLength <= 0 {
		return fmt.Errorf("extract.min_length must be > 0")
	}
	if c.Model.APIKey == "" {
		return fmt.Errorf("model.api_key must be set")
	}
	if c.Model.Temperature < 0 || c.Model.Temperature > 2 {
		return fmt.Errorf("model.temperature must be within [0, 2]")
	}
	if err := c.validateBackends(); err != nil {
		return err
	}
	return c.validateSources()
}

func (c Config) validateBackends() error {
	switch c.Queue.Backend {
	case BackendMemory, BackendRedis:
	default:
		return fmt.Errorf("queue.backend %q must be memory or redis", c.Queue.Backend)
	}
	if c.Queue.Backend == BackendRedis && c.Queue.LeaseTTL < 3*time.Second {
		return fmt.Errorf("queue.lease_ttl must be at least 3s for the redis queue")
	}
	switch c.DB.Driver {
	case BackendMemory:
	case BackendPostgres:
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn must be set when db.driver is postgres")
		}
	default:
		return fmt.Errorf("db.driver %q must be memory or postgres", c.DB.Driver)
	}
	for _, sink := range c.Fanout.Sinks {
		switch sink {
		case BackendMemory, BackendRedis:
		case SinkPubSub:
			if c.PubSub.ProjectID == "" || c.PubSub.TopicName == "" {
				return fmt.Errorf("pubsub.project_id and pubsub.topic_name must be set for the pubsub sink")
			}
		default:
			return fmt.Errorf("fanout.sinks: unknown sink %q", sink)
		}
	}
	if c.UsesRedis() && c.Redis.URL == "" {
		return fmt.Errorf("redis.url must be set when redis is used")
	}
	switch c.Archive.Backend {
	case BackendNone, BackendMemory:
	case BackendLocal:
		if c.Archive.BaseDir == "" {
			return fmt.Errorf("archive.base_dir must be set for the local archive")
		}
	case BackendGCS:
		if c.Archive.Bucket == "" {
			return fmt.Errorf("archive.bucket must be set for the gcs archive")
		}
	default:
		return fmt.Errorf("archive.backend %q is not supported", c.Archive.Backend)
	}
	return nil
}

func (c Config) validateSources() error {
	seen := make(map[string]struct{}, len(c.Sources))
	for i, src := range c.Sources {
		if src.ID == "" || src.FeedURL == "" {
			return fmt.Errorf("sources[%d]: id and feed_url are required", i)
		}
		if _, dup := seen[src.ID]; dup {
			return fmt.Errorf("sources[%d]: duplicate id %q", i, src.ID)
		}
		seen[src.ID] = struct{}{}
	}
	return nil
}

// UsesRedis reports whether any component needs the Redis client.
func (c Config) UsesRedis() bool {
	return c.Queue.Backend == BackendRedis || slices.Contains(c.Fanout.Sinks, BackendRedis)
}

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
worker:
  concurrency: 6
  task_timeout: 45s
queue:
  backend: redis
  prefix: test:tasks
redis:
  url: redis://cache:6379/1
poll:
  interval: 2m
extract:
  min_length: 150
  respect_robots: false
  per_host_rps: 0.5
model:
  api_key: secret
  model: gpt-test
  temperature: 0.1
db:
  driver: postgres
  dsn: postgres://news@localhost/news
fanout:
  sinks: [memory, redis]
archive:
  backend: gcs
  bucket: raw-html
logging:
  development: false
  level: warn
sources:
  - id: autonews
    name: Automotive News
    industry: automotive
    feed_url: https://example.com/rss
    poll_interval: 10m
  - id: paused
    feed_url: https://example.com/paused.xml
    active: false
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Fatalf("expected port 9090, got %d", cfg.Server.Port)
	}
	if cfg.Worker.Concurrency != 6 || cfg.Worker.TaskTimeout != 45*time.Second {
		t.Fatalf("expected worker overrides to apply: %+v", cfg.Worker)
	}
	if cfg.Queue.Backend != BackendRedis || cfg.Redis.URL != "redis://cache:6379/1" {
		t.Fatalf("expected redis queue: %+v %+v", cfg.Queue, cfg.Redis)
	}
	if cfg.Queue.LeaseTTL != 30*time.Second {
		t.Fatalf("expected default lease ttl, got %v", cfg.Queue.LeaseTTL)
	}
	if cfg.Extract.RespectRobots || cfg.Extract.MinLength != 150 {
		t.Fatalf("expected extract overrides to apply: %+v", cfg.Extract)
	}
	if cfg.Model.APIKey != "secret" || cfg.Model.Model != "gpt-test" {
		t.Fatalf("expected model overrides to apply: %+v", cfg.Model)
	}
	if !cfg.UsesRedis() {
		t.Fatalf("expected UsesRedis to report true")
	}
	if len(cfg.Sources) != 2 {
		t.Fatalf("expected two sources, got %+v", cfg.Sources)
	}
	if got := cfg.Sources[0]; got.PollInterval != 10*time.Minute || !got.IsActive() || got.Industry != "automotive" {
		t.Fatalf("unexpected first source: %+v", got)
	}
	if cfg.Sources[1].IsActive() {
		t.Fatalf("expected second source to be inactive")
	}
	// Untouched keys keep their defaults.
	if cfg.Model.MaxInputChars != 4000 || cfg.Fanout.Topic != "news.articles" {
		t.Fatalf("expected defaults to survive: %+v %+v", cfg.Model, cfg.Fanout)
	}
}

func TestLoadDefaultsWithEnv(t *testing.T) {
	t.Setenv("NEWSPIPE_MODEL_API_KEY", "from-env")
	t.Setenv("NEWSPIPE_WORKER_CONCURRENCY", "9")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Model.APIKey != "from-env" {
		t.Fatalf("expected env api key, got %q", cfg.Model.APIKey)
	}
	if cfg.Worker.Concurrency != 9 {
		t.Fatalf("expected env concurrency 9, got %d", cfg.Worker.Concurrency)
	}
	if cfg.Queue.Backend != BackendMemory || cfg.DB.Driver != BackendMemory || cfg.Archive.Backend != BackendNone {
		t.Fatalf("unexpected default backends: %+v %+v %+v", cfg.Queue, cfg.DB, cfg.Archive)
	}
	if cfg.Poll.Interval != 5*time.Minute {
		t.Fatalf("expected default poll interval, got %v", cfg.Poll.Interval)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing config file")
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base := Config{
		Server:  ServerConfig{Port: 8080},
		Worker:  WorkerConfig{Concurrency: 1, TaskTimeout: time.Minute},
		Queue:   QueueConfig{Backend: BackendMemory},
		Poll:    PollConfig{Interval: time.Minute},
		Extract: ExtractConfig{MinLength: 200},
		Model:   ModelConfig{APIKey: "key", Temperature: 0.3},
		DB:      DBConfig{Driver: BackendMemory},
		Fanout:  FanoutConfig{Sinks: []string{BackendMemory}},
		Archive: ArchiveConfig{Backend: BackendNone},
	}
	if err := base.Validate(); err != nil {
		t.Fatalf("base config should be valid: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{name: "invalid port", mutate: func(c *Config) { c.Server.Port = 0 }, want: "server.port"},
		{name: "invalid concurrency", mutate: func(c *Config) { c.Worker.Concurrency = 0 }, want: "worker.concurrency"},
		{name: "invalid task timeout", mutate: func(c *Config) { c.Worker.TaskTimeout = 0 }, want: "worker.task_timeout"},
		{name: "invalid poll interval", mutate: func(c *Config) { c.Poll.Interval = 0 }, want: "poll.interval"},
		{name: "missing api key", mutate: func(c *Config) { c.Model.APIKey = "" }, want: "model.api_key"},
		{name: "temperature range", mutate: func(c *Config) { c.Model.Temperature = 3 }, want: "model.temperature"},
		{name: "unknown queue", mutate: func(c *Config) { c.Queue.Backend = "kafka" }, want: "queue.backend"},
		{
			name: "short redis lease",
			mutate: func(c *Config) {
				c.Queue = QueueConfig{Backend: BackendRedis, LeaseTTL: time.Second}
				c.Redis.URL = "redis://localhost:6379/0"
			},
			want: "queue.lease_ttl",
		},
		{name: "postgres without dsn", mutate: func(c *Config) { c.DB.Driver = BackendPostgres }, want: "db.dsn"},
		{name: "unknown sink", mutate: func(c *Config) { c.Fanout.Sinks = []string{"smtp"} }, want: "fanout.sinks"},
		{name: "pubsub without topic", mutate: func(c *Config) { c.Fanout.Sinks = []string{SinkPubSub} }, want: "pubsub.project_id"},
		{name: "gcs without bucket", mutate: func(c *Config) { c.Archive.Backend = BackendGCS }, want: "archive.bucket"},
		{
			name: "source without url",
			mutate: func(c *Config) {
				c.Sources = []SourceConfig{{ID: "a"}}
			},
			want: "feed_url",
		},
		{
			name: "duplicate source",
			mutate: func(c *Config) {
				c.Sources = []SourceConfig{
					{ID: "a", FeedURL: "https://a.example/rss"},
					{ID: "a", FeedURL: "https://b.example/rss"},
				}
			},
			want: "duplicate id",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			cfg.Fanout.Sinks = append([]string(nil), base.Fanout.Sinks...)
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

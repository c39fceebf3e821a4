// Package app builds the pipeline from configuration and runs it until shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/storage"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-news-pipeline/internal/api"
	"github.com/JakeFAU/realtime-news-pipeline/internal/clock"
	"github.com/JakeFAU/realtime-news-pipeline/internal/config"
	"github.com/JakeFAU/realtime-news-pipeline/internal/enrich"
	"github.com/JakeFAU/realtime-news-pipeline/internal/extract"
	"github.com/JakeFAU/realtime-news-pipeline/internal/fanout"
	"github.com/JakeFAU/realtime-news-pipeline/internal/feed"
	collyfetcher "github.com/JakeFAU/realtime-news-pipeline/internal/fetcher/colly"
	"github.com/JakeFAU/realtime-news-pipeline/internal/id/uuid"
	"github.com/JakeFAU/realtime-news-pipeline/internal/llm/openai"
	"github.com/JakeFAU/realtime-news-pipeline/internal/orchestrator"
	"github.com/JakeFAU/realtime-news-pipeline/internal/pipeline"
	"github.com/JakeFAU/realtime-news-pipeline/internal/policy/ratelimit"
	memorypublisher "github.com/JakeFAU/realtime-news-pipeline/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/realtime-news-pipeline/internal/publisher/pubsub"
	redispub "github.com/JakeFAU/realtime-news-pipeline/internal/publisher/redis"
	queuememory "github.com/JakeFAU/realtime-news-pipeline/internal/queue/memory"
	redisqueue "github.com/JakeFAU/realtime-news-pipeline/internal/queue/redis"
	"github.com/JakeFAU/realtime-news-pipeline/internal/scheduler"
	gcsstorage "github.com/JakeFAU/realtime-news-pipeline/internal/storage/gcs"
	localstorage "github.com/JakeFAU/realtime-news-pipeline/internal/storage/local"
	memorystorage "github.com/JakeFAU/realtime-news-pipeline/internal/storage/memory"
	pgstore "github.com/JakeFAU/realtime-news-pipeline/internal/storage/postgres"
	"github.com/JakeFAU/realtime-news-pipeline/internal/telemetry"
)

// Option replaces a collaborator that Build would otherwise create from configuration.
type Option func(*options)

type options struct {
	model   pipeline.Model
	fetcher pipeline.PageFetcher
	clock   pipeline.Clock
	store   pipeline.Store
}

// WithModel injects the enrichment model.
func WithModel(m pipeline.Model) Option { return func(o *options) { o.model = m } }

// WithPageFetcher injects the article page fetcher.
func WithPageFetcher(f pipeline.PageFetcher) Option { return func(o *options) { o.fetcher = f } }

// WithClock injects the clock.
func WithClock(c pipeline.Clock) Option { return func(o *options) { o.clock = c } }

// WithStore injects the document store.
func WithStore(s pipeline.Store) Option { return func(o *options) { o.store = s } }

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	store       pipeline.Store
	queue       orchestrator.Queue
	orch        *orchestrator.Orchestrator
	poller      *feed.Poller
	enricher    *enrich.Processor
	scheduler   *scheduler.Scheduler
	broadcaster *memorypublisher.Broadcaster
	apiServer   *api.Server

	pg              *pgstore.Store
	redisClient     *redis.Client
	redisQueue      *redisqueue.Queue
	pubsubClient    *pubsub.Client
	pubsubPublisher *gcppublisher.Publisher
	gcsClient       *storage.Client
	tracerShutdown  telemetry.Shutdown

	closeOnce sync.Once
}

// Build creates the application's dependencies. Nothing runs until Run.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.clock == nil {
		o.clock = clock.New()
	}
	a := &App{cfg: cfg, logger: logger}
	logger.Info("building application", zap.Int("server_port", cfg.Server.Port))

	if err := a.build(ctx, o); err != nil {
		if closeErr := a.Close(context.WithoutCancel(ctx)); closeErr != nil {
			logger.Warn("cleanup after failed build", zap.Error(closeErr))
		}
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context, o options) error {
	var err error
	a.tracerShutdown, err = telemetry.Init(ctx, telemetry.Config{
		Enabled:     a.cfg.Tracing.Enabled,
		ServiceName: a.cfg.Tracing.ServiceName,
		Exporter:    a.cfg.Tracing.Exporter,
		ProjectID:   a.cfg.PubSub.ProjectID,
		SampleRatio: a.cfg.Tracing.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("tracer init failed: %w", err)
	}
	if err := a.setupStore(ctx, o.store); err != nil {
		return err
	}
	if err := a.seedSources(ctx, o.clock); err != nil {
		return err
	}
	if a.cfg.UsesRedis() {
		if err := a.setupRedis(ctx); err != nil {
			return err
		}
	}
	if err := a.setupQueue(); err != nil {
		return err
	}
	archive, err := a.setupArchive(ctx)
	if err != nil {
		return err
	}
	sink, err := a.setupSinks(ctx)
	if err != nil {
		return err
	}
	model := o.model
	if model == nil {
		model, err = openai.New(openai.Config{
			APIKey:      a.cfg.Model.APIKey,
			BaseURL:     a.cfg.Model.BaseURL,
			Model:       a.cfg.Model.Model,
			MaxTokens:   a.cfg.Model.MaxTokens,
			Temperature: a.cfg.Model.Temperature,
			Timeout:     a.cfg.Model.Timeout,
		}, a.logger)
		if err != nil {
			return fmt.Errorf("model client init failed: %w", err)
		}
	}
	fetcher := o.fetcher
	if fetcher == nil {
		limiter := ratelimit.New(ratelimit.Config{
			PerHostRPS: a.cfg.Extract.PerHostRPS,
			Burst:      a.cfg.Extract.Burst,
		})
		fetcher = collyfetcher.New(collyfetcher.Config{
			UserAgent:     a.cfg.Extract.UserAgent,
			RespectRobots: a.cfg.Extract.RespectRobots,
			Timeout:       a.cfg.Extract.Timeout,
			MaxBodySize:   a.cfg.Extract.MaxBodyBytes,
		}, limiter)
	}

	ids := uuid.New()
	a.orch = orchestrator.New(a.queue, a.store, o.clock, ids, orchestrator.Config{
		Workers:     a.cfg.Worker.Concurrency,
		TaskTimeout: a.cfg.Worker.TaskTimeout,
	}, a.logger)

	reader := feed.NewReader(feed.ReaderConfig{UserAgent: a.cfg.Poll.UserAgent, Timeout: a.cfg.Poll.Timeout}, nil)
	a.poller = feed.NewPoller(a.store, reader, a.orch, o.clock, ids, a.logger)
	stage := extract.NewStage(a.store, fetcher, extract.New(a.cfg.Extract.MinLength), archive, a.orch, o.clock,
		extract.StageConfig{ArchivePrefix: a.cfg.Archive.Prefix}, a.logger)
	a.enricher = enrich.NewProcessor(a.store, model, a.orch, o.clock, ids, enrich.Config{
		MaxInputChars:   a.cfg.Model.MaxInputChars,
		DefaultIndustry: a.cfg.Model.DefaultIndustry,
	}, a.logger)
	notifier := fanout.NewNotifier(a.store, sink, a.cfg.Fanout.Topic, o.clock, a.logger)

	a.orch.Register(pipeline.TaskPoll, a.poller)
	a.orch.Register(pipeline.TaskExtract, stage)
	a.orch.Register(pipeline.TaskEnrich, a.enricher)
	a.orch.Register(pipeline.TaskFanout, notifier)

	a.scheduler = scheduler.New(a.orch, a.cfg.Poll.Interval, a.logger)

	deps := api.Deps{
		Submitter:   a.orch,
		Reprocessor: a.enricher,
		Store:       a.store,
		Ready:       a.readinessChecks(),
		APIKey:      a.cfg.Server.APIKey,
	}
	if a.broadcaster != nil {
		deps.Events = a.broadcaster
	}
	a.apiServer = api.NewServer(deps, a.logger)
	return nil
}

func (a *App) setupStore(ctx context.Context, injected pipeline.Store) error {
	if injected != nil {
		a.store = injected
		return nil
	}
	if a.cfg.DB.Driver != config.BackendPostgres {
		a.logger.Info("using in-memory document store")
		a.store = memorystorage.NewStore()
		return nil
	}
	var err error
	a.pg, err = pgstore.New(ctx, pgstore.Config{
		DSN:             a.cfg.DB.DSN,
		MaxConns:        a.cfg.DB.MaxConns,
		MinConns:        a.cfg.DB.MinConns,
		MaxConnLifetime: a.cfg.DB.MaxConnLifetime,
	})
	if err != nil {
		return fmt.Errorf("postgres store init failed: %w", err)
	}
	if a.cfg.DB.Migrate {
		if err := a.pg.Migrate(ctx); err != nil {
			return fmt.Errorf("postgres migrate failed: %w", err)
		}
	}
	a.store = a.pg
	a.logger.Info("postgres document store initialized", zap.Bool("migrated", a.cfg.DB.Migrate))
	return nil
}

func (a *App) seedSources(ctx context.Context, c pipeline.Clock) error {
	for _, sc := range a.cfg.Sources {
		src := pipeline.Source{
			ID:           sc.ID,
			Name:         sc.Name,
			Industry:     sc.Industry,
			FeedURL:      sc.FeedURL,
			PollInterval: sc.PollInterval,
			Active:       sc.IsActive(),
			CreatedAt:    c.Now(),
		}
		if err := a.store.UpsertSource(ctx, src); err != nil {
			return fmt.Errorf("seed source %s: %w", sc.ID, err)
		}
	}
	if len(a.cfg.Sources) > 0 {
		a.logger.Info("sources seeded", zap.Int("count", len(a.cfg.Sources)))
	}
	return nil
}

func (a *App) setupRedis(ctx context.Context) error {
	opts, err := redis.ParseURL(a.cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("parse redis url: %w", err)
	}
	a.redisClient = redis.NewClient(opts)
	if err := a.redisClient.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	a.logger.Info("redis client initialized", zap.String("addr", opts.Addr))
	return nil
}

func (a *App) setupQueue() error {
	if a.cfg.Queue.Backend != config.BackendRedis {
		a.queue = queuememory.NewQueue(a.cfg.Queue.Capacity)
		a.logger.Info("using in-memory task queue", zap.Int("capacity", a.cfg.Queue.Capacity))
		return nil
	}
	if a.redisClient == nil {
		return errors.New("redis queue requires a redis client")
	}
	a.redisQueue = redisqueue.New(a.redisClient, redisqueue.Config{
		Prefix:   a.cfg.Queue.Prefix,
		LeaseTTL: a.cfg.Queue.LeaseTTL,
	})
	a.queue = a.redisQueue
	a.logger.Info("using redis task queue", zap.String("prefix", a.cfg.Queue.Prefix))
	return nil
}

func (a *App) setupArchive(ctx context.Context) (pipeline.BlobStore, error) {
	switch a.cfg.Archive.Backend {
	case config.BackendGCS:
		var err error
		a.gcsClient, err = storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		blobs, err := gcsstorage.New(a.gcsClient, gcsstorage.Config{Bucket: a.cfg.Archive.Bucket})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.logger.Info("archiving raw html to gcs", zap.String("bucket", a.cfg.Archive.Bucket))
		return blobs, nil
	case config.BackendLocal:
		blobs, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Archive.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		a.logger.Info("archiving raw html locally", zap.String("path", a.cfg.Archive.BaseDir))
		return blobs, nil
	case config.BackendMemory:
		a.logger.Info("archiving raw html in memory")
		return memorystorage.NewBlobStore(), nil
	default:
		a.logger.Info("raw html archive disabled")
		return nil, nil
	}
}

func (a *App) setupSinks(ctx context.Context) (pipeline.Publisher, error) {
	var sinks fanout.Multi
	for _, name := range a.cfg.Fanout.Sinks {
		switch name {
		case config.BackendMemory:
			a.broadcaster = memorypublisher.NewBroadcaster(a.cfg.Fanout.HistorySize, a.logger)
			sinks = append(sinks, a.broadcaster)
		case config.BackendRedis:
			sinks = append(sinks, redispub.New(a.redisClient, a.cfg.Fanout.ChannelPrefix))
		case config.SinkPubSub:
			var err error
			a.pubsubClient, err = pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
			if err != nil {
				return nil, fmt.Errorf("pubsub client init failed: %w", err)
			}
			a.pubsubPublisher = gcppublisher.New(a.pubsubClient.Publisher(a.cfg.PubSub.TopicName))
			sinks = append(sinks, a.pubsubPublisher)
		default:
			return nil, fmt.Errorf("unknown fanout sink %q", name)
		}
		a.logger.Info("fanout sink enabled", zap.String("sink", name))
	}
	if len(sinks) == 0 {
		a.logger.Warn("no fanout sinks configured, events are broadcast in-process only")
		a.broadcaster = memorypublisher.NewBroadcaster(a.cfg.Fanout.HistorySize, a.logger)
		return a.broadcaster, nil
	}
	if len(sinks) == 1 {
		return sinks[0], nil
	}
	return sinks, nil
}

func (a *App) readinessChecks() map[string]api.ReadinessCheck {
	checks := map[string]api.ReadinessCheck{}
	if a.pg != nil {
		checks["postgres"] = a.pg.Ping
	}
	if a.redisClient != nil {
		checks["redis"] = func(ctx context.Context) error { return a.redisClient.Ping(ctx).Err() }
	}
	return checks
}

// Store exposes the document store.
func (a *App) Store() pipeline.Store { return a.store }

// Orchestrator exposes the task orchestrator.
func (a *App) Orchestrator() *orchestrator.Orchestrator { return a.orch }

// Poller exposes the feed poller.
func (a *App) Poller() *feed.Poller { return a.poller }

// Broadcaster exposes the in-process event broadcaster, or nil when the memory sink is off.
func (a *App) Broadcaster() *memorypublisher.Broadcaster { return a.broadcaster }

// Handler exposes the operational HTTP handler.
func (a *App) Handler() http.Handler { return a.apiServer.Handler() }

// Run starts workers, the scheduler, and the HTTP server, and blocks until ctx is canceled.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := context.WithCancel(ctx)
	defer stop()

	// The lease outlives ctx so in-flight tasks stay owned while workers drain.
	leaseCtx, stopLease := context.WithCancel(context.WithoutCancel(ctx))
	defer stopLease()
	leaseDone := make(chan struct{})
	if a.redisQueue != nil {
		go func() {
			defer close(leaseDone)
			a.redisQueue.Heartbeat(leaseCtx, a.logger.Named("queue"))
		}()
	} else {
		close(leaseDone)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		a.logger.Info("workers started", zap.Int("workers", a.cfg.Worker.Concurrency))
		a.orch.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		a.scheduler.Run(ctx)
	}()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	timeout := a.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	wg.Wait()
	stopLease()
	<-leaseDone
	return a.Close(shutdownCtx)
}

// Close releases every client the App opened. It is safe to call more than once.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	a.closeOnce.Do(func() {
		if a.queue != nil {
			if err := a.queue.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close queue: %w", err))
			}
		}
		a.closeInfrastructure()
		if a.tracerShutdown != nil {
			if err := a.tracerShutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("tracer shutdown: %w", err))
			}
		}
		_ = a.logger.Sync()
		a.logger.Info("shutdown complete")
	})
	return errors.Join(errs...)
}

func (a *App) closeInfrastructure() {
	if a.pubsubPublisher != nil {
		a.pubsubPublisher.Stop()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.gcsClient != nil {
		if err := a.gcsClient.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			a.logger.Warn("redis client close failed", zap.Error(err))
		}
	}
	if a.pg != nil {
		a.pg.Close()
	}
}

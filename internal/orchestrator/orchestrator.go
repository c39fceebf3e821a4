package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-news-pipeline/internal/metrics"
	"github.com/JakeFAU/realtime-news-pipeline/internal/pipeline"
	"github.com/JakeFAU/realtime-news-pipeline/internal/telemetry"
)

// Defaults applied by New.
const (
	DefaultWorkers     = 4
	DefaultTaskTimeout = 2 * time.Minute
)

// Config controls the worker pool.
type Config struct {
	Workers     int
	TaskTimeout time.Duration
	Policies    map[string]Policy
}

// Orchestrator accepts task submissions and runs them on a pool of workers.
type Orchestrator struct {
	queue    Queue
	failures pipeline.TaskFailureStore
	clock    pipeline.Clock
	ids      pipeline.IDGenerator
	cfg      Config
	logger   *zap.Logger

	mu       sync.RWMutex
	handlers map[string]Handler
}

// New builds an Orchestrator. Policies missing from cfg fall back to DefaultPolicies.
func New(
	queue Queue,
	failures pipeline.TaskFailureStore,
	clock pipeline.Clock,
	ids pipeline.IDGenerator,
	cfg Config,
	logger *zap.Logger,
) *Orchestrator {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = DefaultTaskTimeout
	}
	policies := DefaultPolicies()
	for kind, p := range cfg.Policies {
		policies[kind] = p
	}
	cfg.Policies = policies
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		queue:    queue,
		failures: failures,
		clock:    clock,
		ids:      ids,
		cfg:      cfg,
		logger:   logger.Named("orchestrator"),
		handlers: make(map[string]Handler),
	}
}

// Register routes a task kind to h, replacing any previous handler.
func (o *Orchestrator) Register(kind string, h Handler) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.handlers[kind] = h
}

// Submit enqueues a fresh task.
func (o *Orchestrator) Submit(ctx context.Context, kind, ref string) error {
	id, err := o.ids.NewID()
	if err != nil {
		return fmt.Errorf("generate task id: %w", err)
	}
	now := o.clock.Now()
	task := Task{ID: id, Kind: kind, Ref: ref, NextEligibleAt: now, EnqueuedAt: now}
	if err := o.queue.Enqueue(ctx, task); err != nil {
		return fmt.Errorf("enqueue %s task: %w", kind, err)
	}
	o.logger.Debug("task submitted", zap.String("task_id", id), zap.String("kind", kind), zap.String("ref", ref))
	return nil
}

// Run starts the workers and blocks until ctx ends and every in-flight task returns.
func (o *Orchestrator) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := range o.cfg.Workers {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			o.work(ctx, n)
		}(i)
	}
	o.logger.Info("orchestrator started", zap.Int("workers", o.cfg.Workers))
	<-ctx.Done()
	wg.Wait()
	o.logger.Info("orchestrator stopped")
}

func (o *Orchestrator) work(ctx context.Context, n int) {
	log := o.logger.With(zap.Int("worker", n))
	for {
		task, err := o.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrQueueClosed) {
				return
			}
			log.Error("queue dequeue failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		metrics.IncActiveWorkers()
		o.Process(ctx, task)
		metrics.DecActiveWorkers()
	}
}

// Process runs a single task through its handler and applies the retry policy.
func (o *Orchestrator) Process(ctx context.Context, task Task) {
	log := o.logger.With(
		zap.String("task_id", task.ID),
		zap.String("kind", task.Kind),
		zap.String("ref", task.Ref),
		zap.Int("attempt", task.Attempt),
	)
	acked := true
	defer func() {
		if !acked {
			return
		}
		if err := o.queue.Ack(context.WithoutCancel(ctx), task); err != nil {
			log.Warn("ack task", zap.Error(err))
		}
	}()

	o.mu.RLock()
	h, ok := o.handlers[task.Kind]
	o.mu.RUnlock()
	if !ok {
		o.fail(ctx, log, task, pipeline.CategoryTerminal, fmt.Errorf("no handler registered for %q", task.Kind))
		return
	}

	taskCtx, cancel := context.WithTimeout(ctx, o.cfg.TaskTimeout)
	taskCtx, span := telemetry.Tracer().Start(taskCtx, "task."+task.Kind, trace.WithAttributes(
		attribute.String("task.id", task.ID),
		attribute.String("task.ref", task.Ref),
		attribute.Int("task.attempt", task.Attempt),
	))
	err := h.Handle(taskCtx, task.Ref)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(pipeline.Classify(err)))
	}
	span.End()
	cancel()

	if err != nil && ctx.Err() != nil {
		// Interrupted by shutdown: neither recorded nor acked.
		acked = false
		log.Info("task interrupted by shutdown", zap.Error(err))
		metrics.ObserveTask(task.Kind, "interrupted")
		return
	}

	decision := o.policyFor(task.Kind).Decide(task, err)
	switch decision.Action {
	case ActionDone:
		metrics.ObserveTask(task.Kind, "done")
		log.Debug("task done")
	case ActionRetry:
		o.retry(ctx, log, task, decision, err)
	case ActionFail:
		o.fail(ctx, log, task, decision.Category, err)
	}
}

func (o *Orchestrator) policyFor(kind string) Policy {
	if p, ok := o.cfg.Policies[kind]; ok {
		return p
	}
	return Policy{}
}

func (o *Orchestrator) retry(ctx context.Context, log *zap.Logger, task Task, d Decision, cause error) {
	next := task
	next.Attempt++
	next.LastError = cause.Error()
	next.NextEligibleAt = o.clock.Now().Add(d.Delay)
	if err := o.queue.Enqueue(ctx, next); err != nil {
		log.Error("requeue task", zap.Error(err))
		o.fail(ctx, log, task, d.Category, errors.Join(cause, fmt.Errorf("requeue: %w", err)))
		return
	}
	metrics.ObserveTask(task.Kind, "retry")
	log.Warn("task scheduled for retry",
		zap.String("category", string(d.Category)),
		zap.Duration("delay", d.Delay),
		zap.Error(cause),
	)
}

func (o *Orchestrator) fail(ctx context.Context, log *zap.Logger, task Task, category pipeline.ErrorCategory, cause error) {
	metrics.ObserveTask(task.Kind, "failed")
	log.Error("task failed permanently", zap.String("category", string(category)), zap.Error(cause))
	if o.failures == nil {
		return
	}
	failure := pipeline.TaskFailure{
		TaskID:    task.ID,
		Kind:      task.Kind,
		Ref:       task.Ref,
		Attempts:  task.Attempt + 1,
		Category:  string(category),
		LastError: cause.Error(),
		FailedAt:  o.clock.Now(),
	}
	if err := o.failures.RecordTaskFailure(context.WithoutCancel(ctx), failure); err != nil {
		log.Error("record task failure", zap.Error(err))
	}
}

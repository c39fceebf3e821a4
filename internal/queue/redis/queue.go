// Package redisqueue is a Redis-backed task queue shared by several worker processes.
// Ready tasks live in a list, tasks waiting for their NextEligibleAt in a sorted set, and
// dequeued tasks in a per-consumer processing list until they are acked. Each consumer
// holds a lease key it refreshes while alive; only lists whose lease has expired are
// returned to the ready list.
package redisqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-news-pipeline/internal/orchestrator"
)

// Defaults applied by New.
const (
	DefaultPrefix       = "newspipe:tasks"
	DefaultBlockTimeout = time.Second
	DefaultPromoteBatch = 100
	DefaultLeaseTTL     = 30 * time.Second
)

// Config names the keys and tunes polling.
type Config struct {
	Prefix       string
	BlockTimeout time.Duration
	PromoteBatch int64
	// ConsumerID names this process's processing list and lease. Random when empty.
	ConsumerID string
	LeaseTTL   time.Duration
}

// Queue implements orchestrator.Queue on Redis.
type Queue struct {
	client     *redis.Client
	ownsClient bool
	cfg        Config
	now        func() time.Time
	closed     atomic.Bool

	mu       sync.Mutex
	inflight map[string]string

	leasedAt atomic.Int64
}

// New wraps an existing client. The caller keeps ownership of client.
func New(client *redis.Client, cfg Config) *Queue {
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}
	if cfg.BlockTimeout <= 0 {
		cfg.BlockTimeout = DefaultBlockTimeout
	}
	if cfg.PromoteBatch <= 0 {
		cfg.PromoteBatch = DefaultPromoteBatch
	}
	if cfg.ConsumerID == "" {
		cfg.ConsumerID = uuid.NewString()
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = DefaultLeaseTTL
	}
	return &Queue{
		client:   client,
		cfg:      cfg,
		now:      time.Now,
		inflight: make(map[string]string),
	}
}

// NewFromURL dials Redis from a redis:// URL; Close also closes the client.
func NewFromURL(url string, cfg Config) (*Queue, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	q := New(redis.NewClient(opts), cfg)
	q.ownsClient = true
	return q, nil
}

func (q *Queue) readyKey() string      { return q.cfg.Prefix + ":ready" }
func (q *Queue) delayedKey() string    { return q.cfg.Prefix + ":delayed" }
func (q *Queue) consumersKey() string  { return q.cfg.Prefix + ":consumers" }
func (q *Queue) processingKey() string { return q.processingKeyFor(q.cfg.ConsumerID) }

func (q *Queue) processingKeyFor(consumer string) string {
	return q.cfg.Prefix + ":processing:" + consumer
}

func (q *Queue) leaseKey(consumer string) string {
	return q.cfg.Prefix + ":lease:" + consumer
}

// ConsumerID reports the id this queue leases its processing list under.
func (q *Queue) ConsumerID() string { return q.cfg.ConsumerID }

func inflightKey(task orchestrator.Task) string {
	return task.ID + "#" + strconv.Itoa(task.Attempt)
}

// Enqueue stores the task in the ready list, or in the delayed set when it is not yet eligible.
func (q *Queue) Enqueue(ctx context.Context, task orchestrator.Task) error {
	if q.closed.Load() {
		return orchestrator.ErrQueueClosed
	}
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("encode task: %w", err)
	}
	if task.NextEligibleAt.After(q.now()) {
		err = q.client.ZAdd(ctx, q.delayedKey(), redis.Z{
			Score:  float64(task.NextEligibleAt.UnixMilli()),
			Member: string(payload),
		}).Err()
	} else {
		err = q.client.LPush(ctx, q.readyKey(), payload).Err()
	}
	if err != nil {
		return fmt.Errorf("enqueue task %s: %w", task.ID, err)
	}
	return nil
}

// Dequeue moves the oldest ready task to the processing list and returns it.
func (q *Queue) Dequeue(ctx context.Context) (orchestrator.Task, error) {
	for {
		if q.closed.Load() {
			return orchestrator.Task{}, orchestrator.ErrQueueClosed
		}
		if err := ctx.Err(); err != nil {
			return orchestrator.Task{}, fmt.Errorf("dequeue canceled: %w", err)
		}
		if err := q.ensureLease(ctx); err != nil {
			return orchestrator.Task{}, err
		}
		if _, err := q.promote(ctx); err != nil {
			return orchestrator.Task{}, err
		}

		payload, err := q.client.BLMove(ctx, q.readyKey(), q.processingKey(), "RIGHT", "LEFT", q.cfg.BlockTimeout).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return orchestrator.Task{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
			}
			return orchestrator.Task{}, fmt.Errorf("move ready task: %w", err)
		}

		var task orchestrator.Task
		if err := json.Unmarshal([]byte(payload), &task); err != nil {
			_ = q.client.LRem(ctx, q.processingKey(), 1, payload).Err()
			return orchestrator.Task{}, fmt.Errorf("decode task: %w", err)
		}
		q.mu.Lock()
		q.inflight[inflightKey(task)] = payload
		q.mu.Unlock()
		return task, nil
	}
}

// Ack removes a dequeued task from the processing list.
func (q *Queue) Ack(ctx context.Context, task orchestrator.Task) error {
	key := inflightKey(task)
	q.mu.Lock()
	payload, ok := q.inflight[key]
	delete(q.inflight, key)
	q.mu.Unlock()
	if !ok {
		return nil
	}
	if err := q.client.LRem(ctx, q.processingKey(), 1, payload).Err(); err != nil {
		return fmt.Errorf("ack task %s: %w", task.ID, err)
	}
	return nil
}

// promote moves due delayed tasks to the ready list. ZREM decides which process wins a task.
func (q *Queue) promote(ctx context.Context) (int, error) {
	due, err := q.client.ZRangeByScore(ctx, q.delayedKey(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(q.now().UnixMilli(), 10),
		Count: q.cfg.PromoteBatch,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("scan delayed tasks: %w", err)
	}
	moved := 0
	for _, member := range due {
		removed, err := q.client.ZRem(ctx, q.delayedKey(), member).Result()
		if err != nil {
			return moved, fmt.Errorf("claim delayed task: %w", err)
		}
		if removed == 0 {
			continue
		}
		if err := q.client.LPush(ctx, q.readyKey(), member).Err(); err != nil {
			return moved, fmt.Errorf("promote delayed task: %w", err)
		}
		moved++
	}
	return moved, nil
}

// RenewLease registers the consumer and extends its lease.
func (q *Queue) RenewLease(ctx context.Context) error {
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, q.leaseKey(q.cfg.ConsumerID), q.now().UTC().Format(time.RFC3339), q.cfg.LeaseTTL)
		pipe.SAdd(ctx, q.consumersKey(), q.cfg.ConsumerID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("renew consumer lease: %w", err)
	}
	q.leasedAt.Store(q.now().UnixNano())
	return nil
}

// ensureLease renews the lease when a third of its TTL has passed since the last renewal.
func (q *Queue) ensureLease(ctx context.Context) error {
	last := q.leasedAt.Load()
	if last != 0 && q.now().Sub(time.Unix(0, last)) < q.cfg.LeaseTTL/3 {
		return nil
	}
	return q.RenewLease(ctx)
}

// Recover returns tasks held by consumers whose lease has expired to the ready list.
// Live consumers, this one included, keep their in-flight tasks.
func (q *Queue) Recover(ctx context.Context) (int, error) {
	consumers, err := q.client.SMembers(ctx, q.consumersKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("list consumers: %w", err)
	}
	n := 0
	for _, consumer := range consumers {
		if consumer == q.cfg.ConsumerID {
			continue
		}
		alive, err := q.client.Exists(ctx, q.leaseKey(consumer)).Result()
		if err != nil {
			return n, fmt.Errorf("check lease of %s: %w", consumer, err)
		}
		if alive > 0 {
			continue
		}
		moved, err := q.drain(ctx, q.processingKeyFor(consumer))
		n += moved
		if err != nil {
			return n, err
		}
		if err := q.client.SRem(ctx, q.consumersKey(), consumer).Err(); err != nil {
			return n, fmt.Errorf("forget consumer %s: %w", consumer, err)
		}
	}
	return n, nil
}

func (q *Queue) drain(ctx context.Context, processing string) (int, error) {
	n := 0
	for {
		err := q.client.LMove(ctx, processing, q.readyKey(), "RIGHT", "RIGHT").Err()
		if errors.Is(err, redis.Nil) {
			return n, nil
		}
		if err != nil {
			return n, fmt.Errorf("recover processing tasks: %w", err)
		}
		n++
	}
}

// Heartbeat keeps the lease alive and reclaims tasks of expired consumers until ctx is
// canceled or the queue is closed.
func (q *Queue) Heartbeat(ctx context.Context, logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("consumer_id", q.cfg.ConsumerID))
	beat := func() {
		if err := q.RenewLease(ctx); err != nil {
			logger.Warn("renew queue lease", zap.Error(err))
		}
		n, err := q.Recover(ctx)
		if err != nil {
			logger.Warn("recover expired consumers", zap.Error(err))
		} else if n > 0 {
			logger.Info("recovered in-flight tasks", zap.Int("count", n))
		}
	}
	beat()
	ticker := time.NewTicker(q.cfg.LeaseTTL / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if q.closed.Load() {
				return
			}
			beat()
		}
	}
}

// Len reports ready plus delayed tasks.
func (q *Queue) Len(ctx context.Context) (int64, error) {
	ready, err := q.client.LLen(ctx, q.readyKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("count ready tasks: %w", err)
	}
	delayed, err := q.client.ZCard(ctx, q.delayedKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("count delayed tasks: %w", err)
	}
	return ready + delayed, nil
}

// Ping checks that Redis is reachable.
func (q *Queue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

// Close stops Dequeue loops and drops the lease so other consumers can reclaim anything
// left unacked. The client is closed only when the queue created it.
func (q *Queue) Close() error {
	if q.closed.Swap(true) {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var errs []error
	if err := q.client.Del(ctx, q.leaseKey(q.cfg.ConsumerID)).Err(); err != nil {
		errs = append(errs, fmt.Errorf("release consumer lease: %w", err))
	}
	if q.ownsClient {
		if err := q.client.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close redis client: %w", err))
		}
	}
	return errors.Join(errs...)
}

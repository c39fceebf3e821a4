package redisqueue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/realtime-news-pipeline/internal/orchestrator"
)

func newTestQueue(t *testing.T) (*Queue, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	return newConsumer(t, mr, "c1"), mr
}

func newConsumer(t *testing.T, mr *miniredis.Miniredis, id string) *Queue {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return New(client, Config{
		Prefix:       "test",
		BlockTimeout: 50 * time.Millisecond,
		ConsumerID:   id,
		LeaseTTL:     30 * time.Second,
	})
}

func TestEnqueueDequeueAck(t *testing.T) {
	t.Parallel()

	q, mr := newTestQueue(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, q.Enqueue(ctx, orchestrator.Task{ID: "t1", Kind: "extract", Ref: "raw-1", NextEligibleAt: now}))
	require.NoError(t, q.Enqueue(ctx, orchestrator.Task{ID: "t2", Kind: "enrich", Ref: "raw-2", NextEligibleAt: now}))

	first, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, "t1", first.ID)
	require.Equal(t, "raw-1", first.Ref)

	processing, err := mr.List("test:processing:c1")
	require.NoError(t, err)
	require.Len(t, processing, 1)

	require.NoError(t, q.Ack(ctx, first))
	require.False(t, mr.Exists("test:processing:c1"))
	require.True(t, mr.Exists("test:lease:c1"))

	second, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, "t2", second.ID)
}

func TestDelayedTasksWaitUntilEligible(t *testing.T) {
	t.Parallel()

	q, _ := newTestQueue(t)
	ctx := context.Background()
	now := time.Now()
	q.now = func() time.Time { return now }

	require.NoError(t, q.Enqueue(ctx, orchestrator.Task{ID: "t1", Attempt: 1, NextEligibleAt: now.Add(time.Minute)}))
	n, err := q.Len(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	shortCtx, cancel := context.WithTimeout(ctx, 120*time.Millisecond)
	defer cancel()
	_, err = q.Dequeue(shortCtx)
	require.Error(t, err)

	q.now = func() time.Time { return now.Add(2 * time.Minute) }
	task, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, "t1", task.ID)
	require.Equal(t, 1, task.Attempt)
}

func TestRecoverLeavesLiveConsumersAlone(t *testing.T) {
	t.Parallel()

	q1, mr := newTestQueue(t)
	q2 := newConsumer(t, mr, "c2")
	ctx := context.Background()

	require.NoError(t, q1.Enqueue(ctx, orchestrator.Task{ID: "t1", NextEligibleAt: time.Now()}))
	got, err := q1.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, "t1", got.ID)

	require.NoError(t, q2.RenewLease(ctx))
	recovered, err := q2.Recover(ctx)
	require.NoError(t, err)
	require.Zero(t, recovered)

	shortCtx, cancel := context.WithTimeout(ctx, 120*time.Millisecond)
	defer cancel()
	_, err = q2.Dequeue(shortCtx)
	require.Error(t, err)

	// q1 stops renewing; once its lease lapses q2 takes the task over.
	mr.FastForward(31 * time.Second)
	recovered, err = q2.Recover(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, recovered)
	require.False(t, mr.Exists("test:processing:c1"))

	task, err := q2.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, "t1", task.ID)

	members, err := mr.Members("test:consumers")
	require.NoError(t, err)
	require.Equal(t, []string{"c2"}, members)
}

func TestCloseReleasesLease(t *testing.T) {
	t.Parallel()

	q1, mr := newTestQueue(t)
	q2 := newConsumer(t, mr, "c2")
	ctx := context.Background()

	require.NoError(t, q1.Enqueue(ctx, orchestrator.Task{ID: "t1", NextEligibleAt: time.Now()}))
	_, err := q1.Dequeue(ctx)
	require.NoError(t, err)
	require.NoError(t, q1.Close())
	require.False(t, mr.Exists("test:lease:c1"))

	recovered, err := q2.Recover(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, recovered)
}

func TestHeartbeatRenewsLeaseUntilCanceled(t *testing.T) {
	t.Parallel()

	q, mr := newTestQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		q.Heartbeat(ctx, nil)
		close(done)
	}()

	require.Eventually(t, func() bool { return mr.Exists("test:lease:c1") }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("heartbeat did not stop")
	}
}

func TestClose(t *testing.T) {
	t.Parallel()

	q, _ := newTestQueue(t)
	require.NoError(t, q.Close())
	_, err := q.Dequeue(context.Background())
	require.ErrorIs(t, err, orchestrator.ErrQueueClosed)
	require.ErrorIs(t, q.Enqueue(context.Background(), orchestrator.Task{ID: "x"}), orchestrator.ErrQueueClosed)
	require.NoError(t, q.Close())
}

func TestNewFromURLRejectsBadURL(t *testing.T) {
	t.Parallel()
	_, err := NewFromURL("not a url", Config{})
	require.Error(t, err)
}

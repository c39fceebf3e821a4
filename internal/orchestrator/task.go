// Package orchestrator routes pipeline tasks to stage handlers, applying per-kind retry
// policies and retaining tasks that fail permanently.
package orchestrator

import (
	"context"
	"errors"
	"time"
)

// ErrQueueClosed is returned by queues after Close.
var ErrQueueClosed = errors.New("queue closed")

// Task is one unit of pipeline work. Ref is the record id (or poll target) the handler acts on.
type Task struct {
	ID             string    `json:"id"`
	Kind           string    `json:"kind"`
	Ref            string    `json:"ref"`
	Attempt        int       `json:"attempt"`
	NextEligibleAt time.Time `json:"next_eligible_at"`
	LastError      string    `json:"last_error,omitempty"`
	EnqueuedAt     time.Time `json:"enqueued_at"`
}

// Queue is the task broker. Dequeue blocks until a task whose NextEligibleAt has passed is
// available or ctx ends. Ack confirms a dequeued task was handled.
type Queue interface {
	Enqueue(ctx context.Context, task Task) error
	Dequeue(ctx context.Context) (Task, error)
	Ack(ctx context.Context, task Task) error
	Close() error
}

// Handler executes one task kind against its Ref.
type Handler interface {
	Handle(ctx context.Context, ref string) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, ref string) error

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, ref string) error { return f(ctx, ref) }

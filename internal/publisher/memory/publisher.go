// Package memory contains an in-process event broadcaster. Subscribers only see events
// published by the same process.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/realtime-news-pipeline/internal/metrics"
)

// DefaultBuffer is the per-subscriber channel size.
const DefaultBuffer = 64

// Message is one publish call as delivered to subscribers.
type Message struct {
	ID      string
	Topic   string
	Payload any
}

// Broadcaster delivers published payloads to every current subscriber. A subscriber
// whose buffer is full misses the message.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[int]chan Message
	nextSub     int
	published   int
	history     []Message
	historySize int

	dropWarn rate.Sometimes
	logger   *zap.Logger
}

// NewBroadcaster returns a Broadcaster that also retains the last historySize messages.
func NewBroadcaster(historySize int, logger *zap.Logger) *Broadcaster {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broadcaster{
		subscribers: make(map[int]chan Message),
		historySize: historySize,
		dropWarn:    rate.Sometimes{First: 1, Interval: 10 * time.Second},
		logger:      logger.Named("broadcaster"),
	}
}

// Publish fans the payload out without blocking and returns a pseudo ID.
func (b *Broadcaster) Publish(_ context.Context, topic string, payload any) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published++
	msg := Message{ID: fmt.Sprintf("memory-%d", b.published), Topic: topic, Payload: payload}
	if b.historySize > 0 {
		b.history = append(b.history, msg)
		if len(b.history) > b.historySize {
			b.history = b.history[len(b.history)-b.historySize:]
		}
	}
	for id, ch := range b.subscribers {
		select {
		case ch <- msg:
		default:
			metrics.ObserveFanout("subscriber_dropped")
			b.dropWarn.Do(func() {
				b.logger.Warn("subscriber buffer full, dropping event", zap.Int("subscriber", id), zap.String("topic", topic))
			})
		}
	}
	return msg.ID, nil
}

// Subscribe registers a subscriber. The returned cancel function unregisters it and
// closes the channel.
func (b *Broadcaster) Subscribe(buffer int) (<-chan Message, func()) {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	ch := make(chan Message, buffer)
	b.mu.Lock()
	id := b.nextSub
	b.nextSub++
	b.subscribers[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subscribers, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Subscribers reports the number of registered subscribers.
func (b *Broadcaster) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Messages returns the retained history.
func (b *Broadcaster) Messages() []Message {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Message, len(b.history))
	copy(out, b.history)
	return out
}

// Package redispub publishes events with Redis PUBLISH so subscribers in any process
// receive them.
package redispub

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// Publisher sends JSON payloads to a Redis channel named after the topic.
type Publisher struct {
	client        *redis.Client
	channelPrefix string
}

// New wraps a client. Channels are channelPrefix + topic.
func New(client *redis.Client, channelPrefix string) *Publisher {
	return &Publisher{client: client, channelPrefix: channelPrefix}
}

// Channel returns the Redis channel used for topic.
func (p *Publisher) Channel(topic string) string {
	return p.channelPrefix + topic
}

// Publish marshals payload and returns the number of receivers as the message id.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	if p.client == nil {
		return "", fmt.Errorf("redis publisher is not configured")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	receivers, err := p.client.Publish(ctx, p.Channel(topic), data).Result()
	if err != nil {
		return "", fmt.Errorf("publish to %s: %w", p.Channel(topic), err)
	}
	return strconv.FormatInt(receivers, 10), nil
}

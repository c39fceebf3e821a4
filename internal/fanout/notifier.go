// Package fanout announces newly enriched articles to realtime subscribers.
package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-news-pipeline/internal/metrics"
	"github.com/JakeFAU/realtime-news-pipeline/internal/pipeline"
)

// DefaultTopic is the channel/topic events are published on.
const DefaultTopic = "news.articles"

// Store looks up the records an event is built from.
type Store interface {
	GetAIArticle(ctx context.Context, id string) (pipeline.AIArticle, error)
	GetRawArticle(ctx context.Context, id string) (pipeline.RawArticle, error)
}

// Notifier publishes new_article events. Delivery is at most once.
type Notifier struct {
	store  Store
	sink   pipeline.Publisher
	topic  string
	clock  pipeline.Clock
	logger *zap.Logger
}

// NewNotifier builds a Notifier; an empty topic selects DefaultTopic.
func NewNotifier(store Store, sink pipeline.Publisher, topic string, clock pipeline.Clock, logger *zap.Logger) *Notifier {
	if topic == "" {
		topic = DefaultTopic
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{store: store, sink: sink, topic: topic, clock: clock, logger: logger.Named("fanout")}
}

// Handle is the orchestrator entry point for fanout tasks.
func (n *Notifier) Handle(ctx context.Context, aiArticleID string) error {
	return n.Publish(ctx, aiArticleID)
}

// Publish loads the AIArticle and hands its public view to the sink.
func (n *Notifier) Publish(ctx context.Context, aiArticleID string) error {
	ai, err := n.store.GetAIArticle(ctx, aiArticleID)
	if err != nil {
		metrics.ObserveFanout("error")
		if errors.Is(err, pipeline.ErrNotFound) {
			return pipeline.Terminal(fmt.Errorf("load ai article %s: %w", aiArticleID, err))
		}
		return pipeline.Transient(fmt.Errorf("load ai article %s: %w", aiArticleID, err))
	}
	raw, err := n.store.GetRawArticle(ctx, ai.RawArticleID)
	if err != nil && !errors.Is(err, pipeline.ErrNotFound) {
		metrics.ObserveFanout("error")
		return pipeline.Transient(fmt.Errorf("load raw article %s: %w", ai.RawArticleID, err))
	}

	event, err := NewEvent(NewView(ai, raw), n.clock.Now())
	if err != nil {
		metrics.ObserveFanout("error")
		return pipeline.Terminal(err)
	}
	id, err := n.sink.Publish(ctx, n.topic, event)
	if err != nil {
		metrics.ObserveFanout("error")
		n.logger.Warn("publish event failed", zap.String("ai_article_id", ai.ID), zap.Error(err))
		return pipeline.Transient(fmt.Errorf("publish event: %w", err))
	}
	metrics.ObserveFanout("published")
	n.logger.Info("article published",
		zap.String("ai_article_id", ai.ID),
		zap.String("topic", n.topic),
		zap.String("message_id", id),
	)
	return nil
}

// NewView projects the public fields of an AIArticle. raw supplies the article URL.
func NewView(ai pipeline.AIArticle, raw pipeline.RawArticle) pipeline.ArticleView {
	entities := ai.Entities
	if entities == nil {
		entities = []pipeline.Entity{}
	}
	tags := ai.Tags
	if tags == nil {
		tags = []string{}
	}
	return pipeline.ArticleView{
		ID:             ai.ID,
		AITitle:        ai.AITitle,
		OriginalTitle:  ai.OriginalTitle,
		Publisher:      ai.Publisher,
		PublishedAt:    ai.PublishedAt,
		Industry:       ai.Industry,
		Category:       ai.Category,
		ShortSummary:   ai.ShortSummary,
		LongSummary:    ai.LongSummary,
		SentimentLabel: ai.SentimentLabel,
		SentimentScore: ai.SentimentScore,
		Entities:       entities,
		Tags:           tags,
		URL:            raw.URL,
		CreatedAt:      ai.CreatedAt,
	}
}

// NewEvent wraps a view in a new_article event.
func NewEvent(view pipeline.ArticleView, at time.Time) (pipeline.Event, error) {
	data, err := json.Marshal(view)
	if err != nil {
		return pipeline.Event{}, fmt.Errorf("encode article view: %w", err)
	}
	return pipeline.Event{Type: pipeline.EventNewArticle, Data: data, Timestamp: at}, nil
}

// Multi publishes every event to all sinks and joins their errors.
type Multi []pipeline.Publisher

// Publish returns the message ids of the sinks that succeeded, comma separated.
func (m Multi) Publish(ctx context.Context, topic string, payload any) (string, error) {
	ids := make([]string, 0, len(m))
	var errs []error
	for _, sink := range m {
		id, err := sink.Publish(ctx, topic, payload)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		ids = append(ids, id)
	}
	return strings.Join(ids, ","), errors.Join(errs...)
}

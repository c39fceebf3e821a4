package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/realtime-news-pipeline/internal/clock"
	"github.com/JakeFAU/realtime-news-pipeline/internal/pipeline"
	"github.com/JakeFAU/realtime-news-pipeline/internal/publisher/memory"
	memstore "github.com/JakeFAU/realtime-news-pipeline/internal/storage/memory"
)

var fanoutNow = time.Date(2024, 1, 2, 9, 0, 0, 0, time.UTC)

type failingSink struct{ err error }

func (f failingSink) Publish(context.Context, string, any) (string, error) { return "", f.err }

func seedArticles(t *testing.T) *memstore.Store {
	t.Helper()
	ctx := context.Background()
	store := memstore.NewStore()
	require.NoError(t, store.InsertRawArticle(ctx, pipeline.RawArticle{
		ID: "raw-1", SourceID: "src-1", FeedItemID: "fp-1", URL: "https://n.example/a1",
		FetchStatus: pipeline.FetchStatusFetched,
	}))
	require.NoError(t, store.InsertAIArticle(ctx, pipeline.AIArticle{
		ID:             "ai-1",
		RawArticleID:   "raw-1",
		AITitle:        "Recall widens",
		OriginalTitle:  "Automaker recalls 10,000 vehicles",
		Publisher:      "Reuters",
		Category:       pipeline.CategoryRecall,
		SentimentLabel: pipeline.SentimentNegative,
		SentimentScore: 0.2,
		RawResponse:    pipeline.ModelAudit{Raw: "{}", Model: "m"},
	}))
	return store
}

func TestNotifierPublishesEvent(t *testing.T) {
	t.Parallel()

	store := seedArticles(t)
	sink := memory.NewBroadcaster(10, nil)
	events, cancel := sink.Subscribe(1)
	defer cancel()
	n := NewNotifier(store, sink, "", clock.NewManual(fanoutNow), nil)

	require.NoError(t, n.Handle(context.Background(), "ai-1"))

	msg := <-events
	require.Equal(t, DefaultTopic, msg.Topic)
	event, ok := msg.Payload.(pipeline.Event)
	require.True(t, ok)
	require.Equal(t, pipeline.EventNewArticle, event.Type)
	require.True(t, event.Timestamp.Equal(fanoutNow))

	var view pipeline.ArticleView
	require.NoError(t, json.Unmarshal(event.Data, &view))
	require.Equal(t, "ai-1", view.ID)
	require.Equal(t, "https://n.example/a1", view.URL)
	require.Equal(t, pipeline.CategoryRecall, view.Category)
	require.Equal(t, []string{}, view.Tags)
	require.NotContains(t, string(event.Data), "raw_response")
}

func TestNotifierUnknownArticleIsTerminal(t *testing.T) {
	t.Parallel()

	n := NewNotifier(memstore.NewStore(), memory.NewBroadcaster(0, nil), "", clock.NewManual(fanoutNow), nil)
	err := n.Publish(context.Background(), "missing")
	require.ErrorIs(t, err, pipeline.ErrNotFound)
	require.Equal(t, pipeline.CategoryTerminal, pipeline.Classify(err))
}

func TestNotifierSinkFailureIsTransient(t *testing.T) {
	t.Parallel()

	n := NewNotifier(seedArticles(t), failingSink{err: errors.New("broker down")}, "t", clock.NewManual(fanoutNow), nil)
	err := n.Publish(context.Background(), "ai-1")
	require.Equal(t, pipeline.CategoryTransient, pipeline.Classify(err))
}

func TestMultiJoinsErrors(t *testing.T) {
	t.Parallel()

	good := memory.NewBroadcaster(5, nil)
	multi := Multi{good, failingSink{err: errors.New("sink a")}, failingSink{err: errors.New("sink b")}}
	id, err := multi.Publish(context.Background(), "t", "payload")
	require.Equal(t, "memory-1", id)
	require.ErrorContains(t, err, "sink a")
	require.ErrorContains(t, err, "sink b")
	require.Len(t, good.Messages(), 1)
}

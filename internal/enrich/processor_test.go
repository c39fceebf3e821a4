package enrich

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/realtime-news-pipeline/internal/clock"
	"github.com/JakeFAU/realtime-news-pipeline/internal/id/uuid"
	"github.com/JakeFAU/realtime-news-pipeline/internal/pipeline"
	"github.com/JakeFAU/realtime-news-pipeline/internal/storage/memory"
)

var enrichNow = time.Date(2024, 1, 2, 8, 0, 0, 0, time.UTC)

type fakeModel struct {
	calls   atomic.Int32
	content string
	err     error
	delay   time.Duration
	lastReq atomic.Value
}

func (m *fakeModel) Complete(_ context.Context, req pipeline.ModelRequest) (pipeline.ModelResponse, error) {
	m.calls.Add(1)
	m.lastReq.Store(req)
	if m.delay > 0 {
		time.Sleep(m.delay)
	}
	if m.err != nil {
		return pipeline.ModelResponse{}, m.err
	}
	return pipeline.ModelResponse{Content: m.content, Model: "test-model"}, nil
}

type recordingSubmitter struct {
	mu    sync.Mutex
	tasks []string
	err   error
}

func (s *recordingSubmitter) Submit(_ context.Context, kind, ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.tasks = append(s.tasks, kind+":"+ref)
	return nil
}

func (s *recordingSubmitter) calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.tasks...)
}

func modelJSON(t *testing.T, obj map[string]any) string {
	t.Helper()
	b, err := json.Marshal(obj)
	require.NoError(t, err)
	return string(b)
}

func seedRaw(t *testing.T, store *memory.Store, text string) pipeline.RawArticle {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.UpsertSource(ctx, pipeline.Source{ID: "src-1", Industry: "automotive", Active: true}))

	published := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	raw := pipeline.RawArticle{
		ID:         "raw-1",
		SourceID:   "src-1",
		FeedItemID: "fp-1",
		URL:        "https://n.example/a1",
		FeedPayload: pipeline.FeedPayload{
			Title:       "Automaker recalls 10,000 vehicles",
			Link:        "https://n.example/a1",
			Published:   "2024-01-01T00:00:00Z",
			PublishedAt: &published,
			Publisher:   "Reuters",
		},
		FetchStatus: pipeline.FetchStatusFetched,
		CreatedAt:   enrichNow.Add(-time.Hour),
		LastSeenAt:  enrichNow.Add(-time.Hour),
	}
	require.NoError(t, store.InsertRawArticle(ctx, raw))
	if text != "" {
		require.NoError(t, store.SaveExtraction(ctx, raw.ID, pipeline.Extraction{
			ExtractedText: text,
			ExtractedAt:   enrichNow.Add(-30 * time.Minute),
			Status:        pipeline.FetchStatusFetched,
		}))
	}
	stored, err := store.GetRawArticle(ctx, raw.ID)
	require.NoError(t, err)
	return stored
}

func newTestProcessor(model pipeline.Model) (*Processor, *memory.Store, *recordingSubmitter) {
	store := memory.NewStore()
	submitter := &recordingSubmitter{}
	p := NewProcessor(store, model, submitter, clock.NewManual(enrichNow), uuid.New(),
		Config{DefaultIndustry: "general"}, nil)
	return p, store, submitter
}

func TestEnrichCreatesArticle(t *testing.T) {
	t.Parallel()

	model := &fakeModel{}
	p, store, submitter := newTestProcessor(model)
	seedRaw(t, store, strings.Repeat("The recall covers brake assemblies. ", 20))
	model.content = modelJSON(t, validResponse())

	article, created, err := p.Enrich(context.Background(), "raw-1")
	require.NoError(t, err)
	require.True(t, created)
	require.True(t, uuid.Valid(article.ID))
	require.Equal(t, "raw-1", article.RawArticleID)
	require.Equal(t, "Automaker recalls 10,000 vehicles", article.OriginalTitle)
	require.Equal(t, "Reuters", article.Publisher)
	require.Equal(t, "automotive", article.Industry)
	require.True(t, article.PublishedAt.Equal(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)))
	require.Equal(t, pipeline.CategoryRecall, article.Category)
	require.Equal(t, "test-model", article.RawResponse.Model)
	require.Equal(t, model.content, article.RawResponse.Raw)
	require.True(t, article.CreatedAt.Equal(enrichNow))

	req, ok := model.lastReq.Load().(pipeline.ModelRequest)
	require.True(t, ok)
	require.Contains(t, req.Prompt, "- Publisher: Reuters")
	require.Contains(t, req.Prompt, "automotive industry article")

	require.Equal(t, []string{pipeline.TaskFanout + ":" + article.ID}, submitter.calls())
	require.Equal(t, 1, store.AIArticleCount())
}

func TestEnrichIsIdempotent(t *testing.T) {
	t.Parallel()

	model := &fakeModel{}
	p, store, submitter := newTestProcessor(model)
	seedRaw(t, store, "Some extracted article text.")
	model.content = modelJSON(t, validResponse())

	require.NoError(t, p.Handle(context.Background(), "raw-1"))
	first, err := store.GetAIArticleByRawID(context.Background(), "raw-1")
	require.NoError(t, err)

	article, created, err := p.Enrich(context.Background(), "raw-1")
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, first.ID, article.ID)
	require.EqualValues(t, 1, model.calls.Load())
	require.Len(t, submitter.calls(), 1)
}

func TestEnrichConcurrentRunsCreateOneArticle(t *testing.T) {
	t.Parallel()

	model := &fakeModel{delay: 5 * time.Millisecond}
	p, store, submitter := newTestProcessor(model)
	seedRaw(t, store, "Some extracted article text.")
	model.content = modelJSON(t, validResponse())

	const runs = 8
	var wg sync.WaitGroup
	errs := make(chan error, runs)
	for range runs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- p.Handle(context.Background(), "raw-1")
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	require.Equal(t, 1, store.AIArticleCount())
	require.Len(t, submitter.calls(), 1)
}

func TestEnrichWithoutTextIsTerminal(t *testing.T) {
	t.Parallel()

	model := &fakeModel{}
	p, store, _ := newTestProcessor(model)
	seedRaw(t, store, "")

	err := p.Handle(context.Background(), "raw-1")
	require.ErrorIs(t, err, pipeline.ErrNoExtractedText)
	require.Equal(t, pipeline.CategoryTerminal, pipeline.Classify(err))
	require.Zero(t, model.calls.Load())
	require.Zero(t, store.AIArticleCount())
}

func TestEnrichMissingRawArticle(t *testing.T) {
	t.Parallel()

	p, _, _ := newTestProcessor(&fakeModel{})
	err := p.Handle(context.Background(), "nope")
	require.ErrorIs(t, err, pipeline.ErrNotFound)
	require.Equal(t, pipeline.CategoryTerminal, pipeline.Classify(err))
}

func TestEnrichMalformedResponse(t *testing.T) {
	t.Parallel()

	model := &fakeModel{content: "I could not analyze this article."}
	p, store, submitter := newTestProcessor(model)
	seedRaw(t, store, "Some extracted article text.")

	err := p.Handle(context.Background(), "raw-1")
	require.Error(t, err)
	require.Equal(t, pipeline.CategoryMalformed, pipeline.Classify(err))
	require.Zero(t, store.AIArticleCount())
	require.Empty(t, submitter.calls())
}

func TestEnrichModelErrorKeepsClassification(t *testing.T) {
	t.Parallel()

	model := &fakeModel{err: pipeline.Terminal(errors.New("invalid api key"))}
	p, store, _ := newTestProcessor(model)
	seedRaw(t, store, "Some extracted article text.")

	err := p.Handle(context.Background(), "raw-1")
	require.Equal(t, pipeline.CategoryTerminal, pipeline.Classify(err))
	require.Zero(t, store.AIArticleCount())
}

func TestEnrichRepairsOutput(t *testing.T) {
	t.Parallel()

	obj := validResponse()
	obj["sentiment_score"] = 1.5
	obj["short_summary"] = words(150, "word")
	obj["category"] = "bogus"
	model := &fakeModel{content: "```json\n" + modelJSON(t, obj) + "\n```"}
	p, store, _ := newTestProcessor(model)
	seedRaw(t, store, "Some extracted article text.")

	article, _, err := p.Enrich(context.Background(), "raw-1")
	require.NoError(t, err)
	require.InDelta(t, 0.5, article.SentimentScore, 1e-9)
	require.LessOrEqual(t, len(strings.Fields(article.ShortSummary)), 120)
	require.Equal(t, pipeline.DefaultCategory, article.Category)
}

func TestEnrichFanoutSubmitFailureIsLogged(t *testing.T) {
	t.Parallel()

	model := &fakeModel{}
	p, store, submitter := newTestProcessor(model)
	submitter.err = errors.New("queue full")
	seedRaw(t, store, "Some extracted article text.")
	model.content = modelJSON(t, validResponse())

	require.NoError(t, p.Handle(context.Background(), "raw-1"))
	require.Equal(t, 1, store.AIArticleCount())
}

func TestEnrichDefaultIndustry(t *testing.T) {
	t.Parallel()

	model := &fakeModel{}
	p, store, _ := newTestProcessor(model)
	raw := seedRaw(t, store, "Some extracted article text.")
	require.NoError(t, store.UpsertSource(context.Background(), pipeline.Source{ID: raw.SourceID, Active: true}))
	model.content = modelJSON(t, validResponse())

	article, _, err := p.Enrich(context.Background(), raw.ID)
	require.NoError(t, err)
	require.Equal(t, "general", article.Industry)
}

func TestReprocess(t *testing.T) {
	t.Parallel()

	t.Run("extracted article goes back to enrichment", func(t *testing.T) {
		t.Parallel()
		model := &fakeModel{}
		p, store, submitter := newTestProcessor(model)
		seedRaw(t, store, "Some extracted article text.")
		model.content = modelJSON(t, validResponse())
		require.NoError(t, p.Handle(context.Background(), "raw-1"))

		kind, err := p.Reprocess(context.Background(), "raw-1")
		require.NoError(t, err)
		require.Equal(t, pipeline.TaskEnrich, kind)
		require.Zero(t, store.AIArticleCount())
		calls := submitter.calls()
		require.Equal(t, fmt.Sprintf("%s:raw-1", pipeline.TaskEnrich), calls[len(calls)-1])

		require.NoError(t, p.Handle(context.Background(), "raw-1"))
		require.Equal(t, 1, store.AIArticleCount())
		require.EqualValues(t, 2, model.calls.Load())
	})

	t.Run("article without text is re-extracted", func(t *testing.T) {
		t.Parallel()
		p, store, submitter := newTestProcessor(&fakeModel{})
		seedRaw(t, store, "")

		kind, err := p.Reprocess(context.Background(), "raw-1")
		require.NoError(t, err)
		require.Equal(t, pipeline.TaskExtract, kind)
		require.Equal(t, []string{pipeline.TaskExtract + ":raw-1"}, submitter.calls())
	})

	t.Run("unknown article", func(t *testing.T) {
		t.Parallel()
		p, _, _ := newTestProcessor(&fakeModel{})
		_, err := p.Reprocess(context.Background(), "missing")
		require.ErrorIs(t, err, pipeline.ErrNotFound)
	})
}

package pipeline

import (
	"context"
	"io"
	"net/http"
	"time"
)

// SourceStore persists feed sources.
type SourceStore interface {
	UpsertSource(ctx context.Context, src Source) error
	GetSource(ctx context.Context, id string) (Source, error)
	ListSources(ctx context.Context) ([]Source, error)
	MarkSourcePolled(ctx context.Context, id string, at time.Time) error
}

// RawArticleStore persists raw articles. FeedItemID is unique; InsertRawArticle returns
// ErrDuplicate when it is already taken.
type RawArticleStore interface {
	InsertRawArticle(ctx context.Context, article RawArticle) error
	GetRawArticle(ctx context.Context, id string) (RawArticle, error)
	GetRawArticleByFeedItemID(ctx context.Context, feedItemID string) (RawArticle, error)
	TouchRawArticle(ctx context.Context, id string, seenAt time.Time) error
	SaveExtraction(ctx context.Context, id string, extraction Extraction) error
	ListRawArticles(ctx context.Context, sourceID string, since time.Time, limit int) ([]RawArticle, error)
}

// AIArticleStore persists enriched articles. RawArticleID is unique; InsertAIArticle
// returns ErrDuplicate when an enrichment already exists for the raw article.
type AIArticleStore interface {
	InsertAIArticle(ctx context.Context, article AIArticle) error
	GetAIArticle(ctx context.Context, id string) (AIArticle, error)
	GetAIArticleByRawID(ctx context.Context, rawArticleID string) (AIArticle, error)
	DeleteAIArticleByRawID(ctx context.Context, rawArticleID string) error
}

// TaskFailureStore retains permanently failed tasks for inspection.
type TaskFailureStore interface {
	RecordTaskFailure(ctx context.Context, failure TaskFailure) error
	ListTaskFailures(ctx context.Context, limit int) ([]TaskFailure, error)
}

// Store is the document store the pipeline runs against.
type Store interface {
	SourceStore
	RawArticleStore
	AIArticleStore
	TaskFailureStore
}

// Submitter schedules follow-up work; the orchestrator satisfies it.
type Submitter interface {
	Submit(ctx context.Context, kind string, ref string) error
}

// Task kinds routed by the orchestrator.
const (
	TaskPoll    = "poll"
	TaskExtract = "extract"
	TaskEnrich  = "enrich"
	TaskFanout  = "fanout"
)

// PageRequest describes a single article page fetch.
type PageRequest struct {
	URL     string
	Headers http.Header
}

// PageResponse is the result of a page fetch with a 2xx status.
type PageResponse struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
}

// PageFetcher downloads article pages.
type PageFetcher interface {
	Fetch(ctx context.Context, req PageRequest) (PageResponse, error)
}

// BlobStore archives raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// ModelRequest is a single structured enrichment request.
type ModelRequest struct {
	System string
	Prompt string
}

// ModelResponse is the untrusted text returned by the model.
type ModelResponse struct {
	Content string
	Model   string
}

// Model performs a stateless request/response generation call.
type Model interface {
	Complete(ctx context.Context, req ModelRequest) (ModelResponse, error)
}

// Publisher pushes events to realtime subscribers (Redis, Pub/Sub, in-process).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces record and task identifiers.
type IDGenerator interface {
	NewID() (string, error)
}

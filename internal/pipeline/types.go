// Package pipeline defines the records, enums, and collaborator interfaces shared by
// every stage of the ingestion-to-enrichment pipeline.
package pipeline

import (
	"encoding/json"
	"time"
)

// FetchStatus is the ingestion/extraction state of a RawArticle.
type FetchStatus string

// Fetch status values persisted on raw articles.
const (
	FetchStatusFetched FetchStatus = "fetched"
	FetchStatusFailed  FetchStatus = "failed"
)

// FetchErrorKind tells the extraction failure modes apart.
type FetchErrorKind string

// Failure kinds recorded alongside FetchStatusFailed.
const (
	FetchErrorNone          FetchErrorKind = ""
	FetchErrorNetwork       FetchErrorKind = "network"
	FetchErrorHTTPStatus    FetchErrorKind = "http_status"
	FetchErrorUnextractable FetchErrorKind = "unextractable"
	FetchErrorDisallowed    FetchErrorKind = "robots_disallowed"
)

// Category is the closed set of article categories accepted from the model.
type Category string

// Supported categories.
const (
	CategoryProductLaunch      Category = "product_launch"
	CategoryRegulation         Category = "regulation"
	CategoryCorporateFinancial Category = "corporate_financial"
	CategoryTechnology         Category = "technology"
	CategoryRecall             Category = "recall"
	CategoryMarketSales        Category = "market_sales"
	CategoryOpinion            Category = "opinion"

	// DefaultCategory replaces anything outside the closed set.
	DefaultCategory = CategoryOpinion
)

// Categories lists every valid Category in prompt order.
var Categories = []Category{
	CategoryProductLaunch,
	CategoryRegulation,
	CategoryCorporateFinancial,
	CategoryTechnology,
	CategoryRecall,
	CategoryMarketSales,
	CategoryOpinion,
}

// Valid reports whether c belongs to the closed set.
func (c Category) Valid() bool {
	for _, known := range Categories {
		if c == known {
			return true
		}
	}
	return false
}

// Sentiment is the closed set of sentiment labels.
type Sentiment string

// Supported sentiment labels.
const (
	SentimentPositive Sentiment = "positive"
	SentimentNeutral  Sentiment = "neutral"
	SentimentNegative Sentiment = "negative"
)

// Valid reports whether s is a known label.
func (s Sentiment) Valid() bool {
	switch s {
	case SentimentPositive, SentimentNeutral, SentimentNegative:
		return true
	default:
		return false
	}
}

// EntityType is the closed set of entity kinds.
type EntityType string

// Supported entity kinds.
const (
	EntityCompany EntityType = "company"
	EntityProduct EntityType = "product"
	EntityPerson  EntityType = "person"
)

// Valid reports whether t is a known entity kind.
func (t EntityType) Valid() bool {
	switch t {
	case EntityCompany, EntityProduct, EntityPerson:
		return true
	default:
		return false
	}
}

// Source is a polled feed endpoint.
type Source struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	Industry     string        `json:"industry"`
	FeedURL      string        `json:"feed_url"`
	PollInterval time.Duration `json:"poll_interval"`
	LastPolledAt *time.Time    `json:"last_polled_at,omitempty"`
	Active       bool          `json:"active"`
	CreatedAt    time.Time     `json:"created_at"`
}

// Due reports whether the source should be polled at now.
func (s Source) Due(now time.Time) bool {
	if s.LastPolledAt == nil || s.PollInterval <= 0 {
		return true
	}
	return !s.LastPolledAt.Add(s.PollInterval).After(now)
}

// FeedPayload is the original feed entry as observed by the poller.
type FeedPayload struct {
	Title       string     `json:"title"`
	Link        string     `json:"link"`
	Description string     `json:"description,omitempty"`
	Published   string     `json:"published,omitempty"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
	Publisher   string     `json:"publisher"`
	GUID        string     `json:"guid,omitempty"`
}

// Extraction holds the fields written by the extraction stage.
type Extraction struct {
	RawHTML        string
	RawHTMLURI     string
	ExtractedText  string
	ExtractedAt    time.Time
	Status         FetchStatus
	FetchError     string
	FetchErrorKind FetchErrorKind
}

// RawArticle is the ingestion record for a single feed entry.
type RawArticle struct {
	ID             string         `json:"id"`
	SourceID       string         `json:"source_id"`
	FeedItemID     string         `json:"feed_item_id"`
	URL            string         `json:"url"`
	FeedPayload    FeedPayload    `json:"feed_payload"`
	RawHTML        string         `json:"raw_html,omitempty"`
	RawHTMLURI     string         `json:"raw_html_uri,omitempty"`
	ExtractedText  string         `json:"extracted_text,omitempty"`
	ExtractedAt    *time.Time     `json:"extracted_at,omitempty"`
	FetchStatus    FetchStatus    `json:"fetch_status"`
	FetchError     string         `json:"fetch_error,omitempty"`
	FetchErrorKind FetchErrorKind `json:"fetch_error_kind,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	LastSeenAt     time.Time      `json:"last_seen_at"`
}

// Extracted reports whether the extraction stage produced usable text.
func (r RawArticle) Extracted() bool {
	return r.ExtractedAt != nil && r.FetchStatus == FetchStatusFetched && r.ExtractedText != ""
}

// Entity is a typed named entity found in an article.
type Entity struct {
	Type EntityType `json:"type"`
	Name string     `json:"name"`
}

// ModelAudit keeps the untouched model output for auditing.
type ModelAudit struct {
	Raw        string    `json:"raw_response"`
	Model      string    `json:"model"`
	ReceivedAt time.Time `json:"received_at"`
}

// AIArticle is the enriched view of exactly one RawArticle.
type AIArticle struct {
	ID             string     `json:"id"`
	RawArticleID   string     `json:"raw_article_id"`
	AITitle        string     `json:"ai_title"`
	OriginalTitle  string     `json:"title_original"`
	Publisher      string     `json:"publisher"`
	PublishedAt    time.Time  `json:"published_at"`
	Industry       string     `json:"industry"`
	Category       Category   `json:"category"`
	ShortSummary   string     `json:"short_summary"`
	LongSummary    string     `json:"long_summary"`
	SentimentLabel Sentiment  `json:"sentiment_label"`
	SentimentScore float64    `json:"sentiment_score"`
	Entities       []Entity   `json:"entities"`
	Tags           []string   `json:"tags"`
	RawResponse    ModelAudit `json:"ai_raw_response"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// TaskFailure is the retained record of a task that exhausted its retries or failed terminally.
type TaskFailure struct {
	TaskID    string    `json:"task_id"`
	Kind      string    `json:"kind"`
	Ref       string    `json:"ref"`
	Attempts  int       `json:"attempts"`
	Category  string    `json:"category"`
	LastError string    `json:"last_error"`
	FailedAt  time.Time `json:"failed_at"`
}

// ArticleView is the public representation sent to subscribers.
type ArticleView struct {
	ID             string    `json:"id"`
	AITitle        string    `json:"ai_title"`
	OriginalTitle  string    `json:"title_original"`
	Publisher      string    `json:"publisher"`
	PublishedAt    time.Time `json:"published_at"`
	Industry       string    `json:"industry"`
	Category       Category  `json:"category"`
	ShortSummary   string    `json:"short_summary"`
	LongSummary    string    `json:"long_summary"`
	SentimentLabel Sentiment `json:"sentiment_label"`
	SentimentScore float64   `json:"sentiment_score"`
	Entities       []Entity  `json:"entities"`
	Tags           []string  `json:"tags"`
	URL            string    `json:"url"`
	CreatedAt      time.Time `json:"created_at"`
}

// Event is the message handed to realtime subscribers.
type Event struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

// EventNewArticle is the event type emitted after an AIArticle is created.
const EventNewArticle = "new_article"

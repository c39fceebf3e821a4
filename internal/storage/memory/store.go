package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/realtime-news-pipeline/internal/pipeline"
)

// Store implements pipeline.Store with maps guarded by one mutex. The unique
// indexes on feed item id and raw article id are enforced the way a database would.
// Single-process only.
type Store struct {
	mu sync.RWMutex

	sources      map[string]pipeline.Source
	raw          map[string]pipeline.RawArticle
	rawByFeedID  map[string]string
	ai           map[string]pipeline.AIArticle
	aiByRawID    map[string]string
	taskFailures []pipeline.TaskFailure
	now          func() time.Time
}

// NewStore builds an empty Store.
func NewStore() *Store {
	return &Store{
		sources:     make(map[string]pipeline.Source),
		raw:         make(map[string]pipeline.RawArticle),
		rawByFeedID: make(map[string]string),
		ai:          make(map[string]pipeline.AIArticle),
		aiByRawID:   make(map[string]string),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// UpsertSource creates or replaces a source, keeping LastPolledAt and CreatedAt of an existing row.
func (s *Store) UpsertSource(_ context.Context, src pipeline.Source) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.sources[src.ID]; ok {
		src.LastPolledAt = existing.LastPolledAt
		src.CreatedAt = existing.CreatedAt
	}
	if src.CreatedAt.IsZero() {
		src.CreatedAt = s.now()
	}
	s.sources[src.ID] = src
	return nil
}

// GetSource fetches a source by id.
func (s *Store) GetSource(_ context.Context, id string) (pipeline.Source, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src, ok := s.sources[id]
	if !ok {
		return pipeline.Source{}, pipeline.ErrNotFound
	}
	return src, nil
}

// ListSources returns all sources ordered by id.
func (s *Store) ListSources(_ context.Context) ([]pipeline.Source, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]pipeline.Source, 0, len(s.sources))
	for _, src := range s.sources {
		out = append(out, src)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// MarkSourcePolled records a completed poll.
func (s *Store) MarkSourcePolled(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	src, ok := s.sources[id]
	if !ok {
		return pipeline.ErrNotFound
	}
	polled := at
	src.LastPolledAt = &polled
	s.sources[id] = src
	return nil
}

// InsertRawArticle inserts a raw article; a taken id or feed item id yields pipeline.ErrDuplicate.
func (s *Store) InsertRawArticle(_ context.Context, article pipeline.RawArticle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rawByFeedID[article.FeedItemID]; ok {
		return pipeline.ErrDuplicate
	}
	if _, ok := s.raw[article.ID]; ok {
		return pipeline.ErrDuplicate
	}
	s.raw[article.ID] = article
	s.rawByFeedID[article.FeedItemID] = article.ID
	return nil
}

// GetRawArticle fetches a raw article by id.
func (s *Store) GetRawArticle(_ context.Context, id string) (pipeline.RawArticle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	article, ok := s.raw[id]
	if !ok {
		return pipeline.RawArticle{}, pipeline.ErrNotFound
	}
	return article, nil
}

// GetRawArticleByFeedItemID fetches a raw article by fingerprint.
func (s *Store) GetRawArticleByFeedItemID(_ context.Context, feedItemID string) (pipeline.RawArticle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.rawByFeedID[feedItemID]
	if !ok {
		return pipeline.RawArticle{}, pipeline.ErrNotFound
	}
	return s.raw[id], nil
}

// TouchRawArticle moves LastSeenAt forward.
func (s *Store) TouchRawArticle(_ context.Context, id string, seenAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	article, ok := s.raw[id]
	if !ok {
		return pipeline.ErrNotFound
	}
	if seenAt.After(article.LastSeenAt) {
		article.LastSeenAt = seenAt
	}
	s.raw[id] = article
	return nil
}

// SaveExtraction writes the extraction fields of a raw article.
func (s *Store) SaveExtraction(_ context.Context, id string, e pipeline.Extraction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	article, ok := s.raw[id]
	if !ok {
		return pipeline.ErrNotFound
	}
	article.RawHTML = e.RawHTML
	article.RawHTMLURI = e.RawHTMLURI
	article.ExtractedText = e.ExtractedText
	article.ExtractedAt = nil
	if !e.ExtractedAt.IsZero() {
		at := e.ExtractedAt
		article.ExtractedAt = &at
	}
	article.FetchStatus = e.Status
	article.FetchError = e.FetchError
	article.FetchErrorKind = e.FetchErrorKind
	s.raw[id] = article
	return nil
}

// ListRawArticles returns a source's raw articles created at or after since, newest first.
// An empty sourceID matches every source; limit <= 0 means no limit.
func (s *Store) ListRawArticles(_ context.Context, sourceID string, since time.Time, limit int) ([]pipeline.RawArticle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []pipeline.RawArticle
	for _, article := range s.raw {
		if sourceID != "" && article.SourceID != sourceID {
			continue
		}
		if article.CreatedAt.Before(since) {
			continue
		}
		out = append(out, article)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// InsertAIArticle inserts an enriched article; a second one for the same raw article yields pipeline.ErrDuplicate.
func (s *Store) InsertAIArticle(_ context.Context, article pipeline.AIArticle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.aiByRawID[article.RawArticleID]; ok {
		return pipeline.ErrDuplicate
	}
	if _, ok := s.ai[article.ID]; ok {
		return pipeline.ErrDuplicate
	}
	s.ai[article.ID] = article
	s.aiByRawID[article.RawArticleID] = article.ID
	return nil
}

// GetAIArticle fetches an enriched article by id.
func (s *Store) GetAIArticle(_ context.Context, id string) (pipeline.AIArticle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	article, ok := s.ai[id]
	if !ok {
		return pipeline.AIArticle{}, pipeline.ErrNotFound
	}
	return article, nil
}

// GetAIArticleByRawID fetches the enriched article of a raw article.
func (s *Store) GetAIArticleByRawID(_ context.Context, rawArticleID string) (pipeline.AIArticle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.aiByRawID[rawArticleID]
	if !ok {
		return pipeline.AIArticle{}, pipeline.ErrNotFound
	}
	return s.ai[id], nil
}

// DeleteAIArticleByRawID removes the enriched article of a raw article, if any.
func (s *Store) DeleteAIArticleByRawID(_ context.Context, rawArticleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.aiByRawID[rawArticleID]
	if !ok {
		return nil
	}
	delete(s.ai, id)
	delete(s.aiByRawID, rawArticleID)
	return nil
}

// RecordTaskFailure appends a permanent task failure.
func (s *Store) RecordTaskFailure(_ context.Context, failure pipeline.TaskFailure) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.taskFailures = append(s.taskFailures, failure)
	return nil
}

// ListTaskFailures returns the most recent failures first.
func (s *Store) ListTaskFailures(_ context.Context, limit int) ([]pipeline.TaskFailure, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := len(s.taskFailures)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]pipeline.TaskFailure, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, s.taskFailures[i])
	}
	return out, nil
}

// AIArticleCount reports how many enriched articles exist.
func (s *Store) AIArticleCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.ai)
}

// RawArticleCount reports how many raw articles exist.
func (s *Store) RawArticleCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.raw)
}

package feed

import (
	"context"
	"errors"
	"fmt"

	"github.com/mmcdole/gofeed"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-news-pipeline/internal/fingerprint"
	"github.com/JakeFAU/realtime-news-pipeline/internal/metrics"
	"github.com/JakeFAU/realtime-news-pipeline/internal/pipeline"
)

// Poll task refs understood by Handle.
const (
	RefAll      = "all"
	RefAllForce = "all:force"
)

// EntryReader fetches the entries of one feed.
type EntryReader interface {
	Read(ctx context.Context, feedURL string) ([]Entry, error)
}

// Store is the persistence the poller needs.
type Store interface {
	pipeline.SourceStore
	pipeline.RawArticleStore
}

// SourceResult summarises one source poll.
type SourceResult struct {
	SourceID string
	Admitted int
	Seen     int
	Skipped  int
	// Errors counts entries that failed and were left for the next poll.
	Errors int
}

// SourceError pairs a source with the error that stopped its poll.
type SourceError struct {
	SourceID string
	Err      error
}

// PollResult summarises a PollAll run.
type PollResult struct {
	Polled   int
	Admitted int
	Seen     int
	Skipped  int
	Failed   int
	Errors   []SourceError
}

// Err joins the per-source errors, or returns nil.
func (r PollResult) Err() error {
	if len(r.Errors) == 0 {
		return nil
	}
	errs := make([]error, 0, len(r.Errors))
	for _, se := range r.Errors {
		errs = append(errs, fmt.Errorf("source %s: %w", se.SourceID, se.Err))
	}
	return errors.Join(errs...)
}

// Poller reads sources and admits unseen entries as RawArticles.
type Poller struct {
	store     Store
	reader    EntryReader
	submitter pipeline.Submitter
	clock     pipeline.Clock
	ids       pipeline.IDGenerator
	logger    *zap.Logger
}

// NewPoller wires a Poller.
func NewPoller(
	store Store,
	reader EntryReader,
	submitter pipeline.Submitter,
	clock pipeline.Clock,
	ids pipeline.IDGenerator,
	logger *zap.Logger,
) *Poller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Poller{
		store:     store,
		reader:    reader,
		submitter: submitter,
		clock:     clock,
		ids:       ids,
		logger:    logger.Named("feed"),
	}
}

// Handle executes a poll task. ref is RefAll, RefAllForce, or a source id.
func (p *Poller) Handle(ctx context.Context, ref string) error {
	switch ref {
	case "", RefAll, RefAllForce:
		result, err := p.PollAll(ctx, ref == RefAllForce)
		if err != nil {
			return err
		}
		if len(result.Errors) > 0 && len(result.Errors) == result.Polled {
			return result.Err()
		}
		return nil
	default:
		src, err := p.store.GetSource(ctx, ref)
		if err != nil {
			if errors.Is(err, pipeline.ErrNotFound) {
				return pipeline.Terminal(fmt.Errorf("load source %s: %w", ref, err))
			}
			return pipeline.Transient(fmt.Errorf("load source %s: %w", ref, err))
		}
		_, err = p.PollSource(ctx, src)
		return err
	}
}

// PollAll polls every active source that is due, or every active source when force is set.
// A failing source never stops the others.
func (p *Poller) PollAll(ctx context.Context, force bool) (PollResult, error) {
	sources, err := p.store.ListSources(ctx)
	if err != nil {
		return PollResult{}, pipeline.Transient(fmt.Errorf("list sources: %w", err))
	}

	now := p.clock.Now()
	var result PollResult
	for _, src := range sources {
		if ctx.Err() != nil {
			return result, fmt.Errorf("poll all: %w", ctx.Err())
		}
		if !src.Active || (!force && !src.Due(now)) {
			continue
		}
		result.Polled++
		sr, err := p.PollSource(ctx, src)
		result.Admitted += sr.Admitted
		result.Seen += sr.Seen
		result.Skipped += sr.Skipped
		result.Failed += sr.Errors
		if err != nil {
			result.Errors = append(result.Errors, SourceError{SourceID: src.ID, Err: err})
		}
	}

	p.logger.Info("poll run finished",
		zap.Int("sources", result.Polled),
		zap.Int("admitted", result.Admitted),
		zap.Int("seen", result.Seen),
		zap.Int("skipped", result.Skipped),
		zap.Int("failed_entries", result.Failed),
		zap.Int("errors", len(result.Errors)),
	)
	return result, nil
}

// PollSource reads one feed and admits its unseen entries. A failing entry is counted
// and skipped; the source is still marked polled once the feed was read, and the
// returned error joins the per-entry failures.
func (p *Poller) PollSource(ctx context.Context, src pipeline.Source) (SourceResult, error) {
	log := p.logger.With(zap.String("source_id", src.ID), zap.String("feed_url", src.FeedURL))
	result := SourceResult{SourceID: src.ID}

	entries, err := p.reader.Read(ctx, src.FeedURL)
	if err != nil {
		metrics.ObserveFeedPoll("error")
		log.Warn("feed read failed", zap.Error(err))
		return result, classifyReadError(err)
	}

	var entryErrs []error
	for _, entry := range entries {
		if ctx.Err() != nil {
			return result, fmt.Errorf("poll source %s: %w", src.ID, ctx.Err())
		}
		outcome, err := p.admit(ctx, src, entry)
		if err != nil {
			result.Errors++
			metrics.ObserveFeedItem("error")
			log.Error("admit entry failed", zap.String("link", entry.Link), zap.Error(err))
			entryErrs = append(entryErrs, fmt.Errorf("entry %s: %w", entry.Link, err))
			continue
		}
		metrics.ObserveFeedItem(outcome)
		switch outcome {
		case outcomeAdmitted:
			result.Admitted++
		case outcomeSeen:
			result.Seen++
		default:
			result.Skipped++
		}
	}

	if err := p.store.MarkSourcePolled(ctx, src.ID, p.clock.Now()); err != nil {
		entryErrs = append(entryErrs, pipeline.Transient(fmt.Errorf("mark source polled: %w", err)))
	}
	log.Info("feed polled",
		zap.Int("entries", len(entries)),
		zap.Int("admitted", result.Admitted),
		zap.Int("seen", result.Seen),
		zap.Int("skipped", result.Skipped),
		zap.Int("failed", result.Errors),
	)
	if len(entryErrs) > 0 {
		metrics.ObserveFeedPoll("error")
		return result, errors.Join(entryErrs...)
	}
	metrics.ObserveFeedPoll("ok")
	return result, nil
}

const (
	outcomeAdmitted = "admitted"
	outcomeSeen     = "seen"
	outcomeSkipped  = "skipped"
)

func (p *Poller) admit(ctx context.Context, src pipeline.Source, entry Entry) (string, error) {
	if entry.Title == "" || entry.Link == "" {
		return outcomeSkipped, nil
	}

	articleURL := fingerprint.NormalizeURL(entry.Link)
	feedItemID := fingerprint.Fingerprint(articleURL, entry.Published)
	now := p.clock.Now()

	existing, err := p.store.GetRawArticleByFeedItemID(ctx, feedItemID)
	switch {
	case err == nil:
		if err := p.store.TouchRawArticle(ctx, existing.ID, now); err != nil {
			return "", pipeline.Transient(fmt.Errorf("touch raw article: %w", err))
		}
		return outcomeSeen, nil
	case !errors.Is(err, pipeline.ErrNotFound):
		return "", pipeline.Transient(fmt.Errorf("lookup feed item: %w", err))
	}

	id, err := p.ids.NewID()
	if err != nil {
		return "", fmt.Errorf("new raw article id: %w", err)
	}
	raw := pipeline.RawArticle{
		ID:         id,
		SourceID:   src.ID,
		FeedItemID: feedItemID,
		URL:        articleURL,
		FeedPayload: pipeline.FeedPayload{
			Title:       entry.Title,
			Link:        entry.Link,
			Description: entry.Description,
			Published:   entry.Published,
			PublishedAt: entry.PublishedAt,
			Publisher:   InferPublisher(entry.Publisher, entry.Description, entry.Link),
			GUID:        entry.GUID,
		},
		FetchStatus: pipeline.FetchStatusFetched,
		CreatedAt:   now,
		LastSeenAt:  now,
	}
	if err := p.store.InsertRawArticle(ctx, raw); err != nil {
		if errors.Is(err, pipeline.ErrDuplicate) {
			return outcomeSeen, nil
		}
		return "", pipeline.Transient(fmt.Errorf("insert raw article: %w", err))
	}

	if p.submitter != nil {
		if err := p.submitter.Submit(ctx, pipeline.TaskExtract, raw.ID); err != nil {
			// The article stays admitted; POST /v1/raw-articles/{id}/reprocess recovers it.
			p.logger.Error("submit extract task failed",
				zap.String("raw_article_id", raw.ID), zap.Error(err))
		}
	}
	return outcomeAdmitted, nil
}

func classifyReadError(err error) error {
	var statusErr *pipeline.StatusError
	if errors.As(err, &statusErr) && !statusErr.Retryable() {
		return pipeline.Terminal(err)
	}
	if errors.Is(err, gofeed.ErrFeedTypeNotDetected) {
		return pipeline.Malformed(err)
	}
	return pipeline.Transient(err)
}

// Package enrich turns extracted article text into a structured AIArticle through a single
// model call, validating and repairing the untrusted response before it is stored.
package enrich

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-news-pipeline/internal/metrics"
	"github.com/JakeFAU/realtime-news-pipeline/internal/pipeline"
)

// Store is the subset of the document store the processor needs.
type Store interface {
	pipeline.SourceStore
	pipeline.RawArticleStore
	pipeline.AIArticleStore
}

// Config tunes the processor.
type Config struct {
	MaxInputChars   int
	DefaultIndustry string
}

// Processor enriches raw articles at most once.
type Processor struct {
	store     Store
	model     pipeline.Model
	submitter pipeline.Submitter
	clock     pipeline.Clock
	ids       pipeline.IDGenerator
	cfg       Config
	logger    *zap.Logger
}

// NewProcessor wires a Processor.
func NewProcessor(
	store Store,
	model pipeline.Model,
	submitter pipeline.Submitter,
	clock pipeline.Clock,
	ids pipeline.IDGenerator,
	cfg Config,
	logger *zap.Logger,
) *Processor {
	if cfg.MaxInputChars <= 0 {
		cfg.MaxInputChars = DefaultMaxInputChars
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{
		store:     store,
		model:     model,
		submitter: submitter,
		clock:     clock,
		ids:       ids,
		cfg:       cfg,
		logger:    logger.Named("enrich"),
	}
}

// Handle enriches the raw article with the given id. It is the orchestrator entry point.
func (p *Processor) Handle(ctx context.Context, rawArticleID string) error {
	_, _, err := p.Enrich(ctx, rawArticleID)
	return err
}

// Enrich produces the AIArticle for rawArticleID. created is false when an enrichment
// already existed, in which case the returned article is the stored one.
func (p *Processor) Enrich(ctx context.Context, rawArticleID string) (pipeline.AIArticle, bool, error) {
	raw, err := p.loadRaw(ctx, rawArticleID)
	if err != nil {
		metrics.ObserveEnrichment("error")
		return pipeline.AIArticle{}, false, err
	}
	log := p.logger.With(zap.String("raw_article_id", raw.ID), zap.String("url", raw.URL))

	if strings.TrimSpace(raw.ExtractedText) == "" {
		metrics.ObserveEnrichment("no_text")
		return pipeline.AIArticle{}, false, pipeline.Terminal(fmt.Errorf("enrich %s: %w", raw.ID, pipeline.ErrNoExtractedText))
	}

	existing, err := p.store.GetAIArticleByRawID(ctx, raw.ID)
	switch {
	case err == nil:
		metrics.ObserveEnrichment("noop")
		log.Debug("article already enriched", zap.String("ai_article_id", existing.ID))
		return existing, false, nil
	case !errors.Is(err, pipeline.ErrNotFound):
		metrics.ObserveEnrichment("error")
		return pipeline.AIArticle{}, false, pipeline.Transient(fmt.Errorf("check existing enrichment: %w", err))
	}

	industry := p.industryFor(ctx, log, raw.SourceID)
	req := BuildRequest(PromptInput{
		Title:     raw.FeedPayload.Title,
		Publisher: raw.FeedPayload.Publisher,
		URL:       raw.URL,
		Industry:  industry,
		Text:      raw.ExtractedText,
	}, p.cfg.MaxInputChars)

	resp, err := p.model.Complete(ctx, req)
	if err != nil {
		metrics.ObserveEnrichment("model_error")
		log.Warn("model call failed", zap.Error(err))
		return pipeline.AIArticle{}, false, fmt.Errorf("model call: %w", err)
	}

	enrichment, repaired, err := ParseResponse(resp.Content, RepairContext{
		OriginalTitle: raw.FeedPayload.Title,
		ArticleText:   raw.ExtractedText,
	})
	if err != nil {
		metrics.ObserveEnrichment("malformed")
		log.Warn("model returned malformed output", zap.Error(err))
		return pipeline.AIArticle{}, false, err
	}
	for _, field := range repaired {
		metrics.ObserveSchemaRepair(field)
	}
	if len(repaired) > 0 {
		log.Info("repaired model output", zap.Strings("fields", repaired))
	}

	article, err := p.buildArticle(raw, industry, enrichment, resp)
	if err != nil {
		metrics.ObserveEnrichment("error")
		return pipeline.AIArticle{}, false, pipeline.Transient(err)
	}

	if err := p.store.InsertAIArticle(ctx, article); err != nil {
		if errors.Is(err, pipeline.ErrDuplicate) {
			metrics.ObserveEnrichment("noop")
			log.Debug("lost enrichment race, keeping existing article")
			stored, getErr := p.store.GetAIArticleByRawID(ctx, raw.ID)
			if getErr != nil {
				return pipeline.AIArticle{}, false, nil
			}
			return stored, false, nil
		}
		metrics.ObserveEnrichment("error")
		return pipeline.AIArticle{}, false, pipeline.Transient(fmt.Errorf("insert ai article: %w", err))
	}

	metrics.ObserveEnrichment("success")
	log.Info("article enriched",
		zap.String("ai_article_id", article.ID),
		zap.String("category", string(article.Category)),
		zap.String("model", resp.Model),
	)

	if p.submitter != nil {
		if err := p.submitter.Submit(ctx, pipeline.TaskFanout, article.ID); err != nil {
			log.Warn("submit fanout task", zap.String("ai_article_id", article.ID), zap.Error(err))
		}
	}
	return article, true, nil
}

func (p *Processor) loadRaw(ctx context.Context, rawArticleID string) (pipeline.RawArticle, error) {
	raw, err := p.store.GetRawArticle(ctx, rawArticleID)
	if err == nil {
		return raw, nil
	}
	if errors.Is(err, pipeline.ErrNotFound) {
		return pipeline.RawArticle{}, pipeline.Terminal(fmt.Errorf("load raw article %s: %w", rawArticleID, err))
	}
	return pipeline.RawArticle{}, pipeline.Transient(fmt.Errorf("load raw article %s: %w", rawArticleID, err))
}

func (p *Processor) industryFor(ctx context.Context, log *zap.Logger, sourceID string) string {
	src, err := p.store.GetSource(ctx, sourceID)
	if err != nil {
		log.Debug("source lookup failed, using default industry", zap.String("source_id", sourceID), zap.Error(err))
		return p.cfg.DefaultIndustry
	}
	if strings.TrimSpace(src.Industry) == "" {
		return p.cfg.DefaultIndustry
	}
	return src.Industry
}

func (p *Processor) buildArticle(
	raw pipeline.RawArticle,
	industry string,
	e Enrichment,
	resp pipeline.ModelResponse,
) (pipeline.AIArticle, error) {
	id, err := p.ids.NewID()
	if err != nil {
		return pipeline.AIArticle{}, fmt.Errorf("generate ai article id: %w", err)
	}
	now := p.clock.Now()
	publishedAt := raw.CreatedAt
	if raw.FeedPayload.PublishedAt != nil {
		publishedAt = *raw.FeedPayload.PublishedAt
	}
	return pipeline.AIArticle{
		ID:             id,
		RawArticleID:   raw.ID,
		AITitle:        e.AITitle,
		OriginalTitle:  raw.FeedPayload.Title,
		Publisher:      raw.FeedPayload.Publisher,
		PublishedAt:    publishedAt,
		Industry:       industry,
		Category:       e.Category,
		ShortSummary:   e.ShortSummary,
		LongSummary:    e.LongSummary,
		SentimentLabel: e.SentimentLabel,
		SentimentScore: e.SentimentScore,
		Entities:       e.Entities,
		Tags:           e.Tags,
		RawResponse: pipeline.ModelAudit{
			Raw:        resp.Content,
			Model:      resp.Model,
			ReceivedAt: now,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

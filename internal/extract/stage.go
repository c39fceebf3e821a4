package extract

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-news-pipeline/internal/metrics"
	"github.com/JakeFAU/realtime-news-pipeline/internal/pipeline"
)

// StageConfig controls optional behavior of the extraction stage.
type StageConfig struct {
	ArchivePrefix      string
	ArchiveContentType string
}

// Stage fetches an article page, extracts its text, and records the outcome on the RawArticle.
// It is the sole writer of the extraction fields.
type Stage struct {
	store     pipeline.RawArticleStore
	fetcher   pipeline.PageFetcher
	extractor *Extractor
	archive   pipeline.BlobStore
	submitter pipeline.Submitter
	clock     pipeline.Clock
	cfg       StageConfig
	logger    *zap.Logger
}

// NewStage wires an extraction stage. archive may be nil.
func NewStage(
	store pipeline.RawArticleStore,
	fetcher pipeline.PageFetcher,
	extractor *Extractor,
	archive pipeline.BlobStore,
	submitter pipeline.Submitter,
	clock pipeline.Clock,
	cfg StageConfig,
	logger *zap.Logger,
) *Stage {
	if extractor == nil {
		extractor = New(DefaultMinLength)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ArchiveContentType == "" {
		cfg.ArchiveContentType = "text/html; charset=utf-8"
	}
	return &Stage{
		store:     store,
		fetcher:   fetcher,
		extractor: extractor,
		archive:   archive,
		submitter: submitter,
		clock:     clock,
		cfg:       cfg,
		logger:    logger.Named("extract"),
	}
}

// Handle runs extraction for one raw article id.
func (s *Stage) Handle(ctx context.Context, rawArticleID string) error {
	raw, err := s.store.GetRawArticle(ctx, rawArticleID)
	if err != nil {
		if errors.Is(err, pipeline.ErrNotFound) {
			return pipeline.Terminal(fmt.Errorf("load raw article %s: %w", rawArticleID, err))
		}
		return pipeline.Transient(fmt.Errorf("load raw article %s: %w", rawArticleID, err))
	}
	log := s.logger.With(zap.String("raw_article_id", raw.ID), zap.String("url", raw.URL))

	if raw.Extracted() {
		log.Debug("article already extracted, resubmitting enrichment")
		return s.submitEnrich(ctx, raw.ID)
	}

	resp, err := s.fetcher.Fetch(ctx, pipeline.PageRequest{URL: raw.URL})
	if err != nil {
		return s.recordFetchFailure(ctx, log, raw, err)
	}

	uri := s.archiveHTML(ctx, log, raw, resp.Body)
	result := s.extractor.Extract(string(resp.Body), resp.URL)
	extraction := pipeline.Extraction{
		RawHTML:       string(resp.Body),
		RawHTMLURI:    uri,
		ExtractedText: result.Text,
		ExtractedAt:   s.clock.Now(),
		Status:        pipeline.FetchStatusFetched,
	}
	if !result.Success {
		extraction.Status = pipeline.FetchStatusFailed
		extraction.FetchErrorKind = pipeline.FetchErrorUnextractable
		extraction.FetchError = fmt.Sprintf(
			"extracted text below %d characters (best strategy %q)", s.extractor.MinLength(), result.Strategy,
		)
	}
	if err := s.store.SaveExtraction(ctx, raw.ID, extraction); err != nil {
		return pipeline.Transient(fmt.Errorf("save extraction: %w", err))
	}

	if !result.Success {
		metrics.ObserveExtraction("unextractable", string(result.Strategy))
		log.Warn("article text below quality gate", zap.Int("chars", len([]rune(result.Text))))
		return pipeline.Terminal(errors.New(extraction.FetchError))
	}

	metrics.ObserveExtraction("success", string(result.Strategy))
	log.Info("article extracted", zap.String("strategy", string(result.Strategy)))
	return s.submitEnrich(ctx, raw.ID)
}

func (s *Stage) recordFetchFailure(ctx context.Context, log *zap.Logger, raw pipeline.RawArticle, fetchErr error) error {
	kind := pipeline.FetchErrorNetwork
	classified := pipeline.Transient(fmt.Errorf("fetch page: %w", fetchErr))

	var statusErr *pipeline.StatusError
	switch {
	case errors.Is(fetchErr, pipeline.ErrFetchDisallowed):
		kind = pipeline.FetchErrorDisallowed
		classified = pipeline.Terminal(fmt.Errorf("fetch page: %w", fetchErr))
	case errors.As(fetchErr, &statusErr):
		kind = pipeline.FetchErrorHTTPStatus
		if !statusErr.Retryable() {
			classified = pipeline.Terminal(fmt.Errorf("fetch page: %w", fetchErr))
		}
	}
	if errors.Is(fetchErr, context.Canceled) && ctx.Err() != nil {
		return fmt.Errorf("fetch page: %w", fetchErr)
	}

	err := s.store.SaveExtraction(ctx, raw.ID, pipeline.Extraction{
		Status:         pipeline.FetchStatusFailed,
		FetchError:     fetchErr.Error(),
		FetchErrorKind: kind,
	})
	if err != nil {
		log.Error("record fetch failure", zap.Error(err))
	}
	metrics.ObserveExtraction(string(kind), string(StrategyNone))
	log.Warn("page fetch failed", zap.String("kind", string(kind)), zap.Error(fetchErr))
	return classified
}

func (s *Stage) archiveHTML(ctx context.Context, log *zap.Logger, raw pipeline.RawArticle, body []byte) string {
	if s.archive == nil || len(body) == 0 {
		return ""
	}
	path := s.archivePath(raw)
	uri, err := s.archive.PutObject(ctx, path, s.cfg.ArchiveContentType, bytes.NewReader(body))
	if err != nil {
		log.Warn("archive raw html failed", zap.String("path", path), zap.Error(err))
		return ""
	}
	return uri
}

func (s *Stage) archivePath(raw pipeline.RawArticle) string {
	prefix := strings.Trim(s.cfg.ArchivePrefix, "/")
	if prefix == "" {
		return fmt.Sprintf("%s/%s.html", raw.SourceID, raw.ID)
	}
	return fmt.Sprintf("%s/%s/%s.html", prefix, raw.SourceID, raw.ID)
}

func (s *Stage) submitEnrich(ctx context.Context, rawArticleID string) error {
	if s.submitter == nil {
		return nil
	}
	if err := s.submitter.Submit(ctx, pipeline.TaskEnrich, rawArticleID); err != nil {
		return pipeline.Transient(fmt.Errorf("submit enrich task: %w", err))
	}
	return nil
}

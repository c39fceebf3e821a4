package enrich

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-news-pipeline/internal/pipeline"
)

// Reprocess discards the enrichment of a raw article and schedules it again. Articles with
// usable text go straight back to enrichment; the rest are re-extracted first. The task
// kind that was submitted is returned. Title and publisher come from the stored feed payload.
func (p *Processor) Reprocess(ctx context.Context, rawArticleID string) (string, error) {
	raw, err := p.store.GetRawArticle(ctx, rawArticleID)
	if err != nil {
		return "", fmt.Errorf("load raw article %s: %w", rawArticleID, err)
	}
	if err := p.store.DeleteAIArticleByRawID(ctx, raw.ID); err != nil {
		return "", fmt.Errorf("delete ai article for %s: %w", raw.ID, err)
	}

	kind := pipeline.TaskExtract
	if raw.Extracted() {
		kind = pipeline.TaskEnrich
	}
	if p.submitter == nil {
		return kind, nil
	}
	if err := p.submitter.Submit(ctx, kind, raw.ID); err != nil {
		return "", fmt.Errorf("submit %s task: %w", kind, err)
	}
	p.logger.Info("article scheduled for reprocessing",
		zap.String("raw_article_id", raw.ID),
		zap.String("task", kind),
	)
	return kind, nil
}

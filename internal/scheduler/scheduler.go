// Package scheduler submits periodic poll tasks.
package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-news-pipeline/internal/feed"
	"github.com/JakeFAU/realtime-news-pipeline/internal/pipeline"
)

// Scheduler submits a poll-all task once at start and then on every tick.
// Per-source intervals are enforced by the poller; the tick only bounds latency.
type Scheduler struct {
	submitter pipeline.Submitter
	interval  time.Duration
	logger    *zap.Logger
}

// New builds a Scheduler.
func New(submitter pipeline.Submitter, interval time.Duration, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{submitter: submitter, interval: interval, logger: logger.Named("scheduler")}
}

// Run blocks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	if err := s.submitter.Submit(ctx, pipeline.TaskPoll, feed.RefAll); err != nil {
		if ctx.Err() != nil {
			return
		}
		s.logger.Warn("submit poll task", zap.Error(err))
		return
	}
	s.logger.Debug("poll task submitted")
}

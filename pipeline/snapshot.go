// Package pipeline orchestrates the daily digest run: snapshot the feed,
// build one digest per strategy, and mail each strategy's subscribers.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"hn-digest/feed"
	"hn-digest/pkg/digest"
	"hn-digest/store"
)

// lookback is how far behind the run date the feed queries reach. Two days
// covers posts that were still gathering points when the previous run fetched.
const lookback = 48 * time.Hour

// Snapshotter fetches the day's candidate posts and persists them as the
// snapshot for the run date.
type Snapshotter struct {
	fetcher    feed.Fetcher
	store      store.Store
	logger     *slog.Logger
	strategies []digest.Strategy
}

// NewSnapshotter creates a snapshotter sized for the configured strategies.
func NewSnapshotter(fetcher feed.Fetcher, st store.Store, strategies []digest.Strategy, logger *slog.Logger) *Snapshotter {
	return &Snapshotter{
		fetcher:    fetcher,
		store:      st,
		logger:     logger,
		strategies: strategies,
	}
}

// Snapshot fetches candidates covering [date - lookback, date], persists them
// keyed by date, and returns the fetched set. The top-N query is widened to
// twice the largest configured N so that yesterday-dedup cannot starve a
// digest of fresh posts. A feed failure fails the call with nothing persisted.
func (s *Snapshotter) Snapshot(ctx context.Context, date time.Time) (map[string]digest.Post, error) {
	topK := 2 * digest.MaxTopN(s.strategies)
	minPoints, ok := digest.MinPointThreshold(s.strategies)
	if !ok {
		// A zero threshold is a real strategy (every story qualifies), so
		// absence is signalled separately.
		minPoints = -1
	}

	posts, err := s.fetcher.Fetch(ctx, topK, minPoints, date.Add(-lookback))
	if err != nil {
		return nil, fmt.Errorf("fetch candidates: %w", err)
	}

	if err := s.store.SaveSnapshot(ctx, date, posts); err != nil {
		return nil, fmt.Errorf("persist snapshot: %w", err)
	}

	s.logger.Info("Snapshot complete", "date", date.UTC().Format("2006-01-02"), "candidates", len(posts))
	return posts, nil
}

package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"hn-digest/pkg/digest"
	"hn-digest/store"
)

// Builder turns a candidate set into the persisted digest for one strategy
// and one date.
type Builder struct {
	store  store.Store
	logger *slog.Logger
}

// NewBuilder creates a digest builder over the given store.
func NewBuilder(st store.Store, logger *slog.Logger) *Builder {
	return &Builder{store: st, logger: logger}
}

// Build selects today's digest for one strategy: drop candidates that were in
// yesterday's digest for the same strategy, rank the rest by points
// descending, apply the strategy, and persist the result. Re-running for the
// same (strategy, date) overwrites, so retries are safe. An empty candidate
// set produces an empty digest, not an error.
func (b *Builder) Build(ctx context.Context, strategy digest.Strategy, date time.Time, candidates map[string]digest.Post) ([]digest.Post, error) {
	exclude := make(map[string]bool)
	yesterday, err := b.store.Digest(ctx, strategy.Type(), date.AddDate(0, 0, -1))
	switch {
	case err == nil:
		for _, p := range yesterday {
			exclude[p.ID] = true
		}
	case store.IsNotFound(err):
		// First run for this strategy, or yesterday's digest expired.
	default:
		return nil, fmt.Errorf("load previous digest: %w", err)
	}

	fresh := make([]digest.Post, 0, len(candidates))
	for _, p := range candidates {
		if !exclude[p.ID] {
			fresh = append(fresh, p)
		}
	}

	// Canonical ranking: points descending, id as tiebreak so the order does
	// not depend on map iteration.
	sort.Slice(fresh, func(i, j int) bool {
		if fresh[i].Points != fresh[j].Points {
			return fresh[i].Points > fresh[j].Points
		}
		return fresh[i].ID < fresh[j].ID
	})

	selected := strategy.Select(fresh)

	if err := b.store.SaveDigest(ctx, strategy.Type(), date, selected); err != nil {
		return nil, fmt.Errorf("persist digest: %w", err)
	}

	b.logger.Info("Digest built",
		"strategy", strategy.Type(),
		"date", date.UTC().Format("2006-01-02"),
		"candidates", len(candidates),
		"excluded", len(exclude),
		"selected", len(selected))

	return selected, nil
}

package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"hn-digest/email"
	"hn-digest/pkg/digest"
	"hn-digest/store"
)

// Dispatcher runs the full digest pipeline: one snapshot, then one digest per
// configured strategy, mailed to that strategy's subscribers.
type Dispatcher struct {
	snapshotter *Snapshotter
	builder     *Builder
	store       store.Store
	sender      *email.Sender
	logger      *slog.Logger
	strategies  []digest.Strategy

	// Serializes runs so a manual trigger cannot overlap the scheduled one.
	mu sync.Mutex
}

// NewDispatcher wires the pipeline together.
func NewDispatcher(snapshotter *Snapshotter, builder *Builder, st store.Store, sender *email.Sender, strategies []digest.Strategy, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		snapshotter: snapshotter,
		builder:     builder,
		store:       st,
		sender:      sender,
		logger:      logger,
		strategies:  strategies,
	}
}

// Run executes one digest run for the given date. A failure in one strategy
// is logged and does not stop the others; the returned error reports how many
// strategies failed. A snapshot or subscriber-listing failure aborts the run.
func (d *Dispatcher) Run(ctx context.Context, date time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	start := time.Now()
	d.logger.Info("Digest run starting", "date", date.UTC().Format("2006-01-02"))

	candidates, err := d.snapshotter.Snapshot(ctx, date)
	if err != nil {
		return fmt.Errorf("snapshot: %w", err)
	}

	subs, err := d.store.Subscribers(ctx)
	if err != nil {
		return fmt.Errorf("list subscribers: %w", err)
	}

	byStrategy := make(map[string][]*digest.Subscriber)
	for _, sub := range subs {
		byStrategy[sub.StrategyType] = append(byStrategy[sub.StrategyType], sub)
	}

	var failed int
	for _, strategy := range d.strategies {
		if err := d.dispatch(ctx, strategy, date, candidates, byStrategy[strategy.Type()]); err != nil {
			d.logger.Error("Strategy dispatch failed",
				"strategy", strategy.Type(),
				"error", err)
			failed++
		}
	}

	d.logger.Info("Digest run complete",
		"date", date.UTC().Format("2006-01-02"),
		"strategies", len(d.strategies),
		"failed", failed,
		"subscribers", len(subs),
		"duration_ms", time.Since(start).Milliseconds())

	if failed > 0 {
		return fmt.Errorf("%d of %d strategies failed", failed, len(d.strategies))
	}
	return nil
}

// dispatch builds and mails one strategy's digest. The digest is persisted
// even when there is nothing to mail, so the next day's dedup still works.
func (d *Dispatcher) dispatch(ctx context.Context, strategy digest.Strategy, date time.Time, candidates map[string]digest.Post, subs []*digest.Subscriber) error {
	posts, err := d.builder.Build(ctx, strategy, date, candidates)
	if err != nil {
		return fmt.Errorf("build digest: %w", err)
	}

	if len(posts) == 0 {
		d.logger.Info("Empty digest, skipping mail", "strategy", strategy.Type())
		return nil
	}
	if len(subs) == 0 {
		d.logger.Info("No subscribers for strategy, skipping mail", "strategy", strategy.Type())
		return nil
	}

	var sendErrs int
	for _, sub := range subs {
		if err := d.sender.SendDigest(ctx, sub, date, posts); err != nil {
			d.logger.Error("Failed to send digest email",
				"to", sub.Email,
				"strategy", strategy.Type(),
				"error", err)
			sendErrs++
		}
	}
	if sendErrs > 0 {
		return fmt.Errorf("%d of %d sends failed", sendErrs, len(subs))
	}
	return nil
}

// Package main implements the Hacker News email digest service: a daily
// pipeline that snapshots stories from the Algolia API, builds one digest per
// selection strategy, and mails subscribers, plus the double-opt-in
// subscription HTTP surface.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"time"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"hn-digest/bounce"
	"hn-digest/captcha"
	"hn-digest/config"
	"hn-digest/email"
	"hn-digest/feed"
	"hn-digest/pipeline"
	"hn-digest/server"
	"hn-digest/store"
	"hn-digest/subscription"
)

// digestRunTimeout bounds one full pipeline run, including all sends.
const digestRunTimeout = 30 * time.Minute

func main() {
	ctx := context.Background()

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "path", configPath, "error", err)
		os.Exit(1)
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	st, cleanup, err := newStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to initialize store", "backend", cfg.Store.Backend, "error", err)
		os.Exit(1)
	}
	defer cleanup()

	provider, err := newProvider(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to initialize mail provider", "provider", cfg.Mail.Provider, "error", err)
		os.Exit(1)
	}
	sender := email.New(provider, logger, cfg.Server.BaseURL)

	var fetcher feed.Fetcher
	if cfg.Feed.BaseURL != "" {
		fetcher = feed.NewAlgoliaClientForURL(cfg.Feed.BaseURL, logger)
	} else {
		fetcher = feed.NewAlgoliaClient(logger)
	}

	strategies := cfg.Strategies()
	snapshotter := pipeline.NewSnapshotter(fetcher, st, strategies, logger)
	builder := pipeline.NewBuilder(st, logger)
	dispatcher := pipeline.NewDispatcher(snapshotter, builder, st, sender, strategies, logger)

	var verifier captcha.Verifier = captcha.Disabled{}
	if cfg.Captcha.TurnstileSecret != "" {
		verifier = captcha.NewTurnstile(cfg.Captcha.TurnstileSecret, logger)
	} else {
		logger.Info("No Turnstile secret configured, captcha checks disabled")
	}

	srv := server.New(&server.Config{
		Subscriptions: subscription.NewManager(st, sender, strategies, logger),
		Bounces:       bounce.NewHandler(st, logger),
		Digests:       dispatcher,
		Captcha:       verifier,
		Logger:        logger,
		PagesBaseURL:  cfg.Server.PagesBaseURL,
		Strategies:    strategies,
	})

	go runDaily(ctx, dispatcher, cfg.Digest.Hour, logger)

	if err := srv.ListenAndServe(cfg.Server.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("Server failed", "error", err)
		os.Exit(1)
	}
}

func newStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.Store, func(), error) {
	switch cfg.Store.Backend {
	case "gcs":
		client, err := gcs.NewClient(ctx)
		if err != nil {
			return nil, nil, err
		}
		cleanup := func() {
			if err := client.Close(); err != nil {
				logger.Warn("Failed to close storage client", "error", err)
			}
		}
		logger.Info("Using Cloud Storage backend", "bucket", cfg.Store.Bucket)
		return store.NewGCS(client, cfg.Store.Bucket, logger), cleanup, nil
	default:
		table, err := store.NewBolt(cfg.Store.BoltPath, logger)
		if err != nil {
			return nil, nil, err
		}
		cleanup := func() {
			if err := store.CloseBolt(table); err != nil {
				logger.Warn("Failed to close database", "error", err)
			}
		}
		logger.Info("Using bbolt backend", "path", cfg.Store.BoltPath)
		return table, cleanup, nil
	}
}

func newProvider(ctx context.Context, cfg *config.Config, logger *slog.Logger) (email.Provider, error) {
	switch cfg.Mail.Provider {
	case "brevo":
		return email.NewBrevoProvider(cfg.Mail.BrevoAPIKey, cfg.Mail.FromAddress, cfg.Mail.FromName, logger), nil
	case "gmail":
		service, err := initGmailService(ctx)
		if err != nil {
			return nil, err
		}
		return email.NewGmailProvider(service, logger), nil
	default:
		logger.Info("Mock email mode enabled")
		return email.NewMockProvider(logger), nil
	}
}

func initGmailService(ctx context.Context) (*gmail.Service, error) {
	// Try explicit credentials first (for local development or specific use cases)
	credsJSON := os.Getenv("GOOGLE_CREDENTIALS_JSON")
	if credsJSON != "" {
		return gmail.NewService(ctx, option.WithCredentialsJSON([]byte(credsJSON)))
	}

	// If running in Cloud Run, use Application Default Credentials (ADC).
	// The service account needs Gmail API access (gmail.send scope).
	if isCloudRun(ctx) {
		return gmail.NewService(ctx)
	}

	return nil, errors.New("GOOGLE_CREDENTIALS_JSON required when not running in Cloud Run")
}

// isCloudRun checks if we're running in a GCP environment by querying the metadata server.
func isCloudRun(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://metadata.google.internal/computeMetadata/v1/project/project-id", http.NoBody)
	if err != nil {
		return false
	}
	req.Header.Set("Metadata-Flavor", "Google")

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	return resp.StatusCode == http.StatusOK
}

// runDaily fires one digest run per day at the given UTC hour until the
// context is cancelled. The /digestz endpoint triggers the same dispatcher
// manually; the dispatcher serializes overlapping runs itself.
func runDaily(ctx context.Context, dispatcher *pipeline.Dispatcher, hour int, logger *slog.Logger) {
	for {
		now := time.Now().UTC()
		next := time.Date(now.Year(), now.Month(), now.Day(), hour, 0, 0, 0, time.UTC)
		if !next.After(now) {
			next = next.AddDate(0, 0, 1)
		}
		logger.Info("Next digest run scheduled", "at", next.Format(time.RFC3339))

		timer := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		runCtx, cancel := context.WithTimeout(ctx, digestRunTimeout)
		if err := dispatcher.Run(runCtx, time.Now().UTC()); err != nil {
			logger.Error("Scheduled digest run failed", "error", err)
		}
		cancel()
	}
}

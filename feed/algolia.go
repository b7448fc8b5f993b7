// Package feed fetches Hacker News posts from the Algolia search API.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/codeGROOVE-dev/retry"

	"hn-digest/pkg/digest"
)

const defaultBaseURL = "https://hn.algolia.com/api/v1"

// Fetcher retrieves candidate posts for a snapshot. Implementations return
// posts keyed by id so overlapping queries union cleanly.
type Fetcher interface {
	Fetch(ctx context.Context, topK, minPoints int, since time.Time) (map[string]digest.Post, error)
}

// AlgoliaClient fetches stories from the Algolia Hacker News API.
type AlgoliaClient struct {
	client  *http.Client
	logger  *slog.Logger
	baseURL string
}

// NewAlgoliaClient creates a client for the public Algolia HN endpoint.
func NewAlgoliaClient(logger *slog.Logger) *AlgoliaClient {
	return &AlgoliaClient{
		client:  &http.Client{Timeout: 30 * time.Second},
		logger:  logger,
		baseURL: defaultBaseURL,
	}
}

// NewAlgoliaClientForURL creates a client against a custom endpoint. Used in tests.
func NewAlgoliaClientForURL(baseURL string, logger *slog.Logger) *AlgoliaClient {
	c := NewAlgoliaClient(logger)
	c.baseURL = baseURL
	return c
}

type searchResponse struct {
	Hits []digest.Post `json:"hits"`
}

// Fetch gathers the day's candidate posts: the topK most recent stories since
// the cutoff, plus every story at or above minPoints, unioned by id. The
// recency query is skipped when topK is zero and the points query when
// minPoints is negative, meaning no configured strategy needs them. A zero
// minPoints is a real threshold and still queries.
func (a *AlgoliaClient) Fetch(ctx context.Context, topK, minPoints int, since time.Time) (map[string]digest.Post, error) {
	cutoff := "created_at_i>=" + strconv.FormatInt(since.UTC().Unix(), 10)

	posts := make(map[string]digest.Post)

	if topK > 0 {
		recent, err := a.search(ctx, url.Values{
			"tags":           {"story"},
			"hitsPerPage":    {strconv.Itoa(topK)},
			"numericFilters": {cutoff},
		})
		if err != nil {
			return nil, fmt.Errorf("fetch recent posts: %w", err)
		}
		for _, p := range recent {
			posts[p.ID] = p
		}
	}

	if minPoints >= 0 {
		popular, err := a.search(ctx, url.Values{
			"tags":           {"story"},
			"hitsPerPage":    {"1000"},
			"numericFilters": {cutoff + ",points>=" + strconv.Itoa(minPoints)},
		})
		if err != nil {
			return nil, fmt.Errorf("fetch popular posts: %w", err)
		}
		for _, p := range popular {
			posts[p.ID] = p
		}
	}

	a.logger.Info("Fetched posts", "count", len(posts), "top_k", topK, "min_points", minPoints)
	return posts, nil
}

func (a *AlgoliaClient) search(ctx context.Context, params url.Values) ([]digest.Post, error) {
	endpoint := a.baseURL + "/search_by_date?" + params.Encode()

	var hits []digest.Post
	err := retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, http.NoBody)
			if err != nil {
				return retry.Unrecoverable(fmt.Errorf("create request: %w", err))
			}

			resp, err := a.client.Do(req)
			if err != nil {
				return fmt.Errorf("search request: %w", err)
			}
			defer func() {
				if closeErr := resp.Body.Close(); closeErr != nil {
					a.logger.Warn("Failed to close response body", "error", closeErr)
				}
			}()

			if resp.StatusCode != http.StatusOK {
				body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
				return fmt.Errorf("search returned status %d: %s", resp.StatusCode, string(body))
			}

			var result searchResponse
			if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
				return fmt.Errorf("decode search response: %w", err)
			}
			hits = result.Hits
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(time.Minute),
		retry.MaxJitter(5*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, retryErr error) {
			a.logger.Info("Retrying search after error", "attempt", n, "error", retryErr)
		}),
	)
	if err != nil {
		return nil, err
	}
	return hits, nil
}

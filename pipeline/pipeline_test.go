package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hn-digest/email"
	"hn-digest/pkg/digest"
	"hn-digest/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

type fakeFetcher struct {
	posts map[string]digest.Post
	err   error

	topK      int
	minPoints int
	since     time.Time
}

func (f *fakeFetcher) Fetch(_ context.Context, topK, minPoints int, since time.Time) (map[string]digest.Post, error) {
	f.topK = topK
	f.minPoints = minPoints
	f.since = since
	if f.err != nil {
		return nil, f.err
	}
	return f.posts, nil
}

func candidates() map[string]digest.Post {
	return map[string]digest.Post{
		"a": {ID: "a", Title: "Post A", Points: 500},
		"b": {ID: "b", Title: "Post B", Points: 200},
		"c": {ID: "c", Title: "Post C", Points: 100},
	}
}

func ids(posts []digest.Post) []string {
	out := make([]string, 0, len(posts))
	for _, p := range posts {
		out = append(out, p.ID)
	}
	return out
}

func TestSnapshotSizesQueriesFromStrategies(t *testing.T) {
	fetcher := &fakeFetcher{posts: candidates()}
	st := store.NewMemory(testLogger())
	strategies := []digest.Strategy{
		digest.TopN(10), digest.TopN(50),
		digest.PointThreshold(500), digest.PointThreshold(100),
	}
	snap := NewSnapshotter(fetcher, st, strategies, testLogger())

	date := time.Now().UTC()
	posts, err := snap.Snapshot(context.Background(), date)
	require.NoError(t, err)
	assert.Len(t, posts, 3)

	assert.Equal(t, 100, fetcher.topK, "twice the largest top-N")
	assert.Equal(t, 100, fetcher.minPoints, "smallest threshold")
	assert.Equal(t, date.Add(-48*time.Hour), fetcher.since)
}

func TestSnapshotZeroThresholdQueriesPoints(t *testing.T) {
	fetcher := &fakeFetcher{posts: candidates()}
	snap := NewSnapshotter(fetcher, store.NewMemory(testLogger()),
		[]digest.Strategy{digest.PointThreshold(0)}, testLogger())

	_, err := snap.Snapshot(context.Background(), time.Now().UTC())
	require.NoError(t, err)

	// Threshold zero is a real strategy: the points query runs with 0, and
	// with no top-N strategy configured the recency query is skipped.
	assert.Equal(t, 0, fetcher.minPoints)
	assert.Equal(t, 0, fetcher.topK)
}

func TestSnapshotWithoutThresholdSkipsPointsQuery(t *testing.T) {
	fetcher := &fakeFetcher{posts: candidates()}
	snap := NewSnapshotter(fetcher, store.NewMemory(testLogger()),
		[]digest.Strategy{digest.TopN(10)}, testLogger())

	_, err := snap.Snapshot(context.Background(), time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, -1, fetcher.minPoints)
	assert.Equal(t, 20, fetcher.topK)
}

func TestSnapshotFeedFailure(t *testing.T) {
	fetcher := &fakeFetcher{err: errors.New("feed down")}
	snap := NewSnapshotter(fetcher, store.NewMemory(testLogger()), []digest.Strategy{digest.TopN(10)}, testLogger())

	_, err := snap.Snapshot(context.Background(), time.Now())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "feed down")
}

func TestBuildExcludesYesterdaysDigest(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory(testLogger())
	builder := NewBuilder(st, testLogger())
	today := time.Now().UTC()
	yesterday := today.AddDate(0, 0, -1)

	// Post A went out yesterday in both digests.
	require.NoError(t, st.SaveDigest(ctx, "TOP_N#2", yesterday, []digest.Post{{ID: "a", Points: 480}}))
	require.NoError(t, st.SaveDigest(ctx, "POINT_THRESHOLD#200", yesterday, []digest.Post{{ID: "a", Points: 480}}))

	top, err := builder.Build(ctx, digest.TopN(2), today, candidates())
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c"}, ids(top))

	threshold, err := builder.Build(ctx, digest.PointThreshold(200), today, candidates())
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, ids(threshold))

	// Both digests were persisted for tomorrow's dedup.
	saved, err := st.Digest(ctx, "TOP_N#2", today)
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c"}, ids(saved))
}

func TestBuildWithoutPreviousDigest(t *testing.T) {
	builder := NewBuilder(store.NewMemory(testLogger()), testLogger())
	today := time.Now().UTC()

	posts, err := builder.Build(context.Background(), digest.PointThreshold(200), today, candidates())
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids(posts))
}

func TestBuildEmptyPreviousDigestExcludesNothing(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory(testLogger())
	builder := NewBuilder(st, testLogger())
	today := time.Now().UTC()

	require.NoError(t, st.SaveDigest(ctx, "TOP_N#2", today.AddDate(0, 0, -1), nil))

	posts, err := builder.Build(ctx, digest.TopN(2), today, candidates())
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids(posts))
}

func TestBuildEmptyCandidatesProducesEmptyDigest(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory(testLogger())
	builder := NewBuilder(st, testLogger())
	today := time.Now().UTC()

	posts, err := builder.Build(ctx, digest.TopN(10), today, nil)
	require.NoError(t, err)
	assert.Empty(t, posts)

	saved, err := st.Digest(ctx, "TOP_N#10", today)
	require.NoError(t, err)
	assert.Empty(t, saved)
}

func TestBuildRerunOverwrites(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory(testLogger())
	builder := NewBuilder(st, testLogger())
	today := time.Now().UTC()

	first, err := builder.Build(ctx, digest.TopN(2), today, candidates())
	require.NoError(t, err)
	second, err := builder.Build(ctx, digest.TopN(2), today, candidates())
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func newTestDispatcher(t *testing.T, fetcher *fakeFetcher, st store.Store, strategies []digest.Strategy) (*Dispatcher, *email.MockProvider) {
	t.Helper()
	mock := email.NewMockProvider(testLogger())
	sender := email.New(mock, testLogger(), "https://digest.example.com")
	snap := NewSnapshotter(fetcher, st, strategies, testLogger())
	builder := NewBuilder(st, testLogger())
	return NewDispatcher(snap, builder, st, sender, strategies, testLogger()), mock
}

func TestDispatcherMailsEachStrategysSubscribers(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory(testLogger())
	strategies := []digest.Strategy{digest.TopN(2), digest.PointThreshold(200)}
	today := time.Now().UTC()

	// Yesterday both strategies sent post A.
	yesterday := today.AddDate(0, 0, -1)
	require.NoError(t, st.SaveDigest(ctx, "TOP_N#2", yesterday, []digest.Post{{ID: "a", Points: 480}}))
	require.NoError(t, st.SaveDigest(ctx, "POINT_THRESHOLD#200", yesterday, []digest.Post{{ID: "a", Points: 480}}))

	for _, s := range []struct{ email, strategy string }{
		{"alice@example.com", "TOP_N#2"},
		{"bob@example.com", "POINT_THRESHOLD#200"},
		{"carol@example.com", "POINT_THRESHOLD#200"},
	} {
		sub, err := digest.NewSubscriber(s.email, s.strategy)
		require.NoError(t, err)
		require.NoError(t, st.UpsertSubscriber(ctx, sub))
	}

	d, mock := newTestDispatcher(t, &fakeFetcher{posts: candidates()}, st, strategies)
	require.NoError(t, d.Run(ctx, today))

	sent := mock.Sent()
	require.Len(t, sent, 3)

	byRecipient := make(map[string]*email.Message)
	for _, msg := range sent {
		byRecipient[msg.To] = msg
		assert.Equal(t, "Hacker News Digest for "+today.Format("Jan 2, 2006"), msg.Subject)
	}

	// Alice gets top-2 of what's left after dedup: B then C.
	assert.Contains(t, byRecipient["alice@example.com"].HTML, "Post B")
	assert.Contains(t, byRecipient["alice@example.com"].HTML, "Post C")

	// Bob and Carol get only B (A was excluded, C is below threshold).
	assert.Contains(t, byRecipient["bob@example.com"].HTML, "Post B")
	assert.NotContains(t, byRecipient["bob@example.com"].HTML, "Post C")
	assert.Contains(t, byRecipient["carol@example.com"].HTML, "Post B")
}

func TestDispatcherSkipsEmptyDigestAndIdleStrategies(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory(testLogger())
	strategies := []digest.Strategy{digest.PointThreshold(1000), digest.TopN(2)}
	today := time.Now().UTC()

	// Only the threshold strategy has a subscriber, and nothing clears 1000
	// points. The top-N strategy has posts but nobody subscribed.
	sub, err := digest.NewSubscriber("quiet@example.com", "POINT_THRESHOLD#1000")
	require.NoError(t, err)
	require.NoError(t, st.UpsertSubscriber(ctx, sub))

	d, mock := newTestDispatcher(t, &fakeFetcher{posts: candidates()}, st, strategies)
	require.NoError(t, d.Run(ctx, today))
	assert.Empty(t, mock.Sent())

	// Both digests were still persisted.
	empty, err := st.Digest(ctx, "POINT_THRESHOLD#1000", today)
	require.NoError(t, err)
	assert.Empty(t, empty)

	top, err := st.Digest(ctx, "TOP_N#2", today)
	require.NoError(t, err)
	assert.Len(t, top, 2)
}

func TestDispatcherAbortsOnSnapshotFailure(t *testing.T) {
	st := store.NewMemory(testLogger())
	d, mock := newTestDispatcher(t, &fakeFetcher{err: errors.New("feed down")}, st, []digest.Strategy{digest.TopN(2)})

	err := d.Run(context.Background(), time.Now())
	require.Error(t, err)
	assert.Empty(t, mock.Sent())
}

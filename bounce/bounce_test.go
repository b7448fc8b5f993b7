package bounce

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hn-digest/pkg/digest"
	"hn-digest/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func newTestHandler(t *testing.T, emails ...string) (*Handler, *store.Table) {
	t.Helper()
	st := store.NewMemory(testLogger())
	for _, addr := range emails {
		sub, err := digest.NewSubscriber(addr, "TOP_N#10")
		require.NoError(t, err)
		require.NoError(t, st.UpsertSubscriber(context.Background(), sub))
	}
	return NewHandler(st, testLogger()), st
}

func subscribed(t *testing.T, st store.Store, addr string) bool {
	t.Helper()
	_, err := st.Subscriber(context.Background(), addr)
	if err == nil {
		return true
	}
	require.True(t, store.IsNotFound(err))
	return false
}

func TestPermanentBounceRemovesSubscribers(t *testing.T) {
	h, st := newTestHandler(t, "gone@example.com", "also-gone@example.com", "stays@example.com")

	payload := `{
		"eventType": "Bounce",
		"bounce": {
			"bounceType": "Permanent",
			"bouncedRecipients": [
				{"emailAddress": "gone@example.com"},
				{"emailAddress": "Also-Gone@Example.com"},
				{"emailAddress": "never-subscribed@example.com"}
			]
		}
	}`
	require.NoError(t, h.Handle(context.Background(), []byte(payload)))

	assert.False(t, subscribed(t, st, "gone@example.com"))
	assert.False(t, subscribed(t, st, "also-gone@example.com"))
	assert.True(t, subscribed(t, st, "stays@example.com"))
}

func TestTransientBounceIsIgnored(t *testing.T) {
	h, st := newTestHandler(t, "full-mailbox@example.com")

	payload := `{
		"eventType": "Bounce",
		"bounce": {
			"bounceType": "Transient",
			"bouncedRecipients": [{"emailAddress": "full-mailbox@example.com"}]
		}
	}`
	require.NoError(t, h.Handle(context.Background(), []byte(payload)))
	assert.True(t, subscribed(t, st, "full-mailbox@example.com"))
}

func TestComplaintRemovesSubscribers(t *testing.T) {
	h, st := newTestHandler(t, "annoyed@example.com")

	payload := `{
		"eventType": "Complaint",
		"complaint": {
			"complainedRecipients": [{"emailAddress": "annoyed@example.com"}]
		}
	}`
	require.NoError(t, h.Handle(context.Background(), []byte(payload)))
	assert.False(t, subscribed(t, st, "annoyed@example.com"))
}

func TestMalformedAndUnknownPayloadsAreDropped(t *testing.T) {
	h, st := newTestHandler(t, "stays@example.com")
	ctx := context.Background()

	// None of these may return an error, or the provider would redeliver.
	assert.NoError(t, h.Handle(ctx, []byte("not json at all")))
	assert.NoError(t, h.Handle(ctx, []byte(`{}`)))
	assert.NoError(t, h.Handle(ctx, []byte(`{"eventType":"Bounce"}`)))
	assert.NoError(t, h.Handle(ctx, []byte(`{"eventType":"Complaint"}`)))
	assert.NoError(t, h.Handle(ctx, []byte(`{"eventType":"Delivery"}`)))

	assert.True(t, subscribed(t, st, "stays@example.com"))
}

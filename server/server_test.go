package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hn-digest/bounce"
	"hn-digest/captcha"
	"hn-digest/email"
	"hn-digest/pkg/digest"
	"hn-digest/store"
	"hn-digest/subscription"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

type fakeDigests struct {
	runs int
	err  error
}

func (f *fakeDigests) Run(context.Context, time.Time) error {
	f.runs++
	return f.err
}

type rejectingCaptcha struct{}

func (rejectingCaptcha) Verify(context.Context, string, string) (bool, error) {
	return false, nil
}

type testEnv struct {
	handler http.Handler
	store   *store.Table
	mail    *email.MockProvider
	digests *fakeDigests
}

func newTestEnv(t *testing.T, verifier Captcha) *testEnv {
	t.Helper()
	st := store.NewMemory(testLogger())
	mock := email.NewMockProvider(testLogger())
	sender := email.New(mock, testLogger(), "https://digest.example.com")
	strategies := []digest.Strategy{digest.TopN(10), digest.PointThreshold(200)}
	manager := subscription.NewManager(st, sender, strategies, testLogger())
	digests := &fakeDigests{}

	if verifier == nil {
		verifier = captcha.Disabled{}
	}

	srv := New(&Config{
		Subscriptions: manager,
		Bounces:       bounce.NewHandler(st, testLogger()),
		Digests:       digests,
		Captcha:       verifier,
		Logger:        testLogger(),
		PagesBaseURL:  "https://pages.example.com",
		Strategies:    strategies,
	})
	return &testEnv{handler: srv.Handler(), store: st, mail: mock, digests: digests}
}

func (e *testEnv) do(method, target, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	return w
}

func subscribeBody(addr, strategy string) string {
	b, _ := json.Marshal(map[string]string{"email": addr, "strategy": strategy})
	return string(b)
}

func TestSubscribeEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(http.MethodPost, "/subscribe", subscribeBody("new@example.com", "TOP_N#10"))
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "Check your email to confirm your subscription", resp["message"])

	pending, err := env.store.PendingSubscription(context.Background(), "new@example.com")
	require.NoError(t, err)
	assert.Equal(t, "TOP_N#10", pending.StrategyType)
	require.Len(t, env.mail.Sent(), 1)
}

func TestSubscribeValidation(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(http.MethodPost, "/subscribe", subscribeBody("nope", "TOP_N#10"))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(http.MethodPost, "/subscribe", subscribeBody("a@b.co", "TOP_N#7"))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(http.MethodPost, "/subscribe", "{not json")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	assert.Empty(t, env.mail.Sent())
}

func TestSubscribeHoneypot(t *testing.T) {
	env := newTestEnv(t, nil)

	body := `{"email":"bot@example.com","strategy":"TOP_N#10","website":"https://spam.example"}`
	w := env.do(http.MethodPost, "/subscribe", body)

	// Bots get the same success response as everyone else.
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "Check your email")

	_, err := env.store.PendingSubscription(context.Background(), "bot@example.com")
	assert.True(t, store.IsNotFound(err))
	assert.Empty(t, env.mail.Sent())
}

func TestSubscribeCaptchaRejection(t *testing.T) {
	env := newTestEnv(t, rejectingCaptcha{})

	w := env.do(http.MethodPost, "/subscribe", subscribeBody("new@example.com", "TOP_N#10"))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "Captcha")
	assert.Empty(t, env.mail.Sent())
}

func TestSubscribeRateLimit(t *testing.T) {
	env := newTestEnv(t, nil)

	for i := range 5 {
		w := env.do(http.MethodPost, "/subscribe", subscribeBody(fmt.Sprintf("u%d@example.com", i), "TOP_N#10"))
		require.Equal(t, http.StatusOK, w.Code)
	}
	w := env.do(http.MethodPost, "/subscribe", subscribeBody("u6@example.com", "TOP_N#10"))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}

func TestVerifyEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	pending, err := digest.NewPendingSubscription("p@example.com", "TOP_N#10")
	require.NoError(t, err)
	require.NoError(t, env.store.UpsertPendingSubscription(ctx, pending))

	w := env.do(http.MethodGet, "/verify?email=p%40example.com&token="+pending.Token, "")
	assert.Equal(t, http.StatusSeeOther, w.Code)
	assert.Equal(t, "https://pages.example.com/verify-success.html", w.Header().Get("Location"))

	sub, err := env.store.Subscriber(ctx, "p@example.com")
	require.NoError(t, err)
	assert.Equal(t, "TOP_N#10", sub.StrategyType)

	// Re-verifying the consumed record lands on the error page.
	w = env.do(http.MethodGet, "/verify?email=p%40example.com&token="+pending.Token, "")
	assert.Equal(t, http.StatusSeeOther, w.Code)
	assert.Equal(t, "https://pages.example.com/verify-error.html", w.Header().Get("Location"))
}

func TestVerifyWrongToken(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	pending, err := digest.NewPendingSubscription("p@example.com", "TOP_N#10")
	require.NoError(t, err)
	require.NoError(t, env.store.UpsertPendingSubscription(ctx, pending))

	w := env.do(http.MethodGet, "/verify?email=p%40example.com&token="+strings.Repeat("0", 64), "")
	assert.Equal(t, http.StatusSeeOther, w.Code)
	assert.Equal(t, "https://pages.example.com/verify-error.html", w.Header().Get("Location"))

	_, err = env.store.Subscriber(ctx, "p@example.com")
	assert.True(t, store.IsNotFound(err))
}

func newSubscriber(t *testing.T, env *testEnv, addr string) *digest.Subscriber {
	t.Helper()
	sub, err := digest.NewSubscriber(addr, "TOP_N#10")
	require.NoError(t, err)
	require.NoError(t, env.store.UpsertSubscriber(context.Background(), sub))
	return sub
}

func TestUnsubscribeConfirmPage(t *testing.T) {
	env := newTestEnv(t, nil)
	sub := newSubscriber(t, env, "reader@example.com")

	w := env.do(http.MethodGet, "/unsubscribe?token="+sub.UnsubscribeToken, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "reader@example.com")
	assert.Contains(t, w.Body.String(), sub.UnsubscribeToken)

	// The GET must not unsubscribe.
	_, err := env.store.Subscriber(context.Background(), "reader@example.com")
	require.NoError(t, err)

	w = env.do(http.MethodGet, "/unsubscribe?token="+strings.Repeat("f", 64), "")
	assert.Equal(t, http.StatusSeeOther, w.Code)
	assert.Equal(t, "https://pages.example.com/unsubscribe-error.html", w.Header().Get("Location"))
}

func TestUnsubscribeBrowserForm(t *testing.T) {
	env := newTestEnv(t, nil)
	sub := newSubscriber(t, env, "reader@example.com")

	w := env.do(http.MethodPost, "/unsubscribe", "token="+sub.UnsubscribeToken)
	assert.Equal(t, http.StatusSeeOther, w.Code)
	assert.Equal(t, "https://pages.example.com/unsubscribed.html", w.Header().Get("Location"))

	_, err := env.store.Subscriber(context.Background(), "reader@example.com")
	assert.True(t, store.IsNotFound(err))

	// Retrying the form lands on the error page without failing.
	w = env.do(http.MethodPost, "/unsubscribe", "token="+sub.UnsubscribeToken)
	assert.Equal(t, http.StatusSeeOther, w.Code)
	assert.Equal(t, "https://pages.example.com/unsubscribe-error.html", w.Header().Get("Location"))
}

func TestUnsubscribeOneClick(t *testing.T) {
	env := newTestEnv(t, nil)
	sub := newSubscriber(t, env, "reader@example.com")

	w := env.do(http.MethodPost, "/unsubscribe?token="+sub.UnsubscribeToken, "List-Unsubscribe=One-Click")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "Unsubscribed")

	_, err := env.store.Subscriber(context.Background(), "reader@example.com")
	assert.True(t, store.IsNotFound(err))

	// One-click with an unknown token is a 404, per RFC 8058 retry semantics.
	w = env.do(http.MethodPost, "/unsubscribe?token="+sub.UnsubscribeToken, "List-Unsubscribe=One-Click")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestBounceEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)
	newSubscriber(t, env, "gone@example.com")

	payload := `{"eventType":"Bounce","bounce":{"bounceType":"Permanent","bouncedRecipients":[{"emailAddress":"gone@example.com"}]}}`
	w := env.do(http.MethodPost, "/bounce", payload)
	assert.Equal(t, http.StatusOK, w.Code)

	_, err := env.store.Subscriber(context.Background(), "gone@example.com")
	assert.True(t, store.IsNotFound(err))

	// Malformed payloads still return 200 so the provider stops retrying.
	w = env.do(http.MethodPost, "/bounce", "not json")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestDigestEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(http.MethodPost, "/digestz", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, env.digests.runs)

	w = env.do(http.MethodGet, "/digestz", "")
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestHealthAndRoot(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "healthy")

	w = env.do(http.MethodGet, "/", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "TOP_N#10")
	assert.Contains(t, w.Body.String(), "name=\"website\"")

	w = env.do(http.MethodGet, "/nope", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

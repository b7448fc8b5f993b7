package captcha

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestTurnstileVerify(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "secret-key", r.PostForm.Get("secret"))
		assert.Equal(t, "203.0.113.9", r.PostForm.Get("remoteip"))

		if r.PostForm.Get("response") == "good-token" {
			fmt.Fprint(w, `{"success": true}`)
			return
		}
		fmt.Fprint(w, `{"success": false, "error-codes": ["invalid-input-response"]}`)
	}))
	defer server.Close()

	v := NewTurnstileForURL("secret-key", server.URL, testLogger())

	ok, err := v.Verify(context.Background(), "good-token", "203.0.113.9")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = v.Verify(context.Background(), "bad-token", "203.0.113.9")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTurnstileEmptyTokenFailsWithoutRequest(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("siteverify must not be called for an empty token")
	}))
	defer server.Close()

	v := NewTurnstileForURL("secret-key", server.URL, testLogger())
	ok, err := v.Verify(context.Background(), "", "203.0.113.9")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTurnstileServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	v := NewTurnstileForURL("secret-key", server.URL, testLogger())
	ok, err := v.Verify(context.Background(), "token", "")
	require.Error(t, err)
	assert.False(t, ok)
}

func TestDisabledAlwaysPasses(t *testing.T) {
	ok, err := Disabled{}.Verify(context.Background(), "", "")
	require.NoError(t, err)
	assert.True(t, ok)
}

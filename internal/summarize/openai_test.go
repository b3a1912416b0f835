package summarize

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(Config{APIKey: "test-key", BaseURL: srv.URL + "/v1"})
}

func TestSummarize(t *testing.T) {
	var got chatRequest
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"• Checkout button is hidden on mobile"}}]}`))
	})

	summary, err := c.Summarize(context.Background(), "the checkout button is hidden on my phone")
	require.NoError(t, err)
	assert.Equal(t, "• Checkout button is hidden on mobile", summary)

	assert.Equal(t, DefaultModel, got.Model)
	assert.Equal(t, maxTokens, got.MaxTokens)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "system", got.Messages[0].Role)
	assert.Contains(t, got.Messages[1].Content, "the checkout button is hidden on my phone")
}

func TestSummarize_EmptyText(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected")
	})
	_, err := c.Summarize(context.Background(), "  ")
	assert.ErrorIs(t, err, ErrEmptyText)
}

func TestSummarize_RateLimitedFallsBack(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"type":"insufficient_quota","message":"quota"}}`))
	})

	words := make([]string, 30)
	for i := range words {
		words[i] = "w"
	}
	summary, err := c.Summarize(context.Background(), strings.Join(words, " "))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(summary, "• "+strings.Join(words[:20], " ")+"...\n"))
	assert.Contains(t, summary, "temporarily unavailable")
}

func TestSummarize_APIError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"type":"invalid_request_error","message":"bad key"}}`))
	})

	_, err := c.Summarize(context.Background(), "hello")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
	assert.Equal(t, "bad key", apiErr.Message)
}

func TestSummarize_NoChoices(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[]}`))
	})
	summary, err := c.Summarize(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, noSummaryMessage, summary)
}

func TestFallback_ShortText(t *testing.T) {
	assert.True(t, strings.HasPrefix(Fallback("just three words"), "• just three words...\n"))
}

package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/realtime-news-pipeline/internal/pipeline"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := New(Config{APIKey: "test-key", BaseURL: srv.URL + "/v1", Timeout: 2 * time.Second}, nil)
	require.NoError(t, err)
	return c
}

func TestCompleteSendsJSONObjectRequest(t *testing.T) {
	t.Parallel()

	var got map[string]any
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		require.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "chatcmpl-1",
			"object": "chat.completion",
			"model": "gpt-4o-mini-2024",
			"choices": [{"index": 0, "message": {"role": "assistant", "content": "{\"category\":\"recall\"}"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15}
		}`))
	})

	resp, err := c.Complete(context.Background(), pipeline.ModelRequest{System: "sys", Prompt: "user"})
	require.NoError(t, err)
	require.Equal(t, `{"category":"recall"}`, resp.Content)
	require.Equal(t, "gpt-4o-mini-2024", resp.Model)

	require.Equal(t, DefaultModel, got["model"])
	format, ok := got["response_format"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "json_object", format["type"])
	messages, ok := got["messages"].([]any)
	require.True(t, ok)
	require.Len(t, messages, 2)
}

func TestCompleteClassifiesErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		status int
		body   string
		want   pipeline.ErrorCategory
	}{
		{name: "rate limited", status: http.StatusTooManyRequests, body: `{"error":{"message":"slow down","type":"rate_limit"}}`, want: pipeline.CategoryTransient},
		{name: "server error", status: http.StatusBadGateway, body: `{"error":{"message":"upstream","type":"server"}}`, want: pipeline.CategoryTransient},
		{name: "unauthorized", status: http.StatusUnauthorized, body: `{"error":{"message":"bad key","type":"auth"}}`, want: pipeline.CategoryTerminal},
		{name: "non json body", status: http.StatusServiceUnavailable, body: `<html>down</html>`, want: pipeline.CategoryTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})
			_, err := c.Complete(context.Background(), pipeline.ModelRequest{Prompt: "p"})
			require.Error(t, err)
			require.Equal(t, tt.want, pipeline.Classify(err))
		})
	}
}

func TestCompleteEmptyChoicesIsMalformed(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"x","object":"chat.completion","model":"m","choices":[]}`))
	})
	_, err := c.Complete(context.Background(), pipeline.ModelRequest{Prompt: "p"})
	require.Equal(t, pipeline.CategoryMalformed, pipeline.Classify(err))
}

func TestNewRequiresAPIKey(t *testing.T) {
	t.Parallel()
	_, err := New(Config{}, nil)
	require.Error(t, err)
}

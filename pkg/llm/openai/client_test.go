package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/detecteam/sigmaflow/pkg/llm"
)

func TestCompleteTokenParameterSelection(t *testing.T) {
	var raw map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer k", r.Header.Get("Authorization"))
		raw = nil
		require.NoError(t, json.NewDecoder(r.Body).Decode(&raw))
		_, _ = w.Write([]byte(`{
			"choices": [{"message": {"content": "ok"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 5, "completion_tokens": 1, "total_tokens": 6}
		}`))
	}))
	defer srv.Close()

	t.Run("legacy max_tokens", func(t *testing.T) {
		c := NewClient(Config{APIKey: "k", BaseURL: srv.URL})
		_, err := c.Complete(context.Background(), llm.CompletionRequest{Model: "gpt-4o", MaxTokens: 128})
		require.NoError(t, err)
		assert.Equal(t, float64(128), raw["max_tokens"])
		assert.NotContains(t, raw, "max_completion_tokens")
	})

	t.Run("max_completion_tokens for reasoning models", func(t *testing.T) {
		c := NewClient(Config{APIKey: "k", BaseURL: srv.URL, UseMaxCompletionTokens: true})
		_, err := c.Complete(context.Background(), llm.CompletionRequest{Model: "o3", MaxTokens: 128})
		require.NoError(t, err)
		assert.Equal(t, float64(128), raw["max_completion_tokens"])
		assert.NotContains(t, raw, "max_tokens")
	})
}

func TestCompleteTemperatureSuppression(t *testing.T) {
	var raw map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&raw))
		_, _ = w.Write([]byte(`{"choices": [{"message": {"content": "ok"}}], "usage": {}}`))
	}))
	defer srv.Close()

	temp := 0.2
	c := NewClient(Config{APIKey: "k", BaseURL: srv.URL, DisableTemperature: true})
	_, err := c.Complete(context.Background(), llm.CompletionRequest{Model: "o3", Temperature: &temp})
	require.NoError(t, err)
	assert.NotContains(t, raw, "temperature")
}

func TestCompleteJSONMode(t *testing.T) {
	var raw map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&raw))
		_, _ = w.Write([]byte(`{"choices": [{"message": {"content": "{}"}}], "usage": {}}`))
	}))
	defer srv.Close()

	c := NewClient(Config{APIKey: "k", BaseURL: srv.URL})
	_, err := c.Complete(context.Background(), llm.CompletionRequest{Model: "gpt-4o", JSONMode: true})
	require.NoError(t, err)
	rf, ok := raw["response_format"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "json_object", rf["type"])
}

func TestCompleteNoChoicesIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices": [], "usage": {}}`))
	}))
	defer srv.Close()

	c := NewClient(Config{APIKey: "k", BaseURL: srv.URL})
	_, err := c.Complete(context.Background(), llm.CompletionRequest{Model: "gpt-4o"})
	require.Error(t, err)
	assert.True(t, llm.IsTransient(err))
}

func TestEmbed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/embeddings", r.URL.Path)
		var req embedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "text-embedding-3-small", req.Model)
		_, _ = w.Write([]byte(`{"data": [{"embedding": [0.25, -0.5]}]}`))
	}))
	defer srv.Close()

	c := NewClient(Config{APIKey: "k", BaseURL: srv.URL})
	vec, err := c.Embed(context.Background(), "text-embedding-3-small", "rule yaml")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.25, -0.5}, vec)
}

func TestNameDefaultsAndOverride(t *testing.T) {
	assert.Equal(t, "openai", NewClient(Config{}).Name())
	assert.Equal(t, "local", NewClient(Config{Name: "local"}).Name())
}

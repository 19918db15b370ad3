package ai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/itsneelabh/agentsubstrate/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestOpenAIClient(t *testing.T, baseURL string) *OpenAIClient {
	t.Helper()
	c := NewOpenAIClient("test-key", nil)
	c.baseURL = baseURL
	return c
}

func TestNewOpenAIClient_FallsBackToEnv(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "env-key")
	c := NewOpenAIClient("", nil)
	assert.Equal(t, "env-key", c.apiKey)
	assert.NotNil(t, c.logger)
}

func TestOpenAIClient_GenerateResponse_MissingKey(t *testing.T) {
	c := NewOpenAIClient("", nil)
	c.apiKey = ""
	_, err := c.GenerateResponse(context.Background(), "hello", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "API key not configured")
}

func TestOpenAIClient_GenerateResponse_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "gpt-4", body["model"])

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"model": "gpt-4",
			"choices": []map[string]interface{}{
				{"message": map[string]string{"content": "hi there"}},
			},
			"usage": map[string]int{
				"prompt_tokens":     5,
				"completion_tokens": 3,
				"total_tokens":      8,
			},
		})
	}))
	defer server.Close()

	c := newTestOpenAIClient(t, server.URL)
	resp, err := c.GenerateResponse(context.Background(), "hello", &core.AIOptions{Model: "gpt-4"})
	require.NoError(t, err)
	assert.Equal(t, "hi there", resp.Content)
	assert.Equal(t, "gpt-4", resp.Model)
	assert.Equal(t, 8, resp.Usage.TotalTokens)
}

func TestOpenAIClient_GenerateResponse_DefaultOptions(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "gpt-4", body["model"])
		assert.Equal(t, float64(1000), body["max_tokens"])

		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"model":   "gpt-4",
			"choices": []map[string]interface{}{{"message": map[string]string{"content": "ok"}}},
		})
	}))
	defer server.Close()

	c := newTestOpenAIClient(t, server.URL)
	resp, err := c.GenerateResponse(context.Background(), "hello", nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)
}

func TestOpenAIClient_GenerateResponse_WithSystemPrompt(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		messages, ok := body["messages"].([]interface{})
		require.True(t, ok)
		require.Len(t, messages, 2)
		first := messages[0].(map[string]interface{})
		assert.Equal(t, "system", first["role"])

		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"model":   "gpt-4",
			"choices": []map[string]interface{}{{"message": map[string]string{"content": "ok"}}},
		})
	}))
	defer server.Close()

	c := newTestOpenAIClient(t, server.URL)
	_, err := c.GenerateResponse(context.Background(), "hello", &core.AIOptions{
		Model:        "gpt-4",
		SystemPrompt: "be concise",
	})
	require.NoError(t, err)
}

func TestOpenAIClient_GenerateResponse_APIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":"rate limited"}`))
	}))
	defer server.Close()

	c := newTestOpenAIClient(t, server.URL)
	_, err := c.GenerateResponse(context.Background(), "hello", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
}

func TestOpenAIClient_GenerateResponse_EmptyChoices(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"model":   "gpt-4",
			"choices": []map[string]interface{}{},
		})
	}))
	defer server.Close()

	c := newTestOpenAIClient(t, server.URL)
	_, err := c.GenerateResponse(context.Background(), "hello", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no response")
}

package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stupiduntilnot/chatrelay/internal/config"
	"github.com/stupiduntilnot/chatrelay/internal/history"
)

func TestAnthropicSend(t *testing.T) {
	var got map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "ant-key", r.Header.Get("X-Api-Key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"id": "msg_1",
			"type": "message",
			"role": "assistant",
			"model": "claude-test",
			"content": [{"type": "text", "text": "hello "}, {"type": "text", "text": "there"}],
			"stop_reason": "end_turn",
			"usage": {"input_tokens": 12, "output_tokens": 5}
		}`))
	}))
	defer server.Close()

	client := NewAnthropic(config.ProviderConfig{APIKey: "ant-key", APIBase: server.URL, Model: "claude-test", MaxTokens: 256}, 5*time.Second)
	result, err := client.Send(context.Background(), []history.Message{
		{Role: history.RoleSystem, Content: "S"},
		{Role: history.RoleUser, Content: "a"},
		{Role: history.RoleAssistant, Content: "b"},
		{Role: history.RoleUser, Content: "c"},
	})
	require.NoError(t, err)

	assert.Equal(t, "hello there", result.Text)
	assert.Equal(t, Usage{PromptTokens: 12, CompletionTokens: 5, TotalTokens: 17}, result.Usage)
	assert.Equal(t, "msg_1", result.ResponseID)
	assert.Equal(t, "claude-test", result.Model)

	assert.EqualValues(t, 256, got["max_tokens"])
	msgs, ok := got["messages"].([]any)
	require.True(t, ok)
	assert.Len(t, msgs, 3, "system message is lifted out of messages")
	system, ok := got["system"].([]any)
	require.True(t, ok)
	require.Len(t, system, 1)
	assert.Equal(t, "S", system[0].(map[string]any)["text"])
}

func TestAnthropicSend_StatusError(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"type":"error","error":{"type":"api_error","message":"boom"}}`))
	}))
	defer server.Close()

	client := NewAnthropic(config.ProviderConfig{APIKey: "k", APIBase: server.URL, Model: "m"}, 5*time.Second)
	_, err := client.Send(context.Background(), []history.Message{{Role: "user", Content: "hi"}})
	e, ok := AsError(err)
	require.True(t, ok, "got %v", err)
	assert.Equal(t, KindStatus, e.Kind)
	assert.Equal(t, http.StatusInternalServerError, e.HTTPStatus)
	assert.Equal(t, 1, calls, "no retries")
}

func TestAnthropicSend_MissingKey(t *testing.T) {
	client := NewAnthropic(config.ProviderConfig{Model: "m"}, time.Second)
	_, err := client.Send(context.Background(), []history.Message{{Role: "user", Content: "hi"}})
	assert.True(t, IsKind(err, KindConfiguration), "got %v", err)
}

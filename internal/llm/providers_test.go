package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewProvider(t *testing.T) {
	for _, name := range []string{"anthropic", "openai", "ollama"} {
		p, err := NewProvider(name, nil)
		require.NoError(t, err)
		assert.Equal(t, name, p.Name())
	}

	_, err := NewProvider("bard", nil)
	assert.Error(t, err)
}

func TestDefaultConfig_KnownProviders(t *testing.T) {
	for _, name := range []string{"anthropic", "openai", "ollama"} {
		cfg := DefaultConfig(name)
		assert.NotEmpty(t, cfg.Endpoint, name)
		assert.NotEmpty(t, cfg.Model, name)
		assert.NotEmpty(t, cfg.QueryModel, name)
	}
}

func TestAnthropic_ChatRoundTrip(t *testing.T) {
	var got anthropicChatRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-key", r.Header.Get("x-api-key"))
		assert.Equal(t, "2023-06-01", r.Header.Get("anthropic-version"))
		assert.Equal(t, "/v1/messages", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Write([]byte(`{
			"model": "claude-3-5-sonnet-20241022",
			"stop_reason": "tool_use",
			"content": [
				{"type": "text", "text": "Let me check."},
				{"type": "tool_use", "id": "toolu_1", "name": "retrieve_local", "input": {"query": "tides"}}
			],
			"usage": {"input_tokens": 10, "output_tokens": 20}
		}`))
	}))
	t.Cleanup(server.Close)

	p := NewAnthropicProvider(&ProviderConfig{Endpoint: server.URL, APIKey: "test-key"})
	resp, err := p.Chat(context.Background(), &ChatRequest{
		SystemPrompt: "you are a tutor",
		Messages: []Message{
			{Role: "user", Content: "what causes tides?"},
			{Role: "tool", Content: "3 documents", ToolCallID: "toolu_0"},
		},
		Tools: []ToolSpec{{Name: "retrieve_local", InputSchema: json.RawMessage(`{"type":"object"}`)}},
	})
	require.NoError(t, err)

	// System prompt travels in the top-level field, tool results as
	// user-role tool_result blocks.
	assert.Equal(t, "you are a tutor", got.System)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "user", got.Messages[1].Role)
	assert.Equal(t, "tool_result", got.Messages[1].Content[0].Type)
	assert.Equal(t, "toolu_0", got.Messages[1].Content[0].ToolUseID)

	assert.Equal(t, "Let me check.", resp.Content)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "toolu_1", resp.ToolCalls[0].ID)
	assert.Equal(t, "retrieve_local", resp.ToolCalls[0].Name)
	assert.JSONEq(t, `{"query": "tides"}`, string(resp.ToolCalls[0].Args))
	assert.Equal(t, 30, resp.TokensUsed)
}

func TestAnthropic_AssistantToolCallsBecomeToolUseBlocks(t *testing.T) {
	var got anthropicChatRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte(`{"model": "m", "content": [{"type": "text", "text": "ok"}], "usage": {}}`))
	}))
	t.Cleanup(server.Close)

	p := NewAnthropicProvider(&ProviderConfig{Endpoint: server.URL, APIKey: "k"})
	_, err := p.Chat(context.Background(), &ChatRequest{
		Messages: []Message{
			{Role: "user", Content: "what causes tides?"},
			{Role: "assistant", ToolCalls: []ToolCall{
				{ID: "toolu_9", Name: "retrieve_local", Args: json.RawMessage(`{"query": "tides"}`)},
			}},
			{Role: "tool", Content: "2 documents", ToolCallID: "toolu_9"},
		},
	})
	require.NoError(t, err)

	// Every tool_result must reference a tool_use block in a preceding
	// assistant message, and a call-only assistant message must not carry
	// an empty text block.
	require.Len(t, got.Messages, 3)
	assistant := got.Messages[1]
	assert.Equal(t, "assistant", assistant.Role)
	require.Len(t, assistant.Content, 1)
	assert.Equal(t, "tool_use", assistant.Content[0].Type)
	assert.Equal(t, "toolu_9", assistant.Content[0].ID)
	assert.Equal(t, "retrieve_local", assistant.Content[0].Name)
	assert.JSONEq(t, `{"query": "tides"}`, string(assistant.Content[0].Input))

	result := got.Messages[2]
	assert.Equal(t, "tool_result", result.Content[0].Type)
	assert.Equal(t, "toolu_9", result.Content[0].ToolUseID)
}

func TestAnthropic_ExplicitZeroTemperatureIsSent(t *testing.T) {
	var got anthropicChatRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte(`{"model": "m", "content": [{"type": "text", "text": "ok"}], "usage": {}}`))
	}))
	t.Cleanup(server.Close)

	p := NewAnthropicProvider(&ProviderConfig{Endpoint: server.URL, APIKey: "k", Temperature: 0.7})

	_, err := p.Chat(context.Background(), &ChatRequest{
		Messages:    []Message{{Role: "user", Content: "q"}},
		Temperature: Temp(0),
	})
	require.NoError(t, err)
	assert.Zero(t, got.Temperature, "an explicit zero is not the same as unset")

	_, err = p.Chat(context.Background(), &ChatRequest{
		Messages: []Message{{Role: "user", Content: "q"}},
	})
	require.NoError(t, err)
	assert.Equal(t, 0.7, got.Temperature, "unset falls back to the configured default")
}

func TestAnthropic_RequiresAPIKey(t *testing.T) {
	p := NewAnthropicProvider(&ProviderConfig{})
	_, err := p.Chat(context.Background(), &ChatRequest{})
	assert.Error(t, err)
	assert.False(t, p.Available())
}

func TestOpenAI_ChatRoundTrip(t *testing.T) {
	var got openaiChatRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		assert.Equal(t, "/chat/completions", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Write([]byte(`{
			"model": "gpt-4o",
			"choices": [{
				"message": {
					"role": "assistant",
					"content": "",
					"tool_calls": [{
						"id": "call_1",
						"type": "function",
						"function": {"name": "search_web", "arguments": "{\"query\": \"news\"}"}
					}]
				},
				"finish_reason": "tool_calls"
			}],
			"usage": {"prompt_tokens": 5, "completion_tokens": 7, "total_tokens": 12}
		}`))
	}))
	t.Cleanup(server.Close)

	p := NewOpenAIProvider(&ProviderConfig{Endpoint: server.URL, APIKey: "test-key"})
	resp, err := p.Chat(context.Background(), &ChatRequest{
		SystemPrompt: "sys",
		Messages:     []Message{{Role: "user", Content: "hi"}},
	})
	require.NoError(t, err)

	// The system prompt becomes the first message.
	require.NotEmpty(t, got.Messages)
	assert.Equal(t, "system", got.Messages[0].Role)

	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "call_1", resp.ToolCalls[0].ID)
	assert.JSONEq(t, `{"query": "news"}`, string(resp.ToolCalls[0].Args))
	assert.Equal(t, "tool_calls", resp.FinishReason)
}

func TestOpenAI_AssistantToolCallsCarryStructuredField(t *testing.T) {
	var got openaiChatRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte(`{"model": "m", "choices": [{"message": {"role": "assistant", "content": "ok"}}], "usage": {}}`))
	}))
	t.Cleanup(server.Close)

	p := NewOpenAIProvider(&ProviderConfig{Endpoint: server.URL, APIKey: "k"})
	_, err := p.Chat(context.Background(), &ChatRequest{
		Messages: []Message{
			{Role: "user", Content: "q"},
			{Role: "assistant", ToolCalls: []ToolCall{
				{ID: "call_9", Name: "search_web", Args: json.RawMessage(`{"query": "news"}`)},
			}},
			{Role: "tool", Content: "results", ToolCallID: "call_9"},
		},
		Temperature: Temp(0),
	})
	require.NoError(t, err)

	// A tool-role message is only accepted after an assistant message
	// whose tool_calls it answers.
	require.Len(t, got.Messages, 3)
	assistant := got.Messages[1]
	require.Len(t, assistant.ToolCalls, 1)
	assert.Equal(t, "call_9", assistant.ToolCalls[0].ID)
	assert.Equal(t, "function", assistant.ToolCalls[0].Type)
	assert.Equal(t, "search_web", assistant.ToolCalls[0].Function.Name)
	assert.JSONEq(t, `{"query": "news"}`, assistant.ToolCalls[0].Function.Arguments)
	assert.Equal(t, "call_9", got.Messages[2].ToolCallID)

	assert.Zero(t, got.Temperature)
}

func TestOpenAI_EmptyChoicesIsAnError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices": []}`))
	}))
	t.Cleanup(server.Close)

	p := NewOpenAIProvider(&ProviderConfig{Endpoint: server.URL, APIKey: "k"})
	_, err := p.Chat(context.Background(), &ChatRequest{})
	assert.Error(t, err)
}

func TestOllama_ChatSynthesizesToolCallIDs(t *testing.T) {
	var got ollamaChatRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		assert.False(t, got.Stream)

		w.Write([]byte(`{
			"model": "llama3",
			"message": {
				"role": "assistant",
				"content": "",
				"tool_calls": [{"function": {"name": "retrieve_local", "arguments": {"query": "x"}}}]
			},
			"done_reason": "stop"
		}`))
	}))
	t.Cleanup(server.Close)

	p := NewOllamaProvider(&ProviderConfig{Endpoint: server.URL})
	resp, err := p.Chat(context.Background(), &ChatRequest{
		Messages: []Message{
			{Role: "user", Content: "q"},
			{Role: "assistant", ToolCalls: []ToolCall{
				{ID: "c1", Name: "retrieve_local", Args: json.RawMessage(`{"query": "x"}`)},
			}},
			{Role: "tool", Content: "1 document", ToolCallID: "c1"},
		},
	})
	require.NoError(t, err)

	require.Len(t, got.Messages, 3)
	require.Len(t, got.Messages[1].ToolCalls, 1)
	assert.Equal(t, "retrieve_local", got.Messages[1].ToolCalls[0].Function.Name)

	require.Len(t, resp.ToolCalls, 1)
	assert.NotEmpty(t, resp.ToolCalls[0].ID, "missing ids are synthesized for downstream pairing")
	assert.Equal(t, "retrieve_local", resp.ToolCalls[0].Name)
}

func TestOllama_AvailableWithoutAPIKey(t *testing.T) {
	p := NewOllamaProvider(&ProviderConfig{Endpoint: "http://localhost:11434"})
	assert.True(t, p.Available())
}

func TestProvider_SurfacesUpstreamErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error": "overloaded"}`, http.StatusServiceUnavailable)
	}))
	t.Cleanup(server.Close)

	p := NewAnthropicProvider(&ProviderConfig{Endpoint: server.URL, APIKey: "k"})
	_, err := p.Chat(context.Background(), &ChatRequest{})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
	assert.Contains(t, err.Error(), "overloaded")
}

package model

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/google/go-cmp/cmp"
	"github.com/meanderings/gateway/shared/resilience"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const anthropicToolUseResponse = `{
	"id": "msg_1",
	"type": "message",
	"role": "assistant",
	"model": "claude-sonnet-4-20250514",
	"content": [
		{"type": "text", "text": "Let me check."},
		{"type": "tool_use", "id": "toolu_1", "name": "get_weather", "input": {"location": "Boston"}}
	],
	"stop_reason": "tool_use",
	"stop_sequence": null,
	"usage": {"input_tokens": 12, "output_tokens": 7, "cache_creation_input_tokens": 0, "cache_read_input_tokens": 3}
}`

const anthropicTextStream = `event: message_start
data: {"type":"message_start","message":{"id":"msg_2","type":"message","role":"assistant","model":"claude-sonnet-4-20250514","content":[],"stop_reason":null,"stop_sequence":null,"usage":{"input_tokens":10,"output_tokens":1}}}

event: content_block_start
data: {"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}

event: content_block_delta
data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hello"}}

event: content_block_delta
data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":" there"}}

event: content_block_stop
data: {"type":"content_block_stop","index":0}

event: message_delta
data: {"type":"message_delta","delta":{"stop_reason":"end_turn","stop_sequence":null},"usage":{"output_tokens":5}}

event: message_stop
data: {"type":"message_stop"}

`

func fastRetry(attempts uint) ProviderOption {
	return WithRetryConfig(&resilience.RetryConfig{
		MaxAttempts:       attempts,
		InitialDelay:      time.Millisecond,
		MaxDelay:          5 * time.Millisecond,
		BackoffMultiplier: 2,
	})
}

func TestNewAnthropicAdapter_Validation(t *testing.T) {
	t.Parallel()

	_, err := NewAnthropicAdapter("", "claude-sonnet-4-20250514")
	assert.EqualError(t, err, "anthropic API key is required")

	_, err = NewAnthropicAdapter("key", "")
	assert.EqualError(t, err, "model is required")
}

func TestAnthropicAdapter_SendAndParse(t *testing.T) {
	t.Parallel()

	var body map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(data, &body)

		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, anthropicToolUseResponse)
	}))
	defer server.Close()

	adapter, err := NewAnthropicAdapter("test-key", "claude-sonnet-4-20250514", WithURL(server.URL), fastRetry(1))
	require.NoError(t, err)

	tools, _ := adapter.TransformToolRegistry(testDefinitions())
	history := []Message{NewTextMessage(RoleUser, "What's the weather in Boston?")}

	result, err := adapter.Send(context.Background(), history, tools, SendOptions{SystemPrompt: "Be brief.", Temperature: 0.5})
	require.NoError(t, err)
	assert.False(t, result.Streaming())

	response, err := adapter.ParseResponse(result)
	require.NoError(t, err)

	assert.Equal(t, "Let me check.", response.Text)
	assert.Equal(t, "tool_use", response.StopReason)
	assert.Equal(t, Usage{InputTokens: 12, OutputTokens: 7, CacheReadTokens: 3}, response.Usage)
	assert.Equal(t, response.Usage, adapter.Usage())
	require.True(t, response.HasToolCalls())

	info, err := adapter.ExtractToolCallInfo(response.ToolCalls[0])
	require.NoError(t, err)
	assert.Equal(t, ToolCallInfo{ID: "toolu_1", Name: "get_weather", Arguments: `{"location":"Boston"}`}, info)

	system := body["system"].([]any)
	assert.Equal(t, "Be brief.", system[0].(map[string]any)["text"])
	assert.EqualValues(t, defaultAnthropicMaxTokens, body["max_tokens"])
	assert.InDelta(t, 0.5, body["temperature"], 1e-9)
	assert.Len(t, body["tools"], 2)
	assert.Len(t, body["messages"], 1)
}

func TestAnthropicAdapter_Streaming(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, anthropicTextStream)
	}))
	defer server.Close()

	adapter, err := NewAnthropicAdapter("test-key", "claude-sonnet-4-20250514", WithURL(server.URL), fastRetry(1))
	require.NoError(t, err)

	result, err := adapter.Send(context.Background(), []Message{NewTextMessage(RoleUser, "Hi")}, ToolSet{}, SendOptions{Stream: true})
	require.NoError(t, err)
	assert.True(t, result.Streaming())

	var chunks []string
	response, err := adapter.ProcessStreamingResponse(context.Background(), result, func(chunk string) {
		chunks = append(chunks, chunk)
	})
	require.NoError(t, err)

	if diff := cmp.Diff([]string{"Hello", " there"}, chunks); diff != "" {
		t.Errorf("chunks mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, "Hello there", response.Text)
	assert.Equal(t, "end_turn", response.StopReason)
	assert.False(t, response.HasToolCalls())
	assert.Equal(t, int64(10), response.Usage.InputTokens)
	assert.Equal(t, int64(5), response.Usage.OutputTokens)
}

func TestAnthropicAdapter_Errors(t *testing.T) {
	t.Parallel()

	t.Run("rate limit is classified", func(t *testing.T) {
		t.Parallel()

		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", "2")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = io.WriteString(w, `{"type":"error","error":{"type":"rate_limit_error","message":"slow down"}}`)
		}))
		defer server.Close()

		adapter, err := NewAnthropicAdapter("test-key", "claude-sonnet-4-20250514", WithURL(server.URL), fastRetry(1))
		require.NoError(t, err)

		_, err = adapter.Send(context.Background(), []Message{NewTextMessage(RoleUser, "Hi")}, ToolSet{}, SendOptions{})

		var providerErr *ProviderError
		require.True(t, errors.As(err, &providerErr), "expected provider error, got %v", err)
		assert.Equal(t, ProviderErrorKindRateLimitExceeded, providerErr.Kind)
		assert.Equal(t, http.StatusTooManyRequests, providerErr.StatusCode)
		assert.Equal(t, 2*time.Second, providerErr.RetryAfter)
	})

	t.Run("overloaded is retried", func(t *testing.T) {
		t.Parallel()

		var calls atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			if calls.Add(1) == 1 {
				w.WriteHeader(529)
				_, _ = io.WriteString(w, `{"type":"error","error":{"type":"overloaded_error","message":"busy"}}`)
				return
			}
			_, _ = io.WriteString(w, anthropicToolUseResponse)
		}))
		defer server.Close()

		adapter, err := NewAnthropicAdapter("test-key", "claude-sonnet-4-20250514", WithURL(server.URL), fastRetry(3))
		require.NoError(t, err)

		result, err := adapter.Send(context.Background(), []Message{NewTextMessage(RoleUser, "Hi")}, ToolSet{}, SendOptions{})
		require.NoError(t, err)
		assert.Equal(t, int32(2), calls.Load())

		_, err = adapter.ParseResponse(result)
		require.NoError(t, err)
	})

	t.Run("authentication is not retried", func(t *testing.T) {
		t.Parallel()

		var calls atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = io.WriteString(w, `{"type":"error","error":{"type":"authentication_error","message":"invalid x-api-key"}}`)
		}))
		defer server.Close()

		adapter, err := NewAnthropicAdapter("test-key", "claude-sonnet-4-20250514", WithURL(server.URL), fastRetry(3))
		require.NoError(t, err)

		_, err = adapter.Send(context.Background(), []Message{NewTextMessage(RoleUser, "Hi")}, ToolSet{}, SendOptions{})

		var providerErr *ProviderError
		require.True(t, errors.As(err, &providerErr))
		assert.Equal(t, ProviderErrorKindAuthentication, providerErr.Kind)
		assert.Equal(t, int32(1), calls.Load())
	})
}

func TestAnthropicAdapter_FormatMessages(t *testing.T) {
	t.Parallel()

	adapter, err := NewAnthropicAdapterWithService(nil, "claude-sonnet-4-20250514")
	require.NoError(t, err)

	call := adapter.FormatToolCallMessage("Checking", ToolCallInfo{ID: "toolu_1", Name: "get_weather", Arguments: `{"location":"Boston"}`})
	expectedCall := Message{
		Role: RoleAssistant,
		Content: BlockContent(
			TextBlock("Checking"),
			ToolUseBlock("toolu_1", "get_weather", json.RawMessage(`{"location":"Boston"}`)),
		),
		Shape: ShapeArrayContent,
	}
	if diff := cmp.Diff(expectedCall, call); diff != "" {
		t.Errorf("tool call message mismatch (-want +got):\n%s", diff)
	}

	result := adapter.FormatToolResponseMessage("Sunny", "get_weather", "toolu_1")
	expectedResult := Message{
		Role:    RoleUser,
		Content: BlockContent(ToolResultBlock("toolu_1", "Sunny")),
		Shape:   ShapeArrayContent,
	}
	if diff := cmp.Diff(expectedResult, result); diff != "" {
		t.Errorf("tool result message mismatch (-want +got):\n%s", diff)
	}

	_, err = adapter.ExtractToolCallInfo("not a tool call")
	assert.ErrorIs(t, err, ErrUnknownToolCall)

	info, err := adapter.ExtractToolCallInfo(&anthropic.ToolUseBlock{ID: "toolu_2", Name: "get_time"})
	require.NoError(t, err)
	assert.Equal(t, ToolCallInfo{ID: "toolu_2", Name: "get_time", Arguments: "{}"}, info)
}

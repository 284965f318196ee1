package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sellsight/sellsight/internal/domain"
)

func TestCompleteParsesContentAndUsage(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/chat/completions", r.URL.Path)
		require.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{
			"model": "gpt-4o-mini",
			"choices": [{"message": {"role": "assistant", "content": "Xin chào"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 12, "completion_tokens": 3, "total_tokens": 15}
		}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "test-key", "gpt-4o-mini")
	resp, err := c.Complete(context.Background(), domain.ChatRequest{
		Messages: []domain.ChatMessage{{Role: domain.RoleUser, Content: "hi"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "Xin chào", resp.Content)
	assert.Equal(t, "stop", resp.FinishReason)
	require.NotNil(t, resp.Usage)
	assert.Equal(t, 15, resp.Usage.TotalTokens)
	assert.False(t, resp.Usage.Estimated)
}

func TestCompleteValidatesToolCallBoundary(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{
			"choices": [{"message": {"role": "assistant", "content": "",
				"tool_calls": [{"id": "call_1", "type": "function",
					"function": {"name": "get_summary", "arguments": "not json"}}]},
				"finish_reason": "tool_calls"}]
		}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "k", "gpt-4o-mini")
	_, err := c.Complete(context.Background(), domain.ChatRequest{})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestCompleteSynthesizesMissingToolCallID(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{
			"choices": [{"message": {"role": "assistant", "content": "",
				"tool_calls": [{"type": "function",
					"function": {"name": "get_summary", "arguments": "{}"}}]},
				"finish_reason": "tool_calls"}]
		}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "k", "gpt-4o-mini")
	resp, err := c.Complete(context.Background(), domain.ChatRequest{})
	require.NoError(t, err)
	require.Len(t, resp.ToolCalls, 1)
	assert.True(t, strings.HasPrefix(resp.ToolCalls[0].ID, "call_"))
	assert.NotEqual(t, "call_", resp.ToolCalls[0].ID)
}

func TestCompleteRetriesServerErrors(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"choices": [{"message": {"content": "ok"}, "finish_reason": "stop"}]}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "k", "gpt-4o-mini")
	resp, err := c.Complete(context.Background(), domain.ChatRequest{})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)
	assert.GreaterOrEqual(t, calls.Load(), int32(2))
}

func TestStreamAssemblesDeltasAndToolCalls(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		chunks := []string{
			`{"choices":[{"delta":{"content":"Doanh "}}]}`,
			`{"choices":[{"delta":{"content":"thu"}}]}`,
			`{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_9","function":{"name":"get_summary","arguments":"{\"from\":"}}]}}]}`,
			`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"2026-01-01\"}"}}]}}]}`,
			`{"choices":[{"delta":{},"finish_reason":"tool_calls"}]}`,
		}
		for _, chunk := range chunks {
			_, _ = w.Write([]byte("data: " + chunk + "\n\n"))
		}
		_, _ = w.Write([]byte("data: [DONE]\n\n"))
	}))
	defer srv.Close()

	c := New(srv.URL, "k", "gpt-4o-mini")
	var tokens []string
	resp, err := c.Stream(context.Background(), domain.ChatRequest{}, func(tok string) {
		tokens = append(tokens, tok)
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"Doanh ", "thu"}, tokens)
	assert.Equal(t, "Doanh thu", resp.Content)
	assert.Equal(t, "tool_calls", resp.FinishReason)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "get_summary", resp.ToolCalls[0].Name)
	var args map[string]any
	require.NoError(t, json.Unmarshal(resp.ToolCalls[0].Args, &args))
	assert.Equal(t, "2026-01-01", args["from"])
	require.NotNil(t, resp.Usage)
	assert.True(t, resp.Usage.Estimated)
}

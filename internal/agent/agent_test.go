package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sellsight/sellsight/internal/domain"
)

// scriptedModel replays a fixed sequence of responses and records the
// requests it saw.
type scriptedModel struct {
	responses []domain.ChatResponse
	requests  []domain.ChatRequest
	streamed  int
}

func (m *scriptedModel) next(req domain.ChatRequest) (domain.ChatResponse, error) {
	m.requests = append(m.requests, req)
	if len(m.responses) == 0 {
		return domain.ChatResponse{}, fmt.Errorf("script exhausted after %d turns", len(m.requests)-1)
	}
	resp := m.responses[0]
	m.responses = m.responses[1:]
	return resp, nil
}

func (m *scriptedModel) Complete(_ domain.Context, req domain.ChatRequest) (domain.ChatResponse, error) {
	return m.next(req)
}

func (m *scriptedModel) Stream(_ domain.Context, req domain.ChatRequest, onToken domain.StreamHandler) (domain.ChatResponse, error) {
	m.streamed++
	resp, err := m.next(req)
	if err == nil && resp.Content != "" {
		onToken(resp.Content)
	}
	return resp, err
}

// echoTool returns its arguments; failTool always errors.
type echoTool struct{ name string }

func (e *echoTool) Spec() domain.ToolSpec {
	return domain.ToolSpec{Name: e.name, Description: "echo", Parameters: map[string]any{"type": "object"}}
}

func (e *echoTool) Execute(_ domain.Context, args json.RawMessage) (string, error) {
	return string(args), nil
}

type failTool struct{ name string }

func (f *failTool) Spec() domain.ToolSpec {
	return domain.ToolSpec{Name: f.name, Description: "fail", Parameters: map[string]any{"type": "object"}}
}

func (f *failTool) Execute(domain.Context, json.RawMessage) (string, error) {
	return "", fmt.Errorf("backing store unavailable: %w", domain.ErrToolFailed)
}

func call(id, name, args string) domain.ToolCall {
	return domain.ToolCall{ID: id, Name: name, Args: json.RawMessage(args)}
}

func usage(prompt, completion int) *domain.TokenUsage {
	return &domain.TokenUsage{PromptTokens: prompt, CompletionTokens: completion, TotalTokens: prompt + completion}
}

func TestRunDirectAnswer(t *testing.T) {
	t.Parallel()
	model := &scriptedModel{responses: []domain.ChatResponse{
		{Content: "Doanh thu tháng này là 5 triệu.", Model: "gpt-4o-mini", Usage: usage(10, 5)},
	}}
	a := New(model, []Tool{&echoTool{name: "get_schema"}})

	res, err := a.Run(context.Background(), "system", []domain.ChatMessage{{Role: domain.RoleUser, Content: "hi"}}, Hooks{})
	require.NoError(t, err)
	assert.Equal(t, "Doanh thu tháng này là 5 triệu.", res.Content)
	assert.Equal(t, 1, res.Iterations)
	assert.Empty(t, res.Trace)
	assert.Equal(t, 15, res.Usage.TotalTokens)

	// System prompt leads, tools are advertised, Complete is used without
	// an OnToken hook.
	require.Len(t, model.requests, 1)
	assert.Equal(t, domain.RoleSystem, model.requests[0].Messages[0].Role)
	require.Len(t, model.requests[0].Tools, 1)
	assert.Equal(t, "get_schema", model.requests[0].Tools[0].Name)
	assert.Zero(t, model.streamed)
}

func TestRunToolLoop(t *testing.T) {
	t.Parallel()
	model := &scriptedModel{responses: []domain.ChatResponse{
		{ToolCalls: []domain.ToolCall{call("t1", "get_schema", `{"q":1}`)}, Usage: usage(10, 2)},
		{Content: "done", Usage: usage(20, 4)},
	}}
	a := New(model, []Tool{&echoTool{name: "get_schema"}})

	var started, ended []string
	res, err := a.Run(context.Background(), "system", nil, Hooks{
		OnToolStart: func(ev ToolEvent) { started = append(started, ev.Name) },
		OnToolEnd:   func(ev ToolEvent) { ended = append(ended, ev.Result) },
	})
	require.NoError(t, err)

	assert.Equal(t, "done", res.Content)
	assert.Equal(t, 2, res.Iterations)
	require.Len(t, res.Trace, 1)
	assert.Equal(t, `{"q":1}`, res.Trace[0].Result)
	assert.Equal(t, []string{"get_schema"}, started)
	assert.Equal(t, []string{`{"q":1}`}, ended)
	assert.Equal(t, 36, res.Usage.TotalTokens, "usage accumulates across turns")

	// The second request carries the assistant's tool call and the tool
	// result keyed by call id.
	second := model.requests[1].Messages
	toolMsg := second[len(second)-1]
	assert.Equal(t, domain.RoleTool, toolMsg.Role)
	assert.Equal(t, "t1", toolMsg.ToolCallID)
	assert.Equal(t, `{"q":1}`, toolMsg.Content)
}

func TestRunStreamsWhenTokenHookSet(t *testing.T) {
	t.Parallel()
	model := &scriptedModel{responses: []domain.ChatResponse{{Content: "xin chào"}}}
	a := New(model, nil)

	var tokens []string
	res, err := a.Run(context.Background(), "system", nil, Hooks{OnToken: func(tok string) { tokens = append(tokens, tok) }})
	require.NoError(t, err)
	assert.Equal(t, "xin chào", res.Content)
	assert.Equal(t, 1, model.streamed)
	assert.Equal(t, []string{"xin chào"}, tokens)
}

func TestRunFeedsToolErrorsBack(t *testing.T) {
	t.Parallel()
	model := &scriptedModel{responses: []domain.ChatResponse{
		{ToolCalls: []domain.ToolCall{call("t1", "broken", `{}`)}},
		{Content: "recovered"},
	}}
	a := New(model, []Tool{&failTool{name: "broken"}})

	res, err := a.Run(context.Background(), "system", nil, Hooks{})
	require.NoError(t, err)
	assert.Equal(t, "recovered", res.Content)
	require.Len(t, res.Trace, 1)
	assert.Contains(t, res.Trace[0].Err, "backing store unavailable")

	toolMsg := model.requests[1].Messages[len(model.requests[1].Messages)-1]
	assert.Equal(t, domain.RoleTool, toolMsg.Role)
	assert.Contains(t, toolMsg.Content, "Error: ", "failures go back to the model as tool output")
}

func TestRunUnknownToolIsAnError(t *testing.T) {
	t.Parallel()
	model := &scriptedModel{responses: []domain.ChatResponse{
		{ToolCalls: []domain.ToolCall{call("t1", "drop_tables", `{}`)}},
		{Content: "noted"},
	}}
	a := New(model, []Tool{&echoTool{name: "get_schema"}})

	res, err := a.Run(context.Background(), "system", nil, Hooks{})
	require.NoError(t, err)
	assert.Equal(t, "noted", res.Content)
	require.Len(t, res.Trace, 1)
	assert.Contains(t, res.Trace[0].Err, "drop_tables")
}

func TestRunAbortsAfterConsecutiveToolFailures(t *testing.T) {
	t.Parallel()
	broken := []domain.ToolCall{call("t1", "broken", `{}`)}
	model := &scriptedModel{responses: []domain.ChatResponse{
		{ToolCalls: broken},
		{ToolCalls: broken},
		{ToolCalls: broken},
		{Content: "never reached"},
	}}
	a := New(model, []Tool{&failTool{name: "broken"}})

	res, err := a.Run(context.Background(), "system", nil, Hooks{})
	require.NoError(t, err, "breaker tripping is a result, not an error")
	assert.Equal(t, msgToolFailures, res.Content)
	assert.Len(t, res.Trace, 3)
	assert.Len(t, model.requests, 3, "the model gets no further turn")
}

func TestRunFailureCountResetsOnSuccess(t *testing.T) {
	t.Parallel()
	model := &scriptedModel{responses: []domain.ChatResponse{
		{ToolCalls: []domain.ToolCall{call("t1", "broken", `{}`)}},
		{ToolCalls: []domain.ToolCall{call("t2", "broken", `{}`)}},
		{ToolCalls: []domain.ToolCall{call("t3", "echo", `{}`)}},
		{ToolCalls: []domain.ToolCall{call("t4", "broken", `{}`)}},
		{Content: "made it"},
	}}
	a := New(model, []Tool{&failTool{name: "broken"}, &echoTool{name: "echo"}})

	res, err := a.Run(context.Background(), "system", nil, Hooks{})
	require.NoError(t, err)
	assert.Equal(t, "made it", res.Content, "a success in between clears the failure streak")
}

func TestRunIterationCap(t *testing.T) {
	t.Parallel()
	// The echo tool always succeeds, so the failure breaker never trips and
	// the model keeps asking for tools until the iteration budget runs out.
	var responses []domain.ChatResponse
	for i := 0; i < MaxIterations+5; i++ {
		responses = append(responses, domain.ChatResponse{
			ToolCalls: []domain.ToolCall{call(fmt.Sprintf("t%d", i), "echo", `{}`)},
		})
	}
	model := &scriptedModel{responses: responses}
	a := New(model, []Tool{&echoTool{name: "echo"}})

	res, err := a.Run(context.Background(), "system", nil, Hooks{})
	require.NoError(t, err)
	assert.Equal(t, msgOutOfTurns, res.Content)
	assert.Equal(t, MaxIterations, res.Iterations)
	assert.Len(t, model.requests, MaxIterations)
}

func TestRunEmptyFinalContentGetsFallback(t *testing.T) {
	t.Parallel()
	model := &scriptedModel{responses: []domain.ChatResponse{{Content: ""}}}
	a := New(model, nil)

	res, err := a.Run(context.Background(), "system", nil, Hooks{})
	require.NoError(t, err)
	assert.Equal(t, msgEmptyResponse, res.Content)
}

func TestRunStopsOnCancelledContext(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	model := &scriptedModel{responses: []domain.ChatResponse{
		{ToolCalls: []domain.ToolCall{call("t1", "echo", `{}`), call("t2", "echo", `{}`)}},
	}}
	a := New(model, []Tool{&echoTool{name: "echo"}})

	// Cancel between the model turn and tool execution by cancelling now:
	// the first ctx.Err() check fires before any tool runs.
	cancel()
	_, err := a.Run(ctx, "system", nil, Hooks{})
	assert.ErrorIs(t, err, context.Canceled)
}

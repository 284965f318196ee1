// Package openai is a chat-completions client for OpenAI-compatible APIs.
//
// It speaks plain HTTP: tool calling and SSE streaming are simple enough
// that a vendor SDK buys nothing except lock-in to one provider's surface.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/sony/gobreaker"

	"github.com/sellsight/sellsight/internal/adapter/observability"
	"github.com/sellsight/sellsight/internal/domain"
)

const maxRetries = 3

// Client implements domain.ChatModel against any OpenAI-compatible API.
type Client struct {
	httpc   *http.Client
	baseURL string
	apiKey  string
	model   string
	breaker *gobreaker.CircuitBreaker
}

// New builds a client. No http.Client timeout is set: streams outlive any
// fixed value, so deadlines come from the caller's context.
func New(baseURL, apiKey, model string) *Client {
	return &Client{
		httpc:   &http.Client{},
		baseURL: baseURL,
		apiKey:  apiKey,
		model:   model,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "openai",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= 5
			},
		}),
	}
}

// wire types

type wireMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	Name       string         `json:"name,omitempty"`
}

type wireToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type wireTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string         `json:"name"`
		Description string         `json:"description"`
		Parameters  map[string]any `json:"parameters"`
	} `json:"function"`
}

type wireRequest struct {
	Model       string        `json:"model"`
	Messages    []wireMessage `json:"messages"`
	Tools       []wireTool    `json:"tools,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
}

type wireUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type wireResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message      wireMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage *wireUsage `json:"usage"`
}

func toWire(req domain.ChatRequest, model string, stream bool) wireRequest {
	wr := wireRequest{
		Model:       model,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Stream:      stream,
	}
	for _, m := range req.Messages {
		wm := wireMessage{
			Role:       string(m.Role),
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
			Name:       m.Name,
		}
		for _, tc := range m.ToolCalls {
			wtc := wireToolCall{ID: tc.ID, Type: "function"}
			wtc.Function.Name = tc.Name
			wtc.Function.Arguments = string(tc.Args)
			wm.ToolCalls = append(wm.ToolCalls, wtc)
		}
		wr.Messages = append(wr.Messages, wm)
	}
	for _, t := range req.Tools {
		wt := wireTool{Type: "function"}
		wt.Function.Name = t.Name
		wt.Function.Description = t.Description
		wt.Function.Parameters = t.Parameters
		wr.Tools = append(wr.Tools, wt)
	}
	return wr
}

// parseToolCalls validates model output at the boundary: a call without a
// name or with arguments that are not a JSON object is rejected here so
// nothing downstream sees malformed calls.
func parseToolCalls(wire []wireToolCall) ([]domain.ToolCall, error) {
	out := make([]domain.ToolCall, 0, len(wire))
	for _, wtc := range wire {
		if wtc.Function.Name == "" {
			return nil, fmt.Errorf("tool call %q has no function name: %w", wtc.ID, domain.ErrInvalidArgument)
		}
		args := wtc.Function.Arguments
		if args == "" {
			args = "{}"
		}
		var probe map[string]any
		if err := json.Unmarshal([]byte(args), &probe); err != nil {
			return nil, fmt.Errorf("tool call %q arguments are not a JSON object: %w", wtc.Function.Name, domain.ErrInvalidArgument)
		}
		// Some compatible providers omit the id; tool results still need
		// one to correlate against.
		if wtc.ID == "" {
			wtc.ID = "call_" + uuid.NewString()
		}
		out = append(out, domain.ToolCall{
			ID:   wtc.ID,
			Name: wtc.Function.Name,
			Args: json.RawMessage(args),
		})
	}
	return out, nil
}

// Complete performs one non-streaming chat completion.
func (c *Client) Complete(ctx domain.Context, req domain.ChatRequest) (domain.ChatResponse, error) {
	start := time.Now()
	body, err := c.post(ctx, toWire(req, c.model, false))
	if err != nil {
		observability.ObserveModelRequest("complete", "error", time.Since(start))
		return domain.ChatResponse{}, fmt.Errorf("op=openai.Complete: %w", err)
	}
	var wr wireResponse
	if err := json.Unmarshal(body, &wr); err != nil {
		observability.ObserveModelRequest("complete", "error", time.Since(start))
		return domain.ChatResponse{}, fmt.Errorf("op=openai.Complete: decode: %w", err)
	}
	if len(wr.Choices) == 0 {
		observability.ObserveModelRequest("complete", "error", time.Since(start))
		return domain.ChatResponse{}, fmt.Errorf("op=openai.Complete: empty choices: %w", domain.ErrUnavailable)
	}
	choice := wr.Choices[0]
	toolCalls, err := parseToolCalls(choice.Message.ToolCalls)
	if err != nil {
		observability.ObserveModelRequest("complete", "error", time.Since(start))
		return domain.ChatResponse{}, fmt.Errorf("op=openai.Complete: %w", err)
	}
	resp := domain.ChatResponse{
		Content:      choice.Message.Content,
		ToolCalls:    toolCalls,
		FinishReason: choice.FinishReason,
		Model:        wr.Model,
		Usage:        c.usageOrEstimate(wr.Usage, req, choice.Message.Content),
	}
	observability.ObserveModelRequest("complete", "ok", time.Since(start))
	return resp, nil
}

func (c *Client) usageOrEstimate(u *wireUsage, req domain.ChatRequest, completion string) *domain.TokenUsage {
	if u != nil && u.TotalTokens > 0 {
		return &domain.TokenUsage{
			PromptTokens:     u.PromptTokens,
			CompletionTokens: u.CompletionTokens,
			TotalTokens:      u.TotalTokens,
		}
	}
	prompt := estimateMessages(c.model, req.Messages)
	comp := estimateText(c.model, completion)
	return &domain.TokenUsage{
		PromptTokens:     prompt,
		CompletionTokens: comp,
		TotalTokens:      prompt + comp,
		Estimated:        true,
	}
}

// post sends one request, retrying 429/5xx with exponential backoff behind
// the circuit breaker.
func (c *Client) post(ctx domain.Context, wr wireRequest) ([]byte, error) {
	payload, err := json.Marshal(wr)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	var out []byte
	operation := func() error {
		res, err := c.breaker.Execute(func() (any, error) {
			return c.doOnce(ctx, payload)
		})
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return backoff.Permanent(fmt.Errorf("model circuit open: %w", domain.ErrUnavailable))
			}
			if ctx.Err() != nil {
				return backoff.Permanent(mapCtxErr(ctx.Err()))
			}
			return err
		}
		out = res.([]byte)
		return nil
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxRetries), ctx)
	if err := backoff.Retry(operation, bo); err != nil {
		if ctx.Err() != nil {
			return nil, mapCtxErr(ctx.Err())
		}
		return nil, err
	}
	return out, nil
}

func mapCtxErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("model request timed out: %w", domain.ErrUpstreamTimeout)
	}
	return err
}

func (c *Client) doOnce(ctx domain.Context, payload []byte) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	res, err := c.httpc.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer func() { _ = res.Body.Close() }()
	body, err := io.ReadAll(io.LimitReader(res.Body, 10<<20))
	if err != nil {
		return nil, err
	}
	if res.StatusCode == http.StatusTooManyRequests {
		return nil, fmt.Errorf("model provider 429: %w", domain.ErrRateLimited)
	}
	if res.StatusCode >= 500 {
		return nil, fmt.Errorf("model provider %d: %w", res.StatusCode, domain.ErrUnavailable)
	}
	if res.StatusCode != http.StatusOK {
		// 4xx other than 429 will not get better on retry.
		return nil, backoff.Permanent(fmt.Errorf("model provider %d: %s: %w", res.StatusCode, truncate(body, 512), domain.ErrInvalidArgument))
	}
	return body, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

var _ domain.ChatModel = (*Client)(nil)

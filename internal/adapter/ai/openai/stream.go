package openai

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sellsight/sellsight/internal/adapter/observability"
	"github.com/sellsight/sellsight/internal/domain"
)

type streamChunk struct {
	Model   string `json:"model"`
	Choices []struct {
		Delta struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				Index    int    `json:"index"`
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *wireUsage `json:"usage"`
}

// Stream runs one completion over SSE, invoking onToken for each content
// delta, and returns the assembled response. Tool-call fragments are
// stitched together by index the way the protocol delivers them.
func (c *Client) Stream(ctx domain.Context, req domain.ChatRequest, onToken domain.StreamHandler) (domain.ChatResponse, error) {
	start := time.Now()
	payload, err := json.Marshal(toWire(req, c.model, true))
	if err != nil {
		return domain.ChatResponse{}, fmt.Errorf("op=openai.Stream: marshal: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return domain.ChatResponse{}, fmt.Errorf("op=openai.Stream: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Accept", "text/event-stream")

	res, err := c.httpc.Do(httpReq)
	if err != nil {
		observability.ObserveModelRequest("stream", "error", time.Since(start))
		if ctx.Err() != nil {
			return domain.ChatResponse{}, fmt.Errorf("op=openai.Stream: %w", mapCtxErr(ctx.Err()))
		}
		return domain.ChatResponse{}, fmt.Errorf("op=openai.Stream: %w", err)
	}
	defer func() { _ = res.Body.Close() }()
	if res.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		observability.ObserveModelRequest("stream", "error", time.Since(start))
		if res.StatusCode == http.StatusTooManyRequests {
			return domain.ChatResponse{}, fmt.Errorf("op=openai.Stream: provider 429: %w", domain.ErrRateLimited)
		}
		return domain.ChatResponse{}, fmt.Errorf("op=openai.Stream: provider %d: %s: %w", res.StatusCode, truncate(body, 512), domain.ErrUnavailable)
	}

	var (
		content      strings.Builder
		finishReason string
		model        string
		usage        *wireUsage
		calls        []wireToolCall
	)

	scanner := bufio.NewScanner(res.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			break
		}
		var chunk streamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		if chunk.Model != "" {
			model = chunk.Model
		}
		if chunk.Usage != nil {
			usage = chunk.Usage
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]
		if choice.FinishReason != "" {
			finishReason = choice.FinishReason
		}
		if choice.Delta.Content != "" {
			content.WriteString(choice.Delta.Content)
			onToken(choice.Delta.Content)
		}
		for _, frag := range choice.Delta.ToolCalls {
			for len(calls) <= frag.Index {
				calls = append(calls, wireToolCall{})
			}
			tc := &calls[frag.Index]
			if frag.ID != "" {
				tc.ID = frag.ID
			}
			if frag.Function.Name != "" {
				tc.Function.Name = frag.Function.Name
			}
			tc.Function.Arguments += frag.Function.Arguments
		}
	}
	if err := scanner.Err(); err != nil {
		observability.ObserveModelRequest("stream", "error", time.Since(start))
		if ctx.Err() != nil {
			return domain.ChatResponse{}, fmt.Errorf("op=openai.Stream: %w", mapCtxErr(ctx.Err()))
		}
		return domain.ChatResponse{}, fmt.Errorf("op=openai.Stream: read: %w", err)
	}

	toolCalls, err := parseToolCalls(calls)
	if err != nil {
		observability.ObserveModelRequest("stream", "error", time.Since(start))
		return domain.ChatResponse{}, fmt.Errorf("op=openai.Stream: %w", err)
	}
	resp := domain.ChatResponse{
		Content:      content.String(),
		ToolCalls:    toolCalls,
		FinishReason: finishReason,
		Model:        model,
		Usage:        c.usageOrEstimate(usage, req, content.String()),
	}
	observability.ObserveModelRequest("stream", "ok", time.Since(start))
	return resp, nil
}

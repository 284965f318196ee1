// Package agent drives the ReAct loop: model turn, tool execution, tool
// results fed back, repeated until the model answers in plain text or a
// bound trips.
package agent

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/sellsight/sellsight/internal/adapter/observability"
	"github.com/sellsight/sellsight/internal/domain"
)

// MaxIterations caps model turns per run.
const MaxIterations = 10

// maxConsecutiveFailures aborts a run that keeps producing broken tool
// calls instead of burning the whole iteration budget on them.
const maxConsecutiveFailures = 3

// User-facing fallbacks. The product speaks Vietnamese.
const (
	msgToolFailures  = "Xin lỗi, tôi gặp sự cố khi truy vấn dữ liệu của bạn. Vui lòng thử lại hoặc diễn đạt câu hỏi theo cách khác."
	msgOutOfTurns    = "Xin lỗi, câu hỏi này phức tạp hơn khả năng xử lý hiện tại của tôi. Bạn có thể chia nhỏ câu hỏi và thử lại không?"
	msgUnknownTool   = "unknown tool %q: only the advertised tools are available"
	msgEmptyResponse = "Xin lỗi, tôi chưa thể trả lời câu hỏi này. Vui lòng thử lại."
)

// Tool is one callable exposed to the model. Execute returns the
// serialized result the model reads back; an error becomes a tool-role
// error message rather than failing the run.
type Tool interface {
	Spec() domain.ToolSpec
	Execute(ctx domain.Context, args json.RawMessage) (string, error)
}

// ToolEvent is one executed (or rejected) tool call in a run's trace.
type ToolEvent struct {
	ID       string
	Name     string
	Args     json.RawMessage
	Result   string
	Err      string
	Duration time.Duration
}

// Hooks stream run progress. Any hook may be nil.
type Hooks struct {
	OnToken     domain.StreamHandler
	OnToolStart func(ev ToolEvent)
	OnToolEnd   func(ev ToolEvent)
}

// Result is the outcome of one run.
type Result struct {
	Content    string
	Trace      []ToolEvent
	Iterations int
	Model      string
	Usage      domain.TokenUsage
}

// Agent runs the loop for one fixed tool set.
type Agent struct {
	model domain.ChatModel
	tools map[string]Tool
	specs []domain.ToolSpec
}

func New(model domain.ChatModel, tools []Tool) *Agent {
	a := &Agent{model: model, tools: make(map[string]Tool, len(tools))}
	for _, t := range tools {
		spec := t.Spec()
		a.tools[spec.Name] = t
		a.specs = append(a.specs, spec)
	}
	return a
}

// Run feeds the system prompt and history to the model and loops over tool
// calls until the model produces a final text. Context cancellation aborts
// the run with the context's error; the caller owns failure events.
func (a *Agent) Run(ctx domain.Context, systemPrompt string, history []domain.ChatMessage, hooks Hooks) (Result, error) {
	messages := make([]domain.ChatMessage, 0, len(history)+1)
	messages = append(messages, domain.ChatMessage{Role: domain.RoleSystem, Content: systemPrompt})
	messages = append(messages, history...)

	var result Result
	consecutiveFailures := 0

	for iter := 1; iter <= MaxIterations; iter++ {
		result.Iterations = iter
		resp, err := a.turn(ctx, messages, hooks)
		if err != nil {
			return result, fmt.Errorf("op=agent.Run: iteration %d: %w", iter, err)
		}
		result.Model = resp.Model
		accumulate(&result.Usage, resp.Usage)

		if len(resp.ToolCalls) == 0 {
			observability.AgentIterations.Observe(float64(iter))
			result.Content = resp.Content
			if result.Content == "" {
				result.Content = msgEmptyResponse
			}
			return result, nil
		}

		messages = append(messages, domain.ChatMessage{
			Role:      domain.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})
		for _, call := range resp.ToolCalls {
			if ctx.Err() != nil {
				return result, fmt.Errorf("op=agent.Run: %w", ctx.Err())
			}
			ev := a.execute(ctx, call, hooks)
			result.Trace = append(result.Trace, ev)

			toolContent := ev.Result
			if ev.Err != "" {
				toolContent = "Error: " + ev.Err
				consecutiveFailures++
			} else {
				consecutiveFailures = 0
			}
			messages = append(messages, domain.ChatMessage{
				Role:       domain.RoleTool,
				Content:    toolContent,
				ToolCallID: call.ID,
				Name:       call.Name,
			})
			if consecutiveFailures >= maxConsecutiveFailures {
				slog.Warn("agent giving up after consecutive tool failures",
					slog.Int("failures", consecutiveFailures),
					slog.String("last_tool", call.Name))
				observability.AgentIterations.Observe(float64(iter))
				result.Content = msgToolFailures
				return result, nil
			}
		}
	}

	observability.AgentIterations.Observe(float64(MaxIterations))
	result.Content = msgOutOfTurns
	return result, nil
}

// turn runs one model call, streaming when the caller wants tokens.
// Intermediate tool-call turns rarely carry content, so streaming every
// turn is safe.
func (a *Agent) turn(ctx domain.Context, messages []domain.ChatMessage, hooks Hooks) (domain.ChatResponse, error) {
	req := domain.ChatRequest{Messages: messages, Tools: a.specs}
	if hooks.OnToken != nil {
		return a.model.Stream(ctx, req, hooks.OnToken)
	}
	return a.model.Complete(ctx, req)
}

// execute runs one tool call. Unknown tools and execution errors land in
// the event's Err so the model can read the failure and self-correct.
func (a *Agent) execute(ctx domain.Context, call domain.ToolCall, hooks Hooks) ToolEvent {
	ev := ToolEvent{ID: call.ID, Name: call.Name, Args: call.Args}
	if hooks.OnToolStart != nil {
		hooks.OnToolStart(ev)
	}

	start := time.Now()
	tool, ok := a.tools[call.Name]
	if !ok {
		ev.Err = fmt.Sprintf(msgUnknownTool, call.Name)
		observability.AgentToolCallsTotal.WithLabelValues(call.Name, "unknown").Inc()
	} else if result, err := tool.Execute(ctx, call.Args); err != nil {
		ev.Err = err.Error()
		observability.AgentToolCallsTotal.WithLabelValues(call.Name, "error").Inc()
		slog.Debug("tool call failed", slog.String("tool", call.Name), slog.Any("error", err))
	} else {
		ev.Result = result
		observability.AgentToolCallsTotal.WithLabelValues(call.Name, "ok").Inc()
	}
	ev.Duration = time.Since(start)

	if hooks.OnToolEnd != nil {
		hooks.OnToolEnd(ev)
	}
	return ev
}

func accumulate(total *domain.TokenUsage, u *domain.TokenUsage) {
	if u == nil {
		return
	}
	total.PromptTokens += u.PromptTokens
	total.CompletionTokens += u.CompletionTokens
	total.TotalTokens += u.TotalTokens
	total.Estimated = total.Estimated || u.Estimated
}

// Package chat runs the conversational workflow: classify the user's
// intent, answer through the matching branch (small talk, clarification,
// or the data agent), format the result, and stream progress events to the
// user's room.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sellsight/sellsight/internal/agent"
	"github.com/sellsight/sellsight/internal/domain"
	"github.com/sellsight/sellsight/internal/usecase/conversation"
	"github.com/sellsight/sellsight/internal/usecase/dataquery"
)

// Intent is the classified purpose of a user message.
type Intent string

const (
	IntentDataQuery Intent = "data_query"
	IntentChat      Intent = "chat"
	IntentUnclear   Intent = "unclear"
)

// coerceIntent maps raw model output onto the three intents; anything
// unrecognized reads as unclear.
func coerceIntent(raw string) Intent {
	switch Intent(strings.ToLower(strings.TrimSpace(raw))) {
	case IntentDataQuery:
		return IntentDataQuery
	case IntentChat:
		return IntentChat
	}
	return IntentUnclear
}

// clarifyHistoryLimit bounds how much context the clarify branch sees.
const clarifyHistoryLimit = 5

// workflowState threads one request through the graph.
type workflowState struct {
	userID         string
	conversationID string
	history        []domain.ChatMessage
	connections    []domain.Connection

	intent    Intent
	response  string
	formatted string
	trace     []agent.ToolEvent
	model     string
	usage     domain.TokenUsage
	err       error
}

// node names the states of the workflow graph.
type node int

const (
	nodeClassify node = iota
	nodeChat
	nodeClarify
	nodeDataAgent
	nodeFormat
	nodeDone
	nodeFailed
)

// Workflow wires the graph's collaborators together.
type Workflow struct {
	conv         *conversation.Service
	connections  domain.ConnectionRepo
	tools        *dataquery.Tools
	model        domain.ChatModel
	notifier     domain.Notifier
	modelTimeout time.Duration
}

func New(
	conv *conversation.Service,
	connections domain.ConnectionRepo,
	tools *dataquery.Tools,
	model domain.ChatModel,
	notifier domain.Notifier,
	modelTimeout time.Duration,
) *Workflow {
	if modelTimeout <= 0 {
		modelTimeout = 30 * time.Second
	}
	return &Workflow{
		conv:         conv,
		connections:  connections,
		tools:        tools,
		model:        model,
		notifier:     notifier,
		modelTimeout: modelTimeout,
	}
}

// Run handles one user message end to end. Exactly one chat:message:started
// is emitted up front and exactly one terminal event closes the stream:
// completed after the assistant message is persisted, failed otherwise.
func (w *Workflow) Run(ctx domain.Context, userID, conversationID, content string) (domain.Message, error) {
	w.notifier.EmitToUser(ctx, userID, domain.EventChatStarted, map[string]any{
		"conversation_id": conversationID,
	})

	msg, err := w.run(ctx, userID, conversationID, content)
	if err != nil {
		w.notifier.EmitToUser(ctx, userID, domain.EventChatFailed, map[string]any{
			"conversation_id": conversationID,
			"error":           userFacingError(err),
		})
		return domain.Message{}, err
	}

	w.notifier.EmitToUser(ctx, userID, domain.EventChatCompleted, map[string]any{
		"conversation_id": conversationID,
		"message_id":      msg.ID,
		"content":         msg.Content,
	})
	return msg, nil
}

func (w *Workflow) run(ctx domain.Context, userID, conversationID, content string) (domain.Message, error) {
	started := time.Now()

	if _, err := w.conv.AddMessage(ctx, userID, conversationID, domain.RoleUser, content, nil, nil); err != nil {
		return domain.Message{}, fmt.Errorf("op=chat.Run: %w", err)
	}
	history, err := w.conv.History(ctx, conversationID, conversation.HistoryLimit)
	if err != nil {
		return domain.Message{}, fmt.Errorf("op=chat.Run: %w", err)
	}

	st := &workflowState{
		userID:         userID,
		conversationID: conversationID,
		history:        history,
	}

	for current := nodeClassify; ; {
		if ctx.Err() != nil {
			return domain.Message{}, fmt.Errorf("op=chat.Run: %w", ctx.Err())
		}
		switch current {
		case nodeClassify:
			current = w.classify(ctx, st)
		case nodeChat:
			current = w.chat(ctx, st)
		case nodeClarify:
			current = w.clarify(ctx, st)
		case nodeDataAgent:
			current = w.dataAgent(ctx, st)
		case nodeFormat:
			st.formatted = FormatResponse(st.response)
			current = nodeDone
		case nodeFailed:
			return domain.Message{}, fmt.Errorf("op=chat.Run: %w", st.err)
		case nodeDone:
			return w.persistAssistant(ctx, st, time.Since(started))
		}
	}
}

// classify runs the single intent call. A classifier outage falls back to
// the clarify branch instead of failing the whole request.
func (w *Workflow) classify(ctx domain.Context, st *workflowState) node {
	last := ""
	if len(st.history) > 0 {
		last = st.history[len(st.history)-1].Content
	}
	resp, err := w.completeWithTimeout(ctx, domain.ChatRequest{
		Messages: []domain.ChatMessage{
			{Role: domain.RoleSystem, Content: intentPrompt},
			{Role: domain.RoleUser, Content: last},
		},
		MaxTokens: 8,
	})
	if err != nil {
		if ctx.Err() != nil {
			st.err = err
			return nodeFailed
		}
		slog.Warn("intent classification failed, treating as unclear", slog.Any("error", err))
		st.intent = IntentUnclear
		return nodeClarify
	}
	st.intent = coerceIntent(resp.Content)
	switch st.intent {
	case IntentDataQuery:
		return nodeDataAgent
	case IntentChat:
		return nodeChat
	default:
		return nodeClarify
	}
}

func (w *Workflow) chat(ctx domain.Context, st *workflowState) node {
	msgs := append([]domain.ChatMessage{{Role: domain.RoleSystem, Content: chatPrompt}}, st.history...)
	resp, err := w.streamWithTimeout(ctx, domain.ChatRequest{Messages: msgs}, st)
	if err != nil {
		st.err = err
		return nodeFailed
	}
	st.response = resp.Content
	st.model = resp.Model
	accumulateUsage(&st.usage, resp.Usage)
	return nodeFormat
}

func (w *Workflow) clarify(ctx domain.Context, st *workflowState) node {
	history := st.history
	if len(history) > clarifyHistoryLimit {
		history = history[len(history)-clarifyHistoryLimit:]
	}
	msgs := append([]domain.ChatMessage{{Role: domain.RoleSystem, Content: clarifyPrompt}}, history...)
	resp, err := w.streamWithTimeout(ctx, domain.ChatRequest{Messages: msgs}, st)
	if err != nil {
		st.err = err
		return nodeFailed
	}
	st.response = resp.Content
	st.model = resp.Model
	accumulateUsage(&st.usage, resp.Usage)
	return nodeFormat
}

// dataAgent runs the ReAct loop with the five data tools, relaying token
// and tool events to the user's room as they happen.
func (w *Workflow) dataAgent(ctx domain.Context, st *workflowState) node {
	conns, err := w.connections.ListByUser(ctx, st.userID)
	if err != nil {
		st.err = fmt.Errorf("loading connections: %w", err)
		return nodeFailed
	}
	st.connections = conns

	a := agent.New(w.model, w.tools.ForUser(st.userID))
	hooks := agent.Hooks{
		OnToken: func(token string) {
			w.notifier.EmitToUser(ctx, st.userID, domain.EventChatToken, map[string]any{
				"conversation_id": st.conversationID,
				"token":           token,
			})
		},
		OnToolStart: func(ev agent.ToolEvent) {
			w.notifier.EmitToUser(ctx, st.userID, domain.EventChatToolStart, map[string]any{
				"conversation_id": st.conversationID,
				"tool_call_id":    ev.ID,
				"tool":            ev.Name,
			})
		},
		OnToolEnd: func(ev agent.ToolEvent) {
			payload := map[string]any{
				"conversation_id": st.conversationID,
				"tool_call_id":    ev.ID,
				"tool":            ev.Name,
				"duration_ms":     ev.Duration.Milliseconds(),
			}
			if ev.Err != "" {
				payload["error"] = ev.Err
			}
			w.notifier.EmitToUser(ctx, st.userID, domain.EventChatToolEnd, payload)
		},
	}

	result, err := a.Run(ctx, agentSystemPrompt(conns), st.history, hooks)
	if err != nil {
		st.err = err
		return nodeFailed
	}
	st.response = result.Content
	st.trace = result.Trace
	st.model = result.Model
	accumulateUsage(&st.usage, &result.Usage)
	return nodeFormat
}

func (w *Workflow) persistAssistant(ctx domain.Context, st *workflowState, latency time.Duration) (domain.Message, error) {
	meta := &domain.MessageMetadata{
		Model:     st.model,
		LatencyMS: latency.Milliseconds(),
		Intent:    string(st.intent),
	}
	if st.usage.TotalTokens > 0 {
		u := st.usage
		meta.Usage = &u
	}
	for _, ev := range st.trace {
		meta.ToolCalls = append(meta.ToolCalls, domain.ToolCall{ID: ev.ID, Name: ev.Name, Args: ev.Args})
	}

	msg, err := w.conv.AddMessage(ctx, st.userID, st.conversationID, domain.RoleAssistant, st.formatted, nil, meta)
	if err != nil {
		return domain.Message{}, fmt.Errorf("op=chat.Run: persist assistant: %w", err)
	}
	return msg, nil
}

// completeWithTimeout bounds one direct model call independently of the
// request deadline.
func (w *Workflow) completeWithTimeout(ctx domain.Context, req domain.ChatRequest) (domain.ChatResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, w.modelTimeout)
	defer cancel()
	return w.model.Complete(ctx, req)
}

func (w *Workflow) streamWithTimeout(ctx domain.Context, req domain.ChatRequest, st *workflowState) (domain.ChatResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, w.modelTimeout)
	defer cancel()
	return w.model.Stream(ctx, req, func(token string) {
		w.notifier.EmitToUser(ctx, st.userID, domain.EventChatToken, map[string]any{
			"conversation_id": st.conversationID,
			"token":           token,
		})
	})
}

func accumulateUsage(total *domain.TokenUsage, u *domain.TokenUsage) {
	if u == nil {
		return
	}
	total.PromptTokens += u.PromptTokens
	total.CompletionTokens += u.CompletionTokens
	total.TotalTokens += u.TotalTokens
	total.Estimated = total.Estimated || u.Estimated
}

// userFacingError keeps internal detail out of the failed event.
func userFacingError(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, domain.ErrUpstreamTimeout),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return "Yêu cầu mất quá nhiều thời gian. Vui lòng thử lại."
	default:
		return "Đã có lỗi xảy ra khi xử lý tin nhắn của bạn. Vui lòng thử lại."
	}
}

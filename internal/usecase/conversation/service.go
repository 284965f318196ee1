// Package conversation manages chat conversations and their messages.
package conversation

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/oklog/ulid/v2"

	"github.com/sellsight/sellsight/internal/domain"
)

// HistoryLimit is how many recent messages feed the model by default.
const HistoryLimit = 10

// Service owns conversation lifecycle and message persistence. Message
// ids are ULIDs, so id order matches creation order.
type Service struct {
	conversations domain.ConversationRepo
	messages      domain.MessageRepo
}

func NewService(conversations domain.ConversationRepo, messages domain.MessageRepo) *Service {
	return &Service{conversations: conversations, messages: messages}
}

// Create starts a conversation with the placeholder title; the first user
// message replaces it.
func (s *Service) Create(ctx domain.Context, userID string) (domain.Conversation, error) {
	now := time.Now().UTC()
	c := domain.Conversation{
		ID:        ulid.Make().String(),
		UserID:    userID,
		Title:     domain.DefaultConversationTitle,
		Status:    domain.ConversationActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.conversations.Create(ctx, c); err != nil {
		return domain.Conversation{}, fmt.Errorf("op=conversation.Create: %w", err)
	}
	return c, nil
}

// Get resolves a conversation for its owner. Someone else's conversation
// reports not-found, never forbidden, so ids cannot be probed.
func (s *Service) Get(ctx domain.Context, userID, conversationID string) (domain.Conversation, error) {
	c, err := s.conversations.Get(ctx, conversationID)
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("op=conversation.Get: %w", err)
	}
	if c.UserID != userID {
		return domain.Conversation{}, fmt.Errorf("op=conversation.Get: id=%s: %w", conversationID, domain.ErrNotFound)
	}
	return c, nil
}

// GetIncludeDeleted resolves a conversation for its owner even after a
// soft delete, so deleted history stays auditable by id.
func (s *Service) GetIncludeDeleted(ctx domain.Context, userID, conversationID string) (domain.Conversation, error) {
	c, err := s.conversations.GetIncludeDeleted(ctx, conversationID)
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("op=conversation.GetIncludeDeleted: %w", err)
	}
	if c.UserID != userID {
		return domain.Conversation{}, fmt.Errorf("op=conversation.GetIncludeDeleted: id=%s: %w", conversationID, domain.ErrNotFound)
	}
	return c, nil
}

// List returns the user's conversations, newest activity first.
func (s *Service) List(ctx domain.Context, q domain.ConversationQuery) ([]domain.Conversation, int64, error) {
	out, total, err := s.conversations.List(ctx, q)
	if err != nil {
		return nil, 0, fmt.Errorf("op=conversation.List: %w", err)
	}
	return out, total, nil
}

// Delete soft-deletes a conversation and all of its messages.
func (s *Service) Delete(ctx domain.Context, userID, conversationID string) error {
	if _, err := s.Get(ctx, userID, conversationID); err != nil {
		return fmt.Errorf("op=conversation.Delete: %w", err)
	}
	if err := s.conversations.SoftDelete(ctx, conversationID); err != nil {
		return fmt.Errorf("op=conversation.Delete: %w", err)
	}
	if err := s.messages.SoftDeleteByConversation(ctx, conversationID); err != nil {
		return fmt.Errorf("op=conversation.Delete: cascade: %w", err)
	}
	return nil
}

// AddMessage persists one message, bumps the conversation's counters, and
// titles the conversation from its first user message.
func (s *Service) AddMessage(ctx domain.Context, userID, conversationID string, role domain.MessageRole, content string, attachments []domain.Attachment, meta *domain.MessageMetadata) (domain.Message, error) {
	conv, err := s.Get(ctx, userID, conversationID)
	if err != nil {
		return domain.Message{}, fmt.Errorf("op=conversation.AddMessage: %w", err)
	}

	m := domain.Message{
		ID:             ulid.Make().String(),
		ConversationID: conversationID,
		UserID:         userID,
		Role:           role,
		Content:        content,
		Attachments:    attachments,
		Metadata:       meta,
		IsComplete:     true,
		CreatedAt:      time.Now().UTC(),
	}
	if err := s.messages.Create(ctx, m); err != nil {
		return domain.Message{}, fmt.Errorf("op=conversation.AddMessage: %w", err)
	}
	if err := s.conversations.Touch(ctx, conversationID, m.CreatedAt); err != nil {
		return domain.Message{}, fmt.Errorf("op=conversation.AddMessage: %w", err)
	}

	if conv.MessageCount == 0 && role == domain.RoleUser && conv.Title == domain.DefaultConversationTitle {
		if title := TitleFrom(content); title != "" {
			if err := s.conversations.SetTitle(ctx, conversationID, title); err != nil {
				return domain.Message{}, fmt.Errorf("op=conversation.AddMessage: title: %w", err)
			}
		}
	}
	return m, nil
}

// Messages lists a conversation's messages oldest first.
func (s *Service) Messages(ctx domain.Context, userID, conversationID string, limit int) ([]domain.Message, error) {
	if _, err := s.Get(ctx, userID, conversationID); err != nil {
		return nil, fmt.Errorf("op=conversation.Messages: %w", err)
	}
	out, err := s.messages.List(ctx, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("op=conversation.Messages: %w", err)
	}
	return out, nil
}

// MessagesIncludeDeleted lists a conversation's messages including
// soft-deleted ones; the conversation itself may also be deleted.
func (s *Service) MessagesIncludeDeleted(ctx domain.Context, userID, conversationID string, limit int) ([]domain.Message, error) {
	if _, err := s.GetIncludeDeleted(ctx, userID, conversationID); err != nil {
		return nil, fmt.Errorf("op=conversation.MessagesIncludeDeleted: %w", err)
	}
	out, err := s.messages.ListIncludeDeleted(ctx, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("op=conversation.MessagesIncludeDeleted: %w", err)
	}
	return out, nil
}

// History returns the newest limit messages in chronological order, ready
// for a model prompt.
func (s *Service) History(ctx domain.Context, conversationID string, limit int) ([]domain.ChatMessage, error) {
	msgs, err := s.messages.Recent(ctx, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("op=conversation.History: %w", err)
	}
	return ToChatMessages(msgs), nil
}

// TitleFrom derives a conversation title from message content: the first
// user message, cut at a word boundary within the title length cap.
func TitleFrom(content string) string {
	title := strings.Join(strings.Fields(content), " ")
	if title == "" {
		return ""
	}
	if utf8.RuneCountInString(title) <= domain.MaxTitleLength {
		return title
	}
	runes := []rune(title)
	cut := domain.MaxTitleLength
	for i := cut; i > 0; i-- {
		if runes[i-1] == ' ' {
			cut = i - 1
			break
		}
	}
	return strings.TrimSpace(string(runes[:cut]))
}

// ToChatMessages converts stored messages to provider-facing form,
// preserving role, content, tool calls, and the tool correlation id.
func ToChatMessages(msgs []domain.Message) []domain.ChatMessage {
	out := make([]domain.ChatMessage, 0, len(msgs))
	for _, m := range msgs {
		cm := domain.ChatMessage{Role: m.Role, Content: m.Content}
		if m.Metadata != nil {
			cm.ToolCalls = m.Metadata.ToolCalls
			cm.ToolCallID = m.Metadata.ToolCallID
		}
		out = append(out, cm)
	}
	return out
}

// FromChatMessage converts a provider-facing message back to a storable
// one. ToChatMessages and FromChatMessage round-trip role, content, tool
// calls, and tool_call_id.
func FromChatMessage(conversationID, userID string, cm domain.ChatMessage) domain.Message {
	m := domain.Message{
		ID:             ulid.Make().String(),
		ConversationID: conversationID,
		UserID:         userID,
		Role:           cm.Role,
		Content:        cm.Content,
		IsComplete:     true,
		CreatedAt:      time.Now().UTC(),
	}
	if len(cm.ToolCalls) > 0 || cm.ToolCallID != "" {
		m.Metadata = &domain.MessageMetadata{ToolCalls: cm.ToolCalls, ToolCallID: cm.ToolCallID}
	}
	return m
}

package domain

import (
	"encoding/json"
	"time"
)

// DefaultConversationTitle is assigned until the first user message
// provides a real title.
const DefaultConversationTitle = "New Conversation"

// MaxTitleLength bounds lazily generated conversation titles.
const MaxTitleLength = 50

// ConversationStatus is the lifecycle state of a conversation.
type ConversationStatus string

const (
	ConversationActive   ConversationStatus = "active"
	ConversationArchived ConversationStatus = "archived"
)

// Conversation groups a user's chat messages.
type Conversation struct {
	ID            string             `bson:"_id"`
	UserID        string             `bson:"user_id"`
	Title         string             `bson:"title"`
	Status        ConversationStatus `bson:"status"`
	MessageCount  int                `bson:"message_count"`
	LastMessageAt *time.Time         `bson:"last_message_at,omitempty"`
	CreatedAt     time.Time          `bson:"created_at"`
	UpdatedAt     time.Time          `bson:"updated_at"`
	DeletedAt     *time.Time         `bson:"deleted_at,omitempty"`
}

// MessageRole is the provider-facing role of a message.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleSystem    MessageRole = "system"
	RoleTool      MessageRole = "tool"
)

// ToolCall is a model-requested tool invocation, validated at the model
// boundary before anything executes it.
type ToolCall struct {
	ID   string          `bson:"id" json:"id"`
	Name string          `bson:"name" json:"name"`
	Args json.RawMessage `bson:"args" json:"args"`
}

// TokenUsage counts tokens for one model exchange. Estimated is true when
// the provider omitted usage and it was computed locally.
type TokenUsage struct {
	PromptTokens     int  `bson:"prompt_tokens" json:"prompt_tokens"`
	CompletionTokens int  `bson:"completion_tokens" json:"completion_tokens"`
	TotalTokens      int  `bson:"total_tokens" json:"total_tokens"`
	Estimated        bool `bson:"estimated,omitempty" json:"estimated,omitempty"`
}

// Attachment is client-supplied file metadata on a message.
type Attachment struct {
	Name string `bson:"name" json:"name"`
	MIME string `bson:"mime" json:"mime"`
	URL  string `bson:"url" json:"url"`
	Size int64  `bson:"size" json:"size"`
}

// MessageMetadata records how an assistant message was produced.
type MessageMetadata struct {
	Model        string      `bson:"model,omitempty" json:"model,omitempty"`
	Usage        *TokenUsage `bson:"usage,omitempty" json:"usage,omitempty"`
	LatencyMS    int64       `bson:"latency_ms,omitempty" json:"latency_ms,omitempty"`
	FinishReason string      `bson:"finish_reason,omitempty" json:"finish_reason,omitempty"`
	ToolCalls    []ToolCall  `bson:"tool_calls,omitempty" json:"tool_calls,omitempty"`
	// ToolCallID correlates a tool-role message with the call it answers.
	ToolCallID string `bson:"tool_call_id,omitempty" json:"tool_call_id,omitempty"`
	Intent     string `bson:"intent,omitempty" json:"intent,omitempty"`
}

// Message is one turn in a conversation.
type Message struct {
	ID             string           `bson:"_id"`
	ConversationID string           `bson:"conversation_id"`
	UserID         string           `bson:"user_id"`
	Role           MessageRole      `bson:"role"`
	Content        string           `bson:"content"`
	Attachments    []Attachment     `bson:"attachments,omitempty"`
	Metadata       *MessageMetadata `bson:"metadata,omitempty"`
	// IsComplete is false while the message is still being streamed.
	IsComplete bool       `bson:"is_complete"`
	CreatedAt  time.Time  `bson:"created_at"`
	DeletedAt  *time.Time `bson:"deleted_at,omitempty"`
}

// ConversationQuery filters a user's conversation listing.
type ConversationQuery struct {
	UserID   string
	Status   ConversationStatus // empty means any non-deleted
	Search   string             // case-insensitive title substring
	Page     int                // 1-based
	PageSize int
}

// ConversationRepo persists conversations.
type ConversationRepo interface {
	Create(ctx Context, c Conversation) error
	// Get returns a non-deleted conversation.
	Get(ctx Context, id string) (Conversation, error)
	// GetIncludeDeleted returns the conversation even after a soft delete.
	GetIncludeDeleted(ctx Context, id string) (Conversation, error)
	List(ctx Context, q ConversationQuery) ([]Conversation, int64, error)
	SetTitle(ctx Context, id, title string) error
	// Touch atomically increments message_count and stamps last_message_at.
	Touch(ctx Context, id string, at time.Time) error
	SoftDelete(ctx Context, id string) error
}

// MessageRepo persists messages.
type MessageRepo interface {
	Create(ctx Context, m Message) error
	// List returns non-deleted messages in created_at ascending order.
	List(ctx Context, conversationID string, limit int) ([]Message, error)
	// ListIncludeDeleted returns messages regardless of soft deletion.
	ListIncludeDeleted(ctx Context, conversationID string, limit int) ([]Message, error)
	// Recent returns the newest limit messages, still ascending.
	Recent(ctx Context, conversationID string, limit int) ([]Message, error)
	SoftDeleteByConversation(ctx Context, conversationID string) error
}

// ChatMessage is one provider-facing message in a model request.
type ChatMessage struct {
	Role       MessageRole `json:"role"`
	Content    string      `json:"content"`
	ToolCalls  []ToolCall  `json:"tool_calls,omitempty"`
	ToolCallID string      `json:"tool_call_id,omitempty"` // set when Role == tool
	Name       string      `json:"name,omitempty"`
}

// ToolSpec describes one callable tool advertised to the model.
type ToolSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// ChatRequest is one model invocation.
type ChatRequest struct {
	Messages    []ChatMessage
	Tools       []ToolSpec
	Temperature float64
	MaxTokens   int
}

// ChatResponse is the model's reply: either content, tool calls, or both.
type ChatResponse struct {
	Content      string
	ToolCalls    []ToolCall
	FinishReason string
	Model        string
	Usage        *TokenUsage
}

// StreamHandler receives incremental completion text.
type StreamHandler func(token string)

// ChatModel is the LLM boundary. Stream invokes onToken per content delta
// and returns the final assembled response.
type ChatModel interface {
	Complete(ctx Context, req ChatRequest) (ChatResponse, error)
	Stream(ctx Context, req ChatRequest, onToken StreamHandler) (ChatResponse, error)
}

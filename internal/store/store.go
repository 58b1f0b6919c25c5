// Package store caches assembled conversation transcripts locally so the
// console can re-render after a reload. It is the consumer of the streaming
// protocol: state is keyed strictly by message_id, because the server may
// interleave events across messages.
package store

import (
	"time"

	"github.com/viaiv/console/internal/stream"
)

// MessageStatus tracks a cached message's lifecycle.
const (
	MessageStreaming = "streaming"
	MessageComplete  = "complete"
	MessageError     = "error"
)

// ToolCall status values.
const (
	ToolRunning = "running"
	ToolDone    = "done"
)

// Conversation is a cached conversation header.
type Conversation struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ToolCall is a tool execution span inside a message.
type ToolCall struct {
	ID         string     `json:"id"`
	MessageID  string     `json:"message_id"`
	Name       string     `json:"name"`
	Status     string     `json:"status"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Message is one cached transcript entry, assembled from stream events.
type Message struct {
	ID             string     `json:"id"`
	ConversationID string     `json:"conversation_id"`
	Role           string     `json:"role"`
	Content        string     `json:"content"`
	Status         string     `json:"status"`
	Error          string     `json:"error,omitempty"`
	ToolCalls      []ToolCall `json:"tool_calls,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Store defines the transcript cache interface
type Store interface {
	// Apply folds one protocol event into the cache.
	Apply(conversationID string, ev stream.Event) error

	ListConversations() ([]*Conversation, error)
	GetTranscript(conversationID string) ([]*Message, error)
	DeleteConversation(id string) error

	// Close closes the store
	Close() error
}

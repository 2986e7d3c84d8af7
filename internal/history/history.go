// Package history defines persistent chat history: conversations and their
// messages, stored across sessions so the client sidebar can list and resume
// them.
package history

import (
	"context"
	"time"
)

// Chat is one stored conversation.
type Chat struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Message is one stored conversation turn. Annotations holds the serialized
// tool-call annotations emitted while the turn streamed, so a resumed chat
// can re-render tool widgets.
type Message struct {
	ID          string    `json:"id"`
	ChatID      string    `json:"chatId"`
	Role        string    `json:"role"`
	Content     string    `json:"content"`
	Annotations []byte    `json:"annotations,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Store persists chats and messages. Implementations are safe for concurrent
// use.
type Store interface {
	// CreateChat stores a new chat.
	CreateChat(ctx context.Context, chat Chat) error

	// AppendMessage appends one message to a chat and bumps its updated
	// timestamp.
	AppendMessage(ctx context.Context, msg Message) error

	// GetChat loads one chat with its messages in chronological order.
	GetChat(ctx context.Context, chatID string) (Chat, []Message, error)

	// ListChats returns chats most recently updated first.
	ListChats(ctx context.Context, limit int) ([]Chat, error)

	// DeleteChat removes a chat and its messages.
	DeleteChat(ctx context.Context, chatID string) error

	// Close releases store resources.
	Close() error
}

// ErrNotFound is returned by GetChat for an unknown chat id.
type ErrNotFound struct {
	ChatID string
}

func (e *ErrNotFound) Error() string {
	return "history: chat " + e.ChatID + " not found"
}

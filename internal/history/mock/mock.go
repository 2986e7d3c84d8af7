// Package mock provides an in-memory [history.Store] for tests and for
// running without a database.
package mock

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/defisage/defisage/internal/history"
)

var _ history.Store = (*Store)(nil)

// Store is an in-memory chat history store.
type Store struct {
	mu       sync.Mutex
	chats    map[string]history.Chat
	messages map[string][]history.Message
	now      func() time.Time
}

// NewStore returns an empty in-memory store.
func NewStore() *Store {
	return &Store{
		chats:    map[string]history.Chat{},
		messages: map[string][]history.Message{},
		now:      time.Now,
	}
}

// SetClock overrides the time source.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// CreateChat implements [history.Store].
func (s *Store) CreateChat(ctx context.Context, chat history.Chat) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.now()
	chat.CreatedAt, chat.UpdatedAt = t, t
	s.chats[chat.ID] = chat
	return nil
}

// AppendMessage implements [history.Store].
func (s *Store) AppendMessage(ctx context.Context, msg history.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg.CreatedAt = s.now()
	s.messages[msg.ChatID] = append(s.messages[msg.ChatID], msg)
	if chat, ok := s.chats[msg.ChatID]; ok {
		chat.UpdatedAt = msg.CreatedAt
		s.chats[msg.ChatID] = chat
	}
	return nil
}

// GetChat implements [history.Store].
func (s *Store) GetChat(ctx context.Context, chatID string) (history.Chat, []history.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	chat, ok := s.chats[chatID]
	if !ok {
		return history.Chat{}, nil, &history.ErrNotFound{ChatID: chatID}
	}
	msgs := append([]history.Message(nil), s.messages[chatID]...)
	return chat, msgs, nil
}

// ListChats implements [history.Store].
func (s *Store) ListChats(ctx context.Context, limit int) ([]history.Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	chats := make([]history.Chat, 0, len(s.chats))
	for _, c := range s.chats {
		chats = append(chats, c)
	}
	sort.Slice(chats, func(i, j int) bool {
		return chats[i].UpdatedAt.After(chats[j].UpdatedAt)
	})
	if limit > 0 && len(chats) > limit {
		chats = chats[:limit]
	}
	return chats, nil
}

// DeleteChat implements [history.Store].
func (s *Store) DeleteChat(ctx context.Context, chatID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.chats, chatID)
	delete(s.messages, chatID)
	return nil
}

// Close implements [history.Store].
func (s *Store) Close() error { return nil }

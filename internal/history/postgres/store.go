// Package postgres provides the PostgreSQL-backed chat history store. All
// operations share a single [pgxpool.Pool]; [Migrate] installs the schema on
// startup via CREATE TABLE IF NOT EXISTS.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/defisage/defisage/internal/history"
)

var _ history.Store = (*Store)(nil)

const ddlChats = `
CREATE TABLE IF NOT EXISTS chats (
    id         TEXT         PRIMARY KEY,
    title      TEXT         NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ  NOT NULL DEFAULT now(),
    updated_at TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_chats_updated_at
    ON chats (updated_at DESC);
`

const ddlMessages = `
CREATE TABLE IF NOT EXISTS chat_messages (
    id          TEXT         PRIMARY KEY,
    chat_id     TEXT         NOT NULL REFERENCES chats (id) ON DELETE CASCADE,
    role        TEXT         NOT NULL,
    content     TEXT         NOT NULL,
    annotations JSONB,
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_chat_messages_chat_created
    ON chat_messages (chat_id, created_at);
`

// Store is the PostgreSQL chat history store.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to the database at dsn, verifies connectivity, and runs
// the schema migration.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("history store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("history store: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("history store: migrate: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Migrate ensures the history tables exist.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, ddl := range []string{ddlChats, ddlMessages} {
		if _, err := pool.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("history store: apply schema: %w", err)
		}
	}
	return nil
}

// CreateChat implements [history.Store].
func (s *Store) CreateChat(ctx context.Context, chat history.Chat) error {
	const q = `
		INSERT INTO chats (id, title, created_at, updated_at)
		VALUES ($1, $2, now(), now())`

	if _, err := s.pool.Exec(ctx, q, chat.ID, chat.Title); err != nil {
		return fmt.Errorf("history store: create chat: %w", err)
	}
	return nil
}

// AppendMessage implements [history.Store]. The chat's updated_at is bumped
// in the same transaction so sidebar ordering follows activity.
func (s *Store) AppendMessage(ctx context.Context, msg history.Message) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("history store: begin append: %w", err)
	}
	defer tx.Rollback(ctx)

	const insert = `
		INSERT INTO chat_messages (id, chat_id, role, content, annotations, created_at)
		VALUES ($1, $2, $3, $4, $5, now())`
	if _, err := tx.Exec(ctx, insert, msg.ID, msg.ChatID, msg.Role, msg.Content, msg.Annotations); err != nil {
		return fmt.Errorf("history store: append message: %w", err)
	}

	const touch = `UPDATE chats SET updated_at = now() WHERE id = $1`
	if _, err := tx.Exec(ctx, touch, msg.ChatID); err != nil {
		return fmt.Errorf("history store: touch chat: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("history store: commit append: %w", err)
	}
	return nil
}

// GetChat implements [history.Store].
func (s *Store) GetChat(ctx context.Context, chatID string) (history.Chat, []history.Message, error) {
	const chatQ = `
		SELECT id, title, created_at, updated_at
		FROM   chats
		WHERE  id = $1`

	var chat history.Chat
	err := s.pool.QueryRow(ctx, chatQ, chatID).Scan(&chat.ID, &chat.Title, &chat.CreatedAt, &chat.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return history.Chat{}, nil, &history.ErrNotFound{ChatID: chatID}
	}
	if err != nil {
		return history.Chat{}, nil, fmt.Errorf("history store: get chat: %w", err)
	}

	const msgQ = `
		SELECT id, chat_id, role, content, annotations, created_at
		FROM   chat_messages
		WHERE  chat_id = $1
		ORDER  BY created_at`

	rows, err := s.pool.Query(ctx, msgQ, chatID)
	if err != nil {
		return history.Chat{}, nil, fmt.Errorf("history store: get messages: %w", err)
	}
	messages, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (history.Message, error) {
		var m history.Message
		err := row.Scan(&m.ID, &m.ChatID, &m.Role, &m.Content, &m.Annotations, &m.CreatedAt)
		return m, err
	})
	if err != nil {
		return history.Chat{}, nil, fmt.Errorf("history store: scan messages: %w", err)
	}
	return chat, messages, nil
}

// ListChats implements [history.Store].
func (s *Store) ListChats(ctx context.Context, limit int) ([]history.Chat, error) {
	const q = `
		SELECT id, title, created_at, updated_at
		FROM   chats
		ORDER  BY updated_at DESC
		LIMIT  $1`

	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("history store: list chats: %w", err)
	}
	chats, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (history.Chat, error) {
		var c history.Chat
		err := row.Scan(&c.ID, &c.Title, &c.CreatedAt, &c.UpdatedAt)
		return c, err
	})
	if err != nil {
		return nil, fmt.Errorf("history store: scan chats: %w", err)
	}
	return chats, nil
}

// DeleteChat implements [history.Store]. Messages cascade.
func (s *Store) DeleteChat(ctx context.Context, chatID string) error {
	const q = `DELETE FROM chats WHERE id = $1`
	if _, err := s.pool.Exec(ctx, q, chatID); err != nil {
		return fmt.Errorf("history store: delete chat: %w", err)
	}
	return nil
}

// Close implements [history.Store].
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

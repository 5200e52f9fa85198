package convstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/antoniostano/chatrelay/internal/session"
)

var ErrNotFound = errors.New("conversation not found")

// Conversation is a mirrored snapshot of one session's message history.
type Conversation struct {
	ConversationID string            `json:"conversationId"`
	SessionKey     string            `json:"sessionId"`
	Messages       []session.Message `json:"messages"`
	CreatedAt      time.Time         `json:"createdAt"`
	UpdatedAt      time.Time         `json:"updatedAt"`
}

// PostgresStore persists conversation mirrors in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			conversation_id TEXT PRIMARY KEY,
			session_key TEXT NOT NULL,
			messages JSONB NOT NULL DEFAULT '[]',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_created ON conversations (created_at DESC);`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

// Create inserts a new conversation record and returns its identifier.
func (s *PostgresStore) Create(ctx context.Context, sessionKey string, messages []session.Message) (string, error) {
	conversationID := "conv_" + uuid.NewString()
	blob, err := json.Marshal(messages)
	if err != nil {
		return "", fmt.Errorf("marshal messages: %w", err)
	}
	now := time.Now().UTC()
	_, err = s.pool.Exec(ctx,
		`INSERT INTO conversations (conversation_id, session_key, messages, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $4)`,
		conversationID, sessionKey, blob, now,
	)
	if err != nil {
		return "", fmt.Errorf("insert conversation: %w", err)
	}
	return conversationID, nil
}

// Update overwrites the message list of an existing conversation.
func (s *PostgresStore) Update(ctx context.Context, conversationID string, messages []session.Message) error {
	blob, err := json.Marshal(messages)
	if err != nil {
		return fmt.Errorf("marshal messages: %w", err)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE conversations SET messages=$2, updated_at=$3 WHERE conversation_id=$1`,
		conversationID, blob, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("update conversation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, conversationID string) (Conversation, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT conversation_id, session_key, messages, created_at, updated_at
		   FROM conversations WHERE conversation_id=$1`,
		conversationID,
	)
	conv, err := scanConversation(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Conversation{}, ErrNotFound
		}
		return Conversation{}, fmt.Errorf("get conversation: %w", err)
	}
	return conv, nil
}

// List returns all mirrored conversations, newest first.
func (s *PostgresStore) List(ctx context.Context) ([]Conversation, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT conversation_id, session_key, messages, created_at, updated_at
		   FROM conversations ORDER BY created_at DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	out := make([]Conversation, 0, 16)
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conversation row: %w", err)
		}
		out = append(out, conv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversation rows: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) Delete(ctx context.Context, conversationID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM conversations WHERE conversation_id=$1`, conversationID)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Stats aggregates over the mirrored records. Every mirrored conversation is
// counted as active, matching the reference system's health payload.
func (s *PostgresStore) Stats(ctx context.Context) (session.Stats, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT COUNT(*), COALESCE(SUM(jsonb_array_length(messages)), 0) FROM conversations`,
	)
	var conversations, messages int64
	if err := row.Scan(&conversations, &messages); err != nil {
		return session.Stats{}, fmt.Errorf("conversation stats: %w", err)
	}
	return session.Stats{
		TotalConversations: conversations,
		TotalMessages:      messages,
		ActiveSessions:     int(conversations),
	}, nil
}

// Ping verifies database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

func scanConversation(row pgx.Row) (Conversation, error) {
	var (
		conv Conversation
		blob []byte
	)
	if err := row.Scan(&conv.ConversationID, &conv.SessionKey, &blob, &conv.CreatedAt, &conv.UpdatedAt); err != nil {
		return Conversation{}, err
	}
	if err := json.Unmarshal(blob, &conv.Messages); err != nil {
		return Conversation{}, fmt.Errorf("decode messages: %w", err)
	}
	return conv, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// Package store persists conversations and messages in PostgreSQL.
//
// The streaming pipeline treats this store as the source of truth for
// conversation history; the conversation hot cache is a latency optimization
// layered on top and is never consulted for correctness.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/askflow/askflow/internal/log"
)

// Message status values. A message is created as StatusStreaming while
// generation is in flight and transitions exactly once to StatusComplete or
// StatusFailed.
const (
	StatusStreaming = "streaming"
	StatusComplete  = "complete"
	StatusFailed    = "failed"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ErrNotFound indicates the requested row does not exist.
var ErrNotFound = errors.New("not found")

// Citation attributes a span of an assistant message to a knowledge source.
type Citation struct {
	SourceID string `json:"sourceId"`
	Title    string `json:"title"`
	Kind     string `json:"kind"`
	Page     int    `json:"page,omitempty"`
}

// Message is a single conversation turn. Immutable once written except for
// the status transition at the end of generation.
type Message struct {
	ID               uuid.UUID
	ConversationID   uuid.UUID
	Role             string
	Content          string
	TokensUsed       int
	ProcessingTimeMs int64
	Status           string
	CreatedAt        time.Time
	Citations        []Citation
}

// Messages manages message persistence with a PostgreSQL backend.
// Safe for concurrent use by multiple goroutines.
type Messages struct {
	pool   *pgxpool.Pool
	logger log.Logger
}

// NewMessages creates a message store backed by the given pool.
func NewMessages(pool *pgxpool.Pool, logger log.Logger) *Messages {
	if logger == nil {
		logger = log.NewNop()
	}
	return &Messages{pool: pool, logger: logger}
}

// History returns the messages of a conversation, oldest first.
// limit <= 0 means no limit.
func (s *Messages) History(ctx context.Context, conversationID uuid.UUID, limit int32) ([]Message, error) {
	q := `SELECT id, conversation_id, role, content, tokens_used, processing_time_ms,
	             status, created_at, citations
	      FROM messages
	      WHERE conversation_id = $1
	      ORDER BY created_at ASC`
	args := []any{conversationID}
	if limit > 0 {
		// Newest N, restored to chronological order below.
		q = `SELECT id, conversation_id, role, content, tokens_used, processing_time_ms,
		            status, created_at, citations
		     FROM (
		         SELECT id, conversation_id, role, content, tokens_used, processing_time_ms,
		                status, created_at, citations
		         FROM messages
		         WHERE conversation_id = $1
		         ORDER BY created_at DESC
		         LIMIT $2
		     ) recent
		     ORDER BY created_at ASC`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("querying history: %w", err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading history rows: %w", err)
	}
	return msgs, nil
}

// Persist writes a message. A zero ID is assigned; a zero CreatedAt is set
// server-side. Returns the stored message.
func (s *Messages) Persist(ctx context.Context, m Message) (Message, error) {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	if m.Status == "" {
		m.Status = StatusComplete
	}

	citations, err := json.Marshal(m.Citations)
	if err != nil {
		return Message{}, fmt.Errorf("encoding citations: %w", err)
	}

	row := s.pool.QueryRow(ctx,
		`INSERT INTO messages
		     (id, conversation_id, role, content, tokens_used, processing_time_ms, status, citations)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING created_at`,
		m.ID, m.ConversationID, m.Role, m.Content, m.TokensUsed, m.ProcessingTimeMs, m.Status, citations)
	if err := row.Scan(&m.CreatedAt); err != nil {
		return Message{}, fmt.Errorf("inserting message: %w", err)
	}

	s.logger.Debug("persisted message",
		"id", m.ID,
		"conversation_id", m.ConversationID,
		"role", m.Role,
		"status", m.Status)
	return m, nil
}

// UpdateStatus transitions a message's status.
func (s *Messages) UpdateStatus(ctx context.Context, id uuid.UUID, status string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE messages SET status = $2 WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("updating message status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("message %s: %w", id, ErrNotFound)
	}
	return nil
}

// EnsureConversation creates the conversation row if it does not exist.
// Used by the widget path where anonymous visitors have no prior record.
func (s *Messages) EnsureConversation(ctx context.Context, conversationID uuid.UUID, chatbotID string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO conversations (id, chatbot_id)
		 VALUES ($1, $2)
		 ON CONFLICT (id) DO NOTHING`,
		conversationID, chatbotID)
	if err != nil {
		return fmt.Errorf("ensuring conversation: %w", err)
	}
	return nil
}

// scanMessage reads one message row including its citations JSON.
func scanMessage(rows pgx.Rows) (Message, error) {
	var (
		m         Message
		citations []byte
	)
	if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content,
		&m.TokensUsed, &m.ProcessingTimeMs, &m.Status, &m.CreatedAt, &citations); err != nil {
		return Message{}, fmt.Errorf("scanning message row: %w", err)
	}
	if len(citations) > 0 {
		if err := json.Unmarshal(citations, &m.Citations); err != nil {
			return Message{}, fmt.Errorf("decoding citations: %w", err)
		}
	}
	return m, nil
}

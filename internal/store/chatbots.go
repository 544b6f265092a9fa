package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Chatbot is a chatbot's configuration as the streaming pipeline needs it.
type Chatbot struct {
	ID               string
	Name             string
	SystemPrompt     string
	SchedulingLink   string
	RejectionMessage string
	AllowedOrigins   []string
}

// Chatbots reads chatbot configuration.
type Chatbots struct {
	pool *pgxpool.Pool
}

// NewChatbots creates a chatbot store backed by the given pool.
func NewChatbots(pool *pgxpool.Pool) *Chatbots {
	return &Chatbots{pool: pool}
}

// Get returns the chatbot's configuration, or ErrNotFound.
func (s *Chatbots) Get(ctx context.Context, id string) (Chatbot, error) {
	var c Chatbot
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, system_prompt,
		        COALESCE(scheduling_link, ''),
		        COALESCE(rejection_message, ''),
		        COALESCE(allowed_origins, '{}')
		 FROM chatbots
		 WHERE id = $1`, id).
		Scan(&c.ID, &c.Name, &c.SystemPrompt, &c.SchedulingLink, &c.RejectionMessage, &c.AllowedOrigins)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Chatbot{}, fmt.Errorf("chatbot %s: %w", id, ErrNotFound)
		}
		return Chatbot{}, fmt.Errorf("reading chatbot: %w", err)
	}
	return c, nil
}

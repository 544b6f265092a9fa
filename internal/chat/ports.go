// Package chat contains the streaming orchestrator: the state machine that
// turns one inbound user message into a live event stream while coordinating
// the safety gate, hot cache, retrieval engine, history assembler, model
// provider, durable store, and audit sink.
package chat

import (
	"context"

	"github.com/google/uuid"

	"github.com/askflow/askflow/internal/provider"
	"github.com/askflow/askflow/internal/retrieval"
	"github.com/askflow/askflow/internal/safety"
	"github.com/askflow/askflow/internal/store"
)

// MessageStore is the durable message log, the source of truth for history.
type MessageStore interface {
	History(ctx context.Context, conversationID uuid.UUID, limit int32) ([]store.Message, error)
	Persist(ctx context.Context, m store.Message) (store.Message, error)
	EnsureConversation(ctx context.Context, conversationID uuid.UUID, chatbotID string) error
}

// Retriever performs vector search and reports the knowledge base version
// marker used for cache validity.
type Retriever interface {
	Retrieve(ctx context.Context, query, chatbotID string, topK int) (retrieval.Result, error)
	KnowledgeBaseVersion(ctx context.Context, chatbotID string) (string, error)
}

// Generator streams a model completion for an assembled conversation.
type Generator interface {
	Generate(ctx context.Context, req provider.Request) (*provider.Response, error)
}

// SafetyGate pre-screens the raw user message before any expensive work.
type SafetyGate interface {
	Check(ctx context.Context, message string, rc safety.RequestContext) (safety.Decision, error)
}

// Emitter delivers stream events to the client. An error means the transport
// is gone and the turn should stop emitting.
type Emitter interface {
	Emit(Event) error
}

// EmitterFunc adapts a function to the Emitter interface.
type EmitterFunc func(Event) error

// Emit calls f(e).
func (f EmitterFunc) Emit(e Event) error { return f(e) }

// Chatbot is the configuration slice of a chatbot the orchestrator needs:
// the prompt persona, the scheduling integration, and the refusal text.
type Chatbot struct {
	ID               string
	Name             string
	SystemPrompt     string
	SchedulingLink   string
	RejectionMessage string
}

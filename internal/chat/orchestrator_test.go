package chat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/askflow/askflow/internal/convcache"
	"github.com/askflow/askflow/internal/history"
	"github.com/askflow/askflow/internal/log"
	"github.com/askflow/askflow/internal/provider"
	"github.com/askflow/askflow/internal/retrieval"
	"github.com/askflow/askflow/internal/safety"
	"github.com/askflow/askflow/internal/store"
)

type mockStore struct {
	mu           sync.Mutex
	persisted    []store.Message
	history      []store.Message
	historyCalls int
	persistErr   error
}

func (m *mockStore) History(_ context.Context, _ uuid.UUID, _ int32) ([]store.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.historyCalls++
	return m.history, nil
}

func (m *mockStore) Persist(_ context.Context, msg store.Message) (store.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.persistErr != nil {
		return store.Message{}, m.persistErr
	}
	if msg.ID == uuid.Nil {
		msg.ID = uuid.New()
	}
	msg.CreatedAt = time.Now()
	m.persisted = append(m.persisted, msg)
	return msg, nil
}

func (m *mockStore) EnsureConversation(_ context.Context, _ uuid.UUID, _ string) error {
	return nil
}

type mockRetriever struct {
	mu            sync.Mutex
	result        retrieval.Result
	version       string
	retrieveCalls int
	versionCalls  int
	err           error
}

func (m *mockRetriever) Retrieve(_ context.Context, _, _ string, _ int) (retrieval.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.retrieveCalls++
	if m.err != nil {
		return retrieval.Result{}, m.err
	}
	r := m.result
	r.KnowledgeBaseVersion = m.version
	return r, nil
}

func (m *mockRetriever) KnowledgeBaseVersion(_ context.Context, _ string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.versionCalls++
	return m.version, nil
}

type mockGenerator struct {
	mu        sync.Mutex
	text      string
	fragments []string
	tools     []provider.ToolRequest
	calls     int
	err       error
	block     bool
}

func (m *mockGenerator) Generate(ctx context.Context, req provider.Request) (*provider.Response, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	if m.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if m.err != nil {
		return nil, m.err
	}
	for _, f := range m.fragments {
		if req.OnChunk != nil {
			if err := req.OnChunk(ctx, f); err != nil {
				return nil, err
			}
		}
	}
	return &provider.Response{Text: m.text, ToolRequests: m.tools}, nil
}

type mockGate struct {
	blocked bool
	calls   int
}

func (m *mockGate) Check(_ context.Context, _ string, _ safety.RequestContext) (safety.Decision, error) {
	m.calls++
	if m.blocked {
		return safety.Decision{Blocked: true, UserResponse: safety.DefaultRejection}, nil
	}
	return safety.Decision{}, nil
}

type collectEmitter struct {
	mu     sync.Mutex
	events []Event
}

func (c *collectEmitter) Emit(e Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
	return nil
}

func (c *collectEmitter) types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	types := make([]string, len(c.events))
	for i, e := range c.events {
		types[i] = e.Type
	}
	return types
}

type fixture struct {
	store     *mockStore
	retriever *mockRetriever
	generator *mockGenerator
	gate      *mockGate
	cache     *convcache.Cache
	orch      *Orchestrator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		store: &mockStore{},
		retriever: &mockRetriever{
			version: "v1",
			result: retrieval.Result{
				Chunks: []retrieval.Chunk{
					{SourceID: "s1", Title: "Pricing", Kind: "document", Text: "Plans start at $10."},
				},
				Sources:      []retrieval.Source{{ID: "s1", Name: "Pricing", Type: "document"}},
				SearchTimeMs: 12,
			},
		},
		generator: &mockGenerator{
			text:      "Plans start at $10 per month.",
			fragments: []string{"Plans start at ", "$10 per month."},
		},
		gate:  &mockGate{},
		cache: convcache.New(time.Minute, log.NewNop()),
	}

	orch, err := New(Config{
		Store:          f.store,
		Retriever:      f.retriever,
		Generator:      f.generator,
		Gate:           f.gate,
		HotCache:       f.cache,
		Counter:        history.HeuristicCounter{},
		Logger:         log.NewNop(),
		TokenBudget:    2000,
		RetrievalTopK:  5,
		RequestTimeout: 30 * time.Second,
	})
	require.NoError(t, err)
	f.orch = orch
	return f
}

func testRequest() Request {
	return Request{
		Chatbot:        Chatbot{ID: "bot-1", SystemPrompt: "You are helpful."},
		ConversationID: uuid.New(),
		SessionID:      "sess-1",
		Message:        "How much do plans cost?",
	}
}

func waitForAudit() {
	// Audit recording is fire-and-forget on a separate goroutine.
	time.Sleep(20 * time.Millisecond)
}

func TestStreamHappyPath(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	emitter := &collectEmitter{}

	err := f.orch.Stream(context.Background(), testRequest(), emitter)
	require.NoError(t, err)

	require.Equal(t, []string{EventStart, EventContent, EventContent, EventComplete}, emitter.types())

	start := emitter.events[0]
	assert.NotEmpty(t, start.MessageID)

	assert.Equal(t, "Plans start at ", emitter.events[1].Content)
	assert.Equal(t, "$10 per month.", emitter.events[2].Content)

	complete := emitter.events[3]
	assert.Equal(t, "Plans start at $10 per month.", complete.Content)
	require.NotNil(t, complete.TokensUsed)
	assert.Positive(t, *complete.TokensUsed)
	require.NotNil(t, complete.ProcessingTimeMs)
	require.Len(t, complete.Sources, 1)
	assert.Equal(t, "s1", complete.Sources[0].ID)

	// User turn and assistant turn both persisted.
	require.Len(t, f.store.persisted, 2)
	assert.Equal(t, store.RoleUser, f.store.persisted[0].Role)
	assert.Equal(t, store.RoleAssistant, f.store.persisted[1].Role)
	assert.Equal(t, store.StatusComplete, f.store.persisted[1].Status)
	require.Len(t, f.store.persisted[1].Citations, 1)

	waitForAudit()
}

func TestStreamSafetyShortCircuit(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.gate.blocked = true
	emitter := &collectEmitter{}

	err := f.orch.Stream(context.Background(), testRequest(), emitter)
	require.NoError(t, err)

	// Exactly start, content, complete; no retrieval or generation.
	require.Equal(t, []string{EventStart, EventContent, EventComplete}, emitter.types())
	assert.Zero(t, f.retriever.retrieveCalls)
	assert.Zero(t, f.retriever.versionCalls)
	assert.Zero(t, f.generator.calls)

	complete := emitter.events[2]
	require.NotNil(t, complete.TokensUsed)
	assert.Zero(t, *complete.TokensUsed)
	assert.Equal(t, safety.DefaultRejection, emitter.events[1].Content)

	waitForAudit()
}

func TestStreamBlockedUsesChatbotRejection(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.gate.blocked = true
	emitter := &collectEmitter{}

	req := testRequest()
	req.Chatbot.RejectionMessage = "Let's keep it about our products."
	err := f.orch.Stream(context.Background(), req, emitter)
	require.NoError(t, err)

	assert.Equal(t, "Let's keep it about our products.", emitter.events[1].Content)
	waitForAudit()
}

func TestStreamCacheHitSkipsRetrieval(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	req := testRequest()

	// First call populates the cache via write-back.
	require.NoError(t, f.orch.Stream(context.Background(), req, &collectEmitter{}))
	require.Equal(t, 1, f.retriever.retrieveCalls)

	// Second identical call hits the cache: the version probe runs but no
	// new retrieval happens, and the same chunks drive the turn.
	second := &collectEmitter{}
	require.NoError(t, f.orch.Stream(context.Background(), req, second))

	assert.Equal(t, 1, f.retriever.retrieveCalls, "cache hit must not retrieve again")
	assert.Positive(t, f.retriever.versionCalls)

	complete := second.events[len(second.events)-1]
	require.Equal(t, EventComplete, complete.Type)
	require.Len(t, complete.Sources, 1)
	assert.Equal(t, "s1", complete.Sources[0].ID)

	waitForAudit()
}

func TestStreamVersionChangeForcesMiss(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	req := testRequest()

	require.NoError(t, f.orch.Stream(context.Background(), req, &collectEmitter{}))
	require.Equal(t, 1, f.retriever.retrieveCalls)

	// Re-index: version advances, fingerprint still matches.
	f.retriever.mu.Lock()
	f.retriever.version = "v2"
	f.retriever.mu.Unlock()

	require.NoError(t, f.orch.Stream(context.Background(), req, &collectEmitter{}))
	assert.Equal(t, 2, f.retriever.retrieveCalls, "version change must force a full miss")

	waitForAudit()
}

func TestStreamDifferentMessageForcesMiss(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	req := testRequest()

	require.NoError(t, f.orch.Stream(context.Background(), req, &collectEmitter{}))

	req.Message = "Do you offer refunds?"
	require.NoError(t, f.orch.Stream(context.Background(), req, &collectEmitter{}))

	assert.Equal(t, 2, f.retriever.retrieveCalls, "fingerprint change must force a full miss")
	waitForAudit()
}

func TestStreamToolCalls(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.generator.tools = []provider.ToolRequest{
		{Name: provider.ToolShowLeadForm, Parameters: map[string]any{"reason": "follow-up"}},
		{Name: provider.ToolShowLeadForm, Parameters: map[string]any{"reason": "duplicate"}},
	}
	emitter := &collectEmitter{}

	require.NoError(t, f.orch.Stream(context.Background(), testRequest(), emitter))

	// Duplicates are forwarded as received, between content and complete.
	types := emitter.types()
	require.Equal(t, []string{EventStart, EventContent, EventContent, EventToolCall, EventToolCall, EventComplete}, types)
	assert.Equal(t, provider.ToolShowLeadForm, emitter.events[3].ToolCall.Name)
	assert.Equal(t, provider.ToolShowLeadForm, emitter.events[4].ToolCall.Name)

	waitForAudit()
}

func TestStreamGenerationFailureEmitsErrorEvent(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.generator.err = errors.New("model exploded")
	emitter := &collectEmitter{}

	// Turn-level failures are delivered in-band; Stream itself succeeds.
	require.NoError(t, f.orch.Stream(context.Background(), testRequest(), emitter))

	types := emitter.types()
	require.Equal(t, EventStart, types[0])
	last := emitter.events[len(emitter.events)-1]
	require.Equal(t, EventError, last.Type)
	require.NotNil(t, last.Error)
	assert.Equal(t, CodeGenerationFailed, last.Error.Code)
	assert.NotEmpty(t, last.Error.Message)
}

func TestStreamTimeoutEmitsTimeoutCode(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.generator.block = true

	orch, err := New(Config{
		Store:          f.store,
		Retriever:      f.retriever,
		Generator:      f.generator,
		Gate:           f.gate,
		HotCache:       f.cache,
		Counter:        history.HeuristicCounter{},
		Logger:         log.NewNop(),
		TokenBudget:    2000,
		RequestTimeout: 20 * time.Millisecond,
	})
	require.NoError(t, err)

	emitter := &collectEmitter{}
	require.NoError(t, orch.Stream(context.Background(), testRequest(), emitter))

	last := emitter.events[len(emitter.events)-1]
	require.Equal(t, EventError, last.Type)
	assert.Equal(t, CodeTimeout, last.Error.Code)
}

func TestStreamCircuitOpenCode(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.generator.err = provider.ErrCircuitOpen
	emitter := &collectEmitter{}

	require.NoError(t, f.orch.Stream(context.Background(), testRequest(), emitter))

	last := emitter.events[len(emitter.events)-1]
	require.Equal(t, EventError, last.Type)
	assert.Equal(t, CodeProviderUnavailable, last.Error.Code)
}

func TestStreamRetrievalFailureEmitsErrorEvent(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.retriever.err = errors.New("vector index offline")
	emitter := &collectEmitter{}

	require.NoError(t, f.orch.Stream(context.Background(), testRequest(), emitter))

	last := emitter.events[len(emitter.events)-1]
	require.Equal(t, EventError, last.Type)
	assert.Equal(t, CodeInternal, last.Error.Code)
	assert.Zero(t, f.generator.calls, "generation must not run after retrieval failure")
}

func TestStreamPersistFailureEmitsErrorEvent(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.store.persistErr = errors.New("disk full")
	emitter := &collectEmitter{}

	require.NoError(t, f.orch.Stream(context.Background(), testRequest(), emitter))

	last := emitter.events[len(emitter.events)-1]
	require.Equal(t, EventError, last.Type)
}

func TestStreamClientHistorySkipsStoreRead(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	emitter := &collectEmitter{}

	req := testRequest()
	req.UseClientHistory = true
	req.ClientHistory = []store.Message{
		{Role: store.RoleUser, Content: "Earlier question"},
		{Role: store.RoleAssistant, Content: "Earlier answer"},
	}

	require.NoError(t, f.orch.Stream(context.Background(), req, emitter))

	assert.Zero(t, f.store.historyCalls, "widget turns must use client-supplied history")
	assert.Equal(t, EventComplete, emitter.events[len(emitter.events)-1].Type)

	waitForAudit()
}

func TestStreamWriteBackEntry(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	req := testRequest()

	require.NoError(t, f.orch.Stream(context.Background(), req, &collectEmitter{}))

	entry, ok := f.cache.Get(req.ConversationID)
	require.True(t, ok, "write-back must populate the cache")
	assert.True(t, entry.Valid(convcache.Fingerprint(req.Message, req.Chatbot.ID), "v1"))
	assert.NotEmpty(t, entry.Chunks)
	// The new user and assistant turns ride along in the cached history.
	require.NotEmpty(t, entry.Messages)
	last := entry.Messages[len(entry.Messages)-1]
	assert.Equal(t, store.RoleAssistant, last.Role)

	waitForAudit()
}

func TestStreamTransportFailureStops(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	failing := EmitterFunc(func(Event) error { return errors.New("client gone") })

	err := f.orch.Stream(context.Background(), testRequest(), failing)
	require.Error(t, err)
	assert.Zero(t, f.generator.calls, "nothing should run once the transport is dead")
}

package chat

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/askflow/askflow/internal/attachcache"
	"github.com/askflow/askflow/internal/convcache"
	"github.com/askflow/askflow/internal/history"
	"github.com/askflow/askflow/internal/log"
	"github.com/askflow/askflow/internal/provider"
	"github.com/askflow/askflow/internal/retrieval"
	"github.com/askflow/askflow/internal/safety"
	"github.com/askflow/askflow/internal/store"
)

// historyFetchLimit bounds how many durable messages one turn reads. The
// token budget trims further; this only caps the database round trip.
const historyFetchLimit = 50

// Request is one inbound user turn.
type Request struct {
	Chatbot        Chatbot
	ConversationID uuid.UUID
	SessionID      string
	Message        string
	Attachments    []attachcache.Attachment

	// ClientHistory replaces the durable-store read for anonymous widget
	// visitors, who have no server-side conversation record until now.
	ClientHistory    []store.Message
	UseClientHistory bool
}

// Config contains the orchestrator's collaborators and tuning.
type Config struct {
	Store     MessageStore
	Retriever Retriever
	Generator Generator
	Gate      SafetyGate
	Audit     AuditSink
	HotCache  *convcache.Cache
	Assembler *history.Assembler
	Counter   history.TokenCounter
	Logger    log.Logger

	TokenBudget    int
	RetrievalTopK  int
	RequestTimeout time.Duration
}

func (cfg Config) validate() error {
	if cfg.Store == nil {
		return errors.New("message store is required")
	}
	if cfg.Retriever == nil {
		return errors.New("retriever is required")
	}
	if cfg.Generator == nil {
		return errors.New("generator is required")
	}
	if cfg.Gate == nil {
		return errors.New("safety gate is required")
	}
	if cfg.HotCache == nil {
		return errors.New("hot cache is required")
	}
	if cfg.TokenBudget <= 0 {
		return errors.New("token budget must be positive")
	}
	return nil
}

// Orchestrator drives one streaming turn through its states:
// start, content*, tool_call*, then complete or error. Stateless across
// requests; safe for concurrent use.
//
// There is deliberately no per-conversation in-flight guard: two concurrent
// turns on one conversation both run retrieval and generation, and the later
// cache write-back wins. The durable store stays authoritative either way.
type Orchestrator struct {
	store     MessageStore
	retriever Retriever
	generator Generator
	gate      SafetyGate
	audit     AuditSink
	hotCache  *convcache.Cache
	assembler *history.Assembler
	counter   history.TokenCounter
	logger    log.Logger

	tokenBudget    int
	retrievalTopK  int
	requestTimeout time.Duration
}

// New creates an orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	counter := cfg.Counter
	if counter == nil {
		counter = history.NewCounter()
	}
	assembler := cfg.Assembler
	if assembler == nil {
		assembler = history.NewAssembler(counter, cfg.Logger)
	}
	audit := cfg.Audit
	if audit == nil {
		audit = NewLogAuditSink(cfg.Logger)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.NewNop()
	}
	topK := cfg.RetrievalTopK
	if topK <= 0 {
		topK = 5
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Orchestrator{
		store:          cfg.Store,
		retriever:      cfg.Retriever,
		generator:      cfg.Generator,
		gate:           cfg.Gate,
		audit:          audit,
		hotCache:       cfg.HotCache,
		assembler:      assembler,
		counter:        counter,
		logger:         logger,
		tokenBudget:    cfg.TokenBudget,
		retrievalTopK:  topK,
		requestTimeout: timeout,
	}, nil
}

// Stream runs one turn, emitting events until a terminal state. The returned
// error reports transport failure only; turn-level failures are delivered
// in-band as an error event and return nil.
func (o *Orchestrator) Stream(ctx context.Context, req Request, emit Emitter) error {
	start := time.Now()
	turnID := uuid.New()

	ctx, cancel := context.WithTimeout(ctx, o.requestTimeout)
	defer cancel()

	// Commit to the stream before any I/O.
	if err := emit.Emit(StartEvent(turnID.String())); err != nil {
		return fmt.Errorf("emitting start: %w", err)
	}

	decision, err := o.gate.Check(ctx, req.Message, safety.RequestContext{
		ChatbotID:      req.Chatbot.ID,
		ConversationID: req.ConversationID.String(),
		SessionID:      req.SessionID,
	})
	if err != nil {
		return o.fail(ctx, emit, err)
	}
	if decision.Blocked {
		return o.streamBlocked(ctx, req, decision, emit, turnID, start)
	}

	fingerprint := convcache.Fingerprint(req.Message, req.Chatbot.ID)
	msgs, chunks, sources, kbVersion, cacheHit, err := o.gatherContext(ctx, req, fingerprint)
	if err != nil {
		return o.fail(ctx, emit, err)
	}

	if err := o.store.EnsureConversation(ctx, req.ConversationID, req.Chatbot.ID); err != nil {
		return o.fail(ctx, emit, err)
	}
	userMsg, err := o.store.Persist(ctx, store.Message{
		ConversationID: req.ConversationID,
		Role:           store.RoleUser,
		Content:        req.Message,
		Status:         store.StatusComplete,
	})
	if err != nil {
		return o.fail(ctx, emit, err)
	}

	ragTokens := 0
	for _, c := range chunks {
		ragTokens += o.counter.Count(c.Text)
	}
	assembled := o.assembler.Assemble(msgs, ragTokens, o.tokenBudget)

	resp, emitErr := o.generate(ctx, req, assembled.Messages, chunks, emit)
	if emitErr != nil {
		return emitErr
	}
	if resp == nil {
		// Failure already delivered in-band.
		return nil
	}

	for _, tr := range resp.ToolRequests {
		if err := emit.Emit(ToolCallEvent(InterpretToolCall(tr, req.Chatbot))); err != nil {
			return fmt.Errorf("emitting tool call: %w", err)
		}
	}

	tokensUsed := o.counter.Count(resp.Text)
	elapsed := time.Since(start).Milliseconds()

	assistantMsg, err := o.store.Persist(ctx, store.Message{
		ConversationID:   req.ConversationID,
		Role:             store.RoleAssistant,
		Content:          resp.Text,
		TokensUsed:       tokensUsed,
		ProcessingTimeMs: elapsed,
		Status:           store.StatusComplete,
		Citations:        citations(chunks),
	})
	if err != nil {
		return o.fail(ctx, emit, err)
	}

	if err := emit.Emit(CompleteEvent(assistantMsg.ID.String(), resp.Text, tokensUsed, elapsed, sources)); err != nil {
		return fmt.Errorf("emitting complete: %w", err)
	}

	o.writeBack(req, fingerprint, kbVersion, assembled, userMsg, assistantMsg, chunks)
	o.recordAudit(AuditRecord{
		ChatbotID:        req.Chatbot.ID,
		ConversationID:   req.ConversationID,
		MessageID:        assistantMsg.ID,
		CacheHit:         cacheHit,
		TokensUsed:       tokensUsed,
		ProcessingTimeMs: elapsed,
		ToolCalls:        toolNames(resp.ToolRequests),
		CompletedAt:      time.Now(),
	})
	return nil
}

// gatherContext resolves history and retrieval context, consulting the hot
// cache first. Cache internals failing, or the version probe failing on the
// hit path, degrade to the full miss path.
func (o *Orchestrator) gatherContext(ctx context.Context, req Request, fingerprint string) (
	msgs []store.Message, chunks []retrieval.Chunk, sources []SourceRef, kbVersion string, cacheHit bool, err error,
) {
	if entry, ok := o.hotCache.Get(req.ConversationID); ok {
		version, verr := o.retriever.KnowledgeBaseVersion(ctx, req.Chatbot.ID)
		if verr == nil && entry.Valid(fingerprint, version) {
			o.logger.Debug("conversation cache hit",
				"conversation_id", req.ConversationID,
				"chunks", len(entry.Chunks))
			return entry.Messages, entry.Chunks, sourcesFromChunks(entry.Chunks), version, true, nil
		}
		if verr != nil {
			o.logger.Debug("knowledge base version probe failed, treating as miss", "error", verr)
		}
	}

	if req.UseClientHistory {
		msgs = req.ClientHistory
	} else {
		msgs, err = o.store.History(ctx, req.ConversationID, historyFetchLimit)
		if err != nil {
			return nil, nil, nil, "", false, fmt.Errorf("fetching history: %w", err)
		}
	}

	result, err := o.retriever.Retrieve(ctx, req.Message, req.Chatbot.ID, o.retrievalTopK)
	if err != nil {
		return nil, nil, nil, "", false, fmt.Errorf("retrieving context: %w", err)
	}

	sources = make([]SourceRef, 0, len(result.Sources))
	for _, s := range result.Sources {
		sources = append(sources, SourceRef{ID: s.ID, Name: s.Name, Type: s.Type})
	}
	return msgs, result.Chunks, sources, result.KnowledgeBaseVersion, false, nil
}

// generate runs the model, streaming fragments as content events. Returns
// (nil, nil) when a generation failure was already delivered in-band.
func (o *Orchestrator) generate(ctx context.Context, req Request, msgs []store.Message, chunks []retrieval.Chunk, emit Emitter) (*provider.Response, error) {
	var transportErr error
	resp, err := o.generator.Generate(ctx, provider.Request{
		SystemPrompt: req.Chatbot.SystemPrompt,
		Message:      req.Message,
		History:      msgs,
		Chunks:       chunks,
		Attachments:  req.Attachments,
		OnChunk: func(_ context.Context, text string) error {
			if eerr := emit.Emit(ContentEvent(text)); eerr != nil {
				transportErr = eerr
				return eerr
			}
			return nil
		},
	})
	if transportErr != nil {
		return nil, fmt.Errorf("emitting content: %w", transportErr)
	}
	if err != nil {
		return nil, o.fail(ctx, emit, errors.Join(errGeneration, err))
	}
	return resp, nil
}

// streamBlocked renders a safety block as a normal synthetic turn:
// start, content with the refusal, complete with zero token usage.
func (o *Orchestrator) streamBlocked(ctx context.Context, req Request, decision safety.Decision, emit Emitter, turnID uuid.UUID, start time.Time) error {
	response := decision.UserResponse
	if req.Chatbot.RejectionMessage != "" {
		response = req.Chatbot.RejectionMessage
	}

	if err := emit.Emit(ContentEvent(response)); err != nil {
		return fmt.Errorf("emitting rejection: %w", err)
	}

	// The blocked turn is still recorded so operators can see what was
	// asked; persistence failure must not break the visitor-facing stream.
	messageID := turnID
	if err := o.store.EnsureConversation(ctx, req.ConversationID, req.Chatbot.ID); err == nil {
		if _, perr := o.store.Persist(ctx, store.Message{
			ConversationID: req.ConversationID,
			Role:           store.RoleUser,
			Content:        req.Message,
			Status:         store.StatusComplete,
		}); perr != nil {
			o.logger.Error("persisting blocked user turn", "error", perr)
		}
		if m, perr := o.store.Persist(ctx, store.Message{
			ConversationID: req.ConversationID,
			Role:           store.RoleAssistant,
			Content:        response,
			Status:         store.StatusComplete,
		}); perr != nil {
			o.logger.Error("persisting refusal turn", "error", perr)
		} else {
			messageID = m.ID
		}
	} else {
		o.logger.Error("ensuring conversation for blocked turn", "error", err)
	}

	elapsed := time.Since(start).Milliseconds()
	if err := emit.Emit(CompleteEvent(messageID.String(), response, 0, elapsed, nil)); err != nil {
		return fmt.Errorf("emitting complete: %w", err)
	}

	o.recordAudit(AuditRecord{
		ChatbotID:        req.Chatbot.ID,
		ConversationID:   req.ConversationID,
		MessageID:        messageID,
		Blocked:          true,
		ProcessingTimeMs: elapsed,
		CompletedAt:      time.Now(),
	})
	return nil
}

// writeBack overwrites the hot cache entry for this conversation. Never
// fails the turn.
func (o *Orchestrator) writeBack(req Request, fingerprint, kbVersion string, assembled history.Result, userMsg, assistantMsg store.Message, chunks []retrieval.Chunk) {
	msgs := make([]store.Message, 0, len(assembled.Messages)+2)
	msgs = append(msgs, assembled.Messages...)
	msgs = append(msgs, userMsg, assistantMsg)

	o.hotCache.Set(convcache.Entry{
		ConversationID:       req.ConversationID,
		Messages:             msgs,
		Chunks:               chunks,
		QueryFingerprint:     fingerprint,
		KnowledgeBaseVersion: kbVersion,
		TotalTokens:          assembled.Metadata.TotalTokens,
	})
}

// recordAudit hands the record to the sink without tying it to the request
// lifetime; a slow sink must not hold the stream open.
func (o *Orchestrator) recordAudit(rec AuditRecord) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				o.logger.Error("audit sink panicked", "panic", r)
			}
		}()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		o.audit.Record(ctx, rec)
	}()
}

// fail delivers a turn-level failure in-band and returns nil, unless the
// transport itself is broken.
func (o *Orchestrator) fail(ctx context.Context, emit Emitter, err error) error {
	code, message := classify(ctx, err)
	o.logger.Error("streaming turn failed", "code", code, "error", err)
	if eerr := emit.Emit(ErrorEvent(code, message)); eerr != nil {
		return fmt.Errorf("emitting error event: %w", eerr)
	}
	return nil
}

// classify maps an internal failure to a stable wire code and a message safe
// to show end users.
func classify(ctx context.Context, err error) (code, message string) {
	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		return CodeTimeout, "The request took too long to process. Please try again."
	case errors.Is(err, context.Canceled):
		return CodeCanceled, "The request was canceled."
	case errors.Is(err, provider.ErrCircuitOpen):
		return CodeProviderUnavailable, "The assistant is temporarily unavailable. Please try again in a moment."
	case errors.Is(err, errGeneration):
		return CodeGenerationFailed, "Something went wrong while generating a response. Please try again."
	default:
		return CodeInternal, "An internal error occurred. Please try again."
	}
}

var errGeneration = errors.New("generation failed")

func citations(chunks []retrieval.Chunk) []store.Citation {
	if len(chunks) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(chunks))
	out := make([]store.Citation, 0, len(chunks))
	for _, c := range chunks {
		if _, ok := seen[c.SourceID]; ok {
			continue
		}
		seen[c.SourceID] = struct{}{}
		out = append(out, store.Citation{
			SourceID: c.SourceID,
			Title:    c.Title,
			Kind:     c.Kind,
			Page:     c.PageNumber,
		})
	}
	return out
}

func sourcesFromChunks(chunks []retrieval.Chunk) []SourceRef {
	seen := make(map[string]struct{}, len(chunks))
	out := make([]SourceRef, 0, len(chunks))
	for _, c := range chunks {
		if _, ok := seen[c.SourceID]; ok {
			continue
		}
		seen[c.SourceID] = struct{}{}
		out = append(out, SourceRef{ID: c.SourceID, Name: c.Title, Type: c.Kind})
	}
	return out
}

func toolNames(reqs []provider.ToolRequest) []string {
	if len(reqs) == 0 {
		return nil
	}
	names := make([]string, 0, len(reqs))
	for _, r := range reqs {
		names = append(names, r.Name)
	}
	return names
}

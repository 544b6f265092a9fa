// Package provider fronts the Genkit model layer for the streaming pipeline.
//
// The Generator turns an assembled conversation into a streamed completion,
// wrapping the prompt execution in proactive rate limiting, retry with
// exponential backoff, and a circuit breaker so upstream instability degrades
// into fast, classifiable errors instead of hung requests.
package provider

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"golang.org/x/time/rate"

	"github.com/askflow/askflow/internal/attachcache"
	"github.com/askflow/askflow/internal/log"
	"github.com/askflow/askflow/internal/retrieval"
	"github.com/askflow/askflow/internal/store"
)

const (
	// PromptName is the Dotprompt file driving the assistant. The model is
	// configured in the prompt file, not in code.
	PromptName = "assistant"

	// FallbackResponse is returned when the model produces neither text nor
	// tool requests.
	FallbackResponse = "I'm sorry, I couldn't generate a response. Please try rephrasing your question."
)

// Tool names the model may invoke. Registered at startup; interpretation of
// the raw calls is the orchestration layer's job.
const (
	ToolShowLeadForm       = "show_lead_form"
	ToolShowBookingTrigger = "show_booking_trigger"
)

// ToolRequest is a structured invocation the model emitted during the turn.
type ToolRequest struct {
	Name       string
	Parameters map[string]any
	Ref        string
}

// Response is the complete result of one generation.
type Response struct {
	Text         string
	ToolRequests []ToolRequest
}

// Request carries everything one generation needs. History is oldest first
// and already token-budgeted; Message is the current user turn.
type Request struct {
	SystemPrompt string
	Message      string
	History      []store.Message
	Chunks       []retrieval.Chunk
	Attachments  []attachcache.Attachment

	// OnChunk receives each incremental text fragment. Nil disables
	// streaming. Returning an error aborts the stream.
	OnChunk func(ctx context.Context, text string) error
}

// Config contains required parameters for the Generator.
type Config struct {
	Genkit *genkit.Genkit
	Logger log.Logger
	Tools  []ai.Tool

	MaxTurns int

	RetryConfig          RetryConfig
	CircuitBreakerConfig CircuitBreakerConfig
	RateLimiter          *rate.Limiter
}

func (cfg Config) validate() error {
	if cfg.Genkit == nil {
		return errors.New("genkit instance is required")
	}
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	return nil
}

// Generator executes prompts against the configured model. Stateless across
// requests; all configuration is captured immutably at construction so
// concurrent use is safe.
type Generator struct {
	g        *genkit.Genkit
	prompt   ai.Prompt
	logger   log.Logger
	toolRefs []ai.ToolRef
	maxTurns int

	retryConfig    RetryConfig
	circuitBreaker *CircuitBreaker
	rateLimiter    *rate.Limiter
}

// New creates a Generator. The Dotprompt named by PromptName must exist in
// the configured prompt directory.
func New(cfg Config) (*Generator, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	maxTurns := cfg.MaxTurns
	if maxTurns <= 0 {
		maxTurns = 5
	}

	retryConfig := cfg.RetryConfig
	if retryConfig.MaxRetries == 0 {
		retryConfig = DefaultRetryConfig()
	}

	cbConfig := cfg.CircuitBreakerConfig
	if cbConfig.FailureThreshold == 0 {
		cbConfig = DefaultCircuitBreakerConfig()
	}

	// Proactive limiter so bursts of widget traffic cannot exhaust the
	// provider quota before the reactive retry path even sees a 429.
	rl := cfg.RateLimiter
	if rl == nil {
		rl = rate.NewLimiter(10, 30)
	}

	toolRefs := make([]ai.ToolRef, len(cfg.Tools))
	for i, t := range cfg.Tools {
		toolRefs[i] = t
	}

	gen := &Generator{
		g:              cfg.Genkit,
		logger:         cfg.Logger,
		toolRefs:       toolRefs,
		maxTurns:       maxTurns,
		retryConfig:    retryConfig,
		circuitBreaker: NewCircuitBreaker(cbConfig),
		rateLimiter:    rl,
	}

	gen.prompt = genkit.LookupPrompt(cfg.Genkit, PromptName)
	if gen.prompt == nil {
		return nil, fmt.Errorf("dotprompt %q not found: ensure the prompts directory is configured", PromptName)
	}

	cfg.Logger.Info("generator initialized",
		"prompt", PromptName,
		"tools", len(toolRefs),
		"max_turns", maxTurns)
	return gen, nil
}

// RegisterTools defines the UI-surface tools the model may call. The tool
// bodies only acknowledge; the invocations themselves are read off the model
// response and interpreted downstream.
func RegisterTools(g *genkit.Genkit) []ai.Tool {
	leadForm := genkit.DefineTool(
		g,
		ToolShowLeadForm,
		"Display a contact form to the visitor so they can leave their name and email.",
		func(toolCtx *ai.ToolContext, input map[string]any) (string, error) {
			return "The contact form is now shown to the visitor.", nil
		},
	)
	booking := genkit.DefineTool(
		g,
		ToolShowBookingTrigger,
		"Offer the visitor a way to book a meeting or appointment.",
		func(toolCtx *ai.ToolContext, input map[string]any) (string, error) {
			return "The booking option is now shown to the visitor.", nil
		},
	)
	return []ai.Tool{leadForm, booking}
}

// Generate runs one completion, streaming fragments through req.OnChunk when
// set. The returned Response always carries the final accumulated text.
func (g *Generator) Generate(ctx context.Context, req Request) (*Response, error) {
	messages := buildMessages(req)
	docs := buildDocuments(req.Chunks)

	opts := []ai.PromptExecuteOption{
		ai.WithInput(map[string]any{
			"systemPrompt": req.SystemPrompt,
		}),
		ai.WithMessagesFn(func(_ context.Context, _ any) ([]*ai.Message, error) {
			return messages, nil
		}),
		ai.WithMaxTurns(g.maxTurns),
	}
	if len(g.toolRefs) > 0 {
		opts = append(opts, ai.WithTools(g.toolRefs...))
	}
	if len(docs) > 0 {
		opts = append(opts, ai.WithDocs(docs...))
	}
	if req.OnChunk != nil {
		opts = append(opts, ai.WithStreaming(func(cctx context.Context, chunk *ai.ModelResponseChunk) error {
			for _, part := range chunk.Content {
				if part.IsText() && part.Text != "" {
					if err := req.OnChunk(cctx, part.Text); err != nil {
						return err
					}
				}
			}
			return nil
		}))
	}

	if err := g.circuitBreaker.Allow(); err != nil {
		g.logger.Warn("circuit breaker open, rejecting generation",
			"state", g.circuitBreaker.State().String())
		return nil, fmt.Errorf("model provider unavailable: %w", err)
	}

	resp, err := g.executeWithRetry(ctx, opts)
	if err != nil {
		g.circuitBreaker.Failure()
		return nil, err
	}
	g.circuitBreaker.Success()

	text := resp.Text()
	toolRequests := convertToolRequests(resp.ToolRequests())

	// Empty text with tool requests is valid agentic behavior; only fall
	// back when the model produced nothing at all.
	if strings.TrimSpace(text) == "" && len(toolRequests) == 0 {
		g.logger.Warn("model returned empty response with no tool requests")
		text = FallbackResponse
	}

	return &Response{Text: text, ToolRequests: toolRequests}, nil
}

// CircuitState exposes the breaker state for the readiness surface.
func (g *Generator) CircuitState() CircuitState {
	return g.circuitBreaker.State()
}

// CircuitSnapshot exposes breaker health for the readiness surface.
func (g *Generator) CircuitSnapshot() CircuitSnapshot {
	return g.circuitBreaker.Snapshot()
}

// buildMessages converts the budgeted history plus the current turn into the
// model's message format. Attachments ride on the final user message as
// inline media parts.
func buildMessages(req Request) []*ai.Message {
	messages := make([]*ai.Message, 0, len(req.History)+1)
	for _, m := range req.History {
		switch m.Role {
		case store.RoleAssistant:
			messages = append(messages, ai.NewModelMessage(ai.NewTextPart(m.Content)))
		default:
			messages = append(messages, ai.NewUserMessage(ai.NewTextPart(m.Content)))
		}
	}

	parts := []*ai.Part{ai.NewTextPart(req.Message)}
	for _, att := range req.Attachments {
		parts = append(parts, mediaPart(att))
	}
	return append(messages, ai.NewUserMessage(parts...))
}

// mediaPart encodes an attachment as an inline data URI media part.
func mediaPart(att attachcache.Attachment) *ai.Part {
	encoded := base64.StdEncoding.EncodeToString(att.Payload)
	return ai.NewMediaPart(att.MimeType, "data:"+att.MimeType+";base64,"+encoded)
}

// buildDocuments converts retrieval chunks into context documents, carrying
// source attribution as metadata.
func buildDocuments(chunks []retrieval.Chunk) []*ai.Document {
	if len(chunks) == 0 {
		return nil
	}
	docs := make([]*ai.Document, 0, len(chunks))
	for _, c := range chunks {
		docs = append(docs, ai.DocumentFromText(c.Text, map[string]any{
			"sourceId": c.SourceID,
			"title":    c.Title,
			"kind":     c.Kind,
			"score":    c.RelevanceScore,
		}))
	}
	return docs
}

// convertToolRequests maps the model's tool requests into the domain type.
// Inputs that are not JSON objects are wrapped under a "value" key.
func convertToolRequests(reqs []*ai.ToolRequest) []ToolRequest {
	if len(reqs) == 0 {
		return nil
	}
	out := make([]ToolRequest, 0, len(reqs))
	for _, tr := range reqs {
		params, ok := tr.Input.(map[string]any)
		if !ok {
			params = map[string]any{}
			if tr.Input != nil {
				params["value"] = tr.Input
			}
		}
		out = append(out, ToolRequest{Name: tr.Name, Parameters: params, Ref: tr.Ref})
	}
	return out
}

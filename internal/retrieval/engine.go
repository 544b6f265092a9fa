// Package retrieval implements vector search over a chatbot's knowledge base.
//
// The engine embeds the query with the configured Genkit embedder and runs a
// pgvector cosine-similarity search over the knowledge_chunks table. Every
// result carries the knowledge base's current version marker so callers can
// detect stale cached retrievals after a re-index.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/askflow/askflow/internal/log"
)

// searchTimeout bounds a single vector search so a slow query cannot block
// the whole chat request.
const searchTimeout = 10 * time.Second

// Chunk is a ranked passage returned by the engine. Read-only to callers.
type Chunk struct {
	SourceID       string  `json:"sourceId"`
	Title          string  `json:"title"`
	Kind           string  `json:"kind"`
	Text           string  `json:"text"`
	PageNumber     int     `json:"pageNumber,omitempty"`
	RelevanceScore float64 `json:"relevanceScore"`
}

// Source identifies a distinct knowledge source contributing to a result.
type Source struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
}

// Result bundles ranked chunks with attribution and the version marker of
// the knowledge base at query time.
type Result struct {
	Chunks               []Chunk
	Sources              []Source
	SearchTimeMs         int64
	KnowledgeBaseVersion string
}

// Engine performs embedding generation and similarity search.
// Safe for concurrent use.
type Engine struct {
	pool     *pgxpool.Pool
	embedder ai.Embedder
	logger   log.Logger
}

// NewEngine creates a retrieval engine.
func NewEngine(pool *pgxpool.Pool, embedder ai.Embedder, logger log.Logger) *Engine {
	if logger == nil {
		logger = log.NewNop()
	}
	return &Engine{pool: pool, embedder: embedder, logger: logger}
}

// Retrieve embeds the query and returns the topK most similar chunks from the
// chatbot's knowledge base, newest version marker included.
func (e *Engine) Retrieve(ctx context.Context, query, chatbotID string, topK int) (Result, error) {
	if topK <= 0 {
		topK = 5
	}
	start := time.Now()

	queryCtx, cancel := context.WithTimeout(ctx, searchTimeout)
	defer cancel()

	embeddingResp, err := e.embedder.Embed(queryCtx, &ai.EmbedRequest{
		Input: []*ai.Document{
			{
				Content: []*ai.Part{ai.NewTextPart(query)},
			},
		},
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return Result{}, fmt.Errorf("embedding generation timeout: %w", err)
		}
		return Result{}, fmt.Errorf("generating query embedding: %w", err)
	}
	if len(embeddingResp.Embeddings) == 0 || len(embeddingResp.Embeddings[0].Embedding) == 0 {
		return Result{}, errors.New("empty embedding returned for query")
	}

	queryEmbedding := pgvector.NewVector(embeddingResp.Embeddings[0].Embedding)

	rows, err := e.pool.Query(queryCtx,
		`SELECT c.source_id, s.title, s.kind, c.content, c.page_number,
		        1 - (c.embedding <=> $1) AS similarity
		 FROM knowledge_chunks c
		 JOIN knowledge_sources s ON s.id = c.source_id
		 WHERE c.chatbot_id = $2
		 ORDER BY c.embedding <=> $1
		 LIMIT $3`,
		queryEmbedding, chatbotID, topK)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return Result{}, fmt.Errorf("search query timeout: %w", err)
		}
		return Result{}, fmt.Errorf("searching knowledge chunks: %w", err)
	}
	defer rows.Close()

	var (
		chunks  []Chunk
		sources []Source
		seen    = map[string]struct{}{}
	)
	for rows.Next() {
		var c Chunk
		if err := rows.Scan(&c.SourceID, &c.Title, &c.Kind, &c.Text, &c.PageNumber, &c.RelevanceScore); err != nil {
			return Result{}, fmt.Errorf("scanning chunk row: %w", err)
		}
		chunks = append(chunks, c)
		if _, ok := seen[c.SourceID]; !ok {
			seen[c.SourceID] = struct{}{}
			sources = append(sources, Source{ID: c.SourceID, Name: c.Title, Type: c.Kind})
		}
	}
	if err := rows.Err(); err != nil {
		return Result{}, fmt.Errorf("reading chunk rows: %w", err)
	}

	version, err := e.KnowledgeBaseVersion(queryCtx, chatbotID)
	if err != nil {
		return Result{}, err
	}

	elapsed := time.Since(start)
	e.logger.Debug("retrieved knowledge chunks",
		"chatbot_id", chatbotID,
		"chunk_count", len(chunks),
		"elapsed", elapsed)

	return Result{
		Chunks:               chunks,
		Sources:              sources,
		SearchTimeMs:         elapsed.Milliseconds(),
		KnowledgeBaseVersion: version,
	}, nil
}

// KnowledgeBaseVersion returns the chatbot's current version marker. The
// marker advances whenever the knowledge base is re-indexed; cached retrieval
// results keyed to an older marker must be discarded.
func (e *Engine) KnowledgeBaseVersion(ctx context.Context, chatbotID string) (string, error) {
	var version string
	err := e.pool.QueryRow(ctx,
		`SELECT version FROM knowledge_bases WHERE chatbot_id = $1`, chatbotID).Scan(&version)
	if err != nil {
		return "", fmt.Errorf("reading knowledge base version: %w", err)
	}
	return version, nil
}

package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/core/api"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/compat_oai/openai"
	"github.com/firebase/genkit/go/plugins/googlegenai"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvector "github.com/pgvector/pgvector-go/pgx"

	"github.com/askflow/askflow/db"
	"github.com/askflow/askflow/internal/attachcache"
	"github.com/askflow/askflow/internal/chat"
	"github.com/askflow/askflow/internal/config"
	"github.com/askflow/askflow/internal/convcache"
	"github.com/askflow/askflow/internal/history"
	"github.com/askflow/askflow/internal/log"
	"github.com/askflow/askflow/internal/observability"
	"github.com/askflow/askflow/internal/provider"
	"github.com/askflow/askflow/internal/retrieval"
	"github.com/askflow/askflow/internal/safety"
	"github.com/askflow/askflow/internal/store"
)

// Setup creates and initializes the application. Returns an App with
// embedded cleanup; call Close to release.
func Setup(ctx context.Context, cfg *config.Config, logger log.Logger) (_ *App, retErr error) {
	if logger == nil {
		logger = log.NewNop()
	}
	a := &App{Config: cfg, Logger: logger}

	// On error, release everything already initialized.
	defer func() {
		if retErr != nil {
			if err := a.Close(); err != nil {
				logger.Warn("cleanup during setup failure", "error", err)
			}
		}
	}()

	// Tracing must be ready before genkit.Init creates its flows.
	a.otelCleanup = observability.SetupTracing(ctx, cfg.OTLPAgentHost, cfg.ServiceName, cfg.Environment, logger)

	pool, err := provideDBPool(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.DBPool = pool

	g, err := provideGenkit(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a.Genkit = g

	embedder := provideEmbedder(g, cfg)
	if embedder == nil {
		return nil, fmt.Errorf("embedder %q not found for provider %q", cfg.EmbedderModel, cfg.Provider)
	}
	a.Embedder = embedder

	a.Messages = store.NewMessages(pool, logger)
	a.Chatbots = store.NewChatbots(pool)
	a.Retrieval = retrieval.NewEngine(pool, embedder, logger)

	a.HotCache = convcache.New(time.Duration(cfg.ConversationCacheTTLSec)*time.Second, logger)
	a.Attachments = attachcache.New(
		time.Duration(cfg.AttachmentTTLSec)*time.Second,
		time.Duration(cfg.AttachmentSessionTTLSec)*time.Second,
		time.Duration(cfg.AttachmentSweepSec)*time.Second,
		logger,
	)

	tools := provider.RegisterTools(g)
	a.Generator, err = provider.New(provider.Config{
		Genkit:   g,
		Logger:   logger,
		Tools:    tools,
		MaxTurns: cfg.MaxTurns,
	})
	if err != nil {
		return nil, fmt.Errorf("creating generator: %w", err)
	}

	counter := history.NewCounter()
	a.Orchestrator, err = chat.New(chat.Config{
		Store:          a.Messages,
		Retriever:      a.Retrieval,
		Generator:      a.Generator,
		Gate:           safety.New("", logger),
		HotCache:       a.HotCache,
		Assembler:      history.NewAssembler(counter, logger),
		Counter:        counter,
		Logger:         logger,
		TokenBudget:    cfg.ContextTokenBudget,
		RetrievalTopK:  cfg.RetrievalTopK,
		RequestTimeout: cfg.RequestTimeout(),
	})
	if err != nil {
		return nil, fmt.Errorf("creating orchestrator: %w", err)
	}

	// Background sweep lives for the app's lifetime.
	appCtx, cancel := context.WithCancel(ctx)
	a.ctx = appCtx
	a.cancel = cancel
	go a.Attachments.Run(appCtx)

	return a, nil
}

// provideDBPool runs migrations and creates the connection pool. pgvector
// types are registered per connection so retrieval can bind vector
// parameters directly.
func provideDBPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	if err := db.Migrate(cfg.PostgresURL()); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.PostgresURL())
	if err != nil {
		return nil, fmt.Errorf("parsing connection config: %w", err)
	}

	poolCfg.MaxConns = 10
	poolCfg.MinConns = 2
	poolCfg.MaxConnLifetime = 30 * time.Minute
	poolCfg.MaxConnIdleTime = 5 * time.Minute
	poolCfg.HealthCheckPeriod = time.Minute
	poolCfg.AfterConnect = func(cctx context.Context, conn *pgx.Conn) error {
		return pgxvector.RegisterTypes(cctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	defer pingCancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return pool, nil
}

// provideGenkit initializes Genkit with the configured AI provider plugin
// and the prompt directory.
func provideGenkit(ctx context.Context, cfg *config.Config, logger log.Logger) (*genkit.Genkit, error) {
	promptDir := cfg.PromptDir
	if promptDir == "" {
		promptDir = "prompts"
	}

	var g *genkit.Genkit
	switch cfg.Provider {
	case config.ProviderOpenAI:
		g = genkit.Init(ctx,
			genkit.WithPlugins(&openai.OpenAI{}),
			genkit.WithPromptDir(promptDir),
		)
		if g == nil {
			return nil, errors.New("initializing genkit with openai provider")
		}
		logger.Info("initialized Genkit with openai provider", "model", cfg.ModelName)

	default: // gemini
		g = genkit.Init(ctx,
			genkit.WithPlugins(&googlegenai.GoogleAI{}),
			genkit.WithPromptDir(promptDir),
		)
		if g == nil {
			return nil, errors.New("initializing genkit with gemini provider")
		}
		logger.Info("initialized Genkit with gemini provider", "model", cfg.ModelName)
	}
	return g, nil
}

// provideEmbedder resolves the embedder for the configured provider.
func provideEmbedder(g *genkit.Genkit, cfg *config.Config) ai.Embedder {
	switch cfg.Provider {
	case config.ProviderOpenAI:
		return genkit.LookupEmbedder(g, api.NewName("openai", cfg.EmbedderModel))
	default: // gemini
		return googlegenai.GoogleAIEmbedder(g, cfg.EmbedderModel)
	}
}

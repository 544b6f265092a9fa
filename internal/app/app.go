// Package app assembles the application: configuration, storage, caches,
// model provider, and the streaming orchestrator.
package app

import (
	"context"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/askflow/askflow/internal/attachcache"
	"github.com/askflow/askflow/internal/chat"
	"github.com/askflow/askflow/internal/config"
	"github.com/askflow/askflow/internal/convcache"
	"github.com/askflow/askflow/internal/log"
	"github.com/askflow/askflow/internal/provider"
	"github.com/askflow/askflow/internal/retrieval"
	"github.com/askflow/askflow/internal/store"
)

// App is the application container. Built once by Setup; Close releases
// everything in reverse order.
type App struct {
	Config *config.Config
	Logger log.Logger

	Genkit   *genkit.Genkit
	Embedder ai.Embedder
	DBPool   *pgxpool.Pool

	Messages  *store.Messages
	Chatbots  *store.Chatbots
	Retrieval *retrieval.Engine

	HotCache    *convcache.Cache
	Attachments *attachcache.Cache

	Generator    *provider.Generator
	Orchestrator *chat.Orchestrator

	ctx         context.Context
	cancel      context.CancelFunc
	otelCleanup func()
}

// Close gracefully shuts down all resources.
func (a *App) Close() error {
	a.Logger.Info("shutting down application")

	if a.cancel != nil {
		a.cancel()
	}
	if a.DBPool != nil {
		a.DBPool.Close()
		a.Logger.Info("database pool closed")
	}
	if a.otelCleanup != nil {
		a.otelCleanup()
	}
	return nil
}

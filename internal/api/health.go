package api

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/askflow/askflow/internal/attachcache"
	"github.com/askflow/askflow/internal/log"
	"github.com/askflow/askflow/internal/provider"
)

// ModelStatus reports model-provider circuit health. Satisfied by
// *provider.Generator.
type ModelStatus interface {
	CircuitSnapshot() provider.CircuitSnapshot
}

// health is a liveness probe. Returns 200 with {"status":"ok"}.
func health(logger log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"}, logger)
	}
}

// readiness checks the database and reports cache occupancy. Returns 503
// when the database is unreachable so load balancers stop routing here.
func readiness(pool *pgxpool.Pool, attachments *attachcache.Cache, model ModelStatus, logger log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body := map[string]any{"status": "ok"}

		if pool != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := pool.Ping(ctx); err != nil {
				logger.Warn("readiness database ping failed", "error", err)
				writeJSON(w, http.StatusServiceUnavailable, map[string]any{
					"status": "unavailable",
					"reason": "database unreachable",
				}, logger)
				return
			}
			stat := pool.Stat()
			body["db"] = map[string]any{
				"total_conns": stat.TotalConns(),
				"idle_conns":  stat.IdleConns(),
			}
		}
		if attachments != nil {
			body["attachments"] = attachments.Stats()
		}
		if model != nil {
			body["model"] = map[string]any{"circuit": model.CircuitSnapshot()}
		}

		writeJSON(w, http.StatusOK, body, logger)
	}
}

// Package api exposes the streaming pipeline over HTTP: an authenticated
// endpoint for dashboard clients and a public, rate-limited, CORS-guarded
// endpoint for the embeddable widget, plus health probes.
package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/cors"

	"github.com/askflow/askflow/internal/attachcache"
	"github.com/askflow/askflow/internal/log"
)

// ServerConfig contains configuration for creating the HTTP server.
type ServerConfig struct {
	Logger      log.Logger
	Streamer    Streamer           // Required
	Chatbots    ChatbotSource      // Required
	Attachments *attachcache.Cache // Required
	Pool        *pgxpool.Pool      // Optional: nil disables pool stats in /ready
	Model       ModelStatus        // Optional: nil disables circuit health in /ready

	APIKey            string        // Bearer token for the authenticated surface
	CORSOrigins       []string      // Widget origins; ["*"] allows all
	TrustProxy        bool          // Trust X-Real-IP/X-Forwarded-For
	RateLimitMax      int           // Widget requests per window per IP (0 = 30)
	RateLimitWindow   time.Duration // Fixed window size (0 = 60s)
	KeepAliveInterval time.Duration // SSE keep-alive cadence (0 disables)
}

// Server is the HTTP server for the streaming API.
type Server struct {
	mux *http.ServeMux
}

// NewServer creates a server with all routes configured.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Streamer == nil {
		return nil, errors.New("streamer is required")
	}
	if cfg.Chatbots == nil {
		return nil, errors.New("chatbot source is required")
	}
	if cfg.Attachments == nil {
		return nil, errors.New("attachment cache is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = log.NewNop()
	}

	ch := &chatHandler{
		streamer:          cfg.Streamer,
		chatbots:          cfg.Chatbots,
		attachments:       cfg.Attachments,
		logger:            logger,
		keepAliveInterval: cfg.KeepAliveInterval,
	}
	wh := &widgetHandler{chatHandler: ch}

	// Authenticated surface.
	apiMux := http.NewServeMux()
	apiMux.HandleFunc("POST /api/chat/stream", ch.stream)

	var apiHandler http.Handler = apiMux
	apiHandler = authMiddleware(cfg.APIKey, logger)(apiHandler)

	// Public widget surface: rate limit inside, CORS outside so preflight
	// never consumes a window slot.
	limit := cfg.RateLimitMax
	if limit <= 0 {
		limit = 30
	}
	window := cfg.RateLimitWindow
	if window <= 0 {
		window = time.Minute
	}
	rl := newRateLimiter(limit, window)

	widgetMux := http.NewServeMux()
	widgetMux.HandleFunc("POST /widget/chat/stream", wh.stream)

	var widgetHdl http.Handler = widgetMux
	widgetHdl = rateLimitMiddleware(rl, cfg.TrustProxy, logger)(widgetHdl)
	widgetHdl = corsHandler(cfg.CORSOrigins).Handler(widgetHdl)

	root := http.NewServeMux()
	root.Handle("/api/", apiHandler)
	root.Handle("/widget/", widgetHdl)
	root.HandleFunc("GET /health", health(logger))
	root.Handle("GET /ready", readiness(cfg.Pool, cfg.Attachments, cfg.Model, logger))

	var handler http.Handler = root
	handler = loggingMiddleware(logger)(handler)
	handler = recoveryMiddleware(logger)(handler)

	top := http.NewServeMux()
	top.Handle("/", handler)
	return &Server{mux: top}, nil
}

// corsHandler builds the widget CORS policy from the configured origin
// allow-list.
func corsHandler(origins []string) *cors.Cors {
	allowAll := len(origins) == 0
	for _, o := range origins {
		if o == "*" {
			allowAll = true
		}
	}
	if allowAll {
		return cors.New(cors.Options{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Content-Type"},
			MaxAge:         300,
		})
	}
	return cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type"},
		MaxAge:         300,
	})
}

// Handler returns the server as an http.Handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

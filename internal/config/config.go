// Package config provides application configuration management with
// multi-source priority.
//
// Configuration sources (highest to lowest priority):
//  1. Environment variables (runtime override)
//  2. Config file (~/.askflow/config.yaml)
//  3. Default values (sensible defaults for quick start)
//
// Main configuration categories:
//   - AI: provider, model, embedder, token budget
//   - Storage: PostgreSQL connection
//   - Streaming: request timeout, keep-alive interval
//   - Caching: conversation and attachment cache TTLs
//   - Widget: public endpoint CORS origins and per-IP rate limits
//
// Security: sensitive data (passwords) is never logged; validation is
// fail-fast with sentinel errors usable via errors.Is().
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

var (
	// ErrInvalidProvider indicates the AI provider is not supported.
	ErrInvalidProvider = errors.New("invalid provider")

	// ErrInvalidModelName indicates the model name is invalid.
	ErrInvalidModelName = errors.New("invalid model name")

	// ErrInvalidTokenBudget indicates the context token budget is out of range.
	ErrInvalidTokenBudget = errors.New("invalid token budget")

	// ErrInvalidPostgresHost indicates the PostgreSQL host is invalid.
	ErrInvalidPostgresHost = errors.New("invalid PostgreSQL host")

	// ErrInvalidPostgresPort indicates the PostgreSQL port is out of range.
	ErrInvalidPostgresPort = errors.New("invalid PostgreSQL port")

	// ErrInvalidRateLimit indicates the widget rate limit settings are invalid.
	ErrInvalidRateLimit = errors.New("invalid rate limit")

	// ErrInvalidTTL indicates a cache TTL is non-positive.
	ErrInvalidTTL = errors.New("invalid cache TTL")
)

// AI provider identifiers used in Config.Provider.
const (
	ProviderGemini = "gemini"
	ProviderOpenAI = "openai"
)

// Config stores application configuration.
// SECURITY: sensitive fields are explicitly masked in MarshalJSON().
type Config struct {
	// AI provider and model configuration
	Provider      string `mapstructure:"provider" json:"provider"` // "gemini" (default) or "openai"
	ModelName     string `mapstructure:"model_name" json:"model_name"`
	EmbedderModel string `mapstructure:"embedder_model" json:"embedder_model"`
	PromptDir     string `mapstructure:"prompt_dir" json:"prompt_dir"`
	MaxTurns      int    `mapstructure:"max_turns" json:"max_turns"`

	// Context assembly
	ContextTokenBudget int `mapstructure:"context_token_budget" json:"context_token_budget"`
	RetrievalTopK      int `mapstructure:"retrieval_top_k" json:"retrieval_top_k"`

	// Streaming
	RequestTimeoutSec   int `mapstructure:"request_timeout_sec" json:"request_timeout_sec"`
	KeepAliveIntervalMs int `mapstructure:"keep_alive_interval_ms" json:"keep_alive_interval_ms"`

	// Caching
	ConversationCacheTTLSec int `mapstructure:"conversation_cache_ttl_sec" json:"conversation_cache_ttl_sec"`
	AttachmentTTLSec        int `mapstructure:"attachment_ttl_sec" json:"attachment_ttl_sec"`
	AttachmentSessionTTLSec int `mapstructure:"attachment_session_ttl_sec" json:"attachment_session_ttl_sec"`
	AttachmentSweepSec      int `mapstructure:"attachment_sweep_sec" json:"attachment_sweep_sec"`

	// HTTP server
	ListenAddr string `mapstructure:"listen_addr" json:"listen_addr"`
	APIKey     string `mapstructure:"api_key" json:"api_key"` // SENSITIVE: masked in MarshalJSON

	// Widget (public endpoint)
	CORSOrigins     []string `mapstructure:"cors_origins" json:"cors_origins"`
	RateLimitWindow int      `mapstructure:"rate_limit_window_sec" json:"rate_limit_window_sec"`
	RateLimitMax    int      `mapstructure:"rate_limit_max" json:"rate_limit_max"`
	TrustProxy      bool     `mapstructure:"trust_proxy" json:"trust_proxy"`

	// Storage configuration
	PostgresHost     string `mapstructure:"postgres_host" json:"postgres_host"`
	PostgresPort     int    `mapstructure:"postgres_port" json:"postgres_port"`
	PostgresUser     string `mapstructure:"postgres_user" json:"postgres_user"`
	PostgresPassword string `mapstructure:"postgres_password" json:"postgres_password"` // SENSITIVE: masked in MarshalJSON
	PostgresDBName   string `mapstructure:"postgres_db_name" json:"postgres_db_name"`
	PostgresSSLMode  string `mapstructure:"postgres_ssl_mode" json:"postgres_ssl_mode"`

	// Observability (OTLP HTTP trace export via a local agent)
	OTLPAgentHost string `mapstructure:"otlp_agent_host" json:"otlp_agent_host"`
	ServiceName   string `mapstructure:"service_name" json:"service_name"`
	Environment   string `mapstructure:"environment" json:"environment"`
}

// Load loads configuration.
// Priority: environment variables > configuration file > default values.
func Load() (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("getting user home directory: %w", err)
	}

	configDir := filepath.Join(home, ".askflow")
	if err := os.MkdirAll(configDir, 0o750); err != nil {
		return nil, fmt.Errorf("creating config directory: %w", err)
	}

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(configDir)
	viper.AddConfigPath(".")

	setDefaults()
	bindEnvVariables()

	if err := viper.ReadInConfig(); err != nil {
		// Configuration file not found is not an error, use default values
		var configNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &configNotFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		slog.Debug("configuration file not found, using default values",
			"search_paths", []string{configDir, "."})
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating configuration: %w", err)
	}

	return &cfg, nil
}

func setDefaults() {
	// AI defaults
	viper.SetDefault("provider", ProviderGemini)
	viper.SetDefault("model_name", "gemini-2.5-flash")
	viper.SetDefault("embedder_model", "gemini-embedding-001")
	viper.SetDefault("max_turns", 5)

	// Context assembly defaults
	viper.SetDefault("context_token_budget", 8000)
	viper.SetDefault("retrieval_top_k", 5)

	// Streaming defaults
	viper.SetDefault("request_timeout_sec", 120)
	viper.SetDefault("keep_alive_interval_ms", 15000)

	// Cache defaults
	viper.SetDefault("conversation_cache_ttl_sec", 300)
	viper.SetDefault("attachment_ttl_sec", 900)
	viper.SetDefault("attachment_session_ttl_sec", 1800)
	viper.SetDefault("attachment_sweep_sec", 60)

	// HTTP server defaults
	viper.SetDefault("listen_addr", ":8080")

	// Widget defaults
	viper.SetDefault("cors_origins", []string{"*"})
	viper.SetDefault("rate_limit_window_sec", 60)
	viper.SetDefault("rate_limit_max", 30)
	viper.SetDefault("trust_proxy", false)

	// PostgreSQL defaults (matching docker-compose.yml)
	viper.SetDefault("postgres_host", "localhost")
	viper.SetDefault("postgres_port", 5432)
	viper.SetDefault("postgres_user", "askflow")
	viper.SetDefault("postgres_password", "askflow_dev_password")
	viper.SetDefault("postgres_db_name", "askflow")
	viper.SetDefault("postgres_ssl_mode", "disable")

	// Observability defaults
	viper.SetDefault("otlp_agent_host", "localhost:4318")
	viper.SetDefault("service_name", "askflow")
	viper.SetDefault("environment", "dev")
}

// bindEnvVariables binds environment overrides explicitly.
// GEMINI_API_KEY / OPENAI_API_KEY are read directly by the Genkit plugins,
// not via viper.
func bindEnvVariables() {
	mustBind := func(key, envVar string) {
		if err := viper.BindEnv(key, envVar); err != nil {
			panic(fmt.Sprintf("BUG: failed to bind %q to %q: %v", key, envVar, err))
		}
	}

	mustBind("provider", "ASKFLOW_PROVIDER")
	mustBind("model_name", "ASKFLOW_MODEL_NAME")
	mustBind("cors_origins", "ASKFLOW_CORS_ORIGINS")
	mustBind("trust_proxy", "ASKFLOW_TRUST_PROXY")
	mustBind("postgres_password", "ASKFLOW_POSTGRES_PASSWORD")
	mustBind("listen_addr", "ASKFLOW_LISTEN_ADDR")
	mustBind("api_key", "ASKFLOW_API_KEY")
}

// Validate performs fail-fast range checks on the loaded configuration.
func (c *Config) Validate() error {
	switch c.Provider {
	case ProviderGemini, ProviderOpenAI:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidProvider, c.Provider)
	}
	if strings.TrimSpace(c.ModelName) == "" {
		return ErrInvalidModelName
	}
	if c.ContextTokenBudget < 256 || c.ContextTokenBudget > 1_000_000 {
		return fmt.Errorf("%w: %d", ErrInvalidTokenBudget, c.ContextTokenBudget)
	}
	if strings.TrimSpace(c.PostgresHost) == "" {
		return ErrInvalidPostgresHost
	}
	if c.PostgresPort < 1 || c.PostgresPort > 65535 {
		return fmt.Errorf("%w: %d", ErrInvalidPostgresPort, c.PostgresPort)
	}
	if c.RateLimitWindow <= 0 || c.RateLimitMax <= 0 {
		return fmt.Errorf("%w: window=%d max=%d", ErrInvalidRateLimit, c.RateLimitWindow, c.RateLimitMax)
	}
	if c.ConversationCacheTTLSec <= 0 || c.AttachmentTTLSec <= 0 || c.AttachmentSessionTTLSec <= 0 {
		return ErrInvalidTTL
	}
	// Attachments must expire no later than their session; the sweep relies on it.
	if c.AttachmentTTLSec > c.AttachmentSessionTTLSec {
		return fmt.Errorf("%w: attachment TTL exceeds session TTL", ErrInvalidTTL)
	}
	return nil
}

// PostgresURL returns the connection string in URL form for migrations.
func (c *Config) PostgresURL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		url.QueryEscape(c.PostgresUser),
		url.QueryEscape(c.PostgresPassword),
		c.PostgresHost, c.PostgresPort, c.PostgresDBName, c.PostgresSSLMode)
}

// RequestTimeout returns the per-request streaming deadline.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSec) * time.Second
}

// KeepAliveInterval returns the SSE keep-alive comment interval.
func (c *Config) KeepAliveInterval() time.Duration {
	return time.Duration(c.KeepAliveIntervalMs) * time.Millisecond
}

// maskedValue is the placeholder for masked sensitive data.
const maskedValue = "████████"

// maskSecret masks a secret string for safe logging. Short secrets are fully
// masked to prevent substring matching; longer ones keep two edge characters
// for debug utility.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return maskedValue
	}
	return s[:2] + "<" + maskedValue + ">" + s[len(s)-2:]
}

// MarshalJSON implements json.Marshaler with explicit sensitive field masking.
func (c Config) MarshalJSON() ([]byte, error) {
	type alias Config
	a := alias(c)
	a.PostgresPassword = maskSecret(a.PostgresPassword)
	a.APIKey = maskSecret(a.APIKey)
	data, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return data, nil
}

// String implements Stringer to prevent accidental printing of secrets.
func (c Config) String() string {
	data, err := c.MarshalJSON()
	if err != nil {
		return fmt.Sprintf("Config{error: %v}", err)
	}
	return string(data)
}

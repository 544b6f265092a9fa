// Package observability wires trace export into Genkit's tracer provider.
package observability

import (
	"context"
	"os"
	"time"

	"github.com/firebase/genkit/go/core/tracing"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/askflow/askflow/internal/log"
)

// SetupTracing registers an OTLP HTTP exporter with Genkit's tracer provider
// and returns a shutdown function. Must run before genkit.Init so the
// provider is ready when flows start.
//
// Spans go to a local collector agent; the agent owns authentication,
// buffering, and forwarding. A missing agent only disables tracing.
func SetupTracing(ctx context.Context, agentHost, serviceName, environment string, logger log.Logger) func() {
	if agentHost == "" {
		agentHost = "localhost:4318"
	}

	// OTEL env vars feed Genkit's TracerProvider resource. Called exactly
	// once during startup, before any goroutines are spawned.
	if serviceName != "" {
		_ = os.Setenv("OTEL_SERVICE_NAME", serviceName)
	}
	if environment != "" {
		_ = os.Setenv("OTEL_RESOURCE_ATTRIBUTES", "deployment.environment="+environment)
	}

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(agentHost),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		logger.Warn("creating trace exporter, tracing disabled", "error", err)
		return func() {}
	}

	processor := sdktrace.NewBatchSpanProcessor(exporter)
	tracing.TracerProvider().RegisterSpanProcessor(processor)

	logger.Debug("tracing enabled",
		"agent", agentHost,
		"service", serviceName,
		"environment", environment)

	shutdown := tracing.TracerProvider().Shutdown
	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(shutdownCtx); err != nil {
			logger.Warn("shutting down tracer provider", "error", err)
		}
	}
}

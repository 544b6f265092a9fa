package provider

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/firebase/genkit/go/ai"
)

// RetryConfig configures retry behavior for model calls.
type RetryConfig struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryConfig returns sensible defaults for LLM API calls.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:      3,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     10 * time.Second,
	}
}

// retryableError reports whether an error should trigger a retry.
func retryableError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()

	// Rate limits
	if containsAny(errStr, "rate limit", "quota exceeded", "429") {
		return true
	}
	// Transient server errors
	if containsAny(errStr, "500", "502", "503", "504", "unavailable") {
		return true
	}
	// Network errors
	if containsAny(errStr, "connection reset", "timeout", "temporary") {
		return true
	}
	return false
}

func containsAny(s string, substrs ...string) bool {
	lower := strings.ToLower(s)
	for _, sub := range substrs {
		if strings.Contains(lower, sub) {
			return true
		}
	}
	return false
}

// executeWithRetry runs the prompt with exponential backoff. Each attempt
// waits on the proactive rate limiter first so retries cannot stampede the
// provider.
func (g *Generator) executeWithRetry(ctx context.Context, opts []ai.PromptExecuteOption) (*ai.ModelResponse, error) {
	var lastErr error
	delay := g.retryConfig.InitialInterval
	start := time.Now()

	for attempt := 0; attempt <= g.retryConfig.MaxRetries; attempt++ {
		if g.rateLimiter != nil {
			if err := g.rateLimiter.Wait(ctx); err != nil {
				return nil, fmt.Errorf("rate limit wait: %w", err)
			}
		}

		resp, err := g.prompt.Execute(ctx, opts...)
		if err == nil {
			g.logger.Debug("prompt executed",
				"attempts", attempt+1,
				"elapsed", time.Since(start))
			return resp, nil
		}

		lastErr = err
		if !retryableError(err) {
			return nil, fmt.Errorf("prompt execute: %w", err)
		}
		if attempt == g.retryConfig.MaxRetries {
			break
		}

		g.logger.Debug("retrying after error",
			"attempt", attempt+1,
			"delay", delay,
			"error", err)

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("context canceled during retry: %w", ctx.Err())
		case <-time.After(delay):
			delay = min(delay*2, g.retryConfig.MaxInterval)
		}
	}

	return nil, fmt.Errorf("prompt execute after %d retries (elapsed: %v): %w",
		g.retryConfig.MaxRetries, time.Since(start), lastErr)
}

package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/askflow/askflow/internal/log"
)

func TestAuthMiddleware(t *testing.T) {
	t.Parallel()

	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	tests := []struct {
		name       string
		apiKey     string
		authHeader string
		wantStatus int
	}{
		{"valid token", "secret", "Bearer secret", http.StatusOK},
		{"wrong token", "secret", "Bearer nope", http.StatusUnauthorized},
		{"missing header", "secret", "", http.StatusUnauthorized},
		{"malformed scheme", "secret", "Basic secret", http.StatusUnauthorized},
		{"unconfigured key", "", "Bearer anything", http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			handler := authMiddleware(tt.apiKey, log.NewNop())(next)
			req := httptest.NewRequest(http.MethodPost, "/api/chat/stream", nil)
			if tt.authHeader != "" {
				req.Header.Set("Authorization", tt.authHeader)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			assert.Equal(t, tt.wantStatus, rec.Code)
		})
	}
}

func TestClientIP(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		remoteAddr string
		realIP     string
		forwarded  string
		trustProxy bool
		want       string
	}{
		{"remote addr only", "203.0.113.7:4431", "", "", false, "203.0.113.7"},
		{"headers ignored without trust", "203.0.113.7:4431", "198.51.100.1", "198.51.100.2", false, "203.0.113.7"},
		{"x-real-ip preferred", "203.0.113.7:4431", "198.51.100.1", "198.51.100.2", true, "198.51.100.1"},
		{"first forwarded entry", "203.0.113.7:4431", "", "198.51.100.2, 10.0.0.1", true, "198.51.100.2"},
		{"invalid header falls back", "203.0.113.7:4431", "not-an-ip", "also-bad", true, "203.0.113.7"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			req := httptest.NewRequest(http.MethodPost, "/", nil)
			req.RemoteAddr = tt.remoteAddr
			if tt.realIP != "" {
				req.Header.Set("X-Real-IP", tt.realIP)
			}
			if tt.forwarded != "" {
				req.Header.Set("X-Forwarded-For", tt.forwarded)
			}
			assert.Equal(t, tt.want, clientIP(req, tt.trustProxy))
		})
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	t.Parallel()

	handler := recoveryMiddleware(log.NewNop())(
		http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
			panic("boom")
		}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "internal_error")
}

func TestRecoveryMiddlewareMidStream(t *testing.T) {
	t.Parallel()

	// Once headers are out, the panic is swallowed and nothing more is
	// written; the connection just ends.
	handler := recoveryMiddleware(log.NewNop())(
		http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("partial"))
			panic("boom")
		}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "partial", rec.Body.String())
}

func TestLoggingWriterCapturesStatus(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	lw := &loggingWriter{w: rec}

	_, err := lw.Write([]byte("hello"))
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, lw.statusCode, "implicit 200 on first write")
	assert.Equal(t, int64(5), lw.bytesWritten)
	assert.Same(t, http.ResponseWriter(rec), lw.Unwrap())
}

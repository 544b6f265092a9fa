package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/askflow/askflow/internal/chat"
)

// noFlushWriter hides the recorder's Flush method.
type noFlushWriter struct {
	header http.Header
}

func (w *noFlushWriter) Header() http.Header         { return w.header }
func (w *noFlushWriter) Write(b []byte) (int, error) { return len(b), nil }
func (w *noFlushWriter) WriteHeader(int)             {}

func TestNewStreamWriterHeaders(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	_, err := newStreamWriter(rec)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))
	assert.Equal(t, "keep-alive", rec.Header().Get("Connection"))
	assert.Equal(t, "no", rec.Header().Get("X-Accel-Buffering"))
	assert.True(t, rec.Flushed)
}

func TestNewStreamWriterRequiresFlusher(t *testing.T) {
	t.Parallel()

	_, err := newStreamWriter(&noFlushWriter{header: make(http.Header)})
	require.Error(t, err)
}

func TestEmitFraming(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	sw, err := newStreamWriter(rec)
	require.NoError(t, err)

	require.NoError(t, sw.Emit(chat.StartEvent("msg-1")))
	require.NoError(t, sw.Emit(chat.ContentEvent("Hello")))

	body := rec.Body.String()
	frames := strings.Split(strings.TrimSuffix(body, "\n\n"), "\n\n")
	require.Len(t, frames, 2)
	assert.Equal(t, `data: {"type":"start","messageId":"msg-1"}`, frames[0])
	assert.Equal(t, `data: {"type":"content","content":"Hello"}`, frames[1])
}

func TestKeepAliveWritesComments(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	sw, err := newStreamWriter(rec)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sw.keepAlive(ctx, time.Millisecond)
		close(done)
	}()

	assert.Eventually(t, func() bool {
		sw.mu.Lock()
		defer sw.mu.Unlock()
		return strings.Contains(rec.Body.String(), ": keep-alive\n\n")
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("keepAlive did not stop after cancellation")
	}
}

func TestKeepAliveDisabledForZeroInterval(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	sw, err := newStreamWriter(rec)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		sw.keepAlive(context.Background(), 0)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("keepAlive with zero interval should return immediately")
	}
}

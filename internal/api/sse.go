package api

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/askflow/askflow/internal/chat"
)

// streamWriter delivers chat events over Server-Sent Events, one JSON object
// per `data:` frame. A background keep-alive loop emits comment lines so
// buffering proxies flush promptly during model silence.
//
// Writes are serialized with a mutex because the keep-alive ticker and the
// orchestrator emit concurrently.
type streamWriter struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
	failed  bool
}

// newStreamWriter sets the SSE headers and commits the response to
// streaming. Fails when the underlying writer cannot flush.
func newStreamWriter(w http.ResponseWriter) (*streamWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support flushing")
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	return &streamWriter{w: w, flusher: flusher}, nil
}

// Emit writes one event frame and flushes.
func (sw *streamWriter) Emit(e chat.Event) error {
	payload, err := e.Marshal()
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}

	sw.mu.Lock()
	defer sw.mu.Unlock()
	if sw.failed {
		return fmt.Errorf("stream already failed")
	}
	if _, err := fmt.Fprintf(sw.w, "data: %s\n\n", payload); err != nil {
		sw.failed = true
		return fmt.Errorf("writing event frame: %w", err)
	}
	sw.flusher.Flush()
	return nil
}

// keepAlive writes comment frames on the given interval until ctx is done.
// Write errors stop the loop; the next Emit will observe the failure too.
func (sw *streamWriter) keepAlive(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sw.mu.Lock()
			if sw.failed {
				sw.mu.Unlock()
				return
			}
			if _, err := fmt.Fprint(sw.w, ": keep-alive\n\n"); err != nil {
				sw.failed = true
				sw.mu.Unlock()
				return
			}
			sw.flusher.Flush()
			sw.mu.Unlock()
		}
	}
}

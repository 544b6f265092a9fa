package attachcache

import (
	"context"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/askflow/askflow/internal/log"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// newTestCache returns a cache with a controllable clock.
func newTestCache(attachmentTTL, sessionTTL time.Duration) (*Cache, *time.Time) {
	c := New(attachmentTTL, sessionTTL, time.Minute, log.NewNop())
	now := time.Now()
	c.now = func() time.Time { return now }
	return c, &now
}

func TestAddGetRoundTrip(t *testing.T) {
	t.Parallel()

	c, _ := newTestCache(15*time.Minute, 30*time.Minute)
	c.Add("sess-1", "blob-1", Attachment{
		FileName: "brochure.pdf",
		MimeType: "application/pdf",
		Payload:  []byte("pdf-bytes"),
	})

	got, ok := c.Get("sess-1", "blob-1")
	if !ok {
		t.Fatal("expected hit")
	}
	if got.BlobKey != "blob-1" {
		t.Errorf("BlobKey = %q, want blob-1", got.BlobKey)
	}
	if got.FileName != "brochure.pdf" {
		t.Errorf("FileName = %q", got.FileName)
	}
	if got.ExpiresAt.IsZero() || got.CachedAt.IsZero() {
		t.Error("Add must stamp CachedAt and ExpiresAt")
	}

	if _, ok := c.Get("sess-1", "missing"); ok {
		t.Error("unknown blob key should miss")
	}
	if _, ok := c.Get("other", "blob-1"); ok {
		t.Error("attachments must not leak across sessions")
	}
}

func TestAttachmentExpiry(t *testing.T) {
	t.Parallel()

	c, now := newTestCache(15*time.Minute, 30*time.Minute)
	c.Add("sess-1", "blob-1", Attachment{FileName: "a.png", Payload: []byte("x")})

	*now = now.Add(14 * time.Minute)
	if _, ok := c.Get("sess-1", "blob-1"); !ok {
		t.Error("attachment should be retrievable at t+14m")
	}

	*now = now.Add(2 * time.Minute)
	if _, ok := c.Get("sess-1", "blob-1"); ok {
		t.Error("attachment should be absent at t+16m")
	}

	st := c.Stats()
	if st.LazilyEvicted == 0 {
		t.Error("lazy eviction should be counted")
	}
}

func TestSessionTouchDoesNotExtendAttachment(t *testing.T) {
	t.Parallel()

	c, now := newTestCache(15*time.Minute, 30*time.Minute)
	c.Add("sess-1", "blob-1", Attachment{Payload: []byte("x")})

	// Touch the session every 10 minutes; the session stays alive but the
	// attachment's fixed TTL still lapses.
	for i := 0; i < 3; i++ {
		*now = now.Add(10 * time.Minute)
		c.Get("sess-1", "blob-1")
	}

	if _, ok := c.Get("sess-1", "blob-1"); ok {
		t.Error("attachment TTL must not be extended by session touches")
	}
	if c.Stats().Sessions != 1 {
		t.Error("session should still be alive from the touches")
	}
}

func TestSessionExpiry(t *testing.T) {
	t.Parallel()

	c, now := newTestCache(15*time.Minute, 30*time.Minute)
	c.Add("sess-1", "blob-1", Attachment{Payload: []byte("x")})

	*now = now.Add(31 * time.Minute)
	if _, ok := c.Get("sess-1", "blob-1"); ok {
		t.Error("session should have expired")
	}
	if c.Stats().Sessions != 0 {
		t.Error("expired session should be evicted on access")
	}
}

func TestGetMany(t *testing.T) {
	t.Parallel()

	c, now := newTestCache(15*time.Minute, 30*time.Minute)
	c.Add("sess-1", "a", Attachment{Payload: []byte("1")})
	c.Add("sess-1", "b", Attachment{Payload: []byte("2")})

	hits, missKeys := c.GetMany("sess-1", []string{"a", "b", "c"})
	if len(hits) != 2 {
		t.Errorf("hits = %d, want 2", len(hits))
	}
	if len(missKeys) != 1 || missKeys[0] != "c" {
		t.Errorf("missKeys = %v, want [c]", missKeys)
	}

	// Expired attachments count as misses.
	*now = now.Add(16 * time.Minute)
	hits, missKeys = c.GetMany("sess-1", []string{"a", "b"})
	if len(hits) != 0 || len(missKeys) != 2 {
		t.Errorf("after expiry: hits=%d missKeys=%v", len(hits), missKeys)
	}
}

func TestHas(t *testing.T) {
	t.Parallel()

	c, now := newTestCache(15*time.Minute, 30*time.Minute)
	c.Add("sess-1", "a", Attachment{Payload: []byte("1")})

	if !c.Has("sess-1", "a") {
		t.Error("expected Has to report the live attachment")
	}
	if c.Has("sess-1", "b") {
		t.Error("unknown key should report false")
	}

	*now = now.Add(16 * time.Minute)
	if c.Has("sess-1", "a") {
		t.Error("expired attachment should report false")
	}
}

func TestClearSessionAndAll(t *testing.T) {
	t.Parallel()

	c, _ := newTestCache(15*time.Minute, 30*time.Minute)
	c.Add("sess-1", "a", Attachment{Payload: []byte("1")})
	c.Add("sess-2", "b", Attachment{Payload: []byte("2")})

	c.ClearSession("sess-1")
	if _, ok := c.Get("sess-1", "a"); ok {
		t.Error("cleared session should miss")
	}
	if _, ok := c.Get("sess-2", "b"); !ok {
		t.Error("other sessions must survive ClearSession")
	}

	c.ClearAll()
	if c.Stats().Sessions != 0 {
		t.Error("ClearAll should empty the cache")
	}
}

func TestSweepRemovesExpired(t *testing.T) {
	t.Parallel()

	c, now := newTestCache(15*time.Minute, 30*time.Minute)
	c.Add("stale-session", "a", Attachment{Payload: []byte("1")})
	c.Add("live-session", "b", Attachment{Payload: []byte("2")})

	// Keep live-session's entry fresh, then advance past the stale
	// session's TTL and the attachments' fixed TTL.
	*now = now.Add(20 * time.Minute)
	c.Add("live-session", "c", Attachment{Payload: []byte("3")})
	*now = now.Add(11 * time.Minute)

	c.sweep()

	st := c.Stats()
	if st.SweepsRun != 1 {
		t.Errorf("SweepsRun = %d, want 1", st.SweepsRun)
	}
	// stale-session expired wholesale; live-session lost a and b to the
	// attachment TTL but keeps c.
	if st.Sessions != 1 {
		t.Errorf("Sessions = %d, want 1", st.Sessions)
	}
	if st.Attachments != 1 {
		t.Errorf("Attachments = %d, want 1", st.Attachments)
	}
	if !c.Has("live-session", "c") {
		t.Error("fresh attachment should survive the sweep")
	}

	// A sweep that empties a session removes the session itself.
	*now = now.Add(16 * time.Minute)
	c.sweep()
	if got := c.Stats().Sessions; got != 0 {
		t.Errorf("Sessions after final sweep = %d, want 0", got)
	}
}

func TestStatsPayloadBytes(t *testing.T) {
	t.Parallel()

	c, _ := newTestCache(15*time.Minute, 30*time.Minute)
	c.Add("sess-1", "a", Attachment{Payload: make([]byte, 100)})
	c.Add("sess-1", "b", Attachment{Payload: make([]byte, 50)})

	if got := c.Stats().PayloadBytes; got != 150 {
		t.Errorf("PayloadBytes = %d, want 150", got)
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	t.Parallel()

	c := New(time.Millisecond, 2*time.Millisecond, time.Millisecond, log.NewNop())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after context cancellation")
	}
}

// Package attachcache is a short-lived, in-memory cache of uploaded file
// payloads, keyed by session and blob key.
//
// TTLs are two-tier: touching a session on any read or write extends the
// session's expiry, but an attachment's expiry is fixed at Add time and is
// never extended. Attachments therefore have a strictly bounded lifetime
// regardless of access pattern. Expired items are evicted lazily on access
// and proactively by the background sweep.
package attachcache

import (
	"context"
	"sync"
	"time"

	"github.com/askflow/askflow/internal/log"
)

// Default lifetimes. Attachment TTL must not exceed the session TTL.
const (
	DefaultAttachmentTTL = 15 * time.Minute
	DefaultSessionTTL    = 30 * time.Minute
	DefaultSweepInterval = time.Minute
)

// Attachment is a cached upload. Payload is the raw bytes as received.
type Attachment struct {
	BlobKey   string
	FileName  string
	MimeType  string
	Size      int64
	Payload   []byte
	CachedAt  time.Time
	ExpiresAt time.Time
}

func (a *Attachment) expired(now time.Time) bool {
	return !now.Before(a.ExpiresAt)
}

// sessionEntry owns a session's attachments. Deleted when its own TTL lapses
// or when the attachment map becomes empty during a sweep.
type sessionEntry struct {
	attachments map[string]*Attachment
	createdAt   time.Time
	expiresAt   time.Time
}

// Stats is a point-in-time snapshot for the health surface.
type Stats struct {
	Sessions      int   `json:"sessions"`
	Attachments   int   `json:"attachments"`
	PayloadBytes  int64 `json:"payloadBytes"`
	SweepsRun     int64 `json:"sweepsRun"`
	SweepEvicted  int64 `json:"sweepEvicted"`
	LazilyEvicted int64 `json:"lazilyEvicted"`
}

// Cache is the session attachment cache. Explicitly constructed and injected;
// safe for concurrent use.
type Cache struct {
	mu       sync.Mutex
	sessions map[string]*sessionEntry

	attachmentTTL time.Duration
	sessionTTL    time.Duration
	sweepInterval time.Duration

	sweepsRun     int64
	sweepEvicted  int64
	lazilyEvicted int64

	logger log.Logger
	now    func() time.Time
}

// New creates a cache. Zero durations use the defaults.
func New(attachmentTTL, sessionTTL, sweepInterval time.Duration, logger log.Logger) *Cache {
	if attachmentTTL <= 0 {
		attachmentTTL = DefaultAttachmentTTL
	}
	if sessionTTL <= 0 {
		sessionTTL = DefaultSessionTTL
	}
	if sweepInterval <= 0 {
		sweepInterval = DefaultSweepInterval
	}
	if logger == nil {
		logger = log.NewNop()
	}
	return &Cache{
		sessions:      make(map[string]*sessionEntry),
		attachmentTTL: attachmentTTL,
		sessionTTL:    sessionTTL,
		sweepInterval: sweepInterval,
		logger:        logger,
		now:           time.Now,
	}
}

// Add stores an attachment under the session, creating the session entry if
// needed. The session expiry is extended; the attachment expiry is fixed.
func (c *Cache) Add(sessionID, blobKey string, att Attachment) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	s, ok := c.sessions[sessionID]
	if !ok || !now.Before(s.expiresAt) {
		s = &sessionEntry{
			attachments: make(map[string]*Attachment),
			createdAt:   now,
		}
		c.sessions[sessionID] = s
	}
	s.expiresAt = now.Add(c.sessionTTL)

	att.BlobKey = blobKey
	att.CachedAt = now
	att.ExpiresAt = now.Add(c.attachmentTTL)
	s.attachments[blobKey] = &att
}

// Get returns the attachment, or false on miss. Expired attachments are
// evicted on access. A hit touches the session expiry only.
func (c *Cache) Get(sessionID, blobKey string) (Attachment, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	s, ok := c.liveSession(sessionID, now)
	if !ok {
		return Attachment{}, false
	}

	att, ok := s.attachments[blobKey]
	if !ok {
		return Attachment{}, false
	}
	if att.expired(now) {
		delete(s.attachments, blobKey)
		c.lazilyEvicted++
		return Attachment{}, false
	}

	s.expiresAt = now.Add(c.sessionTTL)
	return *att, true
}

// GetMany returns the attachments found for blobKeys plus the keys that
// missed, preserving request order in both slices.
func (c *Cache) GetMany(sessionID string, blobKeys []string) (hits []Attachment, missKeys []string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	s, ok := c.liveSession(sessionID, now)
	if !ok {
		return nil, append(missKeys, blobKeys...)
	}

	for _, key := range blobKeys {
		att, found := s.attachments[key]
		if !found {
			missKeys = append(missKeys, key)
			continue
		}
		if att.expired(now) {
			delete(s.attachments, key)
			c.lazilyEvicted++
			missKeys = append(missKeys, key)
			continue
		}
		hits = append(hits, *att)
	}
	if len(hits) > 0 {
		s.expiresAt = now.Add(c.sessionTTL)
	}
	return hits, missKeys
}

// Has reports whether the attachment exists and is unexpired, without
// touching the session expiry.
func (c *Cache) Has(sessionID, blobKey string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	s, ok := c.liveSession(sessionID, now)
	if !ok {
		return false
	}
	att, ok := s.attachments[blobKey]
	return ok && !att.expired(now)
}

// ClearSession removes a session and all its attachments.
func (c *Cache) ClearSession(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessions, sessionID)
}

// ClearAll empties the cache.
func (c *Cache) ClearAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessions = make(map[string]*sessionEntry)
}

// Stats returns a snapshot of current occupancy and eviction counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := Stats{
		Sessions:      len(c.sessions),
		SweepsRun:     c.sweepsRun,
		SweepEvicted:  c.sweepEvicted,
		LazilyEvicted: c.lazilyEvicted,
	}
	for _, s := range c.sessions {
		st.Attachments += len(s.attachments)
		for _, att := range s.attachments {
			st.PayloadBytes += int64(len(att.Payload))
		}
	}
	return st
}

// Run sweeps the cache on the configured interval until ctx is done.
// Intended to be started once as a background goroutine.
func (c *Cache) Run(ctx context.Context) {
	ticker := time.NewTicker(c.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

// sweep removes expired sessions wholesale, then expired attachments, then
// any session left empty as a result.
func (c *Cache) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	evicted := int64(0)
	for id, s := range c.sessions {
		if !now.Before(s.expiresAt) {
			evicted += int64(len(s.attachments))
			delete(c.sessions, id)
			continue
		}
		for key, att := range s.attachments {
			if att.expired(now) {
				delete(s.attachments, key)
				evicted++
			}
		}
		if len(s.attachments) == 0 {
			delete(c.sessions, id)
		}
	}

	c.sweepsRun++
	c.sweepEvicted += evicted
	if evicted > 0 {
		c.logger.Debug("attachment cache sweep",
			"evicted", evicted,
			"sessions", len(c.sessions))
	}
}

// liveSession returns the session if it exists and is unexpired, evicting it
// otherwise. Caller holds c.mu.
func (c *Cache) liveSession(sessionID string, now time.Time) (*sessionEntry, bool) {
	s, ok := c.sessions[sessionID]
	if !ok {
		return nil, false
	}
	if !now.Before(s.expiresAt) {
		c.lazilyEvicted += int64(len(s.attachments))
		delete(c.sessions, sessionID)
		return nil, false
	}
	return s, true
}

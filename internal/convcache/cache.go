// Package convcache holds the per-conversation hot cache: recent message
// history bundled with the last retrieval result.
//
// The cache is a latency optimization only, never a correctness dependency.
// The durable store remains the source of truth; two concurrent turns on one
// conversation may both miss and both retrieve, and the later write-back wins.
// Cache failures degrade to misses and must never fail the user-facing
// request.
package convcache

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/askflow/askflow/internal/log"
	"github.com/askflow/askflow/internal/retrieval"
	"github.com/askflow/askflow/internal/store"
)

// DefaultTTL bounds how long an entry can serve hits regardless of validity.
const DefaultTTL = 5 * time.Minute

// Entry bundles a conversation's recent history with its last retrieval
// result. Entries are overwritten wholesale on every successful turn; no
// partial mutation.
type Entry struct {
	ConversationID       uuid.UUID
	Messages             []store.Message
	Chunks               []retrieval.Chunk
	QueryFingerprint     string
	KnowledgeBaseVersion string
	TotalTokens          int
	MessageCount         int
	LastUpdated          time.Time
	Version              int64
}

// Valid reports whether the entry can serve a hit for the given query
// fingerprint and knowledge base version. Pure: no I/O, no side effects.
//
// An entry is usable iff it has retrieval chunks, was built for the same
// (message, chatbot) fingerprint, and the knowledge base has not been
// re-indexed since. Any mismatch forces the full miss path.
func (e *Entry) Valid(fingerprint, knowledgeBaseVersion string) bool {
	return len(e.Chunks) > 0 &&
		e.QueryFingerprint == fingerprint &&
		e.KnowledgeBaseVersion == knowledgeBaseVersion
}

// Fingerprint returns the deterministic hash of the inputs that determine a
// retrieval result, used to detect "same question" for cache validity.
func Fingerprint(message, chatbotID string) string {
	h := sha256.New()
	h.Write([]byte(chatbotID))
	h.Write([]byte{0})
	h.Write([]byte(message))
	return hex.EncodeToString(h.Sum(nil))
}

// Cache is a mutex-guarded map of conversation id to Entry.
// Safe for concurrent use; constructed explicitly and injected, never global.
type Cache struct {
	mu      sync.RWMutex
	entries map[uuid.UUID]*Entry
	ttl     time.Duration
	version int64
	logger  log.Logger

	now func() time.Time // injectable clock for tests
}

// New creates a cache with the given TTL (0 uses DefaultTTL).
func New(ttl time.Duration, logger log.Logger) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = log.NewNop()
	}
	return &Cache{
		entries: make(map[uuid.UUID]*Entry),
		ttl:     ttl,
		logger:  logger,
		now:     time.Now,
	}
}

// Get returns the entry for a conversation, or false on miss. Expired
// entries are evicted on access.
func (c *Cache) Get(conversationID uuid.UUID) (Entry, bool) {
	c.mu.RLock()
	e, ok := c.entries[conversationID]
	c.mu.RUnlock()
	if !ok {
		return Entry{}, false
	}

	if c.now().Sub(e.LastUpdated) > c.ttl {
		c.mu.Lock()
		// Re-check under the write lock; a concurrent Set may have refreshed it.
		if cur, still := c.entries[conversationID]; still && c.now().Sub(cur.LastUpdated) > c.ttl {
			delete(c.entries, conversationID)
		}
		c.mu.Unlock()
		return Entry{}, false
	}

	return *e, true
}

// Set overwrites the conversation's entry wholesale. Idempotent; the last
// writer wins. Called only after a turn fully completes (write-back).
func (c *Cache) Set(entry Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.version++
	entry.Version = c.version
	if entry.LastUpdated.IsZero() {
		entry.LastUpdated = c.now()
	}
	entry.MessageCount = len(entry.Messages)
	c.entries[entry.ConversationID] = &entry

	c.logger.Debug("conversation cache updated",
		"conversation_id", entry.ConversationID,
		"messages", entry.MessageCount,
		"chunks", len(entry.Chunks),
		"version", entry.Version)
}

// Invalidate drops a conversation's entry.
func (c *Cache) Invalidate(conversationID uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, conversationID)
}

// Len returns the number of cached conversations.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

package chat

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/askflow/askflow/internal/log"
)

// AuditRecord summarizes one completed turn for analytics.
type AuditRecord struct {
	ChatbotID        string
	ConversationID   uuid.UUID
	MessageID        uuid.UUID
	Blocked          bool
	CacheHit         bool
	TokensUsed       int
	ProcessingTimeMs int64
	ToolCalls        []string
	CompletedAt      time.Time
}

// AuditSink records turn summaries. Implementations must be cheap and must
// never fail the caller; recording happens fire-and-forget after the stream
// completes.
type AuditSink interface {
	Record(ctx context.Context, rec AuditRecord)
}

// LogAuditSink writes audit records to the structured log. The default sink
// when no external analytics backend is configured.
type LogAuditSink struct {
	logger log.Logger
}

// NewLogAuditSink creates a log-backed audit sink.
func NewLogAuditSink(logger log.Logger) *LogAuditSink {
	if logger == nil {
		logger = log.NewNop()
	}
	return &LogAuditSink{logger: logger}
}

// Record logs the turn summary.
func (s *LogAuditSink) Record(_ context.Context, rec AuditRecord) {
	s.logger.Info("turn completed",
		"chatbot_id", rec.ChatbotID,
		"conversation_id", rec.ConversationID,
		"message_id", rec.MessageID,
		"blocked", rec.Blocked,
		"cache_hit", rec.CacheHit,
		"tokens_used", rec.TokensUsed,
		"processing_time_ms", rec.ProcessingTimeMs,
		"tool_calls", rec.ToolCalls)
}

// Package history converts a conversation's message log into a prompt-ready,
// token-budgeted turn sequence.
//
// The assembler walks the log from newest to oldest, accumulating messages
// while the running total plus the retrieval-context cost stays within the
// budget. Older messages beyond the budget are dropped wholesale; the most
// recent user message is never dropped, only truncated.
package history

import (
	"github.com/askflow/askflow/internal/log"
	"github.com/askflow/askflow/internal/store"
)

// Metadata describes what compaction did to the message log. It is carried on
// the complete event for observability and into the conversation cache entry.
type Metadata struct {
	TotalTokens     int  `json:"totalTokens"`
	MessagesDropped int  `json:"messagesDropped"`
	RAGTokensUsed   int  `json:"ragTokensUsed"`
	WasCompacted    bool `json:"wasCompacted"`
}

// Result is the transient output of one assembly pass.
type Result struct {
	Messages []store.Message
	Metadata Metadata
}

// Assembler builds bounded turn sequences. Safe for concurrent use; it holds
// no per-request state.
type Assembler struct {
	counter TokenCounter
	logger  log.Logger
}

// NewAssembler creates an assembler using the given token counter.
func NewAssembler(counter TokenCounter, logger log.Logger) *Assembler {
	if counter == nil {
		counter = NewCounter()
	}
	if logger == nil {
		logger = log.NewNop()
	}
	return &Assembler{counter: counter, logger: logger}
}

// Assemble selects the suffix of messages (oldest→newest on input) that fits
// within budget after reserving ragTokens for the retrieval context block.
//
// Invariants:
//   - Metadata.TotalTokens + Metadata.RAGTokensUsed never exceeds budget.
//   - The last message, when it is the current user turn, is always present;
//     if it alone would blow the budget its content is truncated, never dropped.
func (a *Assembler) Assemble(messages []store.Message, ragTokens, budget int) Result {
	available := budget - ragTokens
	if available < 0 {
		available = 0
	}

	if len(messages) == 0 {
		return Result{Metadata: Metadata{RAGTokensUsed: ragTokens}}
	}

	// Newest to oldest, accumulate until the budget would be exceeded.
	kept := 0
	total := 0
	for i := len(messages) - 1; i >= 0; i-- {
		cost := a.counter.Count(messages[i].Content)
		if total+cost > available {
			break
		}
		total += cost
		kept++
	}

	// The most recent user turn must survive even when it alone exceeds the
	// remaining budget.
	if kept == 0 {
		last := messages[len(messages)-1]
		last.Content = a.truncate(last.Content, available)
		total = a.counter.Count(last.Content)
		dropped := len(messages) - 1
		a.logger.Debug("history compacted to single truncated turn",
			"dropped", dropped,
			"total_tokens", total,
			"budget", budget)
		return Result{
			Messages: []store.Message{last},
			Metadata: Metadata{
				TotalTokens:     total,
				MessagesDropped: dropped,
				RAGTokensUsed:   ragTokens,
				WasCompacted:    true,
			},
		}
	}

	dropped := len(messages) - kept
	out := make([]store.Message, kept)
	copy(out, messages[len(messages)-kept:])

	if dropped > 0 {
		a.logger.Debug("history compacted",
			"original_count", len(messages),
			"kept", kept,
			"dropped", dropped,
			"total_tokens", total,
			"rag_tokens", ragTokens,
			"budget", budget)
	}

	return Result{
		Messages: out,
		Metadata: Metadata{
			TotalTokens:     total,
			MessagesDropped: dropped,
			RAGTokensUsed:   ragTokens,
			WasCompacted:    dropped > 0,
		},
	}
}

// truncate shortens content so its token count fits within maxTokens,
// searching on rune boundaries. Returns empty content when maxTokens <= 0.
func (a *Assembler) truncate(content string, maxTokens int) string {
	if maxTokens <= 0 {
		return ""
	}
	if a.counter.Count(content) <= maxTokens {
		return content
	}

	runes := []rune(content)
	lo, hi := 0, len(runes)
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if a.counter.Count(string(runes[:mid])) <= maxTokens {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	return string(runes[:lo])
}

// Package safety pre-screens user messages before any retrieval or model
// work begins.
//
// A blocked result is not an error. It is a normal, successful turn whose
// content happens to be a refusal; the orchestrator renders it as a synthetic
// stream so the client experience is uniform regardless of path.
package safety

import (
	"context"
	"regexp"
	"strings"
	"time"
	"unicode"

	"github.com/askflow/askflow/internal/log"
)

// Decision is the gate's verdict on one message.
type Decision struct {
	Blocked        bool
	UserResponse   string
	Patterns       []string
	AnalysisTimeMs int64
}

// RequestContext carries the request facts available at gate time.
type RequestContext struct {
	ChatbotID      string
	ConversationID string
	SessionID      string
}

// DefaultRejection is the reply streamed to the user on a block when the
// chatbot has no custom refusal text configured.
const DefaultRejection = "I can't help with that request, but I'm happy to answer questions about our products and services."

// Gate checks messages against injection and abuse patterns.
//
// No filter is perfect. This catches common patterns; sophisticated attacks
// may bypass detection, so system prompt hardening remains the second layer.
// Homoglyph substitution is a known gap: visually similar Unicode characters
// can evade the regexes, and full confusables normalization is out of scope.
type Gate struct {
	patterns  []*regexp.Regexp
	rejection string
	logger    log.Logger
}

// New creates a gate with the default pattern set. rejection overrides the
// refusal text when non-empty.
func New(rejection string, logger log.Logger) *Gate {
	if rejection == "" {
		rejection = DefaultRejection
	}
	if logger == nil {
		logger = log.NewNop()
	}

	patterns := []string{
		// System prompt override attempts
		`(?i)ignore\s+(all\s+)?(previous|above|prior)\s+(instructions?|prompts?|rules?)`,
		`(?i)disregard\s+(all\s+)?(previous|above|prior)\s+(instructions?|prompts?)`,
		`(?i)forget\s+(all\s+)?(previous|above|prior)\s+(instructions?|context)`,
		`(?i)override\s+(all\s+)?(previous|above|prior)\s+(instructions?|rules?)`,

		// Role-playing attacks
		`(?i)^(pretend|act|behave|imagine)\s+(you\s+are|to\s+be|as\s+if|like)`,
		`(?i)^you\s+are\s+now\s+a`,
		`(?i)^from\s+now\s+on,?\s+you\s+(are|will|must)`,

		// Instruction injection
		`(?i)^\s*(important|critical|urgent|system)\s*:\s*`,
		`(?i)^new\s+(instruction|task|rule)\s*:`,
		`(?i)^admin\s*(mode|override|command)\s*:`,

		// Delimiter manipulation
		`(?i)\]\s*\[\s*(system|assistant|instruction)`,
		`(?i)</?(system|instruction|prompt)>`,
		`(?i)---+\s*(system|new\s+instruction)`,

		// Jailbreak attempts
		`(?i)do\s+anything\s+now`,
		`(?i)jailbreak`,
		`(?i)bypass\s+(safety|filter|restrictions?)`,

		// Attempts to exfiltrate the system prompt
		`(?i)(reveal|show|print|repeat)\s+(your|the)\s+(system\s+)?(prompt|instructions?)`,
	}

	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		if re, err := regexp.Compile(p); err == nil {
			compiled = append(compiled, re)
		}
	}

	return &Gate{patterns: compiled, rejection: rejection, logger: logger}
}

// Check screens one message. It never returns an error for a matched pattern;
// the only error path is context cancellation.
func (g *Gate) Check(ctx context.Context, message string, rc RequestContext) (Decision, error) {
	if err := ctx.Err(); err != nil {
		return Decision{}, err
	}
	start := time.Now()

	normalized := normalize(message)

	var detected []string
	for _, re := range g.patterns {
		if re.MatchString(normalized) {
			detected = append(detected, re.String())
		}
	}

	d := Decision{
		Blocked:        len(detected) > 0,
		Patterns:       detected,
		AnalysisTimeMs: time.Since(start).Milliseconds(),
	}
	if d.Blocked {
		d.UserResponse = g.rejection
		g.logger.Warn("message blocked by safety gate",
			"chatbot_id", rc.ChatbotID,
			"conversation_id", rc.ConversationID,
			"pattern_count", len(detected))
	}
	return d, nil
}

// normalize prepares input for pattern matching: strips zero-width and
// combining characters, folds all whitespace runs to single spaces.
func normalize(s string) string {
	var b strings.Builder
	for _, r := range s {
		if unicode.Is(unicode.Cf, r) || unicode.Is(unicode.Mn, r) {
			continue
		}
		if unicode.IsSpace(r) {
			b.WriteRune(' ')
			continue
		}
		b.WriteRune(r)
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

package chat

import "encoding/json"

// Event types carried on the stream, in the order a well-formed turn emits
// them: start, zero or more content, zero or more tool_call, then exactly one
// complete or error.
const (
	EventStart    = "start"
	EventContent  = "content"
	EventToolCall = "tool_call"
	EventComplete = "complete"
	EventError    = "error"
)

// Stable error codes carried on error events. Once start has been sent the
// transport is committed to streaming, so failures are encoded in-band with
// these codes rather than HTTP status.
const (
	CodeTimeout             = "timeout"
	CodeCanceled            = "canceled"
	CodeProviderUnavailable = "provider_unavailable"
	CodeGenerationFailed    = "generation_failed"
	CodeInternal            = "internal"
)

// SourceRef attributes the reply to a knowledge source.
type SourceRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
}

// ErrorPayload is the in-band error body.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ToolCallPayload is an interpreted tool invocation ready for the client.
type ToolCallPayload struct {
	Name             string         `json:"name"`
	Parameters       map[string]any `json:"parameters,omitempty"`
	CalendlyLink     string         `json:"calendlyLink,omitempty"`
	IsContactCapture bool           `json:"isContactCapture,omitempty"`
}

// Event is the tagged union sent over the wire, one JSON object per frame.
type Event struct {
	Type             string           `json:"type"`
	Content          string           `json:"content,omitempty"`
	MessageID        string           `json:"messageId,omitempty"`
	TokensUsed       *int             `json:"tokensUsed,omitempty"`
	ProcessingTimeMs *int64           `json:"processingTime,omitempty"`
	Sources          []SourceRef      `json:"sources,omitempty"`
	Error            *ErrorPayload    `json:"error,omitempty"`
	ToolCall         *ToolCallPayload `json:"toolCall,omitempty"`
}

// Marshal renders the event as its wire JSON.
func (e Event) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// StartEvent carries only the correlation id, sent before any I/O so the
// client sees life immediately.
func StartEvent(messageID string) Event {
	return Event{Type: EventStart, MessageID: messageID}
}

// ContentEvent carries one incremental text fragment.
func ContentEvent(fragment string) Event {
	return Event{Type: EventContent, Content: fragment}
}

// ToolCallEvent wraps an interpreted invocation.
func ToolCallEvent(tc ToolCallPayload) Event {
	return Event{Type: EventToolCall, ToolCall: &tc}
}

// CompleteEvent carries the full accumulated text plus usage and attribution.
func CompleteEvent(messageID, content string, tokensUsed int, processingTimeMs int64, sources []SourceRef) Event {
	return Event{
		Type:             EventComplete,
		MessageID:        messageID,
		Content:          content,
		TokensUsed:       &tokensUsed,
		ProcessingTimeMs: &processingTimeMs,
		Sources:          sources,
	}
}

// ErrorEvent carries a stable machine code and a human message.
func ErrorEvent(code, message string) Event {
	return Event{Type: EventError, Error: &ErrorPayload{Code: code, Message: message}}
}

package chat

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func marshalToMap(t *testing.T, e Event) map[string]any {
	t.Helper()
	raw, err := e.Marshal()
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(raw, &m))
	return m
}

func TestStartEventShape(t *testing.T) {
	t.Parallel()

	m := marshalToMap(t, StartEvent("msg-1"))
	assert.Equal(t, map[string]any{"type": "start", "messageId": "msg-1"}, m)
}

func TestContentEventShape(t *testing.T) {
	t.Parallel()

	m := marshalToMap(t, ContentEvent("Hello"))
	assert.Equal(t, map[string]any{"type": "content", "content": "Hello"}, m)
}

func TestCompleteEventShape(t *testing.T) {
	t.Parallel()

	m := marshalToMap(t, CompleteEvent("msg-1", "Hello there", 42, 850, []SourceRef{
		{ID: "s1", Name: "FAQ", Type: "document"},
	}))

	assert.Equal(t, "complete", m["type"])
	assert.Equal(t, "Hello there", m["content"])
	assert.Equal(t, float64(42), m["tokensUsed"])
	assert.Equal(t, float64(850), m["processingTime"])
	require.Len(t, m["sources"], 1)
}

func TestCompleteEventZeroTokensVisible(t *testing.T) {
	t.Parallel()

	// A blocked turn reports tokensUsed 0 explicitly; the field must not be
	// omitted just because it is zero.
	m := marshalToMap(t, CompleteEvent("msg-1", "I can't help with that.", 0, 5, nil))
	v, ok := m["tokensUsed"]
	require.True(t, ok, "tokensUsed must be present on complete events")
	assert.Equal(t, float64(0), v)
	assert.NotContains(t, m, "sources")
}

func TestErrorEventShape(t *testing.T) {
	t.Parallel()

	m := marshalToMap(t, ErrorEvent(CodeTimeout, "too slow"))
	assert.Equal(t, "error", m["type"])
	assert.Equal(t, map[string]any{"code": "timeout", "message": "too slow"}, m["error"])
	assert.NotContains(t, m, "content")
}

func TestToolCallEventShape(t *testing.T) {
	t.Parallel()

	m := marshalToMap(t, ToolCallEvent(ToolCallPayload{
		Name:         "show_booking_trigger",
		CalendlyLink: "https://calendly.com/acme/demo",
	}))
	assert.Equal(t, "tool_call", m["type"])
	tc, ok := m["toolCall"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "show_booking_trigger", tc["name"])
	assert.Equal(t, "https://calendly.com/acme/demo", tc["calendlyLink"])
	assert.NotContains(t, tc, "isContactCapture")
}

package chat

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/askflow/askflow/internal/provider"
)

func TestInterpretToolCall(t *testing.T) {
	t.Parallel()

	params := map[string]any{"reason": "pricing question"}

	tests := []struct {
		name string
		tr   provider.ToolRequest
		bot  Chatbot
		want ToolCallPayload
	}{
		{
			name: "lead form forwarded unchanged",
			tr:   provider.ToolRequest{Name: provider.ToolShowLeadForm, Parameters: params},
			bot:  Chatbot{SchedulingLink: "https://calendly.com/acme/demo"},
			want: ToolCallPayload{Name: provider.ToolShowLeadForm, Parameters: params},
		},
		{
			name: "booking with configured link",
			tr:   provider.ToolRequest{Name: provider.ToolShowBookingTrigger, Parameters: params},
			bot:  Chatbot{SchedulingLink: "https://calendly.com/acme/demo"},
			want: ToolCallPayload{
				Name:         provider.ToolShowBookingTrigger,
				Parameters:   params,
				CalendlyLink: "https://calendly.com/acme/demo",
			},
		},
		{
			name: "booking without link degrades to contact capture",
			tr:   provider.ToolRequest{Name: provider.ToolShowBookingTrigger, Parameters: params},
			bot:  Chatbot{},
			want: ToolCallPayload{
				Name:             provider.ToolShowLeadForm,
				Parameters:       params,
				IsContactCapture: true,
			},
		},
		{
			name: "unknown tool forwarded",
			tr:   provider.ToolRequest{Name: "open_faq", Parameters: params},
			bot:  Chatbot{SchedulingLink: "https://calendly.com/acme/demo"},
			want: ToolCallPayload{Name: "open_faq", Parameters: params},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, InterpretToolCall(tt.tr, tt.bot))
		})
	}
}

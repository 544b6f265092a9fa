package chat

import (
	"github.com/askflow/askflow/internal/provider"
)

// InterpretToolCall applies chatbot policy to one raw tool invocation from
// the model before it becomes a tool_call event.
//
// The model always asks for "show booking" without knowing whether a
// scheduling integration exists; the decision is made here, purely from
// chatbot configuration:
//
//   - show_lead_form is forwarded unchanged.
//   - show_booking_trigger becomes a booking event carrying the configured
//     scheduling link, when one exists.
//   - show_booking_trigger with no link configured degrades to a
//     show_lead_form event flagged as contact capture, so the visitor can
//     still be followed up with manually.
//
// Unknown tool names are forwarded unchanged; duplicates within a turn are
// not deduplicated.
func InterpretToolCall(tr provider.ToolRequest, bot Chatbot) ToolCallPayload {
	switch tr.Name {
	case provider.ToolShowBookingTrigger:
		if bot.SchedulingLink == "" {
			return ToolCallPayload{
				Name:             provider.ToolShowLeadForm,
				Parameters:       tr.Parameters,
				IsContactCapture: true,
			}
		}
		return ToolCallPayload{
			Name:         provider.ToolShowBookingTrigger,
			Parameters:   tr.Parameters,
			CalendlyLink: bot.SchedulingLink,
		}
	default:
		return ToolCallPayload{Name: tr.Name, Parameters: tr.Parameters}
	}
}

package api

import (
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/askflow/askflow/internal/chat"
	"github.com/askflow/askflow/internal/store"
)

// historyEntry is one client-supplied prior turn. Anonymous widget visitors
// have no server-side conversation record, so the embedding page replays the
// visible transcript with each request.
type historyEntry struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// widgetRequest is the public/embedded request body.
type widgetRequest struct {
	ChatbotID           string         `json:"chatbotId"`
	Message             string         `json:"message"`
	SessionID           string         `json:"sessionId"`
	IsNewSession        bool           `json:"isNewSession"`
	ConversationID      string         `json:"conversationId,omitempty"`
	ConversationHistory []historyEntry `json:"conversationHistory,omitempty"`
	Files               []fileUpload   `json:"files,omitempty"`
}

// widgetHandler serves the public streaming endpoint used by the embeddable
// widget. Shares the chatHandler plumbing; differs in session handling,
// client-supplied history, and the pre-flight rate limit applied in the
// middleware stack.
type widgetHandler struct {
	*chatHandler
}

// stream handles POST /widget/chat/stream.
func (h *widgetHandler) stream(w http.ResponseWriter, r *http.Request) {
	var req widgetRequest
	if !decodeBody(w, r, &req, h.logger) {
		return
	}

	conversationID, ok := h.validateWidget(w, req)
	if !ok {
		return
	}

	bot, ok := h.loadChatbot(w, r.Context(), req.ChatbotID)
	if !ok {
		return
	}

	if !originAllowed(r.Header.Get("Origin"), bot.AllowedOrigins) {
		writeError(w, http.StatusForbidden, "origin_not_allowed", "this origin may not embed the widget", h.logger)
		return
	}

	if req.IsNewSession {
		h.attachments.ClearSession(req.SessionID)
	}
	attachments, ok := h.cacheFiles(w, req.SessionID, req.Files)
	if !ok {
		return
	}

	h.serve(w, r, chat.Request{
		Chatbot:          toChatbot(bot),
		ConversationID:   conversationID,
		SessionID:        req.SessionID,
		Message:          req.Message,
		Attachments:      attachments,
		ClientHistory:    toMessages(conversationID, req.ConversationHistory),
		UseClientHistory: true,
	})
}

func (h *widgetHandler) validateWidget(w http.ResponseWriter, req widgetRequest) (uuid.UUID, bool) {
	if req.ChatbotID == "" {
		writeError(w, http.StatusBadRequest, "missing_chatbot", "chatbotId is required", h.logger)
		return uuid.Nil, false
	}
	if req.Message == "" {
		writeError(w, http.StatusBadRequest, "missing_message", "message is required", h.logger)
		return uuid.Nil, false
	}
	if utf8.RuneCountInString(req.Message) > maxMessageRunes {
		writeError(w, http.StatusBadRequest, "message_too_long", "message exceeds maximum length", h.logger)
		return uuid.Nil, false
	}
	if req.SessionID == "" {
		writeError(w, http.StatusBadRequest, "missing_session", "sessionId is required", h.logger)
		return uuid.Nil, false
	}
	if len(req.ConversationHistory) > maxHistoryEntries {
		writeError(w, http.StatusBadRequest, "history_too_long", "conversationHistory exceeds maximum length", h.logger)
		return uuid.Nil, false
	}
	if len(req.Files) > maxFileCount {
		writeError(w, http.StatusBadRequest, "too_many_files", "too many attachments", h.logger)
		return uuid.Nil, false
	}

	// A fresh conversation id is minted for new sessions; continuing
	// sessions must carry the one minted before.
	if req.IsNewSession || req.ConversationID == "" {
		return uuid.New(), true
	}
	conversationID, err := uuid.Parse(req.ConversationID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_conversation", "conversationId must be a valid UUID", h.logger)
		return uuid.Nil, false
	}
	return conversationID, true
}

// originAllowed checks the request origin against the chatbot's own embed
// allow-list, layered under the global CORS policy. An empty list defers
// entirely to the global policy; requests without an Origin header
// (same-origin previews, server-side calls) always pass.
func originAllowed(origin string, allowed []string) bool {
	if origin == "" || len(allowed) == 0 {
		return true
	}
	for _, a := range allowed {
		if a == "*" || strings.EqualFold(a, origin) {
			return true
		}
	}
	return false
}

// toMessages converts the client transcript into message records. Roles
// other than assistant are treated as user turns.
func toMessages(conversationID uuid.UUID, entries []historyEntry) []store.Message {
	if len(entries) == 0 {
		return nil
	}
	msgs := make([]store.Message, 0, len(entries))
	for _, e := range entries {
		role := store.RoleUser
		if e.Role == store.RoleAssistant {
			role = store.RoleAssistant
		}
		msgs = append(msgs, store.Message{
			ConversationID: conversationID,
			Role:           role,
			Content:        e.Content,
			Status:         store.StatusComplete,
		})
	}
	return msgs
}

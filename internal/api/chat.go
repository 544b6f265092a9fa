package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/askflow/askflow/internal/attachcache"
	"github.com/askflow/askflow/internal/chat"
	"github.com/askflow/askflow/internal/log"
	"github.com/askflow/askflow/internal/store"
)

// Request body limits, enforced before any stream starts.
const (
	maxMessageRunes   = 8000
	maxFileCount      = 5
	maxFileBytes      = 10 << 20 // 10 MiB decoded
	maxRequestBytes   = 64 << 20
	maxHistoryEntries = 100
)

// Streamer runs one streaming turn. Satisfied by *chat.Orchestrator.
type Streamer interface {
	Stream(ctx context.Context, req chat.Request, emit chat.Emitter) error
}

// ChatbotSource resolves chatbot configuration. Satisfied by *store.Chatbots.
type ChatbotSource interface {
	Get(ctx context.Context, id string) (store.Chatbot, error)
}

// fileUpload is an inline attachment on a chat request.
type fileUpload struct {
	Name     string `json:"name"`
	MimeType string `json:"mimeType"`
	Size     int64  `json:"size"`
	Base64   string `json:"base64"`
}

// chatRequest is the authenticated request body.
type chatRequest struct {
	ChatbotID      string       `json:"chatbotId"`
	Message        string       `json:"message"`
	ConversationID string       `json:"conversationId"`
	Files          []fileUpload `json:"files,omitempty"`
}

// chatHandler serves the authenticated streaming endpoint.
type chatHandler struct {
	streamer    Streamer
	chatbots    ChatbotSource
	attachments *attachcache.Cache
	logger      log.Logger

	keepAliveInterval time.Duration
}

// stream handles POST /api/chat/stream.
func (h *chatHandler) stream(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if !decodeBody(w, r, &req, h.logger) {
		return
	}

	conversationID, ok := h.validate(w, req)
	if !ok {
		return
	}

	bot, ok := h.loadChatbot(w, r.Context(), req.ChatbotID)
	if !ok {
		return
	}

	attachments, ok := h.cacheFiles(w, conversationID.String(), req.Files)
	if !ok {
		return
	}

	h.serve(w, r, chat.Request{
		Chatbot:        toChatbot(bot),
		ConversationID: conversationID,
		SessionID:      conversationID.String(),
		Message:        req.Message,
		Attachments:    attachments,
	})
}

// validate rejects malformed input with a plain JSON 4xx before streaming.
func (h *chatHandler) validate(w http.ResponseWriter, req chatRequest) (uuid.UUID, bool) {
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
	conversationID, err := uuid.Parse(req.ConversationID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_conversation", "conversationId must be a valid UUID", h.logger)
		return uuid.Nil, false
	}
	if len(req.Files) > maxFileCount {
		writeError(w, http.StatusBadRequest, "too_many_files", "too many attachments", h.logger)
		return uuid.Nil, false
	}
	return conversationID, true
}

func (h *chatHandler) loadChatbot(w http.ResponseWriter, ctx context.Context, chatbotID string) (store.Chatbot, bool) {
	bot, err := h.chatbots.Get(ctx, chatbotID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "chatbot_not_found", "chatbot not found", h.logger)
		} else {
			h.logger.Error("loading chatbot", "chatbot_id", chatbotID, "error", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "internal server error", h.logger)
		}
		return store.Chatbot{}, false
	}
	return bot, true
}

// cacheFiles decodes uploads, stores them in the session attachment cache,
// and returns the attachments for this turn.
func (h *chatHandler) cacheFiles(w http.ResponseWriter, sessionID string, files []fileUpload) ([]attachcache.Attachment, bool) {
	if len(files) == 0 {
		return nil, true
	}

	attachments := make([]attachcache.Attachment, 0, len(files))
	for _, f := range files {
		payload, err := base64.StdEncoding.DecodeString(f.Base64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_file", "file content is not valid base64", h.logger)
			return nil, false
		}
		if len(payload) > maxFileBytes {
			writeError(w, http.StatusBadRequest, "file_too_large", "attachment exceeds the size limit", h.logger)
			return nil, false
		}

		blobKey := uuid.NewString()
		att := attachcache.Attachment{
			FileName: f.Name,
			MimeType: f.MimeType,
			Size:     int64(len(payload)),
			Payload:  payload,
		}
		h.attachments.Add(sessionID, blobKey, att)

		// Read back through the cache so the turn sees exactly what later
		// requests in the session will see.
		cached, ok := h.attachments.Get(sessionID, blobKey)
		if !ok {
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to stage attachment", h.logger)
			return nil, false
		}
		attachments = append(attachments, cached)
	}
	return attachments, true
}

// serve switches the response to SSE and runs the turn to a terminal state.
func (h *chatHandler) serve(w http.ResponseWriter, r *http.Request, req chat.Request) {
	sw, err := newStreamWriter(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "streaming_unsupported", "streaming is not supported", h.logger)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	kaDone := make(chan struct{})
	go func() {
		defer close(kaDone)
		sw.keepAlive(ctx, h.keepAliveInterval)
	}()

	if err := h.streamer.Stream(ctx, req, sw); err != nil {
		// Transport-level failure: the client is gone, nothing to send.
		h.logger.Debug("stream transport closed", "error", err)
	}

	// The ResponseWriter must not be touched once the handler returns, so the
	// keep-alive loop has to be fully stopped before then.
	cancel()
	<-kaDone
}

func toChatbot(bot store.Chatbot) chat.Chatbot {
	return chat.Chatbot{
		ID:               bot.ID,
		Name:             bot.Name,
		SystemPrompt:     bot.SystemPrompt,
		SchedulingLink:   bot.SchedulingLink,
		RejectionMessage: bot.RejectionMessage,
	}
}

// decodeBody reads a bounded JSON body, rejecting malformed input.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any, logger log.Logger) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "request body is not valid JSON", logger)
		return false
	}
	return true
}

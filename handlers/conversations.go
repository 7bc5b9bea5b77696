package handlers

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"llm_gateway/backend"
	"llm_gateway/conversation"
	"llm_gateway/middleware"
	"llm_gateway/models"
)

// ConversationsHandler serves the current user's stored conversations
type ConversationsHandler struct {
	service *conversation.Service
	db      RequestLog
}

// NewConversationsHandler creates a new conversations handler
func NewConversationsHandler(service *conversation.Service, db RequestLog) *ConversationsHandler {
	return &ConversationsHandler{service: service, db: db}
}

// conversationChatResponse is the chat envelope plus the updated conversation
type conversationChatResponse struct {
	models.ChatResponse
	Conversation *models.Conversation `json:"conversation,omitempty"`
}

func (h *ConversationsHandler) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, conversation.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, conversation.ErrExists):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, conversation.ErrInvalid):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		log.Printf("Conversation store error: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// List handles GET /api/conversations
func (h *ConversationsHandler) List(w http.ResponseWriter, r *http.Request) {
	conversations, err := h.service.List(middleware.User(r.Context()))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conversations)
}

// Replace handles PUT /api/conversations
func (h *ConversationsHandler) Replace(w http.ResponseWriter, r *http.Request) {
	var conversations models.Conversations
	if err := json.NewDecoder(r.Body).Decode(&conversations); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	saved, err := h.service.Replace(middleware.User(r.Context()), conversations)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

// Create handles POST /api/conversations with an optional {"name": ...}
func (h *ConversationsHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	name, conv, err := h.service.Create(middleware.User(r.Context()), req.Name)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"name": name, "conversation": conv})
}

// Delete handles DELETE /api/conversations/{name}
func (h *ConversationsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Delete(middleware.User(r.Context()), r.PathValue("name")); err != nil {
		h.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// UpdateSettings handles PATCH /api/conversations/{name}/settings
func (h *ConversationsHandler) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	var settings models.Settings
	if err := json.NewDecoder(r.Body).Decode(&settings); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	conv, err := h.service.UpdateSettings(middleware.User(r.Context()), r.PathValue("name"), settings)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

// Chat handles POST /api/conversations/{name}/chat with {"prompt": ...}.
// Generation failures are reported in the envelope with status 200.
func (h *ConversationsHandler) Chat(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()

	var req struct {
		Prompt string `json:"prompt"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	user := middleware.User(r.Context())
	name := r.PathValue("name")

	result, err := h.service.Chat(r.Context(), user, name, req.Prompt)
	if err != nil {
		var engineErr *backend.EngineError
		if !errors.As(err, &engineErr) {
			h.fail(w, err)
			return
		}
		logChat(h.db, r, startTime, chatOutcome{
			backendID: string(engineErr.Backend),
			prompt:    req.Prompt,
			err:       err,
			metadata:  result.Metadata,
		})
		writeJSON(w, http.StatusOK, conversationChatResponse{ChatResponse: errorResponse(err)})
		return
	}

	logChat(h.db, r, startTime, chatOutcome{
		backendID: result.Conversation.Meta.BackendID,
		prompt:    req.Prompt,
		response:  result.Response,
		metadata:  result.Metadata,
	})
	writeJSON(w, http.StatusOK, conversationChatResponse{
		ChatResponse: models.NewChatResponse(result.Response),
		Conversation: &result.Conversation,
	})
}

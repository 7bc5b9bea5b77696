package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"llm_gateway/backend"
	"llm_gateway/config"
	"llm_gateway/middleware"
	"llm_gateway/models"
)

// ChatHandler handles /chat and /{backend}/chat requests
type ChatHandler struct {
	registry *backend.Registry
	db       RequestLog
	config   *config.Config
}

// NewChatHandler creates a new chat handler
func NewChatHandler(registry *backend.Registry, db RequestLog, config *config.Config) *ChatHandler {
	return &ChatHandler{
		registry: registry,
		db:       db,
		config:   config,
	}
}

// Handle resolves the backend and generates a reply. Every failure is
// returned as an error envelope; Handle never panics.
func (h *ChatHandler) Handle(ctx context.Context, req models.GenerationRequest) models.ChatResponse {
	resp, _ := h.handle(ctx, req)
	return resp
}

func (h *ChatHandler) handle(ctx context.Context, req models.GenerationRequest) (resp models.ChatResponse, outcome chatOutcome) {
	outcome = chatOutcome{backendID: req.BackendID, prompt: req.Prompt}

	defer func() {
		if p := recover(); p != nil {
			err := &backend.EngineError{
				Kind:    backend.KindUnexpected,
				Backend: backend.ID(req.BackendID),
				Message: "internal error",
				Cause:   fmt.Errorf("panic: %v", p),
			}
			log.Printf("[%s] Unexpected: panic during generation (request %s): %v", req.BackendID, middleware.RequestID(ctx), p)
			outcome.err = err
			resp = errorResponse(err)
		}
	}()

	b, err := h.registry.Resolve(req.BackendID)
	if err != nil {
		log.Printf("[%s] %s: %v", req.BackendID, backend.KindOf(err), err)
		outcome.err = err
		return errorResponse(err), outcome
	}

	text, metadata, err := b.Generate(ctx, req)
	outcome.metadata = metadata
	if err != nil {
		outcome.err = err
		return errorResponse(err), outcome
	}

	outcome.response = text
	return models.NewChatResponse(text), outcome
}

// ServeHTTP implements the http.Handler interface
func (h *ChatHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	startTime := time.Now()

	var req models.GenerationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusOK, models.NewErrorResponse("invalid request body"))
		return
	}

	// the path segment selects the backend on /{backend}/chat
	if id := r.PathValue("backend"); id != "" {
		req.BackendID = id
	}

	req.Normalize()
	if err := req.Validate(); err != nil {
		writeJSON(w, http.StatusOK, models.NewErrorResponse(err.Error()))
		return
	}

	if h.config.Server.LogRawRequests {
		if reqJSON, err := json.MarshalIndent(req, "", "  "); err == nil {
			log.Printf("=== Raw Chat Request ===\n%s\n========================", string(reqJSON))
		}
	}

	if h.config.Server.LogMessages {
		log.Printf("=== Chat Request ===")
		log.Printf("Backend: %s", req.BackendID)
		log.Printf("History: %d turns", len(req.History))
		for i, turn := range req.History {
			log.Printf("  [%d] %s: %s", i, turn.Role, turn.Text)
		}
		log.Printf("Prompt: %s", req.Prompt)
		log.Printf("===================")
	}

	resp, outcome := h.handle(r.Context(), req)

	if h.config.Server.LogMessages {
		log.Printf("=== Chat Response ===")
		if resp.Error != nil {
			log.Printf("Error: %s", *resp.Error)
		} else {
			log.Printf("Response: %s", resp.Response)
		}
		log.Printf("=====================")
	}

	if h.config.Server.LogRawResponses && outcome.metadata != nil && outcome.metadata.RawResponse != "" {
		log.Printf("=== Raw Backend Response ===\n%s\n============================", outcome.metadata.RawResponse)
	}

	logChat(h.db, r, startTime, outcome)
	writeJSON(w, http.StatusOK, resp)
}

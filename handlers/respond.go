package handlers

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"llm_gateway/backend"
	"llm_gateway/database"
	"llm_gateway/middleware"
	"llm_gateway/models"
)

// RequestLog records chat requests
type RequestLog interface {
	Log(entry database.LogEntry) error
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// chatOutcome is what a generation produced, for logging
type chatOutcome struct {
	backendID string
	prompt    string
	response  string
	err       error
	metadata  *backend.BackendMetadata
}

// logChat writes a request log entry; failures are logged and otherwise ignored
func logChat(db RequestLog, r *http.Request, startTime time.Time, outcome chatOutcome) {
	if db == nil {
		return
	}

	entry := database.LogEntry{
		Timestamp:  startTime,
		RequestID:  middleware.RequestID(r.Context()),
		User:       middleware.User(r.Context()),
		Endpoint:   r.URL.Path,
		Method:     r.Method,
		BackendID:  outcome.backendID,
		Prompt:     outcome.prompt,
		Response:   outcome.response,
		StatusCode: http.StatusOK,
		LatencyMs:  time.Since(startTime).Milliseconds(),
	}
	if meta := outcome.metadata; meta != nil {
		entry.Model = meta.Model
		entry.BackendURL = meta.URL
		entry.BackendRequest = meta.RawRequest
		entry.BackendResponse = meta.RawResponse
		entry.HistoryTurns = meta.HistoryTurns
		entry.KeptTurns = meta.KeptTurns
		entry.PromptTokens = meta.PromptTokens
	}
	if outcome.err != nil {
		engineErr := backend.AsEngineError(outcome.err)
		entry.ErrorKind = engineErr.Kind.String()
		entry.Error = outcome.err.Error()
	}

	if err := db.Log(entry); err != nil {
		log.Printf("Failed to log request: %v", err)
	}
}

// errorResponse converts any error to the client envelope. Engine errors
// expose only their message, never the cause.
func errorResponse(err error) models.ChatResponse {
	return models.NewErrorResponse(backend.AsEngineError(err).Message)
}

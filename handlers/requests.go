package handlers

import (
	"log"
	"net/http"
	"strconv"

	"llm_gateway/database"
	"llm_gateway/middleware"
)

const pageSize = 25

// RequestsHandler serves the request log. Each user sees only their own requests.
type RequestsHandler struct {
	db *database.DB
}

// NewRequestsHandler creates a new requests handler
func NewRequestsHandler(db *database.DB) *RequestsHandler {
	return &RequestsHandler{db: db}
}

// List handles GET /api/requests?page=N, newest first
func (h *RequestsHandler) List(w http.ResponseWriter, r *http.Request) {
	user := middleware.User(r.Context())
	page := 1
	if pageStr := r.URL.Query().Get("page"); pageStr != "" {
		if p, err := strconv.Atoi(pageStr); err == nil && p > 0 {
			page = p
		}
	}

	total, err := h.db.CountEntries(user)
	if err != nil {
		log.Printf("Error getting total count: %v", err)
		writeError(w, http.StatusInternalServerError, "database error")
		return
	}

	entries, err := h.db.GetRecentEntries(user, pageSize, (page-1)*pageSize)
	if err != nil {
		log.Printf("Error getting entries: %v", err)
		writeError(w, http.StatusInternalServerError, "database error")
		return
	}

	totalPages := int((total + int64(pageSize) - 1) / int64(pageSize))

	writeJSON(w, http.StatusOK, struct {
		Entries     []database.LogEntry `json:"entries"`
		CurrentPage int                 `json:"current_page"`
		TotalPages  int                 `json:"total_pages"`
		TotalCount  int64               `json:"total_count"`
		HasPrev     bool                `json:"has_prev"`
		HasNext     bool                `json:"has_next"`
	}{
		Entries:     entries,
		CurrentPage: page,
		TotalPages:  totalPages,
		TotalCount:  total,
		HasPrev:     page > 1,
		HasNext:     page < totalPages,
	})
}

// Get handles GET /api/requests/{id}
func (h *RequestsHandler) Get(w http.ResponseWriter, r *http.Request) {
	user := middleware.User(r.Context())
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}

	entry, err := h.db.GetEntryByID(id)
	if err != nil {
		log.Printf("Error getting entry: %v", err)
		writeError(w, http.StatusInternalServerError, "database error")
		return
	}
	if entry == nil || entry.User != user {
		writeError(w, http.StatusNotFound, "request not found")
		return
	}

	nextID, err := h.db.GetNextEntryID(user, id)
	if err != nil {
		log.Printf("Error getting next entry: %v", err)
	}
	prevID, err := h.db.GetPreviousEntryID(user, id)
	if err != nil {
		log.Printf("Error getting previous entry: %v", err)
	}

	writeJSON(w, http.StatusOK, struct {
		Entry  *database.LogEntry `json:"entry"`
		NextID *int64             `json:"next_id"`
		PrevID *int64             `json:"prev_id"`
	}{entry, nextID, prevID})
}

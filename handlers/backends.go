package handlers

import (
	"log"
	"net/http"

	"llm_gateway/backend"
)

// BackendsHandler describes the registered backends
type BackendsHandler struct {
	registry *backend.Registry
}

// NewBackendsHandler creates a new backends handler
func NewBackendsHandler(registry *backend.Registry) *BackendsHandler {
	return &BackendsHandler{registry: registry}
}

// List handles GET /api/backends
func (h *BackendsHandler) List(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"backends": h.registry.Info()})
}

// Models handles GET /api/backends/{backend}/models
func (h *BackendsHandler) Models(w http.ResponseWriter, r *http.Request) {
	b, err := h.registry.Resolve(r.PathValue("backend"))
	if err != nil {
		writeError(w, http.StatusNotFound, backend.AsEngineError(err).Message)
		return
	}

	lister, ok := b.(backend.ModelLister)
	if !ok {
		writeError(w, http.StatusNotImplemented, "backend does not list models")
		return
	}

	modelsResp, err := lister.ListModels(r.Context())
	if err != nil {
		log.Printf("Failed to list models of %s: %v", b.ID(), err)
		writeError(w, http.StatusBadGateway, "failed to list models")
		return
	}
	writeJSON(w, http.StatusOK, modelsResp)
}

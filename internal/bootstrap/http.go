package bootstrap

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/example/shared-state-engine/internal/observability"
	"github.com/example/shared-state-engine/internal/types"
)

// HTTPHandler exposes document hydration via a RESTful endpoint.
type HTTPHandler struct {
	svc    *Service
	logger zerolog.Logger
}

// NewHTTPHandler builds the handler for GET /documents/{id}/state.
func NewHTTPHandler(svc *Service, logger zerolog.Logger) *HTTPHandler {
	return &HTTPHandler{svc: svc, logger: logger}
}

// ServeHTTP implements http.Handler.
func (h *HTTPHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) < 3 || parts[0] != "documents" || parts[2] != "state" {
		http.NotFound(w, r)
		return
	}
	docID := parts[1]

	resp, err := h.svc.Hydrate(r.Context(), Request{Document: types.DocumentID(docID)})
	if err != nil {
		logger := observability.LoggerWithTrace(r.Context(), h.logger)
		logger.Error().Err(err).Str("document", docID).Msg("hydrate failed")
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		http.Error(w, "encode response failed", http.StatusInternalServerError)
	}
}

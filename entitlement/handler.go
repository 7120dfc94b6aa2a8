package entitlement

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/GoCodeAlone/billsync/store"
)

// Handler serves entitlement snapshots to the gating middleware.
type Handler struct {
	svc *Service
}

// NewHandler creates a Handler.
func NewHandler(svc *Service) *Handler { return &Handler{svc: svc} }

// RegisterRoutes registers entitlement endpoints on mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/billing/entitlements/{tenantID}", h.handleGet)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	tenantID := r.PathValue("tenantID")
	e, err := h.svc.Read(r.Context(), tenantID)
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no entitlement for tenant"})
		return
	}
	if err != nil {
		h.svc.logger.Error("read entitlement", "tenant_id", tenantID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to read entitlement"})
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Entitlement any  `json:"entitlement"`
		Usable      bool `json:"usable"`
	}{e, Usable(e)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

package outbox

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/GoCodeAlone/billsync/api"
	"github.com/GoCodeAlone/billsync/audit"
	"github.com/GoCodeAlone/billsync/store"
)

// Handler exposes dead-letter inspection and replay.
type Handler struct {
	store  store.OutboxStore
	audit  *audit.Logger
	logger *slog.Logger
}

// NewHandler creates a Handler. auditLog may be nil.
func NewHandler(st store.OutboxStore, auditLog *audit.Logger, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{store: st, audit: auditLog, logger: logger}
}

// RegisterRoutes registers the outbox admin routes on mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/billing/outbox/dead", h.handleListDead)
	mux.HandleFunc("GET /api/v1/billing/outbox/stats", h.handleStats)
	mux.HandleFunc("POST /api/v1/billing/outbox/{id}/requeue", h.handleRequeue)
}

func (h *Handler) handleListDead(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	msgs, err := h.store.ListDead(r.Context(), limit)
	if err != nil {
		h.logger.Error("list dead outbox messages", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	if msgs == nil {
		msgs = []*store.OutboxMessage{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs, "count": len(msgs)})
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := h.store.Stats(r.Context())
	if err != nil {
		h.logger.Error("outbox stats", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *Handler) handleRequeue(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid id"})
		return
	}
	err = h.store.Requeue(r.Context(), id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "message not found"})
		return
	case errors.Is(err, store.ErrConflict):
		writeJSON(w, http.StatusConflict, map[string]string{"error": "message is not dead-lettered"})
		return
	case err != nil:
		h.logger.Error("requeue outbox message", "id", id, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	h.audit.Log(r.Context(), audit.Event{
		Type:         audit.EventOutboxReplay,
		ResourceType: "outbox_message",
		ResourceID:   strconv.FormatInt(id, 10),
		Actor:        api.Actor(r.Context()),
	})
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "status": store.OutboxPending})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

package subscription

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/GoCodeAlone/billsync/api"
	"github.com/GoCodeAlone/billsync/billing"
	"github.com/GoCodeAlone/billsync/observability/tracing"
	"github.com/GoCodeAlone/billsync/store"
)

// maxWebhookBody bounds webhook payloads read into memory.
const maxWebhookBody = 1 << 20

// Handler serves the processor webhook and subscription admin routes.
type Handler struct {
	svc *Service
}

// NewHandler creates a Handler.
func NewHandler(svc *Service) *Handler { return &Handler{svc: svc} }

// RegisterRoutes registers the webhook endpoint on mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/billing/webhook", h.handleWebhook)
}

// RegisterAdminRoutes registers the subscription admin endpoints on mux.
// Callers mount mux behind an elevated-role check.
func (h *Handler) RegisterAdminRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/billing/tenants/{tenantID}/subscription", h.handleGet)
	mux.HandleFunc("POST /api/v1/billing/tenants/{tenantID}/items", h.handleAddItem)
	mux.HandleFunc("DELETE /api/v1/billing/tenants/{tenantID}/items/{itemID}", h.handleCancelItem)
}

// ---------- POST /api/v1/billing/webhook ----------

func (h *Handler) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "failed to read body"})
		return
	}
	ev, err := h.svc.processor.VerifyEvent(body, r.Header.Get("Stripe-Signature"))
	if err != nil {
		h.svc.logger.Warn("rejected webhook", "error", err)
		h.svc.metrics.RecordWebhook("unverified", "rejected")
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid signature"})
		return
	}

	ctx, span := tracing.StartWebhookEvent(r.Context(), ev.Type, ev.ID)
	err = h.svc.HandleEvent(ctx, ev)
	tracing.End(span, err)
	switch {
	case errors.Is(err, ErrMalformedEvent):
		h.svc.logger.Warn("malformed webhook payload", "event_id", ev.ID, "event_type", ev.Type, "error", err)
		h.svc.metrics.RecordWebhook(ev.Type, "rejected")
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed event"})
	case err != nil:
		h.svc.logger.Error("webhook processing failed", "event_id", ev.ID, "event_type", ev.Type, "error", err)
		h.svc.metrics.RecordWebhook(ev.Type, "error")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "webhook processing failed"})
	default:
		h.svc.metrics.RecordWebhook(ev.Type, "ok")
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// ---------- admin ----------

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	d, err := h.svc.Get(r.Context(), r.PathValue("tenantID"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

type addItemRequest struct {
	ProductCode string `json:"product_code"`
	Quantity    int64  `json:"quantity"`
}

func (h *Handler) handleAddItem(w http.ResponseWriter, r *http.Request) {
	var req addItemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if req.ProductCode == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "product_code is required"})
		return
	}
	if req.Quantity == 0 {
		req.Quantity = 1
	}
	item, err := h.svc.AddItem(r.Context(), r.PathValue("tenantID"), req.ProductCode, req.Quantity, api.Actor(r.Context()))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, item)
}

func (h *Handler) handleCancelItem(w http.ResponseWriter, r *http.Request) {
	itemID := r.PathValue("itemID")
	if err := h.svc.CancelItem(r.Context(), r.PathValue("tenantID"), itemID, api.Actor(r.Context())); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": itemID, "status": string(billing.ItemCancelled)})
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, billing.ErrNoSubscription), errors.Is(err, store.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
	case errors.Is(err, ErrInactive), errors.Is(err, store.ErrConflict):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	case errors.Is(err, ErrInvalidQuantity), errors.Is(err, billing.ErrUnresolvedProduct):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	default:
		h.svc.logger.Error("subscription admin operation failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

package billingcycle

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/GoCodeAlone/billsync/api"
	"github.com/GoCodeAlone/billsync/billing"
)

// Handler exposes manual triggers for the usage jobs.
type Handler struct {
	agg *Aggregator
}

// NewHandler creates a Handler.
func NewHandler(agg *Aggregator) *Handler { return &Handler{agg: agg} }

// RegisterRoutes registers the job endpoints on mux. Callers mount mux behind
// the automation-or-admin check.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/billing/sync", h.handleSync)
	mux.HandleFunc("POST /api/v1/billing/invoices/consolidate", h.handleConsolidate)
}

// decodeOptional decodes an optional JSON body into v. An empty body is valid.
func decodeOptional(r *http.Request, v any) error {
	err := json.NewDecoder(io.LimitReader(r.Body, 64<<10)).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func (h *Handler) handleSync(w http.ResponseWriter, r *http.Request) {
	var opts SyncOptions
	if err := decodeOptional(r, &opts); err != nil {
		api.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	h.agg.logger.Info("usage sync triggered", "actor", api.Actor(r.Context()), "tenant_id", opts.TenantID, "period", opts.PeriodKey)
	report, err := h.agg.SyncUsage(r.Context(), opts)
	if err != nil {
		h.writeError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, report)
}

type consolidateRequest struct {
	PeriodKey string `json:"period"`
}

func (h *Handler) handleConsolidate(w http.ResponseWriter, r *http.Request) {
	var req consolidateRequest
	if err := decodeOptional(r, &req); err != nil {
		api.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	h.agg.logger.Info("usage consolidation triggered", "actor", api.Actor(r.Context()), "period", req.PeriodKey)
	report, err := h.agg.Consolidate(r.Context(), req.PeriodKey)
	if err != nil {
		h.writeError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, report)
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrSyncInProgress):
		api.WriteError(w, http.StatusConflict, err.Error())
	case errors.Is(err, ErrInvalidPeriod):
		api.WriteError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, billing.ErrUnknownTenant):
		api.WriteError(w, http.StatusNotFound, "unknown tenant")
	default:
		h.agg.logger.Error("billing cycle request failed", "error", err)
		api.WriteError(w, http.StatusInternalServerError, "internal error")
	}
}

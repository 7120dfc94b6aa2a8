package usage

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/GoCodeAlone/billsync/billing"
)

// Handler exposes usage endpoints over HTTP.
type Handler struct {
	svc *Service
}

// NewHandler creates a usage handler.
func NewHandler(svc *Service) *Handler { return &Handler{svc: svc} }

// RegisterRoutes registers usage endpoints on mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/billing/usage/check", h.handleCheck)
	mux.HandleFunc("POST /api/v1/billing/usage", h.handleRecord)
	mux.HandleFunc("GET /api/v1/billing/usage", h.handleAggregate)
}

// ---------- POST /api/v1/billing/usage/check ----------

type checkRequest struct {
	TenantID   string `json:"tenant_id"`
	FeatureKey string `json:"feature_key"`
}

func (h *Handler) handleCheck(w http.ResponseWriter, r *http.Request) {
	var req checkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if req.TenantID == "" || req.FeatureKey == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "tenant_id and feature_key are required"})
		return
	}
	d, err := h.svc.CanUseFeature(r.Context(), req.TenantID, req.FeatureKey)
	if err != nil {
		h.svc.logger.Error("usage check failed", "tenant_id", req.TenantID, "feature", req.FeatureKey, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to check usage"})
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// ---------- POST /api/v1/billing/usage ----------

func (h *Handler) handleRecord(w http.ResponseWriter, r *http.Request) {
	var req RecordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if key := r.Header.Get("Idempotency-Key"); key != "" && req.IdempotencyKey == "" {
		req.IdempotencyKey = key
	}
	ev, created, err := h.svc.RecordUsage(r.Context(), req)
	if errors.Is(err, ErrInvalidRequest) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err != nil {
		h.svc.logger.Error("record usage failed", "tenant_id", req.TenantID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to record usage"})
		return
	}
	status := http.StatusCreated
	if !created {
		status = http.StatusOK
	}
	writeJSON(w, status, ev)
}

// ---------- GET /api/v1/billing/usage ----------

func (h *Handler) handleAggregate(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenant_id")
	if tenantID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "tenant_id is required"})
		return
	}
	from, to := billing.PeriodBounds(h.svc.now())
	period := billing.PeriodKey(from)
	if p := r.URL.Query().Get("period"); p != "" {
		var err error
		if from, to, err = billing.ParsePeriodKey(p); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid period, expected YYYY-MM"})
			return
		}
		period = p
	}
	counts, err := h.svc.Aggregate(r.Context(), tenantID, from, to)
	if err != nil {
		h.svc.logger.Error("aggregate usage failed", "tenant_id", tenantID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to fetch usage"})
		return
	}

	rules := h.svc.rules.Rules(r.Context())
	type featureUsage struct {
		Used      int64 `json:"used"`
		FreeQuota int64 `json:"free_quota"`
		Billable  int64 `json:"billable"`
	}
	features := make(map[string]featureUsage, len(counts))
	for feature, used := range counts {
		fu := featureUsage{Used: used}
		if rule, ok := rules[feature]; ok {
			fu.FreeQuota = rule.FreeQuota
			fu.Billable = billing.Billable(used, rule.FreeQuota)
		}
		features[feature] = fu
	}
	writeJSON(w, http.StatusOK, struct {
		TenantID    string                  `json:"tenant_id"`
		Period      string                  `json:"period"`
		PeriodStart time.Time               `json:"period_start"`
		PeriodEnd   time.Time               `json:"period_end"`
		Features    map[string]featureUsage `json:"features"`
	}{tenantID, period, from, to, features})
}

// ---------- helpers ----------

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

package scheduler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/GoCodeAlone/billsync/api"
)

// Handler provides HTTP endpoints for inspecting and triggering jobs.
type Handler struct {
	scheduler *Scheduler
}

// NewHandler creates a new scheduler HTTP handler.
func NewHandler(scheduler *Scheduler) *Handler {
	return &Handler{scheduler: scheduler}
}

// RegisterRoutes registers scheduler API routes on the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/billing/jobs", h.listJobs)
	mux.HandleFunc("GET /api/v1/billing/jobs/preview", h.previewNextRuns)
	mux.HandleFunc("GET /api/v1/billing/jobs/{name}", h.getJob)
	mux.HandleFunc("POST /api/v1/billing/jobs/{name}/pause", h.pauseJob)
	mux.HandleFunc("POST /api/v1/billing/jobs/{name}/resume", h.resumeJob)
	mux.HandleFunc("POST /api/v1/billing/jobs/{name}/run", h.runJob)
	mux.HandleFunc("GET /api/v1/billing/jobs/{name}/history", h.jobHistory)
}

func (h *Handler) listJobs(w http.ResponseWriter, r *http.Request) {
	jobs := h.scheduler.List()
	api.WriteJSON(w, http.StatusOK, map[string]any{"items": jobs, "total": len(jobs)})
}

func (h *Handler) getJob(w http.ResponseWriter, r *http.Request) {
	job, ok := h.scheduler.Get(r.PathValue("name"))
	if !ok {
		api.WriteError(w, http.StatusNotFound, "not found")
		return
	}
	api.WriteJSON(w, http.StatusOK, job)
}

func (h *Handler) pauseJob(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := h.scheduler.Pause(name); err != nil {
		writeError(w, err)
		return
	}
	job, _ := h.scheduler.Get(name)
	api.WriteJSON(w, http.StatusOK, job)
}

func (h *Handler) resumeJob(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := h.scheduler.Resume(name); err != nil {
		writeError(w, err)
		return
	}
	job, _ := h.scheduler.Get(name)
	api.WriteJSON(w, http.StatusOK, job)
}

func (h *Handler) runJob(w http.ResponseWriter, r *http.Request) {
	rec, err := h.scheduler.ExecuteNow(r.Context(), r.PathValue("name"))
	if err != nil {
		writeError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, rec)
}

func (h *Handler) jobHistory(w http.ResponseWriter, r *http.Request) {
	recs, err := h.scheduler.History(r.PathValue("name"))
	if err != nil {
		writeError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{"items": recs, "total": len(recs)})
}

func (h *Handler) previewNextRuns(w http.ResponseWriter, r *http.Request) {
	expr := r.URL.Query().Get("cron")
	if expr == "" {
		api.WriteError(w, http.StatusBadRequest, "cron query parameter required")
		return
	}
	count := 5
	if n, err := strconv.Atoi(r.URL.Query().Get("count")); err == nil && n > 0 && n <= 20 {
		count = n
	}
	times, err := NextRuns(expr, h.scheduler.now().UTC(), count)
	if err != nil {
		api.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{"cron": expr, "next_runs": times})
}

func writeError(w http.ResponseWriter, err error) {
	if errors.Is(err, ErrUnknownJob) {
		api.WriteError(w, http.StatusNotFound, err.Error())
		return
	}
	api.WriteError(w, http.StatusBadRequest, err.Error())
}

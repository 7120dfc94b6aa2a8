package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

var testNow = time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

func newTestScheduler(opts ...Option) *Scheduler {
	opts = append([]Option{WithClock(func() time.Time { return testNow })}, opts...)
	return New(slog.New(slog.NewTextHandler(io.Discard, nil)), opts...)
}

func okJob(calls *atomic.Int32) JobFunc {
	return func(context.Context) error {
		calls.Add(1)
		return nil
	}
}

// ---------------------------------------------------------------------------
// Scheduler
// ---------------------------------------------------------------------------

func TestValidateCron(t *testing.T) {
	valid := []string{"* * * * *", "0 2 * * *", "*/15 * * * *", "30 4 1-15 * 1,3,5", "@daily", "@every 1h"}
	for _, expr := range valid {
		if err := ValidateCron(expr); err != nil {
			t.Errorf("expected %q to be valid, got: %v", expr, err)
		}
	}
	invalid := []string{"", "* * *", "60 * * * *", "* 25 * * *", "* * 32 * *", "* * * 13 *"}
	for _, expr := range invalid {
		if err := ValidateCron(expr); err == nil {
			t.Errorf("expected %q to be invalid", expr)
		}
	}
}

func TestNextRuns(t *testing.T) {
	times, err := NextRuns("0 2 * * *", testNow, 3)
	if err != nil {
		t.Fatal(err)
	}
	want := []time.Time{
		time.Date(2026, 3, 16, 2, 0, 0, 0, time.UTC),
		time.Date(2026, 3, 17, 2, 0, 0, 0, time.UTC),
		time.Date(2026, 3, 18, 2, 0, 0, 0, time.UTC),
	}
	for i := range want {
		if !times[i].Equal(want[i]) {
			t.Errorf("run %d = %v, want %v", i, times[i], want[i])
		}
	}
	if _, err := NextRuns("bogus", testNow, 1); err == nil {
		t.Error("expected error for invalid expression")
	}
}

func TestRegister(t *testing.T) {
	s := newTestScheduler()
	var calls atomic.Int32
	if err := s.Register("billing.sync", "0 2 * * *", okJob(&calls)); err != nil {
		t.Fatal(err)
	}
	job, ok := s.Get("billing.sync")
	if !ok {
		t.Fatal("job not found")
	}
	if job.Status != JobStatusActive || job.NextRunAt == nil || !job.NextRunAt.Equal(time.Date(2026, 3, 16, 2, 0, 0, 0, time.UTC)) {
		t.Errorf("job = %+v", job)
	}

	if err := s.Register("billing.sync", "0 3 * * *", okJob(&calls)); err == nil {
		t.Error("expected duplicate registration error")
	}
	if err := s.Register("bad", "61 * * * *", okJob(&calls)); err == nil {
		t.Error("expected invalid schedule error")
	}
	if err := s.Register("", "* * * * *", okJob(&calls)); err == nil {
		t.Error("expected missing name error")
	}

	if err := s.Register("manual", "", okJob(&calls)); err != nil {
		t.Fatal(err)
	}
	if j, _ := s.Get("manual"); j.Status != JobStatusPaused || j.NextRunAt != nil {
		t.Errorf("manual job = %+v", j)
	}
	if err := s.Resume("manual"); err == nil {
		t.Error("resuming an unscheduled job should fail")
	}

	jobs := s.List()
	if len(jobs) != 2 || jobs[0].Name != "billing.sync" || jobs[1].Name != "manual" {
		t.Errorf("list = %+v", jobs)
	}
}

func TestPauseResume(t *testing.T) {
	s := newTestScheduler()
	var calls atomic.Int32
	_ = s.Register("billing.sync", "0 2 * * *", okJob(&calls))

	if err := s.Pause("billing.sync"); err != nil {
		t.Fatal(err)
	}
	if j, _ := s.Get("billing.sync"); j.Status != JobStatusPaused || j.NextRunAt != nil {
		t.Errorf("after pause = %+v", j)
	}
	if err := s.Pause("billing.sync"); err != nil {
		t.Errorf("second pause: %v", err)
	}
	if err := s.Resume("billing.sync"); err != nil {
		t.Fatal(err)
	}
	if j, _ := s.Get("billing.sync"); j.Status != JobStatusActive || j.NextRunAt == nil {
		t.Errorf("after resume = %+v", j)
	}
	if err := s.Pause("ghost"); !errors.Is(err, ErrUnknownJob) {
		t.Errorf("expected ErrUnknownJob, got %v", err)
	}
}

func TestExecuteNow(t *testing.T) {
	s := newTestScheduler()
	var calls atomic.Int32
	_ = s.Register("billing.sync", "0 2 * * *", okJob(&calls))
	_ = s.Register("billing.consolidate", "0 3 1 * *", func(context.Context) error { return errors.New("erp down") })

	rec, err := s.ExecuteNow(context.Background(), "billing.sync")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != ExecStatusSuccess || rec.Trigger != TriggerManual || calls.Load() != 1 {
		t.Errorf("record = %+v calls = %d", rec, calls.Load())
	}
	if j, _ := s.Get("billing.sync"); j.LastRunAt == nil || !j.LastRunAt.Equal(testNow) {
		t.Errorf("last run = %v", j.LastRunAt)
	}

	rec, err = s.ExecuteNow(context.Background(), "billing.consolidate")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != ExecStatusFailed || rec.Error != "erp down" {
		t.Errorf("failed record = %+v", rec)
	}

	if _, err := s.ExecuteNow(context.Background(), "ghost"); !errors.Is(err, ErrUnknownJob) {
		t.Errorf("expected ErrUnknownJob, got %v", err)
	}
}

func TestHistoryBounded(t *testing.T) {
	s := newTestScheduler(WithHistoryLimit(3))
	var calls atomic.Int32
	_ = s.Register("billing.sync", "", okJob(&calls))
	var last *ExecutionRecord
	for i := 0; i < 5; i++ {
		last, _ = s.ExecuteNow(context.Background(), "billing.sync")
	}
	recs, err := s.History("billing.sync")
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 3 || recs[0].ID != last.ID {
		t.Fatalf("history = %d records, newest %v", len(recs), recs[0].ID)
	}
	if _, err := s.History("ghost"); !errors.Is(err, ErrUnknownJob) {
		t.Errorf("expected ErrUnknownJob, got %v", err)
	}
}

func TestRunScheduled(t *testing.T) {
	s := New(slog.New(slog.NewTextHandler(io.Discard, nil)))
	ran := make(chan struct{}, 1)
	_ = s.Register("tick", "@every 1s", func(context.Context) error {
		select {
		case ran <- struct{}{}:
		default:
		}
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	select {
	case <-ran:
	case <-time.After(3 * time.Second):
		t.Fatal("scheduled job did not run")
	}
	cancel()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("scheduler did not stop")
	}
	recs, _ := s.History("tick")
	if len(recs) == 0 || recs[0].Trigger != TriggerSchedule {
		t.Errorf("history = %+v", recs)
	}
}

// ---------------------------------------------------------------------------
// Handler
// ---------------------------------------------------------------------------

func newTestMux(t *testing.T) (*http.ServeMux, *atomic.Int32) {
	t.Helper()
	s := newTestScheduler()
	var calls atomic.Int32
	if err := s.Register("billing.sync", "0 2 * * *", okJob(&calls)); err != nil {
		t.Fatal(err)
	}
	mux := http.NewServeMux()
	NewHandler(s).RegisterRoutes(mux)
	return mux, &calls
}

func serve(mux *http.ServeMux, method, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func TestHandler_ListAndGet(t *testing.T) {
	mux, _ := newTestMux(t)
	rec := serve(mux, http.MethodGet, "/api/v1/billing/jobs")
	if rec.Code != http.StatusOK {
		t.Fatalf("list: %d", rec.Code)
	}
	var body struct {
		Items []Job `json:"items"`
		Total int   `json:"total"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Total != 1 || body.Items[0].Name != "billing.sync" {
		t.Errorf("body = %+v", body)
	}
	if rec := serve(mux, http.MethodGet, "/api/v1/billing/jobs/billing.sync"); rec.Code != http.StatusOK {
		t.Errorf("get: %d", rec.Code)
	}
	if rec := serve(mux, http.MethodGet, "/api/v1/billing/jobs/ghost"); rec.Code != http.StatusNotFound {
		t.Errorf("get unknown: %d", rec.Code)
	}
}

func TestHandler_RunPauseHistory(t *testing.T) {
	mux, calls := newTestMux(t)
	if rec := serve(mux, http.MethodPost, "/api/v1/billing/jobs/billing.sync/run"); rec.Code != http.StatusOK {
		t.Fatalf("run: %d", rec.Code)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d", calls.Load())
	}
	rec := serve(mux, http.MethodPost, "/api/v1/billing/jobs/billing.sync/pause")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"status":"paused"`) {
		t.Errorf("pause: %d %s", rec.Code, rec.Body.String())
	}
	rec = serve(mux, http.MethodPost, "/api/v1/billing/jobs/billing.sync/resume")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"status":"active"`) {
		t.Errorf("resume: %d %s", rec.Code, rec.Body.String())
	}
	rec = serve(mux, http.MethodGet, "/api/v1/billing/jobs/billing.sync/history")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"total":1`) {
		t.Errorf("history: %d %s", rec.Code, rec.Body.String())
	}
	if rec := serve(mux, http.MethodPost, "/api/v1/billing/jobs/ghost/run"); rec.Code != http.StatusNotFound {
		t.Errorf("run unknown: %d", rec.Code)
	}
}

func TestHandler_Preview(t *testing.T) {
	mux, _ := newTestMux(t)
	rec := serve(mux, http.MethodGet, "/api/v1/billing/jobs/preview?cron=0+2+*+*+*&count=2")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "2026-03-16T02:00:00Z") {
		t.Errorf("preview: %d %s", rec.Code, rec.Body.String())
	}
	if rec := serve(mux, http.MethodGet, "/api/v1/billing/jobs/preview"); rec.Code != http.StatusBadRequest {
		t.Errorf("missing cron: %d", rec.Code)
	}
	if rec := serve(mux, http.MethodGet, "/api/v1/billing/jobs/preview?cron=nope"); rec.Code != http.StatusBadRequest {
		t.Errorf("bad cron: %d", rec.Code)
	}
}

package entitlement

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/GoCodeAlone/billsync/billing"
	"github.com/GoCodeAlone/billsync/cache"
	"github.com/GoCodeAlone/billsync/store"
)

func newService(t *testing.T) (*Service, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	c := cache.New[string, billing.Entitlement](cache.Config{MaxSize: 100, TTL: time.Minute})
	return NewService(st, WithCache(c)), st
}

func activeSnapshot(tenantID string) *billing.Entitlement {
	return &billing.Entitlement{
		TenantID: tenantID,
		Modules:  []string{"pos", "inventory", "pos", ""},
		MaxUsers: 3, MaxStores: 1, MaxTerminals: 2,
		Status: billing.EntitlementActive,
		Source: "stripe",
	}
}

// ---------------------------------------------------------------------------
// Update / Read
// ---------------------------------------------------------------------------

func TestUpdate_NormalizesAndOverwrites(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)

	if err := svc.Update(ctx, "t1", activeSnapshot("t1")); err != nil {
		t.Fatalf("Update: %v", err)
	}
	got, err := svc.Read(ctx, "t1")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if want := []string{"inventory", "pos"}; !equal(got.Modules, want) {
		t.Errorf("Modules = %v, want %v", got.Modules, want)
	}

	// A full overwrite must drop modules absent from the new snapshot.
	next := activeSnapshot("t1")
	next.Modules = []string{"pos"}
	if err := svc.Update(ctx, "t1", next); err != nil {
		t.Fatal(err)
	}
	got, _ = svc.Read(ctx, "t1")
	if !equal(got.Modules, []string{"pos"}) {
		t.Errorf("Modules after overwrite = %v, want [pos] (cache must be invalidated)", got.Modules)
	}
}

func TestUpdate_RejectsInvalidSnapshots(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)

	mismatched := activeSnapshot("other")
	badStatus := activeSnapshot("t1")
	badStatus.Status = "GOLD"
	negative := activeSnapshot("t1")
	negative.MaxUsers = -1

	for name, snap := range map[string]*billing.Entitlement{
		"nil":        nil,
		"mismatch":   mismatched,
		"bad status": badStatus,
		"negative":   negative,
	} {
		t.Run(name, func(t *testing.T) {
			if err := svc.Update(ctx, "t1", snap); !errors.Is(err, billing.ErrInvalidSnapshot) {
				t.Errorf("err = %v, want ErrInvalidSnapshot", err)
			}
		})
	}
}

func TestRead_UpdateDuringLoadNotServedStale(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)
	if err := svc.Update(ctx, "t1", activeSnapshot("t1")); err != nil {
		t.Fatal(err)
	}
	stale, err := svc.store.Entitlements().Get(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}

	// A reader loads the old snapshot and stalls before caching it.
	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = svc.cache.GetOrLoad("t1", "t1", func() (billing.Entitlement, error) {
			close(started)
			<-release
			return *stale, nil
		})
	}()
	<-started

	next := activeSnapshot("t1")
	next.Status = billing.EntitlementExpired
	if err := svc.Update(ctx, "t1", next); err != nil {
		t.Fatal(err)
	}
	close(release)
	<-done

	got, err := svc.Read(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != billing.EntitlementExpired {
		t.Errorf("Status = %s, want EXPIRED (stale load repopulated cache)", got.Status)
	}
}

func TestRead_MissingIsNotFound(t *testing.T) {
	svc, _ := newService(t)
	if _, err := svc.Read(context.Background(), "ghost"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

// ---------------------------------------------------------------------------
// Transitions
// ---------------------------------------------------------------------------

func TestHandlePaymentFailed(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		from billing.EntitlementStatus
		want billing.EntitlementStatus
	}{
		{billing.EntitlementActive, billing.EntitlementPastDue},
		{billing.EntitlementTrial, billing.EntitlementPastDue},
		{billing.EntitlementPastDue, billing.EntitlementPastDue},
		{billing.EntitlementExpired, billing.EntitlementExpired},
	}
	for _, tt := range tests {
		t.Run(string(tt.from), func(t *testing.T) {
			svc, _ := newService(t)
			snap := activeSnapshot("t1")
			snap.Status = tt.from
			if err := svc.Update(ctx, "t1", snap); err != nil {
				t.Fatal(err)
			}
			for range 2 {
				if err := svc.HandlePaymentFailed(ctx, "t1"); err != nil {
					t.Fatalf("HandlePaymentFailed: %v", err)
				}
			}
			got, _ := svc.Read(ctx, "t1")
			if got.Status != tt.want {
				t.Errorf("status = %s, want %s", got.Status, tt.want)
			}
			if !equal(got.Modules, []string{"inventory", "pos"}) {
				t.Errorf("modules changed: %v", got.Modules)
			}
		})
	}
}

func TestHandleExpired_NeverUsable(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)
	if err := svc.Update(ctx, "t1", activeSnapshot("t1")); err != nil {
		t.Fatal(err)
	}
	if err := svc.HandleExpired(ctx, "t1"); err != nil {
		t.Fatal(err)
	}
	got, _ := svc.Read(ctx, "t1")
	if got.Status != billing.EntitlementExpired {
		t.Fatalf("status = %s, want EXPIRED", got.Status)
	}
	if Usable(got) || got.HasModule("pos") {
		t.Error("expired snapshot must not be usable")
	}
}

func TestTransitions_NoSnapshotIsNoop(t *testing.T) {
	ctx := context.Background()
	svc, st := newService(t)
	if err := svc.HandlePaymentFailed(ctx, "ghost"); err != nil {
		t.Fatal(err)
	}
	if err := svc.HandleExpired(ctx, "ghost"); err != nil {
		t.Fatal(err)
	}
	if _, err := st.Entitlements().Get(ctx, "ghost"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("snapshot was created: %v", err)
	}
}

// ---------------------------------------------------------------------------
// HTTP
// ---------------------------------------------------------------------------

func TestHandler_Get(t *testing.T) {
	svc, _ := newService(t)
	if err := svc.Update(context.Background(), "t1", activeSnapshot("t1")); err != nil {
		t.Fatal(err)
	}
	mux := http.NewServeMux()
	NewHandler(svc).RegisterRoutes(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/billing/entitlements/t1", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var body struct {
		Entitlement billing.Entitlement `json:"entitlement"`
		Usable      bool                `json:"usable"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if !body.Usable || body.Entitlement.TenantID != "t1" {
		t.Errorf("body = %+v", body)
	}

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/billing/entitlements/ghost", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing tenant status = %d, want 404", rec.Code)
	}
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

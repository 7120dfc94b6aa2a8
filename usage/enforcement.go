package usage

import (
	"net/http"
)

// TenantIDFunc extracts a tenant ID from an incoming HTTP request.
type TenantIDFunc func(r *http.Request) string

// EnforcementMiddleware refuses requests for a metered feature when the
// tenant is over quota without a payment method.
type EnforcementMiddleware struct {
	svc         *Service
	featureKey  string
	getTenantID TenantIDFunc
}

// NewEnforcementMiddleware creates an EnforcementMiddleware for featureKey.
func NewEnforcementMiddleware(svc *Service, featureKey string, getTenantID TenantIDFunc) *EnforcementMiddleware {
	return &EnforcementMiddleware{svc: svc, featureKey: featureKey, getTenantID: getTenantID}
}

// Wrap enforces the quota before delegating to next. Requests without a
// resolvable tenant pass through.
func (m *EnforcementMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenantID := m.getTenantID(r)
		if tenantID == "" {
			next.ServeHTTP(w, r)
			return
		}
		d, err := m.svc.CanUseFeature(r.Context(), tenantID, m.featureKey)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "usage enforcement error"})
			return
		}
		if !d.Allowed {
			writeJSON(w, http.StatusPaymentRequired, map[string]any{
				"error":      "free quota exhausted and no payment method on file",
				"reason":     d.Reason,
				"feature":    m.featureKey,
				"used":       d.Used,
				"free_quota": d.FreeQuota,
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// HeaderTenantID reads the tenant from the X-Tenant-ID header.
func HeaderTenantID(r *http.Request) string { return r.Header.Get("X-Tenant-ID") }

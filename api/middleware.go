// Package api holds the HTTP plumbing shared by the billing handlers:
// authentication of admin and automation callers, rate limiting, request IDs
// and health checks.
package api

import (
	"crypto/subtle"
	"fmt"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// AutomationHeader carries the shared secret of scheduled callers.
const AutomationHeader = "X-Automation-Secret"

// AuthConfig configures a Middleware.
type AuthConfig struct {
	JWTSecret        string   `yaml:"jwtSecret"`
	AdminRoles       []string `yaml:"adminRoles"`
	AutomationSecret string   `yaml:"automationSecret"`
}

// Middleware authenticates admin and automation requests.
type Middleware struct {
	jwtSecret        []byte
	adminRoles       []string
	automationSecret []byte
	limiter          *rateLimiterStore
}

// NewMiddleware creates a Middleware. Without admin roles, "admin" is the
// elevated role.
func NewMiddleware(cfg AuthConfig) *Middleware {
	roles := cfg.AdminRoles
	if len(roles) == 0 {
		roles = []string{"admin"}
	}
	return &Middleware{
		jwtSecret:        []byte(cfg.JWTSecret),
		adminRoles:       roles,
		automationSecret: []byte(cfg.AutomationSecret),
	}
}

// RequireAdmin accepts only a valid bearer token carrying an elevated role.
// Missing or invalid tokens get 401, tokens without the role get 403.
func (m *Middleware) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, err := m.authenticate(r)
		if err != nil {
			WriteError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		if !p.HasRole(m.adminRoles...) {
			WriteError(w, http.StatusForbidden, "forbidden")
			return
		}
		next.ServeHTTP(w, r.WithContext(SetPrincipal(r.Context(), p)))
	})
}

// RequireAutomationOrAdmin accepts the automation secret or an admin token.
func (m *Middleware) RequireAutomationOrAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if secret := r.Header.Get(AutomationHeader); secret != "" {
			if len(m.automationSecret) == 0 || subtle.ConstantTimeCompare([]byte(secret), m.automationSecret) != 1 {
				WriteError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			p := &Principal{Subject: "automation", Automation: true}
			next.ServeHTTP(w, r.WithContext(SetPrincipal(r.Context(), p)))
			return
		}
		m.RequireAdmin(next).ServeHTTP(w, r)
	})
}

// IssueToken signs an HS256 token for subject with roles.
func (m *Middleware) IssueToken(subject string, roles []string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":   subject,
		"roles": roles,
		"iat":   now.Unix(),
		"exp":   now.Add(ttl).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.jwtSecret)
}

// authenticate validates the bearer token and returns its principal.
func (m *Middleware) authenticate(r *http.Request) (*Principal, error) {
	if len(m.jwtSecret) == 0 {
		return nil, jwt.ErrTokenUnverifiable
	}
	header := r.Header.Get("Authorization")
	if header == "" {
		return nil, jwt.ErrTokenMalformed
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return nil, jwt.ErrTokenMalformed
	}

	token, err := jwt.Parse(parts[1], func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrTokenSignatureInvalid
		}
		if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return m.jwtSecret, nil
	})
	if err != nil || !token.Valid {
		return nil, jwt.ErrTokenSignatureInvalid
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, jwt.ErrTokenMalformed
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, jwt.ErrTokenMalformed
	}
	p := &Principal{Subject: sub}
	switch roles := claims["roles"].(type) {
	case []any:
		for _, v := range roles {
			if s, ok := v.(string); ok {
				p.Roles = append(p.Roles, s)
			}
		}
	case string:
		p.Roles = strings.Split(roles, ",")
	}
	if role, ok := claims["role"].(string); ok && role != "" {
		p.Roles = append(p.Roles, role)
	}
	return p, nil
}

// RequestID tags each request with an ID, reusing a valid X-Request-ID.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(r.Header.Get("X-Request-ID"))
		if err != nil {
			id = uuid.New()
		}
		w.Header().Set("X-Request-ID", id.String())
		next.ServeHTTP(w, r.WithContext(SetRequestID(r.Context(), id)))
	})
}

// ipLimiter holds a per-IP token bucket and the last time it was accessed.
type ipLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// rateLimiterStore holds per-IP limiters.
type rateLimiterStore struct {
	mu       sync.Mutex
	limiters map[string]*ipLimiter
	r        rate.Limit
	b        int
	stopCh   chan struct{}
	stopOnce sync.Once
}

func newRateLimiterStore(requestsPerMinute int) *rateLimiterStore {
	s := &rateLimiterStore{
		limiters: make(map[string]*ipLimiter),
		r:        rate.Limit(float64(requestsPerMinute) / 60.0),
		b:        requestsPerMinute,
		stopCh:   make(chan struct{}),
	}
	go s.cleanup()
	return s
}

func (s *rateLimiterStore) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.mu.Lock()
			for ip, l := range s.limiters {
				if time.Since(l.lastSeen) > 10*time.Minute {
					delete(s.limiters, ip)
				}
			}
			s.mu.Unlock()
		case <-s.stopCh:
			return
		}
	}
}

func (s *rateLimiterStore) get(ip string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.limiters[ip]
	if !ok {
		l = &ipLimiter{limiter: rate.NewLimiter(s.r, s.b)}
		s.limiters[ip] = l
	}
	l.lastSeen = time.Now()
	return l.limiter
}

// Stop shuts down the limiter cleanup goroutine. Safe to call repeatedly.
func (m *Middleware) Stop() {
	if m.limiter != nil {
		m.limiter.stopOnce.Do(func() { close(m.limiter.stopCh) })
	}
}

// RateLimit limits requests per client IP. Rejected requests get 429 with
// Retry-After.
func (m *Middleware) RateLimit(requestsPerMinute int) func(http.Handler) http.Handler {
	if requestsPerMinute <= 0 {
		requestsPerMinute = 600
	}
	if m.limiter == nil {
		m.limiter = newRateLimiterStore(requestsPerMinute)
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reservation := m.limiter.get(realIP(r)).Reserve()
			if d := reservation.Delay(); d > 0 {
				reservation.Cancel()
				retryAfter := int(math.Ceil(d.Seconds()))
				if retryAfter < 1 {
					retryAfter = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				WriteError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// realIP extracts the client IP from common proxy headers or RemoteAddr.
func realIP(r *http.Request) string {
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if idx := strings.Index(fwd, ","); idx != -1 {
			return strings.TrimSpace(fwd[:idx])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

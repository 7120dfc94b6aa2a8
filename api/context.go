package api

import (
	"context"

	"github.com/google/uuid"
)

type contextKey int

const (
	contextKeyPrincipal contextKey = iota
	contextKeyRequestID
)

// Principal is the authenticated caller of an admin or automation route.
type Principal struct {
	Subject    string   `json:"subject"`
	Roles      []string `json:"roles,omitempty"`
	Automation bool     `json:"automation,omitempty"`
}

// HasRole reports whether p holds any of roles.
func (p *Principal) HasRole(roles ...string) bool {
	if p == nil {
		return false
	}
	for _, have := range p.Roles {
		for _, want := range roles {
			if have == want {
				return true
			}
		}
	}
	return false
}

// SetPrincipal returns a new context with p attached.
func SetPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, contextKeyPrincipal, p)
}

// PrincipalFromContext extracts the authenticated caller, or nil.
func PrincipalFromContext(ctx context.Context) *Principal {
	p, _ := ctx.Value(contextKeyPrincipal).(*Principal)
	return p
}

// Actor names the caller for audit records: the token subject, "automation"
// for the shared secret, or "system" when unauthenticated.
func Actor(ctx context.Context) string {
	p := PrincipalFromContext(ctx)
	switch {
	case p == nil:
		return "system"
	case p.Automation:
		return "automation"
	default:
		return p.Subject
	}
}

// SetRequestID returns a new context with the request ID attached.
func SetRequestID(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, contextKeyRequestID, id)
}

// RequestIDFromContext extracts the request ID from context.
func RequestIDFromContext(ctx context.Context) uuid.UUID {
	id, _ := ctx.Value(contextKeyRequestID).(uuid.UUID)
	return id
}

// Package auth verifies bearer tokens against the identity service. Token
// issuance lives elsewhere; this package only answers "who is calling".
package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/example/technician-dispatch/internal/errs"
)

type Role string

const (
	RoleConsumer   Role = "consumer"
	RoleTechnician Role = "technician"
	RoleAdmin      Role = "admin"
)

// Principal is the authenticated caller.
type Principal struct {
	UserID string `json:"user_id"`
	Role   Role   `json:"role"`
}

func (p Principal) IsAdmin() bool { return p.Role == RoleAdmin }

// Verifier resolves a bearer token to a principal.
type Verifier interface {
	Verify(ctx context.Context, token string) (Principal, error)
}

type contextKey struct{}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, contextKey{}, p)
}

func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(contextKey{}).(Principal)
	return p, ok
}

// TokenFromRequest reads the bearer token from the Authorization header, or
// from the token query parameter for websocket clients that cannot set
// headers.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
			return strings.TrimSpace(h[7:])
		}
		return ""
	}
	return r.URL.Query().Get("token")
}

// StaticVerifier serves a fixed token table. Used for local runs and tests.
type StaticVerifier map[string]Principal

// ParseStaticTokens reads "token=user:role" pairs separated by commas.
func ParseStaticTokens(raw string) (StaticVerifier, error) {
	out := StaticVerifier{}
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		token, rest, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, errs.NewValidationError("AUTH_STATIC_TOKENS", "expected token=user:role, got "+pair)
		}
		user, role, ok := strings.Cut(rest, ":")
		if !ok || user == "" || !validRole(Role(role)) {
			return nil, errs.NewValidationError("AUTH_STATIC_TOKENS", "bad principal "+rest)
		}
		out[token] = Principal{UserID: user, Role: Role(role)}
	}
	return out, nil
}

func (s StaticVerifier) Verify(_ context.Context, token string) (Principal, error) {
	if p, ok := s[token]; ok && token != "" {
		return p, nil
	}
	return Principal{}, errs.NewUnauthorizedError("invalid token")
}

func validRole(r Role) bool {
	return r == RoleConsumer || r == RoleTechnician || r == RoleAdmin
}

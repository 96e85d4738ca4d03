// Package auth authenticates callers of the gate's gRPC API by API key.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/grpc/metadata"
)

// KeyPrefix starts every gate API key.
const KeyPrefix = "mgk_"

// lookupPrefixLen is how much of a key is stored in clear for lookup.
const lookupPrefixLen = 12

// Authenticator validates incoming requests and returns the caller.
type Authenticator interface {
	Authenticate(ctx context.Context) (*Principal, error)
}

// Role is what a principal may do.
type Role string

const (
	// RoleAdmin may mutate trust, policy and anomaly state.
	RoleAdmin Role = "admin"
	// RoleViewer may only query.
	RoleViewer Role = "viewer"
)

// ParseRole rejects unknown roles.
func ParseRole(s string) (Role, error) {
	switch r := Role(strings.ToLower(strings.TrimSpace(s))); r {
	case RoleAdmin, RoleViewer:
		return r, nil
	default:
		return "", fmt.Errorf("unknown role %q", s)
	}
}

// Principal is an authenticated API caller.
type Principal struct {
	ID   string
	Name string
	Role Role
}

// IsAdmin reports whether p may mutate state.
func (p *Principal) IsAdmin() bool {
	return p != nil && p.Role == RoleAdmin
}

var (
	// ErrUnauthenticated is returned when no valid credentials are found.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrPermissionDenied is returned when a principal lacks the required role.
	ErrPermissionDenied = errors.New("permission denied")
)

// RequireAdmin returns ErrPermissionDenied unless p is an admin.
func RequireAdmin(p *Principal) error {
	if !p.IsAdmin() {
		return ErrPermissionDenied
	}
	return nil
}

// ExtractBearerToken extracts an mgk_ API key from gRPC metadata.
func ExtractBearerToken(ctx context.Context) (string, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "", ErrUnauthenticated
	}
	values := md.Get("authorization")
	if len(values) == 0 {
		return "", ErrUnauthenticated
	}
	token := values[0]
	token = strings.TrimPrefix(token, "Bearer ")
	token = strings.TrimPrefix(token, "bearer ")
	if !strings.HasPrefix(token, KeyPrefix) || len(token) < lookupPrefixLen {
		return "", ErrUnauthenticated
	}
	return token, nil
}

type principalKey struct{}

// WithPrincipal stores p on ctx.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFrom returns the principal stored by WithPrincipal.
func PrincipalFrom(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(*Principal)
	return p, ok
}

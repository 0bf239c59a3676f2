package auth

import (
	"context"
	"strings"
)

// Role constants used throughout the API when checking authorisation boundaries.
const (
	RoleGuest  = "guest"
	RoleUser   = "user"
	RoleAdmin  = "admin"
	RoleSystem = "system"
)

// Identity captures the principal asserted by the trusted upstream gateway.
type Identity struct {
	UID   string
	Email string
	Name  string
	Roles []string
}

// IsGuest reports whether the request carried no user id.
func (i *Identity) IsGuest() bool {
	return i == nil || strings.TrimSpace(i.UID) == ""
}

// HasRole reports whether the identity includes the requested role (case-insensitive).
func (i *Identity) HasRole(role string) bool {
	if i == nil {
		return false
	}
	role = normaliseRole(role)
	if role == "" {
		return false
	}
	for _, r := range i.Roles {
		if strings.EqualFold(r, role) {
			return true
		}
	}
	return false
}

// HasAnyRole reports whether the identity includes any of the provided roles.
func (i *Identity) HasAnyRole(roles ...string) bool {
	for _, role := range roles {
		if i.HasRole(role) {
			return true
		}
	}
	return false
}

// PrimaryRole returns the most privileged role held by the identity.
func (i *Identity) PrimaryRole() string {
	switch {
	case i.IsGuest():
		return RoleGuest
	case i.HasRole(RoleAdmin):
		return RoleAdmin
	case i.HasRole(RoleSystem):
		return RoleSystem
	default:
		return RoleUser
	}
}

type contextKey string

const identityContextKey contextKey = "github.com/bookhaven/api/internal/platform/auth/identity"

// WithIdentity stores the identity within the context for downstream handlers.
func WithIdentity(ctx context.Context, identity *Identity) context.Context {
	return context.WithValue(ctx, identityContextKey, identity)
}

// IdentityFromContext retrieves the identity previously stored in context.
func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	if ctx == nil {
		return nil, false
	}
	identity, ok := ctx.Value(identityContextKey).(*Identity)
	if !ok || identity == nil {
		return nil, false
	}
	return identity, true
}

func normaliseRole(role string) string {
	return strings.ToLower(strings.TrimSpace(role))
}

package auth

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
)

const (
	defaultUserIDHeader    = "X-User-ID"
	defaultUserEmailHeader = "X-User-Email"
	defaultUserNameHeader  = "X-User-Name"
	defaultUserRoleHeader  = "X-User-Role"
	defaultInternalHeader  = "X-Internal-Token"

	maxHeaderValueLength = 256
)

// HeaderAuthenticator trusts identity headers injected by the upstream gateway. Token
// verification happens before requests reach this service.
type HeaderAuthenticator struct {
	userIDHeader    string
	userEmailHeader string
	userNameHeader  string
	userRoleHeader  string
}

// Option customises HeaderAuthenticator behaviour.
type Option func(*HeaderAuthenticator)

// WithUserIDHeader overrides the header carrying the user id.
func WithUserIDHeader(name string) Option {
	return func(a *HeaderAuthenticator) {
		if name = strings.TrimSpace(name); name != "" {
			a.userIDHeader = name
		}
	}
}

// WithRoleHeader overrides the header carrying the comma separated role list.
func WithRoleHeader(name string) Option {
	return func(a *HeaderAuthenticator) {
		if name = strings.TrimSpace(name); name != "" {
			a.userRoleHeader = name
		}
	}
}

// NewHeaderAuthenticator constructs the middleware factory.
func NewHeaderAuthenticator(opts ...Option) *HeaderAuthenticator {
	a := &HeaderAuthenticator{
		userIDHeader:    defaultUserIDHeader,
		userEmailHeader: defaultUserEmailHeader,
		userNameHeader:  defaultUserNameHeader,
		userRoleHeader:  defaultUserRoleHeader,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

// Identify attaches the asserted identity, or a guest identity when no user id is present.
func (a *HeaderAuthenticator) Identify() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity := a.identityFromRequest(r)
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
		})
	}
}

// RequireIdentity rejects guests and, when roles are given, identities holding none of them.
func (a *HeaderAuthenticator) RequireIdentity(allowedRoles ...string) func(http.Handler) http.Handler {
	allowed := make(map[string]struct{}, len(allowedRoles))
	for _, role := range allowedRoles {
		if role = normaliseRole(role); role != "" {
			allowed[role] = struct{}{}
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, ok := IdentityFromContext(r.Context())
			if !ok {
				identity = a.identityFromRequest(r)
			}
			if identity.IsGuest() {
				respondAuthError(w, http.StatusUnauthorized, "unauthenticated", "user identity header missing")
				return
			}
			if len(allowed) > 0 && !hasAllowedRole(identity.Roles, allowed) {
				respondAuthError(w, http.StatusForbidden, "insufficient_role", "identity does not have required role")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
		})
	}
}

func (a *HeaderAuthenticator) identityFromRequest(r *http.Request) *Identity {
	identity := &Identity{
		UID:   headerValue(r, a.userIDHeader),
		Email: strings.ToLower(headerValue(r, a.userEmailHeader)),
		Name:  headerValue(r, a.userNameHeader),
	}
	if identity.UID == "" {
		identity.Roles = []string{RoleGuest}
		return identity
	}
	identity.Roles = parseRoles(headerValue(r, a.userRoleHeader))
	if len(identity.Roles) == 0 {
		identity.Roles = []string{RoleUser}
	}
	return identity
}

// RequireInternalToken guards internal endpoints (scheduler triggers) with a shared token.
// An empty expected token rejects every request.
func RequireInternalToken(expected string) func(http.Handler) http.Handler {
	expected = strings.TrimSpace(expected)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			provided := strings.TrimSpace(r.Header.Get(defaultInternalHeader))
			if expected == "" || provided == "" || subtle.ConstantTimeCompare([]byte(provided), []byte(expected)) != 1 {
				respondAuthError(w, http.StatusUnauthorized, "unauthenticated", "internal token missing or invalid")
				return
			}
			identity := &Identity{UID: "scheduler", Roles: []string{RoleSystem}}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
		})
	}
}

func headerValue(r *http.Request, name string) string {
	value := strings.TrimSpace(r.Header.Get(name))
	if len(value) > maxHeaderValueLength {
		value = value[:maxHeaderValueLength]
	}
	return value
}

func parseRoles(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	seen := make(map[string]struct{}, len(parts))
	for _, part := range parts {
		role := normaliseRole(part)
		if role == "" || role == RoleGuest {
			continue
		}
		if _, exists := seen[role]; exists {
			continue
		}
		seen[role] = struct{}{}
		out = append(out, role)
	}
	return out
}

func hasAllowedRole(identityRoles []string, allowed map[string]struct{}) bool {
	for _, role := range identityRoles {
		if _, ok := allowed[normaliseRole(role)]; ok {
			return true
		}
	}
	return false
}

func respondAuthError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"error":   code,
		"message": message,
		"status":  status,
	})
}

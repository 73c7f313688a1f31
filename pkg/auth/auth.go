// Package auth provides bearer-token authentication for the admin and
// operations endpoints.
package auth

import "context"

// contextKey is a private type for context keys.
type contextKey int

const (
	identityContextKey contextKey = iota
)

// Identity holds the authenticated caller.
type Identity struct {
	Subject  string   `json:"subject"`
	Email    string   `json:"email,omitempty"`
	Name     string   `json:"name,omitempty"`
	Roles    []string `json:"roles,omitempty"`
	AuthType string   `json:"auth_type"` // "static", "jwt"
}

// WithIdentity adds the identity to the context.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityContextKey, id)
}

// IdentityFrom retrieves the identity from the context, or nil when the
// request was not authenticated.
func IdentityFrom(ctx context.Context) *Identity {
	if id, ok := ctx.Value(identityContextKey).(*Identity); ok {
		return id
	}
	return nil
}

// HasRole checks if the identity has a specific role.
func (id *Identity) HasRole(role string) bool {
	for _, r := range id.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// HasAnyRole checks if the identity has any of the specified roles.
func (id *Identity) HasAnyRole(roles ...string) bool {
	for _, role := range roles {
		if id.HasRole(role) {
			return true
		}
	}
	return false
}

// ABOUTME: Authenticated identity carried through request handlers
// ABOUTME: Provides WithIdentity/FromContext and per-user authorization checks

package auth

import (
	"context"
	"slices"
)

// RoleAdmin lets a caller act as any user.
const RoleAdmin = "admin"

// Identity is the authenticated caller.
type Identity struct {
	Subject string
	Roles   []string
}

// IsAdmin reports whether the identity carries the admin role.
func (i *Identity) IsAdmin() bool {
	return i != nil && slices.Contains(i.Roles, RoleAdmin)
}

// CanActAs reports whether the identity may operate on userID's sessions.
func (i *Identity) CanActAs(userID string) bool {
	if i == nil {
		return false
	}
	return i.IsAdmin() || i.Subject == userID
}

type identityKey struct{}

// WithIdentity returns a context carrying id.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// FromContext returns the identity in ctx, or nil when the request is
// anonymous.
func FromContext(ctx context.Context) *Identity {
	id, _ := ctx.Value(identityKey{}).(*Identity)
	return id
}

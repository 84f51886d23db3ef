// Package auth carries the caller identity injected by the upstream auth
// collaborator. Identities are trusted, not verified, here.
package auth

import (
	"context"
	"slices"
	"strings"
)

type Role string

const (
	RoleCustomer Role = "Customer"
	RoleVendor   Role = "Vendor"
	RoleAdmin    Role = "Admin"
)

// Principal is the authenticated caller of a request.
type Principal struct {
	UserID string
	Roles  []Role
	// Token is the raw bearer token, forwarded on outgoing service calls.
	Token string
}

// HasRole reports whether p holds any of roles.
func (p Principal) HasRole(roles ...Role) bool {
	for _, r := range roles {
		if slices.Contains(p.Roles, r) {
			return true
		}
	}
	return false
}

// IsElevated reports whether p may see and act on orders it does not own.
func (p Principal) IsElevated() bool {
	return p.HasRole(RoleAdmin)
}

// CanAccess reports whether p owns the resource or is elevated.
func (p Principal) CanAccess(ownerID string) bool {
	return p.UserID == ownerID || p.IsElevated()
}

// ParseRoles splits a comma separated role header, ignoring blanks.
func ParseRoles(raw string) []Role {
	var roles []Role
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			roles = append(roles, Role(part))
		}
	}
	return roles
}

// JoinRoles is the inverse of ParseRoles.
func JoinRoles(roles []Role) string {
	parts := make([]string, len(roles))
	for i, r := range roles {
		parts[i] = string(r)
	}
	return strings.Join(parts, ",")
}

type principalKey struct{}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// FromContext returns the request principal, if any.
func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// System is the principal used by background work such as consumers and the reconciler.
func System() Principal {
	return Principal{UserID: "system", Roles: []Role{RoleAdmin}}
}

package rbac

import (
	"context"
	"strings"
)

// Policy maps a role onto the permission patterns it grants. A pattern is
// an exact permission, "*", or a prefix ending in "*" such as "user:*".
type Policy map[string][]string

// Allows reports whether role holds perm under p.
func (p Policy) Allows(role, perm string) bool {
	for _, pattern := range p[role] {
		if grants(pattern, perm) {
			return true
		}
	}
	return false
}

func grants(pattern, perm string) bool {
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(perm, prefix)
	}
	return pattern == perm
}

type roleKey struct{}

func WithRole(ctx context.Context, role string) context.Context {
	return context.WithValue(ctx, roleKey{}, role)
}

func RoleFromContext(ctx context.Context) string {
	role, _ := ctx.Value(roleKey{}).(string)
	return role
}

package ledger

import (
	"context"
	"fmt"
	"strings"
)

// Role is the caller role that row-level security policies are evaluated against,
// the equivalent of auth.role() in Postgres.
type Role string

const (
	RoleAnon          Role = "anon"
	RoleAuthenticated Role = "authenticated"
	RoleService       Role = "service_role"
)

// ParseRole maps a JWT role claim to a Role
func ParseRole(s string) (Role, error) {
	switch r := Role(strings.TrimSpace(s)); r {
	case RoleAnon, RoleAuthenticated, RoleService:
		return r, nil
	case "":
		return RoleAnon, nil
	default:
		return "", fmt.Errorf("unknown role %q", s)
	}
}

type roleKey struct{}

// WithRole returns a context carrying the caller role
func WithRole(ctx context.Context, role Role) context.Context {
	return context.WithValue(ctx, roleKey{}, role)
}

// RoleFromContext returns the caller role, anon when none is set
func RoleFromContext(ctx context.Context) Role {
	if role, ok := ctx.Value(roleKey{}).(Role); ok && role != "" {
		return role
	}
	return RoleAnon
}

// Action is a row operation covered by a policy
type Action string

const (
	ActionSelect Action = "select"
	ActionInsert Action = "insert"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Policy is the access matrix applied before a store is touched.
// A missing entry denies the action.
type Policy struct {
	rules map[string]map[Action][]Role
}

// DefaultPolicy returns the ledger access matrix. Both tables are publicly readable and only the
// service role may write. publicIndexInsert reopens index inserts to every caller.
func DefaultPolicy(publicIndexInsert bool) *Policy {
	everyone := []Role{RoleAnon, RoleAuthenticated, RoleService}
	service := []Role{RoleService}

	indexInsert := service
	if publicIndexInsert {
		indexInsert = everyone
	}

	return &Policy{
		rules: map[string]map[Action][]Role{
			IndexTable: {
				ActionSelect: everyone,
				ActionInsert: indexInsert,
				// administrative cleanup, cascades to providers
				ActionDelete: service,
			},
			ProviderTable: {
				ActionSelect: everyone,
				ActionInsert: service,
				ActionUpdate: service,
				ActionDelete: service,
			},
		},
	}
}

// Allows reports whether role may perform action on table
func (p *Policy) Allows(role Role, table string, action Action) bool {
	for _, r := range p.rules[table][action] {
		if r == role {
			return true
		}
	}
	return false
}

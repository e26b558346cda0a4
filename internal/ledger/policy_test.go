package ledger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRole(t *testing.T) {
	role, err := ParseRole("")
	require.NoError(t, err)
	assert.Equal(t, RoleAnon, role)

	role, err = ParseRole(" service_role ")
	require.NoError(t, err)
	assert.Equal(t, RoleService, role)

	_, err = ParseRole("superuser")
	assert.Error(t, err)
}

func TestRoleFromContext(t *testing.T) {
	assert.Equal(t, RoleAnon, RoleFromContext(context.Background()))
	assert.Equal(t, RoleAuthenticated, RoleFromContext(WithRole(context.Background(), RoleAuthenticated)))
}

func TestDefaultPolicy(t *testing.T) {
	p := DefaultPolicy(false)

	for _, role := range []Role{RoleAnon, RoleAuthenticated, RoleService} {
		assert.True(t, p.Allows(role, IndexTable, ActionSelect), role)
		assert.True(t, p.Allows(role, ProviderTable, ActionSelect), role)
	}

	assert.False(t, p.Allows(RoleAnon, IndexTable, ActionInsert))
	assert.False(t, p.Allows(RoleAuthenticated, IndexTable, ActionInsert))
	assert.True(t, p.Allows(RoleService, IndexTable, ActionInsert))
	assert.False(t, p.Allows(RoleService, IndexTable, ActionUpdate), "snapshots are immutable")

	for _, action := range []Action{ActionInsert, ActionUpdate, ActionDelete} {
		assert.False(t, p.Allows(RoleAuthenticated, ProviderTable, action), action)
		assert.True(t, p.Allows(RoleService, ProviderTable, action), action)
	}

	open := DefaultPolicy(true)
	assert.True(t, open.Allows(RoleAnon, IndexTable, ActionInsert))
	assert.False(t, open.Allows(RoleAnon, ProviderTable, ActionInsert))
	assert.False(t, open.Allows(RoleAnon, "unknown_table", ActionSelect))
}

func TestParseProviderType(t *testing.T) {
	typ, err := ParseProviderType(" Hyperscaler ")
	require.NoError(t, err)
	assert.Equal(t, ProviderTypeHyperscaler, typ)

	_, err = ParseProviderType("cloud")
	assert.Error(t, err)
}

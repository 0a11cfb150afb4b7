package auth_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ClearLedger/internal/auth"
	"ClearLedger/internal/errs"
)

func TestTable_RequireAndWildcard(t *testing.T) {
	table := auth.NewTable(map[string][]auth.Role{
		"settler":      {auth.RoleSettlement},
		auth.AnyCaller: {auth.RoleTriggerNetting},
	})

	require.NoError(t, table.Require("settler", auth.RoleSettlement))
	require.NoError(t, table.Require("whoever", auth.RoleTriggerNetting))
	require.NoError(t, table.Require("", auth.RoleTriggerNetting))

	err := table.Require("whoever", auth.RoleSettlement)
	require.ErrorIs(t, err, errs.ErrUnauthorized)
	assert.Equal(t, errs.KindAuthorization, errs.KindOf(err))
	assert.False(t, table.Has("", auth.RoleSettlement))
}

func TestTable_GrantRevoke(t *testing.T) {
	table := auth.NewTable(nil)
	table.Grant("ops", auth.RoleGovernance)
	table.Grant("ops", auth.RoleDeposit)
	assert.Equal(t, []auth.Role{auth.RoleDeposit, auth.RoleGovernance}, table.Roles("ops"))

	table.Revoke("ops", auth.RoleGovernance)
	assert.False(t, table.Has("ops", auth.RoleGovernance))
	assert.True(t, table.Has("ops", auth.RoleDeposit))
}

func TestAllowAll(t *testing.T) {
	var a auth.Authorizer = auth.AllowAll{}
	assert.NoError(t, a.Require("anyone", auth.RoleGovernance))
}

func TestWithSystem(t *testing.T) {
	a := auth.WithSystem(auth.NewTable(nil))

	require.NoError(t, a.Require(auth.SystemCaller, auth.RoleGovernance))
	require.ErrorIs(t, a.Require("ops", auth.RoleGovernance), errs.ErrUnauthorized)
	assert.True(t, auth.IsReserved(auth.SystemCaller))
	assert.False(t, auth.IsReserved("ops"))
}

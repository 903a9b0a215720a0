package main

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCanActOnMatrix(t *testing.T) {
	owner := []Role{RoleUser, RoleOwner}
	admin := []Role{RoleUser, RoleAdmin}
	user := []Role{RoleUser}

	cases := []struct {
		name        string
		actorRoles  []Role
		actorID     int64
		targetID    int64
		targetRoles []Role
		action      PolicyAction
		want        bool
	}{
		{"owner changes user role", owner, 1, 2, user, ActionChangeRole, true},
		{"owner changes admin role", owner, 1, 2, admin, ActionChangeRole, true},
		{"owner changes other owner role", owner, 1, 2, owner, ActionChangeRole, true},
		{"owner deletes user", owner, 1, 2, user, ActionDeleteUser, true},
		{"owner deletes admin", owner, 1, 2, admin, ActionDeleteUser, true},
		{"owner changes own role", owner, 1, 1, owner, ActionChangeRole, false},
		{"owner deletes self", owner, 1, 1, owner, ActionDeleteUser, false},
		{"admin changes user role", admin, 3, 2, user, ActionChangeRole, true},
		{"admin changes admin role", admin, 3, 2, admin, ActionChangeRole, false},
		{"admin changes owner role", admin, 3, 2, owner, ActionChangeRole, false},
		{"admin deletes user", admin, 3, 2, user, ActionDeleteUser, false},
		{"admin deletes admin", admin, 3, 2, admin, ActionDeleteUser, false},
		{"admin changes own role", admin, 3, 3, admin, ActionChangeRole, false},
		{"user changes user role", user, 4, 2, user, ActionChangeRole, false},
		{"user changes own role", user, 4, 4, user, ActionChangeRole, false},
		{"user deletes user", user, 4, 2, user, ActionDeleteUser, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := CanActOn(tc.actorRoles, tc.actorID, tc.targetID, tc.targetRoles, tc.action)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestCanActOnDeniesEmptyRoleSets(t *testing.T) {
	require.False(t, CanActOn(nil, 1, 2, []Role{RoleUser}, ActionChangeRole))
	require.False(t, CanActOn([]Role{}, 1, 2, nil, ActionDeleteUser))
}

func TestCanInvite(t *testing.T) {
	require.True(t, CanInvite([]Role{RoleAdmin}))
	require.True(t, CanInvite([]Role{RoleOwner}))
	require.True(t, CanInvite([]Role{RoleUser, RoleAdmin}))
	require.False(t, CanInvite([]Role{RoleUser}))
	require.False(t, CanInvite(nil))
}

func TestOnlyUser(t *testing.T) {
	for _, tc := range []struct {
		roles []Role
		want  bool
	}{
		{[]Role{RoleUser}, true},
		{nil, true},
		{[]Role{RoleUser, RoleAdmin}, false},
		{[]Role{RoleOwner}, false},
	} {
		t.Run(fmt.Sprintf("%v", tc.roles), func(t *testing.T) {
			require.Equal(t, tc.want, onlyUser(tc.roles))
		})
	}
}

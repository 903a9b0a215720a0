package main

// Authorization decisions for user-management actions. This is the single
// source of truth for who may change or delete whom; the admin handlers
// consult it on every request with roles resolved server-side from the
// session, never from client claims.

// PolicyAction is a user-management action subject to authorization.
type PolicyAction int

const (
	// ActionChangeRole is changing another user's role grants.
	ActionChangeRole PolicyAction = iota + 1
	// ActionDeleteUser is deleting a user account.
	ActionDeleteUser
	// ActionIssueInvite is issuing a registration invite.
	ActionIssueInvite
	// ActionManageReports is listing and triaging bug reports.
	ActionManageReports
)

func hasRole(roles []Role, want Role) bool {
	for _, r := range roles {
		if r == want {
			return true
		}
	}
	return false
}

// onlyUser reports whether roles contains no admin or owner grant.
func onlyUser(roles []Role) bool {
	return !hasRole(roles, RoleAdmin) && !hasRole(roles, RoleOwner)
}

// CanActOn reports whether the actor may perform action against the target.
// Deny by default; most specific rule wins:
//
//   - nobody acts on themselves (self-elevation and self-deletion forbidden)
//   - owners may change roles and delete anyone else
//   - admins may change the role of targets holding only the user role
//   - admins may not delete, and may not touch admins or owners
func CanActOn(actorRoles []Role, actorID, targetID int64, targetRoles []Role, action PolicyAction) bool {
	if actorID == targetID {
		return false
	}
	if hasRole(actorRoles, RoleOwner) {
		return action == ActionChangeRole || action == ActionDeleteUser
	}
	if hasRole(actorRoles, RoleAdmin) {
		return action == ActionChangeRole && onlyUser(targetRoles)
	}
	return false
}

// CanInvite reports whether the actor may issue invites or triage bug
// reports. Target-independent actions gate on capability alone.
func CanInvite(actorRoles []Role) bool {
	return hasRole(actorRoles, RoleAdmin) || hasRole(actorRoles, RoleOwner)
}

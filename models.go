package main

import "time"

// Role is a capability label held by a user. A user may hold several; the
// policy in policy.go interprets the set, there is no stored hierarchy.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
	RoleOwner Role = "owner"
)

// ValidRole reports whether s names a known role.
func ValidRole(s string) bool {
	switch Role(s) {
	case RoleUser, RoleAdmin, RoleOwner:
		return true
	}
	return false
}

// InviteStatus is the stored lifecycle state of an invite. Expiry is never
// written back: an invite past its expires_at still reads "pending" and is
// treated as inactive at read time.
type InviteStatus string

const (
	InviteStatusPending  InviteStatus = "pending"
	InviteStatusAccepted InviteStatus = "accepted"
)

// User represents an account in the system
type User struct {
	ID          int64
	Email       string
	Password    string
	DisplayName string
	// Role mirrors the grant set for display. The role_grants table is
	// authoritative; this column is refreshed on every grant change.
	Role      Role
	CreatedAt time.Time
}

// Invite is a single-use, time-bounded credential authorizing one account
// registration for a specific email.
type Invite struct {
	ID         int64
	Email      string
	InvitedBy  int64
	Token      string
	Status     InviteStatus
	AcceptedBy *int64
	ExpiresAt  time.Time
	CreatedAt  time.Time
}

// IsActive reports whether the invite can still gate a registration:
// pending and unexpired.
func (i *Invite) IsActive(now time.Time) bool {
	return i.Status == InviteStatusPending && i.ExpiresAt.After(now)
}

// RefreshToken represents a refresh token
type RefreshToken struct {
	Token     string
	UserID    int64
	ExpiresAt int64
	Revoked   bool
	CreatedAt time.Time
}

// BugReport is a user-filed issue surfaced in the admin console.
type BugReport struct {
	ID          int64
	ReporterID  int64
	Title       string
	Description string
	Status      string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

const (
	BugStatusOpen       = "open"
	BugStatusInProgress = "in_progress"
	BugStatusResolved   = "resolved"
)

// ValidBugStatus reports whether s is a known bug-report status.
func ValidBugStatus(s string) bool {
	return s == BugStatusOpen || s == BugStatusInProgress || s == BugStatusResolved
}

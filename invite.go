package main

import (
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// inviteTTL is how long an invite stays redeemable after issuance.
const inviteTTL = 7 * 24 * time.Hour

// newInvite builds a pending invite for email with a fresh random token.
// The token is a UUIDv4, which carries 122 bits of entropy; it is the only
// credential the invitee ever presents, so it must not be guessable.
func newInvite(email string, invitedBy int64, now time.Time) *Invite {
	return &Invite{
		Email:     strings.ToLower(strings.TrimSpace(email)),
		InvitedBy: invitedBy,
		Token:     uuid.NewString(),
		Status:    InviteStatusPending,
		ExpiresAt: now.Add(inviteTTL),
		CreatedAt: now,
	}
}

// inviteLink builds the registration URL embedded in the invite
// notification: <origin>/register?token=<token>&email=<urlencoded-email>.
// The email parameter is a display hint only; registration binds to the
// email stored on the invite row, never to this query parameter.
func inviteLink(origin, token, email string) string {
	q := url.Values{}
	q.Set("token", token)
	q.Set("email", email)
	return origin + "/register?" + q.Encode()
}

// validateInvite is the validity predicate behind the public validation
// endpoint: the row exists, is still pending, and is unexpired. The three
// distinct failure reasons are deliberately collapsed into one (false, "")
// outcome so that callers cannot probe which invites exist.
func validateInvite(db DB, token string, now time.Time) (bool, string, error) {
	if token == "" {
		return false, "", nil
	}
	inv, err := db.GetInviteByToken(token)
	if err != nil {
		return false, "", err
	}
	if inv == nil || !inv.IsActive(now) {
		return false, "", nil
	}
	return true, inv.Email, nil
}

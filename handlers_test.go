package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	cfg "github.com/example/chatgate/internal/config"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/require"
)

const goodPassword = "Sup3r-Secret"

func newTestApp(t *testing.T) (*App, *MemDB, *mux.Router) {
	t.Helper()
	jwtSecret = []byte("test-secret")
	db := NewMemoryDB()
	app := &App{
		DB: db,
		Cfg: &cfg.Config{
			AppOrigin:       "http://localhost:5173",
			RateLimitPerMin: 10000,
		},
		Notifier:    NewNotifier(""),
		rateLimiter: NewRateLimiter(10000),
	}
	return app, db, NewRouter(app)
}

// seedUser creates an account with the given role grants and returns the
// user plus a bearer token for it.
func seedUser(t *testing.T, db DB, email string, roles ...Role) (*User, string) {
	t.Helper()
	hashed, err := hashPassword(goodPassword)
	require.NoError(t, err)
	u, err := db.CreateUser(email, hashed, "test")
	require.NoError(t, err)
	require.NoError(t, db.GrantRole(u.ID, RoleUser))
	for _, r := range roles {
		require.NoError(t, db.GrantRole(u.ID, r))
	}
	token, err := createAccessToken(u.ID)
	require.NoError(t, err)
	return u, token
}

func doJSON(t *testing.T, r http.Handler, method, path, bearer string, body interface{}) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	var out map[string]interface{}
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec, out
}

func issueInvite(t *testing.T, r http.Handler, bearer, email string) string {
	t.Helper()
	rec, out := doJSON(t, r, "POST", "/api/v1/admin/invites", bearer, map[string]string{"email": email})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	data := out["data"].(map[string]interface{})
	return data["token"].(string)
}

func TestRegisterRequiresInvite(t *testing.T) {
	_, _, r := newTestApp(t)
	rec, out := doJSON(t, r, "POST", "/api/v1/auth/register", "", map[string]string{
		"email":    "walkin@example.com",
		"password": goodPassword,
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, CodeInviteRequired, out["error_code"])
}

func TestRegisterRejectsUnknownToken(t *testing.T) {
	_, _, r := newTestApp(t)
	rec, out := doJSON(t, r, "POST", "/api/v1/auth/register", "", map[string]string{
		"token":    "bogus",
		"password": goodPassword,
	})
	require.Equal(t, http.StatusForbidden, rec.Code)
	require.Equal(t, CodeInvalidOrExpired, out["error_code"])
}

func TestRegisterRejectsWeakPasswordBeforeAccountWrite(t *testing.T) {
	_, db, r := newTestApp(t)
	_, admin := seedUser(t, db, "admin@example.com", RoleAdmin)
	token := issueInvite(t, r, admin, "new@example.com")

	rec, out := doJSON(t, r, "POST", "/api/v1/auth/register", "", map[string]string{
		"token":    token,
		"password": "short",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, CodeWeakPassword, out["error_code"])

	// No account was created and the invite is untouched.
	u, err := db.GetUserByEmail("new@example.com")
	require.NoError(t, err)
	require.Nil(t, u)
	inv, err := db.GetInviteByToken(token)
	require.NoError(t, err)
	require.Equal(t, InviteStatusPending, inv.Status)
}

func TestRegisterBindsToInviteEmail(t *testing.T) {
	_, db, r := newTestApp(t)
	_, admin := seedUser(t, db, "admin@example.com", RoleAdmin)
	token := issueInvite(t, r, admin, "invited@example.com")

	// Echoing a different email is a hard error, not a silent substitution.
	rec, out := doJSON(t, r, "POST", "/api/v1/auth/register", "", map[string]string{
		"token":    token,
		"email":    "other@example.com",
		"password": goodPassword,
	})
	require.Equal(t, http.StatusForbidden, rec.Code)
	require.Equal(t, CodeInvalidOrExpired, out["error_code"])

	// Matching email (any case) passes and the account binds to the
	// invite's address.
	rec, out = doJSON(t, r, "POST", "/api/v1/auth/register", "", map[string]string{
		"token":    token,
		"email":    "Invited@Example.com",
		"password": goodPassword,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	user := out["user"].(map[string]interface{})
	require.Equal(t, "invited@example.com", user["email"])
}

// Scenario: issue -> register -> invite accepted -> token is spent.
func TestRegistrationConsumesInvite(t *testing.T) {
	_, db, r := newTestApp(t)
	_, admin := seedUser(t, db, "admin@example.com", RoleAdmin)
	token := issueInvite(t, r, admin, "new@example.com")

	rec, out := doJSON(t, r, "POST", "/api/v1/auth/register", "", map[string]string{
		"token":        token,
		"password":     goodPassword,
		"display_name": "Newbie",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	require.NotEmpty(t, out["accessToken"])
	require.NotEmpty(t, out["refreshToken"])
	user := out["user"].(map[string]interface{})
	require.Equal(t, "new@example.com", user["email"])
	require.Equal(t, "user", user["role"])

	inv, err := db.GetInviteByToken(token)
	require.NoError(t, err)
	require.Equal(t, InviteStatusAccepted, inv.Status)

	// Default role grant was seeded.
	u, err := db.GetUserByEmail("new@example.com")
	require.NoError(t, err)
	roles, err := db.RolesOf(u.ID)
	require.NoError(t, err)
	require.Equal(t, []Role{RoleUser}, roles)

	// Second registration with the same token fails.
	rec, out = doJSON(t, r, "POST", "/api/v1/auth/register", "", map[string]string{
		"token":    token,
		"password": goodPassword,
	})
	require.Equal(t, http.StatusForbidden, rec.Code)
	require.Equal(t, CodeInvalidOrExpired, out["error_code"])

	// And the new account can log in.
	rec, _ = doJSON(t, r, "POST", "/api/v1/auth/login", "", map[string]string{
		"email":    "new@example.com",
		"password": goodPassword,
	})
	require.Equal(t, http.StatusOK, rec.Code)
}

// Scenario: expired invite blocks registration but no longer blocks a
// fresh issue for the same email.
func TestExpiredInviteDoesNotBlockReissue(t *testing.T) {
	_, db, r := newTestApp(t)
	_, admin := seedUser(t, db, "admin@example.com", RoleAdmin)

	stale, err := db.CreateInvite(newInvite("slow@example.com", 1, time.Now().Add(-8*24*time.Hour)))
	require.NoError(t, err)

	rec, out := doJSON(t, r, "POST", "/api/v1/auth/register", "", map[string]string{
		"token":    stale.Token,
		"password": goodPassword,
	})
	require.Equal(t, http.StatusForbidden, rec.Code)
	require.Equal(t, CodeInvalidOrExpired, out["error_code"])

	// Fresh issue succeeds: the prior invite still reads pending but is no
	// longer active.
	rec, out = doJSON(t, r, "POST", "/api/v1/admin/invites", admin, map[string]string{"email": "slow@example.com"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	data := out["data"].(map[string]interface{})
	require.Equal(t, false, data["duplicate"])
	require.NotEqual(t, stale.Token, data["token"])
}

func TestIssueInviteAuthorization(t *testing.T) {
	_, db, r := newTestApp(t)
	_, userTok := seedUser(t, db, "plain@example.com")

	rec, out := doJSON(t, r, "POST", "/api/v1/admin/invites", userTok, map[string]string{"email": "x@example.com"})
	require.Equal(t, http.StatusForbidden, rec.Code)
	require.Equal(t, CodeUnauthorized, out["error_code"])

	rec, _ = doJSON(t, r, "POST", "/api/v1/admin/invites", "", map[string]string{"email": "x@example.com"})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestIssueInviteRejectsRegisteredEmail(t *testing.T) {
	_, db, r := newTestApp(t)
	_, admin := seedUser(t, db, "admin@example.com", RoleAdmin)
	seedUser(t, db, "taken@example.com")

	rec, out := doJSON(t, r, "POST", "/api/v1/admin/invites", admin, map[string]string{"email": "taken@example.com"})
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, CodeAlreadyRegistered, out["error_code"])
}

func TestIssueInviteResendsExistingActiveInvite(t *testing.T) {
	_, db, r := newTestApp(t)
	_, admin := seedUser(t, db, "admin@example.com", RoleAdmin)
	token := issueInvite(t, r, admin, "dupe@example.com")

	rec, out := doJSON(t, r, "POST", "/api/v1/admin/invites", admin, map[string]string{"email": "dupe@example.com"})
	require.Equal(t, http.StatusOK, rec.Code)
	data := out["data"].(map[string]interface{})
	require.Equal(t, true, data["duplicate"])
	require.Equal(t, CodeDuplicateInvite, data["code"])
	require.Equal(t, token, data["token"])

	invites, err := db.ListInvites()
	require.NoError(t, err)
	require.Len(t, invites, 1)
}

func TestValidateInviteEndpoint(t *testing.T) {
	_, db, r := newTestApp(t)
	_, admin := seedUser(t, db, "admin@example.com", RoleAdmin)
	token := issueInvite(t, r, admin, "check@example.com")

	rec, out := doJSON(t, r, "POST", "/api/v1/invites/validate", "", map[string]string{"token": token})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, true, out["is_valid"])
	require.Equal(t, "check@example.com", out["email"])

	// Unknown tokens are indistinguishable from consumed or expired ones.
	rec, out = doJSON(t, r, "POST", "/api/v1/invites/validate", "", map[string]string{"token": "nope"})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, false, out["is_valid"])
	require.Nil(t, out["email"])
}

// Scenario: the data-access boundary rejects an admin acting on a peer
// even when the request bypasses any UI gating.
func TestAdminCannotTouchPeersOrOwner(t *testing.T) {
	_, db, r := newTestApp(t)
	_, adminTok := seedUser(t, db, "admin@example.com", RoleAdmin)
	peer, _ := seedUser(t, db, "peer@example.com", RoleAdmin)
	owner, _ := seedUser(t, db, "owner@example.com", RoleOwner)
	plain, _ := seedUser(t, db, "plain@example.com")

	rec, out := doJSON(t, r, "PUT", fmt.Sprintf("/api/v1/admin/users/%d/role", peer.ID), adminTok, map[string]string{"role": "user"})
	require.Equal(t, http.StatusForbidden, rec.Code)
	require.Equal(t, CodeUnauthorized, out["error_code"])

	rec, _ = doJSON(t, r, "PUT", fmt.Sprintf("/api/v1/admin/users/%d/role", owner.ID), adminTok, map[string]string{"role": "user"})
	require.Equal(t, http.StatusForbidden, rec.Code)

	// Admins may not delete anyone.
	rec, _ = doJSON(t, r, "DELETE", fmt.Sprintf("/api/v1/admin/users/%d", plain.ID), adminTok, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	// But may promote a plain user.
	rec, _ = doJSON(t, r, "PUT", fmt.Sprintf("/api/v1/admin/users/%d/role", plain.ID), adminTok, map[string]string{"role": "admin"})
	require.Equal(t, http.StatusOK, rec.Code)
	roles, err := db.RolesOf(plain.ID)
	require.NoError(t, err)
	require.Equal(t, []Role{RoleAdmin}, roles)
	got, err := db.GetUserByID(plain.ID)
	require.NoError(t, err)
	require.Equal(t, RoleAdmin, got.Role)
}

func TestOwnerManagesEveryoneButSelf(t *testing.T) {
	_, db, r := newTestApp(t)
	owner, ownerTok := seedUser(t, db, "owner@example.com", RoleOwner)
	admin, _ := seedUser(t, db, "admin@example.com", RoleAdmin)

	rec, _ := doJSON(t, r, "PUT", fmt.Sprintf("/api/v1/admin/users/%d/role", admin.ID), ownerTok, map[string]string{"role": "user"})
	require.Equal(t, http.StatusOK, rec.Code)

	// Self role change is forbidden even for the owner.
	rec, out := doJSON(t, r, "PUT", fmt.Sprintf("/api/v1/admin/users/%d/role", owner.ID), ownerTok, map[string]string{"role": "user"})
	require.Equal(t, http.StatusForbidden, rec.Code)
	require.Equal(t, CodeUnauthorized, out["error_code"])

	rec, _ = doJSON(t, r, "DELETE", fmt.Sprintf("/api/v1/admin/users/%d", admin.ID), ownerTok, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	gone, err := db.GetUserByID(admin.ID)
	require.NoError(t, err)
	require.Nil(t, gone)

	rec, _ = doJSON(t, r, "DELETE", fmt.Sprintf("/api/v1/admin/users/%d", owner.ID), ownerTok, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestChangeRoleUnknownTarget(t *testing.T) {
	_, db, r := newTestApp(t)
	_, ownerTok := seedUser(t, db, "owner@example.com", RoleOwner)
	rec, out := doJSON(t, r, "PUT", "/api/v1/admin/users/999/role", ownerTok, map[string]string{"role": "admin"})
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, CodeNotFound, out["error_code"])
}

func TestBugReportFlow(t *testing.T) {
	_, db, r := newTestApp(t)
	_, userTok := seedUser(t, db, "reporter@example.com")
	_, adminTok := seedUser(t, db, "admin@example.com", RoleAdmin)

	// Filing requires a session.
	rec, _ := doJSON(t, r, "POST", "/api/v1/bug-reports", "", map[string]string{"title": "broken"})
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, _ = doJSON(t, r, "POST", "/api/v1/bug-reports", userTok, map[string]string{
		"title":       "Send button does nothing",
		"description": "Clicking send in a new chat has no effect",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	// Triage is admin-only.
	rec, _ = doJSON(t, r, "GET", "/api/v1/admin/bug-reports", userTok, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec, out := doJSON(t, r, "GET", "/api/v1/admin/bug-reports", adminTok, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	reports := out["data"].([]interface{})
	require.Len(t, reports, 1)
	id := int64(reports[0].(map[string]interface{})["id"].(float64))

	rec, _ = doJSON(t, r, "PUT", fmt.Sprintf("/api/v1/admin/bug-reports/%d/status", id), adminTok, map[string]string{"status": "resolved"})
	require.Equal(t, http.StatusOK, rec.Code)

	all, err := db.ListBugReports()
	require.NoError(t, err)
	require.Equal(t, BugStatusResolved, all[0].Status)
}

func TestListInvitesShowsComputedExpiry(t *testing.T) {
	_, db, r := newTestApp(t)
	_, adminTok := seedUser(t, db, "admin@example.com", RoleAdmin)
	_, err := db.CreateInvite(newInvite("old@example.com", 1, time.Now().Add(-8*24*time.Hour)))
	require.NoError(t, err)

	rec, out := doJSON(t, r, "GET", "/api/v1/admin/invites", adminTok, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	invites := out["data"].([]interface{})
	require.Len(t, invites, 1)
	entry := invites[0].(map[string]interface{})
	require.Equal(t, "pending", entry["status"])
	require.Equal(t, true, entry["expired"])
}

func TestRefreshRotationAndReuseDetection(t *testing.T) {
	_, db, r := newTestApp(t)
	_, adminTok := seedUser(t, db, "admin@example.com", RoleAdmin)
	token := issueInvite(t, r, adminTok, "fresh@example.com")

	_, out := doJSON(t, r, "POST", "/api/v1/auth/register", "", map[string]string{
		"token":    token,
		"password": goodPassword,
	})
	refresh := out["refreshToken"].(string)

	rec, out := doJSON(t, r, "POST", "/api/v1/auth/refresh", "", map[string]string{"refreshToken": refresh})
	require.Equal(t, http.StatusOK, rec.Code)
	rotated := out["refreshToken"].(string)
	require.NotEqual(t, refresh, rotated)

	// Replaying the spent token revokes the whole family.
	rec, out = doJSON(t, r, "POST", "/api/v1/auth/refresh", "", map[string]string{"refreshToken": refresh})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, CodeTokenReuseDetected, out["error_code"])

	row, err := db.GetRefreshToken(rotated)
	require.NoError(t, err)
	require.True(t, row.Revoked)
}

func TestLoginAcceptsMixedCaseEmail(t *testing.T) {
	_, db, r := newTestApp(t)
	_, admin := seedUser(t, db, "admin@example.com", RoleAdmin)
	token := issueInvite(t, r, admin, "Mixed.Case@Example.com")

	rec, _ := doJSON(t, r, "POST", "/api/v1/auth/register", "", map[string]string{
		"token":    token,
		"password": goodPassword,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	// The account is stored lowercased; login with the original casing
	// must still find it.
	rec, out := doJSON(t, r, "POST", "/api/v1/auth/login", "", map[string]string{
		"email":    "Mixed.Case@Example.com",
		"password": goodPassword,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.NotEmpty(t, out["accessToken"])
}

func TestRateLimitBucketsPerAuthenticatedUser(t *testing.T) {
	jwtSecret = []byte("test-secret")
	db := NewMemoryDB()
	app := &App{
		DB: db,
		Cfg: &cfg.Config{
			AppOrigin:       "http://localhost:5173",
			RateLimitPerMin: 1,
		},
		Notifier:    NewNotifier(""),
		rateLimiter: NewRateLimiter(1),
	}
	r := NewRouter(app)
	_, first := seedUser(t, db, "first@example.com", RoleAdmin)
	_, second := seedUser(t, db, "second@example.com", RoleAdmin)

	// Both requests come from the same remote address, so per-user keying
	// is the only thing that lets the second admin through.
	rec, _ := doJSON(t, r, "GET", "/api/v1/admin/users", first, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec, _ = doJSON(t, r, "GET", "/api/v1/admin/users", second, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// A repeat from the same user exhausts that user's own bucket.
	rec, out := doJSON(t, r, "GET", "/api/v1/admin/users", first, nil)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Equal(t, CodeRateLimitExceeded, out["error_code"])
}

// failingInviteLookupDB simulates a storage fault on the pending-invite
// lookup while leaving the rest of the adapter intact.
type failingInviteLookupDB struct {
	*MemDB
}

func (f *failingInviteLookupDB) GetPendingInviteByEmail(email string) (*Invite, error) {
	return nil, errors.New("storage unavailable")
}

func TestIssueInviteSurfacesInviteLookupFailure(t *testing.T) {
	jwtSecret = []byte("test-secret")
	mem := NewMemoryDB()
	app := &App{
		DB: &failingInviteLookupDB{MemDB: mem},
		Cfg: &cfg.Config{
			AppOrigin:       "http://localhost:5173",
			RateLimitPerMin: 10000,
		},
		Notifier:    NewNotifier(""),
		rateLimiter: NewRateLimiter(10000),
	}
	r := NewRouter(app)
	_, admin := seedUser(t, mem, "admin@example.com", RoleAdmin)

	rec, out := doJSON(t, r, "POST", "/api/v1/admin/invites", admin, map[string]string{"email": "new@example.com"})
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Equal(t, CodeInternalError, out["error_code"])
}

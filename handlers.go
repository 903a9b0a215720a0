package main

import (
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"time"
)

type registerRequest struct {
	Token       string `json:"token"`
	Email       string `json:"email"`
	Password    string `json:"password"`
	DisplayName string `json:"display_name"`
}

// HandleRegister is the invite-gated registration endpoint. There is no
// self-serve path: a missing token fails before anything else, and the
// account is always bound to the email stored on the invite, not the one
// the client echoes back.
func (a *App) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "Invalid request body")
		return
	}
	if req.Token == "" {
		writeError(w, http.StatusBadRequest, CodeInviteRequired, "Registration requires an invite")
		return
	}

	valid, inviteEmail, err := validateInvite(a.DB, req.Token, time.Now())
	if err != nil {
		writeError(w, http.StatusInternalServerError, CodeInternalError, "Failed to validate invite")
		return
	}
	if !valid {
		writeError(w, http.StatusForbidden, CodeInvalidOrExpired, "Invite is invalid or expired")
		return
	}
	// A client presenting a token for one address but registering another is
	// treated the same as an invalid invite.
	if req.Email != "" && !strings.EqualFold(strings.TrimSpace(req.Email), inviteEmail) {
		writeError(w, http.StatusForbidden, CodeInvalidOrExpired, "Invite is invalid or expired")
		return
	}

	// Password policy runs before any account write.
	if reason := checkPasswordPolicy(req.Password); reason != "" {
		writeError(w, http.StatusBadRequest, CodeWeakPassword, reason)
		return
	}

	displayName := strings.TrimSpace(req.DisplayName)
	if displayName == "" {
		displayName = inviteEmail
		if i := strings.Index(inviteEmail, "@"); i > 0 {
			displayName = inviteEmail[:i]
		}
	}

	hashed, err := hashPassword(req.Password)
	if err != nil {
		writeError(w, http.StatusInternalServerError, CodeInternalError, "Failed to process password")
		return
	}
	user, err := a.DB.CreateUser(inviteEmail, hashed, displayName)
	if err != nil {
		if err == ErrDuplicateEmail {
			writeError(w, http.StatusConflict, CodeAlreadyRegistered, "An account already exists for this email")
			return
		}
		writeError(w, http.StatusInternalServerError, CodeInternalError, "Failed to create account")
		return
	}

	// Conditional transition; losing the race here is bookkeeping lag, not
	// a failure, since the account write already succeeded.
	accepted, err := a.DB.AcceptInvite(req.Token, user.ID)
	if err != nil || !accepted {
		log.Printf("invite %s not marked accepted for user %d (accepted=%v err=%v)", req.Token, user.ID, accepted, err)
	}

	if err := a.DB.GrantRole(user.ID, RoleUser); err != nil {
		log.Printf("seed role grant for user %d: %v", user.ID, err)
	}

	access, _ := createAccessToken(user.ID)
	ref, _ := genToken(32)
	a.DB.CreateRefreshToken(ref, user.ID, time.Now().Add(30*24*time.Hour).Unix())
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"user": map[string]interface{}{
			"id":           user.ID,
			"email":        user.Email,
			"display_name": user.DisplayName,
			"role":         user.Role,
		},
		"accessToken":  access,
		"refreshToken": ref,
	})
}

// HandleValidateInvite is the public, pre-registration validation endpoint.
// It only ever reveals {is_valid, email}; missing, consumed, and expired
// tokens are indistinguishable to the caller.
func (a *App) HandleValidateInvite(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "Invalid request body")
		return
	}
	valid, email, err := validateInvite(a.DB, req.Token, time.Now())
	if err != nil {
		writeError(w, http.StatusInternalServerError, CodeInternalError, "Failed to validate invite")
		return
	}
	resp := map[string]interface{}{"is_valid": valid}
	if valid {
		resp["email"] = email
	} else {
		resp["email"] = nil
	}
	writeJSON(w, http.StatusOK, resp)
}

type creds struct{ Email, Password string }

func (a *App) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var c creds
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "Invalid request body")
		return
	}
	// Accounts are stored with lowercased emails (issuance normalizes, and
	// registration binds to the invite's address), so fold case here too.
	user, err := a.DB.GetUserByEmail(strings.ToLower(strings.TrimSpace(c.Email)))
	if err != nil || user == nil {
		writeError(w, http.StatusUnauthorized, CodeInvalidCredentials, "Invalid email or password")
		return
	}
	if !comparePassword(user.Password, c.Password) {
		writeError(w, http.StatusUnauthorized, CodeInvalidCredentials, "Invalid email or password")
		return
	}
	access, _ := createAccessToken(user.ID)
	ref, _ := genToken(32)
	a.DB.CreateRefreshToken(ref, user.ID, time.Now().Add(30*24*time.Hour).Unix())
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"user": map[string]interface{}{
			"id":           user.ID,
			"email":        user.Email,
			"display_name": user.DisplayName,
			"role":         user.Role,
		},
		"accessToken":  access,
		"refreshToken": ref,
	})
}

func (a *App) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	var in struct{ RefreshToken string }
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "Invalid request body")
		return
	}
	if in.RefreshToken == "" {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "Refresh token is required")
		return
	}
	row, _ := a.DB.GetRefreshToken(in.RefreshToken)
	if row == nil {
		writeError(w, http.StatusUnauthorized, CodeInvalidToken, "Invalid refresh token")
		return
	}
	if row.Revoked {
		a.DB.RevokeAllRefreshTokensForUser(row.UserID)
		writeError(w, http.StatusUnauthorized, CodeTokenReuseDetected, "Token reuse detected - all tokens revoked")
		return
	}
	if row.ExpiresAt < time.Now().Unix() {
		writeError(w, http.StatusUnauthorized, CodeTokenExpired, "Refresh token has expired")
		return
	}

	// rotate
	a.DB.RevokeRefreshToken(in.RefreshToken)
	newRef, _ := genToken(32)
	a.DB.CreateRefreshToken(newRef, row.UserID, time.Now().Add(30*24*time.Hour).Unix())
	access, _ := createAccessToken(row.UserID)
	writeJSON(w, http.StatusOK, map[string]string{
		"accessToken":  access,
		"refreshToken": newRef,
	})
}

func (a *App) HandleLogout(w http.ResponseWriter, r *http.Request) {
	var in struct{ RefreshToken string }
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "Invalid request body")
		return
	}
	if in.RefreshToken == "" {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "Refresh token is required")
		return
	}
	if err := a.DB.RevokeRefreshToken(in.RefreshToken); err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidToken, "Token not found or already revoked")
		return
	}
	writeSuccess(w, http.StatusOK, map[string]bool{"revoked": true})
}

// HandleCreateBugReport files a bug report for the authenticated user.
func (a *App) HandleCreateBugReport(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r)
	if actor == nil {
		writeError(w, http.StatusUnauthorized, CodeUnauthorized, "Authentication required")
		return
	}
	var req struct {
		Title       string `json:"title"`
		Description string `json:"description"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "Invalid request body")
		return
	}
	if strings.TrimSpace(req.Title) == "" {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "Title is required")
		return
	}
	rep, err := a.DB.CreateBugReport(&BugReport{
		ReporterID:  actor.User.ID,
		Title:       strings.TrimSpace(req.Title),
		Description: req.Description,
		Status:      BugStatusOpen,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, CodeInternalError, "Failed to create bug report")
		return
	}
	writeSuccess(w, http.StatusCreated, map[string]interface{}{
		"id":     rep.ID,
		"status": rep.Status,
	})
}

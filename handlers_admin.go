package main

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
)

// HandleIssueInvite creates a registration invite.
// POST /api/v1/admin/invites
//
// If a pending, unexpired invite already exists for the email, the existing
// invite is returned with duplicate=true rather than writing a second row,
// so admins can resend a link without mutating state.
func (a *App) HandleIssueInvite(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r)
	if actor == nil || !CanInvite(actor.Roles) {
		writeError(w, http.StatusForbidden, CodeUnauthorized, "Admin capability required")
		return
	}

	var req struct {
		Email string `json:"email"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "Invalid request body")
		return
	}
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if email == "" || !strings.Contains(email, "@") {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "A valid email is required")
		return
	}

	existing, err := a.DB.GetUserByEmail(email)
	if err != nil {
		writeError(w, http.StatusInternalServerError, CodeInternalError, "Failed to check existing accounts")
		return
	}
	if existing != nil {
		writeError(w, http.StatusConflict, CodeAlreadyRegistered, "An account already exists for this email")
		return
	}

	now := time.Now()
	prior, err := a.DB.GetPendingInviteByEmail(email)
	if err != nil {
		writeError(w, http.StatusInternalServerError, CodeInternalError, "Failed to check existing invites")
		return
	}
	if prior != nil && prior.IsActive(now) {
		writeSuccess(w, http.StatusOK, map[string]interface{}{
			"code":       CodeDuplicateInvite,
			"token":      prior.Token,
			"expires_at": prior.ExpiresAt,
			"link":       inviteLink(a.Cfg.AppOrigin, prior.Token, prior.Email),
			"duplicate":  true,
		})
		return
	}

	inv, err := a.DB.CreateInvite(newInvite(email, actor.User.ID, now))
	if err != nil {
		writeError(w, http.StatusInternalServerError, CodeInternalError, "Failed to create invite")
		return
	}

	link := inviteLink(a.Cfg.AppOrigin, inv.Token, inv.Email)
	// Notification is best effort: the invite row is already durable and the
	// link can be shared manually if dispatch fails.
	a.Notifier.SendInvite(inv.Email, link)

	writeSuccess(w, http.StatusCreated, map[string]interface{}{
		"token":      inv.Token,
		"expires_at": inv.ExpiresAt,
		"link":       link,
		"duplicate":  false,
	})
}

// HandleListInvites lists invites with a computed expired flag so the
// console can show staleness without a stored terminal state.
// GET /api/v1/admin/invites
func (a *App) HandleListInvites(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r)
	if actor == nil || !CanInvite(actor.Roles) {
		writeError(w, http.StatusForbidden, CodeUnauthorized, "Admin capability required")
		return
	}
	invites, err := a.DB.ListInvites()
	if err != nil {
		writeError(w, http.StatusInternalServerError, CodeInternalError, "Failed to list invites")
		return
	}
	now := time.Now()
	out := make([]map[string]interface{}, 0, len(invites))
	for _, inv := range invites {
		out = append(out, map[string]interface{}{
			"id":         inv.ID,
			"email":      inv.Email,
			"invited_by": inv.InvitedBy,
			"status":     inv.Status,
			"expired":    inv.Status == InviteStatusPending && !inv.ExpiresAt.After(now),
			"expires_at": inv.ExpiresAt,
			"created_at": inv.CreatedAt,
		})
	}
	writeSuccess(w, http.StatusOK, out)
}

// HandleListUsers lists accounts for the admin console.
// GET /api/v1/admin/users
func (a *App) HandleListUsers(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r)
	if actor == nil || !CanInvite(actor.Roles) {
		writeError(w, http.StatusForbidden, CodeUnauthorized, "Admin capability required")
		return
	}
	users, err := a.DB.ListUsers()
	if err != nil {
		writeError(w, http.StatusInternalServerError, CodeInternalError, "Failed to list users")
		return
	}
	out := make([]map[string]interface{}, 0, len(users))
	for _, u := range users {
		out = append(out, map[string]interface{}{
			"id":           u.ID,
			"email":        u.Email,
			"display_name": u.DisplayName,
			"role":         u.Role,
		})
	}
	writeSuccess(w, http.StatusOK, out)
}

// HandleChangeRole changes a user's role. The policy is consulted with the
// actor's server-resolved grant set; this is the data-access enforcement,
// independent of whatever the UI hides.
// PUT /api/v1/admin/users/{id}/role
func (a *App) HandleChangeRole(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r)
	if actor == nil {
		writeError(w, http.StatusUnauthorized, CodeUnauthorized, "Authentication required")
		return
	}
	targetID, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "Invalid user id")
		return
	}
	var req struct {
		Role string `json:"role"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "Invalid request body")
		return
	}
	if !ValidRole(req.Role) {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "Unknown role")
		return
	}

	target, err := a.DB.GetUserByID(targetID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, CodeInternalError, "Failed to load user")
		return
	}
	if target == nil {
		writeError(w, http.StatusNotFound, CodeNotFound, "User not found")
		return
	}
	targetRoles, err := a.DB.RolesOf(targetID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, CodeInternalError, "Failed to load roles")
		return
	}

	if !CanActOn(actor.Roles, actor.User.ID, targetID, targetRoles, ActionChangeRole) {
		writeError(w, http.StatusForbidden, CodeUnauthorized, "Not allowed to change this user's role")
		return
	}

	if err := a.DB.SetRole(targetID, Role(req.Role)); err != nil {
		writeError(w, http.StatusInternalServerError, CodeInternalError, "Failed to update role")
		return
	}
	writeSuccess(w, http.StatusOK, map[string]interface{}{
		"id":   targetID,
		"role": req.Role,
	})
}

// HandleDeleteUser deletes an account. Owner only, never self.
// DELETE /api/v1/admin/users/{id}
func (a *App) HandleDeleteUser(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r)
	if actor == nil {
		writeError(w, http.StatusUnauthorized, CodeUnauthorized, "Authentication required")
		return
	}
	targetID, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "Invalid user id")
		return
	}
	target, err := a.DB.GetUserByID(targetID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, CodeInternalError, "Failed to load user")
		return
	}
	if target == nil {
		writeError(w, http.StatusNotFound, CodeNotFound, "User not found")
		return
	}
	targetRoles, err := a.DB.RolesOf(targetID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, CodeInternalError, "Failed to load roles")
		return
	}

	if !CanActOn(actor.Roles, actor.User.ID, targetID, targetRoles, ActionDeleteUser) {
		writeError(w, http.StatusForbidden, CodeUnauthorized, "Not allowed to delete this user")
		return
	}

	if err := a.DB.DeleteUser(targetID); err != nil {
		writeError(w, http.StatusInternalServerError, CodeInternalError, "Failed to delete user")
		return
	}
	a.DB.RevokeAllRefreshTokensForUser(targetID)
	writeSuccess(w, http.StatusOK, map[string]bool{"deleted": true})
}

// HandleListBugReports lists reports for triage.
// GET /api/v1/admin/bug-reports
func (a *App) HandleListBugReports(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r)
	if actor == nil || !CanInvite(actor.Roles) {
		writeError(w, http.StatusForbidden, CodeUnauthorized, "Admin capability required")
		return
	}
	reports, err := a.DB.ListBugReports()
	if err != nil {
		writeError(w, http.StatusInternalServerError, CodeInternalError, "Failed to list bug reports")
		return
	}
	out := make([]map[string]interface{}, 0, len(reports))
	for _, rep := range reports {
		out = append(out, map[string]interface{}{
			"id":          rep.ID,
			"reporter_id": rep.ReporterID,
			"title":       rep.Title,
			"description": rep.Description,
			"status":      rep.Status,
		})
	}
	writeSuccess(w, http.StatusOK, out)
}

// HandleUpdateBugReportStatus moves a report through triage.
// PUT /api/v1/admin/bug-reports/{id}/status
func (a *App) HandleUpdateBugReportStatus(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r)
	if actor == nil || !CanInvite(actor.Roles) {
		writeError(w, http.StatusForbidden, CodeUnauthorized, "Admin capability required")
		return
	}
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "Invalid report id")
		return
	}
	var req struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "Invalid request body")
		return
	}
	if !ValidBugStatus(req.Status) {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "Unknown status")
		return
	}
	ok, err := a.DB.UpdateBugReportStatus(id, req.Status)
	if err != nil {
		writeError(w, http.StatusInternalServerError, CodeInternalError, "Failed to update report")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, CodeNotFound, "Report not found")
		return
	}
	writeSuccess(w, http.StatusOK, map[string]interface{}{"id": id, "status": req.Status})
}

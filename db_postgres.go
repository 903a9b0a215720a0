package main

import (
	"database/sql"
	"errors"

	"github.com/lib/pq"
)

type PostgresDB struct {
	db  *sql.DB
	dsn string
}

func NewPostgresDB(dsn string) (*PostgresDB, error) {
	d, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	p := &PostgresDB{db: d, dsn: dsn}
	if err := p.Init(); err != nil {
		d.Close()
		return nil, err
	}
	return p, nil
}

func (p *PostgresDB) Init() error {
	// rely on migrations to create tables; just verify connectivity
	if err := p.db.Ping(); err != nil {
		return err
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}

func (p *PostgresDB) CreateUser(email, password, displayName string) (*User, error) {
	var id int64
	err := p.db.QueryRow(`INSERT INTO users(email,password,display_name,role,created_at) VALUES($1,$2,$3,'user',now()) RETURNING id`, email, password, displayName).Scan(&id)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicateEmail
		}
		return nil, err
	}
	return &User{ID: id, Email: email, Password: password, DisplayName: displayName, Role: RoleUser}, nil
}

func (p *PostgresDB) scanUser(row *sql.Row) (*User, error) {
	var u User
	if err := row.Scan(&u.ID, &u.Email, &u.Password, &u.DisplayName, &u.Role, &u.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &u, nil
}

func (p *PostgresDB) GetUserByEmail(email string) (*User, error) {
	return p.scanUser(p.db.QueryRow(`SELECT id,email,password,display_name,role,created_at FROM users WHERE email = $1`, email))
}

func (p *PostgresDB) GetUserByID(id int64) (*User, error) {
	return p.scanUser(p.db.QueryRow(`SELECT id,email,password,display_name,role,created_at FROM users WHERE id = $1`, id))
}

func (p *PostgresDB) ListUsers() ([]*User, error) {
	rows, err := p.db.Query(`SELECT id,email,password,display_name,role,created_at FROM users ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var users []*User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Email, &u.Password, &u.DisplayName, &u.Role, &u.CreatedAt); err != nil {
			return nil, err
		}
		users = append(users, &u)
	}
	return users, rows.Err()
}

func (p *PostgresDB) DeleteUser(id int64) error {
	res, err := p.db.Exec(`DELETE FROM users WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.New("not found")
	}
	// role_grants rows cascade via the foreign key
	return nil
}

func (p *PostgresDB) refreshRoleCache(userID int64) error {
	roles, err := p.RolesOf(userID)
	if err != nil {
		return err
	}
	_, err = p.db.Exec(`UPDATE users SET role = $1 WHERE id = $2`, string(cacheRole(roles)), userID)
	return err
}

func (p *PostgresDB) GrantRole(userID int64, role Role) error {
	if _, err := p.db.Exec(`INSERT INTO role_grants(user_id,role) VALUES($1,$2) ON CONFLICT DO NOTHING`, userID, string(role)); err != nil {
		return err
	}
	return p.refreshRoleCache(userID)
}

func (p *PostgresDB) RevokeRole(userID int64, role Role) error {
	if _, err := p.db.Exec(`DELETE FROM role_grants WHERE user_id = $1 AND role = $2`, userID, string(role)); err != nil {
		return err
	}
	return p.refreshRoleCache(userID)
}

func (p *PostgresDB) RolesOf(userID int64) ([]Role, error) {
	rows, err := p.db.Query(`SELECT role FROM role_grants WHERE user_id = $1`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roles []Role
	for rows.Next() {
		var r string
		if err := rows.Scan(&r); err != nil {
			return nil, err
		}
		roles = append(roles, Role(r))
	}
	return roles, rows.Err()
}

func (p *PostgresDB) SetRole(userID int64, role Role) error {
	tx, err := p.db.Begin()
	if err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM role_grants WHERE user_id = $1`, userID); err != nil {
		tx.Rollback()
		return err
	}
	if _, err := tx.Exec(`INSERT INTO role_grants(user_id,role) VALUES($1,$2)`, userID, string(role)); err != nil {
		tx.Rollback()
		return err
	}
	if _, err := tx.Exec(`UPDATE users SET role = $1 WHERE id = $2`, string(role), userID); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (p *PostgresDB) CreateInvite(inv *Invite) (*Invite, error) {
	var id int64
	err := p.db.QueryRow(`INSERT INTO invites(email,invited_by,token,status,expires_at,created_at) VALUES($1,$2,$3,$4,$5,$6) RETURNING id`,
		inv.Email, inv.InvitedBy, inv.Token, string(inv.Status), inv.ExpiresAt, inv.CreatedAt).Scan(&id)
	if err != nil {
		return nil, err
	}
	cp := *inv
	cp.ID = id
	return &cp, nil
}

func (p *PostgresDB) scanInvite(row *sql.Row) (*Invite, error) {
	var inv Invite
	var acceptedBy sql.NullInt64
	if err := row.Scan(&inv.ID, &inv.Email, &inv.InvitedBy, &inv.Token, &inv.Status, &acceptedBy, &inv.ExpiresAt, &inv.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	if acceptedBy.Valid {
		inv.AcceptedBy = &acceptedBy.Int64
	}
	return &inv, nil
}

func (p *PostgresDB) GetInviteByToken(token string) (*Invite, error) {
	return p.scanInvite(p.db.QueryRow(`SELECT id,email,invited_by,token,status,accepted_by,expires_at,created_at FROM invites WHERE token = $1`, token))
}

func (p *PostgresDB) GetPendingInviteByEmail(email string) (*Invite, error) {
	return p.scanInvite(p.db.QueryRow(`SELECT id,email,invited_by,token,status,accepted_by,expires_at,created_at FROM invites WHERE email = $1 AND status = 'pending' ORDER BY created_at DESC LIMIT 1`, email))
}

func (p *PostgresDB) ListInvites() ([]*Invite, error) {
	rows, err := p.db.Query(`SELECT id,email,invited_by,token,status,accepted_by,expires_at,created_at FROM invites ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var invites []*Invite
	for rows.Next() {
		var inv Invite
		var acceptedBy sql.NullInt64
		if err := rows.Scan(&inv.ID, &inv.Email, &inv.InvitedBy, &inv.Token, &inv.Status, &acceptedBy, &inv.ExpiresAt, &inv.CreatedAt); err != nil {
			return nil, err
		}
		if acceptedBy.Valid {
			inv.AcceptedBy = &acceptedBy.Int64
		}
		invites = append(invites, &inv)
	}
	return invites, rows.Err()
}

// AcceptInvite performs the pending -> accepted transition as one
// conditional UPDATE so concurrent registrations against the same token
// cannot both claim it.
func (p *PostgresDB) AcceptInvite(token string, userID int64) (bool, error) {
	res, err := p.db.Exec(`UPDATE invites SET status = 'accepted', accepted_by = $1 WHERE token = $2 AND status = 'pending'`, userID, token)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (p *PostgresDB) CreateRefreshToken(token string, userId int64, expiresAt int64) error {
	_, err := p.db.Exec(`INSERT INTO refresh_tokens(token,user_id,expires_at,created_at) VALUES($1,$2,$3,now())`, token, userId, expiresAt)
	return err
}

func (p *PostgresDB) GetRefreshToken(token string) (*RefreshToken, error) {
	row := p.db.QueryRow(`SELECT token,user_id,expires_at,revoked FROM refresh_tokens WHERE token = $1`, token)
	var t RefreshToken
	if err := row.Scan(&t.Token, &t.UserID, &t.ExpiresAt, &t.Revoked); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &t, nil
}

func (p *PostgresDB) RevokeRefreshToken(token string) error {
	res, err := p.db.Exec(`UPDATE refresh_tokens SET revoked = true WHERE token = $1`, token)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.New("not found")
	}
	return nil
}

func (p *PostgresDB) RevokeAllRefreshTokensForUser(userId int64) error {
	_, err := p.db.Exec(`UPDATE refresh_tokens SET revoked = true WHERE user_id = $1`, userId)
	return err
}

func (p *PostgresDB) CreateBugReport(rep *BugReport) (*BugReport, error) {
	var id int64
	err := p.db.QueryRow(`INSERT INTO bug_reports(reporter_id,title,description,status,created_at,updated_at) VALUES($1,$2,$3,$4,now(),now()) RETURNING id`,
		rep.ReporterID, rep.Title, rep.Description, rep.Status).Scan(&id)
	if err != nil {
		return nil, err
	}
	cp := *rep
	cp.ID = id
	return &cp, nil
}

func (p *PostgresDB) ListBugReports() ([]*BugReport, error) {
	rows, err := p.db.Query(`SELECT id,reporter_id,title,description,status,created_at,updated_at FROM bug_reports ORDER BY id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var reports []*BugReport
	for rows.Next() {
		var r BugReport
		if err := rows.Scan(&r.ID, &r.ReporterID, &r.Title, &r.Description, &r.Status, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, err
		}
		reports = append(reports, &r)
	}
	return reports, rows.Err()
}

func (p *PostgresDB) UpdateBugReportStatus(id int64, status string) (bool, error) {
	res, err := p.db.Exec(`UPDATE bug_reports SET status = $1, updated_at = now() WHERE id = $2`, status, id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (p *PostgresDB) close() error { return p.db.Close() }
func (p *PostgresDB) ping() bool   { return p.db.Ping() == nil }

package main

import (
	"database/sql"
	"errors"
	"sync"
	"time"
)

// ErrDuplicateEmail is returned by CreateUser when the email already has an
// account.
var ErrDuplicateEmail = errors.New("email already registered")

// DB interface for database operations
type DB interface {
	Init() error
	// User operations
	CreateUser(email, password, displayName string) (*User, error)
	GetUserByEmail(email string) (*User, error)
	GetUserByID(id int64) (*User, error)
	ListUsers() ([]*User, error)
	DeleteUser(id int64) error
	// Role operations. The role_grants rows are authoritative; every write
	// refreshes the denormalized users.role column.
	GrantRole(userID int64, role Role) error
	RevokeRole(userID int64, role Role) error
	RolesOf(userID int64) ([]Role, error)
	SetRole(userID int64, role Role) error
	// Invite operations
	CreateInvite(inv *Invite) (*Invite, error)
	GetInviteByToken(token string) (*Invite, error)
	GetPendingInviteByEmail(email string) (*Invite, error)
	ListInvites() ([]*Invite, error)
	// AcceptInvite flips pending -> accepted as a single conditional write
	// and reports whether this call performed the transition. Two racing
	// registrations on one token cannot both see true.
	AcceptInvite(token string, userID int64) (bool, error)
	// Token operations
	CreateRefreshToken(token string, userId int64, expiresAt int64) error
	GetRefreshToken(token string) (*RefreshToken, error)
	RevokeRefreshToken(token string) error
	RevokeAllRefreshTokensForUser(userId int64) error
	// Bug report operations
	CreateBugReport(rep *BugReport) (*BugReport, error)
	ListBugReports() ([]*BugReport, error)
	UpdateBugReportStatus(id int64, status string) (bool, error)
}

// cacheRole picks the display role mirrored onto users.role from a grant
// set: the widest capability wins.
func cacheRole(roles []Role) Role {
	switch {
	case hasRole(roles, RoleOwner):
		return RoleOwner
	case hasRole(roles, RoleAdmin):
		return RoleAdmin
	default:
		return RoleUser
	}
}

// Memory DB
type MemDB struct {
	mu      sync.Mutex
	users   map[int64]*User
	byEmail map[string]int64
	grants  map[int64]map[Role]bool
	invites map[string]*Invite
	tokens  map[string]*RefreshToken
	reports map[int64]*BugReport
	seq     int64
}

func NewMemoryDB() *MemDB {
	return &MemDB{
		users:   map[int64]*User{},
		byEmail: map[string]int64{},
		grants:  map[int64]map[Role]bool{},
		invites: map[string]*Invite{},
		tokens:  map[string]*RefreshToken{},
		reports: map[int64]*BugReport{},
		seq:     1,
	}
}

func (m *MemDB) Init() error { return nil }

func (m *MemDB) CreateUser(email, password, displayName string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byEmail[email]; ok {
		return nil, ErrDuplicateEmail
	}
	u := &User{ID: m.seq, Email: email, Password: password, DisplayName: displayName, Role: RoleUser, CreatedAt: time.Now()}
	m.seq++
	m.users[u.ID] = u
	m.byEmail[email] = u.ID
	return u, nil
}

func (m *MemDB) GetUserByEmail(email string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.byEmail[email]; ok {
		return m.users[id], nil
	}
	return nil, nil
}

func (m *MemDB) GetUserByID(id int64) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[id]; ok {
		return u, nil
	}
	return nil, nil
}

func (m *MemDB) ListUsers() ([]*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*User, 0, len(m.users))
	// stable order by id
	for id := int64(1); id < m.seq; id++ {
		if u, ok := m.users[id]; ok {
			out = append(out, u)
		}
	}
	return out, nil
}

func (m *MemDB) DeleteUser(id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return errors.New("not found")
	}
	delete(m.byEmail, u.Email)
	delete(m.users, id)
	delete(m.grants, id)
	return nil
}

func (m *MemDB) refreshRoleCache(userID int64) {
	if u, ok := m.users[userID]; ok {
		u.Role = cacheRole(m.grantSet(userID))
	}
}

func (m *MemDB) grantSet(userID int64) []Role {
	var roles []Role
	for r := range m.grants[userID] {
		roles = append(roles, r)
	}
	return roles
}

func (m *MemDB) GrantRole(userID int64, role Role) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.grants[userID] == nil {
		m.grants[userID] = map[Role]bool{}
	}
	m.grants[userID][role] = true
	m.refreshRoleCache(userID)
	return nil
}

func (m *MemDB) RevokeRole(userID int64, role Role) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.grants[userID], role)
	m.refreshRoleCache(userID)
	return nil
}

func (m *MemDB) RolesOf(userID int64) ([]Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.grantSet(userID), nil
}

func (m *MemDB) SetRole(userID int64, role Role) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.grants[userID] = map[Role]bool{role: true}
	m.refreshRoleCache(userID)
	return nil
}

func (m *MemDB) CreateInvite(inv *Invite) (*Invite, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *inv
	cp.ID = m.seq
	m.seq++
	m.invites[cp.Token] = &cp
	return &cp, nil
}

func (m *MemDB) GetInviteByToken(token string) (*Invite, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if inv, ok := m.invites[token]; ok {
		cp := *inv
		return &cp, nil
	}
	return nil, nil
}

func (m *MemDB) GetPendingInviteByEmail(email string) (*Invite, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *Invite
	for _, inv := range m.invites {
		if inv.Email != email || inv.Status != InviteStatusPending {
			continue
		}
		if latest == nil || inv.CreatedAt.After(latest.CreatedAt) {
			latest = inv
		}
	}
	if latest == nil {
		return nil, nil
	}
	cp := *latest
	return &cp, nil
}

func (m *MemDB) ListInvites() ([]*Invite, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Invite, 0, len(m.invites))
	for _, inv := range m.invites {
		cp := *inv
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemDB) AcceptInvite(token string, userID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.invites[token]
	if !ok || inv.Status != InviteStatusPending {
		return false, nil
	}
	inv.Status = InviteStatusAccepted
	inv.AcceptedBy = &userID
	return true, nil
}

func (m *MemDB) CreateRefreshToken(token string, userId int64, expiresAt int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[token] = &RefreshToken{Token: token, UserID: userId, ExpiresAt: expiresAt}
	return nil
}

func (m *MemDB) GetRefreshToken(token string) (*RefreshToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.tokens[token]; ok {
		return t, nil
	}
	return nil, nil
}

func (m *MemDB) RevokeRefreshToken(token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.tokens[token]; ok {
		t.Revoked = true
	}
	return nil
}

func (m *MemDB) RevokeAllRefreshTokensForUser(userId int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tokens {
		if t.UserID == userId {
			t.Revoked = true
		}
	}
	return nil
}

func (m *MemDB) CreateBugReport(rep *BugReport) (*BugReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rep
	cp.ID = m.seq
	m.seq++
	cp.CreatedAt = time.Now()
	cp.UpdatedAt = cp.CreatedAt
	m.reports[cp.ID] = &cp
	return &cp, nil
}

func (m *MemDB) ListBugReports() ([]*BugReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*BugReport, 0, len(m.reports))
	for id := int64(1); id < m.seq; id++ {
		if r, ok := m.reports[id]; ok {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemDB) UpdateBugReportStatus(id int64, status string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reports[id]
	if !ok {
		return false, nil
	}
	r.Status = status
	r.UpdatedAt = time.Now()
	return true, nil
}

// SQLite DB
type SQLiteDB struct {
	db   *sql.DB
	path string
}

func NewSQLiteDB(path string) (*SQLiteDB, error) {
	d, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	s := &SQLiteDB{db: d, path: path}
	if err := s.Init(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteDB) Init() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS users (id INTEGER PRIMARY KEY AUTOINCREMENT, email TEXT UNIQUE, password TEXT, display_name TEXT, role TEXT DEFAULT 'user', created_at TEXT);`,
		`CREATE TABLE IF NOT EXISTS role_grants (user_id INTEGER, role TEXT, PRIMARY KEY (user_id, role));`,
		`CREATE TABLE IF NOT EXISTS invites (id INTEGER PRIMARY KEY AUTOINCREMENT, email TEXT, invited_by INTEGER, token TEXT UNIQUE, status TEXT DEFAULT 'pending', accepted_by INTEGER, expires_at TEXT, created_at TEXT);`,
		`CREATE TABLE IF NOT EXISTS refresh_tokens (token TEXT PRIMARY KEY, user_id INTEGER, expires_at INTEGER, revoked INTEGER DEFAULT 0, created_at TEXT);`,
		`CREATE TABLE IF NOT EXISTS bug_reports (id INTEGER PRIMARY KEY AUTOINCREMENT, reporter_id INTEGER, title TEXT, description TEXT, status TEXT DEFAULT 'open', created_at TEXT, updated_at TEXT);`,
	}
	for _, q := range queries {
		if _, err := s.db.Exec(q); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteDB) CreateUser(email, password, displayName string) (*User, error) {
	res, err := s.db.Exec(`INSERT INTO users(email,password,display_name,role,created_at) VALUES(?,?,?,'user',datetime('now'))`, email, password, displayName)
	if err != nil {
		if existing, gerr := s.GetUserByEmail(email); gerr == nil && existing != nil {
			return nil, ErrDuplicateEmail
		}
		return nil, err
	}
	id, _ := res.LastInsertId()
	return &User{ID: id, Email: email, Password: password, DisplayName: displayName, Role: RoleUser}, nil
}

// sqliteTimeLayout matches the text datetime('now') stores.
const sqliteTimeLayout = "2006-01-02 15:04:05"

func (s *SQLiteDB) scanUser(row *sql.Row) (*User, error) {
	var u User
	var created string
	if err := row.Scan(&u.ID, &u.Email, &u.Password, &u.DisplayName, &u.Role, &created); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	u.CreatedAt, _ = time.Parse(sqliteTimeLayout, created)
	return &u, nil
}

func (s *SQLiteDB) GetUserByEmail(email string) (*User, error) {
	return s.scanUser(s.db.QueryRow(`SELECT id,email,password,display_name,role,created_at FROM users WHERE email = ?`, email))
}

func (s *SQLiteDB) GetUserByID(id int64) (*User, error) {
	return s.scanUser(s.db.QueryRow(`SELECT id,email,password,display_name,role,created_at FROM users WHERE id = ?`, id))
}

func (s *SQLiteDB) ListUsers() ([]*User, error) {
	rows, err := s.db.Query(`SELECT id,email,password,display_name,role,created_at FROM users ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var users []*User
	for rows.Next() {
		var u User
		var created string
		if err := rows.Scan(&u.ID, &u.Email, &u.Password, &u.DisplayName, &u.Role, &created); err != nil {
			return nil, err
		}
		u.CreatedAt, _ = time.Parse(sqliteTimeLayout, created)
		users = append(users, &u)
	}
	return users, rows.Err()
}

func (s *SQLiteDB) DeleteUser(id int64) error {
	res, err := s.db.Exec(`DELETE FROM users WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.New("not found")
	}
	_, err = s.db.Exec(`DELETE FROM role_grants WHERE user_id = ?`, id)
	return err
}

func (s *SQLiteDB) refreshRoleCache(userID int64) error {
	roles, err := s.RolesOf(userID)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`UPDATE users SET role = ? WHERE id = ?`, string(cacheRole(roles)), userID)
	return err
}

func (s *SQLiteDB) GrantRole(userID int64, role Role) error {
	if _, err := s.db.Exec(`INSERT OR IGNORE INTO role_grants(user_id,role) VALUES(?,?)`, userID, string(role)); err != nil {
		return err
	}
	return s.refreshRoleCache(userID)
}

func (s *SQLiteDB) RevokeRole(userID int64, role Role) error {
	if _, err := s.db.Exec(`DELETE FROM role_grants WHERE user_id = ? AND role = ?`, userID, string(role)); err != nil {
		return err
	}
	return s.refreshRoleCache(userID)
}

func (s *SQLiteDB) RolesOf(userID int64) ([]Role, error) {
	rows, err := s.db.Query(`SELECT role FROM role_grants WHERE user_id = ?`, userID)
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

func (s *SQLiteDB) SetRole(userID int64, role Role) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM role_grants WHERE user_id = ?`, userID); err != nil {
		tx.Rollback()
		return err
	}
	if _, err := tx.Exec(`INSERT INTO role_grants(user_id,role) VALUES(?,?)`, userID, string(role)); err != nil {
		tx.Rollback()
		return err
	}
	if _, err := tx.Exec(`UPDATE users SET role = ? WHERE id = ?`, string(role), userID); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *SQLiteDB) CreateInvite(inv *Invite) (*Invite, error) {
	res, err := s.db.Exec(`INSERT INTO invites(email,invited_by,token,status,expires_at,created_at) VALUES(?,?,?,?,?,?)`,
		inv.Email, inv.InvitedBy, inv.Token, string(inv.Status), inv.ExpiresAt.UTC().Format(time.RFC3339), inv.CreatedAt.UTC().Format(time.RFC3339))
	if err != nil {
		return nil, err
	}
	id, _ := res.LastInsertId()
	cp := *inv
	cp.ID = id
	return &cp, nil
}

func (s *SQLiteDB) scanInvite(row *sql.Row) (*Invite, error) {
	var inv Invite
	var status, expires, created string
	var acceptedBy sql.NullInt64
	if err := row.Scan(&inv.ID, &inv.Email, &inv.InvitedBy, &inv.Token, &status, &acceptedBy, &expires, &created); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	inv.Status = InviteStatus(status)
	if acceptedBy.Valid {
		inv.AcceptedBy = &acceptedBy.Int64
	}
	inv.ExpiresAt, _ = time.Parse(time.RFC3339, expires)
	inv.CreatedAt, _ = time.Parse(time.RFC3339, created)
	return &inv, nil
}

func (s *SQLiteDB) GetInviteByToken(token string) (*Invite, error) {
	return s.scanInvite(s.db.QueryRow(`SELECT id,email,invited_by,token,status,accepted_by,expires_at,created_at FROM invites WHERE token = ?`, token))
}

func (s *SQLiteDB) GetPendingInviteByEmail(email string) (*Invite, error) {
	return s.scanInvite(s.db.QueryRow(`SELECT id,email,invited_by,token,status,accepted_by,expires_at,created_at FROM invites WHERE email = ? AND status = 'pending' ORDER BY created_at DESC LIMIT 1`, email))
}

func (s *SQLiteDB) ListInvites() ([]*Invite, error) {
	rows, err := s.db.Query(`SELECT id,email,invited_by,token,status,accepted_by,expires_at,created_at FROM invites ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var invites []*Invite
	for rows.Next() {
		var inv Invite
		var status, expires, created string
		var acceptedBy sql.NullInt64
		if err := rows.Scan(&inv.ID, &inv.Email, &inv.InvitedBy, &inv.Token, &status, &acceptedBy, &expires, &created); err != nil {
			return nil, err
		}
		inv.Status = InviteStatus(status)
		if acceptedBy.Valid {
			inv.AcceptedBy = &acceptedBy.Int64
		}
		inv.ExpiresAt, _ = time.Parse(time.RFC3339, expires)
		inv.CreatedAt, _ = time.Parse(time.RFC3339, created)
		invites = append(invites, &inv)
	}
	return invites, rows.Err()
}

func (s *SQLiteDB) AcceptInvite(token string, userID int64) (bool, error) {
	res, err := s.db.Exec(`UPDATE invites SET status = 'accepted', accepted_by = ? WHERE token = ? AND status = 'pending'`, userID, token)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *SQLiteDB) CreateRefreshToken(token string, userId int64, expiresAt int64) error {
	_, err := s.db.Exec(`INSERT INTO refresh_tokens(token,user_id,expires_at,created_at) VALUES(?,?,?,datetime('now'))`, token, userId, expiresAt)
	return err
}

func (s *SQLiteDB) GetRefreshToken(token string) (*RefreshToken, error) {
	row := s.db.QueryRow(`SELECT token,user_id,expires_at,revoked FROM refresh_tokens WHERE token = ?`, token)
	var t RefreshToken
	var revoked int
	if err := row.Scan(&t.Token, &t.UserID, &t.ExpiresAt, &revoked); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	t.Revoked = revoked != 0
	return &t, nil
}

func (s *SQLiteDB) RevokeRefreshToken(token string) error {
	_, err := s.db.Exec(`UPDATE refresh_tokens SET revoked = 1 WHERE token = ?`, token)
	return err
}

func (s *SQLiteDB) RevokeAllRefreshTokensForUser(userId int64) error {
	_, err := s.db.Exec(`UPDATE refresh_tokens SET revoked = 1 WHERE user_id = ?`, userId)
	return err
}

func (s *SQLiteDB) CreateBugReport(rep *BugReport) (*BugReport, error) {
	res, err := s.db.Exec(`INSERT INTO bug_reports(reporter_id,title,description,status,created_at,updated_at) VALUES(?,?,?,?,datetime('now'),datetime('now'))`,
		rep.ReporterID, rep.Title, rep.Description, rep.Status)
	if err != nil {
		return nil, err
	}
	id, _ := res.LastInsertId()
	cp := *rep
	cp.ID = id
	return &cp, nil
}

func (s *SQLiteDB) ListBugReports() ([]*BugReport, error) {
	rows, err := s.db.Query(`SELECT id,reporter_id,title,description,status FROM bug_reports ORDER BY id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var reports []*BugReport
	for rows.Next() {
		var r BugReport
		if err := rows.Scan(&r.ID, &r.ReporterID, &r.Title, &r.Description, &r.Status); err != nil {
			return nil, err
		}
		reports = append(reports, &r)
	}
	return reports, rows.Err()
}

func (s *SQLiteDB) UpdateBugReportStatus(id int64, status string) (bool, error) {
	res, err := s.db.Exec(`UPDATE bug_reports SET status = ?, updated_at = datetime('now') WHERE id = ?`, status, id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// lifecycle helpers
func (m *MemDB) close() error { return nil }
func (m *MemDB) ping() bool   { return true }

func (s *SQLiteDB) close() error { return s.db.Close() }
func (s *SQLiteDB) ping() bool   { return s.db.Ping() == nil }

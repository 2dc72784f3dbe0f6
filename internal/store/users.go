// ABOUTME: Account operations: creation, authentication, roles, signup queue
// ABOUTME: scrypt password hashing with constant-time verification

package store

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/scrypt"
)

// scrypt parameters. Changing these invalidates no existing hashes because
// salt and hash are stored per row, but new hashes pick up the new cost.
const (
	scryptN      = 16384
	scryptR      = 8
	scryptP      = 1
	scryptKeyLen = 32
	saltLen      = 16
)

// dummySalt feeds the decoy hash computed for unknown usernames so that
// lookup misses cost the same as password mismatches.
var dummySalt = make([]byte, saltLen)

func hashPassword(password string, salt []byte) ([]byte, error) {
	return scrypt.Key([]byte(password), salt, scryptN, scryptR, scryptP, scryptKeyLen)
}

func newSalt() ([]byte, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generating salt: %w", err)
	}
	return salt, nil
}

// CreateUser creates a profile and auth pair in one transaction and returns
// the new user id. Username and handle collisions surface as their own
// sentinel errors.
func (s *Store) CreateUser(ctx context.Context, name, handle, username, password string, email *string, role Role) (int64, error) {
	salt, err := newSalt()
	if err != nil {
		return 0, err
	}
	hash, err := hashPassword(password, salt)
	if err != nil {
		return 0, fmt.Errorf("hashing password: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().Unix()
	res, err := tx.ExecContext(ctx,
		`INSERT INTO user_profiles (name, handle, email, created, updated) VALUES (?, ?, ?, ?, ?)`,
		name, handle, email, now, now)
	if err != nil {
		return 0, uniqueErr(err)
	}
	userID, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("reading new user id: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO user_auth (id, username, role, pw_salt, pw_hash, created, updated) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		userID, username, string(role), salt, hash, now, now); err != nil {
		return 0, uniqueErr(err)
	}

	if err := s.appendAuditTx(ctx, tx, nil, "user.create",
		fmt.Sprintf("user:%d", userID), fmt.Sprintf("username=%s role=%s", username, role)); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing user: %w", err)
	}
	s.logger.Info("created user", "user_id", userID, "username", username, "role", role)
	return userID, nil
}

// Authenticate verifies a username/password pair. Unknown usernames and bad
// passwords are indistinguishable to the caller and cost the same time.
func (s *Store) Authenticate(ctx context.Context, username, password string) (*Identity, error) {
	var (
		userID int64
		role   string
		salt   []byte
		stored []byte
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, role, pw_salt, pw_hash FROM user_auth WHERE username = ?`, username).
		Scan(&userID, &role, &salt, &stored)
	if errors.Is(err, sql.ErrNoRows) {
		// Decoy hash keeps the miss path as expensive as the hit path.
		_, _ = hashPassword(password, dummySalt)
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("looking up user: %w", err)
	}

	computed, err := hashPassword(password, salt)
	if err != nil {
		return nil, fmt.Errorf("hashing password: %w", err)
	}
	if subtle.ConstantTimeCompare(computed, stored) != 1 {
		return nil, ErrInvalidCredentials
	}

	if _, err := s.db.ExecContext(ctx,
		`UPDATE user_auth SET last_login = ? WHERE id = ?`, time.Now().Unix(), userID); err != nil {
		s.logger.Warn("could not record last login", "user_id", userID, "error", err)
	}
	return &Identity{UserID: userID, Role: Role(role)}, nil
}

// GetUser returns one user by id.
func (s *Store) GetUser(ctx context.Context, userID int64) (*User, error) {
	row := s.db.QueryRowContext(ctx, userSelect+` WHERE p.id = ?`, userID)
	return scanUser(row)
}

// GetUserByUsername returns one user by login name.
func (s *Store) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	row := s.db.QueryRowContext(ctx, userSelect+` WHERE a.username = ?`, username)
	return scanUser(row)
}

// ListUsers returns all users ordered by id.
func (s *Store) ListUsers(ctx context.Context) ([]*User, error) {
	rows, err := s.db.QueryContext(ctx, userSelect+` ORDER BY p.id`)
	if err != nil {
		return nil, fmt.Errorf("listing users: %w", err)
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

const userSelect = `
	SELECT p.id, p.name, p.handle, p.email, a.username, a.role, a.created, a.last_login
	FROM user_profiles p JOIN user_auth a ON a.id = p.id`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*User, error) {
	var (
		u         User
		name      sql.NullString
		handle    sql.NullString
		email     sql.NullString
		created   sql.NullInt64
		lastLogin sql.NullInt64
	)
	err := row.Scan(&u.ID, &name, &handle, &email, &u.Username, &u.Role, &created, &lastLogin)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning user: %w", err)
	}
	u.Name = name.String
	u.Handle = handle.String
	if email.Valid {
		u.Email = &email.String
	}
	if created.Valid {
		u.CreatedAt = time.Unix(created.Int64, 0)
	}
	if lastLogin.Valid {
		t := time.Unix(lastLogin.Int64, 0)
		u.LastLogin = &t
	}
	return &u, nil
}

// SetUserRole changes a user's role.
func (s *Store) SetUserRole(ctx context.Context, actorID *int64, userID int64, role Role) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	// Demoting the only admin would lock everyone out of administration.
	if role != RoleAdmin {
		var isAdmin bool
		err := tx.QueryRowContext(ctx,
			`SELECT role = 'admin' FROM user_auth WHERE id = ?`, userID).Scan(&isAdmin)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("checking current role: %w", err)
		}
		if isAdmin {
			var admins int
			if err := tx.QueryRowContext(ctx,
				`SELECT COUNT(*) FROM user_auth WHERE role = 'admin'`).Scan(&admins); err != nil {
				return fmt.Errorf("counting admins: %w", err)
			}
			if admins <= 1 {
				return ErrLastAdmin
			}
		}
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE user_auth SET role = ?, updated = ? WHERE id = ?`,
		string(role), time.Now().Unix(), userID)
	if err != nil {
		return fmt.Errorf("updating role: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	if err := s.appendAuditTx(ctx, tx, actorID, "user.role",
		fmt.Sprintf("user:%d", userID), fmt.Sprintf("role=%s", role)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing role change: %w", err)
	}
	s.logger.Info("changed user role", "user_id", userID, "role", role)
	return nil
}

// DeleteUser removes an account and, via cascade, its conversations. The
// last remaining admin cannot be deleted; the check and the delete share one
// transaction so concurrent deletes cannot race past it.
func (s *Store) DeleteUser(ctx context.Context, actorID *int64, userID int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var role string
	err = tx.QueryRowContext(ctx, `SELECT role FROM user_auth WHERE id = ?`, userID).Scan(&role)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("looking up user: %w", err)
	}
	if Role(role) == RoleAdmin {
		var admins int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM user_auth WHERE role = 'admin'`).Scan(&admins); err != nil {
			return fmt.Errorf("counting admins: %w", err)
		}
		if admins <= 1 {
			return ErrLastAdmin
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM user_profiles WHERE id = ?`, userID); err != nil {
		return fmt.Errorf("deleting user: %w", err)
	}

	if err := s.appendAuditTx(ctx, tx, actorID, "user.delete",
		fmt.Sprintf("user:%d", userID), ""); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing user delete: %w", err)
	}
	s.logger.Info("deleted user", "user_id", userID)
	return nil
}

// CountAdmins returns the number of admin accounts.
func (s *Store) CountAdmins(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM user_auth WHERE role = 'admin'`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting admins: %w", err)
	}
	return n, nil
}

// AdminExists reports whether at least one admin account exists.
func (s *Store) AdminExists(ctx context.Context) (bool, error) {
	n, err := s.CountAdmins(ctx)
	return n > 0, err
}

// SubmitSignup queues a self-registration request. The password is hashed
// immediately; the plaintext never reaches a table.
func (s *Store) SubmitSignup(ctx context.Context, name, handle, username, password string, email *string) (int64, error) {
	salt, err := newSalt()
	if err != nil {
		return 0, err
	}
	hash, err := hashPassword(password, salt)
	if err != nil {
		return 0, fmt.Errorf("hashing password: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO signup_requests (name, handle, username, email, pw_salt, pw_hash, created)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		name, handle, username, email, salt, hash, time.Now().Unix())
	if err != nil {
		return 0, fmt.Errorf("queueing signup: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("reading signup id: %w", err)
	}
	s.logger.Info("queued signup request", "signup_id", id, "username", username)
	return id, nil
}

// ListSignups returns signup requests, optionally filtered by status
// (pending, approved, rejected). Empty status means all.
func (s *Store) ListSignups(ctx context.Context, status string) ([]*SignupRequest, error) {
	query := `SELECT id, name, handle, username, email, status, created, decided_by, decided_at, note
	          FROM signup_requests`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing signups: %w", err)
	}
	defer rows.Close()

	var reqs []*SignupRequest
	for rows.Next() {
		r := &SignupRequest{}
		var (
			email     sql.NullString
			created   sql.NullInt64
			decidedBy sql.NullInt64
			decidedAt sql.NullInt64
			note      sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.Name, &r.Handle, &r.Username, &email,
			&r.Status, &created, &decidedBy, &decidedAt, &note); err != nil {
			return nil, fmt.Errorf("scanning signup: %w", err)
		}
		if email.Valid {
			r.Email = &email.String
		}
		if created.Valid {
			r.CreatedAt = time.Unix(created.Int64, 0)
		}
		if decidedBy.Valid {
			r.DecidedBy = &decidedBy.Int64
		}
		if decidedAt.Valid {
			t := time.Unix(decidedAt.Int64, 0)
			r.DecidedAt = &t
		}
		r.Note = note.String
		reqs = append(reqs, r)
	}
	return reqs, rows.Err()
}

// ApproveSignup turns a pending request into a live account with role user.
// Account creation and the status flip share one transaction: a collision
// with an existing username rolls everything back and the request stays
// pending.
func (s *Store) ApproveSignup(ctx context.Context, actorID *int64, signupID int64, note string) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var (
		name     sql.NullString
		handle   string
		username string
		email    sql.NullString
		salt     []byte
		hash     []byte
	)
	err = tx.QueryRowContext(ctx,
		`SELECT name, handle, username, email, pw_salt, pw_hash
		 FROM signup_requests WHERE id = ? AND status = 'pending'`, signupID).
		Scan(&name, &handle, &username, &email, &salt, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotPending
	}
	if err != nil {
		return 0, fmt.Errorf("loading signup request: %w", err)
	}

	now := time.Now().Unix()
	res, err := tx.ExecContext(ctx,
		`INSERT INTO user_profiles (name, handle, email, created, updated) VALUES (?, ?, ?, ?, ?)`,
		name, handle, nullableString(email), now, now)
	if err != nil {
		return 0, uniqueErr(err)
	}
	userID, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("reading new user id: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO user_auth (id, username, role, pw_salt, pw_hash, created, updated)
		 VALUES (?, ?, 'user', ?, ?, ?, ?)`,
		userID, username, salt, hash, now, now); err != nil {
		return 0, uniqueErr(err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE signup_requests SET status = 'approved', decided_by = ?, decided_at = ?, note = ?
		 WHERE id = ?`, actorID, now, note, signupID); err != nil {
		return 0, fmt.Errorf("updating signup status: %w", err)
	}

	if err := s.appendAuditTx(ctx, tx, actorID, "signup.approve",
		fmt.Sprintf("signup:%d", signupID), fmt.Sprintf("user:%d username=%s", userID, username)); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing signup approval: %w", err)
	}
	s.logger.Info("approved signup", "signup_id", signupID, "user_id", userID)
	return userID, nil
}

// RejectSignup marks a pending request rejected. Deciding an already-decided
// request returns ErrNotPending.
func (s *Store) RejectSignup(ctx context.Context, actorID *int64, signupID int64, note string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE signup_requests SET status = 'rejected', decided_by = ?, decided_at = ?, note = ?
		 WHERE id = ? AND status = 'pending'`,
		actorID, time.Now().Unix(), note, signupID)
	if err != nil {
		return fmt.Errorf("rejecting signup: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotPending
	}

	if err := s.appendAuditTx(ctx, tx, actorID, "signup.reject",
		fmt.Sprintf("signup:%d", signupID), note); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing signup rejection: %w", err)
	}
	s.logger.Info("rejected signup", "signup_id", signupID)
	return nil
}

func nullableString(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	return &s.String
}

// uniqueErr maps UNIQUE constraint violations onto the matching sentinel.
func uniqueErr(err error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "user_auth.username"):
		return fmt.Errorf("%w: %v", ErrUsernameExists, err)
	case strings.Contains(msg, "user_profiles.handle"):
		return fmt.Errorf("%w: %v", ErrHandleExists, err)
	}
	return fmt.Errorf("writing account: %w", err)
}

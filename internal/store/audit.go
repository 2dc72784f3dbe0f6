// ABOUTME: Hash-chained audit trail for sensitive account actions
// ABOUTME: Each entry's hash commits to the previous hash plus its payload

package store

import (
	"bytes"
	"context"
	"crypto/sha256"
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// AuditEntry is one row of the tamper-evident action trail.
type AuditEntry struct {
	ID       int64
	AuditID  string
	At       time.Time
	ActorID  *int64
	Action   string
	Subject  string
	Details  string
	PrevHash []byte
	Hash     []byte
}

// genesisHash seeds the chain before the first entry.
var genesisHash = make([]byte, sha256.Size)

// chainHash computes SHA-256 over the previous hash followed by the entry
// payload fields joined with unit separators. Field order is part of the
// chain format and must never change.
func chainHash(prev []byte, auditID string, ts int64, actorID *int64, action, subject, details string) []byte {
	actor := ""
	if actorID != nil {
		actor = strconv.FormatInt(*actorID, 10)
	}
	h := sha256.New()
	h.Write(prev)
	for i, field := range []string{auditID, strconv.FormatInt(ts, 10), actor, action, subject, details} {
		if i > 0 {
			h.Write([]byte{0x1f})
		}
		h.Write([]byte(field))
	}
	return h.Sum(nil)
}

// appendAuditTx writes an audit entry inside the caller's transaction so the
// trail commits or rolls back with the action it records.
func (s *Store) appendAuditTx(ctx context.Context, tx *sql.Tx, actorID *int64, action, subject, details string) error {
	prev := genesisHash
	var last []byte
	err := tx.QueryRowContext(ctx,
		`SELECT hash FROM audit_logs ORDER BY id DESC LIMIT 1`).Scan(&last)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("reading audit chain head: %w", err)
	}
	if err == nil {
		prev = last
	}

	auditID := uuid.New().String()
	ts := time.Now().Unix()
	hash := chainHash(prev, auditID, ts, actorID, action, subject, details)

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO audit_logs (audit_id, ts, actor_user_id, action, subject, details, prev_hash, hash)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		auditID, ts, actorID, action, subject, details, prev, hash); err != nil {
		return fmt.Errorf("appending audit entry: %w", err)
	}
	return nil
}

// ListAuditLog returns entries in chain order. A limit of 0 means all.
func (s *Store) ListAuditLog(ctx context.Context, limit int) ([]*AuditEntry, error) {
	query := `SELECT id, audit_id, ts, actor_user_id, action, subject, details, prev_hash, hash
	          FROM audit_logs ORDER BY id`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing audit log: %w", err)
	}
	defer rows.Close()

	var entries []*AuditEntry
	for rows.Next() {
		e := &AuditEntry{}
		var (
			ts      sql.NullInt64
			actorID sql.NullInt64
		)
		if err := rows.Scan(&e.ID, &e.AuditID, &ts, &actorID, &e.Action,
			&e.Subject, &e.Details, &e.PrevHash, &e.Hash); err != nil {
			return nil, fmt.Errorf("scanning audit entry: %w", err)
		}
		if ts.Valid {
			e.At = time.Unix(ts.Int64, 0)
		}
		if actorID.Valid {
			e.ActorID = &actorID.Int64
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// VerifyAuditChain recomputes the hash chain from the genesis value and
// reports the id of the first entry that fails, or 0 when the chain is
// intact.
func (s *Store) VerifyAuditChain(ctx context.Context) (int64, error) {
	entries, err := s.ListAuditLog(ctx, 0)
	if err != nil {
		return 0, err
	}
	prev := genesisHash
	for _, e := range entries {
		if !bytes.Equal(e.PrevHash, prev) {
			return e.ID, nil
		}
		want := chainHash(prev, e.AuditID, e.At.Unix(), e.ActorID, e.Action, e.Subject, e.Details)
		if !bytes.Equal(e.Hash, want) {
			return e.ID, nil
		}
		prev = e.Hash
	}
	return 0, nil
}

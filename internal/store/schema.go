// ABOUTME: Schema manager: DDL, strict-mode guard triggers, meta seeding
// ABOUTME: Applied once per new database file, tagged with its tier

package store

import (
	"database/sql"
	"fmt"
)

const ddlCore = `
CREATE TABLE IF NOT EXISTS meta (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

-- Account signup queue (no emails needed)
CREATE TABLE IF NOT EXISTS signup_requests (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL,
	handle TEXT NOT NULL,
	username TEXT NOT NULL,
	email TEXT,
	pw_salt BLOB NOT NULL,
	pw_hash BLOB NOT NULL,
	created INTEGER NOT NULL,
	status TEXT CHECK(status IN ('pending','approved','rejected')) NOT NULL DEFAULT 'pending',
	decided_by INTEGER NULL REFERENCES user_profiles(id) ON DELETE SET NULL,
	decided_at INTEGER NULL,
	note TEXT
);

CREATE INDEX IF NOT EXISTS idx_signup_status ON signup_requests(status, created DESC);

CREATE TABLE IF NOT EXISTS user_profiles (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT,
	handle TEXT UNIQUE,
	email TEXT UNIQUE,
	created INTEGER,
	updated INTEGER
);

CREATE TABLE IF NOT EXISTS user_auth (
	id INTEGER PRIMARY KEY REFERENCES user_profiles(id) ON DELETE CASCADE,
	username TEXT UNIQUE,
	role TEXT CHECK(role IN ('user','admin')) DEFAULT 'user',
	pw_salt BLOB NOT NULL,
	pw_hash BLOB NOT NULL,
	created INTEGER,
	updated INTEGER,
	last_login INTEGER
);

CREATE TABLE IF NOT EXISTS saved_conversations (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id INTEGER REFERENCES user_profiles(id) ON DELETE CASCADE,
	title TEXT,
	created INTEGER
);

-- Messages: single schema supports plain or sealed fields
CREATE TABLE IF NOT EXISTS messages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	conversation_id INTEGER REFERENCES saved_conversations(id) ON DELETE CASCADE,
	sender_type TEXT CHECK(sender_type IN ('user','assistant','system','tool')),
	sender_id INTEGER,
	content TEXT NULL,              -- used in 'open' and 'secure'
	content_ct BLOB NULL,           -- used in 'strict'
	content_nonce BLOB NULL,        -- used in 'strict'
	content_key_id INTEGER NULL,    -- reserved for future rotation
	metadata TEXT,
	created INTEGER
);

CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, id);

CREATE TABLE IF NOT EXISTS persistent_memory (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	scope TEXT CHECK(scope IN ('user','conversation','global')),
	user_id INTEGER NULL,
	conversation_id INTEGER NULL,
	subject TEXT,
	content TEXT NULL,
	content_ct BLOB NULL,
	content_nonce BLOB NULL,
	content_key_id INTEGER NULL,
	importance INTEGER DEFAULT 0,
	reinforced_at INTEGER,
	created INTEGER,
	vector_ref TEXT,
	retention_until INTEGER
);

-- File metadata (payloads live in the on-disk CAS, outside the database)
CREATE TABLE IF NOT EXISTS files (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	kind TEXT CHECK(kind IN ('image','audio','video','doc','other')),
	mime TEXT,
	sha256 BLOB UNIQUE,
	size_bytes INTEGER,
	thumb_sha256 BLOB,
	original_name TEXT,
	ref_count INTEGER DEFAULT 0,
	created INTEGER
);

-- Tamper-evident action trail: each entry's hash commits to the previous
-- entry's hash plus its own payload
CREATE TABLE IF NOT EXISTS audit_logs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	audit_id TEXT UNIQUE NOT NULL,
	ts INTEGER,
	actor_user_id INTEGER,
	action TEXT,
	subject TEXT,
	details TEXT,
	prev_hash BLOB,
	hash BLOB
);
`

// Guard triggers enforce the strict-tier invariant at the storage boundary,
// independent of caller discipline: while db_mode is 'strict', no write may
// set the plaintext content column.
const ddlStrictTriggers = `
CREATE TRIGGER IF NOT EXISTS trg_messages_strict_ins
BEFORE INSERT ON messages
WHEN (SELECT value FROM meta WHERE key='db_mode')='strict'
AND NEW.content IS NOT NULL
BEGIN
	SELECT RAISE(ABORT, 'strict mode requires encrypted content');
END;

CREATE TRIGGER IF NOT EXISTS trg_messages_strict_upd
BEFORE UPDATE ON messages
WHEN (SELECT value FROM meta WHERE key='db_mode')='strict'
AND NEW.content IS NOT NULL
BEGIN
	SELECT RAISE(ABORT, 'strict mode requires encrypted content');
END;

CREATE TRIGGER IF NOT EXISTS trg_memory_strict_ins
BEFORE INSERT ON persistent_memory
WHEN (SELECT value FROM meta WHERE key='db_mode')='strict'
AND NEW.content IS NOT NULL
BEGIN
	SELECT RAISE(ABORT, 'strict mode requires encrypted content');
END;

CREATE TRIGGER IF NOT EXISTS trg_memory_strict_upd
BEFORE UPDATE ON persistent_memory
WHEN (SELECT value FROM meta WHERE key='db_mode')='strict'
AND NEW.content IS NOT NULL
BEGIN
	SELECT RAISE(ABORT, 'strict mode requires encrypted content');
END;
`

// createSchema applies the DDL and seeds the meta table with the tier. The
// tier written here is what every later open cross-checks against the engine.
func createSchema(db *sql.DB, tier Tier) error {
	if _, err := db.Exec(ddlCore); err != nil {
		return fmt.Errorf("applying schema: %w", err)
	}

	seed := []struct {
		key, value string
	}{
		{"schema_version", SchemaVersion},
		{"db_mode", string(tier)},
	}
	for _, kv := range seed {
		if _, err := db.Exec(
			"INSERT OR REPLACE INTO meta(key, value) VALUES(?, ?)", kv.key, kv.value,
		); err != nil {
			return fmt.Errorf("seeding meta.%s: %w", kv.key, err)
		}
	}
	for _, key := range []string{"created", "updated"} {
		if _, err := db.Exec(
			"INSERT OR REPLACE INTO meta(key, value) VALUES(?, strftime('%s','now'))", key,
		); err != nil {
			return fmt.Errorf("seeding meta.%s: %w", key, err)
		}
	}

	if tier == TierStrict {
		if _, err := db.Exec(ddlStrictTriggers); err != nil {
			return fmt.Errorf("applying strict guard triggers: %w", err)
		}
	}
	return nil
}

// readMetaValue fetches one meta row. Missing keys return ErrNotFound.
func readMetaValue(db *sql.DB, key string) (string, error) {
	var value string
	err := db.QueryRow("SELECT value FROM meta WHERE key=?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("reading meta.%s: %w", key, err)
	}
	return value, nil
}

// ABOUTME: Engine capability and the plaintext SQLite open path
// ABOUTME: Encrypted opens live behind the sqlcipher build tag

package store

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// Capability describes which storage engines this binary carries. It is
// resolved at compile time: code paths that need the encrypted engine take
// the capability branch explicitly instead of probing at runtime.
type Capability int

const (
	// CapabilityPlainOnly means only the plaintext engine is compiled in.
	CapabilityPlainOnly Capability = iota
	// CapabilityPlainAndEncrypted means the SQLCipher engine is also
	// available (built with the sqlcipher tag).
	CapabilityPlainAndEncrypted
)

// EngineCapability reports the engines compiled into this binary.
func EngineCapability() Capability {
	return engineCapability
}

// openPlain opens a database file with the plaintext engine. The connection
// is restricted to a single open conn: the store is a single logical writer.
func openPlain(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(1)
	return db, nil
}

// applyCommonPragmas configures the connection the same way for every tier:
// WAL journaling with relaxed-but-safe durability, enforced foreign keys.
func applyCommonPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA foreign_keys=ON",
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA temp_store=MEMORY",
		"PRAGMA cache_size=-80000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return fmt.Errorf("applying %s: %w", p, err)
		}
	}
	return nil
}

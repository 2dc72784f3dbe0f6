//go:build sqlcipher

// ABOUTME: SQLCipher open path, compiled in with the sqlcipher build tag
// ABOUTME: Pins the cipher parameters required for file compatibility

package store

import (
	"database/sql"
	"encoding/hex"
	"fmt"

	_ "github.com/mutecomm/go-sqlcipher/v4"
)

const engineCapability = CapabilityPlainAndEncrypted

// Cipher parameters are load-bearing for file compatibility across
// implementations. Do not change without a migration path.
var cipherPragmas = []string{
	"PRAGMA cipher_page_size = 4096",
	"PRAGMA kdf_iter = 256000",
	"PRAGMA cipher_hmac_algorithm = HMAC_SHA512",
	"PRAGMA cipher_kdf_algorithm = PBKDF2_HMAC_SHA512",
}

// openEncrypted opens a database file with the SQLCipher engine and a raw
// 32-byte key. The key is passed in the DSN so it is applied before any
// other statement touches the connection.
func openEncrypted(path string, key []byte) (*sql.DB, error) {
	dsn := fmt.Sprintf("%s?_pragma_key=x'%s'&_pragma_cipher_page_size=4096", path, hex.EncodeToString(key))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening encrypted database: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, p := range cipherPragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("applying %s: %w", p, err)
		}
	}
	// Harden in-memory key handling where the build supports it.
	if _, err := db.Exec("PRAGMA cipher_memory_security = ON"); err != nil {
		// Unsupported on some builds; not fatal.
		_ = err
	}
	return db, nil
}

//go:build !sqlcipher

// ABOUTME: Stub encrypted open path for builds without the SQLCipher engine
// ABOUTME: Makes engine absence a compile-time-checked branch, not a nil check

package store

import "database/sql"

const engineCapability = CapabilityPlainOnly

func openEncrypted(path string, key []byte) (*sql.DB, error) {
	return nil, ErrEncryptionUnavailable
}

// Package store is the persistence layer: a single SQLite database per
// installation plus an on-disk content-addressable blob store.
//
// # Confidentiality tiers
//
// Every database file is created for exactly one tier and never re-tiered:
//
//   - open: plaintext SQLite
//   - secure: whole-file encryption (SQLCipher engine)
//   - strict: whole-file encryption plus per-field AES-GCM sealing of
//     message and memory content
//
// The tier is recorded in meta.db_mode at creation. Open never trusts that
// row alone: the file is opened by detection (plaintext engine first, then
// the encrypted engine with a discovered key) and the declared tier is
// cross-checked against the branch that succeeded. A mismatch is
// ErrEngineMismatch and fatal.
//
// The encrypted engine is compiled in with the sqlcipher build tag; without
// it, EngineCapability reports CapabilityPlainOnly and encrypted tiers fail
// with ErrEncryptionUnavailable.
//
// # Strict tier
//
// In strict tier the plaintext content columns stay NULL and guard triggers
// at the SQL layer abort any write that sets them, independent of caller
// discipline. Reads decrypt transparently; a decryption failure surfaces as
// an error, never as silently empty content.
//
// # Error taxonomy
//
// Startup errors (ErrUnknownTier, ErrEncryptionUnavailable,
// ErrKeyUnavailable, ErrIntegrity, ErrEngineMismatch) are fatal: the caller
// must abort rather than continue with a half-verified store. Domain errors
// (ErrNotFound, ErrInvalidCredentials, ErrUsernameExists, ...) are
// recoverable and matched with errors.Is.
//
// # Concurrency
//
// The store is a single logical writer: one open connection, operations
// called sequentially by the owning application. All operations accept a
// context.Context.
package store

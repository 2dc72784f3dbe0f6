// ABOUTME: Store type, confidentiality tiers, and shared data types
// ABOUTME: Sentinel errors for the configuration/key/integrity/domain taxonomy

package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hamchat/hamstore/internal/fieldcrypt"
)

// DBFilename is the single database file per installation, under the data root.
const DBFilename = "hamstore.db"

// SchemaVersion tags the DDL generation written into meta.schema_version.
const SchemaVersion = "2025-11-06.0"

// Tier is the confidentiality tier of a database file.
type Tier string

const (
	// TierOpen stores everything in plaintext.
	TierOpen Tier = "open"
	// TierSecure encrypts the whole database file.
	TierSecure Tier = "secure"
	// TierStrict additionally seals individual text fields with the field key.
	TierStrict Tier = "strict"
)

// ParseTier validates a tier string.
func ParseTier(s string) (Tier, error) {
	switch Tier(s) {
	case TierOpen, TierSecure, TierStrict:
		return Tier(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownTier, s)
}

// Encrypted reports whether the tier uses the encrypted engine.
func (t Tier) Encrypted() bool {
	return t == TierSecure || t == TierStrict
}

// Configuration and integrity errors. All of these are fatal at startup: the
// caller must abort rather than continue with a half-verified store.
var (
	// ErrUnknownTier is returned for a tier outside open/secure/strict.
	ErrUnknownTier = errors.New("unknown database tier")

	// ErrEncryptionUnavailable is returned when a tier needs the encrypted
	// engine but the binary was built without it.
	ErrEncryptionUnavailable = errors.New("encrypted database engine not available in this build")

	// ErrKeyUnavailable is returned when the file is encrypted but no
	// database or field key can be found.
	ErrKeyUnavailable = errors.New("encryption key unavailable")

	// ErrIntegrity is returned when a consistency check fails.
	ErrIntegrity = errors.New("database integrity check failed")

	// ErrEngineMismatch is returned when meta.db_mode disagrees with the
	// engine the file actually opened under. This indicates tampering or a
	// corrupted meta row, never a recoverable condition.
	ErrEngineMismatch = errors.New("declared database mode does not match storage engine")
)

// Domain errors. These are recoverable and surfaced to the caller so the
// presentation layer can react.
var (
	// ErrNotFound is returned when a requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidCredentials is returned on authentication failure. It never
	// reveals whether the username or the password was wrong.
	ErrInvalidCredentials = errors.New("invalid username or password")

	// ErrUsernameExists is returned when a username is already taken.
	ErrUsernameExists = errors.New("username already exists")

	// ErrHandleExists is returned when a profile handle is already taken.
	ErrHandleExists = errors.New("handle already exists")

	// ErrLastAdmin is returned when deleting the only remaining admin.
	ErrLastAdmin = errors.New("cannot delete the last admin")

	// ErrNotPending is returned when deciding a signup request that is not
	// in the pending state.
	ErrNotPending = errors.New("signup request is not pending")

	// ErrBlobMissing is returned when file metadata exists but the blob is
	// gone from disk. Torn CAS state is tolerated, not crashed on.
	ErrBlobMissing = errors.New("blob missing from content store")
)

// Role of an account.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// SenderType identifies who produced a message.
type SenderType string

const (
	SenderUser      SenderType = "user"
	SenderAssistant SenderType = "assistant"
	SenderSystem    SenderType = "system"
	SenderTool      SenderType = "tool"
)

// MemoryScope bounds a persistent memory entry.
type MemoryScope string

const (
	ScopeUser         MemoryScope = "user"
	ScopeConversation MemoryScope = "conversation"
	ScopeGlobal       MemoryScope = "global"
)

// User is a profile row joined with its auth row.
type User struct {
	ID        int64
	Name      string
	Handle    string
	Email     *string
	Username  string
	Role      Role
	CreatedAt time.Time
	LastLogin *time.Time
}

// Identity is the result of a successful authentication.
type Identity struct {
	UserID int64
	Role   Role
}

// SignupRequest is a queued self-registration candidate.
type SignupRequest struct {
	ID        int64
	Name      string
	Handle    string
	Username  string
	Email     *string
	Status    string // pending, approved, rejected
	CreatedAt time.Time
	DecidedBy *int64
	DecidedAt *time.Time
	Note      string
}

// Conversation is a saved conversation owned by a user.
type Conversation struct {
	ID        int64
	UserID    int64
	Title     string
	CreatedAt time.Time
}

// Message is a single message within a conversation. Content is always
// plaintext here: in strict tier the store decrypts on read and a decryption
// failure surfaces as an error, never as an empty Content.
type Message struct {
	ID             int64
	ConversationID int64
	Sender         SenderType
	SenderID       *int64
	Content        string
	Metadata       map[string]any
	CreatedAt      time.Time
}

// MemoryEntry is a long-lived note scoped to a user, conversation, or
// globally. Same sealed/plain duality as messages.
type MemoryEntry struct {
	ID             int64
	Scope          MemoryScope
	UserID         *int64
	ConversationID *int64
	Subject        string
	Content        string
	Importance     int
	CreatedAt      time.Time
}

// FileMeta is the CAS metadata row for a deduplicated blob.
type FileMeta struct {
	ID           int64
	Kind         string // image, audio, video, doc, other
	MIME         string
	SHA256       string // hex
	Size         int64
	ThumbSHA256  string // hex, empty when no thumbnail
	OriginalName string
	RefCount     int64
	CreatedAt    time.Time
}

// Store is the persistence layer: one open connection per process, accessed
// sequentially by the calling application. All operations are blocking.
type Store struct {
	db      *sql.DB
	path    string
	dataDir string
	tier    Tier
	codec   *fieldcrypt.Codec // non-nil only in strict tier
	logger  *slog.Logger
}

// Tier returns the verified confidentiality tier of the open database.
func (s *Store) Tier() Tier {
	return s.tier
}

// Close closes the database connection.
func (s *Store) Close() error {
	s.logger.Info("closing store")
	return s.db.Close()
}

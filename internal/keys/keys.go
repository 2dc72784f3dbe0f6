// ABOUTME: Key manager for the database key and the strict-mode field key
// ABOUTME: Resolves keys from the OS secret store, env vars, or generates them

package keys

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/zalando/go-keyring"
)

// DefaultService is the secret-store service name keys are filed under.
const DefaultService = "hamstore"

// Secret-store account names. These are fixed: changing them orphans
// previously stored keys.
const (
	dbKeyAccount    = "db-key"
	fieldKeyAccount = "field-key-v1"
)

// Environment variable fallbacks, hex-encoded 32-byte keys.
const (
	EnvDatabaseKey = "HAMSTORE_DB_KEY"
	EnvFieldKey    = "HAMSTORE_FIELD_KEY"
)

// KeySize is the required key length in bytes for both keys.
const KeySize = 32

// ErrKeyNotFound is returned when a key is requested in existing-only mode
// and no stored or env-provided key can be found.
var ErrKeyNotFound = errors.New("key not found")

// Manager resolves the two independent secrets the store needs: the database
// key (whole-file encryption) and the field key (strict-tier row sealing).
// Resolution order per key: OS secret store, env var, freshly generated.
// Resolve once at bootstrap and hold the result; the manager never caches.
type Manager struct {
	service string
	logger  *slog.Logger
}

// NewManager creates a key manager filing keys under the given secret-store
// service name. An empty service uses DefaultService.
func NewManager(service string) *Manager {
	if service == "" {
		service = DefaultService
	}
	return &Manager{
		service: service,
		logger:  slog.Default().With("component", "keys"),
	}
}

// DatabaseKey resolves the 32-byte key that unlocks the encrypted database
// file. With existingOnly set it never creates: a nil result means no key is
// discoverable, which callers use to distinguish "encrypted but no key" from
// "no encryption configured".
func (m *Manager) DatabaseKey(existingOnly bool) ([]byte, error) {
	return m.getOrCreate(dbKeyAccount, EnvDatabaseKey, existingOnly)
}

// FieldKey resolves the 32-byte strict-tier field key. Same contract as
// DatabaseKey; the two keys are independent.
func (m *Manager) FieldKey(existingOnly bool) ([]byte, error) {
	return m.getOrCreate(fieldKeyAccount, EnvFieldKey, existingOnly)
}

func (m *Manager) getOrCreate(account, envVar string, existingOnly bool) ([]byte, error) {
	// 1) OS secret store
	stored, err := keyring.Get(m.service, account)
	switch {
	case err == nil:
		key, decErr := hex.DecodeString(stored)
		if decErr == nil && len(key) == KeySize {
			return key, nil
		}
		// Stored value is unusable; ignore it rather than fail open.
		m.logger.Warn("stored key is not a valid hex key; ignoring", "account", account)
	case errors.Is(err, keyring.ErrNotFound):
		// fall through to env
	default:
		// Secret store unavailable (headless session, missing dbus, ...).
		// Absence is a supported degraded path.
		m.logger.Debug("secret store unavailable", "account", account, "error", err)
	}

	// 2) env var, hex-encoded
	if raw := os.Getenv(envVar); raw != "" {
		key, decErr := hex.DecodeString(raw)
		if decErr != nil || len(key) != KeySize {
			m.logger.Error("env key is not valid hex of the expected length; ignoring", "var", envVar)
		} else {
			return key, nil
		}
	}

	if existingOnly {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, account)
	}

	// 3) generate
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generating key: %w", err)
	}
	if err := keyring.Set(m.service, account, hex.EncodeToString(key)); err != nil {
		m.logger.Warn("no secret store; generated an ephemeral key that will not survive process exit",
			"account", account, "env_fallback", envVar)
	} else {
		m.logger.Info("generated and stored new key", "account", account)
	}
	return key, nil
}

// ABOUTME: Tests for key resolution order and existing-only semantics
// ABOUTME: Uses the keyring mock so no OS secret store is touched

package keys

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	keyring.MockInit()
	return NewManager("hamstore-test")
}

func TestDatabaseKey_GenerateAndPersist(t *testing.T) {
	m := newTestManager(t)

	key, err := m.DatabaseKey(false)
	require.NoError(t, err)
	assert.Len(t, key, KeySize)

	// Second resolution returns the same key from the secret store.
	again, err := m.DatabaseKey(false)
	require.NoError(t, err)
	assert.Equal(t, key, again)

	// And existing-only now succeeds too.
	existing, err := m.DatabaseKey(true)
	require.NoError(t, err)
	assert.Equal(t, key, existing)
}

func TestDatabaseKey_ExistingOnly_Absent(t *testing.T) {
	m := newTestManager(t)

	key, err := m.DatabaseKey(true)
	assert.Nil(t, key)
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestDatabaseKey_EnvFallback(t *testing.T) {
	m := newTestManager(t)

	want := make([]byte, KeySize)
	for i := range want {
		want[i] = byte(i)
	}
	t.Setenv(EnvDatabaseKey, hex.EncodeToString(want))

	key, err := m.DatabaseKey(true)
	require.NoError(t, err)
	assert.Equal(t, want, key)
}

func TestDatabaseKey_EnvInvalidHexIgnored(t *testing.T) {
	m := newTestManager(t)

	t.Setenv(EnvDatabaseKey, "not-hex")

	_, err := m.DatabaseKey(true)
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestFieldKey_IndependentFromDatabaseKey(t *testing.T) {
	m := newTestManager(t)

	dbKey, err := m.DatabaseKey(false)
	require.NoError(t, err)
	fieldKey, err := m.FieldKey(false)
	require.NoError(t, err)

	assert.Len(t, fieldKey, KeySize)
	assert.NotEqual(t, dbKey, fieldKey)
}

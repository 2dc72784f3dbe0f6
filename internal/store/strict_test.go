// ABOUTME: Tests for strict-tier field sealing and the SQL guard triggers
// ABOUTME: Runs the strict schema on the plain engine; triggers are engine-neutral

package store

import (
	"context"
	"crypto/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hamchat/hamstore/internal/fieldcrypt"
)

// setupStrictStore assembles a strict-tier store directly on the plain
// engine. The sealing logic and guard triggers do not depend on whole-file
// encryption, so they are testable in every build.
func setupStrictStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	for _, sub := range []string{casDirName, casTmpDirName} {
		require.NoError(t, os.MkdirAll(filepath.Join(dir, sub), 0o755))
	}

	dbPath := filepath.Join(dir, DBFilename)
	db, err := openPlain(dbPath)
	require.NoError(t, err)
	require.NoError(t, applyCommonPragmas(db))
	require.NoError(t, createSchema(db, TierStrict))

	key := make([]byte, fieldcrypt.KeySize)
	_, err = rand.Read(key)
	require.NoError(t, err)
	codec, err := fieldcrypt.New(key)
	require.NoError(t, err)

	s := &Store{
		db:      db,
		path:    dbPath,
		dataDir: dir,
		tier:    TierStrict,
		codec:   codec,
		logger:  discardLogger(),
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func strictConversation(t *testing.T, s *Store) int64 {
	t.Helper()
	userID := mustCreateUser(t, s, "alice", RoleUser)
	convID, err := s.CreateConversation(context.Background(), userID, "chat")
	require.NoError(t, err)
	return convID
}

func TestStrict_MessageContentSealed(t *testing.T) {
	s := setupStrictStore(t)
	ctx := context.Background()
	convID := strictConversation(t, s)

	msgID, err := s.AddMessage(ctx, convID, SenderUser, nil, "top secret", nil)
	require.NoError(t, err)

	// At the SQL layer the plaintext column must be NULL and the sealed
	// pair populated.
	var (
		content []byte
		ct      []byte
		nonce   []byte
		keyID   int64
	)
	err = s.db.QueryRow(
		`SELECT content, content_ct, content_nonce, content_key_id FROM messages WHERE id = ?`, msgID).
		Scan(&content, &ct, &nonce, &keyID)
	require.NoError(t, err)
	assert.Nil(t, content)
	assert.NotEmpty(t, ct)
	assert.Len(t, nonce, fieldcrypt.NonceSize)
	assert.Equal(t, int64(1), keyID)
	assert.NotContains(t, string(ct), "top secret")

	// Reads decrypt transparently.
	msgs, err := s.ListMessages(ctx, convID, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "top secret", msgs[0].Content)
}

func TestStrict_GuardTriggerBlocksPlaintext(t *testing.T) {
	s := setupStrictStore(t)
	convID := strictConversation(t, s)

	// A write that bypasses the store's sealing must be aborted by the
	// trigger, not silently accepted.
	_, err := s.db.Exec(
		`INSERT INTO messages (conversation_id, sender_type, content, created) VALUES (?, 'user', 'leak', 0)`,
		convID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "strict mode requires encrypted content")

	_, err = s.db.Exec(
		`INSERT INTO persistent_memory (scope, subject, content, created) VALUES ('global', 'x', 'leak', 0)`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "strict mode requires encrypted content")
}

func TestStrict_GuardTriggerBlocksPlaintextUpdate(t *testing.T) {
	s := setupStrictStore(t)
	ctx := context.Background()
	convID := strictConversation(t, s)

	msgID, err := s.AddMessage(ctx, convID, SenderUser, nil, "sealed", nil)
	require.NoError(t, err)

	_, err = s.db.Exec(`UPDATE messages SET content = 'leak' WHERE id = ?`, msgID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "strict mode requires encrypted content")
}

func TestStrict_LegacyPlaintextRowsStillReadable(t *testing.T) {
	s := setupStrictStore(t)
	ctx := context.Background()
	convID := strictConversation(t, s)

	// Rows written before a move to strict have plaintext content. The
	// triggers key off meta.db_mode, so simulate the earlier mode.
	_, err := s.db.Exec(`UPDATE meta SET value = 'open' WHERE key = 'db_mode'`)
	require.NoError(t, err)
	_, err = s.db.Exec(
		`INSERT INTO messages (conversation_id, sender_type, content, created) VALUES (?, 'user', 'old note', 0)`,
		convID)
	require.NoError(t, err)
	_, err = s.db.Exec(`UPDATE meta SET value = 'strict' WHERE key = 'db_mode'`)
	require.NoError(t, err)

	msgs, err := s.ListMessages(ctx, convID, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "old note", msgs[0].Content)
}

func TestStrict_TamperedCiphertextFailsLoudly(t *testing.T) {
	s := setupStrictStore(t)
	ctx := context.Background()
	convID := strictConversation(t, s)

	msgID, err := s.AddMessage(ctx, convID, SenderUser, nil, "top secret", nil)
	require.NoError(t, err)

	var ct []byte
	require.NoError(t, s.db.QueryRow(
		`SELECT content_ct FROM messages WHERE id = ?`, msgID).Scan(&ct))
	ct[0] ^= 0xff
	_, err = s.db.Exec(`UPDATE messages SET content_ct = ? WHERE id = ?`, ct, msgID)
	require.NoError(t, err)

	_, err = s.ListMessages(ctx, convID, 0)
	assert.ErrorIs(t, err, fieldcrypt.ErrDecrypt)
}

func TestStrict_MemoryContentSealed(t *testing.T) {
	s := setupStrictStore(t)
	ctx := context.Background()

	id, err := s.AddMemory(ctx, ScopeGlobal, nil, nil, "rule", "be kind", 1)
	require.NoError(t, err)

	var (
		content []byte
		ct      []byte
	)
	require.NoError(t, s.db.QueryRow(
		`SELECT content, content_ct FROM persistent_memory WHERE id = ?`, id).
		Scan(&content, &ct))
	assert.Nil(t, content)
	assert.NotEmpty(t, ct)

	entries, err := s.ListMemory(ctx, ScopeGlobal, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "be kind", entries[0].Content)
}

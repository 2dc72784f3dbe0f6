// ABOUTME: Tests for the hash-chained audit trail
// ABOUTME: Chain verification must localize the first tampered entry

package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAudit_EntriesChain(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	admin := mustCreateUser(t, s, "root", RoleAdmin)
	alice := mustCreateUser(t, s, "alice", RoleUser)
	require.NoError(t, s.SetUserRole(ctx, &admin, alice, RoleAdmin))

	entries, err := s.ListAuditLog(ctx, 0)
	require.NoError(t, err)
	require.Len(t, entries, 3)

	assert.Equal(t, "user.create", entries[0].Action)
	assert.Equal(t, genesisHash, entries[0].PrevHash)
	assert.Equal(t, "user.role", entries[2].Action)
	require.NotNil(t, entries[2].ActorID)
	assert.Equal(t, admin, *entries[2].ActorID)

	// Each entry links to its predecessor's hash.
	for i := 1; i < len(entries); i++ {
		assert.Equal(t, entries[i-1].Hash, entries[i].PrevHash)
	}
}

func TestAudit_VerifyIntactChain(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	mustCreateUser(t, s, "root", RoleAdmin)
	mustCreateUser(t, s, "alice", RoleUser)

	bad, err := s.VerifyAuditChain(ctx)
	require.NoError(t, err)
	assert.Zero(t, bad)
}

func TestAudit_VerifyEmptyChain(t *testing.T) {
	s := setupTestStore(t)

	bad, err := s.VerifyAuditChain(context.Background())
	require.NoError(t, err)
	assert.Zero(t, bad)
}

func TestAudit_DetectsTamperedPayload(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	mustCreateUser(t, s, "root", RoleAdmin)
	mustCreateUser(t, s, "alice", RoleUser)
	mustCreateUser(t, s, "bob", RoleUser)

	entries, err := s.ListAuditLog(ctx, 0)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	target := entries[1].ID

	_, err = s.db.Exec(
		`UPDATE audit_logs SET details = 'rewritten history' WHERE id = ?`, target)
	require.NoError(t, err)

	bad, err := s.VerifyAuditChain(ctx)
	require.NoError(t, err)
	assert.Equal(t, target, bad)
}

func TestAudit_DetectsDeletedEntry(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	mustCreateUser(t, s, "root", RoleAdmin)
	mustCreateUser(t, s, "alice", RoleUser)
	mustCreateUser(t, s, "bob", RoleUser)

	entries, err := s.ListAuditLog(ctx, 0)
	require.NoError(t, err)
	require.Len(t, entries, 3)

	// Removing a middle entry breaks its successor's prev link.
	_, err = s.db.Exec(`DELETE FROM audit_logs WHERE id = ?`, entries[1].ID)
	require.NoError(t, err)

	bad, err := s.VerifyAuditChain(ctx)
	require.NoError(t, err)
	assert.Equal(t, entries[2].ID, bad)
}

func TestAudit_FailedActionLeavesNoEntry(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	mustCreateUser(t, s, "alice", RoleUser)
	before, err := s.ListAuditLog(ctx, 0)
	require.NoError(t, err)

	// Duplicate username rolls the whole transaction back, audit included.
	_, err = s.CreateUser(ctx, "Dup", "@dup", "alice", "pw", nil, RoleUser)
	require.ErrorIs(t, err, ErrUsernameExists)

	after, err := s.ListAuditLog(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, after, len(before))
}

// ABOUTME: Tests for the signup queue and atomic approval
// ABOUTME: A failed approval must leave the request pending

package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func submitSignup(t *testing.T, s *Store, username string) int64 {
	t.Helper()
	id, err := s.SubmitSignup(context.Background(),
		"New "+username, "@"+username, username, "pw-"+username, nil)
	require.NoError(t, err)
	return id
}

func TestSubmitAndListSignups(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	submitSignup(t, s, "carol")
	submitSignup(t, s, "dave")

	pending, err := s.ListSignups(ctx, "pending")
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	all, err := s.ListSignups(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestApproveSignup(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	admin := mustCreateUser(t, s, "root", RoleAdmin)
	reqID := submitSignup(t, s, "carol")

	userID, err := s.ApproveSignup(ctx, &admin, reqID, "looks fine")
	require.NoError(t, err)

	// The new account is live with role user and the queued password.
	ident, err := s.Authenticate(ctx, "carol", "pw-carol")
	require.NoError(t, err)
	assert.Equal(t, userID, ident.UserID)
	assert.Equal(t, RoleUser, ident.Role)

	// The request records who decided, when, and why.
	approved, err := s.ListSignups(ctx, "approved")
	require.NoError(t, err)
	require.Len(t, approved, 1)
	assert.Equal(t, reqID, approved[0].ID)
	require.NotNil(t, approved[0].DecidedBy)
	assert.Equal(t, admin, *approved[0].DecidedBy)
	assert.NotNil(t, approved[0].DecidedAt)
	assert.Equal(t, "looks fine", approved[0].Note)
}

func TestApproveSignup_NotPending(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	admin := mustCreateUser(t, s, "root", RoleAdmin)
	reqID := submitSignup(t, s, "carol")

	_, err := s.ApproveSignup(ctx, &admin, reqID, "")
	require.NoError(t, err)

	// Deciding twice is rejected, as is deciding a nonexistent request.
	_, err = s.ApproveSignup(ctx, &admin, reqID, "")
	assert.ErrorIs(t, err, ErrNotPending)
	_, err = s.ApproveSignup(ctx, &admin, 9999, "")
	assert.ErrorIs(t, err, ErrNotPending)
}

func TestApproveSignup_UsernameCollisionRollsBack(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	admin := mustCreateUser(t, s, "root", RoleAdmin)
	reqID := submitSignup(t, s, "carol")

	// The username gets taken between submission and approval.
	mustCreateUser(t, s, "carol", RoleUser)

	_, err := s.ApproveSignup(ctx, &admin, reqID, "")
	assert.ErrorIs(t, err, ErrUsernameExists)

	// Nothing committed: the request is still pending and can be decided
	// again later.
	pending, err := s.ListSignups(ctx, "pending")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, reqID, pending[0].ID)
}

func TestRejectSignup(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	admin := mustCreateUser(t, s, "root", RoleAdmin)
	reqID := submitSignup(t, s, "carol")

	require.NoError(t, s.RejectSignup(ctx, &admin, reqID, "no vacancy"))

	rejected, err := s.ListSignups(ctx, "rejected")
	require.NoError(t, err)
	require.Len(t, rejected, 1)
	assert.Equal(t, "no vacancy", rejected[0].Note)

	// No account was created.
	_, err = s.Authenticate(ctx, "carol", "pw-carol")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	// Already decided.
	err = s.RejectSignup(ctx, &admin, reqID, "")
	assert.ErrorIs(t, err, ErrNotPending)
}

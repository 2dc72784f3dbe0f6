// ABOUTME: Tests for account CRUD, authentication, and role safety rails
// ABOUTME: Collision sentinels, constant-failure auth, last-admin protection

package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateUser_AndGet(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	email := "alice@example.com"
	id, err := s.CreateUser(ctx, "Alice", "@alice", "alice", "correct horse", &email, RoleAdmin)
	require.NoError(t, err)

	u, err := s.GetUser(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "Alice", u.Name)
	assert.Equal(t, "@alice", u.Handle)
	assert.Equal(t, "alice", u.Username)
	assert.Equal(t, RoleAdmin, u.Role)
	require.NotNil(t, u.Email)
	assert.Equal(t, email, *u.Email)
	assert.Nil(t, u.LastLogin)

	byName, err := s.GetUserByUsername(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, id, byName.ID)
}

func TestCreateUser_DuplicateUsername(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	mustCreateUser(t, s, "alice", RoleUser)
	_, err := s.CreateUser(ctx, "Other", "@other", "alice", "pw", nil, RoleUser)
	assert.ErrorIs(t, err, ErrUsernameExists)
}

func TestCreateUser_DuplicateHandle(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	_, err := s.CreateUser(ctx, "Alice", "@alice", "alice", "pw", nil, RoleUser)
	require.NoError(t, err)
	_, err = s.CreateUser(ctx, "Other", "@alice", "other", "pw", nil, RoleUser)
	assert.ErrorIs(t, err, ErrHandleExists)
}

func TestGetUser_NotFound(t *testing.T) {
	s := setupTestStore(t)

	_, err := s.GetUser(context.Background(), 9999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAuthenticate(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	id := mustCreateUser(t, s, "alice", RoleAdmin)

	ident, err := s.Authenticate(ctx, "alice", "hunter2-alice")
	require.NoError(t, err)
	assert.Equal(t, id, ident.UserID)
	assert.Equal(t, RoleAdmin, ident.Role)

	// Successful login records last_login.
	u, err := s.GetUser(ctx, id)
	require.NoError(t, err)
	assert.NotNil(t, u.LastLogin)
}

func TestAuthenticate_WrongPassword(t *testing.T) {
	s := setupTestStore(t)
	mustCreateUser(t, s, "alice", RoleUser)

	ident, err := s.Authenticate(context.Background(), "alice", "wrong")
	assert.Nil(t, ident)
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestAuthenticate_UnknownUser(t *testing.T) {
	s := setupTestStore(t)

	// Same sentinel as a bad password: the caller cannot tell which.
	ident, err := s.Authenticate(context.Background(), "nobody", "pw")
	assert.Nil(t, ident)
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestSetUserRole(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	mustCreateUser(t, s, "root", RoleAdmin)
	id := mustCreateUser(t, s, "alice", RoleUser)

	require.NoError(t, s.SetUserRole(ctx, nil, id, RoleAdmin))
	u, err := s.GetUser(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, RoleAdmin, u.Role)

	n, err := s.CountAdmins(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestSetUserRole_CannotDemoteLastAdmin(t *testing.T) {
	s := setupTestStore(t)
	id := mustCreateUser(t, s, "root", RoleAdmin)

	err := s.SetUserRole(context.Background(), nil, id, RoleUser)
	assert.ErrorIs(t, err, ErrLastAdmin)
}

func TestDeleteUser(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	mustCreateUser(t, s, "root", RoleAdmin)
	id := mustCreateUser(t, s, "alice", RoleUser)

	// The user's conversations must go with the account.
	_, err := s.CreateConversation(ctx, id, "scratch")
	require.NoError(t, err)

	require.NoError(t, s.DeleteUser(ctx, nil, id))

	_, err = s.GetUser(ctx, id)
	assert.ErrorIs(t, err, ErrNotFound)
	convs, err := s.ListConversations(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, convs)
}

func TestDeleteUser_LastAdminProtected(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	root := mustCreateUser(t, s, "root", RoleAdmin)
	err := s.DeleteUser(ctx, nil, root)
	assert.ErrorIs(t, err, ErrLastAdmin)

	// With a second admin present the first becomes deletable.
	mustCreateUser(t, s, "root2", RoleAdmin)
	assert.NoError(t, s.DeleteUser(ctx, nil, root))
}

func TestAdminExists(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	ok, err := s.AdminExists(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	mustCreateUser(t, s, "alice", RoleUser)
	ok, err = s.AdminExists(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	mustCreateUser(t, s, "root", RoleAdmin)
	ok, err = s.AdminExists(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestListUsers(t *testing.T) {
	s := setupTestStore(t)

	mustCreateUser(t, s, "alice", RoleUser)
	mustCreateUser(t, s, "bob", RoleUser)

	users, err := s.ListUsers(context.Background())
	require.NoError(t, err)
	require.Len(t, users, 2)
	assert.Equal(t, "alice", users[0].Username)
	assert.Equal(t, "bob", users[1].Username)
}

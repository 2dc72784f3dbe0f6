// ABOUTME: Shared test helpers for the store package
// ABOUTME: Opens throwaway stores under t.TempDir with the keyring mocked

package store

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"

	"github.com/hamchat/hamstore/internal/keys"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// setupTestStore opens a fresh open-tier store in a temp dir. The keyring is
// mocked and the tier env override is pinned empty so only the default
// applies.
func setupTestStore(t *testing.T) *Store {
	t.Helper()
	keyring.MockInit()
	t.Setenv(EnvTier, "")

	s, err := Open(t.TempDir(), Options{
		Keys:   keys.NewManager("hamstore-test"),
		Logger: discardLogger(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// mustCreateUser is the common fixture for account-dependent tests.
func mustCreateUser(t *testing.T, s *Store, username string, role Role) int64 {
	t.Helper()
	id, err := s.CreateUser(context.Background(),
		"Test "+username, "@"+username, username, "hunter2-"+username, nil, role)
	require.NoError(t, err)
	return id
}

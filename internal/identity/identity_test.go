package identity

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/agentserver/sandboxd/internal/db"
	"github.com/agentserver/sandboxd/internal/sandboxerr"
	"github.com/agentserver/sandboxd/internal/shortid"
	"github.com/stretchr/testify/assert"
)

// newTestStore connects to TEST_DATABASE_URL, skipping when it is unset —
// the Identity Store is a thin layer over Postgres with no in-memory
// substitute worth maintaining.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set; skipping identity integration test")
	}
	database, err := db.Open(url)
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	return New(database)
}

func uniqueUsername(t *testing.T) string {
	return "test-" + shortid.Generate()
}

func TestRegisterAndVerifyPassword(t *testing.T) {
	store := newTestStore(t)
	username := uniqueUsername(t)

	user, err := store.Register(username, username+"@example.com", "hunter22")
	require.NoError(t, err)
	assert.Equal(t, username, user.Username)
	assert.True(t, user.IsActive)

	verified, err := store.VerifyPassword(username, "hunter22")
	require.NoError(t, err)
	assert.Equal(t, user.ID, verified.ID)

	_, err = store.VerifyPassword(username, "wrong-password")
	assert.ErrorIs(t, err, sandboxerr.ErrNotAuthorized)
}

func TestRegisterRejectsWeakPassword(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Register(uniqueUsername(t), "", "short")
	assert.ErrorIs(t, err, sandboxerr.ErrInvalidArgument)
}

func TestRegisterRejectsDuplicateUsername(t *testing.T) {
	store := newTestStore(t)
	username := uniqueUsername(t)
	_, err := store.Register(username, "", "hunter22")
	require.NoError(t, err)

	_, err = store.Register(username, "", "hunter22")
	assert.ErrorIs(t, err, sandboxerr.ErrConflict)
}

func TestTokenIssueAndResolve(t *testing.T) {
	store := newTestStore(t)
	user, err := store.Register(uniqueUsername(t), "", "hunter22")
	require.NoError(t, err)

	token, err := store.IssueToken(user.ID)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	resolved, err := store.ResolveToken(token)
	require.NoError(t, err)
	assert.Equal(t, user.ID, resolved.ID)

	_, err = store.ResolveToken("not-a-real-token")
	assert.ErrorIs(t, err, sandboxerr.ErrNotAuthorized)
}

func TestAPIKeyLifecycle(t *testing.T) {
	store := newTestStore(t)
	user, err := store.Register(uniqueUsername(t), "", "hunter22")
	require.NoError(t, err)

	key, err := store.APIKeyFor(user.ID)
	require.NoError(t, err)
	require.NotEmpty(t, key)

	resolved, err := store.ResolveAPIKey(key)
	require.NoError(t, err)
	assert.Equal(t, user.ID, resolved.ID)

	newKey, err := store.RegenerateAPIKey(user.ID)
	require.NoError(t, err)
	assert.NotEqual(t, key, newKey)

	_, err = store.ResolveAPIKey(key)
	assert.ErrorIs(t, err, sandboxerr.ErrNotAuthorized, "the old key must stop resolving once rotated")

	resolved, err = store.ResolveAPIKey(newKey)
	require.NoError(t, err)
	assert.Equal(t, user.ID, resolved.ID)
}

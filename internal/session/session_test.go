package session

import (
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dungeongate/platform/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "store.json"), slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return st
}

func TestRegisterAndLogin(t *testing.T) {
	svc := NewService(newTestStore(t), time.Hour, 30*time.Second)

	ok, _, _ := svc.Register(Player, "bob", "hunter2")
	require.True(t, ok)

	ok, msg, _ := svc.Login(Player, "bob", "hunter2")
	assert.True(t, ok, msg)
	assert.True(t, svc.IsLoggedIn(Player, "bob"))
}

func TestRegisterRejectsDuplicateUsername(t *testing.T) {
	svc := NewService(newTestStore(t), time.Hour, 30*time.Second)

	ok, _, _ := svc.Register(Player, "bob", "hunter2")
	require.True(t, ok)

	ok, msg, _ := svc.Register(Player, "bob", "other")
	assert.False(t, ok)
	assert.Equal(t, "UsernameTaken", msg)
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	svc := NewService(newTestStore(t), time.Hour, 30*time.Second)
	svc.Register(Player, "bob", "hunter2")

	ok, msg, _ := svc.Login(Player, "bob", "wrong")
	assert.False(t, ok)
	assert.Equal(t, "BadCredentials", msg)

	ok, msg, _ = svc.Login(Player, "nobody", "wrong")
	assert.False(t, ok)
	assert.Equal(t, "BadCredentials", msg)
}

func TestLoginRejectsConcurrentLoginWithinLockWindow(t *testing.T) {
	svc := NewService(newTestStore(t), time.Hour, 30*time.Second)
	svc.Register(Player, "bob", "hunter2")

	ok, _, _ := svc.Login(Player, "bob", "hunter2")
	require.True(t, ok)

	ok, msg, _ := svc.Login(Player, "bob", "hunter2")
	assert.False(t, ok)
	assert.Equal(t, "ConcurrentLogin", msg)
}

func TestIsLoggedInIsReadOnly(t *testing.T) {
	svc := NewService(newTestStore(t), time.Hour, 30*time.Second)
	svc.Register(Player, "bob", "hunter2")
	svc.Login(Player, "bob", "hunter2")

	before := svc.st.Snapshot().Sessions["player"]["bob"]

	for i := 0; i < 10_000; i++ {
		svc.IsLoggedIn(Player, "bob")
	}

	after := svc.st.Snapshot().Sessions["player"]["bob"]
	assert.Equal(t, before, after)
}

func TestHeartbeatRefreshesExistingSessionOnly(t *testing.T) {
	svc := NewService(newTestStore(t), time.Hour, 30*time.Second)
	svc.Register(Player, "bob", "hunter2")

	// No session yet: heartbeat is a no-op, not an error.
	svc.Heartbeat(Player, "bob")
	assert.False(t, svc.IsLoggedIn(Player, "bob"))

	svc.Login(Player, "bob", "hunter2")
	svc.Heartbeat(Player, "bob")
	assert.True(t, svc.IsLoggedIn(Player, "bob"))
}

func TestLogoutIsIdempotent(t *testing.T) {
	svc := NewService(newTestStore(t), time.Hour, 30*time.Second)
	svc.Register(Player, "bob", "hunter2")
	svc.Login(Player, "bob", "hunter2")

	ok, _, _ := svc.Logout(Player, "bob")
	assert.True(t, ok)
	assert.False(t, svc.IsLoggedIn(Player, "bob"))

	ok, _, _ = svc.Logout(Player, "bob")
	assert.True(t, ok)
}

func TestSessionExpiresAfterTimeout(t *testing.T) {
	svc := NewService(newTestStore(t), 10*time.Millisecond, 0)
	svc.Register(Player, "bob", "hunter2")
	svc.Login(Player, "bob", "hunter2")

	assert.True(t, svc.IsLoggedIn(Player, "bob"))
	time.Sleep(20 * time.Millisecond)
	assert.False(t, svc.IsLoggedIn(Player, "bob"))
}

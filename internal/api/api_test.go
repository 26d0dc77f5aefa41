package api

import (
	"archive/zip"
	"bytes"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dungeongate/platform/internal/apperr"
	"github.com/dungeongate/platform/internal/game"
	"github.com/dungeongate/platform/internal/model"
	"github.com/dungeongate/platform/internal/rating"
	"github.com/dungeongate/platform/internal/room"
	"github.com/dungeongate/platform/internal/session"
	"github.com/dungeongate/platform/internal/store"
	"github.com/dungeongate/platform/pkg/metrics"
)

// sharedMetrics is built once: promauto registers every collector against
// the global default registerer, and a second NewRegistry call in the same
// test binary would panic on duplicate registration.
var (
	sharedMetrics     *metrics.Registry
	sharedMetricsOnce sync.Once
)

func testMetrics() *metrics.Registry {
	sharedMetricsOnce.Do(func() {
		sharedMetrics = metrics.NewRegistry("platform", "test", "now", "abc", testLogger())
	})
	return sharedMetrics
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeSupervisor struct{}

func (fakeSupervisor) Start(gameID, version string, roomID int, bundlePath string) (*model.GameServer, *apperr.Error) {
	return &model.GameServer{Host: "10.0.0.1", Port: 41000}, nil
}

func (fakeSupervisor) Stop(roomID int) {}

type testServer struct {
	*Server
	st *store.Store
}

func newTestServer(t *testing.T) testServer {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "store.json"), testLogger())
	require.NoError(t, err)

	sessions := session.NewService(st, time.Hour, 0)
	games := game.NewService(st, t.TempDir())
	rooms := room.NewService(st, fakeSupervisor{}, 0, time.Hour, time.Hour, "0.0.0.0", 5000)
	ratings := rating.NewService(st)

	srv := NewServer(Config{
		Store:         st,
		Sessions:      sessions,
		Games:         games,
		Rooms:         rooms,
		Ratings:       ratings,
		StorageDir:    t.TempDir(),
		OnlineTimeout: time.Hour,
		Metrics:       testMetrics(),
		Logger:        testLogger(),
	})
	return testServer{Server: srv, st: st}
}

func doRequest(t *testing.T, h http.Handler, method, path string, body any) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var env envelope
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	}
	return rec, env
}

func registerAndLoginPlayer(t *testing.T, h http.Handler, username string) {
	t.Helper()
	rec, env := doRequest(t, h, http.MethodPost, "/player/register", credentialsBody{Username: username, Password: "pw"})
	require.Equal(t, http.StatusOK, rec.Code, env.Message)

	rec, env = doRequest(t, h, http.MethodPost, "/player/login", credentialsBody{Username: username, Password: "pw"})
	require.Equal(t, http.StatusOK, rec.Code, env.Message)
}

func registerAndLoginDeveloper(t *testing.T, h http.Handler, username string) {
	t.Helper()
	rec, env := doRequest(t, h, http.MethodPost, "/dev/register", credentialsBody{Username: username, Password: "pw"})
	require.Equal(t, http.StatusOK, rec.Code, env.Message)

	rec, env = doRequest(t, h, http.MethodPost, "/dev/login", credentialsBody{Username: username, Password: "pw"})
	require.Equal(t, http.StatusOK, rec.Code, env.Message)
}

func TestRegisterLoginLogoutFlow(t *testing.T) {
	srv := newTestServer(t)
	h := srv.Handler()

	rec, env := doRequest(t, h, http.MethodPost, "/player/register", credentialsBody{Username: "alice", Password: "pw"})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, env.Success)

	rec, env = doRequest(t, h, http.MethodPost, "/player/register", credentialsBody{Username: "alice", Password: "pw"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.False(t, env.Success)

	rec, env = doRequest(t, h, http.MethodPost, "/player/login", credentialsBody{Username: "alice", Password: "wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, env = doRequest(t, h, http.MethodPost, "/player/login", credentialsBody{Username: "alice", Password: "pw"})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, env = doRequest(t, h, http.MethodPost, "/player/logout", map[string]string{"username": "alice"})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, env.Success)
}

func TestHeartbeatRequiresAuth(t *testing.T) {
	srv := newTestServer(t)
	h := srv.Handler()

	rec, _ := doRequest(t, h, http.MethodPost, "/player/heartbeat", map[string]string{"username": "ghost"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestGameCreateRequiresAuth(t *testing.T) {
	srv := newTestServer(t)
	h := srv.Handler()

	rec, _ := doRequest(t, h, http.MethodPost, "/games", createGameBody{Developer: "alice", Name: "Dice"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestGameNotFoundReturns404(t *testing.T) {
	srv := newTestServer(t)
	h := srv.Handler()

	rec, env := doRequest(t, h, http.MethodGet, "/games/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, string(apperr.GameNotFound), env.Message)
}

func TestRoomNotFoundReturns404(t *testing.T) {
	srv := newTestServer(t)
	h := srv.Handler()

	rec, env := doRequest(t, h, http.MethodGet, "/rooms/999", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, string(apperr.RoomNotFound), env.Message)
}

// TestDelistPreservesInFlightRoom exercises the scenario where a developer
// removes a game while a room for it is still active: the game disappears
// from the default listing, but the room and its download remain reachable.
func TestDelistPreservesInFlightRoom(t *testing.T) {
	srv := newTestServer(t)
	h := srv.Handler()

	registerAndLoginDeveloper(t, h, "alice")
	registerAndLoginPlayer(t, h, "bob")
	registerAndLoginPlayer(t, h, "carol")

	fileData := buildTestBundle(t, `{"entry":"main.py","server_entry":"","min_players":2,"max_players":2}`)

	rec, env := doRequest(t, h, http.MethodPost, "/games", createGameBody{
		Developer: "alice", Name: "Dice", Version: "1.0.0", FileData: fileData,
	})
	require.Equal(t, http.StatusOK, rec.Code, env.Message)

	rec, env = doRequest(t, h, http.MethodPost, "/rooms", map[string]string{"player": "bob", "game_id": "dice"})
	require.Equal(t, http.StatusOK, rec.Code, env.Message)

	rec, env = doRequest(t, h, http.MethodPost, "/rooms/1/join", roomActionBody{Player: "carol"})
	require.Equal(t, http.StatusOK, rec.Code, env.Message)

	rec, env = doRequest(t, h, http.MethodDelete, "/games/dice", map[string]string{"developer": "alice"})
	require.Equal(t, http.StatusOK, rec.Code, env.Message)

	rec, env = doRequest(t, h, http.MethodGet, "/games", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var games []model.Game
	data, _ := json.Marshal(env.Data)
	require.NoError(t, json.Unmarshal(data, &games))
	assert.Empty(t, games)

	rec, _ = doRequest(t, h, http.MethodGet, "/rooms/1", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, env = doRequest(t, h, http.MethodGet, "/games/dice/download", nil)
	assert.Equal(t, http.StatusOK, rec.Code, env.Message)
}

// TestRatingGateRequiresHavingPlayed exercises the rule that a player may
// only rate a game after being recorded as having played it at least once.
func TestRatingGateRequiresHavingPlayed(t *testing.T) {
	srv := newTestServer(t)
	h := srv.Handler()

	registerAndLoginDeveloper(t, h, "alice")
	registerAndLoginPlayer(t, h, "bob")

	fileData := buildTestBundle(t, `{"entry":"main.py","server_entry":"","min_players":1,"max_players":1}`)

	rec, env := doRequest(t, h, http.MethodPost, "/games", createGameBody{
		Developer: "alice", Name: "Dice", Version: "1.0.0", FileData: fileData,
	})
	require.Equal(t, http.StatusOK, rec.Code, env.Message)

	rec, env = doRequest(t, h, http.MethodPost, "/ratings", map[string]any{
		"player": "bob", "game_id": "dice", "score": 5, "comment": "great",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "NeverPlayed", env.Message)

	rec, env = doRequest(t, h, http.MethodPost, "/rooms", map[string]string{"player": "bob", "game_id": "dice"})
	require.Equal(t, http.StatusOK, rec.Code, env.Message)

	rec, env = doRequest(t, h, http.MethodPost, "/rooms/1/start", roomActionBody{Player: "bob"})
	require.Equal(t, http.StatusOK, rec.Code, env.Message)

	rec, env = doRequest(t, h, http.MethodPost, "/rooms/1/played", roomActionBody{Player: "bob"})
	require.Equal(t, http.StatusOK, rec.Code, env.Message)

	rec, env = doRequest(t, h, http.MethodPost, "/rooms/1/close", roomActionBody{Player: "bob"})
	require.Equal(t, http.StatusOK, rec.Code, env.Message)

	rec, env = doRequest(t, h, http.MethodPost, "/ratings", map[string]any{
		"player": "bob", "game_id": "dice", "score": 5, "comment": "great",
	})
	assert.Equal(t, http.StatusOK, rec.Code, env.Message)

	rec, env = doRequest(t, h, http.MethodGet, "/games/dice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	data, _ := json.Marshal(env.Data)
	var detail gameDetailView
	require.NoError(t, json.Unmarshal(data, &detail))
	require.NotNil(t, detail.AverageScore)
	assert.Equal(t, 5.0, *detail.AverageScore)
}

func buildTestBundle(t *testing.T, manifest string) string {
	t.Helper()

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	w, err := zw.Create("manifest.json")
	require.NoError(t, err)
	_, err = w.Write([]byte(manifest))
	require.NoError(t, err)

	w, err = zw.Create("main.py")
	require.NoError(t, err)
	_, err = w.Write([]byte("print(1)"))
	require.NoError(t, err)

	require.NoError(t, zw.Close())
	return base64.StdEncoding.EncodeToString(buf.Bytes())
}

func TestMetricsAndHealthzAreMounted(t *testing.T) {
	srv := newTestServer(t)
	h := srv.Handler()

	rec, _ := doRequest(t, h, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = doRequest(t, h, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "platform_build_info")
}

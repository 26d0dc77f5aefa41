// Package api implements the platform's HTTP surface: a uniform
// {success, message, data} envelope over net/http's ServeMux, the
// authorization gate shared by every identity-carrying endpoint, and the
// heartbeat-refresh-on-mutation rule.
package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/dungeongate/platform/internal/apperr"
	"github.com/dungeongate/platform/internal/artifact"
	"github.com/dungeongate/platform/internal/game"
	"github.com/dungeongate/platform/internal/integrity"
	"github.com/dungeongate/platform/internal/model"
	"github.com/dungeongate/platform/internal/rating"
	"github.com/dungeongate/platform/internal/room"
	"github.com/dungeongate/platform/internal/session"
	"github.com/dungeongate/platform/internal/store"
	"github.com/dungeongate/platform/pkg/metrics"
)

// Server wires the business-logic services into an HTTP handler.
type Server struct {
	st         *store.Store
	sessions   *session.Service
	games      *game.Service
	rooms      *room.Service
	ratings    *rating.Service
	storageDir string

	onlineTimeout time.Duration

	metrics *metrics.Registry
	logger  *slog.Logger

	httpServer *http.Server
}

// Config bundles Server's dependencies.
type Config struct {
	Store         *store.Store
	Sessions      *session.Service
	Games         *game.Service
	Rooms         *room.Service
	Ratings       *rating.Service
	StorageDir    string
	OnlineTimeout time.Duration
	Metrics       *metrics.Registry
	Logger        *slog.Logger
}

// NewServer constructs an api.Server from cfg.
func NewServer(cfg Config) *Server {
	return &Server{
		st:            cfg.Store,
		sessions:      cfg.Sessions,
		games:         cfg.Games,
		rooms:         cfg.Rooms,
		ratings:       cfg.Ratings,
		storageDir:    cfg.StorageDir,
		onlineTimeout: cfg.OnlineTimeout,
		metrics:       cfg.Metrics,
		logger:        cfg.Logger,
	}
}

// Handler builds the routed, instrumented http.Handler for the whole API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /dev/register", s.handleRegister(session.Developer))
	mux.HandleFunc("POST /dev/login", s.handleLogin(session.Developer))
	mux.HandleFunc("POST /dev/logout", s.handleLogout(session.Developer))
	mux.HandleFunc("POST /dev/heartbeat", s.handleSessionHeartbeat(session.Developer))

	mux.HandleFunc("POST /player/register", s.handleRegister(session.Player))
	mux.HandleFunc("POST /player/login", s.handleLogin(session.Player))
	mux.HandleFunc("POST /player/logout", s.handleLogout(session.Player))
	mux.HandleFunc("POST /player/heartbeat", s.handleSessionHeartbeat(session.Player))
	mux.HandleFunc("GET /player/me", s.handlePlayerMe)

	mux.HandleFunc("GET /players", s.handlePlayers)

	mux.HandleFunc("GET /games", s.handleGamesList)
	mux.HandleFunc("GET /games/{id}", s.handleGameDetail)
	mux.HandleFunc("POST /games", s.handleGameCreate)
	mux.HandleFunc("PUT /games/{id}", s.handleGameUpdate)
	mux.HandleFunc("DELETE /games/{id}", s.handleGameRemove)
	mux.HandleFunc("GET /games/{id}/download", s.handleGameDownload)
	mux.HandleFunc("GET /games/{id}/integrity", s.handleGameIntegrity)

	mux.HandleFunc("GET /rooms", s.handleRoomsList)
	mux.HandleFunc("GET /rooms/{id}", s.handleRoomDetail)
	mux.HandleFunc("POST /rooms", s.handleRoomCreate)
	mux.HandleFunc("POST /rooms/{id}/join", s.handleRoomJoin)
	mux.HandleFunc("POST /rooms/{id}/leave", s.handleRoomLeave)
	mux.HandleFunc("POST /rooms/{id}/start", s.handleRoomStart)
	mux.HandleFunc("POST /rooms/{id}/close", s.handleRoomClose)
	mux.HandleFunc("POST /rooms/{id}/heartbeat", s.handleRoomHeartbeat)
	mux.HandleFunc("POST /rooms/{id}/played", s.handleRoomMarkPlayed)

	mux.HandleFunc("POST /ratings", s.handleRatingAdd)

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		metrics.HealthHandler("platform")(w, r)
	})
	mux.Handle("GET /metrics", s.metrics.Handler())

	return s.metrics.HTTPMiddleware()(mux)
}

// Start runs the HTTP server on addr until Stop shuts it down; it does not
// watch ctx.
func (s *Server) Start(ctx context.Context, addr string) error {
	s.httpServer = &http.Server{Addr: addr, Handler: s.Handler()}
	s.logger.Info("starting http server", "addr", addr)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop gracefully shuts the HTTP server down.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// envelope is the uniform {success, message, data} JSON response shape.
type envelope struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, env envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(env)
}

func ok(w http.ResponseWriter, message string, data any) {
	writeJSON(w, http.StatusOK, envelope{Success: true, Message: message, Data: data})
}

func fail(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, envelope{Success: false, Message: message})
}

// failResult maps the (ok, message) pair every store.Update-backed
// operation returns into an HTTP response.
func failResult(w http.ResponseWriter, message string) {
	fail(w, apperr.Status(apperr.New(apperr.Kind(message), message)), message)
}

func decodeBody(r *http.Request, v any) bool {
	if r.Body == nil {
		return false
	}
	return json.NewDecoder(r.Body).Decode(v) == nil
}

func pathInt(r *http.Request, name string) (int, bool) {
	v, err := strconv.Atoi(r.PathValue(name))
	if err != nil {
		return 0, false
	}
	return v, true
}

// requireAuth verifies the session for role/username, writing a 401
// response and returning false if it is not currently valid.
func (s *Server) requireAuth(w http.ResponseWriter, role session.Role, username string) bool {
	if !s.sessions.IsLoggedIn(role, username) {
		fail(w, http.StatusUnauthorized, string(apperr.Unauthorized))
		return false
	}
	return true
}

// --- session endpoints ---

type credentialsBody struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) handleRegister(role session.Role) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body credentialsBody
		if !decodeBody(r, &body) {
			fail(w, http.StatusBadRequest, string(apperr.InvalidInput))
			return
		}
		okResult, message, _ := s.sessions.Register(role, body.Username, body.Password)
		if !okResult {
			failResult(w, message)
			return
		}
		ok(w, message, nil)
	}
}

func (s *Server) handleLogin(role session.Role) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body credentialsBody
		if !decodeBody(r, &body) {
			fail(w, http.StatusBadRequest, string(apperr.InvalidInput))
			return
		}
		okResult, message, _ := s.sessions.Login(role, body.Username, body.Password)
		if !okResult {
			fail(w, http.StatusUnauthorized, message)
			return
		}
		ok(w, message, nil)
	}
}

func (s *Server) handleLogout(role session.Role) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Username string `json:"username"`
		}
		decodeBody(r, &body)
		s.sessions.Logout(role, body.Username)
		ok(w, "logged out", nil)
	}
}

func (s *Server) handleSessionHeartbeat(role session.Role) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Username string `json:"username"`
		}
		if !decodeBody(r, &body) {
			fail(w, http.StatusBadRequest, string(apperr.InvalidInput))
			return
		}
		if !s.requireAuth(w, role, body.Username) {
			return
		}
		s.sessions.Heartbeat(role, body.Username)
		ok(w, "", nil)
	}
}

type playerProfile struct {
	Username   string         `json:"username"`
	Online     bool           `json:"online"`
	PlayCounts map[string]int `json:"play_counts"`
}

func (s *Server) handlePlayerMe(w http.ResponseWriter, r *http.Request) {
	username := r.URL.Query().Get("username")
	if !s.requireAuth(w, session.Player, username) {
		return
	}

	snap := s.st.Snapshot()
	p, exists := snap.Players[username]
	if !exists {
		fail(w, http.StatusNotFound, string(apperr.InvalidInput))
		return
	}

	ok(w, "", playerProfile{Username: p.Username, Online: p.Online, PlayCounts: p.PlayCounts})
}

type playerListEntry struct {
	Name   string `json:"name"`
	Online bool   `json:"online"`
}

func (s *Server) handlePlayers(w http.ResponseWriter, r *http.Request) {
	snap := s.st.Snapshot()
	now := store.Now()

	entries := make([]playerListEntry, 0, len(snap.Players))
	for name := range snap.Players {
		lastSeen, hasSession := snap.Sessions[string(session.Player)][name]
		online := hasSession && now.Sub(lastSeen) <= s.onlineTimeout
		entries = append(entries, playerListEntry{Name: name, Online: online})
	}

	ok(w, "", entries)
}

// --- game endpoints ---

func (s *Server) handleGamesList(w http.ResponseWriter, r *http.Request) {
	all := r.URL.Query().Get("all") == "1"
	ok(w, "", s.games.List(!all))
}

func (s *Server) handleGameDetail(w http.ResponseWriter, r *http.Request) {
	g, exists := s.games.Get(r.PathValue("id"))
	if !exists {
		fail(w, http.StatusNotFound, string(apperr.GameNotFound))
		return
	}
	ok(w, "", gameDetail(g))
}

type gameDetailView struct {
	model.Game
	AverageScore *float64 `json:"average_score"`
}

func gameDetail(g model.Game) gameDetailView {
	view := gameDetailView{Game: g}
	if avg, has := rating.Average(g); has {
		view.AverageScore = &avg
	}
	return view
}

type createGameBody struct {
	Developer   string `json:"developer"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Version     string `json:"version"`
	FileData    string `json:"file_data"`
}

func (s *Server) handleGameCreate(w http.ResponseWriter, r *http.Request) {
	var body createGameBody
	if !decodeBody(r, &body) {
		fail(w, http.StatusBadRequest, string(apperr.InvalidInput))
		return
	}
	if !s.requireAuth(w, session.Developer, body.Developer) {
		return
	}

	okResult, message, data := s.games.Create(body.Developer, body.Name, body.Description, body.Version, body.FileData)
	if !okResult {
		failResult(w, message)
		return
	}
	s.sessions.Heartbeat(session.Developer, body.Developer)
	ok(w, message, data)
}

type updateGameBody struct {
	Developer string `json:"developer"`
	Version   string `json:"version"`
	FileData  string `json:"file_data"`
	Notes     string `json:"notes"`
}

func (s *Server) handleGameUpdate(w http.ResponseWriter, r *http.Request) {
	var body updateGameBody
	if !decodeBody(r, &body) {
		fail(w, http.StatusBadRequest, string(apperr.InvalidInput))
		return
	}
	if !s.requireAuth(w, session.Developer, body.Developer) {
		return
	}

	okResult, message, data := s.games.UpdateVersion(body.Developer, r.PathValue("id"), body.Version, body.FileData, body.Notes)
	if !okResult {
		failResult(w, message)
		return
	}
	s.sessions.Heartbeat(session.Developer, body.Developer)
	ok(w, message, data)
}

func (s *Server) handleGameRemove(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Developer string `json:"developer"`
	}
	if !decodeBody(r, &body) {
		fail(w, http.StatusBadRequest, string(apperr.InvalidInput))
		return
	}
	if !s.requireAuth(w, session.Developer, body.Developer) {
		return
	}

	okResult, message, data := s.games.Remove(body.Developer, r.PathValue("id"))
	if !okResult {
		failResult(w, message)
		return
	}
	s.sessions.Heartbeat(session.Developer, body.Developer)
	ok(w, message, data)
}

func (s *Server) handleGameDownload(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	version := r.URL.Query().Get("version")

	raw, resolved, aerr := s.games.Download(id, version)
	if aerr != nil {
		fail(w, apperr.Status(aerr), aerr.Message)
		return
	}

	g, _ := s.games.Get(id)
	ok(w, "", map[string]any{
		"file_data": base64.StdEncoding.EncodeToString(raw),
		"version":   resolved,
		"name":      g.Name,
		"game_id":   id,
	})
}

func (s *Server) handleGameIntegrity(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	version := r.URL.Query().Get("version")

	g, exists := s.games.Get(id)
	if !exists {
		fail(w, http.StatusNotFound, string(apperr.GameNotFound))
		return
	}
	if version == "" {
		version = g.LatestVersion
	}

	raw, err := artifact.Load(s.storageDir, id, version)
	if err != nil {
		fail(w, http.StatusNotFound, string(apperr.ArtifactMissing))
		return
	}

	manifest, err := integrity.Hash(id, version, raw)
	if err != nil {
		fail(w, http.StatusBadRequest, string(apperr.BundleInvalid))
		return
	}

	ok(w, "", manifest)
}

// --- room endpoints ---

func (s *Server) handleRoomsList(w http.ResponseWriter, r *http.Request) {
	ok(w, "", s.rooms.List())
}

func (s *Server) handleRoomDetail(w http.ResponseWriter, r *http.Request) {
	id, valid := pathInt(r, "id")
	if !valid {
		fail(w, http.StatusNotFound, string(apperr.RoomNotFound))
		return
	}
	room, exists := s.rooms.Get(id)
	if !exists {
		fail(w, http.StatusNotFound, string(apperr.RoomNotFound))
		return
	}
	ok(w, "", room)
}

func (s *Server) handleRoomCreate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Player string `json:"player"`
		GameID string `json:"game_id"`
	}
	if !decodeBody(r, &body) {
		fail(w, http.StatusBadRequest, string(apperr.InvalidInput))
		return
	}
	if !s.requireAuth(w, session.Player, body.Player) {
		return
	}

	okResult, message, data := s.rooms.Create(body.Player, body.GameID)
	if !okResult {
		failResult(w, message)
		return
	}
	s.sessions.Heartbeat(session.Player, body.Player)
	ok(w, message, data)
}

type roomActionBody struct {
	Player string `json:"player"`
}

func (s *Server) roomAction(w http.ResponseWriter, r *http.Request, action func(id int, player string) (bool, string, any)) {
	id, valid := pathInt(r, "id")
	if !valid {
		fail(w, http.StatusNotFound, string(apperr.RoomNotFound))
		return
	}

	var body roomActionBody
	if !decodeBody(r, &body) {
		fail(w, http.StatusBadRequest, string(apperr.InvalidInput))
		return
	}
	if !s.requireAuth(w, session.Player, body.Player) {
		return
	}

	okResult, message, data := action(id, body.Player)
	if !okResult {
		failResult(w, message)
		return
	}
	s.sessions.Heartbeat(session.Player, body.Player)
	ok(w, message, data)
}

func (s *Server) handleRoomJoin(w http.ResponseWriter, r *http.Request) {
	s.roomAction(w, r, s.rooms.Join)
}

func (s *Server) handleRoomLeave(w http.ResponseWriter, r *http.Request) {
	s.roomAction(w, r, s.rooms.Leave)
}

func (s *Server) handleRoomStart(w http.ResponseWriter, r *http.Request) {
	s.roomAction(w, r, s.rooms.Start)
}

func (s *Server) handleRoomClose(w http.ResponseWriter, r *http.Request) {
	s.roomAction(w, r, s.rooms.Close)
}

func (s *Server) handleRoomHeartbeat(w http.ResponseWriter, r *http.Request) {
	s.roomAction(w, r, s.rooms.Heartbeat)
}

func (s *Server) handleRoomMarkPlayed(w http.ResponseWriter, r *http.Request) {
	s.roomAction(w, r, s.rooms.MarkPlayed)
}

// --- rating endpoints ---

func (s *Server) handleRatingAdd(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Player  string `json:"player"`
		GameID  string `json:"game_id"`
		Score   int    `json:"score"`
		Comment string `json:"comment"`
	}
	if !decodeBody(r, &body) {
		fail(w, http.StatusBadRequest, string(apperr.InvalidInput))
		return
	}
	if !s.requireAuth(w, session.Player, body.Player) {
		return
	}

	okResult, message, data := s.ratings.Add(body.Player, body.GameID, body.Score, body.Comment)
	if !okResult {
		failResult(w, message)
		return
	}
	s.sessions.Heartbeat(session.Player, body.Player)
	ok(w, message, data)
}

// Package room implements the Room Lifecycle & Session Coordinator: room
// creation, membership, the waiting/in_game/finished state machine,
// heartbeat-driven garbage collection, and play-count counting. Every
// operation runs its garbage-collection pass inside the same store
// transaction as the read or write it performs, so no caller ever observes
// a half-collected room list.
package room

import (
	"fmt"
	"strings"
	"time"

	"github.com/dungeongate/platform/internal/apperr"
	"github.com/dungeongate/platform/internal/model"
	"github.com/dungeongate/platform/internal/store"
	"github.com/dungeongate/platform/pkg/metrics"
)

// Supervisor is the subset of the Runtime Supervisor the registry needs.
// Defined here (rather than importing runtime's concrete type for Start) so
// this package only depends on the shape it uses.
type Supervisor interface {
	Start(gameID, version string, roomID int, bundlePath string) (*model.GameServer, *apperr.Error)
	Stop(roomID int)
}

// Service implements the room registry's operations against st, delegating
// child-process lifecycle to sup.
type Service struct {
	st  *store.Store
	sup Supervisor

	MaxRooms             int
	RoomHeartbeatTimeout time.Duration
	FinishedRoomGrace    time.Duration
	GameServerHost       string
	GameServerPort       int

	// Metrics, when set, receives room-count gauges on every GC pass. Left
	// nil in tests that don't stand up a registry.
	Metrics *metrics.ServiceMetrics
}

// NewService constructs a room registry Service.
func NewService(st *store.Store, sup Supervisor, maxRooms int, heartbeatTimeout, finishedGrace time.Duration, gameServerHost string, gameServerPort int) *Service {
	return &Service{
		st:                   st,
		sup:                  sup,
		MaxRooms:             maxRooms,
		RoomHeartbeatTimeout: heartbeatTimeout,
		FinishedRoomGrace:    finishedGrace,
		GameServerHost:       gameServerHost,
		GameServerPort:       gameServerPort,
	}
}

// cleanup runs the garbage-collection pass described in §4.D: delete
// long-finished rooms, and finish any room whose host (while waiting) or
// any member (while in_game) has gone stale. Rooms transitioning to
// finished here have their runtime torn down. Must be called with the store
// lock already held (i.e. from inside an Update closure).
func (s *Service) cleanup(doc *store.Document, now time.Time) {
	for id, r := range doc.Rooms {
		if r.Status == model.RoomFinished {
			if r.EndedAt != nil && now.Sub(*r.EndedAt) > s.FinishedRoomGrace {
				delete(doc.Rooms, id)
			}
			continue
		}

		if r.Heartbeats == nil {
			r.Heartbeats = map[string]time.Time{}
		}
		for _, p := range r.Players {
			if _, ok := r.Heartbeats[p]; !ok {
				r.Heartbeats[p] = r.CreatedAt
			}
		}

		var stale []string
		for _, p := range r.Players {
			if now.Sub(r.Heartbeats[p]) > s.RoomHeartbeatTimeout {
				stale = append(stale, p)
			}
		}

		switch r.Status {
		case model.RoomWaiting:
			hostStale := false
			for _, p := range stale {
				if p == r.Host {
					hostStale = true
				}
			}
			if hostStale {
				s.finish(doc, &r, fmt.Sprintf("host disconnected: %s", r.Host), now)
			} else if len(stale) > 0 {
				r.Players = removeAll(r.Players, stale)
				for _, p := range stale {
					delete(r.Heartbeats, p)
				}
			}
		case model.RoomInGame:
			if len(stale) > 0 {
				s.finish(doc, &r, fmt.Sprintf("players disconnected: %s", strings.Join(stale, ", ")), now)
			}
		}

		doc.Rooms[id] = r
	}

	s.recordRoomCounts(doc)
}

// recordRoomCounts updates the by-state room gauge, if a metrics registry is
// attached. Called at the end of every cleanup pass so the gauge stays in
// sync with whatever the store currently holds.
func (s *Service) recordRoomCounts(doc *store.Document) {
	if s.Metrics == nil {
		return
	}
	counts := map[model.RoomStatus]int{model.RoomWaiting: 0, model.RoomInGame: 0, model.RoomFinished: 0}
	for _, r := range doc.Rooms {
		counts[r.Status]++
	}
	for state, n := range counts {
		s.Metrics.RoomsByState.WithLabelValues(string(state)).Set(float64(n))
	}
}

// finish transitions r to finished with reason, tearing down its runtime.
// r is mutated in place; the caller is responsible for writing it back into
// doc.Rooms.
func (s *Service) finish(doc *store.Document, r *model.Room, reason string, now time.Time) {
	r.Status = model.RoomFinished
	r.EndedAt = &now
	r.EndedReason = reason
	s.sup.Stop(r.ID)
}

func removeAll(players []string, remove []string) []string {
	drop := map[string]bool{}
	for _, p := range remove {
		drop[p] = true
	}
	out := make([]string, 0, len(players))
	for _, p := range players {
		if !drop[p] {
			out = append(out, p)
		}
	}
	return out
}

// Create allocates a new room for host against gameID.
func (s *Service) Create(host, gameID string) (bool, string, any) {
	return s.st.Update(func(doc *store.Document) (bool, string, any) {
		now := store.Now()
		s.cleanup(doc, now)

		g, ok := doc.Games[gameID]
		if !ok || !g.Active {
			return false, string(apperr.GameInactive), nil
		}
		if !g.AcceptNewRooms {
			return false, string(apperr.GameInactive), nil
		}
		if s.MaxRooms > 0 && countActive(doc) >= s.MaxRooms {
			return false, string(apperr.RoomCapExceeded), nil
		}

		id := doc.NextIDs.Room
		doc.NextIDs.Room++

		r := model.Room{
			ID:         id,
			GameID:     gameID,
			Version:    g.LatestVersion,
			Host:       host,
			Players:    []string{host},
			MinPlayers: g.MinPlayers,
			MaxPlayers: g.MaxPlayers,
			Status:     model.RoomWaiting,
			CreatedAt:  now,
			Heartbeats: map[string]time.Time{host: now},
		}
		doc.Rooms[id] = r

		return true, "created", r
	})
}

func countActive(doc *store.Document) int {
	n := 0
	for _, r := range doc.Rooms {
		if r.Status != model.RoomFinished {
			n++
		}
	}
	return n
}

// Join adds player to an open room.
func (s *Service) Join(roomID int, player string) (bool, string, any) {
	return s.st.Update(func(doc *store.Document) (bool, string, any) {
		now := store.Now()
		s.cleanup(doc, now)

		r, ok := doc.Rooms[roomID]
		if !ok {
			return false, string(apperr.RoomNotFound), nil
		}
		if r.Status != model.RoomWaiting {
			if r.Status == model.RoomFinished {
				return false, r.EndedReason, nil
			}
			return false, string(apperr.NotWaiting), nil
		}
		for _, p := range r.Players {
			if p == player {
				return false, string(apperr.InvalidInput), nil
			}
		}
		if len(r.Players) >= r.MaxPlayers {
			return false, string(apperr.RoomFull), nil
		}

		r.Players = append(r.Players, player)
		r.Heartbeats[player] = now
		doc.Rooms[roomID] = r

		return true, "joined", r
	})
}

// Leave removes player from a room, or finishes it if the host leaves or
// the room is already in_game.
func (s *Service) Leave(roomID int, player string) (bool, string, any) {
	return s.st.Update(func(doc *store.Document) (bool, string, any) {
		now := store.Now()
		s.cleanup(doc, now)

		r, ok := doc.Rooms[roomID]
		if !ok {
			return false, string(apperr.RoomNotFound), nil
		}
		if r.Status == model.RoomFinished {
			return false, r.EndedReason, nil
		}

		member := false
		for _, p := range r.Players {
			if p == player {
				member = true
			}
		}
		if !member {
			return false, string(apperr.NotMember), nil
		}

		if r.Status == model.RoomWaiting && player != r.Host {
			r.Players = removeAll(r.Players, []string{player})
			delete(r.Heartbeats, player)
			doc.Rooms[roomID] = r
			return true, "left", r
		}

		reason := fmt.Sprintf("host left: %s", player)
		if r.Status == model.RoomInGame {
			reason = fmt.Sprintf("%s left during match", player)
		}
		s.finish(doc, &r, reason, now)
		doc.Rooms[roomID] = r
		return true, "left", r
	})
}

// Close finishes a room at the request of any member.
func (s *Service) Close(roomID int, player string) (bool, string, any) {
	return s.st.Update(func(doc *store.Document) (bool, string, any) {
		now := store.Now()
		s.cleanup(doc, now)

		r, ok := doc.Rooms[roomID]
		if !ok {
			return false, string(apperr.RoomNotFound), nil
		}
		if r.Status == model.RoomFinished {
			return false, r.EndedReason, nil
		}

		member := false
		for _, p := range r.Players {
			if p == player {
				member = true
			}
		}
		if !member {
			return false, string(apperr.NotMember), nil
		}

		s.finish(doc, &r, fmt.Sprintf("%s closed the room", player), now)
		doc.Rooms[roomID] = r
		return true, "closed", r
	})
}

// startPrecheck is the read-only information Start needs from the store
// before it can call out to the Runtime Supervisor without holding the
// store lock.
type startPrecheck struct {
	room       model.Room
	bundlePath string
}

// Start launches roomID's game server. The spawn itself runs with the store
// lock released — only the precondition check and the final commit run
// under the store's transaction — so a slow or hung spawn never blocks
// unrelated room operations (see the concurrency model this preserves).
func (s *Service) Start(roomID int, host string) (bool, string, any) {
	now := store.Now()

	var pre *startPrecheck
	var failMsg string

	s.st.Update(func(doc *store.Document) (bool, string, any) {
		s.cleanup(doc, now)

		r, ok := doc.Rooms[roomID]
		if !ok {
			failMsg = string(apperr.RoomNotFound)
			return true, "", nil
		}
		if r.Status == model.RoomFinished {
			failMsg = r.EndedReason
			return true, "", nil
		}
		if r.Status != model.RoomWaiting {
			failMsg = string(apperr.NotWaiting)
			return true, "", nil
		}
		if r.Host != host {
			failMsg = string(apperr.NotHost)
			return true, "", nil
		}
		if len(r.Players) < r.MinPlayers {
			failMsg = string(apperr.BelowMinPlayers)
			return true, "", nil
		}

		g, ok := doc.Games[r.GameID]
		if !ok {
			failMsg = string(apperr.GameNotFound)
			return true, "", nil
		}
		var bundlePath string
		for _, v := range g.Versions {
			if v.Version == r.Version {
				bundlePath = v.BundlePath
			}
		}
		if bundlePath == "" {
			failMsg = string(apperr.ArtifactMissing)
			return true, "", nil
		}

		pre = &startPrecheck{room: r, bundlePath: bundlePath}
		return true, "", nil
	})

	if failMsg != "" {
		return false, failMsg, nil
	}
	if pre == nil {
		return false, string(apperr.RoomNotFound), nil
	}

	gs, serr := s.sup.Start(pre.room.GameID, pre.room.Version, pre.room.ID, pre.bundlePath)
	if serr != nil {
		return false, serr.Message, nil
	}
	if gs == nil {
		gs = &model.GameServer{Host: s.GameServerHost, Port: s.GameServerPort}
	}

	return s.st.Update(func(doc *store.Document) (bool, string, any) {
		r, ok := doc.Rooms[roomID]
		if !ok || r.Status != model.RoomWaiting || r.Host != host {
			// Room state changed out from under us between the precheck and
			// the spawn (e.g. GC finished it for a stale host). Tear the
			// freshly spawned server back down rather than leaking it.
			s.sup.Stop(roomID)
			return false, string(apperr.NotWaiting), nil
		}

		startedAt := store.Now()
		r.StartedAt = &startedAt
		r.Status = model.RoomInGame
		r.GameServer = gs
		for p := range r.Heartbeats {
			delete(r.Heartbeats, p)
		}
		for _, p := range r.Players {
			r.Heartbeats[p] = startedAt
		}
		doc.Rooms[roomID] = r

		return true, "started", r
	})
}

// Heartbeat refreshes player's liveness timestamp within roomID.
func (s *Service) Heartbeat(roomID int, player string) (bool, string, any) {
	return s.st.Update(func(doc *store.Document) (bool, string, any) {
		now := store.Now()
		s.cleanup(doc, now)

		r, ok := doc.Rooms[roomID]
		if !ok {
			return false, string(apperr.RoomNotFound), nil
		}
		if r.Status == model.RoomFinished {
			return false, r.EndedReason, nil
		}

		member := false
		for _, p := range r.Players {
			if p == player {
				member = true
			}
		}
		if !member {
			return false, string(apperr.NotMember), nil
		}

		r.Heartbeats[player] = now
		doc.Rooms[roomID] = r
		return true, "", r
	})
}

// MarkPlayed increments the play count for every current member of roomID,
// exactly once per room.
func (s *Service) MarkPlayed(roomID int, caller string) (bool, string, any) {
	return s.st.Update(func(doc *store.Document) (bool, string, any) {
		now := store.Now()
		s.cleanup(doc, now)

		r, ok := doc.Rooms[roomID]
		if !ok {
			return false, string(apperr.RoomNotFound), nil
		}
		if r.Status != model.RoomInGame {
			return false, string(apperr.NotWaiting), nil
		}

		member := false
		for _, p := range r.Players {
			if p == caller {
				member = true
			}
		}
		if !member {
			return false, string(apperr.NotMember), nil
		}

		if r.PlayedCounted {
			return true, "already counted", r
		}

		for _, p := range r.Players {
			player, ok := doc.Players[p]
			if !ok {
				continue
			}
			if player.PlayCounts == nil {
				player.PlayCounts = map[string]int{}
			}
			player.PlayCounts[r.GameID]++
			doc.Players[p] = player
		}

		r.PlayedCounted = true
		doc.Rooms[roomID] = r

		return true, "counted", r
	})
}

// List returns every non-finished room.
func (s *Service) List() []model.Room {
	var rooms []model.Room
	s.st.Update(func(doc *store.Document) (bool, string, any) {
		s.cleanup(doc, store.Now())
		for _, r := range doc.Rooms {
			if r.Status != model.RoomFinished {
				rooms = append(rooms, r)
			}
		}
		return true, "", nil
	})
	return rooms
}

// Get returns roomID's detail, including finished rooms not yet collected
// so clients can observe the final reason.
func (s *Service) Get(roomID int) (model.Room, bool) {
	var r model.Room
	var ok bool
	s.st.Update(func(doc *store.Document) (bool, string, any) {
		s.cleanup(doc, store.Now())
		r, ok = doc.Rooms[roomID]
		return true, "", nil
	})
	return r, ok
}

// ColdBootCleanup marks every room left in_game from a previous process
// lifetime as finished with reason "server_restart". Call once at startup,
// before serving requests.
func (s *Service) ColdBootCleanup() int {
	n := 0
	s.st.Update(func(doc *store.Document) (bool, string, any) {
		now := store.Now()
		for id, r := range doc.Rooms {
			if r.Status == model.RoomInGame {
				r.Status = model.RoomFinished
				r.EndedAt = &now
				r.EndedReason = "server_restart"
				doc.Rooms[id] = r
				n++
			}
		}
		return true, "", nil
	})
	return n
}

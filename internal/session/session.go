// Package session implements register/login/logout/heartbeat for both
// developer and player roles, operating on the session tables embedded in
// the store document. Session liveness is TTL-based: a session is alive
// while now-last_seen is within SessionTimeout, refreshed only by an
// explicit heartbeat call, never by a read.
package session

import (
	"time"

	"github.com/dungeongate/platform/internal/apperr"
	"github.com/dungeongate/platform/internal/model"
	"github.com/dungeongate/platform/internal/store"
)

// Role identifies which session table an operation addresses.
type Role string

const (
	Developer Role = "developer"
	Player    Role = "player"
)

// Service implements the session layer's operations against st.
type Service struct {
	st                  *store.Store
	SessionTimeout      time.Duration
	ConcurrentLoginLock time.Duration
}

// NewService constructs a session Service with the given store and timeouts.
func NewService(st *store.Store, sessionTimeout, concurrentLoginLock time.Duration) *Service {
	return &Service{
		st:                  st,
		SessionTimeout:      sessionTimeout,
		ConcurrentLoginLock: concurrentLoginLock,
	}
}

// Register inserts a fresh account record for role/username.
func (s *Service) Register(role Role, username, password string) (bool, string, any) {
	if username == "" || password == "" {
		return false, string(apperr.InvalidInput), nil
	}

	return s.st.Update(func(doc *store.Document) (bool, string, any) {
		switch role {
		case Developer:
			if _, exists := doc.Developers[username]; exists {
				return false, string(apperr.UsernameTaken), nil
			}
			doc.Developers[username] = model.Developer{
				Account:    model.Account{Username: username, Password: password},
				OwnedGames: []string{},
			}
		case Player:
			if _, exists := doc.Players[username]; exists {
				return false, string(apperr.UsernameTaken), nil
			}
			doc.Players[username] = model.Player{
				Account:    model.Account{Username: username, Password: password},
				PlayCounts: map[string]int{},
			}
		}
		return true, "registered", nil
	})
}

// Login verifies credentials and, absent a concurrent-login lock, opens a
// new session.
func (s *Service) Login(role Role, username, password string) (bool, string, any) {
	now := store.Now()

	return s.st.Update(func(doc *store.Document) (bool, string, any) {
		stored, ok := accountPassword(doc, role, username)
		if !ok || stored != password {
			return false, string(apperr.BadCredentials), nil
		}

		table := doc.Sessions[string(role)]
		if lastSeen, exists := table[username]; exists && now.Sub(lastSeen) < s.ConcurrentLoginLock {
			return false, string(apperr.ConcurrentLogin), nil
		}

		table[username] = now
		setOnline(doc, role, username, true)
		return true, "logged in", nil
	})
}

// Logout removes the session entry for username, if any. Idempotent.
func (s *Service) Logout(role Role, username string) (bool, string, any) {
	return s.st.Update(func(doc *store.Document) (bool, string, any) {
		delete(doc.Sessions[string(role)], username)
		setOnline(doc, role, username, false)
		return true, "logged out", nil
	})
}

// IsLoggedIn is a read-only check: true iff now-last_seen <= SessionTimeout.
// It never mutates the store — callers that want to refresh liveness must
// call Heartbeat explicitly.
func (s *Service) IsLoggedIn(role Role, username string) bool {
	snap := s.st.Snapshot()
	lastSeen, ok := snap.Sessions[string(role)][username]
	if !ok {
		return false
	}
	return store.Now().Sub(lastSeen) <= s.SessionTimeout
}

// Heartbeat refreshes username's session entry if one exists; otherwise a
// no-op.
func (s *Service) Heartbeat(role Role, username string) {
	s.st.Update(func(doc *store.Document) (bool, string, any) {
		table := doc.Sessions[string(role)]
		if _, exists := table[username]; exists {
			table[username] = store.Now()
		}
		return true, "", nil
	})
}

func accountPassword(doc *store.Document, role Role, username string) (string, bool) {
	switch role {
	case Developer:
		dev, ok := doc.Developers[username]
		if !ok {
			return "", false
		}
		return dev.Password, true
	case Player:
		p, ok := doc.Players[username]
		if !ok {
			return "", false
		}
		return p.Password, true
	}
	return "", false
}

func setOnline(doc *store.Document, role Role, username string, online bool) {
	switch role {
	case Developer:
		if dev, ok := doc.Developers[username]; ok {
			dev.Online = online
			doc.Developers[username] = dev
		}
	case Player:
		if p, ok := doc.Players[username]; ok {
			p.Online = online
			doc.Players[username] = p
		}
	}
}

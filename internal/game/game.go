// Package game implements the Artifact Store's game lifecycle operations:
// upload (create/update), downlist, listing, detail, and download. Bundle
// validation and on-disk storage are delegated to internal/artifact; this
// package owns the Game records inside the store document and the rules
// that govern their visibility and mutability.
package game

import (
	"fmt"

	"github.com/dungeongate/platform/internal/apperr"
	"github.com/dungeongate/platform/internal/artifact"
	"github.com/dungeongate/platform/internal/model"
	"github.com/dungeongate/platform/internal/store"
)

// Service implements game upload, downlist, and retrieval against st,
// storing bundle bytes under storageDir.
type Service struct {
	st         *store.Store
	storageDir string
}

// NewService constructs a game Service.
func NewService(st *store.Store, storageDir string) *Service {
	return &Service{st: st, storageDir: storageDir}
}

// Create validates and stores a brand-new game's first version.
func (s *Service) Create(developer, name, description, version, fileData string) (bool, string, any) {
	if developer == "" || name == "" || version == "" || fileData == "" {
		return false, string(apperr.InvalidInput), nil
	}

	bundle, verr := artifact.Validate(fileData)
	if verr != nil {
		return false, verr.Message, nil
	}

	slug := artifact.Slug(name)
	if slug == "" {
		return false, string(apperr.InvalidInput), nil
	}

	return s.st.Update(func(doc *store.Document) (bool, string, any) {
		dev, ok := doc.Developers[developer]
		if !ok {
			return false, string(apperr.BadCredentials), nil
		}
		if _, exists := doc.Games[slug]; exists {
			return false, string(apperr.InvalidInput), nil
		}

		now := store.Now()
		g := model.Game{
			ID:             slug,
			Name:           name,
			Owner:          developer,
			Description:    description,
			MinPlayers:     bundle.Manifest.MinPlayers,
			MaxPlayers:     bundle.Manifest.MaxPlayers,
			Active:         true,
			AcceptNewRooms: true,
			Versions: []model.Version{{
				Version:    version,
				BundlePath: artifact.BundlePath(s.storageDir, slug, version),
				UploadedAt: now,
				Notes:      "Initial release",
			}},
			LatestVersion: version,
			CreatedAt:     now,
		}

		if err := artifact.Store(s.storageDir, slug, version, bundle.Raw); err != nil {
			return false, fmt.Sprintf("failed to persist bundle: %v", err), nil
		}

		doc.Games[slug] = g
		dev.OwnedGames = append(dev.OwnedGames, slug)
		doc.Developers[developer] = dev

		return true, "created", g
	})
}

// UpdateVersion appends a new version to an existing, owned, active game.
func (s *Service) UpdateVersion(developer, gameID, version, fileData, notes string) (bool, string, any) {
	if developer == "" || version == "" || fileData == "" {
		return false, string(apperr.InvalidInput), nil
	}

	bundle, verr := artifact.Validate(fileData)
	if verr != nil {
		return false, verr.Message, nil
	}

	return s.st.Update(func(doc *store.Document) (bool, string, any) {
		g, ok := doc.Games[gameID]
		if !ok {
			return false, string(apperr.GameNotFound), nil
		}
		if g.Owner != developer {
			return false, string(apperr.NotOwner), nil
		}
		if !g.Active {
			return false, string(apperr.GameInactive), nil
		}
		if bundle.Manifest.MinPlayers != g.MinPlayers || bundle.Manifest.MaxPlayers != g.MaxPlayers {
			return false, string(apperr.InvalidInput), nil
		}
		for _, v := range g.Versions {
			if v.Version == version {
				return false, string(apperr.DuplicateVersion), nil
			}
		}

		if err := artifact.Store(s.storageDir, gameID, version, bundle.Raw); err != nil {
			return false, fmt.Sprintf("failed to persist bundle: %v", err), nil
		}

		g.Versions = append(g.Versions, model.Version{
			Version:    version,
			BundlePath: artifact.BundlePath(s.storageDir, gameID, version),
			UploadedAt: store.Now(),
			Notes:      notes,
		})
		g.LatestVersion = version
		doc.Games[gameID] = g

		return true, "updated", g
	})
}

// Remove soft-disables a game: active rooms are left to finish naturally,
// but no new rooms may be created against it.
func (s *Service) Remove(developer, gameID string) (bool, string, any) {
	return s.st.Update(func(doc *store.Document) (bool, string, any) {
		g, ok := doc.Games[gameID]
		if !ok {
			return false, string(apperr.GameNotFound), nil
		}
		if g.Owner != developer {
			return false, string(apperr.NotOwner), nil
		}

		g.Active = false
		g.AcceptNewRooms = false
		now := store.Now()
		g.DeactivatedAt = &now
		doc.Games[gameID] = g

		active := 0
		for _, r := range doc.Rooms {
			if r.GameID == gameID && r.Status != model.RoomFinished {
				active++
			}
		}

		return true, fmt.Sprintf("game disabled, %d active room(s) retained", active), active
	})
}

// List returns every game, or only active ones when activeOnly is true.
func (s *Service) List(activeOnly bool) []model.Game {
	snap := s.st.Snapshot()
	games := make([]model.Game, 0, len(snap.Games))
	for _, g := range snap.Games {
		if activeOnly && !g.Active {
			continue
		}
		games = append(games, g)
	}
	return games
}

// Get returns the detail record for gameID.
func (s *Service) Get(gameID string) (model.Game, bool) {
	snap := s.st.Snapshot()
	g, ok := snap.Games[gameID]
	return g, ok
}

// Download resolves a version (explicit, or the latest if empty) and
// returns its raw bundle bytes, unless the game is inactive with no active
// room still referencing it.
func (s *Service) Download(gameID, version string) (raw []byte, resolvedVersion string, err *apperr.Error) {
	snap := s.st.Snapshot()
	g, ok := snap.Games[gameID]
	if !ok {
		return nil, "", apperr.New(apperr.GameNotFound, string(apperr.GameNotFound))
	}

	resolvedVersion = version
	if resolvedVersion == "" {
		resolvedVersion = g.LatestVersion
	}
	found := false
	for _, v := range g.Versions {
		if v.Version == resolvedVersion {
			found = true
			break
		}
	}
	if !found {
		return nil, "", apperr.New(apperr.ArtifactMissing, string(apperr.ArtifactMissing))
	}

	if !g.Active {
		hasActiveRoom := false
		for _, r := range snap.Rooms {
			if r.GameID == gameID && r.Status != model.RoomFinished {
				hasActiveRoom = true
				break
			}
		}
		if !hasActiveRoom {
			return nil, "", apperr.New(apperr.GameInactive, string(apperr.GameInactive))
		}
	}

	data, readErr := artifact.Load(s.storageDir, gameID, resolvedVersion)
	if readErr != nil {
		return nil, "", apperr.New(apperr.ArtifactMissing, string(apperr.ArtifactMissing))
	}

	return data, resolvedVersion, nil
}

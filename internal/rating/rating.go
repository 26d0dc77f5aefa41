// Package rating implements the play-gated rating upsert and average-score
// computation attached to each game.
package rating

import (
	"math"

	"github.com/dungeongate/platform/internal/apperr"
	"github.com/dungeongate/platform/internal/model"
	"github.com/dungeongate/platform/internal/store"
)

// Service implements Add against st.
type Service struct {
	st *store.Store
}

// NewService constructs a rating Service.
func NewService(st *store.Store) *Service {
	return &Service{st: st}
}

// Add records player's rating of gameID, provided they have played it at
// least once. A second submission overwrites the first rather than adding a
// new record.
func (s *Service) Add(player, gameID string, score int, comment string) (bool, string, any) {
	if score < 1 || score > 5 {
		return false, string(apperr.RatingOutOfRange), nil
	}

	return s.st.Update(func(doc *store.Document) (bool, string, any) {
		p, ok := doc.Players[player]
		if !ok {
			return false, string(apperr.InvalidInput), nil
		}
		g, ok := doc.Games[gameID]
		if !ok {
			return false, string(apperr.GameNotFound), nil
		}
		if !g.Active {
			return false, string(apperr.GameInactive), nil
		}
		if p.PlayCounts[gameID] < 1 {
			return false, string(apperr.NeverPlayed), nil
		}

		now := store.Now()
		overwritten := false
		for i, r := range g.Ratings {
			if r.Player == player {
				g.Ratings[i].Score = score
				g.Ratings[i].Comment = comment
				g.Ratings[i].Timestamp = now
				overwritten = true
				break
			}
		}
		if !overwritten {
			id := doc.NextIDs.Rating
			doc.NextIDs.Rating++
			g.Ratings = append(g.Ratings, model.Rating{
				ID:        id,
				Player:    player,
				GameID:    gameID,
				Score:     score,
				Comment:   comment,
				Timestamp: now,
			})
		}

		doc.Games[gameID] = g
		return true, "rated", nil
	})
}

// Average returns the arithmetic mean of a game's ratings, rounded to two
// decimals, or ok=false if the game has none.
func Average(g model.Game) (float64, bool) {
	if len(g.Ratings) == 0 {
		return 0, false
	}
	sum := 0
	for _, r := range g.Ratings {
		sum += r.Score
	}
	avg := float64(sum) / float64(len(g.Ratings))
	return math.Round(avg*100) / 100, true
}

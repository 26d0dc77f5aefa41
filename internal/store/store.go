// Package store holds the single serialized document that backs every
// mutable entity in the platform: developers, players, games, rooms,
// ratings, and session tables. It exposes exactly two operations —
// Snapshot (a deep-copy read) and Update (an exclusive read-modify-write
// transaction that always durably flushes) — so that every multi-field
// transition in the rest of the module is a single critical section with
// no partial reads visible to other callers.
package store

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dungeongate/platform/internal/model"
)

// NextIDs holds the monotonic counters shared across the document.
type NextIDs struct {
	Room   int `json:"room"`
	Rating int `json:"rating"`
}

// Document is the whole persisted state of the platform, serialized as one
// JSON file. Nothing outside Store ever holds a live reference to it —
// callers only see copies returned by Snapshot or the document passed into
// an Update closure.
type Document struct {
	Developers map[string]model.Developer    `json:"developers"`
	Players    map[string]model.Player       `json:"players"`
	Games      map[string]model.Game         `json:"games"`
	Rooms      map[int]model.Room            `json:"rooms"`
	Sessions   map[string]model.SessionTable `json:"sessions"` // keyed by role: "developer"|"player"
	NextIDs    NextIDs                       `json:"next_ids"`
}

func emptyDocument() *Document {
	return &Document{
		Developers: map[string]model.Developer{},
		Players:    map[string]model.Player{},
		Games:      map[string]model.Game{},
		Rooms:      map[int]model.Room{},
		Sessions: map[string]model.SessionTable{
			"developer": {},
			"player":    {},
		},
		NextIDs: NextIDs{Room: 1, Rating: 1},
	}
}

// UpdateFunc mutates doc in place and returns whether the transaction
// succeeded, a message describing the outcome, and an optional result
// payload. Returning ok=false means the transaction is reported as a
// rejection but its (non-)mutation of doc is still flushed — callers that
// want to abort without side effects must not mutate doc before failing.
type UpdateFunc func(doc *Document) (ok bool, message string, data any)

// Store guards one Document with a single mutex and persists it to path on
// every Update, using write-temp-then-rename so a crash mid-flush can never
// corrupt the previously durable snapshot.
type Store struct {
	mu     sync.RWMutex
	path   string
	doc    *Document
	logger *slog.Logger
}

// Open loads the document at path, creating it with the empty schema if it
// does not yet exist.
func Open(path string, logger *slog.Logger) (*Store, error) {
	s := &Store{path: path, logger: logger}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			s.doc = emptyDocument()
			if err := s.flush(s.doc); err != nil {
				return nil, fmt.Errorf("bootstrap store: %w", err)
			}
			return s, nil
		}
		return nil, fmt.Errorf("read store: %w", err)
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse store: %w", err)
	}
	if doc.Sessions == nil {
		doc.Sessions = map[string]model.SessionTable{}
	}
	for _, role := range []string{"developer", "player"} {
		if doc.Sessions[role] == nil {
			doc.Sessions[role] = model.SessionTable{}
		}
	}
	s.doc = &doc
	return s, nil
}

// Snapshot returns a deep copy of the document. Callers may inspect and
// transform it freely without racing subsequent Updates.
func (s *Store) Snapshot() Document {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return *deepCopy(s.doc)
}

// Update runs fn against the live document under an exclusive lock, always
// flushes the (possibly mutated) document to durable storage afterward, and
// returns fn's result. fn must not retain doc beyond its own call.
func (s *Store) Update(fn UpdateFunc) (bool, string, any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ok, message, data := fn(s.doc)

	if err := s.flush(s.doc); err != nil {
		s.logger.Error("store flush failed", "error", err)
	}

	return ok, message, data
}

// flush writes doc to s.path via write-temp-then-rename so a partial write
// never corrupts the previous durable copy.
func (s *Store) flush(doc *Document) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create store dir: %w", err)
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal store: %w", err)
	}

	tmp := filepath.Join(dir, fmt.Sprintf(".%s.tmp-%s", filepath.Base(s.path), uuid.NewString()))
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp store file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename temp store file: %w", err)
	}
	return nil
}

// deepCopy round-trips doc through JSON to produce an independent copy.
// The document is plain data (no channels, funcs, or unexported state), so
// this is correct and simpler than hand-written field-by-field cloning.
func deepCopy(doc *Document) *Document {
	data, err := json.Marshal(doc)
	if err != nil {
		// Document only contains JSON-safe types; a marshal failure here
		// indicates a programming error, not a runtime condition to recover
		// from.
		panic(fmt.Sprintf("store: document failed to marshal for snapshot: %v", err))
	}

	var out Document
	if err := json.Unmarshal(data, &out); err != nil {
		panic(fmt.Sprintf("store: document failed to unmarshal for snapshot: %v", err))
	}
	return &out
}

// Now is a seam for tests that need deterministic timestamps; the services
// read every timestamp they store through it rather than calling
// time.Now() directly.
var Now = time.Now

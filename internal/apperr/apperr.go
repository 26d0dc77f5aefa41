// Package apperr defines the error kinds surfaced to API clients and their
// mapping to HTTP status codes. Services report most rejections as a
// message string, usually a Kind's name; the HTTP layer wraps that string
// with New and maps it through Status, so a message that names no Kind is
// reported as 400.
package apperr

import "net/http"

// Kind identifies one of the error categories a client can act on.
type Kind string

const (
	InvalidInput        Kind = "InvalidInput"
	BadCredentials      Kind = "BadCredentials"
	UsernameTaken       Kind = "UsernameTaken"
	ConcurrentLogin     Kind = "ConcurrentLogin"
	Unauthorized        Kind = "Unauthorized"
	ManifestSchema      Kind = "ManifestSchema"
	BundleInvalid       Kind = "BundleInvalid"
	ArtifactMissing     Kind = "ArtifactMissing"
	GameNotFound        Kind = "GameNotFound"
	GameInactive        Kind = "GameInactive"
	NotOwner            Kind = "NotOwner"
	DuplicateVersion    Kind = "DuplicateVersion"
	RoomNotFound        Kind = "RoomNotFound"
	RoomFull            Kind = "RoomFull"
	NotWaiting          Kind = "NotWaiting"
	NotMember           Kind = "NotMember"
	NotHost             Kind = "NotHost"
	BelowMinPlayers     Kind = "BelowMinPlayers"
	RoomCapExceeded     Kind = "RoomCapExceeded"
	SpawnFailed         Kind = "SpawnFailed"
	StartupTimeout      Kind = "StartupTimeout"
	RuntimeMissingEntry Kind = "RuntimeMissingEntry"
	RatingOutOfRange    Kind = "RatingOutOfRange"
	NeverPlayed         Kind = "NeverPlayed"
)

// Error is a business-rule rejection carrying a Kind the HTTP layer maps to
// a status code, and a human-readable Message reported verbatim to clients.
type Error struct {
	Kind    Kind
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

// New constructs an *Error with the given kind and message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Status maps an error kind to the HTTP status convention: 401 for
// unauthenticated/unauthorized, 404 for missing entities, 400 for every
// other business-rule rejection.
func Status(err error) int {
	ae, ok := err.(*Error)
	if !ok {
		return http.StatusInternalServerError
	}

	switch ae.Kind {
	case BadCredentials, ConcurrentLogin, Unauthorized:
		return http.StatusUnauthorized
	case GameNotFound, RoomNotFound, ArtifactMissing:
		return http.StatusNotFound
	default:
		return http.StatusBadRequest
	}
}

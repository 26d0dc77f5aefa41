// Package artifact validates uploaded game bundles and manages their
// on-disk storage: base64 decoding, zip and manifest validation, slug
// derivation, and the versioned file layout under storage/games/.
package artifact

import (
	"archive/zip"
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/dungeongate/platform/internal/apperr"
	"github.com/dungeongate/platform/internal/model"
)

// requiredManifestKeys are the exact keys manifest.json must carry — no
// more, no fewer.
var requiredManifestKeys = map[string]bool{
	"entry":        true,
	"server_entry": true,
	"min_players":  true,
	"max_players":  true,
}

var slugNonAlnum = regexp.MustCompile(`[^a-z0-9]+`)

// Slug derives a game id from a display name: lowercase, non-alphanumerics
// collapsed to a single dash, trimmed of leading/trailing dashes.
func Slug(name string) string {
	s := slugNonAlnum.ReplaceAllString(strings.ToLower(name), "-")
	return strings.Trim(s, "-")
}

// Bundle is a validated, decoded zip ready to be persisted.
type Bundle struct {
	Raw      []byte
	Manifest model.Manifest
}

// Validate runs the full upload-validation pipeline against a base64-encoded
// zip, in the order the platform contract specifies: decode, zip-parse,
// manifest presence, manifest schema, entry/server_entry path safety and
// existence, and player-bound sanity.
func Validate(fileData string) (*Bundle, *apperr.Error) {
	raw, err := base64.StdEncoding.DecodeString(fileData)
	if err != nil {
		return nil, apperr.New(apperr.BundleInvalid, "file_data is not valid base64")
	}

	zr, err := zip.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return nil, apperr.New(apperr.BundleInvalid, "file_data is not a valid zip archive")
	}

	entries := make(map[string]*zip.File, len(zr.File))
	for _, f := range zr.File {
		entries[normalizeZipPath(f.Name)] = f
	}

	manifestFile, ok := entries["manifest.json"]
	if !ok {
		return nil, apperr.New(apperr.BundleInvalid, "bundle is missing manifest.json at the root")
	}

	rc, err := manifestFile.Open()
	if err != nil {
		return nil, apperr.New(apperr.BundleInvalid, "manifest.json could not be read")
	}
	defer rc.Close()

	var raw2 map[string]json.RawMessage
	if err := json.NewDecoder(rc).Decode(&raw2); err != nil {
		return nil, apperr.New(apperr.ManifestSchema, "manifest.json is not a JSON object")
	}
	if len(raw2) != len(requiredManifestKeys) {
		return nil, apperr.New(apperr.ManifestSchema, "manifest.json must have exactly {entry, server_entry, min_players, max_players}")
	}
	for key := range raw2 {
		if !requiredManifestKeys[key] {
			return nil, apperr.New(apperr.ManifestSchema, fmt.Sprintf("manifest.json has unexpected key %q", key))
		}
	}

	var manifest model.Manifest
	remarshaled, _ := json.Marshal(raw2)
	if err := json.Unmarshal(remarshaled, &manifest); err != nil {
		return nil, apperr.New(apperr.ManifestSchema, "manifest.json fields have the wrong type")
	}

	if manifest.Entry == "" {
		return nil, apperr.New(apperr.ManifestSchema, "entry must be a non-empty string")
	}

	entryPath, err := safeZipPath(manifest.Entry)
	if err != nil {
		return nil, apperr.New(apperr.ManifestSchema, "entry must not escape the bundle")
	}
	if _, ok := entries[entryPath]; !ok {
		return nil, apperr.New(apperr.ManifestSchema, "entry does not refer to a file in the bundle")
	}

	// An empty server_entry marks a client-only game: the platform spawns no
	// process for it and publishes its own address instead (see internal/runtime).
	if manifest.ServerEntry != "" {
		serverPath, err := safeZipPath(manifest.ServerEntry)
		if err != nil {
			return nil, apperr.New(apperr.ManifestSchema, "server_entry must not escape the bundle")
		}
		if _, ok := entries[serverPath]; !ok {
			return nil, apperr.New(apperr.ManifestSchema, "server_entry does not refer to a file in the bundle")
		}
	}

	if manifest.MinPlayers <= 0 || manifest.MaxPlayers <= 0 || manifest.MinPlayers > manifest.MaxPlayers {
		return nil, apperr.New(apperr.ManifestSchema, "min_players and max_players must be positive with min <= max")
	}

	return &Bundle{Raw: raw, Manifest: manifest}, nil
}

// normalizeZipPath strips a leading "./", collapses backslashes to forward
// slashes, and strips a leading slash — the same normalization clients are
// expected to apply before comparing paths.
func normalizeZipPath(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	p = strings.TrimPrefix(p, "./")
	p = strings.TrimPrefix(p, "/")
	return p
}

// safeZipPath normalizes p and rejects any ".." path component.
func safeZipPath(p string) (string, error) {
	norm := normalizeZipPath(p)
	for _, part := range strings.Split(norm, "/") {
		if part == ".." {
			return "", fmt.Errorf("path escapes bundle root: %s", p)
		}
	}
	return norm, nil
}

// BundlePath returns the on-disk path a bundle for (gameID, version) is
// stored at, rooted at storageDir.
func BundlePath(storageDir, gameID, version string) string {
	return filepath.Join(storageDir, "games", gameID, version+".zip")
}

// Store writes raw bundle bytes to the versioned path for (gameID, version),
// creating parent directories as needed.
func Store(storageDir, gameID, version string, raw []byte) error {
	path := BundlePath(storageDir, gameID, version)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create bundle directory: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("write bundle: %w", err)
	}
	return nil
}

// Load reads the raw bundle bytes for (gameID, version).
func Load(storageDir, gameID, version string) ([]byte, error) {
	return os.ReadFile(BundlePath(storageDir, gameID, version))
}

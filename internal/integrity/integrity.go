// Package integrity computes the deterministic per-file hash manifest
// clients use to validate a local install against the server's copy of a
// bundle before launching it.
package integrity

import (
	"archive/zip"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"path"
	"strings"
)

// Manifest is the per-file digest map returned to clients for one game
// version.
type Manifest struct {
	GameID  string            `json:"game_id"`
	Version string            `json:"version"`
	Files   map[string]string `json:"files"`
}

// ignoreDirs are top-level directories excluded wholesale.
var ignoreDirs = map[string]bool{
	"__MACOSX": true,
	".git":     true,
	".idea":    true,
	".vscode":  true,
}

// ignoreBasenames are excluded regardless of their directory.
var ignoreBasenames = map[string]bool{
	".DS_Store": true,
	"Thumbs.db": true,
}

// Hash opens raw as a zip and returns the SHA-256 digest of every entry not
// excluded by the ignore set.
func Hash(gameID, version string, raw []byte) (*Manifest, error) {
	zr, err := zip.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return nil, err
	}

	files := map[string]string{}
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		p := normalize(f.Name)
		if ignored(p) {
			continue
		}

		rc, err := f.Open()
		if err != nil {
			return nil, err
		}
		h := sha256.New()
		if _, err := io.Copy(h, rc); err != nil {
			rc.Close()
			return nil, err
		}
		rc.Close()

		files[p] = hex.EncodeToString(h.Sum(nil))
	}

	return &Manifest{GameID: gameID, Version: version, Files: files}, nil
}

func normalize(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	return strings.TrimPrefix(p, "/")
}

func ignored(p string) bool {
	base := path.Base(p)
	if ignoreBasenames[base] {
		return true
	}
	if strings.HasSuffix(base, ".pyc") || strings.HasSuffix(base, ".pyo") {
		return true
	}

	for _, part := range strings.Split(p, "/") {
		if part == "__pycache__" {
			return true
		}
	}

	if idx := strings.Index(p, "/"); idx >= 0 {
		if ignoreDirs[p[:idx]] {
			return true
		}
	} else if ignoreDirs[p] {
		return true
	}

	return false
}

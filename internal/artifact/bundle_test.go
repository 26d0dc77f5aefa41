package artifact

import (
	"archive/zip"
	"bytes"
	"encoding/base64"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildZip(t *testing.T, files map[string]string) string {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return base64.StdEncoding.EncodeToString(buf.Bytes())
}

func validManifest() string {
	return `{"entry":"main.py","server_entry":"server.py","min_players":2,"max_players":2}`
}

func TestValidateAcceptsWellFormedBundle(t *testing.T) {
	data := buildZip(t, map[string]string{
		"manifest.json": validManifest(),
		"main.py":       "print('hi')",
		"server.py":     "print('server')",
	})

	bundle, err := Validate(data)
	require.Nil(t, err)
	assert.Equal(t, "main.py", bundle.Manifest.Entry)
	assert.Equal(t, 2, bundle.Manifest.MinPlayers)
}

func TestValidateRejectsBadBase64(t *testing.T) {
	_, err := Validate("not-base64!!!")
	require.NotNil(t, err)
	assert.Equal(t, "BundleInvalid", string(err.Kind))
}

func TestValidateRejectsMissingManifest(t *testing.T) {
	data := buildZip(t, map[string]string{"main.py": "print('hi')"})
	_, err := Validate(data)
	require.NotNil(t, err)
	assert.Equal(t, "BundleInvalid", string(err.Kind))
}

func TestValidateRejectsExtraManifestKey(t *testing.T) {
	data := buildZip(t, map[string]string{
		"manifest.json": `{"entry":"main.py","server_entry":"server.py","min_players":2,"max_players":2,"extra":"x"}`,
		"main.py":       "x",
		"server.py":     "x",
	})
	_, err := Validate(data)
	require.NotNil(t, err)
	assert.Equal(t, "ManifestSchema", string(err.Kind))
}

func TestValidateRejectsMissingManifestKey(t *testing.T) {
	data := buildZip(t, map[string]string{
		"manifest.json": `{"entry":"main.py","min_players":2,"max_players":2}`,
		"main.py":       "x",
	})
	_, err := Validate(data)
	require.NotNil(t, err)
	assert.Equal(t, "ManifestSchema", string(err.Kind))
}

func TestValidateAcceptsClientOnlyBundle(t *testing.T) {
	data := buildZip(t, map[string]string{
		"manifest.json": `{"entry":"main.py","server_entry":"","min_players":1,"max_players":2}`,
		"main.py":       "x",
	})

	bundle, err := Validate(data)
	require.Nil(t, err)
	assert.Empty(t, bundle.Manifest.ServerEntry)
}

func TestValidateRejectsPathTraversal(t *testing.T) {
	data := buildZip(t, map[string]string{
		"manifest.json": `{"entry":"../outside.py","server_entry":"server.py","min_players":2,"max_players":2}`,
		"server.py":     "x",
	})
	_, err := Validate(data)
	require.NotNil(t, err)
	assert.Equal(t, "ManifestSchema", string(err.Kind))
}

func TestValidateRejectsEntryNotInZip(t *testing.T) {
	data := buildZip(t, map[string]string{
		"manifest.json": validManifest(),
		"server.py":     "x",
	})
	_, err := Validate(data)
	require.NotNil(t, err)
	assert.Equal(t, "ManifestSchema", string(err.Kind))
}

func TestValidateRejectsInvalidPlayerBounds(t *testing.T) {
	data := buildZip(t, map[string]string{
		"manifest.json": `{"entry":"main.py","server_entry":"server.py","min_players":3,"max_players":2}`,
		"main.py":       "x",
		"server.py":     "x",
	})
	_, err := Validate(data)
	require.NotNil(t, err)
	assert.Equal(t, "ManifestSchema", string(err.Kind))
}

func TestSlugDerivation(t *testing.T) {
	assert.Equal(t, "dice", Slug("Dice"))
	assert.Equal(t, "my-cool-game", Slug("  My Cool  Game!! "))
	assert.Equal(t, "a-b-c", Slug("A_B.C"))
}

func TestStoreAndLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	raw := []byte("zip-bytes")

	require.NoError(t, Store(dir, "dice", "1.0.0", raw))

	loaded, err := Load(dir, "dice", "1.0.0")
	require.NoError(t, err)
	assert.Equal(t, raw, loaded)

	assert.Equal(t, filepath.Join(dir, "games", "dice", "1.0.0.zip"), BundlePath(dir, "dice", "1.0.0"))
}

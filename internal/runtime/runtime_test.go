package runtime

import (
	"archive/zip"
	"bytes"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func buildBundleZip(t *testing.T, manifest string, files map[string]string) string {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	w, err := zw.Create("manifest.json")
	require.NoError(t, err)
	_, err = w.Write([]byte(manifest))
	require.NoError(t, err)

	for name, content := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())

	dir := t.TempDir()
	path := filepath.Join(dir, "bundle.zip")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
	return path
}

func TestAllocatePortReturnsAUsablePort(t *testing.T) {
	port, err := allocatePort("127.0.0.1")
	require.NoError(t, err)
	assert.Greater(t, port, 0)

	ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", "0"))
	require.NoError(t, err)
	defer ln.Close()
	assert.NotEqual(t, port, ln.Addr().(*net.TCPAddr).Port)
}

func TestExtractOnceIsIdempotent(t *testing.T) {
	bundlePath := buildBundleZip(t, `{"entry":"main.py","server_entry":"server.py","min_players":2,"max_players":2}`,
		map[string]string{"main.py": "print(1)", "server.py": "print(2)"})

	dest := filepath.Join(t.TempDir(), "extracted")

	require.NoError(t, extractOnce(bundlePath, dest))
	require.FileExists(t, filepath.Join(dest, "main.py"))

	// Remove the source zip; a second call must not try to re-extract
	// because the destination already exists.
	require.NoError(t, os.Remove(bundlePath))
	require.NoError(t, extractOnce(bundlePath, dest))
}

func TestReadManifestParsesServerEntry(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "manifest.json"),
		[]byte(`{"entry":"main.py","server_entry":"server.py","min_players":2,"max_players":4}`), 0o644))

	manifest, err := readManifest(dir)
	require.NoError(t, err)
	assert.Equal(t, "server.py", manifest.ServerEntry)
	assert.Equal(t, 4, manifest.MaxPlayers)
}

func TestProbeReadySucceedsOnceListenerIsUp(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	port := ln.Addr().(*net.TCPAddr).Port
	exited := make(chan error, 1)

	err = probeReady(port, exited)
	assert.NoError(t, err)
}

func TestProbeReadyFailsFastWhenProcessExits(t *testing.T) {
	exited := make(chan error, 1)
	exited <- nil

	err := probeReady(39999, exited)
	assert.ErrorIs(t, err, errProcessExited)
}

func TestStartReturnsNilHandleWhenNoServerEntry(t *testing.T) {
	bundlePath := buildBundleZip(t, `{"entry":"main.py","server_entry":"","min_players":2,"max_players":2}`,
		map[string]string{"main.py": "print(1)"})

	sup := NewSupervisor(t.TempDir(), "127.0.0.1", func() string { return "127.0.0.1" }, testLogger(), nil)

	gs, err := sup.Start("dice", "1.0.0", 1, bundlePath)
	require.Nil(t, err)
	assert.Nil(t, gs)
	assert.Equal(t, 0, sup.Count())
}

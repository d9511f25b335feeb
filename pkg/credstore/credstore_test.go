package credstore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// These tests exercise the fallback file path directly; the OS keyring is
// not available in CI sandboxes so Store.Save/Load will fall through to it
// on most runners, which is exactly the behavior under test here.

func TestStore_SaveLoadDelete_Fallback(t *testing.T) {
	dir := t.TempDir()
	s := New(filepath.Join(dir, "credentials.json"))

	creds := Credentials{Token: "abc.def.ghi", User: []byte(`{"id":1}`)}
	require.NoError(t, s.Save(creds))

	got, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, creds.Token, got.Token)

	info, err := os.Stat(s.fallbackPath)
	if err == nil {
		assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
	}

	require.NoError(t, s.Delete())
	_, err = s.Load()
	assert.Error(t, err)
}

func TestStore_Load_NotFound(t *testing.T) {
	dir := t.TempDir()
	s := New(filepath.Join(dir, "missing", "credentials.json"))

	_, err := s.Load()
	assert.Error(t, err)
}

func TestDefaultFallbackPath(t *testing.T) {
	path := defaultFallbackPath()
	assert.Contains(t, path, "acencia_atlas")
}

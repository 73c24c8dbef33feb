package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadCreatesDefaultWithGeneratedKey(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "settld.toml")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NotEmpty(t, cfg.NodeSigningKeyPEM)
	require.FileExists(t, path)

	reloaded, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, cfg.NodeSigningKeyPEM, reloaded.NodeSigningKeyPEM)
}

func TestLoadBackfillsMissingSigningKey(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "settld.toml")
	require.NoError(t, os.WriteFile(path, []byte(`ListenAddress = ":9000"`+"\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":9000", cfg.ListenAddress)
	require.NotEmpty(t, cfg.NodeSigningKeyPEM)
}

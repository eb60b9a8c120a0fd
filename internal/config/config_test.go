package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tigawanna/sqlite-sync/internal/csync"
)

func chdir(t *testing.T, dir string) {
	t.Helper()
	cwd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(cwd) })
}

func TestLoadDefaultsWithNoConfigFile(t *testing.T) {
	chdir(t, t.TempDir())
	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, csync.AlgoCLS, cfg.Algorithm)
	require.Equal(t, 256, cfg.CompressThreshold)
	require.False(t, cfg.MergeEqualValues)
	require.Equal(t, 5, cfg.SyncMaxRetries)
}

func TestLoadReadsProjectConfigFile(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(root, ".cloudsync"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, ".cloudsync", "config.yaml"), []byte(`
algorithm: gos
endpoint: https://example.test/db
merge-equal-values: true
compress-threshold: 1024
`), 0o644))

	sub := filepath.Join(root, "nested", "deeper")
	require.NoError(t, os.MkdirAll(sub, 0o755))
	chdir(t, sub)

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, csync.AlgoGOS, cfg.Algorithm)
	require.Equal(t, "https://example.test/db", cfg.Endpoint)
	require.True(t, cfg.MergeEqualValues)
	require.Equal(t, 1024, cfg.CompressThreshold)
	require.Equal(t, filepath.Join(root, ".cloudsync", "config.yaml"), ConfigFileUsed())
}

func TestLoadRejectsUnknownAlgorithm(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(root, ".cloudsync"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, ".cloudsync", "config.yaml"), []byte("algorithm: bogus\n"), 0o644))
	chdir(t, root)

	_, err := Load()
	require.ErrorIs(t, err, csync.ErrMisuse)
}

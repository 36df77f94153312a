package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultValues(t *testing.T) {
	def := Default()
	require.Equal(t, "info", def.DebugLevel)
	require.Equal(t, defaultAlgo, def.Algo)
	require.Equal(t, defaultIntensity, def.Intensity)
	require.True(t, def.CheckNonces)
}

func TestLoadWithNoFileUsesCLIAndDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(dir, []string{"--pool", "stratum+tcp://example.com:3333", "--intensity", "24"})
	require.NoError(t, err)
	require.Equal(t, "stratum+tcp://example.com:3333", cfg.Pool)
	require.Equal(t, 24, cfg.Intensity)
	require.Equal(t, "info", cfg.DebugLevel)
	require.Equal(t, dir, cfg.LogDir)
}

func TestLoadReadsDefaultIniFile(t *testing.T) {
	dir := t.TempDir()
	iniPath := filepath.Join(dir, defaultConfigFilename)
	require.NoError(t, os.WriteFile(iniPath, []byte("algo=scrypt\nintensity=8\n"), 0o600))

	cfg, err := Load(dir, nil)
	require.NoError(t, err)
	require.Equal(t, 8, cfg.Intensity)
}

func TestLoadCLIOverridesIniFile(t *testing.T) {
	dir := t.TempDir()
	iniPath := filepath.Join(dir, defaultConfigFilename)
	require.NoError(t, os.WriteFile(iniPath, []byte("intensity=8\n"), 0o600))

	cfg, err := Load(dir, []string{"--intensity", "32"})
	require.NoError(t, err)
	require.Equal(t, 32, cfg.Intensity)
}

func TestLogFilePathJoinsLogDir(t *testing.T) {
	cfg := Default()
	cfg.LogDir = "/tmp/somewhere"
	require.Equal(t, filepath.Join("/tmp/somewhere", defaultLogFilename), cfg.LogFilePath())
}

package config_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reploid-dev/reploid/config"
	"github.com/reploid-dev/reploid/vfs"
)

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, config.Default().Validate())
}

func TestValidateRejectsUnknownHITLMode(t *testing.T) {
	cfg := config.Default()
	cfg.HITLMode = "SOMETIMES"
	assert.Error(t, cfg.Validate())
}

func TestValidateRequiresHITLNWithEveryN(t *testing.T) {
	cfg := config.Default()
	cfg.HITLMode = "EVERY_N"
	cfg.HITLN = 0
	assert.Error(t, cfg.Validate())
}

func TestValidateRequiresCompetitorCountWhenArenaEnabled(t *testing.T) {
	cfg := config.Default()
	cfg.ArenaEnabled = true
	cfg.ArenaCompetitorCount = 0
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsNegativeFetchRate(t *testing.T) {
	cfg := config.Default()
	cfg.FetchRatePerSecond = -1
	assert.Error(t, cfg.Validate())
}

func TestLoadBootstrapFileMissingReturnsDefault(t *testing.T) {
	cfg, err := config.LoadBootstrapFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, config.Default(), cfg)
}

func TestLoadBootstrapFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reploid.yaml")
	require.NoError(t, os.WriteFile(path, []byte("max_iterations: 5\nhitl_mode: OFF\n"), 0o644))

	cfg, err := config.LoadBootstrapFile(path)
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.MaxIterations)
	assert.Equal(t, "OFF", cfg.HITLMode)
	assert.Equal(t, config.Default().ArenaCompetitorCount, cfg.ArenaCompetitorCount)
}

func TestLoadBootstrapFileRejectsInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reploid.yaml")
	require.NoError(t, os.WriteFile(path, []byte("hitl_mode: BOGUS\n"), 0o644))

	_, err := config.LoadBootstrapFile(path)
	assert.Error(t, err)
}

func TestPersistThenLoadFromVFSRoundTrips(t *testing.T) {
	fs := vfs.New(vfs.Options{})
	cfg := config.Default()
	cfg.MaxIterations = 7
	cfg.SwarmEnabled = true

	require.NoError(t, config.Persist(context.Background(), fs, cfg))

	loaded, err := config.LoadFromVFS(fs, config.Default())
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestLoadFromVFSMissingReturnsBase(t *testing.T) {
	fs := vfs.New(vfs.Options{})
	base := config.Default()
	base.MaxIterations = 9

	loaded, err := config.LoadFromVFS(fs, base)
	require.NoError(t, err)
	assert.Equal(t, base, loaded)
}

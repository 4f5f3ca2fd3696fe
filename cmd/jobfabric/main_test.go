package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cuemby/jobfabric/pkg/cluster"
	"github.com/stretchr/testify/require"
)

func TestLoadClusterConfigOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	err := os.WriteFile(path, []byte("minWorkers: 2\nmaxWorkers: 4\n"), 0o644)
	require.NoError(t, err)

	cfg, err := loadClusterConfig(path)
	require.NoError(t, err)

	assertDefault := cluster.DefaultConfig()
	require.Equal(t, 2, cfg.MinWorkers)
	require.Equal(t, 4, cfg.MaxWorkers)
	require.Equal(t, assertDefault.StallThreshold, cfg.StallThreshold)
	require.Equal(t, assertDefault.MaxAttempts, cfg.MaxAttempts)
}

func TestLoadClusterConfigMissingFile(t *testing.T) {
	_, err := loadClusterConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestLoadClusterConfigDurationField(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	err := os.WriteFile(path, []byte("graceShutdown: 5s\n"), 0o644)
	require.NoError(t, err)

	cfg, err := loadClusterConfig(path)
	require.NoError(t, err)
	require.Equal(t, 5*time.Second, cfg.GraceShutdown)
}

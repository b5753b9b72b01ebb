package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	chdirEmpty(t)
	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, 30*time.Minute, cfg.OrphanSweepInterval)
	require.Equal(t, 24*time.Hour, cfg.ExpiredAttemptQuietPeriod)
	require.False(t, cfg.DisableWorktreeOrphanCleanup)
}

func TestLoadHonorsDisableOrphanCleanupEnvVar(t *testing.T) {
	chdirEmpty(t)
	t.Setenv("DISABLE_WORKTREE_ORPHAN_CLEANUP", "true")
	cfg, err := Load()
	require.NoError(t, err)
	require.True(t, cfg.DisableWorktreeOrphanCleanup)
}

func TestLoadHonorsPrefixedEnvVar(t *testing.T) {
	chdirEmpty(t)
	t.Setenv("ATTEMPTENGINE_WORKTREE_BASE_DIR", "/tmp/custom-attemptengine")
	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "/tmp/custom-attemptengine", cfg.WorktreeBaseDir)
}

func TestProjectionsCarryWorktreeBaseDir(t *testing.T) {
	cfg := Config{WorktreeBaseDir: "/tmp/x"}
	require.Equal(t, "/tmp/x", cfg.ContainerConfig().WorktreeBaseDir)
	require.Equal(t, "/tmp/x", cfg.HousekeeperConfig().WorktreeBaseDir)
}

// chdirEmpty runs the test from an empty temp directory so no stray
// attemptd.yaml on the host machine leaks into the test.
func chdirEmpty(t *testing.T) {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("HOME", dir)
}

// Package config loads attemptd's runtime configuration with viper: a
// config file (attemptd.yaml, searched in $HOME and the working
// directory), ATTEMPTENGINE_-prefixed environment variables, and
// defaults. Environment variables take precedence over the file, and the
// file over the defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/attemptengine/core/internal/container"
	"github.com/attemptengine/core/internal/housekeeper"
)

// Config is the fully resolved configuration attemptd needs to construct
// the Container Service and its housekeepers.
type Config struct {
	WorktreeBaseDir string

	DisableWorktreeOrphanCleanup bool
	OrphanSweepInterval          time.Duration
	ExternallyDeletedSweepInterval time.Duration
	ExpiredAttemptQuietPeriod    time.Duration
	ExpiredAttemptSweepInterval  time.Duration

	// LogDebug and LogJSON feed internal/logging.Options.
	LogDebug bool
	LogJSON  bool
}

// Load reads attemptd.yaml (if present) from $HOME and the current
// directory, layers ATTEMPTENGINE_-prefixed environment overrides on
// top, and returns the resolved Config. A missing config file is not an
// error; an unreadable or malformed one is.
func Load() (Config, error) {
	v := viper.New()
	v.SetConfigName("attemptd")
	v.SetConfigType("yaml")
	v.AddConfigPath("$HOME")
	v.AddConfigPath(".")

	v.SetEnvPrefix("attemptengine")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetDefault("worktree_base_dir", "")
	v.SetDefault("disable_worktree_orphan_cleanup", false)
	v.SetDefault("orphan_sweep_interval", 30*time.Minute)
	v.SetDefault("externally_deleted_sweep_interval", 5*time.Minute)
	v.SetDefault("expired_attempt_quiet_period", 24*time.Hour)
	v.SetDefault("expired_attempt_sweep_interval", time.Hour)
	v.SetDefault("log_debug", false)
	v.SetDefault("log_json", false)

	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return Config{}, fmt.Errorf("attemptengine: read config: %w", err)
		}
	}

	// DISABLE_WORKTREE_ORPHAN_CLEANUP is spec.md's own env var name,
	// unprefixed, so it works the same way the original housekeeper
	// flag does.
	v.BindEnv("disable_worktree_orphan_cleanup", "DISABLE_WORKTREE_ORPHAN_CLEANUP")

	cfg := Config{
		WorktreeBaseDir:                v.GetString("worktree_base_dir"),
		DisableWorktreeOrphanCleanup:   v.GetBool("disable_worktree_orphan_cleanup"),
		OrphanSweepInterval:            v.GetDuration("orphan_sweep_interval"),
		ExternallyDeletedSweepInterval: v.GetDuration("externally_deleted_sweep_interval"),
		ExpiredAttemptQuietPeriod:      v.GetDuration("expired_attempt_quiet_period"),
		ExpiredAttemptSweepInterval:    v.GetDuration("expired_attempt_sweep_interval"),
		LogDebug:                       v.GetBool("log_debug"),
		LogJSON:                        v.GetBool("log_json"),
	}
	return cfg, nil
}

// ContainerConfig projects Config onto the Container Service's Config.
func (c Config) ContainerConfig() container.Config {
	return container.Config{WorktreeBaseDir: c.WorktreeBaseDir}
}

// HousekeeperConfig projects Config onto the housekeeper's Config.
func (c Config) HousekeeperConfig() housekeeper.Config {
	return housekeeper.Config{
		WorktreeBaseDir:                c.WorktreeBaseDir,
		DisableOrphanSweep:             c.DisableWorktreeOrphanCleanup,
		OrphanSweepInterval:            c.OrphanSweepInterval,
		ExternallyDeletedSweepInterval: c.ExternallyDeletedSweepInterval,
		ExpiredAttemptQuietPeriod:      c.ExpiredAttemptQuietPeriod,
		ExpiredAttemptSweepInterval:    c.ExpiredAttemptSweepInterval,
	}
}

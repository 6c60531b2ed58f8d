package main

import (
	"os"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/ndlib/snapcache/snapshot"
	"github.com/ndlib/snapcache/store"
)

// config mirrors the TOML configuration file. Every key is optional.
type config struct {
	CacheDir  string `toml:"cache_dir"`
	Namespace string `toml:"namespace"`

	// Server, if set, sends every command to a snapcache server instead of
	// the local cache directory.
	Server string `toml:"server"`
	APIKey string `toml:"api_key"`

	RemoteCache   bool          `toml:"remote_cache"`
	TeamID        string        `toml:"team_id"`
	Token         string        `toml:"token"`
	RemoteCommand []string      `toml:"remote_command"`
	ProbeTimeout  time.Duration `toml:"probe_timeout"`
	HashedKeys    bool          `toml:"hashed_keys"`

	// used by serve
	Port            string        `toml:"port"`
	TokensFile      string        `toml:"tokens_file"`
	SentryDSN       string        `toml:"sentry_dsn"`
	RetentionDays   int           `toml:"retention_days"`
	CleanupInterval time.Duration `toml:"cleanup_interval"`
	MaxUploads      int           `toml:"max_uploads"`
}

const (
	defaultRetentionDays   = 30
	defaultCleanupInterval = 24 * time.Hour
)

// loadConfig reads the file fname. An empty fname gives the defaults.
// Credentials missing from the file are taken from TURBO_TEAM and
// TURBO_TOKEN.
func loadConfig(fname string) (config, error) {
	c := config{
		RetentionDays:   defaultRetentionDays,
		CleanupInterval: defaultCleanupInterval,
	}
	if fname != "" {
		if _, err := toml.DecodeFile(fname, &c); err != nil {
			return c, err
		}
	}
	if c.TeamID == "" {
		c.TeamID = os.Getenv("TURBO_TEAM")
	}
	if c.Token == "" {
		c.Token = os.Getenv("TURBO_TOKEN")
	}
	return c, nil
}

// storeConfig turns c into the configuration of a local cache directory.
func (c config) storeConfig() store.Config {
	sc := store.Config{
		CacheDir:      c.CacheDir,
		Namespace:     c.Namespace,
		RemoteCache:   c.RemoteCache,
		TeamID:        c.TeamID,
		Token:         c.Token,
		RemoteCommand: c.RemoteCommand,
		ProbeTimeout:  c.ProbeTimeout,
	}
	if c.HashedKeys {
		sc.Keys = snapshot.HashedKeys{}
	}
	return sc
}

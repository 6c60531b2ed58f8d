package store

import (
	"os"
	"path/filepath"
	"time"

	"github.com/facebookgo/clock"
	"github.com/facebookgo/stats"

	"github.com/ndlib/snapcache/snapshot"
)

// Config holds everything a CacheDir needs. The zero value is usable; unset
// fields receive the defaults listed below.
type Config struct {
	// CacheDir is the storage root. Defaults to <user cache dir>/snapcache.
	CacheDir string
	// Namespace separates unrelated usages of one CacheDir. Defaults to
	// snapshot.DefaultNamespace.
	Namespace string

	// RemoteCache turns on the build cache probe in HealthCheck. TeamID and
	// Token are handed to the probe as TURBO_TEAM and TURBO_TOKEN.
	RemoteCache   bool
	TeamID        string
	Token         string
	RemoteCommand []string      // default: turbo --version
	ProbeTimeout  time.Duration // default: 5s

	TempDir string               // parent of Snapshot copies, default os.TempDir()
	Keys    snapshot.KeyStrategy // default snapshot.ReadableKeys
	Clock   clock.Clock          // default wall clock
	Stats   stats.Client         // optional
}

const (
	// DefaultProbeTimeout bounds the remote build cache probe.
	DefaultProbeTimeout = 5 * time.Second
)

// DefaultRemoteCommand is run by HealthCheck when RemoteCache is set and no
// other command was configured.
var DefaultRemoteCommand = []string{"turbo", "--version"}

// withDefaults returns a copy of c with every unset field filled in.
func (c Config) withDefaults() Config {
	if c.CacheDir == "" {
		c.CacheDir = DefaultCacheDir()
	}
	if c.Namespace == "" {
		c.Namespace = snapshot.DefaultNamespace
	}
	if len(c.RemoteCommand) == 0 {
		c.RemoteCommand = DefaultRemoteCommand
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = DefaultProbeTimeout
	}
	if c.Keys == nil {
		c.Keys = snapshot.ReadableKeys{}
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	return c
}

// DefaultCacheDir is the storage root used when Config.CacheDir is empty.
// It falls back to the system temp directory when the user has no cache
// directory.
func DefaultCacheDir() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "snapcache")
}

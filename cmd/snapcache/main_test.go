package main

import (
	"bytes"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ndlib/snapcache/server"
	"github.com/ndlib/snapcache/snapshot"
	"github.com/ndlib/snapcache/store"
)

func TestLoadConfig(t *testing.T) {
	t.Setenv("TURBO_TEAM", "team-from-env")
	t.Setenv("TURBO_TOKEN", "token-from-env")

	fname := filepath.Join(t.TempDir(), "snapcache.toml")
	require.NoError(t, os.WriteFile(fname, []byte(`
cache_dir = "/var/cache/snapcache"
namespace = "api"
remote_cache = true
token = "from-file"
remote_command = ["turbo", "whoami"]
probe_timeout = "2s"
hashed_keys = true
port = "15000"
retention_days = 7
cleanup_interval = "6h"
max_uploads = 2
`), 0644))

	c, err := loadConfig(fname)
	require.NoError(t, err)
	require.Equal(t, "/var/cache/snapcache", c.CacheDir)
	require.Equal(t, "api", c.Namespace)
	require.Equal(t, "team-from-env", c.TeamID)
	require.Equal(t, "from-file", c.Token)
	require.Equal(t, []string{"turbo", "whoami"}, c.RemoteCommand)
	require.Equal(t, 2*time.Second, c.ProbeTimeout)
	require.Equal(t, 7, c.RetentionDays)
	require.Equal(t, 6*time.Hour, c.CleanupInterval)
	require.Equal(t, 2, c.MaxUploads)
	require.Equal(t, "15000", c.Port)

	sc := c.storeConfig()
	require.True(t, sc.RemoteCache)
	require.Equal(t, snapshot.HashedKeys{}, sc.Keys)
}

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("TURBO_TEAM", "")
	t.Setenv("TURBO_TOKEN", "")
	c, err := loadConfig("")
	require.NoError(t, err)
	require.Equal(t, defaultRetentionDays, c.RetentionDays)
	require.Equal(t, defaultCleanupInterval, c.CleanupInterval)
	require.Nil(t, c.storeConfig().Keys)

	_, err = loadConfig(filepath.Join(t.TempDir(), "missing.toml"))
	require.Error(t, err)
}

func TestCommands(t *testing.T) {
	dir := t.TempDir()
	flags := []string{"-cache-dir", filepath.Join(dir, "cache"), "-namespace", "test"}

	payload := filepath.Join(dir, "api.json")
	require.NoError(t, os.WriteFile(payload, []byte(`{"members":[]}`), 0644))
	mdfile := filepath.Join(dir, "metadata.json")
	require.NoError(t, os.WriteFile(mdfile, []byte(
		`{"packageName":"@clerk/backend","commitHash":"abc","branch":"main","timestamp":"2001-01-01T00:00:00Z"}`), 0644))

	out, status := runCmd(flags, "store", "@clerk/backend", payload, mdfile)
	require.Equal(t, exitOK, status)
	require.Equal(t, "_clerk_backend_abc\n", out)

	dest := filepath.Join(dir, "out.json")
	out, status = runCmd(flags, "retrieve", "@clerk/backend", "abc", dest)
	require.Equal(t, exitOK, status)
	b, err := os.ReadFile(dest)
	require.NoError(t, err)
	require.Equal(t, `{"members":[]}`, string(b))

	out, status = runCmd(flags, "baseline", "@clerk/backend")
	require.Equal(t, exitOK, status)
	require.Contains(t, out, `"key": "_clerk_backend_abc"`)

	out, status = runCmd(flags, "list", "@clerk/backend", "main", "5")
	require.Equal(t, exitOK, status)
	require.Contains(t, out, "abc")

	out, status = runCmd(flags, "stats")
	require.Equal(t, exitOK, status)
	require.Regexp(t, `Snapshots\s+1\n`, out)

	out, status = runCmd(flags, "health")
	require.Equal(t, exitOK, status)
	require.Equal(t, "healthy\n", out)

	out, status = runCmd(flags, "cleanup", "30")
	require.Equal(t, exitOK, status)
	require.Equal(t, "removed _clerk_backend_abc\n", out)

	out, status = runCmd(flags, "retrieve", "@clerk/backend", "abc", dest)
	require.Equal(t, exitFail, status)
	require.Equal(t, "no entry\n", out)

	out, status = runCmd(flags, "baseline", "@clerk/backend", "main")
	require.Equal(t, exitFail, status)
	require.Equal(t, "no entry\n", out)

	_, status = runCmd(flags, "delete", "_clerk_backend_abc")
	require.Equal(t, exitOK, status)
	_, status = runCmd(flags, "delete", "../etc")
	require.Equal(t, exitFail, status)
}

func TestUsage(t *testing.T) {
	flags := []string{"-cache-dir", t.TempDir()}
	for _, args := range [][]string{
		{},
		{"frobnicate"},
		{"store", "react"},
		{"list"},
		{"health", "now"},
	} {
		_, status := runCmd(flags, args...)
		if status != exitUsage {
			t.Errorf("%v: received status %d, expected %d", args, status, exitUsage)
		}
	}
	_, status := runCmd(nil, "-no-such-flag")
	require.Equal(t, exitUsage, status)
	_, status = runCmd([]string{"-namespace", "../x"}, "stats")
	require.Equal(t, exitFail, status)
}

func TestRemoteCommands(t *testing.T) {
	s := &server.RESTServer{Backend: store.NewMemory(store.Config{TempDir: t.TempDir()})}
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()
	flags := []string{"-server", ts.URL}

	dir := t.TempDir()
	payload := filepath.Join(dir, "api.json")
	require.NoError(t, os.WriteFile(payload, []byte(`{}`), 0644))
	mdfile := filepath.Join(dir, "metadata.json")
	require.NoError(t, os.WriteFile(mdfile, []byte(`{"packageName":"react","commitHash":"c1"}`), 0644))

	out, status := runCmd(flags, "store", "react", payload, mdfile)
	require.Equal(t, exitOK, status)
	require.Equal(t, "react_c1\n", out)

	out, status = runCmd(flags, "list", "react")
	require.Equal(t, exitOK, status)
	require.Contains(t, out, "c1")

	out, status = runCmd(flags, "retrieve", "react", "c2", filepath.Join(dir, "out"))
	require.Equal(t, exitFail, status)
	require.Equal(t, "no entry\n", out)

	_, status = runCmd(flags, "serve")
	require.Equal(t, exitFail, status)
}

func runCmd(flags []string, args ...string) (string, int) {
	var buf bytes.Buffer
	status := run(append(append([]string{}, flags...), args...), &buf)
	return buf.String(), status
}

package client

import (
	"net/http/httptest"
	"testing"

	"github.com/facebookgo/clock"
	"github.com/stretchr/testify/require"

	"github.com/ndlib/snapcache/server"
	"github.com/ndlib/snapcache/snapshot"
	"github.com/ndlib/snapcache/store"
	"github.com/ndlib/snapcache/store/storetest"
)

func TestRemoteConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T, clk clock.Clock) snapshot.Backend {
		s := &server.RESTServer{
			Backend:    store.NewMemory(store.Config{Clock: clk, TempDir: t.TempDir()}),
			ScratchDir: t.TempDir(),
		}
		remote := httptest.NewServer(s.Handler())
		t.Cleanup(remote.Close)
		return NewRemote(remote.URL, "", t.TempDir())
	})
}

func TestRemoteUnreachable(t *testing.T) {
	remote := httptest.NewServer(nil)
	url := remote.URL
	remote.Close()

	r := NewRemote(url, "", t.TempDir())
	require.False(t, r.HealthCheck())
	_, err := r.Stats()
	require.True(t, snapshot.IsStorage(err), "%v", err)
	_, err = r.ListSnapshots("react", snapshot.ListOptions{})
	require.True(t, snapshot.IsStorage(err), "%v", err)
}

func TestRemoteRejectsBadKeys(t *testing.T) {
	_, remote := newLocalServer(t, nil)
	r := NewRemote(remote.URL, "", t.TempDir())
	_, err := r.Store("react", writeFile(t, "{}"), snapshot.Metadata{PackageName: "react", CommitHash: "../x"})
	require.True(t, snapshot.IsValidation(err), "%v", err)
}

package client

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ndlib/snapcache/server"
	"github.com/ndlib/snapcache/snapshot"
	"github.com/ndlib/snapcache/store"
)

func TestRoundTrip(t *testing.T) {
	_, remote := newLocalServer(t, nil)
	c := &Connection{HostURL: remote.URL}

	ok, err := c.Health()
	require.NoError(t, err)
	require.True(t, ok)

	md := snapshot.Metadata{
		PackageName: "@clerk/backend",
		CommitHash:  "abc123",
		Branch:      "main",
		Timestamp:   "2024-05-01T10:00:00Z",
		Extra:       map[string]json.RawMessage{"size": json.RawMessage(`3`)},
	}
	payload := `{"exports":["a","b","c"]}`
	up, err := c.Upload(writeFile(t, payload), md)
	require.NoError(t, err)
	require.Equal(t, "_clerk_backend_abc123", up.Key)
	require.EqualValues(t, len(payload), up.Size)

	mds, err := c.List("@clerk/backend", snapshot.ListOptions{})
	require.NoError(t, err)
	require.Equal(t, []snapshot.Metadata{md}, mds)

	got, err := c.Metadata("@clerk/backend", "abc123")
	require.NoError(t, err)
	require.Equal(t, md, got)

	b, err := c.Baseline("@clerk/backend", "")
	require.NoError(t, err)
	require.Equal(t, "_clerk_backend_abc123", b.Key)
	require.Equal(t, md, b.Metadata)

	var buf bytes.Buffer
	require.NoError(t, c.Download(&buf, "@clerk/backend", "abc123"))
	require.Equal(t, payload, buf.String())

	st, err := c.Stats()
	require.NoError(t, err)
	require.Equal(t, 1, st.SnapshotCount)
	require.EqualValues(t, len(payload), st.TotalSize)
	require.Equal(t, md.Timestamp, st.NewestSnapshot)

	require.NoError(t, c.Delete(up.Key))
	require.NoError(t, c.Delete(up.Key))
	err = c.Download(&buf, "@clerk/backend", "abc123")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = c.Baseline("@clerk/backend", "")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestEmptyResults(t *testing.T) {
	_, remote := newLocalServer(t, nil)
	c := &Connection{HostURL: remote.URL}

	mds, err := c.List("react", snapshot.ListOptions{Branch: "main", Limit: 3})
	require.NoError(t, err)
	require.Empty(t, mds)

	report, err := c.Cleanup(30)
	require.NoError(t, err)
	require.Empty(t, report.Removed)
	require.Empty(t, report.Skipped)

	_, err = c.Cleanup(-1)
	require.ErrorIs(t, err, ErrBadRequest)
}

func TestCleanup(t *testing.T) {
	_, remote := newLocalServer(t, nil)
	c := &Connection{HostURL: remote.URL}
	for _, commit := range []string{"a", "b"} {
		md := snapshot.Metadata{PackageName: "react", CommitHash: commit, Timestamp: "2001-01-01T00:00:00Z"}
		_, err := c.Upload(writeFile(t, "{}"), md)
		require.NoError(t, err)
	}
	report, err := c.Cleanup(7)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"react_a", "react_b"}, report.Removed)
}

func TestTokens(t *testing.T) {
	d, err := server.NewListDecoderString("ci write secret\nclerk write cl @clerk/*\n")
	require.NoError(t, err)
	_, remote := newLocalServer(t, d)

	c := &Connection{HostURL: remote.URL}
	_, err = c.List("react", snapshot.ListOptions{})
	require.ErrorIs(t, err, ErrNotAuthorized)

	c.Token = "secret"
	_, err = c.Upload(writeFile(t, "{}"), snapshot.Metadata{PackageName: "react", CommitHash: "a"})
	require.NoError(t, err)
	_, err = c.Cleanup(1)
	require.ErrorIs(t, err, ErrNotAuthorized)

	// a key limited to the @clerk packages
	c.Token = "cl"
	up, err := c.Upload(writeFile(t, "{}"), snapshot.Metadata{PackageName: "@clerk/backend", CommitHash: "a"})
	require.NoError(t, err)
	_, err = c.Upload(writeFile(t, "{}"), snapshot.Metadata{PackageName: "react", CommitHash: "b"})
	require.ErrorIs(t, err, ErrForbidden)
	_, err = c.List("react", snapshot.ListOptions{})
	require.ErrorIs(t, err, ErrForbidden)
	require.ErrorIs(t, c.Delete(up.Key), ErrForbidden)
}

func TestServerErrors(t *testing.T) {
	var table = []struct {
		status int
		want   error
	}{
		{500, ErrServerError},
		{503, ErrServerError},
		{404, ErrNotFound},
		{401, ErrNotAuthorized},
		{403, ErrForbidden},
		{400, ErrBadRequest},
		{302, ErrUnexpectedResp},
	}
	eserver, remote := newLocalServer(t, nil)
	c := &Connection{HostURL: remote.URL}
	for _, row := range table {
		eserver.Reset([]Play{{When: 0, Status: row.status, Body: "oops"}})
		_, err := c.Stats()
		if !errors.Is(err, row.want) {
			t.Errorf("status %d: received %v, expected %v", row.status, err, row.want)
		}
	}

	eserver.Reset([]Play{{When: 0, Status: 412}})
	_, err := c.Upload(writeFile(t, "{}"), snapshot.Metadata{PackageName: "react", CommitHash: "a"})
	require.ErrorIs(t, err, ErrServerError)
}

func TestUnhealthy(t *testing.T) {
	eserver, remote := newLocalServer(t, nil)
	c := &Connection{HostURL: remote.URL}
	eserver.Reset([]Play{{When: 0, Status: 503, Body: `{"healthy":false}`}})
	ok, err := c.Health()
	require.NoError(t, err)
	require.False(t, ok)
}

func writeFile(t *testing.T, content string) string {
	p := filepath.Join(t.TempDir(), "snapshot.api.json")
	require.NoError(t, os.WriteFile(p, []byte(content), 0644))
	return p
}

func newLocalServer(t *testing.T, d server.TokenDecoder) (*ErrorServer, *httptest.Server) {
	s := &server.RESTServer{
		Backend:    store.NewMemory(store.Config{TempDir: t.TempDir()}),
		Validator:  d,
		ScratchDir: t.TempDir(),
	}
	e := &ErrorServer{h: s.Handler()}
	remote := httptest.NewServer(e)
	t.Cleanup(remote.Close)
	return e, remote
}

package server

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ndlib/snapcache/snapshot"
	"github.com/ndlib/snapcache/store"
)

func TestWelcomeAndHealth(t *testing.T) {
	ts, _ := newTestServer(t, nil)
	text := getbody(t, ts, "GET", "/", 200)
	if !strings.HasPrefix(text, "snapcache (") {
		t.Errorf("Received %q", text)
	}
	require.JSONEq(t, `{"healthy":true}`, getbody(t, ts, "GET", "/health", 200))

	ts = httptest.NewServer((&RESTServer{Backend: sickBackend{}}).Handler())
	defer ts.Close()
	require.JSONEq(t, `{"healthy":false}`, getbody(t, ts, "GET", "/health", 503))
}

func TestUploadAndFetch(t *testing.T) {
	ts, _ := newTestServer(t, nil)
	md := `{"packageName":"@clerk/backend","commitHash":"c1","branch":"main","timestamp":"2024-05-01T10:00:00Z","size":3}`
	resp := upload(t, ts, "/snapshot?package=@clerk/backend", md, `{"api":1}`, 200)
	var info UploadInfo
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&info))
	resp.Body.Close()
	require.Equal(t, "_clerk_backend_c1", info.Key)
	require.EqualValues(t, 9, info.Size)
	require.Len(t, info.SHA256, 64)

	body := getbody(t, ts, "GET", "/snapshot/payload?package=@clerk/backend&commit=c1", 200)
	require.Equal(t, `{"api":1}`, body)
	require.JSONEq(t, md, getbody(t, ts, "GET", "/snapshot/metadata?package=@clerk/backend&commit=c1", 200))

	checkStatus(t, ts, "GET", "/snapshot/payload?package=@clerk/backend&commit=nope", 404)
	checkStatus(t, ts, "GET", "/snapshot/metadata?package=react&commit=c1", 404)
	checkStatus(t, ts, "GET", "/snapshot/payload?commit=c1", 400)
}

func TestUploadRejects(t *testing.T) {
	ts, b := newTestServer(t, nil)
	good := `{"packageName":"react","commitHash":"c1"}`
	upload(t, ts, "/snapshot", "", "x", 400).Body.Close()
	upload(t, ts, "/snapshot", "{", "x", 400).Body.Close()
	upload(t, ts, "/snapshot", `{"packageName":"react"}`, "x", 400).Body.Close()
	upload(t, ts, "/snapshot?package=vue", good, "x", 400).Body.Close()

	req := newUpload(t, ts, "/snapshot", good, "x")
	req.Header.Set("X-Upload-Sha256", strings.Repeat("00", 32))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, 412, resp.StatusCode)

	st, err := b.Stats()
	require.NoError(t, err)
	require.Zero(t, st.SnapshotCount)
}

func TestListAndBaseline(t *testing.T) {
	ts, _ := newTestServer(t, nil)
	for _, md := range []string{
		`{"packageName":"react","commitHash":"a","branch":"main","timestamp":"2024-01-01T00:00:00Z"}`,
		`{"packageName":"react","commitHash":"b","branch":"main","timestamp":"2024-01-03T00:00:00Z"}`,
		`{"packageName":"react","commitHash":"c","branch":"feature-x","timestamp":"2024-01-05T00:00:00Z"}`,
	} {
		upload(t, ts, "/snapshot", md, "p", 200).Body.Close()
	}

	var mds []snapshot.Metadata
	require.NoError(t, json.Unmarshal([]byte(getbody(t, ts, "GET", "/snapshots?package=react", 200)), &mds))
	require.Len(t, mds, 3)
	require.Equal(t, "c", mds[0].CommitHash)

	require.NoError(t, json.Unmarshal([]byte(getbody(t, ts, "GET", "/snapshots?package=react&branch=main&limit=1", 200)), &mds))
	require.Len(t, mds, 1)
	require.Equal(t, "b", mds[0].CommitHash)

	require.Equal(t, "[]\n", getbody(t, ts, "GET", "/snapshots?package=vue", 200))
	checkStatus(t, ts, "GET", "/snapshots?package=react&limit=many", 400)
	checkStatus(t, ts, "GET", "/snapshots", 400)

	var info BaselineInfo
	require.NoError(t, json.Unmarshal([]byte(getbody(t, ts, "GET", "/baseline?package=react", 200)), &info))
	require.Equal(t, "react_b", info.Key)
	require.Equal(t, "react", info.Package)
	require.Equal(t, "b", info.Metadata.CommitHash)

	require.NoError(t, json.Unmarshal([]byte(getbody(t, ts, "GET", "/baseline?package=react&branch=feature-x", 200)), &info))
	require.Equal(t, "c", info.Metadata.CommitHash)
	checkStatus(t, ts, "GET", "/baseline?package=react&branch=release", 404)
}

func TestConcurrentBaselines(t *testing.T) {
	ts, _ := newTestServer(t, nil)
	upload(t, ts, "/snapshot", `{"packageName":"react","commitHash":"a","branch":"main","timestamp":"2024-01-01T00:00:00Z"}`, "p", 200).Body.Close()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			checkStatus(t, ts, "GET", "/baseline?package=react&branch=main", 200)
		}()
	}
	wg.Wait()
}

func TestDeleteAndCleanup(t *testing.T) {
	ts, _ := newTestServer(t, nil)
	upload(t, ts, "/snapshot", `{"packageName":"react","commitHash":"old","timestamp":"2000-01-01T00:00:00Z"}`, "p", 200).Body.Close()
	upload(t, ts, "/snapshot", `{"packageName":"react","commitHash":"gone","timestamp":"2000-01-01T00:00:00Z"}`, "p", 200).Body.Close()

	checkStatus(t, ts, "DELETE", "/snapshot/react_gone", 204)
	checkStatus(t, ts, "DELETE", "/snapshot/react_gone", 204)
	checkStatus(t, ts, "DELETE", "/snapshot/.locks", 400)

	var report snapshot.CleanupReport
	require.NoError(t, json.Unmarshal([]byte(getbody(t, ts, "POST", "/cleanup?days=30", 200)), &report))
	require.Equal(t, []string{"react_old"}, report.Removed)
	checkStatus(t, ts, "POST", "/cleanup?days=-1", 400)
	checkStatus(t, ts, "POST", "/cleanup", 400)

	var st snapshot.Stats
	require.NoError(t, json.Unmarshal([]byte(getbody(t, ts, "GET", "/stats", 200)), &st))
	require.Zero(t, st.SnapshotCount)
}

func TestRoles(t *testing.T) {
	d, err := NewListDecoderString(`
auditor mdonly md
reader  read   rd
ci      write  wr
root    admin  ad
clerk   write  cl     @clerk/*
`)
	require.NoError(t, err)
	ts, _ := newTestServer(t, d)

	var table = []struct {
		method, route string
		token         string
		status        int
	}{
		{"GET", "/", "", 200},
		{"GET", "/health", "", 200},
		{"GET", "/snapshots?package=react", "", 401},
		{"GET", "/snapshots?package=react", "md", 200},
		{"GET", "/snapshot/payload?package=react&commit=a", "md", 401},
		{"GET", "/snapshot/payload?package=react&commit=a", "rd", 404},
		{"GET", "/stats", "md", 401},
		{"GET", "/stats", "rd", 200},
		{"DELETE", "/snapshot/react_a", "rd", 401},
		{"DELETE", "/snapshot/react_a", "wr", 204},
		{"POST", "/cleanup?days=1", "wr", 401},
		{"POST", "/cleanup?days=1", "ad", 200},
		{"POST", "/cleanup?days=1", "bogus", 401},

		// limited to @clerk packages
		{"GET", "/health", "cl", 200},
		{"GET", "/snapshots?package=%40clerk%2Fbackend", "cl", 200},
		{"GET", "/snapshots?package=react", "cl", 403},
		{"GET", "/baseline?package=react", "cl", 403},
		{"GET", "/stats", "cl", 403},
		{"DELETE", "/snapshot/_clerk_backend_a", "cl", 403},
		{"PUT", "/snapshot", "cl", 403},
	}
	for _, row := range table {
		req, err := http.NewRequest(row.method, ts.URL+row.route, nil)
		require.NoError(t, err)
		if row.token != "" {
			req.Header.Set("X-Api-Key", row.token)
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		if resp.StatusCode != row.status {
			t.Errorf("%s %s with %q: Expected status %d and received %d",
				row.method, row.route, row.token, row.status, resp.StatusCode)
		}
	}
}

func TestStoppedServerRefusesUploads(t *testing.T) {
	s := &RESTServer{Backend: store.NewMemory(store.Config{TempDir: t.TempDir()})}
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()
	require.NoError(t, s.Stop())
	upload(t, ts, "/snapshot", `{"packageName":"react","commitHash":"a"}`, "p", 503).Body.Close()
}

func TestStopDuringStartup(t *testing.T) {
	for i := 0; i < 5; i++ {
		s := &RESTServer{Backend: store.NewMemory(store.Config{TempDir: t.TempDir()}), PortNumber: "0"}
		errc := make(chan error, 1)
		go func() { errc <- s.Run() }()
		require.NoError(t, s.Stop())
		select {
		case err := <-errc:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("Run did not return after Stop")
		}
		// a second Stop does nothing
		require.NoError(t, s.Stop())
	}
}

// sickBackend fails its health check and nothing else is called.
type sickBackend struct {
	snapshot.Backend
}

func (sickBackend) HealthCheck() bool { return false }

func newTestServer(t *testing.T, d TokenDecoder) (*httptest.Server, snapshot.Backend) {
	b := store.NewMemory(store.Config{TempDir: t.TempDir()})
	s := &RESTServer{Backend: b, Validator: d, ScratchDir: t.TempDir()}
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return ts, b
}

func newUpload(t *testing.T, ts *httptest.Server, route, md, payload string) *http.Request {
	req, err := http.NewRequest("PUT", ts.URL+route, strings.NewReader(payload))
	if err != nil {
		t.Fatal("Problem creating request", err)
	}
	if md != "" {
		req.Header.Set(MetadataHeader, md)
	}
	return req
}

func upload(t *testing.T, ts *httptest.Server, route, md, payload string, expstatus int) *http.Response {
	resp, err := http.DefaultClient.Do(newUpload(t, ts, route, md, payload))
	if err != nil {
		t.Fatal(route, err)
	}
	if resp.StatusCode != expstatus {
		body, _ := io.ReadAll(resp.Body)
		t.Errorf("%s: Expected status %d and received %d: %s",
			route, expstatus, resp.StatusCode, body)
	}
	return resp
}

func getbody(t *testing.T, ts *httptest.Server, verb, route string, expstatus int) string {
	resp := checkRoute(t, ts, verb, route, expstatus)
	if resp != nil {
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			t.Fatal(route, err)
		}
		resp.Body.Close()
		return string(body)
	}
	return ""
}

func checkStatus(t *testing.T, ts *httptest.Server, verb, route string, expstatus int) {
	resp := checkRoute(t, ts, verb, route, expstatus)
	if resp != nil {
		resp.Body.Close()
	}
}

func checkRoute(t *testing.T, ts *httptest.Server, verb, route string, expstatus int) *http.Response {
	req, err := http.NewRequest(verb, ts.URL+route, nil)
	if err != nil {
		t.Error("Problem creating request", err)
		return nil
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Error(route, err)
		return nil
	}
	if resp.StatusCode != expstatus {
		t.Errorf("%s: Expected status %d and received %d",
			route,
			expstatus,
			resp.StatusCode)
		resp.Body.Close()
		return nil
	}
	return resp
}

// Package storetest provides functions for facilitating the testing of
// anything implementing the snapshot.Backend interface.
package storetest

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/facebookgo/clock"
	"github.com/stretchr/testify/require"

	"github.com/ndlib/snapcache/snapshot"
)

// Now is the time the mock clock handed to every constructor is set to.
var Now = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

// NewBackend returns a fresh, empty backend whose notion of the current
// time comes from clk.
type NewBackend func(t *testing.T, clk clock.Clock) snapshot.Backend

// Run checks the behavior every backend shares. Each case gets its own
// backend from newBackend, which must use the readable key strategy.
func Run(t *testing.T, newBackend NewBackend) {
	var cases = []struct {
		name string
		f    func(t *testing.T, b snapshot.Backend)
	}{
		{"RoundTrip", testRoundTrip},
		{"ExtraFieldsVerbatim", testExtraVerbatim},
		{"Miss", testMiss},
		{"Overwrite", testOverwrite},
		{"BaselineOrdering", testBaselineOrdering},
		{"BranchFiltering", testBranchFiltering},
		{"ListLimitAfterSort", testListLimit},
		{"PrefixOverlap", testPrefixOverlap},
		{"IdempotentDelete", testIdempotentDelete},
		{"Retention", testRetention},
		{"Stats", testStats},
		{"Validation", testValidation},
		{"Health", testHealth},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			mock := clock.NewMock()
			mock.Add(Now.Sub(mock.Now()))
			c.f(t, newBackend(t, mock))
		})
	}
}

// Ago formats the time d before Now the way snapshot producers do.
func Ago(d time.Duration) string {
	return Now.Add(-d).UTC().Format("2006-01-02T15:04:05.000Z")
}

const day = 24 * time.Hour

// Put writes payload to a temporary file and stores it in b under md.
func Put(t *testing.T, b snapshot.Backend, md snapshot.Metadata, payload string) string {
	t.Helper()
	fname := filepath.Join(t.TempDir(), "api.json")
	require.NoError(t, os.WriteFile(fname, []byte(payload), 0644))
	key, err := b.Store(md.PackageName, fname, md)
	require.NoError(t, err)
	return key
}

// Contents reads the payload of s and releases it.
func Contents(t *testing.T, s *snapshot.Snapshot) string {
	t.Helper()
	require.NotNil(t, s)
	b, err := os.ReadFile(s.FilePath)
	require.NoError(t, err)
	require.NoError(t, s.Release())
	return string(b)
}

func testRoundTrip(t *testing.T, b snapshot.Backend) {
	md := snapshot.Metadata{
		PackageName: "@clerk/backend",
		CommitHash:  "4f2c1e0a9b8d7c6e5f4a3b2c1d0e9f8a7b6c5d4e",
		Branch:      "main",
		Timestamp:   Ago(time.Hour),
		Extra: map[string]json.RawMessage{
			"exports": json.RawMessage(`["createClerkClient","verifyToken"]`),
			"tool":    json.RawMessage(`{"name":"api-extractor","version":"7.43.0"}`),
		},
	}
	payload := `{"kind":"Package","members":[]}` + "\n"
	key := Put(t, b, md, payload)
	require.Equal(t, snapshot.GenerateCacheKey(md.PackageName, md.CommitHash), key)

	s, err := b.Retrieve(md.PackageName, md.CommitHash)
	require.NoError(t, err)
	require.NotNil(t, s)
	require.Equal(t, key, s.Key)
	require.Equal(t, md.PackageName, s.PackageName)
	require.Equal(t, md, s.Metadata)
	require.Equal(t, payload, Contents(t, s))
	require.NoFileExists(t, s.FilePath)

	// every retrieval is a private copy
	s1, err := b.Retrieve(md.PackageName, md.CommitHash)
	require.NoError(t, err)
	s2, err := b.Retrieve(md.PackageName, md.CommitHash)
	require.NoError(t, err)
	require.NotEqual(t, s1.FilePath, s2.FilePath)
	require.NoError(t, s1.Release())
	require.Equal(t, payload, Contents(t, s2))
}

// testExtraVerbatim makes sure unknown fields come back byte for byte, with
// object keys in their original order and nothing HTML escaped.
func testExtraVerbatim(t *testing.T, b snapshot.Backend) {
	md := snapshot.Metadata{
		PackageName: "react",
		CommitHash:  "c1",
		Branch:      "fix/<a>&b",
		Timestamp:   Ago(time.Hour),
		Extra: map[string]json.RawMessage{
			"tool": json.RawMessage(`{"z":1,"a":2}`),
			"note": json.RawMessage(`"<b>&amp;</b>"`),
		},
	}
	Put(t, b, md, "x")

	s, err := b.Retrieve("react", "c1")
	require.NoError(t, err)
	require.Equal(t, md, s.Metadata)
	require.NoError(t, s.Release())

	s, err = b.GetBaseline("react", md.Branch)
	require.NoError(t, err)
	require.NotNil(t, s)
	require.Equal(t, md, s.Metadata)
	require.NoError(t, s.Release())

	mds, err := b.ListSnapshots("react", snapshot.ListOptions{})
	require.NoError(t, err)
	require.Equal(t, []snapshot.Metadata{md}, mds)
}

func testMiss(t *testing.T, b snapshot.Backend) {
	s, err := b.Retrieve("react", "deadbeef")
	require.NoError(t, err)
	require.Nil(t, s)

	s, err = b.GetBaseline("react", "main")
	require.NoError(t, err)
	require.Nil(t, s)

	mds, err := b.ListSnapshots("react", snapshot.ListOptions{})
	require.NoError(t, err)
	require.Empty(t, mds)
}

func testOverwrite(t *testing.T, b snapshot.Backend) {
	md := snapshot.Metadata{PackageName: "react", CommitHash: "c1", Branch: "main", Timestamp: Ago(2 * day)}
	k1 := Put(t, b, md, "first")
	md.Timestamp = Ago(day)
	k2 := Put(t, b, md, "second")
	require.Equal(t, k1, k2)

	s, err := b.Retrieve("react", "c1")
	require.NoError(t, err)
	require.Equal(t, md, s.Metadata)
	require.Equal(t, "second", Contents(t, s))

	mds, err := b.ListSnapshots("react", snapshot.ListOptions{})
	require.NoError(t, err)
	require.Len(t, mds, 1)
}

func testBaselineOrdering(t *testing.T, b snapshot.Backend) {
	for _, row := range []struct {
		commit string
		age    time.Duration
	}{
		{"t2", 2 * day},
		{"t3", day},
		{"t1", 3 * day},
	} {
		md := snapshot.Metadata{PackageName: "@clerk/nextjs", CommitHash: row.commit, Branch: "main", Timestamp: Ago(row.age)}
		Put(t, b, md, row.commit)
	}
	s, err := b.GetBaseline("@clerk/nextjs", "main")
	require.NoError(t, err)
	require.NotNil(t, s)
	require.Equal(t, "t3", s.Metadata.CommitHash)
	require.Equal(t, "@clerk/nextjs", s.PackageName)
	require.Equal(t, "t3", Contents(t, s))

	// the default branch is main
	s, err = b.GetBaseline("@clerk/nextjs", "")
	require.NoError(t, err)
	require.Equal(t, "t3", Contents(t, s))
}

func testBranchFiltering(t *testing.T, b snapshot.Backend) {
	Put(t, b, snapshot.Metadata{PackageName: "react", CommitHash: "m1", Branch: "main", Timestamp: Ago(3 * day)}, "main")
	Put(t, b, snapshot.Metadata{PackageName: "react", CommitHash: "f1", Branch: "feature-x", Timestamp: Ago(day)}, "feature")

	s, err := b.GetBaseline("react", "main")
	require.NoError(t, err)
	require.Equal(t, "m1", s.Metadata.CommitHash)
	require.Equal(t, "main", Contents(t, s))

	s, err = b.GetBaseline("react", "feature-x")
	require.NoError(t, err)
	require.Equal(t, "f1", s.Metadata.CommitHash)
	s.Release()

	s, err = b.GetBaseline("react", "release")
	require.NoError(t, err)
	require.Nil(t, s)

	mds, err := b.ListSnapshots("react", snapshot.ListOptions{Branch: "feature-x"})
	require.NoError(t, err)
	require.Len(t, mds, 1)
	mds, err = b.ListSnapshots("react", snapshot.ListOptions{})
	require.NoError(t, err)
	require.Len(t, mds, 2)
}

func testListLimit(t *testing.T, b snapshot.Backend) {
	// stored in an order unrelated to age
	for _, age := range []int{4, 1, 5, 3, 2} {
		md := snapshot.Metadata{
			PackageName: "left-pad",
			CommitHash:  "c" + string(rune('0'+age)),
			Branch:      "main",
			Timestamp:   Ago(time.Duration(age) * day),
		}
		Put(t, b, md, md.CommitHash)
	}
	mds, err := b.ListSnapshots("left-pad", snapshot.ListOptions{Limit: 2})
	require.NoError(t, err)
	require.Len(t, mds, 2)
	require.Equal(t, "c1", mds[0].CommitHash)
	require.Equal(t, "c2", mds[1].CommitHash)

	mds, err = b.ListSnapshots("left-pad", snapshot.ListOptions{})
	require.NoError(t, err)
	require.Len(t, mds, 5)
	require.Equal(t, "c5", mds[4].CommitHash)
}

func testPrefixOverlap(t *testing.T, b snapshot.Backend) {
	Put(t, b, snapshot.Metadata{PackageName: "foo", CommitHash: "a", Branch: "main", Timestamp: Ago(2 * day)}, "foo")
	Put(t, b, snapshot.Metadata{PackageName: "foo_bar", CommitHash: "b", Branch: "main", Timestamp: Ago(day)}, "foo_bar")

	mds, err := b.ListSnapshots("foo", snapshot.ListOptions{})
	require.NoError(t, err)
	require.Len(t, mds, 1)
	require.Equal(t, "foo", mds[0].PackageName)

	s, err := b.GetBaseline("foo", "main")
	require.NoError(t, err)
	require.Equal(t, "foo", Contents(t, s))
}

func testIdempotentDelete(t *testing.T, b snapshot.Backend) {
	key := Put(t, b, snapshot.Metadata{PackageName: "react", CommitHash: "c1", Timestamp: Ago(day)}, "x")
	require.NoError(t, b.Delete(key))
	require.NoError(t, b.Delete(key))
	require.NoError(t, b.Delete("never_stored"))

	s, err := b.Retrieve("react", "c1")
	require.NoError(t, err)
	require.Nil(t, s)

	require.True(t, snapshot.IsValidation(b.Delete("../escape")))
	require.True(t, snapshot.IsValidation(b.Delete("")))
}

func testRetention(t *testing.T, b snapshot.Backend) {
	old := Put(t, b, snapshot.Metadata{PackageName: "react", CommitHash: "old", Branch: "main", Timestamp: Ago(40 * day)}, "old")
	Put(t, b, snapshot.Metadata{PackageName: "react", CommitHash: "new", Branch: "main", Timestamp: Ago(5 * day)}, "new")
	Put(t, b, snapshot.Metadata{PackageName: "vue", CommitHash: "undated", Timestamp: "last tuesday"}, "undated")

	report, err := b.Cleanup(30)
	require.NoError(t, err)
	require.Equal(t, []string{old}, report.Removed)
	require.Equal(t, []string{snapshot.GenerateCacheKey("vue", "undated")}, report.Skipped)

	s, err := b.Retrieve("react", "old")
	require.NoError(t, err)
	require.Nil(t, s)
	s, err = b.Retrieve("react", "new")
	require.NoError(t, err)
	require.Equal(t, "new", Contents(t, s))
	s, err = b.Retrieve("vue", "undated")
	require.NoError(t, err)
	require.Equal(t, "undated", Contents(t, s))

	report, err = b.Cleanup(0)
	require.NoError(t, err)
	require.Len(t, report.Removed, 1)
}

func testStats(t *testing.T, b snapshot.Backend) {
	st, err := b.Stats()
	require.NoError(t, err)
	require.Equal(t, snapshot.Stats{}, *st)

	oldest := Ago(10 * day)
	newest := Ago(day)
	Put(t, b, snapshot.Metadata{PackageName: "react", CommitHash: "a", Timestamp: Ago(5 * day)}, "12345")
	Put(t, b, snapshot.Metadata{PackageName: "react", CommitHash: "b", Timestamp: newest}, "123")
	Put(t, b, snapshot.Metadata{PackageName: "vue", CommitHash: "c", Timestamp: oldest}, "1")

	st, err = b.Stats()
	require.NoError(t, err)
	require.Equal(t, 3, st.SnapshotCount)
	require.EqualValues(t, 9, st.TotalSize)
	require.Equal(t, oldest, st.OldestSnapshot)
	require.Equal(t, newest, st.NewestSnapshot)
}

func testValidation(t *testing.T, b snapshot.Backend) {
	fname := filepath.Join(t.TempDir(), "api.json")
	require.NoError(t, os.WriteFile(fname, []byte("{}"), 0644))

	_, err := b.Store("", fname, snapshot.Metadata{CommitHash: "c"})
	require.True(t, snapshot.IsValidation(err), "%v", err)
	_, err = b.Store("react", fname, snapshot.Metadata{PackageName: "react"})
	require.True(t, snapshot.IsValidation(err), "%v", err)
	_, err = b.Store("react", fname, snapshot.Metadata{PackageName: "vue", CommitHash: "c"})
	require.True(t, snapshot.IsValidation(err), "%v", err)
	_, err = b.Store("react", fname, snapshot.Metadata{PackageName: "react", CommitHash: "a/b"})
	require.True(t, snapshot.IsValidation(err), "%v", err)

	_, err = b.Store("react", filepath.Join(t.TempDir(), "missing"), snapshot.Metadata{PackageName: "react", CommitHash: "c"})
	require.True(t, snapshot.IsStorage(err), "%v", err)
	require.ErrorIs(t, err, os.ErrNotExist)

	_, err = b.Cleanup(-1)
	require.True(t, snapshot.IsValidation(err), "%v", err)
	_, err = b.Retrieve("", "c")
	require.True(t, snapshot.IsValidation(err), "%v", err)
	_, err = b.ListSnapshots("", snapshot.ListOptions{})
	require.True(t, snapshot.IsValidation(err), "%v", err)

	st, err := b.Stats()
	require.NoError(t, err)
	require.Zero(t, st.SnapshotCount)
}

func testHealth(t *testing.T, b snapshot.Backend) {
	require.True(t, b.HealthCheck())
	// the probe leaves nothing behind
	st, err := b.Stats()
	require.NoError(t, err)
	require.Zero(t, st.SnapshotCount)
}

package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/ndlib/snapcache/snapshot"
)

// Memory implements a simple in-memory version of a snapshot backend. It is
// intended mainly for testing and for callers needing a throwaway cache.
// Every Memory is its own namespace. Retrieved payloads are still copied to
// temporary files, so callers see the same Snapshot handles as with
// CacheDir.
type Memory struct {
	cfg Config

	m       sync.RWMutex
	entries map[string]memEntry
}

type memEntry struct {
	payload []byte
	md      []byte // encoded metadata
}

var (
	// ensure Memory satisfies the Backend interface
	_ snapshot.Backend = &Memory{}
)

// NewMemory returns a new, empty memory backend. Only the Keys, Clock, and
// TempDir fields of cfg are used.
func NewMemory(cfg Config) *Memory {
	if cfg.Keys == nil {
		cfg.Keys = snapshot.ReadableKeys{}
	}
	return &Memory{
		cfg:     Config{Keys: cfg.Keys, Clock: cfg.withDefaults().Clock, TempDir: cfg.TempDir},
		entries: make(map[string]memEntry),
	}
}

// Store reads the file at payloadPath and saves it together with md.
func (ms *Memory) Store(packageName, payloadPath string, md snapshot.Metadata) (string, error) {
	if err := snapshot.ValidateMetadata(md); err != nil {
		return "", err
	}
	if packageName != md.PackageName {
		return "", &snapshot.ValidationError{
			Field:  "packageName",
			Reason: fmt.Sprintf("%q does not match metadata package %q", packageName, md.PackageName),
		}
	}
	key := ms.cfg.Keys.Key(packageName, md.CommitHash)
	if err := snapshot.ValidateKey(key); err != nil {
		return "", err
	}
	payload, err := os.ReadFile(payloadPath)
	if err != nil {
		return "", &snapshot.StorageError{Op: "store", Key: key, Err: errors.Wrap(err, "read payload")}
	}
	b, err := snapshot.EncodeMetadata(md, "")
	if err != nil {
		return "", &snapshot.StorageError{Op: "store", Key: key, Err: errors.Wrap(err, "encode metadata")}
	}
	ms.m.Lock()
	ms.entries[key] = memEntry{payload: payload, md: b}
	ms.m.Unlock()
	return key, nil
}

func (ms *Memory) get(key string) (memEntry, bool) {
	ms.m.RLock()
	e, ok := ms.entries[key]
	ms.m.RUnlock()
	return e, ok
}

// Retrieve returns a copy of the entry for (packageName, commitHash), or nil.
func (ms *Memory) Retrieve(packageName, commitHash string) (*snapshot.Snapshot, error) {
	err := snapshot.ValidateMetadata(snapshot.Metadata{PackageName: packageName, CommitHash: commitHash})
	if err != nil {
		return nil, err
	}
	key := ms.cfg.Keys.Key(packageName, commitHash)
	if err := snapshot.ValidateKey(key); err != nil {
		return nil, err
	}
	return ms.open("retrieve", key)
}

func (ms *Memory) open(op, key string) (*snapshot.Snapshot, error) {
	e, ok := ms.get(key)
	if !ok {
		return nil, nil
	}
	var md snapshot.Metadata
	if err := json.Unmarshal(e.md, &md); err != nil {
		return nil, &snapshot.StorageError{Op: op, Key: key, Err: err}
	}
	s, err := snapshot.Materialize(ms.cfg.TempDir, key, md, bytes.NewReader(e.payload))
	if err != nil {
		return nil, &snapshot.StorageError{Op: op, Key: key, Err: errors.Wrap(err, "copy payload")}
	}
	return s, nil
}

// GetBaseline returns the newest entry of packageName on branch, or nil.
func (ms *Memory) GetBaseline(packageName, branch string) (*snapshot.Snapshot, error) {
	if branch == "" {
		branch = snapshot.DefaultBranch
	}
	mds, err := ms.ListSnapshots(packageName, snapshot.ListOptions{Branch: branch, Limit: 1})
	if err != nil || len(mds) == 0 {
		return nil, err
	}
	return ms.open("baseline", ms.cfg.Keys.Key(packageName, mds[0].CommitHash))
}

// ListSnapshots returns the metadata of the entries for packageName, newest
// first.
func (ms *Memory) ListSnapshots(packageName string, opts snapshot.ListOptions) ([]snapshot.Metadata, error) {
	if packageName == "" {
		return nil, &snapshot.ValidationError{Field: "packageName", Reason: "is empty"}
	}
	prefix := ms.cfg.Keys.Prefix(packageName)
	var result []snapshot.Metadata
	for _, kv := range ms.snapshot() {
		if !strings.HasPrefix(kv.key, prefix) {
			continue
		}
		var md snapshot.Metadata
		if err := json.Unmarshal(kv.e.md, &md); err != nil {
			log.Printf("memory: list %s: %v", kv.key, err)
			continue
		}
		if md.PackageName == packageName {
			result = append(result, md)
		}
	}
	result = snapshot.FilterBranch(result, opts.Branch)
	snapshot.SortNewestFirst(result)
	if opts.Limit > 0 && len(result) > opts.Limit {
		result = result[:opts.Limit]
	}
	return result, nil
}

type keyedEntry struct {
	key string
	e   memEntry
}

// snapshot copies the entry table so callers can iterate without holding
// the lock. Keys are sorted.
func (ms *Memory) snapshot() []keyedEntry {
	ms.m.RLock()
	result := make([]keyedEntry, 0, len(ms.entries))
	for k, e := range ms.entries {
		result = append(result, keyedEntry{key: k, e: e})
	}
	ms.m.RUnlock()
	sort.Slice(result, func(i, j int) bool { return result[i].key < result[j].key })
	return result
}

// Delete removes the given key. It is not an error if the key does not
// exist.
func (ms *Memory) Delete(key string) error {
	if err := snapshot.ValidateKey(key); err != nil {
		return err
	}
	ms.m.Lock()
	_, ok := ms.entries[key]
	delete(ms.entries, key)
	ms.m.Unlock()
	if !ok {
		log.Println("memory: delete: no entry", key)
	}
	return nil
}

// Cleanup removes the entries older than retentionDays days.
func (ms *Memory) Cleanup(retentionDays int) (*snapshot.CleanupReport, error) {
	if retentionDays < 0 {
		return nil, &snapshot.ValidationError{Field: "retentionDays", Reason: "is negative"}
	}
	cutoff := snapshot.Cutoff(ms.cfg.Clock.Now(), retentionDays)
	report := &snapshot.CleanupReport{}
	for _, kv := range ms.snapshot() {
		removed, err := ms.expire(kv.key, cutoff)
		if err != nil {
			log.Printf("memory: cleanup %s: %v", kv.key, err)
			report.Skipped = append(report.Skipped, kv.key)
			continue
		}
		if removed {
			report.Removed = append(report.Removed, kv.key)
		}
	}
	return report, nil
}

// expire deletes key if the entry currently stored under it is older than
// cutoff.
func (ms *Memory) expire(key string, cutoff time.Time) (bool, error) {
	ms.m.Lock()
	defer ms.m.Unlock()
	e, ok := ms.entries[key]
	if !ok {
		return false, nil
	}
	_, ts, err := entryTime(e)
	if err != nil || !ts.Before(cutoff) {
		return false, err
	}
	delete(ms.entries, key)
	return true, nil
}

func entryTime(e memEntry) (snapshot.Metadata, time.Time, error) {
	var md snapshot.Metadata
	if err := json.Unmarshal(e.md, &md); err != nil {
		return md, time.Time{}, err
	}
	ts, err := md.Time()
	return md, ts, err
}

// HealthCheck always succeeds.
func (ms *Memory) HealthCheck() bool { return true }

// Stats totals the payload sizes held by ms.
func (ms *Memory) Stats() (*snapshot.Stats, error) {
	result := &snapshot.Stats{}
	var oldest, newest time.Time
	for _, kv := range ms.snapshot() {
		result.SnapshotCount++
		result.TotalSize += int64(len(kv.e.payload))
		md, ts, err := entryTime(kv.e)
		if err != nil {
			continue
		}
		if oldest.IsZero() || ts.Before(oldest) {
			oldest = ts
			result.OldestSnapshot = md.Timestamp
		}
		if newest.IsZero() || ts.After(newest) {
			newest = ts
			result.NewestSnapshot = md.Timestamp
		}
	}
	return result, nil
}

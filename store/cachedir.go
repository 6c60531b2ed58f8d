package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/facebookgo/stats"
	raven "github.com/getsentry/raven-go"
	"github.com/pkg/errors"

	"github.com/ndlib/snapcache/snapshot"
)

// CacheDir implements snapshot.Backend on a directory tree. Each entry is a
// directory holding the payload and its metadata:
//
//	<CacheDir>/<Namespace>/<key>/snapshot.api.json
//	<CacheDir>/<Namespace>/<key>/metadata.json
//
// Names beginning with a dot hold lock files and half written entries, and
// the name "health-check" is used by HealthCheck. None of them are entries.
//
// An entry is assembled in a hidden staging directory and renamed into
// place while holding an exclusive lock on its key. So concurrent Store
// calls for the same key are serialized, the last one wins, and an entry
// never mixes the payload of one write with the metadata of another.
// Retrieve and Delete take the same lock. Listing takes no lock.
type CacheDir struct {
	cfg  Config
	root string // CacheDir/Namespace
}

const (
	lockDir     = ".locks"
	stagePrefix = ".stage-"
	healthEntry = "health-check"
)

var (
	// make sure it implements the Backend interface
	_ snapshot.Backend = &CacheDir{}
)

// NewCacheDir returns a backend for the given configuration. Nothing is
// created on disk until the first write.
func NewCacheDir(cfg Config) (*CacheDir, error) {
	cfg = cfg.withDefaults()
	if err := snapshot.ValidateNamespace(cfg.Namespace); err != nil {
		return nil, err
	}
	return &CacheDir{
		cfg:  cfg,
		root: filepath.Join(cfg.CacheDir, cfg.Namespace),
	}, nil
}

// Root is the directory holding the entries of this namespace.
func (c *CacheDir) Root() string { return c.root }

// Namespace returns the namespace this backend is scoped to.
func (c *CacheDir) Namespace() string { return c.cfg.Namespace }

// Store copies the file at payloadPath and md into the entry for
// (packageName, md.CommitHash), replacing any entry already there.
func (c *CacheDir) Store(packageName, payloadPath string, md snapshot.Metadata) (string, error) {
	if err := snapshot.ValidateMetadata(md); err != nil {
		return "", err
	}
	if packageName != md.PackageName {
		return "", &snapshot.ValidationError{
			Field:  "packageName",
			Reason: fmt.Sprintf("%q does not match metadata package %q", packageName, md.PackageName),
		}
	}
	key := c.cfg.Keys.Key(packageName, md.CommitHash)
	if err := snapshot.ValidateKey(key); err != nil {
		return "", err
	}
	src, err := os.Open(payloadPath)
	if err != nil {
		return "", c.fail("store", key, errors.Wrap(err, "open payload"))
	}
	defer src.Close()
	if err := c.store(key, src, md); err != nil {
		return "", c.fail("store", key, err)
	}
	c.bump("store")
	return key, nil
}

func (c *CacheDir) store(key string, src io.Reader, md snapshot.Metadata) error {
	if err := os.MkdirAll(c.root, 0775); err != nil {
		return errors.Wrap(err, "create namespace")
	}
	staging, err := os.MkdirTemp(c.root, stagePrefix+key+"-")
	if err != nil {
		return errors.Wrap(err, "create staging dir")
	}
	// a no-op once the staged entry has been renamed into place
	defer os.RemoveAll(staging)
	if err := os.Chmod(staging, 0775); err != nil {
		return errors.Wrap(err, "chmod staging dir")
	}
	if err := copyPayload(filepath.Join(staging, snapshot.PayloadFile), src); err != nil {
		return err
	}
	if err := writeMetadata(filepath.Join(staging, snapshot.MetadataFile), md); err != nil {
		return err
	}
	lk, err := c.lock(key)
	if err != nil {
		return err
	}
	defer unlockFile(lk)
	return c.swapIn(staging, key)
}

// swapIn replaces the entry key with the staged directory. An existing entry
// is moved aside first and removed once the new one is in place.
func (c *CacheDir) swapIn(staged, key string) error {
	target := filepath.Join(c.root, key)
	aside := staged + ".old"
	err := os.Rename(target, aside)
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "move old entry aside")
	}
	replaced := err == nil
	if err := os.Rename(staged, target); err != nil {
		if replaced {
			os.Rename(aside, target)
		}
		return errors.Wrap(err, "install entry")
	}
	if replaced {
		if err := os.RemoveAll(aside); err != nil {
			c.warn("store", key, errors.Wrap(err, "remove old entry"))
		}
	}
	return nil
}

func copyPayload(dst string, src io.Reader) error {
	f, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0664)
	if err != nil {
		return errors.Wrap(err, "create payload")
	}
	_, err = io.Copy(f, src)
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return errors.Wrap(err, "copy payload")
}

// writeMetadata saves md indented by two spaces, without HTML escaping, so
// the file diffs cleanly.
func writeMetadata(dst string, md snapshot.Metadata) error {
	b, err := snapshot.EncodeMetadata(md, "  ")
	if err != nil {
		return errors.Wrap(err, "encode metadata")
	}
	f, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0664)
	if err != nil {
		return errors.Wrap(err, "create metadata")
	}
	_, err = f.Write(append(b, '\n'))
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return errors.Wrap(err, "write metadata")
}

func readMetadata(dir string) (snapshot.Metadata, error) {
	var md snapshot.Metadata
	b, err := os.ReadFile(filepath.Join(dir, snapshot.MetadataFile))
	if err != nil {
		return md, errors.Wrap(err, "read metadata")
	}
	if err := json.Unmarshal(b, &md); err != nil {
		return md, errors.Wrap(err, "decode metadata")
	}
	return md, nil
}

// lock blocks until this process holds the lock for key.
func (c *CacheDir) lock(key string) (*os.File, error) {
	dir := filepath.Join(c.root, lockDir)
	if err := os.MkdirAll(dir, 0775); err != nil {
		return nil, errors.Wrap(err, "create lock dir")
	}
	return lockFile(filepath.Join(dir, key+".lock"))
}

// Retrieve returns a private copy of the entry for (packageName, commitHash)
// or nil if there is none.
func (c *CacheDir) Retrieve(packageName, commitHash string) (*snapshot.Snapshot, error) {
	err := snapshot.ValidateMetadata(snapshot.Metadata{PackageName: packageName, CommitHash: commitHash})
	if err != nil {
		return nil, err
	}
	key := c.cfg.Keys.Key(packageName, commitHash)
	if err := snapshot.ValidateKey(key); err != nil {
		return nil, err
	}
	s, err := c.open("retrieve", key)
	if err == nil {
		if s == nil {
			c.bump("retrieve.miss")
		} else {
			c.bump("retrieve.hit")
		}
	}
	return s, err
}

// open copies the entry key out of the cache. A missing entry, or one
// missing either of its files, gives nil with no error.
func (c *CacheDir) open(op, key string) (*snapshot.Snapshot, error) {
	dir := filepath.Join(c.root, key)
	if _, err := os.Stat(filepath.Join(dir, snapshot.MetadataFile)); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, c.fail(op, key, errors.Wrap(err, "stat metadata"))
	}
	// a read-only cache can still be read, just not in step with writers
	if lk, err := c.lock(key); err == nil {
		defer unlockFile(lk)
	} else {
		log.Println("cachedir: reading", key, "unlocked:", err)
	}
	md, err := readMetadata(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	} else if err != nil {
		return nil, c.fail(op, key, err)
	}
	f, err := os.Open(filepath.Join(dir, snapshot.PayloadFile))
	if os.IsNotExist(err) {
		return nil, nil
	} else if err != nil {
		return nil, c.fail(op, key, errors.Wrap(err, "open payload"))
	}
	defer f.Close()
	s, err := snapshot.Materialize(c.cfg.TempDir, key, md, f)
	if err != nil {
		return nil, c.fail(op, key, errors.Wrap(err, "copy payload"))
	}
	return s, nil
}

// GetBaseline returns a copy of the newest entry of packageName on branch,
// or nil if there is none.
func (c *CacheDir) GetBaseline(packageName, branch string) (*snapshot.Snapshot, error) {
	if branch == "" {
		branch = snapshot.DefaultBranch
	}
	mds, err := c.ListSnapshots(packageName, snapshot.ListOptions{Branch: branch, Limit: 1})
	if err != nil || len(mds) == 0 {
		return nil, err
	}
	return c.open("baseline", c.cfg.Keys.Key(packageName, mds[0].CommitHash))
}

// ListSnapshots returns the metadata of the entries of packageName, newest
// first. Entries with unreadable metadata are logged and left out.
func (c *CacheDir) ListSnapshots(packageName string, opts snapshot.ListOptions) ([]snapshot.Metadata, error) {
	if packageName == "" {
		return nil, &snapshot.ValidationError{Field: "packageName", Reason: "is empty"}
	}
	names, err := c.entries(c.cfg.Keys.Prefix(packageName))
	if err != nil {
		return nil, c.fail("list", "", err)
	}
	var result []snapshot.Metadata
	for _, key := range names {
		md, err := readMetadata(filepath.Join(c.root, key))
		if err != nil {
			c.warn("list", key, err)
			continue
		}
		// the prefix of "foo" also matches the entries of "foo_bar"
		if md.PackageName != packageName {
			continue
		}
		result = append(result, md)
	}
	result = snapshot.FilterBranch(result, opts.Branch)
	snapshot.SortNewestFirst(result)
	if opts.Limit > 0 && len(result) > opts.Limit {
		result = result[:opts.Limit]
	}
	return result, nil
}

// entries returns the names of the entry directories starting with prefix.
// A namespace that was never written to has no entries.
func (c *CacheDir) entries(prefix string) ([]string, error) {
	des, err := os.ReadDir(c.root)
	if os.IsNotExist(err) {
		return nil, nil
	} else if err != nil {
		return nil, errors.Wrap(err, "read namespace")
	}
	var names []string
	for _, de := range des {
		name := de.Name()
		if !de.IsDir() || strings.HasPrefix(name, ".") || name == healthEntry {
			continue
		}
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	return names, nil
}

// Delete removes the entry key. A missing entry is only logged.
func (c *CacheDir) Delete(key string) error {
	if err := snapshot.ValidateKey(key); err != nil {
		return err
	}
	dir := filepath.Join(c.root, key)
	if _, err := os.Lstat(dir); os.IsNotExist(err) {
		log.Println("cachedir: delete: no entry", key)
		return nil
	}
	lk, err := c.lock(key)
	if err != nil {
		return c.fail("delete", key, err)
	}
	defer unlockFile(lk)
	if err := os.RemoveAll(dir); err != nil {
		return c.fail("delete", key, errors.Wrap(err, "remove entry"))
	}
	c.bump("delete")
	return nil
}

// Cleanup deletes every entry whose timestamp is more than retentionDays
// days before now. Entries without a readable timestamp are reported as
// skipped and kept. Staging directories abandoned before the cutoff are
// removed as well.
func (c *CacheDir) Cleanup(retentionDays int) (*snapshot.CleanupReport, error) {
	if retentionDays < 0 {
		return nil, &snapshot.ValidationError{Field: "retentionDays", Reason: "is negative"}
	}
	cutoff := snapshot.Cutoff(c.cfg.Clock.Now(), retentionDays)
	names, err := c.entries("")
	if err != nil {
		return nil, c.fail("cleanup", "", err)
	}
	report := &snapshot.CleanupReport{}
	for _, key := range names {
		removed, err := c.expire(key, cutoff)
		switch {
		case err != nil:
			c.warn("cleanup", key, err)
			report.Skipped = append(report.Skipped, key)
			c.bump("cleanup.skipped")
		case removed:
			report.Removed = append(report.Removed, key)
			c.bump("cleanup.removed")
		}
	}
	c.sweepStaging(cutoff)
	if len(report.Removed) > 0 {
		log.Printf("cachedir: cleanup removed %d entries from %s", len(report.Removed), c.cfg.Namespace)
	}
	return report, nil
}

// expire removes the entry key if its timestamp is before cutoff. The
// decision is made under the key lock, so an entry replaced by a Store
// after it was listed is judged by its new metadata.
func (c *CacheDir) expire(key string, cutoff time.Time) (bool, error) {
	lk, err := c.lock(key)
	if err != nil {
		return false, err
	}
	defer unlockFile(lk)
	dir := filepath.Join(c.root, key)
	md, err := readMetadata(dir)
	if err != nil {
		if _, serr := os.Lstat(dir); os.IsNotExist(serr) {
			// deleted since it was listed
			return false, nil
		}
		return false, err
	}
	ts, err := md.Time()
	if err != nil {
		return false, err
	}
	if !ts.Before(cutoff) {
		return false, nil
	}
	if err := os.RemoveAll(dir); err != nil {
		return false, errors.Wrap(err, "remove entry")
	}
	c.bump("delete")
	return true, nil
}

// sweepStaging removes staging directories left behind by writers that died
// before the cutoff.
func (c *CacheDir) sweepStaging(cutoff time.Time) {
	des, err := os.ReadDir(c.root)
	if err != nil {
		return
	}
	for _, de := range des {
		if !strings.HasPrefix(de.Name(), stagePrefix) {
			continue
		}
		fi, err := de.Info()
		if err != nil || !fi.ModTime().Before(cutoff) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(c.root, de.Name())); err != nil {
			c.warn("cleanup", de.Name(), err)
		}
	}
}

// Stats totals the payload sizes of the entries in the namespace. Entries
// that cannot be read are logged and left out.
func (c *CacheDir) Stats() (*snapshot.Stats, error) {
	names, err := c.entries("")
	if err != nil {
		return nil, c.fail("stats", "", err)
	}
	result := &snapshot.Stats{}
	var oldest, newest time.Time
	for _, key := range names {
		dir := filepath.Join(c.root, key)
		md, err := readMetadata(dir)
		if err != nil {
			c.warn("stats", key, err)
			continue
		}
		fi, err := os.Stat(filepath.Join(dir, snapshot.PayloadFile))
		if err != nil {
			c.warn("stats", key, err)
			continue
		}
		result.SnapshotCount++
		result.TotalSize += fi.Size()
		ts, err := md.Time()
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

// HealthCheck writes, reads back, and deletes a probe file below the
// namespace. If RemoteCache is set it also runs the build cache probe, whose
// failure is only logged.
func (c *CacheDir) HealthCheck() bool {
	if err := c.roundTrip(); err != nil {
		log.Println("cachedir: health check:", err)
		return false
	}
	if c.cfg.RemoteCache {
		err := probeRemote(c.cfg.RemoteCommand, c.cfg.ProbeTimeout, c.cfg.TeamID, c.cfg.Token)
		if err != nil {
			log.Println("cachedir: remote cache unavailable:", err)
		}
	}
	return true
}

func (c *CacheDir) roundTrip() error {
	dir := filepath.Join(c.root, healthEntry)
	if err := os.MkdirAll(dir, 0775); err != nil {
		return err
	}
	// fails while another probe is running, which is fine
	defer os.Remove(dir)
	f, err := os.CreateTemp(dir, "probe-")
	if err != nil {
		return err
	}
	name := f.Name()
	defer os.Remove(name)
	want := []byte(c.cfg.Clock.Now().UTC().Format(time.RFC3339Nano))
	_, err = f.Write(want)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	got, err := os.ReadFile(name)
	if err != nil {
		return err
	}
	if !bytes.Equal(got, want) {
		return errors.New("probe read back different contents")
	}
	return os.Remove(name)
}

func (c *CacheDir) fail(op, key string, err error) error {
	return &snapshot.StorageError{Op: op, Key: key, Err: err}
}

// warn reports an error that cannot be returned to the caller.
func (c *CacheDir) warn(op, key string, err error) {
	log.Printf("cachedir: %s %s: %v", op, key, err)
	raven.CaptureError(err, map[string]string{
		"Namespace": c.cfg.Namespace,
		"Key":       key,
		"Op":        op,
	})
	c.bump("entry.skipped")
}

func (c *CacheDir) bump(name string) {
	stats.BumpSum(c.cfg.Stats, name, 1)
}

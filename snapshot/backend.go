package snapshot

import (
	"io"
	"os"
	"path/filepath"
)

// Backend is the contract every snapshot store implements.
//
// Implementations are safe for concurrent use. Whether two concurrent Store
// calls for the same (package, commit) are serialized is up to the
// implementation, which must document it.
type Backend interface {
	// Store copies the payload at payloadPath into the backend together
	// with md and returns the cache key. packageName must equal
	// md.PackageName. Validation happens before any I/O.
	Store(packageName, payloadPath string, md Metadata) (string, error)

	// Retrieve returns a private copy of the snapshot for (packageName,
	// commitHash), or nil if there is none.
	Retrieve(packageName, commitHash string) (*Snapshot, error)

	// GetBaseline returns the newest snapshot of packageName on branch, or
	// nil if there is none. An empty branch means DefaultBranch.
	GetBaseline(packageName, branch string) (*Snapshot, error)

	// ListSnapshots returns the metadata of the snapshots of packageName,
	// newest first. Entries that cannot be read are skipped.
	ListSnapshots(packageName string, opts ListOptions) ([]Metadata, error)

	// Delete removes the entry with the given key. Deleting a missing key
	// is not an error.
	Delete(key string) error

	// Cleanup removes every entry whose timestamp is more than
	// retentionDays days old. Entries that cannot be read are skipped and
	// reported, never deleted.
	Cleanup(retentionDays int) (*CleanupReport, error)

	// HealthCheck reports whether the primary storage is usable. It never
	// fails.
	HealthCheck() bool

	// Stats summarizes the entries of the namespace.
	Stats() (*Stats, error)
}

// ListOptions narrow ListSnapshots. A Limit of zero or less means no limit.
// The limit is applied after sorting.
type ListOptions struct {
	Limit  int
	Branch string
}

// Stats aggregates the entries of one namespace. TotalSize counts payload
// bytes only. OldestSnapshot and NewestSnapshot are timestamps, empty if the
// namespace is empty.
type Stats struct {
	TotalSize      int64  `json:"totalSize"`
	SnapshotCount  int    `json:"snapshotCount"`
	OldestSnapshot string `json:"oldestSnapshot"`
	NewestSnapshot string `json:"newestSnapshot"`
}

// CleanupReport lists the keys removed by a Cleanup and the keys skipped
// because their metadata could not be used.
type CleanupReport struct {
	Removed []string `json:"removed"`
	Skipped []string `json:"skipped"`
}

// Snapshot is a caller-owned copy of a stored snapshot. FilePath points into
// a private temporary directory which Release removes.
type Snapshot struct {
	PackageName string
	Key         string
	FilePath    string
	Metadata    Metadata

	dir string
}

// Release deletes the temporary copy. It is safe to call more than once and
// on a nil *Snapshot.
func (s *Snapshot) Release() error {
	if s == nil || s.dir == "" {
		return nil
	}
	err := os.RemoveAll(s.dir)
	s.dir = ""
	return err
}

// Materialize copies the payload read from r into a new directory below
// tempDir (os.TempDir() if empty) and returns a Snapshot describing it.
func Materialize(tempDir, key string, md Metadata, r io.Reader) (*Snapshot, error) {
	dir, err := os.MkdirTemp(tempDir, "snapshot-")
	if err != nil {
		return nil, err
	}
	p := filepath.Join(dir, PayloadFile)
	f, err := os.OpenFile(p, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err == nil {
		_, err = io.Copy(f, r)
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}
	if err != nil {
		os.RemoveAll(dir)
		return nil, err
	}
	return &Snapshot{
		PackageName: md.PackageName,
		Key:         key,
		FilePath:    p,
		Metadata:    md,
		dir:         dir,
	}, nil
}

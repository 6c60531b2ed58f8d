package client

import (
	"errors"
	"fmt"

	"github.com/ndlib/snapcache/snapshot"
)

// Remote adapts a Connection to the snapshot.Backend interface, so a
// snapcache server can stand in for a local cache directory. Misses are
// reported as nil results like every other backend. Requests the server
// rejects with 400 become *snapshot.ValidationError and other failures
// become *snapshot.StorageError.
//
// A retrieved snapshot is assembled from two requests, so a concurrent
// overwrite on the server may pair new metadata with an old payload.
type Remote struct {
	Conn *Connection

	// TempDir receives retrieved payloads. os.TempDir() if empty.
	TempDir string
}

var _ snapshot.Backend = &Remote{}

// NewRemote returns a backend talking to the server at hostURL.
func NewRemote(hostURL, token, tempDir string) *Remote {
	return &Remote{
		Conn:    &Connection{HostURL: hostURL, Token: token},
		TempDir: tempDir,
	}
}

func (r *Remote) fail(op, key string, err error) error {
	if errors.Is(err, ErrBadRequest) {
		return &snapshot.ValidationError{Field: "request", Reason: err.Error()}
	}
	return &snapshot.StorageError{Op: op, Key: key, Err: err}
}

// Store uploads the payload at payloadPath together with md.
func (r *Remote) Store(packageName, payloadPath string, md snapshot.Metadata) (string, error) {
	if err := snapshot.ValidateMetadata(md); err != nil {
		return "", err
	}
	if packageName != md.PackageName {
		return "", &snapshot.ValidationError{
			Field:  "packageName",
			Reason: fmt.Sprintf("%q does not match metadata package %q", packageName, md.PackageName),
		}
	}
	up, err := r.Conn.Upload(payloadPath, md)
	if err != nil {
		return "", r.fail("store", packageName, err)
	}
	return up.Key, nil
}

// Retrieve downloads the snapshot for (packageName, commitHash).
func (r *Remote) Retrieve(packageName, commitHash string) (*snapshot.Snapshot, error) {
	err := snapshot.ValidateMetadata(snapshot.Metadata{PackageName: packageName, CommitHash: commitHash})
	if err != nil {
		return nil, err
	}
	md, err := r.Conn.Metadata(packageName, commitHash)
	if err == ErrNotFound {
		return nil, nil
	} else if err != nil {
		return nil, r.fail("retrieve", packageName, err)
	}
	resp, err := r.Conn.payload(packageName, commitHash)
	if err == ErrNotFound {
		return nil, nil
	} else if err != nil {
		return nil, r.fail("retrieve", packageName, err)
	}
	defer resp.Body.Close()
	key := resp.Header.Get("X-Snapshot-Key")
	s, err := snapshot.Materialize(r.TempDir, key, md, resp.Body)
	if err != nil {
		return nil, r.fail("retrieve", key, err)
	}
	return s, nil
}

// GetBaseline downloads the newest snapshot of packageName on branch.
func (r *Remote) GetBaseline(packageName, branch string) (*snapshot.Snapshot, error) {
	if packageName == "" {
		return nil, &snapshot.ValidationError{Field: "packageName", Reason: "is empty"}
	}
	b, err := r.Conn.Baseline(packageName, branch)
	if err == ErrNotFound {
		return nil, nil
	} else if err != nil {
		return nil, r.fail("baseline", packageName, err)
	}
	return r.Retrieve(packageName, b.Metadata.CommitHash)
}

// ListSnapshots lists the metadata of the snapshots of packageName.
func (r *Remote) ListSnapshots(packageName string, opts snapshot.ListOptions) ([]snapshot.Metadata, error) {
	if packageName == "" {
		return nil, &snapshot.ValidationError{Field: "packageName", Reason: "is empty"}
	}
	mds, err := r.Conn.List(packageName, opts)
	if err != nil {
		return nil, r.fail("list", packageName, err)
	}
	return mds, nil
}

// Delete removes the entry with the given key on the server.
func (r *Remote) Delete(key string) error {
	if err := snapshot.ValidateKey(key); err != nil {
		return err
	}
	if err := r.Conn.Delete(key); err != nil {
		return r.fail("delete", key, err)
	}
	return nil
}

// Cleanup runs a retention pass on the server.
func (r *Remote) Cleanup(retentionDays int) (*snapshot.CleanupReport, error) {
	if retentionDays < 0 {
		return nil, &snapshot.ValidationError{Field: "retentionDays", Reason: "is negative"}
	}
	report, err := r.Conn.Cleanup(retentionDays)
	if err != nil {
		return nil, r.fail("cleanup", "", err)
	}
	return report, nil
}

// HealthCheck is false if the server is unhealthy or cannot be reached.
func (r *Remote) HealthCheck() bool {
	ok, err := r.Conn.Health()
	return ok && err == nil
}

// Stats returns the totals of the server's namespace.
func (r *Remote) Stats() (*snapshot.Stats, error) {
	st, err := r.Conn.Stats()
	if err != nil {
		return nil, r.fail("stats", "", err)
	}
	return st, nil
}

package client

import (
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"strconv"

	"github.com/antonholmquist/jason"

	"github.com/ndlib/snapcache/snapshot"
	"github.com/ndlib/snapcache/util"
)

// Baseline is the newest snapshot of a package on a branch, as reported by
// the server.
type Baseline struct {
	Package  string
	Key      string
	Metadata snapshot.Metadata
}

// UploadResult describes a stored upload.
type UploadResult struct {
	Key    string
	SHA256 string
	Size   int64
}

// Health returns whether the server reports itself healthy. An unhealthy
// server is not an error.
func (c *Connection) Health() (bool, error) {
	req, err := http.NewRequest("GET", c.HostURL+"/health", nil)
	if err != nil {
		return false, err
	}
	resp, err := c.do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 && resp.StatusCode != 503 {
		return false, checkStatus(resp, 200)
	}
	v, err := jason.NewObjectFromReader(resp.Body)
	if err != nil {
		return false, err
	}
	return v.GetBoolean("healthy")
}

// Stats returns the totals of the server's namespace.
func (c *Connection) Stats() (*snapshot.Stats, error) {
	v, err := c.doJasonGet("/stats")
	if err != nil {
		return nil, err
	}
	var result snapshot.Stats
	result.TotalSize, _ = v.GetInt64("totalSize")
	count, _ := v.GetInt64("snapshotCount")
	result.SnapshotCount = int(count)
	result.OldestSnapshot, _ = v.GetString("oldestSnapshot")
	result.NewestSnapshot, _ = v.GetString("newestSnapshot")
	return &result, nil
}

// List returns the metadata of the snapshots of pkg, newest first.
// An empty branch lists every branch and a limit of zero means no limit.
func (c *Connection) List(pkg string, opts snapshot.ListOptions) ([]snapshot.Metadata, error) {
	q := url.Values{"package": {pkg}}
	if opts.Branch != "" {
		q.Set("branch", opts.Branch)
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	var result []snapshot.Metadata
	if err := c.getJSON("/snapshots?"+q.Encode(), &result); err != nil {
		return nil, err
	}
	return result, nil
}

// Baseline returns the newest snapshot of pkg on branch. It returns
// ErrNotFound if there is none.
func (c *Connection) Baseline(pkg, branch string) (*Baseline, error) {
	q := url.Values{"package": {pkg}}
	if branch != "" {
		q.Set("branch", branch)
	}
	var body struct {
		Package  string             `json:"package"`
		Key      string             `json:"key"`
		Metadata *snapshot.Metadata `json:"metadata"`
	}
	if err := c.getJSON("/baseline?"+q.Encode(), &body); err != nil {
		return nil, err
	}
	if body.Metadata == nil {
		return nil, fmt.Errorf("%w: baseline without metadata", ErrUnexpectedResp)
	}
	return &Baseline{Package: body.Package, Key: body.Key, Metadata: *body.Metadata}, nil
}

// Metadata returns the metadata stored for (pkg, commit).
func (c *Connection) Metadata(pkg, commit string) (snapshot.Metadata, error) {
	q := url.Values{"package": {pkg}, "commit": {commit}}
	var md snapshot.Metadata
	err := c.getJSON("/snapshot/metadata?"+q.Encode(), &md)
	return md, err
}

// Download copies the payload stored for (pkg, commit) to w.
func (c *Connection) Download(w io.Writer, pkg, commit string) error {
	resp, err := c.payload(pkg, commit)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, err = io.Copy(w, resp.Body)
	return err
}

// payload starts the download of a payload. The caller closes the body.
func (c *Connection) payload(pkg, commit string) (*http.Response, error) {
	q := url.Values{"package": {pkg}, "commit": {commit}}
	path := c.HostURL + "/snapshot/payload?" + q.Encode()
	req, err := http.NewRequest("GET", path, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	if err := checkStatus(resp, 200); err != nil {
		resp.Body.Close()
		if err == ErrNotFound {
			log.Println("returned 404", path)
		}
		return nil, err
	}
	return resp, nil
}

// Upload sends the file at payloadPath to be stored with md. The SHA-256 of
// the file is sent along so the server can verify what it received.
func (c *Connection) Upload(payloadPath string, md snapshot.Metadata) (*UploadResult, error) {
	mdjson, err := snapshot.EncodeMetadata(md, "")
	if err != nil {
		return nil, err
	}
	f, err := os.Open(payloadPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	hw := util.NewHashWriterPlain()
	if _, err := io.Copy(hw, f); err != nil {
		return nil, err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}

	q := url.Values{"package": {md.PackageName}}
	req, err := http.NewRequest("PUT", c.HostURL+"/snapshot?"+q.Encode(), f)
	if err != nil {
		return nil, err
	}
	req.ContentLength = hw.Size()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Snapshot-Metadata", string(mdjson))
	req.Header.Set("X-Upload-Sha256", hw.Hex())
	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == 412 {
		return nil, fmt.Errorf("%w: checksum mismatch uploading %s", ErrServerError, payloadPath)
	}
	if err := checkStatus(resp, 200); err != nil {
		return nil, err
	}
	v, err := jason.NewObjectFromReader(resp.Body)
	if err != nil {
		return nil, err
	}
	result := &UploadResult{}
	result.Key, _ = v.GetString("key")
	result.SHA256, _ = v.GetString("sha256")
	result.Size, _ = v.GetInt64("size")
	return result, nil
}

// Delete removes the entry with the given key. Deleting a missing key
// succeeds.
func (c *Connection) Delete(key string) error {
	req, err := http.NewRequest("DELETE", c.HostURL+"/snapshot/"+url.PathEscape(key), nil)
	if err != nil {
		return err
	}
	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return checkStatus(resp, 204)
}

// Cleanup asks the server to remove the entries older than days days.
func (c *Connection) Cleanup(days int) (*snapshot.CleanupReport, error) {
	v, err := c.doJason("POST", "/cleanup?days="+strconv.Itoa(days), 200)
	if err != nil {
		return nil, err
	}
	o, err := v.Object()
	if err != nil {
		return nil, err
	}
	// either list is null when empty
	result := &snapshot.CleanupReport{}
	result.Removed, _ = o.GetStringArray("removed")
	result.Skipped, _ = o.GetStringArray("skipped")
	return result, nil
}

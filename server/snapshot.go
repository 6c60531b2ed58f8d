package server

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"

	"github.com/julienschmidt/httprouter"

	"github.com/ndlib/snapcache/snapshot"
	"github.com/ndlib/snapcache/util"
)

// MetadataHeader carries the metadata of an uploaded snapshot as compact
// JSON.
const MetadataHeader = "X-Snapshot-Metadata"

// BaselineInfo is the response of GET /baseline.
type BaselineInfo struct {
	Package  string            `json:"package"`
	Key      string            `json:"key"`
	Metadata snapshot.Metadata `json:"metadata"`
}

// UploadInfo is the response of PUT /snapshot.
type UploadInfo struct {
	Key    string `json:"key"`
	SHA256 string `json:"sha256"`
	Size   int64  `json:"size"`
}

// ListHandler handles requests to GET /snapshots?package=&branch=&limit=
func (s *RESTServer) ListHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	q := r.URL.Query()
	opts := snapshot.ListOptions{Branch: q.Get("branch")}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			w.WriteHeader(400)
			fmt.Fprintln(w, "bad limit:", err)
			return
		}
		opts.Limit = n
	}
	mds, err := s.Backend.ListSnapshots(q.Get("package"), opts)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if mds == nil {
		mds = []snapshot.Metadata{}
	}
	writeJSON(w, http.StatusOK, mds)
}

// BaselineHandler handles requests to GET /baseline?package=&branch=
// Identical lookups arriving together share one trip to the backend.
func (s *RESTServer) BaselineHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	q := r.URL.Query()
	pkg, branch := q.Get("package"), q.Get("branch")
	if branch == "" {
		branch = snapshot.DefaultBranch
	}
	v, err := s.baseline.Do(pkg+"\x00"+branch, func() (interface{}, error) {
		sn, err := s.Backend.GetBaseline(pkg, branch)
		if sn == nil || err != nil {
			return nil, err
		}
		defer sn.Release()
		return &BaselineInfo{Package: sn.PackageName, Key: sn.Key, Metadata: sn.Metadata}, nil
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	if v == nil {
		w.WriteHeader(404)
		fmt.Fprintln(w, "no baseline for", pkg, "on", branch)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// retrieve fetches the snapshot named by the package and commit query
// parameters. It writes the response itself and returns nil on errors and
// misses.
func (s *RESTServer) retrieve(w http.ResponseWriter, r *http.Request) *snapshot.Snapshot {
	q := r.URL.Query()
	sn, err := s.Backend.Retrieve(q.Get("package"), q.Get("commit"))
	if err != nil {
		writeError(w, r, err)
		return nil
	}
	if sn == nil {
		w.WriteHeader(404)
		fmt.Fprintln(w, "no entry")
	}
	return sn
}

// PayloadHandler handles requests to GET /snapshot/payload?package=&commit=
func (s *RESTServer) PayloadHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	sn := s.retrieve(w, r)
	if sn == nil {
		return
	}
	defer sn.Release()
	f, err := os.Open(sn.FilePath)
	if err != nil {
		writeError(w, r, err)
		return
	}
	defer f.Close()
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Snapshot-Key", sn.Key)
	io.Copy(w, f)
}

// MetadataHandler handles requests to GET /snapshot/metadata?package=&commit=
func (s *RESTServer) MetadataHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	sn := s.retrieve(w, r)
	if sn == nil {
		return
	}
	sn.Release()
	writeJSON(w, http.StatusOK, sn.Metadata)
}

// UploadHandler handles requests to PUT /snapshot?package=
// The request body is the payload and the metadata travels in the
// X-Snapshot-Metadata header. If X-Upload-Sha256 is given the body must
// match it.
func (s *RESTServer) UploadHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	var md snapshot.Metadata
	if err := json.Unmarshal([]byte(r.Header.Get(MetadataHeader)), &md); err != nil {
		w.WriteHeader(400)
		fmt.Fprintln(w, "bad metadata:", err)
		return
	}
	var goal []byte
	if v := r.Header.Get("X-Upload-Sha256"); v != "" {
		var err error
		goal, err = hex.DecodeString(v)
		if err != nil {
			w.WriteHeader(400)
			fmt.Fprintln(w, "bad X-Upload-Sha256:", err)
			return
		}
	}
	pkg := r.URL.Query().Get("package")
	if pkg == "" {
		pkg = md.PackageName
	}

	if !s.uploads.Enter() {
		w.WriteHeader(503)
		fmt.Fprintln(w, "server is shutting down")
		return
	}
	defer s.uploads.Leave()

	f, err := os.CreateTemp(s.ScratchDir, "upload-")
	if err != nil {
		writeError(w, r, err)
		return
	}
	defer os.Remove(f.Name())
	hw := util.NewHashWriter(f)
	_, err = io.Copy(hw, r.Body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	computed, ok := hw.CheckSHA256(goal)
	if !ok {
		w.WriteHeader(412)
		fmt.Fprintf(w, "sha256 mismatch: received %x\n", computed)
		return
	}
	key, err := s.Backend.Store(pkg, f.Name(), md)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, UploadInfo{Key: key, SHA256: hw.Hex(), Size: hw.Size()})
}

// DeleteHandler handles requests to DELETE /snapshot/:key
func (s *RESTServer) DeleteHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	if err := s.Backend.Delete(ps.ByName("key")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// CleanupHandler handles requests to POST /cleanup?days=
func (s *RESTServer) CleanupHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	days, err := strconv.Atoi(r.URL.Query().Get("days"))
	if err != nil {
		w.WriteHeader(400)
		fmt.Fprintln(w, "bad days:", err)
		return
	}
	report, err := s.Backend.Cleanup(days)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

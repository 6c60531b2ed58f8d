package storetest

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/ndlib/snapcache/snapshot"
)

type blob struct {
	pkg    string
	commit string
	key    string
	hash   []byte
	size   int64
}

// Stress will spawn a number of goroutines to simultainously store,
// retrieve, and delete snapshots in the given backend. It is a good test to
// run with the -race flag to try to find race conditions.
//
// Generate a list of sizes, until their sum is >= totalsize.
// For each size, store a random payload of that size, and then retrieve it
// and compare it for correctness.
//
// randomly delete the snapshot or try retrieving it again.
// At some point every snapshot will be deleted. End the test.
func Stress(t *testing.T, b snapshot.Backend, totalsize int64) {
	// the pipeline is
	//       size maker
	// sizes ----> uploader pool
	// dwnld ----> downloader pool (possible repeat)
	//       ----> delete
	if totalsize == 0 {
		totalsize = 50 * 1000 * 1000 // 50MB
	}
	scratch := t.TempDir()
	sizes := make(chan int64)
	dwnld := make(chan blob, 1000)
	done := make(chan struct{})
	var uppool, downpool sync.WaitGroup

	for i := 0; i < 5; i++ {
		uppool.Add(1)
		go func(i int) {
			uploader(t, b, filepath.Join(scratch, fmt.Sprint(i)), sizes, dwnld)
			uppool.Done()
		}(i)
	}

	for i := 0; i < 10; i++ {
		downpool.Add(1)
		go func() {
			downloader(t, b, dwnld, done)
			downpool.Done()
		}()
	}

	generatesizes(sizes, totalsize)
	close(sizes)
	uppool.Wait()
	close(done)
	downpool.Wait()
}

// randomReader is provides an interface to n bytes of random data.
// The length may be much longer than len(data).
type randomReader struct {
	n    int64
	data []byte
}

func (r *randomReader) Read(p []byte) (int, error) {
	if r.n <= 0 {
		return 0, io.EOF
	}
	total := 0
	data := r.data
	for len(p) > 0 && r.n > 0 {
		if r.n < int64(len(data)) {
			data = data[:int(r.n)]
		}
		n := copy(p, data)
		p = p[n:]
		r.n -= int64(n)
		total += n
	}
	return total, nil
}

// packages is the pool uploaders draw package names from, so entries of
// one package are written by several goroutines at once.
var packages = []string{"react", "@clerk/backend", "@clerk/nextjs", "left-pad"}

func uploader(t *testing.T, b snapshot.Backend, fname string, in <-chan int64, out chan<- blob) {
	h := md5.New()
	const L = 64 * 1024 // 64k
	buffer := make([]byte, L)

	for size := range in {
		h.Reset()
		rand.Read(buffer)
		pkg := packages[int(buffer[0])%len(packages)]
		commit := hex.EncodeToString(buffer[1:21])

		f, err := os.Create(fname)
		if err != nil {
			t.Error(err)
			continue
		}
		n, err := io.Copy(io.MultiWriter(h, f), &randomReader{data: buffer, n: size})
		if n != size {
			t.Error("expected", size, "only wrote", n)
		}
		if err != nil {
			t.Error(err)
		}
		f.Close()

		md := snapshot.Metadata{
			PackageName: pkg,
			CommitHash:  commit,
			Branch:      snapshot.DefaultBranch,
			Timestamp:   "2024-01-01T00:00:00Z",
		}
		key, err := b.Store(pkg, fname, md)
		if err != nil {
			t.Error(pkg, size, err)
			continue
		}
		out <- blob{pkg: pkg, commit: commit, key: key, hash: h.Sum(nil), size: size}
	}
}

func downloader(t *testing.T, b snapshot.Backend, in chan blob, done chan struct{}) {
	h := md5.New()
	for {
		var blob blob
		select {
		case <-done:
			return
		case blob = <-in:
		}
		s, err := b.Retrieve(blob.pkg, blob.commit)
		if err != nil {
			t.Error(err)
			continue
		}
		if s == nil {
			t.Error("no entry for", blob.key)
			continue
		}
		f, err := os.Open(s.FilePath)
		if err != nil {
			t.Error(err)
			s.Release()
			continue
		}
		h.Reset()
		n, err := io.Copy(h, f)
		if err != nil {
			t.Error(err)
		}
		if n != blob.size {
			t.Error("Expected", blob.size, "but read", n)
		}
		f.Close()
		if err := s.Release(); err != nil {
			t.Error(err)
		}
		if !bytes.Equal(blob.hash, h.Sum(nil)) {
			t.Errorf("hashes unequal. %#v. Received %x", blob, h.Sum(nil))
			// note that the entry is left in the backend...
			continue
		}

		// figure out what to do next
		x := rand.Float32()
		switch {
		case x < 0.5:
			err := b.Delete(blob.key)
			if err != nil {
				t.Error(err)
			}
		default:
			// reinsert once
			in <- blob
		}
	}
}

func generatesizes(out chan<- int64, totalsize int64) {
	// We want a wide range of sizes, so generate the exponent of the size
	// uniformly at random.
	//  choose number x ~ uniform(0, 16)
	//  let size be exp(x)
	for totalsize > 0 {
		x := 16 * rand.Float64()
		size := int64(math.Trunc(math.Exp(x)))
		out <- size
		totalsize -= size
	}
}

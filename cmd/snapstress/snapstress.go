package main

// Stress test a snapcache server
//
// Parameters:
//  n   - The number of goroutines to use. Default is 20
//  z   - The maximum size of a payload in KB. Default is 512
//  c   - The number of snapshots to upload. Default is 1000
//  p   - The number of distinct packages. Default is 10
//
//  url - the url of the snapcache instance. Default is http://localhost:14100

import (
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"log"
	mrand "math/rand"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ndlib/snapcache/client"
	"github.com/ndlib/snapcache/snapshot"
	"github.com/ndlib/snapcache/util"
)

var (
	NumGoroutines = flag.Int("n", 20, "number of goroutines")
	MaxUpload     = flag.Int("z", 512, "max payload size in KB")
	NumSnapshots  = flag.Int("c", 1000, "number of snapshots to upload")
	NumPackages   = flag.Int("p", 10, "number of distinct packages")
	urlpath       = flag.String("url", "http://localhost:14100", "base url of service to test")
	apikey        = flag.String("key", "", "api key to send")
)

func main() {
	flag.Parse()
	conn := &client.Connection{HostURL: *urlpath, Token: *apikey}
	scratch, err := os.MkdirTemp("", "snapstress-")
	if err != nil {
		log.Fatal(err)
	}
	defer os.RemoveAll(scratch)

	var failed int64
	starttime := time.Now()
	wg := sync.WaitGroup{}
	gate := util.NewGate(*NumGoroutines)
	for i := 0; i < *NumSnapshots; i++ {
		pkg := fmt.Sprintf("@stress/pkg%03d", i%*NumPackages)
		fname := filepath.Join(scratch, fmt.Sprintf("payload%05d.json", i))
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !gate.Enter() {
				return
			}
			defer gate.Leave()
			if err := UploadAndCheck(conn, pkg, fname); err != nil {
				log.Println(pkg, err)
				atomic.AddInt64(&failed, 1)
			}
		}()
	}
	wg.Wait()
	log.Printf("Finished %d snapshots in %v, %d failed",
		*NumSnapshots, time.Since(starttime), atomic.LoadInt64(&failed))
}

// UploadAndCheck stores a random payload for pkg under a random commit and
// then makes sure the server hands the same bytes back.
func UploadAndCheck(conn *client.Connection, pkg, fname string) error {
	commit := randomHex(20)
	size := mrand.Intn(*MaxUpload*1024) + 1
	if err := os.WriteFile(fname, []byte(randomHex(size/2+1)), 0644); err != nil {
		return err
	}
	defer os.Remove(fname)

	md := snapshot.Metadata{
		PackageName: pkg,
		CommitHash:  commit,
		Branch:      "main",
		Timestamp:   time.Now().UTC().Format(time.RFC3339Nano),
	}
	up, err := conn.Upload(fname, md)
	if err != nil {
		return err
	}

	hw := util.NewHashWriterPlain()
	if err := conn.Download(hw, pkg, commit); err != nil {
		return err
	}
	if hw.Hex() != up.SHA256 {
		return fmt.Errorf("%s: downloaded %s, uploaded %s", up.Key, hw.Hex(), up.SHA256)
	}
	if _, err := conn.Baseline(pkg, ""); err != nil {
		return err
	}
	return nil
}

func randomHex(n int) string {
	b := make([]byte, n)
	rand.Read(b)
	return hex.EncodeToString(b)
}

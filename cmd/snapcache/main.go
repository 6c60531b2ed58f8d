package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"text/tabwriter"

	raven "github.com/getsentry/raven-go"

	"github.com/ndlib/snapcache/client"
	"github.com/ndlib/snapcache/server"
	"github.com/ndlib/snapcache/snapshot"
	"github.com/ndlib/snapcache/store"
)

var usage = `
snapcache [flags] <command> <command arguments>

Possible commands:

    store <package> <payload file> <metadata file>
    retrieve <package> <commit> <destination>
    baseline <package> [branch]
    list <package> [branch] [limit]
    delete <key>
    cleanup [days]
    health
    stats
    serve

A miss prints "no entry" and exits with status 1.

Flags:
`

// exit statuses
const (
	exitOK    = 0
	exitFail  = 1
	exitUsage = 2
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout))
}

// run executes one command line and returns the exit status.
func run(args []string, stdout io.Writer) int {
	fs := flag.NewFlagSet("snapcache", flag.ContinueOnError)
	var (
		configFile = fs.String("config", "", "TOML configuration file")
		cacheDir   = fs.String("cache-dir", "", "storage root, overrides cache_dir")
		namespace  = fs.String("namespace", "", "namespace, overrides namespace")
		serverURL  = fs.String("server", "", "use the snapcache server at this URL instead of a local cache")
		port       = fs.String("port", "", "port for serve, overrides port")
	)
	fs.Usage = func() {
		fmt.Fprint(fs.Output(), usage)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	cfg, err := loadConfig(*configFile)
	if err != nil {
		log.Println("config:", err)
		return exitFail
	}
	if *cacheDir != "" {
		cfg.CacheDir = *cacheDir
	}
	if *namespace != "" {
		cfg.Namespace = *namespace
	}
	if *serverURL != "" {
		cfg.Server = *serverURL
	}
	if *port != "" {
		cfg.Port = *port
	}
	if cfg.SentryDSN != "" {
		raven.SetDSN(cfg.SentryDSN)
	}

	args = fs.Args()
	if len(args) == 0 {
		fs.Usage()
		return exitUsage
	}

	b, err := openBackend(cfg, args[0] == "serve")
	if err != nil {
		log.Println(err)
		return exitFail
	}

	var wantArgs = map[string][2]int{ // min and max arguments
		"store":    {3, 3},
		"retrieve": {3, 3},
		"baseline": {1, 2},
		"list":     {1, 3},
		"delete":   {1, 1},
		"cleanup":  {0, 1},
		"health":   {0, 0},
		"stats":    {0, 0},
		"serve":    {0, 0},
	}
	n, ok := wantArgs[args[0]]
	if !ok || len(args)-1 < n[0] || len(args)-1 > n[1] {
		fs.Usage()
		return exitUsage
	}

	switch args[0] {
	case "store":
		err = doStore(stdout, b, args[1], args[2], args[3])
	case "retrieve":
		err = doRetrieve(stdout, b, args[1], args[2], args[3])
	case "baseline":
		err = doBaseline(stdout, b, args[1], optional(args, 2))
	case "list":
		err = doList(stdout, b, args[1], optional(args, 2), optional(args, 3))
	case "delete":
		err = b.Delete(args[1])
	case "cleanup":
		err = doCleanup(stdout, b, optional(args, 1), cfg.RetentionDays)
	case "health":
		err = doHealth(stdout, b)
	case "stats":
		err = doStats(stdout, b)
	case "serve":
		err = doServe(b, cfg)
	}
	switch {
	case err == errMiss:
		fmt.Fprintln(stdout, "no entry")
		return exitFail
	case err != nil:
		log.Println(args[0]+":", err)
		return exitFail
	}
	return exitOK
}

func optional(args []string, i int) string {
	if i < len(args) {
		return args[i]
	}
	return ""
}

// openBackend returns the backend the commands run against. A server
// cannot serve another server.
func openBackend(cfg config, serving bool) (snapshot.Backend, error) {
	if cfg.Server == "" {
		return store.NewCacheDir(cfg.storeConfig())
	}
	if serving {
		return nil, fmt.Errorf("serve needs a local cache directory, not %s", cfg.Server)
	}
	return client.NewRemote(cfg.Server, cfg.APIKey, ""), nil
}

// errMiss is returned by commands that found nothing.
var errMiss = errors.New("no entry")

func doStore(stdout io.Writer, b snapshot.Backend, pkg, payload, mdfile string) error {
	buf, err := os.ReadFile(mdfile)
	if err != nil {
		return err
	}
	var md snapshot.Metadata
	if err := json.Unmarshal(buf, &md); err != nil {
		return fmt.Errorf("%s: %w", mdfile, err)
	}
	key, err := b.Store(pkg, payload, md)
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, key)
	return nil
}

func doRetrieve(stdout io.Writer, b snapshot.Backend, pkg, commit, dest string) error {
	s, err := b.Retrieve(pkg, commit)
	if err != nil {
		return err
	}
	if s == nil {
		return errMiss
	}
	defer s.Release()
	if err := copyFile(dest, s.FilePath); err != nil {
		return err
	}
	fmt.Fprintln(stdout, s.Key)
	return nil
}

func copyFile(dest, src string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	_, err = io.Copy(out, in)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	return err
}

func doBaseline(stdout io.Writer, b snapshot.Backend, pkg, branch string) error {
	s, err := b.GetBaseline(pkg, branch)
	if err != nil {
		return err
	}
	if s == nil {
		return errMiss
	}
	s.Release()
	enc := json.NewEncoder(stdout)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	return enc.Encode(struct {
		Key      string            `json:"key"`
		Metadata snapshot.Metadata `json:"metadata"`
	}{s.Key, s.Metadata})
}

func doList(stdout io.Writer, b snapshot.Backend, pkg, branch, limit string) error {
	opts := snapshot.ListOptions{Branch: branch}
	if limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil {
			return fmt.Errorf("bad limit %q", limit)
		}
		opts.Limit = n
	}
	mds, err := b.ListSnapshots(pkg, opts)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(stdout, 0, 8, 1, ' ', 0)
	fmt.Fprintf(tw, "Commit\tBranch\tTimestamp\n")
	for _, md := range mds {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", md.CommitHash, md.Branch, md.Timestamp)
	}
	return tw.Flush()
}

func doCleanup(stdout io.Writer, b snapshot.Backend, days string, defaultDays int) error {
	n := defaultDays
	if days != "" {
		var err error
		n, err = strconv.Atoi(days)
		if err != nil {
			return fmt.Errorf("bad days %q", days)
		}
	}
	report, err := b.Cleanup(n)
	if err != nil {
		return err
	}
	for _, key := range report.Removed {
		fmt.Fprintln(stdout, "removed", key)
	}
	for _, key := range report.Skipped {
		fmt.Fprintln(stdout, "skipped", key)
	}
	return nil
}

func doHealth(stdout io.Writer, b snapshot.Backend) error {
	if !b.HealthCheck() {
		fmt.Fprintln(stdout, "unhealthy")
		return fmt.Errorf("backend is unhealthy")
	}
	fmt.Fprintln(stdout, "healthy")
	return nil
}

func doStats(stdout io.Writer, b snapshot.Backend) error {
	st, err := b.Stats()
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(stdout, 0, 8, 1, ' ', 0)
	fmt.Fprintf(tw, "Snapshots\t%d\n", st.SnapshotCount)
	fmt.Fprintf(tw, "Total size\t%d\n", st.TotalSize)
	fmt.Fprintf(tw, "Oldest\t%s\n", st.OldestSnapshot)
	fmt.Fprintf(tw, "Newest\t%s\n", st.NewestSnapshot)
	return tw.Flush()
}

// doServe runs the REST server and the retention janitor until the
// process is signaled.
func doServe(b snapshot.Backend, cfg config) error {
	validator, err := server.NewTokenDecoder(cfg.TokensFile)
	if err != nil {
		return err
	}
	s := &server.RESTServer{
		PortNumber: cfg.Port,
		Backend:    b,
		Validator:  validator,
		MaxUploads: cfg.MaxUploads,
	}
	j := snapshot.StartJanitor(b, cfg.RetentionDays, cfg.CleanupInterval, nil)
	defer j.Stop()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		log.Println("Received signal, stopping")
		s.Stop()
	}()
	return s.Run()
}

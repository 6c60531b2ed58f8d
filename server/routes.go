package server

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"

	"github.com/facebookgo/httpdown"
	raven "github.com/getsentry/raven-go"
	"github.com/golang/groupcache/singleflight"
	"github.com/julienschmidt/httprouter"

	"github.com/ndlib/snapcache/snapshot"
	"github.com/ndlib/snapcache/util"
)

// RESTServer holds the configuration for a snapshot REST API server.
//
// Set all the public fields and then call Run. Run will listen on the given
// port and handle requests. Do not change any fields after calling Run.
type RESTServer struct {
	// Port number to listen on. defaults to 14100
	PortNumber string

	// Backend holds the snapshots. Run will panic if Backend is nil.
	Backend snapshot.Backend

	// Validator does authentication by decoding any user tokens
	// presented to the API. If this is nil then every request is made by
	// "nobody" with the admin role.
	Validator TokenDecoder

	// MaxUploads is the number of snapshot uploads handled at a time.
	// Others wait their turn. defaults to 4
	MaxUploads int

	// ScratchDir holds upload bodies until they are stored. If empty the
	// system temp directory is used.
	ScratchDir string

	once     sync.Once
	uploads  *util.Gate         // limits concurrent uploads
	baseline singleflight.Group // keyed by package and branch

	m       sync.Mutex      // protects below
	server  httpdown.Server // used to close our listening socket
	stopped bool
}

// DefaultMaxUploads is used when MaxUploads is not set.
const DefaultMaxUploads = 4

func (s *RESTServer) init() {
	s.once.Do(func() {
		if s.Backend == nil {
			panic("No snapshot backend given. Backend is nil.")
		}
		if s.PortNumber == "" {
			s.PortNumber = "14100"
		}
		if s.Validator == nil {
			log.Println("No Validator given")
			s.Validator = NewNobodyDecoder()
		}
		if s.MaxUploads <= 0 {
			s.MaxUploads = DefaultMaxUploads
		}
		s.uploads = util.NewGate(s.MaxUploads)
	})
}

// Run initializes the server and then blocks listening for and handling
// http requests.
func (s *RESTServer) Run() error {
	log.Println("==========")
	log.Printf("Starting snapcache server version %s", Version)
	s.init()
	log.Println("Listening on", s.PortNumber)

	h := httpdown.HTTP{}
	srv, err := h.ListenAndServe(&http.Server{
		Addr:    ":" + s.PortNumber,
		Handler: s.addRoutes(),
	})
	if err != nil {
		log.Println(err)
		return err
	}
	s.m.Lock()
	s.server = srv
	stopped := s.stopped
	s.m.Unlock()
	if stopped {
		// Stop was called while we were starting up
		srv.Stop()
	}
	return srv.Wait()
}

// Stop waits for uploads in progress, refusing new ones, and then stops the
// server. It returns when the listening socket is closed. Calling Stop
// before or during Run makes Run return as soon as it is listening.
func (s *RESTServer) Stop() error {
	s.init()
	s.m.Lock()
	if s.stopped {
		s.m.Unlock()
		return nil
	}
	s.stopped = true
	srv := s.server
	s.m.Unlock()
	s.uploads.Stop()
	if srv == nil {
		return nil
	}
	return srv.Stop()
}

// Handler returns the routes of the server without listening anywhere.
func (s *RESTServer) Handler() http.Handler {
	s.init()
	return s.addRoutes()
}

func (s *RESTServer) addRoutes() http.Handler {
	var routes = []struct {
		method  string
		route   string
		role    Role // RoleUnknown means no API key is needed to access
		handler httprouter.Handle
	}{
		{"GET", "/snapshots", RoleMDOnly, s.ListHandler},
		{"GET", "/baseline", RoleMDOnly, s.BaselineHandler},
		{"GET", "/snapshot/metadata", RoleMDOnly, s.MetadataHandler},
		{"GET", "/snapshot/payload", RoleRead, s.PayloadHandler},
		{"PUT", "/snapshot", RoleWrite, s.UploadHandler},
		{"DELETE", "/snapshot/:key", RoleWrite, s.DeleteHandler},
		{"POST", "/cleanup", RoleAdmin, s.CleanupHandler},

		// other
		{"GET", "/", RoleUnknown, WelcomeHandler},
		{"GET", "/health", RoleUnknown, s.HealthHandler},
		{"GET", "/stats", RoleRead, s.StatsHandler},
	}

	r := httprouter.New()
	for _, route := range routes {
		r.Handle(route.method,
			route.route,
			logWrapper(s.authzWrapper(route.handler, route.role)))
	}
	return r
}

// General route handlers and convinence functions

// writeJSON sends val with the given status code.
func writeJSON(w http.ResponseWriter, status int, val interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	enc.Encode(val)
}

// writeError turns err into a response. Validation errors are the caller's
// fault, everything else is ours and is reported.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	if snapshot.IsValidation(err) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprintln(w, err)
		return
	}
	log.Println(r.Method, r.URL, err)
	raven.CaptureError(err, map[string]string{"Route": r.URL.Path})
	w.WriteHeader(http.StatusInternalServerError)
	fmt.Fprintln(w, err)
}

// authzWrapper returns a Handler which will first verify the user token as
// having at least the given Role, and, for a token limited to some
// packages, that the request names one of them. The user name is added as
// a parameter "username".
func (s *RESTServer) authzWrapper(handler httprouter.Handle, leastRole Role) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		token := r.Header.Get("X-Api-Key")
		g, err := s.Validator.TokenDecode(token)
		if err != nil {
			w.WriteHeader(500)
			fmt.Fprintln(w, err.Error())
			return
		}

		// is role valid?
		if g.Role < leastRole {
			w.WriteHeader(401)
			fmt.Fprintln(w, "Forbidden")
			return
		}
		if leastRole > RoleUnknown && !g.Allows(r.URL.Query().Get("package")) {
			log.Printf("%s may not use %s %s", g.User, r.Method, r.URL)
			w.WriteHeader(403)
			fmt.Fprintln(w, "package not permitted for this key")
			return
		}

		// remove any previous username
		for i := range ps {
			if ps[i].Key == "username" {
				ps[i].Value = g.User
				goto out
			}
		}
		// add a new username if none found
		ps = append(ps, httprouter.Param{Key: "username", Value: g.User})
	out:
		handler(w, r, ps)
	}
}

// logWrapper takes a handler and returns a handler which does the same thing,
// after first logging the request URL.
func logWrapper(handler httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		log.Println(r.Method, r.URL)
		handler(w, r, ps)
	}
}

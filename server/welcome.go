package server

import (
	"fmt"
	"net/http"

	"github.com/julienschmidt/httprouter"
)

// Version is reported by the welcome page. It is set at link time.
var Version = "dev"

func WelcomeHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	fmt.Fprintf(w, "snapcache (%s)\n", Version)
}

// HealthHandler handles requests to GET /health. It answers 503 when the
// backend cannot store anything.
func (s *RESTServer) HealthHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	if !s.Backend.HealthCheck() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]bool{"healthy": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"healthy": true})
}

// StatsHandler handles requests to GET /stats
func (s *RESTServer) StatsHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	st, err := s.Backend.Stats()
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

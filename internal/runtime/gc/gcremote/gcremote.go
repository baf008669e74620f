// Package gcremote exposes a debug-only, opt-in HTTP/3 endpoint for
// whole-heap inspection and explicit collection requests — the network
// analogue of spec §4.8's get-stats/collect surface, akin to
// `sys._current_frames` style introspection tooling. It adapts the
// teacher's generic netstack.HTTP3Server rather than building a new
// transport layer, and negotiates the response wire-format against a
// caller-supplied Accept-Version header using semver range constraints.
package gcremote

import (
	"crypto/tls"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/Masterminds/semver/v3"

	"github.com/orizon-lang/orizon/internal/runtime/gc/gcapi"
	"github.com/orizon-lang/orizon/internal/runtime/netstack"
)

// Server is the gcremote debug endpoint.
type Server struct {
	http3   *netstack.HTTP3Server
	api     *gcapi.API
	handler http.Handler
}

// wireStats is the JSON body for GET /gc/stats.
type wireStats struct {
	CoreVersion   string `json:"coreVersion"`
	Enabled       bool   `json:"enabled"`
	Debug         uint32 `json:"debug"`
	Threshold     int64  `json:"threshold"`
	Count         int64  `json:"count"`
	Tracked       int    `json:"tracked"`
	Collected     int    `json:"collected"`
	Uncollectable int    `json:"uncollectable"`
}

// collectResponse is the JSON body for POST /gc/collect.
type collectResponse struct {
	Tracked       int `json:"tracked"`
	Collected     int `json:"collected"`
	Uncollectable int `json:"uncollectable"`
}

// New builds a Server exposing api over HTTP/3 on addr. tlsCfg may be
// nil, matching NewHTTP3Server's own TLS-1.3 default.
func New(addr string, tlsCfg *tls.Config, api *gcapi.API) *Server {
	s := &Server{api: api}
	mux := http.NewServeMux()
	mux.HandleFunc("/gc/stats", s.handleStats)
	mux.HandleFunc("/gc/collect", s.handleCollect)
	s.handler = mux
	s.http3 = netstack.NewHTTP3Server(addr, tlsCfg, mux)
	return s
}

// Handler returns the underlying http.Handler, letting callers (and
// tests) drive the stats/collect routes without standing up a real
// QUIC listener.
func (s *Server) Handler() http.Handler { return s.handler }

// Start begins serving and returns the bound address.
func (s *Server) Start() (string, error) { return s.http3.Start() }

// Stop shuts the server down.
func (s *Server) Stop() error { return s.http3.Stop() }

// Error forwards the server's first serve error, if any.
func (s *Server) Error() <-chan error { return s.http3.Error() }

// negotiateVersion checks the request's Accept-Version header (a
// semver constraint string, e.g. ">=1.0.0, <2.0.0") against
// gcapi.CoreVersion. A missing header always succeeds. A malformed
// constraint or a version outside the requested range yields false.
func negotiateVersion(r *http.Request) bool {
	raw := r.Header.Get("Accept-Version")
	if raw == "" {
		return true
	}
	c, err := semver.NewConstraint(raw)
	if err != nil {
		return false
	}
	return c.Check(gcapi.CoreVersion)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if !negotiateVersion(r) {
		http.Error(w, "unsupported Accept-Version", http.StatusNotAcceptable)
		return
	}
	stats := s.api.GetStats()
	resp := wireStats{
		CoreVersion: stats.CoreVersion.String(),
		Enabled:     stats.Enabled,
		Debug:       stats.Debug,
		Threshold:   stats.Threshold,
		Count:       stats.Count,
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleCollect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !negotiateVersion(r) {
		http.Error(w, "unsupported Accept-Version", http.StatusNotAcceptable)
		return
	}
	generation := 0
	if raw := r.URL.Query().Get("generation"); raw != "" {
		g, err := strconv.Atoi(raw)
		if err != nil {
			http.Error(w, "invalid generation", http.StatusBadRequest)
			return
		}
		generation = g
	}
	stats, err := s.api.Collect(generation)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	resp := collectResponse{
		Tracked:       stats.Tracked,
		Collected:     stats.Collected,
		Uncollectable: stats.Uncollectable,
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

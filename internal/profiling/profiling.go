// Package profiling provides a pprof server for debugging.
package profiling

import (
	"net/http"
	"net/http/pprof"

	"github.com/zenith-network/zenith-pool/internal/config"
	"github.com/zenith-network/zenith-pool/internal/util"
)

// Server provides pprof profiling endpoints
type Server struct {
	cfg    *config.ProfilingConfig
	server *http.Server
}

// NewServer creates a profiling server
func NewServer(cfg *config.ProfilingConfig) *Server {
	return &Server{cfg: cfg}
}

// Start begins the profiling server
func (s *Server) Start() error {
	if !s.cfg.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	mux.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
	mux.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	mux.Handle("/debug/pprof/allocs", pprof.Handler("allocs"))
	mux.Handle("/debug/pprof/block", pprof.Handler("block"))
	mux.Handle("/debug/pprof/mutex", pprof.Handler("mutex"))

	s.server = &http.Server{Addr: s.cfg.Bind, Handler: mux}

	util.Infof("pprof server listening on %s", s.cfg.Bind)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			util.Errorf("pprof server error: %v", err)
		}
	}()
	return nil
}

// Stop shuts down the profiling server
func (s *Server) Stop() error {
	if s.server != nil {
		return s.server.Close()
	}
	return nil
}

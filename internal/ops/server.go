// Package ops serves the operator health and status endpoint. This is
// plumbing for monitoring, not the miner-facing statistics site.
package ops

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/zenith-network/zenith-pool/internal/config"
	"github.com/zenith-network/zenith-pool/internal/storage"
	"github.com/zenith-network/zenith-pool/internal/supervisor"
	"github.com/zenith-network/zenith-pool/internal/util"
)

// Server exposes /healthz and /status
type Server struct {
	cfg   *config.OpsConfig
	sup   *supervisor.Supervisor
	store *storage.RedisClient

	server *http.Server
}

// NewServer creates the ops server
func NewServer(cfg *config.OpsConfig, sup *supervisor.Supervisor, store *storage.RedisClient) *Server {
	return &Server{cfg: cfg, sup: sup, store: store}
}

// Start begins serving
func (s *Server) Start() error {
	if !s.cfg.Enabled {
		return nil
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", s.handleHealthz)
	router.GET("/status", s.handleStatus)

	s.server = &http.Server{
		Addr:         s.cfg.Bind,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	util.Infof("ops server listening on %s", s.cfg.Bind)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			util.Errorf("ops server error: %v", err)
		}
	}()
	return nil
}

// Stop shuts the server down
func (s *Server) Stop() {
	if s.server != nil {
		s.server.Close()
	}
}

func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ok": true, "now": time.Now().Unix()})
}

func (s *Server) handleStatus(c *gin.Context) {
	pools := s.sup.Pools()

	stats := make(map[string]map[string]string, len(pools))
	for coin := range pools {
		if st, err := s.store.GetStats(coin); err == nil {
			stats[coin] = st
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"pools": pools,
		"stats": stats,
		"now":   time.Now().Unix(),
	})
}

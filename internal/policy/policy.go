// Package policy implements the stratum ban and flood control policy:
// per-IP share quality tracking, timed bans, and cluster ban fan-out.
package policy

import (
	"sync"
	"time"

	"github.com/zenith-network/zenith-pool/internal/config"
	"github.com/zenith-network/zenith-pool/internal/util"
)

// ipStats tracks one remote IP's share quality window
type ipStats struct {
	mu            sync.Mutex
	validShares   int
	invalidShares int
	bannedAt      time.Time
	lastBeat      time.Time
}

// Server enforces the ban policy for one coin's stratum listeners
type Server struct {
	cfg  config.BanningConfig
	coin string

	mu    sync.RWMutex
	stats map[string]*ipStats

	// onBan propagates a ban to the supervisor for cluster-wide fan-out.
	onBan func(ip string)

	quit chan struct{}
	wg   sync.WaitGroup
}

// NewServer creates a policy server for one coin
func NewServer(coin string, cfg config.BanningConfig) *Server {
	return &Server{
		cfg:   cfg,
		coin:  coin,
		stats: make(map[string]*ipStats),
		quit:  make(chan struct{}),
	}
}

// SetBanCallback registers the cluster ban event sink
func (p *Server) SetBanCallback(fn func(ip string)) {
	p.onBan = fn
}

// Start begins the periodic ban-map sweep
func (p *Server) Start() {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		interval := p.cfg.PurgeInterval
		if interval <= 0 {
			interval = 5 * time.Minute
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-p.quit:
				return
			case <-ticker.C:
				p.sweep()
			}
		}
	}()
}

// Stop shuts down the sweep loop
func (p *Server) Stop() {
	close(p.quit)
	p.wg.Wait()
}

func (p *Server) getStats(ip string) *ipStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.stats[ip]
	if !ok {
		s = &ipStats{}
		p.stats[ip] = s
	}
	s.lastBeat = time.Now()
	return s
}

// IsBanned reports whether the IP's ban is still in force
func (p *Server) IsBanned(ip string) bool {
	if !p.cfg.Enabled {
		return false
	}
	p.mu.RLock()
	s, ok := p.stats[ip]
	p.mu.RUnlock()
	if !ok {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bannedAt.IsZero() {
		return false
	}
	if time.Since(s.bannedAt) >= p.cfg.BanTime {
		s.bannedAt = time.Time{}
		return false
	}
	return true
}

// ApplyShare records a share verdict. Returns false when the IP crossed
// the invalid-ratio threshold and was banned; the caller must disconnect.
func (p *Server) ApplyShare(ip string, valid bool) bool {
	if !p.cfg.Enabled {
		return true
	}

	s := p.getStats(ip)
	s.mu.Lock()
	if valid {
		s.validShares++
	} else {
		s.invalidShares++
	}

	total := s.validShares + s.invalidShares
	if total < p.cfg.CheckThreshold {
		s.mu.Unlock()
		return true
	}

	ratio := float64(s.invalidShares) / float64(total) * 100
	s.validShares = 0
	s.invalidShares = 0
	s.mu.Unlock()

	if ratio >= p.cfg.InvalidPercent {
		util.Warnf("[%s] banning %s: invalid share ratio %.1f%% >= %.1f%%",
			p.coin, ip, ratio, p.cfg.InvalidPercent)
		p.Ban(ip, true)
		return false
	}
	return true
}

// Ban marks the IP banned. propagate distinguishes locally-detected bans
// (fanned out to the cluster) from bans received over IPC.
func (p *Server) Ban(ip string, propagate bool) {
	if !p.cfg.Enabled {
		return
	}
	s := p.getStats(ip)
	s.mu.Lock()
	fresh := s.bannedAt.IsZero()
	s.bannedAt = time.Now()
	s.mu.Unlock()

	if fresh {
		util.Infof("[%s] banned IP %s for %s", p.coin, ip, p.cfg.BanTime)
	}
	if propagate && p.onBan != nil {
		p.onBan(ip)
	}
}

// sweep drops expired bans and idle entries
func (p *Server) sweep() {
	now := time.Now()
	p.mu.Lock()
	defer p.mu.Unlock()

	removed := 0
	for ip, s := range p.stats {
		s.mu.Lock()
		expired := !s.bannedAt.IsZero() && now.Sub(s.bannedAt) >= p.cfg.BanTime
		if expired {
			s.bannedAt = time.Time{}
		}
		idle := s.bannedAt.IsZero() && now.Sub(s.lastBeat) >= p.cfg.BanTime+p.cfg.PurgeInterval
		s.mu.Unlock()
		if idle {
			delete(p.stats, ip)
			removed++
		}
	}
	if removed > 0 {
		util.Debugf("[%s] policy sweep removed %d idle IPs", p.coin, removed)
	}
}

// Counts reports tracked and currently banned IPs, for the ops endpoint
func (p *Server) Counts() (tracked, banned int) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	tracked = len(p.stats)
	for _, s := range p.stats {
		s.mu.Lock()
		if !s.bannedAt.IsZero() && time.Since(s.bannedAt) < p.cfg.BanTime {
			banned++
		}
		s.mu.Unlock()
	}
	return
}

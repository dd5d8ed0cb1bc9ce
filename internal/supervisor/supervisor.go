// Package supervisor starts and watches every coin's pool runtime and
// payment processor, fans out cluster events, and serves the operator
// command listener.
package supervisor

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/zenith-network/zenith-pool/internal/config"
	"github.com/zenith-network/zenith-pool/internal/newrelic"
	"github.com/zenith-network/zenith-pool/internal/notify"
	"github.com/zenith-network/zenith-pool/internal/payouts"
	"github.com/zenith-network/zenith-pool/internal/pool"
	"github.com/zenith-network/zenith-pool/internal/pplnt"
	"github.com/zenith-network/zenith-pool/internal/proxy"
	"github.com/zenith-network/zenith-pool/internal/shares"
	"github.com/zenith-network/zenith-pool/internal/storage"
	"github.com/zenith-network/zenith-pool/internal/stratum"
	"github.com/zenith-network/zenith-pool/internal/util"
)

// Worker restart policy: 2s back-off, disabled after 3 crashes in 10s.
const (
	restartBackoff  = 2 * time.Second
	crashWindow     = 10 * time.Second
	crashLimit      = 3
)

// managedPool bundles one coin's running components
type managedPool struct {
	cfg      *config.PoolConfig
	path     string // config file, for reloadpool
	pool     *pool.Pool
	payments *payouts.Processor

	cancel context.CancelFunc
}

// Supervisor owns the whole process
type Supervisor struct {
	cfg     *config.Config
	store   *storage.RedisClient
	tracker *pplnt.Tracker
	notifier *notify.Notifier
	apm     *newrelic.Agent
	proxy   *proxy.Multiplexer

	mu    sync.RWMutex
	pools map[string]*managedPool

	cli *cliListener

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates the supervisor
func New(cfg *config.Config, store *storage.RedisClient, apm *newrelic.Agent) *Supervisor {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Supervisor{
		cfg:      cfg,
		store:    store,
		tracker:  pplnt.NewTracker(store, "zenith"),
		notifier: notify.NewNotifier(&cfg.Notify),
		apm:      apm,
		pools:    make(map[string]*managedPool),
		ctx:      ctx,
		cancel:   cancel,
	}
	s.proxy = proxy.New(cfg.Switching, store, s.stratumFor)
	return s
}

// Start loads every enabled pool config and brings the system up
func (s *Supervisor) Start() error {
	util.Infof("supervisor starting (%d logical workers)", s.cfg.Clustering.ForkCount())

	entries, err := os.ReadDir(s.cfg.PoolConfigDir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(s.cfg.PoolConfigDir, entry.Name())
		pcfg, err := config.LoadPool(path)
		if err != nil {
			util.Errorf("pool config %s: %v", entry.Name(), err)
			continue
		}
		if !pcfg.Enabled {
			continue
		}
		s.wg.Add(1)
		go s.runPool(pcfg, path)
	}

	if err := s.proxy.Start(); err != nil {
		return err
	}

	s.cli = newCLIListener(s.cfg.CLI, s)
	if err := s.cli.Start(); err != nil {
		return err
	}

	return nil
}

// Stop shuts everything down
func (s *Supervisor) Stop() {
	s.cancel()
	if s.cli != nil {
		s.cli.Stop()
	}
	s.proxy.Stop()

	s.mu.Lock()
	for _, mp := range s.pools {
		mp.cancel()
	}
	s.mu.Unlock()

	s.wg.Wait()
	util.Info("supervisor stopped")
}

// runPool starts one coin's runtime and keeps it alive, with the crash
// loop protection applied across restarts.
func (s *Supervisor) runPool(pcfg *config.PoolConfig, path string) {
	defer s.wg.Done()

	coin := pcfg.Coin.Name
	var crashes []time.Time

	for {
		if s.ctx.Err() != nil {
			return
		}

		now := time.Now()
		recent := crashes[:0]
		for _, t := range crashes {
			if now.Sub(t) < crashWindow {
				recent = append(recent, t)
			}
		}
		crashes = recent
		if len(crashes) >= crashLimit {
			util.Errorf("[%s] worker crashed %d times within %s, not restarting", coin, crashLimit, crashWindow)
			return
		}

		stopped, err := s.startPoolOnce(pcfg, path)
		if err != nil {
			util.Errorf("[%s] worker failed to start: %v", coin, err)
			crashes = append(crashes, time.Now())
			select {
			case <-s.ctx.Done():
				return
			case <-time.After(restartBackoff):
			}
			continue
		}

		select {
		case <-s.ctx.Done():
			return
		case <-stopped:
			// Deliberate stop (reloadpool) exits this loop; the reload
			// path spawns a fresh runPool.
			return
		}
	}
}

// startPoolOnce wires and starts one coin's components. The returned
// channel closes when the pool is deliberately stopped.
func (s *Supervisor) startPoolOnce(pcfg *config.PoolConfig, path string) (<-chan struct{}, error) {
	coin := pcfg.Coin.Name

	pl, err := pool.New(pcfg)
	if err != nil {
		return nil, err
	}

	// Local bans fan out to every pool's server.
	pl.Policy().SetBanCallback(func(ip string) {
		s.BroadcastBan(ip)
	})

	if err := pl.Start(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(s.ctx)
	mp := &managedPool{cfg: pcfg, path: path, pool: pl, cancel: cancel}

	// One share processor per coin keeps the store single-writer.
	proc := shares.NewProcessor(coin, s.store)
	procCh := make(chan pool.ShareEvent, 10000)
	proc.Run(ctx, procCh)

	// Fan the pool's event stream out to the processor, the PPLNT
	// tracker and APM.
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for ev := range pl.Shares() {
			select {
			case procCh <- ev:
			default:
				util.Warnf("[%s] share processor backlog full", coin)
			}

			if ev.Valid {
				s.tracker.OnShare(coin, ev.Worker, time.Now())
			}
			if ev.BlockHash != "" && !ev.BlockOnlyPBaaS {
				s.tracker.OnBlock(coin)
				s.notifier.NotifyBlockFound(coin, ev.Height, ev.BlockHash, ev.Worker)
				if s.apm != nil {
					s.apm.RecordBlock(coin, ev.Height, ev.BlockHash)
				}
			}
			if s.apm != nil {
				s.apm.RecordShare(coin, ev.Worker, ev.Difficulty, ev.Valid)
			}
		}
		close(procCh)
	}()

	if pcfg.PaymentProcessing.Enabled {
		params, perr := pool.AddressParamsFor(pcfg.Coin)
		if perr != nil {
			pl.Stop()
			cancel()
			return nil, perr
		}
		mp.payments = payouts.NewProcessor(pcfg, params, s.store)
		mp.payments.SetPaymentSentCallback(func(c string, amount float64, workers int, txid string) {
			s.notifier.NotifyPaymentSent(c, amount, workers, txid)
			if s.apm != nil {
				s.apm.RecordPayment(c, amount, workers)
			}
		})
		mp.payments.SetOrphanCallback(s.notifier.NotifyOrphanBlock)
		mp.payments.Start()
	}

	stopped := make(chan struct{})
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		<-ctx.Done()
		if mp.payments != nil {
			mp.payments.Stop()
		}
		pl.Stop()
		proc.Wait()
		close(stopped)
	}()

	s.mu.Lock()
	s.pools[coin] = mp
	s.mu.Unlock()

	return stopped, nil
}

// BroadcastBan propagates an IP ban to every pool
func (s *Supervisor) BroadcastBan(ip string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, mp := range s.pools {
		mp.pool.BanIP(ip)
	}
}

// BlockNotify routes a blocknotify command to the owning coin
func (s *Supervisor) BlockNotify(coin, hash string) bool {
	s.mu.RLock()
	mp, ok := s.pools[coin]
	s.mu.RUnlock()
	if !ok {
		return false
	}
	mp.pool.BlockNotify(hash)
	return true
}

// CoinSwitch routes a coinswitch command to the proxy
func (s *Supervisor) CoinSwitch(coin, switchName, algorithm string) error {
	return s.proxy.Switch(coin, switchName, algorithm)
}

// ReloadPool stops a coin's runtime and starts it again from its config file
func (s *Supervisor) ReloadPool(coin string) error {
	s.mu.Lock()
	mp, ok := s.pools[coin]
	if ok {
		delete(s.pools, coin)
	}
	s.mu.Unlock()
	if !ok {
		return errUnknownCoin(coin)
	}

	mp.cancel()

	pcfg, err := config.LoadPool(mp.path)
	if err != nil {
		return err
	}
	if !pcfg.Enabled {
		util.Infof("[%s] disabled on reload", coin)
		return nil
	}

	s.wg.Add(1)
	go s.runPool(pcfg, mp.path)
	return nil
}

// stratumFor resolves a coin to its stratum server, for the proxy
func (s *Supervisor) stratumFor(coin string) *stratum.Server {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if mp, ok := s.pools[coin]; ok {
		return mp.pool.Stratum()
	}
	return nil
}

// Pools lists the running coins, for the ops endpoint
func (s *Supervisor) Pools() map[string]PoolStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]PoolStatus, len(s.pools))
	for coin, mp := range s.pools {
		tracked, banned := mp.pool.Policy().Counts()
		status := PoolStatus{
			Sessions:   mp.pool.Stratum().SessionCount(),
			TrackedIPs: tracked,
			BannedIPs:  banned,
		}
		if mp.payments != nil {
			status.PaymentsEnabled = true
			status.PaymentsHalted = mp.payments.Halted()
		}
		out[coin] = status
	}
	return out
}

// PoolStatus summarizes one coin for monitoring
type PoolStatus struct {
	Sessions        int  `json:"sessions"`
	TrackedIPs      int  `json:"tracked_ips"`
	BannedIPs       int  `json:"banned_ips"`
	PaymentsEnabled bool `json:"payments_enabled"`
	PaymentsHalted  bool `json:"payments_halted"`
}

type errUnknownCoin string

func (e errUnknownCoin) Error() string {
	return "no running pool for coin " + string(e)
}

// Package pool owns one coin's runtime: daemon clients, job manager and
// stratum server, wired together with channels.
package pool

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/zenith-network/zenith-pool/internal/config"
	"github.com/zenith-network/zenith-pool/internal/coinutil"
	"github.com/zenith-network/zenith-pool/internal/hashing"
	"github.com/zenith-network/zenith-pool/internal/jobs"
	"github.com/zenith-network/zenith-pool/internal/policy"
	"github.com/zenith-network/zenith-pool/internal/rpc"
	"github.com/zenith-network/zenith-pool/internal/stratum"
	"github.com/zenith-network/zenith-pool/internal/util"
)

const (
	extraNonce1Size = 4
	extraNonce2Size = 4
)

// ShareEvent is emitted for every processed submission
type ShareEvent struct {
	IP     string
	Port   string
	Worker string
	Height int64

	BlockDiff  float64
	Difficulty float64 // share target difficulty
	ShareDiff  float64 // actual hash difficulty

	BlockHash        string // set iff a candidate block was accepted upstream
	BlockHashInvalid string // set iff the daemon rejected the candidate
	TxHash           string
	BlockOnlyPBaaS   bool

	Valid bool
	Error string
}

// Pool runs one coin
type Pool struct {
	cfg    *config.PoolConfig
	coin   string
	params coinutil.AddressParams

	fanout  *rpc.Fanout
	jobMgr  *jobs.Manager
	stratum *stratum.Server
	policy  *policy.Server

	shares      chan ShareEvent
	blockNotify chan string
	watchers    []*rpc.BlockWatcher

	bannedAddrs map[string]struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a pool runtime for one coin config
func New(cfg *config.PoolConfig) (*Pool, error) {
	hashFn, err := hashing.ForAlgorithm(cfg.Coin.Algorithm)
	if err != nil {
		return nil, err
	}

	params, err := AddressParamsFor(cfg.Coin)
	if err != nil {
		return nil, err
	}
	if !params.ValidateAddress(cfg.Address) {
		return nil, fmt.Errorf("pool address %q fails validation for %s", cfg.Address, cfg.Coin.Name)
	}

	payoutScript, err := params.PayoutScript(cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("pool address %q has no payout script: %w", cfg.Address, err)
	}

	banned := make(map[string]struct{})
	if cfg.BannedAddresses.Enabled {
		for _, a := range cfg.BannedAddresses.Banned {
			banned[a] = struct{}{}
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		cfg:         cfg,
		coin:        cfg.Coin.Name,
		params:      params,
		fanout:      rpc.NewFanout(cfg.Daemons, 0),
		jobMgr:      jobs.NewManager(payoutScript, "/zenith/", hashFn, extraNonce2Size),
		policy:      policy.NewServer(cfg.Coin.Name, cfg.Banning),
		shares:      make(chan ShareEvent, 10000),
		blockNotify: make(chan string, 8),
		bannedAddrs: banned,
		ctx:         ctx,
		cancel:      cancel,
	}

	p.stratum = stratum.NewServer(cfg, p.policy, extraNonce2Size)
	p.stratum.SetAuthorizeFunc(p.authorize)
	p.stratum.SetSubmitFunc(p.submit)

	return p, nil
}

// Coin returns the coin name this pool serves
func (p *Pool) Coin() string { return p.coin }

// Shares returns the share event stream
func (p *Pool) Shares() <-chan ShareEvent { return p.shares }

// Policy exposes the ban policy for supervisor fan-out wiring
func (p *Pool) Policy() *policy.Server { return p.policy }

// Stratum exposes the stratum server for the proxy multiplexer
func (p *Pool) Stratum() *stratum.Server { return p.stratum }

// Start validates the daemon setup, fetches the first template and
// opens the stratum ports.
func (p *Pool) Start() error {
	// The pool address must validate on every daemon instance; a
	// disagreeing daemon would mine to an unspendable coinbase.
	results := p.fanout.Cmd(p.ctx, "validateaddress", []interface{}{p.cfg.Address})
	if !rpc.AllSucceeded(results) {
		for _, r := range results {
			if r.Error != nil {
				return fmt.Errorf("validateaddress on %s: %w", r.Instance, r.Error)
			}
		}
		return fmt.Errorf("no daemons configured")
	}
	for _, r := range results {
		var v struct {
			IsValid bool `json:"isvalid"`
		}
		if err := json.Unmarshal(r.Response, &v); err != nil || !v.IsValid {
			return fmt.Errorf("daemon %s rejects pool address %q", r.Instance, p.cfg.Address)
		}
	}

	if err := p.refreshTemplate(); err != nil {
		return fmt.Errorf("initial template: %w", err)
	}

	p.policy.Start()
	if err := p.stratum.Start(); err != nil {
		return err
	}

	for _, d := range p.cfg.Daemons {
		if d.WSPort > 0 {
			w := rpc.NewBlockWatcher(d, p.coin, p.blockNotify)
			w.Start(p.ctx)
			p.watchers = append(p.watchers, w)
		}
	}

	p.wg.Add(1)
	go p.templateLoop()

	util.Infof("[%s] pool started (%d daemons, %d ports)", p.coin, len(p.cfg.Daemons), len(p.cfg.Ports))
	return nil
}

// Stop shuts the pool down, closing all miner sockets
func (p *Pool) Stop() {
	p.cancel()
	for _, w := range p.watchers {
		w.Stop()
	}
	p.stratum.Stop()
	p.policy.Stop()
	p.wg.Wait()
	close(p.shares)
	util.Infof("[%s] pool stopped", p.coin)
}

// BanIP applies a cluster-wide ban received over IPC
func (p *Pool) BanIP(ip string) {
	p.stratum.BanIP(ip)
}

// BlockNotify queues a template refresh for a block hash announced by
// the operator or the daemon's websocket.
func (p *Pool) BlockNotify(hash string) {
	select {
	case p.blockNotify <- hash:
	default:
	}
}

// templateLoop polls for new templates and reacts to block notifications
func (p *Pool) templateLoop() {
	defer p.wg.Done()

	interval := p.cfg.BlockRefreshInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case hash := <-p.blockNotify:
			util.Debugf("[%s] block notification %s", p.coin, hash)
			if err := p.refreshTemplate(); err != nil {
				util.Warnf("[%s] template refresh after notify: %v", p.coin, err)
			}
		case <-ticker.C:
			if err := p.refreshTemplate(); err != nil {
				util.Warnf("[%s] template refresh: %v", p.coin, err)
			}
		}
	}
}

// refreshTemplate pulls templates from all daemons and broadcasts any
// genuinely new job.
func (p *Pool) refreshTemplate() error {
	ctx, cancel := context.WithTimeout(p.ctx, 10*time.Second)
	defer cancel()

	// Callbacks arrive concurrently, one per daemon instance.
	var mu sync.Mutex
	var firstErr error
	got := false
	p.fanout.StreamTemplates(ctx, []interface{}{map[string]interface{}{}}, func(r rpc.Result) {
		setErr := func(err error) {
			mu.Lock()
			if firstErr == nil {
				firstErr = err
			}
			mu.Unlock()
		}
		if r.Error != nil {
			setErr(r.Error)
			return
		}
		tmpl, err := jobs.ParseTemplate(r.Response)
		if err != nil {
			setErr(err)
			return
		}
		job, err := p.jobMgr.OnTemplate(tmpl, extraNonce1Size)
		if err != nil {
			setErr(err)
			return
		}
		mu.Lock()
		got = true
		mu.Unlock()
		if job != nil {
			p.stratum.BroadcastJob(job)
		}
	})

	if !got && firstErr != nil {
		return firstErr
	}
	return nil
}

// authorize is the stratum authorization predicate
func (p *Pool) authorize(ip, username, _ string) (ok bool, disconnect bool) {
	address, _ := splitWorker(username)

	if _, bad := p.bannedAddrs[address]; bad {
		util.Warnf("[%s] banned address %s attempted authorize from %s", p.coin, address, ip)
		return false, true
	}

	if p.cfg.ValidateWorkerUsername && !p.params.ValidateAddress(address) {
		return false, false
	}
	return true, true
}

// submit runs a submission through the job manager and, for candidate
// blocks, the daemons.
func (p *Pool) submit(sess *stratum.Session, req stratum.SubmitRequest) (bool, int, string) {
	res := p.jobMgr.Submit(jobs.Submission{
		JobID:       req.JobID,
		ExtraNonce1: sess.ExtraNonce1,
		ExtraNonce2: req.ExtraNonce2,
		NTime:       req.NTime,
		Nonce:       req.Nonce,
		Solution:    req.Solution,
		Difficulty:  sess.Difficulty,
	})

	ev := ShareEvent{
		IP:         sess.IP,
		Port:       sess.Port,
		Worker:     sess.Worker,
		Height:     res.Height,
		BlockDiff:  res.BlockDiff,
		Difficulty: sess.Difficulty,
		ShareDiff:  res.ShareDiff,
		TxHash:     res.TxHash,
		Valid:      res.Valid,
	}

	if !res.Valid {
		ev.Error = res.ErrMsg
		p.emit(ev)
		return false, res.ErrCode, res.ErrMsg
	}

	if res.BlockCandidate {
		accepted := p.submitBlock(res.BlockHex)
		if accepted {
			util.Infof("[%s] BLOCK FOUND height %d hash %s by %s", p.coin, res.Height, res.BlockHash, sess.Worker)
			ev.BlockHash = res.BlockHash
			ev.BlockOnlyPBaaS = p.isAuxOnly(res)
			// Refresh immediately; the old template is dead.
			p.BlockNotify(res.BlockHash)
		} else {
			util.Warnf("[%s] daemon rejected block %s at height %d", p.coin, res.BlockHash, res.Height)
			ev.BlockHashInvalid = res.BlockHash
		}
	}

	p.emit(ev)
	return true, 0, ""
}

// submitBlock streams the block to all daemons; one acceptance wins
func (p *Pool) submitBlock(blockHex string) bool {
	ctx, cancel := context.WithTimeout(p.ctx, 20*time.Second)
	defer cancel()

	method := "submitblock"
	if p.cfg.Coin.MergedMining {
		method = "submitmergedblock"
	}

	accepted := false
	var mu sync.Mutex
	p.fanout.StreamCmd(ctx, method, []interface{}{blockHex}, func(r rpc.Result) {
		if r.Error != nil {
			util.Debugf("[%s] %s on %s: %v", p.coin, method, r.Instance, r.Error)
			return
		}
		// submitblock returns null on acceptance, a reject reason string
		// otherwise.
		body := strings.TrimSpace(string(r.Response))
		if body == "null" || body == "" {
			mu.Lock()
			accepted = true
			mu.Unlock()
		} else {
			util.Debugf("[%s] %s on %s rejected: %s", p.coin, method, r.Instance, body)
		}
	})
	return accepted
}

// isAuxOnly reports whether the found block exists only on a merge-mined
// auxiliary chain, i.e. carries no main-chain component.
func (p *Pool) isAuxOnly(res jobs.Result) bool {
	if !p.cfg.Coin.MergedMining {
		return false
	}
	job := p.jobMgr.CurrentJob()
	if job == nil || job.Template() == nil {
		return false
	}
	return job.Template().SolutionVersion > 0 && res.Height != job.Height
}

func (p *Pool) emit(ev ShareEvent) {
	select {
	case p.shares <- ev:
	default:
		util.Warnf("[%s] share channel full, dropping event for %s", p.coin, ev.Worker)
	}
}

// AddressParamsFor builds the coin's address validation set
func AddressParamsFor(c config.CoinConfig) (coinutil.AddressParams, error) {
	if len(c.PubKeyHashVersions) == 0 && len(c.ScriptHashVersions) == 0 && len(c.Bech32HRPs) == 0 {
		return coinutil.DefaultAddressParams(), nil
	}

	parse := func(in []string) ([]byte, error) {
		var out []byte
		for _, s := range in {
			b, err := hex.DecodeString(s)
			if err != nil {
				return nil, fmt.Errorf("bad address version %q: %w", s, err)
			}
			out = append(out, b...)
		}
		return out, nil
	}

	var params coinutil.AddressParams
	var err error
	if params.PubKeyHashVersions, err = parse(c.PubKeyHashVersions); err != nil {
		return params, err
	}
	if params.ScriptHashVersions, err = parse(c.ScriptHashVersions); err != nil {
		return params, err
	}
	params.Bech32HRPs = c.Bech32HRPs
	return params, nil
}

func splitWorker(username string) (address, rest string) {
	if i := strings.IndexByte(username, '.'); i >= 0 {
		return username[:i], username[i+1:]
	}
	return username, ""
}

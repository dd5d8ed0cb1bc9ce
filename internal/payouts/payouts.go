// Package payouts implements the periodic payment processor: pending
// block classification, reward computation, sendmany execution and the
// atomic ledger commit.
package payouts

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zenith-network/zenith-pool/internal/config"
	"github.com/zenith-network/zenith-pool/internal/coinutil"
	"github.com/zenith-network/zenith-pool/internal/rpc"
	"github.com/zenith-network/zenith-pool/internal/storage"
	"github.com/zenith-network/zenith-pool/internal/util"
)

const (
	// A gettransaction error -5 is retried this many runs before the
	// block is written off as kicked.
	badBlockRetries = 15

	// Interval for caching daemon network stats for display.
	statsCacheInterval = 58 * time.Second

	// Tolerance on the send-amount safety check.
	satoshiTolerance = 1
)

// Round categories after classification
const (
	catGenerate = "generate"
	catImmature = "immature"
	catOrphan   = "orphan"
	catKicked   = "kicked"
)

// round is one pending block moving through a payment run
type round struct {
	block         storage.PendingBlock
	category      string
	confirmations int64
	rewardSats    int64
	canDeleteShares bool

	workerShares  map[string]float64
	workerRewards map[string]int64 // satoshis
}

// Processor runs one coin's payment pipeline
type Processor struct {
	cfg    *config.PoolConfig
	pp     config.PaymentConfig
	store  *storage.RedisClient
	client *rpc.Client
	params coinutil.AddressParams

	magnitude float64

	// Consecutive gettransaction -5 counts per txHash.
	badBlocks map[string]int

	// onPaymentSent, when set, is invoked after a successful sendmany
	// and its ledger commit. onOrphan fires per orphaned round.
	onPaymentSent func(coin string, amount float64, workers int, txid string)
	onOrphan      func(coin string, height int64, hash string)

	running int32
	halted  int32

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewProcessor builds a payment processor for one coin
func NewProcessor(cfg *config.PoolConfig, params coinutil.AddressParams, store *storage.RedisClient) *Processor {
	daemon := cfg.PaymentProcessing.Daemon
	if daemon == nil && len(cfg.Daemons) > 0 {
		daemon = &cfg.Daemons[0]
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Processor{
		cfg:       cfg,
		pp:        cfg.PaymentProcessing,
		store:     store,
		client:    rpc.NewClient(*daemon, 30*time.Second),
		params:    params,
		magnitude: cfg.Coin.Magnitude(),
		badBlocks: make(map[string]int),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// SetPaymentSentCallback registers the payment notification hook
func (p *Processor) SetPaymentSentCallback(fn func(coin string, amount float64, workers int, txid string)) {
	p.onPaymentSent = fn
}

// SetOrphanCallback registers the orphaned-round notification hook
func (p *Processor) SetOrphanCallback(fn func(coin string, height int64, hash string)) {
	p.onOrphan = fn
}

// Start launches the payment and stats-cache intervals
func (p *Processor) Start() {
	util.Infof("[%s] payment processor started (interval %s, mode %s, minConf %d)",
		p.coin(), p.pp.PaymentInterval, p.pp.PaymentMode, p.pp.MinConf)

	p.wg.Add(1)
	go p.paymentLoop()

	p.wg.Add(1)
	go p.statsCacheLoop()
}

// Stop waits for any in-flight run to finish
func (p *Processor) Stop() {
	p.cancel()
	p.wg.Wait()
	util.Infof("[%s] payment processor stopped", p.coin())
}

// Halted reports whether a post-send commit failure stopped the interval
func (p *Processor) Halted() bool {
	return atomic.LoadInt32(&p.halted) == 1
}

func (p *Processor) coin() string {
	return p.cfg.Coin.Name
}

func (p *Processor) paymentLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.pp.PaymentInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			if p.Halted() {
				return
			}
			// The interval never re-enters: a run outlasting it makes
			// the next tick a no-op.
			if !atomic.CompareAndSwapInt32(&p.running, 0, 1) {
				util.Warnf("[%s] payment run still in progress, skipping tick", p.coin())
				continue
			}
			p.processPayments()
			atomic.StoreInt32(&p.running, 0)
		}
	}
}

// processPayments is one full run of the five-stage pipeline
func (p *Processor) processPayments() {
	lockID := fmt.Sprintf("payout-%d", time.Now().UnixNano())
	locked, err := p.store.LockPayouts(p.coin(), lockID, 2*p.pp.PaymentInterval)
	if err != nil {
		util.Warnf("[%s] payout lock: %v", p.coin(), err)
		return
	}
	if !locked {
		util.Debugf("[%s] another payout holds the lock, skipping", p.coin())
		return
	}
	defer func() {
		if err := p.store.UnlockPayouts(p.coin(), lockID); err != nil {
			util.Warnf("[%s] releasing payout lock: %v", p.coin(), err)
		}
	}()

	// Stage 1 — load.
	balances, rounds, err := p.loadState()
	if err != nil {
		util.Errorf("[%s] payment stage 1 (load): %v", p.coin(), err)
		return
	}

	// Stage 2 — classify.
	rounds, err = p.classifyRounds(rounds)
	if err != nil {
		util.Errorf("[%s] payment stage 2 (classify): %v", p.coin(), err)
		return
	}

	// Stage 3 — compute rewards.
	rounds, insufficientFunds, err := p.computeRewards(balances, rounds)
	if err != nil {
		util.Errorf("[%s] payment stage 3 (compute): %v", p.coin(), err)
		return
	}

	// Stage 4 — execute.
	result, err := p.executePayment(balances, rounds, insufficientFunds)
	if err != nil {
		util.Errorf("[%s] payment stage 4 (execute): %v", p.coin(), err)
		return
	}

	// Stage 5 — commit.
	p.commit(rounds, result)
}

// loadState reads balances (to satoshis) and pending blocks, resolving
// height collisions via getblock.
func (p *Processor) loadState() (map[string]int64, []*round, error) {
	rawBalances, err := p.store.GetBalances(p.coin())
	if err != nil {
		return nil, nil, fmt.Errorf("reading balances: %w", err)
	}
	balances := make(map[string]int64, len(rawBalances))
	for w, coins := range rawBalances {
		balances[w] = p.toSats(coins)
	}

	blocks, err := p.store.GetPendingBlocks(p.coin())
	if err != nil {
		return nil, nil, fmt.Errorf("reading pending blocks: %w", err)
	}
	sort.Slice(blocks, func(i, j int) bool { return blocks[i].Height < blocks[j].Height })

	byHeight := make(map[int64]int)
	for _, b := range blocks {
		byHeight[b.Height]++
	}

	var rounds []*round
	for _, b := range blocks {
		if byHeight[b.Height] > 1 {
			// Collided heights: a block the chain reports with -1
			// confirmations lost the race.
			resp, err := p.client.Cmd(p.ctx, "getblock", []interface{}{b.BlockHash})
			if err == nil {
				var info struct {
					Confirmations int64 `json:"confirmations"`
				}
				if json.Unmarshal(resp, &info) == nil && info.Confirmations == -1 {
					util.Warnf("[%s] block %s at height %d lost its height race, kicking",
						p.coin(), b.BlockHash, b.Height)
					if err := p.store.MoveKickedBlock(p.coin(), b); err != nil {
						util.Errorf("[%s] kicking collided block: %v", p.coin(), err)
					}
					continue
				}
			}
		}
		rounds = append(rounds, &round{block: b})
	}

	// Occupancy must be re-counted after the kicks above: a survivor
	// that is now the sole entry at its height owns its share cleanup.
	remaining := make(map[int64]int, len(rounds))
	for _, r := range rounds {
		remaining[r.block.Height]++
	}
	for _, r := range rounds {
		r.canDeleteShares = remaining[r.block.Height] == 1
	}

	return balances, rounds, nil
}

// classifyRounds batches gettransaction and assigns categories
func (p *Processor) classifyRounds(rounds []*round) ([]*round, error) {
	if len(rounds) == 0 {
		return rounds, nil
	}

	calls := make([][2]interface{}, len(rounds))
	for i, r := range rounds {
		calls[i] = [2]interface{}{"gettransaction", []interface{}{r.block.TxHash}}
	}
	resps, err := p.client.BatchCmd(p.ctx, calls)
	if err != nil {
		return nil, fmt.Errorf("gettransaction batch: %w", err)
	}

	var kept []*round
	payableSeen := 0
	for i, r := range rounds {
		resp := resps[i]

		if resp.Error != nil {
			if resp.Error.Code == -5 {
				p.badBlocks[r.block.TxHash]++
				if p.badBlocks[r.block.TxHash] >= badBlockRetries {
					util.Warnf("[%s] tx %s missing %d times, kicking block %s",
						p.coin(), r.block.TxHash, badBlockRetries, r.block.BlockHash)
					delete(p.badBlocks, r.block.TxHash)
					r.category = catKicked
					kept = append(kept, r)
				}
				// Otherwise retry next run without touching state.
				continue
			}
			util.Warnf("[%s] gettransaction %s: %v", p.coin(), r.block.TxHash, resp.Error)
			continue
		}
		delete(p.badBlocks, r.block.TxHash)

		var tx struct {
			Confirmations int64 `json:"confirmations"`
			Details       []struct {
				Address  string  `json:"address"`
				Category string  `json:"category"`
				Amount   float64 `json:"amount"`
			} `json:"details"`
		}
		if err := json.Unmarshal(resp.Result, &tx); err != nil {
			util.Errorf("[%s] unexpected gettransaction shape for %s, kicking: %v",
				p.coin(), r.block.TxHash, err)
			r.category = catKicked
			kept = append(kept, r)
			continue
		}

		r.confirmations = tx.Confirmations

		var detail *struct {
			Address  string  `json:"address"`
			Category string  `json:"category"`
			Amount   float64 `json:"amount"`
		}
		for di := range tx.Details {
			if tx.Details[di].Address == p.cfg.Address {
				detail = &tx.Details[di]
				break
			}
		}
		if detail == nil {
			util.Errorf("[%s] no pool output in tx %s, kicking block %s",
				p.coin(), r.block.TxHash, r.block.BlockHash)
			r.category = catKicked
			kept = append(kept, r)
			continue
		}

		switch detail.Category {
		case catOrphan:
			r.category = catOrphan
		case catGenerate, catImmature:
			r.rewardSats = p.toSats(detail.Amount)
			if tx.Confirmations >= int64(p.pp.MinConf) {
				r.category = catGenerate
			} else {
				r.category = catImmature
			}
		default:
			util.Errorf("[%s] unknown tx category %q for %s, kicking",
				p.coin(), detail.Category, r.block.TxHash)
			r.category = catKicked
		}

		// Cap paid blocks per run to bound the sendmany size.
		if r.category == catGenerate {
			payableSeen++
			if p.pp.MaxBlocksPerPayment > 0 && payableSeen > p.pp.MaxBlocksPerPayment {
				r.category = catImmature
			}
		}

		kept = append(kept, r)
	}

	return kept, nil
}

// computeRewards distributes each payable round's net reward across its
// workers and verifies daemon spendable funds cover the total owed.
func (p *Processor) computeRewards(balances map[string]int64, rounds []*round) ([]*round, bool, error) {
	txFeeSats := p.toSats(p.cfg.Coin.TxFee)

	var totalRewards int64
	for _, r := range rounds {
		if r.category != catGenerate {
			continue
		}

		shares, err := p.store.GetRoundShares(p.coin(), r.block.Height)
		if err != nil {
			return nil, false, fmt.Errorf("round %d shares: %w", r.block.Height, err)
		}
		if len(shares) == 0 {
			util.Warnf("[%s] round %d has no shares, kicking", p.coin(), r.block.Height)
			r.category = catKicked
			continue
		}

		if p.pp.PaymentMode == "pplnt" {
			times, err := p.store.GetRoundTimes(p.coin(), r.block.Height)
			if err != nil {
				return nil, false, fmt.Errorf("round %d times: %w", r.block.Height, err)
			}
			shares = p.applyTimeQualification(shares, times)
			if len(shares) == 0 {
				// Everyone disqualified degenerates to the raw shares.
				shares, _ = p.store.GetRoundShares(p.coin(), r.block.Height)
			}
		}

		netReward := r.rewardSats - txFeeSats
		if netReward < 0 {
			netReward = 0
		}

		r.workerShares = shares
		r.workerRewards = distribute(netReward, shares)
		for _, amt := range r.workerRewards {
			totalRewards += amt
		}
	}

	var totalBalances int64
	for _, b := range balances {
		totalBalances += b
	}
	totalOwed := totalBalances + totalRewards

	if totalOwed == 0 {
		return rounds, false, nil
	}

	spendable, err := p.spendableSats()
	if err != nil {
		return nil, false, fmt.Errorf("listunspent: %w", err)
	}
	if spendable < totalOwed {
		util.Warnf("[%s] insufficient funds: spendable %d sat < owed %d sat; deferring all payable rounds",
			p.coin(), spendable, totalOwed)
		for _, r := range rounds {
			if r.category == catGenerate {
				r.category = catImmature
				r.workerRewards = nil
				r.workerShares = nil
			}
		}
		return rounds, true, nil
	}

	return rounds, false, nil
}

// applyTimeQualification drops workers whose continuous-mining time in
// the round is below the qualifying fraction of the round duration (the
// longest worker time stands in for the round duration).
func (p *Processor) applyTimeQualification(shares map[string]float64, times map[string]float64) map[string]float64 {
	if len(times) == 0 {
		return shares
	}

	var roundTime float64
	for _, t := range times {
		if t > roundTime {
			roundTime = t
		}
	}
	maxTime := roundTime * p.pp.PPLNT

	out := make(map[string]float64, len(shares))
	for worker, diff := range shares {
		address := worker
		if i := strings.IndexByte(worker, '.'); i >= 0 {
			address = worker[:i]
		}

		// Time entries are keyed "<address>.<poolId>".
		workerTime := -1.0
		for key, t := range times {
			if strings.HasPrefix(key, address+".") || key == address {
				if t > workerTime {
					workerTime = t
				}
			}
		}

		if workerTime >= 0 && workerTime < maxTime {
			util.Infof("[%s] pplnt disqualified %s (time %.1fs < %.1fs)",
				p.coin(), worker, workerTime, maxTime)
			continue
		}
		out[worker] = diff
	}
	return out
}

// distribute splits netReward proportionally by shares, assigning the
// rounding residue to the largest-share worker (lexicographic tie-break)
// so the distributed sum equals netReward exactly.
func distribute(netReward int64, shares map[string]float64) map[string]int64 {
	var totalShares float64
	for _, s := range shares {
		totalShares += s
	}
	if totalShares <= 0 || netReward <= 0 {
		return map[string]int64{}
	}

	workers := make([]string, 0, len(shares))
	for w := range shares {
		workers = append(workers, w)
	}
	sort.Strings(workers)

	rewards := make(map[string]int64, len(shares))
	var sum int64
	largest := workers[0]
	for _, w := range workers {
		amt := int64(math.Round(float64(netReward) * shares[w] / totalShares))
		rewards[w] = amt
		sum += amt
		if shares[w] > shares[largest] {
			largest = w
		}
	}

	rewards[largest] += netReward - sum
	return rewards
}

// spendableSats sums listunspent outputs with enough confirmations
func (p *Processor) spendableSats() (int64, error) {
	resp, err := p.client.Cmd(p.ctx, "listunspent", []interface{}{p.pp.MinConf, 99999999})
	if err != nil {
		return 0, err
	}
	var unspent []struct {
		Amount float64 `json:"amount"`
	}
	if err := json.Unmarshal(resp, &unspent); err != nil {
		return 0, err
	}
	var total int64
	for _, u := range unspent {
		total += p.toSats(u.Amount)
	}
	return total, nil
}

// outcome carries stage 4's results into the commit
type outcome struct {
	sent          map[string]int64  // worker -> satoshis paid out this run
	sentAddress   map[string]string // worker -> resolved payout address
	balanceChange map[string]int64  // worker -> satoshi delta to balances
	paid          map[string]float64 // address -> coins, for the history record
	txid          string
	totalPaidSats int64
}

// executePayment aggregates owed amounts by payout address and drives
// sendmany when any address clears the minimum.
func (p *Processor) executePayment(balances map[string]int64, rounds []*round, insufficientFunds bool) (*outcome, error) {
	out := &outcome{
		sent:          make(map[string]int64),
		sentAddress:   make(map[string]string),
		balanceChange: make(map[string]int64),
		paid:          make(map[string]float64),
	}

	// Union of balance holders and this run's reward earners.
	owedByWorker := make(map[string]int64)
	rewardByWorker := make(map[string]int64)
	for w, b := range balances {
		owedByWorker[w] += b
	}
	for _, r := range rounds {
		for w, amt := range r.workerRewards {
			owedByWorker[w] += amt
			rewardByWorker[w] += amt
		}
	}

	if insufficientFunds || len(owedByWorker) == 0 {
		// Nothing to send; newly earned rewards (none when funds were
		// short) defer into balances.
		for w, amt := range rewardByWorker {
			out.balanceChange[w] = amt
		}
		return out, nil
	}

	addressOf := func(worker string) string {
		addr := worker
		if i := strings.IndexByte(worker, '.'); i >= 0 {
			addr = worker[:i]
		}
		if !p.params.ValidateAddress(addr) {
			if p.cfg.InvalidAddress != "" {
				return p.cfg.InvalidAddress
			}
			return p.cfg.Address
		}
		return addr
	}

	aggregated := make(map[string]int64)
	for w, owed := range owedByWorker {
		aggregated[addressOf(w)] += owed
	}

	minSats := p.toSats(p.pp.MinimumPayment)
	amounts := make(map[string]float64)
	var sendTotal int64
	for addr, sats := range aggregated {
		if sats >= minSats {
			amounts[addr] = p.toCoins(sats)
			sendTotal += sats
		}
	}

	if len(amounts) == 0 {
		for w, amt := range rewardByWorker {
			out.balanceChange[w] = amt
		}
		util.Debugf("[%s] no address reached the %.8f minimum, deferring rewards", p.coin(), p.pp.MinimumPayment)
		return out, nil
	}

	// Safety: never send more than balances plus this run's rewards.
	var totalOwed int64
	for _, owed := range owedByWorker {
		totalOwed += owed
	}
	if sendTotal > totalOwed+satoshiTolerance {
		util.Errorf("[%s] CRITICAL: send total %d sat exceeds owed %d sat; deferring payments",
			p.coin(), sendTotal, totalOwed)
		for w, amt := range rewardByWorker {
			out.balanceChange[w] = amt
		}
		return out, nil
	}

	resp, err := p.client.Cmd(p.ctx, "sendmany", []interface{}{"", amounts})
	if err != nil {
		return nil, fmt.Errorf("sendmany: %w", err)
	}
	var txid string
	if err := json.Unmarshal(resp, &txid); err != nil {
		return nil, fmt.Errorf("sendmany returned unexpected shape: %w", err)
	}

	out.txid = txid
	out.paid = amounts
	for w, owed := range owedByWorker {
		addr := addressOf(w)
		if _, wasPaid := amounts[addr]; wasPaid {
			out.sent[w] = owed
			out.sentAddress[w] = addr
			if bal := balances[w]; bal != 0 {
				out.balanceChange[w] = -bal
			}
			out.totalPaidSats += owed
		} else {
			if amt := rewardByWorker[w]; amt != 0 {
				out.balanceChange[w] = amt
			}
		}
	}

	util.Infof("[%s] sent %.8f to %d addresses (tx %s)",
		p.coin(), p.toCoins(out.totalPaidSats), len(amounts), txid)
	return out, nil
}

// commit applies the run's ledger changes in one transaction. A failure
// after a successful send halts the interval and dumps the command list
// for operator replay.
func (p *Processor) commit(rounds []*round, out *outcome) {
	var cmds []storage.Command

	for w, delta := range out.balanceChange {
		if delta != 0 {
			cmds = append(cmds, storage.Cmd("hincrbyfloat", "balances", w, p.toCoins(delta)))
		}
	}
	// Lifetime payout totals accrue to the resolved address.
	paidByAddress := make(map[string]int64)
	for w, sent := range out.sent {
		if sent > 0 {
			paidByAddress[out.sentAddress[w]] += sent
		}
	}
	for addr, sent := range paidByAddress {
		cmds = append(cmds, storage.Cmd("hincrbyfloat", "payouts", addr, p.toCoins(sent)))
	}

	for _, r := range rounds {
		switch r.category {
		case catKicked, catOrphan:
			cmds = append(cmds, storage.Cmd("smove", "blocksPending", "blocksKicked", r.block.Raw))
			if r.category == catOrphan {
				if p.onOrphan != nil {
					p.onOrphan(p.coin(), r.block.Height, r.block.BlockHash)
				}
				// Orphaned rounds return their shares to the live round.
				shares, err := p.store.GetRoundShares(p.coin(), r.block.Height)
				if err == nil {
					for w, diff := range shares {
						cmds = append(cmds, storage.Cmd("hincrbyfloat", "shares:roundCurrent", w, diff))
					}
					cmds = append(cmds, storage.Cmd("del", fmt.Sprintf("shares:round%d", r.block.Height)))
				}
			}
		case catGenerate:
			cmds = append(cmds, storage.Cmd("smove", "blocksPending", "blocksConfirmed", r.block.Raw))
			if r.canDeleteShares {
				cmds = append(cmds, storage.Cmd("del", fmt.Sprintf("shares:round%d", r.block.Height)))
				cmds = append(cmds, storage.Cmd("del", fmt.Sprintf("shares:times%d", r.block.Height)))
			}
		case catImmature:
			cmds = append(cmds, storage.Cmd("hset", "blocksPendingConfirms", r.block.BlockHash,
				fmt.Sprintf("%d", r.confirmations)))
		}
	}

	if out.txid != "" {
		record := storage.PaymentRecord{
			Time:    time.Now().UnixMilli(),
			TxID:    out.txid,
			Amount:  p.toCoins(out.totalPaidSats),
			Fee:     p.cfg.Coin.TxFee,
			Workers: len(out.paid),
			Paid:    out.paid,
		}
		body, _ := json.Marshal(record)
		cmds = append(cmds, storage.Cmd("zadd", "payments", record.Time, string(body)))
		cmds = append(cmds, storage.Cmd("hincrbyfloat", "stats", "totalPaid", p.toCoins(out.totalPaidSats)))
	}

	if len(cmds) == 0 {
		return
	}

	if err := p.store.ExecAtomic(p.coin(), cmds); err != nil {
		if out.txid != "" {
			// Money moved but the ledger did not. Stop everything and
			// leave the exact command list for the operator.
			atomic.StoreInt32(&p.halted, 1)
			path := p.dumpCommands(cmds)
			util.Errorf("[%s] CRITICAL: payments sent (tx %s) but ledger commit failed: %v. "+
				"Payment interval halted; replay %s manually before restarting.",
				p.coin(), out.txid, err, path)
		} else {
			util.Errorf("[%s] ledger commit failed (no payment was sent): %v", p.coin(), err)
		}
		return
	}

	util.Debugf("[%s] committed %d ledger commands", p.coin(), len(cmds))

	if out.txid != "" && p.onPaymentSent != nil {
		p.onPaymentSent(p.coin(), p.toCoins(out.totalPaidSats), len(out.paid), out.txid)
	}
}

// dumpCommands writes the unapplied command list to disk
func (p *Processor) dumpCommands(cmds []storage.Command) string {
	path := fmt.Sprintf("%s_finalRedisCommands.txt", p.coin())
	body, err := json.MarshalIndent(cmds, "", "  ")
	if err != nil {
		util.Errorf("[%s] serializing recovery dump: %v", p.coin(), err)
		return path
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		util.Errorf("[%s] writing recovery dump: %v", p.coin(), err)
		return path
	}
	defer f.Close()
	f.Write(body)
	f.Write([]byte("\n"))
	return path
}

// statsCacheLoop mirrors daemon network stats into the store for the
// read-only display layer.
func (p *Processor) statsCacheLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(statsCacheInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.cacheStats()
		}
	}
}

func (p *Processor) cacheStats() {
	fields := make(map[string]interface{})

	if resp, err := p.client.Cmd(p.ctx, "getmininginfo", nil); err == nil {
		var info struct {
			Blocks           int64   `json:"blocks"`
			Difficulty       float64 `json:"difficulty"`
			NetworkSolps     float64 `json:"networksolps"`
			NetworkHashps    float64 `json:"networkhashps"`
		}
		if json.Unmarshal(resp, &info) == nil {
			fields["networkBlocks"] = info.Blocks
			fields["networkDiff"] = info.Difficulty
			sols := info.NetworkSolps
			if sols == 0 {
				sols = info.NetworkHashps
			}
			fields["networkSols"] = sols
		}
	} else {
		util.Debugf("[%s] getmininginfo: %v", p.coin(), err)
	}

	if resp, err := p.client.Cmd(p.ctx, "getnetworkinfo", nil); err == nil {
		var info struct {
			Connections int64 `json:"connections"`
		}
		if json.Unmarshal(resp, &info) == nil {
			fields["networkConnections"] = info.Connections
		}
	} else {
		util.Debugf("[%s] getnetworkinfo: %v", p.coin(), err)
	}

	if len(fields) > 0 {
		if err := p.store.SetStats(p.coin(), fields); err != nil {
			util.Warnf("[%s] caching network stats: %v", p.coin(), err)
		}
	}
}

func (p *Processor) toSats(coins float64) int64 {
	return int64(math.Round(coins * p.magnitude))
}

func (p *Processor) toCoins(sats int64) float64 {
	v := float64(sats) / p.magnitude
	// Round to the coin's precision so sendmany amounts are well-formed.
	return math.Round(v*p.magnitude) / p.magnitude
}

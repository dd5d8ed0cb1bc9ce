// Package pplnt accumulates per-worker continuous-mining time for the
// time-qualified payout mode. One tracker aggregates every coin, living
// in the supervisor so all pool workers feed a single instance.
package pplnt

import (
	"strings"
	"sync"
	"time"

	"github.com/zenith-network/zenith-pool/internal/storage"
	"github.com/zenith-network/zenith-pool/internal/util"
)

// A gap longer than this between shares counts as leaving the pool;
// rejoining restarts the continuity clock without crediting the gap.
const continuityWindow = 900 * time.Second

// Tracker maintains in-memory last-share and last-start timestamps,
// coin-scoped, and folds continuity deltas into the store.
type Tracker struct {
	store  *storage.RedisClient
	poolID string

	mu             sync.Mutex
	lastShareTimes map[string]map[string]int64 // coin -> worker -> epoch-ms
	lastStartTimes map[string]map[string]int64
}

// NewTracker creates the supervisor's time tracker
func NewTracker(store *storage.RedisClient, poolID string) *Tracker {
	return &Tracker{
		store:          store,
		poolID:         poolID,
		lastShareTimes: make(map[string]map[string]int64),
		lastStartTimes: make(map[string]map[string]int64),
	}
}

// OnShare records one valid share's contribution to continuous time
func (t *Tracker) OnShare(coin, worker string, now time.Time) {
	nowMs := now.UnixMilli()

	t.mu.Lock()
	shares, ok := t.lastShareTimes[coin]
	if !ok {
		shares = make(map[string]int64)
		t.lastShareTimes[coin] = shares
	}
	starts, ok := t.lastStartTimes[coin]
	if !ok {
		starts = make(map[string]int64)
		t.lastStartTimes[coin] = starts
	}

	last, known := shares[worker]
	if !known {
		shares[worker] = nowMs
		starts[worker] = nowMs
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()

	// The store may have seen a newer share from another worker process.
	stored, err := t.store.GetLastSeen(coin, worker)
	if err != nil {
		util.Warnf("[%s] pplnt lastSeen read for %s: %v", coin, worker, err)
	}
	unifiedLast := last
	if stored > unifiedLast {
		unifiedLast = stored
	}

	delta := time.Duration(nowMs-unifiedLast) * time.Millisecond
	if delta < 0 {
		delta = 0
	}

	address := worker
	if i := strings.IndexByte(worker, '.'); i >= 0 {
		address = worker[:i]
	}

	if delta < continuityWindow {
		seconds := delta.Seconds()
		if seconds > 0 {
			if err := t.store.IncrWorkerTime(coin, address+"."+t.poolID, seconds); err != nil {
				util.Warnf("[%s] pplnt time write for %s: %v", coin, worker, err)
			}
		}
	} else {
		// Rejoin after an absence: restart the continuity clock.
		t.mu.Lock()
		t.lastStartTimes[coin][worker] = nowMs
		t.mu.Unlock()
	}

	t.mu.Lock()
	t.lastShareTimes[coin][worker] = nowMs
	t.mu.Unlock()

	if err := t.store.SetLastSeen(coin, worker, nowMs); err != nil {
		util.Warnf("[%s] pplnt lastSeen write for %s: %v", coin, worker, err)
	}
}

// OnBlock wipes the coin's in-memory continuity state when a main-chain
// block freezes the round.
func (t *Tracker) OnBlock(coin string) {
	t.mu.Lock()
	delete(t.lastShareTimes, coin)
	delete(t.lastStartTimes, coin)
	t.mu.Unlock()
}

// Package shares persists share events into the accounting store. One
// processor per coin is the store's single writer for round data, which
// is what makes the freeze-on-block rename safe.
package shares

import (
	"context"
	"sync"

	"github.com/zenith-network/zenith-pool/internal/pool"
	"github.com/zenith-network/zenith-pool/internal/storage"
	"github.com/zenith-network/zenith-pool/internal/util"
)

// Processor consumes one coin's serialized share event stream
type Processor struct {
	coin  string
	store *storage.RedisClient

	wg sync.WaitGroup
}

// NewProcessor creates a share processor for one coin
func NewProcessor(coin string, store *storage.RedisClient) *Processor {
	return &Processor{coin: coin, store: store}
}

// Run consumes events until the channel closes or the context ends.
// Events are handled strictly in order on this one goroutine.
func (p *Processor) Run(ctx context.Context, events <-chan pool.ShareEvent) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				p.handle(ev)
			}
		}
	}()
}

// Wait blocks until the processing loop has drained
func (p *Processor) Wait() {
	p.wg.Wait()
}

// handle writes one event's transaction
func (p *Processor) handle(ev pool.ShareEvent) {
	data := storage.ShareData{
		Worker:         ev.Worker,
		Diff:           ev.Difficulty,
		Valid:          ev.Valid,
		Height:         ev.Height,
		TxHash:         ev.TxHash,
		BlockOnlyPBaaS: ev.BlockOnlyPBaaS,
	}
	if ev.BlockHash != "" {
		data.BlockHash = ev.BlockHash
	}
	if ev.BlockHashInvalid != "" {
		data.BlockInvalid = true
	}

	if err := p.store.WriteShare(p.coin, data); err != nil {
		util.Errorf("[%s] writing share for %s: %v", p.coin, ev.Worker, err)
	}
}

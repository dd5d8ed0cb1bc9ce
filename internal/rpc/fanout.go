package rpc

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/zenith-network/zenith-pool/internal/config"
)

// Result is one instance's answer within a fan-out call
type Result struct {
	Instance string
	Response json.RawMessage
	Error    error
}

// Fanout drives one JSON-RPC call across every configured daemon.
// Callers choose between aggregate mode (Cmd: one slice, all instances)
// and stream mode (StreamCmd: callback per instance as answers arrive).
type Fanout struct {
	clients []*Client

	// Template de-duplication state for streamed getblocktemplate.
	dedupMu   sync.Mutex
	seenTmpls map[string]time.Time
}

// NewFanout builds a fan-out over the configured daemon endpoints
func NewFanout(daemons []config.DaemonConfig, timeout time.Duration) *Fanout {
	f := &Fanout{seenTmpls: make(map[string]time.Time)}
	for _, d := range daemons {
		f.clients = append(f.clients, NewClient(d, timeout))
	}
	return f
}

// Clients exposes the underlying per-instance clients
func (f *Fanout) Clients() []*Client {
	return f.clients
}

// Cmd runs method on every instance and returns all results together.
// Per-instance failures populate Result.Error and never abort the call.
func (f *Fanout) Cmd(ctx context.Context, method string, params interface{}) []Result {
	results := make([]Result, len(f.clients))
	var wg sync.WaitGroup
	for i, c := range f.clients {
		wg.Add(1)
		go func(i int, c *Client) {
			defer wg.Done()
			resp, err := c.Cmd(ctx, method, params)
			results[i] = Result{Instance: c.Name(), Response: resp, Error: err}
		}(i, c)
	}
	wg.Wait()
	return results
}

// StreamCmd runs method on every instance and invokes cb once per
// instance as responses arrive. Used where any single success is
// sufficient (submitblock, getblocktemplate).
func (f *Fanout) StreamCmd(ctx context.Context, method string, params interface{}, cb func(Result)) {
	var wg sync.WaitGroup
	for _, c := range f.clients {
		wg.Add(1)
		go func(c *Client) {
			defer wg.Done()
			resp, err := c.Cmd(ctx, method, params)
			cb(Result{Instance: c.Name(), Response: resp, Error: err})
		}(c)
	}
	wg.Wait()
}

// BatchCmd runs a JSON-RPC batch on every instance; results are aligned
// with the request order per instance.
func (f *Fanout) BatchCmd(ctx context.Context, calls [][2]interface{}) []struct {
	Instance  string
	Responses []Response
	Error     error
} {
	out := make([]struct {
		Instance  string
		Responses []Response
		Error     error
	}, len(f.clients))

	var wg sync.WaitGroup
	for i, c := range f.clients {
		wg.Add(1)
		go func(i int, c *Client) {
			defer wg.Done()
			resps, err := c.BatchCmd(ctx, calls)
			out[i].Instance = c.Name()
			out[i].Responses = resps
			out[i].Error = err
		}(i, c)
	}
	wg.Wait()
	return out
}

// templateKey identifies a distinct block template
type templateKey struct {
	PreviousBlockHash string `json:"previousblockhash"`
	CurTime           int64  `json:"curtime"`
}

// StreamTemplates fans getblocktemplate out across the instances and
// invokes cb once per distinct template, de-duplicated by
// (previousblockhash, curtime).
func (f *Fanout) StreamTemplates(ctx context.Context, params interface{}, cb func(Result)) {
	f.StreamCmd(ctx, "getblocktemplate", params, func(r Result) {
		if r.Error != nil {
			cb(r)
			return
		}
		var key templateKey
		if err := json.Unmarshal(r.Response, &key); err != nil {
			r.Error = err
			cb(r)
			return
		}
		id := key.PreviousBlockHash + ":" + strconv.FormatInt(key.CurTime, 10)
		f.dedupMu.Lock()
		_, seen := f.seenTmpls[id]
		if !seen {
			f.seenTmpls[id] = time.Now()
			// Sweep entries older than a few template lifetimes.
			for k, at := range f.seenTmpls {
				if time.Since(at) > 10*time.Minute {
					delete(f.seenTmpls, k)
				}
			}
		}
		f.dedupMu.Unlock()
		if !seen {
			cb(r)
		}
	})
}

// FirstSuccess returns the first non-error result, or the last error
// observed when every instance failed.
func FirstSuccess(results []Result) (json.RawMessage, error) {
	var lastErr error
	for _, r := range results {
		if r.Error == nil {
			return r.Response, nil
		}
		lastErr = r.Error
	}
	return nil, lastErr
}

// AllSucceeded reports whether every instance answered without error
func AllSucceeded(results []Result) bool {
	for _, r := range results {
		if r.Error != nil {
			return false
		}
	}
	return len(results) > 0
}

// HealthyCount returns the number of instances currently answering
func (f *Fanout) HealthyCount() int {
	n := 0
	for _, c := range f.clients {
		if c.IsHealthy() {
			n++
		}
	}
	return n
}

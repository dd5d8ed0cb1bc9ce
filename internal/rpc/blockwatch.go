package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zenith-network/zenith-pool/internal/config"
	"github.com/zenith-network/zenith-pool/internal/util"
)

// BlockWatcher subscribes to a daemon's websocket notification socket
// and delivers new block hashes to the same channel the operator's
// blocknotify command feeds. It is optional; pools without a ws_port
// rely on polling and blocknotify alone.
type BlockWatcher struct {
	cfg    config.DaemonConfig
	coin   string
	notify chan<- string

	mu     sync.Mutex
	conn   *websocket.Conn
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// blockEvent is the daemon's notification payload
type blockEvent struct {
	Method string `json:"method"`
	Params struct {
		Hash   string `json:"hash"`
		Height uint64 `json:"height"`
	} `json:"params"`
}

// NewBlockWatcher creates a watcher for one daemon's notification socket
func NewBlockWatcher(cfg config.DaemonConfig, coin string, notify chan<- string) *BlockWatcher {
	return &BlockWatcher{cfg: cfg, coin: coin, notify: notify}
}

// Start connects and begins reading notifications, reconnecting with a
// fixed back-off until the context ends.
func (w *BlockWatcher) Start(ctx context.Context) {
	if w.cfg.WSPort == 0 {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		for {
			if ctx.Err() != nil {
				return
			}
			if err := w.run(ctx); err != nil && ctx.Err() == nil {
				util.Warnf("[%s] block watch disconnected: %v", w.coin, err)
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(5 * time.Second):
			}
		}
	}()
}

// Stop closes the subscription
func (w *BlockWatcher) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.mu.Lock()
	if w.conn != nil {
		w.conn.Close()
	}
	w.mu.Unlock()
	w.wg.Wait()
}

func (w *BlockWatcher) run(ctx context.Context) error {
	url := fmt.Sprintf("ws://%s:%d/ws", w.cfg.Host, w.cfg.WSPort)

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return err
	}
	w.mu.Lock()
	w.conn = conn
	w.mu.Unlock()
	defer conn.Close()

	sub := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "subscribe",
		"params":  map[string]string{"notify": "new_block"},
	}
	if err := conn.WriteJSON(sub); err != nil {
		return err
	}

	util.Infof("[%s] block watch subscribed to %s", w.coin, url)

	for {
		conn.SetReadDeadline(time.Now().Add(5 * time.Minute))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var ev blockEvent
		if err := json.Unmarshal(msg, &ev); err != nil {
			continue
		}
		if ev.Method != "new_block" || ev.Params.Hash == "" {
			continue
		}

		select {
		case w.notify <- ev.Params.Hash:
		case <-ctx.Done():
			return ctx.Err()
		default:
			// A refresh is already queued; the newest template wins anyway.
		}
	}
}

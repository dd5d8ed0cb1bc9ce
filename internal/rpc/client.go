// Package rpc provides JSON-RPC access to the coin daemons, fanning
// requests out across every configured instance.
package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zenith-network/zenith-pool/internal/config"
)

// Error is a JSON-RPC error returned by a daemon. The payment processor
// matches on Code (notably -5, "invalid or non-wallet transaction").
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("daemon error %d: %s", e.Code, e.Message)
}

// Request is one JSON-RPC request body
type Request struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
	ID      uint64      `json:"id"`
}

// Response is one JSON-RPC response body
type Response struct {
	Result json.RawMessage `json:"result"`
	Error  *Error          `json:"error"`
	ID     uint64          `json:"id"`
}

// Client talks to a single coin daemon over HTTP JSON-RPC
type Client struct {
	cfg       config.DaemonConfig
	client    *http.Client
	requestID uint64

	mu        sync.RWMutex
	healthy   bool
	failCount int
}

// NewClient creates a client for one daemon instance
func NewClient(cfg config.DaemonConfig, timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		cfg:     cfg,
		client:  &http.Client{Timeout: timeout},
		healthy: true,
	}
}

// Name identifies this instance in fan-out results
func (c *Client) Name() string {
	return fmt.Sprintf("%s:%d", c.cfg.Host, c.cfg.Port)
}

// Config returns the daemon endpoint configuration
func (c *Client) Config() config.DaemonConfig {
	return c.cfg
}

// Cmd performs a single JSON-RPC call. Daemon-reported errors come back
// as *Error; transport and decode failures as plain errors.
func (c *Client) Cmd(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	if params == nil {
		params = []interface{}{}
	}
	req := Request{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      atomic.AddUint64(&c.requestID, 1),
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	respBody, err := c.post(ctx, body)
	if err != nil {
		c.recordFailure()
		return nil, err
	}

	var resp Response
	if err := json.Unmarshal(respBody, &resp); err != nil {
		c.recordFailure()
		return nil, fmt.Errorf("invalid daemon response: %w", err)
	}

	if resp.Error != nil {
		// The daemon answered; the instance itself is fine.
		c.recordSuccess()
		return nil, resp.Error
	}

	c.recordSuccess()
	return resp.Result, nil
}

// BatchCmd serializes a JSON-RPC batch and returns responses aligned
// with the request order.
func (c *Client) BatchCmd(ctx context.Context, calls [][2]interface{}) ([]Response, error) {
	if len(calls) == 0 {
		return nil, nil
	}

	reqs := make([]Request, len(calls))
	base := atomic.AddUint64(&c.requestID, uint64(len(calls))) - uint64(len(calls))
	for i, call := range calls {
		method, _ := call[0].(string)
		params := call[1]
		if params == nil {
			params = []interface{}{}
		}
		reqs[i] = Request{
			JSONRPC: "2.0",
			Method:  method,
			Params:  params,
			ID:      base + uint64(i) + 1,
		}
	}

	body, err := json.Marshal(reqs)
	if err != nil {
		return nil, err
	}

	respBody, err := c.post(ctx, body)
	if err != nil {
		c.recordFailure()
		return nil, err
	}

	var resps []Response
	if err := json.Unmarshal(respBody, &resps); err != nil {
		c.recordFailure()
		return nil, fmt.Errorf("invalid daemon batch response: %w", err)
	}
	c.recordSuccess()

	// Align by request id; daemons may answer batches out of order.
	aligned := make([]Response, len(reqs))
	byID := make(map[uint64]Response, len(resps))
	for _, r := range resps {
		byID[r.ID] = r
	}
	for i, req := range reqs {
		if r, ok := byID[req.ID]; ok {
			aligned[i] = r
		} else {
			aligned[i] = Response{ID: req.ID, Error: &Error{Code: -32603, Message: "missing batch response"}}
		}
	}
	return aligned, nil
}

func (c *Client) post(ctx context.Context, body []byte) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.cfg.URL(), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.cfg.User != "" || c.cfg.Password != "" {
		httpReq.SetBasicAuth(c.cfg.User, c.cfg.Password)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("daemon http status %d: %s", resp.StatusCode, truncate(respBody, 200))
	}
	return respBody, nil
}

func (c *Client) recordSuccess() {
	c.mu.Lock()
	c.failCount = 0
	c.healthy = true
	c.mu.Unlock()
}

func (c *Client) recordFailure() {
	c.mu.Lock()
	c.failCount++
	if c.failCount >= 3 {
		c.healthy = false
	}
	c.mu.Unlock()
}

// IsHealthy reports whether the instance has been answering
func (c *Client) IsHealthy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.healthy
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

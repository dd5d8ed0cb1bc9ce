package rpc

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/zenith-network/zenith-pool/internal/config"
)

// fakeDaemon serves JSON-RPC with a per-method handler table, including
// batch requests.
type fakeDaemon struct {
	t        *testing.T
	handlers map[string]func(params []interface{}) (interface{}, *Error)
	server   *httptest.Server
}

func newFakeDaemon(t *testing.T) *fakeDaemon {
	f := &fakeDaemon{
		t:        t,
		handlers: make(map[string]func(params []interface{}) (interface{}, *Error)),
	}
	f.server = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeDaemon) on(method string, fn func(params []interface{}) (interface{}, *Error)) {
	f.handlers[method] = fn
}

func (f *fakeDaemon) handle(w http.ResponseWriter, r *http.Request) {
	var body json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if len(body) > 0 && body[0] == '[' {
		var reqs []Request
		json.Unmarshal(body, &reqs)
		resps := make([]map[string]interface{}, len(reqs))
		for i, req := range reqs {
			resps[i] = f.dispatch(req)
		}
		json.NewEncoder(w).Encode(resps)
		return
	}

	var req Request
	json.Unmarshal(body, &req)
	json.NewEncoder(w).Encode(f.dispatch(req))
}

func (f *fakeDaemon) dispatch(req Request) map[string]interface{} {
	out := map[string]interface{}{"id": req.ID, "result": nil, "error": nil}
	fn, ok := f.handlers[req.Method]
	if !ok {
		out["error"] = &Error{Code: -32601, Message: "method not found"}
		return out
	}
	params, _ := req.Params.([]interface{})
	result, rpcErr := fn(params)
	if rpcErr != nil {
		out["error"] = rpcErr
	} else {
		out["result"] = result
	}
	return out
}

func (f *fakeDaemon) daemonConfig() config.DaemonConfig {
	u, _ := url.Parse(f.server.URL)
	port, _ := strconv.Atoi(u.Port())
	return config.DaemonConfig{Host: u.Hostname(), Port: port}
}

func TestClientCmd(t *testing.T) {
	daemon := newFakeDaemon(t)
	daemon.on("getblockcount", func([]interface{}) (interface{}, *Error) {
		return 12345, nil
	})

	client := NewClient(daemon.daemonConfig(), 5*time.Second)
	resp, err := client.Cmd(context.Background(), "getblockcount", nil)
	if err != nil {
		t.Fatalf("Cmd: %v", err)
	}

	var count int
	if err := json.Unmarshal(resp, &count); err != nil || count != 12345 {
		t.Errorf("result = %s", resp)
	}
	if !client.IsHealthy() {
		t.Error("client should be healthy after success")
	}
}

func TestClientCmdDaemonError(t *testing.T) {
	daemon := newFakeDaemon(t)
	daemon.on("gettransaction", func([]interface{}) (interface{}, *Error) {
		return nil, &Error{Code: -5, Message: "Invalid or non-wallet transaction id"}
	})

	client := NewClient(daemon.daemonConfig(), 5*time.Second)
	_, err := client.Cmd(context.Background(), "gettransaction", []interface{}{"deadbeef"})

	rpcErr, ok := err.(*Error)
	if !ok {
		t.Fatalf("expected *Error, got %T: %v", err, err)
	}
	if rpcErr.Code != -5 {
		t.Errorf("code = %d, want -5", rpcErr.Code)
	}
	// A daemon-reported error still means the instance answered.
	if !client.IsHealthy() {
		t.Error("daemon error should not mark the instance unhealthy")
	}
}

func TestClientCmdNetworkError(t *testing.T) {
	client := NewClient(config.DaemonConfig{Host: "127.0.0.1", Port: 1}, 500*time.Millisecond)
	for i := 0; i < 3; i++ {
		if _, err := client.Cmd(context.Background(), "getinfo", nil); err == nil {
			t.Fatal("expected a network error")
		}
	}
	if client.IsHealthy() {
		t.Error("repeated failures should mark the instance unhealthy")
	}
}

func TestClientBatchCmdAlignment(t *testing.T) {
	daemon := newFakeDaemon(t)
	daemon.on("gettransaction", func(params []interface{}) (interface{}, *Error) {
		tx, _ := params[0].(string)
		if tx == "bad" {
			return nil, &Error{Code: -5, Message: "not found"}
		}
		return map[string]interface{}{"txid": tx}, nil
	})

	client := NewClient(daemon.daemonConfig(), 5*time.Second)
	resps, err := client.BatchCmd(context.Background(), [][2]interface{}{
		{"gettransaction", []interface{}{"aa"}},
		{"gettransaction", []interface{}{"bad"}},
		{"gettransaction", []interface{}{"cc"}},
	})
	if err != nil {
		t.Fatalf("BatchCmd: %v", err)
	}
	if len(resps) != 3 {
		t.Fatalf("got %d responses", len(resps))
	}

	var first struct {
		TxID string `json:"txid"`
	}
	json.Unmarshal(resps[0].Result, &first)
	if first.TxID != "aa" {
		t.Errorf("resps[0] = %s", resps[0].Result)
	}
	if resps[1].Error == nil || resps[1].Error.Code != -5 {
		t.Errorf("resps[1].Error = %v", resps[1].Error)
	}
	json.Unmarshal(resps[2].Result, &first)
	if first.TxID != "cc" {
		t.Errorf("resps[2] = %s", resps[2].Result)
	}
}

func TestBatchCmdEmpty(t *testing.T) {
	client := NewClient(config.DaemonConfig{Host: "h", Port: 1}, time.Second)
	resps, err := client.BatchCmd(context.Background(), nil)
	if err != nil || resps != nil {
		t.Errorf("empty batch should be a no-op, got %v / %v", resps, err)
	}
}

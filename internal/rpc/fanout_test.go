package rpc

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/zenith-network/zenith-pool/internal/config"
)

func TestFanoutCmdIsolatesFailures(t *testing.T) {
	good := newFakeDaemon(t)
	good.on("getinfo", func([]interface{}) (interface{}, *Error) {
		return map[string]interface{}{"ok": true}, nil
	})

	fanout := NewFanout([]config.DaemonConfig{
		good.daemonConfig(),
		{Host: "127.0.0.1", Port: 1}, // nothing listening
	}, time.Second)

	results := fanout.Cmd(context.Background(), "getinfo", nil)
	if len(results) != 2 {
		t.Fatalf("got %d results", len(results))
	}

	okCount, errCount := 0, 0
	for _, r := range results {
		if r.Error != nil {
			errCount++
		} else {
			okCount++
		}
	}
	if okCount != 1 || errCount != 1 {
		t.Errorf("ok=%d err=%d", okCount, errCount)
	}

	if AllSucceeded(results) {
		t.Error("AllSucceeded should be false with one failed instance")
	}
	if _, err := FirstSuccess(results); err != nil {
		t.Errorf("FirstSuccess: %v", err)
	}
}

func TestFanoutAllSucceeded(t *testing.T) {
	if AllSucceeded(nil) {
		t.Error("empty results should not count as success")
	}
}

func TestStreamTemplatesDedup(t *testing.T) {
	tmpl := map[string]interface{}{
		"previousblockhash": "aa",
		"curtime":           1700000000,
		"height":            100,
	}

	d1 := newFakeDaemon(t)
	d1.on("getblocktemplate", func([]interface{}) (interface{}, *Error) { return tmpl, nil })
	d2 := newFakeDaemon(t)
	d2.on("getblocktemplate", func([]interface{}) (interface{}, *Error) { return tmpl, nil })

	fanout := NewFanout([]config.DaemonConfig{d1.daemonConfig(), d2.daemonConfig()}, time.Second)

	var mu sync.Mutex
	delivered := 0
	fanout.StreamTemplates(context.Background(), nil, func(r Result) {
		if r.Error != nil {
			t.Errorf("unexpected error: %v", r.Error)
			return
		}
		mu.Lock()
		delivered++
		mu.Unlock()
	})

	if delivered != 1 {
		t.Errorf("identical templates delivered %d times, want 1", delivered)
	}

	// A distinct template passes through.
	d1.on("getblocktemplate", func([]interface{}) (interface{}, *Error) {
		return map[string]interface{}{
			"previousblockhash": "bb",
			"curtime":           1700000100,
			"height":            101,
		}, nil
	})
	fanout.StreamTemplates(context.Background(), nil, func(r Result) {
		if r.Error == nil {
			mu.Lock()
			delivered++
			mu.Unlock()
		}
	})
	if delivered != 2 {
		t.Errorf("new template not delivered (count %d)", delivered)
	}
}

func TestFanoutHealthyCount(t *testing.T) {
	good := newFakeDaemon(t)
	good.on("getinfo", func([]interface{}) (interface{}, *Error) { return true, nil })

	fanout := NewFanout([]config.DaemonConfig{good.daemonConfig()}, time.Second)
	if fanout.HealthyCount() != 1 {
		t.Errorf("HealthyCount = %d", fanout.HealthyCount())
	}
}

// Package newrelic provides New Relic APM integration for monitoring.
package newrelic

import (
	"sync"
	"time"

	"github.com/newrelic/go-agent/v3/newrelic"

	"github.com/zenith-network/zenith-pool/internal/config"
	"github.com/zenith-network/zenith-pool/internal/util"
)

// Agent wraps New Relic APM functionality
type Agent struct {
	cfg *config.NewRelicConfig
	mu  sync.RWMutex
	app *newrelic.Application
}

// NewAgent creates a New Relic agent
func NewAgent(cfg *config.NewRelicConfig) *Agent {
	return &Agent{cfg: cfg}
}

// Start initializes the agent
func (a *Agent) Start() error {
	if !a.cfg.Enabled {
		util.Info("New Relic APM disabled")
		return nil
	}
	if a.cfg.LicenseKey == "" {
		util.Warn("New Relic license key not configured, APM disabled")
		return nil
	}

	app, err := newrelic.NewApplication(
		newrelic.ConfigAppName(a.cfg.AppName),
		newrelic.ConfigLicense(a.cfg.LicenseKey),
		newrelic.ConfigDistributedTracerEnabled(true),
	)
	if err != nil {
		return err
	}

	if err := app.WaitForConnection(5 * time.Second); err != nil {
		util.Warnf("New Relic connection timeout: %v (will retry in background)", err)
	}

	a.mu.Lock()
	a.app = app
	a.mu.Unlock()

	util.Infof("New Relic APM enabled for app: %s", a.cfg.AppName)
	return nil
}

// Stop shuts the agent down, flushing buffered data
func (a *Agent) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.app != nil {
		a.app.Shutdown(10 * time.Second)
		a.app = nil
	}
}

// RecordShare records one share submission event
func (a *Agent) RecordShare(coin, worker string, difficulty float64, valid bool) {
	a.mu.RLock()
	app := a.app
	a.mu.RUnlock()
	if app == nil {
		return
	}
	app.RecordCustomEvent("PoolShare", map[string]interface{}{
		"coin":       coin,
		"worker":     worker,
		"difficulty": difficulty,
		"valid":      valid,
	})
}

// RecordBlock records a found block
func (a *Agent) RecordBlock(coin string, height int64, hash string) {
	a.mu.RLock()
	app := a.app
	a.mu.RUnlock()
	if app == nil {
		return
	}
	app.RecordCustomEvent("PoolBlock", map[string]interface{}{
		"coin":   coin,
		"height": height,
		"hash":   hash,
	})
}

// RecordPayment records a completed payout run
func (a *Agent) RecordPayment(coin string, amount float64, workers int) {
	a.mu.RLock()
	app := a.app
	a.mu.RUnlock()
	if app == nil {
		return
	}
	app.RecordCustomEvent("PoolPayment", map[string]interface{}{
		"coin":    coin,
		"amount":  amount,
		"workers": workers,
	})
}

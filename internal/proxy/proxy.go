// Package proxy implements the algorithm-keyed switch ports: miner
// sockets accepted here are handed to whichever pool currently owns the
// switch's algorithm, and can be moved live on a coinswitch.
package proxy

import (
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/zenith-network/zenith-pool/internal/config"
	"github.com/zenith-network/zenith-pool/internal/storage"
	"github.com/zenith-network/zenith-pool/internal/stratum"
	"github.com/zenith-network/zenith-pool/internal/util"
)

// proxyScope is the store key prefix for switch state persistence
const proxyScope = "proxy"

// ServerLookup resolves a coin name to its stratum server
type ServerLookup func(coin string) *stratum.Server

// Multiplexer owns every configured switch
type Multiplexer struct {
	switches map[string]config.SwitchConfig
	store    *storage.RedisClient
	lookup   ServerLookup

	mu       sync.RWMutex
	selected map[string]string // switch name -> coin

	listeners []net.Listener
	quit      chan struct{}
	wg        sync.WaitGroup
}

// New creates the proxy multiplexer
func New(switches map[string]config.SwitchConfig, store *storage.RedisClient, lookup ServerLookup) *Multiplexer {
	return &Multiplexer{
		switches: switches,
		store:    store,
		lookup:   lookup,
		selected: make(map[string]string),
		quit:     make(chan struct{}),
	}
}

// Start restores persisted selections and opens the switch ports
func (m *Multiplexer) Start() error {
	state, err := m.store.GetProxyState(proxyScope)
	if err != nil {
		util.Warnf("proxy state restore failed: %v", err)
		state = map[string]string{}
	}

	for name, sw := range m.switches {
		if !sw.Enabled {
			continue
		}

		coin := state[sw.Algorithm]
		if coin == "" {
			coin = sw.Default
		}
		m.selected[name] = coin

		for port, portCfg := range sw.Ports {
			listener, err := net.Listen("tcp", ":"+port)
			if err != nil {
				return fmt.Errorf("switch %s port %s: %w", name, port, err)
			}
			m.listeners = append(m.listeners, listener)
			util.Infof("proxy switch %s (%s) listening on :%s -> %s", name, sw.Algorithm, port, coin)

			m.wg.Add(1)
			go m.acceptLoop(listener, name, port, portCfg)
		}
	}
	return nil
}

// Stop closes the switch ports
func (m *Multiplexer) Stop() {
	close(m.quit)
	for _, l := range m.listeners {
		l.Close()
	}
	m.wg.Wait()
}

func (m *Multiplexer) acceptLoop(listener net.Listener, switchName, port string, portCfg config.PortConfig) {
	defer m.wg.Done()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-m.quit:
				return
			default:
				util.Warnf("proxy accept on %s: %v", port, err)
				continue
			}
		}

		m.mu.RLock()
		coin := m.selected[switchName]
		m.mu.RUnlock()

		server := m.lookup(coin)
		if server == nil {
			util.Warnf("proxy switch %s has no pool for %q, dropping connection", switchName, coin)
			conn.Close()
			continue
		}
		server.HandleConn(conn, port, portCfg)
	}
}

// Switch moves a switch (or every switch of an algorithm) to a new coin,
// migrating attached miners and persisting the selection. The old pool's
// relinquish predicate decides per miner; releasing everything is the
// default.
func (m *Multiplexer) Switch(newCoin, switchName, algorithm string) error {
	target := m.lookup(newCoin)
	if target == nil {
		return fmt.Errorf("no pool runs coin %q", newCoin)
	}

	matched := 0
	for name, sw := range m.switches {
		if !sw.Enabled {
			continue
		}
		if switchName != "" && name != switchName {
			continue
		}
		if algorithm != "" && !strings.EqualFold(sw.Algorithm, algorithm) {
			continue
		}
		matched++

		m.mu.Lock()
		oldCoin := m.selected[name]
		m.selected[name] = newCoin
		m.mu.Unlock()

		if oldCoin != "" && oldCoin != newCoin {
			if oldServer := m.lookup(oldCoin); oldServer != nil {
				released := oldServer.Relinquish(func(*stratum.Session) bool { return true })
				for _, sess := range released {
					target.Attach(sess)
				}
				util.Infof("proxy switch %s: moved %d miners %s -> %s", name, len(released), oldCoin, newCoin)
			}
		}

		if err := m.store.SetProxyState(proxyScope, sw.Algorithm, newCoin); err != nil {
			util.Warnf("persisting proxy state for %s: %v", sw.Algorithm, err)
		}
	}

	if matched == 0 {
		return fmt.Errorf("no switch matches name=%q algorithm=%q", switchName, algorithm)
	}
	return nil
}

// Selected returns the current switch -> coin mapping
func (m *Multiplexer) Selected() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]string, len(m.selected))
	for k, v := range m.selected {
		out[k] = v
	}
	return out
}

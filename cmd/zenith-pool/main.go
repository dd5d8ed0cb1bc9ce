// zenith-pool - multi-coin stratum mining pool
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/zenith-network/zenith-pool/internal/config"
	"github.com/zenith-network/zenith-pool/internal/newrelic"
	"github.com/zenith-network/zenith-pool/internal/ops"
	"github.com/zenith-network/zenith-pool/internal/profiling"
	"github.com/zenith-network/zenith-pool/internal/storage"
	"github.com/zenith-network/zenith-pool/internal/supervisor"
	"github.com/zenith-network/zenith-pool/internal/util"
)

var (
	version   = "1.0.0"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "", "Path to global configuration file")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("zenith-pool v%s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := util.InitLogger(cfg.Log.Level, cfg.Log.Format, cfg.Log.File); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	util.Infof("zenith-pool v%s starting", version)

	network, addr := cfg.Redis.Addr()
	store, err := storage.NewRedisClient(network, addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		util.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer store.Close()

	var pprofServer *profiling.Server
	if cfg.Profiling.Enabled {
		pprofServer = profiling.NewServer(&cfg.Profiling)
		if err := pprofServer.Start(); err != nil {
			util.Errorf("Failed to start pprof server: %v", err)
		}
	}

	var apm *newrelic.Agent
	if cfg.NewRelic.Enabled {
		apm = newrelic.NewAgent(&cfg.NewRelic)
		if err := apm.Start(); err != nil {
			util.Errorf("Failed to start New Relic agent: %v", err)
		}
	}

	sup := supervisor.New(cfg, store, apm)
	if err := sup.Start(); err != nil {
		util.Fatalf("Failed to start supervisor: %v", err)
	}

	var opsServer *ops.Server
	if cfg.Ops.Enabled {
		opsServer = ops.NewServer(&cfg.Ops, sup, store)
		if err := opsServer.Start(); err != nil {
			util.Errorf("Failed to start ops server: %v", err)
		}
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	util.Info("Pool started successfully. Press Ctrl+C to stop.")

	<-sigChan
	util.Info("Shutting down...")

	if opsServer != nil {
		opsServer.Stop()
	}
	sup.Stop()
	if pprofServer != nil {
		pprofServer.Stop()
	}
	if apm != nil {
		apm.Stop()
	}

	util.Info("Pool stopped")
}

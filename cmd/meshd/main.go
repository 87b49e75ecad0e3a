// meshd runs the agent mesh daemon: it loads configuration, starts the
// discovery service against the configured peer URLs, and keeps the
// registry fresh until terminated.
//
// Usage:
//
//	meshd -config mesh.yaml
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/config"
	"github.com/agentmesh/agentmesh/internal/metrics"
	"github.com/agentmesh/agentmesh/internal/telemetry"
	"github.com/agentmesh/agentmesh/mesh/discovery"
	"github.com/agentmesh/agentmesh/mesh/registry"
	"github.com/agentmesh/agentmesh/mesh/rpc"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "meshd: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, err := cfg.Log.Build()
	if err != nil {
		return err
	}
	defer logger.Sync()

	providers, err := telemetry.Init(cfg.Telemetry, logger)
	if err != nil {
		return err
	}

	collector := metrics.NewCollector("agentmesh", prometheus.DefaultRegisterer, logger)
	reg := registry.New(&cfg.Registry, logger, collector)
	client := rpc.NewClient(&cfg.RPC, reg, logger, collector)
	disco := discovery.NewService(&cfg.Discovery, reg, logger, collector)

	// Log registry state changes from a subscription.
	subID, events := reg.Subscribe()
	go func() {
		for ev := range events {
			logger.Info("registry event",
				zap.String("kind", string(ev.Kind)),
				zap.String("agent", ev.AgentName),
				zap.String("health", string(ev.Health)),
			)
		}
	}()

	ctx := context.Background()
	if err := disco.Start(ctx); err != nil {
		return err
	}

	logger.Info("meshd running",
		zap.Int("discovery_urls", len(cfg.Discovery.URLs)),
	)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	logger.Info("shutting down", zap.String("signal", s.String()))

	disco.Stop()
	client.Close()
	reg.Unsubscribe(subID)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := providers.Shutdown(shutdownCtx); err != nil {
		logger.Warn("telemetry shutdown failed", zap.Error(err))
	}

	stats := reg.Stats()
	logger.Info("final registry state",
		zap.Int("agents", stats.TotalAgents),
		zap.Int("external", stats.External),
	)
	return nil
}

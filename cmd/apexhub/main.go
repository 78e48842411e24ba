// Copyright 2024 The apexhub Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// package main is the entrypoint for the apexhub event distribution hub.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/apexsec/apexhub/pkg/admin"
	"github.com/apexsec/apexhub/pkg/auth"
	"github.com/apexsec/apexhub/pkg/config"
	"github.com/apexsec/apexhub/pkg/hub"
	"github.com/apexsec/apexhub/pkg/metrics"
	"github.com/apexsec/apexhub/pkg/monitor"
	"github.com/apexsec/apexhub/pkg/sink"
	"github.com/apexsec/apexhub/pkg/supervisor"
)

func main() {
	configPath := flag.String("config", "", "Path to a yaml or json configuration file")
	listen := flag.String("listen", "", "WebSocket listen address (overrides configuration)")
	metricsAddr := flag.String("metrics-addr", "", "Prometheus metrics listen address (overrides configuration)")
	adminAddr := flag.String("admin-addr", "", "Admin API listen address (overrides configuration)")
	flag.Parse()

	log.Println("Starting apexhub event distribution hub...")

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *listen != "" {
		cfg.Hub.Listen = *listen
	}
	if *metricsAddr != "" {
		cfg.Hub.MetricsAddr = *metricsAddr
	}
	if *adminAddr != "" {
		cfg.Hub.AdminAddr = *adminAddr
	}
	if cfg.Hub.NodeID == "" {
		cfg.Hub.NodeID, _ = os.Hostname()
		if cfg.Hub.NodeID == "" {
			cfg.Hub.NodeID = "apexhub-node"
		}
	}
	log.Printf("Node ID: %s", cfg.Hub.NodeID)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- Engine Authentication ---
	chain := auth.NewChain()
	if err := cfg.ConfigureAuth(chain); err != nil {
		log.Fatalf("Failed to configure engine authentication: %v", err)
	}

	// --- Alert Sinks Behind the Supervisor ---
	sinks := sink.FromConfig(cfg)
	dispatcher := sink.NewDispatcher(cfg.Sinks.QueueSize, sinks...)
	sup := supervisor.NewOneForOneSupervisor()
	specs := []supervisor.Spec{
		{
			ID:      "alert-dispatcher",
			Actor:   dispatcher,
			Restart: supervisor.RestartPermanent,
			Mailbox: dispatcher.Mailbox(),
		},
	}
	if err := sup.Start(ctx, specs); err != nil {
		log.Fatalf("Failed to start supervision tree: %v", err)
	}

	// --- Start Hub Server ---
	h := hub.New(cfg, chain, dispatcher)
	go func() {
		if err := h.StartServer(ctx); err != nil {
			log.Fatalf("Hub server failed: %v", err)
		}
	}()

	// --- Start Metrics Server ---
	go metrics.Serve(cfg.Hub.MetricsAddr)

	// --- Health Checks ---
	health := monitor.NewHealthChecker(cfg.Hub.NodeID, admin.Version)
	health.RegisterCheck("engine", func() error {
		if h.EngineID() == "" {
			return fmt.Errorf("no inference engine bound")
		}
		return nil
	}, false)
	health.RegisterCheck("alert-queue", func() error {
		if depth := dispatcher.Mailbox().Len(); depth >= cfg.Sinks.QueueSize {
			return fmt.Errorf("alert queue saturated: %d pending", depth)
		}
		return nil
	}, false)
	monitor.StartPeriodicChecks(ctx, health, time.Minute)

	// --- Start Admin API ---
	go func() {
		if err := admin.Serve(cfg.Hub.AdminAddr, h, monitor.NewHealthServer(health)); err != nil {
			log.Fatalf("Admin API failed: %v", err)
		}
	}()

	// --- Wait for Shutdown Signal ---
	shutdownChan := make(chan os.Signal, 1)
	signal.Notify(shutdownChan, os.Interrupt, syscall.SIGTERM)
	<-shutdownChan

	log.Println("Shutdown signal received. Shutting down...")
	h.Shutdown()
}

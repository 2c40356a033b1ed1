// Copyright (c) 2025 Joaquim Verges
// SPDX-License-Identifier: MIT

// Package main runs the x402 payment analytics service: chain ingester,
// analytics engine and HTTP API in one process.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joaquim-verges/x402scan/analytics"
	"github.com/joaquim-verges/x402scan/api"
	"github.com/joaquim-verges/x402scan/config"
	"github.com/joaquim-verges/x402scan/facilitators"
	"github.com/joaquim-verges/x402scan/ingest"
	"github.com/joaquim-verges/x402scan/storage"
)

var version = "dev"

func main() {
	var (
		configPath  = flag.String("config", "", "Path to YAML config file")
		rpcEndpoint = flag.String("rpc", "", "Chain RPC endpoint (overrides config)")
		databaseURL = flag.String("db", "", "Database URL (overrides config)")
		httpPort    = flag.Int("port", 0, "HTTP server port (overrides config)")
		noIngest    = flag.Bool("no-ingest", false, "Serve the API without chain ingestion")
		showVersion = flag.Bool("version", false, "Show version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("x402scan %s\n", version)
		os.Exit(0)
	}

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			log.Fatalf("config: %v", err)
		}
		cfg = loaded
	}
	if *rpcEndpoint != "" {
		cfg.Chain.RPC = *rpcEndpoint
	}
	if *databaseURL != "" {
		cfg.Database.URL = *databaseURL
	}
	if *httpPort != 0 {
		cfg.API.Port = *httpPort
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Println("shutdown signal received")
		cancel()
	}()

	if err := run(ctx, cfg, *noIngest); err != nil && ctx.Err() == nil {
		log.Fatalf("x402scan: %v", err)
	}
	log.Println("stopped")
}

func run(ctx context.Context, cfg *config.Config, noIngest bool) error {
	backend, err := storage.ParseBackend(cfg.Database.Backend)
	if err != nil {
		return err
	}
	store, err := storage.Open(storage.Config{Backend: backend, URL: cfg.Database.URL})
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.InitSchema(ctx); err != nil {
		return err
	}
	log.Printf("storage: %s backend ready", backend)

	registry := facilitators.NewRegistry(cfg.Facilitators)
	log.Printf("facilitators: %d wallets across %d operators", len(registry.AllAddresses()), len(registry.Names()))

	cacheTTL, err := cfg.CacheTTL()
	if err != nil {
		return err
	}
	refreshInterval, err := cfg.RefreshInterval()
	if err != nil {
		return err
	}
	analyticsCfg := analytics.DefaultConfig()
	analyticsCfg.CacheTTL = cacheTTL
	analyticsCfg.RefreshInterval = refreshInterval
	if cfg.Analytics.DefaultDays > 0 {
		analyticsCfg.DefaultDays = cfg.Analytics.DefaultDays
	}
	if cfg.Analytics.MaxDataPoints > 0 {
		analyticsCfg.MaxDataPoints = cfg.Analytics.MaxDataPoints
	}
	if cfg.Analytics.DefaultPageSize > 0 {
		analyticsCfg.DefaultPageSize = cfg.Analytics.DefaultPageSize
	}
	if cfg.Analytics.MaxPageSize > 0 {
		analyticsCfg.MaxPageSize = cfg.Analytics.MaxPageSize
	}
	svc := analytics.NewService(store, registry, analyticsCfg)
	svc.StartRefresher(ctx)

	apiCfg := api.Config{
		HTTPPort:  cfg.API.Port,
		ChainID:   cfg.Chain.ID,
		ChainName: cfg.Chain.Name,
	}
	if !cfg.API.RateLimitDisabled {
		limit := api.DefaultLimit()
		if cfg.API.RateLimitPerSec > 0 {
			limit.RequestsPerSecond = cfg.API.RateLimitPerSec
		}
		if cfg.API.RateLimitBurst > 0 {
			limit.BurstSize = cfg.API.RateLimitBurst
		}
		apiCfg.RateLimit = limit
	}
	server := api.NewServer(apiCfg, store, svc, registry)

	if !noIngest {
		pollInterval, err := cfg.PollInterval()
		if err != nil {
			return err
		}
		ingestCfg := ingest.Config{
			RPCURL:        cfg.Chain.RPC,
			ChainID:       cfg.Chain.ID,
			TokenAddress:  cfg.Chain.TokenAddress,
			StartBlock:    cfg.Chain.StartBlock,
			Confirmations: cfg.Chain.Confirmations,
			BatchSize:     cfg.Chain.BatchSize,
			PollInterval:  pollInterval,
		}
		ingester, err := ingest.Dial(ctx, ingestCfg, store, registry)
		if err != nil {
			return err
		}
		ingester.SetInvalidator(svc)
		ingester.SetNotifier(server)
		go func() {
			if err := ingester.Run(ctx); err != nil && ctx.Err() == nil {
				log.Printf("ingester stopped: %v", err)
			}
		}()
	}

	return server.Run(ctx)
}

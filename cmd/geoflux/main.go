// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/absmach/geoflux/config"
	"github.com/absmach/geoflux/logstorage"
	"github.com/absmach/geoflux/logstorage/badger"
	"github.com/absmach/geoflux/membership"
	"github.com/absmach/geoflux/replication"
	"github.com/absmach/geoflux/server/api"
	"github.com/absmach/geoflux/server/otel"
	"github.com/absmach/geoflux/transport"
	clientv3 "go.etcd.io/etcd/client/v3"
)

func main() {
	configFile := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	switch cfg.Log.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Log.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	slog.Info("Starting geoflux region node",
		"region", cfg.Region.ID,
		"transport_listener", cfg.Transport.BindAddr,
		"admin_listener", cfg.Admin.Addr,
		"storage", cfg.Storage.Type,
		"membership", cfg.Membership.Source,
		"log_level", cfg.Log.Level)

	otelShutdown, err := otel.InitProvider(cfg.Otel, cfg.Region.ID)
	if err != nil {
		slog.Error("Failed to initialize telemetry", "error", err)
		os.Exit(1)
	}

	var store logstorage.Store
	switch cfg.Storage.Type {
	case "memory":
		store = logstorage.NewMemoryStore()
		slog.Info("Using in-memory log storage")
	case "badger":
		badgerStore, err := badger.New(badger.Config{
			Dir:        cfg.Storage.Dir,
			SyncWrites: cfg.Storage.SyncWrites,
		})
		if err != nil {
			slog.Error("Failed to open badger log storage", "error", err)
			os.Exit(1)
		}
		store = badgerStore
		slog.Info("Using badger log storage", "dir", cfg.Storage.Dir)
	}

	var provider membership.Provider
	switch cfg.Membership.Source {
	case "static":
		provider = membership.NewStatic(cfg.Membership.Peers)
	case "etcd":
		client, err := clientv3.New(clientv3.Config{
			Endpoints:   cfg.Membership.Etcd.Endpoints,
			DialTimeout: cfg.Membership.Etcd.DialTimeout,
		})
		if err != nil {
			slog.Error("Failed to create etcd client", "error", err)
			os.Exit(1)
		}
		provider, err = membership.NewEtcd(client, cfg.Membership.Etcd.Prefix, cfg.Region.ID, cfg.Transport.BindAddr, logger)
		if err != nil {
			slog.Error("Failed to join etcd membership", "error", err)
			os.Exit(1)
		}
	}

	var metrics *replication.Metrics
	if cfg.Otel.MetricsEnabled {
		metrics, err = replication.NewMetrics()
		if err != nil {
			slog.Error("Failed to create replication metrics", "error", err)
			os.Exit(1)
		}
	}

	manager := replication.NewManager(cfg, store, transport.NewDialer(provider), logger, metrics)
	if err := manager.Start(); err != nil {
		slog.Error("Failed to start replication manager", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup

	replServer := transport.NewServer(transport.ServerConfig{
		Address:         cfg.Transport.BindAddr,
		ShutdownTimeout: cfg.Admin.ShutdownTimeout,
	}, manager, logger)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := replServer.Listen(ctx); err != nil {
			slog.Error("Replication server failed", "error", err)
			cancel()
		}
	}()

	if cfg.Transport.WSEnabled {
		wsServer := transport.NewWSServer(transport.WSConfig{
			Address:         cfg.Transport.WSAddr,
			Path:            cfg.Transport.WSPath,
			ShutdownTimeout: cfg.Admin.ShutdownTimeout,
		}, manager, logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := wsServer.Listen(ctx); err != nil {
				slog.Error("WebSocket replication server failed", "error", err)
				cancel()
			}
		}()
	}

	if cfg.Admin.Enabled {
		adminServer := api.New(api.Config{
			Address:         cfg.Admin.Addr,
			ShutdownTimeout: cfg.Admin.ShutdownTimeout,
		}, manager, logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := adminServer.Listen(ctx); err != nil {
				slog.Error("Admin API server failed", "error", err)
				cancel()
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		slog.Info("Received shutdown signal", "signal", sig.String())
	case <-ctx.Done():
	}

	cancel()
	wg.Wait()

	if err := manager.Close(); err != nil {
		slog.Error("Failed to close replication manager", "error", err)
	}
	if err := provider.Close(); err != nil {
		slog.Error("Failed to close membership provider", "error", err)
	}
	if err := otelShutdown(context.Background()); err != nil {
		slog.Error("Failed to shut down telemetry", "error", err)
	}
	slog.Info("Region node stopped")
}

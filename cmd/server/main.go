// Copyright 2025 DataTrust
// SPDX-License-Identifier: Apache-2.0

// Package main is the DataTrust server entry point. It loads the
// configuration and policy bundle, connects the configured data sources,
// and serves the tool surface over stdio or HTTP.
//
// Usage:
//
//	server -config config.yaml
//
// A .env file in the working directory is loaded first, so connector
// credentials referenced as ${VAR} in the config can live there.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"datatrust/platform/audit"
	"datatrust/platform/config"
	"datatrust/platform/connectors/registry"
	"datatrust/platform/gateway"
	"datatrust/platform/policy"
	policyaudit "datatrust/platform/policy/audit"
	"datatrust/platform/shared/logger"
	"datatrust/platform/snapshot"
)

const shutdownGrace = 15 * time.Second

func main() {
	configPath := flag.String("config", "config.yaml", "path to the server configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	// Optional: a missing .env is not an error.
	_ = godotenv.Load()

	log := logger.New("server")

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	bundle, err := policy.LoadBundle(cfg.Server.PolicyBundle)
	if err != nil {
		return err
	}
	engine := policy.NewEngine(bundle)

	decisions, err := policyaudit.New(cfg.Server.DecisionLog.Dir, policyaudit.Options{
		MaxFileBytes: cfg.Server.DecisionLog.MaxFileBytes,
		RemoteURL:    cfg.Server.DecisionLog.RemoteURL,
		RemoteWait:   time.Duration(cfg.Server.DecisionLog.RemoteWaitMs) * time.Millisecond,
	})
	if err != nil {
		return err
	}

	trail, err := audit.New(cfg.Server.AuditDir, cfg.Server.AuditRetentionDays)
	if err != nil {
		return err
	}
	snapshots, err := snapshot.New(cfg.Server.SnapshotDir)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := registry.New()
	defer func() {
		drainCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		reg.DisconnectAll(drainCtx)
	}()

	for _, entry := range cfg.Connectors {
		conn, err := config.BuildConnector(entry)
		if err != nil {
			return err
		}
		if err := reg.Register(ctx, conn); err != nil {
			return err
		}
	}

	dispatcher := gateway.NewDispatcher(gateway.Deps{
		Registry:  reg,
		Policy:    engine,
		Decisions: decisions,
		Trail:     trail,
		Snapshots: snapshots,
	}, &gateway.Options{
		MaxConcurrent: cfg.Server.Tools.MaxConcurrent,
		Timeout:       time.Duration(cfg.Server.Tools.TimeoutSeconds) * time.Second,
	})

	reloader := gateway.NewPolicyReloader(cfg.Server.PolicyBundle, engine)
	go func() {
		if err := reloader.Watch(ctx); err != nil && ctx.Err() == nil {
			log.ErrorWithErr("", "", "policy reloader stopped", err, nil)
		}
	}()

	log.Info("", "", "server starting", map[string]any{
		"transport":      cfg.Server.Transport,
		"connectors":     reg.Count(),
		"policy_version": engine.Version(),
	})

	switch cfg.Server.Transport {
	case "http":
		return serveHTTP(ctx, cfg.Server.HTTP, dispatcher, log)
	default:
		srv := gateway.NewStdioServer(dispatcher, policy.Identity{})
		if err := srv.Serve(ctx); err != nil && ctx.Err() == nil {
			return err
		}
		return nil
	}
}

func serveHTTP(ctx context.Context, cfg gateway.HTTPConfig, d *gateway.Dispatcher, log *logger.Logger) error {
	srv, err := gateway.NewHTTPServer(cfg, d)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("", "", "shutting down", nil)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}

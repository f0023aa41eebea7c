// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"golang.org/x/sync/errgroup"

	"github.com/jllopis/personaguard/pkg/admin"
	"github.com/jllopis/personaguard/pkg/config"
	"github.com/jllopis/personaguard/pkg/mcp"
	"github.com/jllopis/personaguard/pkg/telemetry"
)

func runServe(ctx context.Context, global globalFlags, cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	format := cfg.Log.Format
	if global.JSON {
		format = "json"
	}
	// Logs go to stderr so stdout stays free for MCP over stdio.
	slogger := telemetry.ConfigureSlog(os.Stderr, cfg.Log.Level, format, telemetry.NewRedactor(cfg.Log.RedactKeys))

	shutdownTelemetry, err := telemetry.InitWithConfig(cfg.Telemetry.ServiceName, version, cfg.Telemetry.SDK())
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			slogger.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	c, err := buildComponents(ctx, cfg, slogger)
	if err != nil {
		return err
	}
	defer c.Close()

	reporter := admin.NewHealthReporter(c.collector, c.logger.Named("grpc-health"))
	c.emitter.Add(reporter)

	adminOpts := []admin.Option{
		admin.WithLogger(c.logger.Named("admin")),
		admin.WithHealthChecks(c.checks),
		admin.WithAuditStore(c.audit),
	}
	mcpOpts := []mcp.Option{
		mcp.WithLogger(c.logger.Named("mcp")),
		mcp.WithHealthChecks(c.checks),
	}
	if c.tail != nil {
		mcpOpts = append(mcpOpts, mcp.WithLogTail(c.tail))
	}
	if cfg.Fallback.Enabled {
		adminOpts = append(adminOpts, admin.WithSynthesizer(c.synth))
		mcpOpts = append(mcpOpts, mcp.WithSynthesizer(c.synth))
	}
	adminServer := admin.New(admin.Config{
		Addr:            cfg.Server.HTTPAddr,
		APIKey:          cfg.Server.APIKey,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}, c.collector, adminOpts...)

	var watcher *config.Watcher
	if global.ConfigPath != "" {
		watcher, err = config.NewWatcher([]string{global.ConfigPath},
			config.WithWatchLogger(slogger),
			config.WithLoader(func() (*config.Config, error) {
				return config.LoadWithCLI(global.ConfigArgs)
			}),
		)
		if err != nil {
			return fmt.Errorf("watch config: %w", err)
		}
		watcher.OnChange(c.applyConfig)
	}

	c.logger.Info(ctx, "personaguard starting",
		"version", version,
		"httpAddr", cfg.Server.HTTPAddr,
		"grpcAddr", cfg.Server.GRPCAddr,
		"mcp", cfg.Server.MCPEnabled,
		"auditDriver", cfg.Audit.Driver,
		"logFile", cfg.Log.File,
		"config", global.ConfigPath,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return adminServer.Run(gctx) })
	g.Go(func() error { return c.collector.Start(gctx) })

	if cfg.Server.GRPCAddr != "" {
		g.Go(func() error {
			return reporter.Run(gctx, cfg.Server.GRPCAddr, cfg.Metrics.HealthCheckInterval)
		})
	}

	if cfg.Server.MCPEnabled {
		mcpServer := mcp.NewServer("personaguard", version, c.collector, mcpOpts...)
		g.Go(func() error { return mcpServer.ServeStdio(gctx, os.Stdin, os.Stdout) })
	}

	if watcher != nil {
		g.Go(func() error { return watcher.Run(gctx) })
	}

	err = g.Wait()
	c.logger.Info(context.Background(), "personaguard stopped")
	if err != nil {
		slog.Error("serve failed", "error", err)
	}
	return err
}

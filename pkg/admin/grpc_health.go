// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package admin

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/jllopis/personaguard/pkg/core"
	"github.com/jllopis/personaguard/pkg/metrics"
	"github.com/jllopis/personaguard/pkg/telemetry"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// HealthReporter publishes collector health over the standard gRPC health
// protocol. Service "" carries the overall verdict and each endpoint gets
// its own service name. Degraded counts as serving.
type HealthReporter struct {
	collector *metrics.Collector
	server    *health.Server
	logger    *telemetry.Logger

	mu    sync.Mutex
	known map[string]healthpb.HealthCheckResponse_ServingStatus
}

// NewHealthReporter seeds every service from the collector's current
// verdict.
func NewHealthReporter(collector *metrics.Collector, logger *telemetry.Logger) *HealthReporter {
	if logger == nil {
		logger = telemetry.NewLogger("grpc-health")
	}
	r := &HealthReporter{
		collector: collector,
		server:    health.NewServer(),
		logger:    logger,
		known:     make(map[string]healthpb.HealthCheckResponse_ServingStatus),
	}
	r.Update(collector.Health())
	return r
}

// Server exposes the underlying health service.
func (r *HealthReporter) Server() healthpb.HealthServer {
	return r.server
}

// Emit implements core.EventEmitter; health changes trigger a refresh.
func (r *HealthReporter) Emit(ctx context.Context, event core.Event) {
	if event.Type != core.EventHealthChanged {
		return
	}
	r.Update(r.collector.Health())
}

// Update publishes h. Endpoints that vanished from the verdict, for
// instance after a reset, are reported as SERVICE_UNKNOWN.
func (r *HealthReporter) Update(h metrics.Health) {
	next := map[string]healthpb.HealthCheckResponse_ServingStatus{
		"": servingStatus(h.Status),
	}
	for name, eh := range h.Endpoints {
		next[name] = servingStatus(eh.Status)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for name := range r.known {
		if _, ok := next[name]; !ok {
			r.server.SetServingStatus(name, healthpb.HealthCheckResponse_SERVICE_UNKNOWN)
			delete(r.known, name)
		}
	}
	for name, status := range next {
		if prev, ok := r.known[name]; ok && prev == status {
			continue
		}
		r.server.SetServingStatus(name, status)
		r.known[name] = status
	}
}

// Run refreshes the statuses every interval and serves gRPC health on
// addr until ctx is done.
func (r *HealthReporter) Run(ctx context.Context, addr string, interval time.Duration) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("grpc health listen %s: %w", addr, err)
	}
	return r.Serve(ctx, listener, interval)
}

// Serve is Run on an existing listener.
func (r *HealthReporter) Serve(ctx context.Context, listener net.Listener, interval time.Duration) error {
	grpcServer := grpc.NewServer()
	healthpb.RegisterHealthServer(grpcServer, r.server)

	errCh := make(chan error, 1)
	go func() {
		r.logger.Info(ctx, "grpc health listening", "addr", listener.Addr().String())
		errCh <- grpcServer.Serve(listener)
	}()

	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case err := <-errCh:
			if err != nil {
				return fmt.Errorf("grpc health serve: %w", err)
			}
			return nil
		case <-ticker.C:
			r.Update(r.collector.Health())
		case <-ctx.Done():
			r.server.Shutdown()
			grpcServer.GracefulStop()
			r.logger.Info(context.Background(), "grpc health stopped")
			return nil
		}
	}
}

func servingStatus(s core.HealthStatus) healthpb.HealthCheckResponse_ServingStatus {
	if s == core.HealthUnhealthy {
		return healthpb.HealthCheckResponse_NOT_SERVING
	}
	return healthpb.HealthCheckResponse_SERVING
}

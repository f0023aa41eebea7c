// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

// Package admin serves the operator surface of personaguard: health,
// metrics snapshots, Prometheus scraping and fallback provenance.
package admin

import (
	"context"
	"crypto/subtle"
	stderrors "errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jllopis/personaguard/pkg/audit"
	"github.com/jllopis/personaguard/pkg/core"
	"github.com/jllopis/personaguard/pkg/errors"
	"github.com/jllopis/personaguard/pkg/fallback"
	"github.com/jllopis/personaguard/pkg/metrics"
	"github.com/jllopis/personaguard/pkg/persona"
	"github.com/jllopis/personaguard/pkg/telemetry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// APIKeyHeader carries the key guarding /api/v1 routes.
const APIKeyHeader = "X-API-Key"

const defaultAuditLimit = 100

// Config holds the listener settings.
type Config struct {
	Addr            string
	APIKey          string
	ShutdownTimeout time.Duration
}

// Server is the admin HTTP API.
type Server struct {
	cfg       Config
	collector *metrics.Collector
	synth     *fallback.Synthesizer
	audit     audit.Store
	checks    *core.DefaultHealthCheckProvider
	registry  *prometheus.Registry
	logger    *telemetry.Logger
	engine    *gin.Engine
}

// Option configures a Server.
type Option func(*Server)

// WithSynthesizer enables the fallback usage and quality routes.
func WithSynthesizer(s *fallback.Synthesizer) Option {
	return func(srv *Server) { srv.synth = s }
}

// WithAuditStore enables the fallback audit route.
func WithAuditStore(store audit.Store) Option {
	return func(srv *Server) { srv.audit = store }
}

// WithHealthChecks adds the registered checkers to /health/detailed.
func WithHealthChecks(p *core.DefaultHealthCheckProvider) Option {
	return func(srv *Server) { srv.checks = p }
}

// WithRegistry replaces the Prometheus registry served on /metrics.
func WithRegistry(r *prometheus.Registry) Option {
	return func(srv *Server) {
		if r != nil {
			srv.registry = r
		}
	}
}

func WithLogger(l *telemetry.Logger) Option {
	return func(srv *Server) {
		if l != nil {
			srv.logger = l
		}
	}
}

// New builds the server and its routes. The collector is required.
func New(cfg Config, collector *metrics.Collector, opts ...Option) *Server {
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	s := &Server{
		cfg:       cfg,
		collector: collector,
		logger:    telemetry.NewLogger("admin"),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.registry == nil {
		s.registry = prometheus.NewRegistry()
		s.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	s.registry.MustRegister(metrics.NewPrometheusCollector(collector))
	s.engine = s.routes()
	return s
}

// Handler exposes the gin engine, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info(ctx, "admin server listening", "addr", s.cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("admin server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("admin server shutdown: %w", err)
	}
	s.logger.Info(context.Background(), "admin server stopped")
	return nil
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(s.requestLogger(), gin.Recovery())

	r.GET("/health", s.handleHealth)
	r.GET("/health/detailed", s.handleHealthDetailed)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})))

	api := r.Group("/api/v1")
	if s.cfg.APIKey != "" {
		api.Use(requireAPIKey(s.cfg.APIKey))
	}
	{
		api.GET("/metrics", s.handleMetrics)
		api.GET("/metrics/period", s.handleMetricsPeriod)
		api.POST("/metrics/reset", s.handleMetricsReset)

		api.GET("/fallback/usage", s.handleFallbackUsage)
		api.POST("/fallback/quality", s.handleFallbackQuality)
		api.GET("/fallback/audit", s.handleFallbackAudit)
	}
	return r
}

// requestLogger logs each request; client errors and failures at warn.
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		args := []any{
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", status,
			"latencyMs", float64(time.Since(start).Microseconds()) / 1000,
			"clientIP", c.ClientIP(),
		}
		if status >= http.StatusBadRequest {
			s.logger.Warn(c.Request.Context(), "admin request", args...)
			return
		}
		s.logger.Debug(c.Request.Context(), "admin request", args...)
	}
}

func requireAPIKey(key string) gin.HandlerFunc {
	want := []byte(key)
	return func(c *gin.Context) {
		got := []byte(c.GetHeader(APIKeyHeader))
		if subtle.ConstantTimeCompare(got, want) != 1 {
			abortWithError(c, errors.New(errors.KindAuthentication, "missing or invalid API key", nil))
			return
		}
		c.Next()
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	h := s.collector.Health()
	code := http.StatusOK
	if !h.Healthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"healthy":             h.Healthy,
		"status":              h.Status,
		"errorRate":           h.ErrorRate,
		"consecutiveFailures": h.ConsecutiveFailures,
		"checkedAt":           h.CheckedAt,
	})
}

func (s *Server) handleHealthDetailed(c *gin.Context) {
	h := s.collector.Health()
	overall := h.Status
	var components []core.HealthResult
	if s.checks != nil {
		var status core.HealthStatus
		components, status = s.checks.CheckAllCached(c.Request.Context())
		overall = core.Worst(overall, status)
	}
	code := http.StatusOK
	if overall == core.HealthUnhealthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status":     overall,
		"health":     h,
		"components": components,
	})
}

func (s *Server) handleMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, s.collector.GetMetrics())
}

func (s *Server) handleMetricsPeriod(c *gin.Context) {
	start, err := parseTimeParam(c, "start")
	if err != nil {
		abortWithError(c, err)
		return
	}
	end, err := parseTimeParam(c, "end")
	if err != nil {
		abortWithError(c, err)
		return
	}
	snap, err := s.collector.GetMetricsForPeriod(start, end)
	if err != nil {
		abortWithError(c, errors.New(errors.KindInvalidParams, err.Error(), err))
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) handleMetricsReset(c *gin.Context) {
	s.collector.ResetMetrics()
	s.logger.Info(c.Request.Context(), "metrics reset", "clientIP", c.ClientIP())
	c.JSON(http.StatusOK, gin.H{"reset": true})
}

func (s *Server) handleFallbackUsage(c *gin.Context) {
	if s.synth == nil {
		abortWithError(c, errors.New(errors.KindNotFound, "fallback synthesizer disabled", nil))
		return
	}
	c.JSON(http.StatusOK, s.synth.UsageStats())
}

func (s *Server) handleFallbackQuality(c *gin.Context) {
	if s.synth == nil {
		abortWithError(c, errors.New(errors.KindNotFound, "fallback synthesizer disabled", nil))
		return
	}
	var pc persona.PersonaContext
	if err := c.ShouldBindJSON(&pc); err != nil {
		abortWithError(c, errors.New(errors.KindValidation, "invalid persona context", err))
		return
	}
	c.JSON(http.StatusOK, s.synth.QualityMetrics(pc))
}

func (s *Server) handleFallbackAudit(c *gin.Context) {
	if s.audit == nil {
		abortWithError(c, errors.New(errors.KindNotFound, "fallback audit disabled", nil))
		return
	}
	filter := audit.Filter{
		Kind:   c.Query("kind"),
		Reason: c.Query("reason"),
		Limit:  defaultAuditLimit,
	}
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			abortWithError(c, errors.New(errors.KindInvalidParams, "limit must be a positive integer", err))
			return
		}
		filter.Limit = n
	}
	if c.Query("since") != "" {
		since, err := parseTimeParam(c, "since")
		if err != nil {
			abortWithError(c, err)
			return
		}
		filter.Since = since
	}
	events, err := s.audit.List(c.Request.Context(), filter)
	if err != nil {
		abortWithError(c, errors.New(errors.KindServerError, "list audit events", err))
		return
	}
	if events == nil {
		events = []audit.Event{}
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "count": len(events)})
}

func parseTimeParam(c *gin.Context, name string) (time.Time, error) {
	raw := c.Query(name)
	if raw == "" {
		return time.Time{}, errors.New(errors.KindInvalidParams, name+" is required", nil).
			WithDetail("parameter", name)
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, errors.New(errors.KindInvalidParams, name+" must be RFC3339", err).
			WithDetail("parameter", name)
	}
	return t, nil
}

func abortWithError(c *gin.Context, err error) {
	ce := errors.Classify(err)
	c.AbortWithStatusJSON(statusFor(ce.Kind), gin.H{
		"error": gin.H{
			"kind":    ce.Kind,
			"message": ce.Message,
			"details": ce.Details,
		},
	})
}

func statusFor(kind errors.Kind) int {
	switch kind {
	case errors.KindAuthentication:
		return http.StatusUnauthorized
	case errors.KindAuthorization:
		return http.StatusForbidden
	case errors.KindValidation, errors.KindInvalidParams:
		return http.StatusBadRequest
	case errors.KindNotFound:
		return http.StatusNotFound
	case errors.KindRateLimit:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

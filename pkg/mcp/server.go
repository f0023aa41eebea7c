// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

// Package mcp exposes personaguard metrics, health and fallback insight
// as Model Context Protocol tools.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jllopis/personaguard/pkg/core"
	"github.com/jllopis/personaguard/pkg/fallback"
	"github.com/jllopis/personaguard/pkg/metrics"
	"github.com/jllopis/personaguard/pkg/persona"
	"github.com/jllopis/personaguard/pkg/telemetry"
)

// Tool names.
const (
	ToolGetMetrics          = "get_metrics"
	ToolGetMetricsForPeriod = "get_metrics_for_period"
	ToolGetHealth           = "get_health"
	ToolGetFallbackUsage    = "get_fallback_usage"
	ToolFallbackQuality     = "fallback_quality"
	ToolTailLogs            = "tail_logs"
)

const defaultTailLimit = 50

// Handler answers a tool call with the decoded arguments.
type Handler func(ctx context.Context, args map[string]any) (*mcp.CallToolResult, error)

// Server wraps the mcp-go server with the personaguard tools.
type Server struct {
	mcpServer *server.MCPServer
	collector *metrics.Collector
	synth     *fallback.Synthesizer
	checks    *core.DefaultHealthCheckProvider
	tail      *telemetry.MemorySink
	logger    *telemetry.Logger
	handlers  map[string]Handler
}

// Option configures a Server.
type Option func(*Server)

// WithSynthesizer enables the fallback tools.
func WithSynthesizer(s *fallback.Synthesizer) Option {
	return func(srv *Server) { srv.synth = s }
}

// WithHealthChecks adds component checks to get_health.
func WithHealthChecks(p *core.DefaultHealthCheckProvider) Option {
	return func(srv *Server) { srv.checks = p }
}

// WithLogTail enables tail_logs over the entries retained by sink.
func WithLogTail(sink *telemetry.MemorySink) Option {
	return func(srv *Server) { srv.tail = sink }
}

func WithLogger(l *telemetry.Logger) Option {
	return func(srv *Server) {
		if l != nil {
			srv.logger = l
		}
	}
}

// NewServer creates a new MCP server backed by collector.
func NewServer(name, version string, collector *metrics.Collector, opts ...Option) *Server {
	s := &Server{
		mcpServer: server.NewMCPServer(name, version, server.WithToolCapabilities(false)),
		collector: collector,
		logger:    telemetry.NewLogger("mcp"),
		handlers:  make(map[string]Handler),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.RegisterTool(mcp.NewTool(ToolGetMetrics,
		mcp.WithDescription("Current resilience metrics snapshot: calls, response times, cache, errors, throughput, concurrency and health."),
	), s.getMetrics)

	s.RegisterTool(mcp.NewTool(ToolGetMetricsForPeriod,
		mcp.WithDescription("Metrics snapshot restricted to records between start and end."),
		mcp.WithString("start", mcp.Required(), mcp.Description("Period start, RFC3339")),
		mcp.WithString("end", mcp.Required(), mcp.Description("Period end, RFC3339")),
	), s.getMetricsForPeriod)

	s.RegisterTool(mcp.NewTool(ToolGetHealth,
		mcp.WithDescription("Overall and per-endpoint health over the trailing health window."),
	), s.getHealth)

	if s.tail != nil {
		s.RegisterTool(mcp.NewTool(ToolTailLogs,
			mcp.WithDescription("Most recent redacted log entries, oldest first."),
			mcp.WithNumber("limit", mcp.Description("Maximum entries to return (default 50)")),
			mcp.WithString("level", mcp.Description("Minimum level: debug, info, warn, error or critical")),
			mcp.WithString("component", mcp.Description("Only entries from this component")),
		), s.tailLogs)
	}

	if s.synth != nil {
		s.RegisterTool(mcp.NewTool(ToolGetFallbackUsage,
			mcp.WithDescription("Cumulative fallback usage by kind and reason."),
		), s.getFallbackUsage)

		s.RegisterTool(mcp.NewTool(ToolFallbackQuality,
			mcp.WithDescription("Advisory quality heuristics for serving a persona context from synthesized data."),
			mcp.WithArray("interests", mcp.Description("Persona interests"), mcp.WithStringItems()),
			mcp.WithNumber("age_min", mcp.Description("Lower bound of the age range")),
			mcp.WithNumber("age_max", mcp.Description("Upper bound of the age range")),
			mcp.WithString("income_tier", mcp.Description("low, medium or high")),
			mcp.WithString("location", mcp.Description("Demographic location")),
			mcp.WithString("language", mcp.Description("ISO language code")),
			mcp.WithString("region", mcp.Description("ISO region code")),
		), s.fallbackQuality)
	}
	return s
}

// RegisterTool registers a tool with the server.
func (s *Server) RegisterTool(tool mcp.Tool, handler Handler) {
	s.handlers[tool.Name] = handler
	s.mcpServer.AddTool(tool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, _ := request.Params.Arguments.(map[string]any)
		s.logger.Debug(ctx, "mcp tool call", "tool", tool.Name)
		return handler(ctx, args)
	})
}

// Tools lists the registered tool names in order.
func (s *Server) Tools() []string {
	names := make([]string, 0, len(s.handlers))
	for name := range s.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Call invokes a registered tool directly.
func (s *Server) Call(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	h, ok := s.handlers[name]
	if !ok {
		return nil, fmt.Errorf("unknown tool %q", name)
	}
	return h(ctx, args)
}

// ServeStdio serves on stdin/stdout until ctx is done or input ends.
func (s *Server) ServeStdio(ctx context.Context, in io.Reader, out io.Writer) error {
	s.logger.Info(ctx, "mcp server listening on stdio", "tools", strings.Join(s.Tools(), ","))
	return server.NewStdioServer(s.mcpServer).Listen(ctx, in, out)
}

func (s *Server) getMetrics(_ context.Context, _ map[string]any) (*mcp.CallToolResult, error) {
	return jsonResult(s.collector.GetMetrics())
}

func (s *Server) getMetricsForPeriod(_ context.Context, args map[string]any) (*mcp.CallToolResult, error) {
	start, err := timeArg(args, "start")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	end, err := timeArg(args, "end")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	snap, err := s.collector.GetMetricsForPeriod(start, end)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(snap)
}

func (s *Server) getHealth(ctx context.Context, _ map[string]any) (*mcp.CallToolResult, error) {
	h := s.collector.Health()
	out := map[string]any{"status": h.Status, "health": h}
	if s.checks != nil {
		components, overall := s.checks.CheckAllCached(ctx)
		out["components"] = components
		out["status"] = core.Worst(h.Status, overall)
	}
	return jsonResult(out)
}

func (s *Server) getFallbackUsage(_ context.Context, _ map[string]any) (*mcp.CallToolResult, error) {
	return jsonResult(s.synth.UsageStats())
}

func (s *Server) fallbackQuality(_ context.Context, args map[string]any) (*mcp.CallToolResult, error) {
	pc := persona.PersonaContext{
		Interests: stringsArg(args, "interests"),
		Demographics: persona.Demographics{
			AgeRange:   persona.AgeRange{Min: intArg(args, "age_min"), Max: intArg(args, "age_max")},
			IncomeTier: stringArg(args, "income_tier"),
			Location:   stringArg(args, "location"),
		},
		Language: stringArg(args, "language"),
		Region:   stringArg(args, "region"),
	}
	return jsonResult(s.synth.QualityMetrics(pc))
}

func (s *Server) tailLogs(_ context.Context, args map[string]any) (*mcp.CallToolResult, error) {
	limit := intArg(args, "limit")
	if limit <= 0 {
		limit = defaultTailLimit
	}
	minLevel := telemetry.LevelDebug
	if level := stringArg(args, "level"); level != "" {
		minLevel = telemetry.ParseLevel(level)
	}
	component := stringArg(args, "component")

	entries := make([]telemetry.Entry, 0, limit)
	for _, e := range s.tail.Entries() {
		if e.Level < minLevel || (component != "" && e.Component != component) {
			continue
		}
		entries = append(entries, e)
	}
	if len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	return jsonResult(map[string]any{"count": len(entries), "entries": entries})
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode tool result: %w", err)
	}
	return mcp.NewToolResultText(string(raw)), nil
}

func timeArg(args map[string]any, key string) (time.Time, error) {
	raw := stringArg(args, key)
	if raw == "" {
		return time.Time{}, fmt.Errorf("%s is required", key)
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s must be RFC3339: %w", key, err)
	}
	return t, nil
}

func stringArg(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return strings.TrimSpace(v)
}

// intArg accepts JSON numbers, which decode as float64.
func intArg(args map[string]any, key string) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}

func stringsArg(args map[string]any, key string) []string {
	switch v := args[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		return strings.Split(v, ",")
	default:
		return nil
	}
}

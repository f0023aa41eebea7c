// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jllopis/personaguard/pkg/config"
	"github.com/jllopis/personaguard/pkg/core"
	"github.com/jllopis/personaguard/pkg/errors"
	"github.com/jllopis/personaguard/pkg/fallback"
	"github.com/jllopis/personaguard/pkg/metrics"
	"github.com/jllopis/personaguard/pkg/persona"
	"github.com/jllopis/personaguard/pkg/resilience"
)

type simulateOptions struct {
	Calls       int
	FailureRate float64
	Seed        uint64
	RealDelays  bool
}

type simulateReport struct {
	Calls     int                 `json:"calls"`
	Succeeded int                 `json:"succeeded"`
	Degraded  int                 `json:"degraded"`
	Failed    int                 `json:"failed"`
	Attempts  int                 `json:"attempts"`
	ByReason  map[string]int      `json:"fallbackByReason"`
	Fallback  fallback.UsageStats `json:"fallbackUsage"`
	Metrics   metrics.Snapshot    `json:"metrics"`
}

var simulatedEndpoints = []string{"/search", "/v2/tags", "/v2/audiences", "/v2/insights"}

func parseSimulateFlags(args []string) (simulateOptions, error) {
	opts := simulateOptions{}
	fs := flag.NewFlagSet("simulate", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.IntVar(&opts.Calls, "calls", 200, "number of logical calls")
	fs.Float64Var(&opts.FailureRate, "failure-rate", 0.3, "probability an attempt fails")
	fs.Uint64Var(&opts.Seed, "seed", 1, "random seed")
	fs.BoolVar(&opts.RealDelays, "real-delays", false, "honour retry delays")
	if err := fs.Parse(args); err != nil {
		return opts, fmt.Errorf("simulate: %w", err)
	}
	if fs.NArg() > 0 {
		return opts, fmt.Errorf("simulate: unexpected args: %v", fs.Args())
	}
	if opts.Calls <= 0 {
		return opts, fmt.Errorf("simulate: --calls must be positive")
	}
	if opts.FailureRate < 0 || opts.FailureRate > 1 {
		return opts, fmt.Errorf("simulate: --failure-rate must be within [0, 1]")
	}
	return opts, nil
}

// flakyTransport answers attempts from a seeded script. Failures are spread
// over the retryable and terminal kinds the recommendation service returns.
type flakyTransport struct {
	mu          sync.Mutex
	rng         *rand.Rand
	failureRate float64
}

func newFlakyTransport(seed uint64, failureRate float64) *flakyTransport {
	return &flakyTransport{rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)), failureRate: failureRate}
}

func (t *flakyTransport) next() (fail bool, roll float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rng.Float64() < t.failureRate, t.rng.Float64()
}

func (t *flakyTransport) call(endpoint string) resilience.CallFunc[persona.InsightsResponse] {
	return func(ctx context.Context, params map[string]any) (persona.InsightsResponse, error) {
		fail, roll := t.next()
		if !fail {
			return persona.InsightsResponse{
				Metadata: persona.Metadata{
					DataSource:  persona.DataSourceAPI,
					GeneratedAt: time.Now().UTC(),
					RequestID:   uuid.NewString(),
					Confidence:  0.95,
				},
				Status: persona.Status{Success: true},
			}, nil
		}
		switch {
		case roll < 0.45:
			return persona.InsightsResponse{}, errors.New(errors.KindServerError, "upstream unavailable", nil).
				WithStatus(503).WithDetail("endpoint", endpoint)
		case roll < 0.7:
			return persona.InsightsResponse{}, errors.New(errors.KindRateLimit, "too many requests", nil).
				WithStatus(429).WithDetail("retryAfterMs", int64(200))
		case roll < 0.9:
			return persona.InsightsResponse{}, errors.New(errors.KindNetworkError, "connection reset", nil).
				WithDetail("timeout", roll > 0.85)
		default:
			return persona.InsightsResponse{}, errors.New(errors.KindNotFound, "entity not found", nil).WithStatus(404)
		}
	}
}

func runSimulate(ctx context.Context, cfg *config.Config, opts simulateOptions, w io.Writer) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	var extra []resilience.ExecutorOption
	if !opts.RealDelays {
		extra = append(extra, skipDelays())
	}
	// stdout carries the report, so logs are dropped.
	c, err := buildComponents(ctx, cfg, discardLogger(), extra...)
	if err != nil {
		return err
	}
	defer c.Close()

	report, err := simulate(ctx, c, opts)
	if err != nil {
		return err
	}
	return writeJSON(w, report)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// skipDelays keeps the retry schedule but does not wait for it.
func skipDelays() resilience.ExecutorOption {
	return resilience.WithSleep(func(ctx context.Context, _ time.Duration) error { return ctx.Err() })
}

func simulate(ctx context.Context, c *components, opts simulateOptions) (simulateReport, error) {
	transport := newFlakyTransport(opts.Seed, opts.FailureRate)
	report := simulateReport{Calls: opts.Calls, ByReason: make(map[string]int)}
	pc := persona.PersonaContext{
		Interests:    []string{"cinema", "jazz", "cuisine"},
		Demographics: persona.Demographics{AgeRange: persona.AgeRange{Min: 25, Max: 40}},
		Language:     "fr",
		Region:       "FR",
	}

	for i := 0; i < opts.Calls; i++ {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		endpoint := simulatedEndpoints[i%len(simulatedEndpoints)]
		params := map[string]any{
			"filter.type":      "urn:entity:movie",
			"signal.interests": pc.Interests,
			"take":             10,
		}
		callCtx := core.WithCallerID(ctx, "simulate")
		cc := c.executor.NewCallContext(callCtx, endpoint, "GET", params)
		fb := resilience.FallbackFunc[persona.InsightsResponse](func(ctx context.Context, cause *errors.CallError) (persona.InsightsResponse, error) {
			return c.synth.InsightsFallback(ctx, cc.Params, pc, fallback.ReasonFor(cause, cc.AttemptNumber)), nil
		})

		out, err := resilience.Execute(callCtx, c.executor, cc, transport.call(endpoint), fb)
		report.Attempts += out.Attempts
		switch {
		case err != nil:
			report.Failed++
		case out.Degraded:
			report.Degraded++
			report.ByReason[string(out.FallbackReason)]++
		default:
			report.Succeeded++
		}
	}

	c.collector.HealthTick(ctx)
	report.Fallback = c.synth.UsageStats()
	report.Metrics = c.collector.GetMetrics()
	c.logger.Info(ctx, "simulation finished",
		"calls", report.Calls,
		"degraded", report.Degraded,
		"failed", report.Failed,
	)
	return report, nil
}

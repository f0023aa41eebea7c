// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "personaguard"

var (
	callsDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "api", "calls"),
		"Calls held in the retention window by endpoint and outcome",
		[]string{"endpoint", "outcome"}, nil,
	)
	errorRateDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "api", "error_rate_percent"),
		"Error rate over the retention window",
		nil, nil,
	)
	responseTimeDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "api", "response_time_ms"),
		"Response time percentiles in milliseconds",
		[]string{"quantile"}, nil,
	)
	cacheHitRateDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "cache", "hit_rate_percent"),
		"Cache hit rate over the retention window",
		nil, nil,
	)
	activeDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "api", "active_requests"),
		"Requests currently in flight",
		nil, nil,
	)
	peakDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "api", "peak_requests"),
		"Highest number of requests in flight",
		nil, nil,
	)
	healthDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "health", "status"),
		"Overall health (0=unhealthy, 1=degraded, 2=healthy)",
		nil, nil,
	)
	endpointHealthDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "health", "endpoint_status"),
		"Per-endpoint health (0=unhealthy, 1=degraded, 2=healthy)",
		[]string{"endpoint"}, nil,
	)
)

// PrometheusCollector exposes collector snapshots to a Prometheus registry.
// Every scrape computes a fresh snapshot.
type PrometheusCollector struct {
	source *Collector
}

// NewPrometheusCollector wraps c for registration with prometheus.Register.
func NewPrometheusCollector(c *Collector) *PrometheusCollector {
	return &PrometheusCollector{source: c}
}

// Describe implements prometheus.Collector.
func (p *PrometheusCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- callsDesc
	ch <- errorRateDesc
	ch <- responseTimeDesc
	ch <- cacheHitRateDesc
	ch <- activeDesc
	ch <- peakDesc
	ch <- healthDesc
	ch <- endpointHealthDesc
}

// Collect implements prometheus.Collector. Metrics that fail to build are
// skipped so a scrape never panics.
func (p *PrometheusCollector) Collect(ch chan<- prometheus.Metric) {
	s := p.source.GetMetrics()
	emit := func(desc *prometheus.Desc, v float64, labels ...string) {
		m, err := prometheus.NewConstMetric(desc, prometheus.GaugeValue, v, labels...)
		if err != nil {
			return
		}
		ch <- m
	}

	for name, ep := range s.APICalls.ByEndpoint {
		emit(callsDesc, float64(ep.Successful), name, "success")
		emit(callsDesc, float64(ep.Failed), name, "failure")
	}
	emit(errorRateDesc, s.APICalls.ErrorRate)
	for q, v := range map[string]float64{
		"0.5":  s.ResponseTimes.P50,
		"0.95": s.ResponseTimes.P95,
		"0.99": s.ResponseTimes.P99,
	} {
		emit(responseTimeDesc, v, q)
	}
	emit(cacheHitRateDesc, s.Cache.HitRate)
	emit(activeDesc, float64(s.Concurrency.Active))
	emit(peakDesc, float64(s.Concurrency.Peak))
	emit(healthDesc, float64(s.Health.Status.Gauge()))
	for name, eh := range s.Health.Endpoints {
		emit(endpointHealthDesc, float64(eh.Status.Gauge()), name)
	}
}

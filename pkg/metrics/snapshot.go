// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/jllopis/personaguard/pkg/core"
)

// Health thresholds, as percentages and milliseconds.
const (
	HealthyErrorRate       = 10.0
	FailingErrorRate       = 20.0
	DegradedErrorRate      = 5.0
	SlowResponseMs         = 5000.0
	MaxConsecutiveFailures = 3

	mostCommonErrors = 5
	neverChecked     = "never"
)

// Snapshot is a projection of the record buffers at one instant. It is
// recomputed on demand and never stored.
type Snapshot struct {
	Timestamp     time.Time         `json:"timestamp"`
	Period        *Period           `json:"period,omitempty"`
	APICalls      APICallStats      `json:"apiCalls"`
	ResponseTimes ResponseTimeStats `json:"responseTimes"`
	Cache         CacheStats        `json:"cache"`
	Errors        ErrorStats        `json:"errors"`
	Throughput    ThroughputStats   `json:"throughput"`
	Concurrency   ConcurrencyStats  `json:"concurrency"`
	Health        Health            `json:"health"`
}

// Period bounds a snapshot computed by GetMetricsForPeriod.
type Period struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

type APICallStats struct {
	Total       int                          `json:"total"`
	Successful  int                          `json:"successful"`
	Failed      int                          `json:"failed"`
	SuccessRate float64                      `json:"successRate"`
	ErrorRate   float64                      `json:"errorRate"`
	Retried     int                          `json:"retried"`
	Cached      int                          `json:"cached"`
	ByEndpoint  map[string]EndpointCallStats `json:"byEndpoint"`
	ByMethod    map[string]int               `json:"byMethod"`
}

type EndpointCallStats struct {
	Total             int     `json:"total"`
	Successful        int     `json:"successful"`
	Failed            int     `json:"failed"`
	SuccessRate       float64 `json:"successRate"`
	ErrorRate         float64 `json:"errorRate"`
	AvgResponseTimeMs float64 `json:"avgResponseTimeMs"`
}

// ResponseTimeStats are in milliseconds.
type ResponseTimeStats struct {
	Avg float64 `json:"avg"`
	Min float64 `json:"min"`
	Max float64 `json:"max"`
	P50 float64 `json:"p50"`
	P95 float64 `json:"p95"`
	P99 float64 `json:"p99"`
}

type CacheStats struct {
	TotalOperations int                           `json:"totalOperations"`
	Hits            int                           `json:"hits"`
	Misses          int                           `json:"misses"`
	HitRate         float64                       `json:"hitRate"`
	MissRate        float64                       `json:"missRate"`
	ByOperation     map[string]int                `json:"byOperation"`
	ByEndpoint      map[string]CacheEndpointStats `json:"byEndpoint"`
}

type CacheEndpointStats struct {
	Hits     int     `json:"hits"`
	Misses   int     `json:"misses"`
	HitRate  float64 `json:"hitRate"`
	MissRate float64 `json:"missRate"`
}

type ErrorStats struct {
	Total        int              `json:"total"`
	ByKind       map[string]int   `json:"byKind"`
	ByEndpoint   map[string]int   `json:"byEndpoint"`
	ByStatusCode map[string]int   `json:"byStatusCode"`
	MostCommon   []ErrorFrequency `json:"mostCommon"`
}

// ErrorFrequency counts failures sharing kind, endpoint and status.
type ErrorFrequency struct {
	Kind       string `json:"kind"`
	Endpoint   string `json:"endpoint"`
	StatusCode int    `json:"statusCode,omitempty"`
	Count      int    `json:"count"`
}

// ThroughputStats counts calls in trailing windows ending at the snapshot
// instant.
type ThroughputStats struct {
	LastSecond          int     `json:"lastSecond"`
	LastMinute          int     `json:"lastMinute"`
	LastHour            int     `json:"lastHour"`
	PerSecondLastSecond float64 `json:"perSecondLastSecond"`
	PerSecondLastMinute float64 `json:"perSecondLastMinute"`
	PerSecondLastHour   float64 `json:"perSecondLastHour"`
}

type ConcurrencyStats struct {
	Active  int     `json:"active"`
	Peak    int     `json:"peak"`
	Average float64 `json:"average"`
}

// Health is the verdict over the trailing health window.
type Health struct {
	Healthy             bool                      `json:"healthy"`
	Status              core.HealthStatus         `json:"status"`
	ErrorRate           float64                   `json:"errorRate"`
	WindowRequests      int                       `json:"windowRequests"`
	ConsecutiveFailures int                       `json:"consecutiveFailures"`
	Endpoints           map[string]EndpointHealth `json:"endpoints"`
	CheckedAt           time.Time                 `json:"checkedAt"`
}

type EndpointHealth struct {
	Status            core.HealthStatus `json:"status"`
	ErrorRate         float64           `json:"errorRate"`
	AvgResponseTimeMs float64           `json:"avgResponseTimeMs"`
	Requests          int               `json:"requests"`
	LastCheck         string            `json:"lastCheck"`
}

// Percentile returns the p-th percentile of an ascending slice using the
// nearest-rank index ceil(p/100*n)-1, clamped to the slice bounds.
func Percentile(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	idx := int(math.Ceil(p/100*float64(n))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= n {
		idx = n - 1
	}
	return sorted[idx]
}

func computeAPICalls(calls []CallRecord) APICallStats {
	s := APICallStats{
		ByEndpoint: make(map[string]EndpointCallStats),
		ByMethod:   make(map[string]int),
	}
	totalTime := make(map[string]float64)
	for _, c := range calls {
		s.Total++
		ep := s.ByEndpoint[c.Endpoint]
		ep.Total++
		if c.Success {
			s.Successful++
			ep.Successful++
		} else {
			s.Failed++
			ep.Failed++
		}
		if c.RetryAttempt > 0 {
			s.Retried++
		}
		if c.Cached {
			s.Cached++
		}
		totalTime[c.Endpoint] += c.ResponseTimeMs
		s.ByEndpoint[c.Endpoint] = ep
		s.ByMethod[c.Method]++
	}
	s.SuccessRate = percent(s.Successful, s.Total)
	s.ErrorRate = percent(s.Failed, s.Total)
	for name, ep := range s.ByEndpoint {
		ep.SuccessRate = percent(ep.Successful, ep.Total)
		ep.ErrorRate = percent(ep.Failed, ep.Total)
		ep.AvgResponseTimeMs = round2(totalTime[name] / float64(ep.Total))
		s.ByEndpoint[name] = ep
	}
	return s
}

func computeResponseTimes(calls []CallRecord) ResponseTimeStats {
	if len(calls) == 0 {
		return ResponseTimeStats{}
	}
	times := make([]float64, len(calls))
	var sum float64
	for i, c := range calls {
		times[i] = c.ResponseTimeMs
		sum += c.ResponseTimeMs
	}
	sort.Float64s(times)
	return ResponseTimeStats{
		Avg: round2(sum / float64(len(times))),
		Min: times[0],
		Max: times[len(times)-1],
		P50: Percentile(times, 50),
		P95: Percentile(times, 95),
		P99: Percentile(times, 99),
	}
}

func computeCache(ops []CacheOperationRecord) CacheStats {
	s := CacheStats{
		ByOperation: make(map[string]int),
		ByEndpoint:  make(map[string]CacheEndpointStats),
	}
	for _, op := range ops {
		s.TotalOperations++
		s.ByOperation[string(op.Operation)]++
		ep := s.ByEndpoint[op.Endpoint]
		switch op.Result {
		case CacheHit:
			s.Hits++
			ep.Hits++
		case CacheMiss:
			s.Misses++
			ep.Misses++
		}
		s.ByEndpoint[op.Endpoint] = ep
	}
	s.HitRate = percent(s.Hits, s.Hits+s.Misses)
	s.MissRate = percent(s.Misses, s.Hits+s.Misses)
	for name, ep := range s.ByEndpoint {
		ep.HitRate = percent(ep.Hits, ep.Hits+ep.Misses)
		ep.MissRate = percent(ep.Misses, ep.Hits+ep.Misses)
		s.ByEndpoint[name] = ep
	}
	return s
}

func computeErrors(calls []CallRecord) ErrorStats {
	s := ErrorStats{
		ByKind:       make(map[string]int),
		ByEndpoint:   make(map[string]int),
		ByStatusCode: make(map[string]int),
		MostCommon:   []ErrorFrequency{},
	}
	type key struct {
		kind, endpoint string
		status         int
	}
	freq := make(map[key]int)
	for _, c := range calls {
		if c.Success {
			continue
		}
		kind := string(c.ErrorKind)
		if kind == "" {
			kind = "unknown"
		}
		s.Total++
		s.ByKind[kind]++
		s.ByEndpoint[c.Endpoint]++
		s.ByStatusCode[statusKey(c.StatusCode)]++
		freq[key{kind, c.Endpoint, c.StatusCode}]++
	}
	for k, n := range freq {
		s.MostCommon = append(s.MostCommon, ErrorFrequency{Kind: k.kind, Endpoint: k.endpoint, StatusCode: k.status, Count: n})
	}
	sort.Slice(s.MostCommon, func(i, j int) bool {
		a, b := s.MostCommon[i], s.MostCommon[j]
		if a.Count != b.Count {
			return a.Count > b.Count
		}
		if a.Kind != b.Kind {
			return a.Kind < b.Kind
		}
		if a.Endpoint != b.Endpoint {
			return a.Endpoint < b.Endpoint
		}
		return a.StatusCode < b.StatusCode
	})
	if len(s.MostCommon) > mostCommonErrors {
		s.MostCommon = s.MostCommon[:mostCommonErrors]
	}
	return s
}

func computeThroughput(calls []CallRecord, ref time.Time) ThroughputStats {
	var s ThroughputStats
	for _, c := range calls {
		age := ref.Sub(c.Timestamp)
		if age < 0 {
			continue
		}
		if age < time.Second {
			s.LastSecond++
		}
		if age < time.Minute {
			s.LastMinute++
		}
		if age < time.Hour {
			s.LastHour++
		}
	}
	s.PerSecondLastSecond = float64(s.LastSecond)
	s.PerSecondLastMinute = round2(float64(s.LastMinute) / 60)
	s.PerSecondLastHour = round2(float64(s.LastHour) / 3600)
	return s
}

// evaluateHealth judges the calls inside (ref-window, ref]. failures is the
// consecutive-failure counter maintained by health ticks.
func evaluateHealth(calls []CallRecord, ref time.Time, window time.Duration, failures int, tracked []string) Health {
	type acc struct {
		total, failed int
		totalTime     float64
		last          time.Time
	}
	perEndpoint := make(map[string]*acc)
	for _, name := range tracked {
		perEndpoint[name] = &acc{}
	}
	var total, failed int
	for _, c := range calls {
		age := ref.Sub(c.Timestamp)
		if age < 0 || age >= window {
			continue
		}
		total++
		a, ok := perEndpoint[c.Endpoint]
		if !ok {
			a = &acc{}
			perEndpoint[c.Endpoint] = a
		}
		a.total++
		a.totalTime += c.ResponseTimeMs
		if !c.Success {
			failed++
			a.failed++
		}
		if c.Timestamp.After(a.last) {
			a.last = c.Timestamp
		}
	}
	// Endpoints seen outside the window are reported too.
	for _, c := range calls {
		if _, ok := perEndpoint[c.Endpoint]; !ok {
			perEndpoint[c.Endpoint] = &acc{}
		}
	}

	h := Health{
		ErrorRate:           percent(failed, total),
		WindowRequests:      total,
		ConsecutiveFailures: failures,
		Endpoints:           make(map[string]EndpointHealth, len(perEndpoint)),
		CheckedAt:           ref,
	}
	h.Healthy = h.ErrorRate < HealthyErrorRate && failures < MaxConsecutiveFailures

	anyEndpointDown := false
	for name, a := range perEndpoint {
		eh := EndpointHealth{Requests: a.total, LastCheck: neverChecked, Status: core.HealthUnhealthy}
		if a.total > 0 {
			eh.ErrorRate = percent(a.failed, a.total)
			eh.AvgResponseTimeMs = round2(a.totalTime / float64(a.total))
			eh.LastCheck = a.last.UTC().Format(time.RFC3339)
			switch {
			case eh.ErrorRate > FailingErrorRate:
				eh.Status = core.HealthUnhealthy
			case eh.ErrorRate > DegradedErrorRate || eh.AvgResponseTimeMs > SlowResponseMs:
				eh.Status = core.HealthDegraded
			default:
				eh.Status = core.HealthHealthy
			}
		}
		if eh.Status != core.HealthHealthy {
			anyEndpointDown = true
		}
		h.Endpoints[name] = eh
	}

	switch {
	case !h.Healthy:
		h.Status = core.HealthUnhealthy
	case anyEndpointDown || h.ErrorRate > DegradedErrorRate:
		h.Status = core.HealthDegraded
	default:
		h.Status = core.HealthHealthy
	}
	return h
}

func percent(n, total int) float64 {
	if total == 0 {
		return 0
	}
	return round2(float64(n) / float64(total) * 100)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func statusKey(code int) string {
	if code <= 0 {
		return "none"
	}
	return strconv.Itoa(code)
}

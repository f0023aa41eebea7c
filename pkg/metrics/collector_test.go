// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"context"
	"encoding/json"
	"math"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jllopis/personaguard/pkg/core"
	"github.com/jllopis/personaguard/pkg/errors"
	"github.com/jllopis/personaguard/pkg/telemetry"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestCollector(t *testing.T, cfg Config, opts ...Option) (*Collector, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	return NewCollector(cfg, opts...), clock
}

func record(c *Collector, endpoint string, success bool, ms float64) {
	rec := CallRecord{Endpoint: endpoint, Method: "GET", Success: success, ResponseTimeMs: ms}
	if !success {
		rec.ErrorKind = errors.KindServerError
		rec.StatusCode = 503
	}
	c.RecordAPICall(rec)
}

func TestRingEvictsOldest(t *testing.T) {
	r := newRing[int](3)
	for i := 1; i <= 5; i++ {
		r.push(i)
	}
	assert.Equal(t, []int{3, 4, 5}, r.items())

	r.dropOldestWhile(func(v int) bool { return v < 4 })
	assert.Equal(t, []int{4, 5}, r.items())

	r.push(6)
	r.push(7)
	r.retain(func(v int) bool { return v%2 == 1 })
	assert.Equal(t, []int{5, 7}, r.items())
	assert.Equal(t, 2, r.len())

	r.reset()
	assert.Empty(t, r.items())
}

func TestPercentileNearestRank(t *testing.T) {
	sorted := []float64{10, 20, 30, 40, 50, 60, 70, 80, 90, 100}
	cases := []struct {
		p    float64
		want float64
	}{
		{0, 10},
		{50, 50},
		{95, 100},
		{99, 100},
		{100, 100},
		{10, 10},
		{11, 20},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Percentile(sorted, tc.p), "p%.0f", tc.p)
	}
	assert.Zero(t, Percentile(nil, 95))
	assert.Equal(t, 7.0, Percentile([]float64{7}, 99))
}

func TestGetMetricsRatesAndPercentiles(t *testing.T) {
	c, _ := newTestCollector(t, Config{})
	for i := 0; i < 37; i++ {
		record(c, "/search", i%3 != 0, float64(100+i*17%250))
	}
	record(c, "/v2/tags", true, 9000)

	s := c.GetMetrics()
	require.Equal(t, 38, s.APICalls.Total)
	assert.InDelta(t, 100, s.APICalls.SuccessRate+s.APICalls.ErrorRate, 0.02)
	assert.LessOrEqual(t, s.ResponseTimes.P50, s.ResponseTimes.P95)
	assert.LessOrEqual(t, s.ResponseTimes.P95, s.ResponseTimes.P99)
	assert.LessOrEqual(t, s.ResponseTimes.P99, s.ResponseTimes.Max)
	assert.Equal(t, 9000.0, s.ResponseTimes.Max)
	assert.Equal(t, 38, s.APICalls.ByMethod["GET"])

	search := s.APICalls.ByEndpoint["/search"]
	assert.Equal(t, 37, search.Total)
	assert.InDelta(t, 100, search.SuccessRate+search.ErrorRate, 0.02)
}

func TestGetMetricsErrorsRanking(t *testing.T) {
	c, _ := newTestCollector(t, Config{})
	for i := 0; i < 4; i++ {
		c.RecordAPICall(CallRecord{Endpoint: "/search", ErrorKind: errors.KindRateLimit, StatusCode: 429})
	}
	for i := 0; i < 2; i++ {
		c.RecordAPICall(CallRecord{Endpoint: "/v2/tags", ErrorKind: errors.KindNetworkError})
	}
	for _, ep := range []string{"/a", "/b", "/c", "/d", "/e"} {
		c.RecordAPICall(CallRecord{Endpoint: ep, ErrorKind: errors.KindNotFound, StatusCode: 404})
	}

	e := c.GetMetrics().Errors
	assert.Equal(t, 11, e.Total)
	assert.Equal(t, 4, e.ByKind[string(errors.KindRateLimit)])
	assert.Equal(t, 2, e.ByStatusCode["none"])
	assert.Equal(t, 4, e.ByStatusCode["429"])
	require.Len(t, e.MostCommon, 5)
	assert.Equal(t, ErrorFrequency{Kind: string(errors.KindRateLimit), Endpoint: "/search", StatusCode: 429, Count: 4}, e.MostCommon[0])
	assert.Equal(t, 2, e.MostCommon[1].Count)
}

func TestGetMetricsCache(t *testing.T) {
	c, _ := newTestCollector(t, Config{})
	c.RecordCacheOperation(CacheOperationRecord{Key: "k1", Endpoint: "/search", Result: CacheHit})
	c.RecordCacheOperation(CacheOperationRecord{Key: "k2", Endpoint: "/search", Result: CacheHit})
	c.RecordCacheOperation(CacheOperationRecord{Key: "k3", Endpoint: "/search", Result: CacheMiss})
	c.RecordCacheOperation(CacheOperationRecord{Key: "k4", Endpoint: "/v2/tags", Operation: CacheSet, Result: CacheSuccess})

	cs := c.GetMetrics().Cache
	assert.Equal(t, 4, cs.TotalOperations)
	assert.Equal(t, 66.67, cs.HitRate)
	assert.Equal(t, 33.33, cs.MissRate)
	assert.Equal(t, 3, cs.ByOperation["get"])
	assert.Equal(t, 1, cs.ByOperation["set"])
	assert.Equal(t, 2, cs.ByEndpoint["/search"].Hits)
}

func TestRecordDefaultsMalformedInput(t *testing.T) {
	c, clock := newTestCollector(t, Config{})
	params := map[string]any{"take": 5}
	c.RecordAPICall(CallRecord{ResponseTimeMs: -12, RetryAttempt: -1, Params: params})
	params["take"] = 99

	calls := c.calls.items()
	require.Len(t, calls, 1)
	got := calls[0]
	assert.NotEmpty(t, got.ID)
	assert.Equal(t, clock.Now(), got.Timestamp)
	assert.Equal(t, "unknown", got.Endpoint)
	assert.Equal(t, "GET", got.Method)
	assert.Zero(t, got.ResponseTimeMs)
	assert.Zero(t, got.RetryAttempt)
	assert.Equal(t, 5, got.Params["take"])
}

func TestBuffersBoundedByCapacityAndRetention(t *testing.T) {
	c, clock := newTestCollector(t, Config{MaxRecords: 5, RetentionPeriod: time.Minute})
	for i := 0; i < 8; i++ {
		record(c, "/search", true, 10)
	}
	assert.Equal(t, 5, c.GetMetrics().APICalls.Total)

	clock.Advance(2 * time.Minute)
	record(c, "/search", true, 10)
	assert.Equal(t, 1, c.GetMetrics().APICalls.Total)
}

func TestThroughputWindows(t *testing.T) {
	c, clock := newTestCollector(t, Config{})
	record(c, "/search", true, 1)
	clock.Advance(30 * time.Second)
	record(c, "/search", true, 1)
	clock.Advance(500 * time.Millisecond)
	record(c, "/search", true, 1)

	tp := c.GetMetrics().Throughput
	assert.Equal(t, 2, tp.LastSecond)
	assert.Equal(t, 3, tp.LastMinute)
	assert.Equal(t, 3, tp.LastHour)
	assert.Equal(t, 0.05, tp.PerSecondLastMinute)
}

func TestHealthThreeTicksThenRecovery(t *testing.T) {
	sink := telemetry.NewMemorySink(0)
	var mu sync.Mutex
	var events []core.Event
	emitter := core.EmitterFunc(func(_ context.Context, e core.Event) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	})
	c, clock := newTestCollector(t, Config{},
		WithLogger(telemetry.NewLogger("metrics", telemetry.WithSinks(sink))),
		WithEmitter(emitter),
	)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		record(c, "/search", i >= 5, 100)
	}

	for tick := 1; tick <= 2; tick++ {
		h := c.HealthTick(ctx)
		assert.False(t, h.Healthy, "error rate 50%% is above the healthy threshold")
		assert.Equal(t, tick, h.ConsecutiveFailures)
	}
	h := c.HealthTick(ctx)
	assert.False(t, h.Healthy)
	assert.Equal(t, MaxConsecutiveFailures, h.ConsecutiveFailures)
	assert.Equal(t, core.HealthUnhealthy, h.Status)

	clock.Advance(6 * time.Minute)
	for i := 0; i < 20; i++ {
		record(c, "/search", true, 100)
	}
	h = c.HealthTick(ctx)
	assert.True(t, h.Healthy)
	assert.Zero(t, h.ConsecutiveFailures)
	assert.Equal(t, core.HealthHealthy, h.Status)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 2)
	assert.Equal(t, core.EventHealthChanged, events[0].Type)
	assert.Equal(t, false, events[0].Payload["healthy"])
	assert.Equal(t, true, events[1].Payload["healthy"])

	var critical int
	for _, e := range sink.Entries() {
		if e.Level == telemetry.LevelCritical {
			critical++
		}
	}
	assert.Equal(t, 1, critical)
}

func TestHealthCounterNeedsFailingRate(t *testing.T) {
	c, _ := newTestCollector(t, Config{})
	// 15% errors: unhealthy by rate but not failing enough to count.
	for i := 0; i < 20; i++ {
		record(c, "/search", i >= 3, 100)
	}
	h := c.HealthTick(context.Background())
	assert.False(t, h.Healthy)
	assert.Zero(t, h.ConsecutiveFailures)
}

func TestEndpointHealthStatuses(t *testing.T) {
	c, _ := newTestCollector(t, Config{TrackedEndpoints: []string{"/v2/audiences"}})
	for i := 0; i < 10; i++ {
		for j := 0; j < 4; j++ {
			record(c, "/search", true, 100)
		}
		record(c, "/v2/tags", true, 6000)
		record(c, "/entities", i >= 3, 100)
	}

	h := c.Health()
	assert.Equal(t, core.HealthHealthy, h.Endpoints["/search"].Status)
	assert.Equal(t, core.HealthDegraded, h.Endpoints["/v2/tags"].Status)
	assert.Equal(t, core.HealthUnhealthy, h.Endpoints["/entities"].Status)

	never := h.Endpoints["/v2/audiences"]
	assert.Equal(t, core.HealthUnhealthy, never.Status)
	assert.Equal(t, "never", never.LastCheck)
	assert.Zero(t, never.Requests)
	assert.Equal(t, core.HealthDegraded, h.Status)
}

func TestEndpointOutsideWindowIsNever(t *testing.T) {
	c, clock := newTestCollector(t, Config{})
	record(c, "/search", true, 100)
	clock.Advance(10 * time.Minute)

	eh := c.Health().Endpoints["/search"]
	assert.Equal(t, core.HealthUnhealthy, eh.Status)
	assert.Equal(t, "never", eh.LastCheck)
}

func TestGetMetricsForPeriodDoesNotMutate(t *testing.T) {
	c, clock := newTestCollector(t, Config{})
	start := clock.Now()
	record(c, "/search", true, 10)
	clock.Advance(time.Minute)
	mid := clock.Now()
	record(c, "/search", false, 20)
	clock.Advance(time.Minute)
	record(c, "/search", true, 30)

	s, err := c.GetMetricsForPeriod(start, mid)
	require.NoError(t, err)
	require.NotNil(t, s.Period)
	assert.Equal(t, 2, s.APICalls.Total)
	assert.Equal(t, mid, s.Timestamp)
	assert.Equal(t, 3, c.GetMetrics().APICalls.Total)

	_, err = c.GetMetricsForPeriod(mid, start)
	assert.Error(t, err)
}

func TestConcurrencyTracking(t *testing.T) {
	c, clock := newTestCollector(t, Config{})
	t1 := c.RecordAPICallStart()
	t2 := c.RecordAPICallStart()
	clock.Advance(time.Second)
	t3 := c.RecordAPICallStart()

	conc := c.GetMetrics().Concurrency
	assert.Equal(t, 3, conc.Active)
	assert.Equal(t, 3, conc.Peak)
	assert.InDelta(t, 2.0, conc.Average, 0.01)

	clock.Advance(250 * time.Millisecond)
	c.RecordAPICallEnd(t1, CallRecord{Endpoint: "/search", Success: true})
	c.RecordAPICallEnd(t1, CallRecord{Endpoint: "/search", Success: true})
	c.RecordAPICallEnd(t2, CallRecord{Endpoint: "/search", Success: true, ResponseTimeMs: 7})
	c.RecordAPICallEnd(t3, CallRecord{Endpoint: "/search", Success: true})
	c.RecordAPICallEnd(CallToken{}, CallRecord{Endpoint: "/search", Success: true})

	s := c.GetMetrics()
	assert.Equal(t, 0, s.Concurrency.Active)
	assert.Equal(t, 3, s.Concurrency.Peak)
	assert.Equal(t, 4, s.APICalls.Total, "duplicate end is ignored")

	times := make([]float64, 0, 4)
	for _, r := range c.calls.items() {
		times = append(times, r.ResponseTimeMs)
	}
	sort.Float64s(times)
	assert.Equal(t, []float64{0, 7, 250, 1250}, times)
}

func TestConcurrencyRace(t *testing.T) {
	c := NewCollector(Config{})
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tok := c.RecordAPICallStart()
			c.RecordAPICallEnd(tok, CallRecord{Endpoint: "/search", Success: true})
			_ = c.GetMetrics()
		}()
	}
	wg.Wait()
	s := c.GetMetrics()
	assert.Zero(t, s.Concurrency.Active)
	assert.Equal(t, 50, s.APICalls.Total)
	assert.GreaterOrEqual(t, s.Concurrency.Peak, 1)
}

func TestResetMetrics(t *testing.T) {
	c, _ := newTestCollector(t, Config{})
	c.RecordAPICallStart()
	record(c, "/search", false, 10)
	c.HealthTick(context.Background())

	c.ResetMetrics()
	s := c.GetMetrics()
	assert.Zero(t, s.APICalls.Total)
	assert.Zero(t, s.Concurrency.Peak)
	assert.Zero(t, s.Health.ConsecutiveFailures)
}

func TestCheckReportsStatus(t *testing.T) {
	c, _ := newTestCollector(t, Config{})
	record(c, "/search", true, 10)
	res := c.Check(context.Background())
	assert.Equal(t, "metrics", res.Component)
	assert.Equal(t, core.HealthHealthy, res.Status)
	assert.Equal(t, 1, res.Details["windowRequests"])
}

func TestStartStopsOnCancel(t *testing.T) {
	c := NewCollector(Config{HealthCheckInterval: time.Millisecond, CollectionInterval: time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Start(ctx) }()
	time.Sleep(10 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("collector did not stop")
	}
}

func TestPrometheusCollector(t *testing.T) {
	c, _ := newTestCollector(t, Config{})
	record(c, "/search", true, 10)
	record(c, "/search", false, 20)

	reg := prometheus.NewRegistry()
	require.NoError(t, reg.Register(NewPrometheusCollector(c)))

	expected := `
# HELP personaguard_api_calls Calls held in the retention window by endpoint and outcome
# TYPE personaguard_api_calls gauge
personaguard_api_calls{endpoint="/search",outcome="failure"} 1
personaguard_api_calls{endpoint="/search",outcome="success"} 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "personaguard_api_calls"))

	n, err := testutil.GatherAndCount(reg, "personaguard_health_status")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRecordToleratesNonFiniteResponseTimes(t *testing.T) {
	c, _ := newTestCollector(t, Config{})
	record(c, "/search", true, 120)
	record(c, "/search", true, math.NaN())
	record(c, "/search", false, math.Inf(1))
	record(c, "/search", true, math.Inf(-1))

	s := c.GetMetrics()
	assert.False(t, math.IsNaN(s.ResponseTimes.Avg))
	assert.LessOrEqual(t, s.ResponseTimes.P50, s.ResponseTimes.P95)
	assert.LessOrEqual(t, s.ResponseTimes.P95, s.ResponseTimes.P99)
	assert.Equal(t, 120.0, s.ResponseTimes.P99)
	assert.Equal(t, 30.0, s.APICalls.ByEndpoint["/search"].AvgResponseTimeMs)

	_, err := json.Marshal(s)
	require.NoError(t, err, "snapshot must stay serializable")
}

func TestInvalidUTF8EndpointIsScrapeable(t *testing.T) {
	c, _ := newTestCollector(t, Config{TrackedEndpoints: []string{"/tags\xfe"}})
	record(c, "/search\xff", true, 10)
	c.RecordCacheOperation(CacheOperationRecord{Endpoint: "/cache\xff", Result: CacheHit})

	calls := c.calls.items()
	require.Len(t, calls, 1)
	assert.Equal(t, "/search\uFFFD", calls[0].Endpoint)
	assert.Equal(t, "/cache\uFFFD", c.cacheOps.items()[0].Endpoint)

	reg := prometheus.NewRegistry()
	require.NoError(t, reg.Register(NewPrometheusCollector(c)))
	n, err := testutil.GatherAndCount(reg, "personaguard_api_calls")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

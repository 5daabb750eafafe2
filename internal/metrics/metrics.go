// Package metrics collects process-wide counters and exports them in
// Prometheus text format, adapted from the teacher's Collector with the
// gateway's per-profile dimension replaced by per-tool and per-dependency
// dimensions relevant to this server (spec §4.10's /mcp/cache-stats and
// the admin surface's general observability needs).
package metrics

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Collector collects metrics for Prometheus export.
type Collector struct {
	totalRequests     atomic.Int64
	successRequests   atomic.Int64
	failedRequests    atomic.Int64
	totalConnections  atomic.Int64
	activeConnections atomic.Int64

	toolRequests map[string]*atomic.Int64
	toolMu       sync.RWMutex

	dependencyState map[string]*atomic.Int64 // 0=closed, 1=half-open, 2=open
	dependencyMu    sync.RWMutex

	durationBuckets map[float64]*atomic.Int64 // milliseconds
	durationSum     atomic.Int64
	durationCount   atomic.Int64
	durationMu      sync.RWMutex

	cacheHits   atomic.Int64
	cacheMisses atomic.Int64

	startTime time.Time
}

// NewCollector creates a new metrics collector.
func NewCollector() *Collector {
	return &Collector{
		toolRequests:    make(map[string]*atomic.Int64),
		dependencyState: make(map[string]*atomic.Int64),
		durationBuckets: initDurationBuckets(),
		startTime:       time.Now(),
	}
}

func initDurationBuckets() map[float64]*atomic.Int64 {
	buckets := []float64{10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000}
	m := make(map[float64]*atomic.Int64)
	for _, b := range buckets {
		m[b] = &atomic.Int64{}
	}
	return m
}

// RecordRequest records one tool-call outcome.
func (c *Collector) RecordRequest(tool string, duration time.Duration, success bool) {
	c.totalRequests.Add(1)
	if success {
		c.successRequests.Add(1)
	} else {
		c.failedRequests.Add(1)
	}

	c.toolMu.Lock()
	if _, ok := c.toolRequests[tool]; !ok {
		c.toolRequests[tool] = &atomic.Int64{}
	}
	c.toolRequests[tool].Add(1)
	c.toolMu.Unlock()

	durationMs := float64(duration.Milliseconds())
	c.durationSum.Add(duration.Milliseconds())
	c.durationCount.Add(1)

	c.durationMu.RLock()
	for bucket, counter := range c.durationBuckets {
		if durationMs <= bucket {
			counter.Add(1)
		}
	}
	c.durationMu.RUnlock()
}

// RecordConnection records an SSE stream connection event.
func (c *Collector) RecordConnection(connected bool) {
	c.totalConnections.Add(1)
	if connected {
		c.activeConnections.Add(1)
	} else {
		c.activeConnections.Add(-1)
	}
}

// RecordCacheOutcome records a cache hit or miss (spec §4.1).
func (c *Collector) RecordCacheOutcome(hit bool) {
	if hit {
		c.cacheHits.Add(1)
	} else {
		c.cacheMisses.Add(1)
	}
}

// RecordCircuitState records the current state (0=closed, 1=half-open,
// 2=open) of a named dependency's breaker.
func (c *Collector) RecordCircuitState(dependency string, state int) {
	c.dependencyMu.Lock()
	if _, ok := c.dependencyState[dependency]; !ok {
		c.dependencyState[dependency] = &atomic.Int64{}
	}
	c.dependencyState[dependency].Store(int64(state))
	c.dependencyMu.Unlock()
}

// PrometheusFormat exports metrics in Prometheus text format.
func (c *Collector) PrometheusFormat() string {
	var b strings.Builder

	writeCounter := func(name, help string, value int64) {
		fmt.Fprintf(&b, "# HELP %s %s\n# TYPE %s counter\n%s %d\n\n", name, help, name, name, value)
	}
	writeGauge := func(name, help string, value int64) {
		fmt.Fprintf(&b, "# HELP %s %s\n# TYPE %s gauge\n%s %d\n\n", name, help, name, name, value)
	}

	writeCounter("research_mcp_requests_total", "Total number of tool calls", c.totalRequests.Load())
	writeCounter("research_mcp_requests_success_total", "Total number of successful tool calls", c.successRequests.Load())
	writeCounter("research_mcp_requests_failed_total", "Total number of failed tool calls", c.failedRequests.Load())

	fmt.Fprintf(&b, "# HELP research_mcp_requests_by_tool_total Total number of calls per tool\n# TYPE research_mcp_requests_by_tool_total counter\n")
	c.toolMu.RLock()
	for tool, counter := range c.toolRequests {
		fmt.Fprintf(&b, "research_mcp_requests_by_tool_total{tool=%q} %d\n", tool, counter.Load())
	}
	c.toolMu.RUnlock()
	b.WriteString("\n")

	fmt.Fprintf(&b, "# HELP research_mcp_circuit_breaker_state Circuit breaker state per dependency (0=closed,1=half-open,2=open)\n# TYPE research_mcp_circuit_breaker_state gauge\n")
	c.dependencyMu.RLock()
	for dep, state := range c.dependencyState {
		fmt.Fprintf(&b, "research_mcp_circuit_breaker_state{dependency=%q} %d\n", dep, state.Load())
	}
	c.dependencyMu.RUnlock()
	b.WriteString("\n")

	writeCounter("research_mcp_cache_hits_total", "Total cache hits", c.cacheHits.Load())
	writeCounter("research_mcp_cache_misses_total", "Total cache misses", c.cacheMisses.Load())

	writeGauge("research_mcp_sse_connections_active", "Number of active SSE streams", c.activeConnections.Load())
	writeCounter("research_mcp_sse_connections_total", "Total number of SSE stream connections", c.totalConnections.Load())

	fmt.Fprintf(&b, "# HELP research_mcp_request_duration_milliseconds Tool call duration in milliseconds\n# TYPE research_mcp_request_duration_milliseconds histogram\n")
	c.durationMu.RLock()
	cumulative := int64(0)
	for _, bucket := range []float64{10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000} {
		if counter, ok := c.durationBuckets[bucket]; ok {
			cumulative += counter.Load()
			fmt.Fprintf(&b, "research_mcp_request_duration_milliseconds_bucket{le=%q} %d\n", fmt.Sprintf("%.0f", bucket), cumulative)
		}
	}
	c.durationMu.RUnlock()
	fmt.Fprintf(&b, "research_mcp_request_duration_milliseconds_bucket{le=\"+Inf\"} %d\n", c.durationCount.Load())
	fmt.Fprintf(&b, "research_mcp_request_duration_milliseconds_sum %d\n", c.durationSum.Load())
	fmt.Fprintf(&b, "research_mcp_request_duration_milliseconds_count %d\n\n", c.durationCount.Load())

	writeCounter("research_mcp_uptime_seconds", "Process uptime in seconds", int64(time.Since(c.startTime).Seconds()))

	return b.String()
}

// Snapshot is a JSON-serialisable point-in-time view of the collector. No
// HTTP handler returns it; GET /mcp/metrics serves PrometheusFormat.
type Snapshot struct {
	TotalRequests     int64            `json:"totalRequests"`
	SuccessRequests   int64            `json:"successRequests"`
	FailedRequests    int64            `json:"failedRequests"`
	ActiveConnections int64            `json:"activeConnections"`
	TotalConnections  int64            `json:"totalConnections"`
	AvgDurationMs     float64          `json:"avgDurationMs"`
	ToolRequests      map[string]int64 `json:"toolRequests"`
	CacheHits         int64            `json:"cacheHits"`
	CacheMisses       int64            `json:"cacheMisses"`
	UptimeSeconds     float64          `json:"uptimeSeconds"`
}

// Snapshot returns a point-in-time snapshot of current metrics.
func (c *Collector) Snapshot() *Snapshot {
	snap := &Snapshot{
		TotalRequests:     c.totalRequests.Load(),
		SuccessRequests:   c.successRequests.Load(),
		FailedRequests:    c.failedRequests.Load(),
		ActiveConnections: c.activeConnections.Load(),
		TotalConnections:  c.totalConnections.Load(),
		ToolRequests:      make(map[string]int64),
		CacheHits:         c.cacheHits.Load(),
		CacheMisses:       c.cacheMisses.Load(),
		UptimeSeconds:     time.Since(c.startTime).Seconds(),
	}

	if c.durationCount.Load() > 0 {
		snap.AvgDurationMs = float64(c.durationSum.Load()) / float64(c.durationCount.Load())
	}

	c.toolMu.RLock()
	for tool, counter := range c.toolRequests {
		snap.ToolRequests[tool] = counter.Load()
	}
	c.toolMu.RUnlock()

	return snap
}

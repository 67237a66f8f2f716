package metrics

import (
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
)

// Metrics tracks counters surfaced by spec.md §7 ("Observability") across
// every configured peer, plus the diagnostics API's own request counts.
type Metrics struct {
	// Transaction metrics (aggregated across all peers; per-peer detail
	// comes from modbus.Counters via the peers endpoint)
	TotalRequests    int64
	TotalResponses   int64
	TotalExceptions  int64
	TotalTimeouts    int64
	TotalFrameErrors int64

	// System metrics
	Uptime         int64
	MemoryUsed     uint64
	MemoryTotal    uint64
	GoroutineCount int

	// Diagnostics API metrics
	APIRequests    int64
	APIErrors      int64
	AvgResponseMS  float64

	mu        sync.RWMutex
	startTime time.Time
}

// NewMetrics creates a Metrics tracker.
func NewMetrics() *Metrics {
	return &Metrics{startTime: time.Now()}
}

// RecordPeerCounters folds one peer's modbus.Counters snapshot into the
// aggregate totals. Called by api.Service.RefreshMetrics, not by the core
// itself.
func (m *Metrics) RecordPeerCounters(requests, responses, exceptions, timeouts, frameErrors int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.TotalRequests += requests
	m.TotalResponses += responses
	m.TotalExceptions += exceptions
	m.TotalTimeouts += timeouts
	m.TotalFrameErrors += frameErrors
}

// IncrementAPIRequests increments the diagnostics API request counter.
func (m *Metrics) IncrementAPIRequests() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.APIRequests++
}

// IncrementAPIErrors increments the diagnostics API error counter.
func (m *Metrics) IncrementAPIErrors() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.APIErrors++
}

// RecordResponseTime folds one request's latency into a moving average.
func (m *Metrics) RecordResponseTime(duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ms := float64(duration.Milliseconds())
	if m.AvgResponseMS == 0 {
		m.AvgResponseMS = ms
	} else {
		m.AvgResponseMS = (m.AvgResponseMS * 0.9) + (ms * 0.1)
	}
}

// UpdateSystemMetrics refreshes the process-level gauges.
func (m *Metrics) UpdateSystemMetrics() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Uptime = int64(time.Since(m.startTime).Seconds())

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)
	m.MemoryUsed = memStats.Alloc
	m.MemoryTotal = memStats.Sys

	m.GoroutineCount = runtime.NumGoroutine()
}

// GetMetrics returns a JSON-friendly snapshot.
func (m *Metrics) GetMetrics() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return map[string]interface{}{
		"transactions": map[string]interface{}{
			"requests":     m.TotalRequests,
			"responses":    m.TotalResponses,
			"exceptions":   m.TotalExceptions,
			"timeouts":     m.TotalTimeouts,
			"frame_errors": m.TotalFrameErrors,
		},
		"system": map[string]interface{}{
			"uptime_seconds":     m.Uptime,
			"memory_used_bytes":  m.MemoryUsed,
			"memory_total_bytes": m.MemoryTotal,
			"goroutines":         m.GoroutineCount,
		},
		"api": map[string]interface{}{
			"total_requests":       m.APIRequests,
			"total_errors":         m.APIErrors,
			"avg_response_time_ms": m.AvgResponseMS,
		},
	}
}

// PrometheusFormat renders the counters in plain Prometheus text exposition
// format.
func (m *Metrics) PrometheusFormat() string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return `# HELP rvpf_modbus_requests_total Total Modbus requests submitted
# TYPE rvpf_modbus_requests_total counter
rvpf_modbus_requests_total ` + formatInt64(m.TotalRequests) + `

# HELP rvpf_modbus_responses_total Total Modbus responses received
# TYPE rvpf_modbus_responses_total counter
rvpf_modbus_responses_total ` + formatInt64(m.TotalResponses) + `

# HELP rvpf_modbus_exceptions_total Total exception responses received
# TYPE rvpf_modbus_exceptions_total counter
rvpf_modbus_exceptions_total ` + formatInt64(m.TotalExceptions) + `

# HELP rvpf_modbus_timeouts_total Total request timeouts
# TYPE rvpf_modbus_timeouts_total counter
rvpf_modbus_timeouts_total ` + formatInt64(m.TotalTimeouts) + `

# HELP rvpf_modbus_frame_errors_total Total frame decode errors
# TYPE rvpf_modbus_frame_errors_total counter
rvpf_modbus_frame_errors_total ` + formatInt64(m.TotalFrameErrors) + `

# HELP rvpf_modbus_uptime_seconds Uptime in seconds
# TYPE rvpf_modbus_uptime_seconds gauge
rvpf_modbus_uptime_seconds ` + formatInt64(m.Uptime) + `

# HELP rvpf_modbus_memory_used_bytes Memory used in bytes
# TYPE rvpf_modbus_memory_used_bytes gauge
rvpf_modbus_memory_used_bytes ` + formatUint64(m.MemoryUsed) + `

# HELP rvpf_modbus_goroutines Number of goroutines
# TYPE rvpf_modbus_goroutines gauge
rvpf_modbus_goroutines ` + formatInt(m.GoroutineCount) + `

# HELP rvpf_modbus_api_requests_total Total diagnostics API requests
# TYPE rvpf_modbus_api_requests_total counter
rvpf_modbus_api_requests_total ` + formatInt64(m.APIRequests) + `

# HELP rvpf_modbus_api_errors_total Total diagnostics API errors
# TYPE rvpf_modbus_api_errors_total counter
rvpf_modbus_api_errors_total ` + formatInt64(m.APIErrors) + `

# HELP rvpf_modbus_api_response_time_ms Average diagnostics API response time in milliseconds
# TYPE rvpf_modbus_api_response_time_ms gauge
rvpf_modbus_api_response_time_ms ` + formatFloat64(m.AvgResponseMS) + `
`
}

// Middleware records request counts, error counts and latency for every
// diagnostics API call.
func Middleware(m *Metrics) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		m.IncrementAPIRequests()

		err := c.Next()

		m.RecordResponseTime(time.Since(start))
		if c.Response().StatusCode() >= 400 {
			m.IncrementAPIErrors()
		}
		return err
	}
}

func formatInt64(n int64) string   { return fmt.Sprintf("%d", n) }
func formatUint64(n uint64) string { return fmt.Sprintf("%d", n) }
func formatInt(n int) string       { return fmt.Sprintf("%d", n) }
func formatFloat64(n float64) string {
	return fmt.Sprintf("%.2f", n)
}

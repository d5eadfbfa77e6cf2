package monitoring

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

const maxResponseSamples = 1000

// Metrics holds application and engine counters
type Metrics struct {
	RequestCount        int64
	ErrorCount          int64
	AverageResponseTime int64 // in nanoseconds
	StartTime           time.Time

	FramesAccepted      int64
	FramesRejected      int64
	FramesLowConfidence int64
	BlinksDetected      int64
	WindowsScored       int64
	WindowsInsufficient int64
	WindowsNoBaseline   int64
	ActiveSessions      int64
	StorageFailures     int64
	StreamClients       int64
	FramesPurged        int64
	CacheHits           int64
	CacheMisses         int64

	ResponseTimes      []time.Duration
	ResponseTimesMutex sync.RWMutex

	RequestCountByStatus map[int]int64
	StatusMutex          sync.RWMutex

	GCCount        int64
	GCPauseTotalNs int64
	HeapAlloc      int64
	HeapSys        int64

	RateLimitIPBlocks int64
}

// NewMetrics creates a new metrics instance
func NewMetrics() *Metrics {
	return &Metrics{
		StartTime:            time.Now(),
		ResponseTimes:        make([]time.Duration, 0, maxResponseSamples),
		RequestCountByStatus: make(map[int]int64),
	}
}

// IncrementRequest increments the request count
func (m *Metrics) IncrementRequest() {
	atomic.AddInt64(&m.RequestCount, 1)
}

// IncrementError increments the error count
func (m *Metrics) IncrementError() {
	atomic.AddInt64(&m.ErrorCount, 1)
}

// RecordFrames counts the outcome of one frame batch.
func (m *Metrics) RecordFrames(accepted, rejected, lowConfidence int) {
	atomic.AddInt64(&m.FramesAccepted, int64(accepted))
	atomic.AddInt64(&m.FramesRejected, int64(rejected))
	atomic.AddInt64(&m.FramesLowConfidence, int64(lowConfidence))
}

// RecordBlinks counts detected blink events.
func (m *Metrics) RecordBlinks(n int) {
	atomic.AddInt64(&m.BlinksDetected, int64(n))
}

// RecordWindow counts a closed window by outcome.
func (m *Metrics) RecordWindow(outcome string) {
	switch outcome {
	case "scored":
		atomic.AddInt64(&m.WindowsScored, 1)
	case "missing_baseline":
		atomic.AddInt64(&m.WindowsNoBaseline, 1)
	default:
		atomic.AddInt64(&m.WindowsInsufficient, 1)
	}
}

// SessionStarted and SessionEnded track live sessions.
func (m *Metrics) SessionStarted() { atomic.AddInt64(&m.ActiveSessions, 1) }

func (m *Metrics) SessionEnded() { atomic.AddInt64(&m.ActiveSessions, -1) }

// IncrementStorageFailure counts a write the engine gave up on.
func (m *Metrics) IncrementStorageFailure() {
	atomic.AddInt64(&m.StorageFailures, 1)
}

// StreamClientConnected and StreamClientDisconnected track WebSocket observers.
func (m *Metrics) StreamClientConnected() { atomic.AddInt64(&m.StreamClients, 1) }

func (m *Metrics) StreamClientDisconnected() { atomic.AddInt64(&m.StreamClients, -1) }

// RecordPurge counts frame samples removed by retention.
func (m *Metrics) RecordPurge(n int64) {
	atomic.AddInt64(&m.FramesPurged, n)
}

// IncrementCacheHit counts baseline model cache hits.
func (m *Metrics) IncrementCacheHit() { atomic.AddInt64(&m.CacheHits, 1) }

// IncrementCacheMiss counts baseline model cache misses.
func (m *Metrics) IncrementCacheMiss() { atomic.AddInt64(&m.CacheMisses, 1) }

// IncrementRateLimitIPBlock increments IP-based rate limit blocks
func (m *Metrics) IncrementRateLimitIPBlock() {
	atomic.AddInt64(&m.RateLimitIPBlocks, 1)
}

// RecordResponseTime records response time for averaging and percentiles
func (m *Metrics) RecordResponseTime(duration time.Duration) {
	current := atomic.LoadInt64(&m.AverageResponseTime)
	newAverage := (current + duration.Nanoseconds()) / 2
	atomic.StoreInt64(&m.AverageResponseTime, newAverage)

	m.ResponseTimesMutex.Lock()
	m.ResponseTimes = append(m.ResponseTimes, duration)
	if len(m.ResponseTimes) > maxResponseSamples {
		m.ResponseTimes = m.ResponseTimes[1:]
	}
	m.ResponseTimesMutex.Unlock()
}

// RecordRequestByStatus records request count by HTTP status code
func (m *Metrics) RecordRequestByStatus(statusCode int) {
	m.StatusMutex.Lock()
	defer m.StatusMutex.Unlock()
	m.RequestCountByStatus[statusCode]++
}

// RecordGCMetrics records Go garbage collector metrics
func (m *Metrics) RecordGCMetrics(gcCount int64, gcPauseTotalNs int64, heapAlloc, heapSys int64) {
	atomic.StoreInt64(&m.GCCount, gcCount)
	atomic.StoreInt64(&m.GCPauseTotalNs, gcPauseTotalNs)
	atomic.StoreInt64(&m.HeapAlloc, heapAlloc)
	atomic.StoreInt64(&m.HeapSys, heapSys)
}

// GetPercentileResponseTime calculates percentile response time
func (m *Metrics) GetPercentileResponseTime(percentile float64) time.Duration {
	m.ResponseTimesMutex.RLock()
	times := make([]time.Duration, len(m.ResponseTimes))
	copy(times, m.ResponseTimes)
	m.ResponseTimesMutex.RUnlock()

	if len(times) == 0 {
		return 0
	}
	sort.Slice(times, func(i, j int) bool {
		return times[i] < times[j]
	})

	index := int(float64(len(times)-1) * percentile / 100.0)
	if index >= len(times) {
		index = len(times) - 1
	}
	return times[index]
}

// GetStatusCodeDistribution returns request count by status code
func (m *Metrics) GetStatusCodeDistribution() map[int]int64 {
	m.StatusMutex.RLock()
	defer m.StatusMutex.RUnlock()

	distribution := make(map[int]int64, len(m.RequestCountByStatus))
	for code, count := range m.RequestCountByStatus {
		distribution[code] = count
	}
	return distribution
}

// GetEngineStats returns the frame, blink and window counters.
func (m *Metrics) GetEngineStats() map[string]interface{} {
	return map[string]interface{}{
		"frames_accepted":       atomic.LoadInt64(&m.FramesAccepted),
		"frames_rejected":       atomic.LoadInt64(&m.FramesRejected),
		"frames_low_confidence": atomic.LoadInt64(&m.FramesLowConfidence),
		"blinks_detected":       atomic.LoadInt64(&m.BlinksDetected),
		"windows_scored":        atomic.LoadInt64(&m.WindowsScored),
		"windows_insufficient":  atomic.LoadInt64(&m.WindowsInsufficient),
		"windows_no_baseline":   atomic.LoadInt64(&m.WindowsNoBaseline),
		"active_sessions":       atomic.LoadInt64(&m.ActiveSessions),
		"storage_failures":      atomic.LoadInt64(&m.StorageFailures),
		"stream_clients":        atomic.LoadInt64(&m.StreamClients),
		"frames_purged":         atomic.LoadInt64(&m.FramesPurged),
		"cache_hits":            atomic.LoadInt64(&m.CacheHits),
		"cache_misses":          atomic.LoadInt64(&m.CacheMisses),
	}
}

// GetStats returns current metrics statistics
func (m *Metrics) GetStats() map[string]interface{} {
	requests := atomic.LoadInt64(&m.RequestCount)
	errors := atomic.LoadInt64(&m.ErrorCount)
	avgResponseTime := atomic.LoadInt64(&m.AverageResponseTime)

	errorRate := float64(0)
	if requests > 0 {
		errorRate = float64(errors) / float64(requests) * 100
	}

	heapAlloc := atomic.LoadInt64(&m.HeapAlloc)
	heapSys := atomic.LoadInt64(&m.HeapSys)
	heapUsage := float64(0)
	if heapSys > 0 {
		heapUsage = float64(heapAlloc) / float64(heapSys) * 100
	}

	return map[string]interface{}{
		"uptime_seconds":       time.Since(m.StartTime).Seconds(),
		"total_requests":       requests,
		"error_count":          errors,
		"error_rate_percent":   errorRate,
		"avg_response_time_ms": float64(avgResponseTime) / 1000000,
		"start_time":           m.StartTime.Format(time.RFC3339),

		"p50_response_time_ms":     float64(m.GetPercentileResponseTime(50)) / 1000000,
		"p95_response_time_ms":     float64(m.GetPercentileResponseTime(95)) / 1000000,
		"p99_response_time_ms":     float64(m.GetPercentileResponseTime(99)) / 1000000,
		"status_code_distribution": m.GetStatusCodeDistribution(),
		"rate_limit_ip_blocks":     atomic.LoadInt64(&m.RateLimitIPBlocks),

		"engine": m.GetEngineStats(),

		"go_gc_count":           atomic.LoadInt64(&m.GCCount),
		"go_gc_pause_total_ns":  atomic.LoadInt64(&m.GCPauseTotalNs),
		"go_heap_alloc_bytes":   heapAlloc,
		"go_heap_sys_bytes":     heapSys,
		"go_heap_usage_percent": heapUsage,
	}
}

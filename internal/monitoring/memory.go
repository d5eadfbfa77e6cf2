package monitoring

import (
	"context"
	"runtime"
	"time"
)

// RuntimeSampler periodically copies Go runtime memory statistics into Metrics
// so /health reports them without a stop-the-world read per request.
type RuntimeSampler struct {
	metrics  *Metrics
	interval time.Duration
}

// NewRuntimeSampler creates a sampler; interval <= 0 selects 30 s.
func NewRuntimeSampler(metrics *Metrics, interval time.Duration) *RuntimeSampler {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &RuntimeSampler{metrics: metrics, interval: interval}
}

// Run samples until ctx is cancelled.
func (s *RuntimeSampler) Run(ctx context.Context) {
	s.Sample()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.Sample()
		case <-ctx.Done():
			return
		}
	}
}

// Sample reads the runtime statistics once.
func (s *RuntimeSampler) Sample() {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	s.metrics.RecordGCMetrics(int64(mem.NumGC), int64(mem.PauseTotalNs), int64(mem.HeapAlloc), int64(mem.HeapSys))
}

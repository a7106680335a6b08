package monitor

import (
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// PipelineMetrics tracks per-stage throughput and latency.
type PipelineMetrics struct {
	// Latency histograms
	ParseLatency    *LatencyHistogram
	DispatchLatency *LatencyHistogram
	DBLatency       *LatencyHistogram
	APILatency      *LatencyHistogram

	// Stage counters
	received     uint64
	parsed       uint64
	rejected     uint64
	riskScaled   uint64
	riskRejected uint64
	dispatched   uint64
	filled       uint64
	retried      uint64
	deadLettered uint64
	cancelled    uint64
	errorsCount  uint64
	apiRequests  uint64
	apiErrors    uint64

	lastUpdate time.Time
}

// LatencyHistogram tracks latency samples with a sliding window and
// lazily recomputed stats.
type LatencyHistogram struct {
	mu          sync.Mutex
	samples     []float64
	maxSize     int
	dirty       bool
	cachedStats LatencyStats
}

// NewPipelineMetrics creates a new metrics instance.
func NewPipelineMetrics() *PipelineMetrics {
	return &PipelineMetrics{
		ParseLatency:    NewLatencyHistogram(1000),
		DispatchLatency: NewLatencyHistogram(1000),
		DBLatency:       NewLatencyHistogram(1000),
		APILatency:      NewLatencyHistogram(1000),
		lastUpdate:      time.Now(),
	}
}

// NewLatencyHistogram creates a sliding window histogram.
func NewLatencyHistogram(size int) *LatencyHistogram {
	if size <= 0 {
		size = 1000
	}
	return &LatencyHistogram{
		samples: make([]float64, 0, size),
		maxSize: size,
		dirty:   true,
	}
}

// Record adds a latency sample in milliseconds.
func (h *LatencyHistogram) Record(latencyMs float64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.samples) >= h.maxSize {
		h.samples = h.samples[1:]
	}
	h.samples = append(h.samples, latencyMs)
	h.dirty = true
}

// RecordDuration converts duration to ms and records.
func (h *LatencyHistogram) RecordDuration(d time.Duration) {
	h.Record(float64(d.Nanoseconds()) / 1e6)
}

// Stats returns min, max, avg, p50, p95, p99. Recomputes only when
// samples have changed since the last call.
func (h *LatencyHistogram) Stats() LatencyStats {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.dirty && h.cachedStats.Count > 0 {
		return h.cachedStats
	}

	n := len(h.samples)
	if n == 0 {
		return LatencyStats{}
	}

	sorted := make([]float64, n)
	copy(sorted, h.samples)
	sort.Float64s(sorted)

	var sum float64
	min, max := sorted[0], sorted[n-1]
	for _, v := range sorted {
		sum += v
	}

	h.cachedStats = LatencyStats{
		Min:   min,
		Max:   max,
		Avg:   sum / float64(n),
		P50:   sorted[n/2],
		P95:   sorted[int(float64(n)*0.95)],
		P99:   sorted[int(float64(n)*0.99)],
		Count: n,
	}
	h.dirty = false

	return h.cachedStats
}

// LatencyStats holds computed latency statistics.
type LatencyStats struct {
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
	Count int     `json:"count"`
}

func (m *PipelineMetrics) IncrementReceived()     { atomic.AddUint64(&m.received, 1) }
func (m *PipelineMetrics) IncrementParsed()       { atomic.AddUint64(&m.parsed, 1) }
func (m *PipelineMetrics) IncrementRejected()     { atomic.AddUint64(&m.rejected, 1) }
func (m *PipelineMetrics) IncrementRiskScaled()   { atomic.AddUint64(&m.riskScaled, 1) }
func (m *PipelineMetrics) IncrementRiskRejected() { atomic.AddUint64(&m.riskRejected, 1) }
func (m *PipelineMetrics) IncrementDispatched()   { atomic.AddUint64(&m.dispatched, 1) }
func (m *PipelineMetrics) IncrementFilled()       { atomic.AddUint64(&m.filled, 1) }
func (m *PipelineMetrics) IncrementRetried()      { atomic.AddUint64(&m.retried, 1) }
func (m *PipelineMetrics) IncrementDeadLettered() { atomic.AddUint64(&m.deadLettered, 1) }
func (m *PipelineMetrics) IncrementCancelled()    { atomic.AddUint64(&m.cancelled, 1) }
func (m *PipelineMetrics) IncrementErrors()       { atomic.AddUint64(&m.errorsCount, 1) }
func (m *PipelineMetrics) IncrementAPI()          { atomic.AddUint64(&m.apiRequests, 1) }
func (m *PipelineMetrics) IncrementAPIErrors()    { atomic.AddUint64(&m.apiErrors, 1) }

// DeadLettered returns the running dead-letter count.
func (m *PipelineMetrics) DeadLettered() uint64 {
	return atomic.LoadUint64(&m.deadLettered)
}

// MetricsSnapshot is a point-in-time view of the whole pipeline.
type MetricsSnapshot struct {
	ParseLatency    LatencyStats `json:"parse_latency"`
	DispatchLatency LatencyStats `json:"dispatch_latency"`
	DBLatency       LatencyStats `json:"db_latency"`
	Received        uint64       `json:"signals_received"`
	Parsed          uint64       `json:"signals_parsed"`
	Rejected        uint64       `json:"signals_rejected"`
	RiskScaled      uint64       `json:"risk_scaled"`
	RiskRejected    uint64       `json:"risk_rejected"`
	Dispatched      uint64       `json:"commands_dispatched"`
	Filled          uint64       `json:"commands_filled"`
	Retried         uint64       `json:"commands_retried"`
	DeadLettered    uint64       `json:"commands_dead_lettered"`
	Cancelled       uint64       `json:"commands_cancelled"`
	ErrorsCount     uint64       `json:"errors_count"`
	APIRequests     uint64       `json:"api_requests"`
	APIErrors       uint64       `json:"api_errors"`
	APILatency      LatencyStats `json:"api_latency"`
	GoroutineCount  int          `json:"goroutine_count"`
	HeapAlloc       uint64       `json:"heap_alloc_bytes"`
	HeapSys         uint64       `json:"heap_sys_bytes"`
	Timestamp       time.Time    `json:"timestamp"`
}

// GetSnapshot returns a point-in-time metrics snapshot.
func (m *PipelineMetrics) GetSnapshot() MetricsSnapshot {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	return MetricsSnapshot{
		ParseLatency:    m.ParseLatency.Stats(),
		DispatchLatency: m.DispatchLatency.Stats(),
		DBLatency:       m.DBLatency.Stats(),
		Received:        atomic.LoadUint64(&m.received),
		Parsed:          atomic.LoadUint64(&m.parsed),
		Rejected:        atomic.LoadUint64(&m.rejected),
		RiskScaled:      atomic.LoadUint64(&m.riskScaled),
		RiskRejected:    atomic.LoadUint64(&m.riskRejected),
		Dispatched:      atomic.LoadUint64(&m.dispatched),
		Filled:          atomic.LoadUint64(&m.filled),
		Retried:         atomic.LoadUint64(&m.retried),
		DeadLettered:    atomic.LoadUint64(&m.deadLettered),
		Cancelled:       atomic.LoadUint64(&m.cancelled),
		ErrorsCount:     atomic.LoadUint64(&m.errorsCount),
		APIRequests:     atomic.LoadUint64(&m.apiRequests),
		APIErrors:       atomic.LoadUint64(&m.apiErrors),
		APILatency:      m.APILatency.Stats(),
		GoroutineCount:  runtime.NumGoroutine(),
		HeapAlloc:       memStats.HeapAlloc,
		HeapSys:         memStats.HeapSys,
		Timestamp:       time.Now(),
	}
}

// Timer helps measure operation duration.
type Timer struct {
	start     time.Time
	histogram *LatencyHistogram
}

// NewTimer creates a timer that records to the given histogram.
func NewTimer(h *LatencyHistogram) *Timer {
	return &Timer{
		start:     time.Now(),
		histogram: h,
	}
}

// Stop records elapsed time to histogram.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	if t.histogram != nil {
		t.histogram.RecordDuration(elapsed)
	}
	return elapsed
}

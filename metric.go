package go_dispatch_lite

import (
	"log/slog"
	"sync"
	"time"
)

// Metrics are per-worker execution counters.
type Metrics struct {
	workerID int

	processed       int64
	skipped         int64
	released        int64
	failed          int64
	totalProcessing time.Duration
	startTime       time.Time
	mu              sync.Mutex
}

func NewMetrics(workerID int) *Metrics {
	return &Metrics{
		workerID:  workerID,
		startTime: time.Now(),
	}
}

func (m *Metrics) GetWorkerID() int {
	return m.workerID
}

func (m *Metrics) IncProcessed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.processed++
}

func (m *Metrics) IncSkipped() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.skipped++
}

func (m *Metrics) IncReleased() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.released++
}

func (m *Metrics) IncFailed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failed++
}

func (m *Metrics) RecordProcessingTime(duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.totalProcessing += duration
}

// GetProcessed counts successful executions, skipped ones included.
func (m *Metrics) GetProcessed() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.processed
}

func (m *Metrics) GetSkipped() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.skipped
}

func (m *Metrics) GetReleased() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.released
}

func (m *Metrics) GetFailed() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failed
}

func (m *Metrics) executions() int64 {
	return m.processed + m.released + m.failed
}

func (m *Metrics) GetAverageProcessingTime() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := m.executions()
	if n == 0 {
		return 0
	}
	return m.totalProcessing / time.Duration(n)
}

func (m *Metrics) GetJobsPerSecond() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	elapsed := time.Since(m.startTime).Seconds()
	if elapsed == 0 {
		return 0
	}
	return float64(m.processed) / elapsed
}

func (m *Metrics) GetJobsPerMinute() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	elapsed := time.Since(m.startTime).Minutes()
	if elapsed == 0 {
		return 0
	}
	return float64(m.processed) / elapsed
}

// LogValue lets a worker log its counters as one group.
func (m *Metrics) LogValue() slog.Value {
	avg := m.GetAverageProcessingTime()
	perSecond := m.GetJobsPerSecond()

	m.mu.Lock()
	defer m.mu.Unlock()

	return slog.GroupValue(
		slog.Int("worker_id", m.workerID),
		slog.Int64("processed", m.processed),
		slog.Int64("skipped", m.skipped),
		slog.Int64("released", m.released),
		slog.Int64("failed", m.failed),
		slog.Duration("total_processing", m.totalProcessing),
		slog.Duration("avg_processing", avg),
		slog.Duration("elapsed", time.Since(m.startTime)),
		slog.Float64("jobs_per_second", perSecond),
	)
}

package telemetry

import (
	"database/sql"
	"sync"
	"time"
)

// ConcurrencyProvider exposes the process registry counters.
type ConcurrencyProvider interface {
	Concurrency() int
	MaxConcurrency() int
}

// PoolStatsProvider exposes database pool statistics.
type PoolStatsProvider interface {
	Stats() sql.DBStats
}

// MetricsCollector periodically collects stats and updates telemetry gauges
type MetricsCollector struct {
	requests ConcurrencyProvider
	pool     PoolStatsProvider
	interval time.Duration
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector(requests ConcurrencyProvider, pool PoolStatsProvider, interval time.Duration) *MetricsCollector {
	return &MetricsCollector{
		requests: requests,
		pool:     pool,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the periodic collection
func (mc *MetricsCollector) Start() {
	mc.wg.Add(1)
	go mc.collectLoop()
}

// Stop stops the collector
func (mc *MetricsCollector) Stop() {
	close(mc.stopCh)
	mc.wg.Wait()
}

func (mc *MetricsCollector) collectLoop() {
	defer mc.wg.Done()

	ticker := time.NewTicker(mc.interval)
	defer ticker.Stop()

	mc.collect()

	for {
		select {
		case <-ticker.C:
			mc.collect()
		case <-mc.stopCh:
			return
		}
	}
}

func (mc *MetricsCollector) collect() {
	if mc.requests != nil {
		RequestConcurrency.Set(float64(mc.requests.Concurrency()))
		RequestMaxConcurrency.Set(float64(mc.requests.MaxConcurrency()))
	}

	if mc.pool != nil {
		stats := mc.pool.Stats()
		PoolInUse.Set(float64(stats.InUse))
		PoolWaitCount.Set(float64(stats.WaitCount))
	}
}

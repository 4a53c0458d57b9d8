// Package monitoring exports the memory subsystem's statistics as
// Prometheus metrics. The collector walks the allocator and coordinator
// stats snapshots at scrape time; nothing is sampled in the hot path.
package monitoring

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/mercuryhft/tradecore/internal/memory/sized"
	"github.com/mercuryhft/tradecore/internal/trading/coordinator"
)

// Collector implements prometheus.Collector over the trading core.
type Collector struct {
	logger *zap.Logger
	alloc  *sized.Allocator
	coord  *coordinator.Coordinator

	poolInUse      *prometheus.Desc
	poolTotal      *prometheus.Desc
	poolBytes      *prometheus.Desc
	trackedCurrent *prometheus.Desc
	trackedPeak    *prometheus.Desc
	trackedActive  *prometheus.Desc
	activeOrders   *prometheus.Desc
	pendingTx      *prometheus.Desc
	totalTrades    *prometheus.Desc
	memoryUsed     *prometheus.Desc
	avgLatency     *prometheus.Desc
	maxLatency     *prometheus.Desc
	healthy        *prometheus.Desc
}

// NewCollector builds the collector. Either source may be nil; the metrics
// drawn from a nil source are then not emitted.
func NewCollector(alloc *sized.Allocator, coord *coordinator.Coordinator, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Collector{
		logger: logger,
		alloc:  alloc,
		coord:  coord,
		poolInUse: prometheus.NewDesc("tradecore_pool_blocks_in_use",
			"Blocks in use per size class", []string{"block_size"}, nil),
		poolTotal: prometheus.NewDesc("tradecore_pool_blocks_total",
			"Total blocks per size class", []string{"block_size"}, nil),
		poolBytes: prometheus.NewDesc("tradecore_pool_bytes_used",
			"Bytes in use per size class", []string{"block_size"}, nil),
		trackedCurrent: prometheus.NewDesc("tradecore_tracked_bytes_current",
			"Currently tracked bytes in use", nil, nil),
		trackedPeak: prometheus.NewDesc("tradecore_tracked_bytes_peak",
			"Peak tracked bytes in use", nil, nil),
		trackedActive: prometheus.NewDesc("tradecore_tracked_allocations_active",
			"Active tracked allocations", nil, nil),
		activeOrders: prometheus.NewDesc("tradecore_active_orders",
			"Orders currently resting in the book", nil, nil),
		pendingTx: prometheus.NewDesc("tradecore_pending_transactions",
			"Transactions currently pending", nil, nil),
		totalTrades: prometheus.NewDesc("tradecore_trades_total",
			"Trades recorded since start", nil, nil),
		memoryUsed: prometheus.NewDesc("tradecore_memory_used_bytes",
			"Memory used across the three domain allocators", nil, nil),
		avgLatency: prometheus.NewDesc("tradecore_latency_avg_microseconds",
			"Running average operation latency", nil, nil),
		maxLatency: prometheus.NewDesc("tradecore_latency_max_microseconds",
			"Maximum observed operation latency", nil, nil),
		healthy: prometheus.NewDesc("tradecore_healthy",
			"1 when the coordinator is healthy", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.poolInUse
	ch <- c.poolTotal
	ch <- c.poolBytes
	ch <- c.trackedCurrent
	ch <- c.trackedPeak
	ch <- c.trackedActive
	ch <- c.activeOrders
	ch <- c.pendingTx
	ch <- c.totalTrades
	ch <- c.memoryUsed
	ch <- c.avgLatency
	ch <- c.maxLatency
	ch <- c.healthy
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.alloc != nil {
		for _, ps := range c.alloc.PoolStats() {
			label := strconv.Itoa(ps.BlockSize)
			ch <- prometheus.MustNewConstMetric(c.poolInUse, prometheus.GaugeValue, float64(ps.InUse), label)
			ch <- prometheus.MustNewConstMetric(c.poolTotal, prometheus.GaugeValue, float64(ps.Total), label)
			ch <- prometheus.MustNewConstMetric(c.poolBytes, prometheus.GaugeValue, float64(ps.BytesUsed), label)
		}
		ms := c.alloc.MemoryStats()
		ch <- prometheus.MustNewConstMetric(c.trackedCurrent, prometheus.GaugeValue, float64(ms.CurrentBytesInUse))
		ch <- prometheus.MustNewConstMetric(c.trackedPeak, prometheus.GaugeValue, float64(ms.PeakBytesInUse))
		ch <- prometheus.MustNewConstMetric(c.trackedActive, prometheus.GaugeValue, float64(ms.ActiveAllocations))
	}

	if c.coord != nil {
		stats := c.coord.Stats()
		ch <- prometheus.MustNewConstMetric(c.activeOrders, prometheus.GaugeValue, float64(stats.ActiveOrders))
		ch <- prometheus.MustNewConstMetric(c.pendingTx, prometheus.GaugeValue, float64(stats.PendingTransactions))
		ch <- prometheus.MustNewConstMetric(c.totalTrades, prometheus.CounterValue, float64(stats.TotalTrades))
		ch <- prometheus.MustNewConstMetric(c.memoryUsed, prometheus.GaugeValue, float64(stats.MemoryUsed))
		ch <- prometheus.MustNewConstMetric(c.avgLatency, prometheus.GaugeValue, stats.AvgLatency)
		ch <- prometheus.MustNewConstMetric(c.maxLatency, prometheus.GaugeValue, stats.MaxLatency)
		healthy := 0.0
		if c.coord.IsHealthy() {
			healthy = 1.0
		}
		ch <- prometheus.MustNewConstMetric(c.healthy, prometheus.GaugeValue, healthy)
	}
}

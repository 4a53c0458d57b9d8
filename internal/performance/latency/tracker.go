// Package latency provides high-precision latency tracking for the trading
// core's hot paths.
package latency

import (
	"time"

	"github.com/rcrowley/go-metrics"
	"go.uber.org/zap"
)

// Critical latency thresholds in nanoseconds.
const (
	OrderLatencyThresholdNs      = 500000 // 500μs
	MarketDataLatencyThresholdNs = 100000 // 100μs
)

// Snapshot summarizes one histogram.
type Snapshot struct {
	Min  int64
	Max  int64
	Mean int64
	P95  int64
	P99  int64
}

// Tracker records order and market data processing latencies in
// exponential-decay histograms and warns when a sample crosses its
// critical threshold.
type Tracker struct {
	orderLatencies      metrics.Histogram
	marketDataLatencies metrics.Histogram
	logger              *zap.Logger
}

// NewTracker creates a new latency tracker.
func NewTracker(logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		orderLatencies:      metrics.NewHistogram(metrics.NewExpDecaySample(1028, 0.015)),
		marketDataLatencies: metrics.NewHistogram(metrics.NewExpDecaySample(1028, 0.015)),
		logger:              logger,
	}
}

// TrackOrderProcessing records the processing time of an order.
func (t *Tracker) TrackOrderProcessing(orderID string, start time.Time) {
	latencyNs := time.Since(start).Nanoseconds()
	t.orderLatencies.Update(latencyNs)

	if latencyNs > OrderLatencyThresholdNs {
		t.logger.Warn("Order processing exceeded critical latency threshold",
			zap.String("order_id", orderID),
			zap.Int64("latency_ns", latencyNs),
			zap.Int64("threshold_ns", OrderLatencyThresholdNs))
	}
}

// TrackMarketDataProcessing records the processing time of a market data
// update.
func (t *Tracker) TrackMarketDataProcessing(symbol string, start time.Time) {
	latencyNs := time.Since(start).Nanoseconds()
	t.marketDataLatencies.Update(latencyNs)

	if latencyNs > MarketDataLatencyThresholdNs {
		t.logger.Warn("Market data processing exceeded critical latency threshold",
			zap.String("symbol", symbol),
			zap.Int64("latency_ns", latencyNs),
			zap.Int64("threshold_ns", MarketDataLatencyThresholdNs))
	}
}

// OrderStats returns latency statistics for order processing.
func (t *Tracker) OrderStats() Snapshot {
	return snapshotOf(t.orderLatencies)
}

// MarketDataStats returns latency statistics for market data processing.
func (t *Tracker) MarketDataStats() Snapshot {
	return snapshotOf(t.marketDataLatencies)
}

func snapshotOf(h metrics.Histogram) Snapshot {
	s := h.Snapshot()
	return Snapshot{
		Min:  s.Min(),
		Max:  s.Max(),
		Mean: int64(s.Mean()),
		P95:  int64(s.Percentile(0.95)),
		P99:  int64(s.Percentile(0.99)),
	}
}

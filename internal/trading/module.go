// Package trading wires the coordinator, latency tracker and market data
// feed for dependency injection.
package trading

import (
	"runtime"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/mercuryhft/tradecore/internal/memory/marketdata"
	"github.com/mercuryhft/tradecore/internal/memory/orderbook"
	"github.com/mercuryhft/tradecore/internal/memory/transaction"
	"github.com/mercuryhft/tradecore/internal/performance/latency"
	"github.com/mercuryhft/tradecore/internal/trading/coordinator"
	"github.com/mercuryhft/tradecore/internal/trading/feed"
)

// Module provides the trading components. The coordinator configuration is
// supplied with its defaults; applications override it with fx.Replace.
var Module = fx.Options(
	fx.Supply(coordinator.DefaultConfig()),
	fx.Provide(
		NewLatencyTracker,
		NewCoordinator,
		NewFeed,
	),
)

// NewLatencyTracker creates the latency histogram tracker.
func NewLatencyTracker(logger *zap.Logger) *latency.Tracker {
	return latency.NewTracker(logger)
}

// NewCoordinator composes the allocators under the trading lifecycle.
func NewCoordinator(
	config coordinator.Config,
	books *orderbook.Allocator,
	market *marketdata.Allocator,
	txs *transaction.Allocator,
	lat *latency.Tracker,
	logger *zap.Logger,
	lifecycle fx.Lifecycle,
) (*coordinator.Coordinator, error) {
	c, err := coordinator.New(config, books, market, txs, lat, logger)
	if err != nil {
		return nil, err
	}
	lifecycle.Append(fx.StopHook(c.Close))
	return c, nil
}

// NewFeed creates the market data ingress pipeline with one worker per
// CPU.
func NewFeed(c *coordinator.Coordinator, logger *zap.Logger, lifecycle fx.Lifecycle) (*feed.Feed, error) {
	f, err := feed.New(runtime.NumCPU(), c, logger)
	if err != nil {
		return nil, err
	}
	lifecycle.Append(fx.StopHook(f.Close))
	return f, nil
}

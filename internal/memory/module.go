// Package memory wires the allocator hierarchy for dependency injection.
package memory

import (
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/mercuryhft/tradecore/internal/memory/fixed"
	"github.com/mercuryhft/tradecore/internal/memory/marketdata"
	"github.com/mercuryhft/tradecore/internal/memory/orderbook"
	"github.com/mercuryhft/tradecore/internal/memory/sized"
	"github.com/mercuryhft/tradecore/internal/memory/tracker"
	"github.com/mercuryhft/tradecore/internal/memory/transaction"
)

// Module provides the tracker and the four allocators. Configurations are
// supplied with their defaults; applications override them with
// fx.Replace.
var Module = fx.Options(
	fx.Supply(
		marketdata.DefaultBufferConfig(),
		orderbook.DefaultConfig(),
		transaction.DefaultConfig(),
	),
	fx.Provide(
		NewTracker,
		NewSizedAllocator,
		NewMarketDataAllocator,
		NewOrderBookAllocator,
		NewTransactionAllocator,
	),
)

// NewTracker creates the allocation ledger.
func NewTracker(logger *zap.Logger) *tracker.Tracker {
	return tracker.New(logger)
}

// NewSizedAllocator creates the size-class pool manager with the default
// per-class pool size.
func NewSizedAllocator(trk *tracker.Tracker, logger *zap.Logger) (*sized.Allocator, error) {
	return sized.New(fixed.DefaultPoolSize, trk, logger)
}

// NewMarketDataAllocator creates the market data buffer allocator.
func NewMarketDataAllocator(config marketdata.BufferConfig, alloc *sized.Allocator, logger *zap.Logger) (*marketdata.Allocator, error) {
	return marketdata.New(config, alloc, logger)
}

// NewOrderBookAllocator creates the order book graph allocator.
func NewOrderBookAllocator(config orderbook.Config, alloc *sized.Allocator, logger *zap.Logger) (*orderbook.Allocator, error) {
	return orderbook.New(config, alloc, logger)
}

// NewTransactionAllocator creates the batched transaction allocator.
func NewTransactionAllocator(config transaction.Config, alloc *sized.Allocator, logger *zap.Logger) (*transaction.Allocator, error) {
	return transaction.New(config, alloc, logger)
}

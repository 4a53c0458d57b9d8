// Package marketdata issues fixed-capacity buffers for the quote, trade and
// snapshot message streams. Buffers are slabs carved through the sized
// allocator; deallocation is categorized by slab size.
package marketdata

import (
	"errors"
	"sync/atomic"
	"unsafe"

	"go.uber.org/zap"

	"github.com/mercuryhft/tradecore/internal/memory/sized"
)

// ErrInvalidConfig is returned when any buffer dimension is zero.
var ErrInvalidConfig = errors.New("marketdata: buffer config fields must be positive")

// BufferConfig sizes the three buffer products.
type BufferConfig struct {
	QuoteSize      int
	TradeSize      int
	SnapshotSize   int
	BufferCapacity int
}

// DefaultBufferConfig returns the standard stream dimensions.
func DefaultBufferConfig() BufferConfig {
	return BufferConfig{
		QuoteSize:      64,
		TradeSize:      48,
		SnapshotSize:   1024,
		BufferCapacity: 1000,
	}
}

// Stats is a snapshot of per-kind buffer counts and total bytes held.
type Stats struct {
	QuotesAllocated    int
	TradesAllocated    int
	SnapshotsAllocated int
	TotalMemoryUsed    int
}

// Allocator hands out market data buffers. Counters are atomic; the
// underlying slab allocation goes through the sized allocator.
type Allocator struct {
	logger *zap.Logger
	alloc  *sized.Allocator
	config BufferConfig

	quotes    atomic.Int64
	trades    atomic.Int64
	snapshots atomic.Int64
}

// New validates the configuration and builds the allocator.
func New(config BufferConfig, alloc *sized.Allocator, logger *zap.Logger) (*Allocator, error) {
	if config.QuoteSize <= 0 || config.TradeSize <= 0 || config.SnapshotSize <= 0 || config.BufferCapacity <= 0 {
		return nil, ErrInvalidConfig
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Allocator{
		logger: logger,
		alloc:  alloc,
		config: config,
	}, nil
}

// Config returns the buffer configuration.
func (a *Allocator) Config() BufferConfig {
	return a.config
}

// QuoteBufferBytes returns the slab size of one quote buffer.
func (a *Allocator) QuoteBufferBytes() int {
	return a.config.QuoteSize * a.config.BufferCapacity
}

// TradeBufferBytes returns the slab size of one trade buffer.
func (a *Allocator) TradeBufferBytes() int {
	return a.config.TradeSize * a.config.BufferCapacity
}

// SnapshotBufferBytes returns the slab size of one snapshot buffer.
func (a *Allocator) SnapshotBufferBytes() int {
	return a.config.SnapshotSize * a.config.BufferCapacity
}

// AllocQuoteBuffer allocates one quote stream slab.
func (a *Allocator) AllocQuoteBuffer() (unsafe.Pointer, bool) {
	return a.allocBuffer(a.QuoteBufferBytes(), &a.quotes, "quote")
}

// AllocTradeBuffer allocates one trade stream slab.
func (a *Allocator) AllocTradeBuffer() (unsafe.Pointer, bool) {
	return a.allocBuffer(a.TradeBufferBytes(), &a.trades, "trade")
}

// AllocSnapshotBuffer allocates one snapshot slab.
func (a *Allocator) AllocSnapshotBuffer() (unsafe.Pointer, bool) {
	return a.allocBuffer(a.SnapshotBufferBytes(), &a.snapshots, "snapshot")
}

func (a *Allocator) allocBuffer(size int, counter *atomic.Int64, kind string) (unsafe.Pointer, bool) {
	ptr, err := a.alloc.Allocate(size)
	if err != nil {
		a.logger.Warn("buffer allocation failed",
			zap.String("kind", kind), zap.Int("size", size), zap.Error(err))
		return nil, false
	}
	counter.Add(1)
	return ptr, true
}

// DeallocBuffer releases a buffer, matching it to its product by size. A
// size matching none of the products is still released but not counted.
func (a *Allocator) DeallocBuffer(ptr unsafe.Pointer, size int) {
	if ptr == nil {
		return
	}
	switch size {
	case a.QuoteBufferBytes():
		a.quotes.Add(-1)
	case a.TradeBufferBytes():
		a.trades.Add(-1)
	case a.SnapshotBufferBytes():
		a.snapshots.Add(-1)
	default:
		a.logger.Warn("deallocating buffer of unrecognized size", zap.Int("size", size))
	}
	a.alloc.Deallocate(ptr, size)
}

// Stats returns per-kind counts and the total bytes currently held.
func (a *Allocator) Stats() Stats {
	q := int(a.quotes.Load())
	t := int(a.trades.Load())
	s := int(a.snapshots.Load())
	return Stats{
		QuotesAllocated:    q,
		TradesAllocated:    t,
		SnapshotsAllocated: s,
		TotalMemoryUsed: q*a.QuoteBufferBytes() +
			t*a.TradeBufferBytes() +
			s*a.SnapshotBufferBytes(),
	}
}

// HasCapacity reports whether every product is below its buffer capacity.
func (a *Allocator) HasCapacity() bool {
	return int(a.quotes.Load()) < a.config.BufferCapacity &&
		int(a.trades.Load()) < a.config.BufferCapacity &&
		int(a.snapshots.Load()) < a.config.BufferCapacity
}

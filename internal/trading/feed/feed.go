// Package feed fans market data updates into the coordinator through a
// bounded worker pool. Updates that find the pool saturated are dropped
// and counted rather than blocking the producer.
package feed

import (
	"errors"
	"sync/atomic"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"github.com/mercuryhft/tradecore/internal/trading/types"
)

// ErrInvalidWorkers is returned when the worker count is not positive.
var ErrInvalidWorkers = errors.New("feed: worker count must be positive")

// Sink consumes market data updates.
type Sink interface {
	HandleMarketData(data types.MarketData)
}

// Stats counts feed throughput.
type Stats struct {
	Submitted int64
	Dropped   int64
}

// Feed is a non-blocking market data ingress pipeline.
type Feed struct {
	logger *zap.Logger
	pool   *ants.Pool
	sink   Sink

	submitted atomic.Int64
	dropped   atomic.Int64
}

// New builds a feed with the given number of workers.
func New(workers int, sink Sink, logger *zap.Logger) (*Feed, error) {
	if workers <= 0 {
		return nil, ErrInvalidWorkers
	}
	if sink == nil {
		return nil, errors.New("feed: sink is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	pool, err := ants.NewPool(workers, ants.WithNonblocking(true))
	if err != nil {
		return nil, err
	}
	return &Feed{
		logger: logger,
		pool:   pool,
		sink:   sink,
	}, nil
}

// Publish hands one update to the worker pool. Returns false when the pool
// is saturated and the update was dropped.
func (f *Feed) Publish(data types.MarketData) bool {
	err := f.pool.Submit(func() {
		f.sink.HandleMarketData(data)
	})
	if err != nil {
		f.dropped.Add(1)
		f.logger.Warn("market data update dropped",
			zap.String("symbol", data.Symbol), zap.Error(err))
		return false
	}
	f.submitted.Add(1)
	return true
}

// Stats returns submit and drop counts.
func (f *Feed) Stats() Stats {
	return Stats{
		Submitted: f.submitted.Load(),
		Dropped:   f.dropped.Load(),
	}
}

// Running returns the number of in-flight workers.
func (f *Feed) Running() int {
	return f.pool.Running()
}

// Close releases the worker pool.
func (f *Feed) Close() {
	f.pool.Release()
}

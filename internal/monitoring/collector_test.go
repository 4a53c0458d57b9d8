package monitoring

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/mercuryhft/tradecore/internal/memory/marketdata"
	"github.com/mercuryhft/tradecore/internal/memory/orderbook"
	"github.com/mercuryhft/tradecore/internal/memory/sized"
	"github.com/mercuryhft/tradecore/internal/memory/tracker"
	"github.com/mercuryhft/tradecore/internal/memory/transaction"
	"github.com/mercuryhft/tradecore/internal/trading/coordinator"
	"github.com/mercuryhft/tradecore/internal/trading/types"
)

func newTestCollector(t *testing.T) (*Collector, *coordinator.Coordinator) {
	t.Helper()
	logger := zaptest.NewLogger(t)

	sa, err := sized.New(64, tracker.New(logger), logger)
	require.NoError(t, err)
	books, err := orderbook.New(orderbook.Config{MaxOrders: 8, MaxPriceLevels: 4, OrderDataSize: 16}, sa, logger)
	require.NoError(t, err)
	market, err := marketdata.New(marketdata.BufferConfig{QuoteSize: 8, TradeSize: 8, SnapshotSize: 8, BufferCapacity: 4}, sa, logger)
	require.NoError(t, err)
	txs, err := transaction.New(transaction.Config{MaxTransactions: 8, MaxBatches: 4, BatchSize: 2, TransactionDataSize: 16, EnableRollback: true}, sa, logger)
	require.NoError(t, err)

	coord, err := coordinator.New(coordinator.Config{MaxOrders: 8, MaxSymbols: 4, MarketDataSize: 64, EnableTransactions: true}, books, market, txs, nil, logger)
	require.NoError(t, err)

	return NewCollector(sa, coord, logger), coord
}

func TestCollectorGather(t *testing.T) {
	collector, coord := newTestCollector(t)

	registry := NewPrometheusRegistry()
	require.NoError(t, RegisterCollector(registry, collector))

	require.True(t, coord.Start())
	require.True(t, coord.SubmitOrder(types.Order{ID: "O1", Symbol: "AAPL", Price: 150, Quantity: 10}))

	families, err := registry.Gather()
	require.NoError(t, err)
	require.NotEmpty(t, families)

	byName := make(map[string]float64)
	for _, mf := range families {
		if len(mf.GetMetric()) == 1 && len(mf.GetMetric()[0].GetLabel()) == 0 {
			m := mf.GetMetric()[0]
			switch {
			case m.GetGauge() != nil:
				byName[mf.GetName()] = m.GetGauge().GetValue()
			case m.GetCounter() != nil:
				byName[mf.GetName()] = m.GetCounter().GetValue()
			}
		}
	}

	assert.Equal(t, 1.0, byName["tradecore_active_orders"])
	assert.Equal(t, 1.0, byName["tradecore_healthy"])
	assert.Greater(t, byName["tradecore_memory_used_bytes"], 0.0)
	assert.Contains(t, byName, "tradecore_tracked_bytes_current")
}

func TestCollectorDescribe(t *testing.T) {
	collector, _ := newTestCollector(t)

	ch := make(chan *prometheus.Desc, 32)
	collector.Describe(ch)
	close(ch)

	count := 0
	for range ch {
		count++
	}
	assert.Equal(t, 13, count)
}

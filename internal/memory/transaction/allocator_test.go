package transaction

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/mercuryhft/tradecore/internal/memory/sized"
	"github.com/mercuryhft/tradecore/internal/memory/tracker"
)

func newTestAllocator(t *testing.T, config Config) *Allocator {
	t.Helper()
	sa, err := sized.New(64, tracker.New(zaptest.NewLogger(t)), zaptest.NewLogger(t))
	require.NoError(t, err)
	a, err := New(config, sa, zaptest.NewLogger(t))
	require.NoError(t, err)
	return a
}

func smallConfig() Config {
	return Config{
		MaxTransactions:     16,
		MaxBatches:          4,
		BatchSize:           4,
		TransactionDataSize: 32,
		EnableRollback:      true,
	}
}

func TestConfigValidation(t *testing.T) {
	sa, err := sized.New(64, tracker.New(zaptest.NewLogger(t)), zaptest.NewLogger(t))
	require.NoError(t, err)

	tests := []struct {
		name   string
		config Config
	}{
		{name: "zero transactions", config: Config{MaxBatches: 1, BatchSize: 1}},
		{name: "zero batches", config: Config{MaxTransactions: 1, BatchSize: 1}},
		{name: "zero batch size", config: Config{MaxTransactions: 1, MaxBatches: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.config, sa, zaptest.NewLogger(t))
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestBeginCommitEnd(t *testing.T) {
	a := newTestAllocator(t, smallConfig())

	tx := a.Begin()
	require.NotNil(t, tx)
	assert.Equal(t, StatusPending, tx.Status())
	assert.NotNil(t, tx.Parent)
	assert.Len(t, tx.Data, 32)

	a.Register("T1", tx)
	assert.Same(t, tx, a.Find("T1"))

	assert.True(t, a.Commit(tx))
	assert.Equal(t, StatusCommitted, tx.Status())

	a.End(tx)
	stats := a.Stats()
	assert.Equal(t, 0, stats.ActiveTransactions)
	assert.Equal(t, 0, stats.ActiveBatches)
	assert.Nil(t, a.Find("T1"))
}

func TestBatchPacking(t *testing.T) {
	a := newTestAllocator(t, Config{
		MaxTransactions: 16, MaxBatches: 4, BatchSize: 2,
		TransactionDataSize: 16, EnableRollback: true,
	})

	txs := make([]*Node, 0, 5)
	for i := 0; i < 5; i++ {
		tx := a.Begin()
		require.NotNil(t, tx)
		txs = append(txs, tx)
	}

	stats := a.Stats()
	assert.Equal(t, 5, stats.ActiveTransactions)
	assert.Equal(t, 3, stats.ActiveBatches, "five transactions pack into three batches of two")
	assert.Equal(t, 3, stats.BatchAllocations)
	assert.InDelta(t, 5.0/6.0, stats.AverageBatchUtilization, 1e-9)
	assert.Equal(t, 5, stats.PeakTransactions)

	// The first two share a batch.
	assert.Same(t, txs[0].Parent, txs[1].Parent)
	assert.NotSame(t, txs[1].Parent, txs[2].Parent)
}

func TestCommitRequiresPending(t *testing.T) {
	a := newTestAllocator(t, smallConfig())

	tx := a.Begin()
	require.NotNil(t, tx)

	require.True(t, a.Rollback(tx))
	assert.Equal(t, StatusRolledBack, tx.Status())

	assert.False(t, a.Commit(tx), "committing a rolled back transaction must fail")
	assert.Equal(t, StatusRolledBack, tx.Status(), "status must not flip")

	assert.False(t, a.Rollback(tx), "second rollback must fail")
	assert.Equal(t, 1, a.Stats().RollbacksPerformed)
}

func TestCommitNilOrForeign(t *testing.T) {
	a := newTestAllocator(t, smallConfig())
	b := newTestAllocator(t, smallConfig())

	assert.False(t, a.Commit(nil))
	assert.False(t, a.Rollback(nil))

	foreign := b.Begin()
	require.NotNil(t, foreign)
	assert.False(t, a.Commit(foreign), "transaction from another allocator must not validate")
}

func TestRollbackDisabled(t *testing.T) {
	config := smallConfig()
	config.EnableRollback = false
	a := newTestAllocator(t, config)

	tx := a.Begin()
	require.NotNil(t, tx)
	assert.False(t, a.Rollback(tx))
	assert.Equal(t, StatusPending, tx.Status())
}

func TestFail(t *testing.T) {
	a := newTestAllocator(t, smallConfig())

	tx := a.Begin()
	require.NotNil(t, tx)
	assert.True(t, a.Fail(tx))
	assert.Equal(t, StatusFailed, tx.Status())
	assert.False(t, a.Commit(tx))

	// End accepts any non-ended state.
	a.End(tx)
	assert.Equal(t, 0, a.Stats().ActiveTransactions)
}

func TestEndReleasesEmptyBatch(t *testing.T) {
	a := newTestAllocator(t, smallConfig())

	tx1 := a.Begin()
	tx2 := a.Begin()
	require.NotNil(t, tx1)
	require.NotNil(t, tx2)
	assert.Equal(t, 1, a.Stats().ActiveBatches)

	a.End(tx1)
	assert.Equal(t, 1, a.Stats().ActiveBatches, "batch still holds tx2")

	a.End(tx2)
	assert.Equal(t, 0, a.Stats().ActiveBatches, "empty batch must be released")
}

func TestEndIdempotent(t *testing.T) {
	a := newTestAllocator(t, smallConfig())

	tx := a.Begin()
	require.NotNil(t, tx)
	a.End(tx)
	a.End(tx)
	a.End(nil)
	assert.Equal(t, 0, a.Stats().ActiveTransactions)
}

func TestBatchExhaustion(t *testing.T) {
	a := newTestAllocator(t, Config{
		MaxTransactions: 16, MaxBatches: 2, BatchSize: 1,
		TransactionDataSize: 16, EnableRollback: true,
	})

	require.NotNil(t, a.Begin())
	require.NotNil(t, a.Begin())
	assert.Nil(t, a.Begin(), "no batch slots left")
	assert.False(t, a.HasCapacity())
}

func TestTransactionExhaustion(t *testing.T) {
	a := newTestAllocator(t, Config{
		MaxTransactions: 2, MaxBatches: 2, BatchSize: 4,
		TransactionDataSize: 16, EnableRollback: true,
	})

	require.NotNil(t, a.Begin())
	require.NotNil(t, a.Begin())
	assert.Nil(t, a.Begin())
}

func TestDeallocateBatch(t *testing.T) {
	a := newTestAllocator(t, smallConfig())

	tx1 := a.Begin()
	tx2 := a.Begin()
	require.NotNil(t, tx1)
	require.NotNil(t, tx2)
	a.Register("B1", tx1)

	a.DeallocateBatch(tx1.Parent)
	stats := a.Stats()
	assert.Equal(t, 0, stats.ActiveTransactions)
	assert.Equal(t, 0, stats.ActiveBatches)
	assert.Nil(t, a.Find("B1"))
}

func TestResetIdempotent(t *testing.T) {
	a := newTestAllocator(t, smallConfig())

	for i := 0; i < 6; i++ {
		require.NotNil(t, a.Begin())
	}

	a.Reset()
	stats := a.Stats()
	assert.Equal(t, 0, stats.ActiveTransactions)
	assert.Equal(t, 0, stats.ActiveBatches)
	assert.True(t, a.HasCapacity())

	a.Reset()
	assert.Equal(t, 0, a.Stats().ActiveTransactions)

	// Capacity is fully restored.
	count := 0
	for i := 0; i < 16; i++ {
		if a.Begin() != nil {
			count++
		}
	}
	assert.Equal(t, 16, count)
}

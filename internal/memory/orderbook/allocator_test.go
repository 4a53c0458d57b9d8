package orderbook

import (
	"fmt"
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
	return Config{MaxOrders: 8, MaxPriceLevels: 4, OrderDataSize: 32, TrackModifications: true}
}

// checkLevel asserts the level list invariants: order count matches the
// list length, total quantity matches the sum, and the ends are detached.
func checkLevel(t *testing.T, level *PriceLevel) {
	t.Helper()
	count := 0
	quantity := 0.0
	for o := level.First; o != nil; o = o.Next {
		count++
		quantity += o.Quantity
		assert.Same(t, level, o.Parent)
	}
	assert.Equal(t, level.OrderCount, count)
	assert.InDelta(t, level.TotalQuantity, quantity, 1e-9)
	if level.First != nil {
		assert.Nil(t, level.First.Prev)
		assert.Nil(t, level.Last.Next)
	} else {
		assert.Nil(t, level.Last)
		assert.Equal(t, 0, level.OrderCount)
	}
}

func TestConfigValidation(t *testing.T) {
	sa, err := sized.New(64, tracker.New(zaptest.NewLogger(t)), zaptest.NewLogger(t))
	require.NoError(t, err)

	_, err = New(Config{MaxOrders: 0, MaxPriceLevels: 4}, sa, zaptest.NewLogger(t))
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = New(Config{MaxOrders: 4, MaxPriceLevels: 0}, sa, zaptest.NewLogger(t))
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestAllocateRegisterFind(t *testing.T) {
	a := newTestAllocator(t, smallConfig())

	order := a.AllocateOrder()
	require.NotNil(t, order)
	assert.Zero(t, order.Price)
	assert.Zero(t, order.Quantity)
	assert.Empty(t, order.ID)
	assert.Nil(t, order.Parent)
	assert.Len(t, order.Data, 32)

	order.Price = 100
	order.Quantity = 10
	a.RegisterOrder("A", order)

	found := a.FindOrder("A")
	assert.Same(t, order, found)
	assert.Equal(t, "A", order.ID)
	assert.Equal(t, 1, a.Stats().ActiveOrders)
}

func TestCapacityLimits(t *testing.T) {
	a := newTestAllocator(t, Config{MaxOrders: 5, MaxPriceLevels: 2, OrderDataSize: 16, TrackModifications: false})

	orders := 0
	for i := 0; i < 7; i++ {
		if a.AllocateOrder() != nil {
			orders++
		}
	}
	assert.Equal(t, 5, orders)

	levels := 0
	for i := 0; i < 4; i++ {
		if a.AllocatePriceLevel() != nil {
			levels++
		}
	}
	assert.Equal(t, 2, levels)

	assert.False(t, a.HasCapacity())
	stats := a.Stats()
	assert.Equal(t, 0, stats.AvailableOrderSlots)
	assert.Equal(t, 0, stats.AvailablePriceSlots)
	assert.Equal(t, 5, stats.PeakOrders)
}

func TestLinkingProtocol(t *testing.T) {
	a := newTestAllocator(t, smallConfig())

	level := a.AllocatePriceLevel()
	require.NotNil(t, level)
	level.Price = 100

	for i := 0; i < 3; i++ {
		o := a.AllocateOrder()
		require.NotNil(t, o)
		o.Price = 100
		o.Quantity = float64(i + 1)
		a.RegisterOrder(fmt.Sprintf("O%d", i), o)
		a.InsertOrder(level, o)
	}
	checkLevel(t, level)
	assert.Equal(t, 3, level.OrderCount)
	assert.InDelta(t, 6.0, level.TotalQuantity, 1e-9)

	// Remove the middle order; siblings must reconnect.
	a.RemoveOrder(orderAt(level, 1))
	checkLevel(t, level)
	assert.Equal(t, 2, level.OrderCount)
	assert.InDelta(t, 4.0, level.TotalQuantity, 1e-9)

	// Remove head and tail.
	a.RemoveOrder(level.First)
	checkLevel(t, level)
	a.RemoveOrder(level.First)
	checkLevel(t, level)
	assert.Equal(t, 0, level.OrderCount)
	assert.Nil(t, level.First)
	assert.Nil(t, level.Last)
}

// orderAt walks to the i-th order on the level.
func orderAt(level *PriceLevel, i int) *OrderNode {
	o := level.First
	for ; i > 0 && o != nil; i-- {
		o = o.Next
	}
	return o
}

func TestDeallocateOrderUnlinks(t *testing.T) {
	a := newTestAllocator(t, smallConfig())

	level := a.AllocatePriceLevel()
	require.NotNil(t, level)

	o1 := a.AllocateOrder()
	o2 := a.AllocateOrder()
	o1.Quantity = 5
	o2.Quantity = 7
	a.RegisterOrder("X", o1)
	a.RegisterOrder("Y", o2)
	a.InsertOrder(level, o1)
	a.InsertOrder(level, o2)

	a.DeallocateOrder(o1)
	checkLevel(t, level)
	assert.Equal(t, 1, level.OrderCount)
	assert.InDelta(t, 7.0, level.TotalQuantity, 1e-9)
	assert.Nil(t, a.FindOrder("X"), "deallocated order must leave the index")
	assert.Same(t, o2, a.FindOrder("Y"))
	assert.Equal(t, 1, a.Stats().ActiveOrders)
}

func TestDeallocatePriceLevelDrainsOrders(t *testing.T) {
	a := newTestAllocator(t, smallConfig())

	level := a.AllocatePriceLevel()
	require.NotNil(t, level)
	for i := 0; i < 3; i++ {
		o := a.AllocateOrder()
		require.NotNil(t, o)
		a.RegisterOrder(fmt.Sprintf("L%d", i), o)
		a.InsertOrder(level, o)
	}

	a.DeallocatePriceLevel(level)
	stats := a.Stats()
	assert.Equal(t, 0, stats.ActiveOrders)
	assert.Equal(t, 0, stats.ActivePriceLevels)
	assert.Nil(t, a.FindOrder("L0"))
	assert.Nil(t, a.FindOrder("L1"))
	assert.Nil(t, a.FindOrder("L2"))
}

func TestMoveOrder(t *testing.T) {
	a := newTestAllocator(t, smallConfig())

	from := a.AllocatePriceLevel()
	to := a.AllocatePriceLevel()
	require.NotNil(t, from)
	require.NotNil(t, to)

	o := a.AllocateOrder()
	o.Quantity = 3
	a.InsertOrder(from, o)

	a.MoveOrder(o, to)
	checkLevel(t, from)
	checkLevel(t, to)
	assert.Equal(t, 0, from.OrderCount)
	assert.Equal(t, 1, to.OrderCount)
	assert.Same(t, to, o.Parent)
}

func TestDeallocateNilAndInactive(t *testing.T) {
	a := newTestAllocator(t, smallConfig())

	a.DeallocateOrder(nil)
	a.DeallocatePriceLevel(nil)

	o := a.AllocateOrder()
	a.DeallocateOrder(o)
	a.DeallocateOrder(o)
	assert.Equal(t, 0, a.Stats().ActiveOrders)
}

func TestUnregisterOrder(t *testing.T) {
	a := newTestAllocator(t, smallConfig())

	o := a.AllocateOrder()
	a.RegisterOrder("A", o)
	a.UnregisterOrder("A")
	assert.Nil(t, a.FindOrder("A"))
}

func TestModificationTracking(t *testing.T) {
	a := newTestAllocator(t, smallConfig())
	level := a.AllocatePriceLevel()
	o := a.AllocateOrder()

	a.InsertOrder(level, o)
	a.RemoveOrder(o)
	assert.Equal(t, 2, a.Stats().OrderModifications)

	b := newTestAllocator(t, Config{MaxOrders: 2, MaxPriceLevels: 2, OrderDataSize: 16, TrackModifications: false})
	l2 := b.AllocatePriceLevel()
	o2 := b.AllocateOrder()
	b.InsertOrder(l2, o2)
	assert.Equal(t, 0, b.Stats().OrderModifications)
}

func TestResetIdempotent(t *testing.T) {
	a := newTestAllocator(t, smallConfig())

	level := a.AllocatePriceLevel()
	for i := 0; i < 4; i++ {
		o := a.AllocateOrder()
		require.NotNil(t, o)
		a.RegisterOrder(fmt.Sprintf("R%d", i), o)
		a.InsertOrder(level, o)
	}

	a.Reset()
	stats := a.Stats()
	assert.Equal(t, 0, stats.ActiveOrders)
	assert.Equal(t, 0, stats.ActivePriceLevels)
	assert.Nil(t, a.FindOrder("R0"))
	assert.True(t, a.HasCapacity())

	a.Reset()
	assert.Equal(t, 0, a.Stats().ActiveOrders)

	// Full capacity is available again.
	count := 0
	for i := 0; i < 8; i++ {
		if a.AllocateOrder() != nil {
			count++
		}
	}
	assert.Equal(t, 8, count)
}

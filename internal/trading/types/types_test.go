package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewOrder(t *testing.T) {
	order := NewOrder("AAPL", 150, 100, true)

	assert.NotEmpty(t, order.ID)
	assert.Equal(t, "AAPL", order.Symbol)
	assert.True(t, order.IsBuy)
	assert.False(t, order.Timestamp.IsZero())
	assert.True(t, order.Valid())

	other := NewOrder("AAPL", 150, 100, true)
	assert.NotEqual(t, order.ID, other.ID)
}

func TestOrderValid(t *testing.T) {
	tests := []struct {
		name  string
		order Order
		want  bool
	}{
		{name: "valid", order: Order{ID: "1", Symbol: "AAPL", Price: 1, Quantity: 1}, want: true},
		{name: "missing id", order: Order{Symbol: "AAPL", Price: 1, Quantity: 1}, want: false},
		{name: "missing symbol", order: Order{ID: "1", Price: 1, Quantity: 1}, want: false},
		{name: "zero price", order: Order{ID: "1", Symbol: "AAPL", Quantity: 1}, want: false},
		{name: "negative quantity", order: Order{ID: "1", Symbol: "AAPL", Price: 1, Quantity: -1}, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.order.Valid())
		})
	}
}

func TestNewTrade(t *testing.T) {
	trade := NewTrade("AAPL", 150, 10, "buy-1", "sell-1")

	assert.NotEmpty(t, trade.ID)
	assert.Equal(t, "buy-1", trade.BuyOrderID)
	assert.Equal(t, "sell-1", trade.SellOrderID)
	assert.True(t, trade.Valid())

	assert.False(t, Trade{Symbol: "AAPL"}.Valid())
	assert.False(t, Trade{Price: 1, Quantity: 1}.Valid())
}

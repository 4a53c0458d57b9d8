// Package types holds the domain structs shared across the trading core.
package types

import (
	"time"

	"github.com/google/uuid"
)

// Order is an inbound order request.
type Order struct {
	ID        string
	Symbol    string
	Price     float64
	Quantity  float64
	IsBuy     bool
	Timestamp time.Time
}

// NewOrder creates an order with a generated id and the current timestamp.
func NewOrder(symbol string, price, quantity float64, isBuy bool) Order {
	return Order{
		ID:        uuid.New().String(),
		Symbol:    symbol,
		Price:     price,
		Quantity:  quantity,
		IsBuy:     isBuy,
		Timestamp: time.Now(),
	}
}

// Valid reports whether the order carries an id, a symbol and positive
// price and quantity.
func (o Order) Valid() bool {
	return o.ID != "" && o.Symbol != "" && o.Price > 0 && o.Quantity > 0
}

// MarketData is one market data update for a symbol.
type MarketData struct {
	Symbol    string
	Bid       float64
	Ask       float64
	Last      float64
	Volume    float64
	Timestamp time.Time
}

// Trade is one executed trade.
type Trade struct {
	ID          string
	BuyOrderID  string
	SellOrderID string
	Symbol      string
	Price       float64
	Quantity    float64
	Timestamp   time.Time
}

// NewTrade creates a trade with a generated id and the current timestamp.
func NewTrade(symbol string, price, quantity float64, buyOrderID, sellOrderID string) Trade {
	return Trade{
		ID:          uuid.New().String(),
		BuyOrderID:  buyOrderID,
		SellOrderID: sellOrderID,
		Symbol:      symbol,
		Price:       price,
		Quantity:    quantity,
		Timestamp:   time.Now(),
	}
}

// Valid reports whether the trade carries a symbol and positive price and
// quantity.
func (t Trade) Valid() bool {
	return t.Symbol != "" && t.Price > 0 && t.Quantity > 0
}

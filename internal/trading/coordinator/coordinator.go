// Package coordinator composes the market data, order book and transaction
// allocators under the trading lifecycle state machine. It owns the ingress
// paths (orders and market data), per-owner transactions and the
// performance metrics.
package coordinator

import (
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mercuryhft/tradecore/internal/memory/marketdata"
	"github.com/mercuryhft/tradecore/internal/memory/orderbook"
	"github.com/mercuryhft/tradecore/internal/memory/transaction"
	"github.com/mercuryhft/tradecore/internal/performance/latency"
	"github.com/mercuryhft/tradecore/internal/trading/types"
)

// Status is the coordinator lifecycle state.
type Status int32

const (
	StatusStarting Status = iota
	StatusRunning
	StatusPaused
	StatusStopping
	StatusError
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case StatusStarting:
		return "starting"
	case StatusRunning:
		return "running"
	case StatusPaused:
		return "paused"
	case StatusStopping:
		return "stopping"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

var (
	// ErrInvalidConfig is returned when a required config field is zero.
	ErrInvalidConfig = errors.New("coordinator: max_orders and max_symbols must be positive")

	// ErrEmptySymbol is returned by UpdateOrderBook for an empty symbol.
	ErrEmptySymbol = errors.New("coordinator: symbol cannot be empty")
)

// Config sizes the coordinator.
type Config struct {
	MaxOrders          int
	MaxSymbols         int
	MarketDataSize     int
	EnableTransactions bool
}

// DefaultConfig returns the standard coordinator dimensions.
func DefaultConfig() Config {
	return Config{
		MaxOrders:          1_000_000,
		MaxSymbols:         10_000,
		MarketDataSize:     1024,
		EnableTransactions: true,
	}
}

// Stats is a snapshot of the coordinator's view of the system.
type Stats struct {
	ActiveOrders        int
	PendingTransactions int
	TotalTrades         int
	MemoryUsed          int
	AvgLatency          float64
	MaxLatency          float64
	OrderRate           int
	TradeRate           int
}

// Coordinator drives the trading memory subsystem. All exported methods
// are safe for concurrent use. Lock order: transaction mutex, then order
// mutex, then the allocators' internal map locks, then the tracker.
type Coordinator struct {
	logger *zap.Logger
	config Config

	books  *orderbook.Allocator
	market *marketdata.Allocator
	txs    *transaction.Allocator
	lat    *latency.Tracker

	status atomic.Int32

	txMu    sync.Mutex
	ownerTx map[string]*transaction.Node

	orderMu sync.Mutex

	activeOrders atomic.Int64
	totalTrades  atomic.Int64
	pendingTx    atomic.Int64

	metricsMu  sync.Mutex
	orderCount uint64
	tradeCount uint64
	avgLatency float64
	startTime  time.Time
	lastUpdate time.Time

	maxLatencyBits atomic.Uint64
}

// New validates the configuration and composes the allocators. The
// coordinator starts in the Starting state.
func New(
	config Config,
	books *orderbook.Allocator,
	market *marketdata.Allocator,
	txs *transaction.Allocator,
	lat *latency.Tracker,
	logger *zap.Logger,
) (*Coordinator, error) {
	if config.MaxOrders <= 0 || config.MaxSymbols <= 0 {
		return nil, ErrInvalidConfig
	}
	if books == nil || market == nil || txs == nil {
		return nil, errors.New("coordinator: allocators are required")
	}
	if lat == nil {
		lat = latency.NewTracker(logger)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Coordinator{
		logger:  logger,
		config:  config,
		books:   books,
		market:  market,
		txs:     txs,
		lat:     lat,
		ownerTx: make(map[string]*transaction.Node),
	}
	c.status.Store(int32(StatusStarting))
	now := time.Now()
	c.startTime = now
	c.lastUpdate = now
	return c, nil
}

// Status returns the current lifecycle state.
func (c *Coordinator) Status() Status {
	return Status(c.status.Load())
}

func (c *Coordinator) transition(from, to Status) bool {
	return c.status.CompareAndSwap(int32(from), int32(to))
}

// Start transitions Starting -> Running.
func (c *Coordinator) Start() bool {
	if !c.transition(StatusStarting, StatusRunning) {
		return false
	}
	c.metricsMu.Lock()
	c.startTime = time.Now()
	c.lastUpdate = c.startTime
	c.metricsMu.Unlock()
	c.logger.Info("trading coordinator running")
	return true
}

// Pause transitions Running -> Paused.
func (c *Coordinator) Pause() bool {
	if !c.transition(StatusRunning, StatusPaused) {
		return false
	}
	c.logger.Info("trading coordinator paused")
	return true
}

// Resume transitions Paused -> Running.
func (c *Coordinator) Resume() bool {
	if !c.transition(StatusPaused, StatusRunning) {
		return false
	}
	c.logger.Info("trading coordinator resumed")
	return true
}

// Stop transitions Running or Paused through Stopping back to Starting. It
// rolls back and ends every per-owner transaction, drains the allocators
// and clears the metrics.
func (c *Coordinator) Stop() bool {
	if !c.transition(StatusRunning, StatusStopping) && !c.transition(StatusPaused, StatusStopping) {
		return false
	}

	c.txMu.Lock()
	for owner, tx := range c.ownerTx {
		if !c.txs.Rollback(tx) {
			c.logger.Warn("could not roll back transaction during stop", zap.String("owner", owner))
		}
		c.txs.End(tx)
	}
	c.ownerTx = make(map[string]*transaction.Node)
	c.txMu.Unlock()

	c.orderMu.Lock()
	c.books.Reset()
	c.orderMu.Unlock()
	c.txs.Reset()

	c.activeOrders.Store(0)
	c.totalTrades.Store(0)
	c.pendingTx.Store(0)
	c.maxLatencyBits.Store(0)

	c.metricsMu.Lock()
	c.orderCount = 0
	c.tradeCount = 0
	c.avgLatency = 0
	c.startTime = time.Now()
	c.lastUpdate = c.startTime
	c.metricsMu.Unlock()

	c.status.Store(int32(StatusStarting))
	c.logger.Info("trading coordinator stopped")
	return true
}

// Fatal forces the coordinator into the Error state.
func (c *Coordinator) Fatal(err error) {
	c.status.Store(int32(StatusError))
	c.logger.Error("trading coordinator entered error state", zap.Error(err))
}

// SubmitOrder validates and admits an order. The order node is allocated,
// registered under its id and accounted; any step failure rolls the
// enclosing transaction back and returns false.
func (c *Coordinator) SubmitOrder(ord types.Order) bool {
	if c.Status() != StatusRunning {
		return false
	}
	if !ord.Valid() {
		c.logger.Warn("order rejected by validation",
			zap.String("order_id", ord.ID), zap.String("symbol", ord.Symbol))
		return false
	}

	start := time.Now()
	tx, ok := c.beginScoped()
	if !ok {
		return false
	}

	c.orderMu.Lock()
	node := c.books.AllocateOrder()
	if node == nil {
		c.orderMu.Unlock()
		c.abortScoped(tx)
		return false
	}
	node.Price = ord.Price
	node.Quantity = ord.Quantity
	c.books.RegisterOrder(ord.ID, node)
	c.orderMu.Unlock()

	if err := c.UpdateOrderBook(ord.Symbol); err != nil {
		c.orderMu.Lock()
		c.books.DeallocateOrder(node)
		c.orderMu.Unlock()
		c.abortScoped(tx)
		return false
	}

	c.activeOrders.Add(1)
	c.updateMetrics(sinceMicros(start))
	c.lat.TrackOrderProcessing(ord.ID, start)

	if !c.commitScoped(tx) {
		c.orderMu.Lock()
		c.books.DeallocateOrder(node)
		c.orderMu.Unlock()
		c.activeOrders.Add(-1)
		return false
	}
	return true
}

// CancelOrder removes the order registered under id.
func (c *Coordinator) CancelOrder(id string) bool {
	if c.Status() != StatusRunning || id == "" {
		return false
	}

	start := time.Now()
	tx, ok := c.beginScoped()
	if !ok {
		return false
	}

	c.orderMu.Lock()
	node := c.books.FindOrder(id)
	if node == nil {
		c.orderMu.Unlock()
		c.abortScoped(tx)
		return false
	}
	c.books.DeallocateOrder(node)
	c.orderMu.Unlock()

	c.activeOrders.Add(-1)
	c.updateMetrics(sinceMicros(start))
	c.lat.TrackOrderProcessing(id, start)
	return c.commitScoped(tx)
}

// ModifyOrder mutates the price and quantity of the order registered under
// id. A price change detaches the order from its current price level; the
// book policy layer relocates it on the next book update.
func (c *Coordinator) ModifyOrder(id string, next types.Order) bool {
	if c.Status() != StatusRunning || id == "" {
		return false
	}
	if next.Price <= 0 || next.Quantity <= 0 {
		return false
	}

	start := time.Now()
	tx, ok := c.beginScoped()
	if !ok {
		return false
	}

	c.orderMu.Lock()
	node := c.books.FindOrder(id)
	if node == nil {
		c.orderMu.Unlock()
		c.abortScoped(tx)
		return false
	}

	priceChanged := node.Price != next.Price
	if level := node.Parent; level != nil {
		if priceChanged {
			c.books.RemoveOrder(node)
		} else {
			level.TotalQuantity += next.Quantity - node.Quantity
		}
	}
	node.Price = next.Price
	node.Quantity = next.Quantity
	c.orderMu.Unlock()

	if next.Symbol != "" {
		if err := c.UpdateOrderBook(next.Symbol); err != nil {
			c.abortScoped(tx)
			return false
		}
	}

	c.updateMetrics(sinceMicros(start))
	c.lat.TrackOrderProcessing(id, start)
	return c.commitScoped(tx)
}

// HandleMarketData admits one market data update. Buffer exhaustion drops
// the update silently; the caller observes it through Stats and health.
func (c *Coordinator) HandleMarketData(data types.MarketData) {
	if c.Status() != StatusRunning {
		return
	}

	start := time.Now()
	buf, ok := c.market.AllocQuoteBuffer()
	if !ok {
		return
	}
	defer c.market.DeallocBuffer(buf, c.market.QuoteBufferBytes())

	if err := c.UpdateOrderBook(data.Symbol); err != nil {
		return
	}
	c.updateMetrics(sinceMicros(start))
	c.lat.TrackMarketDataProcessing(data.Symbol, start)
}

// UpdateOrderBook drives the latency-instrumented book update path. The
// actual repopulation policy lives above this layer.
func (c *Coordinator) UpdateOrderBook(symbol string) error {
	if symbol == "" {
		return ErrEmptySymbol
	}
	start := time.Now()
	c.updateMetrics(sinceMicros(start))
	return nil
}

// RecordTrade accounts one executed trade.
func (c *Coordinator) RecordTrade(t types.Trade) bool {
	if c.Status() != StatusRunning || !t.Valid() {
		return false
	}
	c.totalTrades.Add(1)
	c.metricsMu.Lock()
	c.tradeCount++
	c.lastUpdate = time.Now()
	c.metricsMu.Unlock()
	return true
}

// BeginTransaction opens a transaction for owner. At most one transaction
// may be active per owner; a second begin fails until the first is
// committed or rolled back.
func (c *Coordinator) BeginTransaction(owner string) bool {
	if c.Status() != StatusRunning || owner == "" {
		return false
	}
	if !c.config.EnableTransactions {
		return false
	}

	c.txMu.Lock()
	defer c.txMu.Unlock()

	if _, exists := c.ownerTx[owner]; exists {
		return false
	}
	tx := c.txs.Begin()
	if tx == nil {
		return false
	}
	c.txs.Register(uuid.New().String(), tx)
	c.ownerTx[owner] = tx
	c.pendingTx.Add(1)
	return true
}

// CommitTransaction commits owner's transaction. Returns false when the
// owner has no active transaction.
func (c *Coordinator) CommitTransaction(owner string) bool {
	c.txMu.Lock()
	tx, exists := c.ownerTx[owner]
	if exists {
		delete(c.ownerTx, owner)
	}
	c.txMu.Unlock()

	if !exists {
		return false
	}
	ok := c.txs.Commit(tx)
	c.txs.End(tx)
	c.pendingTx.Add(-1)
	return ok
}

// RollbackTransaction rolls back owner's transaction. Returns false when
// the owner has no active transaction.
func (c *Coordinator) RollbackTransaction(owner string) bool {
	c.txMu.Lock()
	tx, exists := c.ownerTx[owner]
	if exists {
		delete(c.ownerTx, owner)
	}
	c.txMu.Unlock()

	if !exists {
		return false
	}
	ok := c.txs.Rollback(tx)
	c.txs.End(tx)
	c.pendingTx.Add(-1)
	return ok
}

// beginScoped opens the self-contained transaction wrapping one ingress
// operation. When transactions are disabled it returns (nil, true).
func (c *Coordinator) beginScoped() (*transaction.Node, bool) {
	if !c.config.EnableTransactions {
		return nil, true
	}
	tx := c.txs.Begin()
	if tx == nil {
		return nil, false
	}
	c.pendingTx.Add(1)
	return tx, true
}

func (c *Coordinator) commitScoped(tx *transaction.Node) bool {
	if tx == nil {
		return true
	}
	ok := c.txs.Commit(tx)
	c.txs.End(tx)
	c.pendingTx.Add(-1)
	return ok
}

func (c *Coordinator) abortScoped(tx *transaction.Node) {
	if tx == nil {
		return
	}
	if !c.txs.Rollback(tx) {
		c.logger.Warn("rollback failed for scoped transaction")
	}
	c.txs.End(tx)
	c.pendingTx.Add(-1)
}

// updateMetrics folds one latency sample (microseconds) into the running
// average and the CAS-maintained maximum.
func (c *Coordinator) updateMetrics(latencyMicros float64) {
	c.metricsMu.Lock()
	c.orderCount++
	c.avgLatency += (latencyMicros - c.avgLatency) / float64(c.orderCount)
	c.lastUpdate = time.Now()
	c.metricsMu.Unlock()

	for {
		cur := c.maxLatencyBits.Load()
		if latencyMicros <= math.Float64frombits(cur) {
			return
		}
		if c.maxLatencyBits.CompareAndSwap(cur, math.Float64bits(latencyMicros)) {
			return
		}
	}
}

// Stats returns a snapshot across the coordinator and its allocators.
// Rates are counts over the seconds elapsed since the coordinator entered
// Running; Stop resets the window.
func (c *Coordinator) Stats() Stats {
	c.metricsMu.Lock()
	avg := c.avgLatency
	orders := c.orderCount
	trades := c.tradeCount
	elapsed := time.Since(c.startTime).Seconds()
	c.metricsMu.Unlock()

	orderRate, tradeRate := 0, 0
	if elapsed > 0 {
		orderRate = int(float64(orders) / elapsed)
		tradeRate = int(float64(trades) / elapsed)
	}

	memory := c.books.Stats().TotalMemoryUsed +
		c.market.Stats().TotalMemoryUsed +
		c.txs.Stats().TotalMemoryUsed

	return Stats{
		ActiveOrders:        int(c.activeOrders.Load()),
		PendingTransactions: int(c.pendingTx.Load()),
		TotalTrades:         int(c.totalTrades.Load()),
		MemoryUsed:          memory,
		AvgLatency:          avg,
		MaxLatency:          math.Float64frombits(c.maxLatencyBits.Load()),
		OrderRate:           orderRate,
		TradeRate:           tradeRate,
	}
}

// LatencyTracker exposes the histogram tracker for monitoring.
func (c *Coordinator) LatencyTracker() *latency.Tracker {
	return c.lat
}

// IsHealthy reports Running with spare capacity and an average latency
// under one millisecond.
func (c *Coordinator) IsHealthy() bool {
	c.metricsMu.Lock()
	avg := c.avgLatency
	c.metricsMu.Unlock()
	return c.Status() == StatusRunning && c.HasCapacity() && avg < 1000.0
}

// HasCapacity reports whether all three allocators have spare capacity.
func (c *Coordinator) HasCapacity() bool {
	return c.books.HasCapacity() && c.market.HasCapacity() && c.txs.HasCapacity()
}

// OptimizeMemory probes the allocators and logs the memory footprint. It
// runs only while Running or Paused.
func (c *Coordinator) OptimizeMemory() {
	s := c.Status()
	if s != StatusRunning && s != StatusPaused {
		return
	}
	before := c.Stats().MemoryUsed
	bookStats := c.books.Stats()
	txStats := c.txs.Stats()
	after := c.Stats().MemoryUsed
	c.logger.Info("memory optimization pass",
		zap.Int("memory_before", before),
		zap.Int("memory_after", after),
		zap.Int("active_orders", bookStats.ActiveOrders),
		zap.Int("active_transactions", txStats.ActiveTransactions),
		zap.Float64("batch_utilization", txStats.AverageBatchUtilization))
}

// Close stops the coordinator if needed and releases the allocators in
// dependency order. It is idempotent and never panics.
func (c *Coordinator) Close() {
	s := c.Status()
	if s == StatusRunning || s == StatusPaused {
		c.Stop()
	}
	c.books.Close()
	c.txs.Close()
}

func sinceMicros(start time.Time) float64 {
	return float64(time.Since(start).Nanoseconds()) / 1000.0
}

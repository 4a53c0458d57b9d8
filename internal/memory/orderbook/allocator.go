// Package orderbook allocates the order-book graph: order nodes and price
// levels threaded as doubly-linked lists, with a string-keyed order index.
// Nodes live in arenas owned by the allocator; callers hold non-owning
// references and the allocator retains the right to reclaim everything on
// Reset.
package orderbook

import (
	"errors"
	"sync"
	"sync/atomic"
	"unsafe"

	"go.uber.org/zap"

	"github.com/mercuryhft/tradecore/internal/memory/sized"
)

// ErrInvalidConfig is returned when a capacity field is zero.
var ErrInvalidConfig = errors.New("orderbook: max_orders and max_price_levels must be positive")

// Config sizes the order and price level arenas.
type Config struct {
	MaxOrders          int
	MaxPriceLevels     int
	OrderDataSize      int
	TrackModifications bool
}

// DefaultConfig returns the standard arena dimensions.
func DefaultConfig() Config {
	return Config{
		MaxOrders:          100_000,
		MaxPriceLevels:     10_000,
		OrderDataSize:      128,
		TrackModifications: true,
	}
}

// OrderNode is one resting order in the book graph. Next/Prev thread the
// sibling list within a price level; Parent points back at the owning
// level. Data is the fixed-size tail carved from the data slab.
type OrderNode struct {
	Price    float64
	Quantity float64
	ID       string
	Next     *OrderNode
	Prev     *OrderNode
	Parent   *PriceLevel
	Data     []byte

	slot   int32
	active bool
}

// PriceLevel aggregates the orders resting at one price.
type PriceLevel struct {
	Price         float64
	TotalQuantity float64
	OrderCount    int
	First         *OrderNode
	Last          *OrderNode
	Next          *PriceLevel
	Prev          *PriceLevel

	slot   int32
	active bool
}

// Stats is a snapshot of arena usage.
type Stats struct {
	ActiveOrders        int
	ActivePriceLevels   int
	TotalMemoryUsed     int
	AvailableOrderSlots int
	AvailablePriceSlots int
	OrderModifications  int
	PeakOrders          int
	PeakMemory          int
}

// orderNodeOverhead approximates the per-node bookkeeping bytes counted in
// memory-used figures, mirroring the node struct footprint.
const (
	orderNodeOverhead  = int(unsafe.Sizeof(OrderNode{}))
	priceLevelOverhead = int(unsafe.Sizeof(PriceLevel{}))
)

// Allocator owns the order and price-level arenas. Allocation counters are
// atomic; the lookup index and free stacks are guarded by one mutex. Graph
// pointer mutations are not atomic — callers mutating a shared graph hold
// the book lock above this layer.
type Allocator struct {
	logger *zap.Logger
	config Config
	alloc  *sized.Allocator

	orders []OrderNode
	levels []PriceLevel

	slabPtr  unsafe.Pointer
	slabSize int

	mu         sync.Mutex
	freeOrders []int32
	freeLevels []int32
	index      map[string]*OrderNode

	activeOrders  atomic.Int64
	activeLevels  atomic.Int64
	modifications atomic.Int64
	peakOrders    atomic.Int64
	peakMemory    atomic.Int64
}

// New validates the configuration, builds both arenas and carves the order
// data slab from the sized allocator.
func New(config Config, alloc *sized.Allocator, logger *zap.Logger) (*Allocator, error) {
	if config.MaxOrders <= 0 || config.MaxPriceLevels <= 0 {
		return nil, ErrInvalidConfig
	}
	if config.OrderDataSize < 0 {
		return nil, ErrInvalidConfig
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	a := &Allocator{
		logger:     logger,
		config:     config,
		alloc:      alloc,
		orders:     make([]OrderNode, config.MaxOrders),
		levels:     make([]PriceLevel, config.MaxPriceLevels),
		freeOrders: make([]int32, 0, config.MaxOrders),
		freeLevels: make([]int32, 0, config.MaxPriceLevels),
		index:      make(map[string]*OrderNode),
	}

	if config.OrderDataSize > 0 && alloc != nil {
		a.slabSize = config.OrderDataSize * config.MaxOrders
		ptr, err := alloc.Allocate(a.slabSize)
		if err != nil {
			return nil, err
		}
		a.slabPtr = ptr
	}

	for i := range a.orders {
		a.orders[i].slot = int32(i)
		if a.slabPtr != nil {
			off := i * config.OrderDataSize
			a.orders[i].Data = unsafe.Slice((*byte)(unsafe.Add(a.slabPtr, off)), config.OrderDataSize)
		}
	}
	for i := range a.levels {
		a.levels[i].slot = int32(i)
	}
	a.resetFreeStacksLocked()

	return a, nil
}

// resetFreeStacksLocked rebuilds both free stacks so every slot is free.
// Stacks are filled in reverse so slot 0 is handed out first.
func (a *Allocator) resetFreeStacksLocked() {
	a.freeOrders = a.freeOrders[:0]
	for i := a.config.MaxOrders - 1; i >= 0; i-- {
		a.freeOrders = append(a.freeOrders, int32(i))
	}
	a.freeLevels = a.freeLevels[:0]
	for i := a.config.MaxPriceLevels - 1; i >= 0; i-- {
		a.freeLevels = append(a.freeLevels, int32(i))
	}
}

// AllocateOrder returns a zero-initialized order node, or nil when the
// arena is exhausted.
func (a *Allocator) AllocateOrder() *OrderNode {
	a.mu.Lock()
	if len(a.freeOrders) == 0 {
		a.mu.Unlock()
		return nil
	}
	slot := a.freeOrders[len(a.freeOrders)-1]
	a.freeOrders = a.freeOrders[:len(a.freeOrders)-1]
	a.mu.Unlock()

	node := &a.orders[slot]
	node.Price = 0
	node.Quantity = 0
	node.ID = ""
	node.Next = nil
	node.Prev = nil
	node.Parent = nil
	node.active = true
	for i := range node.Data {
		node.Data[i] = 0
	}

	active := a.activeOrders.Add(1)
	storeMaxInt64(&a.peakOrders, active)
	storeMaxInt64(&a.peakMemory, int64(a.memoryUsed()))
	return node
}

// DeallocateOrder releases an order node back to the arena. It is
// idempotent on nil and on already-freed nodes. The node is removed from
// the lookup index and unlinked from its level and siblings first.
func (a *Allocator) DeallocateOrder(order *OrderNode) {
	if order == nil {
		return
	}

	a.mu.Lock()
	if !order.active {
		a.mu.Unlock()
		a.logger.Warn("deallocate of inactive order ignored", zap.Int32("slot", order.slot))
		return
	}
	if order.ID != "" {
		delete(a.index, order.ID)
	}
	a.unlinkOrderLocked(order)
	order.ID = ""
	order.active = false
	a.freeOrders = append(a.freeOrders, order.slot)
	a.mu.Unlock()

	a.activeOrders.Add(-1)
}

// unlinkOrderLocked detaches order from its parent level and siblings,
// clearing Parent so a later free cannot touch a stale level.
func (a *Allocator) unlinkOrderLocked(order *OrderNode) {
	level := order.Parent
	if level != nil {
		if level.First == order {
			level.First = order.Next
		}
		if level.Last == order {
			level.Last = order.Prev
		}
		if level.OrderCount > 0 {
			level.OrderCount--
		}
		level.TotalQuantity -= order.Quantity
	}
	if order.Prev != nil {
		order.Prev.Next = order.Next
	}
	if order.Next != nil {
		order.Next.Prev = order.Prev
	}
	order.Next = nil
	order.Prev = nil
	order.Parent = nil
}

// AllocatePriceLevel returns a zero-initialized price level, or nil when
// the arena is exhausted.
func (a *Allocator) AllocatePriceLevel() *PriceLevel {
	a.mu.Lock()
	if len(a.freeLevels) == 0 {
		a.mu.Unlock()
		return nil
	}
	slot := a.freeLevels[len(a.freeLevels)-1]
	a.freeLevels = a.freeLevels[:len(a.freeLevels)-1]
	a.mu.Unlock()

	level := &a.levels[slot]
	level.Price = 0
	level.TotalQuantity = 0
	level.OrderCount = 0
	level.First = nil
	level.Last = nil
	level.Next = nil
	level.Prev = nil
	level.active = true

	a.activeLevels.Add(1)
	storeMaxInt64(&a.peakMemory, int64(a.memoryUsed()))
	return level
}

// DeallocatePriceLevel releases a price level, first releasing every order
// resting on it so no dangling references remain.
func (a *Allocator) DeallocatePriceLevel(level *PriceLevel) {
	if level == nil {
		return
	}

	a.mu.Lock()
	if !level.active {
		a.mu.Unlock()
		a.logger.Warn("deallocate of inactive price level ignored", zap.Int32("slot", level.slot))
		return
	}

	freed := 0
	for level.First != nil {
		order := level.First
		if order.ID != "" {
			delete(a.index, order.ID)
		}
		a.unlinkOrderLocked(order)
		order.ID = ""
		order.active = false
		a.freeOrders = append(a.freeOrders, order.slot)
		freed++
	}

	if level.Prev != nil {
		level.Prev.Next = level.Next
	}
	if level.Next != nil {
		level.Next.Prev = level.Prev
	}
	level.First = nil
	level.Last = nil
	level.Next = nil
	level.Prev = nil
	level.OrderCount = 0
	level.TotalQuantity = 0
	level.active = false
	a.freeLevels = append(a.freeLevels, level.slot)
	a.mu.Unlock()

	if freed > 0 {
		a.activeOrders.Add(int64(-freed))
	}
	a.activeLevels.Add(-1)
}

// InsertOrder links order at the tail of level per the book linking
// protocol. The caller holds the book lock when the graph is shared.
func (a *Allocator) InsertOrder(level *PriceLevel, order *OrderNode) {
	if level == nil || order == nil {
		return
	}
	order.Parent = level
	if level.OrderCount == 0 {
		level.First = order
		level.Last = order
	} else {
		order.Prev = level.Last
		level.Last.Next = order
		level.Last = order
	}
	level.OrderCount++
	level.TotalQuantity += order.Quantity
	a.trackModification()
}

// RemoveOrder detaches order from its level and siblings without releasing
// its storage.
func (a *Allocator) RemoveOrder(order *OrderNode) {
	if order == nil {
		return
	}
	a.mu.Lock()
	a.unlinkOrderLocked(order)
	a.mu.Unlock()
	a.trackModification()
}

// MoveOrder relocates order to a different price level in one step.
func (a *Allocator) MoveOrder(order *OrderNode, to *PriceLevel) {
	if order == nil || to == nil || order.Parent == to {
		return
	}
	a.mu.Lock()
	a.unlinkOrderLocked(order)
	a.mu.Unlock()
	a.InsertOrder(to, order)
}

func (a *Allocator) trackModification() {
	if a.config.TrackModifications {
		a.modifications.Add(1)
	}
}

// RegisterOrder sets order.ID and inserts it into the lookup index.
func (a *Allocator) RegisterOrder(id string, order *OrderNode) {
	if order == nil || id == "" {
		return
	}
	a.mu.Lock()
	order.ID = id
	a.index[id] = order
	a.mu.Unlock()
}

// UnregisterOrder removes id from the lookup index.
func (a *Allocator) UnregisterOrder(id string) {
	a.mu.Lock()
	delete(a.index, id)
	a.mu.Unlock()
}

// FindOrder returns the order registered under id, or nil.
func (a *Allocator) FindOrder(id string) *OrderNode {
	a.mu.Lock()
	order := a.index[id]
	a.mu.Unlock()
	return order
}

// Reset drains the lookup index and every order and price level, and
// zeroes all counters. It is idempotent.
func (a *Allocator) Reset() {
	a.mu.Lock()
	a.index = make(map[string]*OrderNode)
	for i := range a.orders {
		node := &a.orders[i]
		node.ID = ""
		node.Next = nil
		node.Prev = nil
		node.Parent = nil
		node.active = false
	}
	for i := range a.levels {
		level := &a.levels[i]
		level.First = nil
		level.Last = nil
		level.Next = nil
		level.Prev = nil
		level.OrderCount = 0
		level.TotalQuantity = 0
		level.active = false
	}
	a.resetFreeStacksLocked()
	a.mu.Unlock()

	a.activeOrders.Store(0)
	a.activeLevels.Store(0)
	a.modifications.Store(0)
	a.peakOrders.Store(0)
	a.peakMemory.Store(0)
}

// Close drains the graph and releases the data slab.
func (a *Allocator) Close() {
	a.Reset()
	if a.slabPtr != nil && a.alloc != nil {
		a.alloc.Deallocate(a.slabPtr, a.slabSize)
		a.slabPtr = nil
	}
}

func (a *Allocator) memoryUsed() int {
	orderBytes := int(a.activeOrders.Load()) * (orderNodeOverhead + a.config.OrderDataSize)
	levelBytes := int(a.activeLevels.Load()) * priceLevelOverhead
	return orderBytes + levelBytes
}

// Stats returns a usage snapshot.
func (a *Allocator) Stats() Stats {
	activeOrders := int(a.activeOrders.Load())
	activeLevels := int(a.activeLevels.Load())
	return Stats{
		ActiveOrders:        activeOrders,
		ActivePriceLevels:   activeLevels,
		TotalMemoryUsed:     a.memoryUsed(),
		AvailableOrderSlots: a.config.MaxOrders - activeOrders,
		AvailablePriceSlots: a.config.MaxPriceLevels - activeLevels,
		OrderModifications:  int(a.modifications.Load()),
		PeakOrders:          int(a.peakOrders.Load()),
		PeakMemory:          int(a.peakMemory.Load()),
	}
}

// HasCapacity reports whether both arenas have free slots.
func (a *Allocator) HasCapacity() bool {
	return int(a.activeOrders.Load()) < a.config.MaxOrders &&
		int(a.activeLevels.Load()) < a.config.MaxPriceLevels
}

func storeMaxInt64(dst *atomic.Int64, v int64) {
	for {
		cur := dst.Load()
		if v <= cur || dst.CompareAndSwap(cur, v) {
			return
		}
	}
}

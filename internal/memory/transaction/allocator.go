// Package transaction provides the batched transaction allocator.
// Transactions are nodes packed into batches of a fixed capacity; batches
// are allocated on demand, tracked in an active list and released when
// their last transaction ends.
package transaction

import (
	"errors"
	"sync"
	"sync/atomic"
	"unsafe"

	"go.uber.org/zap"

	"github.com/mercuryhft/tradecore/internal/memory/sized"
)

// Status tracks a transaction through its lifecycle. Only Pending admits
// commit or rollback; End accepts any state and releases the node.
type Status int32

const (
	StatusPending Status = iota
	StatusCommitted
	StatusRolledBack
	StatusFailed
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusCommitted:
		return "committed"
	case StatusRolledBack:
		return "rolled_back"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ErrInvalidConfig is returned when a required capacity field is zero.
var ErrInvalidConfig = errors.New("transaction: max_transactions, max_batches and batch_size must be positive")

// Config sizes the transaction and batch arenas.
type Config struct {
	MaxTransactions     int
	MaxBatches          int
	BatchSize           int
	TransactionDataSize int
	EnableRollback      bool
}

// DefaultConfig returns the standard arena dimensions.
func DefaultConfig() Config {
	return Config{
		MaxTransactions:     1_000_000,
		MaxBatches:          1_000,
		BatchSize:           1_000,
		TransactionDataSize: 256,
		EnableRollback:      true,
	}
}

// Node is one transaction. Next/Prev thread the batch's list; Parent is
// the owning batch, always a member of the active-batch list while the
// node is live.
type Node struct {
	ID       string
	Parent   *Batch
	Next     *Node
	Prev     *Node
	DataSize int
	Data     []byte

	status Status
	slot   int32
	active bool
}

// Status returns the node's lifecycle state.
func (n *Node) Status() Status {
	return n.status
}

// Batch groups up to Capacity transactions.
type Batch struct {
	Capacity int
	Used     int
	First    *Node
	Last     *Node
	Next     *Batch
	Prev     *Batch
	Active   bool

	slot int32
}

// Stats is a snapshot of transaction memory usage.
type Stats struct {
	ActiveTransactions      int
	ActiveBatches           int
	TotalMemoryUsed         int
	PeakTransactions        int
	RollbacksPerformed      int
	BatchAllocations        int
	AverageBatchUtilization float64
}

const (
	nodeOverhead  = int(unsafe.Sizeof(Node{}))
	batchOverhead = int(unsafe.Sizeof(Batch{}))
)

// Allocator owns the transaction and batch arenas. One mutex guards the
// active-batch list, free stacks and the lookup index; counters are atomic.
type Allocator struct {
	logger *zap.Logger
	config Config
	alloc  *sized.Allocator

	nodes   []Node
	batches []Batch

	slabPtr  unsafe.Pointer
	slabSize int

	mu          sync.Mutex
	freeNodes   []int32
	freeBatches []int32
	activeList  []*Batch
	index       map[string]*Node

	active      atomic.Int64
	activeBatch atomic.Int64
	peak        atomic.Int64
	rollbacks   atomic.Int64
	batchAllocs atomic.Int64
}

// New validates the configuration and builds the arenas. The transaction
// data tails are carved from one sized-allocator slab.
func New(config Config, alloc *sized.Allocator, logger *zap.Logger) (*Allocator, error) {
	if config.MaxTransactions <= 0 || config.MaxBatches <= 0 || config.BatchSize <= 0 {
		return nil, ErrInvalidConfig
	}
	if config.TransactionDataSize < 0 {
		return nil, ErrInvalidConfig
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	a := &Allocator{
		logger:      logger,
		config:      config,
		alloc:       alloc,
		nodes:       make([]Node, config.MaxTransactions),
		batches:     make([]Batch, config.MaxBatches),
		freeNodes:   make([]int32, 0, config.MaxTransactions),
		freeBatches: make([]int32, 0, config.MaxBatches),
		index:       make(map[string]*Node),
	}

	if config.TransactionDataSize > 0 && alloc != nil {
		a.slabSize = config.TransactionDataSize * config.MaxTransactions
		ptr, err := alloc.Allocate(a.slabSize)
		if err != nil {
			return nil, err
		}
		a.slabPtr = ptr
	}

	for i := range a.nodes {
		a.nodes[i].slot = int32(i)
		if a.slabPtr != nil {
			off := i * config.TransactionDataSize
			a.nodes[i].Data = unsafe.Slice((*byte)(unsafe.Add(a.slabPtr, off)), config.TransactionDataSize)
		}
	}
	for i := range a.batches {
		a.batches[i].slot = int32(i)
	}
	a.resetFreeStacksLocked()

	return a, nil
}

func (a *Allocator) resetFreeStacksLocked() {
	a.freeNodes = a.freeNodes[:0]
	for i := a.config.MaxTransactions - 1; i >= 0; i-- {
		a.freeNodes = append(a.freeNodes, int32(i))
	}
	a.freeBatches = a.freeBatches[:0]
	for i := a.config.MaxBatches - 1; i >= 0; i-- {
		a.freeBatches = append(a.freeBatches, int32(i))
	}
	a.activeList = a.activeList[:0]
}

// Begin allocates a Pending transaction, packing it into the first batch
// with free capacity or a freshly allocated one. Returns nil when either
// arena is exhausted.
func (a *Allocator) Begin() *Node {
	a.mu.Lock()
	defer a.mu.Unlock()

	if int(a.active.Load()) >= a.config.MaxTransactions {
		return nil
	}

	var batch *Batch
	for _, b := range a.activeList {
		if b.Used < b.Capacity {
			batch = b
			break
		}
	}
	if batch == nil {
		batch = a.allocateBatchLocked()
		if batch == nil {
			return nil
		}
	}

	if len(a.freeNodes) == 0 {
		return nil
	}
	slot := a.freeNodes[len(a.freeNodes)-1]
	a.freeNodes = a.freeNodes[:len(a.freeNodes)-1]

	node := &a.nodes[slot]
	node.ID = ""
	node.status = StatusPending
	node.Parent = batch
	node.Next = nil
	node.Prev = nil
	node.DataSize = a.config.TransactionDataSize
	node.active = true

	if batch.Used == 0 {
		batch.First = node
	} else {
		node.Prev = batch.Last
		batch.Last.Next = node
	}
	batch.Last = node
	batch.Used++

	active := a.active.Add(1)
	storeMaxInt64(&a.peak, active)
	return node
}

// Commit transitions a Pending transaction to Committed. Returns false for
// nil, untracked or non-Pending transactions, with no state change.
func (a *Allocator) Commit(tx *Node) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.validateLocked(tx) || tx.status != StatusPending {
		return false
	}
	tx.status = StatusCommitted
	return true
}

// Rollback transitions a Pending transaction to RolledBack. Returns false
// when rollback is disabled by configuration.
func (a *Allocator) Rollback(tx *Node) bool {
	if !a.config.EnableRollback {
		return false
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.validateLocked(tx) || tx.status != StatusPending {
		return false
	}
	tx.status = StatusRolledBack
	a.rollbacks.Add(1)
	return true
}

// Fail transitions a Pending transaction to Failed.
func (a *Allocator) Fail(tx *Node) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.validateLocked(tx) || tx.status != StatusPending {
		return false
	}
	tx.status = StatusFailed
	return true
}

// End unregisters and releases a transaction in any state. When the owning
// batch empties it is removed from the active list and released.
func (a *Allocator) End(tx *Node) {
	if tx == nil {
		return
	}

	a.mu.Lock()
	if !tx.active {
		a.mu.Unlock()
		a.logger.Warn("end of inactive transaction ignored", zap.Int32("slot", tx.slot))
		return
	}

	if tx.ID != "" {
		delete(a.index, tx.ID)
	}

	batch := tx.Parent
	if batch != nil {
		if batch.First == tx {
			batch.First = tx.Next
		}
		if batch.Last == tx {
			batch.Last = tx.Prev
		}
		if batch.Used > 0 {
			batch.Used--
		}
	}
	if tx.Prev != nil {
		tx.Prev.Next = tx.Next
	}
	if tx.Next != nil {
		tx.Next.Prev = tx.Prev
	}

	tx.ID = ""
	tx.Parent = nil
	tx.Next = nil
	tx.Prev = nil
	tx.active = false
	a.freeNodes = append(a.freeNodes, tx.slot)

	if batch != nil && batch.Used == 0 {
		a.releaseBatchLocked(batch)
	}
	a.mu.Unlock()

	a.active.Add(-1)
}

// AllocateBatch allocates an empty batch and appends it to the active
// list. Returns nil when max_batches is reached.
func (a *Allocator) AllocateBatch() *Batch {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.allocateBatchLocked()
}

func (a *Allocator) allocateBatchLocked() *Batch {
	if len(a.freeBatches) == 0 {
		return nil
	}
	slot := a.freeBatches[len(a.freeBatches)-1]
	a.freeBatches = a.freeBatches[:len(a.freeBatches)-1]

	batch := &a.batches[slot]
	batch.Capacity = a.config.BatchSize
	batch.Used = 0
	batch.First = nil
	batch.Last = nil
	batch.Next = nil
	batch.Prev = nil
	batch.Active = true

	a.activeList = append(a.activeList, batch)
	a.activeBatch.Add(1)
	a.batchAllocs.Add(1)
	return batch
}

// DeallocateBatch ends every transaction in the batch and releases it.
func (a *Allocator) DeallocateBatch(batch *Batch) {
	if batch == nil {
		return
	}

	a.mu.Lock()
	if !batch.Active {
		a.mu.Unlock()
		return
	}

	freed := 0
	for batch.First != nil {
		tx := batch.First
		batch.First = tx.Next
		if tx.ID != "" {
			delete(a.index, tx.ID)
		}
		tx.ID = ""
		tx.Parent = nil
		tx.Next = nil
		tx.Prev = nil
		tx.active = false
		a.freeNodes = append(a.freeNodes, tx.slot)
		freed++
	}
	batch.Used = 0
	a.releaseBatchLocked(batch)
	a.mu.Unlock()

	if freed > 0 {
		a.active.Add(int64(-freed))
	}
}

// releaseBatchLocked removes the batch from the active list before its
// storage is recycled.
func (a *Allocator) releaseBatchLocked(batch *Batch) {
	for i, b := range a.activeList {
		if b == batch {
			a.activeList = append(a.activeList[:i], a.activeList[i+1:]...)
			break
		}
	}
	batch.First = nil
	batch.Last = nil
	batch.Used = 0
	batch.Active = false
	a.freeBatches = append(a.freeBatches, batch.slot)
	a.activeBatch.Add(-1)
}

// Register sets tx.ID and inserts it into the lookup index.
func (a *Allocator) Register(id string, tx *Node) {
	if tx == nil || id == "" {
		return
	}
	a.mu.Lock()
	tx.ID = id
	a.index[id] = tx
	a.mu.Unlock()
}

// Unregister removes id from the lookup index.
func (a *Allocator) Unregister(id string) {
	a.mu.Lock()
	delete(a.index, id)
	a.mu.Unlock()
}

// Find returns the transaction registered under id, or nil.
func (a *Allocator) Find(id string) *Node {
	a.mu.Lock()
	tx := a.index[id]
	a.mu.Unlock()
	return tx
}

// validateLocked checks that tx is live and its parent batch is still in
// the active list.
func (a *Allocator) validateLocked(tx *Node) bool {
	if tx == nil || !tx.active || tx.Parent == nil {
		return false
	}
	for _, b := range a.activeList {
		if b == tx.Parent {
			return true
		}
	}
	return false
}

// Stats returns a snapshot including average batch utilization.
func (a *Allocator) Stats() Stats {
	a.mu.Lock()
	totalUsed, totalCap := 0, 0
	for _, b := range a.activeList {
		totalUsed += b.Used
		totalCap += b.Capacity
	}
	a.mu.Unlock()

	utilization := 0.0
	if totalCap > 0 {
		utilization = float64(totalUsed) / float64(totalCap)
	}

	active := int(a.active.Load())
	batches := int(a.activeBatch.Load())
	return Stats{
		ActiveTransactions:      active,
		ActiveBatches:           batches,
		TotalMemoryUsed:         active*(nodeOverhead+a.config.TransactionDataSize) + batches*batchOverhead,
		PeakTransactions:        int(a.peak.Load()),
		RollbacksPerformed:      int(a.rollbacks.Load()),
		BatchAllocations:        int(a.batchAllocs.Load()),
		AverageBatchUtilization: utilization,
	}
}

// Reset ends every transaction, releases every batch and zeroes counters.
// It is idempotent.
func (a *Allocator) Reset() {
	a.mu.Lock()
	a.index = make(map[string]*Node)
	for i := range a.nodes {
		node := &a.nodes[i]
		node.ID = ""
		node.Parent = nil
		node.Next = nil
		node.Prev = nil
		node.active = false
	}
	for i := range a.batches {
		batch := &a.batches[i]
		batch.First = nil
		batch.Last = nil
		batch.Used = 0
		batch.Active = false
	}
	a.resetFreeStacksLocked()
	a.mu.Unlock()

	a.active.Store(0)
	a.activeBatch.Store(0)
	a.peak.Store(0)
	a.rollbacks.Store(0)
	a.batchAllocs.Store(0)
}

// Close drains everything and releases the data slab.
func (a *Allocator) Close() {
	a.Reset()
	if a.slabPtr != nil && a.alloc != nil {
		a.alloc.Deallocate(a.slabPtr, a.slabSize)
		a.slabPtr = nil
	}
}

// HasCapacity reports whether both arenas have free slots.
func (a *Allocator) HasCapacity() bool {
	return int(a.active.Load()) < a.config.MaxTransactions &&
		int(a.activeBatch.Load()) < a.config.MaxBatches
}

func storeMaxInt64(dst *atomic.Int64, v int64) {
	for {
		cur := dst.Load()
		if v <= cur || dst.CompareAndSwap(cur, v) {
			return
		}
	}
}

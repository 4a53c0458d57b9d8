// Package fixed implements a lock-free pool of equal-sized memory blocks
// carved from a single contiguous arena. It is the bottom layer of the
// trading memory subsystem: every pooled allocation in the system
// ultimately lands in one of these pools.
package fixed

import (
	"errors"
	"math"
	"sync/atomic"
	"unsafe"

	"go.uber.org/zap"
)

const (
	// CacheLineSize is the alignment unit for block headers and payloads.
	CacheLineSize = 64

	// DefaultPoolSize is the default number of blocks per pool.
	DefaultPoolSize = 1024
)

// nilIndex marks the end of the free list.
const nilIndex = math.MaxUint32

var (
	// ErrInvalidBlockSize is returned when the block size is not positive.
	ErrInvalidBlockSize = errors.New("fixed: block size must be positive")

	// ErrInvalidCapacity is returned when the pool capacity is not positive.
	ErrInvalidCapacity = errors.New("fixed: pool capacity must be positive")
)

// blockHeader holds the free-list link and allocation flag for one block.
// It is padded to a full cache line so headers of neighbouring blocks never
// share a line.
type blockHeader struct {
	next      atomic.Uint32
	allocated atomic.Bool
	_         [CacheLineSize - 8]byte
}

// Pool is a lock-free fixed-block allocator. Allocate and Deallocate are
// safe for concurrent use without external locking. A Pool must not be
// copied after first use.
//
// The free list is a Treiber stack addressed by block index. The head word
// packs a 32-bit version tag with the index and every successful CAS bumps
// the tag, so index reuse between a load and its CAS cannot go unnoticed.
type Pool struct {
	logger    *zap.Logger
	headers   []blockHeader
	arena     []byte
	base      uintptr
	blockSize int
	stride    int
	capacity  int

	head  atomic.Uint64
	inUse atomic.Int64
}

func packHead(tag, index uint32) uint64 {
	return uint64(tag)<<32 | uint64(index)
}

func headTag(v uint64) uint32   { return uint32(v >> 32) }
func headIndex(v uint64) uint32 { return uint32(v) }

// New constructs a pool of capacity blocks of blockSize payload bytes each.
// The payload stride is rounded up to the cache line size and the arena base
// is cache-line aligned.
func New(blockSize, capacity int, logger *zap.Logger) (*Pool, error) {
	if blockSize <= 0 {
		return nil, ErrInvalidBlockSize
	}
	if capacity <= 0 || capacity >= nilIndex {
		return nil, ErrInvalidCapacity
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	stride := (blockSize + CacheLineSize - 1) / CacheLineSize * CacheLineSize

	raw := make([]byte, stride*capacity+CacheLineSize)
	base := uintptr(unsafe.Pointer(&raw[0]))
	offset := 0
	if rem := base % CacheLineSize; rem != 0 {
		offset = int(CacheLineSize - rem)
	}
	arena := raw[offset : offset+stride*capacity]

	p := &Pool{
		logger:    logger,
		headers:   make([]blockHeader, capacity),
		arena:     arena,
		base:      uintptr(unsafe.Pointer(&arena[0])),
		blockSize: blockSize,
		stride:    stride,
		capacity:  capacity,
	}

	// Thread the free list 0 -> 1 -> ... -> capacity-1.
	for i := 0; i < capacity-1; i++ {
		p.headers[i].next.Store(uint32(i + 1))
	}
	p.headers[capacity-1].next.Store(nilIndex)
	p.head.Store(packHead(0, 0))

	return p, nil
}

// Allocate pops a block off the free list and returns its payload address.
// It returns false when the pool is exhausted.
func (p *Pool) Allocate() (unsafe.Pointer, bool) {
	for {
		old := p.head.Load()
		idx := headIndex(old)
		if idx == nilIndex {
			return nil, false
		}
		next := p.headers[idx].next.Load()
		if p.head.CompareAndSwap(old, packHead(headTag(old)+1, next)) {
			p.headers[idx].allocated.Store(true)
			p.inUse.Add(1)
			return unsafe.Pointer(&p.arena[int(idx)*p.stride]), true
		}
	}
}

// Deallocate pushes the block owning ptr back onto the free list. Pointers
// outside the arena and double frees are ignored with a warning, never
// propagated.
func (p *Pool) Deallocate(ptr unsafe.Pointer) {
	idx, ok := p.indexOf(ptr)
	if !ok {
		p.logger.Warn("deallocate of pointer outside arena ignored",
			zap.Uintptr("ptr", uintptr(ptr)),
			zap.Int("block_size", p.blockSize))
		return
	}
	hdr := &p.headers[idx]
	if !hdr.allocated.CompareAndSwap(true, false) {
		p.logger.Warn("double deallocate ignored",
			zap.Uint32("block", idx),
			zap.Int("block_size", p.blockSize))
		return
	}
	for {
		old := p.head.Load()
		hdr.next.Store(headIndex(old))
		if p.head.CompareAndSwap(old, packHead(headTag(old)+1, idx)) {
			p.inUse.Add(-1)
			return
		}
	}
}

// Contains reports whether ptr addresses a payload inside the arena.
func (p *Pool) Contains(ptr unsafe.Pointer) bool {
	_, ok := p.indexOf(ptr)
	return ok
}

func (p *Pool) indexOf(ptr unsafe.Pointer) (uint32, bool) {
	addr := uintptr(ptr)
	if addr < p.base {
		return 0, false
	}
	off := addr - p.base
	if off >= uintptr(p.stride*p.capacity) || off%uintptr(p.stride) != 0 {
		return 0, false
	}
	return uint32(off / uintptr(p.stride)), true
}

// InUse returns the number of currently allocated blocks.
func (p *Pool) InUse() int {
	return int(p.inUse.Load())
}

// Available returns the number of free blocks.
func (p *Pool) Available() int {
	return p.capacity - p.InUse()
}

// Capacity returns the total number of blocks.
func (p *Pool) Capacity() int {
	return p.capacity
}

// BlockSize returns the payload size of each block in bytes.
func (p *Pool) BlockSize() int {
	return p.blockSize
}

// Package sized implements the size-class pool manager. Requests are
// rounded up to the next power of two and served by one fixed pool per
// class; anything larger than the biggest class bypasses the pools and is
// pinned on the Go heap. Every allocation is reported to the tracker.
package sized

import (
	"errors"
	"fmt"
	"math/bits"
	"runtime"
	"sync"
	"unsafe"

	"go.uber.org/zap"

	"github.com/mercuryhft/tradecore/internal/memory/fixed"
	"github.com/mercuryhft/tradecore/internal/memory/tracker"
)

const (
	// MinBlockSize is the smallest pooled block size in bytes.
	MinBlockSize = 8

	// MaxBlockSize is the largest pooled block size in bytes. Larger
	// requests bypass the pools.
	MaxBlockSize = 4096
)

var (
	// ErrOutOfMemory is returned when the size class serving a request has
	// no free blocks left.
	ErrOutOfMemory = errors.New("sized: pool exhausted")

	// ErrInvalidPoolSize is returned when the per-class pool size is not
	// positive.
	ErrInvalidPoolSize = errors.New("sized: pool size must be positive")
)

type poolInfo struct {
	blockSize int
	pool      *fixed.Pool
}

// PoolStat describes one size class.
type PoolStat struct {
	BlockSize int
	InUse     int
	Total     int
	BytesUsed int
}

// Allocator dispatches allocations to power-of-two fixed pools. Pool
// selection is guarded by one mutex; the pools themselves are lock-free.
type Allocator struct {
	logger *zap.Logger
	trk    *tracker.Tracker

	mu    sync.Mutex
	pools []poolInfo
	large map[uintptr][]byte
}

// New constructs an allocator with one fixed pool of poolSize blocks per
// power-of-two class in [MinBlockSize, MaxBlockSize]. A nil tracker handle
// selects the process-wide tracker.Default().
func New(poolSize int, trk *tracker.Tracker, logger *zap.Logger) (*Allocator, error) {
	if poolSize <= 0 {
		return nil, ErrInvalidPoolSize
	}
	if trk == nil {
		trk = tracker.Default()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	a := &Allocator{
		logger: logger,
		trk:    trk,
		large:  make(map[uintptr][]byte),
	}
	for size := MinBlockSize; size <= MaxBlockSize; size *= 2 {
		p, err := fixed.New(size, poolSize, logger)
		if err != nil {
			return nil, fmt.Errorf("sized: class %d: %w", size, err)
		}
		a.pools = append(a.pools, poolInfo{blockSize: size, pool: p})
	}
	return a, nil
}

// roundUpPowerOfTwo rounds size up to the next power of two. Zero and
// negative sizes are treated as MinBlockSize.
func roundUpPowerOfTwo(size int) int {
	if size <= MinBlockSize {
		return MinBlockSize
	}
	return 1 << bits.Len(uint(size-1))
}

func classIndex(rounded int) int {
	return bits.TrailingZeros(uint(rounded)) - bits.TrailingZeros(MinBlockSize)
}

// Allocate returns a pointer to at least size bytes. Sizes above
// MaxBlockSize bypass the pools and never exhaust; pooled sizes return
// ErrOutOfMemory when their class is empty.
func (a *Allocator) Allocate(size int) (unsafe.Pointer, error) {
	if size > MaxBlockSize {
		buf := make([]byte, size)
		ptr := unsafe.Pointer(&buf[0])
		a.mu.Lock()
		a.large[uintptr(ptr)] = buf
		a.mu.Unlock()
		a.track(ptr, size)
		return ptr, nil
	}

	rounded := roundUpPowerOfTwo(size)
	idx := classIndex(rounded)

	a.mu.Lock()
	ptr, ok := a.pools[idx].pool.Allocate()
	a.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("size class %d: %w", rounded, ErrOutOfMemory)
	}
	a.track(ptr, size)
	return ptr, nil
}

// Deallocate releases a pointer previously returned by Allocate with the
// same size. Nil pointers are ignored.
func (a *Allocator) Deallocate(ptr unsafe.Pointer, size int) {
	if ptr == nil {
		return
	}

	if size > MaxBlockSize {
		a.mu.Lock()
		_, known := a.large[uintptr(ptr)]
		delete(a.large, uintptr(ptr))
		a.mu.Unlock()
		if !known {
			a.logger.Warn("deallocate of unknown large allocation ignored",
				zap.Uintptr("ptr", uintptr(ptr)), zap.Int("size", size))
			return
		}
		a.trk.TrackDealloc(uintptr(ptr))
		return
	}

	rounded := roundUpPowerOfTwo(size)
	idx := classIndex(rounded)

	a.mu.Lock()
	a.pools[idx].pool.Deallocate(ptr)
	a.mu.Unlock()
	a.trk.TrackDealloc(uintptr(ptr))
}

func (a *Allocator) track(ptr unsafe.Pointer, size int) {
	if !a.trk.Enabled() {
		return
	}
	_, file, line, _ := runtime.Caller(2)
	a.trk.TrackAlloc(uintptr(ptr), size, file, line)
}

// PoolStats returns a per-class usage snapshot.
func (a *Allocator) PoolStats() []PoolStat {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]PoolStat, 0, len(a.pools))
	for _, pi := range a.pools {
		inUse := pi.pool.InUse()
		out = append(out, PoolStat{
			BlockSize: pi.blockSize,
			InUse:     inUse,
			Total:     pi.pool.Capacity(),
			BytesUsed: inUse * pi.blockSize,
		})
	}
	return out
}

// MemoryStats returns the tracker's aggregate snapshot.
func (a *Allocator) MemoryStats() tracker.Stats {
	return a.trk.Stats()
}

// TotalMemoryUsed returns the pooled bytes currently in use plus live
// bypass allocations.
func (a *Allocator) TotalMemoryUsed() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	total := 0
	for _, pi := range a.pools {
		total += pi.blockSize * pi.pool.InUse()
	}
	for _, buf := range a.large {
		total += len(buf)
	}
	return total
}

// PrintReport logs the per-class and aggregate statistics.
func (a *Allocator) PrintReport() {
	stats := a.MemoryStats()
	a.logger.Info("memory report",
		zap.Uint64("total_allocations", stats.TotalAllocations),
		zap.Uint64("active_allocations", stats.ActiveAllocations),
		zap.Uint64("current_bytes", stats.CurrentBytesInUse),
		zap.Uint64("peak_bytes", stats.PeakBytesInUse),
		zap.Uint64("largest_allocation", stats.LargestAllocation))
	for _, ps := range a.PoolStats() {
		if ps.InUse == 0 {
			continue
		}
		a.logger.Info("pool",
			zap.Int("block_size", ps.BlockSize),
			zap.Int("in_use", ps.InUse),
			zap.Int("total", ps.Total),
			zap.Int("bytes_used", ps.BytesUsed))
	}
}

// CheckLeaks logs every live allocation and returns how many were found.
func (a *Allocator) CheckLeaks() int {
	return a.trk.DetectLeaks()
}

// Close audits the tracker for leaks and logs them. It never fails; the
// arenas are reclaimed when the allocator is dropped.
func (a *Allocator) Close() {
	if n := a.CheckLeaks(); n > 0 {
		a.logger.Warn("allocator closed with live allocations", zap.Int("leaks", n))
	}
}

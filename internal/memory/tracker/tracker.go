// Package tracker keeps a per-address ledger of live allocations together
// with aggregate counters. The sized allocator reports every allocation and
// deallocation here so leaks can be audited at teardown.
package tracker

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Record describes one tracked allocation.
type Record struct {
	Addr      uintptr
	Size      int
	Timestamp time.Time
	File      string
	Line      int
	Active    bool
}

// Stats is a snapshot of the aggregate counters.
type Stats struct {
	TotalAllocations    uint64
	ActiveAllocations   uint64
	TotalBytesAllocated uint64
	CurrentBytesInUse   uint64
	PeakBytesInUse      uint64
	LargestAllocation   uint64
}

// Tracker is the allocation ledger. All methods are safe for concurrent
// use. When disabled, tracking calls return immediately without taking the
// ledger lock.
type Tracker struct {
	logger  *zap.Logger
	enabled atomic.Bool

	mu      sync.Mutex
	records map[uintptr]*Record

	totalAllocs atomic.Uint64
	active      atomic.Uint64
	totalBytes  atomic.Uint64
	current     atomic.Uint64
	peak        atomic.Uint64
	largest     atomic.Uint64
}

var (
	defaultOnce    sync.Once
	defaultTracker *Tracker
)

// New creates an enabled tracker.
func New(logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &Tracker{
		logger:  logger,
		records: make(map[uintptr]*Record),
	}
	t.enabled.Store(true)
	return t
}

// Default returns the process-wide tracker, created on first use. Components
// should still take a *Tracker handle explicitly; Default exists for wiring
// at the composition root.
func Default() *Tracker {
	defaultOnce.Do(func() {
		defaultTracker = New(zap.NewNop())
	})
	return defaultTracker
}

// SetEnabled switches tracking on or off. While off, TrackAlloc and
// TrackDealloc are no-ops.
func (t *Tracker) SetEnabled(enabled bool) {
	t.enabled.Store(enabled)
}

// Enabled reports whether tracking is active.
func (t *Tracker) Enabled() bool {
	return t.enabled.Load()
}

// TrackAlloc records an allocation at addr. An existing record for the same
// address is overwritten.
func (t *Tracker) TrackAlloc(addr uintptr, size int, file string, line int) {
	if !t.enabled.Load() || addr == 0 {
		return
	}

	t.mu.Lock()
	t.records[addr] = &Record{
		Addr:      addr,
		Size:      size,
		Timestamp: time.Now(),
		File:      file,
		Line:      line,
		Active:    true,
	}
	t.mu.Unlock()

	t.totalAllocs.Add(1)
	t.active.Add(1)
	t.totalBytes.Add(uint64(size))
	cur := t.current.Add(uint64(size))
	storeMax(&t.peak, cur)
	storeMax(&t.largest, uint64(size))
}

// TrackDealloc marks the record at addr inactive. Unknown addresses are
// ignored.
func (t *Tracker) TrackDealloc(addr uintptr) {
	if !t.enabled.Load() || addr == 0 {
		return
	}

	t.mu.Lock()
	rec, ok := t.records[addr]
	if ok && rec.Active {
		rec.Active = false
	} else {
		ok = false
	}
	t.mu.Unlock()

	if !ok {
		return
	}

	t.active.Add(^uint64(0))
	t.current.Add(^(uint64(rec.Size) - 1))
}

// Stats returns a snapshot of the aggregate counters.
func (t *Tracker) Stats() Stats {
	return Stats{
		TotalAllocations:    t.totalAllocs.Load(),
		ActiveAllocations:   t.active.Load(),
		TotalBytesAllocated: t.totalBytes.Load(),
		CurrentBytesInUse:   t.current.Load(),
		PeakBytesInUse:      t.peak.Load(),
		LargestAllocation:   t.largest.Load(),
	}
}

// ActiveRecords returns a copy of all records whose deallocation has not
// been observed, ordered by address.
func (t *Tracker) ActiveRecords() []Record {
	t.mu.Lock()
	out := make([]Record, 0, len(t.records))
	for _, rec := range t.records {
		if rec.Active {
			out = append(out, *rec)
		}
	}
	t.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Addr < out[j].Addr })
	return out
}

// DetectLeaks logs every active record and returns the leak count.
func (t *Tracker) DetectLeaks() int {
	leaks := t.ActiveRecords()
	for _, rec := range leaks {
		t.logger.Warn("leaked allocation",
			zap.Uintptr("addr", rec.Addr),
			zap.Int("size", rec.Size),
			zap.String("file", rec.File),
			zap.Int("line", rec.Line),
			zap.Time("allocated_at", rec.Timestamp))
	}
	return len(leaks)
}

// Reset clears the ledger and zeroes every counter.
func (t *Tracker) Reset() {
	t.mu.Lock()
	t.records = make(map[uintptr]*Record)
	t.mu.Unlock()

	t.totalAllocs.Store(0)
	t.active.Store(0)
	t.totalBytes.Store(0)
	t.current.Store(0)
	t.peak.Store(0)
	t.largest.Store(0)
}

// storeMax raises dst to v, keeping it monotonic under concurrent updates.
func storeMax(dst *atomic.Uint64, v uint64) {
	for {
		cur := dst.Load()
		if v <= cur || dst.CompareAndSwap(cur, v) {
			return
		}
	}
}

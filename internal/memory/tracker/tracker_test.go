package tracker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"
)

func TestTrackAllocDealloc(t *testing.T) {
	trk := New(zaptest.NewLogger(t))

	trk.TrackAlloc(0x1000, 64, "alloc.go", 10)
	trk.TrackAlloc(0x2000, 128, "alloc.go", 20)

	stats := trk.Stats()
	assert.Equal(t, uint64(2), stats.TotalAllocations)
	assert.Equal(t, uint64(2), stats.ActiveAllocations)
	assert.Equal(t, uint64(192), stats.TotalBytesAllocated)
	assert.Equal(t, uint64(192), stats.CurrentBytesInUse)
	assert.Equal(t, uint64(192), stats.PeakBytesInUse)
	assert.Equal(t, uint64(128), stats.LargestAllocation)

	trk.TrackDealloc(0x1000)
	stats = trk.Stats()
	assert.Equal(t, uint64(1), stats.ActiveAllocations)
	assert.Equal(t, uint64(128), stats.CurrentBytesInUse)
	assert.Equal(t, uint64(192), stats.PeakBytesInUse, "peak must not regress")
}

func TestActiveBytesMatchRecords(t *testing.T) {
	trk := New(zaptest.NewLogger(t))

	trk.TrackAlloc(0x10, 8, "a.go", 1)
	trk.TrackAlloc(0x20, 16, "a.go", 2)
	trk.TrackAlloc(0x30, 32, "a.go", 3)
	trk.TrackDealloc(0x20)

	total := 0
	for _, rec := range trk.ActiveRecords() {
		total += rec.Size
	}
	assert.Equal(t, uint64(total), trk.Stats().CurrentBytesInUse)
}

func TestDisabledIsNoOp(t *testing.T) {
	trk := New(zaptest.NewLogger(t))
	trk.SetEnabled(false)

	trk.TrackAlloc(0x1000, 64, "alloc.go", 10)
	trk.TrackDealloc(0x1000)

	stats := trk.Stats()
	assert.Equal(t, uint64(0), stats.TotalAllocations)
	assert.Empty(t, trk.ActiveRecords())
}

func TestUnknownDeallocIgnored(t *testing.T) {
	trk := New(zaptest.NewLogger(t))

	trk.TrackAlloc(0x1000, 64, "alloc.go", 10)
	trk.TrackDealloc(0x9999)
	trk.TrackDealloc(0x1000)
	trk.TrackDealloc(0x1000)

	stats := trk.Stats()
	assert.Equal(t, uint64(0), stats.ActiveAllocations)
	assert.Equal(t, uint64(0), stats.CurrentBytesInUse)
}

func TestDetectLeaks(t *testing.T) {
	trk := New(zaptest.NewLogger(t))

	trk.TrackAlloc(0x1000, 64, "alloc.go", 10)
	trk.TrackAlloc(0x2000, 32, "alloc.go", 11)
	trk.TrackDealloc(0x2000)

	assert.Equal(t, 1, trk.DetectLeaks())
}

func TestReset(t *testing.T) {
	trk := New(zaptest.NewLogger(t))

	trk.TrackAlloc(0x1000, 64, "alloc.go", 10)
	trk.Reset()

	stats := trk.Stats()
	assert.Equal(t, Stats{}, stats)
	assert.Empty(t, trk.ActiveRecords())

	// Reset is idempotent.
	trk.Reset()
	assert.Equal(t, Stats{}, trk.Stats())
}

func TestDefaultSingleton(t *testing.T) {
	assert.Same(t, Default(), Default())
}

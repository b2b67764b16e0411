package session

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/driftbox/driftbox/pkg/store"
)

func TestPartLayout(t *testing.T) {
	tests := []struct {
		name       string
		totalSize  int64
		requested  int64
		wantSize   int64
		wantChunks int64
	}{
		{name: "50MB default", totalSize: 50_000_000, requested: 0, wantSize: DefaultPartSize, wantChunks: 10},
		{name: "exact multiple", totalSize: 10_000_000, requested: 0, wantSize: DefaultPartSize, wantChunks: 2},
		{name: "remainder adds a chunk", totalSize: 10_000_001, requested: 0, wantSize: DefaultPartSize, wantChunks: 3},
		{name: "smaller than one part", totalSize: 1234, requested: 0, wantSize: DefaultPartSize, wantChunks: 1},
		{name: "explicit chunk size", totalSize: 1000, requested: 100, wantSize: 100, wantChunks: 10},
		{name: "zero size", totalSize: 0, requested: 0, wantSize: DefaultPartSize, wantChunks: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			size, chunks := PartLayout(tt.totalSize, tt.requested)
			assert.Equal(t, tt.wantSize, size)
			assert.Equal(t, tt.wantChunks, chunks)
		})
	}
}

func TestPartLayoutGrowsToRespectPartCap(t *testing.T) {
	// A file that would need more than MaxPartCount default-sized parts
	// gets bigger parts, never more parts.
	totalSize := int64(DefaultPartSize) * (MaxPartCount + 500)

	size, chunks := PartLayout(totalSize, 0)
	assert.LessOrEqual(t, chunks, int64(MaxPartCount))
	assert.Greater(t, size, int64(DefaultPartSize))
	assert.GreaterOrEqual(t, size*chunks, totalSize, "parts must cover the whole file")
}

func TestPercentSplitsPhasesEvenly(t *testing.T) {
	sess := &store.Session{
		TotalSize:   1000,
		ChunkSize:   100,
		TotalChunks: 10,
		Phase:       store.PhaseClientToServer,
		Status:      store.StatusRunning,
	}

	assert.Equal(t, 0, Percent(sess))

	sess.ReceivedChunks = 5
	assert.Equal(t, 25, Percent(sess))

	sess.ReceivedChunks = 10
	assert.Equal(t, 50, Percent(sess))

	// Phase flip holds the bar at 50 until provider bytes move.
	sess.Phase = store.PhaseServerToProvider
	assert.Equal(t, 50, Percent(sess))

	sess.ProviderBytes = 500
	assert.Equal(t, 75, Percent(sess))

	sess.ProviderBytes = 1000
	assert.Equal(t, 100, Percent(sess))
}

func TestPercentMonotonicAcrossTransfer(t *testing.T) {
	sess := &store.Session{
		TotalSize:   1000,
		ChunkSize:   100,
		TotalChunks: 10,
		Phase:       store.PhaseClientToServer,
		Status:      store.StatusRunning,
	}

	last := -1
	step := func() {
		got := Percent(sess)
		assert.GreaterOrEqual(t, got, last)
		last = got
	}

	for i := int64(1); i <= 10; i++ {
		sess.ReceivedChunks = i
		step()
	}
	sess.Phase = store.PhaseServerToProvider
	step()
	for b := int64(100); b <= 1000; b += 100 {
		sess.ProviderBytes = b
		step()
	}
	sess.Status = store.StatusCompleted
	step()
	assert.Equal(t, 100, last)
}

func TestPercentCompletedOverridesCounters(t *testing.T) {
	sess := &store.Session{
		TotalSize:   1000,
		TotalChunks: 10,
		Phase:       store.PhaseServerToProvider,
		Status:      store.StatusCompleted,
		// Counters deliberately stale.
		ProviderBytes: 0,
	}
	assert.Equal(t, 100, Percent(sess))
}

func TestPercentDirectSessionStartsAtFifty(t *testing.T) {
	// Direct sessions seed receivedChunks = totalChunks and begin in the
	// provider phase, so the bar starts at the halfway mark.
	sess := &store.Session{
		TotalSize:       1000,
		TotalChunks:     10,
		ReceivedChunks:  10,
		Phase:           store.PhaseServerToProvider,
		Status:          store.StatusPending,
		UseDirectUpload: true,
	}
	assert.Equal(t, 50, Percent(sess))
}

func TestPercentZeroSizeFile(t *testing.T) {
	sess := &store.Session{
		TotalSize:   0,
		TotalChunks: 0,
		Phase:       store.PhaseClientToServer,
		Status:      store.StatusPending,
	}
	assert.Equal(t, 0, Percent(sess))

	sess.Phase = store.PhaseServerToProvider
	assert.Equal(t, 50, Percent(sess))

	sess.Status = store.StatusCompleted
	assert.Equal(t, 100, Percent(sess))
}

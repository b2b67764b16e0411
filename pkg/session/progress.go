package session

import (
	"math"

	"github.com/driftbox/driftbox/pkg/store"
)

// Part-size policy. Favor few large parts over many small ones, subject to
// backend part limits: parts default to DefaultPartSize and grow as needed
// to keep the count at or under MaxPartCount.
const (
	// DefaultPartSize is the default chunk/part size in bytes.
	DefaultPartSize = 5_000_000

	// MaxPartCount is the backend multipart part-count ceiling.
	MaxPartCount = 10_000

	// MaxPartSize caps part growth (5 GiB, the S3 per-part maximum).
	MaxPartSize = 5 << 30
)

// PartLayout computes the chunk size and chunk count for a transfer.
// A zero requestedChunkSize applies the default policy.
func PartLayout(totalSize, requestedChunkSize int64) (chunkSize, totalChunks int64) {
	if totalSize <= 0 {
		return DefaultPartSize, 0
	}

	chunkSize = requestedChunkSize
	if chunkSize <= 0 {
		chunkSize = DefaultPartSize
	}
	if count := ceilDiv(totalSize, chunkSize); count > MaxPartCount {
		chunkSize = ceilDiv(totalSize, MaxPartCount)
	}
	if chunkSize > MaxPartSize {
		chunkSize = MaxPartSize
	}
	return chunkSize, ceilDiv(totalSize, chunkSize)
}

// Percent reports deterministic progress from phase and counters, never from
// wall-clock time. Receiving bytes and forwarding them are both real,
// separately observable costs, so each leg owns half the bar; completed
// overrides to 100 regardless of counters.
func Percent(sess *store.Session) int {
	if sess.Status == store.StatusCompleted {
		return 100
	}
	if sess.Phase == store.PhaseClientToServer {
		return int(math.Round(float64(sess.ReceivedChunks) / float64(max64(sess.TotalChunks, 1)) * 50))
	}
	return int(math.Round(50 + float64(sess.ProviderBytes)/float64(max64(sess.TotalSize, 1))*50))
}

func ceilDiv(a, b int64) int64 {
	return (a + b - 1) / b
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

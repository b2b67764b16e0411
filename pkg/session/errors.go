package session

import "errors"

// Sentinel errors for session operations.
var (
	// ErrTerminal indicates a command against a session already in a
	// terminal status. Status transitions are monotonic.
	ErrTerminal = errors.New("session is in a terminal status")

	// ErrNotRetryable indicates retry on a session that is not failed.
	ErrNotRetryable = errors.New("only failed sessions are retryable")

	// ErrDirectSession indicates a chunk submitted to a direct-upload
	// session, which skips the client_to_server phase entirely.
	ErrDirectSession = errors.New("session uses direct upload")

	// ErrProxiedSession indicates a part confirmation against a proxied
	// session.
	ErrProxiedSession = errors.New("session uses proxied upload")

	// ErrChunkOutOfRange indicates a chunk number outside [1, totalChunks].
	ErrChunkOutOfRange = errors.New("chunk number out of range")

	// ErrDuplicateChunk indicates a chunk that was already applied.
	ErrDuplicateChunk = errors.New("chunk already received")

	// ErrChunkSize indicates a chunk payload whose length does not match
	// the session's chunk size. Every chunk except the last must be exactly
	// chunkSize bytes; accepting a wrong-sized payload would shift every
	// later chunk's spool offset.
	ErrChunkSize = errors.New("chunk payload length mismatch")

	// ErrReorderWindow indicates an out-of-order chunk beyond the bounded
	// reorder window. Unbounded buffers would defeat backpressure.
	ErrReorderWindow = errors.New("chunk exceeds reorder window")

	// ErrPartsIncomplete indicates completion requested before every part
	// was confirmed.
	ErrPartsIncomplete = errors.New("not all parts confirmed")

	// ErrProviderInactive indicates the target provider is soft-disabled.
	ErrProviderInactive = errors.New("provider is disconnected")
)

// Package session implements the transfer session engine: a resumable,
// phase-aware state machine that routes upload bytes either directly
// between the caller and the provider (presigned multipart) or through the
// server as a relay, persisting enough state to survive reconnects and
// process restarts.
//
// The machine is advanced by discrete commands (submit-chunk, complete-part,
// complete, cancel, retry) and is independent of any particular concurrency
// primitive: every command serializes on a per-session mutex, and the only
// long-running work (the server-to-provider relay) runs on its own goroutine
// without holding that mutex.
package session

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/driftbox/driftbox/pkg/provider"
	"github.com/driftbox/driftbox/pkg/resolver"
	"github.com/driftbox/driftbox/pkg/store"
)

// reorderWindow bounds how many out-of-order chunks are buffered per
// session before submissions are rejected.
const reorderWindow = 16

// Config configures the manager.
type Config struct {
	// SpoolDir holds assembled chunk files for proxied uploads. Spools
	// live here rather than the OS temp dir so they survive restarts.
	SpoolDir string

	// IdleTimeout proactively fails sessions with no progress, so stale
	// sessions do not block quota reconciliation or retry logic.
	IdleTimeout time.Duration

	// RelayBytesPerSec caps server-to-provider relay throughput.
	// Zero means unlimited.
	RelayBytesPerSec int64
}

// Manager creates, advances, persists, and terminates transfer sessions.
// It is the exclusive mutator of session rows.
type Manager struct {
	cfg      Config
	log      *zap.Logger
	store    *store.Store
	resolver *resolver.Resolver
	bus      *Bus
	limiter  *rate.Limiter

	mu      sync.Mutex
	handles map[string]*handle

	baseCtx context.Context
	stop    context.CancelFunc
}

// handle is the in-memory side of one session: the per-session lock, the
// reorder buffer, the open spool, and the relay cancel hook. The durable
// row is the source of truth; the handle is a projection that can be
// rebuilt from it.
type handle struct {
	mu   sync.Mutex
	sess store.Session

	pending      map[int64][]byte
	spool        *os.File
	lastProgress time.Time
	relayCancel  context.CancelFunc
}

// NewManager creates a session manager.
func NewManager(cfg Config, st *store.Store, res *resolver.Resolver, bus *Bus, log *zap.Logger) (*Manager, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if bus == nil {
		bus = NewBus()
	}
	if cfg.SpoolDir == "" {
		return nil, fmt.Errorf("spool dir is required")
	}
	if err := os.MkdirAll(cfg.SpoolDir, 0o755); err != nil {
		return nil, fmt.Errorf("create spool dir: %w", err)
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 30 * time.Minute
	}

	var limiter *rate.Limiter
	if cfg.RelayBytesPerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RelayBytesPerSec), int(cfg.RelayBytesPerSec))
	}

	baseCtx, stop := context.WithCancel(context.Background())
	return &Manager{
		cfg:      cfg,
		log:      log,
		store:    st,
		resolver: res,
		bus:      bus,
		limiter:  limiter,
		handles:  make(map[string]*handle),
		baseCtx:  baseCtx,
		stop:     stop,
	}, nil
}

// Bus exposes the progress event channel.
func (m *Manager) Bus() *Bus {
	return m.bus
}

// Close stops relays and the reaper. In-flight sessions stay resumable
// from their persisted rows.
func (m *Manager) Close() {
	m.stop()
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, h := range m.handles {
		h.mu.Lock()
		if h.spool != nil {
			_ = h.spool.Close()
			h.spool = nil
		}
		h.mu.Unlock()
	}
}

// InitiateParams is the input for creating an upload session.
type InitiateParams struct {
	WorkspaceID string
	ProviderID  string
	FileName    string
	TotalSize   int64
	FolderID    string

	// ChunkSize overrides the part-size policy when positive.
	ChunkSize int64
}

// Initiate creates a session and decides its routing from the target
// provider's static capability flags.
func (m *Manager) Initiate(ctx context.Context, p InitiateParams) (*store.Session, error) {
	rec, err := m.store.GetProvider(ctx, p.ProviderID)
	if err != nil {
		return nil, err
	}
	if !rec.IsActive {
		return nil, fmt.Errorf("provider %s: %w", p.ProviderID, ErrProviderInactive)
	}
	reg, err := m.resolver.Registry().Get(provider.Type(rec.Type))
	if err != nil {
		return nil, err
	}

	chunkSize, totalChunks := PartLayout(p.TotalSize, p.ChunkSize)

	sess := store.Session{
		SessionID:   uuid.New().String(),
		WorkspaceID: p.WorkspaceID,
		ProviderID:  p.ProviderID,
		FileID:      uuid.New().String(), // file identity exists before any bytes do
		FileName:    p.FileName,
		TotalSize:   p.TotalSize,
		ChunkSize:   chunkSize,
		TotalChunks: totalChunks,
		Status:      store.StatusPending,
		UploadState: store.UploadState{FolderID: p.FolderID},
	}

	direct := reg.Capabilities.SupportsDirectUpload && reg.Capabilities.SupportsMultipart && totalChunks > 0
	if direct {
		if err := m.planDirect(ctx, &sess); err != nil {
			return nil, err
		}
	} else {
		if err := m.planProxied(&sess); err != nil {
			return nil, err
		}
	}

	if err := m.store.SaveSession(ctx, &sess); err != nil {
		m.discardPlan(ctx, &sess)
		return nil, err
	}

	h := &handle{
		sess:         sess,
		pending:      make(map[int64][]byte),
		lastProgress: time.Now(),
	}
	if !sess.UseDirectUpload {
		if err := m.openSpool(h); err != nil {
			return nil, err
		}
	}

	m.mu.Lock()
	m.handles[sess.SessionID] = h
	m.mu.Unlock()

	if !sess.UseDirectUpload && sess.TotalChunks == 0 {
		h.mu.Lock()
		m.startRelay(h)
		h.mu.Unlock()
	}

	m.bus.Publish(snapshot(&sess))
	m.log.Info("session initiated",
		zap.String("session_id", sess.SessionID),
		zap.String("provider_id", sess.ProviderID),
		zap.Int64("total_size", sess.TotalSize),
		zap.Int64("total_chunks", sess.TotalChunks),
		zap.Bool("direct", sess.UseDirectUpload))

	copied := sess
	return &copied, nil
}

// planDirect requests one presigned URL per part and seeds receivedChunks
// so the progress formula needs no special case for the skipped
// client_to_server leg.
func (m *Manager) planDirect(ctx context.Context, sess *store.Session) error {
	return m.resolver.WithDriver(ctx, sess.ProviderID, func(drv provider.Driver, _ provider.Registration, _ *store.Provider) error {
		up, ok := drv.(provider.DirectUploader)
		if !ok {
			return fmt.Errorf("%s: %w", sess.ProviderID, provider.ErrUnsupported)
		}
		presigned, err := up.PresignUpload(ctx, provider.ObjectMetadata{
			Name:     sess.FileName,
			FolderID: sess.UploadState.FolderID,
			Size:     sess.TotalSize,
		}, sess.ChunkSize, int(sess.TotalChunks))
		if err != nil {
			return err
		}

		sess.UseDirectUpload = true
		sess.Phase = store.PhaseServerToProvider
		sess.ReceivedChunks = sess.TotalChunks
		sess.UploadState.UploadID = presigned.UploadID
		sess.UploadState.RemoteID = presigned.RemoteID
		sess.PartURLs = make([]store.PresignedPart, 0, len(presigned.PartURLs))
		for _, part := range presigned.PartURLs {
			sess.PartURLs = append(sess.PartURLs, store.PresignedPart{PartNumber: part.PartNumber, URL: part.URL})
		}
		return nil
	})
}

func (m *Manager) planProxied(sess *store.Session) error {
	sess.UseDirectUpload = false
	sess.Phase = store.PhaseClientToServer
	if sess.TotalChunks == 0 {
		// Zero-byte upload: there is no client leg to wait for.
		sess.Phase = store.PhaseServerToProvider
	}
	sess.UploadState.SpoolPath = filepath.Join(m.cfg.SpoolDir, sess.SessionID+".spool")
	return nil
}

// discardPlan releases provider-side multipart state when persisting the
// freshly planned session failed.
func (m *Manager) discardPlan(ctx context.Context, sess *store.Session) {
	if !sess.UseDirectUpload || sess.UploadState.UploadID == "" {
		return
	}
	err := m.resolver.WithDriver(ctx, sess.ProviderID, func(drv provider.Driver, _ provider.Registration, _ *store.Provider) error {
		up, ok := drv.(provider.DirectUploader)
		if !ok {
			return nil
		}
		return up.AbortUpload(ctx, m.presignedUpload(sess))
	})
	if err != nil {
		m.log.Warn("abort discarded upload", zap.String("session_id", sess.SessionID), zap.Error(err))
	}
}

func (m *Manager) openSpool(h *handle) error {
	f, err := os.OpenFile(h.sess.UploadState.SpoolPath, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return fmt.Errorf("open spool: %w", err)
	}
	h.spool = f
	return nil
}

// SubmitChunk applies one caller-to-server chunk. Chunk numbers start at 1
// and must arrive in increasing order; out-of-order arrivals are buffered
// up to a bounded window and applied once the gap closes.
func (m *Manager) SubmitChunk(ctx context.Context, sessionID string, chunkNumber int64, data []byte) (*store.Session, error) {
	h, err := m.handleFor(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	sess := &h.sess
	switch {
	case sess.Status.Terminal():
		return nil, fmt.Errorf("session %s (%s): %w", sessionID, sess.Status, ErrTerminal)
	case sess.UseDirectUpload:
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrDirectSession)
	case sess.Phase != store.PhaseClientToServer:
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrDuplicateChunk)
	case chunkNumber < 1 || chunkNumber > sess.TotalChunks:
		return nil, fmt.Errorf("chunk %d of %d: %w", chunkNumber, sess.TotalChunks, ErrChunkOutOfRange)
	}

	// Spool offsets are derived from chunkSize, so a wrong-sized payload
	// would corrupt its neighbors: an oversized chunk overwrites the next
	// slot, an undersized one leaves a hole the relay would stream as
	// zeros. Checked before buffering so out-of-order chunks cannot smuggle
	// a bad length through the pending map either.
	if want := m.partSize(sess, int(chunkNumber)); int64(len(data)) != want {
		return nil, fmt.Errorf("chunk %d is %d bytes, want %d: %w", chunkNumber, len(data), want, ErrChunkSize)
	}

	expected := sess.ReceivedChunks + 1
	switch {
	case chunkNumber < expected:
		return nil, fmt.Errorf("chunk %d: %w", chunkNumber, ErrDuplicateChunk)
	case chunkNumber > expected:
		if chunkNumber-expected > reorderWindow {
			return nil, fmt.Errorf("chunk %d, next expected %d: %w", chunkNumber, expected, ErrReorderWindow)
		}
		if _, buffered := h.pending[chunkNumber]; !buffered {
			buf := make([]byte, len(data))
			copy(buf, data)
			h.pending[chunkNumber] = buf
		}
		copied := *sess
		return &copied, nil
	}

	if err := m.applyChunk(h, chunkNumber, data); err != nil {
		return nil, err
	}
	// Drain any buffered successors the gap was hiding.
	for {
		next := sess.ReceivedChunks + 1
		buf, ok := h.pending[next]
		if !ok {
			break
		}
		delete(h.pending, next)
		if err := m.applyChunk(h, next, buf); err != nil {
			return nil, err
		}
	}

	if sess.Status == store.StatusPending {
		sess.Status = store.StatusRunning
	}

	allReceived := sess.ReceivedChunks == sess.TotalChunks
	if allReceived {
		sess.Phase = store.PhaseServerToProvider
	}

	h.lastProgress = time.Now()
	if err := m.store.SaveSession(ctx, sess); err != nil {
		return nil, err
	}
	m.bus.Publish(snapshot(sess))

	if allReceived {
		m.startRelay(h)
	}

	copied := *sess
	return &copied, nil
}

func (m *Manager) applyChunk(h *handle, chunkNumber int64, data []byte) error {
	offset := (chunkNumber - 1) * h.sess.ChunkSize
	if _, err := h.spool.WriteAt(data, offset); err != nil {
		return fmt.Errorf("write chunk %d: %w", chunkNumber, err)
	}
	h.sess.ReceivedChunks++
	return nil
}

// startRelay launches the server-to-provider leg on its own goroutine. The
// caller holds the handle lock; the relay itself acquires it only for brief
// state updates so progress queries and cancellation are never starved
// behind a long write.
func (m *Manager) startRelay(h *handle) {
	relayCtx, cancel := context.WithCancel(m.baseCtx)
	h.relayCancel = cancel
	sessionID := h.sess.SessionID
	go func() {
		defer cancel()
		if err := m.relay(relayCtx, h); err != nil {
			if relayCtx.Err() != nil {
				// Cancelled; the cancel path owns the terminal state.
				return
			}
			m.failSession(sessionID, err)
		}
	}()
}

// relay streams the assembled spool to the provider.
func (m *Manager) relay(ctx context.Context, h *handle) error {
	h.mu.Lock()
	sess := h.sess
	spoolPath := sess.UploadState.SpoolPath
	h.mu.Unlock()

	contentType := "application/octet-stream"
	if mt, err := mimetype.DetectFile(spoolPath); err == nil {
		contentType = mt.String()
	}

	f, err := os.Open(spoolPath)
	if err != nil {
		return fmt.Errorf("open spool for relay: %w", err)
	}
	defer func() { _ = f.Close() }()

	reader := &relayReader{
		ctx:     ctx,
		r:       io.LimitReader(f, sess.TotalSize),
		limiter: m.limiter,
		onProgress: func(n int64) {
			m.noteRelayProgress(h, n)
		},
	}

	var remoteID string
	err = m.resolver.WithDriver(ctx, sess.ProviderID, func(drv provider.Driver, _ provider.Registration, _ *store.Provider) error {
		id, putErr := drv.PutObject(ctx, reader, provider.ObjectMetadata{
			Name:        sess.FileName,
			FolderID:    sess.UploadState.FolderID,
			ContentType: contentType,
			Size:        sess.TotalSize,
		})
		remoteID = id
		return putErr
	})
	if err != nil {
		return err
	}

	m.finishSession(h, remoteID)
	return nil
}

// noteRelayProgress persists counter increments outside the relay's write
// path. Persistence throttles to chunk-size granularity.
func (m *Manager) noteRelayProgress(h *handle, total int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sess.Status.Terminal() {
		return
	}
	prev := h.sess.ProviderBytes
	h.sess.ProviderBytes = total
	h.lastProgress = time.Now()
	if total-prev >= h.sess.ChunkSize || total == h.sess.TotalSize {
		if err := m.store.SaveSession(context.Background(), &h.sess); err != nil {
			m.log.Warn("persist relay progress", zap.String("session_id", h.sess.SessionID), zap.Error(err))
		}
		m.bus.Publish(snapshot(&h.sess))
	}
}

// finishSession commits the completed state and performs quota bookkeeping.
func (m *Manager) finishSession(h *handle, remoteID string) {
	ctx := context.Background()

	h.mu.Lock()
	if h.sess.Status.Terminal() {
		h.mu.Unlock()
		return
	}
	h.sess.Status = store.StatusCompleted
	h.sess.ProviderBytes = h.sess.TotalSize
	h.sess.UploadState.RemoteID = remoteID
	if h.spool != nil {
		_ = h.spool.Close()
		h.spool = nil
	}
	spoolPath := h.sess.UploadState.SpoolPath
	sess := h.sess
	h.mu.Unlock()

	if err := m.store.SaveSession(ctx, &sess); err != nil {
		m.log.Error("persist completed session", zap.String("session_id", sess.SessionID), zap.Error(err))
	}
	if spoolPath != "" {
		_ = os.Remove(spoolPath)
	}

	if err := m.store.AdjustQuotaUsed(ctx, sess.ProviderID, sess.TotalSize); err != nil {
		// The cached counter drifted; the next quota sync reconciles it.
		m.log.Warn("quota bookkeeping after upload",
			zap.String("provider_id", sess.ProviderID), zap.Error(err))
	}

	m.bus.Publish(snapshot(&sess))
	m.dropHandle(sess.SessionID)
	m.log.Info("session completed",
		zap.String("session_id", sess.SessionID),
		zap.String("remote_id", remoteID))
}

// failSession commits a failed state with the driver's error text.
func (m *Manager) failSession(sessionID string, cause error) {
	m.mu.Lock()
	h := m.handles[sessionID]
	m.mu.Unlock()
	if h == nil {
		return
	}

	h.mu.Lock()
	if h.sess.Status.Terminal() {
		h.mu.Unlock()
		return
	}
	h.sess.Status = store.StatusFailed
	h.sess.ErrorMessage = cause.Error()
	sess := h.sess
	h.mu.Unlock()

	if err := m.store.SaveSession(context.Background(), &sess); err != nil {
		m.log.Error("persist failed session", zap.String("session_id", sessionID), zap.Error(err))
	}
	m.bus.Publish(snapshot(&sess))
	m.log.Warn("session failed", zap.String("session_id", sessionID), zap.Error(cause))
}

// CompletePart records a caller-confirmed part ETag for a direct session.
func (m *Manager) CompletePart(ctx context.Context, sessionID string, partNumber int, etag string) (*store.Session, error) {
	h, err := m.handleFor(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	sess := &h.sess
	switch {
	case sess.Status.Terminal():
		return nil, fmt.Errorf("session %s (%s): %w", sessionID, sess.Status, ErrTerminal)
	case !sess.UseDirectUpload:
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrProxiedSession)
	case partNumber < 1 || int64(partNumber) > sess.TotalChunks:
		return nil, fmt.Errorf("part %d of %d: %w", partNumber, sess.TotalChunks, ErrChunkOutOfRange)
	}

	for _, p := range sess.UploadState.CompletedParts {
		if p.PartNumber == partNumber {
			return nil, fmt.Errorf("part %d: %w", partNumber, ErrDuplicateChunk)
		}
	}

	sess.UploadState.CompletedParts = append(sess.UploadState.CompletedParts, store.CompletedPart{
		PartNumber: partNumber,
		ETag:       etag,
	})
	sess.ProviderBytes += m.partSize(sess, partNumber)
	if sess.Status == store.StatusPending {
		sess.Status = store.StatusRunning
	}
	h.lastProgress = time.Now()

	if err := m.store.SaveSession(ctx, sess); err != nil {
		return nil, err
	}
	m.bus.Publish(snapshot(sess))

	copied := *sess
	return &copied, nil
}

// partSize is the byte size of one part; only the final part may be short.
func (m *Manager) partSize(sess *store.Session, partNumber int) int64 {
	if int64(partNumber) < sess.TotalChunks {
		return sess.ChunkSize
	}
	last := sess.TotalSize - (sess.TotalChunks-1)*sess.ChunkSize
	if last < 0 {
		return 0
	}
	return last
}

// Complete finalizes a direct multipart session from the ordered part list.
// Status moves to completed only on driver confirmation.
func (m *Manager) Complete(ctx context.Context, sessionID string) (*store.Session, error) {
	h, err := m.handleFor(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	sess := h.sess
	if sess.Status.Terminal() {
		h.mu.Unlock()
		return nil, fmt.Errorf("session %s (%s): %w", sessionID, sess.Status, ErrTerminal)
	}
	if !sess.UseDirectUpload {
		h.mu.Unlock()
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrProxiedSession)
	}
	if int64(len(sess.UploadState.CompletedParts)) != sess.TotalChunks {
		h.mu.Unlock()
		return nil, fmt.Errorf("%d of %d parts: %w", len(sess.UploadState.CompletedParts), sess.TotalChunks, ErrPartsIncomplete)
	}
	h.mu.Unlock()

	parts := make([]provider.CompletedPart, 0, len(sess.UploadState.CompletedParts))
	for _, p := range sess.UploadState.CompletedParts {
		parts = append(parts, provider.CompletedPart{PartNumber: p.PartNumber, ETag: p.ETag})
	}
	sort.Slice(parts, func(i, j int) bool { return parts[i].PartNumber < parts[j].PartNumber })

	var remoteID string
	finalizeErr := m.resolver.WithDriver(ctx, sess.ProviderID, func(drv provider.Driver, _ provider.Registration, _ *store.Provider) error {
		up, ok := drv.(provider.DirectUploader)
		if !ok {
			return fmt.Errorf("%s: %w", sess.ProviderID, provider.ErrUnsupported)
		}
		id, err := up.CompleteUpload(ctx, m.presignedUpload(&sess), parts)
		remoteID = id
		return err
	})
	if finalizeErr != nil {
		m.failSession(sessionID, finalizeErr)
		return nil, finalizeErr
	}

	m.finishSession(h, remoteID)

	return m.store.GetSession(ctx, sessionID)
}

// Cancel terminates a session before a terminal state, aborting
// provider-side partial-upload state when the driver has an abort path.
// Once commanded, the session reaches cancelled, or failed if abort itself
// errors; it never returns to running.
func (m *Manager) Cancel(ctx context.Context, sessionID string) (*store.Session, error) {
	h, err := m.handleFor(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	if h.sess.Status.Terminal() {
		copied := h.sess
		h.mu.Unlock()
		return &copied, nil
	}
	// Interrupt an in-flight relay write promptly rather than letting it
	// finish naturally.
	if h.relayCancel != nil {
		h.relayCancel()
		h.relayCancel = nil
	}
	sess := h.sess
	h.mu.Unlock()

	var abortErr error
	if sess.UseDirectUpload && sess.UploadState.UploadID != "" {
		abortErr = m.resolver.WithDriver(ctx, sess.ProviderID, func(drv provider.Driver, _ provider.Registration, _ *store.Provider) error {
			up, ok := drv.(provider.DirectUploader)
			if !ok {
				return nil
			}
			return up.AbortUpload(ctx, m.presignedUpload(&sess))
		})
	}

	h.mu.Lock()
	if h.sess.Status.Terminal() {
		copied := h.sess
		h.mu.Unlock()
		return &copied, nil
	}
	if abortErr != nil {
		h.sess.Status = store.StatusFailed
		h.sess.ErrorMessage = abortErr.Error()
	} else {
		h.sess.Status = store.StatusCancelled
	}
	if h.spool != nil {
		_ = h.spool.Close()
		h.spool = nil
	}
	spoolPath := h.sess.UploadState.SpoolPath
	final := h.sess
	h.mu.Unlock()

	if err := m.store.SaveSession(ctx, &final); err != nil {
		return nil, err
	}
	if spoolPath != "" {
		_ = os.Remove(spoolPath)
	}
	m.bus.Publish(snapshot(&final))
	m.dropHandle(sessionID)
	m.log.Info("session cancelled",
		zap.String("session_id", sessionID),
		zap.String("status", string(final.Status)))

	copied := final
	return &copied, nil
}

// Retry re-enters a failed session at the phase recorded at failure time,
// with the same session id and part layout.
func (m *Manager) Retry(ctx context.Context, sessionID string) (*store.Session, error) {
	h, err := m.handleFor(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	if h.sess.Status != store.StatusFailed {
		status := h.sess.Status
		h.mu.Unlock()
		return nil, fmt.Errorf("session %s (%s): %w", sessionID, status, ErrNotRetryable)
	}
	h.sess.ErrorMessage = ""
	sess := h.sess
	h.mu.Unlock()

	if sess.UseDirectUpload {
		// Keep presigned URLs for confirmed parts untouched; re-presign
		// only the missing ones so already-uploaded parts are not billed
		// twice during the transition window.
		if err := m.representMissingParts(ctx, h); err != nil {
			return nil, err
		}
		h.mu.Lock()
		h.sess.Status = store.StatusPending
		h.lastProgress = time.Now()
		sess = h.sess
		h.mu.Unlock()
	} else {
		h.mu.Lock()
		if h.spool == nil {
			if err := m.openSpool(h); err != nil {
				h.mu.Unlock()
				return nil, err
			}
		}
		if h.sess.Phase == store.PhaseServerToProvider {
			// The whole stream is resent; the forwarding counter restarts.
			h.sess.ProviderBytes = 0
			h.sess.Status = store.StatusRunning
			h.lastProgress = time.Now()
			sess = h.sess
			m.startRelay(h)
		} else {
			h.sess.Status = store.StatusRunning
			h.lastProgress = time.Now()
			sess = h.sess
		}
		h.mu.Unlock()
	}

	if err := m.store.SaveSession(ctx, &sess); err != nil {
		return nil, err
	}
	m.bus.Publish(snapshot(&sess))
	m.log.Info("session retrying", zap.String("session_id", sessionID), zap.String("phase", string(sess.Phase)))

	copied := sess
	return &copied, nil
}

// representMissingParts replaces presigned URLs for parts not yet confirmed.
func (m *Manager) representMissingParts(ctx context.Context, h *handle) error {
	h.mu.Lock()
	sess := h.sess
	h.mu.Unlock()

	confirmed := make(map[int]bool, len(sess.UploadState.CompletedParts))
	for _, p := range sess.UploadState.CompletedParts {
		confirmed[p.PartNumber] = true
	}
	var missing []int
	for n := 1; int64(n) <= sess.TotalChunks; n++ {
		if !confirmed[n] {
			missing = append(missing, n)
		}
	}
	if len(missing) == 0 {
		return nil
	}

	return m.resolver.WithDriver(ctx, sess.ProviderID, func(drv provider.Driver, _ provider.Registration, _ *store.Provider) error {
		rp, ok := drv.(provider.PartRepresigner)
		if !ok {
			// Existing URLs may still be valid; nothing better to offer.
			return nil
		}
		fresh, err := rp.PresignParts(ctx, m.presignedUpload(&sess), missing)
		if err != nil {
			return err
		}

		h.mu.Lock()
		defer h.mu.Unlock()
		byNumber := make(map[int]string, len(fresh))
		for _, p := range fresh {
			byNumber[p.PartNumber] = p.URL
		}
		for i, p := range h.sess.PartURLs {
			if url, ok := byNumber[p.PartNumber]; ok {
				h.sess.PartURLs[i].URL = url
			}
		}
		return nil
	})
}

func (m *Manager) presignedUpload(sess *store.Session) *provider.PresignedUpload {
	parts := make([]provider.PresignedPart, 0, len(sess.PartURLs))
	for _, p := range sess.PartURLs {
		parts = append(parts, provider.PresignedPart{PartNumber: p.PartNumber, URL: p.URL})
	}
	return &provider.PresignedUpload{
		UploadID: sess.UploadState.UploadID,
		RemoteID: sess.UploadState.RemoteID,
		PartURLs: parts,
	}
}

// DownloadResult is either a presigned URL for the caller to fetch
// directly, or a server-proxied stream. Exactly one branch is set; the
// caller must Close the body when it is a stream.
type DownloadResult struct {
	URL         string
	Body        io.ReadCloser
	Size        int64
	ContentType string
	FileName    string
}

// Download routes a read the same way uploads are routed: presign when the
// provider supports direct download, otherwise proxy the bytes through the
// server. Downloads do not create sessions.
func (m *Manager) Download(ctx context.Context, providerID, remoteID string) (*DownloadResult, error) {
	rec, err := m.store.GetProvider(ctx, providerID)
	if err != nil {
		return nil, err
	}
	if !rec.IsActive {
		return nil, fmt.Errorf("provider %s: %w", providerID, ErrProviderInactive)
	}

	drv, reg, err := m.resolver.Resolve(ctx, rec)
	if err != nil {
		return nil, err
	}

	if reg.Capabilities.SupportsDirectDownload {
		if dd, ok := drv.(provider.DirectDownloader); ok {
			url, presignErr := dd.PresignDownload(ctx, remoteID, time.Hour)
			if cleanupErr := drv.Cleanup(ctx); cleanupErr != nil {
				m.log.Warn("driver cleanup after presign", zap.String("provider_id", providerID), zap.Error(cleanupErr))
			}
			if presignErr != nil {
				return nil, presignErr
			}
			return &DownloadResult{URL: url, FileName: filepath.Base(remoteID)}, nil
		}
	}

	body, size, err := drv.GetObject(ctx, remoteID)
	if err != nil {
		if cleanupErr := drv.Cleanup(ctx); cleanupErr != nil {
			m.log.Warn("driver cleanup after failed get", zap.String("provider_id", providerID), zap.Error(cleanupErr))
		}
		return nil, err
	}

	return &DownloadResult{
		Body:        &driverBody{ReadCloser: body, drv: drv, log: m.log},
		Size:        size,
		ContentType: "application/octet-stream",
		FileName:    filepath.Base(remoteID),
	}, nil
}

// driverBody ties the driver's lifetime to the response body so the
// instance is cleaned up exactly once, when the stream is closed.
type driverBody struct {
	io.ReadCloser
	drv provider.Driver
	log *zap.Logger
}

func (b *driverBody) Close() error {
	err := b.ReadCloser.Close()
	if cleanupErr := b.drv.Cleanup(context.Background()); cleanupErr != nil {
		b.log.Warn("driver cleanup after download", zap.Error(cleanupErr))
	}
	return err
}

// Get answers "what is the current state of session X" idempotently at any
// time, not only at transition moments. The durable row is authoritative.
func (m *Manager) Get(ctx context.Context, sessionID string) (*store.Session, error) {
	return m.store.GetSession(ctx, sessionID)
}

// ListActive returns a workspace's non-terminal sessions, the entry point
// for restore-on-reconnect.
func (m *Manager) ListActive(ctx context.Context, workspaceID string) ([]store.Session, error) {
	return m.store.ListActiveSessions(ctx, workspaceID)
}

// Restore rebuilds in-memory handles from persisted rows after a process
// restart, reopening spools and restarting interrupted relays.
func (m *Manager) Restore(ctx context.Context) error {
	sessions, err := m.store.ListAllActiveSessions(ctx)
	if err != nil {
		return err
	}

	for i := range sessions {
		sess := sessions[i]
		h := &handle{
			sess:         sess,
			pending:      make(map[int64][]byte),
			lastProgress: time.Now(),
		}

		if !sess.UseDirectUpload {
			if err := m.openSpool(h); err != nil {
				m.failSession(sess.SessionID, err)
				continue
			}
		}

		m.mu.Lock()
		m.handles[sess.SessionID] = h
		m.mu.Unlock()

		if !sess.UseDirectUpload && sess.Phase == store.PhaseServerToProvider {
			h.mu.Lock()
			h.sess.ProviderBytes = 0
			m.startRelay(h)
			h.mu.Unlock()
		}
		m.log.Info("session restored",
			zap.String("session_id", sess.SessionID),
			zap.String("phase", string(sess.Phase)))
	}
	return nil
}

// RunReaper proactively fails sessions with no progress inside the idle
// window. Blocks until ctx is cancelled.
func (m *Manager) RunReaper(ctx context.Context) {
	interval := m.cfg.IdleTimeout / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.reapIdle()
		}
	}
}

func (m *Manager) reapIdle() {
	m.mu.Lock()
	var stale []string
	for id, h := range m.handles {
		h.mu.Lock()
		idle := time.Since(h.lastProgress) > m.cfg.IdleTimeout && !h.sess.Status.Terminal()
		h.mu.Unlock()
		if idle {
			stale = append(stale, id)
		}
	}
	m.mu.Unlock()

	for _, id := range stale {
		m.failSession(id, fmt.Errorf("no progress within %s idle window", m.cfg.IdleTimeout))
	}
}

// handleFor finds the live handle, rehydrating from the durable row when
// the session is active but not yet in memory.
func (m *Manager) handleFor(ctx context.Context, sessionID string) (*handle, error) {
	m.mu.Lock()
	h := m.handles[sessionID]
	m.mu.Unlock()
	if h != nil {
		return h, nil
	}

	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	h = &handle{
		sess:         *sess,
		pending:      make(map[int64][]byte),
		lastProgress: time.Now(),
	}
	if !sess.UseDirectUpload && !sess.Status.Terminal() {
		if err := m.openSpool(h); err != nil {
			return nil, err
		}
	}

	m.mu.Lock()
	if existing := m.handles[sessionID]; existing != nil {
		m.mu.Unlock()
		if h.spool != nil {
			_ = h.spool.Close()
		}
		return existing, nil
	}
	m.handles[sessionID] = h
	m.mu.Unlock()
	return h, nil
}

func (m *Manager) dropHandle(sessionID string) {
	m.mu.Lock()
	delete(m.handles, sessionID)
	m.mu.Unlock()
}

// relayReader counts relayed bytes, enforces the bandwidth cap, and aborts
// promptly on cancellation.
type relayReader struct {
	ctx        context.Context
	r          io.Reader
	limiter    *rate.Limiter
	total      int64
	onProgress func(total int64)
}

func (r *relayReader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	n, err := r.r.Read(p)
	if n > 0 {
		if r.limiter != nil {
			if waitErr := r.limiter.WaitN(r.ctx, n); waitErr != nil {
				return n, waitErr
			}
		}
		r.total += int64(n)
		r.onProgress(r.total)
	}
	return n, err
}

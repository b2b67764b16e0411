package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// SaveSession upserts the full session row. The session manager is the only
// writer; the upsert makes persistence idempotent across retries.
func (s *Store) SaveSession(ctx context.Context, sess *Session) error {
	partURLs, err := json.Marshal(sess.PartURLs)
	if err != nil {
		return fmt.Errorf("marshal part urls: %w", err)
	}
	uploadState, err := json.Marshal(sess.UploadState)
	if err != nil {
		return fmt.Errorf("marshal upload state: %w", err)
	}

	now := nowRFC3339()
	created := now
	if !sess.CreatedAt.IsZero() {
		created = sess.CreatedAt.UTC().Format(time.RFC3339Nano)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO transfer_sessions (
			session_id, workspace_id, provider_id, file_id, file_name,
			total_size, chunk_size, total_chunks, received_chunks, provider_bytes,
			phase, status, error_message, use_direct_upload, part_urls, upload_state,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			received_chunks=excluded.received_chunks,
			provider_bytes=excluded.provider_bytes,
			phase=excluded.phase,
			status=excluded.status,
			error_message=excluded.error_message,
			use_direct_upload=excluded.use_direct_upload,
			part_urls=excluded.part_urls,
			upload_state=excluded.upload_state,
			updated_at=excluded.updated_at
	`,
		sess.SessionID, sess.WorkspaceID, sess.ProviderID, sess.FileID, sess.FileName,
		sess.TotalSize, sess.ChunkSize, sess.TotalChunks, sess.ReceivedChunks, sess.ProviderBytes,
		string(sess.Phase), string(sess.Status), sess.ErrorMessage, boolToInt(sess.UseDirectUpload),
		string(partURLs), string(uploadState), created, now,
	)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	sess.UpdatedAt = parseTime(now)
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = parseTime(created)
	}
	return nil
}

// GetSession loads one session row. The answer is idempotent: querying twice
// with no intervening mutation returns identical values.
func (s *Store) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, sessionQuery+` WHERE session_id = ?`, sessionID)
	return scanSession(row)
}

// ListActiveSessions returns all non-terminal sessions for a workspace.
func (s *Store) ListActiveSessions(ctx context.Context, workspaceID string) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx, sessionQuery+`
		WHERE workspace_id = ? AND status IN (?, ?)
		ORDER BY created_at ASC
	`, workspaceID, string(StatusPending), string(StatusRunning))
	if err != nil {
		return nil, fmt.Errorf("list active sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return collectSessions(rows)
}

// ListSessionsByStatus returns a workspace's sessions with the given status.
// Failed sessions stay visible until the caller acknowledges or retries them.
func (s *Store) ListSessionsByStatus(ctx context.Context, workspaceID string, status SessionStatus) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx, sessionQuery+`
		WHERE workspace_id = ? AND status = ?
		ORDER BY created_at ASC
	`, workspaceID, string(status))
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return collectSessions(rows)
}

// ListAllActiveSessions returns non-terminal sessions across workspaces
// (manager restore on process start).
func (s *Store) ListAllActiveSessions(ctx context.Context) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx, sessionQuery+`
		WHERE status IN (?, ?) ORDER BY created_at ASC
	`, string(StatusPending), string(StatusRunning))
	if err != nil {
		return nil, fmt.Errorf("list active sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return collectSessions(rows)
}

const sessionQuery = `
	SELECT session_id, workspace_id, provider_id, file_id, file_name,
	       total_size, chunk_size, total_chunks, received_chunks, provider_bytes,
	       phase, status, error_message, use_direct_upload, part_urls, upload_state,
	       created_at, updated_at
	FROM transfer_sessions`

func collectSessions(rows *sql.Rows) ([]Session, error) {
	var out []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sess)
	}
	return out, rows.Err()
}

func scanSession(row rowScanner) (*Session, error) {
	var sess Session
	var phase, status, partURLs, uploadState, createdAt, updatedAt string
	var direct int

	err := row.Scan(&sess.SessionID, &sess.WorkspaceID, &sess.ProviderID, &sess.FileID, &sess.FileName,
		&sess.TotalSize, &sess.ChunkSize, &sess.TotalChunks, &sess.ReceivedChunks, &sess.ProviderBytes,
		&phase, &status, &sess.ErrorMessage, &direct, &partURLs, &uploadState,
		&createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}

	sess.Phase = SessionPhase(phase)
	sess.Status = SessionStatus(status)
	sess.UseDirectUpload = direct != 0
	if err := json.Unmarshal([]byte(partURLs), &sess.PartURLs); err != nil {
		return nil, fmt.Errorf("parse part urls: %w", err)
	}
	if err := json.Unmarshal([]byte(uploadState), &sess.UploadState); err != nil {
		return nil, fmt.Errorf("parse upload state: %w", err)
	}
	sess.CreatedAt = parseTime(createdAt)
	sess.UpdatedAt = parseTime(updatedAt)
	return &sess, nil
}

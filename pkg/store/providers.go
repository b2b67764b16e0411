package store

import (
	"context"
	"database/sql"
	"fmt"
)

// InsertProvider persists a new provider connection.
func (s *Store) InsertProvider(ctx context.Context, p *Provider) error {
	now := nowRFC3339()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO storage_providers (
			id, workspace_id, name, type, auth_type, encrypted_config,
			is_active, quota_total, quota_used, last_sync_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, ?, ?)
	`, p.ID, p.WorkspaceID, p.Name, p.Type, p.AuthType, p.EncryptedConfig,
		boolToInt(p.IsActive), p.QuotaTotal, p.QuotaUsed, now, now)
	if err != nil {
		return fmt.Errorf("insert provider: %w", err)
	}
	p.CreatedAt = parseTime(now)
	p.UpdatedAt = p.CreatedAt
	return nil
}

// GetProvider loads one provider row by id.
func (s *Store) GetProvider(ctx context.Context, id string) (*Provider, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, workspace_id, name, type, auth_type, encrypted_config,
		       is_active, quota_total, quota_used, last_sync_at, created_at, updated_at
		FROM storage_providers WHERE id = ?
	`, id)
	return scanProvider(row)
}

// ListProviders returns all providers for a workspace, active first.
func (s *Store) ListProviders(ctx context.Context, workspaceID string) ([]Provider, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, workspace_id, name, type, auth_type, encrypted_config,
		       is_active, quota_total, quota_used, last_sync_at, created_at, updated_at
		FROM storage_providers WHERE workspace_id = ?
		ORDER BY is_active DESC, created_at ASC
	`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("list providers: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Provider
	for rows.Next() {
		p, err := scanProvider(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// RenameProvider updates the display name.
func (s *Store) RenameProvider(ctx context.Context, id, name string) error {
	return s.updateProvider(ctx, id, `UPDATE storage_providers SET name = ?, updated_at = ? WHERE id = ?`, name, nowRFC3339(), id)
}

// SetProviderActive soft-enables or soft-disables a provider. Disconnect is
// a soft disable: file references must remain resolvable for audit/history.
func (s *Store) SetProviderActive(ctx context.Context, id string, active bool) error {
	return s.updateProvider(ctx, id, `UPDATE storage_providers SET is_active = ?, updated_at = ? WHERE id = ?`, boolToInt(active), nowRFC3339(), id)
}

// SyncProviderQuota overwrites cached quota numbers from the provider's own
// accounting. The stored quota is a cache that sync refreshes, not a ledger.
func (s *Store) SyncProviderQuota(ctx context.Context, id string, used int64, total *int64) error {
	now := nowRFC3339()
	return s.updateProvider(ctx, id, `
		UPDATE storage_providers SET quota_used = ?, quota_total = ?, last_sync_at = ?, updated_at = ?
		WHERE id = ?
	`, used, total, now, now, id)
}

// AdjustQuotaUsed atomically applies a delta to quota_used, rejecting updates
// that would go negative or exceed quota_total.
func (s *Store) AdjustQuotaUsed(ctx context.Context, id string, delta int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE storage_providers
		SET quota_used = quota_used + ?, updated_at = ?
		WHERE id = ?
		  AND quota_used + ? >= 0
		  AND (quota_total IS NULL OR quota_used + ? <= quota_total)
	`, delta, nowRFC3339(), id, delta, delta)
	if err != nil {
		return fmt.Errorf("adjust quota: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("adjust quota: %w", err)
	}
	if n == 0 {
		if _, err := s.GetProvider(ctx, id); err != nil {
			return err
		}
		return ErrQuotaConflict
	}
	return nil
}

func (s *Store) updateProvider(ctx context.Context, id, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update provider: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update provider: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("provider %s: %w", id, ErrNotFound)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProvider(row rowScanner) (*Provider, error) {
	var p Provider
	var isActive int
	var quotaTotal sql.NullInt64
	var lastSync sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(&p.ID, &p.WorkspaceID, &p.Name, &p.Type, &p.AuthType, &p.EncryptedConfig,
		&isActive, &quotaTotal, &p.QuotaUsed, &lastSync, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan provider: %w", err)
	}

	p.IsActive = isActive != 0
	if quotaTotal.Valid {
		v := quotaTotal.Int64
		p.QuotaTotal = &v
	}
	if lastSync.Valid {
		t := parseTime(lastSync.String)
		p.LastSyncAt = &t
	}
	p.CreatedAt = parseTime(createdAt)
	p.UpdatedAt = parseTime(updatedAt)
	return &p, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

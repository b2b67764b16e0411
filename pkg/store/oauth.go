package store

import (
	"context"
	"database/sql"
	"fmt"
)

// UpsertOAuthCredential stores or overwrites a reusable credential bundle.
// Re-submitting the same (user, type, identifier) replaces the stored
// ciphertext and label.
func (s *Store) UpsertOAuthCredential(ctx context.Context, c *OAuthCredential) error {
	now := nowRFC3339()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO oauth_credentials (user_id, type, identifier, label, encrypted_token, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, type, identifier) DO UPDATE SET
			label=excluded.label,
			encrypted_token=excluded.encrypted_token,
			updated_at=excluded.updated_at
	`, c.UserID, c.Type, c.Identifier, c.Label, c.EncryptedToken, now)
	if err != nil {
		return fmt.Errorf("upsert oauth credential: %w", err)
	}
	c.UpdatedAt = parseTime(now)
	return nil
}

// GetOAuthCredential loads one credential bundle.
func (s *Store) GetOAuthCredential(ctx context.Context, userID, typ, identifier string) (*OAuthCredential, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT user_id, type, identifier, label, encrypted_token, updated_at
		FROM oauth_credentials WHERE user_id = ? AND type = ? AND identifier = ?
	`, userID, typ, identifier)

	var c OAuthCredential
	var updatedAt string
	err := row.Scan(&c.UserID, &c.Type, &c.Identifier, &c.Label, &c.EncryptedToken, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan oauth credential: %w", err)
	}
	c.UpdatedAt = parseTime(updatedAt)
	return &c, nil
}

// ListOAuthCredentials returns a user's credential bundles.
func (s *Store) ListOAuthCredentials(ctx context.Context, userID string) ([]OAuthCredential, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, type, identifier, label, encrypted_token, updated_at
		FROM oauth_credentials WHERE user_id = ? ORDER BY type, identifier
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list oauth credentials: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []OAuthCredential
	for rows.Next() {
		var c OAuthCredential
		var updatedAt string
		if err := rows.Scan(&c.UserID, &c.Type, &c.Identifier, &c.Label, &c.EncryptedToken, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan oauth credential: %w", err)
		}
		c.UpdatedAt = parseTime(updatedAt)
		out = append(out, c)
	}
	return out, rows.Err()
}

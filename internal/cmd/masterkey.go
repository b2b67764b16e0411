package cmd

import (
	"crypto/rand"
	"fmt"
	"os"

	"github.com/driftbox/driftbox/internal/config"
	"github.com/driftbox/driftbox/pkg/vault"
)

const saltSize = 16

// loadMasterKey resolves the vault master key from the configured key file,
// or derives one from the passphrase and a persisted salt.
func loadMasterKey(cfg config.VaultConfig) ([]byte, error) {
	if cfg.KeyFile != "" {
		key, err := os.ReadFile(cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("read vault key file: %w", err)
		}
		if len(key) != vault.KeySize {
			return nil, fmt.Errorf("vault key file %s must hold exactly %d bytes, has %d", cfg.KeyFile, vault.KeySize, len(key))
		}
		return key, nil
	}

	if cfg.Passphrase == "" {
		return nil, fmt.Errorf("vault key material is required (key_file or passphrase)")
	}

	salt, err := loadOrCreateSalt(cfg.SaltFile)
	if err != nil {
		return nil, err
	}
	return vault.DeriveKey([]byte(cfg.Passphrase), salt), nil
}

// loadOrCreateSalt persists the KDF salt next to the database on first run.
// Losing the salt makes every stored credential undecryptable, so it is
// created once and never rewritten.
func loadOrCreateSalt(path string) ([]byte, error) {
	if path == "" {
		return nil, fmt.Errorf("vault salt_file is required when using a passphrase")
	}

	salt, err := os.ReadFile(path)
	if err == nil {
		if len(salt) != saltSize {
			return nil, fmt.Errorf("vault salt file %s must hold exactly %d bytes, has %d", path, saltSize, len(salt))
		}
		return salt, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read vault salt file: %w", err)
	}

	salt = make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate vault salt: %w", err)
	}
	if err := os.WriteFile(path, salt, 0o600); err != nil {
		return nil, fmt.Errorf("write vault salt file: %w", err)
	}
	return salt, nil
}

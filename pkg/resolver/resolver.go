// Package resolver turns stored (encrypted) provider records into live,
// initialized driver instances, and owns the provider connect lifecycle.
//
// Resolution never caches live instances: each call produces a fresh driver
// the caller must Cleanup, because drivers may hold network connections or
// authenticated sessions unsafe to share across concurrent callers. Use
// WithDriver for a scoped resolve that guarantees Cleanup on every path.
package resolver

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/driftbox/driftbox/pkg/provider"
	"github.com/driftbox/driftbox/pkg/store"
	"github.com/driftbox/driftbox/pkg/vault"
)

// ErrConnectionRefused indicates the backend answered but rejected the
// submitted credentials during connect or test.
var ErrConnectionRefused = errors.New("provider refused connection")

// Resolver resolves provider records to drivers.
type Resolver struct {
	registry *provider.Registry
	codec    *vault.Codec
	store    *store.Store
	log      *zap.Logger
}

// New creates a resolver.
func New(registry *provider.Registry, codec *vault.Codec, st *store.Store, log *zap.Logger) *Resolver {
	if log == nil {
		log = zap.NewNop()
	}
	return &Resolver{registry: registry, codec: codec, store: st, log: log}
}

// Registry exposes the registration table (listing surface).
func (r *Resolver) Registry() *provider.Registry {
	return r.registry
}

// Resolve decrypts a provider record's config and produces an initialized
// driver. The caller owns the instance and must Cleanup it exactly once.
func (r *Resolver) Resolve(ctx context.Context, rec *store.Provider) (provider.Driver, provider.Registration, error) {
	reg, err := r.registry.Get(provider.Type(rec.Type))
	if err != nil {
		return nil, provider.Registration{}, err
	}

	config, err := r.codec.Decrypt(rec.EncryptedConfig, reg.SensitiveFields())
	if err != nil {
		return nil, provider.Registration{}, err
	}

	drv := reg.NewDriver()
	if err := drv.Initialize(ctx, config); err != nil {
		// The instance may have acquired partial state before failing.
		if cleanupErr := drv.Cleanup(ctx); cleanupErr != nil {
			r.log.Warn("driver cleanup after failed initialize",
				zap.String("provider_id", rec.ID),
				zap.Error(cleanupErr))
		}
		return nil, provider.Registration{}, err
	}
	return drv, reg, nil
}

// WithDriver resolves the provider by id and runs fn with a live driver,
// guaranteeing Cleanup on every exit path.
func (r *Resolver) WithDriver(ctx context.Context, providerID string, fn func(drv provider.Driver, reg provider.Registration, rec *store.Provider) error) error {
	rec, err := r.store.GetProvider(ctx, providerID)
	if err != nil {
		return err
	}

	drv, reg, err := r.Resolve(ctx, rec)
	if err != nil {
		return err
	}
	defer func() {
		if cleanupErr := drv.Cleanup(ctx); cleanupErr != nil {
			r.log.Warn("driver cleanup", zap.String("provider_id", providerID), zap.Error(cleanupErr))
		}
	}()

	return fn(drv, reg, rec)
}

// ConnectParams is the input for connecting a new provider.
type ConnectParams struct {
	WorkspaceID string
	UserID      string
	Name        string
	Type        provider.Type
	Config      map[string]any

	// CredentialIdentifier selects an existing reusable OAuth credential
	// bundle instead of requiring fresh token fields in Config.
	CredentialIdentifier string
}

// Connect validates config, proves the backend is reachable, and only then
// persists the provider row. No provider record is ever created in a state
// that cannot later produce a working driver.
func (r *Resolver) Connect(ctx context.Context, p ConnectParams) (*store.Provider, error) {
	reg, err := r.registry.Get(p.Type)
	if err != nil {
		return nil, err
	}

	config := p.Config
	if config == nil {
		config = map[string]any{}
	}

	if reg.AuthType == provider.AuthOAuth && p.CredentialIdentifier != "" {
		merged, err := r.mergeCredential(ctx, p.UserID, p.Type, p.CredentialIdentifier, config)
		if err != nil {
			return nil, err
		}
		config = merged
	}

	if err := r.registry.ValidateConfig(p.Type, config); err != nil {
		return nil, err
	}

	drv := reg.NewDriver()
	if err := drv.Initialize(ctx, config); err != nil {
		if cleanupErr := drv.Cleanup(ctx); cleanupErr != nil {
			r.log.Warn("driver cleanup after failed initialize", zap.Error(cleanupErr))
		}
		return nil, err
	}

	ok, testErr := drv.TestConnection(ctx)
	if cleanupErr := drv.Cleanup(ctx); cleanupErr != nil {
		r.log.Warn("driver cleanup after connection test", zap.Error(cleanupErr))
	}
	if testErr != nil {
		return nil, testErr
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrConnectionRefused, p.Type)
	}

	encrypted, err := r.codec.Encrypt(config, reg.SensitiveFields())
	if err != nil {
		return nil, err
	}

	rec := &store.Provider{
		ID:              uuid.New().String(),
		WorkspaceID:     p.WorkspaceID,
		Name:            p.Name,
		Type:            string(p.Type),
		AuthType:        string(reg.AuthType),
		EncryptedConfig: encrypted,
		IsActive:        true,
	}
	if err := r.store.InsertProvider(ctx, rec); err != nil {
		return nil, err
	}

	if reg.AuthType == provider.AuthOAuth {
		if err := r.saveCredentialBundle(ctx, p.UserID, reg, config); err != nil {
			r.log.Warn("save oauth credential bundle", zap.Error(err))
		}
	}

	r.log.Info("provider connected",
		zap.String("provider_id", rec.ID),
		zap.String("workspace_id", rec.WorkspaceID),
		zap.String("type", rec.Type))
	return rec, nil
}

// Test resolves an existing provider and runs its connection test.
func (r *Resolver) Test(ctx context.Context, providerID string) (bool, error) {
	var ok bool
	err := r.WithDriver(ctx, providerID, func(drv provider.Driver, _ provider.Registration, _ *store.Provider) error {
		var testErr error
		ok, testErr = drv.TestConnection(ctx)
		return testErr
	})
	return ok, err
}

// SyncQuota refreshes the cached quota numbers from the backend's own
// accounting, the source of truth at sync time.
func (r *Resolver) SyncQuota(ctx context.Context, providerID string) (*provider.Quota, error) {
	var quota *provider.Quota
	err := r.WithDriver(ctx, providerID, func(drv provider.Driver, _ provider.Registration, rec *store.Provider) error {
		q, err := drv.GetQuota(ctx)
		if err != nil {
			return err
		}
		quota = q
		return r.store.SyncProviderQuota(ctx, rec.ID, q.Used, q.Total)
	})
	return quota, err
}

// MaskedConfig returns the decrypted config with sensitive fields masked
// for display.
func (r *Resolver) MaskedConfig(ctx context.Context, providerID string) (map[string]any, error) {
	rec, err := r.store.GetProvider(ctx, providerID)
	if err != nil {
		return nil, err
	}
	reg, err := r.registry.Get(provider.Type(rec.Type))
	if err != nil {
		return nil, err
	}
	config, err := r.codec.Decrypt(rec.EncryptedConfig, reg.SensitiveFields())
	if err != nil {
		return nil, err
	}
	return vault.MaskConfig(config, reg.SensitiveFields()), nil
}

// mergeCredential overlays a stored OAuth bundle's fields onto submitted
// config. Submitted values win so a re-consent can replace stale tokens.
func (r *Resolver) mergeCredential(ctx context.Context, userID string, typ provider.Type, identifier string, config map[string]any) (map[string]any, error) {
	cred, err := r.store.GetOAuthCredential(ctx, userID, string(typ), identifier)
	if err != nil {
		return nil, err
	}
	reg, err := r.registry.Get(typ)
	if err != nil {
		return nil, err
	}
	stored, err := r.codec.Decrypt(cred.EncryptedToken, reg.SensitiveFields())
	if err != nil {
		return nil, err
	}

	merged := make(map[string]any, len(stored)+len(config))
	for k, v := range stored {
		merged[k] = v
	}
	for k, v := range config {
		if v == nil || v == "" {
			continue
		}
		merged[k] = v
	}
	return merged, nil
}

// saveCredentialBundle upserts the reusable credential keyed by the
// registration's identifier field value.
func (r *Resolver) saveCredentialBundle(ctx context.Context, userID string, reg provider.Registration, config map[string]any) error {
	idField := reg.IdentifierField()
	if idField == "" {
		return nil
	}
	identifier, _ := config[idField].(string)
	if identifier == "" {
		return nil
	}

	encrypted, err := r.codec.Encrypt(config, reg.SensitiveFields())
	if err != nil {
		return err
	}
	return r.store.UpsertOAuthCredential(ctx, &store.OAuthCredential{
		UserID:         userID,
		Type:           string(reg.Type),
		Identifier:     identifier,
		Label:          identifier,
		EncryptedToken: encrypted,
	})
}

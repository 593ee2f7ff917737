package kas

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// registryStore is the persistence interface consumed by Registry.
// *Repository satisfies this interface.
type registryStore interface {
	Create(ctx context.Context, k *Instance) error
	GetByID(ctx context.Context, kasID string) (*Instance, error)
	List(ctx context.Context, status Status, limit, offset int) ([]*Instance, error)
	Approve(ctx context.Context, kasID string) error
	Reapprove(ctx context.Context, kasID string) error
	Suspend(ctx context.Context, kasID, reason string) error
	Heartbeat(ctx context.Context, kasID string) error
	GetAgreement(ctx context.Context, countryCode string) (*Agreement, error)
	UpsertAgreement(ctx context.Context, a *Agreement) error
}

// Registry is the KAS registry service. DefaultKASURL is the safe fallback
// for encryption routing when a lookup cannot produce a usable instance.
type Registry struct {
	store         registryStore
	defaultKASURL string
	logger        *zap.Logger
}

// NewRegistry creates a Registry. defaultKASURL must point at this instance's
// own KAS so that multi-KAS routing can always degrade to single-KAS behavior.
func NewRegistry(store registryStore, defaultKASURL string, logger *zap.Logger) *Registry {
	return &Registry{store: store, defaultKASURL: defaultKASURL, logger: logger}
}

// Register inserts a new KAS instance in pending state. The id is derived
// from the country code; explicit approval is required before the instance is
// eligible for resolution.
func (r *Registry) Register(ctx context.Context, k *Instance) (*Instance, error) {
	if k.CountryCode == "" {
		return nil, fmt.Errorf("country code is required")
	}
	if k.KASURL == "" {
		return nil, fmt.Errorf("kas url is required")
	}
	if k.KASID == "" {
		k.KASID = DeriveID(k.CountryCode)
	}
	k.Status = StatusPending
	k.Enabled = false

	if err := r.store.Create(ctx, k); err != nil {
		return nil, fmt.Errorf("register kas %s: %w", k.KASID, err)
	}

	r.logger.Info("kas registered",
		zap.String("kas_id", k.KASID),
		zap.String("country", k.CountryCode),
		zap.String("kas_url", k.KASURL),
	)
	return k, nil
}

// Approve flips a pending instance to active and enables it.
func (r *Registry) Approve(ctx context.Context, kasID string) (*Instance, error) {
	if err := r.store.Approve(ctx, kasID); err != nil {
		if errors.Is(err, errNoMatch) {
			current, getErr := r.store.GetByID(ctx, kasID)
			if getErr != nil {
				return nil, fmt.Errorf("%w: %s", ErrNotFound, kasID)
			}
			return nil, fmt.Errorf("%w: %s must be pending to approve (status: %s)", ErrInvalidStatus, kasID, current.Status)
		}
		return nil, err
	}
	return r.store.GetByID(ctx, kasID)
}

// Suspend disables an instance, annotating the reason.
func (r *Registry) Suspend(ctx context.Context, kasID, reason string) (*Instance, error) {
	if err := r.store.Suspend(ctx, kasID, reason); err != nil {
		return nil, err
	}
	r.logger.Warn("kas suspended", zap.String("kas_id", kasID), zap.String("reason", reason))
	return r.store.GetByID(ctx, kasID)
}

// Heartbeat timestamps instance liveness.
func (r *Registry) Heartbeat(ctx context.Context, kasID string) error {
	return r.store.Heartbeat(ctx, kasID)
}

// Get fetches a KAS instance by id.
func (r *Registry) Get(ctx context.Context, kasID string) (*Instance, error) {
	return r.store.GetByID(ctx, kasID)
}

// List returns KAS instances filtered by status.
func (r *Registry) List(ctx context.Context, status Status, limit, offset int) ([]*Instance, error) {
	return r.store.List(ctx, status, limit, offset)
}

// RegisterPartner idempotently ensures a federation partner's KAS exists and
// is active. An existing active instance is left untouched; a suspended one
// is re-approved. Used by the activation cascade, so it must be safe to
// re-run.
func (r *Registry) RegisterPartner(ctx context.Context, k *Instance) (*Instance, error) {
	if k.KASID == "" {
		k.KASID = DeriveID(k.CountryCode)
	}

	existing, err := r.store.GetByID(ctx, k.KASID)
	if err == nil {
		if existing.Status == StatusSuspended {
			if reErr := r.store.Reapprove(ctx, k.KASID); reErr != nil && !errors.Is(reErr, errNoMatch) {
				return nil, fmt.Errorf("reapprove partner kas %s: %w", k.KASID, reErr)
			}
			r.logger.Info("suspended partner kas re-approved", zap.String("kas_id", k.KASID))
			return r.store.GetByID(ctx, k.KASID)
		}
		return existing, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("look up partner kas %s: %w", k.KASID, err)
	}

	if _, err := r.Register(ctx, k); err != nil {
		return nil, err
	}
	return r.Approve(ctx, k.KASID)
}

// ResolveKASURL resolves the KAS endpoint for encryption routing. It never
// fails: an unknown, pending, suspended, or disabled instance, or any store
// error, resolves to the configured default KAS URL so that uploads degrade
// to single-KAS behavior rather than erroring. The internal URL is preferred
// for backend-to-backend calls when set.
func (r *Registry) ResolveKASURL(ctx context.Context, kasID string) string {
	k, err := r.store.GetByID(ctx, kasID)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			r.logger.Warn("kas resolution error, using default", zap.String("kas_id", kasID), zap.Error(err))
		}
		return r.defaultKASURL
	}
	if k.Status != StatusActive || !k.Enabled {
		r.logger.Debug("kas not resolvable, using default",
			zap.String("kas_id", kasID),
			zap.String("status", string(k.Status)),
			zap.Bool("enabled", k.Enabled),
		)
		return r.defaultKASURL
	}
	if k.InternalKASURL != "" {
		return k.InternalKASURL
	}
	return k.KASURL
}

// GetAgreement returns the federation agreement for a country.
func (r *Registry) GetAgreement(ctx context.Context, countryCode string) (*Agreement, error) {
	return r.store.GetAgreement(ctx, countryCode)
}

// UpsertAgreement writes a country's agreement record.
func (r *Registry) UpsertAgreement(ctx context.Context, a *Agreement) error {
	return r.store.UpsertAgreement(ctx, a)
}

// AddTrustedKAS adds kasID to countryCode's agreement, creating the agreement
// if absent. Idempotent: an already-trusted id is a no-op.
func (r *Registry) AddTrustedKAS(ctx context.Context, countryCode, kasID string) error {
	a, err := r.store.GetAgreement(ctx, countryCode)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			return fmt.Errorf("get agreement for %s: %w", countryCode, err)
		}
		a = &Agreement{CountryCode: countryCode}
	}
	if a.Trusts(kasID) {
		return nil
	}
	a.TrustedKASIDs = append(a.TrustedKASIDs, kasID)
	if err := r.store.UpsertAgreement(ctx, a); err != nil {
		return fmt.Errorf("update agreement for %s: %w", countryCode, err)
	}
	r.logger.Info("federation agreement updated",
		zap.String("country", countryCode),
		zap.String("trusted_kas", kasID),
	)
	return nil
}

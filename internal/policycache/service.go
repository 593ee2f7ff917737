package policycache

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/dive25/federation/internal/events"
	"github.com/dive25/federation/internal/identity"
	"go.uber.org/zap"
)

// ErrSignatureInvalid rejects a bundle whose signature failed verification
// before anything is persisted.
var ErrSignatureInvalid = errors.New("policycache: bundle signature verification failed")

// signatureStaleAfter is how old a bundle signature may be before we log a
// warning. Age alone never fails verification.
const signatureStaleAfter = time.Hour

// PolicyEngine receives cached bundles for local enforcement.
type PolicyEngine interface {
	LoadBundle(ctx context.Context, b *Bundle) error
}

// cacheStore is the durable half of the cache. *FileStore satisfies it.
type cacheStore interface {
	Save(b *Bundle, meta *CacheMetadata) error
	Load() (*Bundle, *CacheMetadata, error)
	Clear() error
}

// Service caches policy bundles and serves them back during hub outages.
// All methods are safe for concurrent use.
type Service struct {
	store     cacheStore
	engine    PolicyEngine // nil = no local engine push
	bus       *events.Bus
	caCertPEM string // empty = signature verification unavailable
	verify    bool
	maxAge    time.Duration
	now       func() time.Time
	logger    *zap.Logger

	mu      sync.RWMutex
	current *Bundle
	meta    *CacheMetadata
}

// NewService creates a policy cache. caCertPEM is the hub's signing
// certificate; verify controls whether signed bundles are rejected on
// verification failure.
func NewService(store cacheStore, engine PolicyEngine, bus *events.Bus, caCertPEM string, verify bool, maxAge time.Duration, logger *zap.Logger) *Service {
	return &Service{
		store:     store,
		engine:    engine,
		bus:       bus,
		caCertPEM: caCertPEM,
		verify:    verify,
		maxAge:    maxAge,
		now:       time.Now,
		logger:    logger,
	}
}

// CachePolicy verifies (when enabled) and persists a bundle, then makes it
// the in-memory current bundle. A signed bundle that fails verification is
// rejected before any write.
func (s *Service) CachePolicy(ctx context.Context, b *Bundle) error {
	if b == nil {
		return fmt.Errorf("policycache: nil bundle")
	}
	if b.Signature != nil && s.verify && !s.VerifyBundleSignature(b) {
		return ErrSignatureInvalid
	}

	meta := &CacheMetadata{
		Version:  b.Version,
		CachedAt: s.now().UTC(),
		Signed:   b.Signature != nil,
	}
	if err := s.store.Save(b, meta); err != nil {
		return fmt.Errorf("persist policy bundle %s: %w", b.Version, err)
	}

	s.mu.Lock()
	s.current = b
	s.meta = meta
	s.mu.Unlock()

	s.logger.Info("policy bundle cached",
		zap.String("version", b.Version),
		zap.Int("policy_files", len(b.Policies)),
		zap.Bool("signed", meta.Signed),
	)
	s.bus.Publish(events.FederationEvent{
		Kind: events.PolicyCached,
		Detail: map[string]string{
			"version": b.Version,
			"signed":  strconv.FormatBool(meta.Signed),
		},
	})
	return nil
}

// VerifyBundleSignature reports whether the bundle's signature verifies
// against the configured signing certificate. It returns false, never an
// error, when the bundle is unsigned, no certificate is loaded, or the
// canonical content does not verify. A stale signature timestamp is logged
// but does not by itself fail verification.
func (s *Service) VerifyBundleSignature(b *Bundle) bool {
	if b == nil || b.Signature == nil {
		return false
	}
	if s.caCertPEM == "" {
		s.logger.Warn("bundle is signed but no signing certificate is loaded",
			zap.String("version", b.Version))
		return false
	}

	content, err := b.canonicalContent()
	if err != nil {
		s.logger.Error("canonicalize bundle for verification", zap.Error(err))
		return false
	}
	sig, err := base64.StdEncoding.DecodeString(b.Signature.Value)
	if err != nil {
		s.logger.Warn("bundle signature is not valid base64",
			zap.String("version", b.Version), zap.Error(err))
		return false
	}
	if !identity.VerifySignature(content, sig, s.caCertPEM) {
		return false
	}

	if age := s.now().Sub(b.Signature.SignedAt); age > signatureStaleAfter {
		s.logger.Warn("bundle signature is stale",
			zap.String("version", b.Version),
			zap.Duration("signature_age", age),
		)
	}
	return true
}

// IsCacheValid reports whether a bundle is cached and younger than the
// configured max age.
func (s *Service) IsCacheValid() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.validLocked()
}

func (s *Service) validLocked() bool {
	return s.meta != nil && s.now().Sub(s.meta.CachedAt) < s.maxAge
}

// GetCachedPolicy returns the current bundle even when it is past its max
// age; callers use IsCacheValid to decide how much to trust it. Returns
// ErrNoCache when nothing has been cached.
func (s *Service) GetCachedPolicy() (*Bundle, error) {
	s.mu.RLock()
	b := s.current
	s.mu.RUnlock()
	if b != nil {
		return b, nil
	}
	return s.loadIntoMemory()
}

// GetSyncStatus compares the cache against the hub's advertised version.
func (s *Service) GetSyncStatus(hubVersion string) SyncStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	switch {
	case s.meta == nil:
		return SyncUnknown
	case s.meta.Version == hubVersion:
		return SyncCurrent
	case !s.validLocked():
		return SyncStale
	default:
		return SyncBehind
	}
}

// LoadFromCache is the offline-fallback path: it loads the stored bundle
// regardless of validity and pushes it into the local policy engine, because
// enforcement from stale policy beats no enforcement during an outage. A
// stale cache emits a cache-expired event so dashboards can see it.
func (s *Service) LoadFromCache(ctx context.Context) (*Bundle, error) {
	b, err := s.loadIntoMemory()
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	meta := s.meta
	valid := s.validLocked()
	s.mu.RUnlock()

	if !valid {
		age := s.now().Sub(meta.CachedAt)
		s.logger.Warn("serving expired policy cache",
			zap.String("version", meta.Version),
			zap.Duration("age", age),
		)
		s.bus.Publish(events.FederationEvent{
			Kind: events.PolicyCacheExpired,
			Detail: map[string]string{
				"version": meta.Version,
				"age":     age.String(),
			},
		})
	}

	if s.engine != nil {
		if err := s.engine.LoadBundle(ctx, b); err != nil {
			return nil, fmt.Errorf("push cached bundle %s to policy engine: %w", b.Version, err)
		}
	}

	s.logger.Info("policy loaded from cache",
		zap.String("version", b.Version),
		zap.Bool("valid", valid),
	)
	return b, nil
}

// ClearCache removes the durable and in-memory cache.
func (s *Service) ClearCache() error {
	if err := s.store.Clear(); err != nil {
		return err
	}
	s.mu.Lock()
	s.current = nil
	s.meta = nil
	s.mu.Unlock()
	return nil
}

// CurrentVersion returns the cached bundle version, or "" when no cache
// exists.
func (s *Service) CurrentVersion() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.meta == nil {
		return ""
	}
	return s.meta.Version
}

func (s *Service) loadIntoMemory() (*Bundle, error) {
	b, meta, err := s.store.Load()
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.current = b
	s.meta = meta
	s.mu.Unlock()
	return b, nil
}

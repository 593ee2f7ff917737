package enrollment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dive25/federation/internal/events"
	"github.com/dive25/federation/internal/identity"
	"github.com/dive25/federation/internal/secrets"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// signatureFreshness is the replay-protection window: enrollment
	// submissions signed longer ago than this are rejected outright.
	signatureFreshness = 5 * time.Minute

	// defaultTTL is how long a non-terminal enrollment may linger before the
	// expiry sweep removes it.
	defaultTTL = 72 * time.Hour
)

// store is the persistence interface consumed by Service.
// *Repository satisfies this interface.
type store interface {
	Create(ctx context.Context, e *Enrollment) error
	GetByID(ctx context.Context, enrollmentID string) (*Enrollment, error)
	FindNonTerminalByRequester(ctx context.Context, requesterCode string) (*Enrollment, error)
	UpdateStatus(ctx context.Context, enrollmentID string, from Status, entry HistoryEntry) error
	SetApproverCredentials(ctx context.Context, enrollmentID string, creds *ClientCredentials) error
	SetRequesterCredentials(ctx context.Context, enrollmentID string, creds *ClientCredentials, entry HistoryEntry) error
	List(ctx context.Context, status Status, limit, offset int) ([]*Enrollment, error)
	DeleteExpired(ctx context.Context) (int64, error)
}

// AuditSink records enrollment lifecycle actions for later reconstruction.
// *audit.Trail satisfies this interface; nil disables auditing.
type AuditSink interface {
	Record(ctx context.Context, action, enrollmentID, actor, detail string)
}

// Service is the enrollment state-machine orchestrator. It validates incoming
// enrollment requests, enforces legal transitions, and emits lifecycle events.
type Service struct {
	store  store
	inst   *identity.Instance
	bus    *events.Bus
	box    *secrets.Box // nil = credentials stored unsealed
	audit  AuditSink    // nil = no audit trail
	ttl    time.Duration
	now    func() time.Time
	logger *zap.Logger
}

// NewService creates an enrollment Service. box and audit may be nil.
func NewService(s store, inst *identity.Instance, bus *events.Bus, box *secrets.Box, audit AuditSink, logger *zap.Logger) *Service {
	return &Service{
		store:  s,
		inst:   inst,
		bus:    bus,
		box:    box,
		audit:  audit,
		ttl:    defaultTTL,
		now:    time.Now,
		logger: logger,
	}
}

// SetTTL overrides the default 72h enrollment TTL.
func (s *Service) SetTTL(ttl time.Duration) {
	if ttl > 0 {
		s.ttl = ttl
	}
}

// ProcessEnrollment validates a signed submission and persists a new record
// in pending_verification. Each step short-circuits on failure and nothing is
// persisted until every check has passed.
func (s *Service) ProcessEnrollment(ctx context.Context, req *Request) (*Enrollment, error) {
	// 1. Replay protection: signature must be fresh.
	ts, err := time.Parse(time.RFC3339, req.Payload.SignatureTimestamp)
	if err != nil {
		return nil, fmt.Errorf("parse signature timestamp: %w", err)
	}
	if s.now().Sub(ts) > signatureFreshness {
		return nil, fmt.Errorf("%w: signed at %s", ErrStaleSignature, ts.UTC().Format(time.RFC3339))
	}

	// 2. The payload must verify against the submitted certificate.
	if !identity.VerifyEnrollmentSignature(req.Payload, req.Signature, req.CertificatePEM) {
		return nil, ErrSignatureInvalid
	}

	// 3. Structural certificate validation + instance code confirmation.
	info := identity.ValidateCertificate(req.CertificatePEM)
	if !info.Valid {
		return nil, fmt.Errorf("%w: %v", ErrCertificateInvalid, info.Errors)
	}
	if info.InstanceCode != req.Payload.InstanceCode {
		return nil, fmt.Errorf("%w: certificate subject %q does not match payload instance code %q",
			ErrCertificateInvalid, info.InstanceCode, req.Payload.InstanceCode)
	}

	// 4. Fingerprint for out-of-band verification.
	fingerprint, err := identity.CalculateFingerprint(req.CertificatePEM)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCertificateInvalid, err)
	}

	// 5. One in-flight enrollment per requester.
	existing, err := s.store.FindNonTerminalByRequester(ctx, req.Payload.InstanceCode)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("check existing enrollment: %w", err)
	}
	if existing != nil {
		return nil, fmt.Errorf("%w %s (enrollment %s, status %s)",
			ErrDuplicateActive, req.Payload.InstanceCode, existing.EnrollmentID, existing.Status)
	}

	// 6. Persist in pending_verification.
	createdAt := s.now().UTC()
	e := &Enrollment{
		EnrollmentID:          uuid.New().String(),
		RequesterCode:         req.Payload.InstanceCode,
		RequesterName:         req.Payload.InstanceName,
		RequesterCertPEM:      req.CertificatePEM,
		RequesterFingerprint:  fingerprint,
		OIDCDiscoveryURL:      req.Payload.OIDCDiscoveryURL,
		APIURL:                req.Payload.APIURL,
		IdPURL:                req.Payload.IdPURL,
		ContactEmail:          req.Payload.ContactEmail,
		RequestedCapabilities: req.Payload.RequestedCapabilities,
		RequestedTrustLevel:   req.Payload.RequestedTrustLevel,
		ApproverCode:          s.inst.Code(),
		ApproverFingerprint:   s.inst.Fingerprint(),
		ChallengeNonce:        uuid.New().String(),
		EnrollmentSignature:   req.Signature,
		Status:                StatusPendingVerification,
		StatusHistory: []HistoryEntry{{
			Status:    StatusPendingVerification,
			Timestamp: createdAt,
			Actor:     req.Payload.InstanceCode,
			Reason:    "enrollment requested",
		}},
		ExpiresAt: createdAt.Add(s.ttl),
	}
	if err := s.store.Create(ctx, e); err != nil {
		return nil, fmt.Errorf("persist enrollment: %w", err)
	}

	// 7. Broadcast.
	s.publish(events.EnrollmentRequested, e, req.Payload.InstanceCode, "")
	s.record(ctx, "enrollment.requested", e.EnrollmentID, req.Payload.InstanceCode, fingerprint)

	s.logger.Info("enrollment requested",
		zap.String("enrollment_id", e.EnrollmentID),
		zap.String("requester", e.RequesterCode),
		zap.String("fingerprint", fingerprint),
	)
	return e, nil
}

// VerifyFingerprint records the result of the out-of-band fingerprint check,
// moving pending_verification → fingerprint_verified.
func (s *Service) VerifyFingerprint(ctx context.Context, enrollmentID, actor string) (*Enrollment, error) {
	return s.transition(ctx, enrollmentID, StatusFingerprintVerified, actor,
		"fingerprint verified out of band", events.FingerprintVerified)
}

// Approve records administrative approval, moving fingerprint_verified → approved.
func (s *Service) Approve(ctx context.Context, enrollmentID, actor, reason string) (*Enrollment, error) {
	if reason == "" {
		reason = "administratively approved"
	}
	return s.transition(ctx, enrollmentID, StatusApproved, actor, reason, events.EnrollmentApproved)
}

// Reject moves any pre-active enrollment to the absorbing rejected state.
func (s *Service) Reject(ctx context.Context, enrollmentID, actor, reason string) (*Enrollment, error) {
	if reason == "" {
		reason = "administratively rejected"
	}
	return s.transition(ctx, enrollmentID, StatusRejected, actor, reason, events.EnrollmentRejected)
}

// Revoke tears down an active federation.
func (s *Service) Revoke(ctx context.Context, enrollmentID, actor, reason string) (*Enrollment, error) {
	if reason == "" {
		reason = "federation revoked"
	}
	return s.transition(ctx, enrollmentID, StatusRevoked, actor, reason, events.EnrollmentRevoked)
}

// MarkActive completes the lifecycle, credentials_exchanged → active. Called
// by the activation service once the trust cascade has run.
func (s *Service) MarkActive(ctx context.Context, enrollmentID, actor string) (*Enrollment, error) {
	return s.transition(ctx, enrollmentID, StatusActive, actor,
		"trust cascade complete", events.EnrollmentActivated)
}

// SetApproverCredentials stores the approver-issued OIDC client metadata on
// an approved enrollment. The client secret is sealed before persisting.
func (s *Service) SetApproverCredentials(ctx context.Context, enrollmentID string, creds *ClientCredentials, actor string) (*Enrollment, error) {
	sealed, err := s.sealCredentials(creds)
	if err != nil {
		return nil, err
	}
	if err := s.store.SetApproverCredentials(ctx, enrollmentID, sealed); err != nil {
		return nil, s.mapConditionalErr(ctx, err, enrollmentID, StatusApproved)
	}
	s.record(ctx, "enrollment.credentials_issued", enrollmentID, actor, "approver credentials stored")
	return s.Get(ctx, enrollmentID)
}

// SetRequesterCredentials stores the requester's returned OIDC client
// metadata and moves the record to credentials_exchanged.
func (s *Service) SetRequesterCredentials(ctx context.Context, enrollmentID string, creds *ClientCredentials, actor string) (*Enrollment, error) {
	sealed, err := s.sealCredentials(creds)
	if err != nil {
		return nil, err
	}
	entry := HistoryEntry{
		Status:    StatusCredentialsExchanged,
		Timestamp: s.now().UTC(),
		Actor:     actor,
		Reason:    "requester credentials received",
	}
	if err := s.store.SetRequesterCredentials(ctx, enrollmentID, sealed, entry); err != nil {
		return nil, s.mapConditionalErr(ctx, err, enrollmentID, StatusCredentialsExchanged)
	}

	e, err := s.Get(ctx, enrollmentID)
	if err != nil {
		return nil, err
	}
	s.publish(events.CredentialsExchanged, e, actor, entry.Reason)
	s.record(ctx, "enrollment.credentials_exchanged", enrollmentID, actor, "")
	return e, nil
}

// Get loads an enrollment with its credential secrets opened.
func (s *Service) Get(ctx context.Context, enrollmentID string) (*Enrollment, error) {
	e, err := s.store.GetByID(ctx, enrollmentID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, enrollmentID)
		}
		return nil, fmt.Errorf("get enrollment: %w", err)
	}
	if err := s.openCredentials(e); err != nil {
		return nil, err
	}
	return e, nil
}

// GetStatus returns a human-readable status summary for polling requesters.
func (s *Service) GetStatus(ctx context.Context, enrollmentID string) (*StatusSummary, error) {
	e, err := s.Get(ctx, enrollmentID)
	if err != nil {
		return nil, err
	}
	return &StatusSummary{
		EnrollmentID:     e.EnrollmentID,
		InstanceCode:     e.RequesterCode,
		Status:           e.Status,
		Message:          statusMessages[e.Status],
		CredentialsReady: e.CredentialsReady(),
		UpdatedAt:        e.UpdatedAt,
		ExpiresAt:        e.ExpiresAt,
	}, nil
}

// List returns enrollments filtered by status.
func (s *Service) List(ctx context.Context, status Status, limit, offset int) ([]*Enrollment, error) {
	return s.store.List(ctx, status, limit, offset)
}

// DeleteExpired removes timed-out enrollments. Returns the number removed.
func (s *Service) DeleteExpired(ctx context.Context) (int64, error) {
	n, err := s.store.DeleteExpired(ctx)
	if err != nil {
		return 0, fmt.Errorf("delete expired enrollments: %w", err)
	}
	if n > 0 {
		s.logger.Info("pruned expired enrollments", zap.Int64("count", n))
	}
	return n, nil
}

// transition loads the record, validates the edge, persists the new status
// with a history entry, and emits exactly one lifecycle event on success.
func (s *Service) transition(ctx context.Context, enrollmentID string, to Status, actor, reason string, kind events.Kind) (*Enrollment, error) {
	e, err := s.Get(ctx, enrollmentID)
	if err != nil {
		return nil, err
	}
	if !CanTransition(e.Status, to) {
		return nil, &StateTransitionError{EnrollmentID: enrollmentID, From: e.Status, To: to}
	}

	entry := HistoryEntry{
		Status:    to,
		Timestamp: s.now().UTC(),
		Actor:     actor,
		Reason:    reason,
	}
	if err := s.store.UpdateStatus(ctx, enrollmentID, e.Status, entry); err != nil {
		return nil, s.mapConditionalErr(ctx, err, enrollmentID, to)
	}

	e.Status = to
	e.StatusHistory = append(e.StatusHistory, entry)
	e.UpdatedAt = entry.Timestamp

	s.publish(kind, e, actor, reason)
	s.record(ctx, "enrollment."+string(to), enrollmentID, actor, reason)

	s.logger.Info("enrollment transition",
		zap.String("enrollment_id", enrollmentID),
		zap.String("status", string(to)),
		zap.String("actor", actor),
	)
	return e, nil
}

// mapConditionalErr converts a conditional-update miss into the precise error
// the caller needs: not-found when the row is gone, otherwise a transition
// error naming the status the record actually holds now.
func (s *Service) mapConditionalErr(ctx context.Context, err error, enrollmentID string, to Status) error {
	if !errors.Is(err, errNoMatch) {
		return err
	}
	current, getErr := s.store.GetByID(ctx, enrollmentID)
	if getErr != nil {
		if errors.Is(getErr, ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrNotFound, enrollmentID)
		}
		return getErr
	}
	return &StateTransitionError{EnrollmentID: enrollmentID, From: current.Status, To: to}
}

func (s *Service) sealCredentials(creds *ClientCredentials) (*ClientCredentials, error) {
	sealed := *creds
	secret, err := s.box.Seal(creds.ClientSecret)
	if err != nil {
		return nil, fmt.Errorf("seal client secret: %w", err)
	}
	sealed.ClientSecret = secret
	return &sealed, nil
}

func (s *Service) openCredentials(e *Enrollment) error {
	for _, creds := range []*ClientCredentials{e.ApproverCredentials, e.RequesterCredentials} {
		if creds == nil {
			continue
		}
		secret, err := s.box.Open(creds.ClientSecret)
		if err != nil {
			return fmt.Errorf("open client secret for enrollment %s: %w", e.EnrollmentID, err)
		}
		creds.ClientSecret = secret
	}
	return nil
}

func (s *Service) publish(kind events.Kind, e *Enrollment, actor, reason string) {
	s.bus.Publish(events.FederationEvent{
		Kind:         kind,
		EnrollmentID: e.EnrollmentID,
		InstanceCode: e.RequesterCode,
		Actor:        actor,
		Reason:       reason,
	})
}

func (s *Service) record(ctx context.Context, action, enrollmentID, actor, detail string) {
	if s.audit == nil {
		return
	}
	s.audit.Record(ctx, action, enrollmentID, actor, detail)
}

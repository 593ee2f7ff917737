// Package activation runs the trust cascade that turns an enrollment with
// exchanged credentials into an active federation: identity-provider link,
// KAS registration, policy-engine trust data, and the final status flip.
package activation

import (
	"context"
	"fmt"

	"github.com/dive25/federation/internal/enrollment"
	"github.com/dive25/federation/internal/identity"
	"github.com/dive25/federation/internal/kas"
	"go.uber.org/zap"
)

// ProviderConfig describes the OIDC identity-provider link to create for a
// federation partner.
type ProviderConfig struct {
	Alias        string
	DisplayName  string
	BaseURL      string
	Realm        string
	IssuerURL    string
	DiscoveryURL string
	ClientID     string
	ClientSecret string
}

// IdPManager is the identity-provider management collaborator. It creates an
// OIDC provider link from config and returns the provider alias.
type IdPManager interface {
	CreateOIDCProvider(ctx context.Context, cfg ProviderConfig) (string, error)
}

// TrustedIssuer is the policy-engine view of a federation partner's issuer.
type TrustedIssuer struct {
	InstanceCode string
	IssuerURL    string
	Fingerprint  string
}

// PolicyPublisher is the policy-engine data-publishing collaborator.
type PolicyPublisher interface {
	UpdateTrustedIssuer(ctx context.Context, issuer TrustedIssuer) error
	UpdateFederationMatrix(ctx context.Context, partnerCode string, capabilities []string) error
	UpdateCOIMemberships(ctx context.Context, partnerCode string, cois []string) error
	PublishKASRegistry(ctx context.Context) error
	ForceFullRepublish(ctx context.Context) error
}

// enrollments is the slice of the enrollment service the cascade needs.
// *enrollment.Service satisfies this interface.
type enrollments interface {
	Get(ctx context.Context, enrollmentID string) (*enrollment.Enrollment, error)
	MarkActive(ctx context.Context, enrollmentID, actor string) (*enrollment.Enrollment, error)
}

// kasRegistry is the slice of the KAS registry the cascade needs.
// *kas.Registry satisfies this interface.
type kasRegistry interface {
	RegisterPartner(ctx context.Context, k *kas.Instance) (*kas.Instance, error)
	AddTrustedKAS(ctx context.Context, countryCode, kasID string) error
}

// Result reports what the cascade accomplished. CascadeErrors lists the
// non-fatal substep failures that were logged and skipped; remediation is a
// re-run of activation, which is safe because every substep is idempotent.
type Result struct {
	EnrollmentID    string   `json:"enrollmentId,omitempty"`
	PartnerCode     string   `json:"partnerCode"`
	IdPAlias        string   `json:"idpAlias"`
	PolicySyncToken string   `json:"policySyncToken,omitempty"`
	CascadeErrors   []string `json:"cascadeErrors,omitempty"`
}

// Service orchestrates federation activation. All collaborators are injected
// once at startup; tokens may be nil to disable policy-sync token minting.
type Service struct {
	localCode string
	hubCode   string
	enr       enrollments
	idp       IdPManager
	publisher PolicyPublisher
	registry  kasRegistry
	tokens    *identity.TokenIssuer // nil = no token minting
	audit     enrollment.AuditSink  // nil = no audit trail
	logger    *zap.Logger
}

// NewService creates an activation Service.
//
//	localCode — this instance's code.
//	hubCode   — the code of the coalition hub, used by the spoke-side cascade
//	            to pick hostname conventions.
func NewService(localCode, hubCode string, enr enrollments, idp IdPManager, publisher PolicyPublisher, registry kasRegistry, tokens *identity.TokenIssuer, audit enrollment.AuditSink, logger *zap.Logger) *Service {
	return &Service{
		localCode: localCode,
		hubCode:   hubCode,
		enr:       enr,
		idp:       idp,
		publisher: publisher,
		registry:  registry,
		tokens:    tokens,
		audit:     audit,
		logger:    logger,
	}
}

// ActivateHubSide runs the hub's half of the trust cascade for an enrollment
// whose credentials have been exchanged, then marks it active. The IdP link
// and the final transition are fatal; the intermediate trust updates are
// logged-and-swallowed so a degraded trust graph cannot wedge the enrollment.
func (s *Service) ActivateHubSide(ctx context.Context, enrollmentID string) (*Result, error) {
	e, err := s.enr.Get(ctx, enrollmentID)
	if err != nil {
		return nil, err
	}
	if e.Status != enrollment.StatusCredentialsExchanged {
		return nil, &enrollment.StateTransitionError{
			EnrollmentID: enrollmentID,
			From:         e.Status,
			To:           enrollment.StatusActive,
		}
	}
	if e.RequesterCredentials == nil {
		return nil, fmt.Errorf("enrollment %s has no requester credentials", enrollmentID)
	}

	link := LinkFromEnrollment(e)
	res := &Result{EnrollmentID: enrollmentID, PartnerCode: link.Code}

	// (1) Local IdP link to the partner. Fatal on failure.
	alias, err := s.createIdPLink(ctx, link, e.RequesterCredentials)
	if err != nil {
		return nil, fmt.Errorf("create idp link for %s: %w", link.Code, err)
	}
	res.IdPAlias = alias

	// (2) Independent trust updates, each individually tolerated.
	s.runStep(ctx, res, "trusted_issuer", func() error {
		if err := s.publisher.UpdateTrustedIssuer(ctx, TrustedIssuer{
			InstanceCode: link.Code,
			IssuerURL:    e.RequesterCredentials.IssuerURL,
			Fingerprint:  link.Fingerprint,
		}); err != nil {
			return err
		}
		return s.publisher.UpdateFederationMatrix(ctx, link.Code, link.Capabilities)
	})

	s.runStep(ctx, res, "kas_registration", func() error {
		partnerKAS, err := s.registry.RegisterPartner(ctx, &kas.Instance{
			CountryCode:    link.Code,
			KASURL:         link.KASURL,
			InternalKASURL: internalKASHost(link.Code, false),
			TrustLevel:     link.TrustLevel,
		})
		if err != nil {
			return err
		}
		return s.registry.AddTrustedKAS(ctx, s.localCode, partnerKAS.KASID)
	})

	s.runStep(ctx, res, "coi_membership", func() error {
		return s.publisher.UpdateCOIMemberships(ctx, link.Code, link.Capabilities)
	})

	// (3) Full policy-data republish so downstream engines converge.
	s.runStep(ctx, res, "policy_republish", func() error {
		return s.publisher.ForceFullRepublish(ctx)
	})

	// (4) Optional policy-sync client token for the partner.
	if s.tokens != nil {
		token, tokenErr := s.tokens.Issue(link.Code, []string{"policy:read"})
		if tokenErr != nil {
			s.logger.Error("mint policy-sync token",
				zap.String("enrollment_id", enrollmentID),
				zap.String("partner", link.Code),
				zap.Error(tokenErr),
			)
			res.CascadeErrors = append(res.CascadeErrors, fmt.Sprintf("policy_sync_token: %v", tokenErr))
		} else {
			res.PolicySyncToken = token
		}
	}

	// (5) Final transition. Fatal on failure.
	if _, err := s.enr.MarkActive(ctx, enrollmentID, "activation"); err != nil {
		return nil, fmt.Errorf("mark enrollment %s active: %w", enrollmentID, err)
	}

	s.logger.Info("hub-side activation complete",
		zap.String("enrollment_id", enrollmentID),
		zap.String("partner", link.Code),
		zap.String("idp_alias", alias),
		zap.Int("cascade_errors", len(res.CascadeErrors)),
	)
	return res, nil
}

// ActivateSpokeSide mirrors the cascade on a spoke once it has received the
// hub's (or another partner's) credentials. partnerKASURL may be empty, in
// which case the internal hostname convention is used for both endpoints.
func (s *Service) ActivateSpokeSide(ctx context.Context, partnerCode string, partnerCreds *enrollment.ClientCredentials, partnerKASURL string) (*Result, error) {
	if partnerCreds == nil {
		return nil, fmt.Errorf("partner credentials are required")
	}

	isHub := partnerCode == s.hubCode
	internalURL := internalKASHost(partnerCode, isHub)
	if partnerKASURL == "" {
		partnerKASURL = internalURL
	}

	link := &SpokeLink{Code: partnerCode, KASURL: partnerKASURL}
	res := &Result{PartnerCode: partnerCode}

	alias, err := s.createIdPLink(ctx, link, partnerCreds)
	if err != nil {
		return nil, fmt.Errorf("create idp link for %s: %w", partnerCode, err)
	}
	res.IdPAlias = alias

	partnerKASID := kas.DeriveID(partnerCode)
	s.runStep(ctx, res, "kas_registration", func() error {
		_, err := s.registry.RegisterPartner(ctx, &kas.Instance{
			CountryCode:    partnerCode,
			KASURL:         partnerKASURL,
			InternalKASURL: internalURL,
		})
		return err
	})

	// Bidirectional agreement: we trust their KAS, they trust ours.
	s.runStep(ctx, res, "federation_agreement", func() error {
		if err := s.registry.AddTrustedKAS(ctx, s.localCode, partnerKASID); err != nil {
			return err
		}
		return s.registry.AddTrustedKAS(ctx, partnerCode, kas.DeriveID(s.localCode))
	})

	s.runStep(ctx, res, "policy_republish", func() error {
		return s.publisher.ForceFullRepublish(ctx)
	})

	s.logger.Info("spoke-side activation complete",
		zap.String("partner", partnerCode),
		zap.Bool("partner_is_hub", isHub),
		zap.String("idp_alias", alias),
		zap.Int("cascade_errors", len(res.CascadeErrors)),
	)
	return res, nil
}

// createIdPLink builds the identity-provider link config from the partner's
// exchanged OIDC metadata and asks the IdP collaborator to create it.
func (s *Service) createIdPLink(ctx context.Context, link *SpokeLink, creds *enrollment.ClientCredentials) (string, error) {
	baseURL, realm, err := splitIssuerURL(creds.IssuerURL)
	if err != nil {
		return "", err
	}

	discovery := creds.DiscoveryURL
	if discovery == "" {
		discovery = creds.IssuerURL + "/.well-known/openid-configuration"
	}

	cfg := ProviderConfig{
		Alias:        IdPAlias(link.Code),
		DisplayName:  link.Name,
		BaseURL:      baseURL,
		Realm:        realm,
		IssuerURL:    creds.IssuerURL,
		DiscoveryURL: discovery,
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret,
	}
	if cfg.DisplayName == "" {
		cfg.DisplayName = link.Code + " Federation"
	}

	alias, err := s.idp.CreateOIDCProvider(ctx, cfg)
	if err != nil {
		return "", err
	}
	return alias, nil
}

// runStep executes one cascade substep. Failures are logged with full
// context, audited, appended to the result, and otherwise swallowed: a
// partially-cascaded trust link is recoverable by re-running activation,
// a stuck enrollment is not.
func (s *Service) runStep(ctx context.Context, res *Result, name string, fn func() error) {
	if err := fn(); err != nil {
		s.logger.Error("trust cascade substep failed",
			zap.String("enrollment_id", res.EnrollmentID),
			zap.String("partner", res.PartnerCode),
			zap.String("step", name),
			zap.Error(err),
		)
		if s.audit != nil {
			s.audit.Record(ctx, "activation.step_failed", res.EnrollmentID, "activation",
				fmt.Sprintf("%s: %v", name, err))
		}
		res.CascadeErrors = append(res.CascadeErrors, fmt.Sprintf("%s: %v", name, err))
	}
}

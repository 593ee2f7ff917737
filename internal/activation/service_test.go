package activation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dive25/federation/internal/enrollment"
	"github.com/dive25/federation/internal/identity"
	"github.com/dive25/federation/internal/kas"
	"go.uber.org/zap"
)

// ── Fakes ──────────────────────────────────────────────────────────────────

type fakeEnrollments struct {
	rec *enrollment.Enrollment
}

func (f *fakeEnrollments) Get(_ context.Context, id string) (*enrollment.Enrollment, error) {
	if f.rec == nil || f.rec.EnrollmentID != id {
		return nil, enrollment.ErrNotFound
	}
	cp := *f.rec
	return &cp, nil
}

func (f *fakeEnrollments) MarkActive(_ context.Context, id, _ string) (*enrollment.Enrollment, error) {
	if f.rec == nil || f.rec.EnrollmentID != id {
		return nil, enrollment.ErrNotFound
	}
	if !enrollment.CanTransition(f.rec.Status, enrollment.StatusActive) {
		return nil, &enrollment.StateTransitionError{EnrollmentID: id, From: f.rec.Status, To: enrollment.StatusActive}
	}
	f.rec.Status = enrollment.StatusActive
	cp := *f.rec
	return &cp, nil
}

type fakeIdP struct {
	calls []ProviderConfig
	fail  bool
}

func (f *fakeIdP) CreateOIDCProvider(_ context.Context, cfg ProviderConfig) (string, error) {
	if f.fail {
		return "", errors.New("idp unavailable")
	}
	f.calls = append(f.calls, cfg)
	return cfg.Alias, nil
}

type fakePublisher struct {
	issuers    []TrustedIssuer
	matrix     []string
	cois       []string
	republish  int
	failIssuer bool
	failCOI    bool
}

func (f *fakePublisher) UpdateTrustedIssuer(_ context.Context, i TrustedIssuer) error {
	if f.failIssuer {
		return errors.New("policy engine rejected issuer")
	}
	f.issuers = append(f.issuers, i)
	return nil
}

func (f *fakePublisher) UpdateFederationMatrix(_ context.Context, code string, _ []string) error {
	f.matrix = append(f.matrix, code)
	return nil
}

func (f *fakePublisher) UpdateCOIMemberships(_ context.Context, code string, _ []string) error {
	if f.failCOI {
		return errors.New("coi update failed")
	}
	f.cois = append(f.cois, code)
	return nil
}

func (f *fakePublisher) PublishKASRegistry(_ context.Context) error { return nil }

func (f *fakePublisher) ForceFullRepublish(_ context.Context) error {
	f.republish++
	return nil
}

type fakeKASRegistry struct {
	registered []*kas.Instance
	agreements map[string][]string
	failAll    bool
}

func newFakeKASRegistry() *fakeKASRegistry {
	return &fakeKASRegistry{agreements: make(map[string][]string)}
}

func (f *fakeKASRegistry) RegisterPartner(_ context.Context, k *kas.Instance) (*kas.Instance, error) {
	if f.failAll {
		return nil, errors.New("kas registry down")
	}
	if k.KASID == "" {
		k.KASID = kas.DeriveID(k.CountryCode)
	}
	k.Status = kas.StatusActive
	k.Enabled = true
	f.registered = append(f.registered, k)
	return k, nil
}

func (f *fakeKASRegistry) AddTrustedKAS(_ context.Context, countryCode, kasID string) error {
	if f.failAll {
		return errors.New("kas registry down")
	}
	f.agreements[countryCode] = append(f.agreements[countryCode], kasID)
	return nil
}

// ── Helpers ────────────────────────────────────────────────────────────────

func exchangedEnrollment() *enrollment.Enrollment {
	return &enrollment.Enrollment{
		EnrollmentID:          "enr-1",
		RequesterCode:         "GBR",
		RequesterName:         "United Kingdom",
		RequesterFingerprint:  "SHA256:AA:BB",
		APIURL:                "https://api.gbr.example",
		IdPURL:                "https://idp.gbr.example",
		RequestedCapabilities: []string{"policy-sync", "kas-federation"},
		RequestedTrustLevel:   "bilateral",
		Status:                enrollment.StatusCredentialsExchanged,
		RequesterCredentials: &enrollment.ClientCredentials{
			ClientID:     "usa-federation-client",
			ClientSecret: "secret",
			IssuerURL:    "https://idp.gbr.example/realms/dive25",
		},
	}
}

type env struct {
	svc *Service
	enr *fakeEnrollments
	idp *fakeIdP
	pub *fakePublisher
	reg *fakeKASRegistry
}

func newEnv(t *testing.T, withTokens bool) *env {
	t.Helper()
	var tokens *identity.TokenIssuer
	if withTokens {
		inst, err := identity.LoadOrCreateInstance("USA", t.TempDir())
		if err != nil {
			t.Fatalf("identity: %v", err)
		}
		tokens = identity.NewTokenIssuer(inst.Key(), "https://hub.usa.example", time.Hour)
	}

	e := &env{
		enr: &fakeEnrollments{rec: exchangedEnrollment()},
		idp: &fakeIdP{},
		pub: &fakePublisher{},
		reg: newFakeKASRegistry(),
	}
	e.svc = NewService("USA", "USA", e.enr, e.idp, e.pub, e.reg, tokens, nil, zap.NewNop())
	return e
}

// ── Tests ──────────────────────────────────────────────────────────────────

func TestActivateHubSide_happyPath(t *testing.T) {
	env := newEnv(t, true)

	res, err := env.svc.ActivateHubSide(context.Background(), "enr-1")
	if err != nil {
		t.Fatalf("ActivateHubSide: %v", err)
	}

	if len(env.idp.calls) != 1 {
		t.Fatalf("expected exactly 1 IdP creation call, got %d", len(env.idp.calls))
	}
	cfg := env.idp.calls[0]
	if cfg.Alias != "gbr-idp" {
		t.Errorf("alias: got %q", cfg.Alias)
	}
	if cfg.BaseURL != "https://idp.gbr.example" || cfg.Realm != "dive25" {
		t.Errorf("issuer split: base %q realm %q", cfg.BaseURL, cfg.Realm)
	}

	if env.enr.rec.Status != enrollment.StatusActive {
		t.Errorf("enrollment status: %s", env.enr.rec.Status)
	}
	if len(res.CascadeErrors) != 0 {
		t.Errorf("unexpected cascade errors: %v", res.CascadeErrors)
	}
	if res.PolicySyncToken == "" {
		t.Error("expected minted policy-sync token")
	}
	if env.pub.republish != 1 {
		t.Errorf("republish count: %d", env.pub.republish)
	}
	if len(env.reg.registered) != 1 || env.reg.registered[0].KASID != "gbr-kas" {
		t.Errorf("partner kas registration: %+v", env.reg.registered)
	}
	if trusted := env.reg.agreements["USA"]; len(trusted) != 1 || trusted[0] != "gbr-kas" {
		t.Errorf("agreement: %v", trusted)
	}
}

func TestActivateHubSide_requiresCredentialsExchanged(t *testing.T) {
	env := newEnv(t, false)
	env.enr.rec.Status = enrollment.StatusApproved

	_, err := env.svc.ActivateHubSide(context.Background(), "enr-1")
	ste, ok := enrollment.IsStateTransition(err)
	if !ok {
		t.Fatalf("expected StateTransitionError, got %v", err)
	}
	if ste.From != enrollment.StatusApproved || ste.To != enrollment.StatusActive {
		t.Errorf("pair: %s → %s", ste.From, ste.To)
	}
	if len(env.idp.calls) != 0 {
		t.Error("IdP must not be called before state validation")
	}
}

func TestActivateHubSide_requiresRequesterCredentials(t *testing.T) {
	env := newEnv(t, false)
	env.enr.rec.RequesterCredentials = nil

	if _, err := env.svc.ActivateHubSide(context.Background(), "enr-1"); err == nil {
		t.Fatal("expected failure without requester credentials")
	}
}

func TestActivateHubSide_cascadeFailuresDoNotBlockActivation(t *testing.T) {
	env := newEnv(t, false)
	env.pub.failIssuer = true
	env.pub.failCOI = true
	env.reg.failAll = true

	res, err := env.svc.ActivateHubSide(context.Background(), "enr-1")
	if err != nil {
		t.Fatalf("ActivateHubSide: %v", err)
	}
	if env.enr.rec.Status != enrollment.StatusActive {
		t.Errorf("enrollment should still reach active, got %s", env.enr.rec.Status)
	}
	if len(res.CascadeErrors) != 3 {
		t.Errorf("expected 3 cascade errors, got %v", res.CascadeErrors)
	}
	if len(env.idp.calls) != 1 {
		t.Errorf("IdP creation calls: %d", len(env.idp.calls))
	}
}

func TestActivateHubSide_idpFailureIsFatal(t *testing.T) {
	env := newEnv(t, false)
	env.idp.fail = true

	if _, err := env.svc.ActivateHubSide(context.Background(), "enr-1"); err == nil {
		t.Fatal("expected fatal error from IdP link failure")
	}
	if env.enr.rec.Status != enrollment.StatusCredentialsExchanged {
		t.Errorf("enrollment must not advance, got %s", env.enr.rec.Status)
	}
}

func TestActivateSpokeSide_bidirectionalAgreement(t *testing.T) {
	env := newEnv(t, false)
	svc := NewService("GBR", "USA", env.enr, env.idp, env.pub, env.reg, nil, nil, zap.NewNop())

	creds := &enrollment.ClientCredentials{
		ClientID:     "gbr-federation-client",
		ClientSecret: "secret",
		IssuerURL:    "https://idp.usa.example/realms/dive25",
	}
	res, err := svc.ActivateSpokeSide(context.Background(), "USA", creds, "")
	if err != nil {
		t.Fatalf("ActivateSpokeSide: %v", err)
	}
	if res.IdPAlias != "usa-idp" {
		t.Errorf("alias: %q", res.IdPAlias)
	}

	// Partner is the hub, so the hub hostname convention applies.
	if len(env.reg.registered) != 1 {
		t.Fatalf("registered: %+v", env.reg.registered)
	}
	if got := env.reg.registered[0].InternalKASURL; got != "http://hub-kas:8080" {
		t.Errorf("internal kas url: %q", got)
	}

	// We trust their KAS; their agreement trusts ours.
	if trusted := env.reg.agreements["GBR"]; len(trusted) != 1 || trusted[0] != "usa-kas" {
		t.Errorf("local agreement: %v", trusted)
	}
	if trusted := env.reg.agreements["USA"]; len(trusted) != 1 || trusted[0] != "gbr-kas" {
		t.Errorf("partner agreement: %v", trusted)
	}
}

func TestActivateSpokeSide_nonHubHostConvention(t *testing.T) {
	env := newEnv(t, false)
	svc := NewService("GBR", "USA", env.enr, env.idp, env.pub, env.reg, nil, nil, zap.NewNop())

	creds := &enrollment.ClientCredentials{
		ClientID:  "fra-client",
		IssuerURL: "https://idp.fra.example/realms/dive25",
	}
	if _, err := svc.ActivateSpokeSide(context.Background(), "FRA", creds, ""); err != nil {
		t.Fatalf("ActivateSpokeSide: %v", err)
	}
	if got := env.reg.registered[0].InternalKASURL; got != "http://fra-kas:8080" {
		t.Errorf("internal kas url: %q", got)
	}
}

func TestSplitIssuerURL(t *testing.T) {
	cases := []struct {
		issuer string
		base   string
		realm  string
		ok     bool
	}{
		{"https://idp.gbr.example/realms/dive25", "https://idp.gbr.example", "dive25", true},
		{"https://idp.gbr.example/auth/realms/coalition", "https://idp.gbr.example", "coalition", true},
		{"https://idp.gbr.example/tenant-a", "https://idp.gbr.example", "tenant-a", true},
		{"https://idp.gbr.example", "https://idp.gbr.example", "idp.gbr.example", true},
		{"not a url", "", "", false},
	}
	for _, tc := range cases {
		base, realm, err := splitIssuerURL(tc.issuer)
		if tc.ok && err != nil {
			t.Errorf("%q: unexpected error %v", tc.issuer, err)
			continue
		}
		if !tc.ok {
			if err == nil {
				t.Errorf("%q: expected error", tc.issuer)
			}
			continue
		}
		if base != tc.base || realm != tc.realm {
			t.Errorf("%q: got (%q, %q), want (%q, %q)", tc.issuer, base, realm, tc.base, tc.realm)
		}
	}
}

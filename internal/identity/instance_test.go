package identity_test

import (
	"strings"
	"testing"
	"time"

	"github.com/dive25/federation/internal/identity"
)

func newTestInstance(t *testing.T, code string) *identity.Instance {
	t.Helper()
	inst, err := identity.LoadOrCreateInstance(code, t.TempDir())
	if err != nil {
		t.Fatalf("LoadOrCreateInstance: %v", err)
	}
	return inst
}

func TestLoadOrCreateInstance_persistsAndReloads(t *testing.T) {
	dir := t.TempDir()

	first, err := identity.LoadOrCreateInstance("USA", dir)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	second, err := identity.LoadOrCreateInstance("USA", dir)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if first.Fingerprint() != second.Fingerprint() {
		t.Errorf("fingerprint changed across reload: %q vs %q", first.Fingerprint(), second.Fingerprint())
	}
	if got := second.SPIFFEID(); !strings.Contains(got, "spiffe://") || !strings.Contains(got, "usa") {
		t.Errorf("SPIFFEID: got %q", got)
	}
}

func TestSignAndVerifySignature(t *testing.T) {
	inst := newTestInstance(t, "GBR")
	data := []byte("enrollment payload bytes")

	sig, err := inst.Sign(data)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if !identity.VerifySignature(data, sig, inst.CertPEM()) {
		t.Error("valid signature did not verify")
	}
	if identity.VerifySignature([]byte("tampered"), sig, inst.CertPEM()) {
		t.Error("tampered data verified")
	}

	other := newTestInstance(t, "FRA")
	if identity.VerifySignature(data, sig, other.CertPEM()) {
		t.Error("signature verified against wrong certificate")
	}
}

func TestVerifySignature_malformedCertReturnsFalse(t *testing.T) {
	inst := newTestInstance(t, "GBR")
	sig, _ := inst.Sign([]byte("x"))

	for _, pem := range []string{"", "not a pem", "-----BEGIN CERTIFICATE-----\ngarbage\n-----END CERTIFICATE-----"} {
		if identity.VerifySignature([]byte("x"), sig, pem) {
			t.Errorf("verification succeeded with certPEM %q", pem)
		}
	}
}

func TestCalculateFingerprint_deterministic(t *testing.T) {
	inst := newTestInstance(t, "DEU")

	fp1, err := identity.CalculateFingerprint(inst.CertPEM())
	if err != nil {
		t.Fatalf("CalculateFingerprint: %v", err)
	}
	fp2, err := identity.CalculateFingerprint(inst.CertPEM())
	if err != nil {
		t.Fatalf("CalculateFingerprint (second call): %v", err)
	}
	if fp1 != fp2 {
		t.Errorf("fingerprint not deterministic: %q vs %q", fp1, fp2)
	}
	if !strings.HasPrefix(fp1, "SHA256:") {
		t.Errorf("fingerprint missing prefix: %q", fp1)
	}
	// 32 bytes rendered as colon-separated uppercase hex pairs.
	if parts := strings.Split(strings.TrimPrefix(fp1, "SHA256:"), ":"); len(parts) != 32 {
		t.Errorf("expected 32 hex pairs, got %d", len(parts))
	}
	if fp1 != strings.ToUpper(fp1) {
		t.Errorf("fingerprint not uppercase: %q", fp1)
	}
}

func TestCalculateFingerprint_rejectsGarbage(t *testing.T) {
	if _, err := identity.CalculateFingerprint("not a certificate"); err == nil {
		t.Error("expected error for unparseable input")
	}
}

func TestValidateCertificate(t *testing.T) {
	inst := newTestInstance(t, "ESP")

	info := identity.ValidateCertificate(inst.CertPEM())
	if !info.Valid {
		t.Fatalf("expected valid, errors: %v", info.Errors)
	}
	if info.InstanceCode != "ESP" {
		t.Errorf("InstanceCode: got %q", info.InstanceCode)
	}
	if !strings.HasPrefix(info.SPIFFEID, "spiffe://") {
		t.Errorf("SPIFFEID: got %q", info.SPIFFEID)
	}
	if info.Fingerprint != inst.Fingerprint() {
		t.Errorf("fingerprint mismatch: %q vs %q", info.Fingerprint, inst.Fingerprint())
	}
	if info.NotAfter.Before(time.Now()) {
		t.Error("NotAfter is in the past for a fresh certificate")
	}
}

func TestValidateCertificate_malformedNeverPanics(t *testing.T) {
	info := identity.ValidateCertificate("garbage")
	if info.Valid {
		t.Error("garbage validated")
	}
	if len(info.Errors) == 0 {
		t.Error("expected populated Errors")
	}
	if info.InstanceCode != "" || info.SPIFFEID != "" {
		t.Error("identity fields should be empty for malformed input")
	}
}

func TestVerifyEnrollmentSignature_canonicalOrder(t *testing.T) {
	inst := newTestInstance(t, "GBR")
	payload := identity.EnrollmentPayload{
		InstanceCode:          "GBR",
		InstanceName:          "United Kingdom",
		OIDCDiscoveryURL:      "https://idp.gbr.example/.well-known/openid-configuration",
		APIURL:                "https://api.gbr.example",
		IdPURL:                "https://idp.gbr.example",
		RequestedCapabilities: []string{"policy-sync", "kas-federation"},
		RequestedTrustLevel:   "bilateral",
		ContactEmail:          "admin@gbr.example",
		SignatureTimestamp:    time.Now().UTC().Format(time.RFC3339),
		SignatureNonce:        "nonce-1",
	}

	sig, err := inst.SignEnrollmentPayload(payload)
	if err != nil {
		t.Fatalf("SignEnrollmentPayload: %v", err)
	}

	if !identity.VerifyEnrollmentSignature(payload, sig, inst.CertPEM()) {
		t.Error("signature over identical payload did not verify")
	}

	// Same signature, mutated payload field.
	payload.ContactEmail = "other@gbr.example"
	if identity.VerifyEnrollmentSignature(payload, sig, inst.CertPEM()) {
		t.Error("signature verified over mutated payload")
	}
}

func TestTokenIssuer_issueAndVerify(t *testing.T) {
	inst := newTestInstance(t, "USA")
	issuer := identity.NewTokenIssuer(inst.Key(), "https://hub.usa.example", time.Hour)

	tok, err := issuer.Issue("GBR", []string{"policy:read"})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	claims, err := issuer.Verify(tok)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.InstanceCode != "GBR" {
		t.Errorf("InstanceCode: got %q", claims.InstanceCode)
	}
	if len(claims.Scopes) != 1 || claims.Scopes[0] != "policy:read" {
		t.Errorf("Scopes: got %v", claims.Scopes)
	}

	if _, err := issuer.Verify(tok + "x"); err == nil {
		t.Error("tampered token verified")
	}
}

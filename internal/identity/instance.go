package identity

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"math/big"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spiffe/go-spiffe/v2/spiffeid"
)

const (
	instanceCertFile = "instance.crt"
	instanceKeyFile  = "instance.key"

	// spiffeTrustDomain is the trust domain embedded in instance certificates.
	spiffeTrustDomain = "dive25.coalition"

	instanceCertTTL = 2 * 365 * 24 * time.Hour
)

// Instance holds this instance's EC keypair and self-describing certificate.
// It is created once at startup and lives for the process lifetime.
type Instance struct {
	code string
	cert *x509.Certificate
	key  *ecdsa.PrivateKey
}

// LoadOrCreateInstance loads the instance keypair and certificate from dir if
// present; otherwise it generates a P-256 keypair, self-signs a certificate
// carrying the instance code and SPIFFE URI, and persists both to dir.
func LoadOrCreateInstance(code, dir string) (*Instance, error) {
	if code == "" {
		return nil, fmt.Errorf("instance code must not be empty")
	}
	inst := &Instance{code: code}
	if err := inst.load(dir); err == nil {
		return inst, nil
	}
	if err := inst.create(dir); err != nil {
		return nil, err
	}
	return inst, nil
}

func (i *Instance) load(dir string) error {
	certPEM, err := os.ReadFile(filepath.Join(dir, instanceCertFile))
	if err != nil {
		return fmt.Errorf("read instance cert: %w", err)
	}
	keyPEM, err := os.ReadFile(filepath.Join(dir, instanceKeyFile))
	if err != nil {
		return fmt.Errorf("read instance key: %w", err)
	}

	block, _ := pem.Decode(certPEM)
	if block == nil {
		return fmt.Errorf("failed to decode certificate PEM")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return fmt.Errorf("parse certificate: %w", err)
	}

	block, _ = pem.Decode(keyPEM)
	if block == nil {
		return fmt.Errorf("failed to decode private key PEM")
	}
	key, err := x509.ParseECPrivateKey(block.Bytes)
	if err != nil {
		return fmt.Errorf("parse EC private key: %w", err)
	}

	i.cert = cert
	i.key = key
	return nil
}

func (i *Instance) create(dir string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create cert dir %q: %w", dir, err)
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return fmt.Errorf("generate instance key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return fmt.Errorf("generate serial number: %w", err)
	}

	spiffeURI := &url.URL{
		Scheme: "spiffe",
		Host:   spiffeTrustDomain,
		Path:   "/instance/" + strings.ToLower(i.code),
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   i.code,
			Organization: []string{"DIVE25 Coalition"},
		},
		URIs:                  []*url.URL{spiffeURI},
		NotBefore:             time.Now().UTC().Add(-time.Minute),
		NotAfter:              time.Now().UTC().Add(instanceCertTTL),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            0,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return fmt.Errorf("create instance certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return fmt.Errorf("parse instance certificate: %w", err)
	}

	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return fmt.Errorf("marshal EC key: %w", err)
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})

	if err := os.WriteFile(filepath.Join(dir, instanceCertFile), certPEM, 0o644); err != nil {
		return fmt.Errorf("write instance cert: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, instanceKeyFile), keyPEM, 0o600); err != nil {
		return fmt.Errorf("write instance key: %w", err)
	}

	i.cert = cert
	i.key = key
	return nil
}

// Code returns the instance code this identity was created for.
func (i *Instance) Code() string { return i.code }

// Cert returns the instance certificate.
func (i *Instance) Cert() *x509.Certificate { return i.cert }

// Key returns the instance private key.
func (i *Instance) Key() *ecdsa.PrivateKey { return i.key }

// CertPEM returns the instance certificate encoded as PEM.
func (i *Instance) CertPEM() string {
	return string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: i.cert.Raw}))
}

// Fingerprint returns this instance certificate's fingerprint.
func (i *Instance) Fingerprint() string {
	return fingerprintDER(i.cert.Raw)
}

// SPIFFEID returns this instance certificate's SPIFFE URI, or "" if absent.
func (i *Instance) SPIFFEID() string {
	if len(i.cert.URIs) == 0 {
		return ""
	}
	return i.cert.URIs[0].String()
}

// Sign signs data with the instance private key (ECDSA over SHA-256) and
// returns the ASN.1 signature.
func (i *Instance) Sign(data []byte) ([]byte, error) {
	digest := sha256.Sum256(data)
	sig, err := ecdsa.SignASN1(rand.Reader, i.key, digest[:])
	if err != nil {
		return nil, fmt.Errorf("sign data: %w", err)
	}
	return sig, nil
}

// SignBase64 signs data and returns the signature base64-encoded, the wire
// form used in enrollment payloads and policy bundle signatures.
func (i *Instance) SignBase64(data []byte) (string, error) {
	sig, err := i.Sign(data)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// VerifySignature checks sig over data against the public key in certPEM.
// It sits on a security-decision path: any parse or verification failure
// returns false, never an error.
func VerifySignature(data, sig []byte, certPEM string) bool {
	cert, err := parseCertPEM(certPEM)
	if err != nil {
		return false
	}
	digest := sha256.Sum256(data)
	switch pub := cert.PublicKey.(type) {
	case *ecdsa.PublicKey:
		return ecdsa.VerifyASN1(pub, digest[:], sig)
	case *rsa.PublicKey:
		return rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], sig) == nil
	default:
		return false
	}
}

// CalculateFingerprint hashes the raw DER bytes of certPEM and renders the
// digest as "SHA256:AA:BB:...". It fails only on unparseable input; once a
// fingerprint is computed it is always meaningful.
func CalculateFingerprint(certPEM string) (string, error) {
	block, _ := pem.Decode([]byte(certPEM))
	if block == nil || block.Type != "CERTIFICATE" {
		return "", fmt.Errorf("failed to decode certificate PEM")
	}
	if _, err := x509.ParseCertificate(block.Bytes); err != nil {
		return "", fmt.Errorf("parse certificate: %w", err)
	}
	return fingerprintDER(block.Bytes), nil
}

func fingerprintDER(der []byte) string {
	sum := sha256.Sum256(der)
	parts := make([]string, len(sum))
	for n, b := range sum {
		parts[n] = strings.ToUpper(hex.EncodeToString([]byte{b}))
	}
	return "SHA256:" + strings.Join(parts, ":")
}

// CertificateInfo is the result of ValidateCertificate.
type CertificateInfo struct {
	Valid        bool      `json:"valid"`
	InstanceCode string    `json:"instanceCode,omitempty"`
	SPIFFEID     string    `json:"spiffeId,omitempty"`
	Fingerprint  string    `json:"fingerprint,omitempty"`
	NotBefore    time.Time `json:"notBefore,omitzero"`
	NotAfter     time.Time `json:"notAfter,omitzero"`
	Errors       []string  `json:"errors,omitempty"`
}

// ValidateCertificate structurally validates certPEM, checks its validity
// window, and extracts the instance code and SPIFFE identity. It never fails:
// a malformed certificate yields Valid=false with the reasons in Errors.
func ValidateCertificate(certPEM string) *CertificateInfo {
	info := &CertificateInfo{}

	cert, err := parseCertPEM(certPEM)
	if err != nil {
		info.Errors = append(info.Errors, err.Error())
		return info
	}

	info.Fingerprint = fingerprintDER(cert.Raw)
	info.NotBefore = cert.NotBefore
	info.NotAfter = cert.NotAfter
	info.InstanceCode = cert.Subject.CommonName

	now := time.Now()
	if now.Before(cert.NotBefore) {
		info.Errors = append(info.Errors, fmt.Sprintf("certificate not valid until %s", cert.NotBefore.UTC().Format(time.RFC3339)))
	}
	if now.After(cert.NotAfter) {
		info.Errors = append(info.Errors, fmt.Sprintf("certificate expired at %s", cert.NotAfter.UTC().Format(time.RFC3339)))
	}
	if info.InstanceCode == "" {
		info.Errors = append(info.Errors, "certificate subject has no common name")
	}

	for _, u := range cert.URIs {
		if u.Scheme != "spiffe" {
			continue
		}
		id, idErr := spiffeid.FromURI(u)
		if idErr != nil {
			info.Errors = append(info.Errors, fmt.Sprintf("invalid SPIFFE URI %q: %v", u, idErr))
			continue
		}
		info.SPIFFEID = id.String()
		break
	}

	info.Valid = len(info.Errors) == 0
	return info
}

// VerifyEnrollmentSignature canonicalizes payload and verifies sigB64 against
// the public key in certPEM. Cosmetic JSON differences in the request cannot
// produce a mismatch because the canonical form has a stable field order.
// Returns false on any decode, canonicalization, or verification failure.
func VerifyEnrollmentSignature(payload EnrollmentPayload, sigB64, certPEM string) bool {
	data, err := payload.Canonical()
	if err != nil {
		return false
	}
	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return false
	}
	return VerifySignature(data, sig, certPEM)
}

func parseCertPEM(certPEM string) (*x509.Certificate, error) {
	block, _ := pem.Decode([]byte(certPEM))
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("failed to decode certificate PEM")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse certificate: %w", err)
	}
	return cert, nil
}

package enrollment

import (
	"time"

	"github.com/dive25/federation/internal/identity"
)

// Status is the lifecycle state of an enrollment record.
type Status string

const (
	StatusPendingVerification  Status = "pending_verification"
	StatusFingerprintVerified  Status = "fingerprint_verified"
	StatusApproved             Status = "approved"
	StatusCredentialsExchanged Status = "credentials_exchanged"
	StatusActive               Status = "active"
	StatusRejected             Status = "rejected"
	StatusRevoked              Status = "revoked"
	StatusExpired              Status = "expired"
)

// Terminal reports whether s is absorbing: no transition may leave it.
func (s Status) Terminal() bool {
	return s == StatusRejected || s == StatusRevoked || s == StatusExpired
}

// CanTransition reports whether from → to is a legal status transition.
// The lifecycle is strictly forward: the linear chain, rejection of any
// pre-active state, revocation of an active federation, and system expiry
// of any pre-active state. Everything else is illegal, including no-op
// transitions onto the current status.
func CanTransition(from, to Status) bool {
	if from.Terminal() {
		return false
	}
	switch to {
	case StatusFingerprintVerified:
		return from == StatusPendingVerification
	case StatusApproved:
		return from == StatusFingerprintVerified
	case StatusCredentialsExchanged:
		return from == StatusApproved
	case StatusActive:
		return from == StatusCredentialsExchanged
	case StatusRejected, StatusExpired:
		return from != StatusActive
	case StatusRevoked:
		return from == StatusActive
	default:
		return false
	}
}

// HistoryEntry is one row of the append-only status log.
type HistoryEntry struct {
	Status    Status    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Actor     string    `json:"actor"`
	Reason    string    `json:"reason,omitempty"`
}

// ClientCredentials is the OIDC client metadata exchanged between the two
// sides of a federation. ClientSecret is sealed at rest.
type ClientCredentials struct {
	ClientID      string `json:"clientId"`
	ClientSecret  string `json:"clientSecret"`
	IssuerURL     string `json:"issuerUrl"`
	DiscoveryURL  string `json:"discoveryUrl,omitempty"`
	SignedCertPEM string `json:"signedCertPem,omitempty"`
	KASPublicKey  string `json:"kasPublicKey,omitempty"`
}

// Enrollment is the persisted record of one federation enrollment lifecycle.
type Enrollment struct {
	EnrollmentID string `json:"enrollmentId"`

	// Requester side.
	RequesterCode         string   `json:"requesterCode"`
	RequesterName         string   `json:"requesterName"`
	RequesterCertPEM      string   `json:"requesterCertPem"`
	RequesterFingerprint  string   `json:"requesterFingerprint"`
	OIDCDiscoveryURL      string   `json:"oidcDiscoveryUrl"`
	APIURL                string   `json:"apiUrl"`
	IdPURL                string   `json:"idpUrl"`
	ContactEmail          string   `json:"contactEmail"`
	RequestedCapabilities []string `json:"requestedCapabilities"`
	RequestedTrustLevel   string   `json:"requestedTrustLevel"`

	// Approver side.
	ApproverCode        string `json:"approverCode"`
	ApproverFingerprint string `json:"approverFingerprint"`

	ChallengeNonce      string `json:"challengeNonce,omitempty"`
	EnrollmentSignature string `json:"enrollmentSignature,omitempty"`

	Status        Status         `json:"status"`
	StatusHistory []HistoryEntry `json:"statusHistory"`

	ApproverCredentials  *ClientCredentials `json:"approverCredentials,omitempty"`
	RequesterCredentials *ClientCredentials `json:"requesterCredentials,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// CredentialsReady reports whether the approver side has issued credentials,
// meaning the requester may collect them and complete the exchange.
func (e *Enrollment) CredentialsReady() bool {
	return e.ApproverCredentials != nil
}

// Request is a signed enrollment submission from a requesting instance.
type Request struct {
	Payload        identity.EnrollmentPayload `json:"payload"`
	CertificatePEM string                     `json:"certificatePem"`
	Signature      string                     `json:"signature"`
}

// StatusSummary is the public view returned by GetStatus.
type StatusSummary struct {
	EnrollmentID     string    `json:"enrollmentId"`
	InstanceCode     string    `json:"instanceCode"`
	Status           Status    `json:"status"`
	Message          string    `json:"message"`
	CredentialsReady bool      `json:"credentialsReady"`
	UpdatedAt        time.Time `json:"updatedAt"`
	ExpiresAt        time.Time `json:"expiresAt"`
}

// statusMessages are the human-readable summaries served to requesters
// polling GetStatus.
var statusMessages = map[Status]string{
	StatusPendingVerification:  "Enrollment received; awaiting out-of-band fingerprint verification",
	StatusFingerprintVerified:  "Certificate fingerprint verified; awaiting administrative approval",
	StatusApproved:             "Enrollment approved; awaiting credential exchange",
	StatusCredentialsExchanged: "Credentials exchanged; awaiting trust activation",
	StatusActive:               "Federation active",
	StatusRejected:             "Enrollment rejected",
	StatusRevoked:              "Federation revoked",
	StatusExpired:              "Enrollment expired before completion",
}

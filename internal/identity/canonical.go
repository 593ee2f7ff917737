package identity

import (
	"encoding/json"
	"fmt"
)

// EnrollmentPayload is the signed portion of an enrollment request. Field
// order is fixed: the requester signs the canonical JSON encoding of exactly
// this struct, so both sides must agree on it byte for byte.
type EnrollmentPayload struct {
	InstanceCode          string   `json:"instanceCode"`
	InstanceName          string   `json:"instanceName"`
	OIDCDiscoveryURL      string   `json:"oidcDiscoveryUrl"`
	APIURL                string   `json:"apiUrl"`
	IdPURL                string   `json:"idpUrl"`
	RequestedCapabilities []string `json:"requestedCapabilities"`
	RequestedTrustLevel   string   `json:"requestedTrustLevel"`
	ContactEmail          string   `json:"contactEmail"`
	SignatureTimestamp    string   `json:"signatureTimestamp"`
	SignatureNonce        string   `json:"signatureNonce"`
}

// Canonical returns the stable byte encoding of the payload. encoding/json
// emits struct fields in declaration order, which is the canonical order.
func (p EnrollmentPayload) Canonical() ([]byte, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("canonicalize enrollment payload: %w", err)
	}
	return data, nil
}

// SignEnrollmentPayload canonicalizes p and signs it with the instance key,
// returning the base64 signature carried in the enrollment request.
func (i *Instance) SignEnrollmentPayload(p EnrollmentPayload) (string, error) {
	data, err := p.Canonical()
	if err != nil {
		return "", err
	}
	return i.SignBase64(data)
}

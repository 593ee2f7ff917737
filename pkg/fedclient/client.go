package fedclient

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// EnrollmentPayload is the signed portion of an enrollment submission. Field
// order matters: the hub verifies the signature over the payload's canonical
// JSON encoding, which is declaration order.
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

// EnrollRequest is the full submission body for SubmitEnrollment.
type EnrollRequest struct {
	Payload        EnrollmentPayload `json:"payload"`
	CertificatePEM string            `json:"certificatePem"`
	Signature      string            `json:"signature"`
}

// EnrollResult is the hub's acknowledgement of a new enrollment.
type EnrollResult struct {
	EnrollmentID string    `json:"enrollmentId"`
	Status       string    `json:"status"`
	Fingerprint  string    `json:"fingerprint"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

// ClientCredentials is the OIDC client metadata exchanged during enrollment.
type ClientCredentials struct {
	ClientID      string `json:"clientId"`
	ClientSecret  string `json:"clientSecret"`
	IssuerURL     string `json:"issuerUrl"`
	DiscoveryURL  string `json:"discoveryUrl,omitempty"`
	SignedCertPEM string `json:"signedCertPem,omitempty"`
	KASPublicKey  string `json:"kasPublicKey,omitempty"`
}

// HistoryEntry is one row of an enrollment's status log.
type HistoryEntry struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Actor     string    `json:"actor"`
	Reason    string    `json:"reason,omitempty"`
}

// Enrollment is the full enrollment record returned to operators.
type Enrollment struct {
	EnrollmentID          string             `json:"enrollmentId"`
	RequesterCode         string             `json:"requesterCode"`
	RequesterName         string             `json:"requesterName"`
	RequesterFingerprint  string             `json:"requesterFingerprint"`
	APIURL                string             `json:"apiUrl"`
	IdPURL                string             `json:"idpUrl"`
	ContactEmail          string             `json:"contactEmail"`
	RequestedCapabilities []string           `json:"requestedCapabilities"`
	RequestedTrustLevel   string             `json:"requestedTrustLevel"`
	ApproverCode          string             `json:"approverCode"`
	Status                string             `json:"status"`
	StatusHistory         []HistoryEntry     `json:"statusHistory"`
	ApproverCredentials   *ClientCredentials `json:"approverCredentials,omitempty"`
	CreatedAt             time.Time          `json:"createdAt"`
	UpdatedAt             time.Time          `json:"updatedAt"`
	ExpiresAt             time.Time          `json:"expiresAt"`
}

// EnrollmentStatus is the requester-facing status summary.
type EnrollmentStatus struct {
	EnrollmentID     string    `json:"enrollmentId"`
	InstanceCode     string    `json:"instanceCode"`
	Status           string    `json:"status"`
	Message          string    `json:"message"`
	CredentialsReady bool      `json:"credentialsReady"`
	UpdatedAt        time.Time `json:"updatedAt"`
	ExpiresAt        time.Time `json:"expiresAt"`
}

// ActivationResult reports what the trust cascade accomplished. A non-empty
// CascadeErrors means the federation activated with degraded trust data;
// re-running activation is the remediation.
type ActivationResult struct {
	EnrollmentID    string   `json:"enrollmentId,omitempty"`
	PartnerCode     string   `json:"partnerCode"`
	IdPAlias        string   `json:"idpAlias"`
	PolicySyncToken string   `json:"policySyncToken,omitempty"`
	CascadeErrors   []string `json:"cascadeErrors,omitempty"`
}

// KASInstance is one registered Key Access Server.
type KASInstance struct {
	KASID           string     `json:"kasId"`
	CountryCode     string     `json:"countryCode"`
	KASURL          string     `json:"kasUrl"`
	InternalKASURL  string     `json:"internalKasUrl,omitempty"`
	TrustLevel      string     `json:"trustLevel,omitempty"`
	Status          string     `json:"status"`
	Enabled         bool       `json:"enabled"`
	SuspendReason   string     `json:"suspendReason,omitempty"`
	LastHeartbeatAt *time.Time `json:"lastHeartbeatAt,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

// Agreement is one country's bilateral KAS federation agreement.
type Agreement struct {
	CountryCode       string    `json:"countryCode"`
	TrustedKASIDs     []string  `json:"trustedKasIds"`
	MaxClassification string    `json:"maxClassification,omitempty"`
	AllowedCOIs       []string  `json:"allowedCois,omitempty"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

// DiscoveryDocument is the public /.well-known/federation.json document.
type DiscoveryDocument struct {
	ProtocolVersion string `json:"protocolVersion"`
	InstanceCode    string `json:"instanceCode"`
	Capabilities    []struct {
		Name     string `json:"name"`
		Endpoint string `json:"endpoint,omitempty"`
	} `json:"capabilities"`
	Identity struct {
		CertificateFingerprint string `json:"certificateFingerprint"`
		SPIFFEID               string `json:"spiffeId"`
	} `json:"identity"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Client is the federation SDK entry point, bound to one instance's API base.
type Client struct {
	base        string
	httpClient  *http.Client
	bearerToken string
}

// Option is a functional option for configuring a Client.
type Option func(*Client) error

// WithHTTPClient sets a custom http.Client, overriding any TLS options.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) error {
		c.httpClient = hc
		return nil
	}
}

// WithBearerToken attaches a token to every request.
func WithBearerToken(token string) Option {
	return func(c *Client) error {
		c.bearerToken = token
		return nil
	}
}

// WithInsecureSkipVerify disables TLS certificate verification.
// Only use this in development against a locally-generated CA.
func WithInsecureSkipVerify() Option {
	return func(c *Client) error {
		c.httpClient = &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec
			},
			Timeout: 10 * time.Second,
		}
		return nil
	}
}

// New creates a Client bound to the given federation API base URL.
func New(base string, opts ...Option) (*Client, error) {
	if base == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	c := &Client{
		base:       trimSlash(base),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, o := range opts {
		if err := o(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// MustNew is like New but panics on error. Useful in tests and program init.
func MustNew(base string, opts ...Option) *Client {
	c, err := New(base, opts...)
	if err != nil {
		panic(err)
	}
	return c
}

// Discover fetches the instance's public discovery document.
func (c *Client) Discover(ctx context.Context) (*DiscoveryDocument, error) {
	var doc DiscoveryDocument
	if err := c.get(ctx, "/.well-known/federation.json", &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

// SubmitEnrollment posts a signed enrollment request to the hub.
func (c *Client) SubmitEnrollment(ctx context.Context, req EnrollRequest) (*EnrollResult, error) {
	var result EnrollResult
	if err := c.post(ctx, "/api/v1/federation/enrollments", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetEnrollment fetches the full enrollment record by ID.
func (c *Client) GetEnrollment(ctx context.Context, id string) (*Enrollment, error) {
	var e Enrollment
	if err := c.get(ctx, "/api/v1/federation/enrollments/"+url.PathEscape(id), &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// GetEnrollmentStatus fetches the requester-facing status summary.
func (c *Client) GetEnrollmentStatus(ctx context.Context, id string) (*EnrollmentStatus, error) {
	var s EnrollmentStatus
	if err := c.get(ctx, "/api/v1/federation/enrollments/"+url.PathEscape(id)+"/status", &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// ListEnrollments returns enrollments, optionally filtered by status.
func (c *Client) ListEnrollments(ctx context.Context, status string, limit, offset int) ([]Enrollment, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		q.Set("offset", strconv.Itoa(offset))
	}
	path := "/api/v1/federation/enrollments"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var wrapper struct {
		Enrollments []Enrollment `json:"enrollments"`
	}
	if err := c.get(ctx, path, &wrapper); err != nil {
		return nil, err
	}
	return wrapper.Enrollments, nil
}

// VerifyFingerprint records that the certificate fingerprint was confirmed
// out of band, moving the enrollment to fingerprint_verified.
func (c *Client) VerifyFingerprint(ctx context.Context, id, actor string) error {
	return c.enrollmentAction(ctx, id, "verify-fingerprint", actor, "")
}

// ApproveEnrollment approves a fingerprint-verified enrollment.
func (c *Client) ApproveEnrollment(ctx context.Context, id, actor, reason string) error {
	return c.enrollmentAction(ctx, id, "approve", actor, reason)
}

// RejectEnrollment rejects a pre-active enrollment. Terminal.
func (c *Client) RejectEnrollment(ctx context.Context, id, actor, reason string) error {
	return c.enrollmentAction(ctx, id, "reject", actor, reason)
}

// RevokeEnrollment revokes an active federation. Terminal.
func (c *Client) RevokeEnrollment(ctx context.Context, id, actor, reason string) error {
	return c.enrollmentAction(ctx, id, "revoke", actor, reason)
}

func (c *Client) enrollmentAction(ctx context.Context, id, action, actor, reason string) error {
	body := map[string]string{"actor": actor}
	if reason != "" {
		body["reason"] = reason
	}
	return c.post(ctx, "/api/v1/federation/enrollments/"+url.PathEscape(id)+"/"+action, body, nil)
}

// SetCredentials attaches one side's OIDC client credentials to an approved
// enrollment. role is "approver" or "requester"; setting the requester side
// completes the exchange.
func (c *Client) SetCredentials(ctx context.Context, id, role, actor string, creds ClientCredentials) error {
	body := struct {
		Role        string            `json:"role"`
		Actor       string            `json:"actor,omitempty"`
		Credentials ClientCredentials `json:"credentials"`
	}{Role: role, Actor: actor, Credentials: creds}
	return c.post(ctx, "/api/v1/federation/enrollments/"+url.PathEscape(id)+"/credentials", body, nil)
}

// ActivateEnrollment runs the hub-side trust cascade. Check the result's
// CascadeErrors: activation can succeed with degraded trust data.
func (c *Client) ActivateEnrollment(ctx context.Context, id string) (*ActivationResult, error) {
	var result ActivationResult
	if err := c.post(ctx, "/api/v1/federation/enrollments/"+url.PathEscape(id)+"/activate", nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ListKAS returns registered KAS instances, optionally filtered by status.
func (c *Client) ListKAS(ctx context.Context, status string) ([]KASInstance, error) {
	path := "/api/v1/federation/kas"
	if status != "" {
		path += "?status=" + url.QueryEscape(status)
	}
	var wrapper struct {
		KASInstances []KASInstance `json:"kasInstances"`
	}
	if err := c.get(ctx, path, &wrapper); err != nil {
		return nil, err
	}
	return wrapper.KASInstances, nil
}

// GetKAS fetches one KAS instance by ID.
func (c *Client) GetKAS(ctx context.Context, id string) (*KASInstance, error) {
	var inst KASInstance
	if err := c.get(ctx, "/api/v1/federation/kas/"+url.PathEscape(id), &inst); err != nil {
		return nil, err
	}
	return &inst, nil
}

// ApproveKAS moves a pending KAS to active.
func (c *Client) ApproveKAS(ctx context.Context, id string) (*KASInstance, error) {
	var inst KASInstance
	if err := c.post(ctx, "/api/v1/federation/kas/"+url.PathEscape(id)+"/approve", nil, &inst); err != nil {
		return nil, err
	}
	return &inst, nil
}

// SuspendKAS suspends a KAS, removing it from routing.
func (c *Client) SuspendKAS(ctx context.Context, id, reason string) (*KASInstance, error) {
	var inst KASInstance
	body := map[string]string{"reason": reason}
	if err := c.post(ctx, "/api/v1/federation/kas/"+url.PathEscape(id)+"/suspend", body, &inst); err != nil {
		return nil, err
	}
	return &inst, nil
}

// ResolveKAS returns the URL encryption routing should use for a KAS ID.
// Unknown or unhealthy IDs resolve to the instance's configured default.
func (c *Client) ResolveKAS(ctx context.Context, id string) (string, error) {
	var result struct {
		KASURL string `json:"kasUrl"`
	}
	if err := c.get(ctx, "/api/v1/federation/kas/"+url.PathEscape(id)+"/resolve", &result); err != nil {
		return "", err
	}
	return result.KASURL, nil
}

// GetAgreement fetches a country's KAS federation agreement.
func (c *Client) GetAgreement(ctx context.Context, countryCode string) (*Agreement, error) {
	var a Agreement
	if err := c.get(ctx, "/api/v1/federation/agreements/"+url.PathEscape(countryCode), &a); err != nil {
		return nil, err
	}
	return &a, nil
}

// TrustKAS adds a KAS ID to a country's trusted list.
func (c *Client) TrustKAS(ctx context.Context, countryCode, kasID string) error {
	body := map[string]string{"kasId": kasID}
	return c.post(ctx, "/api/v1/federation/agreements/"+url.PathEscape(countryCode)+"/trust", body, nil)
}

// FetchPolicyBundle downloads the hub's current policy bundle as raw JSON.
// Requires a Bearer token with the policy:read scope on secured hubs.
func (c *Client) FetchPolicyBundle(ctx context.Context) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/api/v1/policy/bundle", nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	return c.do(req)
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	body, err := c.do(req)
	if err != nil {
		return err
	}
	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, in, out any) error {
	var bodyReader io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bodyReader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if bodyReader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	body, err := c.do(req)
	if err != nil {
		return err
	}
	if out != nil && len(body) > 0 {
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// do executes an HTTP request, attaching the Bearer token if present, and
// surfaces API error bodies in the returned error.
func (c *Client) do(req *http.Request) ([]byte, error) {
	if c.bearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearerToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
			From  string `json:"from,omitempty"`
			To    string `json:"to,omitempty"`
		}
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			if apiErr.From != "" {
				return nil, fmt.Errorf("server error %d: %s (from %s to %s)", resp.StatusCode, apiErr.Error, apiErr.From, apiErr.To)
			}
			return nil, fmt.Errorf("server error %d: %s", resp.StatusCode, apiErr.Error)
		}
		return nil, fmt.Errorf("server error %d: %s", resp.StatusCode, string(body))
	}
	return body, nil
}

func trimSlash(s string) string {
	for len(s) > 0 && s[len(s)-1] == '/' {
		s = s[:len(s)-1]
	}
	return s
}

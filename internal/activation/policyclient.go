package activation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// PolicyEngineClient publishes federation trust data to the policy engine's
// data API. It satisfies PolicyPublisher.
type PolicyEngineClient struct {
	baseURL string
	token   string // bearer token, empty for unauthenticated engines
	http    *http.Client
}

// NewPolicyEngineClient creates a PolicyEngineClient targeting baseURL.
func NewPolicyEngineClient(baseURL, token string, timeout time.Duration) *PolicyEngineClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &PolicyEngineClient{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: timeout},
	}
}

// UpdateTrustedIssuer upserts one partner issuer in the engine's trust data.
func (c *PolicyEngineClient) UpdateTrustedIssuer(ctx context.Context, issuer TrustedIssuer) error {
	return c.put(ctx, "/api/v1/data/federation/trusted_issuers/"+issuer.InstanceCode, map[string]string{
		"issuerUrl":   issuer.IssuerURL,
		"fingerprint": issuer.Fingerprint,
	})
}

// UpdateFederationMatrix upserts one partner's capability row.
func (c *PolicyEngineClient) UpdateFederationMatrix(ctx context.Context, partnerCode string, capabilities []string) error {
	return c.put(ctx, "/api/v1/data/federation/matrix/"+partnerCode, map[string]any{
		"capabilities": capabilities,
	})
}

// UpdateCOIMemberships upserts one partner's community-of-interest list.
func (c *PolicyEngineClient) UpdateCOIMemberships(ctx context.Context, partnerCode string, cois []string) error {
	return c.put(ctx, "/api/v1/data/federation/coi_memberships/"+partnerCode, map[string]any{
		"cois": cois,
	})
}

// PublishKASRegistry asks the engine to refresh its KAS routing data.
func (c *PolicyEngineClient) PublishKASRegistry(ctx context.Context) error {
	return c.post(ctx, "/api/v1/data/federation/kas/publish")
}

// ForceFullRepublish asks the engine to rebuild all federation data.
func (c *PolicyEngineClient) ForceFullRepublish(ctx context.Context) error {
	return c.post(ctx, "/api/v1/data/republish")
}

func (c *PolicyEngineClient) put(ctx context.Context, path string, body any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal policy data: %w", err)
	}
	return c.do(ctx, http.MethodPut, path, bytes.NewReader(raw))
}

func (c *PolicyEngineClient) post(ctx context.Context, path string) error {
	return c.do(ctx, http.MethodPost, path, nil)
}

func (c *PolicyEngineClient) do(ctx context.Context, method, path string, body io.Reader) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build policy engine request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("policy engine %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("policy engine %s %s: status %d: %s", method, path, resp.StatusCode, msg)
	}
	return nil
}

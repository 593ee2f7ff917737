package activation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2/clientcredentials"
)

// IdPClientConfig configures the identity-provider admin client.
type IdPClientConfig struct {
	BaseURL           string // IdP base URL, e.g. https://idp.usa.example
	Realm             string // realm the provider links are created in
	AdminClientID     string
	AdminClientSecret string
	Timeout           time.Duration
}

// IdPClient manages OIDC identity-provider links over the IdP's admin API.
// It satisfies IdPManager.
type IdPClient struct {
	baseURL string
	realm   string
	http    *http.Client
	logger  *zap.Logger
}

// NewIdPClient creates an IdPClient authenticating with admin client
// credentials against the IdP's token endpoint.
func NewIdPClient(cfg IdPClientConfig, logger *zap.Logger) *IdPClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}

	cc := clientcredentials.Config{
		ClientID:     cfg.AdminClientID,
		ClientSecret: cfg.AdminClientSecret,
		TokenURL:     cfg.BaseURL + "/realms/master/protocol/openid-connect/token",
	}
	httpClient := cc.Client(context.Background())
	httpClient.Timeout = cfg.Timeout

	return &IdPClient{
		baseURL: cfg.BaseURL,
		realm:   cfg.Realm,
		http:    httpClient,
		logger:  logger,
	}
}

// providerRepresentation is the admin-API body for an OIDC provider link.
type providerRepresentation struct {
	Alias       string            `json:"alias"`
	DisplayName string            `json:"displayName"`
	ProviderID  string            `json:"providerId"`
	Enabled     bool              `json:"enabled"`
	TrustEmail  bool              `json:"trustEmail"`
	Config      map[string]string `json:"config"`
}

// CreateOIDCProvider creates the identity-provider link described by cfg.
// Creation is idempotent: an already-existing alias counts as success, so
// re-running activation cannot fail here.
func (c *IdPClient) CreateOIDCProvider(ctx context.Context, cfg ProviderConfig) (string, error) {
	rep := providerRepresentation{
		Alias:       cfg.Alias,
		DisplayName: cfg.DisplayName,
		ProviderID:  "oidc",
		Enabled:     true,
		TrustEmail:  true,
		Config: map[string]string{
			"issuer":            cfg.IssuerURL,
			"clientId":          cfg.ClientID,
			"clientSecret":      cfg.ClientSecret,
			"useJwksUrl":        "true",
			"validateSignature": "true",
			"discoveryEndpoint": cfg.DiscoveryURL,
		},
	}

	body, err := json.Marshal(rep)
	if err != nil {
		return "", fmt.Errorf("marshal provider representation: %w", err)
	}

	url := fmt.Sprintf("%s/admin/realms/%s/identity-provider/instances", c.baseURL, c.realm)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build provider request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("create identity provider %s: %w", cfg.Alias, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusCreated || resp.StatusCode == http.StatusNoContent:
		c.logger.Info("identity provider link created",
			zap.String("alias", cfg.Alias),
			zap.String("realm", c.realm),
		)
		return cfg.Alias, nil
	case resp.StatusCode == http.StatusConflict:
		c.logger.Info("identity provider link already exists",
			zap.String("alias", cfg.Alias))
		return cfg.Alias, nil
	default:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("create identity provider %s: status %d: %s", cfg.Alias, resp.StatusCode, msg)
	}
}

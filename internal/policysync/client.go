// Package policysync fetches policy bundles from the hub and feeds them into
// the local policy cache. It is the online half of the spoke's policy
// pipeline; the cache is the offline half.
package policysync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/dive25/federation/internal/connectivity"
	"github.com/dive25/federation/internal/policycache"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// ErrOffline is returned by SyncOnce while the connectivity monitor reports
// the hub as unreachable; callers treat it as "try later", not a failure.
var ErrOffline = errors.New("policysync: hub is offline")

const bundlePath = "/api/v1/policy/bundle"

// Config describes how to reach and authenticate to the hub.
type Config struct {
	HubURL       string
	TokenURL     string // OAuth2 token endpoint for client-credentials auth
	ClientID     string
	ClientSecret string
	Scopes       []string
	StaticToken  string // pre-minted policy-sync token; overrides OAuth2
	Interval     time.Duration
	Timeout      time.Duration
}

// modeSource reports the current connectivity mode.
// *connectivity.Monitor satisfies this interface.
type modeSource interface {
	Mode() connectivity.Mode
}

// Client periodically pulls the hub's current bundle into the policy cache.
type Client struct {
	hubURL   string
	http     *http.Client
	cache    *policycache.Service
	mode     modeSource // nil = assume online
	interval time.Duration
	logger   *zap.Logger
}

// NewClient builds a sync client. With a StaticToken the client sends it as a
// bearer token; otherwise it runs the OAuth2 client-credentials flow against
// cfg.TokenURL.
func NewClient(cfg Config, cache *policycache.Service, mode modeSource, logger *zap.Logger) *Client {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	var httpClient *http.Client
	switch {
	case cfg.StaticToken != "":
		httpClient = oauth2.NewClient(context.Background(), oauth2.StaticTokenSource(
			&oauth2.Token{AccessToken: cfg.StaticToken, TokenType: "Bearer"},
		))
	case cfg.ClientID != "":
		cc := clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
			Scopes:       cfg.Scopes,
		}
		httpClient = cc.Client(context.Background())
	default:
		httpClient = &http.Client{}
	}
	httpClient.Timeout = cfg.Timeout

	return &Client{
		hubURL:   cfg.HubURL,
		http:     httpClient,
		cache:    cache,
		mode:     mode,
		interval: cfg.Interval,
		logger:   logger,
	}
}

// FetchBundle retrieves the hub's current policy bundle.
func (c *Client) FetchBundle(ctx context.Context) (*policycache.Bundle, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.hubURL+bundlePath, nil)
	if err != nil {
		return nil, fmt.Errorf("build bundle request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch policy bundle: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("fetch policy bundle: status %d: %s", resp.StatusCode, body)
	}

	var b policycache.Bundle
	if err := json.NewDecoder(resp.Body).Decode(&b); err != nil {
		return nil, fmt.Errorf("decode policy bundle: %w", err)
	}
	return &b, nil
}

// SyncOnce fetches the hub bundle and caches it if it is new. While the
// monitor reports offline, the fetch is skipped entirely so reconnection
// pacing stays the monitor's job.
func (c *Client) SyncOnce(ctx context.Context) error {
	if c.mode != nil && c.mode.Mode() == connectivity.ModeOffline {
		return ErrOffline
	}

	b, err := c.FetchBundle(ctx)
	if err != nil {
		return err
	}

	status := c.cache.GetSyncStatus(b.Version)
	if status == policycache.SyncCurrent {
		c.logger.Debug("policy bundle already current", zap.String("version", b.Version))
		return nil
	}

	if err := c.cache.CachePolicy(ctx, b); err != nil {
		return fmt.Errorf("cache fetched bundle %s: %w", b.Version, err)
	}
	c.logger.Info("policy bundle synchronized",
		zap.String("version", b.Version),
		zap.String("previous_status", string(status)),
	)
	return nil
}

// Run syncs on the configured interval until ctx is cancelled. In degraded
// mode the interval doubles; offline cycles are skipped.
func (c *Client) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		if err := c.SyncOnce(ctx); err != nil && !errors.Is(err, ErrOffline) {
			c.logger.Warn("policy sync failed", zap.Error(err))
		}

		interval := c.interval
		if c.mode != nil && c.mode.Mode() == connectivity.ModeDegraded {
			interval = 2 * c.interval
		}
		ticker.Reset(interval)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/dive25/federation/internal/policycache"
	"go.uber.org/zap"
)

// opaEngine pushes cached bundles into a local OPA-compatible policy engine
// over its REST API. Policies land under /v1/policies, data documents under
// /v1/data.
type opaEngine struct {
	baseURL string
	token   string
	http    *http.Client
	logger  *zap.Logger
}

func newOPAEngine(baseURL, token string, logger *zap.Logger) *opaEngine {
	return &opaEngine{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 10 * time.Second},
		logger:  logger,
	}
}

// LoadBundle pushes every policy and data document in the bundle. The first
// failure aborts the load so a partially-applied bundle is visible to the
// caller.
func (e *opaEngine) LoadBundle(ctx context.Context, b *policycache.Bundle) error {
	for _, p := range b.Policies {
		endpoint := e.baseURL + "/v1/policies/" + url.PathEscape(policyID(p.Path))
		if err := e.put(ctx, endpoint, "text/plain", []byte(p.Content)); err != nil {
			return fmt.Errorf("load policy %s: %w", p.Path, err)
		}
	}
	for _, d := range b.Data {
		endpoint := e.baseURL + "/v1/data/" + dataPath(d.Path)
		if err := e.put(ctx, endpoint, "application/json", d.Content); err != nil {
			return fmt.Errorf("load data %s: %w", d.Path, err)
		}
	}
	e.logger.Info("policy bundle loaded into engine",
		zap.String("version", b.Version),
		zap.Int("policies", len(b.Policies)),
		zap.Int("data_files", len(b.Data)),
	)
	return nil
}

func (e *opaEngine) put(ctx context.Context, endpoint, contentType string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)
	if e.token != "" {
		req.Header.Set("Authorization", "Bearer "+e.token)
	}

	resp, err := e.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("policy engine returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	return nil
}

// policyID turns a bundle path like "federation/access.rego" into a stable
// engine policy ID.
func policyID(p string) string {
	p = strings.TrimSuffix(p, path.Ext(p))
	return strings.ReplaceAll(p, "/", ".")
}

// dataPath turns a bundle path like "federation/matrix.json" into the data
// API path "federation/matrix".
func dataPath(p string) string {
	p = strings.TrimSuffix(p, path.Ext(p))
	parts := strings.Split(p, "/")
	for i, s := range parts {
		parts[i] = url.PathEscape(s)
	}
	return strings.Join(parts, "/")
}

package handler_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dive25/federation/internal/handler"
	"github.com/dive25/federation/internal/identity"
	"github.com/dive25/federation/internal/policycache"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type staticBundleProvider struct {
	bundle *policycache.Bundle
}

func (p *staticBundleProvider) CurrentBundle(context.Context) (*policycache.Bundle, error) {
	return p.bundle, nil
}

func newPolicyRouter(t *testing.T, issuer *identity.TokenIssuer) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	provider := &staticBundleProvider{bundle: &policycache.Bundle{
		Version:   "v3",
		Timestamp: time.Now().UTC(),
		Policies:  []policycache.PolicyFile{{Path: "authz/access.rego", Content: "package authz\n", Hash: "abc"}},
	}}

	router := gin.New()
	h := handler.NewPolicyBundleHandler(provider, issuer, zap.NewNop())
	h.Register(router.Group("/api/v1"))
	return router
}

func TestServeBundle_requiresToken(t *testing.T) {
	hub, err := identity.LoadOrCreateInstance("USA", t.TempDir())
	if err != nil {
		t.Fatalf("identity: %v", err)
	}
	issuer := identity.NewTokenIssuer(hub.Key(), "https://hub.usa.example", time.Hour)
	router := newPolicyRouter(t, issuer)

	// No token.
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/policy/bundle", nil))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("missing token: %d", w.Code)
	}

	// Valid token with the policy scope.
	token, err := issuer.Issue("GBR", []string{"policy:read"})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, "/api/v1/policy/bundle", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("valid token: %d %s", w.Code, w.Body.String())
	}

	// Valid token without the scope.
	noScope, err := issuer.Issue("GBR", []string{"something:else"})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	req = httptest.NewRequest(http.MethodGet, "/api/v1/policy/bundle", nil)
	req.Header.Set("Authorization", "Bearer "+noScope)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusForbidden {
		t.Fatalf("scopeless token: %d", w.Code)
	}
}

func TestServeBundle_openModeWithoutIssuer(t *testing.T) {
	router := newPolicyRouter(t, nil)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/policy/bundle", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("open mode: %d", w.Code)
	}
}

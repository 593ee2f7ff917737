package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/dive25/federation/internal/identity"
	"github.com/dive25/federation/internal/policycache"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// BundleProvider produces the hub's current policy bundle for distribution
// to spokes.
type BundleProvider interface {
	CurrentBundle(ctx context.Context) (*policycache.Bundle, error)
}

// PolicyBundleHandler serves the hub's policy-bundle endpoint to enrolled
// spokes. Requests authenticate with the policy-sync token minted during
// activation.
type PolicyBundleHandler struct {
	provider BundleProvider
	tokens   *identity.TokenIssuer // nil = open access (development only)
	logger   *zap.Logger
}

// NewPolicyBundleHandler creates a PolicyBundleHandler.
func NewPolicyBundleHandler(provider BundleProvider, tokens *identity.TokenIssuer, logger *zap.Logger) *PolicyBundleHandler {
	return &PolicyBundleHandler{provider: provider, tokens: tokens, logger: logger}
}

// Register registers the bundle route on the given router group.
func (h *PolicyBundleHandler) Register(rg *gin.RouterGroup) {
	rg.GET("/policy/bundle", h.ServeBundle)
}

// ServeBundle handles GET /policy/bundle.
func (h *PolicyBundleHandler) ServeBundle(c *gin.Context) {
	claims, ok := h.authenticate(c)
	if !ok {
		return
	}

	b, err := h.provider.CurrentBundle(c.Request.Context())
	if err != nil {
		h.logger.Error("produce policy bundle", zap.Error(err))
		RecordBundleServed(false)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to produce policy bundle"})
		return
	}

	if claims != nil {
		h.logger.Info("policy bundle served",
			zap.String("spoke", claims.InstanceCode),
			zap.String("version", b.Version),
		)
	}
	RecordBundleServed(true)
	c.JSON(http.StatusOK, b)
}

// authenticate verifies the bearer policy-sync token and its scope. Writes
// the error response itself when verification fails.
func (h *PolicyBundleHandler) authenticate(c *gin.Context) (*identity.PolicySyncClaims, bool) {
	if h.tokens == nil {
		return nil, true
	}

	auth := c.GetHeader("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
		return nil, false
	}

	claims, err := h.tokens.Verify(strings.TrimPrefix(auth, "Bearer "))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid policy-sync token"})
		return nil, false
	}
	for _, scope := range claims.Scopes {
		if scope == "policy:read" {
			return claims, true
		}
	}
	c.JSON(http.StatusForbidden, gin.H{"error": "token lacks policy:read scope"})
	return nil, false
}

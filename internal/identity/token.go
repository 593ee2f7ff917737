package identity

import (
	"crypto/ecdsa"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// PolicySyncClaims are the JWT claims for a policy-sync client token.
// The hub mints one per federated partner at activation time; the partner
// presents it when fetching policy bundles from the hub.
type PolicySyncClaims struct {
	jwt.RegisteredClaims
	InstanceCode string   `json:"instance_code"`
	Scopes       []string `json:"scopes"`
}

// TokenIssuer issues and verifies policy-sync tokens signed with ES256 using
// the instance keypair, so token signatures chain to the same identity that
// signs enrollment payloads.
type TokenIssuer struct {
	key    *ecdsa.PrivateKey
	pub    *ecdsa.PublicKey
	issuer string
	ttl    time.Duration
}

// NewTokenIssuer creates a TokenIssuer.
//
//	issuerURL — the "iss" claim value; typically this instance's base API URL.
//	ttl       — token lifetime (default: 24 hours).
func NewTokenIssuer(key *ecdsa.PrivateKey, issuerURL string, ttl time.Duration) *TokenIssuer {
	if ttl == 0 {
		ttl = 24 * time.Hour
	}
	return &TokenIssuer{
		key:    key,
		pub:    &key.PublicKey,
		issuer: issuerURL,
		ttl:    ttl,
	}
}

// Issue creates a signed policy-sync token for instanceCode with the given scopes.
func (t *TokenIssuer) Issue(instanceCode string, scopes []string) (string, error) {
	now := time.Now().UTC()
	claims := PolicySyncClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    t.issuer,
			Subject:   instanceCode,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
			ID:        uuid.New().String(),
		},
		InstanceCode: instanceCode,
		Scopes:       scopes,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	signed, err := token.SignedString(t.key)
	if err != nil {
		return "", fmt.Errorf("sign policy-sync token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates a policy-sync token, returning its claims.
func (t *TokenIssuer) Verify(tokenStr string) (*PolicySyncClaims, error) {
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&PolicySyncClaims{},
		func(tok *jwt.Token) (any, error) {
			if _, ok := tok.Method.(*jwt.SigningMethodECDSA); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", tok.Header["alg"])
			}
			return t.pub, nil
		},
		jwt.WithIssuer(t.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("verify policy-sync token: %w", err)
	}

	claims, ok := token.Claims.(*PolicySyncClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}
	return claims, nil
}

// TTL returns the configured token lifetime.
func (t *TokenIssuer) TTL() time.Duration { return t.ttl }

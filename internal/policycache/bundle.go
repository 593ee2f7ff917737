// Package policycache persists the last-known-good authorization policy
// bundle on a spoke so that enforcement keeps working from stale-but-valid
// policy while the hub is unreachable.
package policycache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dive25/federation/internal/identity"
)

// PolicyFile is one authorization policy document inside a bundle.
type PolicyFile struct {
	Path    string `json:"path"`
	Content string `json:"content"`
	Hash    string `json:"hash"`
}

// DataFile is one structured reference-data document inside a bundle.
type DataFile struct {
	Path    string          `json:"path"`
	Content json.RawMessage `json:"content"`
	Hash    string          `json:"hash"`
}

// Signature authenticates a bundle's canonical content.
type Signature struct {
	Algorithm string    `json:"algorithm"`
	Value     string    `json:"value"` // base64
	KeyID     string    `json:"keyId"`
	SignedAt  time.Time `json:"signedAt"`
}

// Metadata identifies where a bundle came from.
type Metadata struct {
	HubVersion string   `json:"hubVersion,omitempty"`
	TenantID   string   `json:"tenantId,omitempty"`
	Scopes     []string `json:"scopes,omitempty"`
	SourceHub  string   `json:"sourceHub,omitempty"`
}

// Bundle is a versioned package of authorization policy and reference data
// distributed from the hub to its spokes.
type Bundle struct {
	Version   string       `json:"version"`
	Timestamp time.Time    `json:"timestamp"`
	Policies  []PolicyFile `json:"policies"`
	Data      []DataFile   `json:"data,omitempty"`
	Signature *Signature   `json:"signature,omitempty"`
	Metadata  Metadata     `json:"metadata"`
}

// canonicalContent is the byte sequence the bundle signature covers: the
// bundle minus its signature and metadata, serialized with a fixed field
// order.
func (b *Bundle) canonicalContent() ([]byte, error) {
	canonical := struct {
		Version   string       `json:"version"`
		Timestamp time.Time    `json:"timestamp"`
		Policies  []PolicyFile `json:"policies"`
		Data      []DataFile   `json:"data,omitempty"`
	}{b.Version, b.Timestamp, b.Policies, b.Data}

	raw, err := json.Marshal(canonical)
	if err != nil {
		return nil, fmt.Errorf("marshal canonical bundle content: %w", err)
	}
	return raw, nil
}

// ContentHash returns the hex SHA-256 of the bundle's canonical content.
func (b *Bundle) ContentHash() (string, error) {
	raw, err := b.canonicalContent()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// SignWith attaches a signature over the bundle's canonical content using
// the instance's private key. Call after all content fields are final.
func (b *Bundle) SignWith(inst *identity.Instance) error {
	content, err := b.canonicalContent()
	if err != nil {
		return err
	}
	sigB64, err := inst.SignBase64(content)
	if err != nil {
		return fmt.Errorf("sign policy bundle %s: %w", b.Version, err)
	}
	b.Signature = &Signature{
		Algorithm: "ECDSA-SHA256",
		Value:     sigB64,
		KeyID:     inst.Fingerprint(),
		SignedAt:  time.Now().UTC(),
	}
	return nil
}

// CacheMetadata is the small durable record stored next to a cached bundle.
type CacheMetadata struct {
	Version  string    `json:"version"`
	CachedAt time.Time `json:"cachedAt"`
	Signed   bool      `json:"signed"`
}

// SyncStatus compares the cached bundle against the hub's current version.
type SyncStatus string

const (
	SyncCurrent SyncStatus = "current"
	SyncBehind  SyncStatus = "behind"
	SyncStale   SyncStatus = "stale"
	SyncUnknown SyncStatus = "unknown"
)

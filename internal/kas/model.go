// Package kas tracks Key Access Server instances, their trust lifecycle, and
// the per-country federation agreements that govern multi-KAS routing.
package kas

import (
	"strings"
	"time"
)

// Status is the lifecycle state of a registered KAS instance.
type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
)

// Instance is one known Key Access Server, typically one per country or
// community of interest. CountryCode (ISO 3166-1 alpha-3) is the source of
// truth for ownership; KASID is derived from it.
type Instance struct {
	KASID              string            `json:"kasId"`
	CountryCode        string            `json:"countryCode"`
	KASURL             string            `json:"kasUrl"`
	InternalKASURL     string            `json:"internalKasUrl,omitempty"`
	AuthMethod         string            `json:"authMethod,omitempty"`
	AuthConfig         map[string]string `json:"authConfig,omitempty"`
	TrustLevel         string            `json:"trustLevel,omitempty"`
	SupportedCountries []string          `json:"supportedCountries,omitempty"`
	SupportedCOIs      []string          `json:"supportedCois,omitempty"`
	Status             Status            `json:"status"`
	Enabled            bool              `json:"enabled"`
	SuspendReason      string            `json:"suspendReason,omitempty"`
	LastHeartbeatAt    *time.Time        `json:"lastHeartbeatAt,omitempty"`
	CreatedAt          time.Time         `json:"createdAt"`
	UpdatedAt          time.Time         `json:"updatedAt"`
}

// DeriveID returns the canonical KAS id for a country code: "{code-lower}-kas".
func DeriveID(countryCode string) string {
	return strings.ToLower(countryCode) + "-kas"
}

// Agreement is the bilateral federation agreement for one country: which KAS
// ids its resources may address, up to which classification, and across which
// communities of interest. Agreements are upserted, not append-only.
type Agreement struct {
	CountryCode       string    `json:"countryCode"`
	TrustedKASIDs     []string  `json:"trustedKasIds"`
	MaxClassification string    `json:"maxClassification,omitempty"`
	AllowedCOIs       []string  `json:"allowedCois,omitempty"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

// Trusts reports whether kasID is already in the agreement's trusted list.
func (a *Agreement) Trusts(kasID string) bool {
	for _, id := range a.TrustedKASIDs {
		if id == kasID {
			return true
		}
	}
	return false
}

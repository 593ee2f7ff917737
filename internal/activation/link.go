package activation

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/dive25/federation/internal/enrollment"
)

// SpokeLink carries exactly the fields the trust-cascade steps consume. The
// cascade deliberately does not see the full enrollment record, so unrelated
// registration-schema changes cannot break activation.
type SpokeLink struct {
	Code         string
	Name         string
	APIURL       string
	IdPURL       string
	KASURL       string
	Fingerprint  string
	Capabilities []string
	TrustLevel   string
}

// LinkFromEnrollment maps an enrollment record to the narrow cascade view.
// The partner's public KAS endpoint follows the platform convention of being
// mounted under the instance API gateway.
func LinkFromEnrollment(e *enrollment.Enrollment) *SpokeLink {
	return &SpokeLink{
		Code:         e.RequesterCode,
		Name:         e.RequesterName,
		APIURL:       e.APIURL,
		IdPURL:       e.IdPURL,
		KASURL:       strings.TrimSuffix(e.APIURL, "/") + "/kas",
		Fingerprint:  e.RequesterFingerprint,
		Capabilities: e.RequestedCapabilities,
		TrustLevel:   e.RequestedTrustLevel,
	}
}

// IdPAlias returns the identity-provider alias for a partner instance,
// e.g. "gbr-idp" for GBR.
func IdPAlias(instanceCode string) string {
	return strings.ToLower(instanceCode) + "-idp"
}

// internalKASHost returns the backend-to-backend KAS hostname for a partner.
// The hub runs under its own container-naming convention; spokes follow the
// per-country pattern.
func internalKASHost(instanceCode string, isHub bool) string {
	if isHub {
		return "http://hub-kas:8080"
	}
	return fmt.Sprintf("http://%s-kas:8080", strings.ToLower(instanceCode))
}

// splitIssuerURL parses an OIDC issuer URL into its base URL and realm name.
// Issuer URLs follow the "{base}/realms/{realm}" layout of the platform IdP.
func splitIssuerURL(issuer string) (baseURL, realm string, err error) {
	u, err := url.Parse(issuer)
	if err != nil {
		return "", "", fmt.Errorf("parse issuer URL %q: %w", issuer, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", "", fmt.Errorf("issuer URL %q has no scheme or host", issuer)
	}

	path := strings.Trim(u.Path, "/")
	parts := strings.Split(path, "/")
	for n := 0; n < len(parts)-1; n++ {
		if parts[n] == "realms" {
			realm = parts[n+1]
			break
		}
	}
	if realm == "" {
		// No realm segment: treat the last path element (or host) as tenant.
		if path != "" {
			realm = parts[len(parts)-1]
		} else {
			realm = u.Host
		}
	}

	base := *u
	base.Path = ""
	base.RawQuery = ""
	base.Fragment = ""
	return base.String(), realm, nil
}

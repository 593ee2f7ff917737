package handler

import (
	"net/http"
	"time"

	"github.com/dive25/federation/internal/identity"
	"github.com/gin-gonic/gin"
)

// ProtocolVersion is the federation protocol version this instance speaks.
const ProtocolVersion = "1.0"

// DiscoveryHandler serves the public /.well-known/federation.json document
// that remote instances read before enrolling.
type DiscoveryHandler struct {
	inst    *identity.Instance
	baseURL string
}

// NewDiscoveryHandler creates a DiscoveryHandler. baseURL is this instance's
// externally reachable API base.
func NewDiscoveryHandler(inst *identity.Instance, baseURL string) *DiscoveryHandler {
	return &DiscoveryHandler{inst: inst, baseURL: baseURL}
}

type discoveryCapability struct {
	Name     string `json:"name"`
	Endpoint string `json:"endpoint,omitempty"`
}

type discoveryDocument struct {
	ProtocolVersion string                `json:"protocolVersion"`
	InstanceCode    string                `json:"instanceCode"`
	Capabilities    []discoveryCapability `json:"capabilities"`
	Identity        struct {
		CertificateFingerprint string `json:"certificateFingerprint"`
		SPIFFEID               string `json:"spiffeId"`
	} `json:"identity"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ServeDiscovery handles GET /.well-known/federation.json. The document is
// public and cacheable for five minutes.
func (h *DiscoveryHandler) ServeDiscovery(c *gin.Context) {
	doc := discoveryDocument{
		ProtocolVersion: ProtocolVersion,
		InstanceCode:    h.inst.Code(),
		Capabilities: []discoveryCapability{
			{Name: "enrollment", Endpoint: h.baseURL + "/api/v1/federation/enrollments"},
			{Name: "policy-sync", Endpoint: h.baseURL + "/api/v1/policy/bundle"},
			{Name: "kas-federation", Endpoint: h.baseURL + "/api/v1/federation/kas"},
			{Name: "discovery"},
		},
		UpdatedAt: time.Now().UTC(),
	}
	doc.Identity.CertificateFingerprint = h.inst.Fingerprint()
	doc.Identity.SPIFFEID = h.inst.SPIFFEID()

	c.Header("Cache-Control", "public, max-age=300")
	c.JSON(http.StatusOK, doc)
}

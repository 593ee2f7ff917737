package handler

import (
	"net/http"
	"time"

	"github.com/dive25/federation/internal/activation"
	"github.com/dive25/federation/internal/connectivity"
	"github.com/dive25/federation/internal/enrollment"
	"github.com/dive25/federation/internal/policycache"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// SpokeHandler exposes the spoke daemon's operational surface: connectivity
// and cache status, partner activation, and a manual cache reload.
type SpokeHandler struct {
	act     *activation.Service // nil disables partner activation
	cache   *policycache.Service
	monitor *connectivity.Monitor
	logger  *zap.Logger
}

func NewSpokeHandler(act *activation.Service, cache *policycache.Service, monitor *connectivity.Monitor, logger *zap.Logger) *SpokeHandler {
	return &SpokeHandler{act: act, cache: cache, monitor: monitor, logger: logger}
}

func (h *SpokeHandler) Register(rg *gin.RouterGroup) {
	rg.GET("/status", h.Status)
	rg.POST("/partners/activate", h.ActivatePartner)
	rg.POST("/policy/reload", h.ReloadPolicy)
}

type spokeStatus struct {
	Mode                  connectivity.Mode `json:"mode"`
	HubReachable          bool              `json:"hubReachable"`
	PolicyServerReachable bool              `json:"policyServerReachable"`
	ConsecutiveFailures   int               `json:"consecutiveFailures"`
	LastSuccessfulContact *time.Time        `json:"lastSuccessfulContact,omitempty"`
	PolicyVersion         string            `json:"policyVersion,omitempty"`
	CacheValid            bool              `json:"cacheValid"`
}

// Status reports the current connectivity mode and policy-cache state.
func (h *SpokeHandler) Status(c *gin.Context) {
	st := h.monitor.State()
	out := spokeStatus{
		Mode:                  st.Mode,
		HubReachable:          st.HubReachable,
		PolicyServerReachable: st.PolicyServerReachable,
		ConsecutiveFailures:   st.ConsecutiveFailures,
		PolicyVersion:         h.cache.CurrentVersion(),
		CacheValid:            h.cache.IsCacheValid(),
	}
	if !st.LastSuccessfulContact.IsZero() {
		t := st.LastSuccessfulContact
		out.LastSuccessfulContact = &t
	}
	c.JSON(http.StatusOK, out)
}

type activatePartnerRequest struct {
	PartnerCode string                        `json:"partnerCode" binding:"required"`
	KASURL      string                        `json:"kasUrl"`
	Credentials *enrollment.ClientCredentials `json:"credentials" binding:"required"`
}

// ActivatePartner runs the spoke-side trust cascade against a partner whose
// credentials were delivered out of band (typically by the hub operator after
// hub-side activation completed).
func (h *SpokeHandler) ActivatePartner(c *gin.Context) {
	if h.act == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "partner activation is not configured on this instance"})
		return
	}

	var req activatePartnerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Credentials.ClientID == "" || req.Credentials.IssuerURL == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "credentials.clientId and credentials.issuerUrl are required"})
		return
	}

	res, err := h.act.ActivateSpokeSide(c.Request.Context(), req.PartnerCode, req.Credentials, req.KASURL)
	if err != nil {
		h.logger.Error("spoke-side activation failed",
			zap.String("partner", req.PartnerCode),
			zap.Error(err),
		)
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	RecordCascadeErrors(len(res.CascadeErrors))
	c.JSON(http.StatusOK, res)
}

// ReloadPolicy forces the cached bundle back into the policy engine. Used for
// recovery after a policy-engine restart while the hub is unreachable.
func (h *SpokeHandler) ReloadPolicy(c *gin.Context) {
	b, err := h.cache.LoadFromCache(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"version": b.Version, "policies": len(b.Policies)})
}

package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/dive25/federation/internal/kas"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// KASHandler handles HTTP requests for the key-access-server registry.
type KASHandler struct {
	reg    *kas.Registry
	logger *zap.Logger
}

// NewKASHandler creates a KASHandler.
func NewKASHandler(reg *kas.Registry, logger *zap.Logger) *KASHandler {
	return &KASHandler{reg: reg, logger: logger}
}

// Register registers all KAS routes on the given router group.
func (h *KASHandler) Register(rg *gin.RouterGroup) {
	group := rg.Group("/kas")
	{
		group.POST("", h.RegisterKAS)
		group.GET("", h.List)
		group.GET("/:id", h.Get)
		group.POST("/:id/approve", h.Approve)
		group.POST("/:id/suspend", h.Suspend)
		group.POST("/:id/heartbeat", h.Heartbeat)
		group.GET("/:id/resolve", h.Resolve)
	}
	rg.GET("/agreements/:country", h.GetAgreement)
	rg.POST("/agreements/:country/trust", h.AddTrustedKAS)
}

type registerKASRequest struct {
	CountryCode        string            `json:"countryCode" binding:"required"`
	KASURL             string            `json:"kasUrl" binding:"required,url"`
	InternalKASURL     string            `json:"internalKasUrl"`
	AuthMethod         string            `json:"authMethod"`
	AuthConfig         map[string]string `json:"authConfig"`
	TrustLevel         string            `json:"trustLevel"`
	SupportedCountries []string          `json:"supportedCountries"`
	SupportedCOIs      []string          `json:"supportedCois"`
}

// RegisterKAS handles POST /kas — registers a KAS in pending state.
func (h *KASHandler) RegisterKAS(c *gin.Context) {
	var req registerKASRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	inst, err := h.reg.Register(c.Request.Context(), &kas.Instance{
		CountryCode:        req.CountryCode,
		KASURL:             req.KASURL,
		InternalKASURL:     req.InternalKASURL,
		AuthMethod:         req.AuthMethod,
		AuthConfig:         req.AuthConfig,
		TrustLevel:         req.TrustLevel,
		SupportedCountries: req.SupportedCountries,
		SupportedCOIs:      req.SupportedCOIs,
	})
	if err != nil {
		h.logger.Error("register kas", zap.String("country", req.CountryCode), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to register KAS"})
		return
	}
	c.JSON(http.StatusCreated, inst)
}

// List handles GET /kas with optional status, limit, offset filters.
func (h *KASHandler) List(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	status := kas.Status(c.Query("status"))

	list, err := h.reg.List(c.Request.Context(), status, limit, offset)
	if err != nil {
		h.logger.Error("list kas instances", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list KAS instances"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"kasInstances": list, "count": len(list)})
}

// Get handles GET /kas/:id.
func (h *KASHandler) Get(c *gin.Context) {
	inst, err := h.reg.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err, "get kas")
		return
	}
	c.JSON(http.StatusOK, inst)
}

// Approve handles POST /kas/:id/approve — pending → active.
func (h *KASHandler) Approve(c *gin.Context) {
	inst, err := h.reg.Approve(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err, "approve kas")
		return
	}
	c.JSON(http.StatusOK, inst)
}

// Suspend handles POST /kas/:id/suspend.
func (h *KASHandler) Suspend(c *gin.Context) {
	var req struct {
		Reason string `json:"reason"`
	}
	_ = c.ShouldBindJSON(&req)

	inst, err := h.reg.Suspend(c.Request.Context(), c.Param("id"), req.Reason)
	if err != nil {
		h.respondError(c, err, "suspend kas")
		return
	}
	c.JSON(http.StatusOK, inst)
}

// Heartbeat handles POST /kas/:id/heartbeat.
func (h *KASHandler) Heartbeat(c *gin.Context) {
	if err := h.reg.Heartbeat(c.Request.Context(), c.Param("id")); err != nil {
		h.respondError(c, err, "kas heartbeat")
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// Resolve handles GET /kas/:id/resolve — returns the URL that encryption
// routing should use. Never fails: unknown or unhealthy KAS ids resolve to
// the configured default.
func (h *KASHandler) Resolve(c *gin.Context) {
	url := h.reg.ResolveKASURL(c.Request.Context(), c.Param("id"))
	c.JSON(http.StatusOK, gin.H{"kasId": c.Param("id"), "kasUrl": url})
}

// GetAgreement handles GET /agreements/:country.
func (h *KASHandler) GetAgreement(c *gin.Context) {
	a, err := h.reg.GetAgreement(c.Request.Context(), c.Param("country"))
	if err != nil {
		h.respondError(c, err, "get agreement")
		return
	}
	c.JSON(http.StatusOK, a)
}

// AddTrustedKAS handles POST /agreements/:country/trust.
func (h *KASHandler) AddTrustedKAS(c *gin.Context) {
	var req struct {
		KASID string `json:"kasId" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.reg.AddTrustedKAS(c.Request.Context(), c.Param("country"), req.KASID); err != nil {
		h.respondError(c, err, "add trusted kas")
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (h *KASHandler) respondError(c *gin.Context, err error, op string) {
	if errors.Is(err, kas.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "KAS instance not found"})
		return
	}
	if errors.Is(err, kas.ErrInvalidStatus) {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	h.logger.Error(op, zap.String("kas_id", c.Param("id")), zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}

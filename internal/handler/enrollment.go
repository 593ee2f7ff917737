// Package handler exposes the federation core over HTTP: enrollment
// lifecycle, KAS registry administration, the public discovery document, and
// the hub's policy-bundle endpoint.
package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/dive25/federation/internal/activation"
	"github.com/dive25/federation/internal/enrollment"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// EnrollmentHandler handles HTTP requests for the enrollment lifecycle.
type EnrollmentHandler struct {
	svc    *enrollment.Service
	act    *activation.Service // nil = activation endpoint disabled (spoke)
	logger *zap.Logger
}

// NewEnrollmentHandler creates an EnrollmentHandler. act may be nil on
// instances that do not run hub-side activation.
func NewEnrollmentHandler(svc *enrollment.Service, act *activation.Service, logger *zap.Logger) *EnrollmentHandler {
	return &EnrollmentHandler{svc: svc, act: act, logger: logger}
}

// Register registers all enrollment routes on the given router group.
func (h *EnrollmentHandler) Register(rg *gin.RouterGroup) {
	enr := rg.Group("/enrollments")
	{
		enr.POST("", h.Submit)
		enr.GET("", h.List)
		enr.GET("/:id", h.Get)
		enr.GET("/:id/status", h.GetStatus)
		enr.POST("/:id/verify-fingerprint", h.VerifyFingerprint)
		enr.POST("/:id/approve", h.Approve)
		enr.POST("/:id/reject", h.Reject)
		enr.POST("/:id/revoke", h.Revoke)
		enr.POST("/:id/credentials", h.SetCredentials)
		enr.POST("/:id/activate", h.Activate)
	}
}

// Submit handles POST /enrollments — a remote instance requests federation.
func (h *EnrollmentHandler) Submit(c *gin.Context) {
	var req enrollment.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	e, err := h.svc.ProcessEnrollment(c.Request.Context(), &req)
	if err != nil {
		switch {
		case errors.Is(err, enrollment.ErrStaleSignature):
			c.JSON(http.StatusBadRequest, gin.H{"error": "signature timestamp is too old"})
		case errors.Is(err, enrollment.ErrSignatureInvalid):
			c.JSON(http.StatusUnauthorized, gin.H{"error": "enrollment signature verification failed"})
		case errors.Is(err, enrollment.ErrCertificateInvalid):
			c.JSON(http.StatusBadRequest, gin.H{"error": "certificate validation failed"})
		case errors.Is(err, enrollment.ErrDuplicateActive):
			c.JSON(http.StatusConflict, gin.H{"error": "an enrollment for this instance is already in progress"})
		default:
			h.logger.Error("process enrollment",
				zap.String("instance_code", req.Payload.InstanceCode), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to process enrollment"})
		}
		RecordEnrollmentSubmission(false)
		return
	}
	RecordEnrollmentSubmission(true)

	c.JSON(http.StatusCreated, gin.H{
		"enrollmentId": e.EnrollmentID,
		"status":       e.Status,
		"fingerprint":  e.RequesterFingerprint,
		"expiresAt":    e.ExpiresAt,
	})
}

// List handles GET /enrollments with optional status, limit, offset filters.
func (h *EnrollmentHandler) List(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	status := enrollment.Status(c.Query("status"))

	list, err := h.svc.List(c.Request.Context(), status, limit, offset)
	if err != nil {
		h.logger.Error("list enrollments", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list enrollments"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"enrollments": list, "count": len(list)})
}

// Get handles GET /enrollments/:id — the full record, for operators.
func (h *EnrollmentHandler) Get(c *gin.Context) {
	e, err := h.svc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err, "get enrollment")
		return
	}
	c.JSON(http.StatusOK, e)
}

// GetStatus handles GET /enrollments/:id/status — the requester-facing
// summary, safe to expose to the enrolling instance.
func (h *EnrollmentHandler) GetStatus(c *gin.Context) {
	summary, err := h.svc.GetStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err, "get enrollment status")
		return
	}
	c.JSON(http.StatusOK, summary)
}

type actionRequest struct {
	Actor  string `json:"actor"`
	Reason string `json:"reason"`
}

func (h *EnrollmentHandler) bindAction(c *gin.Context) actionRequest {
	var req actionRequest
	_ = c.ShouldBindJSON(&req)
	if req.Actor == "" {
		req.Actor = "operator"
	}
	return req
}

// VerifyFingerprint handles POST /enrollments/:id/verify-fingerprint,
// recording that the certificate fingerprint was confirmed out of band.
func (h *EnrollmentHandler) VerifyFingerprint(c *gin.Context) {
	req := h.bindAction(c)
	e, err := h.svc.VerifyFingerprint(c.Request.Context(), c.Param("id"), req.Actor)
	if err != nil {
		h.respondError(c, err, "verify fingerprint")
		return
	}
	c.JSON(http.StatusOK, gin.H{"enrollmentId": e.EnrollmentID, "status": e.Status})
}

// Approve handles POST /enrollments/:id/approve.
func (h *EnrollmentHandler) Approve(c *gin.Context) {
	req := h.bindAction(c)
	e, err := h.svc.Approve(c.Request.Context(), c.Param("id"), req.Actor, req.Reason)
	if err != nil {
		h.respondError(c, err, "approve enrollment")
		return
	}
	c.JSON(http.StatusOK, gin.H{"enrollmentId": e.EnrollmentID, "status": e.Status})
}

// Reject handles POST /enrollments/:id/reject.
func (h *EnrollmentHandler) Reject(c *gin.Context) {
	req := h.bindAction(c)
	e, err := h.svc.Reject(c.Request.Context(), c.Param("id"), req.Actor, req.Reason)
	if err != nil {
		h.respondError(c, err, "reject enrollment")
		return
	}
	c.JSON(http.StatusOK, gin.H{"enrollmentId": e.EnrollmentID, "status": e.Status})
}

// Revoke handles POST /enrollments/:id/revoke — removes an active partner.
func (h *EnrollmentHandler) Revoke(c *gin.Context) {
	req := h.bindAction(c)
	e, err := h.svc.Revoke(c.Request.Context(), c.Param("id"), req.Actor, req.Reason)
	if err != nil {
		h.respondError(c, err, "revoke enrollment")
		return
	}
	c.JSON(http.StatusOK, gin.H{"enrollmentId": e.EnrollmentID, "status": e.Status})
}

type credentialsRequest struct {
	Role        string                       `json:"role" binding:"required,oneof=approver requester"`
	Actor       string                       `json:"actor"`
	Credentials enrollment.ClientCredentials `json:"credentials" binding:"required"`
}

// SetCredentials handles POST /enrollments/:id/credentials — either side of
// the OIDC client-credential exchange.
func (h *EnrollmentHandler) SetCredentials(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Actor == "" {
		req.Actor = "operator"
	}

	var e *enrollment.Enrollment
	var err error
	if req.Role == "approver" {
		e, err = h.svc.SetApproverCredentials(c.Request.Context(), c.Param("id"), &req.Credentials, req.Actor)
	} else {
		e, err = h.svc.SetRequesterCredentials(c.Request.Context(), c.Param("id"), &req.Credentials, req.Actor)
	}
	if err != nil {
		h.respondError(c, err, "set credentials")
		return
	}
	c.JSON(http.StatusOK, gin.H{"enrollmentId": e.EnrollmentID, "status": e.Status})
}

// Activate handles POST /enrollments/:id/activate — runs the hub-side trust
// cascade. Partial cascade failures are reported in the response body, not
// as an HTTP error.
func (h *EnrollmentHandler) Activate(c *gin.Context) {
	if h.act == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "activation is not enabled on this instance"})
		return
	}

	res, err := h.act.ActivateHubSide(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err, "activate enrollment")
		return
	}
	RecordCascadeErrors(len(res.CascadeErrors))
	c.JSON(http.StatusOK, res)
}

// respondError maps domain errors onto HTTP statuses. Invalid-transition
// races surface the attempted pair so callers can tell "already done" from
// "genuinely wrong order".
func (h *EnrollmentHandler) respondError(c *gin.Context, err error, op string) {
	if ste, ok := enrollment.IsStateTransition(err); ok {
		c.JSON(http.StatusConflict, gin.H{
			"error": ste.Error(),
			"from":  ste.From,
			"to":    ste.To,
		})
		return
	}
	if errors.Is(err, enrollment.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "enrollment not found"})
		return
	}
	h.logger.Error(op, zap.String("enrollment_id", c.Param("id")), zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}

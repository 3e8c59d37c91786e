// Package handler exposes the registration authority over HTTP.
package handler

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/jmerrifield20/nodetrust/internal/authority"
	"github.com/jmerrifield20/nodetrust/internal/identity"
	"github.com/jmerrifield20/nodetrust/pkg/certbundle"
)

const maxRequestBody = 16 << 10

// CertificateHandler serves CSR submission and chain polling.
type CertificateHandler struct {
	svc       *authority.Service
	pollLimit *Limiter
	logger    *zap.Logger
}

// NewCertificateHandler creates a new CertificateHandler.
func NewCertificateHandler(svc *authority.Service, logger *zap.Logger) *CertificateHandler {
	return &CertificateHandler{svc: svc, logger: logger}
}

// SetPollLimiter limits GET /certificate/:id in addition to any group limit.
func (h *CertificateHandler) SetPollLimiter(l *Limiter) {
	h.pollLimit = l
}

// Register mounts the registration routes on rg.
func (h *CertificateHandler) Register(rg *gin.RouterGroup) {
	rg.POST("/certificate", h.Submit)
	if h.pollLimit != nil {
		rg.GET("/certificate/:id", h.pollLimit.Middleware(), h.Retrieve)
	} else {
		rg.GET("/certificate/:id", h.Retrieve)
	}
	rg.GET("/ca/root.crt", h.RootCertificate)
	rg.GET("/polled", h.Polled)
}

// Submit handles POST /certificate with a PEM or DER CSR body.
func (h *CertificateHandler) Submit(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxRequestBody+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read request body"})
		return
	}
	if len(body) > maxRequestBody {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "certificate request too large"})
		return
	}

	id, err := h.svc.Accept(c.Request.Context(), body)
	switch {
	case errors.Is(err, authority.ErrInvalidCSR):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	case errors.Is(err, authority.ErrNameNotPermitted):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
		return
	case err != nil:
		h.logger.Error("accept certificate request", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to issue certificate"})
		return
	}

	recordAccepted()
	c.JSON(http.StatusCreated, gin.H{"request_id": id})
}

// Retrieve handles GET /certificate/:id. It answers 204 until a chain has
// been issued for id, then the zip bundle.
func (h *CertificateHandler) Retrieve(c *gin.Context) {
	id := c.Param("id")
	data, err := h.svc.Serve(c.Request.Context(), id)
	if errors.Is(err, authority.ErrUnknownIdentity) {
		recordNotReady()
		c.Status(http.StatusNoContent)
		return
	}
	if err != nil {
		h.logger.Error("serve chain", zap.String("identifier", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to package chain"})
		return
	}

	recordServed()
	c.Data(http.StatusOK, certbundle.ContentType, data)
}

// RootCertificate handles GET /ca/root.crt. The fingerprint header lets an
// operator compare against the value distributed out of band.
func (h *CertificateHandler) RootCertificate(c *gin.Context) {
	root := h.svc.RootCertificate()
	c.Header("X-Root-Fingerprint", identity.Fingerprint(root))
	c.Data(http.StatusOK, "application/x-pem-file", identity.EncodeCertificatePEM(root))
}

// Polled handles GET /polled.
func (h *CertificateHandler) Polled(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"polled": h.svc.Polled()})
}

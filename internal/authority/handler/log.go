package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/jmerrifield20/nodetrust/internal/issuancelog"
)

// LogHandler exposes the issuance log read-only.
type LogHandler struct {
	log    issuancelog.Log
	logger *zap.Logger
}

// NewLogHandler creates a new LogHandler.
func NewLogHandler(log issuancelog.Log, logger *zap.Logger) *LogHandler {
	return &LogHandler{log: log, logger: logger}
}

// Register mounts the log routes on rg.
func (h *LogHandler) Register(rg *gin.RouterGroup) {
	l := rg.Group("/log")
	{
		l.GET("", h.Overview)
		l.GET("/verify", h.Verify)
		l.GET("/entries/:idx", h.GetEntry)
	}
}

// Overview handles GET /log: entry count and tip hash.
func (h *LogHandler) Overview(c *gin.Context) {
	ctx := c.Request.Context()

	count, err := h.log.Len(ctx)
	if err != nil {
		h.logger.Error("issuance log Len", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to query log"})
		return
	}
	tip, err := h.log.Tip(ctx)
	if err != nil {
		h.logger.Error("issuance log Tip", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to query log tip"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"entries": count,
		"tip":     tip,
	})
}

// Verify handles GET /log/verify.
func (h *LogHandler) Verify(c *gin.Context) {
	if err := h.log.Verify(c.Request.Context()); err != nil {
		h.logger.Warn("issuance log integrity check failed", zap.Error(err))
		c.JSON(http.StatusOK, gin.H{
			"valid": false,
			"error": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"valid": true})
}

// GetEntry handles GET /log/entries/:idx.
func (h *LogHandler) GetEntry(c *gin.Context) {
	idx, err := strconv.Atoi(c.Param("idx"))
	if err != nil || idx < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "idx must be a non-negative integer"})
		return
	}

	entry, err := h.log.Get(c.Request.Context(), idx)
	if errors.Is(err, issuancelog.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "entry not found"})
		return
	}
	if err != nil {
		h.logger.Error("issuance log Get", zap.Int("idx", idx), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to query log"})
		return
	}
	c.JSON(http.StatusOK, entry)
}

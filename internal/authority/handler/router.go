package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/jmerrifield20/nodetrust/internal/authority"
	"github.com/jmerrifield20/nodetrust/internal/health"
)

// RouterOptions configures NewRouter.
type RouterOptions struct {
	// RateLimit applies to every /api/v1 route, typically keyed ByClientIP.
	RateLimit *Limiter
	// PollLimit applies to chain polls only, typically keyed ByRequestID.
	PollLimit *Limiter
	// Middleware runs first, e.g. request logging and recovery. gin.Recovery
	// is used when empty.
	Middleware []gin.HandlerFunc
	// Health backs GET /health. Without it /health always reports ok.
	Health *health.Checker
}

// NewRouter wires every authority route onto a fresh gin engine.
func NewRouter(svc *authority.Service, opts RouterOptions, logger *zap.Logger) *gin.Engine {
	r := gin.New()
	if len(opts.Middleware) == 0 {
		r.Use(gin.Recovery())
	} else {
		r.Use(opts.Middleware...)
	}
	r.Use(RequestID(), PrometheusMiddleware())

	r.GET("/health", func(c *gin.Context) {
		if opts.Health == nil {
			c.JSON(http.StatusOK, gin.H{"status": "ok"})
			return
		}
		report := opts.Health.Report()
		code := http.StatusOK
		if report.Status == health.StatusDegraded {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, report)
	})
	r.GET("/metrics", MetricsHandler())

	v1 := r.Group("/api/v1")
	if opts.RateLimit != nil {
		v1.Use(opts.RateLimit.Middleware())
	}
	certs := NewCertificateHandler(svc, logger)
	if opts.PollLimit != nil {
		certs.SetPollLimiter(opts.PollLimit)
	}
	certs.Register(v1)
	if l := svc.IssuanceLog(); l != nil {
		NewLogHandler(l, logger).Register(v1)
	}
	return r
}

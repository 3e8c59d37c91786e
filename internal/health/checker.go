// Package health runs the authority's periodic self-checks: database
// reachability, issuance log integrity and CA certificate expiry.
package health

import (
	"context"
	"crypto/x509"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Config holds health check configuration.
type Config struct {
	CheckInterval time.Duration
	CheckTimeout  time.Duration
	// FailThreshold is the number of consecutive failures before a check
	// reports degraded.
	FailThreshold int
}

// Status is the health of one check or of the whole authority.
type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusDegraded Status = "degraded"
	// StatusUnknown means the check has not run yet.
	StatusUnknown Status = "unknown"
)

// Check is a named self-check. Run returns nil when healthy.
type Check struct {
	Name string
	Run  func(ctx context.Context) error
}

// Result is the latest outcome of one check.
type Result struct {
	Status    Status    `json:"status"`
	FailCount int       `json:"fail_count"`
	LastError string    `json:"last_error,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// Report aggregates every check. Status is degraded if any check is.
type Report struct {
	Status Status            `json:"status"`
	Checks map[string]Result `json:"checks"`
}

// MetricsRecordFunc is an optional callback for recording check results.
type MetricsRecordFunc func(check string, success bool)

// Checker runs the configured checks on a ticker.
type Checker struct {
	checks    []Check
	results   map[string]Result
	mu        sync.Mutex
	cfg       Config
	onMetrics MetricsRecordFunc
	logger    *zap.Logger
}

// New creates a Checker. Every check starts as StatusUnknown.
func New(checks []Check, cfg Config, logger *zap.Logger) *Checker {
	if cfg.CheckInterval == 0 {
		cfg.CheckInterval = time.Minute
	}
	if cfg.CheckTimeout == 0 {
		cfg.CheckTimeout = 10 * time.Second
	}
	if cfg.FailThreshold == 0 {
		cfg.FailThreshold = 3
	}
	results := make(map[string]Result, len(checks))
	for _, c := range checks {
		results[c.Name] = Result{Status: StatusUnknown}
	}
	return &Checker{
		checks:  checks,
		results: results,
		cfg:     cfg,
		logger:  logger,
	}
}

// SetMetricsRecord configures the metrics recording callback.
func (h *Checker) SetMetricsRecord(fn MetricsRecordFunc) {
	h.onMetrics = fn
}

// Start runs the check loop until quit is signalled. The first round runs
// immediately.
func (h *Checker) Start(quit <-chan os.Signal) {
	h.CheckAll(context.Background())

	ticker := time.NewTicker(h.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			h.CheckAll(context.Background())
		case <-quit:
			return
		}
	}
}

// CheckAll runs every check concurrently, each under CheckTimeout.
func (h *Checker) CheckAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, c := range h.checks {
		wg.Add(1)
		go func(c Check) {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, h.cfg.CheckTimeout)
			err := c.Run(cctx)
			cancel()
			h.record(c.Name, err)
		}(c)
	}
	wg.Wait()
}

func (h *Checker) record(name string, err error) {
	if h.onMetrics != nil {
		h.onMetrics(name, err == nil)
	}

	h.mu.Lock()
	prev := h.results[name]
	res := Result{CheckedAt: time.Now().UTC(), Status: StatusHealthy}
	if err != nil {
		res.FailCount = prev.FailCount + 1
		res.LastError = err.Error()
		res.Status = prev.Status
		if res.FailCount >= h.cfg.FailThreshold || prev.Status == StatusUnknown {
			res.Status = StatusDegraded
		}
	}
	h.results[name] = res
	h.mu.Unlock()

	switch {
	case err == nil && prev.Status == StatusDegraded:
		h.logger.Info("health: recovered", zap.String("check", name))
	case err != nil && res.Status == StatusDegraded && prev.Status != StatusDegraded:
		h.logger.Warn("health: degraded",
			zap.String("check", name),
			zap.Int("fail_count", res.FailCount),
			zap.Error(err))
	case err != nil:
		h.logger.Debug("health: check failed", zap.String("check", name), zap.Error(err))
	}
}

// Report returns a snapshot of every check.
func (h *Checker) Report() Report {
	h.mu.Lock()
	defer h.mu.Unlock()
	r := Report{Status: StatusHealthy, Checks: make(map[string]Result, len(h.results))}
	for name, res := range h.results {
		r.Checks[name] = res
		if res.Status == StatusDegraded {
			r.Status = StatusDegraded
		}
	}
	return r
}

// CertificateExpiry fails once cert expires within margin.
func CertificateExpiry(name string, cert *x509.Certificate, margin time.Duration) Check {
	return Check{
		Name: name,
		Run: func(_ context.Context) error {
			left := time.Until(cert.NotAfter)
			if left < margin {
				return fmt.Errorf("certificate expires %s (in %s)", cert.NotAfter.UTC().Format(time.RFC3339), left.Round(time.Hour))
			}
			return nil
		},
	}
}

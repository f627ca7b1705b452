// Package health probes the upstream chain node a remote-mode ledger
// forwards to, tracking degraded/recovered transitions across probes.
package health

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Config holds probe configuration.
type Config struct {
	CheckInterval time.Duration
	ProbeTimeout  time.Duration
	FailThreshold int
}

// MetricsRecordFunc is an optional callback for recording probe results.
type MetricsRecordFunc func(success bool)

// Checker runs periodic health probes against a single upstream endpoint.
type Checker struct {
	target     string
	httpClient *http.Client
	cfg        Config
	logger     *zap.Logger
	onMetrics  MetricsRecordFunc

	mu        sync.Mutex
	failCount int
	degraded  bool
}

// New creates a Checker probing target, normally the upstream node's
// /healthz endpoint.
func New(target string, cfg Config, logger *zap.Logger) *Checker {
	if cfg.CheckInterval == 0 {
		cfg.CheckInterval = time.Minute
	}
	if cfg.ProbeTimeout == 0 {
		cfg.ProbeTimeout = 10 * time.Second
	}
	if cfg.FailThreshold == 0 {
		cfg.FailThreshold = 3
	}

	return &Checker{
		target:     target,
		httpClient: &http.Client{Timeout: cfg.ProbeTimeout},
		cfg:        cfg,
		logger:     logger,
	}
}

// SetMetricsRecord configures the metrics recording callback.
func (c *Checker) SetMetricsRecord(fn MetricsRecordFunc) {
	c.onMetrics = fn
}

// Start runs the probe loop until stop is closed.
func (c *Checker) Start(stop <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ProbeTimeout)
			c.Check(ctx)
			cancel()
		case <-stop:
			return
		}
	}
}

// Check runs a single probe and updates the degraded state. The upstream is
// marked degraded only after FailThreshold consecutive failures, and marked
// recovered on the first success afterwards.
func (c *Checker) Check(ctx context.Context) {
	success := c.probe(ctx)

	if c.onMetrics != nil {
		c.onMetrics(success)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if success {
		if c.degraded {
			c.logger.Info("upstream chain recovered", zap.String("target", c.target))
		}
		c.failCount = 0
		c.degraded = false
		return
	}

	c.failCount++
	if !c.degraded && c.failCount >= c.cfg.FailThreshold {
		c.degraded = true
		c.logger.Warn("upstream chain degraded",
			zap.String("target", c.target),
			zap.Int("fail_count", c.failCount),
		)
	}
}

// Degraded reports whether the upstream has crossed the failure threshold
// without recovering.
func (c *Checker) Degraded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.degraded
}

// probe attempts HEAD then GET, returning true on any 2xx response.
func (c *Checker) probe(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.target, nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient.Do(req)
	if err == nil {
		resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return true
		}
	}

	// Fallback to GET.
	req, err = http.NewRequestWithContext(ctx, http.MethodGet, c.target, nil)
	if err != nil {
		return false
	}
	resp, err = c.httpClient.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

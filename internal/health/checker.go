package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/geldata/gelsrv/internal/config"
	"github.com/geldata/gelsrv/internal/metrics"
	"github.com/geldata/gelsrv/internal/pool"
	"github.com/geldata/gelsrv/internal/router"
)

// Status represents the health status of a branch's backend.
type Status int

const (
	StatusUnknown Status = iota
	StatusHealthy
	StatusUnhealthy
)

func (s Status) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// BranchHealth holds health information for one branch's ConnectionBlock.
type BranchHealth struct {
	Status              Status    `json:"status"`
	LastCheck           time.Time `json:"last_check"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastError           string    `json:"last_error,omitempty"`
}

// Checker performs periodic health checks against every branch's
// ConnectionBlock by acquiring a Lease from the pool and running a
// trivial query over it end to end — this exercises the full backend
// protocol path, not just TCP reachability.
type Checker struct {
	mu       sync.RWMutex
	branches map[string]*BranchHealth

	router  *router.Router
	pool    *pool.Pool
	metrics *metrics.Collector

	interval          time.Duration
	failureThreshold  int
	connectionTimeout time.Duration

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewChecker creates a health checker that probes every branch known to
// r through pm, using hcCfg for cadence and failure tolerance.
func NewChecker(r *router.Router, pm *pool.Pool, m *metrics.Collector, hcCfg config.HealthCheckConfig) *Checker {
	return &Checker{
		branches:          make(map[string]*BranchHealth),
		router:            r,
		pool:              pm,
		metrics:           m,
		interval:          hcCfg.Interval,
		failureThreshold:  hcCfg.FailureThreshold,
		connectionTimeout: hcCfg.ConnectionTimeout,
		stopCh:            make(chan struct{}),
	}
}

// Start begins periodic health checking.
func (c *Checker) Start() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.run()
	}()
	slog.Info("health checker started", "interval", c.interval, "threshold", c.failureThreshold)
}

// Stop stops the health checker. Safe to call multiple times.
func (c *Checker) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
	})
	c.wg.Wait()
	slog.Info("health checker stopped")
}

func (c *Checker) run() {
	c.checkAll()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.checkAll()
		case <-c.stopCh:
			return
		}
	}
}

func (c *Checker) checkAll() {
	branches := c.router.ListBranches()

	const maxWorkers = 10
	sem := make(chan struct{}, maxWorkers)
	var wg sync.WaitGroup

	for name := range branches {
		name := name
		if c.router.IsPaused(name) {
			continue
		}
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			start := time.Now()
			healthy := c.pingBranch(name)
			elapsed := time.Since(start)
			if c.metrics != nil {
				c.metrics.HealthCheckCompleted(name, elapsed, healthy)
			}
			c.updateStatus(name, healthy)
		}()
	}
	wg.Wait()
}

// pingBranch acquires a Lease on branch's ConnectionBlock and drives a
// minimal "SELECT 1" round trip through backend.Conn, exercising dial,
// auth and query execution the same way a real client request would.
func (c *Checker) pingBranch(branch string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), c.connectionTimeout)
	defer cancel()

	lease, err := c.pool.Acquire(ctx, branch)
	if err != nil {
		if c.metrics != nil {
			c.metrics.HealthCheckError(branch, "acquire_failed")
		}
		c.setLastError(branch, "health check acquire: "+err.Error())
		return false
	}
	defer lease.Release()

	conn := lease.Conn()
	if err := conn.Send(ctx, "SELECT 1", nil); err != nil {
		if c.metrics != nil {
			c.metrics.HealthCheckError(branch, "send_failed")
		}
		c.setLastError(branch, "health check send: "+err.Error())
		return false
	}

	for {
		res, err := conn.Recv(ctx)
		if err != nil {
			if c.metrics != nil {
				c.metrics.HealthCheckError(branch, "recv_failed")
			}
			c.setLastError(branch, "health check recv: "+err.Error())
			return false
		}
		if res.Done {
			c.setLastError(branch, "")
			return true
		}
	}
}

func (c *Checker) setLastError(branch, errMsg string) {
	c.mu.Lock()
	bh := c.getOrCreate(branch)
	if errMsg != "" {
		bh.LastError = errMsg
	}
	c.mu.Unlock()
}

func (c *Checker) updateStatus(branch string, healthy bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	bh := c.getOrCreate(branch)
	bh.LastCheck = time.Now()

	if healthy {
		if bh.ConsecutiveFailures > 0 {
			slog.Info("branch recovered", "branch", branch, "failures", bh.ConsecutiveFailures)
		}
		bh.Status = StatusHealthy
		bh.ConsecutiveFailures = 0
		bh.LastError = ""
	} else {
		bh.ConsecutiveFailures++
		if bh.ConsecutiveFailures >= c.failureThreshold {
			if bh.Status != StatusUnhealthy {
				slog.Warn("branch marked unhealthy", "branch", branch, "failures", bh.ConsecutiveFailures, "error", bh.LastError)
			}
			bh.Status = StatusUnhealthy
		}
	}

	if c.metrics != nil {
		c.metrics.SetBranchHealth(branch, bh.Status == StatusHealthy)
	}
}

func (c *Checker) getOrCreate(branch string) *BranchHealth {
	bh, ok := c.branches[branch]
	if !ok {
		bh = &BranchHealth{Status: StatusUnknown}
		c.branches[branch] = bh
	}
	return bh
}

// IsHealthy returns whether a branch is healthy. An unknown branch (no
// check has run yet) is treated as healthy to avoid rejecting traffic
// during startup.
func (c *Checker) IsHealthy(branch string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	bh, ok := c.branches[branch]
	if !ok {
		return true
	}
	return bh.Status != StatusUnhealthy
}

// GetStatus returns the health status for a branch.
func (c *Checker) GetStatus(branch string) BranchHealth {
	c.mu.RLock()
	defer c.mu.RUnlock()

	bh, ok := c.branches[branch]
	if !ok {
		return BranchHealth{Status: StatusUnknown}
	}
	return *bh
}

// GetAllStatuses returns health statuses for every known branch.
func (c *Checker) GetAllStatuses() map[string]BranchHealth {
	c.mu.RLock()
	defer c.mu.RUnlock()

	result := make(map[string]BranchHealth, len(c.branches))
	for name, bh := range c.branches {
		result[name] = *bh
	}
	return result
}

// OverallHealthy returns true if every known branch is healthy.
func (c *Checker) OverallHealthy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, bh := range c.branches {
		if bh.Status == StatusUnhealthy {
			return false
		}
	}
	return true
}

// RemoveBranch removes health state for a branch that has been deleted.
func (c *Checker) RemoveBranch(branch string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.branches, branch)
	if c.metrics != nil {
		c.metrics.RemoveBranch(branch)
	}
	slog.Info("removed health state", "branch", branch)
}

// Package metrics wires a custom Prometheus registry for the frontend
// server's pool, cache, and session layers, the same per-process
// *prometheus.Registry pattern the teacher used for its tenant metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds all Prometheus metrics for the frontend server.
type Collector struct {
	Registry *prometheus.Registry

	connectionsActive  *prometheus.GaugeVec
	connectionsIdle    *prometheus.GaugeVec
	connectionsTotal   *prometheus.GaugeVec
	connectionsWaiting *prometheus.GaugeVec
	blockDemand        *prometheus.GaugeVec
	blockHungry        *prometheus.GaugeVec
	blockOverfull      *prometheus.GaugeVec
	acquireDuration    *prometheus.HistogramVec
	poolExhausted      *prometheus.CounterVec
	transfersTotal     *prometheus.CounterVec

	branchHealth        *prometheus.GaugeVec
	healthCheckDuration *prometheus.HistogramVec
	healthCheckErrors   *prometheus.CounterVec

	cacheHitsTotal      *prometheus.CounterVec
	cacheMissesTotal    *prometheus.CounterVec
	cacheRedirectsTotal *prometheus.CounterVec
	cacheEntries        prometheus.Gauge
	compileDuration     prometheus.Histogram

	queryDuration      *prometheus.HistogramVec
	sessionsActive     prometheus.Gauge
	sessionTxState     *prometheus.GaugeVec
	dirtyDisconnects   *prometheus.CounterVec
	backendResetsTotal *prometheus.CounterVec
}

// New creates and registers all Prometheus metrics using a custom
// registry. Safe to call multiple times (e.g. in tests) — each call
// creates an independent registry that doesn't conflict with others.
func New() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		Registry: reg,
		connectionsActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gelsrv_connections_active",
				Help: "Number of in-use backend connections per branch",
			},
			[]string{"branch"},
		),
		connectionsIdle: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gelsrv_connections_idle",
				Help: "Number of idle backend connections per branch",
			},
			[]string{"branch"},
		),
		connectionsTotal: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gelsrv_connections_total",
				Help: "Total number of backend connections per branch",
			},
			[]string{"branch"},
		),
		connectionsWaiting: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gelsrv_connections_waiting",
				Help: "Number of acquires blocked waiting for a connection per branch",
			},
			[]string{"branch"},
		),
		blockDemand: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gelsrv_block_demand",
				Help: "EWMA database-time demand (connections x avg hold) per branch",
			},
			[]string{"branch"},
		),
		blockHungry: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gelsrv_block_hungry",
				Help: "1 if PoolAlgorithm classifies the branch as hungry, else 0",
			},
			[]string{"branch"},
		),
		blockOverfull: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gelsrv_block_overfull",
				Help: "1 if PoolAlgorithm classifies the branch as overfull, else 0",
			},
			[]string{"branch"},
		),
		acquireDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gelsrv_acquire_duration_seconds",
				Help:    "Time spent in ConnectionPool.Acquire",
				Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14),
			},
			[]string{"branch"},
		),
		poolExhausted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gelsrv_pool_exhausted_total",
				Help: "Total number of PoolTimeout/PoolExhausted results per branch",
			},
			[]string{"branch"},
		),
		transfersTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gelsrv_transfers_total",
				Help: "Total cross-block connection transfers by source and destination branch",
			},
			[]string{"src", "dst"},
		),
		branchHealth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gelsrv_branch_health",
				Help: "Health status of a branch's backend (1=healthy, 0=unhealthy)",
			},
			[]string{"branch"},
		),
		healthCheckDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gelsrv_health_check_duration_seconds",
				Help:    "Duration of health check probes",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
			},
			[]string{"branch", "status"},
		),
		healthCheckErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gelsrv_health_check_errors_total",
				Help: "Health check errors by type",
			},
			[]string{"branch", "error_type"},
		),
		cacheHitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gelsrv_cache_hits_total",
				Help: "QueryCache lookups resolved without a compile",
			},
			[]string{"level"},
		),
		cacheMissesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gelsrv_cache_misses_total",
				Help: "QueryCache lookups that required a CompilerGateway call",
			},
			[]string{"level"},
		),
		cacheRedirectsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gelsrv_cache_redirects_total",
				Help: "QueryCache first-level lookups resolved via a CacheRedirect",
			},
			[]string{"level"},
		),
		cacheEntries: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "gelsrv_cache_entries",
				Help: "Number of entries currently held by the query cache",
			},
		),
		compileDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "gelsrv_compile_duration_seconds",
				Help:    "Duration of CompilerGateway.Compile calls on a cache miss",
				Buckets: prometheus.ExponentialBuckets(0.0005, 2, 16),
			},
		),
		queryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gelsrv_query_duration_seconds",
				Help:    "Duration of one Execute/Sync round-trip",
				Buckets: prometheus.ExponentialBuckets(0.0005, 2, 16),
			},
			[]string{"branch"},
		),
		sessionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "gelsrv_sessions_active",
				Help: "Number of currently connected FrontendSessions",
			},
		),
		sessionTxState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gelsrv_sessions_tx_state",
				Help: "Number of sessions currently in each transaction state",
			},
			[]string{"state"},
		),
		dirtyDisconnects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gelsrv_dirty_disconnects_total",
				Help: "Client disconnects mid-transaction requiring backend rollback",
			},
			[]string{"branch"},
		),
		backendResetsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gelsrv_backend_resets_total",
				Help: "Backend session reset (DISCARD ALL) results on transfer",
			},
			[]string{"branch", "status"},
		),
	}

	reg.MustRegister(
		c.connectionsActive,
		c.connectionsIdle,
		c.connectionsTotal,
		c.connectionsWaiting,
		c.blockDemand,
		c.blockHungry,
		c.blockOverfull,
		c.acquireDuration,
		c.poolExhausted,
		c.transfersTotal,
		c.branchHealth,
		c.healthCheckDuration,
		c.healthCheckErrors,
		c.cacheHitsTotal,
		c.cacheMissesTotal,
		c.cacheRedirectsTotal,
		c.cacheEntries,
		c.compileDuration,
		c.queryDuration,
		c.sessionsActive,
		c.sessionTxState,
		c.dirtyDisconnects,
		c.backendResetsTotal,
	)

	return c
}

// UpdatePoolStats updates the per-branch connection gauges.
func (c *Collector) UpdatePoolStats(branch string, active, idle, total, waiting int) {
	c.connectionsActive.WithLabelValues(branch).Set(float64(active))
	c.connectionsIdle.WithLabelValues(branch).Set(float64(idle))
	c.connectionsTotal.WithLabelValues(branch).Set(float64(total))
	c.connectionsWaiting.WithLabelValues(branch).Set(float64(waiting))
}

// UpdateBlockDemand records PoolAlgorithm's view of one branch: its EWMA
// demand and its Hungry/Overfull classification.
func (c *Collector) UpdateBlockDemand(branch string, demand float64, hungry, overfull bool) {
	c.blockDemand.WithLabelValues(branch).Set(demand)
	c.blockHungry.WithLabelValues(branch).Set(boolToFloat(hungry))
	c.blockOverfull.WithLabelValues(branch).Set(boolToFloat(overfull))
}

// AcquireDuration observes the time spent waiting for a pool connection.
func (c *Collector) AcquireDuration(branch string, d time.Duration) {
	c.acquireDuration.WithLabelValues(branch).Observe(d.Seconds())
}

// PoolExhausted increments the pool exhausted counter.
func (c *Collector) PoolExhausted(branch string) {
	c.poolExhausted.WithLabelValues(branch).Inc()
}

// Transfer increments the rebalance/steal transfer counter.
func (c *Collector) Transfer(src, dst string) {
	c.transfersTotal.WithLabelValues(src, dst).Inc()
}

// SetBranchHealth sets the health gauge for a branch.
func (c *Collector) SetBranchHealth(branch string, healthy bool) {
	c.branchHealth.WithLabelValues(branch).Set(boolToFloat(healthy))
}

// HealthCheckCompleted records a health check probe duration and result.
func (c *Collector) HealthCheckCompleted(branch string, d time.Duration, healthy bool) {
	status := "healthy"
	if !healthy {
		status = "unhealthy"
	}
	c.healthCheckDuration.WithLabelValues(branch, status).Observe(d.Seconds())
}

// HealthCheckError records a health check error by type.
func (c *Collector) HealthCheckError(branch, errorType string) {
	c.healthCheckErrors.WithLabelValues(branch, errorType).Inc()
}

// CacheLookup records a QueryCache lookup outcome under the given level
// label. The frontend session records every lookup under "combined",
// since it only compares the cache's aggregate hit/redirect counters.
func (c *Collector) CacheLookup(level string, hit, redirect bool) {
	switch {
	case redirect:
		c.cacheRedirectsTotal.WithLabelValues(level).Inc()
	case hit:
		c.cacheHitsTotal.WithLabelValues(level).Inc()
	default:
		c.cacheMissesTotal.WithLabelValues(level).Inc()
	}
}

// SetCacheEntries records the current cache size.
func (c *Collector) SetCacheEntries(n int) { c.cacheEntries.Set(float64(n)) }

// CompileDuration observes one CompilerGateway.Compile call.
func (c *Collector) CompileDuration(d time.Duration) { c.compileDuration.Observe(d.Seconds()) }

// QueryDuration observes one Execute/Sync round-trip.
func (c *Collector) QueryDuration(branch string, d time.Duration) {
	c.queryDuration.WithLabelValues(branch).Observe(d.Seconds())
}

// SessionOpened/SessionClosed track the live session gauge.
func (c *Collector) SessionOpened() { c.sessionsActive.Inc() }
func (c *Collector) SessionClosed() { c.sessionsActive.Dec() }

// SetTxState records a session's transition between NotInTx/InTx/
// InFailedTx buckets: callers decrement the old state and increment the
// new one around each transition.
func (c *Collector) SetTxState(state string, delta float64) {
	c.sessionTxState.WithLabelValues(state).Add(delta)
}

// DirtyDisconnect increments the dirty disconnect counter.
func (c *Collector) DirtyDisconnect(branch string) {
	c.dirtyDisconnects.WithLabelValues(branch).Inc()
}

// BackendReset records a DISCARD ALL result (success or failure).
func (c *Collector) BackendReset(branch string, success bool) {
	status := "success"
	if !success {
		status = "failure"
	}
	c.backendResetsTotal.WithLabelValues(branch, status).Inc()
}

// RemoveBranch removes all per-branch metrics, e.g. after RemoveBranch
// on the router.
func (c *Collector) RemoveBranch(branch string) {
	c.connectionsActive.DeleteLabelValues(branch)
	c.connectionsIdle.DeleteLabelValues(branch)
	c.connectionsTotal.DeleteLabelValues(branch)
	c.connectionsWaiting.DeleteLabelValues(branch)
	c.blockDemand.DeleteLabelValues(branch)
	c.blockHungry.DeleteLabelValues(branch)
	c.blockOverfull.DeleteLabelValues(branch)
	c.poolExhausted.DeleteLabelValues(branch)
	c.branchHealth.DeleteLabelValues(branch)
	c.healthCheckDuration.DeletePartialMatch(prometheus.Labels{"branch": branch})
	c.healthCheckErrors.DeletePartialMatch(prometheus.Labels{"branch": branch})
	c.queryDuration.DeleteLabelValues(branch)
	c.dirtyDisconnects.DeleteLabelValues(branch)
	c.backendResetsTotal.DeletePartialMatch(prometheus.Labels{"branch": branch})
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

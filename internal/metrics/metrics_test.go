package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func newTestCollector(t *testing.T) *Collector {
	t.Helper()
	return New()
}

func getGaugeValue(g prometheus.Gauge) float64 {
	m := &dto.Metric{}
	g.Write(m)
	return m.GetGauge().GetValue()
}

func getCounterValue(c prometheus.Counter) float64 {
	m := &dto.Metric{}
	c.Write(m)
	return m.GetCounter().GetValue()
}

func TestUpdatePoolStatsAuthority(t *testing.T) {
	c := newTestCollector(t)

	c.UpdatePoolStats("main", 3, 5, 8, 1)
	if v := getGaugeValue(c.connectionsActive.WithLabelValues("main")); v != 3 {
		t.Errorf("expected active=3, got %v", v)
	}

	// A second call replaces, not increments.
	c.UpdatePoolStats("main", 2, 4, 6, 0)
	if v := getGaugeValue(c.connectionsActive.WithLabelValues("main")); v != 2 {
		t.Errorf("expected active=2 after update, got %v", v)
	}
	if v := getGaugeValue(c.connectionsWaiting.WithLabelValues("main")); v != 0 {
		t.Errorf("expected waiting=0, got %v", v)
	}
}

func TestUpdateBlockDemand(t *testing.T) {
	c := newTestCollector(t)

	c.UpdateBlockDemand("main", 12.5, true, false)
	if v := getGaugeValue(c.blockDemand.WithLabelValues("main")); v != 12.5 {
		t.Errorf("expected demand=12.5, got %v", v)
	}
	if v := getGaugeValue(c.blockHungry.WithLabelValues("main")); v != 1 {
		t.Errorf("expected hungry=1, got %v", v)
	}
	if v := getGaugeValue(c.blockOverfull.WithLabelValues("main")); v != 0 {
		t.Errorf("expected overfull=0, got %v", v)
	}
}

func TestCacheLookup(t *testing.T) {
	c := newTestCollector(t)

	c.CacheLookup("first", true, false)
	c.CacheLookup("first", false, false)
	c.CacheLookup("first", false, true)

	if v := getCounterValue(c.cacheHitsTotal.WithLabelValues("first")); v != 1 {
		t.Errorf("expected 1 hit, got %v", v)
	}
	if v := getCounterValue(c.cacheMissesTotal.WithLabelValues("first")); v != 1 {
		t.Errorf("expected 1 miss, got %v", v)
	}
	if v := getCounterValue(c.cacheRedirectsTotal.WithLabelValues("first")); v != 1 {
		t.Errorf("expected 1 redirect, got %v", v)
	}
}

func TestSessionGauges(t *testing.T) {
	c := newTestCollector(t)

	c.SessionOpened()
	c.SessionOpened()
	c.SessionClosed()
	if v := getGaugeValue(c.sessionsActive); v != 1 {
		t.Errorf("expected 1 active session, got %v", v)
	}

	c.SetTxState("NotInTx", 1)
	c.SetTxState("NotInTx", -1)
	c.SetTxState("InTx", 1)
	if v := getGaugeValue(c.sessionTxState.WithLabelValues("InTx")); v != 1 {
		t.Errorf("expected InTx=1, got %v", v)
	}
}

func TestPoolExhaustedAndTransfer(t *testing.T) {
	c := newTestCollector(t)

	c.PoolExhausted("main")
	c.PoolExhausted("main")
	if v := getCounterValue(c.poolExhausted.WithLabelValues("main")); v != 2 {
		t.Errorf("expected 2 pool exhaustions, got %v", v)
	}

	c.Transfer("a", "b")
	if v := getCounterValue(c.transfersTotal.WithLabelValues("a", "b")); v != 1 {
		t.Errorf("expected 1 transfer a->b, got %v", v)
	}
}

func TestAcquireDurationAndQueryDuration(t *testing.T) {
	c := newTestCollector(t)
	c.AcquireDuration("main", 5*time.Millisecond)
	c.QueryDuration("main", 2*time.Millisecond)
	c.CompileDuration(1 * time.Millisecond)
	// No panics, histograms observed; nothing further to assert without
	// reaching into private bucket state.
}

func TestHealthCheckMetrics(t *testing.T) {
	c := newTestCollector(t)
	c.SetBranchHealth("main", true)
	if v := getGaugeValue(c.branchHealth.WithLabelValues("main")); v != 1 {
		t.Errorf("expected healthy=1, got %v", v)
	}
	c.SetBranchHealth("main", false)
	if v := getGaugeValue(c.branchHealth.WithLabelValues("main")); v != 0 {
		t.Errorf("expected healthy=0, got %v", v)
	}

	c.HealthCheckCompleted("main", 10*time.Millisecond, true)
	c.HealthCheckError("main", "timeout")
	if v := getCounterValue(c.healthCheckErrors.WithLabelValues("main", "timeout")); v != 1 {
		t.Errorf("expected 1 health check error, got %v", v)
	}
}

func TestRemoveBranch(t *testing.T) {
	c := newTestCollector(t)
	c.UpdatePoolStats("gone", 1, 1, 2, 0)
	c.SetBranchHealth("gone", true)
	c.RemoveBranch("gone")
	if v := getGaugeValue(c.connectionsActive.WithLabelValues("gone")); v != 0 {
		t.Errorf("expected metric to be reset after RemoveBranch, got %v", v)
	}
}

func TestBackendResetAndDirtyDisconnect(t *testing.T) {
	c := newTestCollector(t)
	c.BackendReset("main", true)
	c.BackendReset("main", false)
	if v := getCounterValue(c.backendResetsTotal.WithLabelValues("main", "success")); v != 1 {
		t.Errorf("expected 1 successful reset, got %v", v)
	}
	if v := getCounterValue(c.backendResetsTotal.WithLabelValues("main", "failure")); v != 1 {
		t.Errorf("expected 1 failed reset, got %v", v)
	}

	c.DirtyDisconnect("main")
	if v := getCounterValue(c.dirtyDisconnects.WithLabelValues("main")); v != 1 {
		t.Errorf("expected 1 dirty disconnect, got %v", v)
	}
}

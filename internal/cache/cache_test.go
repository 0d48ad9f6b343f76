package cache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type stubGateway struct {
	mu       sync.Mutex
	calls    int32
	fn       func(req CompileRequest) (*CompiledQuery, error)
}

func (g *stubGateway) Compile(ctx context.Context, req CompileRequest) (*CompiledQuery, error) {
	atomic.AddInt32(&g.calls, 1)
	return g.fn(req)
}

func (g *stubGateway) callCount() int { return int(atomic.LoadInt32(&g.calls)) }

func TestLookupCachesASimpleQueryAtFirstLevel(t *testing.T) {
	gw := &stubGateway{fn: func(req CompileRequest) (*CompiledQuery, error) {
		return &CompiledQuery{SQL: "select 1"}, nil
	}}
	c, err := New(16, gw)
	if err != nil {
		t.Fatal(err)
	}

	p := Params{NormalizedQuery: "select 1", SchemaVersion: 1}
	cq1, err := c.Lookup(context.Background(), p)
	if err != nil {
		t.Fatal(err)
	}
	cq2, err := c.Lookup(context.Background(), p)
	if err != nil {
		t.Fatal(err)
	}
	if cq1 != cq2 {
		t.Fatal("expected the same cached *CompiledQuery instance")
	}
	if gw.callCount() != 1 {
		t.Fatalf("expected exactly one compile, got %d", gw.callCount())
	}
}

// TestCacheRedirectScenario is scenario S2 from spec.md §8: a query whose
// plan depends on the value of $n. The first compile installs a Redirect
// naming "n"; repeated lookups with n=1 hit the second-level key, and a
// lookup with n=2 triggers a fresh compile under the same redirect.
func TestCacheRedirectScenario(t *testing.T) {
	gw := &stubGateway{fn: func(req CompileRequest) (*CompiledQuery, error) {
		return &CompiledQuery{
			SQL:           fmt.Sprintf("select Post limit $1 /* compiled for %s */", req.NormalizedQuery),
			CacheDepsVars: []string{"n"},
		}, nil
	}}
	c, err := New(16, gw)
	if err != nil {
		t.Fatal(err)
	}

	base := Params{
		NormalizedQuery: "select Post limit <int64>$n",
		SchemaVersion:   1,
	}

	p1 := base
	p1.Args = map[string]string{"n": "1"}
	cq1, err := c.Lookup(context.Background(), p1)
	if err != nil {
		t.Fatal(err)
	}
	if gw.callCount() != 1 {
		t.Fatalf("expected 1 compile after first lookup, got %d", gw.callCount())
	}

	// Repeat n=1: should hit the second-level entry, no new compile.
	cq1b, err := c.Lookup(context.Background(), p1)
	if err != nil {
		t.Fatal(err)
	}
	if cq1 != cq1b {
		t.Fatal("expected the same cached plan for a repeated n=1 lookup")
	}
	if gw.callCount() != 1 {
		t.Fatalf("expected still 1 compile, got %d", gw.callCount())
	}

	// n=2: first-level now holds a Redirect, so this should miss the
	// second-level key and trigger exactly one more compile.
	p2 := base
	p2.Args = map[string]string{"n": "2"}
	cq2, err := c.Lookup(context.Background(), p2)
	if err != nil {
		t.Fatal(err)
	}
	if cq2 == cq1 {
		t.Fatal("expected a distinct plan for n=2")
	}
	if gw.callCount() != 2 {
		t.Fatalf("expected 2 compiles total, got %d", gw.callCount())
	}

	stats := c.Stats()
	if stats.Redirects == 0 {
		t.Fatal("expected at least one redirect hit to be recorded")
	}
}

func TestConcurrentLookupsCoalesceIntoOneCompile(t *testing.T) {
	release := make(chan struct{})
	gw := &stubGateway{fn: func(req CompileRequest) (*CompiledQuery, error) {
		<-release
		return &CompiledQuery{SQL: "select 42"}, nil
	}}
	c, err := New(16, gw)
	if err != nil {
		t.Fatal(err)
	}

	p := Params{NormalizedQuery: "select 42", SchemaVersion: 1}

	const n = 8
	results := make([]*CompiledQuery, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = c.Lookup(context.Background(), p)
		}(i)
	}

	time.Sleep(20 * time.Millisecond) // let all goroutines reach the gateway call
	close(release)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("lookup %d failed: %v", i, err)
		}
		if results[i] != results[0] {
			t.Fatalf("lookup %d returned a different plan instance", i)
		}
	}
	if gw.callCount() != 1 {
		t.Fatalf("expected exactly one compile despite %d concurrent lookups, got %d", n, gw.callCount())
	}
}

func TestCompileErrorIsNotCached(t *testing.T) {
	attempts := 0
	gw := &stubGateway{fn: func(req CompileRequest) (*CompiledQuery, error) {
		attempts++
		if attempts == 1 {
			return nil, fmt.Errorf("boom")
		}
		return &CompiledQuery{SQL: "select 1"}, nil
	}}
	c, err := New(16, gw)
	if err != nil {
		t.Fatal(err)
	}

	p := Params{NormalizedQuery: "select 1", SchemaVersion: 1}
	if _, err := c.Lookup(context.Background(), p); err == nil {
		t.Fatal("expected the first compile to fail")
	}
	cq, err := c.Lookup(context.Background(), p)
	if err != nil {
		t.Fatalf("expected the retry to succeed, got %v", err)
	}
	if cq.SQL != "select 1" {
		t.Fatalf("unexpected plan: %+v", cq)
	}
	if gw.callCount() != 2 {
		t.Fatalf("expected the failed compile to not be cached, got %d calls", gw.callCount())
	}
}

func TestDifferentSchemaVersionsDoNotShareAnEntry(t *testing.T) {
	gw := &stubGateway{fn: func(req CompileRequest) (*CompiledQuery, error) {
		return &CompiledQuery{SQL: fmt.Sprintf("plan-for-schema-%d", req.SchemaVersion)}, nil
	}}
	c, err := New(16, gw)
	if err != nil {
		t.Fatal(err)
	}

	p1 := Params{NormalizedQuery: "select 1", SchemaVersion: 1}
	p2 := Params{NormalizedQuery: "select 1", SchemaVersion: 2}

	cq1, _ := c.Lookup(context.Background(), p1)
	cq2, _ := c.Lookup(context.Background(), p2)
	if cq1.SQL == cq2.SQL {
		t.Fatal("expected distinct plans across schema versions")
	}
	if gw.callCount() != 2 {
		t.Fatalf("expected 2 compiles, got %d", gw.callCount())
	}
}

func TestLRUEvictsLeastRecentlyUsed(t *testing.T) {
	gw := &stubGateway{fn: func(req CompileRequest) (*CompiledQuery, error) {
		return &CompiledQuery{SQL: req.NormalizedQuery}, nil
	}}
	c, err := New(2, gw)
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	c.Lookup(ctx, Params{NormalizedQuery: "a", SchemaVersion: 1})
	c.Lookup(ctx, Params{NormalizedQuery: "b", SchemaVersion: 1})
	c.Lookup(ctx, Params{NormalizedQuery: "c", SchemaVersion: 1}) // evicts "a"

	if gw.callCount() != 3 {
		t.Fatalf("expected 3 compiles, got %d", gw.callCount())
	}
	// "a" should need a recompile now.
	c.Lookup(ctx, Params{NormalizedQuery: "a", SchemaVersion: 1})
	if gw.callCount() != 4 {
		t.Fatalf("expected a 4th compile after eviction, got %d", gw.callCount())
	}
}

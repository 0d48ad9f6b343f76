package compiler

import (
	"context"
	"testing"

	"github.com/geldata/gelsrv/internal/cache"
)

func TestCompileClassifiesReadAndWrite(t *testing.T) {
	g := &Gateway{}

	cq, err := g.Compile(context.Background(), cache.CompileRequest{NormalizedQuery: "select Post"})
	if err != nil {
		t.Fatal(err)
	}
	if !cq.Capabilities.Has(cache.CapRead) {
		t.Fatalf("expected CapRead, got %v", cq.Capabilities)
	}

	cq, err = g.Compile(context.Background(), cache.CompileRequest{NormalizedQuery: "insert Post { title := \"x\" }"})
	if err != nil {
		t.Fatal(err)
	}
	if !cq.Capabilities.Has(cache.CapWrite) {
		t.Fatalf("expected CapWrite, got %v", cq.Capabilities)
	}
}

func TestCompileExtractsCacheDepsVarFromLimit(t *testing.T) {
	g := &Gateway{}
	cq, err := g.Compile(context.Background(), cache.CompileRequest{
		NormalizedQuery: "select Post limit <int64>$n",
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(cq.CacheDepsVars) != 1 || cq.CacheDepsVars[0] != "n" {
		t.Fatalf("expected cache_deps_vars=[n], got %v", cq.CacheDepsVars)
	}
}

func TestCompileRejectsEmptyQuery(t *testing.T) {
	g := &Gateway{}
	if _, err := g.Compile(context.Background(), cache.CompileRequest{NormalizedQuery: "   "}); err == nil {
		t.Fatal("expected an error for an empty query")
	}
}

func TestGatewaySatisfiesCacheGateway(t *testing.T) {
	var _ cache.Gateway = (*Gateway)(nil)
}

// Package compiler provides a stand-in CompilerGateway: the EdgeQL/SDL
// compiler proper is an external collaborator out of scope for this
// server (spec.md §1), so this package offers just enough of a
// compile service to exercise internal/cache and internal/frontend end
// to end — a deterministic translation from a normalized EdgeQL-shaped
// query string to a CompiledQuery, not a real schema-aware compiler.
package compiler

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/geldata/gelsrv/internal/cache"
	"github.com/geldata/gelsrv/internal/gelerr"
)

// Gateway is a minimal stand-in CompilerGateway. It recognizes a small
// vocabulary of statement shapes (select/insert/update/delete/
// configure/start transaction/...) well enough to classify capabilities
// and cardinality, and treats everything else as an opaque passthrough
// SQL statement. Real schema resolution, type checking, and SQL
// generation live in the actual compiler service this stands in for.
type Gateway struct {
	SchemaVersion func() uint64
}

var limitVarRe = regexp.MustCompile(`(?i)limit\s+<[a-zA-Z0-9_]+>\$([a-zA-Z_][a-zA-Z0-9_]*)`)

// Compile implements cache.Gateway.
func (g *Gateway) Compile(ctx context.Context, req cache.CompileRequest) (*cache.CompiledQuery, error) {
	q := strings.TrimSpace(req.NormalizedQuery)
	if q == "" {
		return nil, gelerr.New(gelerr.KindQueryError, "empty query")
	}

	caps, card := classify(q)

	cq := &cache.CompiledQuery{
		SQL:          translate(q),
		Capabilities: caps,
		Cardinality:  card,
	}
	if m := limitVarRe.FindStringSubmatch(q); m != nil {
		cq.CacheDepsVars = []string{m[1]}
	}
	return cq, nil
}

func classify(q string) (cache.Capability, cache.Cardinality) {
	lower := strings.ToLower(q)
	switch {
	case strings.HasPrefix(lower, "select"):
		card := cache.CardinalityMany
		if strings.Contains(lower, "limit 1") || strings.Contains(lower, "limit <") {
			card = cache.CardinalityAtMostOne
		}
		return cache.CapRead, card
	case strings.HasPrefix(lower, "insert"):
		return cache.CapWrite, cache.CardinalityOne
	case strings.HasPrefix(lower, "update"):
		return cache.CapWrite, cache.CardinalityMany
	case strings.HasPrefix(lower, "delete"):
		return cache.CapWrite, cache.CardinalityMany
	case strings.HasPrefix(lower, "create"), strings.HasPrefix(lower, "alter"), strings.HasPrefix(lower, "drop"):
		return cache.CapDDL, cache.CardinalityOne
	case strings.HasPrefix(lower, "start transaction"), strings.HasPrefix(lower, "commit"), strings.HasPrefix(lower, "rollback"):
		return cache.CapTransaction, cache.CardinalityOne
	case strings.HasPrefix(lower, "configure session"):
		return cache.CapSessionConfig, cache.CardinalityOne
	case strings.HasPrefix(lower, "configure"):
		return cache.CapPersistentConfig, cache.CardinalityOne
	default:
		return cache.CapRead, cache.CardinalityMany
	}
}

// translate is a placeholder EdgeQL->SQL lowering: it does not
// understand the schema, so it just wraps the original query as a
// literal passthrough. A real compiler service supplies the actual SQL.
func translate(q string) string {
	return fmt.Sprintf("/* compiled */ %s", q)
}

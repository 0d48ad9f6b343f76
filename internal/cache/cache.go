// Package cache implements the QueryCache of spec.md §3, §4.3: a
// fingerprint -> CompiledQuery map with second-level redirects for
// queries whose cache key depends on runtime parameter values, LRU
// eviction, and at-most-one-concurrent-compile coalescing per key.
package cache

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/geldata/gelsrv/internal/gelerr"
)

// Capability is a bit flag on a CompiledQuery declaring required powers.
type Capability uint64

const (
	CapRead Capability = 1 << iota
	CapWrite
	CapDDL
	CapTransaction
	CapPersistentConfig
	CapSessionConfig
)

// Has reports whether all bits of want are set.
func (c Capability) Has(want Capability) bool { return c&want == want }

// Cardinality is the result-shape contract of a compiled query.
type Cardinality int

const (
	CardinalityOne Cardinality = iota
	CardinalityMany
	CardinalityAtMostOne
	CardinalityAtLeastOne
)

// CompiledQuery is the opaque output of CompilerGateway, annotated per
// spec.md §3. Immutable once cached.
type CompiledQuery struct {
	SQL           string
	InputTypeID   [16]byte
	OutputTypeID  [16]byte
	StateTypeID   uint64
	Capabilities  Capability
	Cardinality   Cardinality
	CacheDepsVars []string // param names whose *values* influence the plan
}

// Key is the CacheKey tuple of spec.md §3. ValueKeyTuple is empty for
// first-level entries and populated for second-level entries reached
// through a Redirect.
type Key struct {
	NormalizedQuery string
	ShapeHash       uint64
	OutputFormat    byte
	ProtocolVersion uint32
	SchemaVersion   uint64
	ValueKeyTuple   string
}

// Redirect names the variables whose values participate in the true
// (second-level) cache key. KeyVarNames is always kept sorted
// lexicographically.
type Redirect struct {
	KeyVarNames []string
}

type entry struct {
	compiled *CompiledQuery
	redirect *Redirect
}

// Gateway is the CompilerGateway external collaborator: an opaque
// compile service invoked on a cache miss.
type Gateway interface {
	Compile(ctx context.Context, req CompileRequest) (*CompiledQuery, error)
}

// CompileRequest carries what the gateway needs to compile a query.
type CompileRequest struct {
	NormalizedQuery string
	SchemaVersion   uint64
	ProtocolVersion uint32
	OutputFormat    byte
}

// Params describes one lookup: the query's identity plus the argument
// values available for building a second-level key.
type Params struct {
	NormalizedQuery string
	ShapeHash       uint64
	OutputFormat    byte
	ProtocolVersion uint32
	SchemaVersion   uint64
	Args            map[string]string // variable name -> stable string form of its value
}

func (p Params) firstLevelKey() Key {
	return Key{
		NormalizedQuery: p.NormalizedQuery,
		ShapeHash:       p.ShapeHash,
		OutputFormat:    p.OutputFormat,
		ProtocolVersion: p.ProtocolVersion,
		SchemaVersion:   p.SchemaVersion,
	}
}

// Stats exposes hit/miss/redirect counters for internal/metrics.
type Stats struct {
	Hits      int64
	Misses    int64
	Redirects int64
}

// Cache is the QueryCache: an LRU map from Key to CompiledQuery/Redirect
// entries, with per-key compile coalescing.
type Cache struct {
	gateway Gateway
	lru     *lru.Cache[Key, entry]

	flightMu sync.Mutex
	flight   map[Key]*call

	statsMu sync.Mutex
	stats   Stats
}

type call struct {
	done chan struct{}
	cq   *CompiledQuery
	err  error
}

// New builds a Cache bounded to capacity entries (counting both first-
// and second-level keys), backed by CompilerGateway g.
func New(capacity int, g Gateway) (*Cache, error) {
	l, err := lru.New[Key, entry](capacity)
	if err != nil {
		return nil, gelerr.Wrap(gelerr.KindInternalServerError, err, "constructing query cache")
	}
	return &Cache{
		gateway: g,
		lru:     l,
		flight:  make(map[Key]*call),
	}, nil
}

// Lookup implements the algorithm of spec.md §4.3.
func (c *Cache) Lookup(ctx context.Context, p Params) (*CompiledQuery, error) {
	firstKey := p.firstLevelKey()

	if e, ok := c.lru.Get(firstKey); ok {
		if e.compiled != nil {
			c.hit()
			return e.compiled, nil
		}
		// Redirect: build the second-level key and retry.
		c.redirectHit()
		secondKey := firstKey
		secondKey.ValueKeyTuple = buildValueKeyTuple(e.redirect.KeyVarNames, p.Args)
		if e2, ok := c.lru.Get(secondKey); ok && e2.compiled != nil {
			c.hit()
			return e2.compiled, nil
		}
		c.miss()
		return c.compileAndStore(ctx, p, firstKey, e.redirect)
	}

	c.miss()
	return c.compileAndStore(ctx, p, firstKey, nil)
}

func (c *Cache) compileAndStore(ctx context.Context, p Params, firstKey Key, redirect *Redirect) (*CompiledQuery, error) {
	flightKey := firstKey
	if redirect != nil {
		flightKey.ValueKeyTuple = buildValueKeyTuple(redirect.KeyVarNames, p.Args)
	}

	c.flightMu.Lock()
	if existing, ok := c.flight[flightKey]; ok {
		c.flightMu.Unlock()
		<-existing.done
		return existing.cq, existing.err
	}
	cl := &call{done: make(chan struct{})}
	c.flight[flightKey] = cl
	c.flightMu.Unlock()

	defer func() {
		c.flightMu.Lock()
		delete(c.flight, flightKey)
		c.flightMu.Unlock()
		close(cl.done)
	}()

	// Re-check under the flight record: another compile may have landed
	// between our miss and acquiring the coalescing slot.
	if e, ok := c.lru.Get(flightKey); ok && e.compiled != nil {
		cl.cq = e.compiled
		return cl.cq, nil
	}

	cq, err := c.gateway.Compile(ctx, CompileRequest{
		NormalizedQuery: p.NormalizedQuery,
		SchemaVersion:   p.SchemaVersion,
		ProtocolVersion: p.ProtocolVersion,
		OutputFormat:    p.OutputFormat,
	})
	if err != nil {
		// CompileError is surfaced unchanged and never cached.
		cl.err = err
		return nil, err
	}

	c.store(p, firstKey, cq, redirect)
	cl.cq = cq
	return cq, nil
}

func (c *Cache) store(p Params, firstKey Key, cq *CompiledQuery, existing *Redirect) {
	if len(cq.CacheDepsVars) == 0 && existing == nil {
		c.lru.Add(firstKey, entry{compiled: cq})
		return
	}

	names := unionSorted(redirectNames(existing), cq.CacheDepsVars)
	c.lru.Add(firstKey, entry{redirect: &Redirect{KeyVarNames: names}})

	secondKey := firstKey
	secondKey.ValueKeyTuple = buildValueKeyTuple(names, p.Args)
	c.lru.Add(secondKey, entry{compiled: cq})
}

func redirectNames(r *Redirect) []string {
	if r == nil {
		return nil
	}
	return r.KeyVarNames
}

func unionSorted(a, b []string) []string {
	set := make(map[string]struct{}, len(a)+len(b))
	for _, s := range a {
		set[s] = struct{}{}
	}
	for _, s := range b {
		set[s] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// buildValueKeyTuple renders the ordered values for names into a stable
// string, in the order names appear (names is already lexicographically
// sorted by the caller).
func buildValueKeyTuple(names []string, args map[string]string) string {
	var sb strings.Builder
	for i, n := range names {
		if i > 0 {
			sb.WriteByte('\x1f')
		}
		fmt.Fprintf(&sb, "%s=%s", n, args[n])
	}
	return sb.String()
}

// Len returns the number of entries currently cached (first- and
// second-level combined).
func (c *Cache) Len() int { return c.lru.Len() }

// Purge evicts everything — used when the schema or protocol version
// bump logically invalidates all entries (spec.md §4.3: such entries
// become unreachable by cache key and are eventually evicted; Purge
// reclaims them eagerly instead of waiting on LRU pressure).
func (c *Cache) Purge() { c.lru.Purge() }

// Stats returns a snapshot of hit/miss/redirect counters.
func (c *Cache) Stats() Stats {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	return c.stats
}

func (c *Cache) hit() {
	c.statsMu.Lock()
	c.stats.Hits++
	c.statsMu.Unlock()
}

func (c *Cache) miss() {
	c.statsMu.Lock()
	c.stats.Misses++
	c.statsMu.Unlock()
}

func (c *Cache) redirectHit() {
	c.statsMu.Lock()
	c.stats.Redirects++
	c.statsMu.Unlock()
}

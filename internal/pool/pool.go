// Package pool implements ConnectionPool (spec.md §3, §4.4/§4.5): the
// top-level orchestrator owning one ConnectionBlock per branch, routing
// each Acquire through PoolAlgorithm's decisions, and running the
// periodic rebalance tick that steals idle connections toward hungrier
// blocks. Release returns a connection to the block it came from (to a
// waiter there, else to its idle list); it does not consult
// PoolAlgorithm and never moves the connection to another block.
package pool

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/geldata/gelsrv/internal/backend"
	"github.com/geldata/gelsrv/internal/block"
	"github.com/geldata/gelsrv/internal/config"
	"github.com/geldata/gelsrv/internal/gelerr"
	"github.com/geldata/gelsrv/internal/poolalgo"
	"github.com/geldata/gelsrv/internal/router"
)

// Lease is a held PhysicalConn. Callers must call Release exactly once;
// forgetting to do so starves the block it came from. Leases are
// deliberately not channel-based in the other direction (no value flows
// back through a channel on Release) to keep the acquire/release call
// graph acyclic, per spec.md §9.
type Lease struct {
	pool      *Pool
	branch    string
	conn      *block.PhysicalConn
	start     time.Time
	released  bool
	releaseMu sync.Mutex
}

// Conn returns the backend connection this lease holds.
func (l *Lease) Conn() backend.Conn { return l.conn.Conn() }

// PhysicalConn exposes the underlying connection handle, e.g. so the
// frontend can track SessionStateID across a pinned transaction.
func (l *Lease) PhysicalConn() *block.PhysicalConn { return l.conn }

// Release returns the connection to its owning block. Safe to call more
// than once; only the first call has an effect.
func (l *Lease) Release() {
	l.releaseMu.Lock()
	defer l.releaseMu.Unlock()
	if l.released {
		return
	}
	l.released = true
	l.pool.release(l.branch, l.conn, time.Since(l.start))
}

// ReleaseDead releases the connection as failed rather than healthy
// (spec.md §7): the PhysicalConn is closed and discarded instead of
// recycled, and the pool dials a fresh replacement for any waiter still
// queued. Safe to call more than once, and safe to call instead of
// Release even if Release was already called — only the first of either
// has an effect.
func (l *Lease) ReleaseDead() {
	l.releaseMu.Lock()
	defer l.releaseMu.Unlock()
	if l.released {
		return
	}
	l.released = true
	l.pool.releaseDead(l.branch, l.conn)
}

// Pool is the ConnectionPool: a named set of ConnectionBlocks sharing a
// global connection-count cap, with PoolAlgorithm deciding how to
// satisfy each Acquire and how to rebalance idle capacity between
// blocks.
type Pool struct {
	router *router.Router
	driver backend.Driver
	log    *slog.Logger

	mu     sync.RWMutex
	blocks map[string]*block.Block

	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates a Pool. Blocks are created lazily on first Acquire for a
// branch, using the router's current BranchConfig.
func New(r *router.Router, driver backend.Driver, log *slog.Logger) *Pool {
	if log == nil {
		log = slog.Default()
	}
	return &Pool{
		router: r,
		driver: driver,
		log:    log,
		blocks: make(map[string]*block.Block),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

func (p *Pool) blockFor(branch string) (*block.Block, error) {
	p.mu.RLock()
	b, ok := p.blocks[branch]
	p.mu.RUnlock()
	if ok {
		return b, nil
	}

	cfg, err := p.router.Resolve(branch)
	if err != nil {
		return nil, gelerr.Wrap(gelerr.KindAvailabilityError, err, "resolving branch %q", branch)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if b, ok := p.blocks[branch]; ok {
		return b, nil
	}
	b = block.New(branch, cfg, p.driver)
	p.blocks[branch] = b
	return b, nil
}

func (p *Pool) snapshotMetrics() map[string]poolalgo.BlockMetrics {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]poolalgo.BlockMetrics, len(p.blocks))
	for name, b := range p.blocks {
		out[name] = b.Metrics()
	}
	return out
}

func (p *Pool) algoParams() poolalgo.Params {
	defaults := p.router.Defaults()
	return poolalgo.Params{
		TotalCap:      defaults.TotalCap,
		HoldFloor:     defaults.HoldFloor,
		ReconnectCost: defaults.ReconnectCost,
	}
}

// Acquire obtains a connection for branch, consulting PoolAlgorithm to
// decide whether to reuse an idle connection, dial a new one, steal one
// from an overfull sibling block, or wait.
func (p *Pool) Acquire(ctx context.Context, branch string) (*Lease, error) {
	if p.router.IsPaused(branch) {
		return nil, gelerr.New(gelerr.KindAvailabilityError, "branch %q is paused", branch)
	}

	defaults := p.router.Defaults()
	if defaults.TotalCap == 0 {
		return nil, poolExhaustedErr(branch)
	}

	target, err := p.blockFor(branch)
	if err != nil {
		return nil, err
	}

	if acquireTimeout := target.Config().EffectiveAcquireTimeout(defaults); acquireTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, acquireTimeout)
		defer cancel()
	}

	decision := poolalgo.PlanAcquire(p.snapshotMetrics(), branch, p.algoParams())

	switch decision.Action {
	case poolalgo.AcquireUseIdle:
		if pc, ok := target.TryAcquireIdle(); ok {
			return p.lease(branch, pc), nil
		}
		// Lost the race against another acquirer; fall through to wait.
		return p.waitOrCreate(ctx, branch, target)

	case poolalgo.AcquireCreate:
		pc, err := target.Create(ctx)
		if err != nil {
			return nil, gelerr.Wrap(gelerr.KindBackendError, err, "dialing backend for branch %q", branch)
		}
		return p.lease(branch, pc), nil

	case poolalgo.AcquireTransfer:
		if err := p.transfer(ctx, decision.Victim, branch); err != nil {
			p.log.Warn("steal failed, falling back to wait", "victim", decision.Victim, "target", branch, "error", err)
			return p.waitOrCreate(ctx, branch, target)
		}
		if pc, ok := target.TryAcquireIdle(); ok {
			return p.lease(branch, pc), nil
		}
		return p.waitOrCreate(ctx, branch, target)

	default: // AcquireWait
		return p.waitOrCreate(ctx, branch, target)
	}
}

// waitOrCreate is the fallback path when a planned action loses a race
// to a concurrent acquirer: enqueue as a FIFO waiter rather than
// re-running PlanAcquire, which could spin under contention.
func (p *Pool) waitOrCreate(ctx context.Context, branch string, b *block.Block) (*Lease, error) {
	pc, err := b.EnqueueWaiter(ctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, poolTimeoutErr(branch)
		}
		return nil, err
	}
	return p.lease(branch, pc), nil
}

// poolTimeoutErr reports spec.md §5/§7's PoolTimeout: a bounded Acquire
// wait (EffectiveAcquireTimeout) elapsed with neither an idle nor a
// transferable connection found, distinct from PoolExhausted.
func poolTimeoutErr(branch string) error {
	return gelerr.New(gelerr.KindPoolError, "timed out acquiring a connection for branch %q", branch).
		WithAttr("pool_error", "PoolTimeout")
}

// poolExhaustedErr reports spec.md §8's boundary: total_cap == 0 fails
// every Acquire immediately rather than queuing a waiter that could
// never be served.
func poolExhaustedErr(branch string) error {
	return gelerr.New(gelerr.KindPoolError, "pool exhausted for branch %q (total_cap=0)", branch).
		WithAttr("pool_error", "PoolExhausted")
}

func (p *Pool) lease(branch string, pc *block.PhysicalConn) *Lease {
	return &Lease{pool: p, branch: branch, conn: pc, start: time.Now()}
}

func (p *Pool) release(branch string, pc *block.PhysicalConn, heldFor time.Duration) {
	p.mu.RLock()
	b, ok := p.blocks[branch]
	p.mu.RUnlock()
	if !ok {
		pc.Conn().Close()
		return
	}
	b.Release(pc, heldFor)
}

// releaseDead discards a connection killed by a backend protocol error
// and, if a waiter is queued for this branch, dials a fresh replacement
// for it in the background rather than leaving the waiter stuck behind
// a connection count that Release never restores.
func (p *Pool) releaseDead(branch string, pc *block.PhysicalConn) {
	p.mu.RLock()
	b, ok := p.blocks[branch]
	p.mu.RUnlock()
	if !ok {
		pc.Conn().Close()
		return
	}

	needsReplacement := b.MarkDead(pc)
	if !needsReplacement {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := b.DialReplacement(ctx); err != nil {
			p.log.Warn("failed to dial replacement after dead connection", "branch", branch, "error", err)
		}
	}()
}

// transfer steals an idle connection from src and adopts it into dst.
func (p *Pool) transfer(ctx context.Context, src, dst string) error {
	p.mu.RLock()
	srcBlock, ok := p.blocks[src]
	dstBlock := p.blocks[dst]
	p.mu.RUnlock()
	if !ok || dstBlock == nil {
		return gelerr.New(gelerr.KindPoolError, "unknown block in transfer %s -> %s", src, dst)
	}

	pc, ok := srcBlock.StealIdle()
	if !ok {
		return gelerr.New(gelerr.KindPoolError, "no idle connection to steal from %s", src)
	}

	if err := pc.Conn().Reset(ctx); err != nil {
		p.log.Warn("reset failed during transfer, closing connection", "src", src, "dst", dst, "error", err)
		pc.Conn().Close()
		return err
	}
	dstBlock.AdoptTransferred(pc)
	return nil
}

// StartRebalancer runs PlanRebalance on the given tick and executes
// whatever Transfer operations it emits until Stop is called.
func (p *Pool) StartRebalancer(tick time.Duration) {
	if tick <= 0 {
		tick = 5 * time.Second
	}
	go func() {
		defer close(p.doneCh)
		t := time.NewTicker(tick)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				p.runRebalance()
			case <-p.stopCh:
				return
			}
		}
	}()
}

func (p *Pool) runRebalance() {
	ops := poolalgo.PlanRebalance(p.snapshotMetrics(), p.algoParams())
	for _, op := range ops {
		if op.Kind != poolalgo.OpTransfer {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := p.transfer(ctx, op.Src, op.Dst); err != nil {
			p.log.Debug("rebalance transfer skipped", "src", op.Src, "dst", op.Dst, "error", err)
		} else {
			p.log.Info("rebalanced connection", "src", op.Src, "dst", op.Dst)
		}
		cancel()
	}
}

// Stop halts the rebalancer (if started) and closes every block.
func (p *Pool) Stop() {
	select {
	case <-p.stopCh:
	default:
		close(p.stopCh)
	}

	p.mu.Lock()
	blocks := make([]*block.Block, 0, len(p.blocks))
	for _, b := range p.blocks {
		blocks = append(blocks, b)
	}
	p.mu.Unlock()

	for _, b := range blocks {
		b.Close()
	}
}

// Stats returns a snapshot of every block's demand metrics, keyed by
// branch name, for internal/metrics and internal/api to report.
func (p *Pool) Stats() map[string]poolalgo.BlockMetrics {
	return p.snapshotMetrics()
}

// DrainBranch closes a single branch's block, e.g. before removing it
// from the router.
func (p *Pool) DrainBranch(branch string) {
	p.mu.Lock()
	b, ok := p.blocks[branch]
	if ok {
		delete(p.blocks, branch)
	}
	p.mu.Unlock()
	if ok {
		b.Close()
	}
}

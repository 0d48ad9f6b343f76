// Package block implements ConnectionBlock (spec.md §3, §4.4): the set
// of backend connections pinned to one logical branch, its waiter FIFO,
// and the demand metrics PoolAlgorithm reasons about.
package block

import (
	"container/list"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/geldata/gelsrv/internal/backend"
	"github.com/geldata/gelsrv/internal/config"
	"github.com/geldata/gelsrv/internal/gelerr"
	"github.com/geldata/gelsrv/internal/poolalgo"
)

// ConnState is the PhysicalConn state machine of spec.md §3:
// Connecting -> Idle -> InUse -> Idle -> Reconnecting -> Idle (on
// transfer), any -> Closing -> Dead.
type ConnState int

const (
	StateConnecting ConnState = iota
	StateIdle
	StateInUse
	StateReconnecting
	StateClosing
	StateDead
)

var connIDSeq uint64

// PhysicalConn is one backend connection, owned by exactly one
// ConnectionBlock at a time.
type PhysicalConn struct {
	ID         uint64
	mu         sync.Mutex
	state      ConnState
	block      string
	conn       backend.Conn
	acquiredAt time.Time
	idleSince  time.Time
	// SessionStateID records which session.State was last materialized
	// into this connection, so the frontend knows whether it must
	// re-send a RESET/re-materialize before reuse by a different
	// session.
	SessionStateID uint64
}

func newPhysicalConn(blockName string, c backend.Conn) *PhysicalConn {
	return &PhysicalConn{
		ID:        atomic.AddUint64(&connIDSeq, 1),
		state:     StateConnecting,
		block:     blockName,
		conn:      c,
		idleSince: time.Now(),
	}
}

// Conn returns the underlying backend connection.
func (pc *PhysicalConn) Conn() backend.Conn { return pc.conn }

// Block returns the name of the block this connection currently belongs to.
func (pc *PhysicalConn) Block() string {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.block
}

// State returns the current connection state.
func (pc *PhysicalConn) State() ConnState {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.state
}

func (pc *PhysicalConn) markIdle() {
	pc.mu.Lock()
	pc.state = StateIdle
	pc.idleSince = time.Now()
	pc.mu.Unlock()
}

func (pc *PhysicalConn) markInUse() {
	pc.mu.Lock()
	pc.state = StateInUse
	pc.acquiredAt = time.Now()
	pc.mu.Unlock()
}

func (pc *PhysicalConn) idleAge() time.Duration {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.state != StateIdle {
		return 0
	}
	return time.Since(pc.idleSince)
}

// waiter is one FIFO entry for a goroutine blocked in Acquire waiting
// for an idle or transferred connection.
type waiter struct {
	resultCh chan waitResult
}

type waitResult struct {
	conn *PhysicalConn
	err  error
}

// Block owns a set of backend connections for a single logical branch
// (ConnectionBlock in spec.md vocabulary; renamed to avoid stuttering
// with the package name).
type Block struct {
	name   string
	driver backend.Driver
	cfg    config.BranchConfig

	mu           sync.Mutex
	idle         []*PhysicalConn
	inUse        map[uint64]*PhysicalConn
	waiters      *list.List // of *waiter
	connCount    int
	ewmaDemand   float64
	avgHold      time.Duration
	lastActivity time.Time
	closed       bool
}

// New creates a ConnectionBlock for one branch. No connections are
// created eagerly; they're dialed on demand by Create.
func New(name string, cfg config.BranchConfig, driver backend.Driver) *Block {
	return &Block{
		name:         name,
		driver:       driver,
		cfg:          cfg,
		inUse:        make(map[uint64]*PhysicalConn),
		waiters:      list.New(),
		lastActivity: time.Now(),
	}
}

// Name returns the branch name this block serves.
func (b *Block) Name() string { return b.name }

// Config returns the branch configuration this block was created with.
func (b *Block) Config() config.BranchConfig { return b.cfg }

// TryAcquireIdle pops and returns one idle connection if any exists.
func (b *Block) TryAcquireIdle() (*PhysicalConn, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.popIdleLocked()
}

func (b *Block) popIdleLocked() (*PhysicalConn, bool) {
	if len(b.idle) == 0 {
		return nil, false
	}
	pc := b.idle[0]
	b.idle = b.idle[1:]
	b.inUse[pc.ID] = pc
	pc.markInUse()
	return pc, true
}

// Create dials a brand-new connection into this block and marks it
// InUse, matching PlanAcquire's AcquireCreate decision.
func (b *Block) Create(ctx context.Context) (*PhysicalConn, error) {
	conn, err := b.driver.Dial(ctx, b.cfg)
	if err != nil {
		return nil, err
	}
	pc := newPhysicalConn(b.name, conn)
	pc.markInUse()

	b.mu.Lock()
	b.connCount++
	b.inUse[pc.ID] = pc
	b.mu.Unlock()
	return pc, nil
}

// EnqueueWaiter registers the caller as a FIFO waiter and blocks until a
// connection is handed to it, the context is cancelled, or the block is
// closed.
func (b *Block) EnqueueWaiter(ctx context.Context) (*PhysicalConn, error) {
	w := &waiter{resultCh: make(chan waitResult, 1)}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, gelerr.New(gelerr.KindPoolError, "block %s is closed", b.name)
	}
	elem := b.waiters.PushBack(w)
	b.mu.Unlock()

	select {
	case res := <-w.resultCh:
		return res.conn, res.err
	case <-ctx.Done():
		b.mu.Lock()
		b.waiters.Remove(elem)
		b.mu.Unlock()
		return nil, ctx.Err()
	}
}

// Release returns conn to the idle pool, handing it directly to the
// head waiter if one exists (spec.md §4.4: release-with-waiters hands
// the connection directly without round-tripping through Idle).
// heldFor is used to update avg_hold_ns/ewma_demand.
func (b *Block) Release(pc *PhysicalConn, heldFor time.Duration) {
	b.mu.Lock()
	delete(b.inUse, pc.ID)
	b.updateDemandLocked(heldFor)
	b.lastActivity = time.Now()

	if front := b.waiters.Front(); front != nil {
		b.waiters.Remove(front)
		w := front.Value.(*waiter)
		b.inUse[pc.ID] = pc
		pc.markInUse()
		b.mu.Unlock()
		w.resultCh <- waitResult{conn: pc}
		return
	}

	pc.markIdle()
	b.idle = append(b.idle, pc)
	b.mu.Unlock()
}

// MarkDead kills pc after a fatal backend protocol error instead of
// recycling it through Release (spec.md §7: backend protocol errors
// transition the PhysicalConn to Dead; the pool replaces it rather than
// resuming this one). Returns true if a waiter is queued and needs a
// freshly dialed replacement.
func (b *Block) MarkDead(pc *PhysicalConn) bool {
	pc.mu.Lock()
	pc.state = StateDead
	pc.mu.Unlock()
	pc.conn.Close()

	b.mu.Lock()
	delete(b.inUse, pc.ID)
	b.connCount--
	b.lastActivity = time.Now()
	hasWaiter := b.waiters.Len() > 0
	b.mu.Unlock()
	return hasWaiter
}

// DialReplacement dials a fresh connection to replace one just marked
// Dead, handing it directly to the oldest waiter if one is queued
// (mirrors AdoptTransferred, but the connection is sourced from a fresh
// Dial instead of a cross-block steal).
func (b *Block) DialReplacement(ctx context.Context) error {
	conn, err := b.driver.Dial(ctx, b.cfg)
	if err != nil {
		return err
	}
	pc := newPhysicalConn(b.name, conn)

	b.mu.Lock()
	b.connCount++
	if front := b.waiters.Front(); front != nil {
		b.waiters.Remove(front)
		w := front.Value.(*waiter)
		b.inUse[pc.ID] = pc
		pc.markInUse()
		b.mu.Unlock()
		w.resultCh <- waitResult{conn: pc}
		return nil
	}
	pc.markIdle()
	b.idle = append(b.idle, pc)
	b.mu.Unlock()
	return nil
}

func (b *Block) updateDemandLocked(heldFor time.Duration) {
	const alpha = 0.2 // exponential smoothing factor
	if b.avgHold == 0 {
		b.avgHold = heldFor
	} else {
		b.avgHold = time.Duration(alpha*float64(heldFor) + (1-alpha)*float64(b.avgHold))
	}
	instantDemand := float64(len(b.inUse)+1) * float64(b.avgHold)
	if b.ewmaDemand == 0 {
		b.ewmaDemand = instantDemand
	} else {
		b.ewmaDemand = alpha*instantDemand + (1-alpha)*b.ewmaDemand
	}
}

// StealIdle removes and returns the oldest idle connection so it can be
// handed to AdoptTransferred for a cross-block transfer. Returns false if
// no idle connection is available.
func (b *Block) StealIdle() (*PhysicalConn, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.idle) == 0 {
		return nil, false
	}
	pc := b.idle[0]
	b.idle = b.idle[1:]
	b.connCount--
	pc.mu.Lock()
	pc.state = StateReconnecting
	pc.mu.Unlock()
	return pc, true
}

// AdoptTransferred takes ownership of a connection stolen from another
// block (Idle -> Reconnecting -> Idle transition completing here), per
// spec.md §3's PhysicalConn lifecycle. If there's a waiter, the
// connection is handed to it directly instead of resting idle.
func (b *Block) AdoptTransferred(pc *PhysicalConn) {
	b.mu.Lock()
	pc.mu.Lock()
	pc.block = b.name
	pc.mu.Unlock()

	if front := b.waiters.Front(); front != nil {
		b.waiters.Remove(front)
		w := front.Value.(*waiter)
		b.connCount++
		b.inUse[pc.ID] = pc
		pc.markInUse()
		b.mu.Unlock()
		w.resultCh <- waitResult{conn: pc}
		return
	}

	b.connCount++
	pc.markIdle()
	b.idle = append(b.idle, pc)
	b.mu.Unlock()
}

// Close closes every connection owned by this block, idle or in-use,
// and fails any pending waiters.
func (b *Block) Close() {
	b.mu.Lock()
	b.closed = true
	for e := b.waiters.Front(); e != nil; e = e.Next() {
		e.Value.(*waiter).resultCh <- waitResult{err: gelerr.New(gelerr.KindPoolError, "block %s closing", b.name)}
	}
	b.waiters.Init()

	for _, pc := range b.idle {
		pc.conn.Close()
	}
	b.idle = nil
	for _, pc := range b.inUse {
		pc.conn.Close()
	}
	b.inUse = make(map[uint64]*PhysicalConn)
	b.connCount = 0
	b.mu.Unlock()
}

// Metrics returns the current demand snapshot PoolAlgorithm consumes.
func (b *Block) Metrics() poolalgo.BlockMetrics {
	b.mu.Lock()
	defer b.mu.Unlock()

	oldestIdle := time.Duration(0)
	if len(b.idle) > 0 {
		oldestIdle = b.idle[0].idleAge()
	}

	return poolalgo.BlockMetrics{
		Name:          b.name,
		Connections:   b.connCount,
		Idle:          len(b.idle),
		Waiters:       b.waiters.Len(),
		AvgHold:       b.avgHold,
		EwmaDemand:    b.ewmaDemand,
		OldestIdleAge: oldestIdle,
		LastActivity:  time.Since(b.lastActivity),
	}
}

// WaiterCount returns the number of goroutines currently waiting.
func (b *Block) WaiterCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.waiters.Len()
}

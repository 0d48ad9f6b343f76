// Package poolalgo is the pure PoolAlgorithm planner of spec.md §4.5: a
// side-effect-free function from block metrics to acquire/release/
// rebalance decisions. It owns no state and performs no I/O — the
// caller (internal/pool.Pool) is responsible for executing
// whatever decision comes back and for reacquiring per-block locks
// before doing so.
package poolalgo

import (
	"sort"
	"time"
)

// BlockMetrics is the pure-planner view of one ConnectionBlock, matching
// the metrics ConnectionBlock.metrics() exports (spec.md §4.4).
type BlockMetrics struct {
	Name            string
	Connections     int
	Idle            int
	Waiters         int
	AvgHold         time.Duration
	EwmaDemand      float64 // connections × avg_hold, exponentially smoothed
	OldestIdleAge   time.Duration
	LastActivity    time.Duration // time since last activity; informational only
}

// Params bundles the pool-wide constants the planner needs.
type Params struct {
	TotalCap      int
	HoldFloor     time.Duration
	ReconnectCost time.Duration
}

func (p Params) stealFloor() time.Duration {
	if p.HoldFloor > p.ReconnectCost {
		return p.HoldFloor
	}
	return p.ReconnectCost
}

// demand is demand(b) from spec.md §4.5: connections × avg hold time,
// smoothed.
func demand(b BlockMetrics) float64 { return b.EwmaDemand }

// baseline is the "no pressure" database-time baseline connections(b) ×
// avg_hold_ns(b) that demand is compared against.
func baseline(b BlockMetrics) float64 {
	return float64(b.Connections) * float64(b.AvgHold)
}

// Hungry classifies a block per spec.md §4.5.
func Hungry(b BlockMetrics) bool {
	return b.Waiters > 0 || demand(b) > baseline(b)
}

// Overfull classifies a block per spec.md §4.5. The anti-thrash guard
// (oldest_idle_age >= max(hold_floor, reconnect_cost)) is folded in here
// so any block this function returns true for is always a legal steal
// source.
func Overfull(b BlockMetrics, p Params) bool {
	return b.Idle > 0 && demand(b) < baseline(b) && b.OldestIdleAge >= p.stealFloor()
}

// AcquireAction is the decision PlanAcquire returns for a new acquire
// request against a target block.
type AcquireAction int

const (
	// AcquireUseIdle means the target block already has an idle
	// connection; the pool should hand it out inline with no Plan entry.
	AcquireUseIdle AcquireAction = iota
	// AcquireCreate means the pool is under total_cap; create a new
	// connection in the target block.
	AcquireCreate
	// AcquireTransfer means steal a connection from Victim.
	AcquireTransfer
	// AcquireWait means no idle/creatable/stealable connection exists;
	// the caller must enqueue a waiter.
	AcquireWait
)

// AcquireDecision is PlanAcquire's output.
type AcquireDecision struct {
	Action AcquireAction
	Victim string // set iff Action == AcquireTransfer
}

// PlanAcquire implements spec.md §4.5 "Acquire-hot-path" for a new
// acquire against block `target`. blocks must include an entry for
// target (zero-valued if previously unseen).
func PlanAcquire(blocks map[string]BlockMetrics, target string, p Params) AcquireDecision {
	b := blocks[target]
	if b.Idle > 0 {
		return AcquireDecision{Action: AcquireUseIdle}
	}

	total := 0
	for _, m := range blocks {
		total += m.Connections
	}
	if total < p.TotalCap {
		return AcquireDecision{Action: AcquireCreate}
	}

	if victim, ok := selectVictim(blocks, target, p); ok {
		return AcquireDecision{Action: AcquireTransfer, Victim: victim}
	}
	return AcquireDecision{Action: AcquireWait}
}

// selectVictim picks the overfull block maximizing (oldest_idle_age,
// -demand), tie-breaking by block name for determinism.
func selectVictim(blocks map[string]BlockMetrics, exclude string, p Params) (string, bool) {
	var best BlockMetrics
	found := false
	for name, b := range blocks {
		if name == exclude || !Overfull(b, p) {
			continue
		}
		if !found || better(b, best) {
			best, found = b, true
		}
	}
	return best.Name, found
}

// better reports whether a beats b as a steal victim: larger
// oldest_idle_age wins, ties broken by smaller demand, further ties
// broken by lexicographically smaller name.
func better(a, b BlockMetrics) bool {
	if a.OldestIdleAge != b.OldestIdleAge {
		return a.OldestIdleAge > b.OldestIdleAge
	}
	if a.EwmaDemand != b.EwmaDemand {
		return a.EwmaDemand < b.EwmaDemand
	}
	return a.Name < b.Name
}

// ReleaseAction is the decision PlanRelease returns when a connection
// held by block `from` is released.
type ReleaseAction int

const (
	// ReleaseHandToWaiter means hand the connection directly to the head
	// waiter of `from` without round-tripping through Idle.
	ReleaseHandToWaiter ReleaseAction = iota
	// ReleaseKeepIdle means leave the connection idle in `from`.
	ReleaseKeepIdle
	// ReleaseTransferTo means move the connection to Target, which has
	// waiters and is hungrier than `from`.
	ReleaseTransferTo
)

// ReleaseDecision is PlanRelease's output.
type ReleaseDecision struct {
	Action ReleaseAction
	Target string // set iff Action == ReleaseTransferTo
}

// PlanRelease implements spec.md §4.5 "Release".
func PlanRelease(blocks map[string]BlockMetrics, from string, p Params) ReleaseDecision {
	b := blocks[from]
	if b.Waiters > 0 {
		return ReleaseDecision{Action: ReleaseHandToWaiter}
	}
	if Hungry(b) {
		return ReleaseDecision{Action: ReleaseKeepIdle}
	}

	if target, ok := selectHungriestWaiting(blocks, from); ok {
		return ReleaseDecision{Action: ReleaseTransferTo, Target: target}
	}
	return ReleaseDecision{Action: ReleaseKeepIdle}
}

// selectHungriestWaiting picks the hungriest block with at least one
// waiter, tie-breaking by name.
func selectHungriestWaiting(blocks map[string]BlockMetrics, exclude string) (string, bool) {
	var best BlockMetrics
	found := false
	for name, b := range blocks {
		if name == exclude || b.Waiters == 0 {
			continue
		}
		if !found || deficit(b) > deficit(best) || (deficit(b) == deficit(best) && b.Name < best.Name) {
			best, found = b, true
		}
	}
	return best.Name, found
}

// deficit is how far a block's demand exceeds its current baseline —
// the ranking key for "most in need of another connection."
func deficit(b BlockMetrics) float64 { return demand(b) - baseline(b) }

// OpKind tags one step of a rebalance Plan.
type OpKind int

const (
	OpTransfer OpKind = iota
	OpCreate
	OpClose
)

// Op is one rebalance-plan operation. Src/Dst are block names; Close
// operations only set Src (the block to close a connection in).
type Op struct {
	Kind     OpKind
	Src, Dst string
}

// PlanRebalance implements spec.md §4.5's periodic rebalance: sort
// hungry blocks by descending demand deficit and overfull blocks by
// descending oldest_idle_age, then pair them off emitting
// Transfer(overfull, hungry) until one list empties.
func PlanRebalance(blocks map[string]BlockMetrics, p Params) []Op {
	hungry := make([]BlockMetrics, 0)
	overfull := make([]BlockMetrics, 0)
	for _, b := range blocks {
		if Hungry(b) {
			hungry = append(hungry, b)
		} else if Overfull(b, p) {
			overfull = append(overfull, b)
		}
	}

	sort.Slice(hungry, func(i, j int) bool {
		di, dj := deficit(hungry[i]), deficit(hungry[j])
		if di != dj {
			return di > dj
		}
		return hungry[i].Name < hungry[j].Name
	})
	sort.Slice(overfull, func(i, j int) bool {
		if overfull[i].OldestIdleAge != overfull[j].OldestIdleAge {
			return overfull[i].OldestIdleAge > overfull[j].OldestIdleAge
		}
		return overfull[i].Name < overfull[j].Name
	})

	n := len(hungry)
	if len(overfull) < n {
		n = len(overfull)
	}

	ops := make([]Op, 0, n)
	for i := 0; i < n; i++ {
		if overfull[i].Name == hungry[i].Name {
			continue // a block can't be its own rebalance target
		}
		ops = append(ops, Op{Kind: OpTransfer, Src: overfull[i].Name, Dst: hungry[i].Name})
	}
	return ops
}

package pool

import (
	"context"
	"testing"
	"time"

	"github.com/geldata/gelsrv/internal/backend"
	"github.com/geldata/gelsrv/internal/config"
	"github.com/geldata/gelsrv/internal/router"
)

type fakeConn struct{ closed bool }

func (f *fakeConn) Send(ctx context.Context, sql string, args [][]byte) error { return nil }
func (f *fakeConn) Recv(ctx context.Context) (backend.Result, error)          { return backend.Result{Done: true}, nil }
func (f *fakeConn) Cancel() error                                             { return nil }
func (f *fakeConn) Close() error                                              { f.closed = true; return nil }
func (f *fakeConn) Reset(ctx context.Context) error                          { return nil }

type fakeDriver struct{ dialed int }

func (d *fakeDriver) Dial(ctx context.Context, b config.BranchConfig) (backend.Conn, error) {
	d.dialed++
	return &fakeConn{}, nil
}

func testRouter(t *testing.T, branches ...string) *router.Router {
	t.Helper()
	cfg := &config.Config{
		Defaults: config.PoolDefaults{TotalCap: 8, HoldFloor: time.Millisecond, ReconnectCost: time.Millisecond},
		Branches: make(map[string]config.BranchConfig),
	}
	for _, b := range branches {
		cfg.Branches[b] = config.BranchConfig{Host: "localhost", Port: 5432, DBName: b}
	}
	return router.New(cfg)
}

func TestAcquireCreatesOnFirstUse(t *testing.T) {
	drv := &fakeDriver{}
	p := New(testRouter(t, "main"), drv, nil)

	lease, err := p.Acquire(context.Background(), "main")
	if err != nil {
		t.Fatal(err)
	}
	if drv.dialed != 1 {
		t.Fatalf("expected one dial, got %d", drv.dialed)
	}
	lease.Release()

	stats := p.Stats()
	if stats["main"].Connections != 1 {
		t.Fatalf("expected 1 connection tracked, got %+v", stats["main"])
	}
}

func TestAcquireReusesIdleConnection(t *testing.T) {
	drv := &fakeDriver{}
	p := New(testRouter(t, "main"), drv, nil)

	l1, err := p.Acquire(context.Background(), "main")
	if err != nil {
		t.Fatal(err)
	}
	l1.Release()

	l2, err := p.Acquire(context.Background(), "main")
	if err != nil {
		t.Fatal(err)
	}
	l2.Release()

	if drv.dialed != 1 {
		t.Fatalf("expected exactly one dial across two acquires, got %d", drv.dialed)
	}
}

func TestAcquireRejectsPausedBranch(t *testing.T) {
	drv := &fakeDriver{}
	r := testRouter(t, "main")
	r.PauseBranch("main")
	p := New(r, drv, nil)

	if _, err := p.Acquire(context.Background(), "main"); err == nil {
		t.Fatal("expected an error acquiring against a paused branch")
	}
}

func TestAcquireUnknownBranchFails(t *testing.T) {
	p := New(testRouter(t), &fakeDriver{}, nil)
	if _, err := p.Acquire(context.Background(), "ghost"); err == nil {
		t.Fatal("expected an error for an unregistered branch")
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	drv := &fakeDriver{}
	p := New(testRouter(t, "main"), drv, nil)

	lease, err := p.Acquire(context.Background(), "main")
	if err != nil {
		t.Fatal(err)
	}
	lease.Release()
	lease.Release() // must not panic or double-count

	stats := p.Stats()
	if stats["main"].Idle != 1 {
		t.Fatalf("expected exactly 1 idle connection after idempotent release, got %+v", stats["main"])
	}
}

func TestDrainBranchClosesItsBlock(t *testing.T) {
	drv := &fakeDriver{}
	p := New(testRouter(t, "main"), drv, nil)

	lease, err := p.Acquire(context.Background(), "main")
	if err != nil {
		t.Fatal(err)
	}
	lease.Release()

	p.DrainBranch("main")

	stats := p.Stats()
	if _, ok := stats["main"]; ok {
		t.Fatal("expected the branch's block to be gone after draining")
	}
}

func TestStopClosesAllBlocks(t *testing.T) {
	drv := &fakeDriver{}
	p := New(testRouter(t, "a", "b"), drv, nil)

	la, err := p.Acquire(context.Background(), "a")
	if err != nil {
		t.Fatal(err)
	}
	la.Release()
	lb, err := p.Acquire(context.Background(), "b")
	if err != nil {
		t.Fatal(err)
	}
	lb.Release()

	p.Stop() // must not hang or panic
}

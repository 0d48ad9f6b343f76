package block

import (
	"context"
	"testing"
	"time"

	"github.com/geldata/gelsrv/internal/backend"
	"github.com/geldata/gelsrv/internal/config"
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

func TestCreateThenReleaseGoesIdle(t *testing.T) {
	drv := &fakeDriver{}
	b := New("main", config.BranchConfig{}, drv)

	pc, err := b.Create(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	b.Release(pc, 10*time.Millisecond)

	m := b.Metrics()
	if m.Idle != 1 || m.Connections != 1 {
		t.Fatalf("expected 1 idle of 1 total, got %+v", m)
	}

	got, ok := b.TryAcquireIdle()
	if !ok || got != pc {
		t.Fatalf("expected to reacquire the same connection")
	}
}

func TestReleaseHandsDirectlyToWaiter(t *testing.T) {
	drv := &fakeDriver{}
	b := New("main", config.BranchConfig{}, drv)

	pc, err := b.Create(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	resultCh := make(chan *PhysicalConn, 1)
	go func() {
		got, err := b.EnqueueWaiter(context.Background())
		if err != nil {
			t.Error(err)
			return
		}
		resultCh <- got
	}()

	// Give the waiter goroutine a chance to enqueue.
	for b.WaiterCount() == 0 {
		time.Sleep(time.Millisecond)
	}

	b.Release(pc, time.Millisecond)

	select {
	case got := <-resultCh:
		if got != pc {
			t.Fatal("waiter did not receive the released connection")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter never received a connection")
	}

	m := b.Metrics()
	if m.Idle != 0 {
		t.Fatalf("connection handed to waiter should not appear idle, got %+v", m)
	}
}

func TestEnqueueWaiterRespectsCancellation(t *testing.T) {
	b := New("main", config.BranchConfig{}, &fakeDriver{})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := b.EnqueueWaiter(ctx)
	if err == nil {
		t.Fatal("expected context deadline error")
	}
}

func TestCloseFailsPendingWaiters(t *testing.T) {
	b := New("main", config.BranchConfig{}, &fakeDriver{})

	errCh := make(chan error, 1)
	go func() {
		_, err := b.EnqueueWaiter(context.Background())
		errCh <- err
	}()

	for b.WaiterCount() == 0 {
		time.Sleep(time.Millisecond)
	}
	b.Close()

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("expected an error for a waiter on a closed block")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was never woken by Close")
	}
}

func TestStealIdleAndAdoptTransferred(t *testing.T) {
	src := New("A", config.BranchConfig{}, &fakeDriver{})
	dst := New("B", config.BranchConfig{}, &fakeDriver{})

	pc, err := src.Create(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	src.Release(pc, time.Millisecond)

	stolen, ok := src.StealIdle()
	if !ok {
		t.Fatal("expected to steal the idle connection")
	}
	if src.Metrics().Connections != 0 {
		t.Fatalf("source block should have released ownership, got %+v", src.Metrics())
	}

	dst.AdoptTransferred(stolen)
	if dst.Metrics().Idle != 1 {
		t.Fatalf("destination block should show the connection idle, got %+v", dst.Metrics())
	}
	if stolen.Block() != "B" {
		t.Fatalf("connection should now report block B, got %s", stolen.Block())
	}
}

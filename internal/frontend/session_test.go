package frontend

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/geldata/gelsrv/internal/backend"
	"github.com/geldata/gelsrv/internal/cache"
	"github.com/geldata/gelsrv/internal/compiler"
	"github.com/geldata/gelsrv/internal/config"
	"github.com/geldata/gelsrv/internal/pool"
	"github.com/geldata/gelsrv/internal/router"
	"github.com/geldata/gelsrv/internal/wire"
)

var errBackendFailure = errors.New("simulated backend failure")

// fakeConn is an in-memory backend.Conn standing in for PostgreSQL: it
// answers "select 1" and "select Post limit <int64>$n" with one row and
// everything else with a generic command-complete, and simulates a
// backend failure for "fail".
type fakeConn struct {
	pending []backend.Result
	idx     int
	closed  bool
}

func (c *fakeConn) Send(ctx context.Context, sql string, args [][]byte) error {
	switch {
	case sql == "/* compiled */ select 1":
		c.pending = []backend.Result{
			{Rows: [][]byte{{0, 0, 0, 1}}},
			{Status: "SELECT", Done: true},
		}
	case sql == "/* compiled */ select Post limit <int64>$n":
		c.pending = []backend.Result{
			{Rows: [][]byte{{0, 0, 0, 1}}},
			{Status: "SELECT", Done: true},
		}
	case sql == "/* compiled */ fail":
		c.pending = nil
		return errBackendFailure
	default:
		c.pending = []backend.Result{{Status: "OK", Done: true}}
	}
	c.idx = 0
	return nil
}

func (c *fakeConn) Recv(ctx context.Context) (backend.Result, error) {
	if c.idx >= len(c.pending) {
		return backend.Result{}, nil
	}
	r := c.pending[c.idx]
	c.idx++
	return r, nil
}

func (c *fakeConn) Cancel() error                   { return nil }
func (c *fakeConn) Close() error                    { c.closed = true; return nil }
func (c *fakeConn) Reset(ctx context.Context) error { return nil }

type fakeDriver struct{}

func (fakeDriver) Dial(ctx context.Context, b config.BranchConfig) (backend.Conn, error) {
	return &fakeConn{}, nil
}

func testDeps(t *testing.T) Deps {
	t.Helper()
	cfg := &config.Config{
		Defaults: config.PoolDefaults{TotalCap: 4, HoldFloor: time.Second, ReconnectCost: 500 * time.Millisecond},
		Branches: map[string]config.BranchConfig{
			"main": {Host: "localhost", Port: 5432, DBName: "main", Username: "edgedb"},
		},
	}
	r := router.New(cfg)
	p := pool.New(r, fakeDriver{}, nil)

	c, err := cache.New(64, &compiler.Gateway{SchemaVersion: func() uint64 { return 1 }})
	if err != nil {
		t.Fatalf("building cache: %v", err)
	}

	return Deps{Cache: c, Pool: p, SchemaVersion: func() uint64 { return 1 }}
}

// clientHandshakePayload builds a minimal ClientHandshake for tests.
func clientHandshakePayload(params map[string]string) []byte {
	w := &byteWriter{}
	w.WriteU16(ProtocolMajor)
	w.WriteU16(ProtocolMinor)
	w.WriteMap(params)
	w.WriteU32(0) // no auth extensions
	return w.Bytes()
}

func executePayload(query string, allowedCaps uint64) []byte {
	w := &byteWriter{}
	w.WriteMap(nil)
	w.WriteU64(allowedCaps)
	w.WriteU64(0)
	w.WriteU64(0)
	w.WriteU8(0)
	w.WriteU8(0)
	w.WriteU8(0)
	w.WriteString(query)
	w.WriteU64(0)
	w.WriteBytes(nil)
	w.WriteBytes(make([]byte, 16)) // input type id
	w.WriteBytes(make([]byte, 16)) // output type id
	w.WriteMap(nil)
	return w.Bytes()
}

// runHandshake drives a fresh session through handshake on one end of a
// net.Pipe and returns the other end's decoder/encoder for the test to
// drive as "the client".
func runHandshake(t *testing.T, deps Deps) (client net.Conn, dec *wire.Decoder, enc *wire.Encoder, done chan error) {
	t.Helper()
	serverConn, clientConn := net.Pipe()
	sess := NewSession(serverConn, deps)
	done = make(chan error, 1)
	go func() { done <- sess.Run(context.Background()) }()

	dec = wire.NewDecoder(clientConn)
	enc = wire.NewEncoder(clientConn)

	enc.Write(wire.KindClientHandshake, clientHandshakePayload(map[string]string{"branch": "main"}))
	enc.Flush()

	mustNextKind(t, dec, wire.KindServerHandshake)
	mustNextKind(t, dec, wire.KindAuthenticationRequired)

	enc.Write(wire.KindAuthenticationResp, (&byteWriter{}).bytesMsg(nil))
	enc.Flush()

	mustNextKind(t, dec, wire.KindAuthenticationOk)
	mustNextKind(t, dec, wire.KindParameterStatus)
	mustNextKind(t, dec, wire.KindReadyForCommand)

	return clientConn, dec, enc, done
}

func (w *byteWriter) bytesMsg(b []byte) []byte {
	w.WriteBytes(b)
	return w.Bytes()
}

func mustNextKind(t *testing.T, dec *wire.Decoder, want wire.Kind) wire.Message {
	t.Helper()
	msg, err := dec.Next()
	if err != nil {
		t.Fatalf("reading message: %v", err)
	}
	if msg.Kind != want {
		t.Fatalf("expected kind %q, got %q", want, msg.Kind)
	}
	return msg
}

func TestHappyPathSelect1(t *testing.T) {
	deps := testDeps(t)
	client, dec, enc, done := runHandshake(t, deps)
	defer client.Close()

	enc.Write(wire.KindExecute, executePayload("select 1", uint64(cache.CapRead)))
	enc.Flush()

	mustNextKind(t, dec, wire.KindCommandDataDescription)
	mustNextKind(t, dec, wire.KindData)
	mustNextKind(t, dec, wire.KindCommandComplete)

	enc.Write(wire.KindSync, nil)
	enc.Flush()
	mustNextKind(t, dec, wire.KindReadyForCommand)

	enc.Write(wire.KindTerminate, nil)
	enc.Flush()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not terminate")
	}
}

func TestCapabilityRejection(t *testing.T) {
	deps := testDeps(t)
	client, dec, enc, _ := runHandshake(t, deps)
	defer client.Close()

	// "create type Foo{}" classifies as DDL; only READ|WRITE allowed here.
	enc.Write(wire.KindExecute, executePayload("create type Foo{}", uint64(cache.CapRead|cache.CapWrite)))
	enc.Flush()

	msg := mustNextKind(t, dec, wire.KindErrorResponse)
	if len(msg.Payload) == 0 {
		t.Fatal("expected a populated ErrorResponse payload")
	}

	enc.Write(wire.KindSync, nil)
	enc.Flush()
	mustNextKind(t, dec, wire.KindReadyForCommand)
}

func TestCacheRedirectOnLimitVar(t *testing.T) {
	deps := testDeps(t)
	client, dec, enc, _ := runHandshake(t, deps)
	defer client.Close()

	query := "select Post limit <int64>$n"
	enc.Write(wire.KindExecute, executePayload(query, uint64(cache.CapRead)))
	enc.Flush()
	mustNextKind(t, dec, wire.KindCommandDataDescription)
	mustNextKind(t, dec, wire.KindData)
	mustNextKind(t, dec, wire.KindCommandComplete)
	enc.Write(wire.KindSync, nil)
	enc.Flush()
	mustNextKind(t, dec, wire.KindReadyForCommand)

	if deps.Cache.Len() == 0 {
		t.Fatal("expected the redirect + second-level entry to be cached")
	}
}

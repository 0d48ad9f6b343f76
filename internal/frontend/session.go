package frontend

import (
	"context"
	"log/slog"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/geldata/gelsrv/internal/cache"
	"github.com/geldata/gelsrv/internal/gelerr"
	"github.com/geldata/gelsrv/internal/metrics"
	"github.com/geldata/gelsrv/internal/pool"
	"github.com/geldata/gelsrv/internal/session"
	"github.com/geldata/gelsrv/internal/wire"
)

// fsmState is the FrontendSession state machine of spec.md §4.7.
type fsmState int

const (
	stateNew fsmState = iota
	stateHandshakeWait
	stateAuthWait
	stateReady
	stateExecuting
	stateReadyForSync
	stateClosing
)

// ProtocolMajor/ProtocolMinor freeze the one protocol version this core
// speaks, per spec.md §9's Open Question: cross-version negotiation is
// a separate concern this core doesn't implement.
const (
	ProtocolMajor uint16 = 2
	ProtocolMinor uint16 = 0
)

// Deps bundles the shared subsystems a Session needs: the query cache
// (with its CompilerGateway already wired in), the connection pool, and
// the ambient logger/metrics. One Deps is shared by every Session the
// listener accepts.
type Deps struct {
	Cache         *cache.Cache
	Pool          *pool.Pool
	Metrics       *metrics.Collector
	Log           *slog.Logger
	SchemaVersion func() uint64
	// HandshakeTimeout bounds how long a client has to send a valid
	// ClientHandshake before the session is closed.
	HandshakeTimeout time.Duration
	// SessionIdleTimeout closes a session that sits outside a
	// transaction without sending a message for this long (spec.md §5).
	SessionIdleTimeout time.Duration
	// SessionIdleTransactionTimeout closes a session that sits inside an
	// open transaction without sending a message for this long.
	SessionIdleTransactionTimeout time.Duration
	// QueryExecutionTimeout bounds how long a single Execute may run on
	// the backend before its context is cancelled.
	QueryExecutionTimeout time.Duration
}

// Session is one FrontendSession: the per-client state machine driving
// Parse/Execute/Sync over MessageCodec, QueryCache, ConnectionPool, and
// SessionState (spec.md §3, §4.7).
type Session struct {
	deps Deps
	conn net.Conn
	dec  *wire.Decoder
	enc  *wire.Encoder
	log  *slog.Logger

	state         fsmState
	branch        string
	sessionState  *session.State
	lease         *pool.Lease
	authenticated bool
}

// NewSession wraps an accepted connection. Run drives it to completion.
func NewSession(conn net.Conn, deps Deps) *Session {
	log := deps.Log
	if log == nil {
		log = slog.Default()
	}
	return &Session{
		deps: deps,
		conn: conn,
		dec:  wire.NewDecoder(conn),
		enc:  wire.NewEncoder(conn),
		log:  log.With("remote", conn.RemoteAddr().String()),
		state: stateNew,
	}
}

// Run drives the session to completion: handshake, then the
// Parse/Execute/Sync loop, until Terminate, a fatal error, or ctx is
// cancelled. The session's lifetime strictly encloses its one child
// task (this goroutine performs both codec reads and backend queries
// sequentially, per spec.md §9's structured-concurrency requirement).
func (s *Session) Run(ctx context.Context) error {
	defer s.cleanup()

	if s.deps.Metrics != nil {
		s.deps.Metrics.SessionOpened()
	}

	if err := s.handshake(ctx); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		s.applyIdleDeadline()

		msg, err := s.dec.Next()
		if err != nil {
			return nil // client disconnect, or an idle/idle-transaction timeout, is not an error
		}

		err = s.dispatch(ctx, msg)
		if s.state == stateClosing {
			return err
		}
	}
}

// applyIdleDeadline sets the next-read deadline per spec.md §5: a
// session holding an open transaction gets
// SessionIdleTransactionTimeout, otherwise SessionIdleTimeout. Letting
// the deadline expire surfaces as a read error in Run's loop, which
// closes the session the same way a client disconnect does.
func (s *Session) applyIdleDeadline() {
	timeout := s.deps.SessionIdleTimeout
	if s.sessionState != nil && s.sessionState.TxState != session.NotInTx {
		timeout = s.deps.SessionIdleTransactionTimeout
	}
	if timeout > 0 {
		s.conn.SetReadDeadline(time.Now().Add(timeout))
	} else {
		s.conn.SetReadDeadline(time.Time{})
	}
}

func (s *Session) cleanup() {
	s.releaseLease()
	if s.deps.Metrics != nil {
		s.deps.Metrics.SessionClosed()
	}
	s.conn.Close()
}

// handshake drives New -> HandshakeWait -> AuthWait -> Ready.
func (s *Session) handshake(ctx context.Context) error {
	s.state = stateHandshakeWait
	if s.deps.HandshakeTimeout > 0 {
		s.conn.SetReadDeadline(time.Now().Add(s.deps.HandshakeTimeout))
		defer s.conn.SetReadDeadline(time.Time{})
	}

	msg, err := s.dec.Next()
	if err != nil {
		return err
	}
	if msg.Kind != wire.KindClientHandshake {
		return s.fatal(gelerr.New(gelerr.KindProtocolError, "expected ClientHandshake, got kind %q", msg.Kind))
	}

	ch, err := decodeClientHandshake(msg.Payload)
	if err != nil {
		return s.fatal(gelerr.Wrap(gelerr.KindProtocolError, err, "decoding ClientHandshake"))
	}
	if ch.Major != ProtocolMajor {
		return s.fatal(gelerr.New(gelerr.KindProtocolError,
			"unsupported protocol version %d.%d", ch.Major, ch.Minor))
	}

	s.branch = ch.Params["branch"]
	if s.branch == "" {
		s.branch = ch.Params["database"]
	}
	if s.branch == "" {
		s.branch = "main"
	}

	s.enc.Write(wire.KindServerHandshake, encodeServerHandshake(ProtocolMajor, ProtocolMinor))

	s.state = stateAuthWait
	s.enc.Write(wire.KindAuthenticationRequired, encodeAuthenticationRequired(AuthMethodTrust, nil))
	s.enc.Flush()

	msg, err = s.dec.Next()
	if err != nil {
		return err
	}
	if msg.Kind != wire.KindAuthenticationResp {
		return s.fatal(gelerr.New(gelerr.KindAuthenticationError, "expected AuthenticationResponse"))
	}
	if _, err := decodeAuthenticationResponse(msg.Payload); err != nil {
		return s.fatal(gelerr.Wrap(gelerr.KindProtocolError, err, "decoding AuthenticationResponse"))
	}

	s.authenticated = true
	s.sessionState = session.New()

	s.enc.Write(wire.KindAuthenticationOk, nil)
	s.enc.Write(wire.KindParameterStatus, encodeParameterStatus("server_version", []byte("gelsrv")))
	s.enc.Write(wire.KindReadyForCommand, encodeReadyForCommand(s.sessionState.TxState.String()[0]))
	if err := s.enc.Flush(); err != nil {
		return err
	}

	s.state = stateReady
	return nil
}

func (s *Session) dispatch(ctx context.Context, msg wire.Message) error {
	switch msg.Kind {
	case wire.KindParse:
		return s.handleParse(ctx, msg.Payload)
	case wire.KindExecute:
		return s.handleExecute(ctx, msg.Payload)
	case wire.KindSync:
		return s.handleSync()
	case wire.KindFlush:
		return s.enc.Flush()
	case wire.KindTerminate:
		s.state = stateClosing
		return nil
	default:
		s.sendError(gelerr.New(gelerr.KindProtocolError, "unexpected message kind %q in state", msg.Kind))
		s.state = stateClosing
		return s.enc.Flush()
	}
}

// handleParse compiles (or hits cache for) a query without running it,
// returning just its CommandDataDescription.
func (s *Session) handleParse(ctx context.Context, payload []byte) error {
	qr, err := decodeQueryRequest(payload, false)
	if err != nil {
		s.sendError(gelerr.Wrap(gelerr.KindProtocolError, err, "decoding Parse"))
		return s.enc.Flush()
	}

	cq, err := s.compile(ctx, qr)
	if err != nil {
		s.sendError(err)
		return s.enc.Flush()
	}

	s.enc.Write(wire.KindCommandDataDescription, encodeCommandDataDescription(
		uint64(cq.Capabilities), uint8(cq.Cardinality), cq.InputTypeID, cq.OutputTypeID, nil, nil))
	return s.enc.Flush()
}

// handleExecute runs the full Execute cycle of spec.md §4.7: cache
// lookup/compile, capability enforcement, backend acquisition (or reuse
// of a transaction-pinned lease), row streaming, and state echo.
func (s *Session) handleExecute(ctx context.Context, payload []byte) error {
	s.state = stateExecuting
	start := time.Now()

	qr, err := decodeQueryRequest(payload, true)
	if err != nil {
		s.sendError(gelerr.Wrap(gelerr.KindProtocolError, err, "decoding Execute"))
		s.state = stateReadyForSync
		return s.enc.Flush()
	}

	if len(qr.StateData) > 0 || qr.StateTypeID != 0 {
		st, err := session.FromWire(session.StateTypeID(qr.StateTypeID), qr.StateData)
		if err != nil {
			s.sendError(err)
			s.state = stateReadyForSync
			return s.enc.Flush()
		}
		st.TxState = s.sessionState.TxState
		s.sessionState = st
	}

	isRollback := strings.HasPrefix(strings.ToLower(strings.TrimSpace(qr.CommandText)), "rollback")
	if err := s.sessionState.CheckExecutable(isRollback); err != nil {
		s.sendError(err)
		s.state = stateReadyForSync
		return s.enc.Flush()
	}

	cq, err := s.compile(ctx, qr)
	if err != nil {
		s.sendError(err)
		s.state = stateReadyForSync
		return s.enc.Flush()
	}

	allowed := cache.Capability(qr.AllowedCapabilities)
	if !allowed.Has(cq.Capabilities) {
		s.sendError(gelerr.New(gelerr.KindCapabilityError,
			"capability not permitted on this transport/session"))
		s.state = stateReadyForSync
		return s.enc.Flush()
	}

	rows, status, execErr := s.runOnBackend(ctx, cq)
	if execErr != nil {
		s.sessionState.Fail()
		s.sendBackendError(execErr)
		s.state = stateReadyForSync
		return s.enc.Flush()
	}

	if err := s.advanceTxState(cq, isRollback); err != nil {
		s.sendError(err)
		s.state = stateReadyForSync
		return s.enc.Flush()
	}
	if err := s.sessionState.Materialize(); err != nil {
		s.sendError(err)
		s.state = stateReadyForSync
		return s.enc.Flush()
	}

	s.enc.Write(wire.KindCommandDataDescription, encodeCommandDataDescription(
		uint64(cq.Capabilities), uint8(cq.Cardinality), cq.InputTypeID, cq.OutputTypeID, nil, nil))
	if len(rows) > 0 {
		s.enc.Write(wire.KindData, encodeData(rows))
	}
	s.enc.Write(wire.KindCommandComplete, encodeCommandComplete(
		uint64(cq.Capabilities), status, uint64(s.sessionState.TypeID()), s.sessionState.Blob()))

	if s.deps.Metrics != nil {
		s.deps.Metrics.QueryDuration(s.branch, time.Since(start))
	}
	s.state = stateReadyForSync
	return s.enc.Flush()
}

// advanceTxState applies the transaction-state transitions of spec.md
// §4.2/§4.6 based on the capability/shape of the query just executed.
// Returns a TransactionError for a nested START TRANSACTION or a START
// TRANSACTION issued against an already-aborted transaction (spec.md
// §7).
func (s *Session) advanceTxState(cq *cache.CompiledQuery, isRollback bool) error {
	lower := strings.ToLower(strings.TrimSpace(cq.SQL))
	switch {
	case cq.Capabilities.Has(cache.CapTransaction) && strings.Contains(lower, "start transaction"):
		return s.sessionState.BeginTx()
	case isRollback, strings.Contains(lower, "commit"):
		s.sessionState.EndTx()
		s.releaseLease()
	}
	return nil
}

// handleSync is the Sync-boundary visibility barrier of spec.md §5: it
// flushes all pending effects, releases the backend if the transaction
// has ended, and always reports the current transaction state.
func (s *Session) handleSync() error {
	if s.sessionState.TxState == session.NotInTx {
		s.releaseLease()
	}
	s.enc.Write(wire.KindReadyForCommand, encodeReadyForCommand(s.sessionState.TxState.String()[0]))
	s.state = stateReady
	return s.enc.Flush()
}

// compile resolves a queryRequest through the QueryCache, reporting hit/
// miss/redirect counters to metrics.
func (s *Session) compile(ctx context.Context, qr *queryRequest) (*cache.CompiledQuery, error) {
	schemaVersion := uint64(0)
	if s.deps.SchemaVersion != nil {
		schemaVersion = s.deps.SchemaVersion()
	}

	before := s.deps.Cache.Stats()
	cq, err := s.deps.Cache.Lookup(ctx, cache.Params{
		NormalizedQuery: qr.CommandText,
		ShapeHash:       shapeHash(qr.Annotations),
		OutputFormat:    qr.OutputFormat,
		ProtocolVersion: uint32(ProtocolMajor)<<16 | uint32(ProtocolMinor),
		SchemaVersion:   schemaVersion,
		Args:            qr.Arguments,
	})
	if s.deps.Metrics != nil {
		after := s.deps.Cache.Stats()
		s.deps.Metrics.CacheLookup("combined",
			after.Hits > before.Hits, after.Redirects > before.Redirects)
		s.deps.Metrics.SetCacheEntries(s.deps.Cache.Len())
	}
	return cq, err
}

// runOnBackend acquires (or reuses a transaction-pinned) backend
// connection, sends the compiled SQL, and drains rows until
// CommandComplete. Within a transaction, the identity of the
// PhysicalConn used is held constant across calls (spec.md §5).
func (s *Session) runOnBackend(ctx context.Context, cq *cache.CompiledQuery) ([][]byte, string, error) {
	lease, err := s.acquireForExecute(ctx)
	if err != nil {
		return nil, "", gelerr.Wrap(gelerr.KindPoolError, err, "acquiring backend connection")
	}

	if s.deps.QueryExecutionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.deps.QueryExecutionTimeout)
		defer cancel()
	}

	conn := lease.Conn()
	if err := conn.Send(ctx, cq.SQL, nil); err != nil {
		lease.ReleaseDead()
		if s.lease == lease {
			s.lease = nil
		}
		return nil, "", err
	}

	var rows [][]byte
	var status string
	for {
		res, err := conn.Recv(ctx)
		if err != nil {
			lease.ReleaseDead()
			if s.lease == lease {
				s.lease = nil
			}
			return nil, "", err
		}
		if len(res.Rows) > 0 {
			rows = append(rows, res.Rows...)
		}
		if res.Done {
			status = res.Status
			break
		}
	}

	if s.lease == nil {
		lower := strings.ToLower(strings.TrimSpace(cq.SQL))
		if cq.Capabilities.Has(cache.CapTransaction) && strings.Contains(lower, "start transaction") {
			// The backend transaction now lives on this connection: pin it
			// so every later statement of the transaction runs here too.
			s.lease = lease
		} else {
			lease.Release()
		}
	}
	return rows, status, nil
}

// acquireForExecute returns the pinned lease if a transaction is already
// in flight, otherwise acquires a fresh one for this single statement.
func (s *Session) acquireForExecute(ctx context.Context) (*pool.Lease, error) {
	if s.lease != nil {
		return s.lease, nil
	}
	lease, err := s.deps.Pool.Acquire(ctx, s.branch)
	if err != nil {
		if s.deps.Metrics != nil {
			s.deps.Metrics.PoolExhausted(s.branch)
		}
		return nil, err
	}
	if s.sessionState.TxState != session.NotInTx {
		s.lease = lease
	}
	return lease, nil
}

func (s *Session) releaseLease() {
	if s.lease != nil {
		s.lease.Release()
		s.lease = nil
	}
}

func (s *Session) sendError(err error) {
	e := gelerr.KindOf(err)
	s.enc.Write(wire.KindErrorResponse, encodeErrorResponse(SeverityError, e.Code(), err.Error(), nil))
}

// sendBackendError surfaces a backend failure as a BackendError frame.
// It does not touch the transaction state: handleExecute calls
// sessionState.Fail() before it, which moves an InTx session to
// InFailedTx.
func (s *Session) sendBackendError(err error) {
	s.sendError(gelerr.Wrap(gelerr.KindBackendError, err, "backend query failed"))
}

func (s *Session) fatal(err error) error {
	s.state = stateClosing
	s.log.Warn("closing session after fatal error", "error", err)
	s.sendError(err)
	s.enc.Flush()
	return err
}

// shapeHash hashes the annotation set, used as the CacheKey's shape_hash
// component (spec.md §3): two otherwise-identical queries requesting a
// different output shape via annotations land in different cache
// buckets.
func shapeHash(annotations map[string]string) uint64 {
	if len(annotations) == 0 {
		return 0
	}
	keys := make([]string, 0, len(annotations))
	for k := range annotations {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	h := xxhash.New()
	for _, k := range keys {
		h.WriteString(k)
		h.Write([]byte{0})
		h.WriteString(annotations[k])
		h.Write([]byte{0})
	}
	return h.Sum64()
}

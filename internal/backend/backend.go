// Package backend defines the BackendDriver external-collaborator
// surface of spec.md §1/§4.4 — a minimal send/receive/cancel/close API
// — and a concrete PostgreSQL implementation of it. The compiler and the
// EdgeQL/SDL layer are out of scope; by the time a CompiledQuery reaches
// this package it is already plain SQL plus metadata.
package backend

import (
	"context"
	"crypto/md5"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/geldata/gelsrv/internal/config"
	"github.com/geldata/gelsrv/internal/gelerr"
)

// Result is one backend response: either a row batch or a command-complete
// status. Errors are reported through Recv's error return, not in a Result.
type Result struct {
	Rows   [][]byte // tuple-encoded rows, opaque to this package
	Status string   // e.g. "SELECT", "INSERT 0 1"
	Done   bool      // true once Status is populated and no more Rows follow
}

// Conn is the minimal backend connection surface spec.md §1 calls out as
// an external collaborator: send SQL, receive result rows/status,
// cancel, close.
type Conn interface {
	// Send dispatches one SQL statement to the backend.
	Send(ctx context.Context, sql string, args [][]byte) error
	// Recv blocks for the next Result. Returns io.EOF once Done was
	// already delivered for the current statement.
	Recv(ctx context.Context) (Result, error)
	// Cancel aborts whatever statement is currently executing. Safe to
	// call from a goroutine other than the one blocked in Recv.
	Cancel() error
	// Close tears down the underlying transport.
	Close() error
	// Reset issues a backend-level session reset (DISCARD ALL or
	// equivalent) so the connection can be reused by a different
	// logical session without leaking state.
	Reset(ctx context.Context) error
}

// Driver dials a new backend Conn for a branch.
type Driver interface {
	Dial(ctx context.Context, branch config.BranchConfig) (Conn, error)
}

// Postgres is the only Driver this core ships: a thin, hand-rolled wire
// client performing the PostgreSQL v3 startup/auth handshake, not a
// pulled-in SQL driver — see DESIGN.md for why lib/pq/pgx are
// deliberately not used here.
type Postgres struct {
	DialTimeout time.Duration
}

// Dial opens a TCP connection, performs the startup/auth handshake, and
// returns a ready-to-query Conn.
func (p *Postgres) Dial(ctx context.Context, b config.BranchConfig) (Conn, error) {
	dialer := net.Dialer{Timeout: p.dialTimeout()}
	addr := net.JoinHostPort(b.Host, fmt.Sprintf("%d", b.Port))
	raw, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, gelerr.Wrap(gelerr.KindBackendError, err, "dialing backend %s", addr)
	}

	pc := &pgConn{conn: raw}
	if err := pc.authenticate(b); err != nil {
		raw.Close()
		return nil, gelerr.Wrap(gelerr.KindBackendError, err, "authenticating to backend %s", addr)
	}
	return pc, nil
}

func (p *Postgres) dialTimeout() time.Duration {
	if p.DialTimeout > 0 {
		return p.DialTimeout
	}
	return 5 * time.Second
}

// pgConn is a single PostgreSQL wire connection used as a backend.Conn.
type pgConn struct {
	conn       net.Conn
	cancelPID  uint32
	cancelKey  uint32
	cancelAddr string
}

func (c *pgConn) authenticate(b config.BranchConfig) error {
	var body []byte
	var ver [4]byte
	binary.BigEndian.PutUint32(ver[:], 3<<16)
	body = append(body, ver[:]...)
	body = appendCString(body, "user", b.Username)
	body = appendCString(body, "database", b.DBName)
	body = append(body, 0)

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(4+len(body)))
	if _, err := c.conn.Write(append(lenBuf[:], body...)); err != nil {
		return fmt.Errorf("sending startup message: %w", err)
	}

	for {
		msgType, payload, err := readPGMessage(c.conn)
		if err != nil {
			return err
		}
		switch msgType {
		case 'R':
			if len(payload) < 4 {
				return fmt.Errorf("authentication message too short")
			}
			authType := binary.BigEndian.Uint32(payload[:4])
			switch authType {
			case 0:
				continue
			case 3:
				if err := sendPassword(c.conn, b.Password); err != nil {
					return err
				}
			case 5:
				if len(payload) < 8 {
					return fmt.Errorf("MD5 auth message too short")
				}
				if err := sendPassword(c.conn, computeMD5Password(b.Username, b.Password, payload[4:8])); err != nil {
					return err
				}
			case 10:
				if err := scramSHA256Auth(c.conn, b.Username, b.Password, payload); err != nil {
					return fmt.Errorf("SCRAM-SHA-256 auth: %w", err)
				}
			default:
				return fmt.Errorf("unsupported auth type: %d", authType)
			}
		case 'K':
			if len(payload) >= 8 {
				c.cancelPID = binary.BigEndian.Uint32(payload[:4])
				c.cancelKey = binary.BigEndian.Uint32(payload[4:8])
				c.cancelAddr = c.conn.RemoteAddr().String()
			}
		case 'Z':
			if len(payload) >= 1 && payload[0] == 'I' {
				return nil
			}
			return fmt.Errorf("unexpected transaction status after auth: %c", payload[0])
		case 'E':
			return fmt.Errorf("backend error during auth: %s", parseErrorMessage(payload))
		default:
			continue
		}
	}
}

// Send issues a SQL simple-query message. args is accepted for interface
// symmetry with a parameterized extended-query path a future revision
// may add; this core only ever sends simple queries to the backend
// since parameter substitution already happened during compilation.
func (c *pgConn) Send(ctx context.Context, sql string, args [][]byte) error {
	if dl, ok := ctx.Deadline(); ok {
		c.conn.SetWriteDeadline(dl)
		defer c.conn.SetWriteDeadline(time.Time{})
	}
	payload := append([]byte(sql), 0)
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(4+len(payload)))
	buf := append([]byte{'Q'}, lenBuf[:]...)
	buf = append(buf, payload...)
	_, err := c.conn.Write(buf)
	return err
}

// Recv reads backend messages until a row, a CommandComplete, or a
// terminal ReadyForQuery/ErrorResponse is seen.
func (c *pgConn) Recv(ctx context.Context) (Result, error) {
	if dl, ok := ctx.Deadline(); ok {
		c.conn.SetReadDeadline(dl)
		defer c.conn.SetReadDeadline(time.Time{})
	}
	for {
		msgType, payload, err := readPGMessage(c.conn)
		if err != nil {
			return Result{}, err
		}
		switch msgType {
		case 'D': // DataRow
			return Result{Rows: [][]byte{payload}}, nil
		case 'C': // CommandComplete
			return Result{Status: string(payload), Done: true}, nil
		case 'Z': // ReadyForQuery
			return Result{}, io.EOF
		case 'E':
			return Result{}, gelerr.New(gelerr.KindBackendError, "%s", parseErrorMessage(payload))
		default:
			continue
		}
	}
}

// Cancel opens a fresh connection and sends a CancelRequest, per the PG
// wire protocol's out-of-band cancel mechanism (spec.md §9: the backend
// driver must expose a cancel operation safely callable from a
// different task than the one awaiting the result).
func (c *pgConn) Cancel() error {
	if c.cancelAddr == "" {
		return fmt.Errorf("no cancel key recorded for this connection")
	}
	conn, err := net.DialTimeout("tcp", c.cancelAddr, 5*time.Second)
	if err != nil {
		return fmt.Errorf("dialing for cancel: %w", err)
	}
	defer conn.Close()

	var body [12]byte
	binary.BigEndian.PutUint32(body[0:4], 1234<<16|5678)
	binary.BigEndian.PutUint32(body[4:8], c.cancelPID)
	binary.BigEndian.PutUint32(body[8:12], c.cancelKey)

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], 16)
	_, err = conn.Write(append(lenBuf[:], body[:]...))
	return err
}

// Reset issues DISCARD ALL to clear backend session state before the
// connection is reused by an unrelated logical session.
func (c *pgConn) Reset(ctx context.Context) error {
	if err := c.Send(ctx, "DISCARD ALL", nil); err != nil {
		return err
	}
	for {
		res, err := c.Recv(ctx)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if res.Done {
			continue
		}
	}
}

func (c *pgConn) Close() error { return c.conn.Close() }

func appendCString(dst []byte, key, val string) []byte {
	dst = append(dst, key...)
	dst = append(dst, 0)
	dst = append(dst, val...)
	dst = append(dst, 0)
	return dst
}

func sendPassword(conn net.Conn, password string) error {
	payload := append([]byte(password), 0)
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(4+len(payload)))
	buf := append([]byte{'p'}, lenBuf[:]...)
	buf = append(buf, payload...)
	_, err := conn.Write(buf)
	return err
}

func computeMD5Password(user, password string, salt []byte) string {
	h1 := md5.Sum([]byte(password + user))
	hex1 := hex.EncodeToString(h1[:])
	h2 := md5.Sum(append([]byte(hex1), salt...))
	return "md5" + hex.EncodeToString(h2[:])
}

func readPGMessage(conn net.Conn) (byte, []byte, error) {
	var typeBuf [1]byte
	if _, err := io.ReadFull(conn, typeBuf[:]); err != nil {
		return 0, nil, err
	}
	var lenBuf [4]byte
	if _, err := io.ReadFull(conn, lenBuf[:]); err != nil {
		return 0, nil, err
	}
	payloadLen := int(binary.BigEndian.Uint32(lenBuf[:])) - 4
	if payloadLen < 0 || payloadLen > 1<<24 {
		return 0, nil, fmt.Errorf("invalid message length: %d", payloadLen)
	}
	payload := make([]byte, payloadLen)
	if payloadLen > 0 {
		if _, err := io.ReadFull(conn, payload); err != nil {
			return 0, nil, err
		}
	}
	return typeBuf[0], payload, nil
}

func parseErrorMessage(payload []byte) string {
	for i := 0; i < len(payload); i++ {
		fieldType := payload[i]
		if fieldType == 0 {
			break
		}
		i++
		end := i
		for end < len(payload) && payload[end] != 0 {
			end++
		}
		if fieldType == 'M' {
			return string(payload[i:end])
		}
		i = end
	}
	return "unknown error"
}

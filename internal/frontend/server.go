package frontend

import (
	"context"
	"crypto/tls"
	"fmt"
	"log"
	"net"
	"sync"

	"github.com/geldata/gelsrv/internal/config"
)

// Server accepts binary-protocol connections and spawns one Session per
// client, the same accept-loop shape as the teacher's proxy.Server, now
// driving FrontendSession instead of a raw PG/MySQL relay.
type Server struct {
	deps      Deps
	tlsConfig *tls.Config

	listener net.Listener
	wg       sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
}

// NewServer builds a Server that will accept the frontend binary
// protocol using deps for every Session it spawns.
func NewServer(deps Deps, lc config.ListenConfig) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{deps: deps, ctx: ctx, cancel: cancel}

	if lc.TLSEnabled() {
		cert, err := tls.LoadX509KeyPair(lc.TLSCert, lc.TLSKey)
		if err != nil {
			log.Printf("[frontend] WARNING: failed to load TLS cert/key: %v — TLS disabled", err)
		} else {
			s.tlsConfig = &tls.Config{
				Certificates: []tls.Certificate{cert},
				MinVersion:   tls.VersionTLS12,
			}
			log.Printf("[frontend] TLS enabled (cert: %s)", lc.TLSCert)
		}
	}

	return s
}

// Listen starts accepting binary-protocol connections on port.
func (s *Server) Listen(port int) error {
	addr := fmt.Sprintf("0.0.0.0:%d", port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s for frontend protocol: %w", addr, err)
	}
	if s.tlsConfig != nil {
		ln = tls.NewListener(ln, s.tlsConfig)
	}
	s.listener = ln
	log.Printf("[frontend] binary protocol listening on %s", addr)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop(ln)
	}()
	return nil
}

func (s *Server) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
				log.Printf("[frontend] accept error: %v", err)
				continue
			}
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			sess := NewSession(conn, s.deps)
			if err := sess.Run(s.ctx); err != nil {
				log.Printf("[frontend] session %s ended: %v", conn.RemoteAddr(), err)
			}
		}()
	}
}

// Stop closes the listener and waits for in-flight sessions to return.
func (s *Server) Stop() {
	s.cancel()
	if s.listener != nil {
		s.listener.Close()
	}
	s.wg.Wait()
}

package simulator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/banshee-data/tactile/internal/binproto"
	"github.com/banshee-data/tactile/internal/monitoring"
)

// Server exposes a Device over TCP.
type Server struct {
	dev *Device
	ln  net.Listener

	wg        sync.WaitGroup
	mu        sync.Mutex
	conns     map[net.Conn]struct{}
	closed    chan struct{}
	closeOnce sync.Once
}

// Listen binds addr ("127.0.0.1:0" picks a free port) for dev.
func Listen(addr string, dev *Device) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return &Server{dev: dev, ln: ln, conns: make(map[net.Conn]struct{}), closed: make(chan struct{})}, nil
}

// Addr returns the bound address.
func (s *Server) Addr() string { return s.ln.Addr().String() }

// Serve accepts connections until ctx is done or Close is called.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-s.closed:
		}
	}()

	monitoring.Logf("[simulator] listening on %s", s.Addr())
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				s.wg.Wait()
				return nil
			}
			return err
		}
		s.track(conn, true)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.track(conn, false)
			s.handle(conn)
		}()
	}
}

// Close stops accepting and drops open connections.
func (s *Server) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	err := s.ln.Close()
	s.mu.Lock()
	for c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (s *Server) track(c net.Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.conns[c] = struct{}{}
	} else {
		delete(s.conns, c)
		c.Close()
	}
}

func (s *Server) handle(conn net.Conn) {
	header := make([]byte, binproto.HeaderLen)
	for {
		if _, err := io.ReadFull(conn, header); err != nil {
			return
		}
		if header[0] != binproto.Preamble0 || header[1] != binproto.Preamble1 {
			monitoring.Warnf("[simulator] dropping connection from %s: bad preamble % x", conn.RemoteAddr(), header[:2])
			return
		}
		n := binproto.PayloadLen(binproto.Opcode(header[2]))
		if n < 0 {
			monitoring.Warnf("[simulator] dropping connection from %s: unknown opcode 0x%02x", conn.RemoteAddr(), header[2])
			return
		}
		rest := make([]byte, n+binproto.TrailerLen)
		if _, err := io.ReadFull(conn, rest); err != nil {
			return
		}
		reply := s.dev.Respond(append(append([]byte(nil), header...), rest...))
		if reply == nil {
			continue
		}
		if _, err := conn.Write(reply); err != nil {
			return
		}
	}
}

package emulator

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"
)

// Server exposes an agent on a TCP port, the way a serial-over-IP bridge
// exposes a board's UART
type Server struct {
	addr  string
	agent *Agent

	mtx      sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	running  atomic.Bool
	wg       sync.WaitGroup
}

// NewServer creates a server for agent listening on addr once started
func NewServer(addr string, agent *Agent) *Server {
	return &Server{
		addr:  addr,
		agent: agent,
		conns: make(map[net.Conn]struct{}),
	}
}

// Listen binds the listening socket
func (s *Server) Listen() error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.listener != nil {
		return errors.New("emulator already listening")
	}
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.listener = ln
	s.running.Store(true)

	log.Infof("Emulated device listening on %s", ln.Addr())
	return nil
}

// Addr returns the bound address, nil before Listen
func (s *Server) Addr() net.Addr {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Endpoint returns the descriptor the gateway uses to reach this device
func (s *Server) Endpoint() string {
	addr := s.Addr()
	if addr == nil {
		return ""
	}
	return "tcp:" + addr.String()
}

// Start listens and serves until ctx is done or Stop is called
func (s *Server) Start(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve(ctx)
}

// Serve accepts connections until the server is stopped
func (s *Server) Serve(ctx context.Context) error {
	s.mtx.Lock()
	ln := s.listener
	s.mtx.Unlock()
	if ln == nil {
		return errors.New("emulator not listening")
	}

	stopped := make(chan struct{})
	defer close(stopped)
	go func() {
		select {
		case <-ctx.Done():
			s.Stop()
		case <-stopped:
		}
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if !s.running.Load() {
				return nil
			}
			return err
		}

		s.mtx.Lock()
		s.conns[conn] = struct{}{}
		s.mtx.Unlock()
		log.Debugf("Console connected: %s", conn.RemoteAddr())

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.forget(conn)
			s.agent.ServeConn(conn)
		}()
	}
}

func (s *Server) forget(conn net.Conn) {
	s.mtx.Lock()
	delete(s.conns, conn)
	s.mtx.Unlock()

	if err := conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		log.Debugf("Error closing console: %v", err)
	}
	log.Debugf("Console disconnected: %s", conn.RemoteAddr())
}

// Stop closes the listener and every open connection
func (s *Server) Stop() {
	if !s.running.CompareAndSwap(true, false) {
		return
	}

	s.mtx.Lock()
	if err := s.listener.Close(); err != nil {
		log.Debugf("Error closing listener: %v", err)
	}
	for conn := range s.conns {
		conn.Close()
	}
	s.mtx.Unlock()

	s.wg.Wait()
	log.Info("Emulated device stopped")
}

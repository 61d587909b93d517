package gateway

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jwoglom/wasmgw/pkg/gwerrors"
	"github.com/jwoglom/wasmgw/pkg/metrics"

	log "github.com/sirupsen/logrus"
)

// MaxRequestSize bounds the bytes read for one request
const MaxRequestSize = 1 << 20

const replyWriteTimeout = 10 * time.Second

// Server accepts client connections and answers one request per connection
type Server struct {
	addr        string
	router      *Router
	readTimeout time.Duration
	metrics     *metrics.Metrics

	mtx      sync.Mutex
	listener net.Listener
	running  atomic.Bool
	wg       sync.WaitGroup
}

// NewServer creates a server listening on addr once started
func NewServer(addr string, router *Router, readTimeout time.Duration) *Server {
	return &Server{
		addr:        addr,
		router:      router,
		readTimeout: readTimeout,
	}
}

// SetMetrics sets the collectors connections are counted in
func (s *Server) SetMetrics(m *metrics.Metrics) {
	s.metrics = m
}

// Listen binds the listening socket
func (s *Server) Listen() error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.listener != nil {
		return errors.New("server already listening")
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return gwerrors.Connection("listen "+s.addr, err)
	}
	s.listener = ln
	s.running.Store(true)

	log.Infof("Gateway listening on %s", ln.Addr())
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

// Start listens and serves until ctx is done or Stop is called
func (s *Server) Start(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve(ctx)
}

// Serve runs the accept loop. Every connection is handled on its own goroutine.
func (s *Server) Serve(ctx context.Context) error {
	s.mtx.Lock()
	ln := s.listener
	s.mtx.Unlock()
	if ln == nil {
		return errors.New("server not listening")
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
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				time.Sleep(5 * time.Millisecond)
				continue
			}
			log.Errorf("Accept failed: %v", err)
			return err
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

// Stop closes the listener and waits for in-flight requests to finish
func (s *Server) Stop() {
	if !s.running.CompareAndSwap(true, false) {
		return
	}

	s.mtx.Lock()
	ln := s.listener
	s.mtx.Unlock()

	if err := ln.Close(); err != nil {
		log.Debugf("Error closing listener: %v", err)
	}
	s.wg.Wait()
	log.Info("Gateway stopped")
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	s.metrics.ConnectionOpened()
	defer s.metrics.ConnectionClosed()
	defer func() {
		if err := conn.Close(); err != nil {
			log.Debugf("Error closing client connection: %v", err)
		}
	}()

	logger := log.WithField("client", conn.RemoteAddr().String())
	logger.Debugf("Client connected")

	reply := s.serveRequest(ctx, conn, logger)

	data, err := EncodeReply(reply)
	if err != nil {
		logger.Errorf("Failed to encode reply: %v", err)
		return
	}
	if err := conn.SetWriteDeadline(time.Now().Add(replyWriteTimeout)); err != nil {
		logger.Debugf("Could not set write deadline: %v", err)
	}
	if _, err := conn.Write(data); err != nil {
		logger.Warnf("Failed to send reply: %v", err)
	}
}

func (s *Server) serveRequest(ctx context.Context, conn net.Conn, logger *log.Entry) *Reply {
	if s.readTimeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(s.readTimeout)); err != nil {
			logger.Debugf("Could not set read deadline: %v", err)
		}
	}

	data, err := readRequest(conn)
	if err != nil {
		logger.Infof("Could not read request: %v", err)
		return ErrorReply(err)
	}
	logger.Tracef("Request: %s", data)

	req, err := DecodeRequest(data)
	if err != nil {
		return ErrorReply(err)
	}
	return s.router.Dispatch(ctx, req)
}

// readRequest reads up to the first newline or the end of the stream
func readRequest(r io.Reader) ([]byte, error) {
	reader := bufio.NewReader(io.LimitReader(r, MaxRequestSize+1))

	data, err := reader.ReadBytes('\n')
	if len(data) > MaxRequestSize {
		return nil, gwerrors.Validation("request too large (limit %d bytes)", MaxRequestSize)
	}
	if err != nil && !errors.Is(err, io.EOF) {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return nil, gwerrors.Timeout("timeout waiting for request")
		}
		return nil, gwerrors.Connection("read request", err)
	}
	return data, nil
}

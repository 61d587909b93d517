//nolint:revive // api is a standard package name for API servers
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/jwoglom/wasmgw/pkg/gateway"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

const helpText = `wasmgw gateway API

  GET  /healthz        liveness
  GET  /api/devices    configured devices
  POST /api/request    one gateway request, JSON body
  GET  /ws             WebSocket, one request per text message
  GET  /metrics        prometheus metrics
`

// Server exposes the gateway router over HTTP and WebSocket
type Server struct {
	http.Handler

	addr     string
	router   *gateway.Router
	gatherer prometheus.Gatherer

	mtx      sync.Mutex
	srv      *http.Server
	listener net.Listener
}

// Device is one entry of GET /api/devices
type Device struct {
	Name     string `json:"name"`
	Endpoint string `json:"endpoint"`
	Kind     string `json:"kind"`
}

// New creates an API server for router. gatherer may be nil, in which case
// /metrics is not served.
func New(addr string, router *gateway.Router, gatherer prometheus.Gatherer) *Server {
	s := &Server{
		addr:     addr,
		router:   router,
		gatherer: gatherer,
	}
	s.Handler = s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		if _, err := io.WriteString(w, helpText); err != nil {
			log.Warnf("Failed to write response: %v", err)
		}
	})
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok"})
	})
	mux.HandleFunc("/api/devices", s.handleDevicesAPI)
	mux.HandleFunc("/api/request", s.handleRequestAPI)
	mux.HandleFunc("/ws", s.handleWebSocket)
	if s.gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}

// Listen binds the listening socket
func (s *Server) Listen() error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.listener != nil {
		return errors.New("API server already listening")
	}
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln
	s.srv = &http.Server{
		Handler:           s.Handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Infof("Gateway web API listening on %s", ln.Addr())
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

// Start listens and serves until ctx is done. It returns nil after a
// graceful shutdown.
func (s *Server) Start(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}

	s.mtx.Lock()
	srv, ln := s.srv, s.listener
	s.mtx.Unlock()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warnf("API server shutdown: %v", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	log.Info("Gateway web API stopped")
	return nil
}

// handleDevicesAPI lists the device table
func (s *Server) handleDevicesAPI(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	table := s.router.Devices()
	devices := make([]Device, 0, table.Len())
	for _, name := range table.Names() {
		ep, _ := table.Lookup(name)
		devices = append(devices, Device{
			Name:     name,
			Endpoint: ep.String(),
			Kind:     ep.Kind.String(),
		})
	}
	writeJSON(w, http.StatusOK, devices)
}

// handleRequestAPI runs one gateway request. The HTTP status is 200 for
// every reply the router produced; ok=false is a gateway level failure.
func (s *Server) handleRequestAPI(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, gateway.MaxRequestSize+1))
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to read request body: %v", err), http.StatusBadRequest)
		return
	}
	defer func() {
		if err := r.Body.Close(); err != nil {
			log.Debugf("Error closing request body: %v", err)
		}
	}()

	if len(body) > gateway.MaxRequestSize {
		writeJSON(w, http.StatusRequestEntityTooLarge, &gateway.Reply{
			Error: fmt.Sprintf("request too large (limit %d bytes)", gateway.MaxRequestSize),
		})
		return
	}

	writeJSON(w, http.StatusOK, s.serve(r.Context(), body))
}

func (s *Server) serve(ctx context.Context, data []byte) *gateway.Reply {
	req, err := gateway.DecodeRequest(data)
	if err != nil {
		return gateway.ErrorReply(err)
	}
	return s.router.Dispatch(ctx, req)
}

// handleWebSocket answers every text message with one reply message.
// Requests on one socket are served in order.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	log.Infof("WebSocket connection from: %s", r.RemoteAddr)

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Errorf("WebSocket upgrade failed: %v", err)
		return
	}
	defer func() {
		if err := ws.Close(); err != nil {
			log.Debugf("Error closing websocket: %v", err)
		}
	}()
	ws.SetReadLimit(gateway.MaxRequestSize)

	for {
		msgType, p, err := ws.ReadMessage()
		if err != nil {
			log.Infof("WebSocket read error: %v", err)
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		log.Debugf("Received WebSocket message: %s", string(p))

		data, err := json.Marshal(s.serve(r.Context(), p))
		if err != nil {
			log.Errorf("Failed to marshal reply: %v", err)
			return
		}
		if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
			log.Errorf("Failed to send websocket message: %v", err)
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Errorf("Failed to encode response: %v", err)
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Package gateway is the WebSocket control plane: one JSON frame per
// message, challenge-response auth, method dispatch, and event fan-out to
// subscribed clients.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ArchitectVS7/OpenClaw/internal/bus"
	"github.com/ArchitectVS7/OpenClaw/internal/config"
	"github.com/ArchitectVS7/OpenClaw/internal/identity"
	"github.com/ArchitectVS7/OpenClaw/pkg/protocol"
)

const (
	defaultBind = "127.0.0.1"
	defaultPort = 18789
)

// ErrBindRefused means the configured bind address would expose the
// gateway off-host without TLS. Mapped to exit code 4 by the caller.
var ErrBindRefused = fmt.Errorf("refusing non-loopback bind without TLS")

// Options are the server's collaborators.
type Options struct {
	Config   *config.Manager
	Pairings *identity.Pairings
	Events   bus.Publisher
	Methods  *Methods
}

// Server accepts WebSocket connections on /ws and serves the RPC surface.
type Server struct {
	opts     Options
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*client

	httpServer *http.Server
	addr       string
}

func NewServer(opts Options) *Server {
	s := &Server{
		opts:    opts,
		clients: make(map[string]*client),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		// The gateway is loopback-bound by default and frame auth is
		// mandatory, so browser origin is not part of the trust model.
		CheckOrigin: func(*http.Request) bool { return true },
	}
	return s
}

// Addr returns the bound listen address, valid after Start or
// StartTestListener.
func (s *Server) Addr() string { return s.addr }

// Start binds and serves until ctx is done. A non-loopback bind without a
// TLS certificate pair is refused with ErrBindRefused.
func (s *Server) Start(ctx context.Context) error {
	gw := s.opts.Config.Current().Gateway
	bind := gw.Bind
	if bind == "" {
		bind = defaultBind
	}
	port := gw.Port
	if port == 0 {
		port = defaultPort
	}

	if !isLoopback(bind) && (gw.TLSCert == "" || gw.TLSKey == "") {
		return fmt.Errorf("gateway bind %s: %w", bind, ErrBindRefused)
	}

	addr := net.JoinHostPort(bind, strconv.Itoa(port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("gateway listen %s: %w", addr, err)
	}
	slog.Info("gateway.listening", "addr", ln.Addr().String(), "tls", gw.TLSCert != "")
	return s.serve(ctx, ln, gw.TLSCert, gw.TLSKey)
}

// StartTestListener binds an ephemeral loopback port and serves in the
// background. For integration tests and local tooling.
func (s *Server) StartTestListener(ctx context.Context) (string, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", fmt.Errorf("gateway listen: %w", err)
	}
	go func() {
		_ = s.serve(ctx, ln, "", "")
	}()
	return ln.Addr().String(), nil
}

func (s *Server) serve(ctx context.Context, ln net.Listener, cert, key string) error {
	s.addr = ln.Addr().String()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)

	s.httpServer = &http.Server{Handler: mux, BaseContext: func(net.Listener) context.Context { return ctx }}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
	}()

	var err error
	if cert != "" {
		err = s.httpServer.ServeTLS(ln, cert, key)
	} else {
		err = s.httpServer.Serve(ln)
	}
	if err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("gateway serve: %w", err)
	}
	return nil
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("gateway.upgrade_failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	c := newClient(uuid.New().String(), conn, s)
	c.run(r.Context())
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status":"ok","protocol":%d}`, protocol.ProtocolVersion)
}

func (s *Server) register(c *client) {
	s.mu.Lock()
	s.clients[c.id] = c
	s.mu.Unlock()

	s.opts.Events.Subscribe(c.id, c.topics, func(e bus.Event) {
		c.enqueue(protocol.NewEvent(e.Topic, e.Payload))
	})
	slog.Info("gateway.connected", "client", c.id, "role", c.role)
}

func (s *Server) unregister(c *client) {
	s.opts.Events.Unsubscribe(c.id)
	s.mu.Lock()
	delete(s.clients, c.id)
	s.mu.Unlock()

	if c.nodeID != "" && s.opts.Methods.Nodes != nil {
		s.opts.Methods.Nodes.Detach(c.nodeID)
	}
	slog.Info("gateway.disconnected", "client", c.id, "role", c.role)
}

func isLoopback(bind string) bool {
	if bind == "localhost" {
		return true
	}
	ip := net.ParseIP(bind)
	return ip != nil && ip.IsLoopback()
}

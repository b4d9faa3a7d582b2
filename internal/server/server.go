// Package server is the WebSocket transport: upgrade admission, per-connection
// read and write pumps, the fan-out hub and the HTTP health and metrics
// endpoints. Envelope semantics live in the router; this package only moves
// frames.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adred-codev/agentsync/internal/limits"
	"github.com/adred-codev/agentsync/internal/monitoring"
	"github.com/adred-codev/agentsync/internal/registry"
	"github.com/adred-codev/agentsync/internal/router"
	"github.com/gobwas/ws"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Disconnect reasons, used as metric labels and in logs.
const (
	DisconnectReasonReadError   = "read_error"
	DisconnectReasonClientClose = "client_close"
	DisconnectReasonSlowClient  = "slow_client"
	DisconnectReasonTooBig      = "message_too_big"
	DisconnectReasonShutdown    = "server_shutdown"
)

// Handler is the envelope-level side of a connection. *router.Router
// implements it.
type Handler interface {
	Open(ctx context.Context, c router.Conn)
	Handle(ctx context.Context, c router.Conn, raw []byte)
	Disconnect(ctx context.Context, c router.Conn)
}

// Pinger reports store reachability for /health.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Config struct {
	Addr            string
	MaxConnections  int
	SendBuffer      int
	MaxMessageBytes int64
	PingInterval    time.Duration
	PongWait        time.Duration
	WriteTimeout    time.Duration
	ShutdownGrace   time.Duration

	Hub      *Hub
	Router   Handler
	Registry *registry.Registry
	Store    Pinger // optional

	ConnLimiter *limits.ConnectionRateLimiter // optional
	Monitor     *monitoring.SystemMonitor     // optional

	Logger zerolog.Logger
	NewID  func() string
}

func (c *Config) applyDefaults() {
	if c.MaxConnections <= 0 {
		c.MaxConnections = 1000
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 256
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = 64 << 10
	}
	if c.PongWait <= 0 {
		c.PongWait = 30 * time.Second
	}
	if c.PingInterval <= 0 || c.PingInterval >= c.PongWait {
		c.PingInterval = (c.PongWait * 9) / 10
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 10 * time.Second
	}
	if c.NewID == nil {
		c.NewID = uuid.NewString
	}
	if c.Hub == nil {
		c.Hub = NewHub()
	}
}

type Server struct {
	cfg      Config
	logger   zerolog.Logger
	hub      *Hub
	router   Handler
	registry *registry.Registry

	httpServer *http.Server
	listener   net.Listener

	connectionsSem chan struct{}
	connections    atomic.Int64
	shuttingDown   atomic.Bool
	startedAt      time.Time

	// wg tracks the accept loop and every pump goroutine.
	wg sync.WaitGroup
}

func New(cfg Config) *Server {
	cfg.applyDefaults()
	return &Server{
		cfg:            cfg,
		logger:         cfg.Logger.With().Str("component", "server").Logger(),
		hub:            cfg.Hub,
		router:         cfg.Router,
		registry:       cfg.Registry,
		connectionsSem: make(chan struct{}, cfg.MaxConnections),
		startedAt:      time.Now(),
	}
}

// Hub returns the fan-out hub the router should broadcast through.
func (s *Server) Hub() *Hub { return s.hub }

// Handler returns the HTTP routes: /ws, /health and /metrics.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", monitoring.MetricsHandler())
	return mux
}

// Start listens on Addr and serves in the background.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.listener = listener
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	s.logger.Info().
		Str("address", listener.Addr().String()).
		Int("max_connections", s.cfg.MaxConnections).
		Msg("Server listening")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer monitoring.RecoverPanic(s.logger, "accept_loop", nil)
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Server accept loop error")
		}
	}()
	return nil
}

// Addr returns the bound listen address once Start succeeded.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.cfg.Addr
	}
	return s.listener.Addr().String()
}

// Shutdown stops accepting connections, asks every client to close with
// 1001, waits up to ShutdownGrace for the pumps to finish and then drops what
// is left. Every closed client still goes through the router's disconnect
// path.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("Initiating graceful shutdown")
	s.shuttingDown.Store(true)

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.logger.Error().Err(err).Msg("Error stopping HTTP server")
		}
	}

	n := s.hub.closeAll(ws.StatusGoingAway, DisconnectReasonShutdown)
	s.logger.Info().
		Int("active_connections", n).
		Dur("grace_period", s.cfg.ShutdownGrace).
		Msg("Draining active connections")

	drained := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(drained)
	}()

	grace := time.NewTimer(s.cfg.ShutdownGrace)
	defer grace.Stop()
	select {
	case <-drained:
		s.logger.Info().Msg("All connections drained gracefully")
		return nil
	case <-grace.C:
	case <-ctx.Done():
	}

	s.logger.Warn().
		Int64("remaining_connections", s.connections.Load()).
		Msg("Grace period expired, force closing remaining connections")
	s.hub.forceCloseAll()
	<-drained
	s.logger.Info().Msg("Graceful shutdown completed")
	return ctx.Err()
}

// disconnect runs once per client, from its read pump, after the last
// envelope of the connection was handled.
func (s *Server) disconnect(c *Client, reason string) {
	s.hub.remove(c)
	c.close(ws.StatusNormalClosure, reason)
	s.router.Disconnect(context.Background(), c)

	remaining := s.connections.Add(-1)
	<-s.connectionsSem
	monitoring.DisconnectsTotal.WithLabelValues(reason).Inc()

	s.logger.Info().
		Str("conn_id", c.id).
		Str("client_ip", c.ip).
		Str("reason", reason).
		Dur("connection_duration", time.Since(c.connectedAt)).
		Int("subscriptions_count", c.subscriptions.Count()).
		Int("send_buffer_len", len(c.send)).
		Int64("current_connections", remaining).
		Msg("Client disconnected")
}

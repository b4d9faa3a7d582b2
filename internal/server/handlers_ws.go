package server

import (
	"context"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/adred-codev/agentsync/internal/monitoring"
	"github.com/gobwas/ws"
)

// handleWebSocket admits and upgrades one connection.
//
//	shutting down        -> 503
//	upgrade rate limited -> 429 + Retry-After
//	at MaxConnections    -> 503
//	upgrade failure      -> logged, slot released
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	clientIP := getClientIP(r)

	if s.shuttingDown.Load() {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}

	if s.cfg.ConnLimiter != nil {
		if d := s.cfg.ConnLimiter.Admit(clientIP, startTime); !d.Allowed {
			s.logger.Warn().
				Str("client_ip", clientIP).
				Dur("retry_after", d.RetryAfter).
				Msg("Connection rejected: rate limit exceeded")
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(d.RetryAfter.Seconds()))))
			http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
			return
		}
	}

	select {
	case s.connectionsSem <- struct{}{}:
	default:
		monitoring.ConnectionsRejected.WithLabelValues("capacity").Inc()
		s.logger.Warn().
			Str("client_ip", clientIP).
			Int("max_connections", s.cfg.MaxConnections).
			Msg("Connection rejected: server at capacity")
		http.Error(w, "Server at capacity", http.StatusServiceUnavailable)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		<-s.connectionsSem
		s.logger.Error().
			Err(err).
			Str("client_ip", clientIP).
			Str("user_agent", r.Header.Get("User-Agent")).
			Dur("total_elapsed", time.Since(startTime)).
			Msg("WebSocket upgrade failed")
		return
	}

	client := newClient(s.cfg.NewID(), clientIP, conn, s.cfg.SendBuffer)
	current := s.connections.Add(1)
	monitoring.ConnectionsTotal.Inc()

	// The snapshot is read and enqueued inside join: a fan-out either lands
	// in the snapshot or is delivered after it.
	s.hub.join(client, func() { s.router.Open(context.Background(), client) })

	s.logger.Info().
		Str("conn_id", client.id).
		Str("client_ip", clientIP).
		Int64("current_connections", current).
		Dur("total_setup_time", time.Since(startTime)).
		Msg("Client connected")

	s.wg.Add(2)
	go s.writePump(client)
	go s.readPump(client)
}

// getClientIP prefers the first X-Forwarded-For hop, then RemoteAddr.
func getClientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		return strings.TrimSpace(parts[0])
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

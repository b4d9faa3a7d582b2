package server

import (
	"context"
	"encoding/json"
	"net/http"
	"runtime"
	"time"

	"github.com/adred-codev/agentsync/internal/types"
)

const (
	healthStatusHealthy  = "healthy"
	healthStatusDegraded = "degraded"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	w.Header().Set("Content-Type", "application/json")

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}

	health := types.Health{
		Status:      healthStatusHealthy,
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
		Connections: s.hub.Len(),
		Store:       "ok",
		Goroutines:  runtime.NumGoroutine(),
		Timestamp:   time.Now().UTC(),
	}
	if s.registry != nil {
		health.Identities = s.registry.BoundLen()
	}
	if s.cfg.Monitor != nil {
		m := s.cfg.Monitor.Metrics()
		health.CPUPercent = m.CPUPercent
		health.MemoryMB = m.MemoryMB
	}

	code := http.StatusOK
	if s.cfg.Store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.cfg.Store.Ping(ctx); err != nil {
			s.logger.Error().Err(err).Msg("Health check failed: store unreachable")
			health.Status = healthStatusDegraded
			health.Store = "unreachable"
			code = http.StatusServiceUnavailable
		}
	}

	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(health); err != nil {
		s.logger.Debug().Err(err).Msg("Failed to write health response")
	}
}

// Package api exposes the operator control surface over HTTP: node
// mappings, manual valve and sensor access, sequences, triggers, and the
// SSE telemetry stream. Every response uses the unified envelope with a
// correlation ID for log matching.
package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/vehicle-control/vcc/internal/auth"
	"github.com/vehicle-control/vcc/internal/dispatch"
	"github.com/vehicle-control/vcc/internal/mapping"
	"github.com/vehicle-control/vcc/internal/metrics"
	"github.com/vehicle-control/vcc/internal/state"
)

// Server is the control API server.
type Server struct {
	table      *mapping.Table
	store      *state.Store
	dispatcher dispatch.Dispatcher
	sequences  SequencePort
	triggers   TriggerPort
	monitor    TriggerMonitorPort
	telemetry  TelemetryPort
	authMW     *auth.Middleware

	httpServer *http.Server
	startTime  time.Time
}

// NewServer wires the API over its collaborators. authMW may wrap a nil
// verifier for a bench setup with auth disabled.
func NewServer(
	table *mapping.Table,
	store *state.Store,
	dispatcher dispatch.Dispatcher,
	sequences SequencePort,
	triggers TriggerPort,
	monitor TriggerMonitorPort,
	telemetry TelemetryPort,
	authMW *auth.Middleware,
) *Server {
	return &Server{
		table:      table,
		store:      store,
		dispatcher: dispatcher,
		sequences:  sequences,
		triggers:   triggers,
		monitor:    monitor,
		telemetry:  telemetry,
		authMW:     authMW,
		startTime:  time.Now(),
	}
}

// Handler returns the routed handler, mostly for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.registerRoutes(mux)
	return mux
}

// Start serves the API on addr until Stop is called.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 0, // SSE connections are long-lived
		IdleTimeout:  120 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return context.Background() },
	}
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("serving control API: %w", err)
	}
	return nil
}

// Stop gracefully drains the server.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down control API: %w", err)
	}
	return nil
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	read := func(h http.HandlerFunc) http.HandlerFunc {
		return s.authMW.RequireScope(auth.ScopeRead, h)
	}
	control := func(h http.HandlerFunc) http.HandlerFunc {
		return s.authMW.RequireScope(auth.ScopeControl, h)
	}

	mux.HandleFunc("GET /api/v1/health", s.handleHealth)
	mux.Handle("GET /metrics", metrics.Handler())

	mux.HandleFunc("GET /api/v1/state", read(s.handleState))
	mux.HandleFunc("GET /api/v1/mappings", read(s.handleGetMappings))
	mux.HandleFunc("POST /api/v1/mappings", control(s.handleLoadMappings))

	mux.HandleFunc("GET /api/v1/sensors/{name}", read(s.handleReadSensor))
	mux.HandleFunc("POST /api/v1/valves/{name}", control(s.handleActuateValve))

	mux.HandleFunc("POST /api/v1/sequences", control(s.handleSubmitSequence))
	mux.HandleFunc("POST /api/v1/abort", control(s.handleRunAbort))
	mux.HandleFunc("GET /api/v1/runs", read(s.handleListRuns))
	mux.HandleFunc("GET /api/v1/runs/{id}", read(s.handleGetRun))

	mux.HandleFunc("GET /api/v1/triggers", read(s.handleListTriggers))
	mux.HandleFunc("POST /api/v1/triggers", control(s.handleSetTrigger))
	mux.HandleFunc("DELETE /api/v1/triggers/{name}", control(s.handleDeleteTrigger))

	mux.HandleFunc("GET /api/v1/telemetry", read(s.handleTelemetry))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	WriteSuccess(w, map[string]interface{}{
		"status":      "ok",
		"uptime":      time.Since(s.startTime).String(),
		"nodes":       s.table.Len(),
		"tracked":     s.store.Len(),
		"authEnabled": s.authMW.Enabled(),
	})
}

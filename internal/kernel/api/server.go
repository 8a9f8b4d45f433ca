// Package api serves a read-only observability dashboard over the
// Strategy Kernel: a JSON snapshot endpoint and a Server-Sent Events
// stream of order, position, timed, and kill events.
//
// It follows a register/unregister/broadcast hub shape with a
// health/snapshot/stream route layout, using stdlib net/http Server-Sent
// Events rather than a duplex websocket, since the dashboard never needs
// to read anything back from a browser client.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"kernel/internal/risk"
	"kernel/pkg/types"
)

// Config controls the dashboard HTTP server.
type Config struct {
	Enabled        bool
	Port           int
	AllowedOrigins []string
}

// Server runs the HTTP/SSE dashboard for one kernel run.
type Server struct {
	cfg      Config
	hub      *Hub
	handlers *Handlers
	server   *http.Server
	logger   *slog.Logger
}

// NewServer builds a dashboard Server. accounts is the fixed list of
// accounts to report on; ledgerSvc and riskProvider back snapshot and
// stream queries (riskProvider may be nil).
func NewServer(cfg Config, mode types.Mode, accounts []types.Account, ledgerSvc AccountInfoProvider, riskProvider RiskProvider, nowFn func() time.Time, logger *slog.Logger) *Server {
	hub := NewHub(logger)
	handlers := newHandlers(cfg, mode, accounts, ledgerSvc, riskProvider, nowFn, hub, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", handlers.HandleHealth)
	mux.HandleFunc("/api/snapshot", handlers.HandleSnapshot)
	mux.HandleFunc("/stream", handlers.HandleStream)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // the SSE stream is long-lived
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		cfg: cfg, hub: hub, handlers: handlers, server: httpServer,
		logger: logger.With("component", "dashboard-server"),
	}
}

// Start runs the hub loop and the HTTP server until Stop is called or the
// server fails. Blocks; run it in its own goroutine.
func (s *Server) Start() error {
	go s.hub.Run()

	s.logger.Info("dashboard server starting", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("dashboard server: %w", err)
	}
	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("stopping dashboard server")
	return s.server.Shutdown(ctx)
}

// ConsumeStrategyEvents translates the kernel's StrategyEvent stream into
// DashboardEvents and broadcasts them. Run it in its own goroutine for the
// lifetime of the kernel run; it returns once events closes.
func (s *Server) ConsumeStrategyEvents(events <-chan types.StrategyEvent) {
	for evt := range events {
		switch evt.Kind {
		case types.EventOrderEvents:
			s.hub.BroadcastEvent(NewOrderEvent(evt.OrderEvent))
		case types.EventPositionEvents:
			s.hub.BroadcastEvent(NewPositionEvent(evt.PositionEvent))
		case types.EventTimedEvent:
			s.hub.BroadcastEvent(NewTimedEvent(evt.TimedEventName, evt.Time))
		case types.EventShutdownEvent:
			s.hub.BroadcastEvent(NewShutdownEvent(evt.ShutdownReason, evt.Time))
		}
	}
}

// ConsumeKillSignals forwards every kill signal from the risk Manager to
// connected clients. Run it in its own goroutine alongside
// ConsumeStrategyEvents; it returns once kills closes.
func (s *Server) ConsumeKillSignals(kills <-chan risk.KillSignal, nowFn func() time.Time) {
	for sig := range kills {
		s.hub.BroadcastEvent(NewKillEvent(sig, nowFn()))
	}
}

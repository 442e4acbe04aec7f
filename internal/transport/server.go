// Package transport is the public HTTP surface: the REST handlers of §6
// and the WebSocket Session Handler of §4.F, both bound to the same
// address so the external contract ("Bind address: 0.0.0.0:5000") holds.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/gobwas/ws"
	"go.uber.org/zap"

	"github.com/venantvr/pubsub-relay/internal/broker"
	"github.com/venantvr/pubsub-relay/internal/config"
	"github.com/venantvr/pubsub-relay/internal/metrics"
)

// Server owns the public listener: REST routes plus the /ws upgrade path.
type Server struct {
	cfg       config.ServerConfig
	broker    *broker.Broker
	metrics   *metrics.Registry
	logger    *zap.Logger
	dashboard dashboardSession

	httpServer *http.Server
	wg         sync.WaitGroup

	ctx context.Context
}

func NewServer(cfg config.ServerConfig, br *broker.Broker, reg *metrics.Registry, logger *zap.Logger) *Server {
	return &Server{cfg: cfg, broker: br, metrics: reg, logger: logger}
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/publish", s.handlePublish)
	mux.HandleFunc("/clients", s.handleClients)
	mux.HandleFunc("/messages", s.handleMessages)
	mux.HandleFunc("/consumptions", s.handleConsumptions)
	mux.HandleFunc("/graph/state", s.handleGraphState)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/dashboard/login", s.handleDashboardLogin)
	mux.HandleFunc("/dashboard/logout", s.handleDashboardLogout)
	mux.HandleFunc("/dashboard/status", s.handleDashboardStatus)
	mux.HandleFunc("/ws", s.handleWS)
	return mux
}

// Start binds the listener and serves in a background goroutine.
func (s *Server) Start(ctx context.Context) error {
	if s.httpServer != nil {
		return errors.New("transport already started")
	}
	s.ctx = ctx

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.routes(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}

	s.logger.Info("transport listening", zap.String("addr", addr))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("transport server stopped", zap.Error(err))
		}
	}()

	return nil
}

// Stop shuts the HTTP server down gracefully.
func (s *Server) Stop() {
	if s.httpServer == nil {
		return
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.WriteTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("transport shutdown error", zap.Error(err))
	}
	s.wg.Wait()
}

// handleWS hijacks the HTTP connection via gobwas/ws's HTTP integration,
// then hands the raw net.Conn to the same low-level frame loop the
// teacher's dedicated TCP accept loop used.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.logger.Debug("ws upgrade failed", zap.Error(err))
		return
	}

	sessionCtx := s.ctx
	if sessionCtx == nil {
		sessionCtx = context.Background()
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer conn.Close()
		sess := newSession(conn, s.broker, s.logger, s.metrics)
		sess.run(sessionCtx)
	}()
}

package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/fleetsense/iot-backend/internal/broker"
)

// DirectoryControl is what the server needs from the device directory: the
// refresh hook the CRUD collaborator calls after mutations, and the size for
// the status surface.
type DirectoryControl interface {
	Refresh(ctx context.Context) error
	Size() int
}

// BrokerStatus exposes broker-connection health.
type BrokerStatus interface {
	Status() broker.Status
}

// ClientCounter reports connected dashboard clients.
type ClientCounter interface {
	ClientCount() int
}

// Server is the engine's HTTP surface: liveness, status, directory refresh
// and the websocket endpoint.
type Server struct {
	addr      string
	directory DirectoryControl
	broker    BrokerStatus
	clients   ClientCounter
	ws        http.HandlerFunc
	logger    zerolog.Logger

	httpServer *http.Server
	mu         sync.Mutex
}

// NewServer builds the router and its handlers.
func NewServer(addr string, dir DirectoryControl, brk BrokerStatus, clients ClientCounter,
	ws http.HandlerFunc, logger zerolog.Logger) *Server {
	return &Server{
		addr:      addr,
		directory: dir,
		broker:    brk,
		clients:   clients,
		ws:        ws,
		logger:    logger,
	}
}

// Start begins serving in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.httpServer != nil {
		return errors.New("api server is already running")
	}

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)

	router.Get("/ping", s.handlePing)
	router.Get("/api/status", s.handleStatus)
	router.Post("/api/devices/refresh", s.handleRefresh)
	router.Get("/ws", s.ws)

	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		s.logger.Info().Str("addr", s.addr).Msg("HTTP server listening")
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("HTTP server terminated")
		}
	}()

	return nil
}

// Stop shuts the listener down gracefully.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.httpServer == nil {
		return errors.New("api server is not running")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := s.httpServer.Shutdown(ctx)
	s.httpServer = nil
	return err
}

func (s *Server) handlePing(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"message":   "telemetry engine is alive",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"status":    "healthy",
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	brokerStatus := s.broker.Status()

	status := http.StatusOK
	if brokerStatus.Degraded {
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, map[string]any{
		"broker":            brokerStatus,
		"directory_size":    s.directory.Size(),
		"connected_clients": s.clients.ClientCount(),
	})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if err := s.directory.Refresh(r.Context()); err != nil {
		s.logger.Error().Err(err).Msg("Device directory refresh failed")
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"error": "failed to refresh device directory",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"devices": s.directory.Size(),
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

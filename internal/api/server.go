// Package api exposes the engine's status over HTTP and WebSocket: the
// periodic snapshot, open positions, regime state, prometheus metrics and a
// stop endpoint for graceful shutdown.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/quantrelay/scalpd/internal/engine"
	"github.com/quantrelay/scalpd/internal/ledger"
	"github.com/quantrelay/scalpd/internal/notify"
	"github.com/quantrelay/scalpd/internal/regime"
	"github.com/quantrelay/scalpd/internal/risk"
)

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultServerConfig returns sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Host:         "127.0.0.1",
		Port:         8089,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// Server serves the status API.
type Server struct {
	logger     *zap.Logger
	config     ServerConfig
	router     *mux.Router
	httpServer *http.Server
	upgrader   websocket.Upgrader
	hub        *Hub

	coordinator *engine.Coordinator
	book        *ledger.Ledger
	classifier  *regime.Classifier
	guard       *risk.Guard
	registry    *prometheus.Registry
}

// NewServer wires the routes. Call Start to listen and Bridge to forward
// bus events to WebSocket subscribers.
func NewServer(logger *zap.Logger, config ServerConfig, coordinator *engine.Coordinator, book *ledger.Ledger, classifier *regime.Classifier, guard *risk.Guard, registry *prometheus.Registry) *Server {
	s := &Server{
		logger:      logger.Named("api"),
		config:      config,
		router:      mux.NewRouter(),
		hub:         NewHub(logger),
		coordinator: coordinator,
		book:        book,
		classifier:  classifier,
		guard:       guard,
		registry:    registry,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/api/v1/health", s.handleHealth).Methods("GET")
	s.router.HandleFunc("/api/v1/status", s.handleStatus).Methods("GET")
	s.router.HandleFunc("/api/v1/positions", s.handlePositions).Methods("GET")
	s.router.HandleFunc("/api/v1/regime", s.handleRegime).Methods("GET")
	s.router.HandleFunc("/api/v1/risk", s.handleRisk).Methods("GET")
	s.router.HandleFunc("/api/v1/stop", s.handleStop).Methods("POST")
	s.router.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	s.router.HandleFunc("/ws", s.handleWebSocket)
}

// Start runs the hub and the HTTP listener. Blocks until the listener exits.
func (s *Server) Start() error {
	go s.hub.Run()

	handler := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"*"},
	}).Handler(s.router)

	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	s.logger.Info("Status API listening", zap.String("addr", addr))
	return s.httpServer.ListenAndServe()
}

// Stop shuts the listener down.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// Bridge forwards bus events to WebSocket subscribers until the channel
// closes. Run it in its own goroutine.
func (s *Server) Bridge(events <-chan notify.Event) {
	for e := range events {
		switch e.Type {
		case notify.EventRegimeChange:
			s.hub.Broadcast(MsgTypeRegimeChange, e)
		case notify.EventSafetyTrip, notify.EventEmergency:
			s.hub.Broadcast(MsgTypeSafety, e)
		case notify.EventTradeOpened, notify.EventTradeClosed:
			s.hub.Broadcast(MsgTypeTrade, e)
		}
	}
}

// BroadcastSnapshot pushes the current snapshot to subscribers. The main
// loop calls this on a timer.
func (s *Server) BroadcastSnapshot() {
	s.hub.Broadcast(MsgTypeSnapshot, s.coordinator.Stats())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, map[string]any{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.coordinator.Stats())
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	positions := s.book.GetAll()
	s.writeJSON(w, map[string]any{
		"positions": positions,
		"count":     len(positions),
	})
}

func (s *Server) handleRegime(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, map[string]any{
		"state":   s.classifier.GetSnapshot(),
		"history": s.classifier.History(20),
	})
}

func (s *Server) handleRisk(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, map[string]any{
		"state":      s.guard.State(),
		"violations": s.guard.Violations(20),
		"emergency":  s.guard.EmergencyInProgress(),
	})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	s.logger.Warn("Stop requested over API", zap.String("remote", r.RemoteAddr))
	s.coordinator.Stop()
	s.writeJSON(w, map[string]any{"stopping": true})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}

	client := newWSClient(s.hub, conn)
	s.hub.register <- client
	go client.writePump()
	go client.readPump()
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("Response encode failed", zap.Error(err))
	}
}

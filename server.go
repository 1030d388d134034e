package main

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/movementbrand/mbdash/authsession"
	"github.com/movementbrand/mbdash/config"
	"github.com/movementbrand/mbdash/middleware"
	"github.com/movementbrand/mbdash/viewrouter"
)

// pinger reports database health.
type pinger interface {
	Ping(ctx context.Context) error
}

// Server handles HTTP and WebSocket connections.
type Server struct {
	hub      *Hub
	config   *config.Config
	handlers *Handlers
	pages    *Pages
	reader   authsession.Reader
	db       pinger
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

// NewServer creates a new server.
func NewServer(hub *Hub, cfg *config.Config, handlers *Handlers, reader authsession.Reader, db pinger, logger *zap.Logger) *Server {
	return &Server{
		hub:      hub,
		config:   cfg,
		handlers: handlers,
		pages:    &Pages{logger: logger},
		reader:   reader,
		db:       db,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     middleware.CheckOrigin(cfg.Server.AllowedOrigins),
		},
	}
}

// SetupRoutes configures HTTP routes.
func (s *Server) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws", s.handleWebSocket)
	mux.HandleFunc("GET /health", s.handleHealth)
	s.handlers.SetupRoutes(mux)
	mux.HandleFunc("/api/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	mux.Handle("/", viewrouter.Gate(s.reader, s.pages, s.pages.Loading()))
}

// Handler returns the routed server wrapped in middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.SetupRoutes(mux)
	return middleware.Chain(mux,
		middleware.Recover(s.logger),
		middleware.RequestLogger(s.logger.Named("http"), s.config.Server.UseXForwardedFor),
		middleware.CORS(middleware.CORSConfig{AllowedOrigins: s.config.Server.AllowedOrigins}),
	)
}

// handleWebSocket upgrades HTTP to WebSocket and registers the tab.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	tab := NewTab(s.hub, conn, middleware.ClientIP(r, s.config.Server.UseXForwardedFor), s.logger)
	s.hub.Register(tab)

	// Run the tab (blocks until the connection closes)
	tab.Run()
}

// handleHealth reports the verdict and dependency status.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status":  "ok",
		"verdict": s.reader.State().Verdict.String(),
		"tabs":    s.hub.TabCount(),
	}
	status := http.StatusOK
	if s.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.db.Ping(ctx); err != nil {
			resp["status"] = "degraded"
			resp["database"] = "unavailable"
			status = http.StatusServiceUnavailable
		} else {
			resp["database"] = "ok"
		}
	}
	writeJSON(w, status, resp)
}

// Package api serves a read-only view of the running engine over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/bryanchriswhite/FocusDucker/internal/engine"
	"github.com/bryanchriswhite/FocusDucker/internal/logger"
	"github.com/bryanchriswhite/FocusDucker/internal/registry"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

// Version is reported by the health endpoint
var Version = "0.1.0"

const writeTimeout = 5 * time.Second

// Server represents the HTTP API server
type Server struct {
	router   *mux.Router
	engine   *engine.Engine
	upgrader websocket.Upgrader

	mu         sync.Mutex
	httpServer *http.Server
	shutdown   bool
}

// NewServer creates a new API server
func NewServer(eng *engine.Engine) *Server {
	s := &Server{
		router: mux.NewRouter(),
		engine: eng,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api").Subrouter()

	api.HandleFunc("/health", s.handleHealth).Methods("GET")
	api.HandleFunc("/status", s.handleStatus).Methods("GET")

	api.HandleFunc("/sessions", s.handleGetSessions).Methods("GET")
	api.HandleFunc("/sessions/{pid:[0-9]+}", s.handleGetSession).Methods("GET")
	api.HandleFunc("/foreground", s.handleGetForeground).Methods("GET")
	api.HandleFunc("/policy", s.handleGetPolicy).Methods("GET")
	api.HandleFunc("/config", s.handleGetConfig).Methods("GET")

	api.HandleFunc("/events", s.handleEventStream)
}

// Handler returns the router wrapped with CORS headers
func (s *Server) Handler() http.Handler {
	return s.enableCORS(s.router)
}

// Start serves on port until Shutdown is called
func (s *Server) Start(port int) error {
	addr := fmt.Sprintf(":%d", port)

	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.httpServer = srv
	s.mu.Unlock()

	logger.WithComponent("api").Info().
		Str("addr", "http://localhost"+addr).
		Msg("Starting API server")

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server, waiting for in-flight requests
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.shutdown = true
	srv := s.httpServer
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// enableCORS adds CORS headers
func (s *Server) enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.WithComponent("api").Debug().Err(err).Msg("Failed to write response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// HTTP Handlers

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"version": Version,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Status())
}

func (s *Server) handleGetSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Registry().Snapshot())
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	pid, err := strconv.Atoi(mux.Vars(r)["pid"])
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid pid")
		return
	}

	for _, sess := range s.engine.Registry().Snapshot() {
		if sess.PID == pid {
			writeJSON(w, http.StatusOK, sess)
			return
		}
	}
	writeError(w, http.StatusNotFound, fmt.Sprintf("no session for pid %d", pid))
}

type foregroundResponse struct {
	PID     int               `json:"pid"`
	Known   bool              `json:"known"`
	Mode    string            `json:"mode"`
	Session *registry.Session `json:"session,omitempty"`
}

func (s *Server) handleGetForeground(w http.ResponseWriter, r *http.Request) {
	reg := s.engine.Registry()
	resp := foregroundResponse{
		PID:  reg.Foreground(),
		Mode: string(s.engine.Feed().Mode()),
	}
	resp.Known = resp.PID != registry.NoForeground

	for _, sess := range reg.Snapshot() {
		if sess.Foreground {
			resp.Session = &sess
			break
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Registry().Policy())
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Config().Get())
}

// streamMessage is one frame on the events websocket
type streamMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// handleEventStream sends a snapshot followed by every registry event
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	log := logger.WithComponent("api")

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("WebSocket upgrade error")
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Subscribe before the snapshot so nothing falls between the two
	events := s.engine.Registry().Events().Subscribe(ctx)

	// Drain client frames so close and ping are handled; cancel when the
	// client goes away
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	write := func(msg streamMessage) error {
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		return conn.WriteJSON(msg)
	}

	if err := write(streamMessage{Type: "snapshot", Data: s.engine.Registry().Snapshot()}); err != nil {
		log.Debug().Err(err).Msg("WebSocket write error")
		return
	}

	for ev := range events {
		if err := write(streamMessage{Type: string(ev.Type), Data: ev.Payload}); err != nil {
			log.Debug().Err(err).Msg("WebSocket write error")
			return
		}
	}

	// Broker closed: the engine is stopping
	conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
		time.Now().Add(time.Second),
	)
}

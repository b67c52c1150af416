package opstatus

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/protei/lwm2mclient/internal/logger"
	"github.com/protei/lwm2mclient/internal/session"
)

// Config wires the operator status server to its listen address and
// operator credentials.
type Config struct {
	ListenAddr string
	Auth       AuthConfig
}

// Server is the operator-facing HTTP+WebSocket status surface: login,
// current-state query, and a live event stream, fed by the Session
// Manager's Callback.
type Server struct {
	addr   string
	auth   *authService
	http   *http.Server
	log    *logger.Logger
	upgrd  websocket.Upgrader
	mu     sync.RWMutex
	state  session.State
	wsMu   sync.RWMutex
	wsConn map[*websocket.Conn]*sync.Mutex
}

// New builds a Server; call Callback() to obtain the function to pass as
// a session.Manager's event callback.
func New(cfg Config) *Server {
	return &Server{
		addr:   cfg.ListenAddr,
		auth:   newAuthService(cfg.Auth),
		log:    logger.Get().WithComponent("opstatus"),
		upgrd:  websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		wsConn: make(map[*websocket.Conn]*sync.Mutex),
	}
}

// Callback returns the session.Callback this server broadcasts every
// inbound event through to connected dashboards.
func (s *Server) Callback() session.Callback {
	return func(ev session.Event) {
		s.broadcast(ev)
	}
}

// SetState records the Session Manager's current lifecycle state for the
// /api/state endpoint, since events alone don't expose "what state are we
// in right now" to a client that connects mid-session.
func (s *Server) SetState(st session.State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Start begins serving; it blocks until the server stops or errors, the
// same contract pkg/web/server.go's Start has.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/auth/login", s.handleLogin)
	mux.HandleFunc("/api/state", s.requireAuth(s.handleState))
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)

	s.http = &http.Server{
		Addr:         s.addr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	s.log.Info("starting operator status server", "addr", s.addr)
	return s.http.ListenAndServe()
}

// Stop gracefully shuts the server down, closing every open WebSocket.
func (s *Server) Stop(ctx context.Context) error {
	s.wsMu.Lock()
	for conn := range s.wsConn {
		conn.Close()
	}
	s.wsConn = make(map[*websocket.Conn]*sync.Mutex)
	s.wsMu.Unlock()
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			sendError(w, http.StatusUnauthorized, "missing or malformed authorization header")
			return
		}
		if _, err := s.auth.ValidateToken(parts[1]); err != nil {
			sendError(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}
		next(w, r)
	}
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		sendError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	token, err := s.auth.Login(req.Username, req.Password)
	if err != nil {
		sendError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	sendJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	st := s.state
	s.mu.RUnlock()
	sendJSON(w, http.StatusOK, map[string]string{"state": st.String()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	sendJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if _, err := s.auth.ValidateToken(token); err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrd.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("websocket upgrade failed", err)
		return
	}

	s.wsMu.Lock()
	s.wsConn[conn] = &sync.Mutex{}
	s.wsMu.Unlock()

	defer func() {
		s.wsMu.Lock()
		delete(s.wsConn, conn)
		s.wsMu.Unlock()
		conn.Close()
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) broadcast(ev session.Event) {
	msg := map[string]interface{}{
		"type":      ev.Type.String(),
		"kind":      ev.Kind.String(),
		"server_id": ev.ServerID,
		"progress":  ev.Progress,
		"timestamp": time.Now().Unix(),
	}
	if ev.Err != nil {
		msg["error"] = ev.Err.Error()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		s.log.Error("marshal event for broadcast", err)
		return
	}

	s.wsMu.RLock()
	targets := make(map[*websocket.Conn]*sync.Mutex, len(s.wsConn))
	for conn, writeMu := range s.wsConn {
		targets[conn] = writeMu
	}
	s.wsMu.RUnlock()

	// gorilla/websocket forbids concurrent writes to the same connection, so
	// each conn's own mutex (not just the registry's) serializes broadcasts
	// that might otherwise race with each other.
	for conn, writeMu := range targets {
		writeMu.Lock()
		err := conn.WriteMessage(websocket.TextMessage, data)
		writeMu.Unlock()
		if err != nil {
			s.log.Warn("websocket send failed", "error", err.Error())
		}
	}
}

func sendJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func sendError(w http.ResponseWriter, status int, message string) {
	sendJSON(w, status, map[string]string{"error": message})
}

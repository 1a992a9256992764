// Package gateway serves a read-only view of the running system: an
// HTTP health/status endpoint and a WebSocket that broadcasts board,
// heartbeat and provider-health snapshots on a short cadence.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/gocrew/internal/board"
	"github.com/nextlevelbuilder/gocrew/internal/config"
	"github.com/nextlevelbuilder/gocrew/internal/heartbeat"
	"github.com/nextlevelbuilder/gocrew/internal/resilience"
)

const broadcastEvery = 2 * time.Second

// TaskView is the per-task slice of a status snapshot.
type TaskView struct {
	ID           string  `json:"id"`
	Status       string  `json:"status"`
	RequiredRole string  `json:"required_role,omitempty"`
	AgentID      string  `json:"agent_id,omitempty"`
	ParentID     string  `json:"parent_id,omitempty"`
	Complexity   string  `json:"complexity,omitempty"`
	CreatedAt    float64 `json:"created_at"`
}

// Snapshot is one status broadcast frame.
type Snapshot struct {
	Time      float64                     `json:"time"`
	Counts    map[string]int              `json:"counts"`
	Tasks     []TaskView                  `json:"tasks"`
	Agents    []heartbeat.Beat            `json:"agents"`
	Breakers  map[string]string           `json:"breakers,omitempty"`
	Providers []resilience.ProviderHealth `json:"providers,omitempty"`
}

// Server is the status gateway.
type Server struct {
	cfg    *config.Config
	board  *board.Board
	heart  *heartbeat.Monitor
	caller *resilience.Caller // nil when the daemon runs without providers
	router *resilience.Router // nil likewise
	log    *slog.Logger

	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}

	httpServer *http.Server
}

// NewServer wires the gateway. caller and router may be nil.
func NewServer(cfg *config.Config, b *board.Board, heart *heartbeat.Monitor,
	caller *resilience.Caller, router *resilience.Router) *Server {
	return &Server{
		cfg:    cfg,
		board:  b,
		heart:  heart,
		caller: caller,
		router: router,
		log:    slog.Default().With("component", "gateway"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients: map[*websocket.Conn]struct{}{},
	}
}

// Mux returns the gateway routes.
func (s *Server) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/status", s.auth(s.handleStatus))
	mux.HandleFunc("/ws", s.auth(s.handleWS))
	return mux
}

// Start listens on the configured address and runs the broadcast loop
// until ctx ends.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.cfg.Gateway.Addr(),
		Handler:           s.Mux(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go s.broadcastLoop(ctx)
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutCtx)
	}()

	s.log.Info("gateway listening", "addr", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// auth gates a handler behind the configured bearer token. No token
// configured means the gateway is open (loopback default).
func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := s.cfg.Gateway.Token
		if token == "" {
			next(w, r)
			return
		}
		got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if got == "" {
			got = r.URL.Query().Get("token")
		}
		if got != token {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"ok":true}`))
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	snap, err := s.snapshot()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(snap)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	s.mu.Lock()
	s.clients[conn] = struct{}{}
	n := len(s.clients)
	s.mu.Unlock()
	s.log.Info("websocket client connected", "clients", n)

	// Push the current state immediately so clients don't wait a tick.
	if snap, err := s.snapshot(); err == nil {
		_ = conn.WriteJSON(snap)
	}

	// Reader loop only detects close; the gateway is write-only.
	go func() {
		defer s.dropClient(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (s *Server) dropClient(conn *websocket.Conn) {
	s.mu.Lock()
	delete(s.clients, conn)
	s.mu.Unlock()
	_ = conn.Close()
}

func (s *Server) broadcastLoop(ctx context.Context) {
	tick := time.NewTicker(broadcastEvery)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
		}
		s.mu.Lock()
		n := len(s.clients)
		s.mu.Unlock()
		if n == 0 {
			continue
		}
		snap, err := s.snapshot()
		if err != nil {
			s.log.Warn("snapshot failed", "error", err)
			continue
		}
		s.broadcast(snap)
	}
}

func (s *Server) broadcast(snap *Snapshot) {
	s.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(s.clients))
	for c := range s.clients {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.SetWriteDeadline(time.Now().Add(2 * time.Second))
		if err := c.WriteJSON(snap); err != nil {
			s.dropClient(c)
		}
	}
}

func (s *Server) snapshot() (*Snapshot, error) {
	tasks, err := s.board.List()
	if err != nil {
		return nil, fmt.Errorf("board snapshot: %w", err)
	}
	snap := &Snapshot{
		Time:   float64(time.Now().UnixNano()) / float64(time.Second),
		Counts: map[string]int{},
		Tasks:  make([]TaskView, 0, len(tasks)),
	}
	for _, t := range tasks {
		snap.Counts[string(t.Status)]++
		snap.Tasks = append(snap.Tasks, TaskView{
			ID:           t.ID,
			Status:       string(t.Status),
			RequiredRole: t.RequiredRole,
			AgentID:      t.AgentID,
			ParentID:     t.ParentID,
			Complexity:   string(t.Complexity),
			CreatedAt:    t.CreatedAt,
		})
	}
	if s.heart != nil {
		if beats, err := s.heart.All(); err == nil {
			snap.Agents = beats
		}
	}
	if s.caller != nil {
		snap.Breakers = s.caller.BreakerStates()
	}
	if s.router != nil {
		snap.Providers = s.router.Health()
	}
	return snap, nil
}
